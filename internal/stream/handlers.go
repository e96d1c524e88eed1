package stream

import (
	"backend-drivertrack/internal/auth"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// RegisterRoutes serves /ws/:driverID. A caller with the driver role may
// only watch itself.
func RegisterRoutes(r fiber.Router, hub *Hub) {
	r.Get("/ws/:driverID", func(c *fiber.Ctx) error {
		if role, _ := c.Locals("role").(string); role == auth.RoleDriver && auth.UserID(c) != c.Params("driverID") {
			return fiber.NewError(fiber.StatusForbidden, "drivers may only watch themselves")
		}
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		return c.Next()
	}, websocket.New(func(c *websocket.Conn) {
		client := hub.Register(c.Params("driverID"))
		defer hub.Unregister(client)

		done := make(chan struct{})
		go func() {
			defer close(done)
			for msg := range client.Send {
				if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			}
		}()

		for {
			if _, _, err := c.ReadMessage(); err != nil {
				break
			}
		}
		hub.Unregister(client)
		<-done
	}))
}
