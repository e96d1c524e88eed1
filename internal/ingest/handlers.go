package ingest

import (
	"time"

	"backend-drivertrack/internal/auth"

	"cdr.dev/slog/v3"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

var validate = newValidator()

// RegisterRoutes mounts /batch and /last-seen. rateLimit caps batch uploads
// per caller per minute; zero disables the limit.
func RegisterRoutes(r fiber.Router, svc *Service, rateLimit int) {
	batch := []fiber.Handler{}
	if rateLimit > 0 {
		batch = append(batch, limiter.New(limiter.Config{
			Max:        rateLimit,
			Expiration: time.Minute,
			KeyGenerator: func(c *fiber.Ctx) string {
				if id := auth.UserID(c); id != "" {
					return id
				}
				return c.IP()
			},
			LimitReached: func(c *fiber.Ctx) error {
				return fiber.NewError(fiber.StatusTooManyRequests, "Too many batch uploads")
			},
		}))
	}

	batch = append(batch, func(c *fiber.Ctx) error {
		var req batchRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid payload")
		}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		resp, err := svc.Ingest(c.Context(), auth.UserID(c), req.points())
		if err != nil {
			svc.log.Error(c.Context(), "ingest batch", slog.F("driver_id", auth.UserID(c)), slog.Error(err))
			return fiber.NewError(fiber.StatusInternalServerError, "Failed to upload locations")
		}
		return c.JSON(resp)
	})
	r.Post("/batch", batch...)

	r.Get("/last-seen", func(c *fiber.Ctx) error {
		ls, err := svc.LastSeen(c.Context(), auth.UserID(c))
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "failed to load last seen")
		}
		if ls == nil {
			return fiber.NewError(fiber.StatusNotFound, "no location reported yet")
		}
		return c.JSON(ls)
	})
}
