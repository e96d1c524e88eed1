package session

import (
	"context"
	"errors"

	"backend-drivertrack/internal/auth"
	"backend-drivertrack/internal/location"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

type actionRequest struct {
	SessionID string `json:"session_id"`
}

// RegisterRoutes mounts the session lifecycle endpoints. r is expected to be
// guarded by the driver auth chain.
func RegisterRoutes(r fiber.Router, svc *Service) {
	r.Post("/start", func(c *fiber.Ctx) error {
		sess, err := svc.Start(c.Context(), auth.UserID(c))
		if errors.Is(err, ErrSessionOpen) {
			return fiber.NewError(fiber.StatusConflict, err.Error())
		}
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "failed to start session")
		}
		return c.Status(fiber.StatusCreated).JSON(sess)
	})

	r.Post("/pause", action(svc.Pause))
	r.Post("/resume", action(svc.Resume))
	r.Post("/stop", action(svc.Stop))

	r.Get("/current", func(c *fiber.Ctx) error {
		sess, err := svc.Current(c.Context(), auth.UserID(c))
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "failed to load session")
		}
		return c.JSON(fiber.Map{"session": sess})
	})

	r.Get("/:id/points", func(c *fiber.Ctx) error {
		id := c.Params("id")
		if _, err := uuid.Parse(id); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid session id")
		}
		points, err := svc.Points(c.Context(), auth.UserID(c), id)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "failed to load points")
		}
		return c.JSON(fiber.Map{"points": points})
	})

	r.Get("/:id/summary", func(c *fiber.Ctx) error {
		id := c.Params("id")
		if _, err := uuid.Parse(id); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid session id")
		}
		summary, err := svc.Summary(c.Context(), auth.UserID(c), id)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "failed to summarize session")
		}
		return c.JSON(summary)
	})
}

type transitionFunc func(ctx context.Context, driverID, sessionID string) (location.Session, error)

func action(fn transitionFunc) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req actionRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid payload")
		}
		if _, err := uuid.Parse(req.SessionID); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "session_id must be a uuid")
		}
		sess, err := fn(c.Context(), auth.UserID(c), req.SessionID)
		if errors.Is(err, ErrInvalidTransition) {
			return fiber.NewError(fiber.StatusConflict, err.Error())
		}
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "failed to update session")
		}
		return c.JSON(sess)
	}
}
