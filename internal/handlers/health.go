package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check requests
type HealthHandler struct {
	Version string
	Storage string
	store   Pinger
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(version, storage string, store Pinger) *HealthHandler {
	return &HealthHandler{
		Version: version,
		Storage: storage,
		store:   store,
	}
}

// Check returns the health status of the service
func (h *HealthHandler) Check(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status":  "unhealthy",
			"service": "CakePe Backend",
			"storage": h.Storage,
			"error":   err.Error(),
		})
	}
	return c.JSON(fiber.Map{
		"status":  "OK",
		"service": "CakePe Backend",
		"version": h.Version,
		"storage": h.Storage,
	})
}
