// Package api holds the Gateway's small first-party HTTP surface: the health check and the WebSocket upgrade route.
// Everything else the process does lives behind the WebSocket connection, handled by internal/dispatcher.
package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/emberline-chat/gateway/internal/httputil"
)

// HealthHandler serves the health check endpoint (supplemented feature: operators need a liveness probe that
// reflects both of the Gateway's dependencies, not just process uptime).
type HealthHandler struct {
	DB    *pgxpool.Pool
	Redis *redis.Client
}

// NewHealthHandler creates a health handler bound to the given Postgres pool and Valkey client.
func NewHealthHandler(db *pgxpool.Pool, rdb *redis.Client) *HealthHandler {
	return &HealthHandler{DB: db, Redis: rdb}
}

// Health pings Postgres and Valkey, returning component status.
func (h *HealthHandler) Health(c fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 3*time.Second)
	defer cancel()

	pgStatus := "ok"
	if err := h.DB.Ping(ctx); err != nil {
		pgStatus = "unavailable"
	}

	vkStatus := "ok"
	if err := h.Redis.Ping(ctx).Err(); err != nil {
		vkStatus = "unavailable"
	}

	overall := "ok"
	status := fiber.StatusOK
	if pgStatus != "ok" || vkStatus != "ok" {
		overall = "degraded"
		status = fiber.StatusServiceUnavailable
	}

	return httputil.SuccessStatus(c, status, fiber.Map{
		"status":   overall,
		"postgres": pgStatus,
		"valkey":   vkStatus,
	})
}
