package api

import (
	"github.com/gofiber/contrib/v3/websocket"
	"github.com/gofiber/fiber/v3"

	"github.com/emberline-chat/gateway/internal/conn"
	"github.com/emberline-chat/gateway/internal/dispatcher"
)

// GatewayHandler serves the WebSocket upgrade endpoint.
type GatewayHandler struct {
	dispatcher *dispatcher.Dispatcher
	connCfg    conn.Config
}

// NewGatewayHandler creates a gateway handler bound to the given Dispatcher.
func NewGatewayHandler(d *dispatcher.Dispatcher, connCfg conn.Config) *GatewayHandler {
	return &GatewayHandler{dispatcher: d, connCfg: connCfg}
}

// Upgrade handles the Gateway's WebSocket endpoint. It upgrades the HTTP connection and hands the raw socket to the
// Dispatcher, which blocks for the lifetime of the connection.
func (h *GatewayHandler) Upgrade(c fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	return websocket.New(func(wsConn *websocket.Conn) {
		h.dispatcher.ServeWebSocket(wsConn.Conn, h.connCfg)
	})(c)
}
