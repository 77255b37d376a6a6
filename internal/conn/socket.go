package conn

import "time"

// Socket is the subset of *websocket.Conn (github.com/fasthttp/websocket) that Connection depends on. Abstracting it
// lets tests drive Connection with an in-memory fake instead of a real socket.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetReadLimit(limit int64)
	Close() error
}
