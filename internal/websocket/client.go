package websocket

import (
	"github.com/gorilla/websocket"

	"github.com/yegors/streamcaptioner/pkg/logger"
)

// client receives global events
type client struct {
	peer
}

func newClient(conn *websocket.Conn, cfg Config, log *logger.Logger) *client {
	return &client{peer: peer{
		conn:   conn,
		config: cfg,
		logger: log,
		send:   make(chan []byte, cfg.SendBuffer),
	}}
}
