package websocket

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yegors/streamcaptioner/internal/feeds"
	"github.com/yegors/streamcaptioner/pkg/logger"
)

// listener streams the captions of one feed to one connection
type listener struct {
	peer
	feed *feeds.Feed
}

func newListener(conn *websocket.Conn, feed *feeds.Feed, cfg Config, log *logger.Logger) *listener {
	return &listener{
		peer: peer{conn: conn, config: cfg, logger: log},
		feed: feed,
	}
}

// attach registers the listener and queues the replay. The feed takes the snapshot and
// registers the listener under one lock, so a replayed caption is never delivered live.
// Live captions wait on the listener lock, so they always follow history_end.
func (l *listener) attach(window time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.feed.SubscribeWithHistory(l, window)
	l.send = make(chan []byte, len(history)+2+l.config.SendBuffer)

	start, _ := json.Marshal(historyStart{Type: MessageHistoryStart, Count: len(history)})
	l.send <- start
	for _, c := range history {
		data, _ := json.Marshal(c)
		l.send <- data
	}
	end, _ := json.Marshal(historyEnd{Type: MessageHistoryEnd})
	l.send <- end
}

// OnCaption implements feeds.Subscriber
func (l *listener) OnCaption(c feeds.Caption) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}

	data, err := json.Marshal(c)
	if err != nil {
		l.logger.Error("Failed to marshal caption", logger.Error(err))
		return
	}
	if !l.enqueueLocked(data) {
		l.logger.Warn("Caption listener queue full, pruning")
	}
}
