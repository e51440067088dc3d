package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/yegors/streamcaptioner/internal/feeds"
	"github.com/yegors/streamcaptioner/pkg/logger"
)

const (
	// CloseFeedNotFound is sent when a client asks for an unknown feed
	CloseFeedNotFound = 4004

	DefaultReplayWindow = 5 * time.Minute
	DefaultPingInterval = 30 * time.Second
	DefaultSendBuffer   = 256

	writeWait      = 10 * time.Second
	maxMessageSize = 512
)

// Config configures the fan-out server
type Config struct {
	ReplayWindow time.Duration
	PingInterval time.Duration
	SendBuffer   int
}

// FeedLookup resolves feed IDs to live feeds
type FeedLookup interface {
	GetFeed(id string) (*feeds.Feed, bool)
}

// Server pushes captions to browsers. /ws/{id} streams one feed with a short history replay;
// /ws streams events from every feed.
type Server struct {
	feeds    FeedLookup
	config   Config
	upgrader websocket.Upgrader
	logger   *logger.Logger

	mu        sync.Mutex
	listeners map[*listener]struct{}
	clients   map[*client]struct{}
}

// NewServer creates a new fan-out server
func NewServer(lookup FeedLookup, cfg Config, log *logger.Logger) *Server {
	if cfg.ReplayWindow <= 0 {
		cfg.ReplayWindow = DefaultReplayWindow
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultSendBuffer
	}

	return &Server{
		feeds:  lookup,
		config: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Overlay pages are served from other origins (vMix browser inputs, OBS)
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:    log.Named("websocket"),
		listeners: make(map[*listener]struct{}),
		clients:   make(map[*client]struct{}),
	}
}

// HandleFeed serves GET /ws/{id}
func (s *Server) HandleFeed(w http.ResponseWriter, r *http.Request) {
	s.ServeFeed(w, r, chi.URLParam(r, "id"))
}

// ServeFeed upgrades the request and streams captions of one feed
func (s *Server) ServeFeed(w http.ResponseWriter, r *http.Request, feedID string) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", logger.Error(err))
		return
	}

	feed, ok := s.feeds.GetFeed(feedID)
	if !ok {
		s.logger.Debug("WebSocket requested unknown feed", logger.String("feed_id", feedID))
		msg := websocket.FormatCloseMessage(CloseFeedNotFound, "Feed not found")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
		return
	}

	l := newListener(conn, feed, s.config, s.logger.WithFeed(feedID))
	s.mu.Lock()
	s.listeners[l] = struct{}{}
	s.mu.Unlock()

	l.attach(s.config.ReplayWindow)
	s.logger.Info("Caption listener connected",
		logger.String("feed_id", feedID),
		logger.String("remote_addr", r.RemoteAddr))

	go l.writePump()
	l.readPump()

	feed.Unsubscribe(l)
	l.close()
	s.mu.Lock()
	delete(s.listeners, l)
	s.mu.Unlock()
	s.logger.Info("Caption listener disconnected", logger.String("feed_id", feedID))
}

// HandleGlobal serves GET /ws
func (s *Server) HandleGlobal(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", logger.Error(err))
		return
	}

	c := newClient(conn, s.config, s.logger)
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	go c.writePump()
	c.readPump()

	s.removeClient(c)
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	c.close()
}

// OnFeedCaption implements feeds.GlobalSubscriber
func (s *Server) OnFeedCaption(_ string, c feeds.Caption) {
	s.Broadcast(Message{Type: MessageCaption, Data: c})
}

// BroadcastStatus sends a feed_status event
func (s *Server) BroadcastStatus(status any) {
	s.Broadcast(Message{Type: MessageFeedStatus, Data: status})
}

// Broadcast sends a message to every global client without blocking. Clients that
// cannot keep up are dropped.
func (s *Server) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("Failed to marshal message", logger.String("type", msg.Type), logger.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		if !c.enqueue(data) {
			s.logger.Warn("Event client too slow, disconnecting")
			delete(s.clients, c)
			c.close()
		}
	}
}

// Counts returns the number of connected feed listeners and global clients
func (s *Server) Counts() (listeners, clients int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners), len(s.clients)
}

// Close disconnects every client
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for l := range s.listeners {
		l.close()
	}
	for c := range s.clients {
		c.close()
		delete(s.clients, c)
	}
}
