package feeds

import (
	"errors"
	"fmt"
	"sync"

	"github.com/yegors/streamcaptioner/internal/transcription"
	"github.com/yegors/streamcaptioner/pkg/logger"
)

var (
	// ErrFeedExists is returned when creating a feed with a duplicate id
	ErrFeedExists = errors.New("feed already exists")
	// ErrFeedNotFound is returned when a feed id is unknown
	ErrFeedNotFound = errors.New("feed not found")
)

// GlobalSubscriber is notified of captions from every feed.
// Implementations must be comparable (pointer receivers).
type GlobalSubscriber interface {
	OnFeedCaption(feedID string, c Caption)
}

// Manager owns all feeds and routes transcripts to them
type Manager struct {
	historySize int
	logger      *logger.Logger

	mu      sync.RWMutex
	feeds   map[string]*Feed
	order   []string
	globals map[GlobalSubscriber]*subscription
}

// NewManager creates an empty manager whose feeds keep historySize final captions
func NewManager(historySize int, log *logger.Logger) *Manager {
	return &Manager{
		historySize: historySize,
		logger:      log.Named("feeds"),
		feeds:       make(map[string]*Feed),
		globals:     make(map[GlobalSubscriber]*subscription),
	}
}

// CreateFeed registers a new feed
func (m *Manager) CreateFeed(def Definition) (*Feed, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.feeds[def.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrFeedExists, def.ID)
	}

	feed := NewFeed(def, m.historySize, m.logger)
	m.feeds[def.ID] = feed
	m.order = append(m.order, def.ID)

	m.logger.Info("Feed created",
		logger.String("feed_id", def.ID),
		logger.String("name", def.Name),
		logger.Ints("channels", def.SelectedChannels()),
		logger.Bool("enabled", def.Enabled))
	return feed, nil
}

// GetFeed looks up a feed by id
func (m *Manager) GetFeed(id string) (*Feed, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	feed, ok := m.feeds[id]
	return feed, ok
}

// ListFeeds returns all feeds in creation order
func (m *Manager) ListFeeds() []*Feed {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Feed, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.feeds[id])
	}
	return out
}

// EnabledFeeds returns the enabled feeds in creation order
func (m *Manager) EnabledFeeds() []*Feed {
	var out []*Feed
	for _, feed := range m.ListFeeds() {
		if feed.Enabled() {
			out = append(out, feed)
		}
	}
	return out
}

// RemoveFeed disables and unregisters a feed. It reports whether the feed existed.
func (m *Manager) RemoveFeed(id string) bool {
	m.mu.Lock()
	feed, ok := m.feeds[id]
	if ok {
		delete(m.feeds, id)
		for i, fid := range m.order {
			if fid == id {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
	m.mu.Unlock()

	if ok {
		feed.SetEnabled(false)
		m.logger.Info("Feed removed", logger.String("feed_id", id))
	}
	return ok
}

// Clear removes every feed
func (m *Manager) Clear() {
	m.mu.Lock()
	feeds := m.feeds
	m.feeds = make(map[string]*Feed)
	m.order = nil
	m.mu.Unlock()

	for _, feed := range feeds {
		feed.SetEnabled(false)
	}
}

// FeedsInfo returns the JSON description of every feed
func (m *Manager) FeedsInfo() []Info {
	feeds := m.ListFeeds()
	out := make([]Info, 0, len(feeds))
	for _, feed := range feeds {
		out = append(out, feed.Info())
	}
	return out
}

// SubscribeAll registers a subscriber for captions from every feed
func (m *Manager) SubscribeAll(s GlobalSubscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.globals[s]; !ok {
		m.globals[s] = newSubscription()
	}
}

// UnsubscribeAll removes a global subscriber, waiting out an in-flight delivery
func (m *Manager) UnsubscribeAll(s GlobalSubscriber) {
	m.mu.Lock()
	sub, ok := m.globals[s]
	delete(m.globals, s)
	m.mu.Unlock()

	if ok {
		sub.cancel()
	}
}

// AddTranscript routes a transcript to an enabled feed and then to the global
// subscribers. A missing or disabled feed drops it and reports false.
func (m *Manager) AddTranscript(feedID string, t transcription.Transcript) (Caption, bool) {
	feed, ok := m.GetFeed(feedID)
	if !ok || !feed.Enabled() {
		return Caption{}, false
	}

	caption := feed.AddTranscript(t)

	m.mu.RLock()
	subs := make(map[GlobalSubscriber]*subscription, len(m.globals))
	for s, sub := range m.globals {
		subs[s] = sub
	}
	m.mu.RUnlock()

	for s, sub := range subs {
		sub.deliver(m.logger, func() { s.OnFeedCaption(feedID, caption) })
	}

	return caption, true
}
