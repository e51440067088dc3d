package feeds

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yegors/streamcaptioner/internal/transcription"
	"github.com/yegors/streamcaptioner/pkg/logger"
)

// DefaultHistorySize is the number of final captions a feed keeps
const DefaultHistorySize = 1000

// Subscriber is notified of every caption a feed produces.
// Implementations must be comparable (pointer receivers) and must not
// unsubscribe themselves from inside OnCaption.
type Subscriber interface {
	OnCaption(c Caption)
}

// Feed holds the caption state of one audio source
type Feed struct {
	id         string
	name       string
	channel    int
	channels   []int
	routingKey string
	capacity   int
	now        func() time.Time
	logger     *logger.Logger

	mu          sync.RWMutex
	enabled     bool
	history     []Caption // ring buffer once full
	head        int       // oldest entry when full
	interim     string
	subscribers map[Subscriber]*subscription
}

// NewFeed creates a feed from its definition
func NewFeed(def Definition, capacity int, log *logger.Logger) *Feed {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &Feed{
		id:          def.ID,
		name:        def.Name,
		channel:     def.Channel,
		channels:    def.SelectedChannels(),
		routingKey:  def.RoutingKey,
		capacity:    capacity,
		now:         time.Now,
		logger:      log.WithFeed(def.ID),
		enabled:     def.Enabled,
		subscribers: make(map[Subscriber]*subscription),
	}
}

// ID returns the feed id
func (f *Feed) ID() string { return f.id }

// Name returns the display name
func (f *Feed) Name() string { return f.name }

// Channel returns the primary channel index
func (f *Feed) Channel() int { return f.channel }

// Channels returns the channels mixed into this feed
func (f *Feed) Channels() []int { return append([]int(nil), f.channels...) }

// RoutingKey returns the output target, the vMix title input
func (f *Feed) RoutingKey() string { return f.routingKey }

// Enabled reports whether the feed accepts transcripts
func (f *Feed) Enabled() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.enabled
}

// SetEnabled enables or disables the feed
func (f *Feed) SetEnabled(enabled bool) {
	f.mu.Lock()
	f.enabled = enabled
	f.mu.Unlock()
}

// AddTranscript turns a transcript into a caption, updates the feed state and
// notifies subscribers synchronously. Finals go to history; interims only
// replace the current interim text.
func (f *Feed) AddTranscript(t transcription.Transcript) Caption {
	ts := t.Timestamp
	if ts.IsZero() {
		ts = f.now()
	}

	caption := Caption{
		ID:         uuid.NewString(),
		FeedID:     f.id,
		Text:       t.Text,
		IsFinal:    t.IsFinal,
		Timestamp:  ts,
		Confidence: t.Confidence,
	}

	f.mu.Lock()
	if caption.IsFinal {
		f.appendLocked(caption)
		f.interim = ""
	} else {
		f.interim = caption.Text
	}
	subs := make(map[Subscriber]*subscription, len(f.subscribers))
	for s, sub := range f.subscribers {
		subs[s] = sub
	}
	f.mu.Unlock()

	for s, sub := range subs {
		sub.deliver(f.logger, func() { s.OnCaption(caption) })
	}

	return caption
}

func (f *Feed) appendLocked(c Caption) {
	if len(f.history) < f.capacity {
		f.history = append(f.history, c)
		return
	}
	f.history[f.head] = c
	f.head = (f.head + 1) % f.capacity
}

// orderedLocked returns history oldest first
func (f *Feed) orderedLocked() []Caption {
	out := make([]Caption, 0, len(f.history))
	out = append(out, f.history[f.head:]...)
	return append(out, f.history[:f.head]...)
}

// History returns final captions no older than window, oldest first.
// A window of zero or less returns the whole history.
func (f *Feed) History(window time.Duration) []Caption {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.windowLocked(window)
}

func (f *Feed) windowLocked(window time.Duration) []Caption {
	all := f.orderedLocked()
	if window <= 0 {
		return all
	}

	// Timestamps come from the provider, so scan rather than assume order
	cutoff := f.now().Add(-window)
	out := all[:0]
	for _, c := range all {
		if !c.Timestamp.Before(cutoff) {
			out = append(out, c)
		}
	}
	return out
}

// Captions returns the whole history, oldest first
func (f *Feed) Captions() []Caption {
	return f.History(0)
}

// CaptionCount returns the number of stored final captions
func (f *Feed) CaptionCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.history)
}

// CurrentText returns the interim text if set, else the latest final text, else ""
func (f *Feed) CurrentText() string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.interim != "" {
		return f.interim
	}
	if n := len(f.history); n > 0 {
		if n < f.capacity {
			return f.history[n-1].Text
		}
		return f.history[(f.head+f.capacity-1)%f.capacity].Text
	}
	return ""
}

// Subscribe registers s. Subscribing twice has no extra effect.
func (f *Feed) Subscribe(s Subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.subscribers[s]; ok {
		return
	}
	f.subscribers[s] = newSubscription()
}

// Unsubscribe removes s. When it returns, s is not being called and never will be again.
func (f *Feed) Unsubscribe(s Subscriber) {
	f.mu.Lock()
	sub, ok := f.subscribers[s]
	delete(f.subscribers, s)
	f.mu.Unlock()

	if ok {
		sub.cancel()
	}
}

// SubscribeWithHistory registers s and returns the history within window, taken
// under the same lock so no caption falls between the snapshot and the subscription.
func (f *Feed) SubscribeWithHistory(s Subscriber, window time.Duration) []Caption {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.subscribers[s]; !ok {
		f.subscribers[s] = newSubscription()
	}
	return f.windowLocked(window)
}

// SubscriberCount returns the number of subscribers
func (f *Feed) SubscriberCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subscribers)
}

// Info returns the JSON description of the feed
func (f *Feed) Info() Info {
	f.mu.RLock()
	defer f.mu.RUnlock()

	info := Info{
		ID:           f.id,
		Name:         f.name,
		Channel:      f.channel,
		RoutingKey:   f.routingKey,
		Enabled:      f.enabled,
		CaptionCount: len(f.history),
	}
	if len(f.channels) > 1 {
		info.Channels = append([]int(nil), f.channels...)
	}
	return info
}

// Definition returns the feed's current definition
func (f *Feed) Definition() Definition {
	f.mu.RLock()
	defer f.mu.RUnlock()

	def := Definition{
		ID:         f.id,
		Name:       f.name,
		Channel:    f.channel,
		RoutingKey: f.routingKey,
		Enabled:    f.enabled,
	}
	if len(f.channels) > 1 {
		def.Channels = append([]int(nil), f.channels...)
	}
	return def
}
