package outputs

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yegors/streamcaptioner/internal/feeds"
	"github.com/yegors/streamcaptioner/pkg/logger"
)

// DefaultQueueSize is the per-sink queue length
const DefaultQueueSize = 64

// Sink receives caption text for a feed. routingKey is the feed's output target
// (a vMix input for example) and may be empty.
type Sink interface {
	Name() string
	Send(ctx context.Context, feedID, routingKey, text string) error
}

// FeedLookup resolves feed IDs to live feeds
type FeedLookup interface {
	GetFeed(id string) (*feeds.Feed, bool)
}

type delivery struct {
	feedID     string
	routingKey string
	text       string
	flushed    chan struct{} // set on flush markers only
}

type sinkWorker struct {
	sink    Sink
	queue   chan delivery
	dropped atomic.Uint64
}

// Dispatcher fans captions out to sinks. Each sink has its own goroutine and
// bounded queue so a slow output never blocks caption delivery; captions are
// dropped with a warning when a queue is full.
type Dispatcher struct {
	lookup      FeedLookup
	sendTimeout time.Duration
	logger      *logger.Logger

	mu      sync.RWMutex
	workers []*sinkWorker
	closed  bool
	wg      sync.WaitGroup
}

// NewDispatcher starts one worker per sink
func NewDispatcher(lookup FeedLookup, sinks []Sink, queueSize int, sendTimeout time.Duration, log *logger.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if sendTimeout <= 0 {
		sendTimeout = 5 * time.Second
	}

	d := &Dispatcher{
		lookup:      lookup,
		sendTimeout: sendTimeout,
		logger:      log.Named("dispatcher"),
	}
	for _, s := range sinks {
		w := &sinkWorker{sink: s, queue: make(chan delivery, queueSize)}
		d.workers = append(d.workers, w)
		d.wg.Add(1)
		go d.run(w)
	}
	return d
}

// OnFeedCaption implements feeds.GlobalSubscriber
func (d *Dispatcher) OnFeedCaption(feedID string, c feeds.Caption) {
	routingKey := ""
	if f, ok := d.lookup.GetFeed(feedID); ok {
		routingKey = f.RoutingKey()
	}
	d.Dispatch(feedID, routingKey, c.Text)
}

// Dispatch queues text for every sink without blocking
func (d *Dispatcher) Dispatch(feedID, routingKey, text string) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}

	item := delivery{feedID: feedID, routingKey: routingKey, text: text}
	for _, w := range d.workers {
		select {
		case w.queue <- item:
		default:
			dropped := w.dropped.Add(1)
			d.logger.Warn("Output queue full, dropping caption",
				logger.String("sink", w.sink.Name()),
				logger.String("feed_id", feedID),
				logger.Uint64("dropped", dropped))
		}
	}
}

// Dropped returns the number of captions dropped per sink name
func (d *Dispatcher) Dropped() map[string]uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]uint64, len(d.workers))
	for _, w := range d.workers {
		out[w.sink.Name()] = w.dropped.Load()
	}
	return out
}

func (d *Dispatcher) run(w *sinkWorker) {
	defer d.wg.Done()
	for item := range w.queue {
		if item.flushed != nil {
			close(item.flushed)
			continue
		}
		d.send(w.sink, item)
	}
}

func (d *Dispatcher) send(s Sink, item delivery) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Output sink panicked",
				logger.String("sink", s.Name()),
				logger.Any("panic", r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
	defer cancel()

	if err := s.Send(ctx, item.feedID, item.routingKey, item.text); err != nil {
		d.logger.Warn("Failed to send caption",
			logger.String("sink", s.Name()),
			logger.String("feed_id", item.feedID),
			logger.Error(err))
	}
}

// Flush blocks until every caption queued before the call has been handed to its sink.
// Markers are queued without dropping, so Flush waits for queue space until ctx is done.
func (d *Dispatcher) Flush(ctx context.Context) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil
	}

	markers := make([]chan struct{}, 0, len(d.workers))
	for _, w := range d.workers {
		marker := make(chan struct{})
		select {
		case w.queue <- delivery{flushed: marker}:
			markers = append(markers, marker)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, marker := range markers {
		select {
		case <-marker:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Stop closes the queues and waits for pending deliveries until ctx is done
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, w := range d.workers {
		close(w.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
