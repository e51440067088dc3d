package feeds

import (
	"sync"

	"github.com/yegors/streamcaptioner/pkg/logger"
)

// subscription gates delivery to one subscriber. Holding mu while delivering lets
// unsubscribe wait out an in-flight call, after which active stays false.
type subscription struct {
	mu     sync.Mutex
	active bool
}

func newSubscription() *subscription {
	return &subscription{active: true}
}

func (s *subscription) deliver(log *logger.Logger, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("Caption subscriber panicked", logger.Any("panic", r))
		}
	}()
	fn()
}

func (s *subscription) cancel() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}
