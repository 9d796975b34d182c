package evaluator

import (
	"context"
	"sync"
	"time"
)

const (
	// minInterval is the per-student floor between accepted calls.
	minInterval = 10 * time.Second
	// slotTTL is how long after the last accepted call a slot lingers.
	slotTTL = 20 * time.Second
)

// Limiter enforces one evaluator call per (sessionCode, studentName) per
// minInterval. Slots self-expire so the map does not grow with churn.
type Limiter struct {
	mu    sync.Mutex
	slots map[string]time.Time // key -> last accepted call
	now   func() time.Time
}

// NewLimiter creates an empty limiter.
func NewLimiter() *Limiter {
	return &Limiter{
		slots: make(map[string]time.Time),
		now:   time.Now,
	}
}

// Allow reports whether a call for the pair may proceed now, recording the
// acceptance when it does.
func (l *Limiter) Allow(sessionCode, studentName string) bool {
	key := sessionCode + "/" + studentName
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if last, ok := l.slots[key]; ok && now.Sub(last) < minInterval {
		return false
	}
	l.slots[key] = now
	return true
}

// StartCleanup runs a janitor that drops expired slots until ctx ends.
func (l *Limiter) StartCleanup(ctx context.Context, every time.Duration) {
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.expire()
			}
		}
	}()
}

func (l *Limiter) expire() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-slotTTL)
	for key, last := range l.slots {
		if last.Before(cutoff) {
			delete(l.slots, key)
		}
	}
}

// Service couples a Client with the per-student limiter. It is the only
// entry point the engine and scheduler use.
type Service struct {
	client  Client
	limiter *Limiter
}

// NewService wraps client behind a fresh limiter.
func NewService(client Client) *Service {
	return &Service{client: client, limiter: NewLimiter()}
}

// Limiter exposes the limiter for janitor wiring.
func (s *Service) Limiter() *Limiter { return s.limiter }

// Evaluate runs one rate-limited evaluation. It returns nil when the pair
// is still inside its minimum interval.
func (s *Service) Evaluate(ctx context.Context, sessionCode, studentName, prompt, code string) *Evaluation {
	if !s.limiter.Allow(sessionCode, studentName) {
		return nil
	}
	ev := s.client.Evaluate(ctx, prompt, code)
	return &ev
}
