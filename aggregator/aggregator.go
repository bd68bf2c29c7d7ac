// Package aggregator buffers inbound chat events per session and flushes
// them in a batch, either when the buffer reaches a jittered count threshold
// or when a session has been idle past the debounce timeout.
package aggregator

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// Event is one buffered inbound message.
type Event struct {
	UserID   string
	Nickname string
	Content  string
	Received time.Time
}

// FlushFunc receives the drained buffer, oldest first.
type FlushFunc func(sessionKey string, events []Event)

type Config struct {
	// Threshold is the fixed part of the flush threshold.
	Threshold int
	// Jitter is the upper bound of the random addition to Threshold.
	Jitter int
	// IdleTimeout is the debounce duration armed after a non-flushing offer.
	IdleTimeout time.Duration
}

type session struct {
	buffer []Event
	timer  *time.Timer
	// gen invalidates timers superseded by a newer offer: a fire whose
	// generation no longer matches is stale and must not flush.
	gen uint64
}

type Aggregator struct {
	cfg   Config
	flush FlushFunc

	mu       sync.Mutex
	sessions map[string]*session

	// RandInt returns a uniform value in [min, max], both inclusive.
	// Overridable in tests for deterministic thresholds.
	RandInt func(min, max int) int
}

func New(cfg Config, flush FlushFunc) *Aggregator {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Second
	}
	return &Aggregator{
		cfg:      cfg,
		flush:    flush,
		sessions: make(map[string]*session),
		RandInt:  defaultRandInt,
	}
}

func defaultRandInt(min, max int) int {
	if max <= min {
		return min
	}
	return min + rand.Intn(max-min+1)
}

// Offer appends an event to the session buffer. It either flushes
// synchronously (threshold met), or re-arms the session's debounce timer.
// Any previously armed timer for the session is invalidated first, so a
// stale fire can never race a fresh buffer.
func (a *Aggregator) Offer(sessionKey string, ev Event) {
	a.mu.Lock()

	s := a.sessions[sessionKey]
	if s == nil {
		s = &session{}
		a.sessions[sessionKey] = s
	}
	s.buffer = append(s.buffer, ev)
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}

	// Re-rolled on every offer, never fixed at buffer creation.
	threshold := a.cfg.Threshold + a.RandInt(0, a.cfg.Jitter)
	if len(s.buffer) >= threshold {
		events := s.buffer
		s.buffer = nil
		a.mu.Unlock()
		slog.Info("aggregator: threshold flush", "session", sessionKey, "count", len(events), "threshold", threshold)
		a.flush(sessionKey, events)
		return
	}

	gen := s.gen
	s.timer = time.AfterFunc(a.cfg.IdleTimeout, func() {
		a.onTimeout(sessionKey, gen)
	})
	a.mu.Unlock()
}

func (a *Aggregator) onTimeout(sessionKey string, gen uint64) {
	a.mu.Lock()

	s := a.sessions[sessionKey]
	if s == nil || s.gen != gen {
		// Superseded by a newer offer; that offer owns the timer now.
		a.mu.Unlock()
		return
	}
	s.timer = nil

	if len(s.buffer) == 0 {
		a.mu.Unlock()
		return
	}

	// The timeout path rolls with a floor of 2, not 0.
	threshold := a.cfg.Threshold + a.RandInt(2, a.cfg.Jitter)
	if len(s.buffer) < threshold {
		// Buffer stays populated; the next offer re-arms a timer.
		slog.Info("aggregator: timeout below threshold", "session", sessionKey, "buffered", len(s.buffer), "threshold", threshold)
		a.mu.Unlock()
		return
	}

	events := s.buffer
	s.buffer = nil
	a.mu.Unlock()
	slog.Info("aggregator: timeout flush", "session", sessionKey, "count", len(events), "threshold", threshold)
	a.flush(sessionKey, events)
}

// Buffered reports the number of pending events for a session.
func (a *Aggregator) Buffered(sessionKey string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s := a.sessions[sessionKey]; s != nil {
		return len(s.buffer)
	}
	return 0
}

// Stop cancels all armed timers. Buffered events are left in place.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range a.sessions {
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		s.gen++
	}
}
