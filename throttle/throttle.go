// Package throttle gates outbound replies per session. Sends inside the
// cooldown window are buffered; the first send after the window reopens
// merges everything buffered into one message.
package throttle

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Outcome reports what happened to a Send.
type Outcome int

const (
	// Sent means the content was transmitted directly.
	Sent Outcome = iota
	// Buffered means the session is cooling down and the content was queued.
	Buffered
	// MergedSent means queued replies were merged with the content and
	// transmitted as one message.
	MergedSent
)

// Summarizer condenses several queued replies into one coherent message.
type Summarizer interface {
	Summarize(replies []string) (string, error)
}

// Transport delivers one outbound message to a session.
type Transport func(sessionKey, content string) error

type gate struct {
	lastSend time.Time
	pending  []string
}

type Throttler struct {
	cooldown  time.Duration
	summarize Summarizer
	transport Transport

	mu    sync.Mutex
	gates map[string]*gate

	// now is overridable in tests.
	now func() time.Time
}

func New(cooldown time.Duration, s Summarizer, t Transport) *Throttler {
	return &Throttler{
		cooldown:  cooldown,
		summarize: s,
		transport: t,
		gates:     make(map[string]*gate),
		now:       time.Now,
	}
}

// Send transmits content to the session, buffering it instead when the
// session's cooldown window is still open. The first send after the window
// reopens drains the queue, merges it with the new content, and transmits
// the merged result as a single message. lastSend moves only on attempts
// that reach the transport; transport failure does not restore consumed
// pending state.
func (t *Throttler) Send(sessionKey, content string) (Outcome, error) {
	t.mu.Lock()

	g := t.gates[sessionKey]
	if g == nil {
		g = &gate{}
		t.gates[sessionKey] = g
	}

	now := t.now()
	if !g.lastSend.IsZero() && now.Sub(g.lastSend) < t.cooldown {
		g.pending = append(g.pending, content)
		n := len(g.pending)
		t.mu.Unlock()
		slog.Info("throttle: reply buffered", "session", sessionKey, "pending", n)
		return Buffered, nil
	}

	pending := g.pending
	g.pending = nil
	g.lastSend = now
	t.mu.Unlock()

	if len(pending) == 0 {
		return Sent, t.transport(sessionKey, content)
	}

	replies := append(pending, content)
	merged, err := t.summarize.Summarize(replies)
	if err != nil {
		slog.Warn("throttle: summarize failed, joining replies", "session", sessionKey, "err", err)
		merged = strings.Join(replies, "\n")
	}
	slog.Info("throttle: merged buffered replies", "session", sessionKey, "count", len(replies))
	return MergedSent, t.transport(sessionKey, merged)
}

// Pending reports how many replies are queued for a session.
func (t *Throttler) Pending(sessionKey string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if g := t.gates[sessionKey]; g != nil {
		return len(g.pending)
	}
	return 0
}
