// Package sched supervises the external gateway process and runs deferred
// jobs. The watchdog listens for passive heartbeats and restarts the
// process when they stop; the job store persists scheduled jobs across
// restarts and fires them when due.
package sched

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Process is the externally managed process under supervision.
type Process interface {
	Start() error
	Stop()
	IsAlive() bool
}

type State int

const (
	Unsupervised State = iota
	Starting
	Alive
	Suspect
	Restarting
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Alive:
		return "alive"
	case Suspect:
		return "suspect"
	case Restarting:
		return "restarting"
	default:
		return "unsupervised"
	}
}

type WatchdogConfig struct {
	// HeartbeatTimeout is how long without a heartbeat before a restart.
	HeartbeatTimeout time.Duration
	// PollInterval is the check cadence.
	PollInterval time.Duration
	// RestartGrace is the pause between stopping and restarting.
	RestartGrace time.Duration
}

type Watchdog struct {
	proc Process
	cfg  WatchdogConfig

	mu            sync.Mutex
	lastHeartbeat time.Time
	state         State

	cancel context.CancelFunc
	done   chan struct{}

	now func() time.Time
}

func NewWatchdog(proc Process, cfg WatchdogConfig) *Watchdog {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 100 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.RestartGrace <= 0 {
		cfg.RestartGrace = 3 * time.Second
	}
	return &Watchdog{
		proc:  proc,
		cfg:   cfg,
		state: Unsupervised,
		now:   time.Now,
	}
}

// Start launches the supervised process and the poll loop.
func (w *Watchdog) Start() error {
	w.mu.Lock()
	if w.done != nil {
		w.mu.Unlock()
		return nil
	}
	w.state = Starting
	w.lastHeartbeat = w.now()

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	done := w.done
	w.mu.Unlock()

	if err := w.proc.Start(); err != nil {
		slog.Error("watchdog: initial process start failed", "err", err)
	}

	go w.pollLoop(ctx, done)
	return nil
}

// UpdateHeartbeat records a liveness pulse. It is the only externally
// triggered transition into Alive.
func (w *Watchdog) UpdateHeartbeat() {
	w.mu.Lock()
	w.lastHeartbeat = w.now()
	if w.state != Restarting {
		w.state = Alive
	}
	w.mu.Unlock()
	slog.Debug("watchdog: heartbeat received")
}

func (w *Watchdog) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Watchdog) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	slog.Info("watchdog: supervision loop started", "timeout", w.cfg.HeartbeatTimeout)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

// check runs one supervision pass. A failure inside a pass is logged and
// never terminates the loop.
func (w *Watchdog) check(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("watchdog: check panicked", "recover", r)
		}
	}()

	w.mu.Lock()
	elapsed := w.now().Sub(w.lastHeartbeat)
	if elapsed <= w.cfg.HeartbeatTimeout {
		w.mu.Unlock()
		return
	}
	w.state = Suspect
	slog.Warn("watchdog: heartbeat timeout, restarting process", "elapsed", elapsed)
	w.state = Restarting
	w.mu.Unlock()

	w.proc.Stop()

	select {
	case <-ctx.Done():
		return
	case <-time.After(w.cfg.RestartGrace):
	}

	if err := w.proc.Start(); err != nil {
		slog.Error("watchdog: restart failed", "err", err)
	} else {
		slog.Info("watchdog: process restarted")
	}

	// Treat the restart as the new baseline so the next pass does not
	// immediately restart again while the process boots.
	w.mu.Lock()
	w.lastHeartbeat = w.now()
	w.state = Alive
	w.mu.Unlock()
}

// Shutdown cancels the poll loop, waits for it to finish, then stops the
// owned process. Ordering matters: no restart can race the shutdown.
func (w *Watchdog) Shutdown() {
	w.mu.Lock()
	cancel := w.cancel
	done := w.done
	w.cancel = nil
	w.done = nil
	w.state = Unsupervised
	w.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	w.proc.Stop()
	slog.Info("watchdog: stopped")
}
