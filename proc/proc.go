// Package proc launches and stops the external chat-gateway process. It
// only cares about the process itself, not the service it exposes; the
// watchdog decides when to call Stop and Start.
package proc

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

type Manager struct {
	dir        string
	executable string

	mu  sync.Mutex
	cmd *exec.Cmd
}

// NewManager manages the executable at dir/executable, run with dir as
// its working directory.
func NewManager(dir, executable string) *Manager {
	return &Manager{dir: dir, executable: executable}
}

func (m *Manager) path() string {
	return filepath.Join(m.dir, m.executable)
}

// IsAlive reports whether the process this manager started is still
// running.
func (m *Manager) IsAlive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.aliveLocked()
}

func (m *Manager) aliveLocked() bool {
	if m.cmd == nil || m.cmd.Process == nil {
		return false
	}
	// Signal 0 probes for existence without delivering anything.
	return m.cmd.Process.Signal(syscall.Signal(0)) == nil
}

func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.aliveLocked() {
		slog.Warn("proc: already running", "pid", m.cmd.Process.Pid)
		return nil
	}

	path := m.path()
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("gateway executable not found: %w", err)
	}
	os.Chmod(path, 0o755)

	cmd := exec.Command(path)
	cmd.Dir = m.dir
	// Own process group, so Stop can take down children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", path, err)
	}
	m.cmd = cmd

	// Reap on exit so the child never lingers as a zombie.
	go cmd.Wait()

	slog.Info("proc: started", "path", path, "pid", cmd.Process.Pid)
	return nil
}

// Stop terminates the process group, escalating from SIGTERM to SIGKILL.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.aliveLocked() {
		m.cmd = nil
		return
	}

	pid := m.cmd.Process.Pid
	slog.Info("proc: stopping", "pid", pid)

	syscall.Kill(-pid, syscall.SIGTERM)

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			slog.Warn("proc: escalating to SIGKILL", "pid", pid)
			syscall.Kill(-pid, syscall.SIGKILL)
			m.cmd = nil
			return
		case <-tick.C:
			if !m.aliveLocked() {
				slog.Info("proc: stopped", "pid", pid)
				m.cmd = nil
				return
			}
		}
	}
}
