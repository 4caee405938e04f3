// Package lock implements a single-instance guard: a lockfile
// recording the current process id and its last heartbeat, used to
// refuse a second startup while another instance is alive and to clean
// up after one that died without releasing the lock.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// staleAfter is the liveness window: a heartbeat older than this, from
// a still-running pid, means that process stopped signaling without
// exiting.
const staleAfter = 30 * time.Second

// termGrace is how long IsLocked waits after SIGTERM before escalating to
// SIGKILL against a stale holder.
const termGrace = 5 * time.Second

// State is the lockfile's JSON contents.
type State struct {
	PID        int   `json:"pid"`
	SignaledAt int64 `json:"signaledAt"`
}

// Lock guards startup against a second instance of the server running
// against the same lockfile path.
type Lock struct {
	path   string
	logger zerolog.Logger
}

// New returns a Lock backed by the file at path.
func New(path string, logger zerolog.Logger) *Lock {
	return &Lock{path: path, logger: logger.With().Str("component", "lock").Str("path", path).Logger()}
}

// IsLocked reports whether another live process currently holds the
// lock. If the recorded holder is dead, or its pid is alive but its
// heartbeat has gone stale, IsLocked reclaims the lock (terminating a
// stale holder first) and returns false. On platforms without
// process-signal support it always reports false.
func (l *Lock) IsLocked() (bool, error) {
	if !signalsSupported {
		l.logger.Debug().Msg("process signaling unsupported on this platform; reporting not locked")
		return false, nil
	}

	state, ok, err := l.read()
	if err != nil {
		return false, fmt.Errorf("lock: read lockfile: %w", err)
	}
	if !ok {
		return false, nil
	}

	if !isProcessAlive(state.PID) {
		l.logger.Debug().Int("pid", state.PID).Msg("lock holder is not running; reclaiming")
		return false, nil
	}

	age := time.Since(time.Unix(state.SignaledAt, 0))
	if age < staleAfter {
		l.logger.Warn().Int("pid", state.PID).Dur("heartbeat_age", age).Msg("lock held by a live process")
		return true, nil
	}

	l.logger.Warn().Int("pid", state.PID).Dur("heartbeat_age", age).
		Msg("lock holder is alive but stale; terminating it")
	_ = sendTerm(state.PID)
	time.Sleep(termGrace)
	if isProcessAlive(state.PID) {
		_ = sendKill(state.PID)
	}
	return false, nil
}

// Lock persists this process's pid and the current time. Call it once
// at startup, after IsLocked has returned false.
func (l *Lock) Lock() error {
	return l.write(os.Getpid(), time.Now())
}

// Signal refreshes the heartbeat timestamp. The event loop calls this
// on a periodic timer.
func (l *Lock) Signal() error {
	return l.write(os.Getpid(), time.Now())
}

func (l *Lock) write(pid int, at time.Time) error {
	state := State{PID: pid, SignaledAt: at.Unix()}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("lock: encode state: %w", err)
	}
	if err := os.WriteFile(l.path, data, 0o644); err != nil {
		return fmt.Errorf("lock: write lockfile: %w", err)
	}
	return nil
}

func (l *Lock) read() (State, bool, error) {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, err
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, false, fmt.Errorf("lock: decode lockfile: %w", err)
	}
	return state, true, nil
}
