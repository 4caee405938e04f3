package lock

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testLockPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "LOCK")
}

func TestIsLockedNoFile(t *testing.T) {
	l := New(testLockPath(t), zerolog.Nop())

	locked, err := l.IsLocked()
	if err != nil {
		t.Fatalf("IsLocked: %v", err)
	}
	if locked {
		t.Error("IsLocked() = true, want false when no lockfile exists")
	}
}

func TestLockThenIsLockedByThisProcess(t *testing.T) {
	path := testLockPath(t)
	l := New(path, zerolog.Nop())

	if err := l.Lock(); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	locked, err := l.IsLocked()
	if err != nil {
		t.Fatalf("IsLocked: %v", err)
	}
	if !locked {
		t.Error("IsLocked() = false, want true right after Lock() by a live process")
	}
}

func TestIsLockedReclaimsDeadPID(t *testing.T) {
	path := testLockPath(t)
	state := State{PID: deadPID(t), SignaledAt: time.Now().Unix()}
	writeState(t, path, state)

	l := New(path, zerolog.Nop())
	locked, err := l.IsLocked()
	if err != nil {
		t.Fatalf("IsLocked: %v", err)
	}
	if locked {
		t.Error("IsLocked() = true, want false for a dead pid")
	}
}

func TestSignalRefreshesHeartbeat(t *testing.T) {
	path := testLockPath(t)
	l := New(path, zerolog.Nop())

	if err := l.Lock(); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	first, _, err := l.read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	if err := l.Signal(); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	second, _, err := l.read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	if second.SignaledAt < first.SignaledAt {
		t.Errorf("SignaledAt went backwards: %d -> %d", first.SignaledAt, second.SignaledAt)
	}
}

func writeState(t *testing.T, path string, state State) {
	t.Helper()
	data, err := json.Marshal(state)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("os.WriteFile: %v", err)
	}
}

// deadPID returns a pid very unlikely to be running: the test process's
// own pid plus a large offset.
func deadPID(t *testing.T) int {
	t.Helper()
	return os.Getpid() + 1_000_000
}
