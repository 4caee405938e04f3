// Package commands implements a demo line-command dispatcher. It is
// registered as a server's DataReceive callback by cmd/wsserver; it is
// not part of the core protocol implementation.
package commands

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

const bytesPerMiB = 1024 * 1024

// Sender is the subset of *wsserver.ClientSession the dispatcher needs,
// kept narrow so this package doesn't import the root package back.
type Sender interface {
	SendText(payload []byte) error
}

// Dispatcher recognizes "/uptime", "/memusage" and "/echo <text>" (which
// replies with <text>), and falls back to echoing anything else verbatim.
type Dispatcher struct {
	startedAt time.Time
}

// New returns a Dispatcher measuring uptime from startedAt.
func New(startedAt time.Time) *Dispatcher {
	return &Dispatcher{startedAt: startedAt}
}

// Handle processes one TEXT payload and writes a reply. It returns the
// error from the reply write, if any, for the caller to log.
func (d *Dispatcher) Handle(s Sender, payload []byte) error {
	text := string(payload)

	switch {
	case text == "/uptime":
		return s.SendText([]byte(d.uptime()))
	case text == "/memusage":
		return s.SendText([]byte(d.memusage()))
	case strings.HasPrefix(text, "/echo "):
		return s.SendText([]byte(strings.TrimPrefix(text, "/echo ")))
	default:
		return s.SendText(payload)
	}
}

func (d *Dispatcher) uptime() string {
	return time.Since(d.startedAt).Round(time.Second).String()
}

func (d *Dispatcher) memusage() string {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	mib := float64(mem.Alloc) / bytesPerMiB
	return fmt.Sprintf("%.2f MiB", mib)
}
