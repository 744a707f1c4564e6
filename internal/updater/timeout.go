package updater

import (
	"fmt"
	"log/slog"
	"time"
)

// Clock schedules deadline callbacks.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a scheduled callback.
type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// RealClock returns a Clock backed by the time package.
func RealClock() Clock {
	return realClock{}
}

// TimeoutKind names the wait a deadline bounds.
type TimeoutKind int

const (
	TimeoutNone TimeoutKind = iota
	TimeoutConnect
	TimeoutAuthenticate
	TimeoutDfuEntry
	TimeoutTransferConnect
	TimeoutTransferStall
)

func (k TimeoutKind) String() string {
	switch k {
	case TimeoutNone:
		return "none"
	case TimeoutConnect:
		return "connect"
	case TimeoutAuthenticate:
		return "authenticate"
	case TimeoutDfuEntry:
		return "dfu-entry"
	case TimeoutTransferConnect:
		return "transfer-connect"
	case TimeoutTransferStall:
		return "transfer-stall"
	default:
		return fmt.Sprintf("timeout(%d)", int(k))
	}
}

// Governor owns the single deadline slot shared by the whole controller.
// Arming always cancels the previous deadline first, so only the most
// recently started wait can fire. This holds only while one session is
// driven at a time; concurrent sessions would each need their own slot.
//
// Expiry is posted back into the event loop tagged with a generation, and a
// deadline that was cancelled or superseded after its timer already went
// off is dropped there. All methods must be called from the event loop.
type Governor struct {
	clock Clock
	post  func(func())

	gen    uint64
	kind   TimeoutKind
	timer  Timer
	action func()
}

// NewGovernor creates a governor delivering expiries through post.
func NewGovernor(clock Clock, post func(func())) *Governor {
	return &Governor{clock: clock, post: post}
}

// Arm cancels any pending deadline and schedules action after d.
func (g *Governor) Arm(kind TimeoutKind, d time.Duration, action func()) {
	g.Cancel()
	g.gen++
	gen := g.gen
	g.kind = kind
	g.action = action
	g.timer = g.clock.AfterFunc(d, func() {
		g.post(func() { g.fire(gen) })
	})
	slog.Debug("[TIMEOUT] armed", "kind", kind, "after", d)
}

// Cancel disarms the pending deadline, if any.
func (g *Governor) Cancel() {
	if g.timer == nil {
		return
	}
	g.timer.Stop()
	slog.Debug("[TIMEOUT] cancelled", "kind", g.kind)
	g.timer = nil
	g.kind = TimeoutNone
	g.action = nil
}

// Armed returns the kind of the pending deadline, or TimeoutNone.
func (g *Governor) Armed() TimeoutKind {
	return g.kind
}

func (g *Governor) fire(gen uint64) {
	if gen != g.gen || g.action == nil {
		return
	}
	action := g.action
	slog.Debug("[TIMEOUT] fired", "kind", g.kind)
	g.timer = nil
	g.kind = TimeoutNone
	g.action = nil
	action()
}
