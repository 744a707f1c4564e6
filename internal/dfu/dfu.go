// Package dfu hands a device that has rebooted into its bootloader over to a
// firmware transfer. The transfer itself is performed by an Updater; this
// package defines the lifecycle it reports and loads the firmware package.
package dfu

import (
	"fmt"

	"github.com/chaz8081/axle-updater/internal/ble"
)

// State is a discrete step of a firmware transfer.
type State int

const (
	StateConnecting State = iota
	StateStarting
	StateEnablingDfuMode
	StateUploading
	StateValidating
	StateDisconnecting
	StateCompleted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStarting:
		return "starting"
	case StateEnablingDfuMode:
		return "enabling-dfu-mode"
	case StateUploading:
		return "uploading"
	case StateValidating:
		return "validating"
	case StateDisconnecting:
		return "disconnecting"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further events follow this state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted
}

// Progress is a snapshot of an upload.
type Progress struct {
	Part         int     // 1-based index of the image being sent
	TotalParts   int     // number of images in the package
	Percent      int     // 0..100 for the current part
	CurrentSpeed float64 // bytes per second since the previous report
	AvgSpeed     float64 // bytes per second since the upload started
}

// EventKind identifies what an Event reports.
type EventKind int

const (
	EventState EventKind = iota
	EventProgress
	EventLog
)

// Event is reported by an Updater while a transfer runs.
type Event struct {
	Kind     EventKind
	State    State    // EventState
	Progress Progress // EventProgress
	Message  string   // EventLog
	Err      error    // set on EventLog lines that describe a failure
}

// Job is a running transfer.
type Job interface {
	// Abort stops the transfer. The Updater reports StateAborted afterwards.
	Abort() error
}

// Updater performs a firmware transfer to a peripheral already advertising
// in update mode. report is called from the Updater's own goroutines.
type Updater interface {
	Start(target ble.PeripheralID, pkg *Package, report func(Event)) (Job, error)
}
