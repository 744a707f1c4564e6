package updater

import "errors"

// Failure taxonomy. Every failure reaches the presenter as a Status whose Err
// wraps one of these.
var (
	ErrDiscoveryFailed       = errors.New("service discovery failed")
	ErrAuthenticationTimeout = errors.New("authentication timed out")
	ErrDfuEntryTimeout       = errors.New("device did not enter update mode")
	ErrTransferStalled       = errors.New("firmware transfer stalled")
	ErrTransferAborted       = errors.New("firmware transfer aborted")
	ErrConnectionTimeout     = errors.New("connection timed out")
	ErrConnectionLost        = errors.New("connection lost")
	ErrCancelled             = errors.New("cancelled")

	ErrUnknownDevice    = errors.New("unknown device")
	ErrSessionBusy      = errors.New("another device is being updated")
	ErrDeviceIncomplete = errors.New("device information not read yet")
)
