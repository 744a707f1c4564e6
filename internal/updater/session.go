package updater

import (
	"github.com/chaz8081/axle-updater/internal/ble"
	"github.com/google/uuid"
)

// Session holds everything tied to one scan epoch. A rescan replaces it.
type Session struct {
	Epoch    uuid.UUID
	Registry *Registry

	queue  map[ble.PeripheralID]struct{} // selected for authentication
	ignore map[ble.PeripheralID]struct{} // update-mode peripherals to skip

	// transferInProgress suppresses update-mode prompts while one is pending
	// or a transfer runs.
	transferInProgress bool
	updatePrompt       uint64
	updateTarget       ble.PeripheralID
}

// NewSession starts a fresh scan epoch.
func NewSession() *Session {
	return &Session{
		Epoch:    uuid.New(),
		Registry: NewRegistry(),
		queue:    make(map[ble.PeripheralID]struct{}),
		ignore:   make(map[ble.PeripheralID]struct{}),
	}
}

// Queue marks id as undergoing authentication. An id is never both queued
// and ignored.
func (s *Session) Queue(id ble.PeripheralID) {
	delete(s.ignore, id)
	s.queue[id] = struct{}{}
}

func (s *Session) Dequeue(id ble.PeripheralID) {
	delete(s.queue, id)
}

func (s *Session) Queued(id ble.PeripheralID) bool {
	_, ok := s.queue[id]
	return ok
}

// Ignore skips the update-mode peripheral id for the rest of the epoch.
func (s *Session) Ignore(id ble.PeripheralID) {
	delete(s.queue, id)
	s.ignore[id] = struct{}{}
}

func (s *Session) Unignore(id ble.PeripheralID) {
	delete(s.ignore, id)
}

func (s *Session) Ignored(id ble.PeripheralID) bool {
	_, ok := s.ignore[id]
	return ok
}

// QueueLen and IgnoreLen report set sizes.
func (s *Session) QueueLen() int { return len(s.queue) }
func (s *Session) IgnoreLen() int { return len(s.ignore) }

// TransferInProgress reports whether update-mode prompts are suppressed.
func (s *Session) TransferInProgress() bool {
	return s.transferInProgress
}

// Complete reports whether d finished its passive probe: serial and version
// are known and d is not in an authentication session.
func (s *Session) Complete(d *Device) bool {
	return d.HasInfo() && !s.Queued(d.ID)
}
