package updater

import "fmt"

// Phase is the step a device session is at.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAwaitingServices
	PhaseAwaitingCharacteristics
	PhaseAuthenticating
	PhaseAwaitingConfirmation
	PhaseTriggeringUpdate
	PhaseAwaitingDfuEntry
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseAwaitingServices:
		return "AwaitingServices"
	case PhaseAwaitingCharacteristics:
		return "AwaitingCharacteristics"
	case PhaseAuthenticating:
		return "Authenticating"
	case PhaseAwaitingConfirmation:
		return "AwaitingConfirmation"
	case PhaseTriggeringUpdate:
		return "TriggeringUpdate"
	case PhaseAwaitingDfuEntry:
		return "AwaitingDfuEntry"
	case PhaseFailed:
		return "Failed"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// SessionState is the per-device session state. Attempt is meaningful for
// PhaseAuthenticating, Reason for PhaseFailed.
type SessionState struct {
	Phase   Phase
	Attempt int
	Reason  error
}

func (s SessionState) String() string {
	switch s.Phase {
	case PhaseAuthenticating:
		return fmt.Sprintf("Authenticating(%d)", s.Attempt)
	case PhaseFailed:
		if s.Reason != nil {
			return fmt.Sprintf("Failed(%v)", s.Reason)
		}
	}
	return s.Phase.String()
}

func idle() SessionState { return SessionState{Phase: PhaseIdle} }

func authenticating(attempt int) SessionState {
	return SessionState{Phase: PhaseAuthenticating, Attempt: attempt}
}

func failed(reason error) SessionState { return SessionState{Phase: PhaseFailed, Reason: reason} }
