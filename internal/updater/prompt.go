package updater

import "github.com/chaz8081/axle-updater/internal/ble"

// PromptKind identifies a user decision the controller is waiting for.
type PromptKind int

const (
	PromptUpdateModeFound PromptKind = iota
	PromptAuthenticationFailed
	PromptPreTrigger
)

func (k PromptKind) String() string {
	switch k {
	case PromptUpdateModeFound:
		return "update-mode-found"
	case PromptAuthenticationFailed:
		return "authentication-failed"
	case PromptPreTrigger:
		return "pre-trigger"
	default:
		return "unknown"
	}
}

// MarshalText encodes the kind by name.
func (k PromptKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Choice is one of the closed set of answers to a prompt.
type Choice string

const (
	ChoiceUpdate Choice = "update"
	ChoiceIgnore Choice = "ignore"
	ChoiceOK     Choice = "ok"
	ChoiceReset  Choice = "reset"
	ChoiceCancel Choice = "cancel"
)

// Prompt is a decision request issued to the presentation layer. The answer
// comes back asynchronously through Controller.Decide.
type Prompt struct {
	ID          uint64           `json:"id"`
	Kind        PromptKind       `json:"kind"`
	Device      ble.PeripheralID `json:"device"`
	Title       string           `json:"title"`
	Message     string           `json:"message"`
	Choices     []Choice         `json:"choices"`
	TextInput   bool             `json:"text_input,omitempty"`
	Placeholder string           `json:"placeholder,omitempty"`
}

// Allows reports whether c answers p.
func (p Prompt) Allows(c Choice) bool {
	for _, pc := range p.Choices {
		if pc == c {
			return true
		}
	}
	return false
}

// Decision answers a Prompt. Text carries the entered password for ChoiceOK.
type Decision struct {
	PromptID uint64 `json:"prompt_id"`
	Choice   Choice `json:"choice"`
	Text     string `json:"text,omitempty"`
}

// StatusKind classifies a status message.
type StatusKind int

const (
	StatusIdle StatusKind = iota // nothing in progress; dismiss any indicator
	StatusBusy
	StatusProgress
	StatusSuccess
	StatusError
)

func (k StatusKind) String() string {
	switch k {
	case StatusIdle:
		return "idle"
	case StatusBusy:
		return "busy"
	case StatusProgress:
		return "progress"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Status is a user-visible status line.
type Status struct {
	Kind    StatusKind
	Message string
	Percent int   // StatusProgress only
	Err     error // StatusError only

	Firmware string // short digest of the package while a transfer runs
}

// Presenter is the presentation boundary. Calls are made from the
// controller's event loop and must not block.
type Presenter interface {
	Prompt(p Prompt)
	// Withdraw retracts a prompt that no longer needs an answer.
	Withdraw(promptID uint64)
	Status(s Status)
	Devices(devices []DeviceView)
}

// Texts shown to the user.
const (
	titleUpdateModeFound   = "DFU Device Found!"
	messageUpdateModeFound = "A device has been found in DFU mode. Devices in this mode cannot be told apart. Would you like to begin updating it?"
	titleAuthFailed        = "Failed to Authenticate!"
	messageAuthFailed      = "Please enter the devices password or reset the device."
	titlePreTrigger        = "WARNING"
	messagePreTrigger      = "You are about to update an AxLE. The device should have vibrated and flashed."

	statusConnecting          = "Connecting to Device..."
	statusConnectFailed       = "Unable to connect to device!"
	statusDiscoveryFailed     = "Unable to read device services!"
	statusAuthenticating      = "Authenticating with Device..."
	statusAuthTimedOut        = "Device did not accept the password."
	statusCancelled           = "Update cancelled."
	statusConnectionLost      = "Connection to device lost!"
	statusDfuEntryFailed      = "Unable to put device in DFU mode!"
	statusTransferConnecting  = "Connecting to DFU Device..."
	statusTransferConnectFail = "Failed to connect to DFU Device..."
	statusUploading           = "Uploading to device..."
	statusTransferStalled     = "Failed during update process! Ensure device is kept nearby."
	statusValidating          = "Validating firmware file..."
	statusDisconnecting       = "Disconnecting..."
	statusUpdated             = "Device successfully updated!"
	statusUpdateFailed        = "Failed to update Device..."
	statusNoFirmware          = "No firmware package loaded."
)
