// Package protocol defines the AxLE identifiers and the text command
// protocol spoken over the Nordic UART service.
package protocol

import "strings"

// Advertised names.
const (
	DeviceName       = "axLE-Band"
	UpdateModeName   = "i5-DFU"
	SerialSuffixSize = 6
)

// GATT identifiers, in the lowercase form the radio reports.
const (
	DeviceInfoServiceUUID = "0000180a-0000-1000-8000-00805f9b34fb"
	SerialNumberCharUUID  = "00002a25-0000-1000-8000-00805f9b34fb"
	FirmwareCharUUID      = "00002a26-0000-1000-8000-00805f9b34fb"

	UARTServiceUUID = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	// CommandCharUUID is the UART TX characteristic (central writes).
	CommandCharUUID = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	// ResponseCharUUID is the UART RX characteristic (peripheral notifies).
	ResponseCharUUID = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
)

// Kind classifies an advertising peripheral.
type Kind int

const (
	KindOther Kind = iota
	KindNormal
	KindUpdateMode
)

func (k Kind) String() string {
	switch k {
	case KindNormal:
		return "normal"
	case KindUpdateMode:
		return "update-mode"
	default:
		return "other"
	}
}

// ClassifyName maps an advertised name to a peripheral kind.
func ClassifyName(name string) Kind {
	switch name {
	case DeviceName:
		return KindNormal
	case UpdateModeName:
		return KindUpdateMode
	default:
		return KindOther
	}
}

// SameUUID reports whether two UUID strings name the same identifier.
func SameUUID(a, b string) bool {
	return strings.EqualFold(a, b)
}
