// Package ble abstracts the Bluetooth Low Energy link used to reach AxLE
// wearables. The Radio interface is event driven: every call returns promptly
// and its outcome is delivered later as an Event, so the caller can run a
// single-threaded state machine on top of it.
package ble

import "fmt"

// PeripheralID is the opaque link-level identifier assigned by the transport.
// On macOS it is a CoreBluetooth UUID, on Linux a MAC address.
type PeripheralID string

// EventKind identifies what an Event reports.
type EventKind int

const (
	EventDiscovered EventKind = iota
	EventConnected
	EventConnectFailed
	EventDisconnected
	EventServicesDiscovered
	EventCharacteristicsDiscovered
	EventValueUpdated
	EventNotifyEnabled
)

func (k EventKind) String() string {
	switch k {
	case EventDiscovered:
		return "discovered"
	case EventConnected:
		return "connected"
	case EventConnectFailed:
		return "connect-failed"
	case EventDisconnected:
		return "disconnected"
	case EventServicesDiscovered:
		return "services-discovered"
	case EventCharacteristicsDiscovered:
		return "characteristics-discovered"
	case EventValueUpdated:
		return "value-updated"
	case EventNotifyEnabled:
		return "notify-enabled"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is an asynchronous result delivered by a Radio.
type Event struct {
	Kind       EventKind
	Peripheral PeripheralID

	// Name and RSSI are set for EventDiscovered.
	Name string
	RSSI int

	// Service is set for EventCharacteristicsDiscovered.
	Service string
	// Services lists the service UUIDs found for EventServicesDiscovered.
	Services []string
	// Characteristics lists the characteristic UUIDs found for
	// EventCharacteristicsDiscovered.
	Characteristics []string

	// Characteristic and Value are set for EventValueUpdated and
	// EventNotifyEnabled.
	Characteristic string
	Value          []byte

	Err error
}

// Radio abstracts the BLE adapter. The event handler is invoked from
// transport goroutines, never from inside a Radio call, so a handler may
// block until the caller is ready for the event. Consumers serialize events
// themselves.
type Radio interface {
	// Enable powers on the adapter.
	Enable() error
	// SetEventHandler registers the callback receiving every Event.
	SetEventHandler(h func(Event))
	// Scan starts discovery. A nil serviceFilter reports every peripheral.
	Scan(serviceFilter []string, allowDuplicates bool) error
	// StopScan stops an active scan.
	StopScan() error
	Connect(id PeripheralID) error
	Disconnect(id PeripheralID) error
	DiscoverServices(id PeripheralID, serviceUUIDs []string) error
	DiscoverCharacteristics(id PeripheralID, serviceUUID string, charUUIDs []string) error
	ReadCharacteristic(id PeripheralID, charUUID string) error
	// WriteWithoutResponse sends data on an unacknowledged characteristic.
	WriteWithoutResponse(id PeripheralID, charUUID string, data []byte) error
	// Subscribe enables notifications and reports EventNotifyEnabled, with
	// Err set if that failed. Values arrive as EventValueUpdated.
	Subscribe(id PeripheralID, charUUID string) error
}
