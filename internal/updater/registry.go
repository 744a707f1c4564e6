package updater

import (
	"github.com/chaz8081/axle-updater/internal/ble"
	"github.com/chaz8081/axle-updater/internal/ble/protocol"
)

// Device is one wearable discovered during a scan epoch. Attributes fill in
// as the passive probe and the session progress.
type Device struct {
	ID      ble.PeripheralID
	Name    string
	Serial  string
	Version string

	// Characteristic handles, set after characteristic discovery.
	SerialChar   string
	FirmwareChar string
	CommandChar  string
	ResponseChar string

	state SessionState

	connected     bool
	disconnecting bool // we asked the link to drop
	infoResolved  bool
	uartResolved  bool
	committed     bool // hidden from presentation while on the update path
}

// State returns the session state.
func (d *Device) State() SessionState {
	return d.state
}

// HasInfo reports whether serial and firmware version have been read.
func (d *Device) HasInfo() bool {
	return d.Serial != "" && d.Version != ""
}

// SerialSuffix returns the credential suffix derived from the serial.
func (d *Device) SerialSuffix() string {
	return protocol.SerialSuffix(d.Serial)
}

func (d *Device) resetLink() {
	d.infoResolved = false
	d.uartResolved = false
	d.SerialChar, d.FirmwareChar = "", ""
	d.CommandChar, d.ResponseChar = "", ""
}

// DeviceView is a presentation snapshot of a Device.
type DeviceView struct {
	ID      ble.PeripheralID `json:"id"`
	Name    string           `json:"name"`
	Serial  string           `json:"serial,omitempty"`
	Version string           `json:"version,omitempty"`
	State   string           `json:"state"`
}

// Registry tracks normal-mode devices by link identifier, in discovery order.
// It is owned by the controller's event loop and is not safe for concurrent use.
type Registry struct {
	devices map[ble.PeripheralID]*Device
	order   []ble.PeripheralID
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[ble.PeripheralID]*Device)}
}

// Add registers a device. It returns the existing entry and false when the
// identifier is already known.
func (r *Registry) Add(id ble.PeripheralID, name string) (*Device, bool) {
	if d, ok := r.devices[id]; ok {
		return d, false
	}
	d := &Device{ID: id, Name: name, state: idle()}
	r.devices[id] = d
	r.order = append(r.order, id)
	return d, true
}

// Get returns the device with the given identifier.
func (r *Registry) Get(id ble.PeripheralID) (*Device, bool) {
	d, ok := r.devices[id]
	return d, ok
}

// Remove deletes a device, reporting whether it was present.
func (r *Registry) Remove(id ble.PeripheralID) bool {
	if _, ok := r.devices[id]; !ok {
		return false
	}
	delete(r.devices, id)
	for i, o := range r.order {
		if o == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Len returns the number of registered devices, committed ones included.
func (r *Registry) Len() int {
	return len(r.devices)
}

// Devices returns the registered devices in discovery order.
func (r *Registry) Devices() []*Device {
	out := make([]*Device, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.devices[id])
	}
	return out
}

// Views returns snapshots of the selectable devices in discovery order.
// Devices committed to the update path are left out.
func (r *Registry) Views() []DeviceView {
	views := make([]DeviceView, 0, len(r.order))
	for _, id := range r.order {
		d := r.devices[id]
		if d.committed {
			continue
		}
		views = append(views, DeviceView{
			ID:      d.ID,
			Name:    d.Name,
			Serial:  d.Serial,
			Version: d.Version,
			State:   d.state.String(),
		})
	}
	return views
}
