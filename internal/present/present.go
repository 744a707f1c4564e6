// Package present renders controller output and turns user input into
// controller commands. A Terminal drives an interactive prompt; a Hub serves
// the same state to browser clients over a websocket.
package present

import (
	"github.com/chaz8081/axle-updater/internal/ble"
	"github.com/chaz8081/axle-updater/internal/updater"
)

// Commander is the command surface of the controller.
type Commander interface {
	Select(id ble.PeripheralID)
	Dismiss(id ble.PeripheralID)
	Rescan()
	Decide(d updater.Decision)
}

// Compile-time check that the controller satisfies Commander.
var _ Commander = (*updater.Controller)(nil)

// Multi fans every call out to several presenters. The first answer to a
// prompt wins; the controller ignores the rest.
type Multi []updater.Presenter

var _ updater.Presenter = Multi(nil)

func (m Multi) Prompt(p updater.Prompt) {
	for _, pr := range m {
		pr.Prompt(p)
	}
}

func (m Multi) Withdraw(id uint64) {
	for _, pr := range m {
		pr.Withdraw(id)
	}
}

func (m Multi) Status(s updater.Status) {
	for _, pr := range m {
		pr.Status(s)
	}
}

func (m Multi) Devices(devices []updater.DeviceView) {
	for _, pr := range m {
		pr.Devices(devices)
	}
}

// Combine returns the single presenter among ps, or a Multi over all of them.
func Combine(ps ...updater.Presenter) updater.Presenter {
	if len(ps) == 1 {
		return ps[0]
	}
	return Multi(ps)
}
