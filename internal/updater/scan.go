package updater

import (
	"log/slog"

	"github.com/chaz8081/axle-updater/internal/ble"
	"github.com/chaz8081/axle-updater/internal/ble/protocol"
)

func (c *Controller) onDiscovered(ev ble.Event) {
	switch protocol.ClassifyName(ev.Name) {
	case protocol.KindNormal:
		c.onNormalDiscovered(ev)
	case protocol.KindUpdateMode:
		c.onUpdateModeDiscovered(ev.Peripheral)
	}
}

// onNormalDiscovered registers a new device and connects to it for the
// passive information probe. Repeated advertisements are no-ops.
func (c *Controller) onNormalDiscovered(ev ble.Event) {
	dev, added := c.session.Registry.Add(ev.Peripheral, ev.Name)
	if !added {
		return
	}
	slog.Info("[SCAN] device found", "device", dev.ID, "rssi", ev.RSSI)
	if err := c.radio.Connect(dev.ID); err != nil {
		slog.Warn("[SCAN] probe connect failed", "device", dev.ID, "error", err)
		c.setState(dev, failed(err))
	}
	c.publishDevices()
}

// onUpdateModeDiscovered surfaces an update-mode peripheral to the user.
// Such peripherals are indistinguishable, so only one prompt is shown at a
// time.
func (c *Controller) onUpdateModeDiscovered(id ble.PeripheralID) {
	if c.session.transferInProgress || c.session.Ignored(id) {
		return
	}
	if c.active != nil {
		if c.active.dev.state.Phase != PhaseAwaitingDfuEntry {
			// Another device is mid-authentication; the advertisement
			// repeats, so it is offered once that session settles.
			return
		}
		slog.Info("[AUTH] device entered update mode", "device", c.active.dev.ID, "peripheral", id)
		c.gov.Cancel()
		c.active = nil
	}

	c.session.transferInProgress = true
	c.session.updateTarget = id
	c.status(Status{Kind: StatusIdle})
	c.session.updatePrompt = c.prompt(Prompt{
		Kind:    PromptUpdateModeFound,
		Device:  id,
		Title:   titleUpdateModeFound,
		Message: messageUpdateModeFound,
		Choices: []Choice{ChoiceUpdate, ChoiceIgnore},
	})
	slog.Info("[SCAN] update-mode device found", "peripheral", id)
}

func (c *Controller) onUpdateModeDecision(p Prompt, d Decision) {
	c.session.updatePrompt = 0
	switch d.Choice {
	case ChoiceUpdate:
		c.startTransfer(p.Device)
	case ChoiceIgnore:
		slog.Info("[SCAN] update-mode device ignored", "peripheral", p.Device)
		c.session.Ignore(p.Device)
		c.session.transferInProgress = false
		c.session.updateTarget = ""
	}
}

func (c *Controller) dismissDevice(id ble.PeripheralID) {
	dev, ok := c.session.Registry.Get(id)
	if !ok {
		c.status(Status{Kind: StatusError, Message: "Unknown device.", Err: ErrUnknownDevice})
		return
	}
	if c.active != nil && c.active.dev == dev {
		c.status(Status{Kind: StatusError, Message: "Device is being updated.", Err: ErrSessionBusy})
		return
	}
	if dev.connected {
		c.disconnect(dev)
	}
	c.session.Registry.Remove(id)
	c.publishDevices()
	slog.Info("[SCAN] device dismissed", "device", id)
}

// onDisconnected handles link loss. Losing the device of an interactive
// session fails it and starts a new epoch; a passive probe that drops
// before reading its information is forgotten so the next advertisement
// probes it again.
func (c *Controller) onDisconnected(id ble.PeripheralID) {
	dev, known := c.session.Registry.Get(id)
	if known {
		dev.connected = false
		if dev.disconnecting {
			dev.disconnecting = false
			return
		}
	}

	if c.active != nil && c.active.dev.ID == id {
		if c.active.dev.state.Phase == PhaseAwaitingDfuEntry {
			// The device reboots into its bootloader after the commit.
			return
		}
		slog.Warn("[AUTH] connection lost", "device", id, "state", c.active.dev.state)
		c.failSession(ErrConnectionLost, statusConnectionLost)
		c.reset()
		return
	}

	if known && !dev.HasInfo() {
		slog.Debug("[SCAN] probe lost link", "device", id)
		c.session.Registry.Remove(id)
		c.publishDevices()
	}
}
