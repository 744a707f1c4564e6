package updater

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chaz8081/axle-updater/internal/ble"
	"github.com/chaz8081/axle-updater/internal/ble/protocol"
	"github.com/chaz8081/axle-updater/internal/journal"
)

func (c *Controller) selectDevice(id ble.PeripheralID) {
	dev, ok := c.session.Registry.Get(id)
	if !ok || dev.committed {
		c.status(Status{Kind: StatusError, Message: "Unknown device.", Err: ErrUnknownDevice})
		return
	}
	if c.active != nil || c.transfer != nil {
		c.status(Status{Kind: StatusError, Message: "Another device is being updated.", Err: ErrSessionBusy})
		return
	}
	if dev.Serial == "" {
		c.status(Status{Kind: StatusError, Message: "Device information has not been read yet.", Err: ErrDeviceIncomplete})
		return
	}

	slog.Info("[AUTH] session started", "device", id, "serial", dev.Serial)
	c.session.Queue(id)
	c.active = &authSession{dev: dev}
	c.status(Status{Kind: StatusBusy, Message: statusConnecting})
	c.gov.Arm(TimeoutConnect, c.timeouts.Connect, func() {
		c.failSession(ErrConnectionTimeout, statusConnectFailed)
	})

	switch {
	case !dev.connected:
		c.setState(dev, idle())
		if err := c.radio.Connect(id); err != nil {
			c.failSession(fmt.Errorf("%w: %v", ErrConnectionTimeout, err), statusConnectFailed)
		}
	case dev.infoResolved && dev.uartResolved:
		c.beginAuth(dev)
	default:
		// Discovery from the passive probe is still in flight and will
		// continue into authentication now that the device is queued.
	}
	c.publishDevices()
}

func (c *Controller) onConnected(dev *Device) {
	dev.connected = true
	dev.disconnecting = false
	dev.resetLink()
	c.setState(dev, SessionState{Phase: PhaseAwaitingServices})

	err := c.radio.DiscoverServices(dev.ID, []string{protocol.DeviceInfoServiceUUID, protocol.UARTServiceUUID})
	if err != nil {
		c.discoveryFailed(dev, err)
		return
	}
	c.publishDevices()
}

func (c *Controller) onConnectFailed(dev *Device, err error) {
	slog.Warn("[SCAN] connect failed", "device", dev.ID, "error", err)
	if c.isActive(dev) {
		c.failSession(fmt.Errorf("%w: %v", ErrConnectionTimeout, err), statusConnectFailed)
		return
	}
	c.setState(dev, failed(err))
	c.publishDevices()
}

func (c *Controller) onServices(dev *Device, ev ble.Event) {
	if ev.Err != nil {
		c.discoveryFailed(dev, ev.Err)
		return
	}
	if !hasUUID(ev.Services, protocol.DeviceInfoServiceUUID) || !hasUUID(ev.Services, protocol.UARTServiceUUID) {
		c.discoveryFailed(dev, fmt.Errorf("services %v incomplete", ev.Services))
		return
	}

	c.setState(dev, SessionState{Phase: PhaseAwaitingCharacteristics})
	err := c.radio.DiscoverCharacteristics(dev.ID, protocol.DeviceInfoServiceUUID,
		[]string{protocol.SerialNumberCharUUID, protocol.FirmwareCharUUID})
	if err == nil {
		err = c.radio.DiscoverCharacteristics(dev.ID, protocol.UARTServiceUUID,
			[]string{protocol.CommandCharUUID, protocol.ResponseCharUUID})
	}
	if err != nil {
		c.discoveryFailed(dev, err)
		return
	}
	c.publishDevices()
}

func (c *Controller) onCharacteristics(dev *Device, ev ble.Event) {
	if ev.Err != nil {
		c.discoveryFailed(dev, ev.Err)
		return
	}

	switch {
	case protocol.SameUUID(ev.Service, protocol.UARTServiceUUID):
		dev.CommandChar = findUUID(ev.Characteristics, protocol.CommandCharUUID)
		dev.ResponseChar = findUUID(ev.Characteristics, protocol.ResponseCharUUID)
		if dev.CommandChar == "" || dev.ResponseChar == "" {
			c.discoveryFailed(dev, fmt.Errorf("command channel characteristics %v incomplete", ev.Characteristics))
			return
		}
		dev.uartResolved = true
	case protocol.SameUUID(ev.Service, protocol.DeviceInfoServiceUUID):
		dev.SerialChar = findUUID(ev.Characteristics, protocol.SerialNumberCharUUID)
		dev.FirmwareChar = findUUID(ev.Characteristics, protocol.FirmwareCharUUID)
		if dev.SerialChar == "" || dev.FirmwareChar == "" {
			c.discoveryFailed(dev, fmt.Errorf("device information characteristics %v incomplete", ev.Characteristics))
			return
		}
		dev.infoResolved = true
		if !c.session.Queued(dev.ID) {
			c.probeInfo(dev)
		}
	default:
		return
	}

	if c.session.Queued(dev.ID) && dev.infoResolved && dev.uartResolved &&
		dev.state.Phase == PhaseAwaitingCharacteristics {
		c.beginAuth(dev)
	}
}

// probeInfo reads serial and firmware version. Read errors are not reported;
// the attribute simply stays unset.
func (c *Controller) probeInfo(dev *Device) {
	if err := c.radio.ReadCharacteristic(dev.ID, dev.SerialChar); err != nil {
		slog.Debug("[SCAN] serial read failed", "device", dev.ID, "error", err)
	}
	if err := c.radio.ReadCharacteristic(dev.ID, dev.FirmwareChar); err != nil {
		slog.Debug("[SCAN] firmware read failed", "device", dev.ID, "error", err)
	}
}

func (c *Controller) onValue(dev *Device, ev ble.Event) {
	if ev.Err != nil {
		slog.Debug("[SCAN] value update failed", "device", dev.ID, "characteristic", ev.Characteristic, "error", ev.Err)
		return
	}

	switch {
	case protocol.SameUUID(ev.Characteristic, protocol.ResponseCharUUID):
		if c.isActive(dev) {
			c.onResponse(dev, ev.Value)
		}
		return
	case protocol.SameUUID(ev.Characteristic, protocol.FirmwareCharUUID):
		dev.Version = cleanString(ev.Value)
	case protocol.SameUUID(ev.Characteristic, protocol.SerialNumberCharUUID):
		dev.Serial = cleanString(ev.Value)
	default:
		return
	}

	if c.session.Complete(dev) && dev.connected {
		slog.Info("[SCAN] device probed", "device", dev.ID, "serial", dev.Serial, "version", dev.Version)
		c.disconnect(dev)
		c.setState(dev, idle())
	}
	c.publishDevices()
}

func (c *Controller) onNotifyEnabled(dev *Device, ev ble.Event) {
	if !protocol.SameUUID(ev.Characteristic, protocol.ResponseCharUUID) {
		return
	}
	if ev.Err != nil {
		c.discoveryFailed(dev, ev.Err)
		return
	}
	if err := c.radio.ReadCharacteristic(dev.ID, dev.ResponseChar); err != nil {
		slog.Debug("[AUTH] response read failed", "device", dev.ID, "error", err)
	}
}

// beginAuth subscribes to responses and tries the serial suffix as a default
// credential before the user is asked for a password.
func (c *Controller) beginAuth(dev *Device) {
	if err := c.radio.Subscribe(dev.ID, dev.ResponseChar); err != nil {
		c.discoveryFailed(dev, err)
		return
	}
	slog.Info("[AUTH] trying default credential", "device", dev.ID)
	c.authenticate(dev, dev.SerialSuffix(), 1)
}

func (c *Controller) authenticate(dev *Device, secret string, attempt int) {
	if err := c.send(dev, protocol.Authenticate(secret)); err != nil {
		c.failSession(err, statusConnectionLost)
		return
	}
	c.setState(dev, authenticating(attempt))
	c.status(Status{Kind: StatusBusy, Message: statusAuthenticating})
	c.gov.Arm(TimeoutAuthenticate, c.timeouts.Authenticate, c.onAuthTimeout)
	c.publishDevices()
}

func (c *Controller) onResponse(dev *Device, payload []byte) {
	c.journal.Record(journal.Entry{
		Time:           time.Now(),
		Epoch:          c.session.Epoch.String(),
		Peripheral:     string(dev.ID),
		Direction:      journal.DirectionRx,
		Characteristic: dev.ResponseChar,
		Data:           payload,
	})
	slog.Debug("[AUTH] response", "device", dev.ID, "payload", string(payload))

	if !protocol.IsAuthenticated(payload) {
		return
	}
	switch dev.state.Phase {
	case PhaseAuthenticating, PhaseAwaitingConfirmation:
		slog.Info("[AUTH] authenticated", "device", dev.ID, "attempt", dev.state.Attempt)
		c.gov.Cancel()
		c.withdraw(c.active.prompt)
		c.triggerUpdate(dev)
	}
}

func (c *Controller) onAuthTimeout() {
	s := c.active
	if s == nil {
		return
	}
	dev := s.dev
	slog.Warn("[AUTH] no response to authenticate", "device", dev.ID, "attempt", dev.state.Attempt)
	c.setState(dev, SessionState{Phase: PhaseAwaitingConfirmation, Attempt: dev.state.Attempt})
	c.status(Status{Kind: StatusError, Message: statusAuthTimedOut, Err: ErrAuthenticationTimeout})
	s.prompt = c.prompt(Prompt{
		Kind:        PromptAuthenticationFailed,
		Device:      dev.ID,
		Title:       titleAuthFailed,
		Message:     messageAuthFailed,
		Choices:     []Choice{ChoiceOK, ChoiceReset},
		TextInput:   true,
		Placeholder: dev.SerialSuffix(),
	})
	c.publishDevices()
}

func (c *Controller) onPasswordDecision(p Prompt, d Decision) {
	s := c.active
	if s == nil || s.dev.ID != p.Device {
		return
	}
	s.prompt = 0
	dev := s.dev
	switch d.Choice {
	case ChoiceOK:
		c.authenticate(dev, d.Text, dev.state.Attempt+1)
	case ChoiceReset:
		slog.Warn("[AUTH] resetting device", "device", dev.ID)
		if err := c.send(dev, protocol.Reset(dev.SerialSuffix())); err != nil {
			c.failSession(err, statusConnectionLost)
			return
		}
		c.triggerUpdate(dev)
	}
}

// triggerUpdate arms update mode and asks for a final confirmation. The
// device leaves the selectable list from here on.
func (c *Controller) triggerUpdate(dev *Device) {
	c.setState(dev, SessionState{Phase: PhaseTriggeringUpdate})
	dev.committed = true
	c.publishDevices()

	for _, cmd := range protocol.ArmSequence() {
		if err := c.send(dev, cmd); err != nil {
			c.failSession(err, statusConnectionLost)
			return
		}
	}

	c.status(Status{Kind: StatusIdle})
	c.active.prompt = c.prompt(Prompt{
		Kind:    PromptPreTrigger,
		Device:  dev.ID,
		Title:   titlePreTrigger,
		Message: messagePreTrigger,
		Choices: []Choice{ChoiceUpdate, ChoiceCancel},
	})
}

func (c *Controller) onTriggerDecision(p Prompt, d Decision) {
	s := c.active
	if s == nil || s.dev.ID != p.Device {
		return
	}
	s.prompt = 0
	dev := s.dev
	switch d.Choice {
	case ChoiceUpdate:
		if err := c.send(dev, protocol.Commit()); err != nil {
			c.failSession(err, statusConnectionLost)
			return
		}
		c.session.Registry.Remove(dev.ID)
		c.session.Dequeue(dev.ID)
		c.setState(dev, SessionState{Phase: PhaseAwaitingDfuEntry})
		c.publishDevices()
		c.status(Status{Kind: StatusBusy, Message: placingMessage(c.timeouts.DfuEntry)})
		c.gov.Arm(TimeoutDfuEntry, c.timeouts.DfuEntry, c.onDfuEntryTimeout)
		slog.Info("[AUTH] update mode committed", "device", dev.ID)
	case ChoiceCancel:
		slog.Info("[AUTH] update cancelled", "device", dev.ID)
		c.failSession(ErrCancelled, statusCancelled)
	}
}

// onDfuEntryTimeout ends the session without retrying; the user has to
// trigger the device again.
func (c *Controller) onDfuEntryTimeout() {
	s := c.active
	if s == nil {
		return
	}
	slog.Warn("[AUTH] device did not reappear in update mode", "device", s.dev.ID)
	c.setState(s.dev, failed(ErrDfuEntryTimeout))
	c.active = nil
	c.status(Status{Kind: StatusError, Message: statusDfuEntryFailed, Err: ErrDfuEntryTimeout})
}

func (c *Controller) discoveryFailed(dev *Device, err error) {
	slog.Warn("[AUTH] discovery failed", "device", dev.ID, "error", err)
	wrapped := fmt.Errorf("%w: %v", ErrDiscoveryFailed, err)
	if c.isActive(dev) {
		c.failSession(wrapped, statusDiscoveryFailed)
		return
	}
	c.setState(dev, failed(wrapped))
	if dev.connected {
		c.disconnect(dev)
	}
	c.publishDevices()
}

// failSession ends the interactive session: the deadline and any prompt are
// dropped, the device leaves DfuQueue, the link is closed and the device is
// free to be selected again.
func (c *Controller) failSession(reason error, message string) {
	s := c.active
	if s == nil {
		return
	}
	dev := s.dev
	slog.Warn("[AUTH] session failed", "device", dev.ID, "state", dev.state, "reason", reason)

	c.active = nil
	c.gov.Cancel()
	c.withdraw(s.prompt)
	c.session.Dequeue(dev.ID)
	dev.committed = false
	c.setState(dev, failed(reason))
	if dev.connected {
		c.disconnect(dev)
	}
	c.publishDevices()
	c.status(Status{Kind: StatusError, Message: message, Err: reason})
}

func (c *Controller) isActive(dev *Device) bool {
	return c.active != nil && c.active.dev == dev
}

// send writes one command on the unacknowledged command characteristic.
func (c *Controller) send(dev *Device, data []byte) error {
	c.journal.Record(journal.Entry{
		Time:           time.Now(),
		Epoch:          c.session.Epoch.String(),
		Peripheral:     string(dev.ID),
		Direction:      journal.DirectionTx,
		Characteristic: dev.CommandChar,
		Data:           data,
	})
	if err := c.radio.WriteWithoutResponse(dev.ID, dev.CommandChar, data); err != nil {
		return fmt.Errorf("updater: write %q: %w", data, err)
	}
	return nil
}

func placingMessage(d time.Duration) string {
	return fmt.Sprintf("Placing in DFU mode... \n(this may take up to %d seconds)", int(d.Round(time.Second)/time.Second))
}

func hasUUID(list []string, uuid string) bool {
	return findUUID(list, uuid) != ""
}

func findUUID(list []string, uuid string) string {
	for _, u := range list {
		if protocol.SameUUID(u, uuid) {
			return u
		}
	}
	return ""
}

// cleanString decodes a GATT string value, dropping NUL padding.
func cleanString(v []byte) string {
	return strings.TrimRight(string(v), "\x00")
}
