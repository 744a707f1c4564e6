// Package updater drives AxLE wearables from discovery to update mode and
// hands them to a firmware transfer. Radio events, deadline expiries, user
// commands and transfer reports all funnel into one event loop, so the state
// machine below runs on a single goroutine and never blocks on the radio.
package updater

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chaz8081/axle-updater/internal/ble"
	"github.com/chaz8081/axle-updater/internal/dfu"
	"github.com/chaz8081/axle-updater/internal/journal"
)

const inboxSize = 256

// Timeouts bounds every wait the controller arms. It is also the
// timeouts section of the config file.
type Timeouts struct {
	Connect         time.Duration `yaml:"connect"`
	Authenticate    time.Duration `yaml:"authenticate"`
	DfuEntry        time.Duration `yaml:"dfu_entry"`
	TransferStall   time.Duration `yaml:"transfer_stall"`
	TransferConnect time.Duration `yaml:"transfer_connect"`
}

// DefaultTimeouts returns the deadlines the AxLE firmware is known to need.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Connect:         10 * time.Second,
		Authenticate:    5 * time.Second,
		DfuEntry:        45 * time.Second,
		TransferStall:   10 * time.Second,
		TransferConnect: 10 * time.Second,
	}
}

// Options configures a Controller. Radio and Presenter are required.
type Options struct {
	Radio     ble.Radio
	Presenter Presenter
	Updater   dfu.Updater
	Package   *dfu.Package
	Journal   journal.Journal
	Clock     Clock
	Timeouts  Timeouts
}

// Controller owns the scan epoch, the interactive device session and the
// firmware transfer.
type Controller struct {
	radio     ble.Radio
	presenter Presenter
	updater   dfu.Updater
	pkg       *dfu.Package
	journal   journal.Journal
	timeouts  Timeouts

	inbox chan func()
	done  chan struct{}

	gov      *Governor
	session  *Session
	active   *authSession
	transfer *transfer
	scanning bool

	prompts    map[uint64]Prompt
	nextPrompt uint64
}

// authSession is the one device currently driven through authentication
// and the update-mode trigger.
type authSession struct {
	dev    *Device
	prompt uint64 // outstanding auth or pre-trigger prompt
}

// New creates a Controller. Call Run to start scanning.
func New(opts Options) (*Controller, error) {
	if opts.Radio == nil {
		return nil, errors.New("updater: radio is required")
	}
	if opts.Presenter == nil {
		return nil, errors.New("updater: presenter is required")
	}
	if opts.Journal == nil {
		opts.Journal = journal.Nop{}
	}
	if opts.Clock == nil {
		opts.Clock = RealClock()
	}
	if opts.Timeouts == (Timeouts{}) {
		opts.Timeouts = DefaultTimeouts()
	}

	c := &Controller{
		radio:     opts.Radio,
		presenter: opts.Presenter,
		updater:   opts.Updater,
		pkg:       opts.Package,
		journal:   opts.Journal,
		timeouts:  opts.Timeouts,
		inbox:     make(chan func(), inboxSize),
		done:      make(chan struct{}),
		session:   NewSession(),
		prompts:   make(map[uint64]Prompt),
	}
	c.gov = NewGovernor(opts.Clock, c.post)
	return c, nil
}

// Run enables the radio, starts scanning and processes events until ctx is
// cancelled.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.start(); err != nil {
		close(c.done)
		return err
	}
	defer c.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-c.inbox:
			fn()
		}
	}
}

// Select starts an authentication session with a registered device.
func (c *Controller) Select(id ble.PeripheralID) {
	c.post(func() { c.selectDevice(id) })
}

// Dismiss removes an idle device from the registry.
func (c *Controller) Dismiss(id ble.PeripheralID) {
	c.post(func() { c.dismissDevice(id) })
}

// Rescan discards the scan epoch and starts over from an empty state.
func (c *Controller) Rescan() {
	c.post(c.rescan)
}

// Decide answers an outstanding prompt. Answers to withdrawn or unknown
// prompts are ignored.
func (c *Controller) Decide(d Decision) {
	c.post(func() { c.decide(d) })
}

// post queues fn for the event loop. It drops fn once the loop has stopped.
func (c *Controller) post(fn func()) {
	select {
	case c.inbox <- fn:
	case <-c.done:
	}
}

// tryPost queues fn unless the inbox is full.
func (c *Controller) tryPost(fn func()) {
	select {
	case c.inbox <- fn:
	default:
	}
}

func (c *Controller) start() error {
	c.radio.SetEventHandler(func(ev ble.Event) {
		fn := func() { c.onRadioEvent(ev) }
		if ev.Kind == ble.EventDiscovered {
			// Scanning reports duplicates, so an advertisement dropped while
			// the loop is busy is seen again.
			c.tryPost(fn)
			return
		}
		c.post(fn)
	})
	if err := c.radio.Enable(); err != nil {
		return fmt.Errorf("updater: %w", err)
	}
	slog.Info("[SCAN] starting", "epoch", c.session.Epoch)
	c.startScan()
	c.publishDevices()
	return nil
}

func (c *Controller) shutdown() {
	close(c.done)
	c.gov.Cancel()
	if c.transfer != nil {
		_ = c.transfer.job.Abort()
		c.transfer = nil
	}
	c.stopScan()
	for _, d := range c.session.Registry.Devices() {
		if d.connected {
			_ = c.radio.Disconnect(d.ID)
		}
	}
	slog.Info("[SCAN] stopped")
}

func (c *Controller) onRadioEvent(ev ble.Event) {
	if ev.Kind == ble.EventDiscovered {
		c.onDiscovered(ev)
		return
	}
	if ev.Kind == ble.EventDisconnected {
		c.onDisconnected(ev.Peripheral)
		return
	}

	// Only normal-mode devices are tracked; events for anything else,
	// update-mode peripherals included, are dropped here.
	dev, ok := c.session.Registry.Get(ev.Peripheral)
	if !ok {
		return
	}
	switch ev.Kind {
	case ble.EventConnected:
		c.onConnected(dev)
	case ble.EventConnectFailed:
		c.onConnectFailed(dev, ev.Err)
	case ble.EventServicesDiscovered:
		c.onServices(dev, ev)
	case ble.EventCharacteristicsDiscovered:
		c.onCharacteristics(dev, ev)
	case ble.EventValueUpdated:
		c.onValue(dev, ev)
	case ble.EventNotifyEnabled:
		c.onNotifyEnabled(dev, ev)
	}
}

func (c *Controller) startScan() {
	if c.scanning {
		return
	}
	// Duplicates are needed to notice update-mode peripherals again after
	// an ignore is cleared; identity is de-duplicated by the registry.
	if err := c.radio.Scan(nil, true); err != nil {
		slog.Error("[SCAN] start failed", "error", err)
		c.status(Status{Kind: StatusError, Message: "Unable to scan for devices!", Err: err})
		return
	}
	c.scanning = true
}

func (c *Controller) stopScan() {
	if !c.scanning {
		return
	}
	if err := c.radio.StopScan(); err != nil {
		slog.Warn("[SCAN] stop failed", "error", err)
	}
	c.scanning = false
}

// Scanning reports whether discovery is running. Event loop only.
func (c *Controller) Scanning() bool {
	return c.scanning
}

func (c *Controller) publishDevices() {
	c.presenter.Devices(c.session.Registry.Views())
}

func (c *Controller) status(s Status) {
	c.presenter.Status(s)
}

func (c *Controller) prompt(p Prompt) uint64 {
	c.nextPrompt++
	p.ID = c.nextPrompt
	c.prompts[p.ID] = p
	c.presenter.Prompt(p)
	return p.ID
}

func (c *Controller) withdraw(id uint64) {
	if _, ok := c.prompts[id]; !ok {
		return
	}
	delete(c.prompts, id)
	c.presenter.Withdraw(id)
}

func (c *Controller) decide(d Decision) {
	p, ok := c.prompts[d.PromptID]
	if !ok {
		slog.Debug("[PROMPT] stale decision ignored", "prompt", d.PromptID, "choice", d.Choice)
		return
	}
	if !p.Allows(d.Choice) {
		slog.Warn("[PROMPT] invalid choice", "prompt", p.Kind, "choice", d.Choice)
		return
	}
	c.withdraw(d.PromptID)

	switch p.Kind {
	case PromptUpdateModeFound:
		c.onUpdateModeDecision(p, d)
	case PromptAuthenticationFailed:
		c.onPasswordDecision(p, d)
	case PromptPreTrigger:
		c.onTriggerDecision(p, d)
	}
}

func (c *Controller) rescan() {
	slog.Info("[SCAN] rescan", "old_epoch", c.session.Epoch)
	c.reset()
}

// reset discards the scan epoch: registry, DfuQueue and DfuIgnore start
// empty and scanning restarts. A running transfer is left alone.
func (c *Controller) reset() {
	if c.active != nil {
		c.failSession(ErrCancelled, statusCancelled)
	}
	for id := range c.prompts {
		c.withdraw(id)
	}
	for _, d := range c.session.Registry.Devices() {
		if d.connected {
			c.disconnect(d)
		}
	}

	c.session = NewSession()
	c.session.transferInProgress = c.transfer != nil
	c.publishDevices()

	if c.transfer == nil {
		c.stopScan()
		c.startScan()
	}
	slog.Info("[SCAN] new epoch", "epoch", c.session.Epoch)
}

func (c *Controller) disconnect(d *Device) {
	d.connected = false
	d.disconnecting = true
	if err := c.radio.Disconnect(d.ID); err != nil {
		slog.Debug("[SCAN] disconnect failed", "device", d.ID, "error", err)
	}
}

func (c *Controller) setState(d *Device, s SessionState) {
	if d.state == s {
		return
	}
	slog.Debug("[AUTH] state", "device", d.ID, "from", d.state, "to", s)
	d.state = s
}
