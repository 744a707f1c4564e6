package updater

import (
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/axle-updater/internal/ble"
	"github.com/chaz8081/axle-updater/internal/ble/protocol"
	"github.com/chaz8081/axle-updater/internal/dfu"
	"github.com/chaz8081/axle-updater/internal/journal"
	"github.com/stretchr/testify/require"
)

// fakeRadio records every call and lets the test deliver events. Like a real
// Radio it never invokes the handler from inside a call.
type fakeRadio struct {
	mu         sync.Mutex
	handler    func(ble.Event)
	calls      []string
	writes     []fakeWrite
	scanning   bool
	enableErr  error
	connectErr error
}

type fakeWrite struct {
	id   ble.PeripheralID
	char string
	data string
}

func (r *fakeRadio) record(format string, args ...any) {
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
}

func (r *fakeRadio) Enable() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("enable")
	return r.enableErr
}

func (r *fakeRadio) SetEventHandler(h func(ble.Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = h
}

func (r *fakeRadio) Scan(_ []string, _ bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("scan")
	r.scanning = true
	return nil
}

func (r *fakeRadio) StopScan() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("stop-scan")
	r.scanning = false
	return nil
}

func (r *fakeRadio) Connect(id ble.PeripheralID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("connect %s", id)
	return r.connectErr
}

func (r *fakeRadio) Disconnect(id ble.PeripheralID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("disconnect %s", id)
	return nil
}

func (r *fakeRadio) DiscoverServices(id ble.PeripheralID, _ []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("discover-services %s", id)
	return nil
}

func (r *fakeRadio) DiscoverCharacteristics(id ble.PeripheralID, svc string, _ []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("discover-characteristics %s %s", id, svc)
	return nil
}

func (r *fakeRadio) ReadCharacteristic(id ble.PeripheralID, char string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("read %s %s", id, char)
	return nil
}

func (r *fakeRadio) WriteWithoutResponse(id ble.PeripheralID, char string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("write %s %s", id, data)
	r.writes = append(r.writes, fakeWrite{id: id, char: char, data: string(data)})
	return nil
}

func (r *fakeRadio) Subscribe(id ble.PeripheralID, char string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("subscribe %s %s", id, char)
	return nil
}

func (r *fakeRadio) count(call string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (r *fakeRadio) payloads() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.writes))
	for _, w := range r.writes {
		out = append(out, w.data)
	}
	return out
}

// fakePresenter records everything the controller shows.
type fakePresenter struct {
	prompts   []Prompt
	withdrawn []uint64
	statuses  []Status
	devices   []DeviceView
}

func (p *fakePresenter) Prompt(pr Prompt) { p.prompts = append(p.prompts, pr) }
func (p *fakePresenter) Withdraw(id uint64) { p.withdrawn = append(p.withdrawn, id) }
func (p *fakePresenter) Status(s Status) { p.statuses = append(p.statuses, s) }
func (p *fakePresenter) Devices(ds []DeviceView) { p.devices = ds }

func (p *fakePresenter) lastPrompt(t *testing.T) Prompt {
	t.Helper()
	require.NotEmpty(t, p.prompts, "no prompt shown")
	return p.prompts[len(p.prompts)-1]
}

func (p *fakePresenter) lastStatus(t *testing.T) Status {
	t.Helper()
	require.NotEmpty(t, p.statuses, "no status shown")
	return p.statuses[len(p.statuses)-1]
}

func (p *fakePresenter) view(id ble.PeripheralID) (DeviceView, bool) {
	for _, v := range p.devices {
		if v.ID == id {
			return v, true
		}
	}
	return DeviceView{}, false
}

// fakeClock fires timers only when the test advances it.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now + d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward and runs every timer that came due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && t.at <= c.now {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at < due[j].at })
	for _, t := range due {
		t.f()
	}
}

// fakeUpdater hands the report callback back to the test. Like a real
// Updater it never reports from inside Start; tests deliver events with
// harness.report.
type fakeUpdater struct {
	started  []ble.PeripheralID
	report   func(dfu.Event)
	job      *fakeJob
	startErr error
}

type fakeJob struct {
	aborts int
}

func (j *fakeJob) Abort() error {
	j.aborts++
	return nil
}

func (u *fakeUpdater) Start(target ble.PeripheralID, _ *dfu.Package, report func(dfu.Event)) (dfu.Job, error) {
	if u.startErr != nil {
		return nil, u.startErr
	}
	u.started = append(u.started, target)
	u.report = report
	u.job = &fakeJob{}
	return u.job, nil
}

type recordingJournal struct {
	entries []journal.Entry
}

func (j *recordingJournal) Record(e journal.Entry) { j.entries = append(j.entries, e) }

const (
	testDevice  = ble.PeripheralID("aa:bb:cc:dd:ee:01")
	testDevice2 = ble.PeripheralID("aa:bb:cc:dd:ee:02")
	testDfu     = ble.PeripheralID("aa:bb:cc:dd:ee:99")
	testSerial  = "AX0042A1B2C3"
	testVersion = "2.5"
)

// harness drives a Controller without its Run loop: radio events are posted
// through the registered handler and drain executes whatever was posted.
type harness struct {
	t       *testing.T
	c       *Controller
	radio   *fakeRadio
	pres    *fakePresenter
	clock   *fakeClock
	updater *fakeUpdater
	journal *recordingJournal
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		radio:   &fakeRadio{},
		pres:    &fakePresenter{},
		clock:   &fakeClock{},
		updater: &fakeUpdater{},
		journal: &recordingJournal{},
	}
	c, err := New(Options{
		Radio:     h.radio,
		Presenter: h.pres,
		Updater:   h.updater,
		Package:   &dfu.Package{Path: "/tmp/update.zip", Size: 1000, Digest: [32]byte{0xab, 0xcd, 0xef}},
		Journal:   h.journal,
		Clock:     h.clock,
	})
	require.NoError(t, err)
	require.NoError(t, c.start())
	h.c = c
	return h
}

// drain runs every queued event-loop closure, including ones queued while
// draining.
func (h *harness) drain() {
	for {
		select {
		case fn := <-h.c.inbox:
			fn()
		default:
			return
		}
	}
}

func (h *harness) emit(ev ble.Event) {
	h.radio.mu.Lock()
	handler := h.radio.handler
	h.radio.mu.Unlock()
	handler(ev)
	h.drain()
}

// report delivers a transfer event from outside the event loop, the way the
// updater's goroutines do.
func (h *harness) report(ev dfu.Event) {
	h.t.Helper()
	require.NotNil(h.t, h.updater.report, "no transfer started")
	h.updater.report(ev)
	h.drain()
}

// update answers the update-mode prompt with Update and delivers the
// transfer's first state.
func (h *harness) update() {
	h.decide(ChoiceUpdate, "")
	h.report(dfu.Event{Kind: dfu.EventState, State: dfu.StateConnecting})
}

func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.drain()
}

func (h *harness) discover(id ble.PeripheralID, name string) {
	h.emit(ble.Event{Kind: ble.EventDiscovered, Peripheral: id, Name: name, RSSI: -50})
}

// linkUp delivers connection and full GATT discovery for id.
func (h *harness) linkUp(id ble.PeripheralID) {
	h.emit(ble.Event{Kind: ble.EventConnected, Peripheral: id})
	h.emit(ble.Event{
		Kind:       ble.EventServicesDiscovered,
		Peripheral: id,
		Services:   []string{protocol.DeviceInfoServiceUUID, protocol.UARTServiceUUID},
	})
	h.emit(ble.Event{
		Kind:            ble.EventCharacteristicsDiscovered,
		Peripheral:      id,
		Service:         protocol.DeviceInfoServiceUUID,
		Characteristics: []string{protocol.SerialNumberCharUUID, protocol.FirmwareCharUUID},
	})
	h.emit(ble.Event{
		Kind:            ble.EventCharacteristicsDiscovered,
		Peripheral:      id,
		Service:         protocol.UARTServiceUUID,
		Characteristics: []string{protocol.CommandCharUUID, protocol.ResponseCharUUID},
	})
}

func (h *harness) value(id ble.PeripheralID, char, v string) {
	h.emit(ble.Event{Kind: ble.EventValueUpdated, Peripheral: id, Characteristic: char, Value: []byte(v)})
}

// probe runs the passive information probe for a newly advertised device,
// including the disconnect the controller requests at the end.
func (h *harness) probe(id ble.PeripheralID) {
	h.probeSerial(id, testSerial+"\x00")
}

func (h *harness) probeSerial(id ble.PeripheralID, serial string) {
	h.discover(id, protocol.DeviceName)
	h.linkUp(id)
	h.value(id, protocol.SerialNumberCharUUID, serial)
	h.value(id, protocol.FirmwareCharUUID, testVersion)
	h.emit(ble.Event{Kind: ble.EventDisconnected, Peripheral: id})
}

// authenticate selects a probed device and brings it to Authenticating(1).
func (h *harness) authenticate(id ble.PeripheralID) {
	h.c.selectDevice(id)
	h.drain()
	h.linkUp(id)
}

// armed selects, authenticates and answers the pre-trigger prompt with
// Update, leaving the device in AwaitingDfuEntry.
func (h *harness) armed(id ble.PeripheralID) {
	h.authenticate(id)
	h.value(id, protocol.ResponseCharUUID, "Authenticated")
	h.decide(ChoiceUpdate, "")
}

func (h *harness) decide(c Choice, text string) {
	p := h.pres.lastPrompt(h.t)
	h.c.decide(Decision{PromptID: p.ID, Choice: c, Text: text})
	h.drain()
}

func (h *harness) device(id ble.PeripheralID) *Device {
	h.t.Helper()
	d, ok := h.c.session.Registry.Get(id)
	require.True(h.t, ok, "device %s not registered", id)
	return d
}
