package updater

import (
	"errors"
	"testing"
	"time"

	"github.com/chaz8081/axle-updater/internal/ble"
	"github.com/chaz8081/axle-updater/internal/ble/protocol"
	"github.com/chaz8081/axle-updater/internal/dfu"
	"github.com/chaz8081/axle-updater/internal/journal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RequiresRadioAndPresenter(t *testing.T) {
	_, err := New(Options{Presenter: &fakePresenter{}})
	assert.Error(t, err)
	_, err = New(Options{Radio: &fakeRadio{}})
	assert.Error(t, err)

	c, err := New(Options{Radio: &fakeRadio{}, Presenter: &fakePresenter{}})
	require.NoError(t, err)
	assert.Equal(t, DefaultTimeouts(), c.timeouts)
}

func TestStart_EnablesRadioAndScans(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, []string{"enable", "scan"}, h.radio.calls)
	assert.True(t, h.c.Scanning())
}

func TestDiscovery_DeduplicatesAdvertisements(t *testing.T) {
	h := newHarness(t)
	h.discover(testDevice, protocol.DeviceName)
	h.discover(testDevice, protocol.DeviceName)
	h.discover(testDevice, protocol.DeviceName)

	assert.Equal(t, 1, h.c.session.Registry.Len())
	assert.Equal(t, 1, h.radio.count("connect "+string(testDevice)))
	assert.Len(t, h.pres.devices, 1)
}

func TestDiscovery_IgnoresOtherPeripherals(t *testing.T) {
	h := newHarness(t)
	h.discover(testDevice, "Some Speaker")
	h.discover(testDevice2, "")

	assert.Zero(t, h.c.session.Registry.Len())
	assert.Empty(t, h.pres.prompts)
}

func TestProbe_ReadsInformationAndDisconnects(t *testing.T) {
	h := newHarness(t)
	h.probe(testDevice)

	d := h.device(testDevice)
	assert.Equal(t, testSerial, d.Serial)
	assert.Equal(t, testVersion, d.Version)
	assert.Equal(t, PhaseIdle, d.State().Phase)
	assert.False(t, d.connected)
	assert.Equal(t, 1, h.radio.count("disconnect "+string(testDevice)))
	assert.Equal(t, 1, h.radio.count("read "+string(testDevice)+" "+protocol.SerialNumberCharUUID))

	v, ok := h.pres.view(testDevice)
	require.True(t, ok)
	assert.Equal(t, testSerial, v.Serial)
	assert.Equal(t, "Idle", v.State)
	assert.Equal(t, TimeoutNone, h.c.gov.Armed(), "passive probes arm no deadline")
}

func TestProbe_LinkLossBeforeInfoForgetsDevice(t *testing.T) {
	h := newHarness(t)
	h.discover(testDevice, protocol.DeviceName)
	h.emit(ble.Event{Kind: ble.EventConnected, Peripheral: testDevice})
	h.emit(ble.Event{Kind: ble.EventDisconnected, Peripheral: testDevice})

	assert.Zero(t, h.c.session.Registry.Len())

	h.discover(testDevice, protocol.DeviceName)
	assert.Equal(t, 2, h.radio.count("connect "+string(testDevice)))
}

func TestProbe_MissingServiceMarksFailed(t *testing.T) {
	h := newHarness(t)
	h.discover(testDevice, protocol.DeviceName)
	h.emit(ble.Event{Kind: ble.EventConnected, Peripheral: testDevice})
	h.emit(ble.Event{
		Kind:       ble.EventServicesDiscovered,
		Peripheral: testDevice,
		Services:   []string{protocol.DeviceInfoServiceUUID},
	})

	d := h.device(testDevice)
	assert.Equal(t, PhaseFailed, d.State().Phase)
	assert.ErrorIs(t, d.State().Reason, ErrDiscoveryFailed)
	assert.Equal(t, 1, h.radio.count("disconnect "+string(testDevice)))
}

func TestSelect_Errors(t *testing.T) {
	h := newHarness(t)

	h.c.selectDevice(testDevice)
	assert.ErrorIs(t, h.pres.lastStatus(t).Err, ErrUnknownDevice)

	h.discover(testDevice, protocol.DeviceName)
	h.c.selectDevice(testDevice)
	assert.ErrorIs(t, h.pres.lastStatus(t).Err, ErrDeviceIncomplete)

	h.probe(testDevice2)
	h.authenticate(testDevice2)
	h.device(testDevice).Serial = testSerial
	h.c.selectDevice(testDevice)
	assert.ErrorIs(t, h.pres.lastStatus(t).Err, ErrSessionBusy)
	assert.False(t, h.c.session.Queued(testDevice))
}

func TestSelect_AuthenticatesWithSerialSuffix(t *testing.T) {
	h := newHarness(t)
	h.probe(testDevice)
	h.authenticate(testDevice)

	d := h.device(testDevice)
	assert.Equal(t, authenticating(1), d.State())
	assert.True(t, h.c.session.Queued(testDevice))
	assert.Equal(t, []string{"UA1B2C3"}, h.radio.payloads())
	assert.Equal(t, protocol.CommandCharUUID, h.radio.writes[0].char)
	assert.Equal(t, 1, h.radio.count("subscribe "+string(testDevice)+" "+protocol.ResponseCharUUID))
	assert.Equal(t, TimeoutAuthenticate, h.c.gov.Armed())
	assert.Equal(t, statusAuthenticating, h.pres.lastStatus(t).Message)
}

func TestSelect_DuringProbeReusesConnection(t *testing.T) {
	h := newHarness(t)
	h.discover(testDevice, protocol.DeviceName)
	h.linkUp(testDevice)
	h.value(testDevice, protocol.SerialNumberCharUUID, testSerial)

	h.c.selectDevice(testDevice)
	h.drain()

	assert.Equal(t, 1, h.radio.count("connect "+string(testDevice)))
	assert.Equal(t, authenticating(1), h.device(testDevice).State())

	// The late version read must not end the session's link.
	h.value(testDevice, protocol.FirmwareCharUUID, testVersion)
	assert.Zero(t, h.radio.count("disconnect "+string(testDevice)))
	assert.Equal(t, testVersion, h.device(testDevice).Version)
}

func TestNotifyEnabled_ReadsResponse(t *testing.T) {
	h := newHarness(t)
	h.probe(testDevice)
	h.authenticate(testDevice)
	h.emit(ble.Event{Kind: ble.EventNotifyEnabled, Peripheral: testDevice, Characteristic: protocol.ResponseCharUUID})

	assert.Equal(t, 1, h.radio.count("read "+string(testDevice)+" "+protocol.ResponseCharUUID))
}

func TestAuthenticated_ArmsUpdateMode(t *testing.T) {
	h := newHarness(t)
	h.probe(testDevice)
	h.authenticate(testDevice)
	h.value(testDevice, protocol.ResponseCharUUID, "OK Authenticated\r\n")

	d := h.device(testDevice)
	assert.Equal(t, PhaseTriggeringUpdate, d.State().Phase)
	assert.Equal(t, []string{"UA1B2C3", "M", "2", "M", "2", "M", "2"}, h.radio.payloads())
	assert.Equal(t, TimeoutNone, h.c.gov.Armed())

	p := h.pres.lastPrompt(t)
	assert.Equal(t, PromptPreTrigger, p.Kind)
	assert.Equal(t, []Choice{ChoiceUpdate, ChoiceCancel}, p.Choices)

	_, visible := h.pres.view(testDevice)
	assert.False(t, visible, "device is hidden once committed to the update path")
}

func TestResponse_NonMatchingPayloadIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.probe(testDevice)
	h.authenticate(testDevice)
	h.value(testDevice, protocol.ResponseCharUUID, "ERROR")
	h.value(testDevice, protocol.ResponseCharUUID, "authenticated")

	assert.Equal(t, authenticating(1), h.device(testDevice).State())
	assert.Equal(t, []string{"UA1B2C3"}, h.radio.payloads())
	assert.Equal(t, TimeoutAuthenticate, h.c.gov.Armed())
}

func TestResponse_JournaledBothDirections(t *testing.T) {
	h := newHarness(t)
	h.probe(testDevice)
	h.authenticate(testDevice)
	h.value(testDevice, protocol.ResponseCharUUID, "Authenticated")

	require.GreaterOrEqual(t, len(h.journal.entries), 2)
	tx := h.journal.entries[0]
	assert.Equal(t, journal.DirectionTx, tx.Direction)
	assert.Equal(t, []byte("UA1B2C3"), tx.Data)
	rx := h.journal.entries[1]
	assert.Equal(t, journal.DirectionRx, rx.Direction)
	assert.Equal(t, []byte("Authenticated"), rx.Data)
	assert.Equal(t, string(testDevice), rx.Peripheral)
	assert.Equal(t, h.c.session.Epoch.String(), tx.Epoch)
	assert.Equal(t, tx.Epoch, rx.Epoch)

	// A new scan epoch stamps later entries differently.
	old := tx.Epoch
	h.c.rescan()
	h.drain()
	h.probe(testDevice)
	h.authenticate(testDevice)
	last := h.journal.entries[len(h.journal.entries)-1]
	assert.NotEqual(t, old, last.Epoch)
	assert.Equal(t, h.c.session.Epoch.String(), last.Epoch)
}

func TestAuthTimeout_PromptsForPassword(t *testing.T) {
	h := newHarness(t)
	h.probe(testDevice)
	h.authenticate(testDevice)

	h.advance(4 * time.Second)
	assert.Equal(t, authenticating(1), h.device(testDevice).State())

	h.advance(time.Second)
	d := h.device(testDevice)
	assert.Equal(t, PhaseAwaitingConfirmation, d.State().Phase)
	assert.ErrorIs(t, h.pres.lastStatus(t).Err, ErrAuthenticationTimeout)

	p := h.pres.lastPrompt(t)
	assert.Equal(t, PromptAuthenticationFailed, p.Kind)
	assert.Equal(t, titleAuthFailed, p.Title)
	assert.True(t, p.TextInput)
	assert.Equal(t, "A1B2C3", p.Placeholder)
	assert.Equal(t, []Choice{ChoiceOK, ChoiceReset}, p.Choices)

	h.decide(ChoiceOK, "secret")
	assert.Equal(t, authenticating(2), d.State())
	assert.Equal(t, []string{"UA1B2C3", "Usecret"}, h.radio.payloads())
	assert.Equal(t, TimeoutAuthenticate, h.c.gov.Armed())

	h.advance(5 * time.Second)
	assert.Equal(t, PhaseAwaitingConfirmation, d.State().Phase)
	h.decide(ChoiceOK, "other")
	assert.Equal(t, authenticating(3), d.State())
}

func TestAuthTimeout_LateAuthenticatedWithdrawsPrompt(t *testing.T) {
	h := newHarness(t)
	h.probe(testDevice)
	h.authenticate(testDevice)
	h.advance(5 * time.Second)
	pw := h.pres.lastPrompt(t)

	h.value(testDevice, protocol.ResponseCharUUID, "Authenticated")

	assert.Contains(t, h.pres.withdrawn, pw.ID)
	assert.Equal(t, PhaseTriggeringUpdate, h.device(testDevice).State().Phase)

	// Answering the withdrawn prompt changes nothing.
	h.c.decide(Decision{PromptID: pw.ID, Choice: ChoiceOK, Text: "late"})
	h.drain()
	assert.NotContains(t, h.radio.payloads(), "Ulate")
}

func TestAuthTimeout_ResetSendsResetThenArms(t *testing.T) {
	h := newHarness(t)
	h.probe(testDevice)
	h.authenticate(testDevice)
	h.advance(5 * time.Second)
	h.decide(ChoiceReset, "")

	assert.Equal(t, []string{"UA1B2C3", "EA1B2C3", "M", "2", "M", "2", "M", "2"}, h.radio.payloads())
	assert.Equal(t, PhaseTriggeringUpdate, h.device(testDevice).State().Phase)
	assert.Equal(t, PromptPreTrigger, h.pres.lastPrompt(t).Kind)
}

func TestPreTrigger_CancelReleasesDevice(t *testing.T) {
	h := newHarness(t)
	h.probe(testDevice)
	h.authenticate(testDevice)
	h.value(testDevice, protocol.ResponseCharUUID, "Authenticated")
	h.decide(ChoiceCancel, "")

	d := h.device(testDevice)
	assert.Equal(t, PhaseFailed, d.State().Phase)
	assert.ErrorIs(t, d.State().Reason, ErrCancelled)
	assert.False(t, h.c.session.Queued(testDevice))
	assert.Nil(t, h.c.active)
	assert.ErrorIs(t, h.pres.lastStatus(t).Err, ErrCancelled)
	assert.Equal(t, 2, h.radio.count("disconnect "+string(testDevice)))
	assert.NotContains(t, h.radio.payloads(), "XB")

	v, visible := h.pres.view(testDevice)
	require.True(t, visible)
	assert.Equal(t, "Failed(cancelled)", v.State)

	// The device can be selected again.
	h.emit(ble.Event{Kind: ble.EventDisconnected, Peripheral: testDevice})
	h.c.selectDevice(testDevice)
	h.drain()
	assert.True(t, h.c.session.Queued(testDevice))
}

func TestPreTrigger_UpdateCommitsAndAwaitsDfuEntry(t *testing.T) {
	h := newHarness(t)
	h.probe(testDevice)
	h.armed(testDevice)

	assert.Equal(t, "XB", h.radio.payloads()[len(h.radio.payloads())-1])
	assert.Zero(t, h.c.session.Registry.Len())
	assert.False(t, h.c.session.Queued(testDevice))
	require.NotNil(t, h.c.active)
	assert.Equal(t, PhaseAwaitingDfuEntry, h.c.active.dev.State().Phase)
	assert.Equal(t, TimeoutDfuEntry, h.c.gov.Armed())
	assert.Equal(t, "Placing in DFU mode... \n(this may take up to 45 seconds)", h.pres.lastStatus(t).Message)

	// The device reboots into the bootloader; that link loss is expected.
	h.emit(ble.Event{Kind: ble.EventDisconnected, Peripheral: testDevice})
	assert.NotNil(t, h.c.active)
	assert.Equal(t, TimeoutDfuEntry, h.c.gov.Armed())
}

func TestDfuEntryTimeout(t *testing.T) {
	h := newHarness(t)
	h.probe(testDevice)
	h.armed(testDevice)

	h.advance(44 * time.Second)
	assert.NotNil(t, h.c.active)

	h.advance(time.Second)
	assert.Nil(t, h.c.active)
	s := h.pres.lastStatus(t)
	assert.Equal(t, StatusError, s.Kind)
	assert.ErrorIs(t, s.Err, ErrDfuEntryTimeout)
	assert.Equal(t, statusDfuEntryFailed, s.Message)
	assert.Equal(t, TimeoutNone, h.c.gov.Armed())
	assert.Zero(t, h.c.session.QueueLen())
	assert.Zero(t, h.c.session.IgnoreLen())
	assert.True(t, h.c.Scanning())
	assert.Equal(t, 1, h.radio.count("scan"), "scanning is never interrupted")
}

func TestScenario_PasswordRetryToDfuEntry(t *testing.T) {
	h := newHarness(t)
	h.probeSerial(testDevice, "112233445566")
	h.authenticate(testDevice)
	assert.Equal(t, []string{"U445566"}, h.radio.payloads())

	h.advance(5 * time.Second)
	p := h.pres.lastPrompt(t)
	assert.Equal(t, PromptAuthenticationFailed, p.Kind)
	assert.Equal(t, "445566", p.Placeholder)

	h.decide(ChoiceOK, "445566")
	assert.Equal(t, []string{"U445566", "U445566"}, h.radio.payloads())

	h.advance(2 * time.Second)
	h.value(testDevice, protocol.ResponseCharUUID, "Authenticated")
	assert.Equal(t, []string{"U445566", "U445566", "M", "2", "M", "2", "M", "2"}, h.radio.payloads())

	h.decide(ChoiceUpdate, "")
	assert.Equal(t, []string{"U445566", "U445566", "M", "2", "M", "2", "M", "2", "XB"}, h.radio.payloads())
	_, registered := h.c.session.Registry.Get(testDevice)
	assert.False(t, registered)
	assert.Equal(t, TimeoutDfuEntry, h.c.gov.Armed())
	assert.True(t, h.c.Scanning())
}

func TestFullUpdate(t *testing.T) {
	h := newHarness(t)
	h.probe(testDevice)
	h.armed(testDevice)

	h.discover(testDfu, protocol.UpdateModeName)
	assert.Nil(t, h.c.active)
	assert.Equal(t, TimeoutNone, h.c.gov.Armed(), "update-mode discovery cancels the dfu entry deadline")
	assert.True(t, h.c.session.TransferInProgress())

	p := h.pres.lastPrompt(t)
	assert.Equal(t, PromptUpdateModeFound, p.Kind)
	assert.Equal(t, testDfu, p.Device)
	assert.Equal(t, []Choice{ChoiceUpdate, ChoiceIgnore}, p.Choices)

	h.decide(ChoiceUpdate, "")
	assert.Equal(t, []ble.PeripheralID{testDfu}, h.updater.started)
	assert.False(t, h.c.Scanning())
	h.report(dfu.Event{Kind: dfu.EventState, State: dfu.StateConnecting})
	assert.Equal(t, statusTransferConnecting, h.pres.lastStatus(t).Message)
	assert.Equal(t, TimeoutTransferConnect, h.c.gov.Armed())

	// Further update-mode advertisements are suppressed while transferring.
	prompts := len(h.pres.prompts)
	h.discover(testDevice2, protocol.UpdateModeName)
	assert.Len(t, h.pres.prompts, prompts)

	h.updater.report(dfu.Event{Kind: dfu.EventState, State: dfu.StateUploading})
	h.updater.report(dfu.Event{Kind: dfu.EventProgress, Progress: dfu.Progress{Part: 1, TotalParts: 1, Percent: 40}})
	h.drain()
	s := h.pres.lastStatus(t)
	assert.Equal(t, StatusProgress, s.Kind)
	assert.Equal(t, 40, s.Percent)
	assert.Equal(t, TimeoutTransferStall, h.c.gov.Armed())

	h.updater.report(dfu.Event{Kind: dfu.EventState, State: dfu.StateValidating})
	h.updater.report(dfu.Event{Kind: dfu.EventState, State: dfu.StateCompleted})
	h.drain()

	s = h.pres.lastStatus(t)
	assert.Equal(t, StatusSuccess, s.Kind)
	assert.Equal(t, statusUpdated, s.Message)
	assert.Equal(t, "abcdef000000", s.Firmware)
	assert.Nil(t, h.c.transfer)
	assert.False(t, h.c.session.TransferInProgress())
	assert.True(t, h.c.Scanning())
	assert.Equal(t, TimeoutNone, h.c.gov.Armed())
}

func TestTransfer_StallAborts(t *testing.T) {
	h := newHarness(t)
	h.discover(testDfu, protocol.UpdateModeName)
	h.update()
	h.updater.report(dfu.Event{Kind: dfu.EventProgress, Progress: dfu.Progress{Percent: 10}})
	h.drain()

	h.advance(9 * time.Second)
	h.updater.report(dfu.Event{Kind: dfu.EventProgress, Progress: dfu.Progress{Percent: 20}})
	h.drain()
	h.advance(9 * time.Second)
	assert.Zero(t, h.updater.job.aborts, "progress re-arms the stall deadline")

	h.advance(time.Second)
	assert.Equal(t, 1, h.updater.job.aborts)
	s := h.pres.lastStatus(t)
	assert.ErrorIs(t, s.Err, ErrTransferStalled)
	assert.Equal(t, statusTransferStalled, s.Message)
	assert.False(t, h.c.session.TransferInProgress())
	assert.True(t, h.c.Scanning())

	// The aborted job's final report is stale.
	statuses := len(h.pres.statuses)
	h.updater.report(dfu.Event{Kind: dfu.EventState, State: dfu.StateAborted})
	h.drain()
	assert.Len(t, h.pres.statuses, statuses)
}

func TestTransfer_ConnectTimeout(t *testing.T) {
	h := newHarness(t)
	h.discover(testDfu, protocol.UpdateModeName)
	h.update()

	h.advance(10 * time.Second)
	assert.Equal(t, 1, h.updater.job.aborts)
	s := h.pres.lastStatus(t)
	assert.ErrorIs(t, s.Err, ErrTransferAborted)
	assert.ErrorIs(t, s.Err, ErrConnectionTimeout)
	assert.Equal(t, statusTransferConnectFail, s.Message)
}

func TestTransfer_AbortedReportsFailure(t *testing.T) {
	h := newHarness(t)
	h.discover(testDfu, protocol.UpdateModeName)
	h.update()
	h.updater.report(dfu.Event{Kind: dfu.EventState, State: dfu.StateAborted})
	h.drain()

	s := h.pres.lastStatus(t)
	assert.ErrorIs(t, s.Err, ErrTransferAborted)
	assert.Equal(t, statusUpdateFailed, s.Message)
	assert.Nil(t, h.c.transfer)
	assert.False(t, h.c.session.Ignored(testDfu))

	// The same peripheral may be offered again.
	h.discover(testDfu, protocol.UpdateModeName)
	assert.Equal(t, PromptUpdateModeFound, h.pres.lastPrompt(t).Kind)
}

func TestTransfer_StartFailure(t *testing.T) {
	h := newHarness(t)
	h.updater.startErr = errors.New("nrfutil: not found")
	h.discover(testDfu, protocol.UpdateModeName)
	h.decide(ChoiceUpdate, "")

	s := h.pres.lastStatus(t)
	assert.ErrorIs(t, s.Err, ErrTransferAborted)
	assert.Nil(t, h.c.transfer)
	assert.False(t, h.c.session.TransferInProgress())
	assert.True(t, h.c.Scanning())
}

func TestTransfer_NoPackage(t *testing.T) {
	h := newHarness(t)
	h.c.pkg = nil
	h.discover(testDfu, protocol.UpdateModeName)
	h.decide(ChoiceUpdate, "")

	assert.Empty(t, h.updater.started)
	assert.Equal(t, statusNoFirmware, h.pres.lastStatus(t).Message)
	assert.False(t, h.c.session.TransferInProgress())
}

func TestUpdateMode_IgnoreThenRescan(t *testing.T) {
	h := newHarness(t)
	h.discover(testDfu, protocol.UpdateModeName)
	h.discover(testDfu, protocol.UpdateModeName)
	require.Len(t, h.pres.prompts, 1, "one prompt while it is pending")

	h.decide(ChoiceIgnore, "")
	assert.True(t, h.c.session.Ignored(testDfu))
	assert.False(t, h.c.session.TransferInProgress())

	h.discover(testDfu, protocol.UpdateModeName)
	assert.Len(t, h.pres.prompts, 1, "ignored peripheral is not offered again")

	h.c.rescan()
	h.drain()
	assert.False(t, h.c.session.Ignored(testDfu))
	h.discover(testDfu, protocol.UpdateModeName)
	assert.Len(t, h.pres.prompts, 2)
}

func TestUpdateMode_SuppressedDuringAuthentication(t *testing.T) {
	h := newHarness(t)
	h.probe(testDevice)
	h.authenticate(testDevice)

	h.discover(testDfu, protocol.UpdateModeName)
	assert.Empty(t, h.pres.prompts)
	assert.Equal(t, TimeoutAuthenticate, h.c.gov.Armed())
	assert.False(t, h.c.session.TransferInProgress())
}

func TestConnectTimeout(t *testing.T) {
	h := newHarness(t)
	h.probe(testDevice)
	h.c.selectDevice(testDevice)
	h.drain()
	assert.Equal(t, statusConnecting, h.pres.lastStatus(t).Message)
	assert.Equal(t, TimeoutConnect, h.c.gov.Armed())

	h.advance(10 * time.Second)
	s := h.pres.lastStatus(t)
	assert.ErrorIs(t, s.Err, ErrConnectionTimeout)
	assert.Equal(t, statusConnectFailed, s.Message)
	assert.Nil(t, h.c.active)
	assert.False(t, h.c.session.Queued(testDevice))
}

func TestConnectFailedDuringSession(t *testing.T) {
	h := newHarness(t)
	h.probe(testDevice)
	h.c.selectDevice(testDevice)
	h.drain()
	h.emit(ble.Event{Kind: ble.EventConnectFailed, Peripheral: testDevice, Err: errors.New("le-connection-abort")})

	assert.ErrorIs(t, h.pres.lastStatus(t).Err, ErrConnectionTimeout)
	assert.Nil(t, h.c.active)
	assert.Equal(t, TimeoutNone, h.c.gov.Armed())
}

func TestConnectionLost_FailsSessionAndResets(t *testing.T) {
	h := newHarness(t)
	h.probe(testDevice)
	h.probe(testDevice2)
	h.authenticate(testDevice)
	epoch := h.c.session.Epoch

	h.emit(ble.Event{Kind: ble.EventDisconnected, Peripheral: testDevice})

	assert.Nil(t, h.c.active)
	assert.ErrorIs(t, h.pres.lastStatus(t).Err, ErrConnectionLost)
	assert.NotEqual(t, epoch, h.c.session.Epoch)
	assert.Zero(t, h.c.session.Registry.Len())
	assert.Empty(t, h.pres.devices)
	assert.Equal(t, TimeoutNone, h.c.gov.Armed())
	assert.True(t, h.c.Scanning())
}

func TestDismiss(t *testing.T) {
	h := newHarness(t)
	h.probe(testDevice)
	h.probe(testDevice2)

	h.c.dismissDevice(testDevice)
	assert.Equal(t, 1, h.c.session.Registry.Len())
	_, ok := h.pres.view(testDevice)
	assert.False(t, ok)

	h.authenticate(testDevice2)
	h.c.dismissDevice(testDevice2)
	assert.ErrorIs(t, h.pres.lastStatus(t).Err, ErrSessionBusy)
	assert.Equal(t, 1, h.c.session.Registry.Len())

	h.c.dismissDevice("nope")
	assert.ErrorIs(t, h.pres.lastStatus(t).Err, ErrUnknownDevice)
}

func TestRescan_CancelsActiveSession(t *testing.T) {
	h := newHarness(t)
	h.probe(testDevice)
	h.authenticate(testDevice)
	h.advance(5 * time.Second)
	pw := h.pres.lastPrompt(t)

	h.c.rescan()
	h.drain()

	assert.Nil(t, h.c.active)
	assert.Contains(t, h.pres.withdrawn, pw.ID)
	assert.Zero(t, h.c.session.Registry.Len())
	assert.Zero(t, h.c.session.QueueLen())
	assert.ErrorIs(t, h.pres.statuses[len(h.pres.statuses)-1].Err, ErrCancelled)
	assert.Equal(t, 2, h.radio.count("scan"))
}

func TestRescan_KeepsRunningTransfer(t *testing.T) {
	h := newHarness(t)
	h.discover(testDfu, protocol.UpdateModeName)
	h.update()

	h.c.rescan()
	h.drain()

	assert.NotNil(t, h.c.transfer)
	assert.True(t, h.c.session.TransferInProgress())
	assert.False(t, h.c.Scanning())
	assert.Zero(t, h.updater.job.aborts)
}

func TestDecide_RejectsStaleAndInvalid(t *testing.T) {
	h := newHarness(t)
	h.discover(testDfu, protocol.UpdateModeName)
	p := h.pres.lastPrompt(t)

	h.c.decide(Decision{PromptID: p.ID, Choice: ChoiceReset})
	h.drain()
	assert.True(t, h.c.session.TransferInProgress(), "choice outside the prompt is ignored")

	h.c.decide(Decision{PromptID: p.ID + 100, Choice: ChoiceIgnore})
	h.drain()
	assert.False(t, h.c.session.Ignored(testDfu))

	h.c.decide(Decision{PromptID: p.ID, Choice: ChoiceIgnore})
	h.drain()
	assert.True(t, h.c.session.Ignored(testDfu))

	h.c.decide(Decision{PromptID: p.ID, Choice: ChoiceUpdate})
	h.drain()
	assert.Empty(t, h.updater.started, "answered prompt cannot be answered twice")
}

func TestDecide_WithdrawsAnsweredPrompt(t *testing.T) {
	h := newHarness(t)
	h.discover(testDfu, protocol.UpdateModeName)
	found := h.pres.lastPrompt(t)

	h.probe(testDevice)
	h.authenticate(testDevice)
	h.value(testDevice, protocol.ResponseCharUUID, "Authenticated")
	pre := h.pres.lastPrompt(t)
	require.Equal(t, PromptPreTrigger, pre.Kind)

	h.decide(ChoiceCancel, "")
	assert.Equal(t, []uint64{pre.ID}, h.pres.withdrawn)
	assert.NotContains(t, h.c.prompts, pre.ID)
	assert.Contains(t, h.c.prompts, found.ID, "the earlier prompt stays open")

	h.c.decide(Decision{PromptID: found.ID, Choice: ChoiceIgnore})
	h.drain()
	assert.Equal(t, []uint64{pre.ID, found.ID}, h.pres.withdrawn)
	assert.Empty(t, h.c.prompts)
	assert.False(t, h.c.session.TransferInProgress())
}

func TestDiscovery_DroppedWhileInboxFull(t *testing.T) {
	h := newHarness(t)
	for len(h.c.inbox) < cap(h.c.inbox) {
		h.c.inbox <- func() {}
	}
	h.radio.mu.Lock()
	handler := h.radio.handler
	h.radio.mu.Unlock()

	returned := make(chan struct{})
	go func() {
		handler(ble.Event{Kind: ble.EventDiscovered, Peripheral: testDevice, Name: protocol.DeviceName})
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("advertisement blocked on a full inbox")
	}

	h.drain()
	assert.Zero(t, h.c.session.Registry.Len())
	h.discover(testDevice, protocol.DeviceName)
	assert.Equal(t, 1, h.c.session.Registry.Len(), "the repeated advertisement registers the device")
}

func TestNotifyEnableFailureFailsSession(t *testing.T) {
	h := newHarness(t)
	h.probe(testDevice)
	h.authenticate(testDevice)

	h.emit(ble.Event{Kind: ble.EventNotifyEnabled, Peripheral: testDevice,
		Characteristic: protocol.ResponseCharUUID, Err: errors.New("gatt: insufficient authorization")})

	assert.Nil(t, h.c.active)
	s := h.pres.lastStatus(t)
	assert.ErrorIs(t, s.Err, ErrDiscoveryFailed)
	assert.Equal(t, statusDiscoveryFailed, s.Message)
	assert.Equal(t, TimeoutNone, h.c.gov.Armed())
}
