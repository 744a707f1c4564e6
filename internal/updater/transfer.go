package updater

import (
	"fmt"
	"log/slog"

	"github.com/chaz8081/axle-updater/internal/ble"
	"github.com/chaz8081/axle-updater/internal/dfu"
)

// transfer is the firmware upload to one update-mode peripheral. At most one
// runs at a time.
type transfer struct {
	target ble.PeripheralID
	job    dfu.Job
}

func (c *Controller) startTransfer(target ble.PeripheralID) {
	if c.updater == nil || c.pkg == nil {
		slog.Error("[DFU] no firmware package loaded", "target", target)
		c.status(Status{Kind: StatusError, Message: statusNoFirmware, Err: ErrTransferAborted})
		c.finishTransfer(target)
		return
	}

	// The transfer tool needs the radio to itself.
	c.stopScan()

	t := &transfer{target: target}
	c.transfer = t
	slog.Info("[DFU] starting transfer", "target", target, "package", c.pkg.Path, "digest", c.pkg.DigestHex())
	job, err := c.updater.Start(target, c.pkg, func(ev dfu.Event) {
		c.post(func() { c.onTransferEvent(t, ev) })
	})
	if err != nil {
		slog.Error("[DFU] start failed", "target", target, "error", err)
		c.transfer = nil
		c.gov.Cancel()
		c.transferStatus(Status{Kind: StatusError, Message: statusUpdateFailed, Err: fmt.Errorf("%w: %v", ErrTransferAborted, err)})
		c.finishTransfer(target)
		return
	}
	t.job = job
}

func (c *Controller) onTransferEvent(t *transfer, ev dfu.Event) {
	if c.transfer != t {
		return
	}

	switch ev.Kind {
	case dfu.EventLog:
		if ev.Err != nil {
			slog.Warn("[DFU] "+ev.Message, "target", t.target, "error", ev.Err)
		} else {
			slog.Debug("[DFU] "+ev.Message, "target", t.target)
		}
	case dfu.EventProgress:
		p := ev.Progress
		c.transferStatus(Status{Kind: StatusProgress, Message: statusUploading, Percent: p.Percent})
		c.gov.Arm(TimeoutTransferStall, c.timeouts.TransferStall, c.onTransferStalled)
		slog.Debug("[DFU] progress", "part", p.Part, "parts", p.TotalParts, "percent", p.Percent,
			"speed", p.CurrentSpeed, "avg_speed", p.AvgSpeed)
	case dfu.EventState:
		c.onTransferState(t, ev.State)
	}
}

func (c *Controller) onTransferState(t *transfer, s dfu.State) {
	slog.Info("[DFU] state", "target", t.target, "state", s)
	switch s {
	case dfu.StateConnecting:
		c.transferStatus(Status{Kind: StatusBusy, Message: statusTransferConnecting})
		c.gov.Arm(TimeoutTransferConnect, c.timeouts.TransferConnect, c.onTransferConnectTimeout)
	case dfu.StateStarting, dfu.StateEnablingDfuMode:
		c.transferStatus(Status{Kind: StatusBusy, Message: statusTransferConnecting})
	case dfu.StateUploading:
		c.gov.Cancel()
		c.transferStatus(Status{Kind: StatusProgress, Message: statusUploading})
	case dfu.StateValidating:
		c.gov.Cancel()
		c.transferStatus(Status{Kind: StatusBusy, Message: statusValidating})
	case dfu.StateDisconnecting:
		c.gov.Cancel()
		c.transferStatus(Status{Kind: StatusBusy, Message: statusDisconnecting})
	case dfu.StateCompleted:
		c.gov.Cancel()
		c.transfer = nil
		c.transferStatus(Status{Kind: StatusSuccess, Message: statusUpdated})
		c.finishTransfer(t.target)
	case dfu.StateAborted:
		c.gov.Cancel()
		c.transfer = nil
		c.transferStatus(Status{Kind: StatusError, Message: statusUpdateFailed, Err: ErrTransferAborted})
		c.finishTransfer(t.target)
	}
}

func (c *Controller) onTransferStalled() {
	c.abortTransfer(ErrTransferStalled, statusTransferStalled)
}

func (c *Controller) onTransferConnectTimeout() {
	c.abortTransfer(fmt.Errorf("%w: %w", ErrTransferAborted, ErrConnectionTimeout), statusTransferConnectFail)
}

// abortTransfer stops the running job and reports reason. Events the job
// still emits afterwards are discarded.
func (c *Controller) abortTransfer(reason error, message string) {
	t := c.transfer
	if t == nil {
		return
	}
	slog.Warn("[DFU] aborting transfer", "target", t.target, "reason", reason)
	c.transfer = nil
	if t.job != nil {
		if err := t.job.Abort(); err != nil {
			slog.Warn("[DFU] abort failed", "target", t.target, "error", err)
		}
	}
	c.transferStatus(Status{Kind: StatusError, Message: message, Err: reason})
	c.finishTransfer(t.target)
}

// transferStatus reports s tagged with the firmware being transferred.
func (c *Controller) transferStatus(s Status) {
	s.Firmware = c.pkg.ShortDigest()
	c.status(s)
}

// finishTransfer reopens the epoch for update-mode prompts. The target
// leaves DfuQueue and DfuIgnore, so the same peripheral may be offered again
// if it is still advertising.
func (c *Controller) finishTransfer(target ble.PeripheralID) {
	c.session.transferInProgress = false
	c.session.updateTarget = ""
	c.session.Dequeue(target)
	c.session.Unignore(target)
	c.startScan()
}
