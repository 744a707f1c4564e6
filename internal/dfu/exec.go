package dfu

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chaz8081/axle-updater/internal/ble"
)

// Placeholders substituted into the command line.
const (
	packageArg = "{package}"
	targetArg  = "{target}"
)

var percentRe = regexp.MustCompile(`(\d{1,3})\s*%`)

// ExecUpdater performs transfers by running an external DFU tool such as
// nrfutil. Progress is scraped from the tool's output.
type ExecUpdater struct {
	command []string
	now     func() time.Time
}

// NewExecUpdater creates an updater running command, an argv template in
// which {package} and {target} are replaced per transfer.
func NewExecUpdater(command []string) (*ExecUpdater, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("dfu: empty transfer command")
	}
	return &ExecUpdater{command: command, now: time.Now}, nil
}

// Compile-time check that ExecUpdater implements Updater.
var _ Updater = (*ExecUpdater)(nil)

func (u *ExecUpdater) Start(target ble.PeripheralID, pkg *Package, report func(Event)) (Job, error) {
	args := make([]string, len(u.command))
	for i, a := range u.command {
		a = strings.ReplaceAll(a, packageArg, pkg.Path)
		args[i] = strings.ReplaceAll(a, targetArg, string(target))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // argv comes from the user's config
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("dfu: stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("dfu: starting %s: %w", args[0], err)
	}
	slog.Info("[DFU] transfer started", "tool", args[0], "target", target, "pid", cmd.Process.Pid)

	job := &execJob{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(job.done)
		report(Event{Kind: EventState, State: StateConnecting})
		u.scan(stdout, pkg, report)
		err := cmd.Wait()
		if err != nil {
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				report(Event{Kind: EventLog, Message: msg, Err: err})
			}
			report(Event{Kind: EventState, State: StateAborted})
			return
		}
		report(Event{Kind: EventState, State: StateCompleted})
	}()
	return job, nil
}

// scan reads tool output until EOF, turning percentages into progress.
func (u *ExecUpdater) scan(r io.Reader, pkg *Package, report func(Event)) {
	tracker := newSpeedTracker(pkg, u.now())
	uploading := false

	sc := bufio.NewScanner(r)
	sc.Split(scanLinesOrCR)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		m := percentRe.FindStringSubmatch(line)
		if m == nil {
			report(Event{Kind: EventLog, Message: line})
			continue
		}
		pct, _ := strconv.Atoi(m[1])
		if pct > 100 {
			pct = 100
		}
		if !uploading {
			uploading = true
			report(Event{Kind: EventState, State: StateUploading})
		}
		report(Event{Kind: EventProgress, Progress: tracker.update(pct, u.now())})
	}
}

// speedTracker derives throughput from percentages of the package size.
type speedTracker struct {
	total     int64
	parts     int
	started   time.Time
	lastAt    time.Time
	lastBytes int64
}

func newSpeedTracker(pkg *Package, now time.Time) *speedTracker {
	return &speedTracker{total: pkg.Size, parts: len(pkg.Images), started: now, lastAt: now}
}

func (t *speedTracker) update(pct int, now time.Time) Progress {
	sent := t.total * int64(pct) / 100
	p := Progress{Part: 1, TotalParts: t.parts, Percent: pct}
	if dt := now.Sub(t.lastAt).Seconds(); dt > 0 {
		p.CurrentSpeed = float64(sent-t.lastBytes) / dt
	}
	if dt := now.Sub(t.started).Seconds(); dt > 0 {
		p.AvgSpeed = float64(sent) / dt
	}
	t.lastAt, t.lastBytes = now, sent
	return p
}

// scanLinesOrCR splits on \n or \r so carriage-return progress bars yield
// one token per redraw.
func scanLinesOrCR(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

type execJob struct {
	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

func (j *execJob) Abort() error {
	j.once.Do(j.cancel)
	return nil
}

// wait blocks until the tool has exited and its final state was reported.
func (j *execJob) wait() {
	<-j.done
}
