package present

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/chaz8081/axle-updater/internal/updater"
	"github.com/chzyer/readline"
)

// Terminal is an interactive command prompt. Controller output is printed
// through readline so it does not clobber the line being edited.
type Terminal struct {
	rl  *readline.Instance
	out io.Writer

	mu      sync.Mutex
	devices []updater.DeviceView
	prompts []updater.Prompt // open prompts, oldest first
}

// NewTerminal creates a terminal reading from stdin.
func NewTerminal() (*Terminal, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "axle> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return nil, fmt.Errorf("present: create readline: %w", err)
	}
	t := newTerminal(rl.Stdout())
	t.rl = rl
	return t, nil
}

func newTerminal(out io.Writer) *Terminal {
	return &Terminal{out: out}
}

// Stdout returns a writer that coordinates with the input line. Use it for
// log output.
func (t *Terminal) Stdout() io.Writer {
	return t.out
}

// Close restores the terminal.
func (t *Terminal) Close() error {
	if t.rl == nil {
		return nil
	}
	return t.rl.Close()
}

// Run reads commands until ctx is done or the user quits, then calls cancel.
func (t *Terminal) Run(ctx context.Context, cancel context.CancelFunc, ctrl Commander) {
	t.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := t.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			fmt.Fprintln(t.out, "Exiting...")
			cancel()
			return
		}
		if !t.Execute(ctrl, line) {
			fmt.Fprintln(t.out, "Exiting...")
			cancel()
			return
		}
	}
}

// Execute runs one command line. It returns false when the user quits.
func (t *Terminal) Execute(ctrl Commander, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return true
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		t.printHelp()
	case "list", "ls", "l":
		t.printDevices()
	case "select", "s":
		if dev, ok := t.deviceArg(args); ok {
			ctrl.Select(dev.ID)
		}
	case "dismiss", "d":
		if dev, ok := t.deviceArg(args); ok {
			ctrl.Dismiss(dev.ID)
		}
	case "rescan", "r":
		ctrl.Rescan()
	case "update", "ignore", "reset", "cancel":
		t.answer(ctrl, updater.Choice(cmd), "")
	case "ok":
		t.answer(ctrl, updater.ChoiceOK, strings.Join(args, " "))
	case "pass", "password":
		if len(args) == 0 {
			fmt.Fprintln(t.out, "Usage: pass <password>")
			return true
		}
		t.answer(ctrl, updater.ChoiceOK, strings.Join(args, " "))
	case "quit", "exit", "q":
		return false
	default:
		fmt.Fprintf(t.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return true
}

func (t *Terminal) deviceArg(args []string) (updater.DeviceView, bool) {
	if len(args) != 1 {
		fmt.Fprintln(t.out, "Usage: select|dismiss <number>  (see 'list')")
		return updater.DeviceView{}, false
	}
	n, err := strconv.Atoi(args[0])

	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil || n < 1 || n > len(t.devices) {
		fmt.Fprintf(t.out, "No device %q\n", args[0])
		return updater.DeviceView{}, false
	}
	return t.devices[n-1], true
}

// answer replies to the most recent open prompt. The prompt is closed
// locally so the next answer goes to the one opened before it.
func (t *Terminal) answer(ctrl Commander, c updater.Choice, text string) {
	t.mu.Lock()
	if len(t.prompts) == 0 {
		t.mu.Unlock()
		fmt.Fprintln(t.out, "Nothing to answer.")
		return
	}
	p := t.prompts[len(t.prompts)-1]
	if !p.Allows(c) {
		t.mu.Unlock()
		fmt.Fprintf(t.out, "Choose one of: %s\n", choiceList(p))
		return
	}
	t.prompts = t.prompts[:len(t.prompts)-1]
	t.mu.Unlock()

	ctrl.Decide(updater.Decision{PromptID: p.ID, Choice: c, Text: text})
}

func (t *Terminal) Prompt(p updater.Prompt) {
	t.mu.Lock()
	t.prompts = append(t.prompts, p)
	t.mu.Unlock()

	fmt.Fprintf(t.out, "\n*** %s ***\n%s\n", p.Title, p.Message)
	if p.TextInput {
		fmt.Fprintf(t.out, "Enter 'pass <password>' (default credential %s) or one of: %s\n", p.Placeholder, choiceList(p))
		return
	}
	fmt.Fprintf(t.out, "Enter one of: %s\n", choiceList(p))
}

func (t *Terminal) Withdraw(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prompts = slices.DeleteFunc(t.prompts, func(p updater.Prompt) bool { return p.ID == id })
}

func (t *Terminal) Status(s updater.Status) {
	fw := ""
	if s.Firmware != "" {
		fw = " [firmware " + s.Firmware + "]"
	}
	switch s.Kind {
	case updater.StatusIdle:
		return
	case updater.StatusProgress:
		if s.Percent > 0 {
			fmt.Fprintf(t.out, "[progress] %s %d%%%s\n", s.Message, s.Percent, fw)
			return
		}
	case updater.StatusError:
		if s.Err != nil {
			fmt.Fprintf(t.out, "[error] %s (%v)%s\n", s.Message, s.Err, fw)
			return
		}
	}
	fmt.Fprintf(t.out, "[%s] %s%s\n", s.Kind, s.Message, fw)
}

// Devices prints the list whenever it changes.
func (t *Terminal) Devices(devices []updater.DeviceView) {
	t.mu.Lock()
	changed := !slices.Equal(t.devices, devices)
	t.devices = slices.Clone(devices)
	t.mu.Unlock()

	if changed {
		t.printDevices()
	}
}

func (t *Terminal) printDevices() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.devices) == 0 {
		fmt.Fprintln(t.out, "No devices found yet.")
		return
	}
	fmt.Fprintf(t.out, "Devices (%d):\n", len(t.devices))
	for i, d := range t.devices {
		serial, version := d.Serial, d.Version
		if serial == "" {
			serial = "-"
		}
		if version == "" {
			version = "-"
		}
		fmt.Fprintf(t.out, "  [%d] %-10s serial %-14s fw %-6s %s\n", i+1, d.Name, serial, version, d.State)
	}
}

func (t *Terminal) printHelp() {
	fmt.Fprintln(t.out, `
Commands:
  list              Show discovered devices
  select <n>        Authenticate device n and put it in update mode
  dismiss <n>       Forget device n
  rescan            Clear everything and scan again
  update | ignore   Answer an update prompt
  pass <password>   Retry authentication with a password
  reset | cancel    Factory reset the device, or cancel the update
  help              Show this help
  quit              Exit`)
}

func choiceList(p updater.Prompt) string {
	names := make([]string, len(p.Choices))
	for i, c := range p.Choices {
		names[i] = string(c)
	}
	return strings.Join(names, " | ")
}
