package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chaz8081/axle-updater/internal/ble"
	"github.com/chaz8081/axle-updater/internal/config"
	"github.com/chaz8081/axle-updater/internal/dfu"
	"github.com/chaz8081/axle-updater/internal/journal"
	"github.com/chaz8081/axle-updater/internal/present"
	"github.com/chaz8081/axle-updater/internal/updater"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/axle-updater/config.yaml)")
	writeConfig := flag.Bool("write-config", false, "write the default config file and exit")
	dumpJournal := flag.String("dump-journal", "", "print a protocol journal file and exit")
	flag.Parse()

	if *writeConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
			return
		}
		fmt.Printf("Wrote %s\n", path)
		return
	}

	if *dumpJournal != "" {
		if err := printJournal(os.Stdout, *dumpJournal); err != nil {
			log.Fatalf("journal: %v", err)
		}
		return
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	printBanner(cfg)

	// Route logs through readline when the terminal is interactive
	var presenters []updater.Presenter
	var term *present.Terminal
	logOut := io.Writer(os.Stderr)
	if cfg.Presenter.Terminal {
		term, err = present.NewTerminal()
		if err != nil {
			log.Fatalf("Failed to start terminal: %v", err)
		}
		defer term.Close()
		logOut = term.Stdout()
		log.SetOutput(logOut)
		presenters = append(presenters, term)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	var hub *present.Hub
	if cfg.Presenter.WebsocketAddr != "" {
		hub = present.NewHub()
		presenters = append(presenters, hub)
	}

	// Firmware package and transfer tool
	pkg, err := dfu.LoadPackage(cfg.Firmware.Package)
	if err != nil {
		log.Printf("WARNING: %v\nDevices can be put in update mode, but no transfer will start.", err)
	} else {
		log.Printf("Firmware package loaded: %d image(s), %d bytes, blake2b %s",
			len(pkg.Images), pkg.Size, pkg.ShortDigest())
	}
	transferTool, err := dfu.NewExecUpdater(cfg.Firmware.Command)
	if err != nil {
		log.Fatalf("Failed to configure transfer tool: %v", err)
	}

	opts := updater.Options{
		Radio:     ble.NewTinyGoRadio(),
		Presenter: present.Combine(presenters...),
		Updater:   transferTool,
		Package:   pkg,
		Timeouts:  cfg.Timeouts,
	}

	if cfg.JournalPath != "" {
		jr, err := journal.Open(cfg.JournalPath)
		if err != nil {
			log.Fatalf("Failed to open journal: %v", err)
		}
		defer jr.Close()
		opts.Journal = jr
		log.Printf("Recording protocol journal to %s", cfg.JournalPath)
	}

	ctrl, err := updater.New(opts)
	if err != nil {
		log.Fatalf("Failed to create updater: %v", err)
	}

	// Signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if hub != nil {
		hub.Bind(ctrl)
		srv := serveHub(hub, cfg.Presenter.WebsocketAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if term != nil {
		go term.Run(ctx, stop, ctrl)
	}

	log.Println("Scanning for AxLE devices. Ctrl+C to quit.")
	if err := ctrl.Run(ctx); err != nil {
		log.Printf("ERROR: %v\n\nEnsure Bluetooth is powered on and this program may use it.", err)
		return
	}
	log.Println("Goodbye!")
}

// serveHub starts the websocket endpoint in the background.
func serveHub(hub *present.Hub, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("ERROR: websocket server: %v", err)
		}
	}()
	log.Printf("Websocket hub listening on ws://%s/ws", addr)
	return srv
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

// printJournal writes one line per recorded command or response.
func printJournal(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	entries, err := journal.ReadAll(f)
	for _, e := range entries {
		epoch := e.Epoch
		if len(epoch) > 8 {
			epoch = epoch[:8]
		}
		fmt.Fprintf(w, "%s %s %s %s %q\n", e.Time.Format(time.RFC3339Nano), epoch, e.Peripheral, e.Direction, e.Data)
	}
	return err
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	ws := cfg.Presenter.WebsocketAddr
	if ws == "" {
		ws = "off"
	}
	fmt.Println("=== axle-updater ===")
	fmt.Printf("  Firmware: %s\n", cfg.Firmware.Package)
	fmt.Printf("  Transfer: %s\n", strings.Join(cfg.Firmware.Command, " "))
	fmt.Printf("  Timeouts: connect %s, auth %s, dfu entry %s, stall %s\n",
		cfg.Timeouts.Connect, cfg.Timeouts.Authenticate, cfg.Timeouts.DfuEntry, cfg.Timeouts.TransferStall)
	fmt.Printf("  Web UI:   %s\n", ws)
	fmt.Printf("  Log:      %s\n", cfg.LogLevel)
	fmt.Println("====================")
}
