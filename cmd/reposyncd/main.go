// Package main is the entry point for the reposync daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dshills/reposync/internal/config"
	"github.com/dshills/reposync/internal/event"
	"github.com/dshills/reposync/internal/gitstore"
	"github.com/dshills/reposync/internal/peer"
	"github.com/dshills/reposync/internal/scanner"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath  string
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "", "Path to configuration file (YAML or TOML)")
	flag.StringVar(&configPath, "c", "", "Path to configuration file (shorthand)")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	root := flag.String("root", "", "Workspace root to scan (overrides config)")
	mode := flag.String("mode", "", "Topology role: local, host, viewer or relay (overrides config)")
	flag.Parse()

	if showVersion {
		fmt.Printf("reposyncd %s (%s)\n", version, commit)
		return 0
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if *root != "" {
		cfg.WorkspaceRoot = *root
	}
	if *mode != "" {
		cfg.Mode = config.Mode(*mode)
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
	}

	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		log.Info("shutting down")
		cancel()
	}()

	if err := serve(ctx, cfg, log); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// serve wires the store, scanner and peers for the configured topology and
// runs until the context is cancelled.
func serve(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	bus := event.NewBus(log)
	defer bus.Close()

	opts := []gitstore.Option{
		gitstore.WithLogger(log),
		gitstore.WithEventPublisher(bus),
		gitstore.WithGitEnv(cfg.GitEnv),
	}

	var client *peer.Client
	if cfg.HasUpstream() {
		client = peer.NewClient(cfg.Upstream, log)
		opts = append(opts, gitstore.WithUpstream(client))
	}

	store := gitstore.NewStore(ctx, opts...)
	defer store.Close()

	var server *peer.Server
	if cfg.HasDownstream() {
		server = peer.NewServer(store, cfg.Listen, log)
		store.SetDownstream(server)
	}

	if client != nil {
		client.Bind(store)
		if err := client.Connect(ctx); err != nil {
			return err
		}
		defer client.Close()
	}
	if server != nil {
		if err := server.Start(ctx); err != nil {
			return err
		}
		defer server.Stop()
	}

	// Viewer nodes hold no local repositories; everything arrives from
	// the upstream replication stream.
	var sc *scanner.Scanner
	if cfg.Mode != config.ModeViewer {
		var err error
		sc, err = scanner.New(cfg.WorkspaceRoot,
			scanner.WithLogger(log),
			scanner.WithDebounce(cfg.Debounce),
		)
		if err != nil {
			return err
		}
		if err := sc.Start(ctx); err != nil {
			return err
		}
		defer sc.Close()
	}

	log.Info("reposyncd started",
		"mode", cfg.Mode,
		"workspace", cfg.WorkspaceRoot,
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-scanEvents(sc):
			if !ok {
				return nil
			}
			store.ApplyScanEvent(ev)
		case err, ok := <-scanErrors(sc):
			if ok && err != nil {
				log.Warn("scanner error", "error", err)
			}
		}
	}
}

// scanEvents returns the scanner's event channel, or nil (never ready) for
// viewer nodes without a scanner.
func scanEvents(sc *scanner.Scanner) <-chan scanner.ScanEvent {
	if sc == nil {
		return nil
	}
	return sc.Events()
}

func scanErrors(sc *scanner.Scanner) <-chan error {
	if sc == nil {
		return nil
	}
	return sc.Errors()
}

// newLogger builds the process logger at the configured level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
