package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/otelgate/internal/duckdb"
	"github.com/tinytelemetry/otelgate/internal/grpcserver"
	"github.com/tinytelemetry/otelgate/internal/httpserver"
	"github.com/tinytelemetry/otelgate/internal/journal"
	"github.com/tinytelemetry/otelgate/internal/logging"
	"github.com/tinytelemetry/otelgate/internal/metrics"
	"github.com/tinytelemetry/otelgate/internal/model"
	"github.com/tinytelemetry/otelgate/internal/sink"
	"github.com/tinytelemetry/otelgate/internal/wsserver"
)

const statusInterval = time.Minute

// runServer starts the gateway and blocks until SIGINT or SIGTERM.
func runServer(cfg appConfig) error {
	cleanupLogger := logging.ConfigureRuntime(cfg.LogDir, cfg.LogLevel)
	defer cleanupLogger()

	m := metrics.New()

	// Storage is optional; without it the read API serves health and sessions only.
	var (
		store        *duckdb.Store
		insertBuffer *duckdb.InsertBuffer
		err          error
	)
	if cfg.StoreEnabled {
		store, err = duckdb.NewStore(cfg.DBPath, cfg.QueryTimeout)
		if err != nil {
			return fmt.Errorf("failed to initialize DuckDB: %w", err)
		}
		defer store.Close()

		// Open local ingest journal for crash-safe replay and durable buffering.
		var ingestJournal *journal.Journal
		if cfg.JournalEnabled {
			ingestJournal, err = journal.Open(cfg.JournalPath)
			if err != nil {
				return fmt.Errorf("failed to open ingest journal: %w", err)
			}
		}

		bufConf := duckdb.InsertBufferConfig{
			BatchSize:      cfg.InsertBatchSize,
			FlushInterval:  cfg.InsertFlushInterval,
			FlushQueueSize: cfg.InsertFlushQueue,
			Metrics:        m,
		}
		if ingestJournal != nil {
			bufConf.Journal = ingestJournal
		}
		insertBuffer = duckdb.NewInsertBuffer(store, bufConf)
		defer insertBuffer.Stop()

		if ingestJournal != nil {
			if err := replayUncommittedJournal(ingestJournal, insertBuffer); err != nil {
				return fmt.Errorf("failed to replay ingest journal: %w", err)
			}
		}

		// Start retention cleaner for automatic record expiry
		retentionCleaner := duckdb.NewRetentionCleaner(store, duckdb.RetentionConfig{
			RetentionDays: cfg.RetentionDays,
		})
		defer retentionCleaner.Stop()
	}

	pluginCfg := SinkPluginConfig{
		ConsoleEnabled: cfg.ConsoleEnabled,
		ConsoleVerbose: cfg.ConsoleVerbose,
		ConsoleOut:     os.Stdout,
		NATSEnabled:    cfg.NATSEnabled,
		NATS: sink.NATSConfig{
			URL:           cfg.NATSURL,
			SubjectPrefix: cfg.NATSSubjectPrefix,
		},
	}
	if insertBuffer != nil {
		pluginCfg.Store = insertBuffer
	}
	downstream, sinkNames, closers := composeSinks(buildSinkPlugins(pluginCfg))
	defer closeAll(closers)

	policy, _ := sink.ParsePolicy(cfg.SinkPolicy)
	queue := sink.NewQueue(downstream, sink.QueueConfig{
		Size:         cfg.SinkQueueSize,
		Policy:       policy,
		BlockTimeout: cfg.SinkBlockTimeout,
		Metrics:      m,
	})
	defer queue.Close()

	wsServer := wsserver.NewServer(cfg.WSAddr, queue, wsserver.ServerConfig{
		Path:                cfg.WSPath,
		MaxSessions:         cfg.MaxSessions,
		ReadLimit:           cfg.ReadLimit,
		IdleTimeout:         cfg.IdleTimeout,
		EnableCompression:   cfg.WSCompression,
		MaxDecompressedSize: cfg.MaxDecompressedSize,
		Metrics:             m,
	})
	if err := wsServer.Start(); err != nil {
		return fmt.Errorf("failed to start WebSocket server: %w", err)
	}
	defer stopLogged("wsserver", wsServer.Stop)

	if cfg.GRPCEnabled {
		grpcServer := grpcserver.NewServer(cfg.GRPCAddr, queue, grpcserver.ServerConfig{
			MaxRecvMsgSize: int(cfg.ReadLimit),
			Metrics:        m,
		})
		if err := grpcServer.Start(); err != nil {
			return fmt.Errorf("failed to start gRPC server: %w", err)
		}
		defer grpcServer.Stop()
	}

	if cfg.APIEnabled {
		var readAPI model.ReadAPI
		if store != nil {
			readAPI = store
		}
		apiServer := httpserver.NewServer(cfg.APIAddr, readAPI, httpserver.ServerConfig{
			Sessions: wsServer,
			Metrics:  m,
		})
		if err := apiServer.Start(); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
		defer stopLogged("httpserver", apiServer.Stop)
	}

	// Set up context and signal handling before errgroup
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
			return
		}
		fmt.Println("\nShutting down gracefully... (press Ctrl+C again to force)")
		cancel()

		// Shutdown deadline starts now, not at boot.
		deadline := time.NewTimer(10 * time.Second)
		defer deadline.Stop()

		select {
		case <-sigCh:
			fmt.Println("\nForce shutdown.")
		case <-deadline.C:
			fmt.Println("Shutdown timed out, forcing exit.")
		}
		os.Exit(1)
	}()

	printStartupBanner(os.Stdout, cfg, sinkNames)

	g, gctx := errgroup.WithContext(ctx)

	// Periodic status line for the runtime log.
	g.Go(func() error {
		ticker := time.NewTicker(statusInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				log.Info().
					Int("sessions", len(wsServer.Sessions())).
					Int("queue_depth", queue.Depth()).
					Int("queue_cap", queue.Cap()).
					Uint64("rejected_sessions", wsServer.Rejected()).
					Msg("server: status")
			}
		}
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server: errgroup exited with error")
	}

	// Deferred calls unwind in reverse: inputs stop first, then the queue
	// drains into the sinks, then storage flushes and closes.
	log.Info().Uint64("rejected_sessions", wsServer.Rejected()).Msg("server: shutting down")
	return nil
}

func stopLogged(name string, stop func() error) {
	if err := stop(); err != nil {
		log.Warn().Err(err).Str("component", name).Msg("server: stop failed")
	}
}

func closeAll(closers []io.Closer) {
	for _, c := range closers {
		if err := c.Close(); err != nil {
			log.Warn().Err(err).Msg("server: sink close failed")
		}
	}
}

// replayUncommittedJournal feeds records left by a previous run back into
// the insert buffer under their original sequence numbers, so the buffer's
// normal commit path acknowledges them.
func replayUncommittedJournal(j *journal.Journal, buf *duckdb.InsertBuffer) error {
	if j == nil {
		return nil
	}

	replayed := 0
	if err := j.Replay(func(seq uint64, record *model.StoredRecord) error {
		copied := *record
		buf.Requeue(seq, &copied)
		replayed++
		return nil
	}); err != nil {
		return err
	}

	if replayed > 0 {
		log.Info().Int("records", replayed).Msg("ingest journal: replayed uncommitted records")
	}
	return nil
}

func printStartupBanner(w io.Writer, cfg appConfig, sinkNames []string) {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyan := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellow := lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	bold := lipgloss.NewStyle().Bold(true)

	check := green.Render("●")
	dot := dim.Render("●")

	logo := cyan.Bold(true).Render(`
    ╔═╗╔╦╗╔═╗╦  ╔═╗╔═╗╔╦╗╔═╗
    ║ ║ ║ ║╣ ║  ║ ╦╠═╣ ║ ║╣
    ╚═╝ ╩ ╚═╝╩═╝╚═╝╩ ╩ ╩ ╚═╝`)

	ver := dim.Render("v" + version)

	status := func(label string, enabled bool, value string) string {
		if enabled {
			return fmt.Sprintf("    %s  %-14s %s", check, label, cyan.Render(value))
		}
		return fmt.Sprintf("    %s  %-14s %s", dot, label, dim.Render("disabled"))
	}

	var lines []string
	lines = append(lines, "")
	lines = append(lines, logo)
	lines = append(lines, "    "+ver)
	lines = append(lines, "")

	separator := dim.Render("    ─────────────────────────────────")
	lines = append(lines, separator)
	lines = append(lines, "")

	// Inputs
	lines = append(lines, bold.Render("    Inputs"))
	lines = append(lines, "")
	lines = append(lines, status("WebSocket", true, "ws://"+cfg.WSAddr+cfg.WSPath))
	lines = append(lines, status("OTLP/gRPC", cfg.GRPCEnabled, cfg.GRPCAddr))
	lines = append(lines, status("HTTP API", cfg.APIEnabled, cfg.APIAddr))
	sessionLimit := "unbounded"
	if cfg.MaxSessions > 0 {
		sessionLimit = fmt.Sprintf("%d", cfg.MaxSessions)
	}
	lines = append(lines, fmt.Sprintf("    %s  %-14s %s", check, "Max Sessions", dim.Render(sessionLimit)))
	lines = append(lines, "")

	// Sinks
	lines = append(lines, bold.Render("    Sinks"))
	lines = append(lines, "")
	if len(sinkNames) == 0 {
		lines = append(lines, fmt.Sprintf("    %s  %-14s %s", dot, "Outputs", dim.Render("none (discarding)")))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  %-14s %s", check, "Outputs", cyan.Render(strings.Join(sinkNames, ", "))))
	}
	lines = append(lines, fmt.Sprintf("    %s  %-14s %s", check, "Queue", dim.Render(fmt.Sprintf("%d (%s)", cfg.SinkQueueSize, cfg.SinkPolicy))))
	lines = append(lines, status("Storage", cfg.StoreEnabled, shortenPath(cfg.DBPath)))
	lines = append(lines, status("Journal", cfg.StoreEnabled && cfg.JournalEnabled, shortenPath(cfg.JournalPath)))
	lines = append(lines, status("NATS", cfg.NATSEnabled, cfg.NATSURL))
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Config"))
	lines = append(lines, "")
	if cfg.ConfigPath != "" {
		lines = append(lines, fmt.Sprintf("    %s  %-14s %s", check, "Config File", dim.Render(shortenPath(cfg.ConfigPath))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  %-14s %s", dot, "Config File", dim.Render("default (no file)")))
	}
	lines = append(lines, fmt.Sprintf("    %s  %-14s %s", check, "Log File", dim.Render(shortenPath(cfg.LogDir))))

	lines = append(lines, "")
	lines = append(lines, separator)
	lines = append(lines, "")
	lines = append(lines, "    "+dim.Render("Press ")+yellow.Render("Ctrl+C")+dim.Render(" to stop"))
	lines = append(lines, "")

	fmt.Fprintln(w, strings.Join(lines, "\n"))
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
