// The hlsrecorder command records live HLS sessions as append-only entry
// logs and serves EVENT, VOD and clipped manifests for them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agleyzer/hlsrecorder/internal/cluster"
	"github.com/agleyzer/hlsrecorder/internal/config"
	"github.com/agleyzer/hlsrecorder/internal/logger"
	"github.com/agleyzer/hlsrecorder/internal/metrics"
	"github.com/agleyzer/hlsrecorder/internal/parser"
	"github.com/agleyzer/hlsrecorder/internal/record"
	"github.com/agleyzer/hlsrecorder/internal/segment"
	"github.com/agleyzer/hlsrecorder/internal/server"
	"github.com/agleyzer/hlsrecorder/internal/session"
	"github.com/agleyzer/hlsrecorder/internal/store"
	"github.com/agleyzer/hlsrecorder/internal/subtitle"
)

const (
	version = "1.0.0"

	// leaderWaitTimeout bounds how long a clustered node waits for an
	// election before opening the API.
	leaderWaitTimeout = 15 * time.Second
)

// options collects the command line after env fallbacks are applied.
type options struct {
	addr      string
	dataDir   string
	logLevel  string
	logFormat string

	raftID       string
	raftBind     string
	raftPeers    string
	raftLogLevel string

	whisperModel  string
	whisperPrompt string

	importSource string
	importRoom   uint64
	importLive   uint64
	importTitle  string
	importLimit  string
}

func main() {
	// a missing .env is fine
	_ = config.Load()

	var (
		opts        options
		showVersion = flag.Bool("version", false, "Show version and exit")
	)

	flag.StringVar(&opts.addr, "addr", config.GetEnv(config.EnvAddr, ":8080"), "HTTP listen address")
	flag.StringVar(&opts.dataDir, "data-dir", config.GetEnv(config.EnvDataDir, "./data"), "Directory holding session logs")
	flag.StringVar(&opts.logLevel, "log-level", config.GetEnv(config.EnvLogLevel, "info"), "Log level: debug, info, warn, error")
	flag.StringVar(&opts.logFormat, "log-format", config.GetEnv(config.EnvLogFormat, "text"), "Log format: text or json")
	flag.StringVar(&opts.raftID, "raft-id", config.GetEnv(config.EnvRaftID, ""), "Raft node ID; enables clustering")
	flag.StringVar(&opts.raftBind, "raft-bind", config.GetEnv(config.EnvRaftBind, ""), "Raft bind address (host:port)")
	flag.StringVar(&opts.raftPeers, "raft-peers", config.GetEnv(config.EnvRaftPeers, ""), "Comma-separated Raft peer addresses, this node included")
	flag.StringVar(&opts.raftLogLevel, "raft-log-level", config.GetEnv(config.EnvRaftLogLevel, ""), "Raft internal log level; silent when empty")
	flag.StringVar(&opts.whisperModel, "whisper-model", config.GetEnv(config.EnvWhisperModel, ""), "whisper.cpp model file; enables subtitle generation")
	flag.StringVar(&opts.whisperPrompt, "whisper-prompt", config.GetEnv(config.EnvWhisperPrompt, ""), "Initial prompt for subtitle transcription")
	flag.StringVar(&opts.importSource, "import", "", "Import a media playlist (URL or file) into a session and exit")
	flag.Uint64Var(&opts.importRoom, "room", 0, "Room ID for -import")
	flag.Uint64Var(&opts.importLive, "live", 0, "Live ID for -import")
	flag.StringVar(&opts.importTitle, "title", "", "Session title for -import")
	flag.StringVar(&opts.importLimit, "import-limit", "", "Maximum duration of content to import (e.g., '10m'). Imports everything if not specified")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "HLS Recorder v%s\n\n", version)
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s --addr :8080 --data-dir /var/lib/hlsrec\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --raft-id n1 --raft-bind 10.0.0.1:7000 --raft-peers 10.0.0.1:7000,10.0.0.2:7000\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --import https://example.com/vod.m3u8 --room 1 --live 42\n", os.Args[0])
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("HLS Recorder v%s\n", version)
		os.Exit(0)
	}

	if err := opts.validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		flag.Usage()
		os.Exit(1)
	}

	log := logger.New(os.Stdout, opts.logLevel, opts.logFormat)
	log.Info("HLS Recorder starting", "version", version)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info("received signal", "signal", sig)
		cancel()
	}()

	if err := run(ctx, opts, log); err != nil {
		log.Error("application error", "error", err)
		os.Exit(1)
	}

	log.Info("HLS Recorder stopped")
}

func (o options) validate() error {
	if o.dataDir == "" {
		return errors.New("data directory is required")
	}
	if o.raftID != "" && (o.raftBind == "" || o.raftPeers == "") {
		return errors.New("--raft-bind and --raft-peers are required with --raft-id")
	}
	if o.importSource != "" && o.importLive == 0 {
		return errors.New("--live is required with --import")
	}
	return nil
}

func run(ctx context.Context, opts options, log *slog.Logger) error {
	records := record.NewMemoryStore()
	met := metrics.New()
	sessions := session.NewManager(opts.dataDir, records, met, log)
	defer func() {
		if err := sessions.Close(); err != nil {
			log.Error("failed to close sessions", "error", err)
		}
	}()

	if opts.importSource != "" {
		return importPlaylist(opts, sessions, log)
	}

	srvOpts := server.Options{
		Records: records,
		Metrics: met,
	}

	if opts.raftID != "" {
		mgr, err := cluster.NewManager(cluster.Config{
			RaftID:   opts.raftID,
			BindAddr: opts.raftBind,
			Peers:    config.SplitList(opts.raftPeers),
			LogLevel: opts.raftLogLevel,
		}, sessions, log.With("component", "cluster"))
		if err != nil {
			return fmt.Errorf("failed to create cluster manager: %w", err)
		}
		if err := mgr.Start(ctx); err != nil {
			return fmt.Errorf("failed to start cluster: %w", err)
		}
		defer mgr.Shutdown()

		awaitLeader(ctx, mgr, log)

		srvOpts.Appender = mgr
		srvOpts.Cluster = mgr
	}

	if opts.whisperModel != "" {
		gen, err := subtitle.NewWhisperCLI(opts.whisperModel, opts.whisperPrompt, log.With("component", "subtitle"))
		if err != nil {
			return fmt.Errorf("failed to set up subtitles: %w", err)
		}
		srvOpts.Subtitles = gen
	}

	srv := server.New(sessions, opts.addr, log, srvOpts)

	log.Info("recorder ready",
		"addr", opts.addr,
		"data_dir", opts.dataDir,
		"clustered", opts.raftID != "",
	)

	// Start server (blocks until shutdown)
	return srv.Start(ctx)
}

// awaitLeader gives the cluster a bounded window to elect a leader before
// the API opens. Without one, appends answer 503 until an election
// completes, so a timeout is logged rather than fatal.
func awaitLeader(ctx context.Context, mgr *cluster.Manager, log *slog.Logger) {
	waitCtx, cancel := context.WithTimeout(ctx, leaderWaitTimeout)
	defer cancel()

	leader, err := mgr.WaitForLeader(waitCtx)
	if err != nil {
		log.Warn("no cluster leader yet, serving reads only until one is elected",
			"error", err,
			"peers", mgr.Peers())
		return
	}
	log.Info("cluster leader elected",
		"leader", leader,
		"is_leader", mgr.IsLeader(),
		"peers", mgr.Peers())
}

// importPlaylist records every segment of an existing media playlist into
// one session.
func importPlaylist(opts options, sessions *session.Manager, log *slog.Logger) error {
	var limit time.Duration
	if opts.importLimit != "" {
		d, err := time.ParseDuration(opts.importLimit)
		if err != nil {
			return fmt.Errorf("invalid --import-limit duration '%s': %w", opts.importLimit, err)
		}
		if d <= 0 {
			return fmt.Errorf("--import-limit duration must be positive, got: %s", opts.importLimit)
		}
		limit = d
	}

	log.Info("fetching source playlist", "url", opts.importSource)
	info, err := parser.ParsePlaylist(opts.importSource, time.Now())
	if err != nil {
		return fmt.Errorf("failed to parse playlist: %w", err)
	}

	entries := calculateEntrySubset(info.Entries, limit)
	if limit > 0 {
		log.Info("applied import limit",
			"originalSegments", len(info.Entries),
			"includedSegments", len(entries),
			"duration", limit,
		)
	}

	k := session.Key{RoomID: opts.importRoom, LiveID: opts.importLive}
	st, err := sessions.Open(session.Meta{Key: k, Title: opts.importTitle})
	if err != nil {
		return err
	}

	if err := appendImported(st, info.Header, entries); err != nil {
		// keep what was recorded and leave the session finished
		if _, finishErr := sessions.Finish(k); finishErr != nil {
			log.Error("failed to finish partial import", "session", k, "error", finishErr)
		}
		return err
	}

	stats, err := sessions.Finish(k)
	if err != nil {
		return err
	}

	log.Info("playlist imported",
		"session", k,
		"segments", stats.Entries,
		"duration", stats.TotalDuration,
		"target_duration", info.TargetDuration,
	)
	return nil
}

func appendImported(st *store.Store, header *segment.Entry, entries []segment.Entry) error {
	if header != nil {
		if err := st.Append(*header); err != nil {
			return fmt.Errorf("append header: %w", err)
		}
	}
	for _, e := range entries {
		if err := st.Append(e); err != nil {
			return fmt.Errorf("append segment %d: %w", e.Sequence, err)
		}
	}
	return nil
}

// calculateEntrySubset returns a subset of entries that fit within the specified duration.
// It sums entry durations from the start until the threshold is reached.
// An entry is included if adding it doesn't exceed the threshold by more than 50%.
// Returns at least 1 entry even if the first entry exceeds the duration.
func calculateEntrySubset(entries []segment.Entry, maxDuration time.Duration) []segment.Entry {
	if len(entries) == 0 {
		return entries
	}

	// If maxDuration is 0, return all entries
	if maxDuration == 0 {
		return entries
	}

	maxDurationSeconds := maxDuration.Seconds()
	var totalDuration float64
	var result []segment.Entry

	for i, e := range entries {
		// Always include at least the first entry
		if i == 0 {
			result = append(result, e)
			totalDuration += e.Duration
			continue
		}

		newTotal := totalDuration + e.Duration
		if newTotal <= maxDurationSeconds {
			result = append(result, e)
			totalDuration = newTotal
			continue
		}

		// Include if it doesn't exceed by more than 50%
		if newTotal-maxDurationSeconds <= maxDurationSeconds*0.5 {
			result = append(result, e)
		}
		break
	}

	return result
}
