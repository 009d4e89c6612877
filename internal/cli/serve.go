package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/velvetclaw/missionctl/internal/api"
	"github.com/velvetclaw/missionctl/internal/bus"
	"github.com/velvetclaw/missionctl/internal/config"
	"github.com/velvetclaw/missionctl/internal/directory"
	"github.com/velvetclaw/missionctl/internal/feed"
	"github.com/velvetclaw/missionctl/internal/ingest"
	"github.com/velvetclaw/missionctl/internal/notify"
	"github.com/velvetclaw/missionctl/internal/schedule"
	"github.com/velvetclaw/missionctl/internal/search"
	"github.com/velvetclaw/missionctl/internal/store"
	"github.com/velvetclaw/missionctl/internal/usage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the aggregation core and query API",
	Run:   runServe,
}

func runServe(cmd *cobra.Command, args []string) {
	printHeader("🛰️ Mission Control")
	fmt.Println("Starting Mission Control...")

	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Config error: %v\n", err)
		os.Exit(1)
	}
	if err := config.EnsureDir(cfg.Paths.DataDir); err != nil {
		fmt.Printf("Data dir error: %v\n", err)
		os.Exit(1)
	}

	// 2. Open the shared store
	st, err := store.Open(cfg.Paths.DBPath(), cfg.Store)
	if err != nil {
		fmt.Printf("Failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	// 3. Derived-view services on the shared store
	dir := directory.New(st, cfg.Directory)
	fb := feed.New(st)
	sched := schedule.New(st)
	agg := usage.New(st, cfg.Usage)

	var embedder search.Embedder
	if cfg.Search.EmbedAPIBase != "" {
		embedder = search.NewOpenAIEmbedder(cfg.Search.EmbedAPIBase, cfg.Search.EmbedAPIKey, cfg.Search.EmbedModel)
	}
	idx := search.New(st, cfg.Search, embedder)

	// 4. Telemetry bus and ingest pipeline
	telemetry := bus.New()
	ing := ingest.New(telemetry, st, dir, agg, idx)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := ing.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("ingestor stopped", "error", err)
		}
	}()

	if cfg.Ingest.Enabled {
		consumer := ingest.NewKafkaConsumer(cfg.Ingest, telemetry)
		go func() {
			if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("kafka consumer stopped", "error", err)
			}
		}()
	}

	// 5. Budget alerts
	if notifier := notify.NewSlackNotifier(cfg.Notify); notifier != nil {
		go notifier.Watch(ctx, agg, 0)
	}

	// 6. Compaction sweep
	if cfg.Retention.Horizon > 0 {
		go runCompaction(ctx, st, cfg.Retention)
	}

	// 7. Query API
	srv := api.New(st, dir, fb, sched, idx, agg, telemetry)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			slog.Error("query API failed", "error", err)
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("shutdown incomplete", "error", err)
	}
	<-ing.Done()
	fmt.Println("Stopped.")
}

// runCompaction folds raw events older than the retention horizon into
// daily summaries at every sweep.
func runCompaction(ctx context.Context, st *store.Store, cfg config.RetentionConfig) {
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			cutoff := now.Add(-cfg.Horizon)
			n, err := st.Compact(ctx, cutoff)
			if err != nil {
				slog.Warn("compaction sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("compacted events", "events", n, "cutoff", cutoff.UTC())
			}
		}
	}
}
