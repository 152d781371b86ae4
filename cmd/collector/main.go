// Package main provides the plantstream collector service.
//
// The collector subscribes to the plant MQTT broker, normalizes the
// telemetry stream into reference entities, 10-second line metrics, state
// transition events and work-order completion snapshots, and persists them
// to PostgreSQL.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/plantstream-io/plantstream/internal/config"
	"github.com/plantstream-io/plantstream/internal/ingest"
	"github.com/plantstream-io/plantstream/internal/replay"
	"github.com/plantstream-io/plantstream/internal/storage"
	"github.com/plantstream-io/plantstream/internal/topic"
	"github.com/plantstream-io/plantstream/internal/transport"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "collector"
)

const shutdownTimeout = 30 * time.Second

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	replayReport := flag.Bool("replay-report", false, "classify work order number reuse and exit")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	logger.Info("Starting plantstream collector",
		slog.String("service", name),
		slog.String("version", version),
	)

	storageConfig := storage.LoadConfig()

	dbConn, err := storage.NewConnection(storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	store := storage.NewPlantStore(dbConn)

	logger.Info("Persistence gateway initialized",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
		slog.Int("database_max_idle_conns", storageConfig.MaxIdleConns),
	)

	if *replayReport {
		runReplayReport(logger, store)

		return
	}

	vocab, err := config.LoadVocabulary(config.VocabularyPath())
	if err != nil {
		logger.Warn("Vocabulary load failed, using defaults", slog.String("error", err.Error()))

		vocab = config.DefaultVocabulary()
	}

	logger.Info("Topic vocabulary loaded",
		slog.String("tenant", vocab.Tenant),
		slog.Int("ignored_prefixes", len(vocab.IgnoredPrefixes)),
	)

	decoder := topic.NewDecoder(vocab)
	coordinator := ingest.NewCoordinator(decoder, store, ingest.LoadCoordinatorConfig())

	subscriber, err := transport.NewSubscriber(transport.LoadConfig(), coordinator.HandleMessage)
	if err != nil {
		logger.Error("Failed to start MQTT subscriber", slog.String("error", err.Error()))

		_ = store.Close()
		//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
		os.Exit(1)
	}

	runCollector(logger, coordinator, subscriber)
}

// runCollector supervises the subscriber until a signal or a fatal handler
// error, then drains the coordinator.
func runCollector(logger *slog.Logger, coordinator *ingest.Coordinator, subscriber *transport.Subscriber) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case err := <-subscriber.Fatal():
			return err
		}
	})

	// Periodic open-window flush is opt-in. With the default of zero the
	// open bucket flushes only when a later event rolls the window over.
	if interval := config.GetEnvDuration("FLUSH_INTERVAL", 0); interval > 0 {
		group.Go(func() error {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if err := coordinator.FlushDue(ctx); err != nil {
						return err
					}
				}
			}
		})
	}

	if err := group.Wait(); err != nil {
		logger.Error("Ingestion stopped", slog.String("error", err.Error()))
	}

	subscriber.Close()

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := coordinator.Close(drainCtx); err != nil {
		logger.Error("Drain failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	stats := coordinator.Stats()
	logger.Info("Collector stopped",
		slog.Int64("received", stats.Received),
		slog.Int64("stored", stats.Stored),
	)
}

// runReplayReport runs one classification pass over the stored work orders
// and logs the findings.
func runReplayReport(logger *slog.Logger, store *storage.PlantStore) {
	defer func() {
		_ = store.Close()
	}()

	report, err := replay.NewAnalyzer(store).Run(context.Background())
	if err != nil {
		logger.Error("Replay classification failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	for _, finding := range report.Findings {
		logger.Warn("Work order number anomaly",
			slog.String("number", finding.Usage.Number),
			slog.String("classification", string(finding.Classification)),
			slog.Int("distinct_ids", len(finding.Usage.WorkOrderIDs)),
			slog.Int("distinct_locations", len(finding.Usage.Locations)),
		)
	}

	logger.Info("Replay classification complete",
		slog.Int("scanned", report.Scanned),
		slog.Int("singles", report.Singles),
		slog.Int("replay_duplicates", report.ReplayDuplicates),
		slog.Int("cross_site", report.CrossSite),
	)
}
