// Package main is the sentinel-ueba command line entry point. It runs the
// detection engines, the Kafka ingestion service, schema migrations, the
// archiver and the results reader against one shared configuration.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"sentinel-ueba/internal/archive"
	"sentinel-ueba/internal/baseline"
	"sentinel-ueba/internal/config"
	"sentinel-ueba/internal/consumer"
	"sentinel-ueba/internal/detect"
	"sentinel-ueba/internal/logging"
	"sentinel-ueba/internal/rules"
	"sentinel-ueba/internal/schema"
	"sentinel-ueba/internal/storage"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "migrate":
		runMigrateCmd(os.Args[2:])
	case "baseline":
		runBaselineCmd(os.Args[2:])
	case "rules":
		runRulesCmd(os.Args[2:])
	case "results":
		runResultsCmd(os.Args[2:])
	case "consume":
		runConsumeCmd(os.Args[2:])
	case "profiles":
		runProfilesCmd(os.Args[2:])
	case "archive":
		runArchiveCmd(os.Args[2:])
	case "-version", "--version", "-v":
		fmt.Printf("sentinel-detect %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown subcommand: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: sentinel-detect <command> [flags]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  migrate   Apply schema migrations and retention policies\n")
	fmt.Fprintf(os.Stderr, "  baseline  Run the statistical anomaly scorer\n")
	fmt.Fprintf(os.Stderr, "  rules     Run the signature rule engine\n")
	fmt.Fprintf(os.Stderr, "  results   Query stored risk records\n")
	fmt.Fprintf(os.Stderr, "  consume   Run the Kafka ingestion service\n")
	fmt.Fprintf(os.Stderr, "  profiles  Sync the role directory from a YAML file\n")
	fmt.Fprintf(os.Stderr, "  archive   Move aged risk records to S3\n\n")
	fmt.Fprintf(os.Stderr, "Flags:\n")
	fmt.Fprintf(os.Stderr, "  -version  Show version and exit\n")
}

// loadConfig loads configuration and installs the process logger.
func loadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	return cfg
}

func connect(cfg *config.Config) *storage.ClickHouseClient {
	client, err := storage.NewClickHouseClient(cfg.Storage.ClickHouse)
	if err != nil {
		slog.Error("failed to connect to ClickHouse",
			"hosts", cfg.Storage.ClickHouse.Hosts, "error", err)
		os.Exit(1)
	}
	return client
}

// profileRoles adapts the storage profile lookup to the detection contract:
// a missing row is a data-integrity skip, not a storage failure.
type profileRoles struct {
	store *storage.ProfileStore
}

func (p profileRoles) Role(ctx context.Context, userID string) (string, error) {
	role, err := p.store.Role(ctx, userID)
	if err != nil {
		if storage.IsNotFound(err) {
			return "", fmt.Errorf("%w: %s", detect.ErrProfileMissing, userID)
		}
		return "", err
	}
	return role, nil
}

func newOrchestrator(cfg *config.Config, client *storage.ClickHouseClient) *detect.Orchestrator {
	var locker detect.Locker
	if cfg.Detection.RedisLock.Addr != "" {
		redisLocker, err := detect.NewRedisLocker(cfg.Detection.RedisLock)
		if err != nil {
			slog.Error("failed to connect to Redis run lock", "error", err)
			os.Exit(1)
		}
		locker = redisLocker
	}

	scorerCfg := baseline.DefaultConfig()
	scorerCfg.MinPeerCohort = cfg.Detection.MinPeerCohort
	scorerCfg.Workers = cfg.Detection.Workers

	return detect.NewOrchestrator(
		storage.NewEventStore(client),
		profileRoles{store: storage.NewProfileStore(client)},
		storage.NewResultStore(client),
		baseline.NewScorer(scorerCfg, slog.Default()),
		rules.NewEngine(),
		locker,
		detect.Config{
			Workers:    cfg.Detection.Workers,
			RunLockTTL: cfg.Detection.RunLockTTL,
		},
		slog.Default(),
	)
}

func runMigrateCmd(args []string) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	fs.Parse(args)

	cfg := loadConfig()
	client := connect(cfg)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := client.EnsureDatabase(ctx); err != nil {
		slog.Error("failed to ensure database", "error", err)
		os.Exit(1)
	}

	migrator := storage.NewMigrator(client)
	if err := migrator.Run(ctx); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	retention := storage.NewRetentionManager(client, cfg.Storage.Retention)
	if err := retention.ApplyTTLs(ctx); err != nil {
		slog.Error("failed to apply retention policies", "error", err)
		os.Exit(1)
	}

	fmt.Println("Migrations applied")
}

func runBaselineCmd(args []string) {
	fs := flag.NewFlagSet("baseline", flag.ExitOnError)
	days := fs.Int("days", 0, "Baseline history window in days (default from config)")
	obsHours := fs.Int("obs-hours", 0, "Observation window in hours (default from config)")
	fs.Parse(args)

	cfg := loadConfig()
	if *days <= 0 {
		*days = cfg.Detection.BaselineDays
	}
	if *obsHours <= 0 {
		*obsHours = cfg.Detection.ObservationHours
	}

	client := connect(cfg)
	defer client.Close()

	o := newOrchestrator(cfg, client)

	records, summary, err := o.RunBaseline(context.Background(), *days, *obsHours)
	if err != nil {
		slog.Error("baseline run failed", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Baseline run: %d eligible, %d new, %d refreshed, %d events flagged, %d failures\n",
		summary.EligibleUsers, summary.NewRecords, summary.RefreshedDuplicates,
		summary.FlaggedEvents, summary.Failures)
	for _, rec := range records {
		if rec.RiskLevel == schema.RiskNormal {
			continue
		}
		fmt.Printf("  %-16s  score=%-3d  %-14s  %s\n",
			rec.UserID, rec.RiskScore, rec.RiskLevel, rec.TriggeredRules)
	}

	if summary.Failures > 0 {
		os.Exit(1)
	}
}

func runRulesCmd(args []string) {
	fs := flag.NewFlagSet("rules", flag.ExitOnError)
	windowHours := fs.Int("window-hours", 0, "Analysis window in hours (default from config)")
	force := fs.Bool("force", false, "Re-evaluate sessions even when the watermark shows nothing new")
	fs.Parse(args)

	cfg := loadConfig()
	if *windowHours <= 0 {
		*windowHours = cfg.Detection.WindowHours
	}

	client := connect(cfg)
	defer client.Close()

	o := newOrchestrator(cfg, client)

	records, summary, err := o.RunRules(context.Background(), *windowHours, *force)
	if err != nil {
		slog.Error("rule run failed", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Rule run: %d analyzed, %d alerts, %d skipped, %d failures\n",
		summary.TotalAnalyzed, summary.NewAlerts, summary.SkippedDuplicates, summary.Failures)
	for _, rec := range records {
		fmt.Printf("  %-16s  %-20s  score=%-3d  %-14s  %s\n",
			rec.UserID, rec.SessionID, rec.RiskScore, rec.RiskLevel, rec.TriggeredRules)
	}

	if summary.Failures > 0 {
		os.Exit(1)
	}
}

func runResultsCmd(args []string) {
	fs := flag.NewFlagSet("results", flag.ExitOnError)
	engine := fs.String("engine", "baseline", "Record set to query: baseline, rules or flags")
	user := fs.String("user", "", "Filter by user id")
	level := fs.String("level", "", "Filter by risk level")
	limit := fs.Int("limit", 50, "Maximum records")
	fs.Parse(args)

	cfg := loadConfig()
	client := connect(cfg)
	defer client.Close()

	results := storage.NewResultStore(client)
	filter := storage.ResultFilter{
		UserID: *user,
		Level:  schema.RiskLevel(*level),
		Limit:  *limit,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch *engine {
	case "baseline":
		records, err := results.AnomalyScores(ctx, filter)
		if err != nil {
			slog.Error("query failed", "error", err)
			os.Exit(1)
		}
		for _, rec := range records {
			fmt.Printf("%s  %-16s  score=%-3d  %-14s  %s\n",
				rec.CreatedAt.Format(time.RFC3339), rec.UserID, rec.RiskScore, rec.RiskLevel, rec.Explanation)
		}
	case "rules":
		records, err := results.RuleDetections(ctx, filter)
		if err != nil {
			slog.Error("query failed", "error", err)
			os.Exit(1)
		}
		for _, rec := range records {
			fmt.Printf("%s  %-16s  %-20s  score=%-3d  %-14s  %s\n",
				rec.DetectedAt.Format(time.RFC3339), rec.UserID, rec.SessionID,
				rec.RiskScore, rec.RiskLevel, rec.TriggeredRules)
		}
	case "flags":
		records, err := results.FlaggedEvents(ctx, *limit)
		if err != nil {
			slog.Error("query failed", "error", err)
			os.Exit(1)
		}
		for _, rec := range records {
			fmt.Printf("%s  log_id=%-10d  %-8s  %s\n",
				rec.FlaggedAt.Format(time.RFC3339), rec.LogID, rec.Severity, rec.Reason)
		}
	default:
		fmt.Fprintf(os.Stderr, "Unknown engine: %s (want baseline, rules or flags)\n", *engine)
		os.Exit(1)
	}
}

func runConsumeCmd(args []string) {
	fs := flag.NewFlagSet("consume", flag.ExitOnError)
	fs.Parse(args)

	cfg := loadConfig()
	client := connect(cfg)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slog.Info("initializing ingestion",
		"brokers", cfg.Consumer.Brokers,
		"topic", cfg.Consumer.Topic,
		"database", cfg.Storage.ClickHouse.Database,
	)

	eventStore := storage.NewEventStore(client)
	allocator, err := storage.NewLogIDAllocator(ctx, eventStore)
	if err != nil {
		slog.Error("failed to seed log id allocator", "error", err)
		os.Exit(1)
	}

	batchWriter := storage.NewBatchWriter(client, cfg.Storage.BatchWriter)
	quarantine := storage.NewQuarantineWriter(client)

	c, err := consumer.New(cfg.Consumer, schema.NewValidator(), allocator,
		batchWriter, quarantine, slog.Default())
	if err != nil {
		slog.Error("failed to create consumer", "error", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Start(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			slog.Error("consumer stopped", "error", err)
		}
	}

	cancel()
	if err := c.Stop(); err != nil {
		slog.Error("consumer shutdown error", "error", err)
	}
	if err := batchWriter.Close(); err != nil {
		slog.Error("batch writer close error", "error", err)
	}

	m := c.Metrics()
	slog.Info("shutdown complete",
		"consumed", m.Consumed,
		"quarantined", m.Quarantined,
		"errors", m.Errors,
	)
}

func runProfilesCmd(args []string) {
	fs := flag.NewFlagSet("profiles", flag.ExitOnError)
	file := fs.String("file", "configs/profiles.yaml", "YAML file mapping user ids to roles")
	fs.Parse(args)

	cfg := loadConfig()

	data, err := os.ReadFile(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	var doc struct {
		Profiles []schema.UserProfile `yaml:"profiles"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", *file, err)
		os.Exit(1)
	}
	if len(doc.Profiles) == 0 {
		fmt.Fprintf(os.Stderr, "Error: %s contains no profiles\n", *file)
		os.Exit(1)
	}

	client := connect(cfg)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	profiles := storage.NewProfileStore(client)
	if err := profiles.UpsertProfiles(ctx, doc.Profiles); err != nil {
		slog.Error("failed to sync profiles", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Synced %d profile(s)\n", len(doc.Profiles))
}

func runArchiveCmd(args []string) {
	fs := flag.NewFlagSet("archive", flag.ExitOnError)
	fs.Parse(args)

	cfg := loadConfig()
	client := connect(cfg)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	s3Client, err := archive.NewS3Client(ctx, cfg.Archive.S3, slog.Default())
	if err != nil {
		slog.Error("failed to create S3 client", "error", err)
		os.Exit(1)
	}

	archiver := archive.NewArchiver(s3Client, storage.NewResultStore(client),
		cfg.Archive.Archiver, slog.Default())

	summary, err := archiver.Run(ctx)
	if err != nil {
		slog.Error("archive run failed", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Archived %d anomaly scores and %d rule detections in %d object(s), %d bytes\n",
		summary.AnomalyScores, summary.RuleDetections, summary.Objects, summary.Bytes)
}
