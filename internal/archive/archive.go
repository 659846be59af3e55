package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"sentinel-ueba/internal/storage"
)

// Config tunes the archiver.
type Config struct {
	// MaxAge is how old a risk record must be before archival.
	MaxAge time.Duration `yaml:"max_age"`
	// BatchSize bounds records per uploaded object.
	BatchSize int `yaml:"batch_size"`
}

// DefaultConfig returns the default archiver configuration.
func DefaultConfig() Config {
	return Config{
		MaxAge:    90 * 24 * time.Hour,
		BatchSize: 10000,
	}
}

// batch is the uploaded object shape: a self-describing envelope so restores
// need no side channel.
type batch[T any] struct {
	BatchID     string    `json:"batch_id"`
	DataType    string    `json:"data_type"`
	RecordCount int       `json:"record_count"`
	OlderThan   time.Time `json:"older_than"`
	CreatedAt   time.Time `json:"created_at"`
	Records     []T       `json:"records"`
}

// Summary reports one archival run.
type Summary struct {
	AnomalyScores  int   `json:"anomaly_scores"`
	RuleDetections int   `json:"rule_detections"`
	Objects        int   `json:"objects"`
	Bytes          int64 `json:"bytes"`
}

// Archiver uploads aged risk records as gzip JSON batches. Deletion is left
// to the retention TTLs; archival only has to beat them.
type Archiver struct {
	client  *S3Client
	results *storage.ResultStore
	config  Config
	logger  *slog.Logger
	now     func() time.Time
}

// NewArchiver creates an Archiver.
func NewArchiver(client *S3Client, results *storage.ResultStore, cfg Config, logger *slog.Logger) *Archiver {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		client:  client,
		results: results,
		config:  cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Run archives all risk records older than the configured age.
func (a *Archiver) Run(ctx context.Context) (Summary, error) {
	var summary Summary

	cutoff := a.now().UTC().Add(-a.config.MaxAge)

	scores, err := a.results.AnomalyScores(ctx, storage.ResultFilter{
		To:    cutoff,
		Limit: a.config.BatchSize,
	})
	if err != nil {
		return summary, err
	}
	if len(scores) > 0 {
		n, err := uploadBatch(ctx, a, "anomaly_scores", cutoff, scores)
		if err != nil {
			return summary, err
		}
		summary.AnomalyScores = len(scores)
		summary.Objects++
		summary.Bytes += n
	}

	detections, err := a.results.RuleDetections(ctx, storage.ResultFilter{
		To:    cutoff,
		Limit: a.config.BatchSize,
	})
	if err != nil {
		return summary, err
	}
	if len(detections) > 0 {
		n, err := uploadBatch(ctx, a, "rule_detections", cutoff, detections)
		if err != nil {
			return summary, err
		}
		summary.RuleDetections = len(detections)
		summary.Objects++
		summary.Bytes += n
	}

	a.logger.Info("archive run complete",
		"anomaly_scores", summary.AnomalyScores,
		"rule_detections", summary.RuleDetections,
		"objects", summary.Objects,
		"bytes", summary.Bytes,
	)
	return summary, nil
}

func uploadBatch[T any](ctx context.Context, a *Archiver, dataType string, cutoff time.Time, records []T) (int64, error) {
	now := a.now().UTC()
	b := batch[T]{
		BatchID:     uuid.New().String(),
		DataType:    dataType,
		RecordCount: len(records),
		OlderThan:   cutoff,
		CreatedAt:   now,
		Records:     records,
	}

	data, err := json.Marshal(b)
	if err != nil {
		return 0, fmt.Errorf("archive: failed to marshal %s batch: %w", dataType, err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return 0, fmt.Errorf("archive: failed to compress %s batch: %w", dataType, err)
	}
	if err := gz.Close(); err != nil {
		return 0, fmt.Errorf("archive: failed to compress %s batch: %w", dataType, err)
	}

	key := fmt.Sprintf("%s/%s/%s.json.gz", dataType, now.Format("2006/01/02"), b.BatchID)
	size, err := a.client.Upload(ctx, key, &buf, "application/gzip", map[string]string{
		"data-type":     dataType,
		"record-count":  fmt.Sprintf("%d", len(records)),
		"original-size": fmt.Sprintf("%d", len(data)),
	})
	if err != nil {
		return 0, err
	}

	a.logger.Info("archived batch",
		"data_type", dataType,
		"records", len(records),
		"key", key,
		"compressed_bytes", size,
	)
	return size, nil
}

// ReadBatch decompresses and decodes one previously uploaded object body.
// Used by restore tooling and tests.
func ReadBatch[T any](data []byte) ([]T, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("archive: not a gzip object: %w", err)
	}
	defer gz.Close()

	var b batch[T]
	if err := json.NewDecoder(gz).Decode(&b); err != nil {
		return nil, fmt.Errorf("archive: failed to decode batch: %w", err)
	}
	return b.Records, nil
}

// RecordTypes enumerates the archived data types.
var RecordTypes = []string{"anomaly_scores", "rule_detections"}
