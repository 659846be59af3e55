package archive

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"testing"
	"time"

	"sentinel-ueba/internal/schema"
)

func TestReadBatch(t *testing.T) {
	records := []schema.AnomalyScoreRecord{
		{UserID: "u1", RiskScore: 95, RiskLevel: schema.RiskHigh},
		{UserID: "u2", RiskScore: 12, RiskLevel: schema.RiskNormal},
	}
	b := batch[schema.AnomalyScoreRecord]{
		BatchID:     "test-batch",
		DataType:    "anomaly_scores",
		RecordCount: len(records),
		CreatedAt:   time.Now().UTC(),
		Records:     records,
	}

	data, err := json.Marshal(b)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	gz.Write(data)
	gz.Close()

	got, err := ReadBatch[schema.AnomalyScoreRecord](buf.Bytes())
	if err != nil {
		t.Fatalf("ReadBatch() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ReadBatch() returned %d records, want 2", len(got))
	}
	if got[0].UserID != "u1" || got[0].RiskScore != 95 {
		t.Errorf("first record = %+v, want user u1 score 95", got[0])
	}
}

func TestReadBatchRejectsNonGzip(t *testing.T) {
	if _, err := ReadBatch[schema.AnomalyScoreRecord]([]byte("plain text")); err == nil {
		t.Error("ReadBatch() accepted non-gzip input")
	}
}

func TestS3ConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*S3Config)
		wantErr bool
	}{
		{"defaults", func(c *S3Config) {}, false},
		{"missing region", func(c *S3Config) { c.Region = "" }, true},
		{"missing bucket", func(c *S3Config) { c.Bucket = "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultS3Config()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
