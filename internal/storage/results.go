package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"sentinel-ueba/internal/schema"
)

// ResultStore persists and queries both engines' risk records. It satisfies
// the detection orchestrator's sink interface and backs the results CLI.
type ResultStore struct {
	client *ClickHouseClient
}

// NewResultStore creates a ResultStore.
func NewResultStore(client *ClickHouseClient) *ResultStore {
	return &ResultStore{client: client}
}

// LatestRuleDetection returns the most recent detection for a (user,
// session) pair, or (nil, nil) when none exists. Most recent is by
// watermark, not detected_at, so a force-reprocessed older window can
// never roll the watermark backwards.
func (s *ResultStore) LatestRuleDetection(ctx context.Context, userID, sessionID string) (*schema.RuleDetectionRecord, error) {
	query := `
		SELECT id, user_id, session_id, last_analyzed_log_id,
		       risk_score, risk_level, triggered_rules, explanation, detected_at
		FROM rule_detections
		WHERE user_id = ? AND session_id = ?
		ORDER BY last_analyzed_log_id DESC
		LIMIT 1
	`
	rows, err := s.client.Query(ctx, query, userID, sessionID)
	if err != nil {
		return nil, WrapQueryError("LatestRuleDetection", "rule_detections", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nil
	}
	rec, err := scanRuleDetection(rows)
	if err != nil {
		return nil, WrapQueryError("LatestRuleDetection", "rule_detections", err)
	}
	return rec, nil
}

// InsertRuleDetection stores one rule engine record.
func (s *ResultStore) InsertRuleDetection(ctx context.Context, rec *schema.RuleDetectionRecord) error {
	query := `
		INSERT INTO rule_detections (
			id, user_id, session_id, last_analyzed_log_id,
			risk_score, risk_level, triggered_rules, explanation, detected_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	err := s.client.Exec(ctx, query,
		rec.ID, rec.UserID, rec.SessionID, rec.LastAnalyzedLogID,
		int32(rec.RiskScore), string(rec.RiskLevel), rec.TriggeredRules,
		rec.Explanation, rec.DetectedAt,
	)
	if err != nil {
		return WrapQueryError("InsertRuleDetection", "rule_detections", err)
	}
	return nil
}

// FindAnomalyDuplicate returns a prior anomaly record for the user created
// at or after since with an identical explanation and score, or (nil, nil).
func (s *ResultStore) FindAnomalyDuplicate(ctx context.Context, userID string, since time.Time, explanation string, score int) (*schema.AnomalyScoreRecord, error) {
	query := `
		SELECT id, user_id, session_id, risk_score, risk_level,
		       explanation, triggered_rules, created_at
		FROM anomaly_scores
		WHERE user_id = ? AND created_at >= ? AND explanation = ? AND risk_score = ?
		ORDER BY created_at DESC
		LIMIT 1
	`
	rows, err := s.client.Query(ctx, query, userID, since, explanation, int32(score))
	if err != nil {
		return nil, WrapQueryError("FindAnomalyDuplicate", "anomaly_scores", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nil
	}
	rec, err := scanAnomalyScore(rows)
	if err != nil {
		return nil, WrapQueryError("FindAnomalyDuplicate", "anomaly_scores", err)
	}
	return rec, nil
}

// InsertAnomalyScore stores one baseline engine record.
func (s *ResultStore) InsertAnomalyScore(ctx context.Context, rec *schema.AnomalyScoreRecord) error {
	query := `
		INSERT INTO anomaly_scores (
			id, user_id, session_id, risk_score, risk_level,
			explanation, triggered_rules, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	err := s.client.Exec(ctx, query,
		rec.ID, rec.UserID, rec.SessionID, int32(rec.RiskScore),
		string(rec.RiskLevel), rec.Explanation, rec.TriggeredRules, rec.CreatedAt,
	)
	if err != nil {
		return WrapQueryError("InsertAnomalyScore", "anomaly_scores", err)
	}
	return nil
}

// RefreshAnomalyScore moves created_at forward on an existing record.
func (s *ResultStore) RefreshAnomalyScore(ctx context.Context, id uuid.UUID, createdAt time.Time) error {
	query := "ALTER TABLE anomaly_scores UPDATE created_at = ? WHERE id = ?"
	if err := s.client.Exec(ctx, query, createdAt, id); err != nil {
		return WrapQueryError("RefreshAnomalyScore", "anomaly_scores", err)
	}
	return nil
}

// DeleteAnomalyScore removes one record. Used only to roll back a subject's
// partial writes.
func (s *ResultStore) DeleteAnomalyScore(ctx context.Context, id uuid.UUID) error {
	query := "ALTER TABLE anomaly_scores DELETE WHERE id = ?"
	if err := s.client.Exec(ctx, query, id); err != nil {
		return WrapQueryError("DeleteAnomalyScore", "anomaly_scores", err)
	}
	return nil
}

// InsertFlaggedEvents stores flag records in one batch.
func (s *ResultStore) InsertFlaggedEvents(ctx context.Context, recs []schema.FlaggedEvent) error {
	if len(recs) == 0 {
		return nil
	}
	batch, err := s.client.PrepareBatch(ctx, `
		INSERT INTO flagged_events (id, log_id, reason, severity, flagged_at)
	`)
	if err != nil {
		return WrapQueryError("InsertFlaggedEvents", "flagged_events", err)
	}
	for i := range recs {
		r := &recs[i]
		if err := batch.Append(r.ID, r.LogID, r.Reason, string(r.Severity), r.FlaggedAt); err != nil {
			return WrapQueryError("InsertFlaggedEvents", "flagged_events", err)
		}
	}
	if err := batch.Send(); err != nil {
		return WrapQueryError("InsertFlaggedEvents", "flagged_events", err)
	}
	return nil
}

// ResultFilter narrows risk-record queries. Zero values mean no filter;
// Limit defaults to 100.
type ResultFilter struct {
	UserID string
	Level  schema.RiskLevel
	From   time.Time
	To     time.Time
	Limit  int
}

func (f ResultFilter) clauses(timeColumn string) (string, []any) {
	var conds []string
	var args []any
	if f.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Level != "" {
		conds = append(conds, "risk_level = ?")
		args = append(args, string(f.Level))
	}
	if !f.From.IsZero() {
		conds = append(conds, timeColumn+" >= ?")
		args = append(args, f.From)
	}
	if !f.To.IsZero() {
		conds = append(conds, timeColumn+" < ?")
		args = append(args, f.To)
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	return where, args
}

func (f ResultFilter) limit() int {
	if f.Limit <= 0 {
		return 100
	}
	return f.Limit
}

// AnomalyScores returns baseline records matching the filter, newest first.
func (s *ResultStore) AnomalyScores(ctx context.Context, f ResultFilter) ([]schema.AnomalyScoreRecord, error) {
	where, args := f.clauses("created_at")
	query := fmt.Sprintf(`
		SELECT id, user_id, session_id, risk_score, risk_level,
		       explanation, triggered_rules, created_at
		FROM anomaly_scores
		%s
		ORDER BY created_at DESC
		LIMIT %d
	`, where, f.limit())

	rows, err := s.client.Query(ctx, query, args...)
	if err != nil {
		return nil, WrapQueryError("AnomalyScores", "anomaly_scores", err)
	}
	defer rows.Close()

	var out []schema.AnomalyScoreRecord
	for rows.Next() {
		rec, err := scanAnomalyScore(rows)
		if err != nil {
			return nil, WrapQueryError("AnomalyScores", "anomaly_scores", err)
		}
		out = append(out, *rec)
	}
	return out, nil
}

// RuleDetections returns rule engine records matching the filter, newest
// first.
func (s *ResultStore) RuleDetections(ctx context.Context, f ResultFilter) ([]schema.RuleDetectionRecord, error) {
	where, args := f.clauses("detected_at")
	query := fmt.Sprintf(`
		SELECT id, user_id, session_id, last_analyzed_log_id,
		       risk_score, risk_level, triggered_rules, explanation, detected_at
		FROM rule_detections
		%s
		ORDER BY detected_at DESC
		LIMIT %d
	`, where, f.limit())

	rows, err := s.client.Query(ctx, query, args...)
	if err != nil {
		return nil, WrapQueryError("RuleDetections", "rule_detections", err)
	}
	defer rows.Close()

	var out []schema.RuleDetectionRecord
	for rows.Next() {
		rec, err := scanRuleDetection(rows)
		if err != nil {
			return nil, WrapQueryError("RuleDetections", "rule_detections", err)
		}
		out = append(out, *rec)
	}
	return out, nil
}

// FlaggedEvents returns the most recent flag records.
func (s *ResultStore) FlaggedEvents(ctx context.Context, limit int) ([]schema.FlaggedEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`
		SELECT id, log_id, reason, severity, flagged_at
		FROM flagged_events
		ORDER BY flagged_at DESC
		LIMIT %d
	`, limit)

	rows, err := s.client.Query(ctx, query)
	if err != nil {
		return nil, WrapQueryError("FlaggedEvents", "flagged_events", err)
	}
	defer rows.Close()

	var out []schema.FlaggedEvent
	for rows.Next() {
		var rec schema.FlaggedEvent
		var severity string
		if err := rows.Scan(&rec.ID, &rec.LogID, &rec.Reason, &severity, &rec.FlaggedAt); err != nil {
			return nil, WrapQueryError("FlaggedEvents", "flagged_events", err)
		}
		rec.Severity = schema.Severity(severity)
		out = append(out, rec)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAnomalyScore(rows scanner) (*schema.AnomalyScoreRecord, error) {
	var rec schema.AnomalyScoreRecord
	var score int32
	var level string
	if err := rows.Scan(
		&rec.ID, &rec.UserID, &rec.SessionID, &score, &level,
		&rec.Explanation, &rec.TriggeredRules, &rec.CreatedAt,
	); err != nil {
		return nil, err
	}
	rec.RiskScore = int(score)
	rec.RiskLevel = schema.RiskLevel(level)
	return &rec, nil
}

func scanRuleDetection(rows scanner) (*schema.RuleDetectionRecord, error) {
	var rec schema.RuleDetectionRecord
	var score int32
	var level string
	if err := rows.Scan(
		&rec.ID, &rec.UserID, &rec.SessionID, &rec.LastAnalyzedLogID,
		&score, &level, &rec.TriggeredRules, &rec.Explanation, &rec.DetectedAt,
	); err != nil {
		return nil, err
	}
	rec.RiskScore = int(score)
	rec.RiskLevel = schema.RiskLevel(level)
	return &rec, nil
}
