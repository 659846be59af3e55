package detect

import (
	"context"
	"time"

	"github.com/google/uuid"

	"sentinel-ueba/internal/schema"
)

// EventStore is the read-only view over the activity log, plus the one
// permitted mutation: setting the is_flagged bit. Implementations must
// return events ordered by log_id ascending; log_id is the canonical
// per-subject order everywhere in detection.
type EventStore interface {
	// UsersWithActivity returns distinct user ids with at least one event
	// in [from, to).
	UsersWithActivity(ctx context.Context, from, to time.Time) ([]string, error)

	// SessionsWithActivity returns distinct non-empty session ids for a
	// user with at least one event in [from, to).
	SessionsWithActivity(ctx context.Context, userID string, from, to time.Time) ([]string, error)

	// EventsByUser returns a user's events in [from, to), ordered by log_id.
	EventsByUser(ctx context.Context, userID string, from, to time.Time) ([]schema.ActivityEvent, error)

	// EventsBySession returns one session's events in [from, to), ordered
	// by log_id.
	EventsBySession(ctx context.Context, userID, sessionID string, from, to time.Time) ([]schema.ActivityEvent, error)

	// FlagEvents sets is_flagged on the referenced events.
	FlagEvents(ctx context.Context, logIDs []uint64) error
}

// ProfileStore resolves user ids to role categories.
type ProfileStore interface {
	// Role returns the user's role, or ErrProfileMissing.
	Role(ctx context.Context, userID string) (string, error)
}

// ResultSink persists detection output. Lookups return (nil, nil) when no
// matching record exists.
type ResultSink interface {
	// LatestRuleDetection returns the most recent detection for the
	// (user, session) pair, which carries the watermark.
	LatestRuleDetection(ctx context.Context, userID, sessionID string) (*schema.RuleDetectionRecord, error)

	InsertRuleDetection(ctx context.Context, rec *schema.RuleDetectionRecord) error

	// FindAnomalyDuplicate returns a prior anomaly record for the user
	// created at or after since with an identical explanation and score.
	FindAnomalyDuplicate(ctx context.Context, userID string, since time.Time, explanation string, score int) (*schema.AnomalyScoreRecord, error)

	InsertAnomalyScore(ctx context.Context, rec *schema.AnomalyScoreRecord) error

	// RefreshAnomalyScore updates created_at on an existing record; used by
	// the dedup rule instead of inserting a duplicate row.
	RefreshAnomalyScore(ctx context.Context, id uuid.UUID, createdAt time.Time) error

	// DeleteAnomalyScore removes a record; used to roll back a subject's
	// partial writes when a later write for the same subject fails.
	DeleteAnomalyScore(ctx context.Context, id uuid.UUID) error

	InsertFlaggedEvents(ctx context.Context, recs []schema.FlaggedEvent) error
}
