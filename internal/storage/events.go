package storage

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"sentinel-ueba/internal/schema"
)

// EventStore reads the activity log and maintains the is_flagged bit. It
// satisfies the detection orchestrator's event interface.
type EventStore struct {
	client *ClickHouseClient
}

// NewEventStore creates an EventStore.
func NewEventStore(client *ClickHouseClient) *EventStore {
	return &EventStore{client: client}
}

// UsersWithActivity returns distinct user ids with at least one event in
// [from, to).
func (s *EventStore) UsersWithActivity(ctx context.Context, from, to time.Time) ([]string, error) {
	query := `
		SELECT DISTINCT user_id
		FROM activity_events
		WHERE timestamp >= ? AND timestamp < ?
		ORDER BY user_id
	`
	rows, err := s.client.Query(ctx, query, from, to)
	if err != nil {
		return nil, WrapQueryError("UsersWithActivity", "activity_events", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, WrapQueryError("UsersWithActivity", "activity_events", err)
		}
		users = append(users, u)
	}
	return users, nil
}

// SessionsWithActivity returns distinct non-empty session ids for a user
// with at least one event in [from, to).
func (s *EventStore) SessionsWithActivity(ctx context.Context, userID string, from, to time.Time) ([]string, error) {
	query := `
		SELECT DISTINCT session_id
		FROM activity_events
		WHERE user_id = ? AND session_id != '' AND timestamp >= ? AND timestamp < ?
		ORDER BY session_id
	`
	rows, err := s.client.Query(ctx, query, userID, from, to)
	if err != nil {
		return nil, WrapQueryError("SessionsWithActivity", "activity_events", err)
	}
	defer rows.Close()

	var sessions []string
	for rows.Next() {
		var sid string
		if err := rows.Scan(&sid); err != nil {
			return nil, WrapQueryError("SessionsWithActivity", "activity_events", err)
		}
		sessions = append(sessions, sid)
	}
	return sessions, nil
}

const eventColumns = `
	log_id, user_id, session_id, action_type, action_detail,
	page_url, ip_address, user_agent, timestamp, log_type, is_flagged
`

// EventsByUser returns a user's events in [from, to), ordered by log_id.
func (s *EventStore) EventsByUser(ctx context.Context, userID string, from, to time.Time) ([]schema.ActivityEvent, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM activity_events
		WHERE user_id = ? AND timestamp >= ? AND timestamp < ?
		ORDER BY log_id
	`, eventColumns)
	return s.queryEvents(ctx, "EventsByUser", query, userID, from, to)
}

// EventsBySession returns one session's events in [from, to), ordered by
// log_id.
func (s *EventStore) EventsBySession(ctx context.Context, userID, sessionID string, from, to time.Time) ([]schema.ActivityEvent, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM activity_events
		WHERE user_id = ? AND session_id = ? AND timestamp >= ? AND timestamp < ?
		ORDER BY log_id
	`, eventColumns)
	return s.queryEvents(ctx, "EventsBySession", query, userID, sessionID, from, to)
}

func (s *EventStore) queryEvents(ctx context.Context, op, query string, args ...any) ([]schema.ActivityEvent, error) {
	rows, err := s.client.Query(ctx, query, args...)
	if err != nil {
		return nil, WrapQueryError(op, "activity_events", err)
	}
	defer rows.Close()

	var events []schema.ActivityEvent
	for rows.Next() {
		var e schema.ActivityEvent
		var logType string
		if err := rows.Scan(
			&e.LogID, &e.UserID, &e.SessionID, &e.ActionType, &e.ActionDetail,
			&e.PageURL, &e.IPAddress, &e.UserAgent, &e.Timestamp, &logType, &e.IsFlagged,
		); err != nil {
			return nil, WrapQueryError(op, "activity_events", err)
		}
		e.LogType = schema.LogType(logType)
		events = append(events, e)
	}
	return events, nil
}

// FlagEvents sets is_flagged on the referenced rows. ClickHouse mutations
// are asynchronous; detection reads the flag only for display, so eventual
// visibility is acceptable.
func (s *EventStore) FlagEvents(ctx context.Context, logIDs []uint64) error {
	if len(logIDs) == 0 {
		return nil
	}

	ids := make([]string, len(logIDs))
	for i, id := range logIDs {
		ids[i] = fmt.Sprintf("%d", id)
	}
	query := fmt.Sprintf(
		"ALTER TABLE activity_events UPDATE is_flagged = true WHERE log_id IN (%s)",
		strings.Join(ids, ","),
	)
	if err := s.client.Exec(ctx, query); err != nil {
		return WrapQueryError("FlagEvents", "activity_events", err)
	}
	return nil
}

// MaxLogID returns the highest assigned log id, or 0 on an empty table.
func (s *EventStore) MaxLogID(ctx context.Context) (uint64, error) {
	rows, err := s.client.Query(ctx, "SELECT max(log_id) FROM activity_events")
	if err != nil {
		return 0, WrapQueryError("MaxLogID", "activity_events", err)
	}
	defer rows.Close()

	var max uint64
	if rows.Next() {
		if err := rows.Scan(&max); err != nil {
			return 0, WrapQueryError("MaxLogID", "activity_events", err)
		}
	}
	return max, nil
}

// LogIDAllocator hands out monotonic log ids. ClickHouse has no
// auto-increment, so the single ingestion process seeds the counter from
// the table's current maximum and advances it atomically. The run lock
// guarantees one allocator instance per deployment.
type LogIDAllocator struct {
	next atomic.Uint64
}

// NewLogIDAllocator seeds an allocator from the stored maximum.
func NewLogIDAllocator(ctx context.Context, store *EventStore) (*LogIDAllocator, error) {
	max, err := store.MaxLogID(ctx)
	if err != nil {
		return nil, err
	}
	a := &LogIDAllocator{}
	a.next.Store(max)
	return a, nil
}

// Next returns the next log id.
func (a *LogIDAllocator) Next() uint64 {
	return a.next.Add(1)
}
