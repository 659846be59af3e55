package detect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"sentinel-ueba/internal/baseline"
	"sentinel-ueba/internal/rules"
	"sentinel-ueba/internal/schema"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type fakeEventStore struct {
	mu      sync.Mutex
	events  []schema.ActivityEvent
	flagged []uint64
	flagErr error
}

func (s *fakeEventStore) inWindow(e *schema.ActivityEvent, from, to time.Time) bool {
	return !e.Timestamp.Before(from) && e.Timestamp.Before(to)
}

func (s *fakeEventStore) UsersWithActivity(_ context.Context, from, to time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	var users []string
	for i := range s.events {
		if s.inWindow(&s.events[i], from, to) {
			if _, ok := seen[s.events[i].UserID]; !ok {
				seen[s.events[i].UserID] = struct{}{}
				users = append(users, s.events[i].UserID)
			}
		}
	}
	sort.Strings(users)
	return users, nil
}

func (s *fakeEventStore) SessionsWithActivity(_ context.Context, userID string, from, to time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	var sessions []string
	for i := range s.events {
		e := &s.events[i]
		if e.UserID == userID && e.SessionID != "" && s.inWindow(e, from, to) {
			if _, ok := seen[e.SessionID]; !ok {
				seen[e.SessionID] = struct{}{}
				sessions = append(sessions, e.SessionID)
			}
		}
	}
	sort.Strings(sessions)
	return sessions, nil
}

func (s *fakeEventStore) EventsByUser(_ context.Context, userID string, from, to time.Time) ([]schema.ActivityEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []schema.ActivityEvent
	for i := range s.events {
		if s.events[i].UserID == userID && s.inWindow(&s.events[i], from, to) {
			out = append(out, s.events[i])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LogID < out[j].LogID })
	return out, nil
}

func (s *fakeEventStore) EventsBySession(_ context.Context, userID, sessionID string, from, to time.Time) ([]schema.ActivityEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []schema.ActivityEvent
	for i := range s.events {
		e := &s.events[i]
		if e.UserID == userID && e.SessionID == sessionID && s.inWindow(e, from, to) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LogID < out[j].LogID })
	return out, nil
}

func (s *fakeEventStore) FlagEvents(_ context.Context, logIDs []uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flagErr != nil {
		return s.flagErr
	}
	s.flagged = append(s.flagged, logIDs...)
	return nil
}

type fakeProfiles map[string]string

func (p fakeProfiles) Role(_ context.Context, userID string) (string, error) {
	role, ok := p[userID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrProfileMissing, userID)
	}
	return role, nil
}

type fakeSink struct {
	mu               sync.Mutex
	anomalies        []schema.AnomalyScoreRecord
	detections       []schema.RuleDetectionRecord
	flags            []schema.FlaggedEvent
	insertRuleErr    map[string]error
	insertAnomalyErr map[string]error
	flagInsertErr    error
}

func (s *fakeSink) LatestRuleDetection(_ context.Context, userID, sessionID string) (*schema.RuleDetectionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *schema.RuleDetectionRecord
	for i := range s.detections {
		d := &s.detections[i]
		if d.UserID == userID && d.SessionID == sessionID {
			if latest == nil || d.LastAnalyzedLogID > latest.LastAnalyzedLogID {
				latest = d
			}
		}
	}
	if latest == nil {
		return nil, nil
	}
	out := *latest
	return &out, nil
}

func (s *fakeSink) InsertRuleDetection(_ context.Context, rec *schema.RuleDetectionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.insertRuleErr[rec.UserID]; err != nil {
		return err
	}
	s.detections = append(s.detections, *rec)
	return nil
}

func (s *fakeSink) FindAnomalyDuplicate(_ context.Context, userID string, since time.Time, explanation string, score int) (*schema.AnomalyScoreRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.anomalies {
		a := &s.anomalies[i]
		if a.UserID == userID && !a.CreatedAt.Before(since) &&
			a.Explanation == explanation && a.RiskScore == score {
			out := *a
			return &out, nil
		}
	}
	return nil, nil
}

func (s *fakeSink) InsertAnomalyScore(_ context.Context, rec *schema.AnomalyScoreRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.insertAnomalyErr[rec.UserID]; err != nil {
		return err
	}
	s.anomalies = append(s.anomalies, *rec)
	return nil
}

func (s *fakeSink) RefreshAnomalyScore(_ context.Context, id uuid.UUID, createdAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.anomalies {
		if s.anomalies[i].ID == id {
			s.anomalies[i].CreatedAt = createdAt
			return nil
		}
	}
	return errors.New("record not found")
}

func (s *fakeSink) DeleteAnomalyScore(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.anomalies {
		if s.anomalies[i].ID == id {
			s.anomalies = append(s.anomalies[:i], s.anomalies[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *fakeSink) InsertFlaggedEvents(_ context.Context, recs []schema.FlaggedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flagInsertErr != nil {
		return s.flagInsertErr
	}
	s.flags = append(s.flags, recs...)
	return nil
}

func newTestOrchestrator(events *fakeEventStore, profiles fakeProfiles, sink *fakeSink, locker Locker) *Orchestrator {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	o := NewOrchestrator(events, profiles, sink,
		baseline.NewScorer(baseline.DefaultConfig(), logger),
		rules.NewEngine(), locker, DefaultConfig(), logger)
	o.now = func() time.Time { return testNow }
	return o
}

// seedBaselineActivity populates two users: one with a quiet routine and one
// with a massive export burst in the observation window.
func seedBaselineActivity(store *fakeEventStore) {
	var logID uint64
	add := func(userID, actionType string, ts time.Time) {
		logID++
		store.events = append(store.events, schema.ActivityEvent{
			LogID:      logID,
			UserID:     userID,
			SessionID:  "s-" + userID,
			ActionType: actionType,
			IPAddress:  "10.0.0.1",
			Timestamp:  ts,
			LogType:    schema.LogTypeUIEvent,
		})
	}

	for day := 3; day <= 8; day++ {
		ts := time.Date(2026, 3, day, 9, 0, 0, 0, time.UTC)
		add("u_flat", "view", ts)
		add("u_anom", "view", ts)
	}

	// Observation window.
	add("u_flat", "view", testNow.Add(-3*time.Hour))
	for i := 0; i < 50; i++ {
		add("u_anom", "export", testNow.Add(-2*time.Hour).Add(time.Duration(i)*time.Second))
	}
}

func TestRunBaselineInvalidWindow(t *testing.T) {
	o := newTestOrchestrator(&fakeEventStore{}, fakeProfiles{}, &fakeSink{}, nil)

	if _, _, err := o.RunBaseline(context.Background(), 0, 24); !errors.Is(err, ErrInvalidWindow) {
		t.Errorf("RunBaseline(days=0) error = %v, want ErrInvalidWindow", err)
	}
	if _, _, err := o.RunBaseline(context.Background(), 7, -1); !errors.Is(err, ErrInvalidWindow) {
		t.Errorf("RunBaseline(obsHours=-1) error = %v, want ErrInvalidWindow", err)
	}
}

func TestRunBaselineNoActivity(t *testing.T) {
	o := newTestOrchestrator(&fakeEventStore{}, fakeProfiles{}, &fakeSink{}, nil)

	records, summary, err := o.RunBaseline(context.Background(), 7, 24)
	if err != nil {
		t.Fatalf("RunBaseline() error = %v", err)
	}
	if len(records) != 0 || summary.EligibleUsers != 0 {
		t.Errorf("RunBaseline(empty store) = %v records, %+v", len(records), summary)
	}
}

func TestRunBaselineScoresAndFlags(t *testing.T) {
	store := &fakeEventStore{}
	seedBaselineActivity(store)
	sink := &fakeSink{}
	profiles := fakeProfiles{"u_flat": schema.RoleEmployee, "u_anom": schema.RoleEmployee}
	o := newTestOrchestrator(store, profiles, sink, nil)

	records, summary, err := o.RunBaseline(context.Background(), 7, 24)
	if err != nil {
		t.Fatalf("RunBaseline() error = %v", err)
	}

	if summary.EligibleUsers != 2 {
		t.Errorf("EligibleUsers = %d, want 2", summary.EligibleUsers)
	}
	if summary.NewRecords != 2 || summary.RefreshedDuplicates != 0 {
		t.Errorf("NewRecords = %d, RefreshedDuplicates = %d, want 2/0",
			summary.NewRecords, summary.RefreshedDuplicates)
	}
	if summary.Failures != 0 {
		t.Errorf("Failures = %d, want 0", summary.Failures)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}

	// Sorted by risk score descending; the export-burst user leads.
	if records[0].UserID != "u_anom" || records[0].RiskScore < records[1].RiskScore {
		t.Errorf("records not sorted by score: %s(%d), %s(%d)",
			records[0].UserID, records[0].RiskScore, records[1].UserID, records[1].RiskScore)
	}
	if records[0].RiskScore < 90 {
		t.Errorf("anomalous RiskScore = %d, want >= 90", records[0].RiskScore)
	}
	if records[0].RiskLevel != schema.RiskHigh {
		t.Errorf("anomalous RiskLevel = %v, want %v", records[0].RiskLevel, schema.RiskHigh)
	}

	// The high score flags the user's 50 observation events.
	if summary.FlaggedEvents != 50 {
		t.Errorf("FlaggedEvents = %d, want 50", summary.FlaggedEvents)
	}
	if len(sink.flags) != 50 {
		t.Fatalf("sink flags = %d, want 50", len(sink.flags))
	}
	for _, f := range sink.flags {
		if f.Reason != FlagReasonAnomaly || f.Severity != schema.SeverityHigh {
			t.Errorf("flag = %q/%v, want %q/%v", f.Reason, f.Severity, FlagReasonAnomaly, schema.SeverityHigh)
			break
		}
	}
	if len(store.flagged) != 50 {
		t.Errorf("store flagged log ids = %d, want 50", len(store.flagged))
	}
}

func TestRunBaselineDedupRefreshesDuplicate(t *testing.T) {
	store := &fakeEventStore{}
	seedBaselineActivity(store)
	sink := &fakeSink{}
	profiles := fakeProfiles{"u_flat": schema.RoleEmployee, "u_anom": schema.RoleEmployee}
	o := newTestOrchestrator(store, profiles, sink, nil)

	if _, _, err := o.RunBaseline(context.Background(), 7, 24); err != nil {
		t.Fatalf("first RunBaseline() error = %v", err)
	}
	firstCount := len(sink.anomalies)

	_, summary, err := o.RunBaseline(context.Background(), 7, 24)
	if err != nil {
		t.Fatalf("second RunBaseline() error = %v", err)
	}

	if summary.NewRecords != 0 {
		t.Errorf("NewRecords = %d, want 0 on identical rerun", summary.NewRecords)
	}
	if summary.RefreshedDuplicates != 2 {
		t.Errorf("RefreshedDuplicates = %d, want 2", summary.RefreshedDuplicates)
	}
	if summary.FlaggedEvents != 0 {
		t.Errorf("FlaggedEvents = %d, want 0 on refresh path", summary.FlaggedEvents)
	}
	if len(sink.anomalies) != firstCount {
		t.Errorf("anomaly records = %d after rerun, want %d", len(sink.anomalies), firstCount)
	}
}

func TestRunBaselineMissingProfileSkipsUser(t *testing.T) {
	store := &fakeEventStore{}
	seedBaselineActivity(store)
	// u_anom has no profile row.
	profiles := fakeProfiles{"u_flat": schema.RoleEmployee}
	sink := &fakeSink{}
	o := newTestOrchestrator(store, profiles, sink, nil)

	_, summary, err := o.RunBaseline(context.Background(), 7, 24)
	if err != nil {
		t.Fatalf("RunBaseline() error = %v", err)
	}
	if summary.Failures != 1 {
		t.Errorf("Failures = %d, want 1", summary.Failures)
	}
	if summary.EligibleUsers != 1 {
		t.Errorf("EligibleUsers = %d, want 1", summary.EligibleUsers)
	}
	for _, a := range sink.anomalies {
		if a.UserID == "u_anom" {
			t.Error("profile-less user produced a record")
		}
	}
}

func TestRunBaselineFlagFailureRollsBack(t *testing.T) {
	store := &fakeEventStore{}
	seedBaselineActivity(store)
	sink := &fakeSink{flagInsertErr: errors.New("sink unavailable")}
	profiles := fakeProfiles{"u_flat": schema.RoleEmployee, "u_anom": schema.RoleEmployee}
	o := newTestOrchestrator(store, profiles, sink, nil)

	_, summary, err := o.RunBaseline(context.Background(), 7, 24)
	if err != nil {
		t.Fatalf("RunBaseline() error = %v", err)
	}

	// The high scorer's flagging failed, so its record was rolled back; the
	// quiet user below the flag threshold persists normally.
	if summary.Failures != 1 {
		t.Errorf("Failures = %d, want 1", summary.Failures)
	}
	if summary.NewRecords != 1 {
		t.Errorf("NewRecords = %d, want 1", summary.NewRecords)
	}
	for _, a := range sink.anomalies {
		if a.UserID == "u_anom" {
			t.Error("half-committed record for flag-failed user not rolled back")
		}
	}
}

func TestRunBaselineLocked(t *testing.T) {
	locker := NewLocalLocker()
	release, err := locker.Acquire(context.Background(), "baseline", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	o := newTestOrchestrator(&fakeEventStore{}, fakeProfiles{}, &fakeSink{}, locker)
	if _, _, err := o.RunBaseline(context.Background(), 7, 24); !errors.Is(err, ErrRunLocked) {
		t.Errorf("RunBaseline() error = %v, want ErrRunLocked", err)
	}
}

// seedRuleActivity populates one contractor session whose delete violates
// RBAC and one quiet employee session.
func seedRuleActivity(store *fakeEventStore, hijacked bool) {
	var logID uint64
	add := func(userID, sessionID, actionType, ip string, ts time.Time) {
		logID++
		store.events = append(store.events, schema.ActivityEvent{
			LogID:      logID,
			UserID:     userID,
			SessionID:  sessionID,
			ActionType: actionType,
			IPAddress:  ip,
			Timestamp:  ts,
			LogType:    schema.LogTypeUIEvent,
		})
	}

	base := testNow.Add(-2 * time.Hour)
	add("u_con", "s1", "delete", "10.0.0.1", base)
	if hijacked {
		add("u_con", "s1", "view", "10.0.0.2", base.Add(time.Minute))
		add("u_con", "s1", "view", "10.0.0.3", base.Add(2*time.Minute))
		add("u_con", "s1", "view", "10.0.0.4", base.Add(3*time.Minute))
	}
	add("u_emp", "s2", "view", "10.0.0.9", base.Add(10*time.Minute))
}

func TestRunRulesInvalidWindow(t *testing.T) {
	o := newTestOrchestrator(&fakeEventStore{}, fakeProfiles{}, &fakeSink{}, nil)
	if _, _, err := o.RunRules(context.Background(), 0, false); !errors.Is(err, ErrInvalidWindow) {
		t.Errorf("RunRules(0) error = %v, want ErrInvalidWindow", err)
	}
}

func TestRunRulesDetectsViolations(t *testing.T) {
	store := &fakeEventStore{}
	seedRuleActivity(store, false)
	sink := &fakeSink{}
	profiles := fakeProfiles{"u_con": schema.RoleContractor, "u_emp": schema.RoleEmployee}
	o := newTestOrchestrator(store, profiles, sink, nil)

	records, summary, err := o.RunRules(context.Background(), 24, false)
	if err != nil {
		t.Fatalf("RunRules() error = %v", err)
	}

	if summary.TotalAnalyzed != 2 {
		t.Errorf("TotalAnalyzed = %d, want 2", summary.TotalAnalyzed)
	}
	// Only the contractor session triggers; the quiet view session is
	// analyzed but produces no record.
	if summary.NewAlerts != 1 || len(records) != 1 {
		t.Fatalf("NewAlerts = %d, records = %d, want 1/1", summary.NewAlerts, len(records))
	}

	rec := records[0]
	if rec.UserID != "u_con" || rec.SessionID != "s1" {
		t.Errorf("record subject = %s/%s, want u_con/s1", rec.UserID, rec.SessionID)
	}
	if rec.RiskScore != 85 || rec.RiskLevel != schema.RiskHigh {
		t.Errorf("record = %d/%v, want 85/%v", rec.RiskScore, rec.RiskLevel, schema.RiskHigh)
	}
	if rec.LastAnalyzedLogID != 1 {
		t.Errorf("LastAnalyzedLogID = %d, want 1", rec.LastAnalyzedLogID)
	}
	// 85 is below the flagging threshold.
	if len(sink.flags) != 0 {
		t.Errorf("sink flags = %d, want 0", len(sink.flags))
	}
}

func TestRunRulesWatermarkSkipsUnchangedSessions(t *testing.T) {
	store := &fakeEventStore{}
	seedRuleActivity(store, false)
	sink := &fakeSink{}
	profiles := fakeProfiles{"u_con": schema.RoleContractor, "u_emp": schema.RoleEmployee}
	o := newTestOrchestrator(store, profiles, sink, nil)

	if _, _, err := o.RunRules(context.Background(), 24, false); err != nil {
		t.Fatalf("first RunRules() error = %v", err)
	}

	_, summary, err := o.RunRules(context.Background(), 24, false)
	if err != nil {
		t.Fatalf("second RunRules() error = %v", err)
	}
	// The contractor session has no events past the watermark. The quiet
	// session never stored a watermark, so it is analyzed again.
	if summary.SkippedDuplicates != 1 {
		t.Errorf("SkippedDuplicates = %d, want 1", summary.SkippedDuplicates)
	}
	if summary.NewAlerts != 0 {
		t.Errorf("NewAlerts = %d, want 0", summary.NewAlerts)
	}

	// Force reprocessing ignores the watermark and re-emits the alert.
	_, summary, err = o.RunRules(context.Background(), 24, true)
	if err != nil {
		t.Fatalf("forced RunRules() error = %v", err)
	}
	if summary.SkippedDuplicates != 0 || summary.NewAlerts != 1 {
		t.Errorf("forced run = %+v, want 0 skipped, 1 alert", summary)
	}
}

func TestRunRulesCriticalFlagsSessionEvents(t *testing.T) {
	store := &fakeEventStore{}
	seedRuleActivity(store, true)
	sink := &fakeSink{}
	profiles := fakeProfiles{"u_con": schema.RoleContractor, "u_emp": schema.RoleEmployee}
	o := newTestOrchestrator(store, profiles, sink, nil)

	records, _, err := o.RunRules(context.Background(), 24, false)
	if err != nil {
		t.Fatalf("RunRules() error = %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	if records[0].RiskScore != 100 || records[0].RiskLevel != schema.RiskCritical {
		t.Errorf("record = %d/%v, want 100/%v", records[0].RiskScore, records[0].RiskLevel, schema.RiskCritical)
	}

	// All 4 session events flagged as critical.
	if len(sink.flags) != 4 {
		t.Fatalf("sink flags = %d, want 4", len(sink.flags))
	}
	for _, f := range sink.flags {
		if f.Reason != FlagReasonCritical || f.Severity != schema.SeverityCritical {
			t.Errorf("flag = %q/%v, want %q/%v", f.Reason, f.Severity, FlagReasonCritical, schema.SeverityCritical)
			break
		}
	}
}

func TestRunRulesInsertFailureIsolated(t *testing.T) {
	store := &fakeEventStore{}
	seedRuleActivity(store, false)

	var logID uint64 = 1000
	// Second violating session for a different user.
	store.events = append(store.events, schema.ActivityEvent{
		LogID:      logID,
		UserID:     "u_con2",
		SessionID:  "s3",
		ActionType: "delete",
		IPAddress:  "10.0.0.5",
		Timestamp:  testNow.Add(-time.Hour),
		LogType:    schema.LogTypeUIEvent,
	})

	sink := &fakeSink{insertRuleErr: map[string]error{"u_con": errors.New("insert failed")}}
	profiles := fakeProfiles{
		"u_con":  schema.RoleContractor,
		"u_con2": schema.RoleContractor,
		"u_emp":  schema.RoleEmployee,
	}
	o := newTestOrchestrator(store, profiles, sink, nil)

	records, summary, err := o.RunRules(context.Background(), 24, false)
	if err != nil {
		t.Fatalf("RunRules() error = %v", err)
	}
	if summary.Failures != 1 {
		t.Errorf("Failures = %d, want 1", summary.Failures)
	}
	if summary.NewAlerts != 1 || len(records) != 1 || records[0].UserID != "u_con2" {
		t.Errorf("surviving alerts = %+v, want single u_con2 record", records)
	}
}
