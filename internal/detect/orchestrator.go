// Package detect drives both detection engines across all active subjects:
// it enumerates candidates, feeds each engine its log window, maintains
// per-subject watermarks and dedup state, and forwards results to the sink.
package detect

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"sentinel-ueba/internal/baseline"
	"sentinel-ueba/internal/feature"
	"sentinel-ueba/internal/rules"
	"sentinel-ueba/internal/schema"
)

// FlagReasonAnomaly is the reason recorded when baseline scoring flags
// a user's observation-window events.
const FlagReasonAnomaly = "High anomaly score"

// FlagReasonCritical is the reason recorded when a critical rule detection
// flags a session's window events.
const FlagReasonCritical = "Critical rule violations"

// flagScoreThreshold is the risk score at or above which window events are
// flagged as a side effect.
const flagScoreThreshold = 90

// Config tunes the orchestrator.
type Config struct {
	// Workers bounds the per-subject parallelism of both engines.
	Workers int `yaml:"workers"`
	// RunLockTTL bounds how long a crashed run can hold the lock.
	RunLockTTL time.Duration `yaml:"run_lock_ttl"`
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		Workers:    4,
		RunLockTTL: 30 * time.Minute,
	}
}

// BaselineSummary reports one baseline run.
type BaselineSummary struct {
	EligibleUsers       int `json:"eligible_users"`
	NewRecords          int `json:"new_records"`
	RefreshedDuplicates int `json:"refreshed_duplicates"`
	FlaggedEvents       int `json:"flagged_events"`
	Failures            int `json:"failures"`
}

// RuleSummary reports one rule-engine run.
type RuleSummary struct {
	TotalAnalyzed     int `json:"total_analyzed"`
	NewAlerts         int `json:"new_alerts"`
	SkippedDuplicates int `json:"skipped_duplicates"`
	Failures          int `json:"failures"`
}

// Orchestrator coordinates detection runs.
type Orchestrator struct {
	events   EventStore
	profiles ProfileStore
	sink     ResultSink
	scorer   *baseline.Scorer
	engine   *rules.Engine
	locker   Locker
	cfg      Config
	logger   *slog.Logger

	// now is injectable for tests; production uses time.Now.
	now func() time.Time
}

// NewOrchestrator creates an Orchestrator. locker may be nil when the
// deployment guarantees a single runner by other means.
func NewOrchestrator(events EventStore, profiles ProfileStore, sink ResultSink,
	scorer *baseline.Scorer, engine *rules.Engine, locker Locker,
	cfg Config, logger *slog.Logger) *Orchestrator {

	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if locker == nil {
		locker = NewLocalLocker()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		events:   events,
		profiles: profiles,
		sink:     sink,
		scorer:   scorer,
		engine:   engine,
		locker:   locker,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// userWindow is one eligible user's collected input plus the observation
// events kept around for the flagging side effect.
type userWindow struct {
	samples   baseline.UserSamples
	obsEvents []schema.ActivityEvent
}

// RunBaseline scores every eligible user against their history and peers.
//
// Eligible means: at least one event in the baseline window
// [now-days-1d, now-1d) or in the observation window [now-obsHours, now].
// Users outside both windows are never scored and never produce a record.
func (o *Orchestrator) RunBaseline(ctx context.Context, days, obsHours int) ([]schema.AnomalyScoreRecord, BaselineSummary, error) {
	var summary BaselineSummary

	if days <= 0 {
		return nil, summary, invalidWindowf("baseline days must be positive, got %d", days)
	}
	if obsHours <= 0 {
		return nil, summary, invalidWindowf("observation hours must be positive, got %d", obsHours)
	}

	release, err := o.locker.Acquire(ctx, "baseline", o.cfg.RunLockTTL)
	if err != nil {
		return nil, summary, err
	}
	defer release()

	now := o.now().UTC()
	baselineStart := now.AddDate(0, 0, -(days + 1))
	baselineEnd := now.AddDate(0, 0, -1)
	obsStart := now.Add(-time.Duration(obsHours) * time.Hour)

	users, err := o.eligibleUsers(ctx, baselineStart, baselineEnd, obsStart, now)
	if err != nil {
		return nil, summary, err
	}
	if len(users) == 0 {
		return []schema.AnomalyScoreRecord{}, summary, nil
	}

	o.logger.Info("baseline run started",
		"eligible_users", len(users),
		"baseline_days", days,
		"observation_hours", obsHours,
	)

	// Phase 1: collect per-user daily samples and observation vectors in
	// parallel. No shared mutable state; each worker fills its own slots.
	windows := make([]*userWindow, len(users))
	var failures sync.Map

	o.forEach(ctx, len(users), func(i int) {
		uw, err := o.collectUserWindow(ctx, users[i], baselineStart, baselineEnd, obsStart, now)
		if err != nil {
			failures.Store(users[i], err)
			o.logger.Warn("skipping user", "user_id", users[i], "error", err)
			return
		}
		windows[i] = uw
	})
	if ctx.Err() != nil {
		return nil, summary, ctx.Err()
	}

	// Barrier: pooled cohort statistics need every user's samples before
	// any scoring happens. The scorer performs phases 2 and 3 itself.
	samples := make([]baseline.UserSamples, 0, len(windows))
	byUser := make(map[string]*userWindow, len(windows))
	for _, uw := range windows {
		if uw == nil {
			continue
		}
		samples = append(samples, uw.samples)
		byUser[uw.samples.UserID] = uw
	}
	summary.EligibleUsers = len(samples)

	results := o.scorer.Score(samples)

	// Commit each user's record independently; one user's persistence
	// failure never aborts the rest of the run.
	records := make([]schema.AnomalyScoreRecord, 0, len(results))
	var mu sync.Mutex

	o.forEach(ctx, len(results), func(i int) {
		rec, flagged, err := o.commitBaselineResult(ctx, &results[i], byUser[results[i].UserID], obsStart, now)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			summary.Failures++
			o.logger.Error("failed to persist anomaly score",
				"user_id", results[i].UserID, "error", err)
			return
		}
		if rec.refreshed {
			summary.RefreshedDuplicates++
		} else {
			summary.NewRecords++
		}
		summary.FlaggedEvents += flagged
		records = append(records, rec.record)
	})
	if ctx.Err() != nil {
		return records, summary, ctx.Err()
	}

	failures.Range(func(_, _ any) bool {
		summary.Failures++
		return true
	})

	sort.Slice(records, func(i, j int) bool { return records[i].RiskScore > records[j].RiskScore })

	o.logger.Info("baseline run complete",
		"scored", len(records),
		"new", summary.NewRecords,
		"refreshed", summary.RefreshedDuplicates,
		"flagged_events", summary.FlaggedEvents,
		"failures", summary.Failures,
	)
	return records, summary, nil
}

func (o *Orchestrator) eligibleUsers(ctx context.Context, baselineStart, baselineEnd, obsStart, now time.Time) ([]string, error) {
	inBaseline, err := o.events.UsersWithActivity(ctx, baselineStart, baselineEnd)
	if err != nil {
		return nil, err
	}
	inObs, err := o.events.UsersWithActivity(ctx, obsStart, now)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(inBaseline)+len(inObs))
	users := make([]string, 0, len(inBaseline)+len(inObs))
	for _, lst := range [][]string{inBaseline, inObs} {
		for _, u := range lst {
			if _, ok := seen[u]; ok {
				continue
			}
			seen[u] = struct{}{}
			users = append(users, u)
		}
	}
	sort.Strings(users)
	return users, nil
}

// collectUserWindow builds one user's daily baseline samples and
// observation vector. Days with no activity yield zero vectors so a flat
// history still produces a meaningful spread.
func (o *Orchestrator) collectUserWindow(ctx context.Context, userID string, baselineStart, baselineEnd, obsStart, now time.Time) (*userWindow, error) {
	role, err := o.profiles.Role(ctx, userID)
	if err != nil {
		return nil, err
	}

	histEvents, err := o.events.EventsByUser(ctx, userID, baselineStart, baselineEnd)
	if err != nil {
		return nil, err
	}
	obsEvents, err := o.events.EventsByUser(ctx, userID, obsStart, now)
	if err != nil {
		return nil, err
	}

	byDay := make(map[string][]schema.ActivityEvent)
	for _, e := range histEvents {
		day := e.Timestamp.UTC().Format("2006-01-02")
		byDay[day] = append(byDay[day], e)
	}

	var daily []feature.Vector
	for d := baselineStart.UTC().Truncate(24 * time.Hour); d.Before(baselineEnd); d = d.AddDate(0, 0, 1) {
		daily = append(daily, feature.Extract(byDay[d.Format("2006-01-02")]))
	}

	return &userWindow{
		samples: baseline.UserSamples{
			UserID:   userID,
			Role:     role,
			Daily:    daily,
			Observed: feature.Extract(obsEvents),
		},
		obsEvents: obsEvents,
	}, nil
}

type committedRecord struct {
	record    schema.AnomalyScoreRecord
	refreshed bool
}

// commitBaselineResult applies the dedup rule, persists the record, and
// performs the high-score flagging side effect. A flagging failure rolls
// back the just-inserted record so the subject is never half-written.
func (o *Orchestrator) commitBaselineResult(ctx context.Context, res *baseline.Result, uw *userWindow, obsStart, now time.Time) (committedRecord, int, error) {
	var out committedRecord

	// Dedup: identical explanation and score within the observation window
	// means a repeated trigger over an unchanged window; refresh instead of
	// inserting duplicate noise.
	existing, err := o.sink.FindAnomalyDuplicate(ctx, res.UserID, obsStart, res.Explanation, res.Score)
	if err != nil {
		return out, 0, err
	}
	if existing != nil {
		if err := o.sink.RefreshAnomalyScore(ctx, existing.ID, now); err != nil {
			return out, 0, err
		}
		existing.CreatedAt = now
		out.record = *existing
		out.refreshed = true
		return out, 0, nil
	}

	rec := schema.AnomalyScoreRecord{
		ID:             uuid.New(),
		UserID:         res.UserID,
		RiskScore:      res.Score,
		RiskLevel:      res.Level,
		Explanation:    res.Explanation,
		TriggeredRules: res.TriggeredRules,
		CreatedAt:      now,
	}
	if err := o.sink.InsertAnomalyScore(ctx, &rec); err != nil {
		return out, 0, err
	}

	flagged := 0
	if res.Score >= flagScoreThreshold && len(uw.obsEvents) > 0 {
		n, err := o.flagEvents(ctx, uw.obsEvents, FlagReasonAnomaly, schema.SeverityHigh, now)
		if err != nil {
			// Roll back this subject's record rather than leaving a
			// half-committed state.
			_ = o.sink.DeleteAnomalyScore(ctx, rec.ID)
			return out, 0, err
		}
		flagged = n
	}

	out.record = rec
	return out, flagged, nil
}

func (o *Orchestrator) flagEvents(ctx context.Context, events []schema.ActivityEvent, reason string, severity schema.Severity, at time.Time) (int, error) {
	logIDs := make([]uint64, len(events))
	flags := make([]schema.FlaggedEvent, len(events))
	for i := range events {
		logIDs[i] = events[i].LogID
		flags[i] = schema.FlaggedEvent{
			ID:        uuid.New(),
			LogID:     events[i].LogID,
			Reason:    reason,
			Severity:  severity,
			FlaggedAt: at,
		}
	}
	if err := o.sink.InsertFlaggedEvents(ctx, flags); err != nil {
		return 0, err
	}
	if err := o.events.FlagEvents(ctx, logIDs); err != nil {
		return 0, err
	}
	return len(flags), nil
}

// RunRules evaluates the signature battery against every (user, session)
// pair with activity inside the window. forceReprocess re-evaluates pairs
// even when no event exceeds the stored watermark.
func (o *Orchestrator) RunRules(ctx context.Context, windowHours int, forceReprocess bool) ([]schema.RuleDetectionRecord, RuleSummary, error) {
	var summary RuleSummary

	if windowHours <= 0 {
		return nil, summary, invalidWindowf("window hours must be positive, got %d", windowHours)
	}

	release, err := o.locker.Acquire(ctx, "rules", o.cfg.RunLockTTL)
	if err != nil {
		return nil, summary, err
	}
	defer release()

	now := o.now().UTC()
	windowStart := now.Add(-time.Duration(windowHours) * time.Hour)

	users, err := o.events.UsersWithActivity(ctx, windowStart, now)
	if err != nil {
		return nil, summary, err
	}
	if len(users) == 0 {
		o.logger.Info("no user activity to analyze", "window_hours", windowHours)
		return []schema.RuleDetectionRecord{}, summary, nil
	}

	type task struct{ userID, sessionID string }
	var tasks []task
	seen := make(map[task]struct{})
	for _, u := range users {
		sessions, err := o.events.SessionsWithActivity(ctx, u, windowStart, now)
		if err != nil {
			o.logger.Error("failed to enumerate sessions", "user_id", u, "error", err)
			summary.Failures++
			continue
		}
		for _, s := range sessions {
			t := task{userID: u, sessionID: s}
			// Run-level dedup: one record per (user, session) per run.
			if _, dup := seen[t]; dup {
				continue
			}
			seen[t] = struct{}{}
			tasks = append(tasks, t)
		}
	}

	o.logger.Info("rule run started",
		"users", len(users),
		"sessions", len(tasks),
		"window_hours", windowHours,
		"force_reprocess", forceReprocess,
	)

	var mu sync.Mutex
	var records []schema.RuleDetectionRecord

	// Sessions are fully independent; each worker owns its subjects end to
	// end so sink writes for one subject never interleave.
	o.forEach(ctx, len(tasks), func(i int) {
		rec, skipped, err := o.evaluateSession(ctx, tasks[i].userID, tasks[i].sessionID, windowStart, now, forceReprocess)

		mu.Lock()
		defer mu.Unlock()
		switch {
		case err != nil:
			summary.Failures++
			o.logger.Error("session evaluation failed",
				"user_id", tasks[i].userID,
				"session_id", tasks[i].sessionID,
				"error", err,
			)
		case skipped:
			summary.SkippedDuplicates++
		default:
			summary.TotalAnalyzed++
			if rec != nil {
				summary.NewAlerts++
				records = append(records, *rec)
			}
		}
	})
	if ctx.Err() != nil {
		return records, summary, ctx.Err()
	}

	sort.Slice(records, func(i, j int) bool { return records[i].RiskScore > records[j].RiskScore })

	o.logger.Info("rule run complete",
		"analyzed", summary.TotalAnalyzed,
		"new_alerts", summary.NewAlerts,
		"skipped", summary.SkippedDuplicates,
		"failures", summary.Failures,
	)
	return records, summary, nil
}

// evaluateSession runs the battery over one (user, session) window.
// Returns (nil, true, nil) when the watermark shows nothing new, and
// (nil, false, nil) when the window was analyzed but no rule triggered.
func (o *Orchestrator) evaluateSession(ctx context.Context, userID, sessionID string, windowStart, now time.Time, force bool) (*schema.RuleDetectionRecord, bool, error) {
	role, err := o.profiles.Role(ctx, userID)
	if err != nil {
		return nil, false, err
	}

	var watermark uint64
	if !force {
		last, err := o.sink.LatestRuleDetection(ctx, userID, sessionID)
		if err != nil {
			return nil, false, err
		}
		if last != nil {
			watermark = last.LastAnalyzedLogID
		}
	}

	events, err := o.events.EventsBySession(ctx, userID, sessionID, windowStart, now)
	if err != nil {
		return nil, false, err
	}
	if len(events) == 0 {
		return nil, false, nil
	}

	// Pattern correlation needs the full window even when only new events
	// justify re-evaluation, so the skip check looks at log ids only.
	maxLogID := events[len(events)-1].LogID
	if maxLogID <= watermark && !force {
		return nil, true, nil
	}

	eval := o.engine.Evaluate(events, role)
	if eval == nil {
		return nil, false, nil
	}

	rec := schema.RuleDetectionRecord{
		ID:                uuid.New(),
		UserID:            userID,
		SessionID:         sessionID,
		LastAnalyzedLogID: maxLogID,
		RiskScore:         eval.RiskScore,
		RiskLevel:         eval.RiskLevel,
		TriggeredRules:    eval.TriggeredRules,
		Explanation:       eval.Explanation,
		DetectedAt:        now,
	}
	if err := o.sink.InsertRuleDetection(ctx, &rec); err != nil {
		return nil, false, err
	}

	if eval.RiskScore >= flagScoreThreshold {
		if _, err := o.flagEvents(ctx, events, FlagReasonCritical, schema.SeverityCritical, now); err != nil {
			o.logger.Error("failed to flag session events",
				"user_id", userID, "session_id", sessionID, "error", err)
		}
	}

	return &rec, false, nil
}

// forEach fans n index jobs out over the configured worker count and waits
// for them. Jobs observe ctx cancellation between dispatches.
func (o *Orchestrator) forEach(ctx context.Context, n int, fn func(i int)) {
	if n == 0 {
		return
	}
	workers := o.cfg.Workers
	if workers > n {
		workers = n
	}

	work := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range work {
				fn(i)
			}
		}()
	}

dispatch:
	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			break dispatch
		case work <- i:
		}
	}
	close(work)
	wg.Wait()
}

// IsProfileMissing reports whether err is the data-integrity skip case.
func IsProfileMissing(err error) bool {
	return errors.Is(err, ErrProfileMissing)
}
