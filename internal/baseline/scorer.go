// Package baseline implements the statistical anomaly scorer. Each eligible
// user's observation-window feature vector is compared against their own
// daily history and against role-peer norms; the larger deviation per
// feature wins, and the final score is the more sensitive of an empirical
// percentile rank and a capped absolute deviation score.
package baseline

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"sentinel-ueba/internal/feature"
	"sentinel-ueba/internal/schema"
)

// Weights carried by each feature when combining z-scores.
var Weights = map[feature.Name]float64{
	feature.TotalActions:         20,
	feature.Logins:               15,
	feature.UniqueIPs:            30,
	feature.ActionsPerSession:    10,
	feature.OutsideHoursFraction: 25,
	feature.FailedLogins:         30,
	feature.Exports:              40,
	feature.AdminAccessCount:     35,
}

// totalWeight is the theoretical maximum weight sum, the denominator of the
// capped absolute score.
var totalWeight = func() float64 {
	var t float64
	for _, w := range Weights {
		t += w
	}
	return t
}()

// Config tunes the scorer.
type Config struct {
	// MinPeerCohort is the minimum number of users a role must have before
	// peer comparison is trusted. Below it only the user baseline is used.
	MinPeerCohort int
	// ZScoreCap bounds each feature's z-score in the absolute score.
	ZScoreCap float64
	// FindingThreshold is the z-score above which a feature becomes a finding.
	FindingThreshold float64
	// ExportBurstThreshold is the observed export count that unconditionally
	// adds a Bulk Export finding, regardless of statistical baseline.
	ExportBurstThreshold float64
	// ExportBurstBoost is added to the score on an export burst, capped at 100.
	ExportBurstBoost int
	// Workers is the parallelism of the per-user scoring phase.
	Workers int
}

// DefaultConfig returns the default scorer configuration.
func DefaultConfig() Config {
	return Config{
		MinPeerCohort:        2,
		ZScoreCap:            6.0,
		FindingThreshold:     2.0,
		ExportBurstThreshold: 8,
		ExportBurstBoost:     30,
		Workers:              4,
	}
}

// UserSamples is one eligible user's input to a scoring run: daily feature
// vectors over the baseline window plus one observation-window vector.
type UserSamples struct {
	UserID   string
	Role     string
	Daily    []feature.Vector
	Observed feature.Vector
}

// Finding is one anomalous feature with its deviation context.
type Finding struct {
	Feature     feature.Name
	Observed    float64
	Mean        float64
	StdDev      float64
	Z           float64
	Description string
}

// Result is one user's score with its explanation.
type Result struct {
	UserID         string
	Role           string
	Observed       feature.Vector
	Combined       float64
	Percentile     int
	CappedScore    int
	Score          int
	Level          schema.RiskLevel
	Findings       []Finding
	Explanation    string
	TriggeredRules string
}

// cohortStats holds pooled per-feature statistics for one role.
type cohortStats struct {
	members int
	means   map[feature.Name]float64
	stds    map[feature.Name]float64
}

// Scorer computes baseline anomaly scores for a set of eligible users.
type Scorer struct {
	cfg    Config
	logger *slog.Logger
}

// NewScorer creates a Scorer.
func NewScorer(cfg Config, logger *slog.Logger) *Scorer {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.ZScoreCap <= 0 {
		cfg.ZScoreCap = 6.0
	}
	return &Scorer{cfg: cfg, logger: logger}
}

// Score runs a full scoring pass. Input users are the eligible set for this
// run: callers must already have excluded users with no events in either
// window. The run has three phases: pooled cohort statistics, parallel
// per-user deviation scoring, then percentile ranking across the run.
func (s *Scorer) Score(users []UserSamples) []Result {
	if len(users) == 0 {
		return nil
	}

	cohorts := buildCohorts(users)

	results := make([]Result, len(users))
	var wg sync.WaitGroup
	work := make(chan int)

	for w := 0; w < s.cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range work {
				results[i] = s.scoreUser(users[i], cohorts[users[i].Role])
			}
		}()
	}
	for i := range users {
		work <- i
	}
	close(work)
	wg.Wait()

	// Percentile rank requires every user's combined deviation.
	combined := make([]float64, len(results))
	for i := range results {
		combined[i] = results[i].Combined
	}

	for i := range results {
		s.finalize(&results[i], combined)
	}

	return results
}

// buildCohorts pools daily samples per role and computes per-feature stats.
func buildCohorts(users []UserSamples) map[string]cohortStats {
	pooled := make(map[string][]feature.Vector)
	members := make(map[string]int)
	for i := range users {
		pooled[users[i].Role] = append(pooled[users[i].Role], users[i].Daily...)
		members[users[i].Role]++
	}

	cohorts := make(map[string]cohortStats, len(pooled))
	for role, samples := range pooled {
		cs := cohortStats{
			members: members[role],
			means:   make(map[feature.Name]float64, len(feature.Names)),
			stds:    make(map[feature.Name]float64, len(feature.Names)),
		}
		values := make([]float64, len(samples))
		for _, name := range feature.Names {
			for i := range samples {
				values[i] = samples[i].Get(name)
			}
			m := mean(values)
			cs.means[name] = m
			cs.stds[name] = stddev(values, m)
		}
		cohorts[role] = cs
	}
	return cohorts
}

// featureZ computes the deviation of observed against (m, sd, n samples).
// A zero or missing standard deviation is treated as 1.0 so a flat history
// still registers drift, except when mean and observation are both zero,
// in which case the feature carries no signal.
func featureZ(observed, m, sd float64, samples int) (float64, bool) {
	if samples == 0 || sd == 0 {
		if m == 0 && observed == 0 {
			return 0, false
		}
		sd = 1.0
	}
	return zscore(observed, m, sd), true
}

// scoreUser computes per-feature z-scores against both baselines and the
// combined/capped deviation scores. Percentile is filled in later.
func (s *Scorer) scoreUser(u UserSamples, cohort cohortStats) Result {
	res := Result{UserID: u.UserID, Role: u.Role, Observed: u.Observed}

	values := make([]float64, len(u.Daily))
	var weightedSum, weightSum, cappedSum float64

	for _, name := range feature.Names {
		obs := u.Observed.Get(name)

		for i := range u.Daily {
			values[i] = u.Daily[i].Get(name)
		}
		userMean := mean(values)
		userStd := stddev(values, userMean)

		z, ok := featureZ(obs, userMean, userStd, len(u.Daily))

		// Peer comparison only when the cohort is big enough to mean anything.
		if cohort.members >= s.cfg.MinPeerCohort {
			if pz, pok := featureZ(obs, cohort.means[name], cohort.stds[name], cohort.members); pok && pz > z {
				z, ok = pz, true
			}
		}

		w := Weights[name]
		capped := z
		if capped > s.cfg.ZScoreCap {
			capped = s.cfg.ZScoreCap
		}
		cappedSum += w * capped

		if !ok {
			continue
		}
		weightedSum += w * z
		weightSum += w

		if z >= s.cfg.FindingThreshold {
			res.Findings = append(res.Findings, Finding{
				Feature:  name,
				Observed: obs,
				Mean:     userMean,
				StdDev:   userStd,
				Z:        z,
				Description: fmt.Sprintf("%s deviates %.2fσ (observed %.2f, baseline mean %.2f)",
					name, z, obs, userMean),
			})
		}
	}

	if weightSum > 0 {
		res.Combined = weightedSum / weightSum
	}
	res.CappedScore = int(100 * cappedSum / (totalWeight * s.cfg.ZScoreCap))

	sort.Slice(res.Findings, func(i, j int) bool {
		if res.Findings[i].Z != res.Findings[j].Z {
			return res.Findings[i].Z > res.Findings[j].Z
		}
		return res.Findings[i].Feature < res.Findings[j].Feature
	})

	return res
}

// finalize ranks the user against the run, applies the export-burst
// override, and renders the explanation.
func (s *Scorer) finalize(res *Result, combined []float64) {
	res.Percentile = percentileRank(res.Combined, combined)

	score := res.Percentile
	if res.CappedScore > score {
		score = res.CappedScore
	}

	// Export bursts are unconditionally notable regardless of baseline.
	if res.Observed.Exports >= s.cfg.ExportBurstThreshold {
		if !hasBulkExportFinding(res.Findings) {
			res.Findings = append(res.Findings, Finding{
				Feature:     feature.Exports,
				Observed:    res.Observed.Exports,
				Description: "Bulk Export: export volume above burst threshold",
			})
		}
		score += s.cfg.ExportBurstBoost
	}
	if score > 100 {
		score = 100
	}

	res.Score = score
	res.Level = schema.BaselineRiskLevel(score)
	res.Explanation = renderExplanation(res)
	res.TriggeredRules = renderTriggeredRules(res.Findings)

	if s.logger != nil && res.Level != schema.RiskNormal {
		s.logger.Debug("anomaly scored",
			"user_id", res.UserID,
			"score", res.Score,
			"level", res.Level,
			"percentile", res.Percentile,
			"capped", res.CappedScore,
		)
	}
}

func hasBulkExportFinding(findings []Finding) bool {
	for _, f := range findings {
		if strings.HasPrefix(f.Description, "Bulk Export") {
			return true
		}
	}
	return false
}

// renderExplanation produces a deterministic explanation string; the dedup
// check compares it byte for byte across runs.
func renderExplanation(res *Result) string {
	parts := make([]string, 0, len(res.Findings)+1)
	for _, f := range res.Findings {
		parts = append(parts, f.Description)
	}
	parts = append(parts, fmt.Sprintf("combined deviation %.2f, percentile %d", res.Combined, res.Percentile))
	return strings.Join(parts, " | ")
}

func renderTriggeredRules(findings []Finding) string {
	if len(findings) == 0 {
		return ""
	}
	names := make([]string, 0, len(findings))
	for _, f := range findings {
		if strings.HasPrefix(f.Description, "Bulk Export") {
			names = append(names, "Bulk Export")
			continue
		}
		names = append(names, string(f.Feature))
	}
	return strings.Join(names, ", ")
}
