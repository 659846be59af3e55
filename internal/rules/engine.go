// Package rules implements the signature-based detection engine: a fixed
// battery of independent threshold rules evaluated against one (user,
// session) log window, with weighted points and correlation amplification.
package rules

import (
	"fmt"
	"strings"
	"time"

	"sentinel-ueba/internal/classify"
	"sentinel-ueba/internal/schema"
)

// Finding is one triggered rule.
type Finding struct {
	Rule        ID
	Name        string
	MITREID     string
	Severity    schema.Severity
	Count       int
	Points      int
	Description string
}

// Evaluation is the outcome of running the battery over one session window.
type Evaluation struct {
	Findings       []Finding
	TotalPoints    int
	Amplified      bool
	RiskScore      int
	RiskLevel      schema.RiskLevel
	TriggeredRules string
	Explanation    string
	// Reference is the instant all rolling windows were anchored to:
	// the latest event timestamp in the window, never the wall clock.
	Reference time.Time
}

// Engine is a stateless evaluator over the fixed rule battery.
type Engine struct{}

// NewEngine creates an Engine.
func NewEngine() *Engine {
	return &Engine{}
}

// evalContext carries one session window through the battery.
type evalContext struct {
	events []schema.ActivityEvent
	role   string
	ref    time.Time
}

// check evaluates one rule against the window, returning nil when the rule
// does not trigger.
type check func(evalContext) *Finding

var checks = map[ID]check{
	FailedLogins:        checkFailedLogins,
	MassExport:          checkMassExport,
	AfterHoursCritical:  checkAfterHours,
	VelocityAnomaly:     checkVelocity,
	PrivilegeEscalation: checkPrivilegeEscalation,
	DataDestruction:     checkDataDestruction,
	LocationAnomaly:     checkLocationAnomaly,
	SensitiveDataAccess: checkSensitiveDataAccess,
	AdminAccess:         checkAdminAccess,
}

// Evaluate runs every rule in the battery against a session's log window.
// Returns nil when no rule triggered; such sessions are silently skipped
// rather than recorded as Normal, which keeps this engine sparse and
// high-signal. Events need not be ordered; the reference instant is the
// maximum event timestamp in the window.
func (e *Engine) Evaluate(events []schema.ActivityEvent, role string) *Evaluation {
	if len(events) == 0 {
		return nil
	}

	ctx := evalContext{events: events, role: role, ref: latestTimestamp(events)}

	var findings []Finding
	total := 0
	for _, id := range order {
		if f := checks[id](ctx); f != nil {
			findings = append(findings, *f)
			total += f.Points
		}
	}
	if len(findings) == 0 {
		return nil
	}

	ev := &Evaluation{
		Findings:    findings,
		TotalPoints: total,
		Reference:   ctx.ref,
	}

	if hasFinding(findings, PrivilegeEscalation) &&
		(hasFinding(findings, LocationAnomaly) || hasFinding(findings, MassExport)) {
		ev.TotalPoints = int(float64(ev.TotalPoints) * AmplificationFactor)
		ev.Amplified = true
	}

	score := ev.TotalPoints
	if score > 100 {
		score = 100
	}
	ev.RiskScore = score
	ev.RiskLevel = schema.RuleRiskLevel(score)
	ev.TriggeredRules = renderTriggered(findings)
	ev.Explanation = renderExplanation(findings)

	return ev
}

func latestTimestamp(events []schema.ActivityEvent) time.Time {
	var ref time.Time
	for i := range events {
		if events[i].Timestamp.After(ref) {
			ref = events[i].Timestamp
		}
	}
	return ref
}

func hasFinding(findings []Finding, id ID) bool {
	for _, f := range findings {
		if f.Rule == id {
			return true
		}
	}
	return false
}

func renderTriggered(findings []Finding) string {
	names := make([]string, len(findings))
	for i, f := range findings {
		names[i] = f.Name
	}
	return strings.Join(names, ", ")
}

func renderExplanation(findings []Finding) string {
	parts := make([]string, len(findings))
	for i, f := range findings {
		ref := ""
		if f.MITREID != "" {
			ref = fmt.Sprintf(" [%s]", f.MITREID)
		}
		parts[i] = fmt.Sprintf("%s%s: %s (+%d pts)", f.Name, ref, f.Description, f.Points)
	}
	return strings.Join(parts, " | ")
}

func newFinding(d Descriptor, severity schema.Severity, count int, desc string) *Finding {
	return &Finding{
		Rule:        d.ID,
		Name:        d.Name,
		MITREID:     d.MITREID,
		Severity:    severity,
		Count:       count,
		Points:      d.Points,
		Description: desc,
	}
}

func checkFailedLogins(ctx evalContext) *Finding {
	d := battery[FailedLogins]
	cutoff := ctx.ref.Add(-d.Timeframe)
	count := 0
	for i := range ctx.events {
		e := &ctx.events[i]
		if classify.IsFailedLogin(e) && !e.Timestamp.Before(cutoff) {
			count++
		}
	}
	if count < d.Threshold {
		return nil
	}
	sev := schema.SeverityMedium
	if count > 5 {
		sev = schema.SeverityHigh
	}
	return newFinding(d, sev, count,
		fmt.Sprintf("%d failed attempts in %dmin", count, int(d.Timeframe.Minutes())))
}

func checkMassExport(ctx evalContext) *Finding {
	d := battery[MassExport]
	count := 0
	for i := range ctx.events {
		if classify.IsExport(&ctx.events[i]) {
			count++
		}
	}
	if count < d.Threshold {
		return nil
	}
	sev := schema.SeverityMedium
	if count > 20 {
		sev = schema.SeverityHigh
	}
	return newFinding(d, sev, count, fmt.Sprintf("%d data exports detected", count))
}

func checkAfterHours(ctx evalContext) *Finding {
	d := battery[AfterHoursCritical]
	count := 0
	for i := range ctx.events {
		e := &ctx.events[i]
		if classify.OutsideBusinessHours(e) && classify.IsWriteAction(e) {
			count++
		}
	}
	if count < d.Threshold {
		return nil
	}
	return newFinding(d, schema.SeverityMedium, count,
		fmt.Sprintf("%d sensitive ops outside business hours", count))
}

func checkVelocity(ctx evalContext) *Finding {
	d := battery[VelocityAnomaly]
	cutoff := ctx.ref.Add(-d.Timeframe)
	count := 0
	for i := range ctx.events {
		if !ctx.events[i].Timestamp.Before(cutoff) {
			count++
		}
	}
	if count < d.Threshold {
		return nil
	}
	sev := schema.SeverityMedium
	if count > 100 {
		sev = schema.SeverityHigh
	}
	return newFinding(d, sev, count,
		fmt.Sprintf("%d actions in %dmin (automation suspected)", count, int(d.Timeframe.Minutes())))
}

// checkPrivilegeEscalation enforces role boundaries: contractors may not
// edit, delete or export; employees may not delete.
func checkPrivilegeEscalation(ctx evalContext) *Finding {
	d := battery[PrivilegeEscalation]
	count := 0
	for i := range ctx.events {
		e := &ctx.events[i]
		at := strings.ToLower(e.ActionType)
		switch ctx.role {
		case schema.RoleContractor:
			if at == "edit" || at == "delete" || at == "export" {
				count++
			}
		case schema.RoleEmployee:
			if at == "delete" {
				count++
			}
		}
	}
	if count == 0 {
		return nil
	}
	return newFinding(d, schema.SeverityCritical, count,
		fmt.Sprintf("%s violated RBAC: %d unauthorized operation(s)", ctx.role, count))
}

func checkDataDestruction(ctx evalContext) *Finding {
	d := battery[DataDestruction]
	count := 0
	for i := range ctx.events {
		if classify.IsDelete(&ctx.events[i]) {
			count++
		}
	}
	if count == 0 {
		return nil
	}
	return newFinding(d, schema.SeverityCritical, count,
		fmt.Sprintf("%d deletion(s) on sensitive data", count))
}

func checkLocationAnomaly(ctx evalContext) *Finding {
	d := battery[LocationAnomaly]
	ips := make(map[string]struct{})
	for i := range ctx.events {
		e := &ctx.events[i]
		if classify.KnownIP(e) {
			ips[e.IPAddress] = struct{}{}
		}
	}
	if len(ips) < d.Threshold {
		return nil
	}
	return newFinding(d, schema.SeverityHigh, len(ips),
		fmt.Sprintf("%d IPs in single session (hijacking suspected)", len(ips)))
}

func checkSensitiveDataAccess(ctx evalContext) *Finding {
	d := battery[SensitiveDataAccess]
	count := 0
	for i := range ctx.events {
		if classify.IsView(&ctx.events[i]) {
			count++
		}
	}
	if count < d.Threshold {
		return nil
	}
	return newFinding(d, schema.SeverityLow, count,
		fmt.Sprintf("%d view ops (reconnaissance pattern)", count))
}

// checkAdminAccess flags privileged-surface access by any role below admin.
func checkAdminAccess(ctx evalContext) *Finding {
	d := battery[AdminAccess]
	if ctx.role == schema.RoleAdmin {
		return nil
	}
	count := 0
	for i := range ctx.events {
		if classify.IsAdminAccess(&ctx.events[i]) {
			count++
		}
	}
	if count == 0 {
		return nil
	}
	return newFinding(d, schema.SeverityHigh, count,
		fmt.Sprintf("%d admin-surface operation(s) by %s role", count, ctx.role))
}
