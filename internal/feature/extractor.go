// Package feature turns slices of activity-log rows into fixed-shape
// numeric feature vectors for the baseline anomaly scorer.
package feature

import (
	"sentinel-ueba/internal/classify"
	"sentinel-ueba/internal/schema"
)

// Vector is the fixed-shape feature vector computed per (user, time-bucket).
// It is an intermediate value only and is never persisted on its own.
type Vector struct {
	TotalActions         float64
	Logins               float64
	FailedLogins         float64
	UniqueIPs            float64
	ActionsPerSession    float64
	OutsideHoursFraction float64
	Exports              float64
	AdminAccessCount     float64
}

// Name identifies one feature field.
type Name string

const (
	TotalActions         Name = "total_actions"
	Logins               Name = "logins"
	FailedLogins         Name = "failed_logins"
	UniqueIPs            Name = "unique_ips"
	ActionsPerSession    Name = "actions_per_session"
	OutsideHoursFraction Name = "outside_hours_fraction"
	Exports              Name = "exports"
	AdminAccessCount     Name = "admin_access_count"
)

// Names lists all features in a fixed evaluation order.
var Names = []Name{
	TotalActions,
	Logins,
	FailedLogins,
	UniqueIPs,
	ActionsPerSession,
	OutsideHoursFraction,
	Exports,
	AdminAccessCount,
}

// Get returns the named field's value.
func (v Vector) Get(name Name) float64 {
	switch name {
	case TotalActions:
		return v.TotalActions
	case Logins:
		return v.Logins
	case FailedLogins:
		return v.FailedLogins
	case UniqueIPs:
		return v.UniqueIPs
	case ActionsPerSession:
		return v.ActionsPerSession
	case OutsideHoursFraction:
		return v.OutsideHoursFraction
	case Exports:
		return v.Exports
	case AdminAccessCount:
		return v.AdminAccessCount
	}
	return 0
}

// Extract computes the feature vector for one subject's events. It is a pure
// function and never fails: empty input yields the zero vector and ratios
// default to 0, not NaN.
func Extract(events []schema.ActivityEvent) Vector {
	var v Vector
	if len(events) == 0 {
		return v
	}

	ips := make(map[string]struct{})
	sessions := make(map[string]int)
	outside := 0

	for i := range events {
		e := &events[i]
		v.TotalActions++

		if classify.IsFailedLogin(e) {
			v.FailedLogins++
		}
		if classify.IsLogin(e) {
			v.Logins++
		}
		if classify.IsExport(e) {
			v.Exports++
		}
		if classify.IsAdminAccess(e) {
			v.AdminAccessCount++
		}
		if classify.KnownIP(e) {
			ips[e.IPAddress] = struct{}{}
		}
		if classify.OutsideBusinessHours(e) {
			outside++
		}
		sessions[e.SessionID]++
	}

	v.UniqueIPs = float64(len(ips))
	v.OutsideHoursFraction = float64(outside) / v.TotalActions
	if len(sessions) > 0 {
		v.ActionsPerSession = v.TotalActions / float64(len(sessions))
	}

	return v
}
