package feature

import (
	"testing"
	"time"

	"sentinel-ueba/internal/schema"
)

func at(hour int) time.Time {
	return time.Date(2026, 3, 10, hour, 0, 0, 0, time.UTC)
}

func TestExtractEmptyInput(t *testing.T) {
	v := Extract(nil)
	if v != (Vector{}) {
		t.Errorf("Extract(nil) = %+v, want zero vector", v)
	}

	v = Extract([]schema.ActivityEvent{})
	if v.TotalActions != 0 || v.OutsideHoursFraction != 0 || v.ActionsPerSession != 0 {
		t.Errorf("Extract(empty) = %+v, want zeros without NaN", v)
	}
}

func TestExtractCounts(t *testing.T) {
	events := []schema.ActivityEvent{
		{SessionID: "s1", ActionType: "login", IPAddress: "10.0.0.1", Timestamp: at(9)},
		{SessionID: "s1", ActionType: "login_failed", IPAddress: "10.0.0.1", Timestamp: at(9)},
		{SessionID: "s1", ActionType: "view", IPAddress: "10.0.0.2", Timestamp: at(10)},
		{SessionID: "s2", ActionType: "export", IPAddress: "10.0.0.1", Timestamp: at(23)},
		{SessionID: "s2", ActionType: "admin_access", IPAddress: "unknown", Timestamp: at(2)},
		{SessionID: "s2", ActionType: "view", LogType: schema.LogTypeDataAccess, Timestamp: at(11)},
	}

	v := Extract(events)

	if v.TotalActions != 6 {
		t.Errorf("TotalActions = %v, want 6", v.TotalActions)
	}
	// login + login_failed both count as login attempts.
	if v.Logins != 2 {
		t.Errorf("Logins = %v, want 2", v.Logins)
	}
	if v.FailedLogins != 1 {
		t.Errorf("FailedLogins = %v, want 1", v.FailedLogins)
	}
	// export action plus the data_access view.
	if v.Exports != 2 {
		t.Errorf("Exports = %v, want 2", v.Exports)
	}
	if v.AdminAccessCount != 1 {
		t.Errorf("AdminAccessCount = %v, want 1", v.AdminAccessCount)
	}
	// "unknown" and empty addresses are not counted.
	if v.UniqueIPs != 2 {
		t.Errorf("UniqueIPs = %v, want 2", v.UniqueIPs)
	}
	if v.ActionsPerSession != 3 {
		t.Errorf("ActionsPerSession = %v, want 3", v.ActionsPerSession)
	}
	// Hours 23 and 2 fall outside business hours.
	want := 2.0 / 6.0
	if v.OutsideHoursFraction != want {
		t.Errorf("OutsideHoursFraction = %v, want %v", v.OutsideHoursFraction, want)
	}
}

func TestVectorGetCoversAllNames(t *testing.T) {
	v := Vector{
		TotalActions:         1,
		Logins:               2,
		FailedLogins:         3,
		UniqueIPs:            4,
		ActionsPerSession:    5,
		OutsideHoursFraction: 6,
		Exports:              7,
		AdminAccessCount:     8,
	}

	seen := make(map[float64]bool)
	for _, name := range Names {
		val := v.Get(name)
		if val == 0 {
			t.Errorf("Get(%s) = 0, field not wired", name)
		}
		if seen[val] {
			t.Errorf("Get(%s) = %v, duplicate of another field", name, val)
		}
		seen[val] = true
	}
}
