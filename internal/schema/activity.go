// Package schema defines the canonical activity-log and risk-record types
// for sentinel-ueba. All ingested events are normalized to ActivityEvent
// before storage; both detection engines read and emit only these shapes.
package schema

import (
	"time"

	"github.com/google/uuid"
)

// LogType categorizes the origin of an activity event.
type LogType string

const (
	LogTypeUIEvent    LogType = "ui_event"
	LogTypeSystem     LogType = "system"
	LogTypeAuth       LogType = "auth"
	LogTypeDataAccess LogType = "data_access"
)

// IsValid checks if the log type is a valid value.
func (t LogType) IsValid() bool {
	switch t {
	case LogTypeUIEvent, LogTypeSystem, LogTypeAuth, LogTypeDataAccess:
		return true
	}
	return false
}

// ActivityEvent is one row of the append-only activity log.
//
// LogID is a monotonic ingestion id and is the canonical per-subject order;
// Timestamp is wall-clock and may lag LogID order under skew, so it is used
// only for window membership and hour-of-day checks. The row is immutable
// except for IsFlagged, which detection may set as a side effect.
type ActivityEvent struct {
	LogID        uint64    `json:"log_id" ch:"log_id"`
	UserID       string    `json:"user_id" ch:"user_id" validate:"required,max=128"`
	SessionID    string    `json:"session_id" ch:"session_id" validate:"max=256"`
	ActionType   string    `json:"action_type" ch:"action_type" validate:"required,max=128,action_type"`
	ActionDetail string    `json:"action_detail" ch:"action_detail" validate:"max=1024"`
	PageURL      string    `json:"page_url" ch:"page_url" validate:"max=1024"`
	IPAddress    string    `json:"ip_address" ch:"ip_address" validate:"max=64"`
	UserAgent    string    `json:"user_agent" ch:"user_agent" validate:"max=512"`
	Timestamp    time.Time `json:"timestamp" ch:"timestamp" validate:"required"`
	LogType      LogType   `json:"log_type" ch:"log_type" validate:"required,oneof=ui_event system auth data_access"`
	IsFlagged    bool      `json:"is_flagged" ch:"is_flagged"`
}

// UserProfile maps a user to their role category. Roles define peer cohorts
// for the baseline engine and permission boundaries for the rule engine.
type UserProfile struct {
	UserID string `json:"user_id" yaml:"user_id" ch:"user_id"`
	Role   string `json:"role" yaml:"role" ch:"role"`
}

// Role names with special meaning to the rule engine.
const (
	RoleAdmin      = "admin"
	RoleEmployee   = "employee"
	RoleContractor = "contractor"
)

// RiskLevel is an ordinal bucket derived from a numeric risk score.
type RiskLevel string

const (
	RiskNormal   RiskLevel = "Normal"
	RiskLow      RiskLevel = "Low Alert"
	RiskMedium   RiskLevel = "Medium Alert"
	RiskHigh     RiskLevel = "High Alert"
	RiskCritical RiskLevel = "Critical Alert"
)

// BaselineRiskLevel maps a baseline anomaly score to its level.
// The baseline scale tops out at High Alert.
func BaselineRiskLevel(score int) RiskLevel {
	switch {
	case score >= 90:
		return RiskHigh
	case score >= 70:
		return RiskMedium
	case score >= 40:
		return RiskLow
	default:
		return RiskNormal
	}
}

// RuleRiskLevel maps a rule-engine score to its level.
func RuleRiskLevel(score int) RiskLevel {
	switch {
	case score >= 90:
		return RiskCritical
	case score >= 70:
		return RiskHigh
	case score >= 40:
		return RiskMedium
	case score >= 20:
		return RiskLow
	default:
		return RiskNormal
	}
}

// Severity classifies flagged activity.
type Severity string

const (
	SeverityLow      Severity = "Low"
	SeverityMedium   Severity = "Medium"
	SeverityHigh     Severity = "High"
	SeverityCritical Severity = "Critical"
)

// AnomalyScoreRecord is the baseline engine output, one per scored user per
// run. SessionID is empty for user-level scores. CreatedAt is refreshed in
// place when a run reproduces an identical record inside the observation
// window; records are never otherwise mutated or deleted by detection.
type AnomalyScoreRecord struct {
	ID             uuid.UUID `json:"id" ch:"id"`
	UserID         string    `json:"user_id" ch:"user_id"`
	SessionID      string    `json:"session_id,omitempty" ch:"session_id"`
	RiskScore      int       `json:"risk_score" ch:"risk_score"`
	RiskLevel      RiskLevel `json:"risk_level" ch:"risk_level"`
	Explanation    string    `json:"explanation" ch:"explanation"`
	TriggeredRules string    `json:"triggered_rules" ch:"triggered_rules"`
	CreatedAt      time.Time `json:"created_at" ch:"created_at"`
}

// RuleDetectionRecord is the rule engine output, one per (user, session) per
// run when violations are found. LastAnalyzedLogID is the watermark: it must
// equal the maximum LogID among all events considered to produce the record.
type RuleDetectionRecord struct {
	ID                uuid.UUID `json:"id" ch:"id"`
	UserID            string    `json:"user_id" ch:"user_id"`
	SessionID         string    `json:"session_id" ch:"session_id"`
	LastAnalyzedLogID uint64    `json:"last_analyzed_log_id" ch:"last_analyzed_log_id"`
	RiskScore         int       `json:"risk_score" ch:"risk_score"`
	RiskLevel         RiskLevel `json:"risk_level" ch:"risk_level"`
	TriggeredRules    string    `json:"triggered_rules" ch:"triggered_rules"`
	Explanation       string    `json:"explanation" ch:"explanation"`
	DetectedAt        time.Time `json:"detected_at" ch:"detected_at"`
}

// FlaggedEvent marks one activity-log row as suspicious. It references the
// event by LogID and never mutates it beyond the IsFlagged bit.
type FlaggedEvent struct {
	ID        uuid.UUID `json:"id" ch:"id"`
	LogID     uint64    `json:"log_id" ch:"log_id"`
	Reason    string    `json:"reason" ch:"reason"`
	Severity  Severity  `json:"severity" ch:"severity"`
	FlaggedAt time.Time `json:"flagged_at" ch:"flagged_at"`
}
