// Package classify centralizes action classification for both detection
// engines. Every semantic category has exactly one predicate with an
// explicit synonym list; matching is deliberately permissive (lowercase
// substring checks) so a disguised signal is not silently missed;
// false positives are preferred over false negatives here.
package classify

import (
	"strings"

	"sentinel-ueba/internal/schema"
)

// VocabularyVersion identifies the synonym lists below. Bump when a list
// changes so stored explanations can be traced to the vocabulary that
// produced them.
const VocabularyVersion = "v1"

// Business hours are [6, 22]; an event at hour < 6 or hour > 22 is outside.
// Both engines share this single boundary.
const (
	BusinessHoursStart = 6
	BusinessHoursEnd   = 22
)

// failedLoginTypes are action types denoting a failed login attempt.
var failedLoginTypes = map[string]bool{
	"loginfail":    true,
	"login_fail":   true,
	"failed_login": true,
	"login_failed": true,
}

// loginTypes are action types denoting any login attempt.
var loginTypes = map[string]bool{
	"login":  true,
	"logon":  true,
	"signin": true,
}

// adminActionTypes are action types that are privileged by themselves.
var adminActionTypes = map[string]bool{
	"admin":            true,
	"admin_access":     true,
	"role_change":      true,
	"permission_grant": true,
}

// adminVocabulary are substrings of detail/URL that mark privileged operations.
var adminVocabulary = []string{"admin", "privilege", "sudo"}

// writeActionTypes are the mutating actions checked by after-hours and
// privilege rules.
var writeActionTypes = map[string]bool{
	"export": true,
	"edit":   true,
	"delete": true,
}

// IsLogin reports whether the event is a login attempt, failed or not.
func IsLogin(e *schema.ActivityEvent) bool {
	at := strings.ToLower(e.ActionType)
	if loginTypes[at] || failedLoginTypes[at] {
		return true
	}
	return strings.Contains(at, "login")
}

// IsFailedLogin reports whether the event is a failed login attempt.
// Matches the known failure action types, plus any event whose detail
// mentions both "failed" and "login".
func IsFailedLogin(e *schema.ActivityEvent) bool {
	if failedLoginTypes[strings.ToLower(e.ActionType)] {
		return true
	}
	detail := strings.ToLower(e.ActionDetail)
	return strings.Contains(detail, "failed") && strings.Contains(detail, "login")
}

// IsExport reports whether the event is a data export or bulk data access.
func IsExport(e *schema.ActivityEvent) bool {
	return strings.EqualFold(e.ActionType, "export") || e.LogType == schema.LogTypeDataAccess
}

// IsDelete reports whether the event destroys data.
func IsDelete(e *schema.ActivityEvent) bool {
	if strings.EqualFold(e.ActionType, "delete") {
		return true
	}
	return strings.Contains(strings.ToLower(e.ActionDetail), "delete")
}

// IsView reports whether the event is a read/view operation.
func IsView(e *schema.ActivityEvent) bool {
	return strings.EqualFold(e.ActionType, "view")
}

// IsAdminAccess reports whether the event touches a privileged operation:
// an admin action type, or a detail/URL mentioning the admin vocabulary.
func IsAdminAccess(e *schema.ActivityEvent) bool {
	if adminActionTypes[strings.ToLower(e.ActionType)] {
		return true
	}
	detail := strings.ToLower(e.ActionDetail)
	url := strings.ToLower(e.PageURL)
	for _, w := range adminVocabulary {
		if strings.Contains(detail, w) || strings.Contains(url, w) {
			return true
		}
	}
	return false
}

// IsWriteAction reports whether the event is export, edit or delete.
func IsWriteAction(e *schema.ActivityEvent) bool {
	return writeActionTypes[strings.ToLower(e.ActionType)]
}

// OutsideBusinessHours reports whether the event's wall-clock hour falls
// outside business hours.
func OutsideBusinessHours(e *schema.ActivityEvent) bool {
	h := e.Timestamp.Hour()
	return h < BusinessHoursStart || h > BusinessHoursEnd
}

// KnownIP reports whether the event carries a usable source address.
func KnownIP(e *schema.ActivityEvent) bool {
	return e.IPAddress != "" && !strings.EqualFold(e.IPAddress, "unknown")
}
