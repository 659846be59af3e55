package logging

import (
	"strings"
)

// SensitiveFields contains field names that should be masked in logs.
// Activity analysis logs user and session identifiers routinely; those are
// not secrets here. Credentials and connection secrets are.
var SensitiveFields = map[string]bool{
	"password":        true,
	"passwd":          true,
	"secret":          true,
	"token":           true,
	"api_key":         true,
	"apikey":          true,
	"access_token":    true,
	"refresh_token":   true,
	"private_key":     true,
	"client_secret":   true,
	"credentials":     true,
	"authorization":   true,
	"bearer":          true,
	"cookie":          true,
	"db_password":     true,
	"redis_password":  true,
	"secret_access_key": true,
}

// MaskedValue is the string used to replace sensitive values.
const MaskedValue = "[REDACTED]"

// IsSensitiveField checks if a field name is sensitive.
func IsSensitiveField(fieldName string) bool {
	lowerField := strings.ToLower(fieldName)

	if SensitiveFields[lowerField] {
		return true
	}

	for sensitive := range SensitiveFields {
		if strings.Contains(lowerField, sensitive) {
			return true
		}
	}

	return false
}

// MaskSensitiveValue masks a value if the field name is sensitive.
func MaskSensitiveValue(fieldName, value string) string {
	if value == "" {
		return value
	}
	if IsSensitiveField(fieldName) {
		return MaskedValue
	}
	return value
}

// MaskIP hides the host portion of an IP for privacy-scoped log output.
// IPv4 keeps the first two octets; anything else is fully masked.
func MaskIP(ip string) string {
	if ip == "" {
		return ""
	}
	parts := strings.Split(ip, ".")
	if len(parts) == 4 {
		return parts[0] + "." + parts[1] + ".x.x"
	}
	return MaskedValue
}

// MaskString masks a portion of a sensitive string, showing only first/last
// chars. Useful for partial visibility in debugging while protecting the
// value.
func MaskString(s string, showFirst, showLast int) string {
	if s == "" {
		return s
	}

	length := len(s)
	if length <= showFirst+showLast+3 {
		return MaskedValue
	}

	return s[:showFirst] + "***" + s[length-showLast:]
}

// SafeLogValue returns a safe-to-log version of a value based on field name.
func SafeLogValue(fieldName string, value interface{}) interface{} {
	if value == nil {
		return nil
	}

	if !IsSensitiveField(fieldName) {
		return value
	}

	switch v := value.(type) {
	case []string:
		masked := make([]string, len(v))
		for i := range masked {
			masked[i] = MaskedValue
		}
		return masked
	default:
		_ = v
		return MaskedValue
	}
}
