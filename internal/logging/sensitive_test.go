package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestMaskSensitiveValue(t *testing.T) {
	tests := []struct {
		name      string
		fieldName string
		value     string
		expected  string
	}{
		{
			name:      "password field",
			fieldName: "password",
			value:     "mysecretpassword",
			expected:  MaskedValue,
		},
		{
			name:      "api_key field",
			fieldName: "api_key",
			value:     "sk_live_12345",
			expected:  MaskedValue,
		},
		{
			name:      "db_password field",
			fieldName: "db_password",
			value:     "dbpass123",
			expected:  MaskedValue,
		},
		{
			name:      "normal field",
			fieldName: "username",
			value:     "admin",
			expected:  "admin",
		},
		{
			name:      "user and session ids stay visible",
			fieldName: "session_id",
			value:     "sess-abc",
			expected:  "sess-abc",
		},
		{
			name:      "empty value",
			fieldName: "password",
			value:     "",
			expected:  "",
		},
		{
			name:      "mixed case sensitive field",
			fieldName: "API_KEY",
			value:     "secret123",
			expected:  MaskedValue,
		},
		{
			name:      "contains sensitive keyword",
			fieldName: "clickhouse_password_env",
			value:     "chpass",
			expected:  MaskedValue,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := MaskSensitiveValue(tt.fieldName, tt.value)
			if result != tt.expected {
				t.Errorf("MaskSensitiveValue(%q, %q) = %q, want %q",
					tt.fieldName, tt.value, result, tt.expected)
			}
		})
	}
}

func TestIsSensitiveField(t *testing.T) {
	tests := []struct {
		fieldName string
		sensitive bool
	}{
		{"password", true},
		{"Password", true},
		{"api_key", true},
		{"token", true},
		{"secret_access_key", true},
		{"username", false},
		{"user_id", false},
		{"session_id", false},
		{"ip_address", false},
	}

	for _, tt := range tests {
		t.Run(tt.fieldName, func(t *testing.T) {
			if got := IsSensitiveField(tt.fieldName); got != tt.sensitive {
				t.Errorf("IsSensitiveField(%q) = %v, want %v", tt.fieldName, got, tt.sensitive)
			}
		})
	}
}

func TestMaskIP(t *testing.T) {
	tests := []struct {
		ip       string
		expected string
	}{
		{"192.168.10.55", "192.168.x.x"},
		{"10.0.0.1", "10.0.x.x"},
		{"", ""},
		{"not-an-ip", MaskedValue},
		{"::1", MaskedValue},
	}

	for _, tt := range tests {
		if got := MaskIP(tt.ip); got != tt.expected {
			t.Errorf("MaskIP(%q) = %q, want %q", tt.ip, got, tt.expected)
		}
	}
}

func TestMaskString(t *testing.T) {
	tests := []struct {
		name      string
		s         string
		showFirst int
		showLast  int
		expected  string
	}{
		{"long value", "abcdefghijklmnop", 3, 2, "abc***op"},
		{"too short", "abcd", 3, 2, MaskedValue},
		{"empty", "", 3, 2, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MaskString(tt.s, tt.showFirst, tt.showLast); got != tt.expected {
				t.Errorf("MaskString(%q, %d, %d) = %q, want %q",
					tt.s, tt.showFirst, tt.showLast, got, tt.expected)
			}
		})
	}
}

func TestSafeLogValue(t *testing.T) {
	if got := SafeLogValue("password", "hunter2"); got != MaskedValue {
		t.Errorf("SafeLogValue(password) = %v, want masked", got)
	}
	if got := SafeLogValue("user_id", "u1001"); got != "u1001" {
		t.Errorf("SafeLogValue(user_id) = %v, want passthrough", got)
	}
	if got := SafeLogValue("token", nil); got != nil {
		t.Errorf("SafeLogValue(nil) = %v, want nil", got)
	}
	masked, ok := SafeLogValue("credentials", []string{"a", "b"}).([]string)
	if !ok || len(masked) != 2 || masked[0] != MaskedValue {
		t.Errorf("SafeLogValue([]string) = %v, want all masked", masked)
	}
}

func TestSetupWriter(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupWriter(&buf, "debug", "json")

	logger.Debug("probe", "user_id", "u1")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if entry["msg"] != "probe" {
		t.Errorf("msg = %v, want probe", entry["msg"])
	}
	if entry["user_id"] != "u1" {
		t.Errorf("user_id = %v, want u1", entry["user_id"])
	}
}

func TestSetupWriterRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupWriter(&buf, "info", "json")

	logger.Info("clickhouse connected",
		"database", "sentinel",
		"password", "hunter2",
		"user_id", "u1001",
	)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if entry["password"] != MaskedValue {
		t.Errorf("password = %v, want %q", entry["password"], MaskedValue)
	}
	if entry["database"] != "sentinel" {
		t.Errorf("database = %v, want sentinel", entry["database"])
	}
	if entry["user_id"] != "u1001" {
		t.Errorf("user_id = %v, want u1001", entry["user_id"])
	}
}

func TestSetupWriterLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupWriter(&buf, "warn", "text")

	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info line emitted at warn level: %q", buf.String())
	}

	logger.Warn("kept")
	if buf.Len() == 0 {
		t.Error("warn line not emitted at warn level")
	}
}
