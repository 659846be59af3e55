package rules

import "time"

// ID names one signature rule.
type ID string

const (
	FailedLogins        ID = "failed_logins"
	MassExport          ID = "mass_export"
	AfterHoursCritical  ID = "after_hours_critical"
	VelocityAnomaly     ID = "velocity_anomaly"
	PrivilegeEscalation ID = "privilege_escalation"
	DataDestruction     ID = "data_destruction"
	LocationAnomaly     ID = "location_anomaly"
	SensitiveDataAccess ID = "sensitive_data_access"
	AdminAccess         ID = "admin_access"
)

// Descriptor is one immutable rule definition: its weight, optional
// threshold/timeframe, and MITRE ATT&CK reference where one applies.
type Descriptor struct {
	ID          ID
	Name        string
	MITREID     string
	Points      int
	Threshold   int
	Timeframe   time.Duration
	Description string
}

// battery is the sealed rule table. Every rule runs on every evaluation;
// a session can trigger several at once.
var battery = map[ID]Descriptor{
	FailedLogins: {
		ID:          FailedLogins,
		Name:        "Multiple Failed Logins",
		MITREID:     "T1110",
		Points:      25,
		Threshold:   3,
		Timeframe:   15 * time.Minute,
		Description: "Potential brute force attack (MITRE ATT&CK T1110)",
	},
	MassExport: {
		ID:          MassExport,
		Name:        "Bulk Data Export",
		MITREID:     "T1567",
		Points:      35,
		Threshold:   10,
		Description: "Unusual volume indicating data exfiltration",
	},
	AfterHoursCritical: {
		ID:          AfterHoursCritical,
		Name:        "After-Hours Critical Actions",
		Points:      20,
		Threshold:   3,
		Description: "Sensitive ops outside business hours (NIST AC-2)",
	},
	VelocityAnomaly: {
		ID:          VelocityAnomaly,
		Name:        "High Activity Velocity",
		Points:      25,
		Threshold:   50,
		Timeframe:   60 * time.Minute,
		Description: "Abnormal rate suggesting automation/bot",
	},
	PrivilegeEscalation: {
		ID:          PrivilegeEscalation,
		Name:        "Unauthorized Action",
		MITREID:     "T1078",
		Points:      45,
		Description: "Action violating role-based access control",
	},
	DataDestruction: {
		ID:          DataDestruction,
		Name:        "Data Deletion",
		MITREID:     "T1485",
		Points:      40,
		Description: "Deletion of sensitive resources",
	},
	LocationAnomaly: {
		ID:          LocationAnomaly,
		Name:        "Session Anomaly",
		MITREID:     "T1185",
		Points:      30,
		Threshold:   3,
		Description: "Multiple IPs indicate possible session hijacking",
	},
	SensitiveDataAccess: {
		ID:          SensitiveDataAccess,
		Name:        "Excessive Data Access",
		MITREID:     "T1213",
		Points:      15,
		Threshold:   30,
		Description: "High volume view operations (reconnaissance)",
	},
	AdminAccess: {
		ID:          AdminAccess,
		Name:        "Admin Surface Access",
		MITREID:     "T1078.003",
		Points:      40,
		Description: "Privileged operation by a non-administrative role",
	},
}

// order fixes the evaluation and reporting order of the battery.
var order = []ID{
	FailedLogins,
	MassExport,
	AfterHoursCritical,
	VelocityAnomaly,
	PrivilegeEscalation,
	DataDestruction,
	LocationAnomaly,
	SensitiveDataAccess,
	AdminAccess,
}

// Get returns the descriptor for a rule id.
func Get(id ID) Descriptor {
	return battery[id]
}

// Battery returns the rule descriptors in evaluation order.
func Battery() []Descriptor {
	out := make([]Descriptor, 0, len(order))
	for _, id := range order {
		out = append(out, battery[id])
	}
	return out
}

// AmplificationFactor multiplies the total when correlated critical signals
// co-occur: a privilege escalation together with a location anomaly or a
// bulk export.
const AmplificationFactor = 1.3
