package eventbus

// Kind names an event. The set is closed; see Kinds.
type Kind string

const (
	ComplianceViolation Kind = "compliance_violation"
	HighRiskDetected    Kind = "high_risk_detected"
	PIIDetected         Kind = "pii_detected"
	ScanCompleted       Kind = "scan_completed"
	ServiceConnected    Kind = "service_connected"
	ServiceDisconnected Kind = "service_disconnected"
	ScheduleUpdated     Kind = "schedule_updated"
	QuotaChanged        Kind = "quota_changed"
)

var catalog = [...]Kind{
	ComplianceViolation,
	HighRiskDetected,
	PIIDetected,
	ScanCompleted,
	ServiceConnected,
	ServiceDisconnected,
	ScheduleUpdated,
	QuotaChanged,
}

// Kinds returns a copy of the catalog in declaration order.
func Kinds() []Kind {
	out := make([]Kind, len(catalog))
	copy(out, catalog[:])
	return out
}

func (k Kind) Valid() bool {
	for _, c := range catalog {
		if c == k {
			return true
		}
	}
	return false
}

func (k Kind) String() string { return string(k) }
