package domain

// SourceRole identifies which ingestion source is delivering events.
type SourceRole string

const (
	SourcePrimary  SourceRole = "PRIMARY"  // interception of an authenticated client
	SourceFallback SourceRole = "FALLBACK" // own public connection
	SourceNone     SourceRole = "NONE"
)

// String returns the string representation of SourceRole.
func (r SourceRole) String() string {
	return string(r)
}

// HealthLevel is the degradation tier of the pipeline.
type HealthLevel int

const (
	HealthHealthy HealthLevel = iota
	HealthDegraded
	HealthCritical
)

// String returns the string representation of HealthLevel.
func (h HealthLevel) String() string {
	switch h {
	case HealthHealthy:
		return "HEALTHY"
	case HealthDegraded:
		return "DEGRADED"
	case HealthCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the level by name.
func (h HealthLevel) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// Worse returns the more severe of two levels.
func (h HealthLevel) Worse(other HealthLevel) HealthLevel {
	if other > h {
		return other
	}
	return h
}

// Provenance tells consumers whether an event came from live ingestion or replay.
type Provenance string

const (
	ProvenanceLive   Provenance = "live"
	ProvenanceReplay Provenance = "replay"
)
