package domain

// Outcome is the per-scan result reported by a run.
type Outcome string

const (
	OutcomeDownloaded    Outcome = "downloaded"
	OutcomeDuplicate     Outcome = "skipped (duplicate)"
	OutcomeDirty         Outcome = "skipped (dirty)"
	OutcomeCoordMismatch Outcome = "skipped (coord mismatch)"
	OutcomeTransient     Outcome = "failed (transient)"
)

// Outcomes lists every outcome in report order.
var Outcomes = []Outcome{
	OutcomeDownloaded, OutcomeDuplicate, OutcomeDirty, OutcomeCoordMismatch, OutcomeTransient,
}

// Label is the outcome as a metric label value.
func (o Outcome) Label() string {
	switch o {
	case OutcomeDownloaded:
		return "downloaded"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeDirty:
		return "dirty"
	case OutcomeCoordMismatch:
		return "coord_mismatch"
	case OutcomeTransient:
		return "transient"
	default:
		return "unknown"
	}
}
