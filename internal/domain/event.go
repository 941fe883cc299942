package domain

import "time"

// ArchiveEvent announces timesteps appended to one yearly archive by a
// pipeline run. It is the payload of archive notifications.
type ArchiveEvent struct {
	ID         string      `json:"id"`
	RunID      string      `json:"run_id"`
	Provider   Provider    `json:"provider"`
	ProductID  string      `json:"product_id"`
	Variant    Variant     `json:"variant"`
	Store      string      `json:"store"`
	Times      []time.Time `json:"times"`
	AppendedAt time.Time   `json:"appended_at"`
}

// First returns the earliest appended time.
func (e ArchiveEvent) First() time.Time {
	if len(e.Times) == 0 {
		return time.Time{}
	}
	return e.Times[0]
}

// Last returns the latest appended time.
func (e ArchiveEvent) Last() time.Time {
	if len(e.Times) == 0 {
		return time.Time{}
	}
	return e.Times[len(e.Times)-1]
}
