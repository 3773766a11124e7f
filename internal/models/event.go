package models

import "time"

// AttendanceEvent is one recorded mark. PersonID may be empty for events
// recorded before the label was enrolled with a person id.
type AttendanceEvent struct {
	ID       int64     `json:"id"`
	Label    string    `json:"label"`
	PersonID string    `json:"person_id,omitempty"`
	TS       time.Time `json:"ts"`
	Score    float64   `json:"score"`
}

// Ref is the key cooldown state is tracked under: the person id when
// known, otherwise the label.
func (e AttendanceEvent) Ref() string {
	if e.PersonID != "" {
		return e.PersonID
	}
	return e.Label
}
