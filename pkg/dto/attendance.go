package dto

// EventResponse is one attendance event on the wire. TS is ISO-8601 in
// WIB.
type EventResponse struct {
	ID       int64   `json:"id"`
	Label    string  `json:"label"`
	PersonID string  `json:"person_id,omitempty"`
	TS       string  `json:"ts"`
	Score    float64 `json:"score"`
}

type EventListResponse struct {
	Events  []EventResponse `json:"events"`
	Total   int             `json:"total"`
	Page    int             `json:"page"`
	PerPage int             `json:"per_page"`
}

// InsertEventRequest creates an event by hand (admin backfill).
type InsertEventRequest struct {
	Label string  `json:"label" binding:"required"`
	TS    string  `json:"ts" binding:"required"`
	Score float64 `json:"score"`
}

// PatchEventRequest edits an event; nil fields are left unchanged. An
// explicit person_id overrides the one derived from the label.
type PatchEventRequest struct {
	Label    *string  `json:"label,omitempty"`
	PersonID *string  `json:"person_id,omitempty"`
	TS       *string  `json:"ts,omitempty"`
	Score    *float64 `json:"score,omitempty"`
}

type BulkDeleteRequest struct {
	IDs []int64 `json:"ids" binding:"required"`
}

type DeletedResponse struct {
	Deleted int `json:"deleted"`
}
