package models

import (
	"regexp"
	"time"
)

// PersonIDPattern matches generated person ids, e.g. "p-9k2f-x01-7qa".
var PersonIDPattern = regexp.MustCompile(`^p-[a-z0-9]{4}-[a-z0-9]{3}-[a-z0-9]{3}$`)

// Identity is one enrolled face: a display label, a stable person id and
// a single reference embedding with its photo.
type Identity struct {
	ID        int64     `json:"id"`
	PersonID  string    `json:"person_id"`
	Label     string    `json:"label"`
	Embedding []float32 `json:"embedding,omitempty"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	PhotoID   int       `json:"photo_id"`
	PhotoPath string    `json:"photo_path"`
	PhotoURL  string    `json:"photo_url"`
	TS        time.Time `json:"ts"`
}

// Group is a named set of identities used by schedule override targets.
type Group struct {
	ID      string        `json:"id"`
	Name    string        `json:"name"`
	Slug    string        `json:"slug"`
	Members []GroupMember `json:"members,omitempty"`
}

type GroupMember struct {
	PersonID string `json:"person_id"`
	Label    string `json:"label"`
}
