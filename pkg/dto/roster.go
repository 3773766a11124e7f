package dto

// IdentityResponse is one roster entry on the wire; embeddings never
// leave the server.
type IdentityResponse struct {
	ID       int64  `json:"id"`
	PersonID string `json:"person_id"`
	Label    string `json:"label"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	PhotoID  int    `json:"photo_id"`
	PhotoURL string `json:"photo_url,omitempty"`
	TS       string `json:"ts"`
}

type IdentityListResponse struct {
	Identities []IdentityResponse `json:"identities"`
	Total      int                `json:"total"`
}

// BoxResponse is a face box in crop coordinates.
type BoxResponse struct {
	X     float32 `json:"x"`
	Y     float32 `json:"y"`
	W     float32 `json:"w"`
	H     float32 `json:"h"`
	Score float32 `json:"score"`
}

// PreviewResponse stages an enrollment behind a one-time token. Crop is
// base64 JPEG, boxes are in crop coordinates.
type PreviewResponse struct {
	Token string        `json:"token"`
	Score float32       `json:"score"`
	Face  BoxResponse   `json:"face"`
	Faces []BoxResponse `json:"faces"`
	Crop  string        `json:"crop"`
}

// CommitRequest finalizes a previewed enrollment.
type CommitRequest struct {
	Token string `json:"token" binding:"required"`
	Label string `json:"label" binding:"required"`
	Force bool   `json:"force"`
}
