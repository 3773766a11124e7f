package roster

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/presence/internal/vision"
)

const (
	previewTTL = 600 * time.Second
	previewCap = 256
)

var (
	// ErrPreviewExpired means the token was valid once but its entry
	// aged out; callers should map it to HTTP 410.
	ErrPreviewExpired = errors.New("preview expired")
	// ErrPreviewNotFound means the token was never issued (or already
	// consumed).
	ErrPreviewNotFound = errors.New("preview not found")
)

// StagedEnrollment is a previewed face waiting for confirmation: the
// crop that will become the roster photo, its embedding, and every
// detected box mapped into crop coordinates.
type StagedEnrollment struct {
	Token     string             `json:"token"`
	CropJPEG  []byte             `json:"-"`
	Embedding []float32          `json:"-"`
	Score     float32            `json:"score"`
	Face      vision.Detection   `json:"face"`
	Faces     []vision.Detection `json:"faces"`
	Width     int                `json:"width"`
	Height    int                `json:"height"`
	CreatedAt time.Time          `json:"-"`
}

// PreviewCache holds staged enrollments keyed by one-time token.
// Entries expire after previewTTL; when full the oldest entry is
// evicted.
type PreviewCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	cap     int
	entries map[string]*StagedEnrollment
	order   []string
}

func NewPreviewCache() *PreviewCache {
	return &PreviewCache{
		ttl:     previewTTL,
		cap:     previewCap,
		entries: make(map[string]*StagedEnrollment),
	}
}

// Put stages an enrollment and returns its token.
func (c *PreviewCache) Put(staged *StagedEnrollment) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	token := strings.ReplaceAll(uuid.New().String(), "-", "")
	staged.Token = token
	now := time.Now()
	staged.CreatedAt = now

	// Insertion order doubles as age order, so expired entries sit at
	// the front. Shed them before falling back to cap eviction.
	for len(c.order) > 0 {
		oldest, ok := c.entries[c.order[0]]
		if ok && now.Sub(oldest.CreatedAt) <= c.ttl {
			break
		}
		delete(c.entries, c.order[0])
		c.order = c.order[1:]
	}

	for len(c.entries) >= c.cap && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}

	c.entries[token] = staged
	c.order = append(c.order, token)
	return token
}

// Peek returns a staged entry without consuming it.
func (c *PreviewCache) Peek(token string) (*StagedEnrollment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(token, false)
}

// Consume returns a staged entry and removes it; a token can only be
// consumed once.
func (c *PreviewCache) Consume(token string) (*StagedEnrollment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(token, true)
}

func (c *PreviewCache) getLocked(token string, remove bool) (*StagedEnrollment, error) {
	staged, ok := c.entries[token]
	if !ok {
		return nil, ErrPreviewNotFound
	}
	if time.Since(staged.CreatedAt) > c.ttl {
		c.removeLocked(token)
		return nil, ErrPreviewExpired
	}
	if remove {
		c.removeLocked(token)
	}
	return staged, nil
}

func (c *PreviewCache) removeLocked(token string) {
	delete(c.entries, token)
	for i, t := range c.order {
		if t == token {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Len reports the number of live entries (expired ones included until
// touched).
func (c *PreviewCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
