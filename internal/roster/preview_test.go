package roster

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreviewCacheConsumeOnce(t *testing.T) {
	c := NewPreviewCache()

	token := c.Put(&StagedEnrollment{Score: 0.9})
	require.NotEmpty(t, token)

	staged, err := c.Peek(token)
	require.NoError(t, err)
	assert.Equal(t, float32(0.9), staged.Score)

	// Peek does not consume.
	_, err = c.Peek(token)
	require.NoError(t, err)

	staged, err = c.Consume(token)
	require.NoError(t, err)
	assert.Equal(t, token, staged.Token)

	_, err = c.Consume(token)
	assert.ErrorIs(t, err, ErrPreviewNotFound)
}

func TestPreviewCacheUnknownToken(t *testing.T) {
	c := NewPreviewCache()
	_, err := c.Peek("deadbeef")
	assert.ErrorIs(t, err, ErrPreviewNotFound)
}

func TestPreviewCacheExpiry(t *testing.T) {
	c := NewPreviewCache()
	token := c.Put(&StagedEnrollment{})

	c.mu.Lock()
	c.entries[token].CreatedAt = time.Now().Add(-previewTTL - time.Second)
	c.mu.Unlock()

	_, err := c.Consume(token)
	assert.ErrorIs(t, err, ErrPreviewExpired)
	assert.Zero(t, c.Len())
}

func TestPreviewCachePutPrunesExpired(t *testing.T) {
	c := NewPreviewCache()
	stale := c.Put(&StagedEnrollment{})

	c.mu.Lock()
	c.entries[stale].CreatedAt = time.Now().Add(-previewTTL - time.Second)
	c.mu.Unlock()

	// Staging a new preview sheds the aged-out entry even though nobody
	// ever touched its token.
	fresh := c.Put(&StagedEnrollment{})

	assert.Equal(t, 1, c.Len())
	_, err := c.Peek(stale)
	assert.ErrorIs(t, err, ErrPreviewNotFound)
	_, err = c.Peek(fresh)
	assert.NoError(t, err)
}

func TestPreviewCacheEvictsOldest(t *testing.T) {
	c := NewPreviewCache()
	c.cap = 3

	var tokens []string
	for i := 0; i < 4; i++ {
		tokens = append(tokens, c.Put(&StagedEnrollment{Width: i}))
	}

	assert.Equal(t, 3, c.Len())
	_, err := c.Peek(tokens[0])
	assert.ErrorIs(t, err, ErrPreviewNotFound)

	staged, err := c.Peek(tokens[3])
	require.NoError(t, err)
	assert.Equal(t, 3, staged.Width)
}

func TestPreviewCacheTokensUnique(t *testing.T) {
	c := NewPreviewCache()
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		token := c.Put(&StagedEnrollment{})
		require.False(t, seen[token], fmt.Sprintf("token %q repeated", token))
		seen[token] = true
	}
}
