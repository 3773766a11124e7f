package attendance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckMarkNoHistory(t *testing.T) {
	s := loadedStore(t, newFakeRepo(), nil)

	ok, code, info := s.CheckMark("alice", time.Now(), 4860)
	assert.True(t, ok)
	assert.Equal(t, CodeOK, code)
	assert.Equal(t, 4860, info.CooldownSec)
	assert.Empty(t, info.Message)
}

func TestCheckMarkWithinCooldown(t *testing.T) {
	s := loadedStore(t, newFakeRepo(), nil)

	last := time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC)
	s.Record("alice", 0.9, last, 0)

	now := last.Add(10 * time.Minute)
	ok, code, info := s.CheckMark("alice", now, 4860)
	assert.False(t, ok)
	assert.Equal(t, CodeCooldown, code)
	assert.Equal(t, last.Add(4860*time.Second), info.UntilTS)
	assert.Equal(t, 4860-600, info.RemainingSec)
	assert.Equal(t, "Sudah absen, coba lagi dalam 1 jam 11 menit", info.Message)
}

func TestCheckMarkAfterCooldown(t *testing.T) {
	s := loadedStore(t, newFakeRepo(), nil)

	last := time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC)
	s.Record("alice", 0.9, last, 0)

	ok, code, _ := s.CheckMark("alice", last.Add(4860*time.Second), 4860)
	assert.True(t, ok)
	assert.Equal(t, CodeOK, code)
}

func TestCheckMarkClockSkew(t *testing.T) {
	s := loadedStore(t, newFakeRepo(), nil)

	// Last mark sits in the future relative to now.
	last := time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)
	s.Record("alice", 0.9, last, 0)

	ok, code, info := s.CheckMark("alice", last.Add(-time.Hour), 4860)
	assert.True(t, ok)
	assert.Equal(t, CodeOK, code)
	assert.Equal(t, last, info.LastTS)
}

func TestCheckMarkUsesPersonIDHistory(t *testing.T) {
	repo := newFakeRepo()
	s := loadedStore(t, repo, resolver(map[string]string{
		"alice":    "p-aaaa-bbb-ccc",
		"alice v2": "p-aaaa-bbb-ccc",
	}))

	last := time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC)
	s.Record("alice", 0.9, last, 0)

	// A different label sharing the same person id shares its cooldown.
	ok, code, _ := s.CheckMark("alice v2", last.Add(time.Minute), 4860)
	assert.False(t, ok)
	assert.Equal(t, CodeCooldown, code)
}

func TestCooldownReady(t *testing.T) {
	s := loadedStore(t, newFakeRepo(), nil)
	require.True(t, s.CooldownReady("alice", time.Now(), 4860))

	last := time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC)
	s.Record("alice", 0.9, last, 0)
	assert.False(t, s.CooldownReady("alice", last.Add(time.Minute), 4860))
	assert.True(t, s.CooldownReady("alice", last.Add(2*time.Hour), 4860))
}
