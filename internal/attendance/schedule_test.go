package attendance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/your-org/presence/internal/models"
)

func testGroups() *GroupContext {
	groups := []models.Group{
		{
			ID:   "g1",
			Name: "Engineering",
			Slug: "engineering",
			Members: []models.GroupMember{
				{PersonID: "p-aaaa-bbb-ccc", Label: "alice"},
			},
		},
	}
	persons := map[string]string{
		"alice": "p-aaaa-bbb-ccc",
		"bob":   "p-bbbb-ccc-ddd",
	}
	return NewGroupContext(groups, persons)
}

func wibDate(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 10, 0, 0, 0, time.UTC)
}

func TestResolveScheduleWeekly(t *testing.T) {
	s := models.DefaultSettings()

	// 2026-03-09 is a Monday.
	got := ResolveSchedule(s, wibDate(2026, 3, 9), "alice", "", nil)
	assert.Equal(t, SourceWeekly, got.Source)
	assert.True(t, got.Enabled)
	assert.Equal(t, "08:30", got.CheckIn)
	assert.Equal(t, "17:00", got.CheckOut)
	assert.Equal(t, "Jam Kerja Normal", got.Label)

	// 2026-03-08 is a Sunday.
	got = ResolveSchedule(s, wibDate(2026, 3, 8), "alice", "", nil)
	assert.Equal(t, SourceWeekly, got.Source)
	assert.False(t, got.Enabled)
	assert.Equal(t, "Hari Libur", got.Label)
}

func TestResolveScheduleDefaultWhenNoRule(t *testing.T) {
	s := models.DefaultSettings()
	s.Rules = nil

	got := ResolveSchedule(s, wibDate(2026, 3, 9), "alice", "", nil)
	assert.Equal(t, SourceDefault, got.Source)
	assert.True(t, got.Enabled)
	assert.Equal(t, s.GraceInMin, got.GraceIn)
	assert.Equal(t, s.GraceOutMin, got.GraceOut)
}

func TestResolveScheduleGlobalOverride(t *testing.T) {
	s := models.DefaultSettings()
	s.Overrides = []models.Override{{
		ID:        "hol",
		StartDate: "2026-03-09",
		EndDate:   "2026-03-09",
		Label:     "Libur Nasional",
		Enabled:   false,
	}}

	got := ResolveSchedule(s, wibDate(2026, 3, 9), "alice", "", nil)
	assert.Equal(t, SourceOverride, got.Source)
	assert.False(t, got.Enabled)
	assert.Equal(t, "Libur Nasional", got.Label)

	// Outside the window the weekly rule applies again.
	got = ResolveSchedule(s, wibDate(2026, 3, 10), "alice", "", nil)
	assert.Equal(t, SourceWeekly, got.Source)
}

func TestResolveScheduleNarrowestSpanWins(t *testing.T) {
	s := models.DefaultSettings()
	s.Overrides = []models.Override{
		{ID: "month", StartDate: "2026-03-01", EndDate: "2026-03-31", Label: "Bulanan", Enabled: true},
		{ID: "day", StartDate: "2026-03-09", EndDate: "2026-03-09", Label: "Harian", Enabled: true},
	}

	got := ResolveSchedule(s, wibDate(2026, 3, 9), "alice", "", nil)
	assert.Equal(t, "Harian", got.Label)
}

func TestResolveScheduleTieBreakLaterEntry(t *testing.T) {
	s := models.DefaultSettings()
	s.Overrides = []models.Override{
		{ID: "first", StartDate: "2026-03-09", EndDate: "2026-03-09", Label: "Pertama", Enabled: true},
		{ID: "second", StartDate: "2026-03-09", EndDate: "2026-03-09", Label: "Kedua", Enabled: true},
	}

	got := ResolveSchedule(s, wibDate(2026, 3, 9), "alice", "", nil)
	assert.Equal(t, "Kedua", got.Label)
}

func TestResolveScheduleOverrideGrace(t *testing.T) {
	gi, gout := 30, 0
	s := models.DefaultSettings()
	s.Overrides = []models.Override{{
		ID:          "ramadan",
		StartDate:   "2026-03-01",
		EndDate:     "2026-03-31",
		Enabled:     true,
		CheckIn:     "09:00",
		CheckOut:    "15:00",
		GraceInMin:  &gi,
		GraceOutMin: &gout,
	}}

	got := ResolveSchedule(s, wibDate(2026, 3, 9), "alice", "", nil)
	assert.Equal(t, 30, got.GraceIn)
	assert.Equal(t, 0, got.GraceOut)
	assert.Equal(t, "09:00", got.CheckIn)
	assert.Equal(t, "15:00", got.CheckOut)
}

func TestOverrideTargetPerson(t *testing.T) {
	gc := testGroups()
	s := models.DefaultSettings()
	s.Overrides = []models.Override{{
		ID:        "cuti",
		StartDate: "2026-03-09",
		EndDate:   "2026-03-09",
		Label:     "Cuti",
		Enabled:   false,
		Targets:   []models.Target{{Type: models.TargetPerson, Value: "p-aaaa-bbb-ccc"}},
	}}

	got := ResolveSchedule(s, wibDate(2026, 3, 9), "alice", "", gc)
	assert.Equal(t, SourceOverride, got.Source)

	// Other people fall through to the weekly rule.
	got = ResolveSchedule(s, wibDate(2026, 3, 9), "bob", "", gc)
	assert.Equal(t, SourceWeekly, got.Source)

	// Without a group context the id cannot resolve, and the label does
	// not spell the target's person id.
	got = ResolveSchedule(s, wibDate(2026, 3, 9), "alice", "", nil)
	assert.Equal(t, SourceWeekly, got.Source)
}

func TestOverrideTargetPersonLabelFallback(t *testing.T) {
	s := models.DefaultSettings()
	s.Overrides = []models.Override{{
		ID:        "cuti",
		StartDate: "2026-03-09",
		EndDate:   "2026-03-09",
		Label:     "Cuti",
		Enabled:   false,
		Targets:   []models.Target{{Type: models.TargetPerson, Value: "alice"}},
	}}

	// An un-enrolled identity has no person id; the target falls back to
	// the label, case-insensitively.
	got := ResolveSchedule(s, wibDate(2026, 3, 9), "Alice", "", nil)
	assert.Equal(t, SourceOverride, got.Source)

	// Once a person id is known, the label never stands in.
	got = ResolveSchedule(s, wibDate(2026, 3, 9), "Alice", "p-zzzz-yyy-xxx", nil)
	assert.Equal(t, SourceWeekly, got.Source)
}

func TestOverrideTargetLabelCaseInsensitive(t *testing.T) {
	s := models.DefaultSettings()
	s.Overrides = []models.Override{{
		ID:        "wfh",
		StartDate: "2026-03-09",
		EndDate:   "2026-03-09",
		Label:     "WFH",
		Enabled:   true,
		Targets:   []models.Target{{Type: models.TargetLabel, Value: "Alice"}},
	}}

	got := ResolveSchedule(s, wibDate(2026, 3, 9), "alice", "", nil)
	assert.Equal(t, SourceOverride, got.Source)

	got = ResolveSchedule(s, wibDate(2026, 3, 9), "carol", "", nil)
	assert.Equal(t, SourceWeekly, got.Source)
}

func TestOverrideTargetGroup(t *testing.T) {
	gc := testGroups()
	s := models.DefaultSettings()
	for _, key := range []string{"g1", "Engineering", "engineering"} {
		s.Overrides = []models.Override{{
			ID:        "team",
			StartDate: "2026-03-09",
			EndDate:   "2026-03-09",
			Enabled:   false,
			Targets:   []models.Target{{Type: models.TargetGroup, Value: key}},
		}}

		got := ResolveSchedule(s, wibDate(2026, 3, 9), "alice", "", gc)
		assert.Equal(t, SourceOverride, got.Source, "group key %q", key)

		// bob is enrolled but not a member.
		got = ResolveSchedule(s, wibDate(2026, 3, 9), "bob", "", gc)
		assert.Equal(t, SourceWeekly, got.Source, "group key %q", key)
	}
}

func TestResolveScheduleIsPure(t *testing.T) {
	s := models.DefaultSettings()
	day := wibDate(2026, 3, 9)

	first := ResolveSchedule(s, day, "alice", "", nil)
	second := ResolveSchedule(s, day, "alice", "", nil)
	assert.Equal(t, first, second)
}
