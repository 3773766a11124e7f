package attendance

import (
	"strings"
	"time"

	"github.com/your-org/presence/internal/models"
	"github.com/your-org/presence/internal/timeutil"
)

// Schedule sources, in resolution order.
const (
	SourceOverride = "override"
	SourceWeekly   = "weekly"
	SourceDefault  = "default"
)

// GroupContext is a point-in-time view of group membership and enrolled
// person ids, used for override target matching.
type GroupContext struct {
	// Membership keyed by lowercase group id, slug and name; values are
	// sets of person ids.
	ByKey map[string]map[string]bool
	// Lowercase label -> person id.
	PersonByLabel map[string]string
}

// NewGroupContext indexes groups and the label->person mapping.
func NewGroupContext(groups []models.Group, personByLabel map[string]string) *GroupContext {
	gc := &GroupContext{
		ByKey:         make(map[string]map[string]bool),
		PersonByLabel: make(map[string]string, len(personByLabel)),
	}
	for label, pid := range personByLabel {
		gc.PersonByLabel[strings.ToLower(label)] = pid
	}
	for _, g := range groups {
		members := make(map[string]bool, len(g.Members))
		for _, m := range g.Members {
			if m.PersonID != "" {
				members[m.PersonID] = true
			}
		}
		for _, key := range []string{g.ID, g.Slug, g.Name} {
			if key == "" {
				continue
			}
			gc.ByKey[strings.ToLower(key)] = members
		}
	}
	return gc
}

// PersonID resolves a label to its person id, or "".
func (gc *GroupContext) PersonID(label string) string {
	if gc == nil {
		return ""
	}
	return gc.PersonByLabel[strings.ToLower(label)]
}

// Resolved is the effective schedule for one identity on one date.
type Resolved struct {
	Enabled  bool
	CheckIn  string
	CheckOut string
	GraceIn  int
	GraceOut int
	Source   string
	Label    string
}

// ResolveSchedule picks the effective schedule for a date: a matching
// override (narrowest date span wins, later entry breaks ties), then
// the weekly rule for the day, then the document defaults. Pure: it
// reads only its arguments.
func ResolveSchedule(s models.Settings, day time.Time, label, personID string, groups *GroupContext) Resolved {
	if personID == "" {
		personID = groups.PersonID(label)
	}
	dateKey := timeutil.DateKey(day)

	bestIdx := -1
	bestSpan := 0
	for i, ov := range s.Overrides {
		start, err := timeutil.ParseDate(ov.StartDate)
		if err != nil {
			continue
		}
		end, err := timeutil.ParseDate(ov.EndDate)
		if err != nil {
			continue
		}
		if dateKey < ov.StartDate || dateKey > ov.EndDate {
			continue
		}
		if !overrideMatches(ov, label, personID, groups) {
			continue
		}
		span := int(end.Sub(start)/(24*time.Hour)) + 1
		// Equal spans prefer the later entry.
		if bestIdx < 0 || span <= bestSpan {
			bestIdx = i
			bestSpan = span
		}
	}
	if bestIdx >= 0 {
		ov := s.Overrides[bestIdx]
		r := Resolved{
			Enabled:  ov.Enabled,
			CheckIn:  ov.CheckIn,
			CheckOut: ov.CheckOut,
			GraceIn:  s.GraceInMin,
			GraceOut: s.GraceOutMin,
			Source:   SourceOverride,
			Label:    ov.Label,
		}
		if ov.GraceInMin != nil {
			r.GraceIn = *ov.GraceInMin
		}
		if ov.GraceOutMin != nil {
			r.GraceOut = *ov.GraceOutMin
		}
		return r
	}

	dayName := timeutil.DayName(day)
	for _, rule := range s.Rules {
		if rule.Day == dayName {
			return Resolved{
				Enabled:  rule.Enabled,
				CheckIn:  rule.CheckIn,
				CheckOut: rule.CheckOut,
				GraceIn:  rule.GraceInMin,
				GraceOut: rule.GraceOutMin,
				Source:   SourceWeekly,
				Label:    rule.Label,
			}
		}
	}

	return Resolved{
		Enabled:  true,
		GraceIn:  s.GraceInMin,
		GraceOut: s.GraceOutMin,
		Source:   SourceDefault,
	}
}

// overrideMatches applies target rules: no targets means global; person
// targets match the person id when one is known, falling back to a
// case-insensitive label comparison only for un-enrolled identities;
// label targets compare case-insensitively; group targets test
// membership by group id, slug, or name.
func overrideMatches(ov models.Override, label, personID string, groups *GroupContext) bool {
	if len(ov.Targets) == 0 {
		return true
	}
	for _, t := range ov.Targets {
		switch t.Type {
		case models.TargetPerson:
			if personID != "" {
				if personID == t.Value {
					return true
				}
			} else if strings.EqualFold(label, t.Value) {
				return true
			}
		case models.TargetLabel:
			if strings.EqualFold(label, t.Value) {
				return true
			}
		case models.TargetGroup:
			if groups == nil || personID == "" {
				continue
			}
			if members, ok := groups.ByKey[strings.ToLower(t.Value)]; ok && members[personID] {
				return true
			}
		}
	}
	return false
}
