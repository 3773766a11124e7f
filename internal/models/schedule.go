package models

import (
	"encoding/json"
	"strings"

	"github.com/your-org/presence/internal/timeutil"
)

// Target types for schedule overrides.
const (
	TargetPerson = "person"
	TargetGroup  = "group"
	TargetLabel  = "label"
)

const maxOverrideTargets = 64

// Target restricts an override to a person, a group, or a label.
// It accepts either a bare string or a {"type","value"} object on the
// wire; bare strings matching the person-id pattern become person
// targets, everything else a label target.
type Target struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

func (t *Target) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		s = strings.TrimSpace(s)
		if PersonIDPattern.MatchString(s) {
			*t = Target{Type: TargetPerson, Value: s}
		} else {
			*t = Target{Type: TargetLabel, Value: s}
		}
		return nil
	}

	var obj struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	typ := strings.ToLower(strings.TrimSpace(obj.Type))
	switch typ {
	case TargetPerson, TargetGroup, TargetLabel:
	default:
		typ = TargetLabel
	}
	*t = Target{Type: typ, Value: strings.TrimSpace(obj.Value)}
	return nil
}

// WeekRule is the schedule for one day of the week (Senin..Minggu).
type WeekRule struct {
	Day         string `json:"day"`
	Label       string `json:"label,omitempty"`
	Enabled     bool   `json:"enabled"`
	CheckIn     string `json:"check_in,omitempty"`
	CheckOut    string `json:"check_out,omitempty"`
	GraceInMin  int    `json:"grace_in_min"`
	GraceOutMin int    `json:"grace_out_min"`
	Notes       string `json:"notes,omitempty"`
}

// Override replaces the weekly rule for a date range, optionally scoped
// to specific targets. Empty Targets means it applies to everyone.
type Override struct {
	ID          string   `json:"id,omitempty"`
	StartDate   string   `json:"start_date"`
	EndDate     string   `json:"end_date"`
	Label       string   `json:"label,omitempty"`
	Enabled     bool     `json:"enabled"`
	CheckIn     string   `json:"check_in,omitempty"`
	CheckOut    string   `json:"check_out,omitempty"`
	GraceInMin  *int     `json:"grace_in_min,omitempty"`
	GraceOutMin *int     `json:"grace_out_min,omitempty"`
	Notes       string   `json:"notes,omitempty"`
	Targets     []Target `json:"targets,omitempty"`
}

// Settings is the per-org attendance configuration document. It is
// stored as JSON and deep-merged with defaults on load.
type Settings struct {
	CooldownSec           int        `json:"cooldown_sec"`
	MinCosineAccept       float64    `json:"min_cosine_accept"`
	SameDayLock           bool       `json:"same_day_lock"`
	DoubleMarkIntervalSec int        `json:"double_mark_interval_sec"`
	GraceInMin            int        `json:"grace_in_min"`
	GraceOutMin           int        `json:"grace_out_min"`
	Rules                 []WeekRule `json:"rules"`
	Overrides             []Override `json:"overrides"`
}

// DefaultSettings returns the stock configuration: 81-minute cooldown,
// working hours Monday to Friday 08:30-17:00, weekends off.
func DefaultSettings() Settings {
	s := Settings{
		CooldownSec:     4860,
		MinCosineAccept: 0.6,
		GraceInMin:      10,
		GraceOutMin:     5,
	}
	for _, day := range []string{"Senin", "Selasa", "Rabu", "Kamis", "Jumat", "Sabtu", "Minggu"} {
		workday := day != "Sabtu" && day != "Minggu"
		rule := WeekRule{
			Day:         day,
			Enabled:     workday,
			GraceInMin:  s.GraceInMin,
			GraceOutMin: s.GraceOutMin,
		}
		if workday {
			rule.Label = "Jam Kerja Normal"
			rule.CheckIn = "08:30"
			rule.CheckOut = "17:00"
		} else {
			rule.Label = "Hari Libur"
		}
		s.Rules = append(s.Rules, rule)
	}
	return s
}

// Normalize fills gaps with defaults and clamps every value into range.
func (s *Settings) Normalize() {
	def := DefaultSettings()
	if s.CooldownSec <= 0 {
		s.CooldownSec = def.CooldownSec
	}
	if s.MinCosineAccept <= 0 || s.MinCosineAccept > 1 {
		s.MinCosineAccept = def.MinCosineAccept
	}
	s.GraceInMin = timeutil.ClampGrace(s.GraceInMin)
	s.GraceOutMin = timeutil.ClampGrace(s.GraceOutMin)

	byDay := make(map[string]WeekRule, len(s.Rules))
	for _, r := range s.Rules {
		byDay[r.Day] = r
	}
	rules := make([]WeekRule, 0, len(def.Rules))
	for _, dr := range def.Rules {
		r, ok := byDay[dr.Day]
		if !ok {
			rules = append(rules, dr)
			continue
		}
		if r.CheckIn != "" {
			r.CheckIn = timeutil.NormalizeHHMM(r.CheckIn)
		}
		if r.CheckOut != "" {
			r.CheckOut = timeutil.NormalizeHHMM(r.CheckOut)
		}
		r.GraceInMin = timeutil.ClampGrace(r.GraceInMin)
		r.GraceOutMin = timeutil.ClampGrace(r.GraceOutMin)
		rules = append(rules, r)
	}
	s.Rules = rules

	for i := range s.Overrides {
		s.Overrides[i].normalize(s.GraceInMin, s.GraceOutMin)
	}
}

func (o *Override) normalize(defGraceIn, defGraceOut int) {
	if o.CheckIn != "" {
		o.CheckIn = timeutil.NormalizeHHMM(o.CheckIn)
	}
	if o.CheckOut != "" {
		o.CheckOut = timeutil.NormalizeHHMM(o.CheckOut)
	}
	if o.GraceInMin != nil {
		g := timeutil.ClampGrace(*o.GraceInMin)
		o.GraceInMin = &g
	} else {
		g := defGraceIn
		o.GraceInMin = &g
	}
	if o.GraceOutMin != nil {
		g := timeutil.ClampGrace(*o.GraceOutMin)
		o.GraceOutMin = &g
	} else {
		g := defGraceOut
		o.GraceOutMin = &g
	}

	// Dedupe targets, keep at most 64.
	seen := make(map[Target]bool, len(o.Targets))
	targets := o.Targets[:0]
	for _, t := range o.Targets {
		if t.Value == "" || seen[t] {
			continue
		}
		seen[t] = true
		targets = append(targets, t)
		if len(targets) == maxOverrideTargets {
			break
		}
	}
	o.Targets = targets
}
