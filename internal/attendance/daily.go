package attendance

import (
	"fmt"
	"sort"
	"time"

	"github.com/your-org/presence/internal/models"
	"github.com/your-org/presence/internal/timeutil"
)

// Daily statuses.
const (
	StatusPresent          = "present"
	StatusLate             = "late"
	StatusLeftEarly        = "left_early"
	StatusLateAndLeftEarly = "late_and_left_early"
	StatusOff              = "off"
)

// DailyRow aggregates one identity's marks on one WIB calendar day.
type DailyRow struct {
	Date             string    `json:"date"`
	Day              string    `json:"day"`
	Label            string    `json:"label"`
	PersonID         string    `json:"person_id,omitempty"`
	First            time.Time `json:"-"`
	Last             time.Time `json:"-"`
	FirstISO         string    `json:"first_iso"`
	LastISO          string    `json:"last_iso"`
	Count            int       `json:"count"`
	Status           string    `json:"status"`
	Display          string    `json:"display"`
	Late             bool      `json:"late"`
	LateMinutes      int       `json:"late_minutes"`
	LeftEarly        bool      `json:"left_early"`
	LeftEarlyMinutes int       `json:"left_early_minutes"`
	WorkMinutes      int       `json:"work_minutes"`
	CheckIn          string    `json:"check_in,omitempty"`
	CheckOut         string    `json:"check_out,omitempty"`
}

// BuildDailyRows folds events into per (identity, day) rows and grades
// each against the resolved schedule. Late means the first mark came
// after check-in plus grace; left-early means the last mark came before
// check-out minus grace. A day with marks on a disabled schedule is
// still displayed as present.
func BuildDailyRows(events []models.AttendanceEvent, settings models.Settings, groups *GroupContext) []DailyRow {
	type key struct {
		label string
		date  string
	}
	agg := make(map[key]*DailyRow)

	for _, ev := range events {
		k := key{label: ev.Label, date: timeutil.DateKey(ev.TS)}
		row, ok := agg[k]
		if !ok {
			row = &DailyRow{
				Date:     k.date,
				Day:      timeutil.DayName(ev.TS),
				Label:    ev.Label,
				PersonID: ev.PersonID,
				First:    ev.TS,
				Last:     ev.TS,
			}
			agg[k] = row
		}
		if ev.TS.Before(row.First) {
			row.First = ev.TS
		}
		if ev.TS.After(row.Last) {
			row.Last = ev.TS
		}
		if row.PersonID == "" && ev.PersonID != "" {
			row.PersonID = ev.PersonID
		}
		row.Count++
	}

	rows := make([]DailyRow, 0, len(agg))
	for _, row := range agg {
		day, _ := timeutil.ParseDate(row.Date)
		sched := ResolveSchedule(settings, day, row.Label, row.PersonID, groups)

		row.FirstISO = timeutil.FormatISO(row.First)
		row.LastISO = timeutil.FormatISO(row.Last)
		row.WorkMinutes = int(row.Last.Sub(row.First) / time.Minute)
		row.CheckIn = sched.CheckIn
		row.CheckOut = sched.CheckOut

		if !sched.Enabled {
			row.Status = StatusOff
			row.Display = "Off"
			if row.Count > 0 {
				row.Display = "Present"
			}
			rows = append(rows, *row)
			continue
		}

		firstMin := minutesOfDay(row.First)
		lastMin := minutesOfDay(row.Last)
		if in := timeutil.HHMMToMinutes(sched.CheckIn); in >= 0 {
			gate := in + sched.GraceIn
			row.Late = firstMin > gate
			if row.Late {
				row.LateMinutes = firstMin - gate
			}
		}
		if out := timeutil.HHMMToMinutes(sched.CheckOut); out >= 0 {
			gate := out - sched.GraceOut
			row.LeftEarly = lastMin < gate
			if row.LeftEarly {
				row.LeftEarlyMinutes = gate - lastMin
			}
		}

		switch {
		case row.Late && row.LeftEarly:
			row.Status = StatusLateAndLeftEarly
			row.Display = "Late, Left Early"
		case row.Late:
			row.Status = StatusLate
			row.Display = "Late"
		case row.LeftEarly:
			row.Status = StatusLeftEarly
			row.Display = "Left Early"
		default:
			row.Status = StatusPresent
			row.Display = "Present"
		}
		rows = append(rows, *row)
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Date != rows[j].Date {
			return rows[i].Date > rows[j].Date
		}
		return rows[i].Label < rows[j].Label
	})
	return rows
}

// SummaryBucket counts daily statuses within one period.
type SummaryBucket struct {
	Period    string `json:"period"`
	Total     int    `json:"total"`
	Present   int    `json:"present"`
	Late      int    `json:"late"`
	LeftEarly int    `json:"left_early"`
	Off       int    `json:"off"`
}

// Leader ranks identities by attended days.
type Leader struct {
	Label    string `json:"label"`
	PersonID string `json:"person_id,omitempty"`
	Days     int    `json:"days"`
}

// Summary buckets daily rows by month and ISO week and ranks leaders.
type Summary struct {
	Monthly []SummaryBucket `json:"monthly"`
	Weekly  []SummaryBucket `json:"weekly"`
	Leaders []Leader        `json:"leaders"`
}

// BuildSummary folds daily rows into monthly and weekly buckets plus a
// leaderboard of most-attended identities.
func BuildSummary(rows []DailyRow) Summary {
	monthly := make(map[string]*SummaryBucket)
	weekly := make(map[string]*SummaryBucket)
	days := make(map[string]*Leader)

	for _, row := range rows {
		day, err := timeutil.ParseDate(row.Date)
		if err != nil {
			continue
		}

		monthKey := day.Format("2006-01")
		year, week := day.ISOWeek()
		weekKey := isoWeekKey(year, week)

		for _, pair := range []struct {
			m   map[string]*SummaryBucket
			key string
		}{{monthly, monthKey}, {weekly, weekKey}} {
			b, ok := pair.m[pair.key]
			if !ok {
				b = &SummaryBucket{Period: pair.key}
				pair.m[pair.key] = b
			}
			b.Total++
			switch row.Status {
			case StatusOff:
				b.Off++
			case StatusLate, StatusLateAndLeftEarly:
				b.Late++
				if row.Status == StatusLateAndLeftEarly {
					b.LeftEarly++
				}
			case StatusLeftEarly:
				b.LeftEarly++
			default:
				b.Present++
			}
		}

		if row.Count > 0 {
			l, ok := days[row.Label]
			if !ok {
				l = &Leader{Label: row.Label, PersonID: row.PersonID}
				days[row.Label] = l
			}
			l.Days++
		}
	}

	out := Summary{}
	for _, b := range monthly {
		out.Monthly = append(out.Monthly, *b)
	}
	for _, b := range weekly {
		out.Weekly = append(out.Weekly, *b)
	}
	sort.Slice(out.Monthly, func(i, j int) bool { return out.Monthly[i].Period > out.Monthly[j].Period })
	sort.Slice(out.Weekly, func(i, j int) bool { return out.Weekly[i].Period > out.Weekly[j].Period })

	for _, l := range days {
		out.Leaders = append(out.Leaders, *l)
	}
	sort.Slice(out.Leaders, func(i, j int) bool {
		if out.Leaders[i].Days != out.Leaders[j].Days {
			return out.Leaders[i].Days > out.Leaders[j].Days
		}
		return out.Leaders[i].Label < out.Leaders[j].Label
	})
	if len(out.Leaders) > 10 {
		out.Leaders = out.Leaders[:10]
	}
	return out
}

func minutesOfDay(t time.Time) int {
	wib := t.In(timeutil.WIB)
	return wib.Hour()*60 + wib.Minute()
}

func isoWeekKey(year, week int) string {
	return fmt.Sprintf("%04d-W%02d", year, week)
}
