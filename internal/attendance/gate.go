package attendance

import (
	"time"

	"github.com/your-org/presence/internal/timeutil"
)

// cooldownEpsilon absorbs float jitter when client clocks sit right on
// the boundary.
const cooldownEpsilon = time.Millisecond

// Block codes returned by CheckMark.
const (
	CodeOK       = "ok"
	CodeCooldown = "cooldown"
)

// BlockInfo describes why (or until when) a mark is blocked.
type BlockInfo struct {
	LastTS       time.Time `json:"-"`
	LastISO      string    `json:"last_iso,omitempty"`
	UntilTS      time.Time `json:"-"`
	UntilISO     string    `json:"until_iso,omitempty"`
	CooldownSec  int       `json:"cooldown_sec"`
	RemainingSec int       `json:"remaining_sec,omitempty"`
	Message      string    `json:"message,omitempty"`
}

// CheckMark decides whether a label may mark now. A label with no
// history is admitted; a last mark in the future (client clock skew) is
// treated as ready.
func (s *Store) CheckMark(label string, now time.Time, cooldownSec int) (bool, string, *BlockInfo) {
	s.mu.Lock()
	last, ok := s.lastForLocked(label)
	s.mu.Unlock()

	info := &BlockInfo{CooldownSec: cooldownSec}
	if !ok {
		return true, CodeOK, info
	}

	info.LastTS = last
	info.LastISO = timeutil.FormatISO(last)

	remaining := cooldownRemaining(last, now, cooldownSec)
	if remaining > cooldownEpsilon {
		until := last.Add(time.Duration(cooldownSec) * time.Second)
		info.UntilTS = until
		info.UntilISO = timeutil.FormatISO(until)
		info.RemainingSec = int((remaining + time.Second - 1) / time.Second)
		info.Message = "Sudah absen, coba lagi dalam " + timeutil.HumanizeSecs(info.RemainingSec)
		return false, CodeCooldown, info
	}

	return true, CodeOK, info
}

// cooldownRemaining is how long the reference must still wait. A last
// mark in the future (client clock skew) owes nothing.
func cooldownRemaining(last, now time.Time, cooldownSec int) time.Duration {
	if last.After(now) {
		return 0
	}
	return time.Duration(cooldownSec)*time.Second - now.Sub(last)
}

// CooldownReady reports whether the label's cooldown has elapsed (or no
// history exists). Future last marks count as ready.
func (s *Store) CooldownReady(label string, now time.Time, cooldownSec int) bool {
	ok, _, _ := s.CheckMark(label, now, cooldownSec)
	return ok
}
