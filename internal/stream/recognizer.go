package stream

import (
	"image"
	"sync"
	"time"

	"github.com/your-org/presence/internal/attendance"
	"github.com/your-org/presence/internal/models"
	"github.com/your-org/presence/internal/observability"
	"github.com/your-org/presence/internal/vision"
)

// stabilityThreshold is the minimum jaccard similarity between two
// consecutive frames' label sets for the frame to be reported stable.
const stabilityThreshold = 0.7

// Engine is the slice of the vision engine a session needs.
type Engine interface {
	Recognize(img image.Image, threshold float64) ([]vision.Match, error)
	AnalyzeFun(img image.Image) ([]vision.FunFace, error)
	ResolveThreshold(raw float64) float64
}

// Marker admits and records attendance marks. Record re-checks the
// cooldown atomically, so two sessions cannot land the same reference.
type Marker interface {
	CheckMark(label string, now time.Time, cooldownSec int) (bool, string, *attendance.BlockInfo)
	Record(label string, score float64, now time.Time, cooldownSec int) (models.AttendanceEvent, bool)
}

// Service creates recognition sessions over a shared engine and
// attendance store.
type Service struct {
	engine      Engine
	marker      Marker
	cooldownSec func() int
	attInterval time.Duration
	funInterval time.Duration
	msgDelay    time.Duration
	clock       func() time.Time
}

// NewService wires a session factory. cooldownSec is read per frame so
// config edits apply to live sessions.
func NewService(engine Engine, marker Marker, cooldownSec func() int, attInterval, funInterval, msgDelay time.Duration) *Service {
	if attInterval <= 0 {
		attInterval = 150 * time.Millisecond
	}
	if funInterval <= 0 {
		funInterval = 100 * time.Millisecond
	}
	return &Service{
		engine:      engine,
		marker:      marker,
		cooldownSec: cooldownSec,
		attInterval: attInterval,
		funInterval: funInterval,
		msgDelay:    msgDelay,
		clock:       time.Now,
	}
}

// Session is one client's recognition state. Frames arrive from a
// single reader goroutine but results may be consumed elsewhere, so the
// state is mutex-guarded and at most one frame is processed at a time.
type Session struct {
	svc *Service

	mu            sync.Mutex
	threshold     float64
	mark          bool
	lastAtt       time.Time
	lastFun       time.Time
	prev          map[string]bool
	holdFrames    int
	inFlight      bool
	msgDelayUntil time.Time
	funEMA        float64
	funSeen       bool
}

// NewSession opens a session with the engine's default threshold and
// marking enabled. Cooldown messages are suppressed for the first
// moments after connect so a user logging in is not greeted with a
// block notice.
func (s *Service) NewSession() *Session {
	now := s.clock()
	return &Session{
		svc:           s,
		threshold:     s.engine.ResolveThreshold(0),
		mark:          true,
		prev:          make(map[string]bool),
		msgDelayUntil: now.Add(s.msgDelay),
	}
}

// SetConfig updates the session's threshold and marking flag. The
// threshold is clamped the same way the engine clamps it.
func (s *Session) SetConfig(threshold float64, mark *bool) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threshold = s.svc.engine.ResolveThreshold(threshold)
	if mark != nil {
		s.mark = *mark
	}
	return s.threshold, s.mark
}

// Config returns the session's current threshold and marking flag.
func (s *Session) Config() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threshold, s.mark
}

// MarkNotice is one recorded mark in a frame.
type MarkNotice struct {
	Label string                 `json:"label"`
	Event models.AttendanceEvent `json:"event"`
}

// BlockNotice is one blocked mark in a frame.
type BlockNotice struct {
	Label string                `json:"label"`
	Code  string                `json:"code"`
	Info  *attendance.BlockInfo `json:"info,omitempty"`
}

// FrameResult is the reply to one attendance frame.
type FrameResult struct {
	Faces   []vision.Match `json:"faces"`
	Marked  []MarkNotice   `json:"marked,omitempty"`
	Blocked []BlockNotice  `json:"blocked,omitempty"`
	Stable  bool           `json:"stable"`
	T       time.Time      `json:"t"`
}

// HandleFrame processes one attendance frame. Frames arriving faster
// than the minimum interval, or while another frame is still in flight,
// are dropped (dropped == true, nil result).
func (s *Session) HandleFrame(img image.Image) (*FrameResult, bool, error) {
	now := s.svc.clock()

	s.mu.Lock()
	if s.inFlight || (!s.lastAtt.IsZero() && now.Sub(s.lastAtt) < s.svc.attInterval) {
		s.mu.Unlock()
		observability.FramesDropped.WithLabelValues("att").Inc()
		return nil, true, nil
	}
	s.inFlight = true
	s.lastAtt = now
	threshold := s.threshold
	markEnabled := s.mark
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
	}()

	matches, err := s.svc.engine.Recognize(img, threshold)
	if err != nil {
		return nil, false, err
	}
	observability.FramesProcessed.WithLabelValues("att").Inc()

	// Best score per recognized label this frame.
	cur := make(map[string]float64)
	for _, m := range matches {
		if m.Label == vision.UnknownLabel {
			continue
		}
		if sc, ok := cur[m.Label]; !ok || m.Score > sc {
			cur[m.Label] = m.Score
		}
	}

	s.mu.Lock()
	stable := jaccard(s.prev, cur) >= stabilityThreshold
	holding := s.holdFrames > 0
	if holding {
		s.holdFrames--
	}
	msgDelayUntil := s.msgDelayUntil
	s.mu.Unlock()

	res := &FrameResult{Faces: matches, Stable: stable, T: now}

	if markEnabled {
		cooldown := s.svc.cooldownSec()
		hold := false
		for label, score := range cur {
			ok, code, info := s.svc.marker.CheckMark(label, now, cooldown)
			if ok {
				// An admissible label is either new this frame or its
				// cooldown has elapsed, so instability never vetoes it.
				ev, admitted := s.svc.marker.Record(label, score, now, cooldown)
				if !admitted {
					// Another session landed this reference first.
					observability.MarksBlocked.Inc()
					continue
				}
				res.Marked = append(res.Marked, MarkNotice{Label: label, Event: ev})
				observability.MarksTotal.Inc()
				hold = true
				continue
			}

			observability.MarksBlocked.Inc()
			// Hold frames and the login delay gate the message, not the
			// cooldown check itself.
			if holding || now.Before(msgDelayUntil) {
				continue
			}
			res.Blocked = append(res.Blocked, BlockNotice{Label: label, Code: code, Info: info})
			hold = true
		}
		if hold {
			s.mu.Lock()
			s.holdFrames = 1
			s.mu.Unlock()
		}
	}

	s.mu.Lock()
	next := make(map[string]bool, len(cur))
	for label := range cur {
		next[label] = true
	}
	s.prev = next
	s.mu.Unlock()

	return res, false, nil
}

// FunReading is one face's emotion read in a fun frame.
type FunReading struct {
	Box      vision.Detection   `json:"box"`
	Emotion  string             `json:"emotion"`
	Prob     float32            `json:"prob"`
	Fun      float64            `json:"fun"`
	Emotions map[string]float32 `json:"emotions,omitempty"`
}

// FunResult is the reply to one fun frame. Smoothed is the session's
// exponentially averaged mean fun score.
type FunResult struct {
	Faces    []FunReading `json:"faces"`
	Smoothed float64      `json:"smoothed"`
	T        time.Time    `json:"t"`
}

// HandleFunFrame processes one fun-channel frame with its own, shorter,
// minimum interval.
func (s *Session) HandleFunFrame(img image.Image) (*FunResult, bool, error) {
	now := s.svc.clock()

	s.mu.Lock()
	if !s.lastFun.IsZero() && now.Sub(s.lastFun) < s.svc.funInterval {
		s.mu.Unlock()
		observability.FramesDropped.WithLabelValues("fun").Inc()
		return nil, true, nil
	}
	s.lastFun = now
	s.mu.Unlock()

	faces, err := s.svc.engine.AnalyzeFun(img)
	if err != nil {
		return nil, false, err
	}
	observability.FramesProcessed.WithLabelValues("fun").Inc()

	labels := vision.EmotionLabels()
	res := &FunResult{T: now}
	var sum float64
	for _, f := range faces {
		emotions := make(map[string]float32, len(labels))
		for i, p := range f.Scores.Probs {
			if i < len(labels) {
				emotions[labels[i]] = p
			}
		}
		res.Faces = append(res.Faces, FunReading{
			Box:      f.Box,
			Emotion:  f.Scores.TopLabel,
			Prob:     f.Scores.TopProb,
			Fun:      f.Scores.Fun,
			Emotions: emotions,
		})
		sum += f.Scores.Fun
	}

	if len(faces) > 0 {
		mean := sum / float64(len(faces))
		s.mu.Lock()
		if !s.funSeen {
			s.funEMA = mean
			s.funSeen = true
		} else {
			s.funEMA = 0.7*s.funEMA + 0.3*mean
		}
		res.Smoothed = s.funEMA
		s.mu.Unlock()
	} else {
		s.mu.Lock()
		res.Smoothed = s.funEMA
		s.mu.Unlock()
	}

	return res, false, nil
}

// jaccard compares the previous and current label sets. Two empty sets
// count as identical.
func jaccard(prev map[string]bool, cur map[string]float64) float64 {
	if len(prev) == 0 && len(cur) == 0 {
		return 1.0
	}
	inter := 0
	for label := range cur {
		if prev[label] {
			inter++
		}
	}
	union := len(prev) + len(cur) - inter
	if union == 0 {
		return 1.0
	}
	return float64(inter) / float64(union)
}
