package vision

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/your-org/presence/internal/observability"
)

// ErrNoFace is returned when an image contains no detectable face.
var ErrNoFace = errors.New("no face detected")

// UnknownLabel is reported for faces below the accept threshold and for
// matches against an empty index.
const UnknownLabel = "Unknown"

// FaceDetector finds faces in a frame.
type FaceDetector interface {
	Detect(img image.Image) ([]Detection, error)
	Close()
}

// FaceEmbedder turns a face crop into a unit-norm vector.
type FaceEmbedder interface {
	Embed(crop image.Image) ([]float32, error)
	EmbeddingDim() int
	Close()
}

// EmotionHead scores a face crop's emotion distribution.
type EmotionHead interface {
	Predict(crop image.Image) (*EmotionScores, error)
	Close()
}

// Mirror is an optional secondary copy of the identity index, kept
// best-effort (a mirror failure never fails the primary operation).
type Mirror interface {
	Save(ctx context.Context, label string, vec []float32) error
	Delete(ctx context.Context, label string) error
	LoadAll(ctx context.Context) (map[string][]float32, error)
}

// Match is one recognized face in a frame.
type Match struct {
	Box   Detection `json:"box"`
	Label string    `json:"label"`
	Score float64   `json:"score"`
}

// PrimaryFace is the strongest detection in an image together with its
// embedding, used by enrollment.
type PrimaryFace struct {
	Face      Detection
	Faces     []Detection
	Embedding []float32
	Score     float32
}

// FunFace is one face's emotion read.
type FunFace struct {
	Box    Detection
	Scores EmotionScores
}

// Engine couples the ONNX models with the in-memory identity index.
// One mutex guards both; every exported method takes it exactly once
// and calls only unexported *Locked helpers underneath.
type Engine struct {
	mu        sync.Mutex
	detector  FaceDetector
	embedder  FaceEmbedder
	emotion   EmotionHead
	db        map[string][]float32
	minAccept float64
	mirror    Mirror
}

// NewEngine builds an engine. emotion and mirror may be nil.
func NewEngine(det FaceDetector, emb FaceEmbedder, emotion EmotionHead, minAccept float64, mirror Mirror) *Engine {
	if minAccept <= 0 || minAccept > 1 {
		minAccept = 0.6
	}
	return &Engine{
		detector:  det,
		embedder:  emb,
		emotion:   emotion,
		db:        make(map[string][]float32),
		minAccept: minAccept,
		mirror:    mirror,
	}
}

// MinAccept returns the floor of the recognition threshold.
func (e *Engine) MinAccept() float64 { return e.minAccept }

// ResolveThreshold turns a client-supplied threshold into an effective
// one: non-positive values fall back to the engine minimum and the
// result is clamped into [minAccept, 1].
func (e *Engine) ResolveThreshold(raw float64) float64 {
	th := raw
	if th <= 0 {
		th = e.minAccept
	}
	if th < e.minAccept {
		th = e.minAccept
	}
	if th > 1 {
		th = 1
	}
	return th
}

// Detect locates faces without recognizing them.
func (e *Engine) Detect(img image.Image) ([]Detection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.detector.Detect(img)
}

// Recognize detects every face in the frame and matches it against the
// index. Faces scoring below threshold are labeled Unknown; scores are
// rounded to 3 decimals.
func (e *Engine) Recognize(img image.Image, threshold float64) ([]Match, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	faces, err := e.detector.Detect(img)
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}
	observability.InferenceDuration.WithLabelValues("detect").Observe(time.Since(start).Seconds())

	var results []Match
	for _, face := range faces {
		crop := cropFace(img, face)
		if crop == nil {
			continue
		}

		start = time.Now()
		emb, err := e.embedder.Embed(crop)
		if err != nil {
			slog.Warn("embed face", "error", err)
			continue
		}
		observability.InferenceDuration.WithLabelValues("embed").Observe(time.Since(start).Seconds())

		label, score := e.matchLocked(emb)
		if score < threshold {
			label = UnknownLabel
		}
		results = append(results, Match{Box: face, Label: label, Score: round3(score)})
	}
	return results, nil
}

// EmbedPrimary detects faces and embeds the strongest one.
func (e *Engine) EmbedPrimary(img image.Image) (*PrimaryFace, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	faces, err := e.detector.Detect(img)
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}
	if len(faces) == 0 {
		return nil, ErrNoFace
	}

	best := faces[0]
	for _, f := range faces[1:] {
		if f.Score > best.Score {
			best = f
		}
	}

	crop := cropFace(img, best)
	if crop == nil {
		return nil, ErrNoFace
	}
	emb, err := e.embedder.Embed(crop)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}

	return &PrimaryFace{Face: best, Faces: faces, Embedding: emb, Score: best.Score}, nil
}

// AnalyzeFun runs the emotion head over every face in the frame.
func (e *Engine) AnalyzeFun(img image.Image) ([]FunFace, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.emotion == nil {
		return nil, nil
	}

	faces, err := e.detector.Detect(img)
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}

	var out []FunFace
	for _, face := range faces {
		crop := cropFace(img, face)
		if crop == nil {
			continue
		}
		scores, err := e.emotion.Predict(crop)
		if err != nil {
			slog.Warn("emotion predict", "error", err)
			continue
		}
		out = append(out, FunFace{Box: face, Scores: *scores})
	}
	return out, nil
}

// Match finds the closest label for an embedding.
func (e *Engine) Match(vec []float32) (string, float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.matchLocked(vec)
}

// Register installs or replaces a label's reference embedding.
// The vector is copied and normalized; zero vectors are rejected.
func (e *Engine) Register(ctx context.Context, label string, vec []float32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registerLocked(ctx, label, vec)
}

// Forget removes a label from the index and the mirror.
func (e *Engine) Forget(ctx context.Context, label string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.forgetLocked(ctx, label)
}

// ReplaceAll swaps the whole index for the given entries, purging labels
// that are no longer present from both the index and the mirror.
func (e *Engine) ReplaceAll(ctx context.Context, entries map[string][]float32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for label := range e.db {
		if _, ok := entries[label]; !ok {
			e.forgetLocked(ctx, label)
		}
	}
	var firstErr error
	for label, vec := range entries {
		if err := e.registerLocked(ctx, label, vec); err != nil {
			slog.Warn("install index entry", "label", label, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// LoadMirror replaces the index with the mirror's contents.
func (e *Engine) LoadMirror(ctx context.Context) error {
	if e.mirror == nil {
		return nil
	}
	entries, err := e.mirror.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load mirror: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.db = make(map[string][]float32, len(entries))
	for label, vec := range entries {
		v := append([]float32(nil), vec...)
		Normalize(v)
		e.db[label] = v
	}
	observability.IndexSize.Set(float64(len(e.db)))
	return nil
}

// Labels returns the indexed labels, sorted.
func (e *Engine) Labels() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	labels := make([]string, 0, len(e.db))
	for label := range e.db {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

// Size returns the number of indexed labels.
func (e *Engine) Size() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.db)
}

func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.detector != nil {
		e.detector.Close()
	}
	if e.embedder != nil {
		e.embedder.Close()
	}
	if e.emotion != nil {
		e.emotion.Close()
	}
}

func (e *Engine) matchLocked(vec []float32) (string, float64) {
	if len(e.db) == 0 || len(vec) == 0 {
		return UnknownLabel, 0
	}

	labels := make([]string, 0, len(e.db))
	for label := range e.db {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	bestLabel := UnknownLabel
	bestScore := float64(math.Inf(-1))
	for _, label := range labels {
		score := float64(CosineSimilarity(vec, e.db[label]))
		if score > bestScore {
			bestScore = score
			bestLabel = label
		}
	}
	if math.IsInf(bestScore, -1) {
		return UnknownLabel, 0
	}
	return bestLabel, bestScore
}

func (e *Engine) registerLocked(ctx context.Context, label string, vec []float32) error {
	if label == "" {
		return fmt.Errorf("empty label")
	}
	v := append([]float32(nil), vec...)
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return fmt.Errorf("zero-norm embedding for %q", label)
	}
	Normalize(v)

	e.db[label] = v
	observability.IndexSize.Set(float64(len(e.db)))

	if e.mirror != nil {
		if err := e.mirror.Save(ctx, label, v); err != nil {
			slog.Warn("mirror save", "label", label, "error", err)
		}
	}
	return nil
}

func (e *Engine) forgetLocked(ctx context.Context, label string) {
	delete(e.db, label)
	observability.IndexSize.Set(float64(len(e.db)))

	if e.mirror != nil {
		if err := e.mirror.Delete(ctx, label); err != nil {
			slog.Warn("mirror delete", "label", label, "error", err)
		}
	}
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
