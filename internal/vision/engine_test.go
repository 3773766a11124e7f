package vision

import (
	"context"
	"image"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubDetector struct {
	faces []Detection
}

func (d *stubDetector) Detect(img image.Image) ([]Detection, error) { return d.faces, nil }
func (d *stubDetector) Close()                                      {}

type stubEmbedder struct {
	vec []float32
}

func (e *stubEmbedder) Embed(crop image.Image) ([]float32, error) {
	v := append([]float32(nil), e.vec...)
	Normalize(v)
	return v, nil
}
func (e *stubEmbedder) EmbeddingDim() int { return len(e.vec) }
func (e *stubEmbedder) Close()            {}

func unit(dim, axis int) []float32 {
	v := make([]float32, dim)
	v[axis] = 1
	return v
}

func TestMatchEmptyIndex(t *testing.T) {
	e := NewEngine(nil, nil, nil, 0.6, nil)
	label, score := e.Match(unit(64, 0))
	assert.Equal(t, UnknownLabel, label)
	assert.Equal(t, 0.0, score)
}

func TestMatchArgmax(t *testing.T) {
	e := NewEngine(nil, nil, nil, 0.6, nil)
	ctx := context.Background()
	require.NoError(t, e.Register(ctx, "alice", unit(64, 0)))
	require.NoError(t, e.Register(ctx, "bob", unit(64, 1)))

	label, score := e.Match(unit(64, 1))
	assert.Equal(t, "bob", label)
	assert.InDelta(t, 1.0, score, 1e-6)

	// Orthogonal query ties everyone at 0; sorted order breaks the tie.
	label, score = e.Match(unit(64, 5))
	assert.Equal(t, "alice", label)
	assert.InDelta(t, 0.0, score, 1e-6)
}

func TestRegisterNormalizes(t *testing.T) {
	e := NewEngine(nil, nil, nil, 0.6, nil)
	big := make([]float32, 64)
	big[3] = 42
	require.NoError(t, e.Register(context.Background(), "carol", big))

	_, score := e.Match(unit(64, 3))
	assert.InDelta(t, 1.0, score, 1e-4)
}

func TestRegisterRejectsZeroVector(t *testing.T) {
	e := NewEngine(nil, nil, nil, 0.6, nil)
	err := e.Register(context.Background(), "dave", make([]float32, 64))
	assert.Error(t, err)
	assert.Equal(t, 0, e.Size())
}

func TestReplaceAllPurgesStale(t *testing.T) {
	e := NewEngine(nil, nil, nil, 0.6, nil)
	ctx := context.Background()
	require.NoError(t, e.Register(ctx, "old", unit(64, 0)))

	require.NoError(t, e.ReplaceAll(ctx, map[string][]float32{
		"new": unit(64, 1),
	}))
	assert.Equal(t, []string{"new"}, e.Labels())
}

func TestResolveThreshold(t *testing.T) {
	e := NewEngine(nil, nil, nil, 0.6, nil)
	assert.Equal(t, 0.6, e.ResolveThreshold(0))     // fallback
	assert.Equal(t, 0.6, e.ResolveThreshold(-1))    // fallback
	assert.Equal(t, 0.6, e.ResolveThreshold(0.3))   // clamped up
	assert.Equal(t, 0.75, e.ResolveThreshold(0.75)) // passthrough
	assert.Equal(t, 1.0, e.ResolveThreshold(7))     // clamped down
}

func TestRecognizeBelowThresholdIsUnknown(t *testing.T) {
	det := &stubDetector{faces: []Detection{{X: 10, Y: 10, W: 40, H: 40, Score: 0.9}}}
	emb := &stubEmbedder{vec: unit(64, 0)}
	e := NewEngine(det, emb, nil, 0.6, nil)

	// Index holds a vector orthogonal to what the embedder returns.
	require.NoError(t, e.Register(context.Background(), "alice", unit(64, 1)))

	img := image.NewRGBA(image.Rect(0, 0, 100, 100))
	results, err := e.Recognize(img, 0.6)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, UnknownLabel, results[0].Label)
}

func TestRecognizeMatchAndRounding(t *testing.T) {
	det := &stubDetector{faces: []Detection{{X: 10, Y: 10, W: 40, H: 40, Score: 0.9}}}
	emb := &stubEmbedder{vec: unit(64, 0)}
	e := NewEngine(det, emb, nil, 0.6, nil)

	ref := make([]float32, 64)
	ref[0] = 0.9
	ref[1] = 0.4358899 // unit norm with ref[0]
	require.NoError(t, e.Register(context.Background(), "alice", ref))

	img := image.NewRGBA(image.Rect(0, 0, 100, 100))
	results, err := e.Recognize(img, 0.6)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "alice", results[0].Label)
	assert.Equal(t, 0.9, results[0].Score) // rounded to 3 decimals

	// Rounded scores carry at most 3 decimals.
	scaled := results[0].Score * 1000
	assert.Equal(t, scaled, math.Trunc(scaled))
}

func TestNormalizeUnitLength(t *testing.T) {
	v := []float32{3, 4}
	Normalize(v)
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-4)
}
