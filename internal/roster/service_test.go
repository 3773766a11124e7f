package roster

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/presence/internal/models"
	"github.com/your-org/presence/internal/vision"
)

type stubEngine struct {
	primary     *vision.PrimaryFace
	primaryErr  error
	matchLabel  string
	matchScore  float64
	minAccept   float64
	registered  map[string][]float32
	registerErr error
	replacedAll bool
	forgotten   []string
}

func newStubEngine() *stubEngine {
	return &stubEngine{
		matchLabel: vision.UnknownLabel,
		minAccept:  0.6,
		registered: make(map[string][]float32),
	}
}

func (s *stubEngine) EmbedPrimary(img image.Image) (*vision.PrimaryFace, error) {
	if s.primaryErr != nil {
		return nil, s.primaryErr
	}
	return s.primary, nil
}

func (s *stubEngine) Match(vec []float32) (string, float64) {
	return s.matchLabel, s.matchScore
}

func (s *stubEngine) Register(ctx context.Context, label string, vec []float32) error {
	if s.registerErr != nil {
		return s.registerErr
	}
	s.registered[label] = vec
	return nil
}

func (s *stubEngine) Forget(ctx context.Context, label string) {
	s.forgotten = append(s.forgotten, label)
	delete(s.registered, label)
}

func (s *stubEngine) ReplaceAll(ctx context.Context, entries map[string][]float32) error {
	s.registered = entries
	s.replacedAll = true
	return nil
}

func (s *stubEngine) MinAccept() float64 { return s.minAccept }

type fakeIdentityRepo struct {
	identities []models.Identity
	listCalls  int
}

func (r *fakeIdentityRepo) ListIdentities(ctx context.Context) ([]models.Identity, error) {
	r.listCalls++
	return append([]models.Identity(nil), r.identities...), nil
}

func (r *fakeIdentityRepo) ReplaceIdentities(ctx context.Context, identities []models.Identity) error {
	r.identities = append([]models.Identity(nil), identities...)
	return nil
}

func (r *fakeIdentityRepo) find(label string) *models.Identity {
	for i := range r.identities {
		if r.identities[i].Label == label {
			return &r.identities[i]
		}
	}
	return nil
}

type fakePhotoRepo struct {
	uploads  []string // previous paths passed in
	removed  []string
	nextPath string
}

func (r *fakePhotoRepo) UploadFace(ctx context.Context, data []byte, previousPath string) (string, string, error) {
	r.uploads = append(r.uploads, previousPath)
	return r.nextPath, "http://minio/" + r.nextPath + "?v=1", nil
}

func (r *fakePhotoRepo) RemoveFace(ctx context.Context, objectPath string) error {
	r.removed = append(r.removed, objectPath)
	return nil
}

func testImageJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 100, 100))
	for y := 0; y < 100; y++ {
		for x := 0; x < 100; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	return vision.EncodeJPEG(img, 90)
}

func testPrimary() *vision.PrimaryFace {
	face := vision.Detection{X: 30, Y: 30, W: 40, H: 40, Score: 0.98}
	return &vision.PrimaryFace{
		Face:      face,
		Faces:     []vision.Detection{face},
		Embedding: []float32{1, 0, 0, 0},
		Score:     face.Score,
	}
}

func newTestService(engine *stubEngine, repo *fakeIdentityRepo, photos *fakePhotoRepo) *Service {
	var pr PhotoRepo
	if photos != nil {
		pr = photos
	}
	return NewService(engine, repo, pr, 0.6, nil)
}

func TestEnrollNewIdentity(t *testing.T) {
	engine := newStubEngine()
	engine.primary = testPrimary()
	repo := &fakeIdentityRepo{}
	photos := &fakePhotoRepo{nextPath: "org/abc.jpg"}
	svc := newTestService(engine, repo, photos)

	ident, err := svc.Enroll(context.Background(), "Budi Santoso", testImageJPEG(t), false)
	require.NoError(t, err)

	assert.Equal(t, int64(1), ident.ID)
	assert.Equal(t, "Budi Santoso", ident.Label)
	assert.Regexp(t, models.PersonIDPattern, ident.PersonID)
	assert.Equal(t, 1, ident.PhotoID)
	assert.Equal(t, "org/abc.jpg", ident.PhotoPath)
	assert.Equal(t, 100, ident.Width)

	require.NotNil(t, repo.find("Budi Santoso"))
	assert.Contains(t, engine.registered, "Budi Santoso")
	// First upload has no previous object to delete.
	require.Len(t, photos.uploads, 1)
	assert.Empty(t, photos.uploads[0])
}

func TestEnrollExistingLabelReusesIdentity(t *testing.T) {
	engine := newStubEngine()
	engine.primary = testPrimary()
	repo := &fakeIdentityRepo{identities: []models.Identity{{
		ID:        7,
		PersonID:  "p-aaaa-bbb-ccc",
		Label:     "Budi Santoso",
		PhotoID:   2,
		PhotoPath: "org/old.jpg",
	}}}
	photos := &fakePhotoRepo{nextPath: "org/new.jpg"}
	svc := newTestService(engine, repo, photos)

	// Matching the same label is a refresh, not a duplicate.
	engine.matchLabel = "Budi Santoso"
	engine.matchScore = 0.95

	ident, err := svc.Enroll(context.Background(), "budi santoso", testImageJPEG(t), false)
	require.NoError(t, err)

	assert.Equal(t, int64(7), ident.ID)
	assert.Equal(t, "p-aaaa-bbb-ccc", ident.PersonID)
	assert.Equal(t, 3, ident.PhotoID)
	assert.Equal(t, "org/new.jpg", ident.PhotoPath)
	require.Len(t, photos.uploads, 1)
	assert.Equal(t, "org/old.jpg", photos.uploads[0])
	assert.Len(t, repo.identities, 1)
}

func TestEnrollDuplicateBlocked(t *testing.T) {
	engine := newStubEngine()
	engine.primary = testPrimary()
	engine.matchLabel = "Siti"
	engine.matchScore = 0.82
	repo := &fakeIdentityRepo{identities: []models.Identity{{ID: 1, Label: "Siti", PhotoPath: "org/siti.jpg"}}}
	svc := newTestService(engine, repo, &fakePhotoRepo{nextPath: "org/x.jpg"})

	_, err := svc.Enroll(context.Background(), "Budi", testImageJPEG(t), false)

	var dup *DuplicateError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "Siti", dup.Label)
	assert.InDelta(t, 0.82, dup.Score, 1e-9)
	assert.Len(t, repo.identities, 1)
}

func TestEnrollDuplicateForced(t *testing.T) {
	engine := newStubEngine()
	engine.primary = testPrimary()
	engine.matchLabel = "Siti"
	engine.matchScore = 0.82
	repo := &fakeIdentityRepo{identities: []models.Identity{{ID: 1, Label: "Siti", PhotoPath: "org/siti.jpg"}}}
	photos := &fakePhotoRepo{nextPath: "org/budi.jpg"}
	svc := newTestService(engine, repo, photos)

	ident, err := svc.Enroll(context.Background(), "Budi", testImageJPEG(t), true)
	require.NoError(t, err)

	// The duplicate's photo and index entry are gone; the row is replaced.
	assert.Contains(t, photos.removed, "org/siti.jpg")
	assert.Contains(t, engine.forgotten, "Siti")
	assert.Nil(t, repo.find("Siti"))
	require.NotNil(t, repo.find("Budi"))
	assert.Equal(t, int64(1), ident.ID)
}

func TestEnrollBelowDupThresholdProceeds(t *testing.T) {
	engine := newStubEngine()
	engine.primary = testPrimary()
	engine.matchLabel = "Siti"
	engine.matchScore = 0.55 // under max(minAccept, dupThreshold)
	repo := &fakeIdentityRepo{identities: []models.Identity{{ID: 1, Label: "Siti"}}}
	svc := newTestService(engine, repo, &fakePhotoRepo{nextPath: "org/budi.jpg"})

	_, err := svc.Enroll(context.Background(), "Budi", testImageJPEG(t), false)
	require.NoError(t, err)
	assert.Len(t, repo.identities, 2)
}

func TestEnrollRegisterFailureRebuildsIndex(t *testing.T) {
	engine := newStubEngine()
	engine.primary = testPrimary()
	engine.registerErr = errors.New("index unavailable")
	repo := &fakeIdentityRepo{identities: []models.Identity{{
		ID:        1,
		Label:     "Siti",
		Embedding: []float32{0, 1, 0, 0},
	}}}
	svc := newTestService(engine, repo, &fakePhotoRepo{nextPath: "org/budi.jpg"})

	// The row is durable, so the enrollment still succeeds; the index is
	// rebuilt from the roster instead.
	ident, err := svc.Enroll(context.Background(), "Budi", testImageJPEG(t), false)
	require.NoError(t, err)
	assert.Equal(t, "Budi", ident.Label)
	require.NotNil(t, repo.find("Budi"))

	assert.True(t, engine.replacedAll)
	assert.Contains(t, engine.registered, "Budi")
	assert.Contains(t, engine.registered, "Siti")
}

func TestRestoreLabelPrefersRosterLabel(t *testing.T) {
	engine := newStubEngine()
	repo := &fakeIdentityRepo{identities: []models.Identity{{ID: 1, Label: "Budi S."}}}
	svc := newTestService(engine, repo, nil)

	// "Budi S." sanitizes to "Budi_S", the same base the upload carries,
	// so the enrolled spelling wins.
	assert.Equal(t, "Budi S.", svc.RestoreLabel(context.Background(), "budi_s.jpg"))

	// Unknown files fall back to underscore-to-space restoration.
	assert.Equal(t, "siti rahma", svc.RestoreLabel(context.Background(), "siti_rahma.png"))
}

func TestPreviewAndCommit(t *testing.T) {
	engine := newStubEngine()
	engine.primary = testPrimary()
	repo := &fakeIdentityRepo{}
	svc := newTestService(engine, repo, &fakePhotoRepo{nextPath: "org/p.jpg"})

	staged, err := svc.Preview(testImageJPEG(t))
	require.NoError(t, err)
	assert.NotEmpty(t, staged.Token)
	assert.NotEmpty(t, staged.CropJPEG)
	assert.Equal(t, 100, staged.Width)

	// Face box is mapped into 512x512 crop coordinates. The crop covers
	// source pixels 18..82, so (30,30) maps to (30-18)*8 = 96.
	assert.InDelta(t, 96, staged.Face.X, 0.01)
	assert.InDelta(t, 320, staged.Face.W, 0.01)

	ident, err := svc.Commit(context.Background(), staged.Token, "Budi", false)
	require.NoError(t, err)
	assert.Equal(t, "Budi", ident.Label)

	// Token is single-use.
	_, err = svc.Commit(context.Background(), staged.Token, "Budi", false)
	assert.ErrorIs(t, err, ErrPreviewNotFound)
}

func TestEnrollNoFace(t *testing.T) {
	engine := newStubEngine()
	engine.primaryErr = vision.ErrNoFace
	svc := newTestService(engine, &fakeIdentityRepo{}, nil)

	_, err := svc.Enroll(context.Background(), "Budi", testImageJPEG(t), false)
	assert.ErrorIs(t, err, vision.ErrNoFace)
}

func TestEnrollLocalKeepsLocalPath(t *testing.T) {
	engine := newStubEngine()
	engine.primary = testPrimary()
	repo := &fakeIdentityRepo{}
	svc := newTestService(engine, repo, nil)

	img := image.NewRGBA(image.Rect(0, 0, 100, 100))
	ident, err := svc.EnrollLocal(context.Background(), "Budi", img, "uploads/faces/Budi.jpg")
	require.NoError(t, err)

	assert.Equal(t, "uploads/faces/Budi.jpg", ident.PhotoPath)
	assert.Empty(t, ident.PhotoURL)
	assert.Contains(t, engine.registered, "Budi")
}

func TestListCaching(t *testing.T) {
	engine := newStubEngine()
	repo := &fakeIdentityRepo{identities: []models.Identity{{ID: 1, Label: "Budi"}}}
	svc := newTestService(engine, repo, nil)

	_, err := svc.List(context.Background())
	require.NoError(t, err)
	_, err = svc.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, repo.listCalls)

	svc.Invalidate()
	_, err = svc.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, repo.listCalls)
}

func TestDelete(t *testing.T) {
	engine := newStubEngine()
	engine.registered["Budi"] = []float32{1}
	repo := &fakeIdentityRepo{identities: []models.Identity{{ID: 1, Label: "Budi", PhotoPath: "org/budi.jpg"}}}
	photos := &fakePhotoRepo{}
	svc := newTestService(engine, repo, photos)

	require.NoError(t, svc.Delete(context.Background(), "Budi"))
	assert.Empty(t, repo.identities)
	assert.Contains(t, photos.removed, "org/budi.jpg")
	assert.Contains(t, engine.forgotten, "Budi")

	assert.ErrorIs(t, svc.Delete(context.Background(), "Budi"), ErrNotFound)
}
