package roster

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/your-org/presence/internal/models"
	"github.com/your-org/presence/internal/vision"
)

// listTTL keeps roster listings cheap for UIs that poll.
const listTTL = 2 * time.Second

// ErrNotFound means no roster entry carries the requested label.
var ErrNotFound = errors.New("identity not found")

// DuplicateError reports that the submitted face already matches an
// enrolled identity above the duplicate threshold. Callers map it to a
// conflict response; enrollment proceeds only when forced.
type DuplicateError struct {
	Label string
	Score float64
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("face already enrolled as %q (score %.3f)", e.Label, e.Score)
}

// Recognizer is the slice of the vision engine enrollment needs.
type Recognizer interface {
	EmbedPrimary(img image.Image) (*vision.PrimaryFace, error)
	Match(vec []float32) (string, float64)
	Register(ctx context.Context, label string, vec []float32) error
	Forget(ctx context.Context, label string)
	ReplaceAll(ctx context.Context, entries map[string][]float32) error
	MinAccept() float64
}

// IdentityRepo persists roster rows.
type IdentityRepo interface {
	ListIdentities(ctx context.Context) ([]models.Identity, error)
	ReplaceIdentities(ctx context.Context, identities []models.Identity) error
}

// PhotoRepo stores enrollment crops.
type PhotoRepo interface {
	UploadFace(ctx context.Context, data []byte, previousPath string) (string, string, error)
	RemoveFace(ctx context.Context, objectPath string) error
}

// Service runs enrollment: embed, duplicate-check, crop, upload,
// persist, install in the index.
type Service struct {
	engine       Recognizer
	repo         IdentityRepo
	photos       PhotoRepo
	previews     *PreviewCache
	dupThreshold float64
	notify       func(event string)

	mu       sync.Mutex
	cached   []models.Identity
	cachedAt time.Time
}

// NewService builds the enrollment service. photos and notify may be
// nil.
func NewService(engine Recognizer, repo IdentityRepo, photos PhotoRepo, dupThreshold float64, notify func(event string)) *Service {
	return &Service{
		engine:       engine,
		repo:         repo,
		photos:       photos,
		previews:     NewPreviewCache(),
		dupThreshold: dupThreshold,
		notify:       notify,
	}
}

// Previews exposes the staged-enrollment cache.
func (s *Service) Previews() *PreviewCache { return s.previews }

// List returns roster entries, served from a short-lived cache.
func (s *Service) List(ctx context.Context) ([]models.Identity, error) {
	s.mu.Lock()
	if s.cached != nil && time.Since(s.cachedAt) < listTTL {
		out := append([]models.Identity(nil), s.cached...)
		s.mu.Unlock()
		return out, nil
	}
	s.mu.Unlock()

	identities, err := s.repo.ListIdentities(ctx)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}

	s.mu.Lock()
	s.cached = identities
	s.cachedAt = time.Now()
	out := append([]models.Identity(nil), identities...)
	s.mu.Unlock()
	return out, nil
}

// Invalidate drops the listing cache.
func (s *Service) Invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
}

// Preview stages an enrollment: detect, embed the strongest face, cut
// the photo crop, and park everything behind a one-time token. Face
// boxes are mapped into crop coordinates so clients can draw them over
// the returned image.
func (s *Service) Preview(imgData []byte) (*StagedEnrollment, error) {
	img, err := vision.DecodeImage(imgData)
	if err != nil {
		return nil, err
	}

	pf, err := s.engine.EmbedPrimary(img)
	if err != nil {
		return nil, err
	}

	crop, rect := vision.CropSquare(img, pf.Face, 0.3, 512)
	if crop == nil {
		return nil, vision.ErrNoFace
	}

	scale := float32(512) / float32(rect.Dx())
	mapBox := func(d vision.Detection) vision.Detection {
		d.X = (d.X - float32(rect.Min.X)) * scale
		d.Y = (d.Y - float32(rect.Min.Y)) * scale
		d.W *= scale
		d.H *= scale
		return d
	}

	faces := make([]vision.Detection, 0, len(pf.Faces))
	for _, f := range pf.Faces {
		faces = append(faces, mapBox(f))
	}

	staged := &StagedEnrollment{
		CropJPEG:  vision.EncodeJPEG(crop, 90),
		Embedding: pf.Embedding,
		Score:     pf.Score,
		Face:      mapBox(pf.Face),
		Faces:     faces,
		Width:     img.Bounds().Dx(),
		Height:    img.Bounds().Dy(),
	}
	s.previews.Put(staged)
	return staged, nil
}

// Enroll runs the full flow from a raw image.
func (s *Service) Enroll(ctx context.Context, label string, imgData []byte, force bool) (models.Identity, error) {
	img, err := vision.DecodeImage(imgData)
	if err != nil {
		return models.Identity{}, err
	}

	pf, err := s.engine.EmbedPrimary(img)
	if err != nil {
		return models.Identity{}, err
	}

	crop, _ := vision.CropSquare(img, pf.Face, 0.3, 512)
	if crop == nil {
		return models.Identity{}, vision.ErrNoFace
	}

	return s.install(ctx, installArgs{
		label:  label,
		emb:    pf.Embedding,
		photo:  vision.EncodeJPEG(crop, 90),
		width:  img.Bounds().Dx(),
		height: img.Bounds().Dy(),
		force:  force,
	})
}

// Commit finalizes a previewed enrollment. The token is consumed even
// when the install fails, matching its one-shot contract.
func (s *Service) Commit(ctx context.Context, token, label string, force bool) (models.Identity, error) {
	staged, err := s.previews.Consume(token)
	if err != nil {
		return models.Identity{}, err
	}

	return s.install(ctx, installArgs{
		label:  label,
		emb:    staged.Embedding,
		photo:  staged.CropJPEG,
		width:  staged.Width,
		height: staged.Height,
		force:  force,
	})
}

// EnrollLocal installs a face from a local file (the upload watcher)
// without a photo-store round trip: the row keeps the local path.
func (s *Service) EnrollLocal(ctx context.Context, label string, img image.Image, localPath string) (models.Identity, error) {
	pf, err := s.engine.EmbedPrimary(img)
	if err != nil {
		return models.Identity{}, err
	}

	return s.install(ctx, installArgs{
		label:     label,
		emb:       pf.Embedding,
		width:     img.Bounds().Dx(),
		height:    img.Bounds().Dy(),
		localPath: localPath,
		force:     true,
	})
}

// Delete removes an identity: its photo, its roster row, and its index
// entry.
func (s *Service) Delete(ctx context.Context, label string) error {
	identities, err := s.repo.ListIdentities(ctx)
	if err != nil {
		return fmt.Errorf("list identities: %w", err)
	}

	idx := findByLabel(identities, label)
	if idx < 0 {
		return ErrNotFound
	}

	removed := identities[idx]
	identities = append(identities[:idx], identities[idx+1:]...)

	if err := s.repo.ReplaceIdentities(ctx, identities); err != nil {
		return fmt.Errorf("replace identities: %w", err)
	}

	if s.photos != nil && removed.PhotoPath != "" {
		if err := s.photos.RemoveFace(ctx, removed.PhotoPath); err != nil {
			slog.Warn("remove face photo", "path", removed.PhotoPath, "error", err)
		}
	}

	s.engine.Forget(ctx, removed.Label)
	s.Invalidate()
	s.emit("db_update")
	return nil
}

// RestoreLabel maps an upload filename back to a roster label. When an
// enrolled label sanitizes to the same file base, its original casing
// and punctuation win; otherwise underscores become spaces.
func (s *Service) RestoreLabel(ctx context.Context, filename string) string {
	restored := LabelFromFilename(filename)
	identities, err := s.List(ctx)
	if err != nil {
		return restored
	}
	want := SanitizeLabel(restored)
	for _, id := range identities {
		if strings.EqualFold(SanitizeLabel(id.Label), want) {
			return id.Label
		}
	}
	return restored
}

type installArgs struct {
	label     string
	emb       []float32
	photo     []byte
	width     int
	height    int
	localPath string
	force     bool
}

func (s *Service) install(ctx context.Context, a installArgs) (models.Identity, error) {
	label := strings.TrimSpace(a.label)
	if label == "" {
		return models.Identity{}, fmt.Errorf("empty label")
	}
	if len(a.emb) == 0 {
		return models.Identity{}, fmt.Errorf("empty embedding")
	}

	emb := append([]float32(nil), a.emb...)
	vision.Normalize(emb)

	identities, err := s.repo.ListIdentities(ctx)
	if err != nil {
		return models.Identity{}, fmt.Errorf("list identities: %w", err)
	}

	// Duplicate gate: the nearest indexed face under a different label.
	if match, score := s.engine.Match(emb); match != vision.UnknownLabel && !strings.EqualFold(match, label) {
		th := s.engine.MinAccept()
		if s.dupThreshold > th {
			th = s.dupThreshold
		}
		if score >= th {
			if !a.force {
				return models.Identity{}, &DuplicateError{Label: match, Score: score}
			}
			identities = s.evict(ctx, identities, match)
		}
	}

	ident := models.Identity{
		Label:     label,
		Embedding: emb,
		Width:     a.width,
		Height:    a.height,
		TS:        time.Now(),
	}

	idx := findByLabel(identities, label)
	var previousPath string
	if idx >= 0 {
		prev := identities[idx]
		ident.ID = prev.ID
		ident.PersonID = prev.PersonID
		ident.PhotoID = prev.PhotoID + 1
		ident.PhotoPath = prev.PhotoPath
		ident.PhotoURL = prev.PhotoURL
		previousPath = prev.PhotoPath
	} else {
		used := make([]int64, 0, len(identities))
		for _, id := range identities {
			used = append(used, id.ID)
		}
		ident.ID = NextFreeID(used)
		ident.PhotoID = 1
	}
	if !models.PersonIDPattern.MatchString(ident.PersonID) {
		ident.PersonID = GeneratePersonID()
	}

	switch {
	case s.photos != nil && len(a.photo) > 0:
		key, url, err := s.photos.UploadFace(ctx, a.photo, previousPath)
		if err != nil {
			return models.Identity{}, fmt.Errorf("upload face: %w", err)
		}
		ident.PhotoPath = key
		ident.PhotoURL = url
	case a.localPath != "":
		ident.PhotoPath = a.localPath
		ident.PhotoURL = ""
	}

	if idx >= 0 {
		identities[idx] = ident
	} else {
		identities = append(identities, ident)
	}

	if err := s.repo.ReplaceIdentities(ctx, identities); err != nil {
		return models.Identity{}, fmt.Errorf("replace identities: %w", err)
	}

	// The roster row is durable at this point. If the incremental index
	// update fails, rebuild the whole index from the rows instead of
	// failing the enrollment.
	if err := s.engine.Register(ctx, ident.Label, emb); err != nil {
		slog.Warn("register embedding, rebuilding index", "label", ident.Label, "error", err)
		entries := make(map[string][]float32, len(identities))
		for _, id := range identities {
			if len(id.Embedding) > 0 {
				entries[id.Label] = id.Embedding
			}
		}
		if err := s.engine.ReplaceAll(ctx, entries); err != nil {
			slog.Error("rebuild face index", "error", err)
		}
	}

	s.Invalidate()
	s.emit("db_update")
	return ident, nil
}

// evict drops a duplicate identity on a forced enrollment: photo,
// index entry, and roster row.
func (s *Service) evict(ctx context.Context, identities []models.Identity, label string) []models.Identity {
	idx := findByLabel(identities, label)
	if idx < 0 {
		s.engine.Forget(ctx, label)
		return identities
	}

	removed := identities[idx]
	if s.photos != nil && removed.PhotoPath != "" {
		if err := s.photos.RemoveFace(ctx, removed.PhotoPath); err != nil {
			slog.Warn("remove duplicate photo", "path", removed.PhotoPath, "error", err)
		}
	}
	s.engine.Forget(ctx, removed.Label)
	return append(identities[:idx], identities[idx+1:]...)
}

func (s *Service) emit(event string) {
	if s.notify != nil {
		s.notify(event)
	}
}

func findByLabel(identities []models.Identity, label string) int {
	for i, id := range identities {
		if strings.EqualFold(id.Label, label) {
			return i
		}
	}
	return -1
}
