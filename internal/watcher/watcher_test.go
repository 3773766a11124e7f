package watcher

import (
	"context"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/presence/internal/models"
	"github.com/your-org/presence/internal/roster"
)

type fakeRoster struct {
	known    []string // enrolled spellings
	enrolled []string // labels
	paths    []string
	deleted  []string
}

func (r *fakeRoster) EnrollLocal(ctx context.Context, label string, img image.Image, localPath string) (models.Identity, error) {
	r.enrolled = append(r.enrolled, label)
	r.paths = append(r.paths, localPath)
	return models.Identity{Label: label, PhotoPath: localPath}, nil
}

func (r *fakeRoster) Delete(ctx context.Context, label string) error {
	r.deleted = append(r.deleted, label)
	return nil
}

func (r *fakeRoster) RestoreLabel(ctx context.Context, filename string) string {
	restored := roster.LabelFromFilename(filename)
	for _, l := range r.known {
		if strings.EqualFold(roster.SanitizeLabel(l), roster.SanitizeLabel(restored)) {
			return l
		}
	}
	return restored
}

type fakeIndexRepo struct {
	index   map[string]int64
	saved   []string
	deleted []string
}

func newFakeIndexRepo() *fakeIndexRepo {
	return &fakeIndexRepo{index: make(map[string]int64)}
}

func (r *fakeIndexRepo) WatchIndex(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64, len(r.index))
	for k, v := range r.index {
		out[k] = v
	}
	return out, nil
}

func (r *fakeIndexRepo) SaveWatchEntry(ctx context.Context, path string, mtime int64) error {
	r.index[path] = mtime
	r.saved = append(r.saved, path)
	return nil
}

func (r *fakeIndexRepo) DeleteWatchEntries(ctx context.Context, paths []string) error {
	for _, p := range paths {
		delete(r.index, p)
	}
	r.deleted = append(r.deleted, paths...)
	return nil
}

func writeJPEG(t *testing.T, dir, name string) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, jpeg.Encode(f, img, nil))
	require.NoError(t, f.Close())
	return path
}

func TestDiffIndex(t *testing.T) {
	index := map[string]int64{
		"a.jpg": 100,
		"b.jpg": 200,
		"c.jpg": 300,
	}
	files := map[string]int64{
		"a.jpg": 100, // unchanged
		"b.jpg": 250, // modified
		"d.jpg": 400, // new
	}

	changed, removed := diffIndex(index, files)
	assert.Equal(t, []string{"b.jpg", "d.jpg"}, changed)
	assert.Equal(t, []string{"c.jpg"}, removed)
}

func TestScanEnrollsNewFiles(t *testing.T) {
	dir := t.TempDir()
	writeJPEG(t, dir, "Budi_Santoso.jpg")
	writeJPEG(t, dir, "Siti.png")
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip me"), 0o644)

	ros := &fakeRoster{}
	repo := newFakeIndexRepo()
	var notices []string
	w := New(dir, time.Second, ros, repo, func(ev string) { notices = append(notices, ev) })

	w.scan(context.Background())

	// PNG decode goes through the generic path; both images enroll.
	assert.ElementsMatch(t, []string{"Budi Santoso", "Siti"}, ros.enrolled)
	assert.Len(t, repo.saved, 2)
	assert.Equal(t, []string{"db_update"}, notices)

	// A second scan with nothing changed is a no-op.
	w.scan(context.Background())
	assert.Len(t, ros.enrolled, 2)
	assert.Len(t, notices, 1)
}

func TestScanDropsVanishedFiles(t *testing.T) {
	dir := t.TempDir()
	path := writeJPEG(t, dir, "Budi_Santoso.jpg")

	ros := &fakeRoster{}
	repo := newFakeIndexRepo()
	w := New(dir, time.Second, ros, repo, nil)

	w.scan(context.Background())
	require.Len(t, ros.enrolled, 1)

	require.NoError(t, os.Remove(path))
	w.scan(context.Background())

	assert.Equal(t, []string{"Budi Santoso"}, ros.deleted)
	assert.Equal(t, []string{path}, repo.deleted)
	assert.Empty(t, repo.index)
}

func TestScanRestoresEnrolledSpelling(t *testing.T) {
	dir := t.TempDir()
	writeJPEG(t, dir, "budi_santoso.jpg")

	ros := &fakeRoster{known: []string{"Budi Santoso"}}
	w := New(dir, time.Second, ros, newFakeIndexRepo(), nil)

	w.scan(context.Background())

	// The enrolled spelling wins over the lowercase file base.
	assert.Equal(t, []string{"Budi Santoso"}, ros.enrolled)
}

func TestScanReenrollsOnMtimeChange(t *testing.T) {
	dir := t.TempDir()
	path := writeJPEG(t, dir, "Budi.jpg")

	ros := &fakeRoster{}
	repo := newFakeIndexRepo()
	w := New(dir, time.Second, ros, repo, nil)

	w.scan(context.Background())
	require.Len(t, ros.enrolled, 1)

	// Bump the mtime to simulate a replaced photo.
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))
	w.scan(context.Background())

	assert.Equal(t, []string{"Budi", "Budi"}, ros.enrolled)
	assert.Equal(t, []string{path, path}, ros.paths)
}

func TestRunStops(t *testing.T) {
	dir := t.TempDir()
	w := New(dir, 50*time.Millisecond, &fakeRoster{}, newFakeIndexRepo(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop in time")
	}
}
