package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/your-org/presence/internal/config"
)

// PhotoStore keeps enrollment face crops in object storage. Keys are
// "<org>/<uuid>.jpg"; public URLs carry a version query so browsers
// refetch after a re-enrollment.
type PhotoStore struct {
	client    *minio.Client
	bucket    string
	publicURL string
	org       string
}

func NewPhotoStore(cfg config.MinIOConfig, orgID string) (*PhotoStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	publicURL := cfg.PublicURL
	if publicURL == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		publicURL = fmt.Sprintf("%s://%s", scheme, cfg.Endpoint)
	}

	return &PhotoStore{
		client:    client,
		bucket:    cfg.Bucket,
		publicURL: strings.TrimRight(publicURL, "/"),
		org:       orgID,
	}, nil
}

// EnsureBucket creates the bucket if it doesn't exist.
func (s *PhotoStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}
	}
	return nil
}

// UploadFace stores a JPEG crop and returns its object path and public
// URL. The previous object, if any, is removed best-effort; legacy local
// paths (uploads/ prefix or absolute) are left alone.
func (s *PhotoStore) UploadFace(ctx context.Context, data []byte, previousPath string) (string, string, error) {
	key := s.org + "/" + uuid.New().String() + ".jpg"

	err := withRetry(ctx, "upload face", func() error {
		_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
			minio.PutObjectOptions{ContentType: "image/jpeg"})
		if err != nil {
			return fmt.Errorf("put object %s: %w", key, err)
		}
		return nil
	})
	if err != nil {
		return "", "", err
	}

	if previousPath != "" && previousPath != key {
		_ = s.RemoveFace(ctx, previousPath)
	}

	return key, s.PublicURL(key, time.Now()), nil
}

// PublicURL builds the browser-facing URL with a cache-busting version.
func (s *PhotoStore) PublicURL(objectPath string, version time.Time) string {
	base := fmt.Sprintf("%s/%s/%s", s.publicURL, s.bucket, objectPath)
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%sv=%d", base, sep, version.Unix())
}

// RemoveFace deletes a stored crop. Legacy local paths are skipped, and
// a missing object is not an error.
func (s *PhotoStore) RemoveFace(ctx context.Context, objectPath string) error {
	if isLegacyPath(objectPath) {
		return nil
	}
	return s.client.RemoveObject(ctx, s.bucket, objectPath, minio.RemoveObjectOptions{})
}

// Download retrieves a stored crop.
func (s *PhotoStore) Download(ctx context.Context, objectPath string) ([]byte, error) {
	var data []byte
	err := withRetry(ctx, "download face", func() error {
		obj, err := s.client.GetObject(ctx, s.bucket, objectPath, minio.GetObjectOptions{})
		if err != nil {
			return fmt.Errorf("get object %s: %w", objectPath, err)
		}
		defer obj.Close()

		data, err = io.ReadAll(obj)
		if err != nil {
			return fmt.Errorf("read object %s: %w", objectPath, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// RemoveAll deletes every stored crop for the org in one batch request.
func (s *PhotoStore) RemoveAll(ctx context.Context, objectPaths []string) error {
	objectsCh := make(chan minio.ObjectInfo, len(objectPaths))
	for _, p := range objectPaths {
		if isLegacyPath(p) {
			continue
		}
		objectsCh <- minio.ObjectInfo{Key: p}
	}
	close(objectsCh)
	for result := range s.client.RemoveObjects(ctx, s.bucket, objectsCh, minio.RemoveObjectsOptions{}) {
		if result.Err != nil {
			return fmt.Errorf("delete object %s: %w", result.ObjectName, result.Err)
		}
	}
	return nil
}

// Ping checks MinIO connectivity.
func (s *PhotoStore) Ping(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucket)
	return err
}

// isLegacyPath reports whether the path predates object storage: a
// local upload-area file or an absolute filesystem path.
func isLegacyPath(p string) bool {
	return p == "" || strings.HasPrefix(p, "uploads/") || path.IsAbs(p) || strings.Contains(p, ":\\")
}
