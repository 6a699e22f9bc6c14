// Package blob is the BlobRepo (spec §4.1, §6): a single overflow container
// keyed by path. Within this module only PlatformLayer calls it, to check
// that a submit request's required blobs exist. Task parameters and
// result_data are always stored inline in the jsonb columns whatever their
// size; nothing in this module spills them into this container or stores a
// blob reference in their place.
package blob

import (
	"context"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/fieldmesh/coremachine/internal/platform/envutil"
	"github.com/fieldmesh/coremachine/internal/platform/gcp"
	"github.com/fieldmesh/coremachine/internal/platform/logger"
)

// Repo is the overflow blob store: a single bucket, keyed by path, with no
// category concept (unlike the multi-bucket asset store this was adapted
// from — overflow payloads have no per-category lifecycle to speak of).
type Repo interface {
	Write(ctx context.Context, path string, data io.Reader, contentType string) error
	Read(ctx context.Context, path string) (io.ReadCloser, error)
	Exists(ctx context.Context, path string) (bool, error)
	Delete(ctx context.Context, path string) error
	// SignedURL returns a time-limited read URL for out-of-band retrieval
	// (spec §4.1: "sas_url"). Not supported against the GCS emulator, which
	// has no signing key; callers should treat ErrSigningUnsupported as
	// expected in local/dev configurations.
	SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error)
}

var ErrSigningUnsupported = fmt.Errorf("blob: signed URLs unsupported against the storage emulator")

type repo struct {
	log         *logger.Logger
	client      *storage.Client
	bucket      string
	storageMode gcp.ObjectStorageMode
}

// New dials the configured object store (spec §6: OBJECT_STORAGE_MODE,
// STORAGE_EMULATOR_HOST, BLOB_OVERFLOW_CONTAINER env vars).
func New(ctx context.Context, baseLog *logger.Logger) (Repo, error) {
	cfg, err := gcp.ResolveObjectStorageConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("resolve object storage config: %w", err)
	}

	bucket := envutil.String("BLOB_OVERFLOW_CONTAINER", "coremachine-overflow")

	opts := gcp.ClientOptionsFromEnv()
	if cfg.IsEmulatorMode() {
		opts = append(opts,
			option.WithEndpoint(cfg.EmulatorHost+"/storage/v1/"),
			option.WithoutAuthentication(),
		)
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("new storage client: %w", err)
	}

	return &repo{
		log:         baseLog.With("repo", "BlobRepo", "mode", string(cfg.Mode)),
		client:      client,
		bucket:      bucket,
		storageMode: cfg.Mode,
	}, nil
}

func (r *repo) object(path string) *storage.ObjectHandle {
	return r.client.Bucket(r.bucket).Object(path)
}

func (r *repo) Write(ctx context.Context, path string, data io.Reader, contentType string) error {
	w := r.object(path).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	if _, err := io.Copy(w, data); err != nil {
		_ = w.Close()
		return fmt.Errorf("write blob %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close blob writer %s: %w", path, err)
	}
	return nil
}

func (r *repo) Read(ctx context.Context, path string) (io.ReadCloser, error) {
	rc, err := r.object(path).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", path, err)
	}
	return rc, nil
}

func (r *repo) Exists(ctx context.Context, path string) (bool, error) {
	_, err := r.object(path).Attrs(ctx)
	if err == storage.ErrObjectNotExist {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat blob %s: %w", path, err)
	}
	return true, nil
}

func (r *repo) Delete(ctx context.Context, path string) error {
	if err := r.object(path).Delete(ctx); err != nil && err != storage.ErrObjectNotExist {
		return fmt.Errorf("delete blob %s: %w", path, err)
	}
	return nil
}

func (r *repo) SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	if r.storageMode == gcp.ObjectStorageModeGCSEmulator {
		return "", ErrSigningUnsupported
	}
	url, err := r.client.Bucket(r.bucket).SignedURL(path, &storage.SignedURLOptions{
		Method:  "GET",
		Expires: time.Now().Add(ttl),
	})
	if err != nil {
		return "", fmt.Errorf("sign blob url %s: %w", path, err)
	}
	return url, nil
}
