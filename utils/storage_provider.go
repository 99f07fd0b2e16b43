package utils

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

const (
	StorageProviderGCS   = "gcs"
	StorageProviderS3    = "s3"
	StorageProviderDO    = "do"
	StorageProviderMinio = "minio"
)

// ObjectStore is the storage collaborator. The engine only ever checks that a
// file_ref exists and hands out short-lived URLs; it never reads file bytes.
type ObjectStore interface {
	Exists(ctx context.Context, fileRef string) (bool, error)
	SignedURL(ctx context.Context, fileRef string, ttl time.Duration) (string, error)
}

// FileRef is a parsed "scheme://bucket/key" reference. A bare key resolves
// against the provider's default bucket.
type FileRef struct {
	Scheme string
	Bucket string
	Key    string
}

func ParseFileRef(ref, defaultBucket string) (FileRef, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return FileRef{}, NewValidationError("invalid_file_ref", "file_ref is required")
	}
	if strings.Contains(ref, "..") {
		return FileRef{}, NewValidationError("invalid_file_ref", "file_ref must not contain '..'")
	}
	scheme := ""
	rest := ref
	if i := strings.Index(ref, "://"); i >= 0 {
		scheme = strings.ToLower(ref[:i])
		rest = ref[i+3:]
		bucket, key, ok := strings.Cut(rest, "/")
		if !ok || bucket == "" || key == "" {
			return FileRef{}, NewValidationError("invalid_file_ref", fmt.Sprintf("file_ref %q must be scheme://bucket/key", ref))
		}
		return FileRef{Scheme: scheme, Bucket: bucket, Key: key}, nil
	}
	if defaultBucket == "" {
		return FileRef{}, NewValidationError("invalid_file_ref", fmt.Sprintf("file_ref %q has no bucket and no default bucket is configured", ref))
	}
	return FileRef{Bucket: defaultBucket, Key: strings.TrimPrefix(rest, "/")}, nil
}

func GetStorageProvider() string {
	provider := strings.TrimSpace(strings.ToLower(os.Getenv("STORAGE_PROVIDER")))
	if provider == "" {
		return StorageProviderGCS
	}
	return provider
}

var (
	objectStore   ObjectStore
	objectStoreMu sync.Mutex
)

// GetObjectStore lazily builds the store for STORAGE_PROVIDER and caches it.
func GetObjectStore(ctx context.Context) (ObjectStore, error) {
	objectStoreMu.Lock()
	defer objectStoreMu.Unlock()
	if objectStore != nil {
		return objectStore, nil
	}
	var (
		s   ObjectStore
		err error
	)
	switch GetStorageProvider() {
	case StorageProviderGCS:
		s, err = NewGCSStore(ctx, os.Getenv("GCS_BUCKET"))
	case StorageProviderS3:
		s, err = NewS3Store(ctx, os.Getenv("S3_BUCKET"), os.Getenv("S3_REGION"), os.Getenv("S3_ENDPOINT"))
	case StorageProviderDO, StorageProviderMinio:
		s, err = NewMinioStore(MinioConfigFromEnv())
	default:
		return nil, fmt.Errorf("unsupported STORAGE_PROVIDER %q", GetStorageProvider())
	}
	if err != nil {
		return nil, NewDependencyUnavailable("storage", err)
	}
	objectStore = s
	return s, nil
}

// SetObjectStore overrides the process store (tests and tools).
func SetObjectStore(s ObjectStore) {
	objectStoreMu.Lock()
	objectStore = s
	objectStoreMu.Unlock()
}
