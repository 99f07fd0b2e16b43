package utils

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig covers DigitalOcean Spaces and self-hosted MinIO.
type MinioConfig struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	UseSSL        bool
	DefaultBucket string
}

func MinioConfigFromEnv() MinioConfig {
	ssl := strings.ToLower(strings.TrimSpace(os.Getenv("SPACES_USE_SSL")))
	return MinioConfig{
		Endpoint:      strings.TrimSpace(os.Getenv("SPACES_ENDPOINT")),
		AccessKey:     os.Getenv("SPACES_ACCESS_KEY"),
		SecretKey:     os.Getenv("SPACES_SECRET_KEY"),
		UseSSL:        ssl != "false" && ssl != "0",
		DefaultBucket: strings.TrimSpace(os.Getenv("SPACES_BUCKET")),
	}
}

type MinioStore struct {
	client        *minio.Client
	defaultBucket string
}

func NewMinioStore(cfg MinioConfig) (*MinioStore, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("SPACES_ENDPOINT is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	return &MinioStore{client: client, defaultBucket: cfg.DefaultBucket}, nil
}

func (s *MinioStore) Exists(ctx context.Context, fileRef string) (bool, error) {
	ref, err := ParseFileRef(fileRef, s.defaultBucket)
	if err != nil {
		return false, err
	}
	_, err = s.client.StatObject(ctx, ref.Bucket, ref.Key, minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey" {
			return false, nil
		}
		return false, NewDependencyUnavailable("storage", err)
	}
	return true, nil
}

func (s *MinioStore) SignedURL(ctx context.Context, fileRef string, ttl time.Duration) (string, error) {
	ref, err := ParseFileRef(fileRef, s.defaultBucket)
	if err != nil {
		return "", err
	}
	u, err := s.client.PresignedGetObject(ctx, ref.Bucket, ref.Key, ttl, url.Values{})
	if err != nil {
		return "", NewDependencyUnavailable("storage", err)
	}
	return u.String(), nil
}
