package utils

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

type GCSStore struct {
	client        *storage.Client
	defaultBucket string
}

type serviceAccountJSON struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
}

// NewGCSStore prefers ADC (Cloud Run service account / GOOGLE_APPLICATION_CREDENTIALS).
// Set GCS_CREDENTIALS_JSON to provide explicit credentials (e.g. locally).
func NewGCSStore(ctx context.Context, defaultBucket string) (*GCSStore, error) {
	var (
		client *storage.Client
		err    error
	)
	if credJSON := os.Getenv("GCS_CREDENTIALS_JSON"); strings.TrimSpace(credJSON) != "" {
		client, err = storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
	} else {
		client, err = storage.NewClient(ctx)
	}
	if err != nil {
		return nil, err
	}
	return &GCSStore{client: client, defaultBucket: strings.TrimSpace(defaultBucket)}, nil
}

func (s *GCSStore) Exists(ctx context.Context, fileRef string) (bool, error) {
	ref, err := ParseFileRef(fileRef, s.defaultBucket)
	if err != nil {
		return false, err
	}
	_, err = s.client.Bucket(ref.Bucket).Object(ref.Key).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, NewDependencyUnavailable("storage", err)
	}
	return true, nil
}

func (s *GCSStore) SignedURL(ctx context.Context, fileRef string, ttl time.Duration) (string, error) {
	ref, err := ParseFileRef(fileRef, s.defaultBucket)
	if err != nil {
		return "", err
	}
	opts := &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  "GET",
		Expires: time.Now().Add(ttl),
	}
	accessID, privateKey, ok, err := loadSignerFromEnv()
	if err != nil {
		return "", err
	}
	if ok {
		opts.GoogleAccessID = accessID
		opts.PrivateKey = privateKey
	}
	// Without explicit keys the client detects the signer (IAM SignBlob on Cloud Run).
	u, err := s.client.Bucket(ref.Bucket).SignedURL(ref.Key, opts)
	if err != nil {
		return "", NewDependencyUnavailable("storage", err)
	}
	return u, nil
}

func loadSignerFromEnv() (string, []byte, bool, error) {
	credJSON := strings.TrimSpace(os.Getenv("GCS_CREDENTIALS_JSON"))
	if credJSON != "" {
		var key serviceAccountJSON
		if err := json.Unmarshal([]byte(credJSON), &key); err != nil {
			return "", nil, false, fmt.Errorf("invalid GCS_CREDENTIALS_JSON: %w", err)
		}
		if key.ClientEmail == "" || key.PrivateKey == "" {
			return "", nil, false, errors.New("GCS_CREDENTIALS_JSON missing client_email or private_key")
		}
		return key.ClientEmail, normalizePrivateKey(key.PrivateKey), true, nil
	}

	email := strings.TrimSpace(os.Getenv("GCS_SIGNER_EMAIL"))
	privateKey := strings.TrimSpace(os.Getenv("GCS_SIGNER_PRIVATE_KEY"))
	if email == "" || privateKey == "" {
		return "", nil, false, nil
	}
	return email, normalizePrivateKey(privateKey), true, nil
}

func normalizePrivateKey(key string) []byte {
	key = strings.ReplaceAll(key, "\\n", "\n")
	return []byte(key)
}
