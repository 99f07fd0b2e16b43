package utils

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type S3Store struct {
	client        *s3.Client
	presign       *s3.PresignClient
	defaultBucket string
}

// NewS3Store uses the default AWS credential chain. endpoint is optional and
// switches to path-style addressing for S3-compatible stores.
func NewS3Store(ctx context.Context, defaultBucket, region, endpoint string) (*S3Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if strings.TrimSpace(region) != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if ep := strings.TrimSpace(endpoint); ep != "" {
			o.BaseEndpoint = aws.String(ep)
			o.UsePathStyle = true
		}
	})
	return &S3Store{
		client:        client,
		presign:       s3.NewPresignClient(client),
		defaultBucket: strings.TrimSpace(defaultBucket),
	}, nil
}

func (s *S3Store) Exists(ctx context.Context, fileRef string) (bool, error) {
	ref, err := ParseFileRef(fileRef, s.defaultBucket)
	if err != nil {
		return false, err
	}
	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(ref.Bucket),
		Key:    aws.String(ref.Key),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return false, nil
		}
		return false, NewDependencyUnavailable("storage", err)
	}
	return true, nil
}

func (s *S3Store) SignedURL(ctx context.Context, fileRef string, ttl time.Duration) (string, error) {
	ref, err := ParseFileRef(fileRef, s.defaultBucket)
	if err != nil {
		return "", err
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(ref.Bucket),
		Key:    aws.String(ref.Key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", NewDependencyUnavailable("storage", err)
	}
	return req.URL, nil
}
