package services

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"waitlist-campaign/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gosimple/slug"
)

// Archiver stores audit artefacts (snapshots, exports) outside the database.
type Archiver interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// ObjectPutter is the subset of the S3 client used for archiving.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// R2Archiver writes objects to a Cloudflare R2 bucket through the S3 API.
type R2Archiver struct {
	client     ObjectPutter
	bucket     string
	cdnBaseURL string
}

func NewR2Archiver(ctx context.Context, cfg config.ArchiveConfig) (*R2Archiver, error) {
	endpoint := fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("auto"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.AccessKeySecret, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load R2 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})

	cdn := cfg.CDNBaseURL
	if cdn == "" {
		cdn = endpoint + "/" + cfg.Bucket
	}
	return NewR2ArchiverWithClient(client, cfg.Bucket, cdn), nil
}

func NewR2ArchiverWithClient(client ObjectPutter, bucket, cdnBaseURL string) *R2Archiver {
	return &R2Archiver{client: client, bucket: bucket, cdnBaseURL: strings.TrimRight(cdnBaseURL, "/")}
}

// Put uploads body under key and returns its public URL.
func (a *R2Archiver) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to R2: %w", err)
	}
	return fmt.Sprintf("%s/%s", a.cdnBaseURL, key), nil
}

// archiveKey builds "<dir>/<slug>.<ext>" with a timestamped, URL-safe name.
func archiveKey(dir, name string, at time.Time, ext string) string {
	return fmt.Sprintf("%s/%s.%s", dir, slug.Make(name+" "+at.UTC().Format("2006-01-02 15 04 05")), ext)
}
