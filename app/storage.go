package app

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	log "github.com/sirupsen/logrus"

	"github.com/altidigitech-ui/leak-detector/app/config"
)

// ScreenshotStore persists a page screenshot and returns its public URL.
// Uploads are best-effort: the pipeline continues without one on failure.
type ScreenshotStore interface {
	Upload(ctx context.Context, analysisID string, png []byte) (string, error)
}

// S3ScreenshotStore stores screenshots in an S3 bucket fronted by a
// public base URL (CloudFront or the bucket website endpoint).
type S3ScreenshotStore struct {
	client        *s3.Client
	bucket        string
	publicBaseURL string
}

func NewS3ScreenshotStore(ctx context.Context, cfg config.StorageConfig) (*S3ScreenshotStore, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return &S3ScreenshotStore{
		client:        s3.NewFromConfig(awsCfg),
		bucket:        cfg.ScreenshotBucket,
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
	}, nil
}

func (s *S3ScreenshotStore) Upload(ctx context.Context, analysisID string, png []byte) (string, error) {
	key := fmt.Sprintf("screenshots/%s.png", analysisID)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(png),
		ContentType: aws.String("image/png"),
	})
	if err != nil {
		return "", fmt.Errorf("uploading screenshot: %w", err)
	}

	url := s.publicBaseURL + "/" + key
	log.WithFields(log.Fields{
		"analysis_id": analysisID,
		"bytes":       len(png),
	}).Info("screenshot_uploaded")
	return url, nil
}
