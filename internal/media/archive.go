package media

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"guestpost-automation/internal/config"
	"guestpost-automation/internal/pipeline"
)

// NewArchiver picks the S3 archiver when a bucket is configured, then the
// local one when a directory is, and returns nil when neither is set.
func NewArchiver(ctx context.Context, cfg config.Config) (pipeline.Archiver, error) {
	if cfg.ArchiveBucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &S3Archiver{client: client, bucket: cfg.ArchiveBucket}, nil
	}
	if cfg.ArchiveDir != "" {
		return &LocalArchiver{baseDir: cfg.ArchiveDir}, nil
	}
	return nil, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ArchiveRegion))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ArchiveEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArchiveEndpoint)
		}
		o.UsePathStyle = cfg.ArchivePathStyle
	}), nil
}

func sanitizeKey(key string) string {
	key = filepath.Clean("/" + key)
	return strings.TrimPrefix(key, string(filepath.Separator))
}

// LocalArchiver writes images under a base directory.
type LocalArchiver struct {
	baseDir string
}

func NewLocalArchiver(baseDir string) *LocalArchiver {
	return &LocalArchiver{baseDir: baseDir}
}

func (l *LocalArchiver) Archive(_ context.Context, key string, img pipeline.Image) (string, error) {
	path := filepath.Join(l.baseDir, sanitizeKey(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, img.Data, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver stores images in an S3-compatible bucket.
type S3Archiver struct {
	client objectPutter
	bucket string
}

func (s *S3Archiver) Archive(ctx context.Context, key string, img pipeline.Image) (string, error) {
	key = sanitizeKey(key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(img.Data),
		ContentType: aws.String(img.ContentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
