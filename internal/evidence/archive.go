// Package evidence archives the material behind accepted attestations: the
// scored report and, when the node supplied them, the raw execution logs.
package evidence

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"hypernode-facilitator/internal/config"
)

// Archive stores one object and returns where it ended up.
type Archive interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Open picks S3 when a bucket is configured and the local directory otherwise.
func Open(ctx context.Context, cfg config.Config) (Archive, error) {
	if cfg.EvidenceS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return NewS3Archive(client, cfg.EvidenceS3Bucket), nil
	}
	dir := cfg.EvidenceDir
	if dir == "" {
		dir = "./evidence"
	}
	return NewLocalArchive(dir), nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.EvidenceS3Region),
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.EvidenceS3PathStyle
		if cfg.EvidenceS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.EvidenceS3Endpoint)
		}
	}), nil
}

// sanitizeKey keeps keys relative so they cannot escape the archive root.
func sanitizeKey(key string) (string, error) {
	key = filepath.ToSlash(filepath.Clean("/" + key))
	key = strings.TrimPrefix(key, "/")
	if key == "" || key == "." {
		return "", errors.New("empty evidence key")
	}
	return key, nil
}

// LocalArchive writes objects below a directory.
type LocalArchive struct {
	baseDir string
}

func NewLocalArchive(baseDir string) *LocalArchive {
	return &LocalArchive{baseDir: baseDir}
}

func (l *LocalArchive) Put(_ context.Context, key string, body []byte, _ string) (string, error) {
	key, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

// ObjectPutter is the subset of the S3 client the archive uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archive writes objects to a bucket.
type S3Archive struct {
	client ObjectPutter
	bucket string
}

func NewS3Archive(client ObjectPutter, bucket string) *S3Archive {
	return &S3Archive{client: client, bucket: bucket}
}

func (s *S3Archive) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	key, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
