package storage

import (
	"context"
	"fmt"
	"log"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config describes the bucket finished videos are mirrored to
type S3Config struct {
	Bucket        string
	Region        string
	Endpoint      string
	AccessKey     string
	SecretKey     string
	PublicBaseURL string
	Prefix        string
}

// PutObjectAPI is the subset of the S3 client used for uploads
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader mirrors files to an S3-compatible bucket (AWS, R2, MinIO)
type S3Uploader struct {
	cfg    S3Config
	client PutObjectAPI
}

// NewS3Uploader builds a client from cfg. Static keys are used when given,
// otherwise the default AWS credential chain applies.
func NewS3Uploader(ctx context.Context, cfg S3Config) (*S3Uploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "auto"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS config: %w", err)
	}

	// Custom endpoints (R2, MinIO) are addressed path-style
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return NewS3UploaderWithClient(cfg, client), nil
}

// NewS3UploaderWithClient wraps an existing client
func NewS3UploaderWithClient(cfg S3Config, client PutObjectAPI) *S3Uploader {
	return &S3Uploader{cfg: cfg, client: client}
}

// ObjectKey joins the configured prefix and key
func (u *S3Uploader) ObjectKey(key string) string {
	if u.cfg.Prefix == "" {
		return key
	}
	return path.Join(u.cfg.Prefix, key)
}

// ObjectURL is the public URL of an uploaded object
func (u *S3Uploader) ObjectURL(objectKey string) string {
	if u.cfg.PublicBaseURL != "" {
		return fmt.Sprintf("%s/%s", strings.TrimRight(u.cfg.PublicBaseURL, "/"), objectKey)
	}
	if u.cfg.Endpoint != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(u.cfg.Endpoint, "/"), u.cfg.Bucket, objectKey)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", u.cfg.Bucket, u.cfg.Region, objectKey)
}

// Upload puts the file at filePath under key and returns its URL
func (u *S3Uploader) Upload(ctx context.Context, key, filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", filePath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", filePath, err)
	}

	objectKey := u.ObjectKey(key)
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.cfg.Bucket),
		Key:           aws.String(objectKey),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String("video/mp4"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}

	url := u.ObjectURL(objectKey)
	log.Printf("Video uploaded to S3: %s (size: %d bytes)", url, info.Size())
	return url, nil
}
