package services

import (
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"filevora/config"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// S3Service publishes job artifacts to an S3-compatible bucket.
type S3Service struct {
	session  *session.Session
	bucket   string
	prefix   string
	client   *s3.S3
	uploader *s3manager.Uploader
}

func NewS3Service(cfg *config.Config) (*S3Service, error) {
	awsCfg := &aws.Config{
		Region: aws.String(cfg.S3Region),
		Credentials: credentials.NewStaticCredentials(
			cfg.AWSS3AccessKey,
			cfg.AWSS3SecretKey,
			"",
		),
	}

	if cfg.S3Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.S3Endpoint)
	}

	if cfg.S3UsePathStyle {
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 session: %w", err)
	}

	return &S3Service{
		session:  sess,
		bucket:   cfg.S3Bucket,
		prefix:   cfg.S3Prefix,
		client:   s3.New(sess),
		uploader: s3manager.NewUploader(sess),
	}, nil
}

func (s *S3Service) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

func (s *S3Service) Upload(ctx context.Context, key string, body io.Reader, contentType string) error {
	_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(key)),
		Body:        body,
		ContentType: aws.String(contentType),
	})

	if err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}

	return nil
}

// PresignGet returns a time-limited GET URL for key.
func (s *S3Service) PresignGet(key string, expiry time.Duration) (string, error) {
	req, _ := s.client.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})

	signed, err := req.Presign(expiry)
	if err != nil {
		return "", fmt.Errorf("failed to presign S3 URL: %w", err)
	}
	return signed, nil
}
