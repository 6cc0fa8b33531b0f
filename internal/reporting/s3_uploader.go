// internal/reporting/s3_uploader.go
package reporting

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/xkilldash9x/tether/api/schemas"
	"github.com/xkilldash9x/tether/internal/config"
)

// S3Uploader uploads the JSON and JUnit renditions of a run to an S3 compatible bucket.
type S3Uploader struct {
	client *s3.Client
	bucket string
	prefix string
	logger *zap.Logger
}

// NewS3Uploader loads AWS configuration and creates an uploader. Endpoint and UsePathStyle
// allow S3 compatible stores such as MinIO.
func NewS3Uploader(ctx context.Context, cfg config.S3Config, logger *zap.Logger) (*S3Uploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 upload requires a bucket")
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	sdkConfig, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(sdkConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewS3UploaderFromClient(client, cfg.Bucket, cfg.Prefix, logger), nil
}

// NewS3UploaderFromClient wraps an existing client.
func NewS3UploaderFromClient(client *s3.Client, bucket, prefix string, logger *zap.Logger) *S3Uploader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &S3Uploader{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: logger.Named("s3_uploader"),
	}
}

func (u *S3Uploader) Name() string { return "s3" }

// Key returns the object key for a run artifact with the given extension.
func (u *S3Uploader) Key(report *schemas.RunReport, ext string) string {
	return path.Join(u.prefix, fileStem(report)+ext)
}

func (u *S3Uploader) Report(ctx context.Context, report *schemas.RunReport) error {
	jsonBody, err := marshalReport(report)
	if err != nil {
		return err
	}
	if err := u.put(ctx, u.Key(report, ".json"), jsonBody, "application/json"); err != nil {
		return err
	}

	xmlBody, err := BuildJUnit(report).WriteToBytes()
	if err != nil {
		return fmt.Errorf("failed to encode junit report: %w", err)
	}
	return u.put(ctx, u.Key(report, ".xml"), xmlBody, "application/xml")
}

func (u *S3Uploader) put(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s to bucket %s: %w", key, u.bucket, err)
	}
	u.logger.Debug("Uploaded report artifact.", zap.String("bucket", u.bucket), zap.String("key", key), zap.Int("bytes", len(body)))
	return nil
}
