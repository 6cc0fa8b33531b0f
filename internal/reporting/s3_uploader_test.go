// internal/reporting/s3_uploader_test.go
package reporting_test

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/tether/api/schemas"
	"github.com/xkilldash9x/tether/internal/config"
	"github.com/xkilldash9x/tether/internal/reporting"
)

// fakeBucket starts an in-memory S3 server with one bucket and returns its config.
func fakeBucket(t *testing.T, bucket string) (config.S3Config, *s3.Client) {
	t.Helper()
	faker := gofakes3.New(s3mem.New())
	ts := httptest.NewServer(faker.Server())
	t.Cleanup(ts.Close)

	cfg := config.S3Config{
		Bucket:          bucket,
		Prefix:          "/ci/tether/",
		Region:          "us-east-1",
		Endpoint:        ts.URL,
		UsePathStyle:    true,
		AccessKeyID:     "test-key",
		SecretAccessKey: "test-secret",
	}

	ctx := context.Background()
	sdkConfig, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")),
	)
	require.NoError(t, err)
	client := s3.NewFromConfig(sdkConfig, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(ts.URL)
		o.UsePathStyle = true
	})
	_, err = client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)})
	require.NoError(t, err)
	return cfg, client
}

func TestS3Uploader_Report(t *testing.T) {
	cfg, client := fakeBucket(t, "reports")
	ctx := context.Background()

	u, err := reporting.NewS3Uploader(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "s3", u.Name())

	report := sampleReport()
	require.NoError(t, u.Report(ctx, report))

	key := u.Key(report, ".json")
	assert.Equal(t, "ci/tether/people-smoke-01JPA0000000000000000000RN.json", key)

	out, err := client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String("reports"), Key: aws.String(key)})
	require.NoError(t, err)
	defer out.Body.Close()
	body, err := io.ReadAll(out.Body)
	require.NoError(t, err)

	var decoded schemas.RunReport
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, report.RunID, decoded.RunID)
	assert.Equal(t, schemas.Summary{Total: 4, Passed: 1, Failed: 1, Skipped: 1, Errored: 1}, decoded.Summary)

	_, err = client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String("reports"), Key: aws.String(u.Key(report, ".xml"))})
	assert.NoError(t, err, "the junit rendition is uploaded next to the json one")
}

func TestS3Uploader_MissingBucket(t *testing.T) {
	cfg, _ := fakeBucket(t, "reports")
	cfg.Bucket = "does-not-exist"
	ctx := context.Background()

	u, err := reporting.NewS3Uploader(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	err = u.Report(ctx, sampleReport())
	assert.ErrorContains(t, err, "does-not-exist")

	_, err = reporting.NewS3Uploader(ctx, config.S3Config{}, nil)
	assert.Error(t, err)
}

func TestFromConfig_WithS3(t *testing.T) {
	cfg, _ := fakeBucket(t, "reports")
	rs, err := reporting.FromConfig(context.Background(), config.ReportingConfig{S3: cfg}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Len(t, rs, 1)
	assert.Equal(t, "s3", rs[0].Name())
}
