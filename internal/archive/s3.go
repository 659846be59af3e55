// Package archive moves aged risk records out of ClickHouse into S3 as
// compressed JSON batches, ahead of the retention TTLs deleting them.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config holds S3 connection and behavior configuration.
type S3Config struct {
	Region string `yaml:"region"`
	Bucket string `yaml:"bucket"`
	// Prefix is the key prefix for all objects.
	Prefix string `yaml:"prefix"`
	// Endpoint is an optional custom endpoint (for S3-compatible storage).
	Endpoint string `yaml:"endpoint,omitempty"`
	// Static credentials are optional; IAM is used when not set.
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
	SessionToken    string `yaml:"session_token,omitempty"`
	// StorageClass for uploaded objects.
	StorageClass string `yaml:"storage_class"`
	// UsePathStyle forces path-style addressing (for MinIO, etc.).
	UsePathStyle     bool `yaml:"use_path_style"`
	RetryMaxAttempts int  `yaml:"retry_max_attempts"`
}

// DefaultS3Config returns an S3Config with sensible defaults.
func DefaultS3Config() S3Config {
	return S3Config{
		Region:           "us-east-1",
		Bucket:           "sentinel-ueba-archive",
		Prefix:           "risk/",
		StorageClass:     "INTELLIGENT_TIERING",
		RetryMaxAttempts: 3,
	}
}

// Validate checks if the configuration is valid.
func (c *S3Config) Validate() error {
	if c.Region == "" {
		return errors.New("archive: region is required")
	}
	if c.Bucket == "" {
		return errors.New("archive: bucket is required")
	}
	return nil
}

func (c *S3Config) storageClass() types.StorageClass {
	switch strings.ToUpper(c.StorageClass) {
	case "STANDARD":
		return types.StorageClassStandard
	case "STANDARD_IA":
		return types.StorageClassStandardIa
	case "INTELLIGENT_TIERING":
		return types.StorageClassIntelligentTiering
	case "GLACIER":
		return types.StorageClassGlacier
	case "GLACIER_IR":
		return types.StorageClassGlacierIr
	case "DEEP_ARCHIVE":
		return types.StorageClassDeepArchive
	default:
		return types.StorageClassStandard
	}
}

// S3Client wraps the AWS SDK client for archive uploads.
type S3Client struct {
	client *s3.Client
	config S3Config
	logger *slog.Logger

	bytesUploaded   atomic.Int64
	objectsUploaded atomic.Int64
	errors          atomic.Int64
}

// NewS3Client creates a new S3 client.
func NewS3Client(ctx context.Context, cfg S3Config, logger *slog.Logger) (*S3Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			cfg.SessionToken,
		)
		opts = append(opts, config.WithCredentialsProvider(creds))
	}

	if cfg.RetryMaxAttempts > 0 {
		opts = append(opts, config.WithRetryMaxAttempts(cfg.RetryMaxAttempts))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	c := &S3Client{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		config: cfg,
		logger: logger,
	}

	logger.Info("s3 client initialized",
		"bucket", cfg.Bucket,
		"region", cfg.Region,
		"storage_class", cfg.StorageClass,
	)

	return c, nil
}

// Upload stores one object under the configured prefix.
func (c *S3Client) Upload(ctx context.Context, key string, body io.Reader, contentType string, metadata map[string]string) (int64, error) {
	fullKey := c.config.Prefix + key

	data, err := io.ReadAll(body)
	if err != nil {
		c.errors.Add(1)
		return 0, fmt.Errorf("archive: failed to read upload data: %w", err)
	}

	putInput := &s3.PutObjectInput{
		Bucket:       aws.String(c.config.Bucket),
		Key:          aws.String(fullKey),
		Body:         strings.NewReader(string(data)),
		StorageClass: c.config.storageClass(),
	}
	if contentType != "" {
		putInput.ContentType = aws.String(contentType)
	}
	if len(metadata) > 0 {
		putInput.Metadata = metadata
	}

	if _, err := c.client.PutObject(ctx, putInput); err != nil {
		c.errors.Add(1)
		return 0, fmt.Errorf("archive: failed to upload object %s: %w", fullKey, err)
	}

	size := int64(len(data))
	c.bytesUploaded.Add(size)
	c.objectsUploaded.Add(1)

	c.logger.Debug("uploaded object", "key", fullKey, "size", size)
	return size, nil
}

// HealthCheck verifies connectivity to the bucket.
func (c *S3Client) HealthCheck(ctx context.Context) error {
	_, err := c.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(c.config.Bucket),
	})
	if err != nil {
		return fmt.Errorf("archive: bucket check failed: %w", err)
	}
	return nil
}

// S3Metrics contains client counters.
type S3Metrics struct {
	BytesUploaded   int64 `json:"bytes_uploaded"`
	ObjectsUploaded int64 `json:"objects_uploaded"`
	Errors          int64 `json:"errors"`
}

// Metrics returns current client counters.
func (c *S3Client) Metrics() S3Metrics {
	return S3Metrics{
		BytesUploaded:   c.bytesUploaded.Load(),
		ObjectsUploaded: c.objectsUploaded.Load(),
		Errors:          c.errors.Load(),
	}
}
