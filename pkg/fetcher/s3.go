package fetcher

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp-forge/augment/pkg/assetid"
)

// S3Config contains configuration for fetching packages from an S3 bucket.
type S3Config struct {
	Endpoint  string `hcl:"endpoint,optional"`   // Custom endpoint (MinIO, LocalStack); empty for AWS
	Region    string `hcl:"region"`              // AWS region (e.g., "ap-southeast-1")
	Bucket    string `hcl:"bucket"`              // Bucket name (e.g., "ar-app-objects")
	Prefix    string `hcl:"prefix,optional"`     // Optional key prefix
	AccessKey string `hcl:"access_key,optional"` // Access key ID
	SecretKey string `hcl:"secret_key,optional"` // Secret access key

	RequestTimeoutSeconds int  `hcl:"request_timeout_seconds,optional"` // Per-fetch timeout (default: 30)
	InsecureSkipVerify    bool `hcl:"insecure_skip_verify,optional"`    // Skip TLS verification (testing only)

	MaxBytes int64 `hcl:"max_bytes,optional"`
}

// Validate validates the S3 configuration.
func (c *S3Config) Validate() error {
	if c.Region == "" {
		return fmt.Errorf("region is required")
	}
	if c.Bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	return nil
}

// SetDefaults sets default values for optional configuration fields.
func (c *S3Config) SetDefaults() {
	if c.RequestTimeoutSeconds == 0 {
		c.RequestTimeoutSeconds = 30
	}
	if c.MaxBytes == 0 {
		c.MaxBytes = DefaultMaxBytes
	}
}

// S3Fetcher fetches packages with S3 GetObject.
type S3Fetcher struct {
	client *s3.Client
	cfg    *S3Config
	logger hclog.Logger
}

// NewS3Fetcher creates a new S3 fetcher.
func NewS3Fetcher(cfg *S3Config, logger hclog.Logger) (*S3Fetcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid S3 configuration: %w", err)
	}
	cfg.SetDefaults()

	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	awsCfg, err := createAWSConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		// One attempt per recognition event.
		o.RetryMaxAttempts = 1
	})

	logger.Info("S3 fetcher initialized",
		"bucket", cfg.Bucket,
		"prefix", cfg.Prefix,
		"region", cfg.Region,
	)

	return &S3Fetcher{
		client: client,
		cfg:    cfg,
		logger: logger.Named("s3-fetcher"),
	}, nil
}

// createAWSConfig creates AWS SDK configuration from the S3 config.
func createAWSConfig(cfg *S3Config) (aws.Config, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.InsecureSkipVerify,
			},
		},
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithHTTPClient(httpClient),
	}

	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	return config.LoadDefaultConfig(context.Background(), opts...)
}

// Key returns the object key for id.
func (f *S3Fetcher) Key(id assetid.ID) string {
	return f.cfg.Prefix + id.ObjectKey()
}

// Fetch implements Fetcher.
func (f *S3Fetcher) Fetch(ctx context.Context, id assetid.ID, hash assetid.Hash) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(f.cfg.RequestTimeoutSeconds)*time.Second)
	defer cancel()

	key := f.Key(id)
	result, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(f.cfg.Bucket),
		Key:    aws.String(key),
	}, func(o *s3.Options) {
		o.APIOptions = append(o.APIOptions, smithyhttp.AddHeaderValue(VersionHeader, hash.String()))
	})
	if err != nil {
		fe := f.classify(ctx, id, err)
		f.logger.Warn("get object failed", "key", key, "kind", fe.Kind, "status", fe.Status, "error", err)
		return nil, fe
	}
	defer result.Body.Close()

	body, err := io.ReadAll(io.LimitReader(result.Body, f.cfg.MaxBytes+1))
	if err != nil {
		fe := classify(ctx, id, err)
		f.logger.Warn("reading object body failed", "key", key, "kind", fe.Kind, "error", err)
		return nil, fe
	}
	if int64(len(body)) > f.cfg.MaxBytes {
		return nil, Corrupt(id, fmt.Errorf("package exceeds %d bytes", f.cfg.MaxBytes))
	}

	f.logger.Debug("fetched package", "key", key, "bytes", len(body))
	return body, nil
}

func (f *S3Fetcher) classify(ctx context.Context, id assetid.ID, err error) *Error {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return &Error{Kind: KindHTTPStatus, ID: id, Status: http.StatusNotFound, Err: err}
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() != 0 {
		return &Error{Kind: KindHTTPStatus, ID: id, Status: respErr.HTTPStatusCode(), Err: err}
	}
	return classify(ctx, id, err)
}
