package persistence

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// NoopMirror disables off-box replication. It is the default Mirror when no
// S3-compatible endpoint is configured.
type NoopMirror struct{}

// Upload is a no-op; NoopMirror is used when the archive is local-only.
func (NoopMirror) Upload(context.Context, string, []byte) error { return nil }

// S3Mirror uploads end-of-day archive bundles to an S3-compatible bucket
// (AWS S3 or a compatible endpoint such as Cloudflare R2 or MinIO), modeled
// on the reference service's cloud backup uploader but trimmed to the
// single put-object operation the archivist needs — no bucket lifecycle
// management, no restore path, since a missed upload is recoverable from
// the local trade_archives_backup/ copy.
type S3Mirror struct {
	uploader *manager.Uploader
	bucket   string
	prefix   string
	log      zerolog.Logger
}

// S3MirrorConfig holds the connection details for an S3-compatible
// endpoint. AccessKey and SecretKey are required; an empty Region defaults
// to "auto"; Endpoint is only set for non-AWS providers (Cloudflare R2, MinIO).
type S3MirrorConfig struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// NewS3Mirror builds an S3Mirror from cfg. It resolves credentials
// statically rather than via the default provider chain, since the engine
// already centralizes all secrets through config.Load (§6).
func NewS3Mirror(ctx context.Context, cfg S3MirrorConfig, log zerolog.Logger) (*S3Mirror, error) {
	region := cfg.Region
	if region == "" {
		region = "auto"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Mirror{
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		log:      log.With().Str("component", "s3_mirror").Logger(),
	}, nil
}

// Upload streams data to bucket/prefix/key. Failures are logged by the
// caller and never block the local archive write path (§7: persistence
// failures are recoverable, never fatal).
func (m *S3Mirror) Upload(ctx context.Context, key string, data []byte) error {
	objectKey := key
	if m.prefix != "" {
		objectKey = fmt.Sprintf("%s/%s", m.prefix, key)
	}
	_, err := m.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(objectKey),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("s3 mirror upload %s: %w", objectKey, err)
	}
	return nil
}
