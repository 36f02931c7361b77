package storage

import (
	"context"
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
	"github.com/rs/zerolog"

	appconfig "github.com/baechuer/cityevents/services/media-uploader/internal/config"
)

// S3Client stores raw uploads and public derivatives in MinIO/R2/S3.
type S3Client struct {
	client            *s3.Client
	externalPresigner *s3.PresignClient // signs URLs the uploader can reach
	rawBucket         string
	publicBucket      string
	presignTTL        time.Duration
	cdnBaseURL        string
	log               zerolog.Logger
}

// NewS3Client creates a client for the configured endpoint.
func NewS3Client(cfg *appconfig.Origin, log zerolog.Logger) (*S3Client, error) {
	client, err := newClient(cfg, cfg.S3Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	externalEndpoint := cfg.S3ExternalEndpoint
	if externalEndpoint == "" {
		externalEndpoint = cfg.S3Endpoint
	}
	external, err := newClient(cfg, externalEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to load external AWS config: %w", err)
	}

	return &S3Client{
		client:            client,
		externalPresigner: s3.NewPresignClient(external),
		rawBucket:         cfg.RawBucket,
		publicBucket:      cfg.PublicBucket,
		presignTTL:        cfg.PresignTTL,
		cdnBaseURL:        cfg.CDNBaseURL,
		log:               log,
	}, nil
}

func newClient(cfg *appconfig.Origin, endpoint string) (*s3.Client, error) {
	resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
		return aws.Endpoint{
			URL:               endpoint,
			HostnameImmutable: true,
		}, nil
	})

	awsCfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion(cfg.S3Region),
		config.WithEndpointResolverWithOptions(resolver),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.S3AccessKeyID,
			cfg.S3SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, err
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.S3UsePathStyle
	}), nil
}

// PresignPut returns a time-boxed URL for writing objectKey to the raw bucket.
// The size is not part of the signature; CompleteUpload enforces it.
func (c *S3Client) PresignPut(ctx context.Context, objectKey, contentType string) (string, error) {
	req, err := c.externalPresigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.rawBucket),
		Key:         aws.String(objectKey),
		ContentType: aws.String(contentType),
	}, s3.WithPresignExpires(c.presignTTL))
	if err != nil {
		return "", fmt.Errorf("failed to presign PUT: %w", err)
	}
	return req.URL, nil
}

// PresignGet returns a time-boxed URL for reading a raw object.
func (c *S3Client) PresignGet(ctx context.Context, objectKey string) (string, error) {
	req, err := c.externalPresigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.rawBucket),
		Key:    aws.String(objectKey),
	}, s3.WithPresignExpires(time.Hour))
	if err != nil {
		return "", fmt.Errorf("failed to presign GET: %w", err)
	}
	return req.URL, nil
}

// ObjectExists reports whether objectKey is in the raw bucket and its size.
func (c *S3Client) ObjectExists(ctx context.Context, objectKey string) (bool, int64, error) {
	out, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.rawBucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		if isNotFound(err) {
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("failed to head object %s: %w", objectKey, err)
	}
	return true, aws.ToInt64(out.ContentLength), nil
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var re *awshttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound
}

// GetObject retrieves an object from the raw bucket.
func (c *S3Client) GetObject(ctx context.Context, objectKey string) (io.ReadCloser, error) {
	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.rawBucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", objectKey, err)
	}
	return out.Body, nil
}

// PutPublicObject uploads a derivative to the public bucket.
func (c *S3Client) PutPublicObject(ctx context.Context, objectKey string, data io.Reader, contentType string, size int64) error {
	_, err := c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.publicBucket),
		Key:           aws.String(objectKey),
		Body:          data,
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", objectKey, err)
	}
	return nil
}

// DeleteRawObject deletes an object from the raw bucket. Deleting a missing
// key succeeds.
func (c *S3Client) DeleteRawObject(ctx context.Context, objectKey string) error {
	_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.rawBucket),
		Key:    aws.String(objectKey),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete object %s: %w", objectKey, err)
	}
	return nil
}

// Ping checks that the raw bucket is reachable.
func (c *S3Client) Ping(ctx context.Context) error {
	_, err := c.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.rawBucket)})
	return err
}

// EnsureBuckets creates the raw and public buckets if they don't exist and
// opens the public bucket for anonymous reads.
func (c *S3Client) EnsureBuckets(ctx context.Context) error {
	for _, bucket := range []string{c.rawBucket, c.publicBucket} {
		if _, err := c.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err == nil {
			continue
		}
		c.log.Info().Str("bucket", bucket).Msg("creating bucket")
		if _, err := c.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)}); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
		}
	}

	policy := fmt.Sprintf(`{
		"Version": "2012-10-17",
		"Statement": [{
			"Effect": "Allow",
			"Principal": {"AWS": ["*"]},
			"Action": ["s3:GetObject"],
			"Resource": ["arn:aws:s3:::%s/*"]
		}]
	}`, c.publicBucket)

	_, err := c.client.PutBucketPolicy(ctx, &s3.PutBucketPolicyInput{
		Bucket: aws.String(c.publicBucket),
		Policy: aws.String(policy),
	})
	if err != nil {
		// bucket might already carry a policy
		c.log.Warn().Err(err).Msg("failed to set public bucket policy")
	}
	return nil
}

// PublicURL returns the CDN URL for a derivative.
func (c *S3Client) PublicURL(objectKey string) string {
	return c.cdnBaseURL + "/" + objectKey
}
