package blob

import (
	"context"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/juju/clock"
	"github.com/juju/errors"
)

// S3Config holds the settings of an AWS S3 bucket. Endpoint overrides the
// AWS endpoint for S3-compatible services.
type S3Config struct {
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	// UsePathStyle addresses the bucket as a path segment, which most
	// S3-compatible services need.
	UsePathStyle bool
	// MaxAttempts caps attempts per request. 0 keeps the SDK default.
	MaxAttempts int
}

// S3Store keeps blobs as objects under uploads/ in one bucket.
type S3Store struct {
	client *s3.Client
	bucket string
	namer  Namer
}

// NewS3Store builds a client from the default AWS configuration chain,
// overridden by any static credentials and endpoint in cfg.
func NewS3Store(ctx context.Context, cfg S3Config, clk clock.Clock) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.NotValidf("empty s3 bucket")
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Annotate(err, "loading aws config")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
		if cfg.MaxAttempts > 0 {
			o.RetryMaxAttempts = cfg.MaxAttempts
		}
	})

	return &S3Store{client: client, bucket: cfg.Bucket, namer: NewNamer(clk)}, nil
}

// Put spools r to a temporary file so the request carries a known length,
// then uploads it. S3 only exposes the object once PutObject succeeds.
func (s *S3Store) Put(ctx context.Context, r io.Reader, originalName string) (Stored, error) {
	name := s.namer.Name(originalName)
	key := objectPrefix + name

	spool, err := os.CreateTemp("", "drop-s3-*")
	if err != nil {
		return Stored{}, errors.Annotate(err, "creating spool file")
	}
	defer func() {
		_ = spool.Close()
		_ = os.Remove(spool.Name())
	}()

	n, err := io.Copy(spool, r)
	if err != nil {
		return Stored{}, errors.Annotatef(err, "spooling %s", name)
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return Stored{}, errors.Annotate(err, "rewinding spool file")
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          spool,
		ContentLength: aws.Int64(n),
		ContentType:   aws.String(ContentType(name)),
	})
	if err != nil {
		return Stored{}, errors.Annotatef(err, "put object %s", key)
	}
	return Stored{Name: name, Location: key, Size: n}, nil
}

// Open fetches the object at location.
func (s *S3Store) Open(ctx context.Context, location string) (Object, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(location),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return Object{}, ErrBlobNotFound
		}
		return Object{}, errors.Annotatef(err, "get object %s", location)
	}

	size := int64(-1)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return Object{ReadCloser: out.Body, Size: size}, nil
}

// Ping checks that the bucket is reachable with the configured credentials.
func (s *S3Store) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	return errors.Trace(err)
}
