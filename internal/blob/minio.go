package blob

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// objectPrefix namespaces uploads inside the bucket.
const objectPrefix = "uploads/"

// MinioConfig holds the connection settings of a MinIO (or other
// S3-compatible) endpoint.
type MinioConfig struct {
	// Endpoint is "host:port" or "http(s)://host:port".
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	// CreateBucket makes the bucket when it does not exist instead of
	// failing.
	CreateBucket bool
	// MaxRetries caps attempts per request. 0 keeps the client default.
	MaxRetries int
}

// uploadPartSize bounds the buffer used for uploads of unknown length.
const uploadPartSize = 16 << 20

// MinioStore keeps blobs as objects under uploads/ in one bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
	namer  Namer
}

func normaliseEndpoint(raw string) (endpoint string, secure bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, fmt.Errorf("empty endpoint")
	}

	// Accept either "minio:9000" or "http://minio:9000" / "https://minio:9000".
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", false, err
		}
		if u.Host == "" {
			return "", false, fmt.Errorf("invalid endpoint")
		}
		if u.Path != "" && u.Path != "/" {
			return "", false, fmt.Errorf("endpoint must not contain a path")
		}
		secure = (u.Scheme == "https")
		return u.Host, secure, nil
	}

	// No scheme provided, treat as host:port (insecure by default for local MinIO).
	return raw, false, nil
}

// NewMinioStore connects to the endpoint and checks the bucket.
func NewMinioStore(ctx context.Context, cfg MinioConfig, clk clock.Clock) (*MinioStore, error) {
	if cfg.Endpoint == "" || cfg.AccessKey == "" || cfg.SecretKey == "" || cfg.Bucket == "" {
		return nil, errors.NotValidf("incomplete minio configuration")
	}

	endpoint, secure, err := normaliseEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, errors.Annotate(err, "minio endpoint")
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:      credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:     secure,
		MaxRetries: cfg.MaxRetries,
	})
	if err != nil {
		return nil, errors.Annotate(err, "creating minio client")
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, errors.Annotatef(err, "checking bucket %s", cfg.Bucket)
	}
	if !exists {
		if !cfg.CreateBucket {
			return nil, errors.NotFoundf("minio bucket %s", cfg.Bucket)
		}
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, errors.Annotatef(err, "creating bucket %s", cfg.Bucket)
		}
		logger.Infof("created bucket %q", cfg.Bucket)
	}

	return &MinioStore{client: client, bucket: cfg.Bucket, namer: NewNamer(clk)}, nil
}

// Put streams r into a new object. MinIO only publishes the object once
// the upload completes.
func (s *MinioStore) Put(ctx context.Context, r io.Reader, originalName string) (Stored, error) {
	name := s.namer.Name(originalName)
	key := objectPrefix + name

	info, err := s.client.PutObject(ctx, s.bucket, key, r, -1, minio.PutObjectOptions{
		ContentType: ContentType(name),
		PartSize:    uploadPartSize,
	})
	if err != nil {
		return Stored{}, errors.Annotatef(err, "put object %s", key)
	}
	return Stored{Name: name, Location: key, Size: info.Size}, nil
}

// Open fetches the object at location. The object is stat'ed first so a
// missing key fails here instead of in the middle of streaming.
func (s *MinioStore) Open(ctx context.Context, location string) (Object, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, location, minio.GetObjectOptions{})
	if err != nil {
		return Object{}, errors.Annotatef(err, "get object %s", location)
	}

	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return Object{}, ErrBlobNotFound
		}
		return Object{}, errors.Annotatef(err, "stat object %s", location)
	}
	return Object{ReadCloser: obj, Size: info.Size}, nil
}

// Ping checks that the bucket is reachable.
func (s *MinioStore) Ping(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return errors.Trace(err)
	}
	if !exists {
		return errors.NotFoundf("bucket %s", s.bucket)
	}
	return nil
}
