// Package objectstore wraps the S3 API used for raw uploads and processed
// rendition output. Browsers never proxy video bytes through the API server;
// they upload and download through presigned URLs minted here.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const defaultPresignExpiry = time.Hour

// Config describes the buckets and connection settings for the gateway.
type Config struct {
	Region          string
	Endpoint        string
	UsePathStyle    bool
	AccessKeyID     string
	SecretAccessKey string

	// UploadBucket holds raw uploads; OutputBucket holds DASH output.
	UploadBucket string
	OutputBucket string

	PresignExpiry  time.Duration
	RequestTimeout time.Duration
	MaxRetries     int
}

// StorageError wraps S3 failures with the operation and key involved.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("objectstore %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ErrObjectNotFound is returned by Get when the key does not exist.
var ErrObjectNotFound = errors.New("object not found")

// Gateway is the S3-backed object store client.
type Gateway struct {
	client    *s3.Client
	presigner *s3.PresignClient
	cfg       Config
}

// New builds a Gateway from the provided configuration.
func New(ctx context.Context, cfg Config) (*Gateway, error) {
	if strings.TrimSpace(cfg.UploadBucket) == "" {
		return nil, fmt.Errorf("upload bucket required")
	}
	if strings.TrimSpace(cfg.OutputBucket) == "" {
		cfg.OutputBucket = cfg.UploadBucket
	}
	if cfg.PresignExpiry <= 0 {
		cfg.PresignExpiry = defaultPresignExpiry
	}

	var optFns []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	if cfg.MaxRetries > 0 {
		optFns = append(optFns, awsconfig.WithRetryMaxAttempts(cfg.MaxRetries))
	}
	if cfg.RequestTimeout > 0 {
		optFns = append(optFns, awsconfig.WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout}))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &Gateway{
		client:    client,
		presigner: s3.NewPresignClient(client),
		cfg:       cfg,
	}, nil
}

// UploadBucket reports the bucket holding raw uploads.
func (g *Gateway) UploadBucket() string { return g.cfg.UploadBucket }

// OutputBucket reports the bucket holding processed renditions.
func (g *Gateway) OutputBucket() string { return g.cfg.OutputBucket }

// PresignUpload mints a time-limited PUT URL for a raw upload. The content
// type is pinned so the browser cannot swap in a different payload kind.
func (g *Gateway) PresignUpload(ctx context.Context, key, contentType string) (string, error) {
	request, err := g.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(g.cfg.UploadBucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}, s3.WithPresignExpires(g.cfg.PresignExpiry))
	if err != nil {
		return "", &StorageError{Op: "presign-upload", Key: key, Err: err}
	}
	return request.URL, nil
}

// PresignDownload mints a time-limited GET URL for a processed object.
func (g *Gateway) PresignDownload(ctx context.Context, bucket, key string) (string, error) {
	request, err := g.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(g.cfg.PresignExpiry))
	if err != nil {
		return "", &StorageError{Op: "presign-download", Key: key, Err: err}
	}
	return request.URL, nil
}

// Put stores an object with the cache policy appropriate for its key.
func (g *Gateway) Put(ctx context.Context, bucket, key string, body io.Reader) error {
	input := &s3.PutObjectInput{
		Bucket:       aws.String(bucket),
		Key:          aws.String(key),
		Body:         body,
		ContentType:  aws.String(ContentTypeFor(key)),
		CacheControl: aws.String(CacheControlFor(key)),
	}
	if _, err := g.client.PutObject(ctx, input); err != nil {
		return &StorageError{Op: "put", Key: key, Err: err}
	}
	return nil
}

// Get retrieves an object body. The caller owns the returned reader.
func (g *Gateway) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	result, err := g.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFoundError(err) {
			return nil, &StorageError{Op: "get", Key: key, Err: ErrObjectNotFound}
		}
		return nil, &StorageError{Op: "get", Key: key, Err: err}
	}
	return result.Body, nil
}

// Size reports an object's byte size via a HEAD request.
func (g *Gateway) Size(ctx context.Context, bucket, key string) (int64, error) {
	result, err := g.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFoundError(err) {
			return 0, &StorageError{Op: "head", Key: key, Err: ErrObjectNotFound}
		}
		return 0, &StorageError{Op: "head", Key: key, Err: err}
	}
	return aws.ToInt64(result.ContentLength), nil
}

// Delete removes a single object. Missing keys are not an error.
func (g *Gateway) Delete(ctx context.Context, bucket, key string) error {
	_, err := g.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return &StorageError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

// DeletePrefix removes every object under the prefix. Used when a video is
// deleted to clear its manifest and segments.
func (g *Gateway) DeletePrefix(ctx context.Context, bucket, prefix string) error {
	paginator := s3.NewListObjectsV2Paginator(g.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return &StorageError{Op: "list", Key: prefix, Err: err}
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if err := g.Delete(ctx, bucket, key); err != nil {
				return err
			}
		}
	}
	return nil
}

func isNotFoundError(err error) bool {
	var nsk *s3types.NoSuchKey
	var nse *s3types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nse)
}
