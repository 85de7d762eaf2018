package remote

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/sethvargo/go-retry"

	"github.com/dmitrijs2005/attachsync/models"
)

// S3Config configures the S3 storage backend. Endpoint and UsePathStyle
// support S3-compatible stores (MinIO, R2).
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool

	// KeyPrefix is prepended to every object key, e.g. "attachments/".
	KeyPrefix string
}

// S3Storage implements Storage over an S3 bucket. Objects are keyed by the
// attachment filename under the configured prefix.
type S3Storage struct {
	client *s3.Client
	bucket string
	prefix string
}

var loadDefaultAWSConfig = config.LoadDefaultConfig

// NewS3Storage builds an S3 client from cfg.
func NewS3Storage(ctx context.Context, cfg S3Config) (*S3Storage, error) {
	awsCfg, err := loadDefaultAWSConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)))
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return NewS3StorageWithClient(client, cfg.Bucket, cfg.KeyPrefix), nil
}

// NewS3StorageWithClient wraps an existing client. Test hook.
func NewS3StorageWithClient(client *s3.Client, bucket, prefix string) *S3Storage {
	return &S3Storage{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3Storage) key(att *models.Attachment) string {
	return s.prefix + att.Filename
}

// UploadFile puts the object in one shot. The body is consumed once, so
// transport failures are not retried here; the queue re-opens the local file
// and retries on its next cycle.
func (s *S3Storage) UploadFile(ctx context.Context, data io.Reader, att *models.Attachment) error {
	in := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(att)),
		Body:   data,
	}
	if att.Size > 0 {
		in.ContentLength = aws.Int64(att.Size)
	}
	if att.MediaType != "" {
		in.ContentType = aws.String(att.MediaType)
	}

	if _, err := s.client.PutObject(ctx, in); err != nil {
		return classify("upload "+att.ID, err)
	}
	return nil
}

func (s *S3Storage) DownloadFile(ctx context.Context, att *models.Attachment) (io.ReadCloser, error) {
	var body io.ReadCloser

	err := s.withBackoff(ctx, func(ctx context.Context) error {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(att)),
		})
		if err != nil {
			return classify("download "+att.ID, err)
		}
		body = out.Body
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// DeleteFile is idempotent: S3 reports success for a missing key, and a
// mapped not-found is treated as success as well.
func (s *S3Storage) DeleteFile(ctx context.Context, att *models.Attachment) error {
	err := s.withBackoff(ctx, func(ctx context.Context) error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(att)),
		})
		if err != nil {
			return classify("delete "+att.ID, err)
		}
		return nil
	})
	if IsNotFound(err) {
		return nil
	}
	return err
}

// withBackoff retries transport-kind failures a few times with fibonacci
// backoff before giving the error back to the queue's own retry schedule.
func (s *S3Storage) withBackoff(ctx context.Context, fn func(ctx context.Context) error) error {
	b := retry.WithMaxRetries(2, retry.NewFibonacci(200*time.Millisecond))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		var re *Error
		if errors.As(err, &re) && re.Kind == KindTransport {
			return retry.RetryableError(err)
		}
		return err
	})
}

func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	kind := KindTransport

	var nsk *s3types.NoSuchKey
	var nf *s3types.NotFound
	var apiErr smithy.APIError
	switch {
	case errors.As(err, &nsk), errors.As(err, &nf):
		kind = KindNotFound
	case errors.As(err, &apiErr):
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			kind = KindNotFound
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
			kind = KindAuth
		default:
			kind = KindOther
		}
	}
	return &Error{Kind: kind, Op: op, Err: err}
}
