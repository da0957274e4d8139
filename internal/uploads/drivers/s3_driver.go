package drivers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const defaultPresignExpiry = time.Hour

// S3Options configures an S3Driver.
type S3Options struct {
	Bucket    string
	KeyPrefix string // prepended to every object key, e.g. "attachments/"
	PublicURL string // base URL when the bucket is served publicly; presigned URLs otherwise
}

// S3Driver stores attachment blobs in an S3-compatible bucket.
type S3Driver struct {
	client    *s3.Client
	presigner *s3.PresignClient
	bucket    string
	prefix    string
	publicURL string
}

func NewS3Driver(client *s3.Client, opts S3Options) *S3Driver {
	return &S3Driver{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    opts.Bucket,
		prefix:    strings.Trim(opts.KeyPrefix, "/"),
		publicURL: strings.TrimSuffix(opts.PublicURL, "/"),
	}
}

func (d *S3Driver) objectKey(key string) string {
	if d.prefix == "" {
		return key
	}
	return path.Join(d.prefix, key)
}

func (d *S3Driver) Save(ctx context.Context, key string, body io.Reader, contentType string) error {
	if _, err := d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(d.bucket),
		Key:         aws.String(d.objectKey(key)),
		Body:        body,
		ContentType: aws.String(contentType),
	}); err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

func (d *S3Driver) Get(ctx context.Context, key string) (io.ReadCloser, string, error) {
	out, err := d.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.objectKey(key)),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, "", fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, "", fmt.Errorf("get object %s: %w", key, err)
	}
	return out.Body, aws.ToString(out.ContentType), nil
}

// Delete removes the object. Deleting a missing key is not an error.
func (d *S3Driver) Delete(ctx context.Context, key string) error {
	if _, err := d.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.objectKey(key)),
	}); err != nil && !isNoSuchKey(err) {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

func (d *S3Driver) GenerateURL(ctx context.Context, key string, expires time.Duration) (string, error) {
	if d.publicURL != "" {
		return d.publicURL + "/" + d.objectKey(key), nil
	}
	if expires <= 0 {
		expires = defaultPresignExpiry
	}
	req, err := d.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.objectKey(key)),
	}, s3.WithPresignExpires(expires))
	if err != nil {
		return "", fmt.Errorf("presign object %s: %w", key, err)
	}
	return req.URL, nil
}

func isNoSuchKey(err error) bool {
	var noSuchKey *types.NoSuchKey
	return errors.As(err, &noSuchKey)
}
