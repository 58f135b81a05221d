package media

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/google/uuid"
)

// S3Config locates the bucket images are uploaded to.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Prefix    string
	// PublicURL is the base URL objects are reachable at. Defaults to the
	// virtual-host style AWS URL of the bucket.
	PublicURL string
}

// S3Backend uploads images to an S3-compatible object store. References are
// public object URLs.
type S3Backend struct {
	client    s3iface.S3API
	bucket    string
	prefix    string
	publicURL string
}

// NewS3Backend connects to the bucket described by cfg.
func NewS3Backend(cfg S3Config) (*S3Backend, error) {
	awsCfg := &aws.Config{Region: aws.String(cfg.Region)}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	if cfg.AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("creating s3 session: %w", err)
	}
	return newS3Backend(s3.New(sess), cfg), nil
}

func newS3Backend(client s3iface.S3API, cfg S3Config) *S3Backend {
	publicURL := cfg.PublicURL
	if publicURL == "" {
		publicURL = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, cfg.Region)
	}
	return &S3Backend{
		client:    client,
		bucket:    cfg.Bucket,
		prefix:    strings.Trim(cfg.Prefix, "/"),
		publicURL: strings.TrimRight(publicURL, "/"),
	}
}

func (b *S3Backend) Save(ctx context.Context, data []byte, mime string) (string, error) {
	key := path.Join(b.prefix, uuid.NewString()+".jpg")

	_, err := b.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(mime),
		ACL:           aws.String(s3.ObjectCannedACLPublicRead),
	})
	if err != nil {
		return "", fmt.Errorf("uploading %s: %w", key, err)
	}
	return b.publicURL + "/" + key, nil
}

func (b *S3Backend) Remove(ctx context.Context, ref string) error {
	key, ok := strings.CutPrefix(ref, b.publicURL+"/")
	if !ok || key == "" {
		return fmt.Errorf("not an object of this bucket: %q", ref)
	}

	_, err := b.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}
