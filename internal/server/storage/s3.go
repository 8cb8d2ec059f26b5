package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// S3Config holds the settings for an S3 (or MinIO) backend.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string // set for MinIO and other S3-compatible servers
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	DisableSSL      bool
}

// S3Store keeps uploaded files in an S3 bucket under a key prefix.
type S3Store struct {
	client *s3.S3
	bucket string
	prefix string
}

// NewS3Store creates an S3 backend from cfg.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	awsConfig := &aws.Config{
		Region: aws.String(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}

	// Support MinIO for local development
	if cfg.Endpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(true)
		awsConfig.DisableSSL = aws.Bool(cfg.DisableSSL)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &S3Store{
		client: s3.New(sess),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// EnsureDir makes sure the bucket exists, creating it when missing.
func (st *S3Store) EnsureDir() error {
	_, err := st.client.HeadBucket(&s3.HeadBucketInput{Bucket: aws.String(st.bucket)})
	if err == nil {
		return nil
	}
	slog.Info("bucket not reachable, trying to create it", "bucket", st.bucket, "error", err)

	_, err = st.client.CreateBucket(&s3.CreateBucketInput{Bucket: aws.String(st.bucket)})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && (aerr.Code() == s3.ErrCodeBucketAlreadyOwnedByYou || aerr.Code() == s3.ErrCodeBucketAlreadyExists) {
			return nil
		}
		return fmt.Errorf("failed to create bucket %s: %w", st.bucket, err)
	}
	return nil
}

// Save uploads data under key. The body is buffered because PutObject needs
// a seekable reader; uploads are bounded by the configured size limit.
// Taken keys are refused with a HEAD check first, which narrows but does not
// close the window between two writers picking the same key.
func (st *S3Store) Save(key string, data io.Reader) (int64, error) {
	objectKey, err := st.objectKey(key)
	if err != nil {
		return 0, err
	}
	if st.Exists(key) {
		return 0, fmt.Errorf("%w: %s", ErrExists, key)
	}

	buf := bytes.NewBuffer(nil)
	n, err := io.Copy(buf, data)
	if err != nil {
		return 0, fmt.Errorf("failed to read file: %w", err)
	}

	_, err = st.client.PutObject(&s3.PutObjectInput{
		Bucket:      aws.String(st.bucket),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to upload file to S3: %w", err)
	}
	return n, nil
}

// Open streams the object stored under key.
func (st *S3Store) Open(key string) (io.ReadCloser, int64, error) {
	objectKey, err := st.objectKey(key)
	if err != nil {
		return nil, 0, err
	}

	out, err := st.client.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(st.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, 0, fmt.Errorf("failed to get object: %w", err)
	}
	return out.Body, aws.Int64Value(out.ContentLength), nil
}

// Exists reports whether an object is stored under key.
func (st *S3Store) Exists(key string) bool {
	objectKey, err := st.objectKey(key)
	if err != nil {
		return false
	}
	_, err = st.client.HeadObject(&s3.HeadObjectInput{
		Bucket: aws.String(st.bucket),
		Key:    aws.String(objectKey),
	})
	return err == nil
}

// Delete removes the object stored under key.
func (st *S3Store) Delete(key string) error {
	objectKey, err := st.objectKey(key)
	if err != nil {
		return err
	}
	_, err = st.client.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(st.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return fmt.Errorf("failed to delete file from S3: %w", err)
	}
	return nil
}

func (st *S3Store) objectKey(key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	return path.Join(st.prefix, key), nil
}

func isS3NotFound(err error) bool {
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) && reqErr.StatusCode() == http.StatusNotFound {
		return true
	}
	var aerr awserr.Error
	return errors.As(err, &aerr) && aerr.Code() == s3.ErrCodeNoSuchKey
}
