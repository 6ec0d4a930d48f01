// Package storage archives raw message bytes to S3-compatible object
// storage. Objects are content-addressed by the message fingerprint, so
// re-importing the same mailbox never duplicates archive data.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mailvault/mailvault/config"
	"github.com/mailvault/mailvault/consts"
	"github.com/mailvault/mailvault/logger"
	"github.com/mailvault/mailvault/pkg/metrics"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type S3Storage struct {
	Client     *minio.Client
	BucketName string
}

// New initializes the S3 client from configuration. The bucket must
// already exist; provisioning is an operator concern.
func New(cfg config.S3Config) (*S3Storage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: !cfg.DisableTLS,
	})
	if err != nil {
		logger.Error("STORAGE: failed to initialize MinIO client", "error", err)
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}

	if cfg.Debug {
		client.TraceOn(os.Stdout)
	}

	return &S3Storage{
		Client:     client,
		BucketName: cfg.Bucket,
	}, nil
}

// Exists checks whether an object with the given key is already archived.
func (s *S3Storage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Client.StatObject(ctx, s.BucketName, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}

	var minioErr minio.ErrorResponse
	if errors.As(err, &minioErr) && minioErr.StatusCode == 404 {
		return false, nil
	}

	return false, fmt.Errorf("failed to stat object %s: %w", key, err)
}

// Put uploads one object.
func (s *S3Storage) Put(ctx context.Context, key string, body []byte) error {
	start := time.Now()

	_, err := s.Client.PutObject(
		ctx,
		s.BucketName,
		key,
		bytes.NewReader(body),
		int64(len(body)),
		minio.PutObjectOptions{SendContentMd5: true},
	)
	if err != nil {
		metrics.S3OperationsTotal.WithLabelValues("PUT", "error").Inc()
	} else {
		metrics.S3OperationsTotal.WithLabelValues("PUT", "success").Inc()
	}
	metrics.S3OperationDuration.WithLabelValues("PUT").Observe(time.Since(start).Seconds())

	if err != nil {
		return fmt.Errorf("%w: %v", consts.ErrS3UploadFailed, err)
	}
	return nil
}

// Archive stores one raw message under raw/<hash-prefix>/<hash>.eml,
// skipping the upload when the object already exists. The two-level key
// layout keeps bucket listings browsable by hash prefix.
func (s *S3Storage) Archive(ctx context.Context, contentHash string, raw []byte) error {
	key := archiveKey(contentHash)

	exists, err := s.Exists(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		metrics.S3OperationsTotal.WithLabelValues("PUT", "skipped").Inc()
		logger.Debug("STORAGE: object already archived", "key", key)
		return nil
	}

	return s.Put(ctx, key, raw)
}

func archiveKey(contentHash string) string {
	prefix := contentHash
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	var b strings.Builder
	b.WriteString("raw/")
	b.WriteString(prefix)
	b.WriteString("/")
	b.WriteString(contentHash)
	b.WriteString(".eml")
	return b.String()
}
