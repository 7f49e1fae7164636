package versionstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/animus-labs/flowgate/internal/domain"
)

// MinioStore writes commits as immutable objects keyed commits/{ref}/{path}.
type MinioStore struct {
	client  *minio.Client
	bucket  string
	timeout time.Duration
}

func NewMinioStore(client *minio.Client, bucket string, timeout time.Duration) (*MinioStore, error) {
	if client == nil {
		return nil, fmt.Errorf("minio client is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &MinioStore{client: client, bucket: bucket, timeout: timeout}, nil
}

func (s *MinioStore) WriteCommit(ctx context.Context, path string, payload []byte) (string, error) {
	if s == nil || s.client == nil {
		return "", fmt.Errorf("minio store not initialized")
	}
	p, err := cleanPath(path)
	if err != nil {
		return "", err
	}
	ref := CommitRef(p, payload)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err = s.client.PutObject(ctx, s.bucket, objectKey(ref, p), bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"flowgate-path": p,
		},
	})
	if err != nil {
		return "", fmt.Errorf("%w: put commit: %v", domain.ErrVersionStoreUnavailable, err)
	}
	return ref, nil
}

func (s *MinioStore) ReadCommit(ctx context.Context, ref, path string) ([]byte, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("minio store not initialized")
	}
	p, err := cleanPath(path)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(ref) == "" {
		return nil, errors.New("ref is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	obj, err := s.client.GetObject(ctx, s.bucket, objectKey(ref, p), minio.GetObjectOptions{})
	if err != nil {
		return nil, mapMinioError(err)
	}
	defer obj.Close()
	payload, err := io.ReadAll(obj)
	if err != nil {
		return nil, mapMinioError(err)
	}
	return payload, nil
}

func mapMinioError(err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.StatusCode == 404 {
		return ErrNotFound
	}
	return fmt.Errorf("%w: get commit: %v", domain.ErrVersionStoreUnavailable, err)
}
