// Package gcs provides a sink backed by Google Cloud Storage for gs:// paths.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path"
	"strings"

	"cloud.google.com/go/storage"
)

// Scheme prefixes output paths handled by this sink.
const Scheme = "gs://"

// BlobStore writes artifacts addressed as gs://bucket/object.
type BlobStore struct {
	client *storage.Client
}

// New creates a GCS-backed sink.
func New(client *storage.Client) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	return &BlobStore{client: client}, nil
}

// ParseURI splits gs://bucket/object into its parts.
func ParseURI(uri string) (bucket, object string, err error) {
	if !strings.HasPrefix(uri, Scheme) {
		return "", "", fmt.Errorf("not a %s uri: %q", Scheme, uri)
	}
	bucket, object, ok := strings.Cut(strings.TrimPrefix(uri, Scheme), "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("uri must name a bucket and an object: %q", uri)
	}
	return bucket, object, nil
}

// Save uploads data to the object named by uri.
func (s *BlobStore) Save(ctx context.Context, uri string, data []byte) error {
	bucket, object, err := ParseURI(uri)
	if err != nil {
		return err
	}
	writer := s.client.Bucket(bucket).Object(object).NewWriter(ctx)
	if ct := mime.TypeByExtension(path.Ext(object)); ct != "" {
		writer.ContentType = ct
	}
	if _, err := writer.Write(data); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("write object %s: %w (close writer: %v)", uri, err, closeErr)
		}
		return fmt.Errorf("write object %s: %w", uri, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", uri, err)
	}
	return nil
}

// Exists reports whether the object named by uri is present.
func (s *BlobStore) Exists(ctx context.Context, uri string) (bool, error) {
	bucket, object, err := ParseURI(uri)
	if err != nil {
		return false, err
	}
	if _, err := s.client.Bucket(bucket).Object(object).Attrs(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat object %s: %w", uri, err)
	}
	return true, nil
}
