package publisher

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
)

// GCSPublisher uploads objects to a Cloud Storage bucket (the bucket behind
// Firebase Storage works as well).
type GCSPublisher struct {
	client *storage.Client
	bucket string
}

var _ Publisher = (*GCSPublisher)(nil)

// NewGCSPublisher creates a client using Application Default Credentials.
func NewGCSPublisher(ctx context.Context, bucket string) (*GCSPublisher, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &GCSPublisher{client: client, bucket: bucket}, nil
}

// Close releases the storage client.
func (p *GCSPublisher) Close() error {
	return p.client.Close()
}

// Publish uploads data and returns its public object URL.
func (p *GCSPublisher) Publish(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}

	w := p.client.Bucket(p.bucket).Object(name).NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = "public, max-age=86400"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("upload %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize %s: %w", name, err)
	}
	return ObjectURL(p.bucket, name), nil
}

// ObjectURL is the public URL of an object.
func ObjectURL(bucket, name string) string {
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", bucket, name)
}
