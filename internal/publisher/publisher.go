// Package publisher stores annotated results and returns a URL for them.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrInvalidName reports an object name that would escape the destination.
var ErrInvalidName = errors.New("publisher: invalid object name")

// Publisher stores data under name and returns a retrievable URL.
type Publisher interface {
	Publish(ctx context.Context, name string, data []byte, contentType string) (string, error)
}

// ObjectName is the storage name of the annotated image for a request.
func ObjectName(requestID string) string {
	return path.Join("processed", requestID+".jpg")
}

func validateName(name string) error {
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	clean := path.Clean(name)
	if clean != name || clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// LocalPublisher writes objects below a directory served by the HTTP layer.
type LocalPublisher struct {
	dir     string
	baseURL string
}

var _ Publisher = (*LocalPublisher)(nil)

// NewLocalPublisher creates dir when missing. baseURL is the public prefix
// under which dir is served.
func NewLocalPublisher(dir, baseURL string) (*LocalPublisher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create publish dir: %w", err)
	}
	return &LocalPublisher{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Dir returns the root directory.
func (p *LocalPublisher) Dir() string {
	return p.dir
}

// Publish writes data to <dir>/<name>.
func (p *LocalPublisher) Publish(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	target := filepath.Join(p.dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", err
	}
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return p.baseURL + "/" + name, nil
}
