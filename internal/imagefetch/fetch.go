// Package imagefetch downloads and decodes the photo submitted for scoring.
package imagefetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	_ "golang.org/x/image/webp"
)

const (
	// MaxImageBytes caps the size of a downloaded photo (10MB).
	MaxImageBytes = 10 * 1024 * 1024
	// MaxImagePixels caps the decoded dimensions (40MP).
	MaxImagePixels = 40_000_000
)

var (
	// ErrInvalidURL reports a URL that is not absolute http(s).
	ErrInvalidURL = errors.New("imagefetch: image url must be an absolute http or https url")
	// ErrFetch reports a transport failure or an error status from the image host.
	ErrFetch = errors.New("imagefetch: failed to fetch image")
	// ErrImageTooLarge reports a body larger than the configured limit.
	ErrImageTooLarge = errors.New("imagefetch: image exceeds size limit")
	// ErrUnsupportedImage reports a body that is not a decodable image.
	ErrUnsupportedImage = errors.New("imagefetch: unsupported image format")
)

// Fetched is a downloaded and decoded photo.
type Fetched struct {
	Data        []byte
	ContentType string
	Format      string
	Image       image.Image
}

// Fetcher downloads images over HTTP.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

// NewHTTPClient returns a client tuned for calling external hosts.
// http.DefaultClient has no timeout, so callers always go through this.
func NewHTTPClient(timeout time.Duration) *http.Client {
	t := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	return &http.Client{Timeout: timeout, Transport: t}
}

// NewFetcher constructs a Fetcher with the MaxImageBytes limit.
func NewFetcher(client *http.Client) *Fetcher {
	if client == nil {
		client = NewHTTPClient(15 * time.Second)
	}
	return &Fetcher{client: client, maxBytes: MaxImageBytes}
}

// WithLimit returns a copy of f with a different size limit.
func (f *Fetcher) WithLimit(maxBytes int64) *Fetcher {
	cp := *f
	cp.maxBytes = maxBytes
	return &cp
}

// Fetch downloads rawURL and decodes it.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Fetched, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, ErrInvalidURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	req.Header.Set("Accept", "image/*")

	res, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer res.Body.Close()

	if res.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("%w: http %d", ErrFetch, res.StatusCode)
	}
	if res.ContentLength > f.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrImageTooLarge, res.ContentLength)
	}

	data, err := io.ReadAll(io.LimitReader(res.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrFetch, err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrImageTooLarge, f.maxBytes)
	}

	return Decode(data, res.Header.Get("Content-Type"))
}

// Decode decodes raw image bytes. The content type is sniffed when empty.
// Images above MaxImagePixels are rejected from their header alone.
func Decode(data []byte, contentType string) (*Fetched, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrUnsupportedImage)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrUnsupportedImage, cfg.Width, cfg.Height)
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxImagePixels {
		return nil, fmt.Errorf("%w: %dx%d pixels", ErrImageTooLarge, cfg.Width, cfg.Height)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	return &Fetched{Data: data, ContentType: contentType, Format: format, Image: img}, nil
}
