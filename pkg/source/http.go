// Package source fetches chart payloads from HTTP JSON endpoints.
package source

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// DefaultMaxBody bounds a single response body.
const DefaultMaxBody = 4 << 20

var (
	ErrEmptyURL = errors.New("source: url is empty")
	ErrStatus   = errors.New("source: unexpected status")
	ErrTooLarge = errors.New("source: response body exceeds limit")
)

type HTTPFetcher struct {
	url     string
	client  *http.Client
	header  http.Header
	maxBody int64
}

type Option func(*HTTPFetcher)

func WithClient(c *http.Client) Option {
	return func(f *HTTPFetcher) {
		if c != nil {
			f.client = c
		}
	}
}

func WithHeader(key, value string) Option {
	return func(f *HTTPFetcher) {
		f.header.Add(key, value)
	}
}

func WithMaxBody(n int64) Option {
	return func(f *HTTPFetcher) {
		if n > 0 {
			f.maxBody = n
		}
	}
}

func NewHTTPFetcher(url string, opts ...Option) (*HTTPFetcher, error) {
	if url == "" {
		return nil, ErrEmptyURL
	}
	f := &HTTPFetcher{
		url:     url,
		client:  &http.Client{Timeout: 30 * time.Second},
		header:  http.Header{},
		maxBody: DefaultMaxBody,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

func (f *HTTPFetcher) URL() string {
	return f.url
}

// Fetch issues one GET bound to ctx. The body is returned as json.RawMessage;
// its shape is left to the renderer.
func (f *HTTPFetcher) Fetch(ctx context.Context) (any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	for k, vs := range f.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "get %s", f.url)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, errors.Wrapf(ErrStatus, "get %s: %s", f.url, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", f.url)
	}
	if int64(len(body)) > f.maxBody {
		return nil, errors.Wrapf(ErrTooLarge, "get %s: limit %d bytes", f.url, f.maxBody)
	}
	return json.RawMessage(body), nil
}
