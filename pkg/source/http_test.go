package source

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestFetchReturnsRawBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/json", r.Header.Get("Accept"))
		require.Equal(t, "cpu", r.Header.Get("X-Chart"))
		_, _ = w.Write([]byte(`[{"key":"a","val":1}]`))
	}))
	defer srv.Close()

	f, err := NewHTTPFetcher(srv.URL, WithHeader("X-Chart", "cpu"))
	require.NoError(t, err)
	v, err := f.Fetch(context.Background())
	require.NoError(t, err)

	raw, ok := v.(json.RawMessage)
	require.True(t, ok)
	require.JSONEq(t, `[{"key":"a","val":1}]`, string(raw))
}

func TestFetchDoesNotValidateShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"unexpected":true}`))
	}))
	defer srv.Close()

	f, err := NewHTTPFetcher(srv.URL)
	require.NoError(t, err)
	_, err = f.Fetch(context.Background())
	require.NoError(t, err)
}

func TestFetchNon2xxFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	f, err := NewHTTPFetcher(srv.URL)
	require.NoError(t, err)
	_, err = f.Fetch(context.Background())
	require.True(t, errors.Is(err, ErrStatus))
	require.Contains(t, err.Error(), "500")
}

func TestFetchBodyLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer srv.Close()

	f, err := NewHTTPFetcher(srv.URL, WithMaxBody(16))
	require.NoError(t, err)
	_, err = f.Fetch(context.Background())
	require.True(t, errors.Is(err, ErrTooLarge))
}

func TestFetchHonoursContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	f, err := NewHTTPFetcher(srv.URL)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = f.Fetch(ctx)
	require.Error(t, err)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestNewHTTPFetcherRequiresURL(t *testing.T) {
	_, err := NewHTTPFetcher("")
	require.True(t, errors.Is(err, ErrEmptyURL))
}
