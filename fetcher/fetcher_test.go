package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	f := New(WithRateLimit(1000, 1000))
	b, err := f.GetBytes(context.Background(), srv.URL, 0)
	require.NoError(t, err)
	require.Equal(t, "hello", string(b))
}

func TestGetUnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("nope"))
	}))
	defer srv.Close()

	f := New(WithRateLimit(1000, 1000))
	_, err := f.Get(context.Background(), srv.URL)
	require.Error(t, err)
}

func TestBasicAuthClient(t *testing.T) {
	var gotUser, gotPass string
	var gotOK bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, gotOK = r.BasicAuth()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewBasicAuthClient(nil, "apikey", "secret", 0)
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.True(t, gotOK)
	require.Equal(t, "apikey", gotUser)
	require.Equal(t, "secret", gotPass)
}
