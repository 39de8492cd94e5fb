package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(false)
	resp, err := c.Execute(context.Background(), NewRequest(http.MethodGet, srv.URL))
	require.NoError(t, err)
	assert.True(t, resp.IsSuccess())
	assert.Equal(t, `{"ok":true}`, string(resp.Body))
}

func TestExecuteRetriesTransientFailure(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	req := NewRequest(http.MethodGet, srv.URL)
	req.RetryCount = 3
	req.RetryInterval = time.Millisecond

	c := New(false)
	resp, err := c.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, resp.IsSuccess())
	assert.Equal(t, 3, attempts)
}

func TestExecuteDoesNotRetryClientError(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	req := NewRequest(http.MethodGet, srv.URL)
	req.RetryCount = 3
	req.RetryInterval = time.Millisecond

	c := New(false)
	_, err := c.Execute(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestExecuteStreamDeliversEachLine(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("{\"seq\":1}\n{\"seq\":2}\n"))
	}))
	defer srv.Close()

	c := New(false)
	var lines []string
	err := c.ExecuteStream(context.Background(), &StreamRequest{URL: srv.URL}, func(l Line) error {
		lines = append(lines, string(l.Raw))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{`{"seq":1}`, `{"seq":2}`}, lines)
}
