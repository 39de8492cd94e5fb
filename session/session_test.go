package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aiqsync.dev/httpclient"
	"aiqsync.dev/model"
	"aiqsync.dev/store"
)

func resetProcessState() {
	processMu.Lock()
	processOpen = false
	processMu.Unlock()
}

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenThenCloseClearsResumeState(t *testing.T) {
	resetProcessState()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"token": "tok-123",
			"links": map[string]string{"startdatasync": "/sync/start"},
		})
	}))
	defer srv.Close()

	db := openTestDB(t)
	client := httpclient.New(false)

	s, err := Open(context.Background(), db, client, nil, srv.URL, OpenConfig{Username: "alice"})
	require.NoError(t, err)
	assert.True(t, s.IsOpen())

	link, err := s.Link("startdatasync")
	require.NoError(t, err)
	assert.Equal(t, "/sync/start", link)

	require.NoError(t, s.Close(context.Background()))
	assert.False(t, s.IsOpen())
	assert.False(t, CanResume(db))
}

func TestOpenRejectsSecondSessionInProcess(t *testing.T) {
	resetProcessState()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"token": "tok", "links": map[string]string{}})
	}))
	defer srv.Close()

	db := openTestDB(t)
	client := httpclient.New(false)

	s, err := Open(context.Background(), db, client, nil, srv.URL, OpenConfig{Username: "alice"})
	require.NoError(t, err)
	defer s.Close(context.Background())

	_, err = Open(context.Background(), db, client, nil, srv.URL, OpenConfig{Username: "bob"})
	assert.ErrorIs(t, err, model.ErrSessionOpen)
}

func TestResumeWithoutPriorOpenFails(t *testing.T) {
	resetProcessState()
	db := openTestDB(t)
	client := httpclient.New(false)

	assert.False(t, CanResume(db))
	_, err := Resume(db, client, nil, "http://example.invalid")
	assert.Error(t, err)
}

// TestDoClosesSessionOn401WithoutCredentials covers a session opened with no
// password on file (nothing to silently reauthenticate with): the first 401
// is already terminal.
func TestDoClosesSessionOn401WithoutCredentials(t *testing.T) {
	resetProcessState()

	openSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"token": "tok", "links": map[string]string{}})
	}))
	defer openSrv.Close()

	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer apiSrv.Close()

	db := openTestDB(t)
	client := httpclient.New(false)

	s, err := Open(context.Background(), db, client, nil, openSrv.URL, OpenConfig{Username: "alice"})
	require.NoError(t, err)
	defer resetProcessState()

	_, err = s.Do(context.Background(), httpclient.NewRequest(http.MethodGet, apiSrv.URL))
	assert.ErrorIs(t, err, model.ErrSessionClosed)
	assert.False(t, s.IsOpen())
}

// TestDoSilentlyReauthenticatesOnceThenRetries covers the mandatory flow: a
// 401 with stored credentials on file triggers exactly one silent re-login,
// and the original request is retried with the fresh token.
func TestDoSilentlyReauthenticatesOnceThenRetries(t *testing.T) {
	resetProcessState()

	var logins int32
	openSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&logins, 1)
		token := "tok-2"
		if n == 1 {
			token = "tok-1"
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"token": token,
			"links": map[string]string{},
		})
	}))
	defer openSrv.Close()

	var apiCalls int32
	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&apiCalls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "Bearer tok-2", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer apiSrv.Close()

	db := openTestDB(t)
	client := httpclient.New(false)

	s, err := Open(context.Background(), db, client, nil, openSrv.URL, OpenConfig{Username: "alice", Password: "secret"})
	require.NoError(t, err)
	defer resetProcessState()

	resp, err := s.Do(context.Background(), httpclient.NewRequest(http.MethodGet, apiSrv.URL))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, s.IsOpen())
	assert.EqualValues(t, 2, atomic.LoadInt32(&logins))
	assert.EqualValues(t, 2, atomic.LoadInt32(&apiCalls))
}

// TestDoClosesSessionOnSecondConsecutive401 covers the other terminal path:
// reauthentication succeeds but the retried request still comes back 401.
func TestDoClosesSessionOnSecondConsecutive401(t *testing.T) {
	resetProcessState()

	openSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"token": "tok", "links": map[string]string{}})
	}))
	defer openSrv.Close()

	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer apiSrv.Close()

	db := openTestDB(t)
	client := httpclient.New(false)

	s, err := Open(context.Background(), db, client, nil, openSrv.URL, OpenConfig{Username: "alice", Password: "secret"})
	require.NoError(t, err)
	defer resetProcessState()

	_, err = s.Do(context.Background(), httpclient.NewRequest(http.MethodGet, apiSrv.URL))
	assert.ErrorIs(t, err, model.ErrSessionClosed)
	assert.False(t, s.IsOpen())

	// The process-wide exclusion must also be released so a fresh Open can
	// follow a forced close.
	s2, err := Open(context.Background(), db, client, nil, openSrv.URL, OpenConfig{Username: "alice", Password: "secret"})
	require.NoError(t, err)
	defer s2.Close(context.Background())
}
