// Package session implements the session and link directory: opening a
// session authenticates against the backend and retrieves a directory of
// named links (URLs for the data-sync, message and attachment endpoints),
// resuming restores a session that an earlier Open persisted and that was
// never closed (for example across a process restart) from local storage
// without a network round trip, and only one session may be open per process at a
// time, mirroring AIQSession's single-open invariant.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"aiqsync.dev/httpclient"
	"aiqsync.dev/model"
	"aiqsync.dev/notify"
	"aiqsync.dev/store"
)

const (
	sessionPropToken    = "session.token"
	sessionPropLinks    = "session.links"
	sessionPropUser     = "session.user"
	sessionPropOrg      = "session.organization"
	sessionPropPassword = "session.password"
)

// OpenConfig carries everything Open needs to authenticate.
type OpenConfig struct {
	Username     string
	Password     string
	Organization string
	Info         map[string]string
}

// Session is a single authenticated connection to the backend, holding the
// link directory resolved at open time.
type Session struct {
	http    *httpclient.Client
	store   *store.DB
	bus     *notify.Bus
	baseURL string
	timeout time.Duration

	mu       sync.RWMutex
	token    string
	links    map[string]string
	user     string
	org      string
	password string
	open     bool

	reauthMu  sync.Mutex
	closeOnce sync.Once
}

// process-wide exclusion: only one Session may be open at a time, matching
// the single-open invariant of the original module.
var (
	processMu   sync.Mutex
	processOpen bool
)

// Open authenticates against baseURL and populates the link directory.
// Returns model.ErrSessionOpen if another session is already open in this
// process. bus may be nil if the host application does not want session
// lifecycle notifications.
func Open(ctx context.Context, db *store.DB, client *httpclient.Client, bus *notify.Bus, baseURL string, cfg OpenConfig) (*Session, error) {
	processMu.Lock()
	defer processMu.Unlock()
	if processOpen {
		return nil, model.ErrSessionOpen
	}

	body, err := json.Marshal(map[string]interface{}{
		"username":     cfg.Username,
		"password":     cfg.Password,
		"organization": cfg.Organization,
		"info":         cfg.Info,
	})
	if err != nil {
		return nil, fmt.Errorf("session: encode open request: %w", err)
	}

	req := httpclient.NewRequest("POST", baseURL+"/session")
	req.JSONBody = body

	resp, err := client.Execute(ctx, req)
	if err != nil {
		return nil, model.WrapError(model.CodeUnauthorized, "session: open failed", err)
	}

	var payload struct {
		Token string            `json:"token"`
		Links map[string]string `json:"links"`
	}
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return nil, fmt.Errorf("session: decode open response: %w", err)
	}

	s := &Session{
		http:     client,
		store:    db,
		bus:      bus,
		baseURL:  baseURL,
		timeout:  60 * time.Second,
		token:    payload.Token,
		links:    payload.Links,
		user:     cfg.Username,
		org:      cfg.Organization,
		password: cfg.Password,
		open:     true,
	}

	if err := s.persist(); err != nil {
		return nil, err
	}

	processOpen = true
	s.publish(notify.EventSessionOpened, map[string]interface{}{"resumed": false})
	return s, nil
}

// CanResume reports whether a previously persisted session is available to
// resume without contacting the backend.
func CanResume(db *store.DB) bool {
	var found bool
	_ = db.View(func(tx *store.ReadTx) error {
		_, ok := tx.GetSessionProperty(sessionPropToken)
		found = ok
		return nil
	})
	return found
}

// Resume restores a session from local storage, avoiding the network round
// trip Open requires. It fails if no session was persisted, or another
// session is already open in this process. Reauthentication (if the
// persisted token has expired) is deferred to the first 401, per Do.
func Resume(db *store.DB, client *httpclient.Client, bus *notify.Bus, baseURL string) (*Session, error) {
	processMu.Lock()
	defer processMu.Unlock()
	if processOpen {
		return nil, model.ErrSessionOpen
	}

	var token, user, org, password string
	var links map[string]string
	err := db.View(func(tx *store.ReadTx) error {
		t, ok := tx.GetSessionProperty(sessionPropToken)
		if !ok {
			return model.ErrNotFound
		}
		token = string(t)

		if l, ok := tx.GetSessionProperty(sessionPropLinks); ok {
			if err := json.Unmarshal(l, &links); err != nil {
				return fmt.Errorf("session: decode persisted links: %w", err)
			}
		}
		if u, ok := tx.GetSessionProperty(sessionPropUser); ok {
			user = string(u)
		}
		if o, ok := tx.GetSessionProperty(sessionPropOrg); ok {
			org = string(o)
		}
		if p, ok := tx.GetSessionProperty(sessionPropPassword); ok {
			password = string(p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s := &Session{
		http:     client,
		store:    db,
		bus:      bus,
		baseURL:  baseURL,
		timeout:  60 * time.Second,
		token:    token,
		links:    links,
		user:     user,
		org:      org,
		password: password,
		open:     true,
	}

	processOpen = true
	s.publish(notify.EventSessionOpened, map[string]interface{}{"resumed": true})
	return s, nil
}

func (s *Session) persist() error {
	s.mu.RLock()
	linksJSON, err := json.Marshal(s.links)
	token, user, org, password := s.token, s.user, s.org, s.password
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("session: encode links: %w", err)
	}
	return s.store.Update(func(tx *store.WriteTx) error {
		if err := tx.SetSessionProperty(sessionPropToken, []byte(token)); err != nil {
			return err
		}
		if err := tx.SetSessionProperty(sessionPropLinks, linksJSON); err != nil {
			return err
		}
		if err := tx.SetSessionProperty(sessionPropUser, []byte(user)); err != nil {
			return err
		}
		if err := tx.SetSessionProperty(sessionPropPassword, []byte(password)); err != nil {
			return err
		}
		return tx.SetSessionProperty(sessionPropOrg, []byte(org))
	})
}

// Close releases the session's exclusive process-wide lock and clears the
// persisted resume state, matching AIQSession's close semantics.
func (s *Session) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.open = false
		s.mu.Unlock()

		err = s.store.Update(func(tx *store.WriteTx) error {
			_ = tx.DeleteSessionProperty(sessionPropToken)
			_ = tx.DeleteSessionProperty(sessionPropLinks)
			_ = tx.DeleteSessionProperty(sessionPropUser)
			_ = tx.DeleteSessionProperty(sessionPropPassword)
			return tx.DeleteSessionProperty(sessionPropOrg)
		})

		processMu.Lock()
		processOpen = false
		processMu.Unlock()

		s.publish(notify.EventSessionClosed, nil)
	})
	return err
}

// Cancel marks the session closed and releases the process-wide exclusion
// without the side effects of a graceful Close: nothing persisted is
// touched and no event is published, so a later Resume can still pick up
// whatever was last successfully saved. An Open still in progress is
// cancelled through the ctx passed to Open, not through this method.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false

	processMu.Lock()
	processOpen = false
	processMu.Unlock()
}

// IsOpen reports whether the session is currently usable.
func (s *Session) IsOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.open
}

// forceClose marks the session unusable and releases the process-wide
// exclusion, the terminal outcome of a 401 that survives reauthentication:
// without releasing the lock here, a closed session would block every
// future Open/Resume for the rest of the process lifetime.
func (s *Session) forceClose() {
	s.mu.Lock()
	wasOpen := s.open
	s.open = false
	s.mu.Unlock()

	if wasOpen {
		processMu.Lock()
		processOpen = false
		processMu.Unlock()
		s.publish(notify.EventSessionClosed, nil)
	}
}

// reauthenticate performs the single silent re-authentication attempt a 401
// is allowed before the session gives up and closes, using the credentials
// retained from Open (or restored by Resume). Concurrent 401s across
// in-flight requests collapse onto one attempt via reauthMu. Reports
// whether the session now holds a fresh token worth retrying with.
func (s *Session) reauthenticate(ctx context.Context) bool {
	s.reauthMu.Lock()
	defer s.reauthMu.Unlock()

	s.mu.RLock()
	username, password, org := s.user, s.password, s.org
	s.mu.RUnlock()
	if password == "" {
		return false
	}

	body, err := json.Marshal(map[string]interface{}{
		"username":     username,
		"password":     password,
		"organization": org,
	})
	if err != nil {
		return false
	}

	req := httpclient.NewRequest("POST", s.baseURL+"/session")
	req.JSONBody = body

	resp, err := s.http.Execute(ctx, req)
	if err != nil || resp == nil || resp.IsUnauthorized() {
		return false
	}

	var payload struct {
		Token string            `json:"token"`
		Links map[string]string `json:"links"`
	}
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return false
	}

	s.mu.Lock()
	s.token = payload.Token
	if len(payload.Links) > 0 {
		s.links = payload.Links
	}
	s.mu.Unlock()

	return s.persist() == nil
}

// DoStream executes a long-poll/streaming GET with the session's bearer
// token attached, invoking onLine for each newline-delimited record. A 401
// triggers one silent reauthentication attempt and retry before the stream
// is abandoned and the session closed, the same policy Do applies.
func (s *Session) DoStream(ctx context.Context, req *httpclient.StreamRequest, onLine func(httpclient.Line) error) error {
	if !s.IsOpen() {
		return model.ErrSessionClosed
	}

	if req.Headers == nil {
		req.Headers = make(map[string]string)
	}
	req.Headers["Authorization"] = "Bearer " + s.Token()

	err := s.http.ExecuteStream(ctx, req, onLine)
	if err != nil && strings.Contains(err.Error(), "HTTP 401") {
		if s.reauthenticate(ctx) {
			req.Headers["Authorization"] = "Bearer " + s.Token()
			err = s.http.ExecuteStream(ctx, req, onLine)
			if err != nil && strings.Contains(err.Error(), "HTTP 401") {
				s.forceClose()
				return model.ErrSessionClosed
			}
			return err
		}
		s.forceClose()
		return model.ErrSessionClosed
	}
	return err
}

// DoDirect executes req with the session's bearer token attached and
// returns the raw *http.Response for callers that stream the body directly
// to disk (the attachment downloader) instead of buffering it.
func (s *Session) DoDirect(ctx context.Context, req *httpclient.Request) (*http.Response, error) {
	if !s.IsOpen() {
		return nil, model.ErrSessionClosed
	}
	if req.Headers == nil {
		req.Headers = make(map[string]string)
	}
	req.Headers["Authorization"] = "Bearer " + s.Token()

	resp, err := s.http.Direct(ctx, req)
	if err == nil && resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		if s.reauthenticate(ctx) {
			req.Headers["Authorization"] = "Bearer " + s.Token()
			resp, err = s.http.Direct(ctx, req)
			if err == nil && resp.StatusCode == http.StatusUnauthorized {
				resp.Body.Close()
				s.forceClose()
				return nil, model.ErrSessionClosed
			}
			return resp, err
		}
		s.forceClose()
		return nil, model.ErrSessionClosed
	}
	return resp, err
}

// Link resolves a named link from the directory returned at open time.
func (s *Session) Link(name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	link, ok := s.links[name]
	if !ok {
		return "", model.ErrNoLink
	}
	return link, nil
}

// Token returns the bearer token to attach to authenticated requests.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Do executes req with the session's bearer token attached. A 401 triggers
// exactly one silent reauthentication attempt using the credentials
// retained at Open/Resume; if that succeeds the request is retried once
// with the fresh token, otherwise (or on a second 401) the session closes
// locally and model.ErrSessionClosed is returned so the caller knows to
// prompt for reauthentication.
func (s *Session) Do(ctx context.Context, req *httpclient.Request) (*httpclient.Response, error) {
	if !s.IsOpen() {
		return nil, model.ErrSessionClosed
	}

	if req.Headers == nil {
		req.Headers = make(map[string]string)
	}
	req.Headers["Authorization"] = "Bearer " + s.Token()

	resp, err := s.http.Execute(ctx, req)
	if resp != nil && resp.IsUnauthorized() {
		if s.reauthenticate(ctx) {
			req.Headers["Authorization"] = "Bearer " + s.Token()
			resp, err = s.http.Execute(ctx, req)
			if resp != nil && resp.IsUnauthorized() {
				s.forceClose()
				return resp, model.ErrSessionClosed
			}
			return resp, err
		}
		s.forceClose()
		return resp, model.ErrSessionClosed
	}
	return resp, err
}

func (s *Session) publish(name string, fields map[string]interface{}) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(notify.Event{Name: name, Fields: fields})
}
