package message

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"aiqsync.dev/httpclient"
	"aiqsync.dev/model"
	"aiqsync.dev/opqueue"
	"aiqsync.dev/session"
	"aiqsync.dev/store"
)

func openTestStore(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSendQueuesClientMessage(t *testing.T) {
	db := openTestStore(t)
	p := &Pipeline{store: db, coalesceWindow: DefaultCoalesceWindow}

	id, err := p.Send("demo", "backend", json.RawMessage(`{"text":"hi"}`), SendOptions{})
	require.NoError(t, err)

	var msg model.ClientMessage
	require.NoError(t, db.View(func(tx *store.ReadTx) error {
		_, err := tx.GetClientMessage("demo", id, &msg)
		return err
	}))
	require.Equal(t, model.MessageQueued, msg.Status)
}

func TestIngestServerMessageDeliversToInbox(t *testing.T) {
	db := openTestStore(t)

	var mu sync.Mutex
	var delivered []model.ServerMessage
	done := make(chan struct{}, 1)
	inbox := inboxFunc(func(msg model.ServerMessage) {
		mu.Lock()
		delivered = append(delivered, msg)
		mu.Unlock()
		done <- struct{}{}
	})

	p := &Pipeline{store: db, inbox: inbox}
	msg := model.ServerMessage{ID: "sm1", Solution: "demo", Sender: "backend", Body: json.RawMessage(`{"k":"v"}`)}

	require.NoError(t, db.Update(func(tx *store.WriteTx) error {
		return p.IngestServerMessage(tx, msg)
	}))

	<-done
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, delivered, 1)
	require.Equal(t, "sm1", delivered[0].ID)
}

type inboxFunc func(model.ServerMessage)

func (f inboxFunc) Deliver(msg model.ServerMessage) { f(msg) }

func TestEnqueuePendingBatchesByRecipient(t *testing.T) {
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"token": "tok",
			"links": map[string]string{"messages": srv.URL + "/messages"},
		})
	})
	var received int
	var mu sync.Mutex
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		received++
		mu.Unlock()
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	db := openTestStore(t)
	client := httpclient.New(false)
	sess, err := session.Open(context.Background(), db, client, nil, srv.URL, session.OpenConfig{Username: "u"})
	require.NoError(t, err)
	defer sess.Close(context.Background())

	p := New(db, sess, nil, nil, 0, nil)
	_, err = p.Send("demo", "backend", json.RawMessage(`{"a":1}`), SendOptions{})
	require.NoError(t, err)
	_, err = p.Send("demo", "backend", json.RawMessage(`{"a":2}`), SendOptions{})
	require.NoError(t, err)

	queue := opqueue.New(opqueue.DefaultConfig(), nil)
	require.NoError(t, p.EnqueuePending("demo", queue))

	_, found := queue.Record("message-batch:demo:backend")
	require.True(t, found)
}

func TestEnqueuePendingSendsUrgentMessagesIndividually(t *testing.T) {
	db := openTestStore(t)
	p := &Pipeline{store: db, coalesceWindow: DefaultCoalesceWindow}

	urgentID, err := p.Send("demo", "backend", json.RawMessage(`{"a":1}`), SendOptions{Urgent: true})
	require.NoError(t, err)
	_, err = p.Send("demo", "backend", json.RawMessage(`{"a":2}`), SendOptions{})
	require.NoError(t, err)

	queue := opqueue.New(opqueue.DefaultConfig(), nil)
	require.NoError(t, p.EnqueuePending("demo", queue))

	_, found := queue.Record("message-batch:demo:" + urgentID)
	require.True(t, found, "urgent message gets its own batch keyed by its own id")
	_, found = queue.Record("message-batch:demo:backend")
	require.True(t, found, "the non-urgent message still coalesces by recipient")
}

func TestSendBatchDeletesAcceptedRowWithoutExpectResponse(t *testing.T) {
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"token": "tok",
			"links": map[string]string{"messages": srv.URL + "/messages"},
		})
	})
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	db := openTestStore(t)
	client := httpclient.New(false)
	sess, err := session.Open(context.Background(), db, client, nil, srv.URL, session.OpenConfig{Username: "u"})
	require.NoError(t, err)
	defer sess.Close(context.Background())

	p := New(db, sess, nil, nil, 0, nil)
	id, err := p.Send("demo", "backend", json.RawMessage(`{"a":1}`), SendOptions{})
	require.NoError(t, err)

	require.NoError(t, p.sendBatch(context.Background(), "demo", "backend", []string{id}))

	var msg model.ClientMessage
	found, err := func() (bool, error) {
		var f bool
		var e error
		e = db.View(func(tx *store.ReadTx) error {
			f, e = tx.GetClientMessage("demo", id, &msg)
			return e
		})
		return f, e
	}()
	require.NoError(t, err)
	require.False(t, found, "an Accepted row with no ExpectResponse is purged immediately")
}

func TestSendBatchRetainsAcceptedRowWithExpectResponse(t *testing.T) {
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"token": "tok",
			"links": map[string]string{"messages": srv.URL + "/messages"},
		})
	})
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	db := openTestStore(t)
	client := httpclient.New(false)
	sess, err := session.Open(context.Background(), db, client, nil, srv.URL, session.OpenConfig{Username: "u"})
	require.NoError(t, err)
	defer sess.Close(context.Background())

	p := New(db, sess, nil, nil, 0, nil)
	id, err := p.Send("demo", "backend", json.RawMessage(`{"a":1}`), SendOptions{ExpectResponse: true})
	require.NoError(t, err)

	require.NoError(t, p.sendBatch(context.Background(), "demo", "backend", []string{id}))

	var msg model.ClientMessage
	require.NoError(t, db.View(func(tx *store.ReadTx) error {
		_, err := tx.GetClientMessage("demo", id, &msg)
		return err
	}))
	require.Equal(t, model.MessageAccepted, msg.Status)
}

func TestSendBatchRejectsOnClientError(t *testing.T) {
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"token": "tok",
			"links": map[string]string{"messages": srv.URL + "/messages"},
		})
	})
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	db := openTestStore(t)
	client := httpclient.New(false)
	sess, err := session.Open(context.Background(), db, client, nil, srv.URL, session.OpenConfig{Username: "u"})
	require.NoError(t, err)
	defer sess.Close(context.Background())

	p := New(db, sess, nil, nil, 0, nil)
	id, err := p.Send("demo", "backend", json.RawMessage(`{"a":1}`), SendOptions{ExpectResponse: true})
	require.NoError(t, err)

	require.NoError(t, p.sendBatch(context.Background(), "demo", "backend", []string{id}))

	var msg model.ClientMessage
	require.NoError(t, db.View(func(tx *store.ReadTx) error {
		_, err := tx.GetClientMessage("demo", id, &msg)
		return err
	}))
	require.Equal(t, model.MessageRejected, msg.Status)
	require.Equal(t, model.RejectionPermissionDenied, msg.Rejection)
}

func TestApplyDeliveryStatusTransitionsAcceptedToDelivered(t *testing.T) {
	db := openTestStore(t)
	p := &Pipeline{store: db}

	now := func() model.ClientMessage {
		return model.ClientMessage{
			ID: "m1", Solution: "demo", Recipient: "backend",
			Status: model.MessageAccepted, ExpectResponse: true,
		}
	}()
	require.NoError(t, db.Update(func(tx *store.WriteTx) error {
		return tx.PutClientMessage("demo", "m1", &now)
	}))

	status := model.ServerMessage{
		Solution: "demo", Type: "delivery-status",
		Body: json.RawMessage(`{"messageId":"m1","delivered":true,"responseBody":{"ok":true}}`),
	}
	require.NoError(t, db.Update(func(tx *store.WriteTx) error {
		return p.applyDeliveryStatus(tx, status)
	}))

	var msg model.ClientMessage
	require.NoError(t, db.View(func(tx *store.ReadTx) error {
		_, err := tx.GetClientMessage("demo", "m1", &msg)
		return err
	}))
	require.Equal(t, model.MessageDelivered, msg.Status)
	require.JSONEq(t, `{"ok":true}`, string(msg.ResponseBody))
}

func TestApplyDeliveryStatusDeletesRowWithoutExpectResponse(t *testing.T) {
	db := openTestStore(t)
	p := &Pipeline{store: db}

	msg := model.ClientMessage{ID: "m1", Solution: "demo", Status: model.MessageAccepted, ExpectResponse: false}
	require.NoError(t, db.Update(func(tx *store.WriteTx) error {
		return tx.PutClientMessage("demo", "m1", &msg)
	}))

	status := model.ServerMessage{
		Solution: "demo", Type: "delivery-status",
		Body: json.RawMessage(`{"messageId":"m1","delivered":false}`),
	}
	require.NoError(t, db.Update(func(tx *store.WriteTx) error {
		return p.applyDeliveryStatus(tx, status)
	}))

	var out model.ClientMessage
	found, err := func() (bool, error) {
		var f bool
		err := db.View(func(tx *store.ReadTx) error {
			var e error
			f, e = tx.GetClientMessage("demo", "m1", &out)
			return e
		})
		return f, err
	}()
	require.NoError(t, err)
	require.False(t, found)
}
