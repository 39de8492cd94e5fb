// Package store is the persistence adapter: a single bbolt database file
// holding every document, attachment record, client and server message,
// cursor, launchable and session property the engine owns, plus a blob
// directory for attachment payloads laid out by solution/document/name. All multi-row writes go through a single bbolt
// transaction so a crash mid-write never leaves half-applied state.
package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Bucket names. Keys within documents/attachments/clientMessages/
// serverMessages are composite, joined with keySep, so a single bucket can
// hold rows for every solution without a secondary index.
const (
	bucketDocuments      = "documents"
	bucketAttachments    = "attachments"
	bucketClientMessages = "client_messages"
	bucketServerMessages = "server_messages"
	bucketSessionProps   = "session_props"
	bucketCursors        = "cursors"
	bucketLaunchables    = "launchables"

	keySep = "\x1f"
)

// DB wraps a bbolt database with the bucket layout and typed helpers the
// rest of the engine needs, built around transaction-scoped Read/Write
// views so callers can compose multi-row writes atomically.
type DB struct {
	bolt *bolt.DB
}

// Open opens or creates the database file at path and ensures every bucket
// this package uses exists.
func Open(path string) (*DB, error) {
	b, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	db := &DB{bolt: b}
	if err := db.bolt.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{
			bucketDocuments, bucketAttachments, bucketClientMessages,
			bucketServerMessages, bucketSessionProps, bucketCursors,
			bucketLaunchables,
		} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		b.Close()
		return nil, err
	}

	return db, nil
}

// Close closes the underlying bbolt database.
func (db *DB) Close() error {
	return db.bolt.Close()
}

// View runs fn in a read-only transaction.
func (db *DB) View(fn func(tx *ReadTx) error) error {
	return db.bolt.View(func(t *bolt.Tx) error {
		return fn(&ReadTx{tx: t})
	})
}

// Update runs fn in a read-write transaction. Either every write inside fn
// lands on disk or, on error/panic, none of them do.
func (db *DB) Update(fn func(tx *WriteTx) error) error {
	return db.bolt.Update(func(t *bolt.Tx) error {
		return fn(&WriteTx{ReadTx: ReadTx{tx: t}})
	})
}

func docKey(solution, id string) []byte {
	return []byte(solution + keySep + id)
}

func attachmentKey(solution, documentID, name string) []byte {
	return []byte(solution + keySep + documentID + keySep + name)
}

func splitAttachmentKey(key []byte) (solution, documentID, name string) {
	parts := strings.SplitN(string(key), keySep, 3)
	if len(parts) != 3 {
		return "", "", ""
	}
	return parts[0], parts[1], parts[2]
}

func solutionPrefix(solution string) []byte {
	return []byte(solution + keySep)
}

func splitDocKey(key string) (solution, id string, ok bool) {
	parts := strings.SplitN(key, keySep, 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// ReadTx exposes read-only accessors over an in-flight bbolt transaction.
type ReadTx struct {
	tx *bolt.Tx
}

// GetDocument looks up a single document by solution and id.
func (r *ReadTx) GetDocument(solution, id string, out interface{}) (bool, error) {
	b := r.tx.Bucket([]byte(bucketDocuments))
	data := b.Get(docKey(solution, id))
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("store: decode document %s/%s: %w", solution, id, err)
	}
	return true, nil
}

// IterateDocuments walks every document belonging to solution, decoding
// each into a fresh value produced by newValue and passing it to fn. There
// is no secondary index by type: callers filter in fn, which is acceptable
// for a client-side cache of modest size.
func (r *ReadTx) IterateDocuments(solution string, newValue func() interface{}, fn func(id string, value interface{}) error) error {
	b := r.tx.Bucket([]byte(bucketDocuments))
	c := b.Cursor()
	prefix := solutionPrefix(solution)
	for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
		id := strings.TrimPrefix(string(k), string(prefix))
		value := newValue()
		if err := json.Unmarshal(v, value); err != nil {
			return fmt.Errorf("store: decode document %s: %w", k, err)
		}
		if err := fn(id, value); err != nil {
			return err
		}
	}
	return nil
}

// GetAttachment looks up a single attachment record.
func (r *ReadTx) GetAttachment(solution, documentID, name string, out interface{}) (bool, error) {
	b := r.tx.Bucket([]byte(bucketAttachments))
	data := b.Get(attachmentKey(solution, documentID, name))
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("store: decode attachment %s/%s/%s: %w", solution, documentID, name, err)
	}
	return true, nil
}

// IterateAttachments walks every attachment belonging to a document.
func (r *ReadTx) IterateAttachments(solution, documentID string, newValue func() interface{}, fn func(name string, value interface{}) error) error {
	b := r.tx.Bucket([]byte(bucketAttachments))
	c := b.Cursor()
	prefix := []byte(solution + keySep + documentID + keySep)
	for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
		_, _, name := splitAttachmentKey(k)
		value := newValue()
		if err := json.Unmarshal(v, value); err != nil {
			return fmt.Errorf("store: decode attachment %s: %w", k, err)
		}
		if err := fn(name, value); err != nil {
			return err
		}
	}
	return nil
}

// GetSessionProperty reads a keyed session property (link directory,
// credentials, resume token, ...).
func (r *ReadTx) GetSessionProperty(key string) ([]byte, bool) {
	b := r.tx.Bucket([]byte(bucketSessionProps))
	v := b.Get([]byte(key))
	if v == nil {
		return nil, false
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true
}

// GetCursor reads the last-seen change-feed cursor for a solution.
func (r *ReadTx) GetCursor(solution string) (string, bool) {
	b := r.tx.Bucket([]byte(bucketCursors))
	v := b.Get([]byte(solution))
	if v == nil {
		return "", false
	}
	return string(v), true
}

// GetClientMessage looks up a single queued client message by id.
func (r *ReadTx) GetClientMessage(solution, id string, out interface{}) (bool, error) {
	b := r.tx.Bucket([]byte(bucketClientMessages))
	data := b.Get(docKey(solution, id))
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("store: decode client message %s/%s: %w", solution, id, err)
	}
	return true, nil
}

// IterateClientMessages walks queued client messages for a solution.
func (r *ReadTx) IterateClientMessages(solution string, fn func(id string, value *json.RawMessage) error) error {
	b := r.tx.Bucket([]byte(bucketClientMessages))
	c := b.Cursor()
	prefix := solutionPrefix(solution)
	for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
		id := strings.TrimPrefix(string(k), string(prefix))
		raw := json.RawMessage(v)
		if err := fn(id, &raw); err != nil {
			return err
		}
	}
	return nil
}

// IterateServerMessages walks every server message for a solution, across
// every solution if solution is empty, used by the expiry sweep to find
// messages whose ActiveFrom+TimeToLive deadline has passed.
func (r *ReadTx) IterateServerMessages(solution string, fn func(solution, id string, value *json.RawMessage) error) error {
	b := r.tx.Bucket([]byte(bucketServerMessages))
	c := b.Cursor()
	var seek []byte
	if solution != "" {
		seek = solutionPrefix(solution)
	}
	for k, v := c.Seek(seek); k != nil; k, v = c.Next() {
		key := string(k)
		if solution != "" && !strings.HasPrefix(key, string(seek)) {
			break
		}
		sol, id, ok := splitDocKey(key)
		if !ok {
			continue
		}
		raw := json.RawMessage(v)
		if err := fn(sol, id, &raw); err != nil {
			return err
		}
	}
	return nil
}

// GetLaunchable looks up a single launchable by solution and id.
func (r *ReadTx) GetLaunchable(solution, id string, out interface{}) (bool, error) {
	b := r.tx.Bucket([]byte(bucketLaunchables))
	data := b.Get(docKey(solution, id))
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("store: decode launchable %s/%s: %w", solution, id, err)
	}
	return true, nil
}

// IterateLaunchables walks every launchable belonging to solution.
func (r *ReadTx) IterateLaunchables(solution string, newValue func() interface{}, fn func(id string, value interface{}) error) error {
	b := r.tx.Bucket([]byte(bucketLaunchables))
	c := b.Cursor()
	prefix := solutionPrefix(solution)
	for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
		id := strings.TrimPrefix(string(k), string(prefix))
		value := newValue()
		if err := json.Unmarshal(v, value); err != nil {
			return fmt.Errorf("store: decode launchable %s: %w", k, err)
		}
		if err := fn(id, value); err != nil {
			return err
		}
	}
	return nil
}

// WriteTx extends ReadTx with mutating operations. All of them are
// available only inside Update, so a caller can never issue a stray write
// against a read-only transaction.
type WriteTx struct {
	ReadTx
}

// PutDocument inserts or replaces a document.
func (w *WriteTx) PutDocument(solution, id string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: encode document %s/%s: %w", solution, id, err)
	}
	b := w.tx.Bucket([]byte(bucketDocuments))
	return b.Put(docKey(solution, id), data)
}

// DeleteDocument removes a document row outright (used once a
// locally-deleted, never-synced document is purged, and after a backend
// delete has been applied).
func (w *WriteTx) DeleteDocument(solution, id string) error {
	b := w.tx.Bucket([]byte(bucketDocuments))
	return b.Delete(docKey(solution, id))
}

// PutAttachment inserts or replaces an attachment record.
func (w *WriteTx) PutAttachment(solution, documentID, name string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: encode attachment %s/%s/%s: %w", solution, documentID, name, err)
	}
	b := w.tx.Bucket([]byte(bucketAttachments))
	return b.Put(attachmentKey(solution, documentID, name), data)
}

// DeleteAttachment removes an attachment record.
func (w *WriteTx) DeleteAttachment(solution, documentID, name string) error {
	b := w.tx.Bucket([]byte(bucketAttachments))
	return b.Delete(attachmentKey(solution, documentID, name))
}

// PutClientMessage inserts or replaces a queued client message.
func (w *WriteTx) PutClientMessage(solution, id string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: encode client message %s/%s: %w", solution, id, err)
	}
	b := w.tx.Bucket([]byte(bucketClientMessages))
	return b.Put(docKey(solution, id), data)
}

// DeleteClientMessage removes a client message once it has been delivered.
func (w *WriteTx) DeleteClientMessage(solution, id string) error {
	b := w.tx.Bucket([]byte(bucketClientMessages))
	return b.Delete(docKey(solution, id))
}

// PutServerMessage inserts a server-originated message awaiting dispatch to
// subscribers.
func (w *WriteTx) PutServerMessage(solution, id string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: encode server message %s/%s: %w", solution, id, err)
	}
	b := w.tx.Bucket([]byte(bucketServerMessages))
	return b.Put(docKey(solution, id), data)
}

// DeleteServerMessage removes a server message, used once it has been read
// and discarded or once it has expired past its TimeToLive.
func (w *WriteTx) DeleteServerMessage(solution, id string) error {
	b := w.tx.Bucket([]byte(bucketServerMessages))
	return b.Delete(docKey(solution, id))
}

// SetSessionProperty writes a keyed session property.
func (w *WriteTx) SetSessionProperty(key string, value []byte) error {
	b := w.tx.Bucket([]byte(bucketSessionProps))
	return b.Put([]byte(key), value)
}

// DeleteSessionProperty removes a session property (used on session close).
func (w *WriteTx) DeleteSessionProperty(key string) error {
	b := w.tx.Bucket([]byte(bucketSessionProps))
	return b.Delete([]byte(key))
}

// SetCursor records the change-feed cursor most recently applied for a
// solution, so the next pull resumes from that point instead of rescanning
// history.
func (w *WriteTx) SetCursor(solution, cursor string) error {
	b := w.tx.Bucket([]byte(bucketCursors))
	return b.Put([]byte(solution), []byte(cursor))
}

// DeleteCursor discards the change-feed cursor for a solution, forcing the
// next pull to restart from the beginning of the feed. Used when the
// backend reports it has forgotten this client's sync state.
func (w *WriteTx) DeleteCursor(solution string) error {
	b := w.tx.Bucket([]byte(bucketCursors))
	return b.Delete([]byte(solution))
}

// PutLaunchable inserts or replaces a launchable record.
func (w *WriteTx) PutLaunchable(solution, id string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: encode launchable %s/%s: %w", solution, id, err)
	}
	b := w.tx.Bucket([]byte(bucketLaunchables))
	return b.Put(docKey(solution, id), data)
}

// DeleteLaunchable removes a launchable record.
func (w *WriteTx) DeleteLaunchable(solution, id string) error {
	b := w.tx.Bucket([]byte(bucketLaunchables))
	return b.Delete(docKey(solution, id))
}
