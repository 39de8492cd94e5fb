// Package sync is the document synchronizer: it pulls the backend's
// long-poll change feed into local storage and pushes locally pending
// document and attachment changes back out, all funneled through a single
// conflict-resolution chokepoint so every incoming record is reconciled the
// same way regardless of which endpoint produced it. It is grounded on the
// teacher's change-feed listener, generalized from CouchDB's _changes feed
// to a backend-agnostic newline-delimited JSON stream.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"aiqsync.dev/httpclient"
	"aiqsync.dev/model"
	"aiqsync.dev/notify"
	"aiqsync.dev/session"
	"aiqsync.dev/store"
)

// Link names resolved from the session's link directory.
const (
	LinkChanges     = "changes"
	LinkDocuments   = "documents"
	LinkAttachments = "attachments"
)

// Change record kinds. A record's Kind selects which sub-protocol below
// applies; everything not recognized here is treated as a document record
// for backward compatibility with a backend that omits Kind entirely.
const (
	KindDocument   = "document"
	KindAttachment = "attachment"
	KindMessage    = "message"
	KindLaunchable = "launchable"
	KindGone       = "gone"
)

// ChangeRecord is one line of the backend's change feed. Kind distinguishes
// a document mutation from a piggybacked server message, an attachment
// revision bump or a gone notice, so the message pipeline's inbox can share
// the same stream without a second connection.
type ChangeRecord struct {
	Kind       string                `json:"kind"`
	Cursor     string                `json:"cursor"`
	Solution   string                `json:"solution"`
	DocumentID string                `json:"documentId"`
	Type       string                `json:"type"`
	Revision   string                `json:"revision"`
	Deleted    bool                  `json:"deleted"`
	Rejected   bool                  `json:"rejected"`
	Rejection  model.RejectionReason `json:"rejectionReason"`
	Fields     json.RawMessage       `json:"fields"`
	Message    *model.ServerMessage  `json:"message,omitempty"`

	// Attachment-record fields, present when Kind == KindAttachment.
	AttachmentName        string `json:"attachmentName"`
	AttachmentContentType string `json:"attachmentContentType"`
	AttachmentLength      int64  `json:"attachmentLength"`

	// Launchable-record fields, present when Kind == KindLaunchable.
	Launchable *model.Launchable `json:"launchable,omitempty"`
}

// MessageSink receives server messages piggybacked on the change feed,
// implemented by the message pipeline so sync never needs to know about
// message delivery mechanics.
type MessageSink interface {
	IngestServerMessage(tx *store.WriteTx, msg model.ServerMessage) error
}

// AttachmentSink is notified when the change feed reports a new or changed
// attachment revision, implemented by the attachment downloader so sync
// never needs to know about transfer mechanics.
type AttachmentSink interface {
	Enqueue(solution, documentID, name string)
}

// Synchronizer reconciles one solution's documents between local storage
// and the backend.
type Synchronizer struct {
	store       *store.DB
	session     *session.Session
	log         *logrus.Entry
	bus         *notify.Bus
	messages    MessageSink
	attachments AttachmentSink
	blobs       *store.BlobStore
}

// SetBlobs wires in the blob store outgoing attachment pushes read their
// payload from. Required before pushAttachment handles a create/update;
// left nil, attachment pushes for deletes still work but uploads fail.
func (s *Synchronizer) SetBlobs(blobs *store.BlobStore) {
	s.blobs = blobs
}

// New creates a Synchronizer. messages and attachments may be nil if the
// host application does not use the corresponding pipeline; bus may be nil
// if the host application does not want change notifications.
func New(db *store.DB, sess *session.Session, log *logrus.Entry, bus *notify.Bus, messages MessageSink, attachments AttachmentSink) *Synchronizer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Synchronizer{store: db, session: sess, log: log, bus: bus, messages: messages, attachments: attachments}
}

func (s *Synchronizer) publish(name string, fields map[string]interface{}) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(notify.Event{Name: name, Fields: fields})
}

// Pull opens the solution's change feed and applies every record it
// receives until ctx is cancelled or the connection drops, at which point
// the caller (normally the scheduler) is expected to retry. Each record is
// applied in its own transaction so a mid-stream failure only loses the
// single record in flight, not the whole batch.
func (s *Synchronizer) Pull(ctx context.Context, solution string) error {
	link, err := s.session.Link(LinkChanges)
	if err != nil {
		return fmt.Errorf("sync: resolve changes link: %w", err)
	}

	var since string
	_ = s.store.View(func(tx *store.ReadTx) error {
		if cursor, ok := tx.GetCursor(solution); ok {
			since = cursor
		}
		return nil
	})

	url := link + "?solution=" + solution
	if since != "" {
		url += "&since=" + since
	}

	req := &httpclient.StreamRequest{URL: url}
	return s.session.DoStream(ctx, req, func(line httpclient.Line) error {
		var rec ChangeRecord
		if err := json.Unmarshal(line.Raw, &rec); err != nil {
			s.log.WithError(err).Warn("sync: discarding unparseable change record")
			return nil
		}
		return s.applyRecord(solution, &rec)
	})
}

func (s *Synchronizer) applyRecord(solution string, rec *ChangeRecord) error {
	if rec.Kind == KindGone {
		return s.handleGone(solution)
	}

	return s.store.Update(func(tx *store.WriteTx) error {
		switch rec.Kind {
		case KindMessage:
			if rec.Message == nil || s.messages == nil {
				return nil
			}
			return s.messages.IngestServerMessage(tx, *rec.Message)
		case KindAttachment:
			if err := s.resolveAttachment(tx, rec); err != nil {
				return err
			}
		case KindLaunchable:
			if err := s.resolveLaunchable(tx, rec); err != nil {
				return err
			}
		default:
			if err := s.resolveIncoming(tx, rec); err != nil {
				return err
			}
		}
		if rec.Cursor != "" {
			return tx.SetCursor(rec.Solution, rec.Cursor)
		}
		return nil
	})
}

// handleGone implements the recovery the backend's "gone" record demands:
// the server has forgotten this client's sync state entirely, so the
// cursor is discarded (the next Pull restarts the feed from the beginning)
// and every locally synchronized document has its revision cleared so the
// replayed feed can freely overwrite it without a spurious conflict. A
// document still awaiting push is left untouched; it still needs to push
// before it can be reconciled against whatever the backend now has.
func (s *Synchronizer) handleGone(solution string) error {
	err := s.store.Update(func(tx *store.WriteTx) error {
		if err := tx.DeleteCursor(solution); err != nil {
			return err
		}

		var stale []string
		if err := tx.IterateDocuments(solution, func() interface{} { return &model.Document{} }, func(id string, value interface{}) error {
			doc := value.(*model.Document)
			if doc.Status == model.StatusSynchronized {
				stale = append(stale, id)
			}
			return nil
		}); err != nil {
			return err
		}

		for _, id := range stale {
			var doc model.Document
			found, err := tx.GetDocument(solution, id, &doc)
			if err != nil {
				return err
			}
			if !found {
				continue
			}
			doc.Revision = ""
			if err := tx.PutDocument(solution, id, &doc); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.log.WithField("solution", solution).Warn("sync: backend reported gone, resetting local cursor")
	return model.NewError(model.CodeGone, "sync: server has forgotten this client's sync state")
}

// resolveIncoming is the single place an incoming backend document record
// is reconciled against local state. Every pull path (the long-poll feed
// here, and any future bulk-import path) must route through this function
// so conflict behavior never diverges between code paths.
//
// The backend always wins against an unmodified local copy. A local change
// that is still pending push is only overwritten if the incoming record
// reports rejection of that same pending change; otherwise the incoming
// record is deferred, held in a side bucket and re-applied once the
// pending local push resolves (succeeds or is itself rejected), so the
// remote update is never silently dropped.
func (s *Synchronizer) resolveIncoming(tx *store.WriteTx, rec *ChangeRecord) error {
	var existing model.Document
	found, err := tx.GetDocument(rec.Solution, rec.DocumentID, &existing)
	if err != nil {
		return err
	}

	// A Rejected document is not pending push (EnqueuePending skips it), so
	// like a Synchronized one it takes the backend's record directly.
	pending := found && existing.Status != model.StatusSynchronized && existing.Status != model.StatusRejected

	if rec.Deleted {
		if pending && !rec.Rejected {
			return s.deferIncoming(tx, rec)
		}
		if !found {
			return nil
		}
		if err := tx.DeleteDocument(rec.Solution, rec.DocumentID); err != nil {
			return err
		}
		s.publish(notify.EventDocumentDeleted, map[string]interface{}{
			"solution": rec.Solution, "id": rec.DocumentID,
		})
		return nil
	}

	if pending && !rec.Rejected {
		// Local change still pending push; the backend's view is stale
		// from our perspective until our push either lands or is
		// rejected. Hold the remote record instead of dropping it.
		return s.deferIncoming(tx, rec)
	}

	now := time.Now()
	doc := model.Document{
		ID:        rec.DocumentID,
		Solution:  rec.Solution,
		Type:      rec.Type,
		Revision:  rec.Revision,
		Fields:    rec.Fields,
		UpdatedAt: now,
	}
	event := notify.EventDocumentUpdated
	if rec.Rejected {
		doc.Status = model.StatusRejected
		doc.Rejection = rec.Rejection
		event = notify.EventDocumentRejected
	} else {
		doc.Status = model.StatusSynchronized
	}
	if found {
		doc.CreatedAt = existing.CreatedAt
	} else {
		doc.CreatedAt = now
		if !rec.Rejected {
			event = notify.EventDocumentCreated
		}
	}

	if err := tx.PutDocument(rec.Solution, rec.DocumentID, &doc); err != nil {
		return err
	}
	s.publish(event, map[string]interface{}{
		"solution": rec.Solution, "id": rec.DocumentID, "type": rec.Type,
	})
	return s.applyDeferred(tx, rec.Solution, rec.DocumentID)
}

const deferredKeyPrefix = "sync.deferred."

// deferIncoming stashes rec (keyed by document) as a session property so it
// survives a restart, to be re-applied by applyDeferred once the document's
// pending local push resolves.
func (s *Synchronizer) deferIncoming(tx *store.WriteTx, rec *ChangeRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("sync: encode deferred record: %w", err)
	}
	return tx.SetSessionProperty(deferredKeyPrefix+rec.Solution+"."+rec.DocumentID, data)
}

// applyDeferred re-applies a previously deferred incoming record for a
// document, now that the local pending change blocking it has just been
// reconciled (landed as Synchronized or Rejected).
func (s *Synchronizer) applyDeferred(tx *store.WriteTx, solution, documentID string) error {
	key := deferredKeyPrefix + solution + "." + documentID
	data, found := tx.GetSessionProperty(key)
	if !found {
		return nil
	}
	if err := tx.DeleteSessionProperty(key); err != nil {
		return err
	}

	var rec ChangeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("sync: decode deferred record: %w", err)
	}
	return s.resolveIncoming(tx, &rec)
}

// resolveAttachment applies an attachment-kind change record: the change
// feed only ever carries metadata (name, content type, length, revision),
// never the payload itself, so a revision bump marks the local copy
// Unavailable and hands it to the attachment downloader's queue.
func (s *Synchronizer) resolveAttachment(tx *store.WriteTx, rec *ChangeRecord) error {
	var existing model.Attachment
	found, err := tx.GetAttachment(rec.Solution, rec.DocumentID, rec.AttachmentName, &existing)
	if err != nil {
		return err
	}

	if rec.Deleted {
		if !found {
			return nil
		}
		if err := tx.DeleteAttachment(rec.Solution, rec.DocumentID, rec.AttachmentName); err != nil {
			return err
		}
		s.publish(notify.EventAttachmentDeleted, map[string]interface{}{
			"solution": rec.Solution, "document": rec.DocumentID, "name": rec.AttachmentName,
		})
		return nil
	}

	att := existing
	att.DocumentID = rec.DocumentID
	att.Solution = rec.Solution
	att.Name = rec.AttachmentName
	att.ContentType = rec.AttachmentContentType
	att.Length = rec.AttachmentLength
	att.Status = model.StatusSynchronized

	revisionChanged := att.Revision != rec.Revision
	att.Revision = rec.Revision
	if revisionChanged || !found {
		att.State = model.AttachmentUnavailable
	}

	if err := tx.PutAttachment(rec.Solution, rec.DocumentID, rec.AttachmentName, &att); err != nil {
		return err
	}

	event := notify.EventAttachmentUpdated
	if !found {
		event = notify.EventAttachmentCreated
	}
	s.publish(event, map[string]interface{}{
		"solution": rec.Solution, "document": rec.DocumentID, "name": rec.AttachmentName,
	})

	if (revisionChanged || !found) && s.attachments != nil {
		s.attachments.Enqueue(rec.Solution, rec.DocumentID, rec.AttachmentName)
	}
	return nil
}

// resolveLaunchable applies a launchable-kind change record. Launchables
// are owned entirely by the synchronizer: application code never writes
// them directly, it only observes installed/updated/failed notifications.
func (s *Synchronizer) resolveLaunchable(tx *store.WriteTx, rec *ChangeRecord) error {
	if rec.Launchable == nil {
		return nil
	}
	l := *rec.Launchable

	var existing model.Launchable
	found, err := tx.GetLaunchable(l.Solution, l.ID, &existing)
	if err != nil {
		return err
	}

	if rec.Deleted {
		if !found {
			return nil
		}
		if err := tx.DeleteLaunchable(l.Solution, l.ID); err != nil {
			return err
		}
		s.publish(notify.EventLaunchableUninstalled, map[string]interface{}{
			"solution": l.Solution, "id": l.ID, "name": l.Name,
		})
		return nil
	}

	if err := tx.PutLaunchable(l.Solution, l.ID, &l); err != nil {
		return err
	}

	switch {
	case l.Failed:
		s.publish(notify.EventLaunchableFailed, map[string]interface{}{"solution": l.Solution, "id": l.ID, "name": l.Name})
	case !found:
		s.publish(notify.EventLaunchableInstalled, map[string]interface{}{"solution": l.Solution, "id": l.ID, "name": l.Name})
	case l.Available && (!existing.Available || existing.Progress != l.Progress):
		if l.Available && l.Progress >= 1 {
			s.publish(notify.EventLaunchableUpdated, map[string]interface{}{"solution": l.Solution, "id": l.ID, "name": l.Name})
		} else {
			s.publish(notify.EventLaunchableProgress, map[string]interface{}{"solution": l.Solution, "id": l.ID, "name": l.Name, "progress": l.Progress})
		}
	default:
		s.publish(notify.EventLaunchableProgress, map[string]interface{}{"solution": l.Solution, "id": l.ID, "name": l.Name, "progress": l.Progress})
	}
	return nil
}

// PendingCount reports how many documents in solution are not
// Synchronized: Created, Updated and Deleted ones awaiting push, plus
// Rejected ones, which EnqueuePending does not resubmit. Used by the host
// application to decide whether a sync cycle did useful work.
func (s *Synchronizer) PendingCount(solution string) (int, error) {
	count := 0
	err := s.store.View(func(tx *store.ReadTx) error {
		return tx.IterateDocuments(solution, func() interface{} { return &model.Document{} }, func(id string, value interface{}) error {
			doc := value.(*model.Document)
			if doc.Status != model.StatusSynchronized {
				count++
			}
			return nil
		})
	})
	return count, err
}

// Launchables returns every launchable known for solution, as last reported
// by resolveLaunchable. The host application uses this to render its own
// launcher surface; it never writes a launchable directly.
func (s *Synchronizer) Launchables(solution string) ([]model.Launchable, error) {
	var out []model.Launchable
	err := s.store.View(func(tx *store.ReadTx) error {
		return tx.IterateLaunchables(solution, func() interface{} { return &model.Launchable{} }, func(id string, value interface{}) error {
			out = append(out, *value.(*model.Launchable))
			return nil
		})
	})
	return out, err
}

// Launchable looks up a single launchable by id.
func (s *Synchronizer) Launchable(solution, id string) (model.Launchable, bool, error) {
	var l model.Launchable
	var found bool
	err := s.store.View(func(tx *store.ReadTx) error {
		var err error
		found, err = tx.GetLaunchable(solution, id, &l)
		return err
	})
	return l, found, err
}
