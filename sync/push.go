package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"aiqsync.dev/httpclient"
	"aiqsync.dev/model"
	"aiqsync.dev/notify"
	"aiqsync.dev/opqueue"
	"aiqsync.dev/store"
)

// rejectionForStatus maps the backend's HTTP response status to a
// RejectionReason. The backend's status code is authoritative; any
// rejectionReason field it also includes in the body is ignored, so a
// backend that forgets to set that field still produces a correctly
// classified rejection.
func rejectionForStatus(status int) model.RejectionReason {
	switch status {
	case http.StatusForbidden:
		return model.RejectionPermissionDenied
	case http.StatusNotFound:
		return model.RejectionDocumentNotFound
	case http.StatusConflict:
		return model.RejectionUpdateConflict
	case http.StatusRequestEntityTooLarge:
		return model.RejectionLargeAttachment
	case http.StatusLocked:
		return model.RejectionRestrictedType
	default:
		return model.RejectionUnknown
	}
}

// pushOperation pushes a single pending document to the backend and applies
// the response. Document pushes always run in opqueue's sequential lane:
// two concurrent pushes for the same solution could race on revision
// conflicts that a single lane avoids entirely.
type pushOperation struct {
	sync     *Synchronizer
	solution string
	document string
}

func (p *pushOperation) ID() string           { return "push:" + p.solution + ":" + p.document }
func (p *pushOperation) Class() opqueue.Class { return opqueue.ClassSequential }
func (p *pushOperation) Timeout() time.Duration { return 30 * time.Second }

func (p *pushOperation) Run(ctx context.Context) error {
	return p.sync.pushOne(ctx, p.solution, p.document)
}

// attachmentPushOperation pushes a single pending attachment create, update
// or delete. Attachment pushes run in the parallel lane: unlike documents,
// concurrent attachment uploads for different names never conflict.
type attachmentPushOperation struct {
	sync       *Synchronizer
	solution   string
	documentID string
	name       string
}

func (p *attachmentPushOperation) ID() string {
	return "push-attachment:" + p.solution + ":" + p.documentID + ":" + p.name
}
func (p *attachmentPushOperation) Class() opqueue.Class   { return opqueue.ClassParallel }
func (p *attachmentPushOperation) Timeout() time.Duration { return 2 * time.Minute }

func (p *attachmentPushOperation) Run(ctx context.Context) error {
	return p.sync.pushAttachment(ctx, p.solution, p.documentID, p.name)
}

// EnqueuePending submits a pushOperation for every document in solution
// that is not yet synchronized, and an attachmentPushOperation for every
// pending attachment, in the order the spec's push protocol requires:
// document creates, then updates, then deletes, then attachment creates,
// updates and deletes. Within each stage, submission order follows bbolt's
// key order; the lane discipline (sequential for documents) is what
// actually enforces ordering, this grouping only avoids interleaving
// creates behind deletes of unrelated documents when queue capacity is
// tight.
func (s *Synchronizer) EnqueuePending(solution string, queue *opqueue.Queue) error {
	var creates, updates, deletes []string
	err := s.store.View(func(tx *store.ReadTx) error {
		return tx.IterateDocuments(solution, func() interface{} { return &model.Document{} }, func(id string, value interface{}) error {
			doc := value.(*model.Document)
			switch doc.Status {
			case model.StatusCreated:
				creates = append(creates, id)
			case model.StatusUpdated:
				updates = append(updates, id)
			case model.StatusDeleted:
				deletes = append(deletes, id)
			}
			return nil
		})
	})
	if err != nil {
		return err
	}

	for _, id := range append(append(creates, updates...), deletes...) {
		op := &pushOperation{sync: s, solution: solution, document: id}
		if rec, ok := queue.Record(op.ID()); ok && (rec.Status == opqueue.StatusQueued || rec.Status == opqueue.StatusRunning) {
			continue
		}
		if err := queue.Submit(op); err != nil {
			return err
		}
	}

	return s.enqueuePendingAttachments(solution, queue)
}

func (s *Synchronizer) enqueuePendingAttachments(solution string, queue *opqueue.Queue) error {
	var creates, updates, deletes []attachmentRef
	err := s.store.View(func(tx *store.ReadTx) error {
		return tx.IterateDocuments(solution, func() interface{} { return &model.Document{} }, func(documentID string, _ interface{}) error {
			return tx.IterateAttachments(solution, documentID, func() interface{} { return &model.Attachment{} }, func(name string, value interface{}) error {
				att := value.(*model.Attachment)
				ref := attachmentRef{documentID: documentID, name: name}
				switch att.Status {
				case model.StatusCreated:
					creates = append(creates, ref)
				case model.StatusUpdated:
					updates = append(updates, ref)
				case model.StatusDeleted:
					deletes = append(deletes, ref)
				}
				return nil
			})
		})
	})
	if err != nil {
		return err
	}

	for _, ref := range append(append(creates, updates...), deletes...) {
		op := &attachmentPushOperation{sync: s, solution: solution, documentID: ref.documentID, name: ref.name}
		if rec, ok := queue.Record(op.ID()); ok && (rec.Status == opqueue.StatusQueued || rec.Status == opqueue.StatusRunning) {
			continue
		}
		if err := queue.Submit(op); err != nil {
			return err
		}
	}
	return nil
}

type attachmentRef struct {
	documentID string
	name       string
}

func (s *Synchronizer) pushOne(ctx context.Context, solution, documentID string) error {
	var doc model.Document
	found := false
	if err := s.store.View(func(tx *store.ReadTx) error {
		var err error
		found, err = tx.GetDocument(solution, documentID, &doc)
		return err
	}); err != nil {
		return err
	}
	if !found {
		return nil
	}

	link, err := s.session.Link(LinkDocuments)
	if err != nil {
		return fmt.Errorf("sync: resolve documents link: %w", err)
	}

	body, err := json.Marshal(map[string]interface{}{
		"id":       doc.ID,
		"solution": doc.Solution,
		"type":     doc.Type,
		"revision": doc.Revision,
		"deleted":  doc.Status == model.StatusDeleted,
		"fields":   doc.Fields,
	})
	if err != nil {
		return fmt.Errorf("sync: encode push body: %w", err)
	}

	req := httpclient.NewRequest("PUT", link+"/"+solution+"/"+documentID)
	req.JSONBody = body

	resp, err := s.session.Do(ctx, req)

	if resp != nil && resp.IsUnauthorized() {
		return model.WrapError(model.CodeUnauthorized, "sync: push rejected, session unauthorized", err)
	}

	if resp != nil && resp.IsGone() {
		return s.store.Update(func(tx *store.WriteTx) error {
			return tx.DeleteDocument(solution, documentID)
		})
	}

	if resp != nil && resp.IsClientError() {
		reason := rejectionForStatus(resp.StatusCode)
		if doc.Status == model.StatusCreated && reason == model.RejectionUpdateConflict {
			reason = model.RejectionCreateConflict
		}
		return s.store.Update(func(tx *store.WriteTx) error {
			doc.Status = model.StatusRejected
			doc.Rejection = reason
			if err := tx.PutDocument(solution, documentID, &doc); err != nil {
				return err
			}
			s.publish(notify.EventDocumentRejected, map[string]interface{}{
				"solution": solution, "id": documentID, "reason": string(reason),
			})
			return s.applyDeferred(tx, solution, documentID)
		})
	}

	if err != nil {
		return err
	}

	var result struct {
		Revision string `json:"revision"`
	}
	if len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, &result); err != nil {
			return fmt.Errorf("sync: decode push response: %w", err)
		}
	}

	return s.store.Update(func(tx *store.WriteTx) error {
		if doc.Status == model.StatusDeleted {
			if err := tx.DeleteDocument(solution, documentID); err != nil {
				return err
			}
			s.publish(notify.EventDocumentSynchronized, map[string]interface{}{"solution": solution, "id": documentID})
			return s.applyDeferred(tx, solution, documentID)
		}
		doc.Status = model.StatusSynchronized
		doc.Rejection = ""
		if result.Revision != "" {
			doc.Revision = result.Revision
		}
		if err := tx.PutDocument(solution, documentID, &doc); err != nil {
			return err
		}
		s.publish(notify.EventDocumentSynchronized, map[string]interface{}{"solution": solution, "id": documentID})
		return s.applyDeferred(tx, solution, documentID)
	})
}

// pushAttachment pushes a single pending attachment create, update or
// delete. A create/update uploads the blob currently on disk for the
// attachment; a delete sends a bodyless DELETE.
func (s *Synchronizer) pushAttachment(ctx context.Context, solution, documentID, name string) error {
	var att model.Attachment
	found := false
	if err := s.store.View(func(tx *store.ReadTx) error {
		var err error
		found, err = tx.GetAttachment(solution, documentID, name, &att)
		return err
	}); err != nil {
		return err
	}
	if !found {
		return nil
	}

	link, err := s.session.Link(LinkAttachments)
	if err != nil {
		return fmt.Errorf("sync: resolve attachments link: %w", err)
	}
	url := link + "/" + solution + "/" + documentID + "/" + name

	var req *httpclient.Request
	if att.Status == model.StatusDeleted {
		req = httpclient.NewRequest("DELETE", url)
	} else {
		if s.blobs == nil {
			return fmt.Errorf("sync: no blob store configured for attachment push")
		}
		f, err := s.blobs.Open(solution, documentID, name)
		if err != nil {
			return fmt.Errorf("sync: open attachment blob: %w", err)
		}
		defer f.Close()
		raw, err := io.ReadAll(f)
		if err != nil {
			return fmt.Errorf("sync: read attachment blob: %w", err)
		}
		req = httpclient.NewRequest("PUT", url)
		req.RawBody = raw
		req.Headers["Content-Type"] = att.ContentType
	}

	resp, err := s.session.Do(ctx, req)

	if resp != nil && resp.IsClientError() {
		reason := rejectionForStatus(resp.StatusCode)
		return s.store.Update(func(tx *store.WriteTx) error {
			att.Status = model.StatusRejected
			att.Rejection = reason
			if err := tx.PutAttachment(solution, documentID, name, &att); err != nil {
				return err
			}
			s.publish(notify.EventAttachmentUnavailable, map[string]interface{}{
				"solution": solution, "document": documentID, "name": name, "reason": string(reason),
			})
			return nil
		})
	}
	if err != nil {
		return err
	}

	return s.store.Update(func(tx *store.WriteTx) error {
		if att.Status == model.StatusDeleted {
			return tx.DeleteAttachment(solution, documentID, name)
		}
		att.Status = model.StatusSynchronized
		att.Rejection = ""
		att.State = model.AttachmentAvailable
		if err := tx.PutAttachment(solution, documentID, name, &att); err != nil {
			return err
		}
		s.publish(notify.EventAttachmentUpdated, map[string]interface{}{
			"solution": solution, "document": documentID, "name": name,
		})
		return nil
	})
}

