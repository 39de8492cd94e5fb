// Package message is the message pipeline: outgoing client messages are
// queued locally, coalesced by recipient on each flush and dispatched as
// a single batched request, while incoming server messages
// arrive piggybacked on the document synchronizer's change feed and are
// handed to the notification bus for delivery to the host application.
package message

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"aiqsync.dev/httpclient"
	"aiqsync.dev/model"
	"aiqsync.dev/notify"
	"aiqsync.dev/opqueue"
	"aiqsync.dev/session"
	"aiqsync.dev/store"
)

// LinkMessages is the session link name client messages are posted to.
const LinkMessages = "messages"

// DefaultCoalesceWindow is the window New stores when given a non-positive
// one. Pipeline does not wait on the window: non-urgent messages are
// grouped by recipient on each EnqueuePending call, so a batch holds
// whatever was queued since the previous call. Urgent messages are never
// grouped and are sent on their own.
const DefaultCoalesceWindow = 2 * time.Second

// Inbox receives incoming server messages, implemented by the host
// application or a notification bus adapter.
type Inbox interface {
	Deliver(msg model.ServerMessage)
}

// SendOptions customizes a single outgoing client message beyond its body.
type SendOptions struct {
	From           string
	Urgent         bool
	ExpectResponse bool
	Attachments    []model.AttachmentDescriptor
}

// Pipeline manages both directions of message traffic for one session.
type Pipeline struct {
	store          *store.DB
	session        *session.Session
	log            *logrus.Entry
	bus            *notify.Bus
	coalesceWindow time.Duration
	inbox          Inbox
}

// New creates a Pipeline. inbox may be nil if the host application does not
// want incoming message delivery; bus may be nil if it does not want
// change notifications.
func New(db *store.DB, sess *session.Session, log *logrus.Entry, bus *notify.Bus, coalesceWindow time.Duration, inbox Inbox) *Pipeline {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if coalesceWindow <= 0 {
		coalesceWindow = DefaultCoalesceWindow
	}
	return &Pipeline{store: db, session: sess, log: log, bus: bus, coalesceWindow: coalesceWindow, inbox: inbox}
}

func (p *Pipeline) publish(name string, fields map[string]interface{}) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(notify.Event{Name: name, Fields: fields})
}

// Send queues a client message for delivery and returns its local id.
// Lifecycle: Queued -> {Accepted -> {Delivered|Failed} | Rejected}. A row
// that reaches a terminal state is purged immediately unless opts asked for
// ExpectResponse, in which case it is retained so the host application can
// read back the final ResponseBody/Rejection.
func (p *Pipeline) Send(solution, recipient string, body json.RawMessage, opts SendOptions) (string, error) {
	id := uuid.NewString()
	msg := model.ClientMessage{
		ID:             id,
		Solution:       solution,
		Recipient:      recipient,
		Body:           body,
		Attachments:    opts.Attachments,
		From:           opts.From,
		Urgent:         opts.Urgent,
		ExpectResponse: opts.ExpectResponse,
		Status:         model.MessageQueued,
		CreatedAt:      time.Now(),
	}
	err := p.store.Update(func(tx *store.WriteTx) error {
		return tx.PutClientMessage(solution, id, &msg)
	})
	if err != nil {
		return "", err
	}
	p.publish(notify.EventMessageQueued, map[string]interface{}{"solution": solution, "id": id, "recipient": recipient})
	return id, nil
}

// IngestServerMessage implements sync.MessageSink: the document
// synchronizer calls this for every message-kind record on the change feed,
// inside the same transaction as the rest of that record's side effects.
// A server message also doubles as the delivery-status channel for
// previously sent client messages: one whose Type is "delivery-status"
// carries a JSON Body naming the client message ("messageId") and whether
// it was delivered ("delivered"), and transitions that row instead of being
// stored as a new inbound message.
func (p *Pipeline) IngestServerMessage(tx *store.WriteTx, msg model.ServerMessage) error {
	if msg.Type == "delivery-status" {
		return p.applyDeliveryStatus(tx, msg)
	}

	if err := tx.PutServerMessage(msg.Solution, msg.ID, &msg); err != nil {
		return err
	}
	p.publish(notify.EventMessageReceived, map[string]interface{}{
		"solution": msg.Solution, "id": msg.ID, "sender": msg.Sender,
	})
	if p.inbox != nil {
		// Delivery happens outside the transaction's byte range but the
		// record is already durable, so a delivery that never completes
		// (process crash) is only a missed notification, not lost data.
		go p.inbox.Deliver(msg)
	}
	return nil
}

// applyDeliveryStatus transitions a previously Accepted client message to
// its terminal Delivered or Failed state once the pull channel reports the
// outcome of a message already POSTed to the backend.
func (p *Pipeline) applyDeliveryStatus(tx *store.WriteTx, status model.ServerMessage) error {
	var body struct {
		MessageID    string          `json:"messageId"`
		Delivered    bool            `json:"delivered"`
		ResponseBody json.RawMessage `json:"responseBody,omitempty"`
	}
	if err := json.Unmarshal(status.Body, &body); err != nil {
		return fmt.Errorf("message: decode delivery status: %w", err)
	}

	var msg model.ClientMessage
	found, err := tx.GetClientMessage(status.Solution, body.MessageID, &msg)
	if err != nil {
		return err
	}
	if !found || msg.Status != model.MessageAccepted {
		return nil
	}

	msg.ResponseBody = body.ResponseBody
	event := notify.EventMessageFailed
	if body.Delivered {
		msg.Status = model.MessageDelivered
		event = notify.EventMessageDelivered
	} else {
		msg.Status = model.MessageFailed
	}

	if !msg.ExpectResponse {
		if err := tx.DeleteClientMessage(status.Solution, body.MessageID); err != nil {
			return err
		}
	} else if err := tx.PutClientMessage(status.Solution, body.MessageID, &msg); err != nil {
		return err
	}

	p.publish(event, map[string]interface{}{"solution": status.Solution, "id": body.MessageID})
	return nil
}

// EnqueuePending groups queued client messages for solution by recipient
// and submits one batchOperation per recipient, coalescing whatever
// non-urgent messages accumulated since the last flush into a single
// request. Urgent messages are never coalesced: each gets its own
// batchOperation of exactly one message so it is never held up waiting for
// the coalescing window.
func (p *Pipeline) EnqueuePending(solution string, queue *opqueue.Queue) error {
	byRecipient := make(map[string][]string)
	var urgent []string
	err := p.store.View(func(tx *store.ReadTx) error {
		return tx.IterateClientMessages(solution, func(id string, value *json.RawMessage) error {
			var msg model.ClientMessage
			if err := json.Unmarshal(*value, &msg); err != nil {
				return err
			}
			if msg.Status != model.MessageQueued {
				return nil
			}
			if msg.Urgent {
				urgent = append(urgent, id)
			} else {
				byRecipient[msg.Recipient] = append(byRecipient[msg.Recipient], id)
			}
			return nil
		})
	})
	if err != nil {
		return err
	}

	for _, id := range urgent {
		op := &batchOperation{pipeline: p, solution: solution, recipient: id, messageIDs: []string{id}}
		if rec, ok := queue.Record(op.ID()); ok && (rec.Status == opqueue.StatusQueued || rec.Status == opqueue.StatusRunning) {
			continue
		}
		if err := queue.Submit(op); err != nil {
			return err
		}
	}

	for recipient, ids := range byRecipient {
		op := &batchOperation{pipeline: p, solution: solution, recipient: recipient, messageIDs: ids}
		if rec, ok := queue.Record(op.ID()); ok && (rec.Status == opqueue.StatusQueued || rec.Status == opqueue.StatusRunning) {
			continue
		}
		if err := queue.Submit(op); err != nil {
			return err
		}
	}
	return nil
}

type batchOperation struct {
	pipeline   *Pipeline
	solution   string
	recipient  string
	messageIDs []string
}

func (b *batchOperation) ID() string           { return "message-batch:" + b.solution + ":" + b.recipient }
func (b *batchOperation) Class() opqueue.Class { return opqueue.ClassParallel }
func (b *batchOperation) Timeout() time.Duration { return 30 * time.Second }

func (b *batchOperation) Run(ctx context.Context) error {
	return b.pipeline.sendBatch(ctx, b.solution, b.recipient, b.messageIDs)
}

func (p *Pipeline) sendBatch(ctx context.Context, solution, recipient string, ids []string) error {
	type wireMessage struct {
		ID             string                       `json:"id"`
		Body           json.RawMessage              `json:"body"`
		Attachments    []model.AttachmentDescriptor `json:"attachments,omitempty"`
		From           string                       `json:"from,omitempty"`
		Urgent         bool                          `json:"urgent,omitempty"`
		ExpectResponse bool                          `json:"expectResponse,omitempty"`
	}
	var batch []wireMessage

	err := p.store.View(func(tx *store.ReadTx) error {
		for _, id := range ids {
			var msg model.ClientMessage
			found, err := tx.GetClientMessage(solution, id, &msg)
			if err != nil {
				return err
			}
			if !found || msg.Status != model.MessageQueued {
				continue
			}
			batch = append(batch, wireMessage{
				ID: id, Body: msg.Body, Attachments: msg.Attachments,
				From: msg.From, Urgent: msg.Urgent, ExpectResponse: msg.ExpectResponse,
			})
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}

	link, err := p.session.Link(LinkMessages)
	if err != nil {
		return fmt.Errorf("message: resolve messages link: %w", err)
	}

	body, err := json.Marshal(map[string]interface{}{
		"solution":  solution,
		"recipient": recipient,
		"messages":  batch,
	})
	if err != nil {
		return fmt.Errorf("message: encode batch: %w", err)
	}

	req := httpclient.NewRequest("POST", link)
	req.JSONBody = body

	resp, sendErr := p.session.Do(ctx, req)

	now := time.Now()
	return p.store.Update(func(tx *store.WriteTx) error {
		for _, m := range batch {
			var msg model.ClientMessage
			found, err := tx.GetClientMessage(solution, m.ID, &msg)
			if err != nil || !found {
				continue
			}

			switch {
			case resp != nil && resp.IsClientError():
				msg.Status = model.MessageRejected
				msg.Rejection = rejectionFor(resp.StatusCode)
				p.publish(notify.EventMessageRejected, map[string]interface{}{"solution": solution, "id": m.ID})
			case sendErr != nil:
				// Transport or server failure: stays Queued, retried on
				// the next EnqueuePending cycle.
				continue
			default:
				msg.Status = model.MessageAccepted
				msg.SentAt = &now
				p.publish(notify.EventMessageAccepted, map[string]interface{}{"solution": solution, "id": m.ID})
			}

			// Accepted-without-ExpectResponse and Rejected are both
			// terminal with nothing further to wait for; only a row the
			// caller asked to track (ExpectResponse) or one still
			// awaiting a delivered/failed update (Accepted+ExpectResponse)
			// is kept.
			if msg.ExpectResponse {
				if err := tx.PutClientMessage(solution, m.ID, &msg); err != nil {
					return err
				}
			} else if err := tx.DeleteClientMessage(solution, m.ID); err != nil {
				return err
			}
		}
		return nil
	})
}

func rejectionFor(status int) model.RejectionReason {
	switch status {
	case http.StatusForbidden:
		return model.RejectionPermissionDenied
	case http.StatusNotFound:
		return model.RejectionDocumentNotFound
	case http.StatusRequestEntityTooLarge:
		return model.RejectionLargeAttachment
	default:
		return model.RejectionUnknown
	}
}
