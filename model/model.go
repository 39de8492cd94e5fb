// Package model defines the data types shared across the synchronization
// engine: business documents, attachments, client/server messages and the
// well known system field names used by the wire protocol.
package model

import (
	"encoding/json"
	"time"
)

// SynchronizationStatus mirrors the lifecycle of a locally held document or
// attachment as it moves towards (or away from) agreement with the backend.
type SynchronizationStatus string

const (
	StatusCreated      SynchronizationStatus = "created"
	StatusUpdated      SynchronizationStatus = "updated"
	StatusDeleted      SynchronizationStatus = "deleted"
	StatusSynchronized SynchronizationStatus = "synchronized"
	StatusRejected     SynchronizationStatus = "rejected"
)

// AttachmentState describes whether attachment content is present on disk.
type AttachmentState string

const (
	AttachmentAvailable   AttachmentState = "available"
	AttachmentUnavailable AttachmentState = "unavailable"
	AttachmentFailed      AttachmentState = "failed"
)

// RejectionReason enumerates why the backend refused to apply a pushed
// change. Unknown is used whenever the backend omits a reason code.
type RejectionReason string

const (
	RejectionUnknown          RejectionReason = "unknown"
	RejectionPermissionDenied RejectionReason = "permission_denied"
	RejectionDocumentNotFound RejectionReason = "document_not_found"
	RejectionTypeNotFound     RejectionReason = "type_not_found"
	RejectionRestrictedType   RejectionReason = "restricted_type"
	RejectionCreateConflict   RejectionReason = "create_conflict"
	RejectionUpdateConflict   RejectionReason = "update_conflict"
	RejectionLargeAttachment  RejectionReason = "large_attachment"
)

// GlobalSolution is the reserved solution name used for documents that span
// every solution a session has access to (e.g. context documents).
const GlobalSolution = "_global"

// Document is a single business record belonging to a solution. Fields holds
// the caller-defined payload; everything else is a system field that the
// engine owns and the caller must not write to directly.
type Document struct {
	ID       string                `json:"id"`
	Solution string                `json:"solution"`
	Type     string                `json:"type"`
	Revision string                `json:"revision,omitempty"`
	Status   SynchronizationStatus `json:"status"`
	Rejection RejectionReason      `json:"rejectionReason,omitempty"`
	CreatedAt time.Time            `json:"createdAt"`
	UpdatedAt time.Time            `json:"updatedAt"`
	Fields   json.RawMessage       `json:"fields"`
}

// Attachment is a named binary blob hanging off a document.
type Attachment struct {
	DocumentID  string                `json:"documentId"`
	Solution    string                `json:"solution"`
	Name        string                `json:"name"`
	ContentType string                `json:"contentType"`
	Length      int64                 `json:"length"`
	Revision    string                `json:"revision,omitempty"`
	Status      SynchronizationStatus `json:"status"`
	State       AttachmentState       `json:"state"`
	Rejection   RejectionReason       `json:"rejectionReason,omitempty"`
	CreatedAt   time.Time             `json:"createdAt"`
	UpdatedAt   time.Time             `json:"updatedAt"`
}

// AttachmentDescriptor references a local attachment to carry alongside a
// client message, by (document, name) rather than by inline bytes.
type AttachmentDescriptor struct {
	DocumentID string `json:"documentId"`
	Name       string `json:"name"`
}

// ClientMessage is a message originated locally and queued for delivery to
// the backend message endpoint. Lifecycle: Queued -> {Accepted ->
// {Delivered|Failed} | Rejected}. Rows in a terminal state are retained
// only when ExpectResponse is set; otherwise a row reaching Accepted (with
// no further status expected) is purged immediately.
type ClientMessage struct {
	ID             string                 `json:"id"`
	Solution       string                 `json:"solution"`
	Recipient      string                 `json:"recipient"`
	Body           json.RawMessage        `json:"body"`
	Attachments    []AttachmentDescriptor `json:"attachments,omitempty"`
	From           string                 `json:"from,omitempty"`
	Urgent         bool                   `json:"urgent,omitempty"`
	ExpectResponse bool                   `json:"expectResponse,omitempty"`
	Status         MessageStatus          `json:"status"`
	Rejection      RejectionReason        `json:"rejectionReason,omitempty"`
	ResponseBody   json.RawMessage        `json:"responseBody,omitempty"`
	CreatedAt      time.Time              `json:"createdAt"`
	SentAt         *time.Time             `json:"sentAt,omitempty"`
}

// MessageStatus tracks client message delivery progress.
type MessageStatus string

const (
	MessageQueued    MessageStatus = "queued"
	MessageAccepted  MessageStatus = "accepted"
	MessageDelivered MessageStatus = "delivered"
	MessageFailed    MessageStatus = "failed"
	MessageRejected  MessageStatus = "rejected"
)

// ServerMessage is a message pushed from the backend and delivered to the
// host application through the notification bus. Visible iff
// ActiveFrom <= now <= ActiveFrom+TimeToLive; the scheduler purges rows
// once that window closes.
type ServerMessage struct {
	ID         string          `json:"id"`
	Solution   string          `json:"solution"`
	Sender     string          `json:"sender"`
	Type       string          `json:"type"`
	Body       json.RawMessage `json:"body"`
	Text       string          `json:"text,omitempty"`
	ActiveFrom time.Time       `json:"activeFrom"`
	TimeToLive time.Duration   `json:"timeToLive"`
	Urgent     bool            `json:"urgent,omitempty"`
	Sound      string          `json:"sound,omitempty"`
	Vibrate    bool            `json:"vibrate,omitempty"`
	Read       bool            `json:"read"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

// Relevant reports whether msg is currently within its visibility window.
// Only the ActiveFrom/TimeToLive window is checked; no context-aggregator
// relevance expression is evaluated.
func (m ServerMessage) Relevant(now time.Time) bool {
	if m.TimeToLive <= 0 {
		return !now.Before(m.ActiveFrom)
	}
	return !now.Before(m.ActiveFrom) && !now.After(m.ActiveFrom.Add(m.TimeToLive))
}

// Launchable is a server-pushed manifest describing an installable
// mini-application. It is created and mutated only by the document
// synchronizer; application code may read it but never writes it directly.
type Launchable struct {
	ID        string    `json:"id"`
	Solution  string    `json:"solution"`
	Name      string    `json:"name"`
	IconPath  string    `json:"iconPath,omitempty"`
	Available bool      `json:"available"`
	Progress  float64   `json:"progress,omitempty"`
	Failed    bool      `json:"failed,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// System field names present in every document's Fields payload when
// surfaced to the host application through the public accessors.
const (
	FieldDocumentID                  = "id"
	FieldDocumentType                = "type"
	FieldDocumentSynchronizationState = "synchronizationStatus"
	FieldDocumentRejectionReason      = "rejectionReason"
	FieldAttachmentName               = "name"
	FieldAttachmentContentType        = "contentType"
	FieldAttachmentSynchronizationState = "synchronizationStatus"
	FieldAttachmentRejectionReason    = "rejectionReason"
	FieldAttachmentState              = "state"
)

// SanitizeFields strips system field names out of a caller-supplied field
// set before it is merged into a Document. System fields can only be set by
// the engine itself; silently dropping them here keeps CreateDocument and
// UpdateFields callers from ever feeding values back for the reserved keys.
func SanitizeFields(in json.RawMessage) (json.RawMessage, error) {
	if len(in) == 0 {
		return json.RawMessage("{}"), nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(in, &fields); err != nil {
		return nil, err
	}

	for _, reserved := range []string{
		FieldDocumentID,
		FieldDocumentType,
		FieldDocumentSynchronizationState,
		FieldDocumentRejectionReason,
		"revision",
		"status",
	} {
		delete(fields, reserved)
	}

	return json.Marshal(fields)
}
