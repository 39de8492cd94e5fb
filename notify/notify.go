// Package notify is the notification bus: a small in-process pub/sub hub
// the other components use to tell the host application that something
// changed, without any of them importing each other. The document
// synchronizer publishes document-changed events, the attachment
// downloader publishes availability changes, the message pipeline
// publishes delivery events, all to whichever Events name a subscriber
// asked for.
package notify

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Event is a single notification delivered to subscribers of its Name.
// Fields carries the structured user-info for the event (ids, types,
// solution, rejection reason, …); which keys are present depends on the
// event name and the component that publishes it.
type Event struct {
	Name   string
	Fields map[string]interface{}
}

// Well known event names published by the engine's own components. Host
// applications can also publish and subscribe to names of their own.
const (
	EventDocumentCreated      = "document.created"
	EventDocumentUpdated      = "document.updated"
	EventDocumentDeleted      = "document.deleted"
	EventDocumentSynchronized = "document.synchronized"
	EventDocumentRejected     = "document.rejected"

	EventAttachmentCreated     = "attachment.created"
	EventAttachmentUpdated     = "attachment.updated"
	EventAttachmentDeleted     = "attachment.deleted"
	EventAttachmentAvailable   = "attachment.available"
	EventAttachmentUnavailable = "attachment.unavailable"
	EventAttachmentFailed      = "attachment.failed"

	EventMessageReceived  = "message.received"
	EventMessageUpdated   = "message.updated"
	EventMessageExpired   = "message.expired"
	EventMessageRead      = "message.read"
	EventMessageQueued    = "message.queued"
	EventMessageAccepted  = "message.accepted"
	EventMessageRejected  = "message.rejected"
	EventMessageDelivered = "message.delivered"
	EventMessageFailed    = "message.failed"

	EventSessionOpened = "session.opened"
	EventSessionClosed = "session.closed"

	EventLaunchableInstalled   = "launchable.installed"
	EventLaunchableUninstalled = "launchable.uninstalled"
	EventLaunchableUpdated     = "launchable.updated"
	EventLaunchableProgress    = "launchable.progress"
	EventLaunchableFailed      = "launchable.failed"

	EventContextChanged = "context.changed"
)

// Subscription is a handle returned by Subscribe, passed to Unsubscribe.
type Subscription struct {
	id   uint64
	name string
}

type subscriber struct {
	id uint64
	fn func(Event)
}

// Bus fans out published events to every subscriber of an event name.
// Delivery to each subscriber happens on its own goroutine so a slow or
// blocking subscriber can never stall publishers or other subscribers.
type Bus struct {
	log *logrus.Entry

	mu     sync.RWMutex
	nextID uint64
	subs   map[string][]subscriber
}

// New creates an empty Bus.
func New(log *logrus.Entry) *Bus {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Bus{log: log, subs: make(map[string][]subscriber)}
}

// Subscribe registers fn to run for every event published under name.
func (b *Bus) Subscribe(name string, fn func(Event)) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[name] = append(b.subs[name], subscriber{id: id, fn: fn})
	return Subscription{id: id, name: name}
}

// Unsubscribe removes a previously registered subscription.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[sub.name]
	for i, s := range list {
		if s.id == sub.id {
			b.subs[sub.name] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Publish delivers an event to every current subscriber of its name. A
// publish with no subscribers is a silent no-op: components publish
// unconditionally without checking whether anyone is listening.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	list := append([]subscriber(nil), b.subs[event.Name]...)
	b.mu.RUnlock()

	for _, s := range list {
		go func(fn func(Event)) {
			defer func() {
				if r := recover(); r != nil {
					b.log.WithField("event", event.Name).Errorf("notify: subscriber panicked: %v", r)
				}
			}()
			fn(event)
		}(s.fn)
	}
}
