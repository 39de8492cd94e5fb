// Package engine wires the persistence, session, scheduler, queue, sync,
// attachment, message, notify and context-aggregation components into a
// single running instance for the CLI entrypoint.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"aiqsync.dev/appcontext"
	"aiqsync.dev/attachment"
	"aiqsync.dev/config"
	"aiqsync.dev/httpclient"
	"aiqsync.dev/logging"
	"aiqsync.dev/message"
	"aiqsync.dev/model"
	"aiqsync.dev/notify"
	"aiqsync.dev/opqueue"
	"aiqsync.dev/scheduler"
	"aiqsync.dev/session"
	"aiqsync.dev/store"
	"aiqsync.dev/sync"
)

// Engine holds every component started for one session.
type Engine struct {
	Config *config.EngineConfig
	Log    *logrus.Logger

	Store      *store.DB
	Blobs      *store.BlobStore
	HTTP       *httpclient.Client
	Session    *session.Session
	Scheduler  *scheduler.Scheduler
	Queue      *opqueue.Queue
	Sync       *sync.Synchronizer
	Attachment *attachment.Downloader
	Message    *message.Pipeline
	Notify     *notify.Bus
	Context    *appcontext.Aggregator
}

// Open builds every component and resumes a previously persisted session if
// one exists, or leaves the session nil for the caller to Open explicitly
// via OpenSession. It does not start the scheduler; call Start for that.
func Open(cfg *config.EngineConfig) (*Engine, error) {
	log := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	db, err := store.Open(cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("engine: open store: %w", err)
	}

	blobs, err := store.NewBlobStore(cfg.BlobPath)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("engine: open blob store: %w", err)
	}

	httpClient := httpclient.New(false)
	bus := notify.New(logging.For(log, "notify"))
	queue := opqueue.New(opqueue.DefaultConfig(), logging.For(log, "opqueue"))
	sched := scheduler.New(cfg.SchedulerPollingInterval)

	e := &Engine{
		Config:    cfg,
		Log:       log,
		Store:     db,
		Blobs:     blobs,
		HTTP:      httpClient,
		Scheduler: sched,
		Queue:     queue,
		Notify:    bus,
		Context:   appcontext.New(db, bus),
	}

	if session.CanResume(db) {
		sess, err := session.Resume(db, httpClient, bus, cfg.BaseURL)
		if err != nil {
			e.Log.WithError(err).Warn("engine: could not resume persisted session")
		} else {
			e.bindSession(sess)
		}
	}

	return e, nil
}

// OpenSession authenticates a new session, replacing any resumed one.
func (e *Engine) OpenSession(ctx context.Context, cfg session.OpenConfig) error {
	sess, err := session.Open(ctx, e.Store, e.HTTP, e.Notify, e.Config.BaseURL, cfg)
	if err != nil {
		return err
	}
	e.bindSession(sess)
	return nil
}

func (e *Engine) bindSession(sess *session.Session) {
	e.Session = sess
	e.Message = message.New(e.Store, sess, logging.For(e.Log, "message"), e.Notify, e.Config.MessageCoalesceWindow, nil)
	e.Attachment = attachment.New(e.Store, e.Blobs, sess, e.Queue, e.Notify, logging.For(e.Log, "attachment"))
	e.Sync = sync.New(e.Store, sess, logging.For(e.Log, "sync"), e.Notify, e.Message, e.Attachment)
	e.Sync.SetBlobs(e.Blobs)
}

// Start launches the operation queue workers and the scheduler, including
// the recurring sync/push jobs for solution.
func (e *Engine) Start(ctx context.Context, solution string) {
	e.Queue.Start(ctx)

	e.Scheduler.Schedule(func() {
		if e.Sync == nil {
			return
		}
		if err := e.Sync.Pull(ctx, solution); err != nil {
			e.Log.WithError(err).Debug("engine: sync pull cycle ended")
		}
	}, e.Config.SyncInterval, true)

	e.Scheduler.Schedule(func() {
		if e.Sync == nil {
			return
		}
		if err := e.Sync.EnqueuePending(solution, e.Queue); err != nil {
			e.Log.WithError(err).Warn("engine: enqueue pending documents failed")
		}
		if err := e.Message.EnqueuePending(solution, e.Queue); err != nil {
			e.Log.WithError(err).Warn("engine: enqueue pending messages failed")
		}
	}, e.Config.SyncInterval, true)

	e.Scheduler.Schedule(func() {
		e.expireServerMessages()
	}, e.Config.MessageExpiryInterval, false)

	e.Scheduler.Start()
}

// expireServerMessages purges server messages whose ActiveFrom+TimeToLive
// deadline has passed; messages with no TimeToLive never expire, and ones
// not yet active are kept. A fixed polling interval
// is used rather than scheduling each message's own deadline: messages
// arrive continuously on the pull channel, so a priority queue keyed on
// the next expiry would need rebuilding on every pull cycle for a bound
// that only needs to be approximate (a message stays visible at most one
// sweep interval past expiry).
func (e *Engine) expireServerMessages() {
	now := time.Now()
	var expired []struct{ solution, id string }

	err := e.Store.View(func(tx *store.ReadTx) error {
		return tx.IterateServerMessages("", func(solution, id string, value *json.RawMessage) error {
			var msg model.ServerMessage
			if err := json.Unmarshal(*value, &msg); err != nil {
				return nil
			}
			if msg.TimeToLive > 0 && now.After(msg.ActiveFrom.Add(msg.TimeToLive)) {
				expired = append(expired, struct{ solution, id string }{solution, id})
			}
			return nil
		})
	})
	if err != nil {
		e.Log.WithError(err).Warn("engine: server message expiry scan failed")
		return
	}
	if len(expired) == 0 {
		return
	}

	err = e.Store.Update(func(tx *store.WriteTx) error {
		for _, m := range expired {
			if err := tx.DeleteServerMessage(m.solution, m.id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		e.Log.WithError(err).Warn("engine: server message expiry purge failed")
		return
	}

	if e.Notify == nil {
		return
	}
	for _, m := range expired {
		e.Notify.Publish(notify.Event{Name: notify.EventMessageExpired, Fields: map[string]interface{}{
			"solution": m.solution, "id": m.id,
		}})
	}
}

// Stop halts the scheduler and queue and closes the store.
func (e *Engine) Stop() {
	e.Scheduler.Stop()
	e.Queue.Stop()
	_ = e.Store.Close()
}
