// Package attachment is the attachment downloader: it fetches attachment
// payloads the document synchronizer learned about but has not yet pulled
// to disk, deduplicates concurrent requests for the same attachment, and
// tracks per-attachment availability state so the host application can ask
// "is this attachment ready" without guessing from file presence alone.
package attachment

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"aiqsync.dev/httpclient"
	"aiqsync.dev/model"
	"aiqsync.dev/notify"
	"aiqsync.dev/opqueue"
	"aiqsync.dev/session"
	"aiqsync.dev/store"
)

// LinkAttachments is the session link name attachment payloads are fetched
// from, keyed by solution/documentID/name.
const LinkAttachments = "attachments"

// progressEveryBytes and progressEveryInterval bound how often a download's
// progress callback fires:
// every 256KiB transferred or every second, whichever comes first.
const progressEveryBytes = 256 * 1024

const progressEveryInterval = time.Second

// maxBackoff caps the exponential backoff applied to a retryable (non-
// terminal) download failure at 30 seconds, the default sync interval, so
// a flapping connection never waits much longer between attempts than the
// next sync cycle would.
const maxBackoff = 30 * time.Second

// ProgressFunc receives downloaded/total byte counts during a single
// attachment download. total is 0 if the backend did not report a
// Content-Length.
type ProgressFunc func(solution, documentID, name string, downloaded, total int64)

// Downloader fetches and tracks attachment payloads.
type Downloader struct {
	store   *store.DB
	blobs   *store.BlobStore
	session *session.Session
	queue   *opqueue.Queue
	bus     *notify.Bus
	log     *logrus.Entry

	onProgress ProgressFunc

	mu       sync.Mutex
	inFlight map[string]chan struct{}
}

// New creates a Downloader backed by db for metadata and blobs for payload
// storage. queue and bus may be nil; without a queue, Enqueue submissions
// are silently dropped (the host application must call Download directly).
func New(db *store.DB, blobs *store.BlobStore, sess *session.Session, queue *opqueue.Queue, bus *notify.Bus, log *logrus.Entry) *Downloader {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Downloader{
		store:    db,
		blobs:    blobs,
		session:  sess,
		queue:    queue,
		bus:      bus,
		log:      log,
		inFlight: make(map[string]chan struct{}),
	}
}

// OnProgress registers a callback invoked during downloads. Only one
// callback may be registered; a later call replaces the earlier one.
func (d *Downloader) OnProgress(fn ProgressFunc) {
	d.mu.Lock()
	d.onProgress = fn
	d.mu.Unlock()
}

func attachmentKey(solution, documentID, name string) string {
	return solution + "/" + documentID + "/" + name
}

// downloadOperation lets the synchronizer's attachment-record ingestion
// hand a fetch off to the operation queue's parallel lane instead of
// blocking the pull transaction on a network round trip.
type downloadOperation struct {
	downloader *Downloader
	solution   string
	documentID string
	name       string
}

func (o *downloadOperation) ID() string {
	return "attachment:" + attachmentKey(o.solution, o.documentID, o.name)
}
func (o *downloadOperation) Class() opqueue.Class     { return opqueue.ClassParallel }
func (o *downloadOperation) Timeout() time.Duration   { return 5 * time.Minute }
func (o *downloadOperation) Run(ctx context.Context) error {
	return o.downloader.Download(ctx, o.solution, o.documentID, o.name)
}

// Enqueue submits a download for the named attachment to the operation
// queue, implementing sync.AttachmentSink. Safe to call even if a download
// for the same attachment is already queued or in flight: opqueue.Record
// is checked first.
func (d *Downloader) Enqueue(solution, documentID, name string) {
	if d.queue == nil {
		return
	}
	op := &downloadOperation{downloader: d, solution: solution, documentID: documentID, name: name}
	if rec, ok := d.queue.Record(op.ID()); ok && (rec.Status == opqueue.StatusQueued || rec.Status == opqueue.StatusRunning) {
		return
	}
	if err := d.queue.Submit(op); err != nil {
		d.log.WithError(err).WithFields(logrus.Fields{
			"solution": solution, "document": documentID, "name": name,
		}).Warn("attachment: enqueue download failed")
	}
}

// Download fetches a single attachment's payload, or waits for an
// already-running download of the same attachment to finish. Safe to call
// from multiple goroutines for the same attachment: only one HTTP request
// is made. Retries transport and server failures with bounded exponential
// backoff, remaining Unavailable throughout; only a server 404/410
// response is terminal.
func (d *Downloader) Download(ctx context.Context, solution, documentID, name string) error {
	key := attachmentKey(solution, documentID, name)

	d.mu.Lock()
	if wait, ok := d.inFlight[key]; ok {
		d.mu.Unlock()
		select {
		case <-wait:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	done := make(chan struct{})
	d.inFlight[key] = done
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.inFlight, key)
		d.mu.Unlock()
		close(done)
	}()

	var lastErr error
	for attempt := 0; ; attempt++ {
		err := d.downloadOnce(ctx, solution, documentID, name)
		if err == nil {
			return nil
		}
		if model.IsCode(err, model.CodeGone) || model.IsCode(err, model.CodeIdNotFound) {
			return d.markFailed(solution, documentID, name, err)
		}
		lastErr = err

		d.markUnavailable(solution, documentID, name, err)
		backoff := time.Duration(1<<uint(attempt)) * time.Second
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(backoff):
		}
	}
}

func (d *Downloader) downloadOnce(ctx context.Context, solution, documentID, name string) error {
	link, err := d.session.Link(LinkAttachments)
	if err != nil {
		return fmt.Errorf("attachment: resolve attachments link: %w", err)
	}

	url := link + "/" + solution + "/" + documentID + "/" + name
	req := httpclient.NewRequest("GET", url)

	resp, err := d.session.DoDirect(ctx, req)
	if err != nil {
		return fmt.Errorf("attachment: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == 404 {
		return model.NewError(model.CodeIdNotFound, fmt.Sprintf("attachment: HTTP %d", resp.StatusCode))
	}
	if resp.StatusCode == 410 {
		return model.NewError(model.CodeGone, fmt.Sprintf("attachment: HTTP %d", resp.StatusCode))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("attachment: HTTP %d", resp.StatusCode)
	}

	d.mu.Lock()
	onProgress := d.onProgress
	d.mu.Unlock()

	var reader io.Reader = resp.Body
	if onProgress != nil {
		reader = &progressReader{
			r:     resp.Body,
			total: resp.ContentLength,
			report: func(downloaded, total int64) {
				onProgress(solution, documentID, name, downloaded, total)
			},
		}
	}

	n, err := d.blobs.Write(solution, documentID, name, reader)
	if err != nil {
		return err
	}

	d.log.WithFields(logrus.Fields{
		"solution": solution, "document": documentID, "name": name,
		"size": humanize.Bytes(uint64(n)),
	}).Debug("attachment downloaded")

	err = d.store.Update(func(tx *store.WriteTx) error {
		var att model.Attachment
		found, err := tx.GetAttachment(solution, documentID, name, &att)
		if err != nil {
			return err
		}
		if !found {
			att = model.Attachment{DocumentID: documentID, Solution: solution, Name: name}
		}
		att.Length = n
		att.State = model.AttachmentAvailable
		return tx.PutAttachment(solution, documentID, name, &att)
	})
	if err != nil {
		return err
	}

	d.publish(notify.EventAttachmentAvailable, solution, documentID, name)
	return nil
}

// markUnavailable records a retryable failure without giving up: the
// attachment stays Unavailable and Download's retry loop tries again after
// its backoff.
func (d *Downloader) markUnavailable(solution, documentID, name string, cause error) {
	_ = d.store.Update(func(tx *store.WriteTx) error {
		var att model.Attachment
		found, err := tx.GetAttachment(solution, documentID, name, &att)
		if err != nil {
			return err
		}
		if !found {
			att = model.Attachment{DocumentID: documentID, Solution: solution, Name: name}
		}
		att.State = model.AttachmentUnavailable
		return tx.PutAttachment(solution, documentID, name, &att)
	})
	d.log.WithError(cause).WithFields(logrus.Fields{
		"solution": solution, "document": documentID, "name": name,
	}).Debug("attachment download failed, will retry")
	d.publish(notify.EventAttachmentUnavailable, solution, documentID, name)
}

// markFailed records a terminal failure: the backend no longer has this
// attachment (404/410), so retrying is pointless until a new change record
// reports a fresh revision.
func (d *Downloader) markFailed(solution, documentID, name string, cause error) error {
	_ = d.store.Update(func(tx *store.WriteTx) error {
		var att model.Attachment
		found, err := tx.GetAttachment(solution, documentID, name, &att)
		if err != nil {
			return err
		}
		if !found {
			att = model.Attachment{DocumentID: documentID, Solution: solution, Name: name}
		}
		att.State = model.AttachmentFailed
		return tx.PutAttachment(solution, documentID, name, &att)
	})
	d.log.WithError(cause).WithFields(logrus.Fields{
		"solution": solution, "document": documentID, "name": name,
	}).Warn("attachment download terminally failed")
	d.publish(notify.EventAttachmentFailed, solution, documentID, name)
	return cause
}

func (d *Downloader) publish(name, solution, documentID, attachmentName string) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(notify.Event{Name: name, Fields: map[string]interface{}{
		"solution": solution, "document": documentID, "name": attachmentName,
	}})
}

// Recover clears any leftover temp files from downloads interrupted by a
// process crash. Call once at startup before scheduling new downloads.
func (d *Downloader) Recover() error {
	return d.blobs.CleanTemp()
}

// State returns the locally known state of an attachment, defaulting to
// Unavailable if no record exists yet (it has been seen in a document but
// never downloaded).
func (d *Downloader) State(solution, documentID, name string) (model.AttachmentState, error) {
	var att model.Attachment
	var found bool
	err := d.store.View(func(tx *store.ReadTx) error {
		var err error
		found, err = tx.GetAttachment(solution, documentID, name, &att)
		return err
	})
	if err != nil {
		return "", err
	}
	if !found {
		return model.AttachmentUnavailable, nil
	}
	return att.State, nil
}

// progressReader wraps an io.Reader, invoking report at most every
// progressEveryBytes transferred or every progressEveryInterval, whichever
// comes first, plus a final call once the underlying reader is exhausted.
type progressReader struct {
	r          io.Reader
	total      int64
	downloaded int64
	sinceLast  int64
	lastReport time.Time
	report     func(downloaded, total int64)
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 {
		p.downloaded += int64(n)
		p.sinceLast += int64(n)
		now := time.Now()
		if p.sinceLast >= progressEveryBytes || now.Sub(p.lastReport) >= progressEveryInterval {
			p.sinceLast = 0
			p.lastReport = now
			p.report(p.downloaded, p.total)
		}
	}
	if err == io.EOF {
		p.report(p.downloaded, p.total)
	}
	return n, err
}
