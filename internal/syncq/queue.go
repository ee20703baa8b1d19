// Package syncq delivers offline submissions to the application server in
// the order they were made.
package syncq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/kalambet/obrasync/internal/offline"
	"github.com/kalambet/obrasync/internal/storage"
	"github.com/kalambet/obrasync/internal/upstream"
)

const (
	TypeReport = "report"

	DefaultMaxAttempts = 8
	DefaultRate        = 2 // submissions per second

	baseBackoff = 5 * time.Second
	maxBackoff  = 30 * time.Minute

	ReasonMaxAttempts = "max attempts exceeded"
)

// ErrDrainInProgress is returned when a drain is already running.
var ErrDrainInProgress = errors.New("drain already in progress")

// ErrNotFound is returned for unknown rejection ids.
var ErrNotFound = errors.New("not found")

// Item is a queued operation referencing an offline record.
type Item struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	DataID        string    `json:"data_id"`
	Description   string    `json:"description"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
	Attempts      int       `json:"attempts"`
	Failures      int       `json:"failures"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	LastError     string    `json:"last_error,omitempty"`
}

// Rejection is a submission the server refused or that exhausted its
// attempts. Its report is kept until the user acknowledges it.
type Rejection struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	DataID       string    `json:"data_id"`
	Description  string    `json:"description"`
	Reason       string    `json:"reason"`
	StatusCode   int       `json:"status_code,omitempty"`
	Attempts     int       `json:"attempts"`
	RejectedAt   time.Time `json:"rejected_at"`
	Acknowledged bool      `json:"acknowledged"`
}

// DrainResult summarizes one pass over the queue.
type DrainResult struct {
	Delivered int `json:"delivered"`
	Rejected  int `json:"rejected"`
	Failed    int `json:"failed"`
	// Dropped counts items whose report no longer exists.
	Dropped   int `json:"dropped,omitempty"`
	Remaining int `json:"remaining"`
	// Stopped is set when the pass ended early because the network is down
	// or the session is no longer valid.
	Stopped bool `json:"stopped"`
}

// Backend is the durable queue store.
type Backend interface {
	EnqueueItem(ctx context.Context, item storage.QueueItem) (bool, error)
	ListQueue(ctx context.Context) ([]storage.QueueItem, error)
	GetQueueItemByData(ctx context.Context, typ, dataID string) (storage.QueueItem, error)
	RecordAttempt(ctx context.Context, id, errMsg string, nextAttempt time.Time, counted bool) (attempts, failures int, err error)
	RemoveQueueItem(ctx context.Context, id string) error
	CompleteSubmission(ctx context.Context, itemID, reportID string) error
	RejectItem(ctx context.Context, itemID string, rej storage.Rejection) error
	ListRejections(ctx context.Context, includeAcknowledged bool) ([]storage.Rejection, error)
	GetRejection(ctx context.Context, id string) (storage.Rejection, error)
	OpenRejectionByData(ctx context.Context, typ, dataID string) (storage.Rejection, error)
	AcknowledgeRejection(ctx context.Context, id string) error
	RequeueRejection(ctx context.Context, id string, item storage.QueueItem) error
}

// Reports reads the offline records an item refers to.
type Reports interface {
	BeginSend(id string) (done func())
	ReadReport(ctx context.Context, id string) (offline.PendingReport, error)
	Photos(ctx context.Context, reportID string) ([]offline.PendingPhoto, error)
	MarkSynced(ctx context.Context, id string) error
}

// Submitter delivers a report to the application server.
type Submitter interface {
	SubmitReport(ctx context.Context, formAction string, p upstream.ReportPayload) error
}

// Health receives the outcome of every submission attempt.
type Health interface {
	ReportFailure()
	ReportSuccess()
	ForcedOffline() bool
}

// Options configures a Queue.
type Options struct {
	// MaxAttempts moves an item to the rejections after this many failed
	// attempts that reached the server. Defaults to DefaultMaxAttempts.
	MaxAttempts int
	// Rate bounds submissions per second during a drain. Defaults to DefaultRate.
	Rate float64
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Queue is the durable FIFO of pending submissions.
type Queue struct {
	db          Backend
	reports     Reports
	submitter   Submitter
	health      Health
	limiter     *rate.Limiter
	maxAttempts int
	now         func() time.Time
	logger      *slog.Logger

	draining atomic.Bool

	mu       sync.Mutex
	onReject []func(Rejection)
}

// New creates a Queue.
func New(db Backend, reports Reports, submitter Submitter, health Health, opts Options) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Rate <= 0 {
		opts.Rate = DefaultRate
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue{
		db:          db,
		reports:     reports,
		submitter:   submitter,
		health:      health,
		limiter:     rate.NewLimiter(rate.Limit(opts.Rate), 1),
		maxAttempts: opts.MaxAttempts,
		now:         opts.Now,
		logger:      slog.Default(),
	}
}

// OnReject registers fn to be called whenever an item moves to the
// rejections ledger.
func (q *Queue) OnReject(fn func(Rejection)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onReject = append(q.onReject, fn)
}

// --- Queue ---

// Enqueue adds item to the tail of the queue. Enqueuing data that is already
// queued is a no-op that returns the existing item and created=false. Data
// with an open rejection is taken out of the ledger and queued again.
func (q *Queue) Enqueue(ctx context.Context, item Item) (Item, bool, error) {
	if item.DataID == "" {
		return Item{}, false, errors.New("data id is required")
	}
	if item.Type == "" {
		item.Type = TypeReport
	}

	rej, err := q.db.OpenRejectionByData(ctx, item.Type, item.DataID)
	switch {
	case err == nil:
		requeued, err := q.Retry(ctx, rej.ID)
		if err != nil {
			return Item{}, false, err
		}
		q.logger.Info("requeued rejected submission", "item_id", requeued.ID, "data_id", item.DataID, "rejection_id", rej.ID)
		return requeued, true, nil
	case !errors.Is(err, storage.ErrNotFound):
		return Item{}, false, fmt.Errorf("checking rejections of %s: %w", item.DataID, err)
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = q.now().UTC()
	}

	created, err := q.db.EnqueueItem(ctx, storage.QueueItem{
		ID:          item.ID,
		Type:        item.Type,
		DataID:      item.DataID,
		Description: item.Description,
		EnqueuedAt:  item.EnqueuedAt,
	})
	if err != nil {
		return Item{}, false, fmt.Errorf("enqueueing %s: %w", item.DataID, err)
	}
	if !created {
		existing, err := q.db.GetQueueItemByData(ctx, item.Type, item.DataID)
		if err != nil {
			return Item{}, false, fmt.Errorf("loading queued %s: %w", item.DataID, err)
		}
		return fromQueueRecord(existing), false, nil
	}
	queueEnqueued.Inc()
	q.refreshDepth(ctx)
	q.logger.Info("queued for sync", "item_id", item.ID, "data_id", item.DataID)
	return item, true, nil
}

// Pending returns queued items in FIFO order.
func (q *Queue) Pending(ctx context.Context) ([]Item, error) {
	recs, err := q.db.ListQueue(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing queue: %w", err)
	}
	out := make([]Item, len(recs))
	for i, r := range recs {
		out[i] = fromQueueRecord(r)
	}
	return out, nil
}

// Drain submits queued items in FIFO order. It stops at the first item still
// waiting out its backoff, and when a failure shows the network is down.
// Application rejections are moved aside and the pass continues.
func (q *Queue) Drain(ctx context.Context) (DrainResult, error) {
	return q.drain(ctx, false)
}

// DrainNow is Drain without waiting for item backoff, used once
// connectivity is known to be back.
func (q *Queue) DrainNow(ctx context.Context) (DrainResult, error) {
	return q.drain(ctx, true)
}

func (q *Queue) drain(ctx context.Context, ignoreBackoff bool) (DrainResult, error) {
	if !q.draining.CompareAndSwap(false, true) {
		return DrainResult{}, ErrDrainInProgress
	}
	defer q.draining.Store(false)
	defer q.refreshDepth(context.WithoutCancel(ctx))

	var res DrainResult
	items, err := q.db.ListQueue(ctx)
	if err != nil {
		return res, fmt.Errorf("listing queue: %w", err)
	}
	if len(items) == 0 {
		return res, nil
	}
	if q.health.ForcedOffline() {
		res.Remaining = len(items)
		res.Stopped = true
		return res, nil
	}

	for i, rec := range items {
		item := fromQueueRecord(rec)
		if !ignoreBackoff && item.NextAttemptAt.After(q.now()) {
			res.Remaining = len(items) - i
			return res, nil
		}
		if err := q.limiter.Wait(ctx); err != nil {
			res.Remaining = len(items) - i
			return res, err
		}

		outcome, err := q.process(ctx, item)
		switch outcome {
		case outcomeDelivered:
			res.Delivered++
		case outcomeRejected:
			res.Rejected++
		case outcomeFailed:
			res.Failed++
		case outcomeDropped:
			res.Dropped++
		case outcomeStop:
			res.Failed++
			res.Remaining = len(items) - i
			res.Stopped = true
			return res, nil
		case outcomeAbandoned:
			res.Remaining = len(items) - i
			return res, err
		}
		if err != nil {
			res.Remaining = len(items) - i
			return res, err
		}
	}
	return res, nil
}

type outcome int

const (
	outcomeDelivered outcome = iota
	outcomeRejected
	outcomeFailed    // per-item failure, keep going
	outcomeStop      // network down or session gone
	outcomeAbandoned // caller gave up mid-item
	outcomeDropped   // report gone, nothing to send
)

func (q *Queue) process(ctx context.Context, item Item) (outcome, error) {
	defer q.reports.BeginSend(item.DataID)()

	report, err := q.reports.ReadReport(ctx, item.DataID)
	if errors.Is(err, offline.ErrNotFound) {
		q.logger.Warn("dropping queue item without data", "item_id", item.ID, "data_id", item.DataID)
		if err := q.db.RemoveQueueItem(ctx, item.ID); err != nil {
			return outcomeFailed, fmt.Errorf("removing orphan item %s: %w", item.ID, err)
		}
		itemsDropped.Inc()
		return outcomeDropped, nil
	}
	if err != nil {
		return q.fail(ctx, item, err, outcomeFailed)
	}
	if report.Synced {
		if err := q.db.CompleteSubmission(ctx, item.ID, report.ID); err != nil {
			return outcomeFailed, fmt.Errorf("completing %s: %w", item.ID, err)
		}
		return outcomeDelivered, nil
	}

	photos, err := q.reports.Photos(ctx, report.ID)
	if err != nil {
		return q.fail(ctx, item, err, outcomeFailed)
	}

	start := q.now()
	err = q.submitter.SubmitReport(ctx, report.FormAction, BuildPayload(report, photos))
	submitDuration.Observe(q.now().Sub(start).Seconds())

	if rej, ok := upstream.AsRejection(err); ok {
		q.health.ReportSuccess()
		return q.reject(ctx, item, rej.Reason, rej.Status, item.Attempts+1)
	}
	switch {
	case err == nil:
		q.health.ReportSuccess()
	case upstream.IsCanceled(err):
		// Not acknowledged; the item stays exactly as it was.
		return outcomeAbandoned, err
	case upstream.IsNetworkError(err):
		q.health.ReportFailure()
		return q.fail(ctx, item, err, outcomeStop)
	case errors.Is(err, upstream.ErrUnauthenticated):
		// The item is fine; it waits for the user to sign in again.
		q.health.ReportSuccess()
		q.logger.Warn("sync paused until sign-in", "item_id", item.ID, "data_id", item.DataID)
		return outcomeStop, nil
	default:
		return q.fail(ctx, item, err, outcomeFailed)
	}

	if err := q.reports.MarkSynced(ctx, report.ID); err != nil {
		q.logger.Warn("marking report synced", "report_id", report.ID, "error", err)
	}
	if err := q.db.CompleteSubmission(ctx, item.ID, report.ID); err != nil {
		// The report is flagged synced; the next drain finishes the cleanup
		// without resubmitting.
		return outcomeDelivered, fmt.Errorf("completing %s: %w", item.ID, err)
	}
	itemsDelivered.Inc()
	q.logger.Info("report synced", "report_id", report.ID, "attempts", item.Attempts+1)
	return outcomeDelivered, nil
}

// fail records a failed attempt and schedules the next one. A per-item
// failure (outcomeFailed) counts against the retry cap and moves the item to
// the rejections once the cap is used up. Network failures only back off.
func (q *Queue) fail(ctx context.Context, item Item, cause error, o outcome) (outcome, error) {
	itemsFailed.Inc()
	counted := o == outcomeFailed
	next := q.now().Add(Backoff(item.Attempts + 1))
	attempts, failures, err := q.db.RecordAttempt(ctx, item.ID, cause.Error(), next, counted)
	if err != nil {
		return o, fmt.Errorf("recording attempt for %s: %w", item.ID, err)
	}
	q.logger.Warn("sync attempt failed", "item_id", item.ID, "data_id", item.DataID, "attempts", attempts, "failures", failures, "error", cause)
	if counted && failures >= q.maxAttempts {
		return q.reject(ctx, item, ReasonMaxAttempts+": "+cause.Error(), 0, attempts)
	}
	return o, nil
}

func (q *Queue) reject(ctx context.Context, item Item, reason string, status, attempts int) (outcome, error) {
	rej := Rejection{
		ID:          uuid.NewString(),
		Type:        item.Type,
		DataID:      item.DataID,
		Description: item.Description,
		Reason:      reason,
		StatusCode:  status,
		Attempts:    attempts,
		RejectedAt:  q.now().UTC(),
	}
	if err := q.db.RejectItem(ctx, item.ID, storage.Rejection{
		ID:          rej.ID,
		Type:        rej.Type,
		DataID:      rej.DataID,
		Description: rej.Description,
		Reason:      rej.Reason,
		StatusCode:  rej.StatusCode,
		Attempts:    rej.Attempts,
		RejectedAt:  rej.RejectedAt,
	}); err != nil {
		return outcomeFailed, fmt.Errorf("rejecting %s: %w", item.ID, err)
	}
	itemsRejected.Inc()
	q.logger.Warn("submission rejected", "item_id", item.ID, "data_id", item.DataID, "reason", reason)

	q.mu.Lock()
	hooks := append([]func(Rejection){}, q.onReject...)
	q.mu.Unlock()
	for _, fn := range hooks {
		fn(rej)
	}
	return outcomeRejected, nil
}

// Backoff is the wait before attempt n+1 after n failed attempts.
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		return 0
	}
	d := baseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// BuildPayload assembles the wire payload of a report.
func BuildPayload(r offline.PendingReport, photos []offline.PendingPhoto) upstream.ReportPayload {
	p := upstream.ReportPayload{
		Fields: r.Fields,
		Photos: make([]upstream.Photo, len(photos)),
	}
	for i, ph := range photos {
		p.Photos[i] = upstream.Photo{
			ID:            ph.ID,
			TempID:        ph.ID,
			Caption:       ph.Caption,
			Category:      ph.Category,
			ManuallyAdded: true,
			Order:         ph.Position,
			Data:          ph.Data,
			ContentType:   ph.ContentType,
			Filename:      ph.Filename,
		}
	}
	if len(r.Checklist) > 0 {
		if err := json.Unmarshal(r.Checklist, &p.Checklist); err != nil {
			slog.Warn("ignoring malformed checklist", "report_id", r.ID, "error", err)
		}
	}
	return p
}

// --- Rejections ---

// Rejections lists rejected submissions, oldest first.
func (q *Queue) Rejections(ctx context.Context, includeAcknowledged bool) ([]Rejection, error) {
	recs, err := q.db.ListRejections(ctx, includeAcknowledged)
	if err != nil {
		return nil, fmt.Errorf("listing rejections: %w", err)
	}
	out := make([]Rejection, len(recs))
	for i, r := range recs {
		out[i] = fromRejectionRecord(r)
	}
	return out, nil
}

// Acknowledge marks a rejection as seen and discards its report.
func (q *Queue) Acknowledge(ctx context.Context, id string) error {
	if err := q.db.AcknowledgeRejection(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("rejection %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("acknowledging %s: %w", id, err)
	}
	return nil
}

// Retry puts a rejected submission back at the tail of the queue with a
// fresh attempt counter.
func (q *Queue) Retry(ctx context.Context, id string) (Item, error) {
	rec, err := q.db.GetRejection(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return Item{}, fmt.Errorf("rejection %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Item{}, fmt.Errorf("loading rejection %s: %w", id, err)
	}
	item := Item{
		ID:          uuid.NewString(),
		Type:        rec.Type,
		DataID:      rec.DataID,
		Description: rec.Description,
		EnqueuedAt:  q.now().UTC(),
	}
	item.NextAttemptAt = item.EnqueuedAt
	if err := q.db.RequeueRejection(ctx, id, storage.QueueItem{
		ID:          item.ID,
		Type:        item.Type,
		DataID:      item.DataID,
		Description: item.Description,
		EnqueuedAt:  item.EnqueuedAt,
	}); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Item{}, fmt.Errorf("rejection %s: %w", id, ErrNotFound)
		}
		return Item{}, fmt.Errorf("requeueing %s: %w", id, err)
	}
	q.refreshDepth(ctx)
	return item, nil
}

func (q *Queue) refreshDepth(ctx context.Context) {
	if items, err := q.db.ListQueue(ctx); err == nil {
		queueDepth.Set(float64(len(items)))
	}
}

func fromQueueRecord(r storage.QueueItem) Item {
	return Item{
		ID:            r.ID,
		Type:          r.Type,
		DataID:        r.DataID,
		Description:   r.Description,
		EnqueuedAt:    r.EnqueuedAt,
		Attempts:      r.Attempts,
		Failures:      r.Failures,
		NextAttemptAt: r.NextAttemptAt,
		LastError:     r.LastError,
	}
}

func fromRejectionRecord(r storage.Rejection) Rejection {
	return Rejection{
		ID:           r.ID,
		Type:         r.Type,
		DataID:       r.DataID,
		Description:  r.Description,
		Reason:       r.Reason,
		StatusCode:   r.StatusCode,
		Attempts:     r.Attempts,
		RejectedAt:   r.RejectedAt,
		Acknowledged: r.Acknowledged,
	}
}
