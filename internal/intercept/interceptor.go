// Package intercept diverts report submissions into the offline store and
// the sync queue when the network cannot be trusted.
package intercept

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"sort"

	"github.com/google/uuid"

	"github.com/kalambet/obrasync/internal/offline"
	"github.com/kalambet/obrasync/internal/syncq"
)

// DefaultRedirect is where the browser goes after a report is saved offline.
const DefaultRedirect = "/relatorios?offline=1"

// ErrDraftConflict is returned when a client draft comes back with new
// content after its earlier version was already sent.
var ErrDraftConflict = errors.New("draft was already sent with its earlier content")

// draftNamespace scopes name-based report ids.
var draftNamespace = uuid.MustParse("6f1c2a4e-8b0d-5c3e-9a71-2d4f6b8e0c13")

// DefaultPaths are the form endpoints that create or edit reports.
var DefaultPaths = []*regexp.Regexp{
	regexp.MustCompile(`^/(relatorios|reports|visitas)(/|$)`),
}

// Photo is one attachment of a Draft.
type Photo struct {
	Category    string
	Caption     string
	Filename    string
	ContentType string
	Data        []byte
}

// Draft is a report as the user submitted it. Submit only reads Photos while
// it runs and keeps no reference afterwards.
type Draft struct {
	// ID is the client draft id, if the page sent one.
	ID         string
	FormAction string
	Fields     map[string]string
	Checklist  json.RawMessage
	Photos     []Photo
}

// Receipt acknowledges a draft saved offline.
type Receipt struct {
	ReportID    string `json:"report_id"`
	QueueItemID string `json:"queue_item_id"`
	Photos      int    `json:"photos"`
	Duplicate   bool   `json:"duplicate"`
	// Updated is set when the draft replaced the content it was saved with.
	Updated bool `json:"updated,omitempty"`
}

// Reports is the offline record store.
type Reports interface {
	SaveReport(ctx context.Context, r offline.PendingReport) (bool, error)
	ReadReport(ctx context.Context, id string) (offline.PendingReport, error)
	ReplaceReport(ctx context.Context, r offline.PendingReport, photos []offline.PendingPhoto) error
	SavePhoto(ctx context.Context, p offline.PendingPhoto) (offline.PendingPhoto, error)
	DeleteReport(ctx context.Context, id string) error
}

// Queue accepts sync items.
type Queue interface {
	Enqueue(ctx context.Context, item syncq.Item) (syncq.Item, bool, error)
}

// Connectivity tells whether a submission can go straight to the network.
type Connectivity interface {
	Online() bool
}

// Options configures an Interceptor.
type Options struct {
	Redirect string
	Paths    []*regexp.Regexp
	// MaxUpload bounds the size of a diverted form. Defaults to 64MB.
	MaxUpload int64
}

// Interceptor is an http.Handler placed in front of the proxy. Online
// submissions pass through to next untouched.
type Interceptor struct {
	reports   Reports
	queue     Queue
	health    Connectivity
	next      http.Handler
	redirect  string
	paths     []*regexp.Regexp
	maxUpload int64
	logger    *slog.Logger
}

// New creates an Interceptor.
func New(reports Reports, queue Queue, health Connectivity, next http.Handler, opts Options) *Interceptor {
	if opts.Redirect == "" {
		opts.Redirect = DefaultRedirect
	}
	if opts.Paths == nil {
		opts.Paths = DefaultPaths
	}
	if opts.MaxUpload <= 0 {
		opts.MaxUpload = defaultMaxUpload
	}
	return &Interceptor{
		reports:   reports,
		queue:     queue,
		health:    health,
		next:      next,
		redirect:  opts.Redirect,
		paths:     opts.Paths,
		maxUpload: opts.MaxUpload,
		logger:    slog.Default(),
	}
}

// Submit stores d as a pending report with its photos and queues it for
// sync. Submitting the same draft again returns the existing records. A
// client draft that comes back with different content replaces the pending
// report, or fails with ErrDraftConflict once that report is being sent. If
// any part cannot be stored nothing is kept and the error is returned.
func (ic *Interceptor) Submit(ctx context.Context, d Draft) (Receipt, error) {
	if d.FormAction == "" {
		return Receipt{}, errors.New("draft has no form action")
	}
	digest := draftDigest(d)
	key := d.ID
	if key == "" {
		key = digest
	}
	reportID := uuid.NewSHA1(draftNamespace, []byte(key)).String()

	report := offline.PendingReport{
		ID:            reportID,
		TempOfflineID: true,
		DraftKey:      key,
		FormAction:    d.FormAction,
		Fields:        d.Fields,
		Checklist:     d.Checklist,
		Digest:        digest,
	}
	created, err := ic.reports.SaveReport(ctx, report)
	if err != nil {
		return Receipt{}, err
	}

	var updated bool
	switch {
	case created:
		for i, ph := range d.Photos {
			if _, err := ic.reports.SavePhoto(ctx, pendingPhoto(reportID, i, ph)); err != nil {
				ic.rollback(ctx, reportID)
				return Receipt{}, err
			}
		}
	case d.ID != "":
		if updated, err = ic.replace(ctx, report, d.Photos); err != nil {
			return Receipt{}, err
		}
	}

	item, _, err := ic.queue.Enqueue(ctx, syncq.Item{
		Type:        syncq.TypeReport,
		DataID:      reportID,
		Description: describe(d.Fields),
	})
	if err != nil {
		if created {
			ic.rollback(ctx, reportID)
		}
		return Receipt{}, &offline.StorageError{Op: "enqueue", Err: err}
	}

	rec := Receipt{
		ReportID:    reportID,
		QueueItemID: item.ID,
		Photos:      len(d.Photos),
		Duplicate:   !created && !updated,
		Updated:     updated,
	}
	switch {
	case created:
		submissions.WithLabelValues("saved").Inc()
		ic.logger.Info("report diverted offline", "report_id", reportID, "photos", len(d.Photos))
	case updated:
		submissions.WithLabelValues("updated").Inc()
		ic.logger.Info("offline report updated", "report_id", reportID, "photos", len(d.Photos))
	default:
		submissions.WithLabelValues("duplicate").Inc()
	}
	return rec, nil
}

// replace overwrites the stored content of a client draft when it differs
// from report. It reports whether anything changed.
func (ic *Interceptor) replace(ctx context.Context, report offline.PendingReport, photos []Photo) (bool, error) {
	stored, err := ic.reports.ReadReport(ctx, report.ID)
	if errors.Is(err, offline.ErrNotFound) {
		return false, fmt.Errorf("%w: %w", ErrDraftConflict, err)
	}
	if err != nil {
		return false, err
	}
	if stored.Digest == report.Digest {
		return false, nil
	}

	pending := make([]offline.PendingPhoto, len(photos))
	for i, ph := range photos {
		pending[i] = pendingPhoto(report.ID, i, ph)
	}
	err = ic.reports.ReplaceReport(ctx, report, pending)
	if errors.Is(err, offline.ErrNotEditable) {
		return false, fmt.Errorf("%w: %w", ErrDraftConflict, err)
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func pendingPhoto(reportID string, position int, ph Photo) offline.PendingPhoto {
	category := ph.Category
	if category == "" {
		category = DefaultCategory
	}
	return offline.PendingPhoto{
		ReportID:    reportID,
		Category:    category,
		Caption:     ph.Caption,
		Filename:    ph.Filename,
		ContentType: ph.ContentType,
		Position:    position,
		Data:        ph.Data,
	}
}

func (ic *Interceptor) rollback(ctx context.Context, reportID string) {
	if err := ic.reports.DeleteReport(context.WithoutCancel(ctx), reportID); err != nil {
		ic.logger.Error("rolling back partial offline report", "report_id", reportID, "error", err)
	}
}

// draftDigest identifies a draft by its content.
func draftDigest(d Draft) string {
	h := sha256.New()
	keys := make([]string, 0, len(d.Fields))
	for k := range d.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "%q=%q\n", k, d.Fields[k])
	}
	fmt.Fprintf(h, "checklist=%s\n", d.Checklist)
	fmt.Fprintf(h, "action=%s\n", d.FormAction)
	for _, ph := range d.Photos {
		fmt.Fprintf(h, "photo %q %q %d\n", ph.Category, ph.Caption, len(ph.Data))
		h.Write(ph.Data)
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

func describe(fields map[string]string) string {
	desc := "Relatório"
	if p := fields["projeto_id"]; p != "" {
		desc += " do projeto " + p
	}
	if d := fields["descricao"]; d != "" {
		r := []rune(d)
		if len(r) > 60 {
			d = string(r[:60]) + "..."
		}
		desc += ": " + d
	}
	return desc
}
