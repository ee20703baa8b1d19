// Package offline keeps report submissions made without connectivity, and
// their photos, until the sync queue delivers them.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/kalambet/obrasync/internal/storage"
)

// ErrQuotaExceeded is wrapped in a StorageError when a photo would push the
// pending data over the configured quota.
var ErrQuotaExceeded = errors.New("offline storage quota exceeded")

// ErrNotFound is returned for unknown report ids.
var ErrNotFound = errors.New("pending report not found")

// ErrNotEditable is returned by ReplaceReport for a report that is being
// delivered or already was.
var ErrNotEditable = errors.New("pending report can no longer be changed")

// StorageError means the durable medium could not record the data. A
// submission that got a StorageError is not safe.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("offline storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// PendingReport is a report submitted while offline.
type PendingReport struct {
	ID            string            `json:"id"`
	TempOfflineID bool              `json:"temp_offline_id"`
	DraftKey      string            `json:"draft_key"`
	FormAction    string            `json:"form_action"`
	Fields        map[string]string `json:"fields"`
	Checklist     json.RawMessage   `json:"checklist_data,omitempty"`
	Digest        string            `json:"digest,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	Synced        bool              `json:"synced"`
}

// PendingPhoto is a photo attached to a PendingReport.
type PendingPhoto struct {
	ID          string    `json:"id"`
	ReportID    string    `json:"report_id"`
	Category    string    `json:"category"`
	Caption     string    `json:"caption,omitempty"`
	Filename    string    `json:"filename,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	Position    int       `json:"position"`
	Data        []byte    `json:"-"`
	Size        int       `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}

// Backend is the durable record store.
type Backend interface {
	SaveReport(ctx context.Context, r storage.PendingReport) (bool, error)
	GetReport(ctx context.Context, id string) (storage.PendingReport, error)
	ListReports(ctx context.Context) ([]storage.PendingReport, error)
	MarkReportSynced(ctx context.Context, id string) error
	DeleteReport(ctx context.Context, id string) error
	ReplaceReport(ctx context.Context, r storage.PendingReport, photos []storage.PendingPhoto) error
	SavePhoto(ctx context.Context, p storage.PendingPhoto) error
	ListPhotos(ctx context.Context, reportID string) ([]storage.PendingPhoto, error)
	PendingBytes(ctx context.Context) (int64, error)
}

type idLock struct {
	mu   sync.Mutex
	refs int
}

// Store is safe for concurrent use. Writes to one report id are serialized;
// writes to different ids proceed independently.
type Store struct {
	db      Backend
	quota   int64
	locks   *xsync.MapOf[string, *idLock]
	sending *xsync.MapOf[string, struct{}]
	logger  *slog.Logger
}

// New creates a Store. quotaBytes bounds the total size of pending photos;
// zero disables the bound.
func New(db Backend, quotaBytes int64) *Store {
	return &Store{
		db:      db,
		quota:   quotaBytes,
		locks:   xsync.NewMapOf[string, *idLock](),
		sending: xsync.NewMapOf[string, struct{}](),
		logger:  slog.Default(),
	}
}

func (s *Store) lock(id string) func() {
	l, _ := s.locks.Compute(id, func(old *idLock, loaded bool) (*idLock, bool) {
		if !loaded {
			old = &idLock{}
		}
		old.refs++
		return old, false
	})
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.locks.Compute(id, func(old *idLock, loaded bool) (*idLock, bool) {
			old.refs--
			return old, old.refs == 0
		})
	}
}

// SaveReport durably records r before returning. Saving an id that already
// exists leaves the stored report untouched and reports created=false.
func (s *Store) SaveReport(ctx context.Context, r PendingReport) (bool, error) {
	if r.ID == "" {
		return false, errors.New("report id is required")
	}
	defer s.lock(r.ID)()

	fields, err := json.Marshal(r.Fields)
	if err != nil {
		return false, fmt.Errorf("encoding fields: %w", err)
	}
	checklist := string(r.Checklist)
	if checklist == "" {
		checklist = "[]"
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	created, err := s.db.SaveReport(ctx, storage.PendingReport{
		ID:            r.ID,
		DraftKey:      r.DraftKey,
		FormAction:    r.FormAction,
		FieldsJSON:    string(fields),
		ChecklistJSON: checklist,
		Digest:        r.Digest,
		CreatedAt:     r.CreatedAt,
	})
	if err != nil {
		return false, &StorageError{Op: "save report", Err: err}
	}
	if created {
		s.logger.Info("report saved offline", "report_id", r.ID)
	}
	return created, nil
}

// SavePhoto attaches a photo to an existing report.
func (s *Store) SavePhoto(ctx context.Context, p PendingPhoto) (PendingPhoto, error) {
	defer s.lock(p.ReportID)()

	if _, err := s.db.GetReport(ctx, p.ReportID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return PendingPhoto{}, fmt.Errorf("photo for %s: %w", p.ReportID, ErrNotFound)
		}
		return PendingPhoto{}, &StorageError{Op: "save photo", Err: err}
	}

	if s.quota > 0 {
		used, err := s.db.PendingBytes(ctx)
		if err != nil {
			return PendingPhoto{}, &StorageError{Op: "save photo", Err: err}
		}
		if used+int64(len(p.Data)) > s.quota {
			return PendingPhoto{}, &StorageError{Op: "save photo", Err: ErrQuotaExceeded}
		}
	}

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	p.Size = len(p.Data)
	if err := s.db.SavePhoto(ctx, storage.PendingPhoto{
		ID:          p.ID,
		ReportID:    p.ReportID,
		Category:    p.Category,
		Caption:     p.Caption,
		Filename:    p.Filename,
		ContentType: p.ContentType,
		Position:    p.Position,
		Data:        p.Data,
		CreatedAt:   p.CreatedAt,
	}); err != nil {
		return PendingPhoto{}, &StorageError{Op: "save photo", Err: err}
	}
	return p, nil
}

// ReplaceReport overwrites the content of a report that is still waiting to
// be delivered and swaps its photos for photos, all or nothing.
func (s *Store) ReplaceReport(ctx context.Context, r PendingReport, photos []PendingPhoto) error {
	if r.ID == "" {
		return errors.New("report id is required")
	}
	defer s.lock(r.ID)()

	if _, ok := s.sending.Load(r.ID); ok {
		return fmt.Errorf("report %s: %w", r.ID, ErrNotEditable)
	}
	fields, err := json.Marshal(r.Fields)
	if err != nil {
		return fmt.Errorf("encoding fields: %w", err)
	}

	var size int64
	recs := make([]storage.PendingPhoto, len(photos))
	now := time.Now().UTC()
	for i, p := range photos {
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		size += int64(len(p.Data))
		recs[i] = storage.PendingPhoto{
			ID:          p.ID,
			ReportID:    r.ID,
			Category:    p.Category,
			Caption:     p.Caption,
			Filename:    p.Filename,
			ContentType: p.ContentType,
			Position:    p.Position,
			Data:        p.Data,
			CreatedAt:   p.CreatedAt,
		}
	}
	if s.quota > 0 {
		used, err := s.db.PendingBytes(ctx)
		if err != nil {
			return &StorageError{Op: "replace report", Err: err}
		}
		old, err := s.db.ListPhotos(ctx, r.ID)
		if err != nil {
			return &StorageError{Op: "replace report", Err: err}
		}
		for _, p := range old {
			used -= int64(len(p.Data))
		}
		if used+size > s.quota {
			return &StorageError{Op: "replace report", Err: ErrQuotaExceeded}
		}
	}

	err = s.db.ReplaceReport(ctx, storage.PendingReport{
		ID:            r.ID,
		FormAction:    r.FormAction,
		FieldsJSON:    string(fields),
		ChecklistJSON: string(r.Checklist),
		Digest:        r.Digest,
	}, recs)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("report %s: %w", r.ID, ErrNotEditable)
	}
	if err != nil {
		return &StorageError{Op: "replace report", Err: err}
	}
	s.logger.Info("pending report replaced", "report_id", r.ID, "photos", len(photos))
	return nil
}

// BeginSend marks a report as being delivered until the returned func is
// called. ReplaceReport refuses reports in that state.
func (s *Store) BeginSend(id string) (done func()) {
	unlock := s.lock(id)
	s.sending.Store(id, struct{}{})
	unlock()
	return func() { s.sending.Delete(id) }
}

// ReadReport returns the report with id.
func (s *Store) ReadReport(ctx context.Context, id string) (PendingReport, error) {
	rec, err := s.db.GetReport(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return PendingReport{}, fmt.Errorf("report %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return PendingReport{}, &StorageError{Op: "read report", Err: err}
	}
	return fromRecord(rec)
}

// Photos returns the photos of a report in attachment order.
func (s *Store) Photos(ctx context.Context, reportID string) ([]PendingPhoto, error) {
	recs, err := s.db.ListPhotos(ctx, reportID)
	if err != nil {
		return nil, &StorageError{Op: "read photos", Err: err}
	}
	out := make([]PendingPhoto, len(recs))
	for i, p := range recs {
		out[i] = PendingPhoto{
			ID:          p.ID,
			ReportID:    p.ReportID,
			Category:    p.Category,
			Caption:     p.Caption,
			Filename:    p.Filename,
			ContentType: p.ContentType,
			Position:    p.Position,
			Data:        p.Data,
			Size:        len(p.Data),
			CreatedAt:   p.CreatedAt,
		}
	}
	return out, nil
}

// ListReports returns every pending report, oldest first.
func (s *Store) ListReports(ctx context.Context) ([]PendingReport, error) {
	recs, err := s.db.ListReports(ctx)
	if err != nil {
		return nil, &StorageError{Op: "list reports", Err: err}
	}
	out := make([]PendingReport, 0, len(recs))
	for _, rec := range recs {
		r, err := fromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// MarkSynced flags a report as delivered.
func (s *Store) MarkSynced(ctx context.Context, id string) error {
	defer s.lock(id)()
	if err := s.db.MarkReportSynced(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("report %s: %w", id, ErrNotFound)
		}
		return &StorageError{Op: "mark synced", Err: err}
	}
	return nil
}

// DeleteReport removes a report and its photos. Deleting an unknown id is a
// no-op.
func (s *Store) DeleteReport(ctx context.Context, id string) error {
	defer s.lock(id)()
	if err := s.db.DeleteReport(ctx, id); err != nil {
		return &StorageError{Op: "delete report", Err: err}
	}
	return nil
}

// Usage returns the bytes held by pending photos and the configured quota.
func (s *Store) Usage(ctx context.Context) (used, quota int64, err error) {
	used, err = s.db.PendingBytes(ctx)
	if err != nil {
		return 0, 0, &StorageError{Op: "usage", Err: err}
	}
	return used, s.quota, nil
}

func fromRecord(rec storage.PendingReport) (PendingReport, error) {
	var fields map[string]string
	if err := json.Unmarshal([]byte(rec.FieldsJSON), &fields); err != nil {
		return PendingReport{}, fmt.Errorf("decoding fields of %s: %w", rec.ID, err)
	}
	return PendingReport{
		ID:            rec.ID,
		TempOfflineID: true,
		DraftKey:      rec.DraftKey,
		FormAction:    rec.FormAction,
		Fields:        fields,
		Checklist:     json.RawMessage(rec.ChecklistJSON),
		Digest:        rec.Digest,
		CreatedAt:     rec.CreatedAt,
		Synced:        rec.Synced,
	}, nil
}
