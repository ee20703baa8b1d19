package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/obrasync/internal/agent"
	"github.com/kalambet/obrasync/internal/notify"
	"github.com/kalambet/obrasync/internal/offline"
	"github.com/kalambet/obrasync/internal/storage"
	"github.com/kalambet/obrasync/internal/syncq"
)

type ManageDeps struct {
	Agent *agent.Agent
	Token string
}

// NewManageHandler returns the bearer-protected management API.
func NewManageHandler(deps ManageDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(BearerAuth(deps.Token))

	r.Get("/status", handleStatus(deps))
	r.Post("/sync", handleSync(deps))
	r.Get("/pending", handleListPending(deps))
	r.Get("/pending/{id}", handleGetPending(deps))
	r.Get("/rejections", handleListRejections(deps))
	r.Post("/rejections/{id}/ack", handleAcknowledge(deps))
	r.Post("/rejections/{id}/retry", handleRetry(deps))
	r.Get("/namespaces", handleNamespaces(deps))
	r.Post("/events", handlePublish(deps))

	return r
}

func handleStatus(deps ManageDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Agent.Status(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to collect status: %v", err)
			return
		}
		writeJSON(w, st)
	}
}

func handleSync(deps ManageDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := deps.Agent.Queue.DrainNow(r.Context())
		if errors.Is(err, syncq.ErrDrainInProgress) {
			httpError(w, http.StatusConflict, "conflict", "a sync pass is already running")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "sync failed: %v", err)
			return
		}
		writeJSON(w, res)
	}
}

// PendingReport is a queued report as listed by the management API.
type PendingReport struct {
	QueueItemID   string                 `json:"queue_item_id"`
	ReportID      string                 `json:"report_id"`
	Description   string                 `json:"description"`
	FormAction    string                 `json:"form_action,omitempty"`
	EnqueuedAt    time.Time              `json:"enqueued_at"`
	Attempts      int                    `json:"attempts"`
	NextAttemptAt time.Time              `json:"next_attempt_at"`
	LastError     string                 `json:"last_error,omitempty"`
	Photos        []offline.PendingPhoto `json:"photos"`
}

// pendingReports joins the queue with the offline records it points at, in
// queue order.
func pendingReports(ctx context.Context, a *agent.Agent) ([]PendingReport, error) {
	items, err := a.Queue.Pending(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]PendingReport, 0, len(items))
	for _, it := range items {
		p := PendingReport{
			QueueItemID:   it.ID,
			ReportID:      it.DataID,
			Description:   it.Description,
			EnqueuedAt:    it.EnqueuedAt,
			Attempts:      it.Attempts,
			NextAttemptAt: it.NextAttemptAt,
			LastError:     it.LastError,
			Photos:        []offline.PendingPhoto{},
		}
		rep, err := a.Reports.ReadReport(ctx, it.DataID)
		switch {
		case errors.Is(err, offline.ErrNotFound):
		case err != nil:
			return nil, err
		default:
			p.FormAction = rep.FormAction
			photos, err := a.Reports.Photos(ctx, rep.ID)
			if err != nil {
				return nil, err
			}
			p.Photos = append(p.Photos, photos...)
		}
		out = append(out, p)
	}
	return out, nil
}

func handleListPending(deps ManageDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pending, err := pendingReports(r.Context(), deps.Agent)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list pending reports: %v", err)
			return
		}
		writeJSON(w, pending)
	}
}

func handleGetPending(deps ManageDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		rep, err := deps.Agent.Reports.ReadReport(r.Context(), id)
		if errors.Is(err, offline.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "report not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read report: %v", err)
			return
		}
		photos, err := deps.Agent.Reports.Photos(r.Context(), id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read photos: %v", err)
			return
		}
		if photos == nil {
			photos = []offline.PendingPhoto{}
		}
		writeJSON(w, map[string]any{"report": rep, "photos": photos})
	}
}

func handleListRejections(deps ManageDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		all, _ := strconv.ParseBool(r.URL.Query().Get("all"))
		rejections, err := deps.Agent.Queue.Rejections(r.Context(), all)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list rejections: %v", err)
			return
		}
		if rejections == nil {
			rejections = []syncq.Rejection{}
		}
		writeJSON(w, rejections)
	}
}

func handleAcknowledge(deps ManageDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := deps.Agent.Queue.Acknowledge(r.Context(), id)
		if errors.Is(err, syncq.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "rejection not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to acknowledge rejection: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "acknowledged"})
	}
}

func handleRetry(deps ManageDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		item, err := deps.Agent.Queue.Retry(r.Context(), id)
		if errors.Is(err, syncq.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "rejection not found or already acknowledged")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to retry rejection: %v", err)
			return
		}
		deps.Agent.Worker.Trigger()
		writeJSON(w, item)
	}
}

func handleNamespaces(deps ManageDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nss, err := deps.Agent.Cache.Namespaces(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list cache namespaces: %v", err)
			return
		}
		if nss == nil {
			nss = []storage.CacheNamespace{}
		}
		writeJSON(w, nss)
	}
}

func handlePublish(deps ManageDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var ev notify.Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		n, err := deps.Agent.Hub.Publish(ev)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		writeJSON(w, map[string]int{"delivered": n})
	}
}
