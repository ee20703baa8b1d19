// Package agent assembles the cache, router, monitor, offline store, sync
// queue and interceptor into one running service and drives its install and
// activate lifecycle.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/kalambet/obrasync/internal/cache"
	"github.com/kalambet/obrasync/internal/intercept"
	"github.com/kalambet/obrasync/internal/netmon"
	"github.com/kalambet/obrasync/internal/notify"
	"github.com/kalambet/obrasync/internal/offline"
	"github.com/kalambet/obrasync/internal/router"
	"github.com/kalambet/obrasync/internal/storage"
	"github.com/kalambet/obrasync/internal/syncq"
	"github.com/kalambet/obrasync/internal/upstream"
)

// Config holds the runtime settings of an Agent.
type Config struct {
	BaseURL         string
	UpstreamTimeout time.Duration
	Versions        map[cache.Role]string
	HotEntries      int
	// Manifest lists the assets precached into the core namespace on install.
	Manifest      []string
	FailThreshold int
	ForcedOffline time.Duration
	SyncInterval  time.Duration
	MaxAttempts   int
	Rate          float64
	QuotaBytes    int64
	Redirect      string
	// InstallRetry is the first wait after a failed install. It doubles on
	// every failure up to five minutes. Defaults to five seconds.
	InstallRetry time.Duration

	// PrecacheClient overrides the asset fetcher, for tests.
	PrecacheClient *http.Client
}

// Agent is the assembled sync engine.
type Agent struct {
	DB          *storage.Store
	Upstream    *upstream.Client
	Monitor     *netmon.Monitor
	Cache       *cache.Store
	Router      *router.Router
	Reports     *offline.Store
	Queue       *syncq.Queue
	Worker      *syncq.Worker
	Interceptor *intercept.Interceptor
	Hub         *notify.Hub

	manifest     []string
	installRetry time.Duration
	recovered    chan struct{}
	logger       *slog.Logger
}

const (
	defaultInstallRetry = 5 * time.Second
	maxInstallRetry     = 5 * time.Minute
)

// New wires every component over db. Nothing runs until Run is called.
func New(ctx context.Context, db *storage.Store, cfg Config) (*Agent, error) {
	client, err := upstream.NewClient(cfg.BaseURL, cfg.UpstreamTimeout)
	if err != nil {
		return nil, err
	}
	store, err := cache.New(ctx, db, cache.Options{
		BaseURL:    cfg.BaseURL,
		Versions:   cfg.Versions,
		HotEntries: cfg.HotEntries,
		HTTPClient: cfg.PrecacheClient,
	})
	if err != nil {
		return nil, fmt.Errorf("opening cache: %w", err)
	}

	mon := netmon.New(cfg.FailThreshold, cfg.ForcedOffline)
	reports := offline.New(db, cfg.QuotaBytes)
	queue := syncq.New(db, reports, client, mon, syncq.Options{
		MaxAttempts: cfg.MaxAttempts,
		Rate:        cfg.Rate,
	})
	worker := syncq.NewWorker(queue, cfg.SyncInterval)
	rt := router.New(router.NewClassifier(router.DefaultPatterns, cfg.Manifest), store, client, mon)
	ic := intercept.New(reports, queue, mon, rt, intercept.Options{Redirect: cfg.Redirect})

	a := &Agent{
		DB:          db,
		Upstream:    client,
		Monitor:     mon,
		Cache:       store,
		Router:      rt,
		Reports:     reports,
		Queue:       queue,
		Worker:      worker,
		Interceptor: ic,
		Hub:         notify.NewHub(client.BaseURL().Hostname()),
		manifest:    cfg.Manifest,
		recovered:   make(chan struct{}, 1),
		logger:      slog.Default(),
	}
	a.installRetry = cfg.InstallRetry
	if a.installRetry <= 0 {
		a.installRetry = defaultInstallRetry
	}
	mon.OnRecover(worker.Trigger)
	mon.OnRecover(func() {
		select {
		case a.recovered <- struct{}{}:
		default:
		}
	})
	queue.OnReject(a.announceRejection)
	return a, nil
}

// Handler serves the application through the agent: report submissions go
// through the interceptor, everything else through the router.
func (a *Agent) Handler() http.Handler {
	return a.Interceptor
}

// Install precaches the core manifest into the current build's namespace
// and registers the other roles' namespaces. A failure leaves the previously
// active namespaces untouched.
func (a *Agent) Install(ctx context.Context) error {
	if err := a.Cache.Precache(ctx, cache.RoleCore, a.manifest); err != nil {
		return fmt.Errorf("install: %w", err)
	}
	for _, role := range []cache.Role{cache.RoleObras, cache.RoleRuntime} {
		if err := a.Cache.Precache(ctx, role, nil); err != nil {
			return fmt.Errorf("install: %w", err)
		}
	}
	return nil
}

// Activate makes the current build's namespaces live, deletes older ones and
// clears the network health state.
func (a *Agent) Activate(ctx context.Context) error {
	dropped, err := a.Cache.PurgeStaleVersions(ctx, a.Cache.TargetVersions())
	if err != nil {
		return fmt.Errorf("activate: %w", err)
	}
	a.Monitor.Reset()
	a.logger.Info("cache activated", "versions", a.Cache.TargetVersions(), "purged", len(dropped))
	return nil
}

// Run installs and activates the current build and drains the sync queue
// until ctx is cancelled. While the install keeps failing the previous
// version is served and the install is retried with backoff, and right away
// when connectivity returns.
func (a *Agent) Run(ctx context.Context) {
	installed := make(chan struct{})
	go func() {
		defer close(installed)
		a.installUntilDone(ctx)
	}()
	a.Worker.Run(ctx)
	<-installed
	a.Router.Wait()
}

func (a *Agent) installUntilDone(ctx context.Context) {
	wait := a.installRetry
	for {
		err := a.Install(ctx)
		if err == nil {
			if err = a.Activate(ctx); err == nil {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
		a.logger.Warn("install failed, previous cache version stays active", "error", err, "retry_in", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		case <-a.recovered:
			timer.Stop()
		}
		wait = min(wait*2, maxInstallRetry)
	}
}

func (a *Agent) announceRejection(r syncq.Rejection) {
	n, err := a.Hub.Publish(notify.Event{
		Title: "Relatório não sincronizado",
		Body:  r.Description + ": " + r.Reason,
		Tag:   "rejection-" + r.ID,
		Data:  notify.EventData{URL: "/relatorios"},
	})
	if err != nil {
		a.logger.Warn("announcing rejection", "rejection_id", r.ID, "error", err)
		return
	}
	a.logger.Info("rejection announced", "rejection_id", r.ID, "pages", n)
}

// Status is a snapshot of the agent state.
type Status struct {
	Network        netmon.Health     `json:"network"`
	Online         bool              `json:"online"`
	QueueDepth     int               `json:"queue_depth"`
	PendingReports int               `json:"pending_reports"`
	Rejections     int               `json:"rejections"`
	StorageUsed    int64             `json:"storage_used"`
	StorageQuota   int64             `json:"storage_quota"`
	Namespaces     map[string]string `json:"namespaces"`
	ConnectedPages int               `json:"connected_pages"`
}

// Status collects the current state of every component.
func (a *Agent) Status(ctx context.Context) (Status, error) {
	st := Status{
		Network:        a.Monitor.Snapshot(),
		Online:         a.Monitor.Online(),
		Namespaces:     make(map[string]string, len(cache.Roles)),
		ConnectedPages: a.Hub.Connected(),
	}
	items, err := a.Queue.Pending(ctx)
	if err != nil {
		return st, err
	}
	st.QueueDepth = len(items)

	reports, err := a.Reports.ListReports(ctx)
	if err != nil {
		return st, err
	}
	st.PendingReports = len(reports)

	rejections, err := a.Queue.Rejections(ctx, false)
	if err != nil {
		return st, err
	}
	st.Rejections = len(rejections)

	if st.StorageUsed, st.StorageQuota, err = a.Reports.Usage(ctx); err != nil {
		return st, err
	}
	for _, role := range cache.Roles {
		st.Namespaces[string(role)] = a.Cache.Active(role).Name()
	}
	return st, nil
}

// LoadManifest reads a precache manifest: a JSON array of asset URLs. An
// empty path yields an empty manifest.
func LoadManifest(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("precache manifest %s does not exist", path)
		}
		return nil, fmt.Errorf("reading precache manifest: %w", err)
	}
	var assets []string
	if err := json.Unmarshal(data, &assets); err != nil {
		return nil, fmt.Errorf("parsing precache manifest %s: %w", path, err)
	}
	return assets, nil
}
