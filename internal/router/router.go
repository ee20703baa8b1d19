// Package router resolves browser requests against the application server and
// the versioned caches, choosing a strategy per path class.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kalambet/obrasync/internal/cache"
	"github.com/kalambet/obrasync/internal/upstream"
)

const defaultRefreshTimeout = 15 * time.Second

// ErrOffline is returned when neither the network nor a cache can answer.
var ErrOffline = errors.New("resource unavailable offline")

// Fetcher sends a request to the application server.
type Fetcher interface {
	Forward(ctx context.Context, r *http.Request) (*upstream.Response, error)
}

// Cache is the subset of the versioned cache store the router uses.
type Cache interface {
	Lookup(ctx context.Context, role cache.Role, key string) (cache.Entry, bool, error)
	Put(ctx context.Context, role cache.Role, key string, e cache.Entry) error
}

// Health receives the outcome of every network attempt.
type Health interface {
	ReportFailure()
	ReportSuccess()
	ForcedOffline() bool
}

// Source tells where a response came from.
type Source string

const (
	SourceNetwork Source = "network"
	SourceCache   Source = "cache"
	// SourceOffline marks the placeholder served when nothing could answer.
	SourceOffline Source = "offline"
)

// SourceHeader carries the Source of every response the router writes.
const SourceHeader = "X-Obrasync-Source"

// Result is a resolved response.
type Result struct {
	Role   Role
	Source Source
	Status int
	Header http.Header
	Body   []byte
}

// Router applies the per-role strategy to each request.
type Router struct {
	classifier *Classifier
	cache      Cache
	upstream   Fetcher
	health     Health
	logger     *slog.Logger

	refreshTimeout time.Duration
	refreshes      singleflight.Group
	background     sync.WaitGroup
}

// New creates a Router.
func New(classifier *Classifier, c Cache, f Fetcher, h Health) *Router {
	return &Router{
		classifier:     classifier,
		cache:          c,
		upstream:       f,
		health:         h,
		logger:         slog.Default(),
		refreshTimeout: defaultRefreshTimeout,
	}
}

// Classify returns the role of r.
func (rt *Router) Classify(r *http.Request) Role {
	return rt.classifier.Classify(r.URL)
}

// Resolve answers r according to its role:
//
//   - AUTH and non-GET requests go to the network only and are never cached.
//   - OBRAS is cache-first; hits are refreshed in the background.
//   - CORE is cache-first; the network is only used to fill a miss.
//   - DEFAULT is network-first and falls back to a cached copy.
//
// While the network is forced offline no request reaches the network.
func (rt *Router) Resolve(ctx context.Context, r *http.Request) (*Result, error) {
	role := rt.Classify(r)
	res, err := rt.resolve(ctx, r, role)
	switch {
	case err == nil:
		routedRequests.WithLabelValues(string(role), string(res.Source)).Inc()
	case errors.Is(err, ErrOffline):
		routedRequests.WithLabelValues(string(role), "offline").Inc()
	default:
		routedRequests.WithLabelValues(string(role), "error").Inc()
	}
	return res, err
}

func (rt *Router) resolve(ctx context.Context, r *http.Request, role Role) (*Result, error) {
	cacheRole, cacheable := role.CacheRole()
	if r.Method != http.MethodGet {
		cacheable = false
	}
	if !cacheable {
		if rt.health.ForcedOffline() {
			return nil, ErrOffline
		}
		return rt.networkOnly(ctx, r, role)
	}

	key := cache.Key(r.URL)
	switch role {
	case RoleObras:
		return rt.cacheFirst(ctx, r, role, cacheRole, key, true)
	case RoleCore:
		return rt.cacheFirst(ctx, r, role, cacheRole, key, false)
	default:
		return rt.networkFirst(ctx, r, role, cacheRole, key)
	}
}

func (rt *Router) networkOnly(ctx context.Context, r *http.Request, role Role) (*Result, error) {
	resp, err := rt.attempt(ctx, r)
	if resp != nil {
		return networkResult(role, resp), nil
	}
	return nil, rt.unavailable(err)
}

func (rt *Router) cacheFirst(ctx context.Context, r *http.Request, role Role, cacheRole cache.Role, key string, refresh bool) (*Result, error) {
	e, ok, err := rt.cache.Lookup(ctx, cacheRole, key)
	if err != nil {
		rt.logger.Warn("cache lookup failed", "role", cacheRole, "key", key, "error", err)
	}
	if ok {
		if refresh && !rt.health.ForcedOffline() {
			rt.refreshInBackground(r, cacheRole, key)
		}
		return cachedResult(role, e), nil
	}

	if rt.health.ForcedOffline() {
		return nil, ErrOffline
	}
	resp, err := rt.attempt(ctx, r)
	if err == nil {
		rt.store(ctx, cacheRole, key, resp)
	}
	if resp != nil {
		return networkResult(role, resp), nil
	}
	return nil, rt.unavailable(err)
}

func (rt *Router) networkFirst(ctx context.Context, r *http.Request, role Role, cacheRole cache.Role, key string) (*Result, error) {
	if !rt.health.ForcedOffline() {
		resp, err := rt.attempt(ctx, r)
		if err == nil {
			rt.store(ctx, cacheRole, key, resp)
			return networkResult(role, resp), nil
		}
		if upstream.IsCanceled(err) || !upstream.IsNetworkError(err) {
			return nil, err
		}
		if e, ok := rt.lookup(ctx, cacheRole, key); ok {
			return cachedResult(role, e), nil
		}
		if resp != nil {
			return networkResult(role, resp), nil
		}
		return nil, rt.unavailable(err)
	}

	if e, ok := rt.lookup(ctx, cacheRole, key); ok {
		return cachedResult(role, e), nil
	}
	return nil, ErrOffline
}

// attempt performs one network attempt and reports its outcome.
func (rt *Router) attempt(ctx context.Context, r *http.Request) (*upstream.Response, error) {
	resp, err := rt.upstream.Forward(ctx, r)
	switch {
	case err == nil:
		rt.health.ReportSuccess()
	case upstream.IsNetworkError(err):
		rt.health.ReportFailure()
	}
	return resp, err
}

func (rt *Router) lookup(ctx context.Context, role cache.Role, key string) (cache.Entry, bool) {
	e, ok, err := rt.cache.Lookup(ctx, role, key)
	if err != nil {
		rt.logger.Warn("cache lookup failed", "role", role, "key", key, "error", err)
		return cache.Entry{}, false
	}
	return e, ok
}

func (rt *Router) store(ctx context.Context, role cache.Role, key string, resp *upstream.Response) {
	if resp.Status != http.StatusOK {
		return
	}
	e := cache.Entry{Status: resp.Status, Header: resp.Header, Body: resp.Body}
	if err := rt.cache.Put(ctx, role, key, e); err != nil {
		rt.logger.Warn("cache write failed", "role", role, "key", key, "error", err)
	}
}

func (rt *Router) unavailable(err error) error {
	if err == nil || upstream.IsNetworkError(err) {
		return fmt.Errorf("%w: %v", ErrOffline, err)
	}
	return err
}

// refreshInBackground re-fetches a cache-first page after serving it from
// cache. Concurrent hits for one key share a single refresh.
func (rt *Router) refreshInBackground(r *http.Request, role cache.Role, key string) {
	req := r.Clone(context.Background())
	rt.background.Add(1)
	ch := rt.refreshes.DoChan(string(role)+" "+key, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), rt.refreshTimeout)
		defer cancel()

		resp, err := rt.attempt(ctx, req.WithContext(ctx))
		if err != nil {
			backgroundRefreshes.WithLabelValues("failed").Inc()
			rt.logger.Debug("background refresh failed", "key", key, "error", err)
			return nil, err
		}
		rt.store(ctx, role, key, resp)
		backgroundRefreshes.WithLabelValues("ok").Inc()
		return nil, nil
	})
	go func() {
		<-ch
		rt.background.Done()
	}()
}

// Wait blocks until in-flight background refreshes finish.
func (rt *Router) Wait() {
	rt.background.Wait()
}

func networkResult(role Role, resp *upstream.Response) *Result {
	return &Result{Role: role, Source: SourceNetwork, Status: resp.Status, Header: resp.Header, Body: resp.Body}
}

func cachedResult(role Role, e cache.Entry) *Result {
	return &Result{Role: role, Source: SourceCache, Status: e.Status, Header: e.Header.Clone(), Body: e.Body}
}

// ServeHTTP proxies r through Resolve.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	res, err := rt.Resolve(r.Context(), r)
	if err != nil {
		if upstream.IsCanceled(err) {
			return
		}
		if errors.Is(err, ErrOffline) {
			writeOffline(w, r)
			return
		}
		rt.logger.Error("resolving request", "path", r.URL.Path, "error", err)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	h := w.Header()
	for k, vs := range res.Header {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	h.Del("Content-Length")
	h.Set(SourceHeader, string(res.Source))
	h.Set("X-Obrasync-Role", string(res.Role))
	w.WriteHeader(res.Status)
	w.Write(res.Body)
}

const offlinePage = `<!doctype html><html lang="pt-BR"><head><meta charset="utf-8"><title>Sem conexão</title></head>
<body><h1>Sem conexão</h1><p>Esta página ainda não está disponível offline. Tente novamente quando a conexão voltar.</p></body></html>`

func writeOffline(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(SourceHeader, string(SourceOffline))
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"message": ErrOffline.Error(), "type": "offline"},
		})
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusServiceUnavailable)
	fmt.Fprint(w, offlinePage)
}
