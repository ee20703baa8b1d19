// Package cache implements versioned, role-partitioned response caches backed
// by the durable store, with an in-memory LRU in front of hot entries.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/obrasync/internal/storage"
)

const (
	defaultHotEntries  = 512
	precacheParallel   = 4
	precacheTimeout    = 20 * time.Second
	maxEntrySize       = 16 << 20 // 16MB
	defaultVersionName = "v1"
)

// Entry is a whole cached response.
type Entry struct {
	URL      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Backend abstracts the durable namespace/entry operations.
type Backend interface {
	InstallNamespace(ctx context.Context, ns storage.CacheNamespace, entries []storage.CacheEntry) error
	ActivateNamespaces(ctx context.Context, keep []storage.CacheNamespace, drop []string) error
	ListNamespaces(ctx context.Context) ([]storage.CacheNamespace, error)
	PutCacheEntry(ctx context.Context, ns storage.CacheNamespace, e storage.CacheEntry) error
	GetCacheEntry(ctx context.Context, namespace, url string) (storage.CacheEntry, error)
}

// Options configures a Store.
type Options struct {
	// BaseURL resolves relative precache manifest entries.
	BaseURL string
	// Versions is the current build version per role. Missing roles use "v1".
	Versions map[Role]string
	// HotEntries bounds the in-memory tier. Defaults to 512.
	HotEntries int
	// HTTPClient fetches precache assets. Defaults to NewPrecacheClient().
	HTTPClient *http.Client
}

// Store serves lookups from the active namespace of each role and installs
// assets into the namespace of the current build version.
type Store struct {
	db     Backend
	hot    *lru.Cache[string, Entry]
	client *http.Client
	base   *url.URL
	logger *slog.Logger

	mu     sync.RWMutex
	target map[Role]Namespace
	active map[Role]Namespace
}

// New creates a Store. Roles that already have an active namespace in db keep
// serving it until the next activation.
func New(ctx context.Context, db Backend, opts Options) (*Store, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}
	size := opts.HotEntries
	if size <= 0 {
		size = defaultHotEntries
	}
	hot, err := lru.New[string, Entry](size)
	if err != nil {
		return nil, fmt.Errorf("creating hot cache: %w", err)
	}
	client := opts.HTTPClient
	if client == nil {
		client = NewPrecacheClient()
	}

	s := &Store{
		db:     db,
		hot:    hot,
		client: client,
		base:   base,
		logger: slog.Default(),
		target: make(map[Role]Namespace),
		active: make(map[Role]Namespace),
	}
	for _, r := range Roles {
		v := opts.Versions[r]
		if v == "" {
			v = defaultVersionName
		}
		s.target[r] = Namespace{Role: r, Version: v}
		s.active[r] = s.target[r]
	}

	existing, err := db.ListNamespaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing cache namespaces: %w", err)
	}
	for _, rec := range existing {
		ns, ok := ParseName(rec.Name)
		if ok && rec.State == storage.NamespaceActive {
			s.active[ns.Role] = ns
		}
	}
	return s, nil
}

// NewPrecacheClient returns an HTTP client that retries connection errors and
// 5xx responses a couple of times before giving up on an asset.
func NewPrecacheClient() *http.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 2
	retryClient.RetryWaitMin = 200 * time.Millisecond
	retryClient.RetryWaitMax = 2 * time.Second
	retryClient.Logger = slog.Default()
	client := retryClient.StandardClient()
	client.Timeout = precacheTimeout
	return client
}

// Active returns the namespace currently serving role.
func (s *Store) Active(role Role) Namespace {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active[role]
}

// Target returns the namespace of the current build version for role.
func (s *Store) Target(role Role) Namespace {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.target[role]
}

// TargetVersions returns the current build version of every role.
func (s *Store) TargetVersions() map[Role]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[Role]string, len(s.target))
	for r, ns := range s.target {
		out[r] = ns.Version
	}
	return out
}

// Precache fetches every asset and stores them under role's current build
// namespace. Either all assets are stored or none are.
func (s *Store) Precache(ctx context.Context, role Role, assets []string) error {
	ns := s.Target(role)
	entries := make([]storage.CacheEntry, len(assets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(precacheParallel)
	for i, asset := range assets {
		g.Go(func() error {
			e, err := s.fetchAsset(gctx, asset)
			if err != nil {
				return fmt.Errorf("precache %s: %w", asset, err)
			}
			rec, err := toRecord(e)
			if err != nil {
				return err
			}
			entries[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	rec := storage.CacheNamespace{Name: ns.Name(), Role: string(role), Version: ns.Version, State: storage.NamespaceInstalled}
	if err := s.db.InstallNamespace(ctx, rec, entries); err != nil {
		return fmt.Errorf("installing namespace %s: %w", ns.Name(), err)
	}
	s.logger.Info("precache complete", "namespace", ns.Name(), "assets", len(assets))
	return nil
}

func (s *Store) fetchAsset(ctx context.Context, asset string) (Entry, error) {
	ref, err := url.Parse(asset)
	if err != nil {
		return Entry{}, fmt.Errorf("parsing asset url: %w", err)
	}
	abs := s.base.ResolveReference(ref)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, abs.String(), nil)
	if err != nil {
		return Entry{}, fmt.Errorf("creating request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Entry{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Entry{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxEntrySize))
	if err != nil {
		return Entry{}, fmt.Errorf("reading body: %w", err)
	}
	return Entry{
		URL:      Key(abs),
		Status:   resp.StatusCode,
		Header:   Storable(resp.Header),
		Body:     body,
		StoredAt: time.Now().UTC(),
	}, nil
}

// Lookup returns the entry for key in role's active namespace. A miss is
// reported through the bool, not as an error.
func (s *Store) Lookup(ctx context.Context, role Role, key string) (Entry, bool, error) {
	ns := s.Active(role)
	hk := hotKey(ns, key)
	if e, ok := s.hot.Get(hk); ok {
		cacheLookups.WithLabelValues(string(role), "hit").Inc()
		return e, true, nil
	}

	rec, err := s.db.GetCacheEntry(ctx, ns.Name(), key)
	if errors.Is(err, storage.ErrNotFound) {
		cacheLookups.WithLabelValues(string(role), "miss").Inc()
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("reading %s from %s: %w", key, ns.Name(), err)
	}
	e, err := fromRecord(rec)
	if err != nil {
		return Entry{}, false, err
	}
	s.hot.Add(hk, e)
	cacheLookups.WithLabelValues(string(role), "hit").Inc()
	return e, true, nil
}

// Put stores e under key in role's active namespace, replacing any previous
// entry as a whole.
func (s *Store) Put(ctx context.Context, role Role, key string, e Entry) error {
	ns := s.Active(role)
	e.URL = key
	if e.StoredAt.IsZero() {
		e.StoredAt = time.Now().UTC()
	}
	e.Header = Storable(e.Header)
	rec, err := toRecord(e)
	if err != nil {
		return err
	}
	nsRec := storage.CacheNamespace{Name: ns.Name(), Role: string(role), Version: ns.Version}
	if err := s.db.PutCacheEntry(ctx, nsRec, rec); err != nil {
		return fmt.Errorf("writing %s to %s: %w", key, ns.Name(), err)
	}
	s.hot.Add(hotKey(ns, key), e)
	cachePuts.WithLabelValues(string(role)).Inc()
	return nil
}

// PurgeStaleVersions makes current the active version of each role and deletes
// every other namespace carrying that role's prefix. It returns the names of
// the deleted namespaces.
func (s *Store) PurgeStaleVersions(ctx context.Context, current map[Role]string) ([]string, error) {
	existing, err := s.db.ListNamespaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing cache namespaces: %w", err)
	}

	keep := make([]storage.CacheNamespace, 0, len(current))
	for role, version := range current {
		ns := Namespace{Role: role, Version: version}
		keep = append(keep, storage.CacheNamespace{Name: ns.Name(), Role: string(role), Version: version})
	}

	var drop []string
	for _, rec := range existing {
		ns, ok := ParseName(rec.Name)
		if !ok {
			continue
		}
		version, managed := current[ns.Role]
		if managed && ns.Version != version {
			drop = append(drop, rec.Name)
		}
	}

	if err := s.db.ActivateNamespaces(ctx, keep, drop); err != nil {
		return nil, fmt.Errorf("activating namespaces: %w", err)
	}

	s.mu.Lock()
	for role, version := range current {
		s.active[role] = Namespace{Role: role, Version: version}
	}
	s.mu.Unlock()

	if len(drop) > 0 {
		s.hot.Purge()
		namespacesPurged.Add(float64(len(drop)))
		s.logger.Info("purged stale cache namespaces", "namespaces", drop)
	}
	return drop, nil
}

// Namespaces lists the namespaces present in the durable store.
func (s *Store) Namespaces(ctx context.Context) ([]storage.CacheNamespace, error) {
	return s.db.ListNamespaces(ctx)
}

func hotKey(ns Namespace, key string) string {
	return ns.Name() + " " + key
}

// Key is the cache key for u: its path and query.
func Key(u *url.URL) string {
	return u.RequestURI()
}

// hopHeaders are never stored. Set-Cookie carries session state that must not
// be replayed to a later visitor.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Set-Cookie",
}

// Storable returns a copy of h without hop-by-hop and session headers.
func Storable(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		out = http.Header{}
	}
	for _, k := range hopHeaders {
		out.Del(k)
	}
	return out
}

func toRecord(e Entry) (storage.CacheEntry, error) {
	headers, err := json.Marshal(e.Header)
	if err != nil {
		return storage.CacheEntry{}, fmt.Errorf("encoding headers for %s: %w", e.URL, err)
	}
	return storage.CacheEntry{
		URL:         e.URL,
		Status:      e.Status,
		HeadersJSON: string(headers),
		Body:        e.Body,
		StoredAt:    e.StoredAt,
	}, nil
}

func fromRecord(rec storage.CacheEntry) (Entry, error) {
	var h http.Header
	if err := json.Unmarshal([]byte(rec.HeadersJSON), &h); err != nil {
		return Entry{}, fmt.Errorf("decoding headers for %s: %w", rec.URL, err)
	}
	if h == nil {
		h = http.Header{}
	}
	return Entry{
		URL:      rec.URL,
		Status:   rec.Status,
		Header:   h,
		Body:     rec.Body,
		StoredAt: rec.StoredAt,
	}, nil
}
