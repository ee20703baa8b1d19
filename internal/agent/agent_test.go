package agent

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/obrasync/internal/cache"
	"github.com/kalambet/obrasync/internal/intercept"
	"github.com/kalambet/obrasync/internal/storage"
)

type fakeApp struct {
	srv      *httptest.Server
	down     atomic.Bool
	posts    atomic.Int32
	postCode atomic.Int32
	// flakyFailures is how many more requests for /static/flaky.js fail.
	flakyFailures atomic.Int32
}

func newFakeApp(t *testing.T) *fakeApp {
	t.Helper()
	app := &fakeApp{}
	app.postCode.Store(http.StatusOK)
	app.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if app.down.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		switch {
		case r.Method == http.MethodPost:
			io.Copy(io.Discard, r.Body)
			app.posts.Add(1)
			code := int(app.postCode.Load())
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(code)
			if code >= 400 {
				fmt.Fprint(w, `{"error":"projeto inexistente"}`)
			}
		case r.URL.Path == "/static/missing.js":
			http.NotFound(w, r)
		case r.URL.Path == "/static/flaky.js" && app.flakyFailures.Add(-1) >= 0:
			http.NotFound(w, r)
		case r.URL.Path == "/relatorios/novo":
			fmt.Fprint(w, `<form><input type="hidden" name="csrf_token" value="tok"></form>`)
		default:
			fmt.Fprintf(w, "content of %s", r.URL.Path)
		}
	}))
	t.Cleanup(app.srv.Close)
	return app
}

func openDB(t *testing.T) *storage.Store {
	t.Helper()
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newAgent(t *testing.T, db *storage.Store, app *fakeApp, coreVersion string, manifest []string) *Agent {
	t.Helper()
	a, err := New(context.Background(), db, Config{
		BaseURL:         app.srv.URL,
		UpstreamTimeout: time.Second,
		Versions:        map[cache.Role]string{cache.RoleCore: coreVersion},
		Manifest:        manifest,
		Rate:            1000,
		PrecacheClient:  app.srv.Client(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func namespaceNames(t *testing.T, a *Agent) map[string]string {
	t.Helper()
	nss, err := a.Cache.Namespaces(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	out := make(map[string]string, len(nss))
	for _, ns := range nss {
		out[ns.Name] = ns.State
	}
	return out
}

func TestInstallActivateLifecycle(t *testing.T) {
	app := newFakeApp(t)
	db := openDB(t)
	ctx := context.Background()

	v1 := newAgent(t, db, app, "v1", []string{"/static/app.css"})
	if err := v1.Install(ctx); err != nil {
		t.Fatalf("Install v1: %v", err)
	}
	if err := v1.Activate(ctx); err != nil {
		t.Fatalf("Activate v1: %v", err)
	}

	// A broken v2 build must not disturb v1.
	broken := newAgent(t, db, app, "v2", []string{"/static/app.css", "/static/missing.js"})
	if err := broken.Install(ctx); err == nil {
		t.Fatal("Install succeeded with a missing asset")
	}
	if got := broken.Cache.Active(cache.RoleCore).Version; got != "v1" {
		t.Errorf("active core after failed install = %s, want v1", got)
	}
	if _, ok := namespaceNames(t, broken)["obrasync-core-v2"]; ok {
		t.Error("partially installed namespace left behind")
	}

	app.down.Store(true)
	rec := httptest.NewRecorder()
	broken.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/static/app.css", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "content of /static/app.css" {
		t.Errorf("offline core asset = %d %q", rec.Code, rec.Body.String())
	}
	app.down.Store(false)

	v2 := newAgent(t, db, app, "v2", []string{"/static/app.css"})
	if err := v2.Install(ctx); err != nil {
		t.Fatalf("Install v2: %v", err)
	}
	if err := v2.Activate(ctx); err != nil {
		t.Fatal(err)
	}
	names := namespaceNames(t, v2)
	if _, ok := names["obrasync-core-v1"]; ok {
		t.Error("stale core namespace survived activation")
	}
	if names["obrasync-core-v2"] != storage.NamespaceActive {
		t.Errorf("namespaces = %v", names)
	}
}

func TestRunRetriesFailedInstall(t *testing.T) {
	app := newFakeApp(t)
	app.flakyFailures.Store(1)
	a, err := New(context.Background(), openDB(t), Config{
		BaseURL:         app.srv.URL,
		UpstreamTimeout: time.Second,
		Versions:        map[cache.Role]string{cache.RoleCore: "v1"},
		Manifest:        []string{"/static/app.css", "/static/flaky.js"},
		Rate:            1000,
		InstallRetry:    10 * time.Millisecond,
		PrecacheClient:  app.srv.Client(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.Now().Add(2 * time.Second)
	for namespaceNames(t, a)["obrasync-core-v1"] != storage.NamespaceActive {
		if time.Now().After(deadline) {
			t.Fatalf("core namespace never activated; namespaces = %v", namespaceNames(t, a))
		}
		time.Sleep(10 * time.Millisecond)
	}
	if n := app.flakyFailures.Load(); n >= 0 {
		t.Errorf("flaky asset requested %d times, want a failed then a retried fetch", 1-n)
	}

	app.down.Store(true)
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/static/flaky.js", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "content of /static/flaky.js" {
		t.Errorf("precached asset offline = %d %q", rec.Code, rec.Body.String())
	}
}

func TestActivateResetsNetworkHealth(t *testing.T) {
	app := newFakeApp(t)
	a := newAgent(t, openDB(t), app, "v1", nil)

	a.Monitor.ReportFailure()
	a.Monitor.ReportFailure()
	if !a.Monitor.ForcedOffline() {
		t.Fatal("expected forced offline after two failures")
	}
	if err := a.Activate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if a.Monitor.Snapshot().ConsecutiveFailures != 0 || a.Monitor.ForcedOffline() {
		t.Errorf("health after activate = %+v", a.Monitor.Snapshot())
	}
}

func TestRejectionIsAnnounced(t *testing.T) {
	app := newFakeApp(t)
	app.postCode.Store(http.StatusUnprocessableEntity)
	a := newAgent(t, openDB(t), app, "v1", nil)
	ctx := context.Background()

	msgs, cancel := a.Hub.Subscribe()
	defer cancel()

	if _, err := a.Interceptor.Submit(ctx, intercept.Draft{
		FormAction: "/relatorios/novo",
		Fields:     map[string]string{"projeto_id": "999", "descricao": "trinca"},
	}); err != nil {
		t.Fatal(err)
	}
	res, err := a.Queue.DrainNow(ctx)
	if err != nil || res.Rejected != 1 {
		t.Fatalf("drain = %+v, %v", res, err)
	}

	select {
	case m := <-msgs:
		if m.Type != "notification" || m.Event == nil || m.Event.Body != "Relatório do projeto 999: trinca: projeto inexistente" {
			t.Errorf("message = %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("rejection not announced")
	}

	st, err := a.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Rejections != 1 || st.QueueDepth != 0 || st.PendingReports != 1 {
		t.Errorf("status = %+v", st)
	}
}

func TestRecoveryTriggersDrain(t *testing.T) {
	app := newFakeApp(t)
	a := newAgent(t, openDB(t), app, "v1", nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app.down.Store(true)
	if _, err := a.Interceptor.Submit(ctx, intercept.Draft{
		FormAction: "/relatorios/novo",
		Fields:     map[string]string{"projeto_id": "42", "descricao": "vazamento"},
	}); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		a.Worker.Run(ctx)
		close(done)
	}()

	// The first pass fails against the down server and backs off.
	deadline := time.Now().Add(2 * time.Second)
	for {
		items, _ := a.Queue.Pending(context.Background())
		if len(items) == 1 && items[0].Attempts > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first drain pass never ran")
		}
		time.Sleep(10 * time.Millisecond)
	}

	app.down.Store(false)
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/qualquer", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("page load after recovery = %d", rec.Code)
	}

	deadline = time.Now().Add(2 * time.Second)
	for {
		items, _ := a.Queue.Pending(context.Background())
		if len(items) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("queue not drained after connectivity returned")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if app.posts.Load() != 1 {
		t.Errorf("posts = %d, want 1", app.posts.Load())
	}
	cancel()
	<-done
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")
	os.WriteFile(path, []byte(`["/static/app.js", "/static/app.css"]`), 0o644)

	assets, err := LoadManifest(path)
	if err != nil || len(assets) != 2 || assets[0] != "/static/app.js" {
		t.Errorf("LoadManifest = %v, %v", assets, err)
	}
	if assets, err := LoadManifest(""); err != nil || assets != nil {
		t.Errorf("empty path = %v, %v", assets, err)
	}
	if _, err := LoadManifest(filepath.Join(dir, "nope.json")); err == nil {
		t.Error("missing manifest accepted")
	}
	bad := filepath.Join(dir, "bad.json")
	os.WriteFile(bad, []byte(`{"not":"array"}`), 0o644)
	if _, err := LoadManifest(bad); err == nil {
		t.Error("malformed manifest accepted")
	}
}
