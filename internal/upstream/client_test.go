package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

const formPage = `<html><head><meta name="csrf-token" content="meta-token"></head>
<body><form method="post"><input type="hidden" name="csrf_token" value="fresh-token"><input name="descricao"></form></body></html>`

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient(srv.URL, 2*time.Second)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestNewClient_InvalidBaseURL(t *testing.T) {
	for _, raw := range []string{"", "relatorios", "://bad"} {
		if _, err := NewClient(raw, 0); err == nil {
			t.Errorf("NewClient(%q) succeeded, want error", raw)
		}
	}
}

func TestResolve_RefusesForeignHost(t *testing.T) {
	c, err := NewClient("https://app.example.com", 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Resolve("https://evil.example.net/x"); err == nil {
		t.Error("Resolve accepted a foreign host")
	}
	u, err := c.Resolve("/relatorios/novo")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if u.String() != "https://app.example.com/relatorios/novo" {
		t.Errorf("Resolve = %s", u)
	}
}

func TestForward_PassesThroughResponse(t *testing.T) {
	var gotCookie, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCookie = r.Header.Get("Cookie")
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<h1>obras</h1>")
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	r := httptest.NewRequest(http.MethodGet, "http://127.0.0.1:4100/obras?page=2", nil)
	r.AddCookie(&http.Cookie{Name: "session", Value: "s1"})

	resp, err := c.Forward(context.Background(), r)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if resp.Status != http.StatusOK || string(resp.Body) != "<h1>obras</h1>" {
		t.Errorf("resp = %d %q", resp.Status, resp.Body)
	}
	if gotCookie != "session=s1" {
		t.Errorf("Cookie = %q", gotCookie)
	}
	if gotQuery != "page=2" {
		t.Errorf("query = %q", gotQuery)
	}
}

func TestForward_DoesNotFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/login", http.StatusFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	resp, err := c.Forward(context.Background(), httptest.NewRequest(http.MethodGet, "/obras", nil))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if resp.Status != http.StatusFound {
		t.Errorf("status = %d, want 302", resp.Status)
	}
}

func TestForward_ServerErrorIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	resp, err := c.Forward(context.Background(), httptest.NewRequest(http.MethodGet, "/obras", nil))
	if !IsNetworkError(err) {
		t.Fatalf("err = %v, want NetworkError", err)
	}
	if resp == nil || resp.Status != http.StatusBadGateway {
		t.Errorf("resp = %+v, want the 502 response alongside the error", resp)
	}
}

func TestForward_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c, err := NewClient(srv.URL, 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Forward(context.Background(), httptest.NewRequest(http.MethodGet, "/obras", nil))
	if !IsNetworkError(err) {
		t.Fatalf("err = %v, want NetworkError on timeout", err)
	}
	if IsCanceled(err) {
		t.Error("a timeout must not be reported as caller cancellation")
	}
}

func TestForward_CallerCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Forward(ctx, httptest.NewRequest(http.MethodGet, "/obras", nil))
	if IsNetworkError(err) {
		t.Fatalf("err = %v, cancellation must not look like a network failure", err)
	}
	if !IsCanceled(err) {
		t.Errorf("IsCanceled(%v) = false", err)
	}
}

func TestSubmitReport_SendsFreshTokenAndPayload(t *testing.T) {
	var got map[string]any
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			fmt.Fprint(w, formPage)
		case http.MethodPost:
			gotHeader = r.Header.Get("X-CSRFToken")
			body, _ := io.ReadAll(r.Body)
			if err := json.Unmarshal(body, &got); err != nil {
				t.Errorf("decoding payload: %v", err)
			}
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, `{"ok":true}`)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	err := c.SubmitReport(context.Background(), "/relatorios/novo", ReportPayload{
		Fields: map[string]string{"projeto_id": "42", "descricao": "vazamento"},
		Photos: []Photo{
			{ID: "p1", TempID: "p1", Category: "Geral", ManuallyAdded: true, Order: 0, Data: []byte{1, 2}},
			{ID: "p2", TempID: "p2", Category: "Fachada", ManuallyAdded: true, Order: 1, Data: []byte{3}},
		},
		Checklist: []ChecklistItem{{Item: "EPI", Checked: true, Observacao: "ok"}},
	})
	if err != nil {
		t.Fatalf("SubmitReport: %v", err)
	}

	if gotHeader != "fresh-token" {
		t.Errorf("X-CSRFToken = %q, want fresh-token", gotHeader)
	}
	if got["csrf_token"] != "fresh-token" {
		t.Errorf("csrf_token = %v", got["csrf_token"])
	}
	if got["projeto_id"] != "42" || got["descricao"] != "vazamento" {
		t.Errorf("fields = %v", got)
	}
	fotos, ok := got["fotos"].([]any)
	if !ok || len(fotos) != 2 {
		t.Fatalf("fotos = %v, want 2 entries", got["fotos"])
	}
	first := fotos[0].(map[string]any)
	if first["local"] != "Geral" || first["manually_added"] != true || first["ordem"] != float64(0) {
		t.Errorf("fotos[0] = %v", first)
	}
	checklist, ok := got["checklist_data"].(string)
	if !ok {
		t.Fatalf("checklist_data = %T, want a JSON string", got["checklist_data"])
	}
	var items []ChecklistItem
	if err := json.Unmarshal([]byte(checklist), &items); err != nil || len(items) != 1 || items[0].Item != "EPI" {
		t.Errorf("checklist_data = %q (%v)", checklist, err)
	}
}

func TestSubmitReport_Classification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		location string
		body     string
		check    func(t *testing.T, err error)
	}{
		{"created", http.StatusCreated, "", "", func(t *testing.T, err error) {
			if err != nil {
				t.Errorf("err = %v, want nil", err)
			}
		}},
		{"redirect to report", http.StatusSeeOther, "/relatorios/9", "", func(t *testing.T, err error) {
			if err != nil {
				t.Errorf("err = %v, want nil", err)
			}
		}},
		{"redirect to login", http.StatusFound, "/login?next=/relatorios", "", func(t *testing.T, err error) {
			if !errors.Is(err, ErrUnauthenticated) {
				t.Errorf("err = %v, want ErrUnauthenticated", err)
			}
		}},
		{"unauthorized", http.StatusUnauthorized, "", "", func(t *testing.T, err error) {
			if !errors.Is(err, ErrUnauthenticated) {
				t.Errorf("err = %v, want ErrUnauthenticated", err)
			}
		}},
		{"validation", http.StatusUnprocessableEntity, "", `{"error":"projeto_id inválido"}`, func(t *testing.T, err error) {
			rej, ok := AsRejection(err)
			if !ok {
				t.Fatalf("err = %v, want Rejection", err)
			}
			if rej.Status != 422 || rej.Reason != "projeto_id inválido" {
				t.Errorf("rejection = %+v", rej)
			}
		}},
		{"throttled", http.StatusTooManyRequests, "", "", func(t *testing.T, err error) {
			if !IsNetworkError(err) {
				t.Errorf("err = %v, want NetworkError", err)
			}
		}},
		{"server error", http.StatusInternalServerError, "", "", func(t *testing.T, err error) {
			if !IsNetworkError(err) {
				t.Errorf("err = %v, want NetworkError", err)
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method == http.MethodGet {
					fmt.Fprint(w, formPage)
					return
				}
				if tt.location != "" {
					w.Header().Set("Location", tt.location)
				}
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			c := newTestClient(t, srv)
			err := c.SubmitReport(context.Background(), "/relatorios/novo", ReportPayload{Fields: map[string]string{"a": "b"}})
			tt.check(t, err)
		})
	}
}

func TestSubmitReport_UsesSessionFromBrowserTraffic(t *testing.T) {
	var submitCookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/login":
			http.SetCookie(w, &http.Cookie{Name: "session", Value: "logged-in", Path: "/"})
			fmt.Fprint(w, "ok")
		case r.Method == http.MethodGet:
			fmt.Fprint(w, formPage)
		default:
			submitCookie = r.Header.Get("Cookie")
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	if _, err := c.Forward(context.Background(), httptest.NewRequest(http.MethodPost, "/login", strings.NewReader("u=1"))); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if err := c.SubmitReport(context.Background(), "/relatorios/novo", ReportPayload{}); err != nil {
		t.Fatalf("SubmitReport: %v", err)
	}
	if !strings.Contains(submitCookie, "session=logged-in") {
		t.Errorf("submission Cookie = %q, want the session set during browsing", submitCookie)
	}
}

func TestSubmitReport_NetworkDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	c := newTestClient(t, srv)
	srv.Close()

	err := c.SubmitReport(context.Background(), "/relatorios/novo", ReportPayload{})
	if !IsNetworkError(err) {
		t.Errorf("err = %v, want NetworkError", err)
	}
}

func TestExtractCSRFToken(t *testing.T) {
	tests := []struct {
		name string
		page string
		want string
	}{
		{"hidden input", `<form><input type="hidden" name="csrf_token" value="abc"></form>`, "abc"},
		{"laravel style", `<input name="_token" value="xyz"/>`, "xyz"},
		{"meta tag", `<head><meta name="csrf-token" content="m1"></head>`, "m1"},
		{"none", `<form><input name="descricao"></form>`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractCSRFToken(strings.NewReader(tt.page)); got != tt.want {
				t.Errorf("ExtractCSRFToken = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReportPayload_EmptyCollections(t *testing.T) {
	b, err := json.Marshal(ReportPayload{Fields: map[string]string{"x": "1"}})
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatal(err)
	}
	if fotos, ok := got["fotos"].([]any); !ok || len(fotos) != 0 {
		t.Errorf("fotos = %v, want []", got["fotos"])
	}
	if got["checklist_data"] != "[]" {
		t.Errorf("checklist_data = %v, want \"[]\"", got["checklist_data"])
	}
	if _, ok := got["csrf_token"]; ok {
		t.Error("csrf_token present without a token")
	}
}
