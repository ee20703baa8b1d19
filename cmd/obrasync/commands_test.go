package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/kalambet/obrasync/internal/api"
	"github.com/kalambet/obrasync/internal/cache"
	"github.com/kalambet/obrasync/internal/config"
	"github.com/kalambet/obrasync/internal/syncq"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

// useClient points the commands at ts for the duration of the test.
func useClient(t *testing.T, ts *testServer) {
	t.Helper()
	old := newAPIClient
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	t.Cleanup(func() { newAPIClient = old })
}

var ctx = context.Background()

// execute runs the CLI with args and resets the flags it touched.
func execute(t *testing.T, args ...string) error {
	t.Helper()
	defer rootCmd.SetArgs(nil)
	cmd, _, err := rootCmd.Find(args)
	if err == nil {
		t.Cleanup(func() {
			cmd.Flags().Visit(func(f *pflag.Flag) {
				f.Value.Set(f.DefValue)
				f.Changed = false
			})
		})
	}
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func TestSyncCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /sync": `{"delivered":2,"rejected":1,"failed":0,"remaining":0,"stopped":false}`,
	})

	res, err := runSync(ctx, ts.client())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Delivered != 2 || res.Rejected != 1 {
		t.Errorf("result = %+v", res)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Method != "POST" || r.Path != "/sync" {
		t.Errorf("request = %s %s, want POST /sync", r.Method, r.Path)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
}

func TestSyncCommand_Conflict(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":{"message":"a sync pass is already running","type":"conflict"}}`))
	}))
	defer ts.Close()

	client := &apiClient{baseURL: ts.URL, token: "t", httpClient: ts.Client()}
	_, err := runSync(ctx, client)
	if err == nil {
		t.Fatal("expected error for 409 response")
	}
	if !strings.Contains(err.Error(), "409") {
		t.Errorf("error = %q, want it to contain 409", err.Error())
	}
}

func TestPendingCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /pending": `[{"queue_item_id":"q1","report_id":"5f0c2a9e-0000","description":"Relatório do projeto 42","enqueued_at":"2026-03-01T10:00:00Z","attempts":0,"next_attempt_at":"2026-03-01T10:00:00Z","photos":[{"id":"p1","category":"Geral","position":0,"size":10}]}]`,
	})
	useClient(t, ts)

	client, err := newAPIClient()
	if err != nil {
		t.Fatal(err)
	}
	resp, err := client.get(ctx, "/pending")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var pending []api.PendingReport
	if err := decodeJSON(resp, &pending); err != nil {
		t.Fatalf("decode error: %v", err)
	}

	old := noColor
	noColor = true
	defer func() { noColor = old }()

	var out bytes.Buffer
	printPending(&out, pending)
	got := out.String()
	if !strings.Contains(got, "5f0c2a9e") || !strings.Contains(got, "1 photo(s)") || !strings.Contains(got, "Relatório do projeto 42") {
		t.Errorf("output = %q", got)
	}
	if strings.Contains(got, "attempts:") {
		t.Errorf("untried report should not print attempts: %q", got)
	}
}

func TestPrintPending_Empty(t *testing.T) {
	var out bytes.Buffer
	printPending(&out, nil)
	if out.String() != "No pending reports.\n" {
		t.Errorf("output = %q", out.String())
	}
}

func TestRejectionsCommand_All(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /rejections": `[{"id":"rej-1","type":"report","data_id":"r1","description":"Relatório do projeto 9","reason":"obra encerrada","status_code":422,"attempts":1,"rejected_at":"2026-03-01T10:00:00Z","acknowledged":true}]`,
	})
	useClient(t, ts)

	if err := execute(t, "rejections", "--all"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ts.requests) != 1 || ts.requests[0].Path != "/rejections?all=true" {
		t.Fatalf("requests = %+v", ts.requests)
	}
}

func TestPrintRejections(t *testing.T) {
	old := noColor
	noColor = true
	defer func() { noColor = old }()

	var out bytes.Buffer
	printRejections(&out, []syncq.Rejection{
		{ID: "rej-1", Description: "Relatório do projeto 9", Reason: "obra encerrada", StatusCode: 422, RejectedAt: time.Now()},
		{ID: "rej-2", Description: "Relatório do projeto 3", Reason: "too many attempts", Acknowledged: true, RejectedAt: time.Now()},
	})
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %q", lines)
	}
	if !strings.Contains(lines[0], "HTTP 422") || !strings.Contains(lines[0], "obra encerrada") {
		t.Errorf("line 0 = %q", lines[0])
	}
	if !strings.Contains(lines[1], "(acknowledged)") || strings.Contains(lines[1], "HTTP") {
		t.Errorf("line 1 = %q", lines[1])
	}
}

func TestRejectionAckAndRetryPaths(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /rejections/rej 1/ack":   `{"status":"acknowledged"}`,
		"POST /rejections/rej 1/retry": `{"id":"q9","type":"report","data_id":"abcdef0123","description":"x","attempts":0}`,
	})
	useClient(t, ts)

	if err := execute(t, "rejections", "ack", "rej 1"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := execute(t, "rejections", "retry", "rej 1"); err != nil {
		t.Fatalf("retry: %v", err)
	}

	if len(ts.requests) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(ts.requests))
	}
	if ts.requests[0].Path != "/rejections/rej%201/ack" {
		t.Errorf("ack path = %q", ts.requests[0].Path)
	}
	if ts.requests[1].Path != "/rejections/rej%201/retry" {
		t.Errorf("retry path = %q", ts.requests[1].Path)
	}
}

func TestNotifyCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /events": `{"delivered":1}`,
	})
	useClient(t, ts)

	if err := execute(t, "notify", "--title", "Sincronizado", "--url", "/relatorios"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["title"] != "Sincronizado" {
		t.Errorf("body.title = %v", body["title"])
	}
	data, _ := body["data"].(map[string]any)
	if data["url"] != "/relatorios" {
		t.Errorf("body.data = %v", body["data"])
	}
}

func TestNotifyCommand_TitleRequired(t *testing.T) {
	err := execute(t, "notify", "--body", "x")
	if err == nil {
		t.Fatal("expected error for missing title")
	}
	if !strings.Contains(err.Error(), "required") {
		t.Errorf("error = %q, want it to mention 'required'", err.Error())
	}
}

func TestStatus_Stopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	_, err := fetchStatus(ctx, ts.client())
	if err == nil {
		t.Fatal("expected error for stopped agent")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestFetchStatus(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /status": `{"network":{"consecutive_failures":2,"forced_offline":true},"online":false,"queue_depth":3,"pending_reports":3,"rejections":1,"storage_used":2048,"storage_quota":536870912,"namespaces":{"core":"obrasync-core-v2"},"connected_pages":1}`,
	})

	st, err := fetchStatus(ctx, ts.client())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.Online || !st.Network.ForcedOffline || st.QueueDepth != 3 || st.Namespaces["core"] != "obrasync-core-v2" {
		t.Errorf("status = %+v", st)
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
		w.Write([]byte(`{"error":{"message":"unauthorized","type":"auth_error"}}`))
	}))
	defer ts.Close()

	client := &apiClient{
		baseURL:    ts.URL,
		token:      "bad-token",
		httpClient: ts.Client(),
	}

	resp, err := client.get(ctx, "/status")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("error = %q, want it to contain '401'", err.Error())
	}
}

func TestConfigShowAll(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Port = 4100
	cfg.Upstream.BaseURL = "https://app.example.com"

	keys := config.ShowAll(cfg)
	if len(keys) == 0 {
		t.Fatal("expected non-empty keys from ShowAll")
	}

	found := false
	for _, k := range keys {
		if k.Key == "upstream.base_url" && k.Value == "https://app.example.com" {
			found = true
		}
	}
	if !found {
		t.Error("expected to find upstream.base_url in ShowAll output")
	}
}

func TestAgentConfig(t *testing.T) {
	cfg := config.Config{}
	cfg.Upstream.BaseURL = "https://app.example.com"
	cfg.Upstream.Timeout = "3s"
	cfg.Network.ForcedOffline = "soon"
	cfg.Sync.Interval = "-1m"
	cfg.Storage.QuotaMB = 2
	cfg.Cache.ObrasVersion = "v4"

	ac := agentConfig(cfg, []string{"/static/app.js"})
	if ac.UpstreamTimeout != 3*time.Second {
		t.Errorf("UpstreamTimeout = %v", ac.UpstreamTimeout)
	}
	if ac.ForcedOffline != 30*time.Second {
		t.Errorf("ForcedOffline = %v, want default 30s", ac.ForcedOffline)
	}
	if ac.SyncInterval != time.Minute {
		t.Errorf("SyncInterval = %v, want default 1m", ac.SyncInterval)
	}
	if ac.QuotaBytes != 2<<20 {
		t.Errorf("QuotaBytes = %d", ac.QuotaBytes)
	}
	if ac.Versions[cache.RoleObras] != "v4" || len(ac.Manifest) != 1 {
		t.Errorf("config = %+v", ac)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{2048, "2.0 KiB"},
		{512 << 20, "512.0 MiB"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.n); got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestPrintSyncResult(t *testing.T) {
	oldOut, oldColor := messages, noColor
	defer func() { messages, noColor = oldOut, oldColor }()
	noColor = true

	tests := []struct {
		res  syncq.DrainResult
		want string
	}{
		{syncq.DrainResult{Delivered: 3}, "✓ Delivered 3, queue empty\n"},
		{syncq.DrainResult{Delivered: 1, Rejected: 1}, "⚠ Delivered 1, rejected 1, 0 still pending\n"},
		{syncq.DrainResult{Remaining: 2, Stopped: true}, "⚠ Delivered 0, stopped early with 2 still pending\n"},
		{syncq.DrainResult{Delivered: 1, Remaining: 1}, "⚠ Delivered 1, 1 still pending\n"},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		messages = &buf
		printSyncResult(tt.res)
		if buf.String() != tt.want {
			t.Errorf("printSyncResult(%+v) = %q, want %q", tt.res, buf.String(), tt.want)
		}
	}
}

func TestDecodeJSON_UsesEnvelopeMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"message":"rejection not found","type":"not_found"}}`))
	}))
	defer ts.Close()

	client := &apiClient{baseURL: ts.URL, token: "t", httpClient: ts.Client()}
	resp, err := client.post(ctx, "/rejections/x/ack", nil)
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}
	err = decodeJSON(resp, &struct{}{})
	if err == nil || err.Error() != "server returned 404: rejection not found" {
		t.Errorf("error = %v", err)
	}
}
