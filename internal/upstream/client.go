// Package upstream talks to the field-reporting application server on behalf
// of the browser and the sync queue.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
)

const (
	DefaultTimeout = 8 * time.Second
	maxBodySize    = 32 << 20 // 32MB
	maxReasonLen   = 300
)

// hopHeaders are stripped from forwarded requests.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Accept-Encoding",
}

// Client communicates with the application server.
type Client struct {
	base    *url.URL
	timeout time.Duration
	jar     http.CookieJar
	// forward carries browser traffic, which brings its own cookies.
	forward *http.Client
	// session replays the last known browser session for background submissions.
	session *http.Client
	logger  *slog.Logger
}

// NewClient creates a client for the application at baseURL. Each network
// attempt is bounded by timeout.
func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid upstream base url %q", baseURL)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}
	noRedirect := func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	return &Client{
		base:    base,
		timeout: timeout,
		jar:     jar,
		forward: &http.Client{CheckRedirect: noRedirect},
		session: &http.Client{Jar: jar, CheckRedirect: noRedirect},
		logger:  slog.Default(),
	}, nil
}

// BaseURL returns a copy of the application base URL.
func (c *Client) BaseURL() *url.URL {
	u := *c.base
	return &u
}

// Timeout returns the per-attempt timeout.
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// Resolve turns a path or absolute URL into an absolute application URL.
// Absolute URLs pointing at another host are refused.
func (c *Client) Resolve(ref string) (*url.URL, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("parsing %q: %w", ref, err)
	}
	abs := c.base.ResolveReference(u)
	if abs.Host != c.base.Host {
		return nil, fmt.Errorf("url %q is not on the application host", ref)
	}
	return abs, nil
}

// Forward sends the browser request r to the application and reads the whole
// response. Throttling and server errors are returned together with the
// response as a *NetworkError so the caller can fall back to cached content.
func (c *Client) Forward(ctx context.Context, r *http.Request) (*Response, error) {
	target := c.base.ResolveReference(&url.URL{Path: r.URL.Path, RawQuery: r.URL.RawQuery})

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if r.Body != nil && r.Body != http.NoBody {
		body = r.Body
	}
	req, err := http.NewRequestWithContext(reqCtx, r.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header = r.Header.Clone()
	for _, h := range hopHeaders {
		req.Header.Del(h)
	}
	req.ContentLength = r.ContentLength

	if cookies := r.Cookies(); len(cookies) > 0 {
		c.jar.SetCookies(c.base, cookies)
	}

	resp, err := c.do(ctx, c.forward, req, "forward")
	if err != nil {
		return nil, err
	}
	if cookies := resp.cookies; len(cookies) > 0 {
		c.jar.SetCookies(target, cookies)
	}
	out := &Response{Status: resp.StatusCode, Header: resp.Header, Body: resp.body}
	if isUnavailable(resp.StatusCode) {
		return out, &NetworkError{Op: "forward " + r.URL.Path, Status: resp.StatusCode}
	}
	return out, nil
}

// SubmitReport delivers a queued report to formAction. It fetches the form
// page first to obtain a current anti-forgery token. A nil error means the
// application acknowledged the submission.
func (c *Client) SubmitReport(ctx context.Context, formAction string, p ReportPayload) error {
	target, err := c.Resolve(formAction)
	if err != nil {
		return err
	}

	token, err := c.fetchCSRFToken(ctx, target)
	if err != nil {
		return err
	}
	p.CSRFToken = token

	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, target.String(), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	if token != "" {
		req.Header.Set(csrfHeader, token)
	}

	resp, err := c.do(ctx, c.session, req, "submit")
	if err != nil {
		return err
	}
	return classifySubmission(target.Path, resp)
}

func (c *Client) fetchCSRFToken(ctx context.Context, target *url.URL) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target.String(), nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "text/html")

	resp, err := c.do(ctx, c.session, req, "csrf")
	if err != nil {
		return "", err
	}
	switch {
	case isUnavailable(resp.StatusCode):
		return "", &NetworkError{Op: "fetching form " + target.Path, Status: resp.StatusCode}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden || isLoginRedirect(resp):
		return "", ErrUnauthenticated
	case resp.StatusCode != http.StatusOK:
		// Some endpoints only accept POST; submit without a token and let
		// the application decide.
		c.logger.Debug("form page unavailable, submitting without token", "path", target.Path, "status", resp.StatusCode)
		return "", nil
	}
	return ExtractCSRFToken(bytes.NewReader(resp.body)), nil
}

// fetched is a response whose body has been read and closed.
type fetched struct {
	StatusCode int
	Header     http.Header
	cookies    []*http.Cookie
	body       []byte
}

func (c *Client) do(ctx context.Context, hc *http.Client, req *http.Request, kind string) (*fetched, error) {
	start := time.Now()
	defer func() { upstreamDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds()) }()

	resp, err := hc.Do(req)
	if err != nil {
		// Cancellation by the caller says nothing about the network.
		if ctx.Err() != nil {
			upstreamRequests.WithLabelValues(kind, "canceled").Inc()
			return nil, ctx.Err()
		}
		upstreamRequests.WithLabelValues(kind, "network_error").Inc()
		return nil, &NetworkError{Op: req.Method + " " + req.URL.Path, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		upstreamRequests.WithLabelValues(kind, "network_error").Inc()
		return nil, &NetworkError{Op: "reading " + req.URL.Path, Err: err}
	}
	upstreamRequests.WithLabelValues(kind, statusClass(resp.StatusCode)).Inc()
	return &fetched{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		cookies:    resp.Cookies(),
		body:       body,
	}, nil
}

func classifySubmission(path string, resp *fetched) error {
	switch {
	case isUnavailable(resp.StatusCode):
		return &NetworkError{Op: "submitting " + path, Status: resp.StatusCode}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthenticated
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		if isLoginRedirect(resp) {
			return ErrUnauthenticated
		}
		return nil
	case resp.StatusCode >= 400:
		return &Rejection{Status: resp.StatusCode, Reason: rejectionReason(resp.body)}
	}
	return nil
}

func isUnavailable(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout
}

func isLoginRedirect(resp *fetched) bool {
	if resp.StatusCode < 300 || resp.StatusCode >= 400 {
		return false
	}
	loc := strings.ToLower(resp.Header.Get("Location"))
	return strings.Contains(loc, "login")
}

// rejectionReason pulls a human-readable message out of an error body.
func rejectionReason(body []byte) string {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err == nil {
		for _, key := range []string{"error", "message", "erro", "mensagem", "errors"} {
			raw, ok := obj[key]
			if !ok {
				continue
			}
			var s string
			if json.Unmarshal(raw, &s) == nil && s != "" {
				return truncate(s)
			}
			var nested struct {
				Message string `json:"message"`
			}
			if json.Unmarshal(raw, &nested) == nil && nested.Message != "" {
				return truncate(nested.Message)
			}
			return truncate(string(raw))
		}
	}
	return truncate(strings.TrimSpace(string(body)))
}

func truncate(s string) string {
	r := []rune(s)
	if len(r) <= maxReasonLen {
		return s
	}
	return string(r[:maxReasonLen]) + "..."
}

func statusClass(status int) string {
	return fmt.Sprintf("%dxx", status/100)
}

// IsCanceled reports whether err comes from the caller giving up rather than
// from the network.
func IsCanceled(err error) bool {
	if IsNetworkError(err) {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
