// Package notify relays notification events to the pages open in the
// browser and brings a page to a given URL when a notification is clicked.
package notify

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"
)

const (
	subscriberBuffer = 32
	pingInterval     = 30 * time.Second
	writeWait        = 5 * time.Second
)

// EventData is the payload a page acts on when the notification is clicked.
type EventData struct {
	URL string `json:"url,omitempty"`
}

// Event is one notification as delivered by the messaging service.
type Event struct {
	Title string    `json:"title"`
	Body  string    `json:"body,omitempty"`
	Icon  string    `json:"icon,omitempty"`
	Tag   string    `json:"tag,omitempty"`
	Data  EventData `json:"data"`
}

// Message is what connected pages receive. Type is "notification" or "focus".
type Message struct {
	Type  string `json:"type"`
	Event *Event `json:"event,omitempty"`
	URL   string `json:"url,omitempty"`
}

// Hub fans messages out to connected pages. A slow page loses messages
// rather than holding up the others.
type Hub struct {
	subs    *xsync.MapOf[uint64, chan Message]
	nextID  atomic.Uint64
	up      websocket.Upgrader
	appHost string
	logger  *slog.Logger
}

// NewHub creates a Hub. appHost is the application's own host: links to it
// are rewritten to paths served through the agent. Connections are only
// accepted from pages served by the agent itself.
func NewHub(appHost string) *Hub {
	return &Hub{
		subs:    xsync.NewMapOf[uint64, chan Message](),
		appHost: strings.ToLower(appHost),
		up: websocket.Upgrader{
			ReadBufferSize:  1 << 10,
			WriteBufferSize: 4 << 10,
			CheckOrigin:     sameOriginRequest,
		},
		logger: slog.Default(),
	}
}

// Subscribe registers a listener. The returned func unregisters it.
func (h *Hub) Subscribe() (<-chan Message, func()) {
	id := h.nextID.Add(1)
	ch := make(chan Message, subscriberBuffer)
	h.subs.Store(id, ch)
	connectedPages.Inc()
	var once atomic.Bool
	return ch, func() {
		if once.CompareAndSwap(false, true) {
			h.subs.Delete(id)
			connectedPages.Dec()
		}
	}
}

// Connected reports how many pages are listening.
func (h *Hub) Connected() int {
	return h.subs.Size()
}

// Publish delivers ev to every connected page and returns how many got it.
func (h *Hub) Publish(ev Event) (int, error) {
	if strings.TrimSpace(ev.Title) == "" {
		return 0, errors.New("notification has no title")
	}
	if ev.Data.URL != "" {
		u, err := h.localURL(ev.Data.URL)
		if err != nil {
			return 0, err
		}
		ev.Data.URL = u
	}
	n := h.broadcast(Message{Type: "notification", Event: &ev})
	published.WithLabelValues("notification").Inc()
	return n, nil
}

// Focus asks connected pages to show target. It reports whether any page was
// there to receive it.
func (h *Hub) Focus(target string) bool {
	n := h.broadcast(Message{Type: "focus", URL: target})
	published.WithLabelValues("focus").Inc()
	return n > 0
}

func (h *Hub) broadcast(m Message) int {
	delivered := 0
	h.subs.Range(func(id uint64, ch chan Message) bool {
		select {
		case ch <- m:
			delivered++
		default:
			dropped.Inc()
			h.logger.Warn("notification dropped, page not keeping up", "subscriber", id)
		}
		return true
	})
	return delivered
}

// ServeWS upgrades the request and streams messages until the page goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.up.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrading notification socket", "error", err)
		return
	}
	defer conn.Close()

	msgs, cancel := h.Subscribe()
	defer cancel()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case m := <-msgs:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(m); err != nil {
				h.logger.Debug("writing to notification socket", "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// OpenHandler handles a notification click: a connected page is told to go
// to the url parameter, otherwise the browser is redirected there. URLs that
// leave the agent's origin fall back to "/".
func (h *Hub) OpenHandler(w http.ResponseWriter, r *http.Request) {
	target, err := h.localURL(r.URL.Query().Get("url"))
	if err != nil {
		target = "/"
	}
	if h.Focus(target) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// localURL reduces raw to a path on the agent's own origin. Absolute URLs are
// accepted only when they point at a loopback host or the application.
func (h *Hub) localURL(raw string) (string, error) {
	if raw == "" {
		return "/", nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme != "" || u.Host != "" {
		web := u.Scheme == "http" || u.Scheme == "https"
		host := strings.ToLower(u.Hostname())
		known := isLoopback(host) || host == h.appHost
		if !web || !known {
			return "", errors.New("notification url leaves the app origin: " + raw)
		}
	}
	if !strings.HasPrefix(u.Path, "/") {
		u.Path = "/" + u.Path
	}
	out := url.URL{Path: u.Path, RawQuery: u.RawQuery, Fragment: u.Fragment}
	return out.String(), nil
}

func sameOriginRequest(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host) || isLoopback(u.Hostname())
}

func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
