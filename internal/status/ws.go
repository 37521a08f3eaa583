package status

import (
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"reportwatch/internal/event"

	"github.com/gorilla/websocket"
)

const (
	wsReadBufferSize  = 1024
	wsWriteBufferSize = 1024
	wsWriteTimeout    = 10 * time.Second
	maxCloseReason    = 123
)

type wsEventPayload struct {
	Type       string    `json:"type"`
	Path       string    `json:"path"`
	State      string    `json:"state,omitempty"`
	Complete   bool      `json:"complete,omitempty"`
	StatusCode int       `json:"status_code,omitempty"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

func newWSEventPayload(evt event.WatcherEvent) wsEventPayload {
	return wsEventPayload{
		Type:       evt.EventType,
		Path:       evt.Path,
		State:      evt.State,
		Complete:   evt.Complete,
		StatusCode: evt.StatusCode,
		Error:      evt.Error,
		OccurredAt: evt.OccurredAt,
	}
}

// handleEventStream streams watcher lifecycle events. ?history=N replays the
// newest N retained events first (an event published during the replay may
// arrive twice); ?path=dir limits the stream to one
// directory.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	bus := s.options.Events
	if bus == nil {
		http.Error(w, "event stream unavailable", http.StatusServiceUnavailable)
		return
	}

	history := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("history")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			http.Error(w, "invalid history", http.StatusBadRequest)
			return
		}
		history = parsed
	}
	pathFilter := strings.TrimSpace(r.URL.Query().Get("path"))
	matches := func(evt event.WatcherEvent) bool {
		return pathFilter == "" || evt.Path == pathFilter
	}

	output, cancel := bus.SubscribeFiltered(matches)
	if output == nil {
		http.Error(w, "event stream unavailable", http.StatusServiceUnavailable)
		return
	}
	defer cancel()

	upgrader := websocket.Upgrader{
		ReadBufferSize:  wsReadBufferSize,
		WriteBufferSize: wsWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r, s.options.AllowedOrigins)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", map[string]string{
			"path":  r.URL.Path,
			"error": err.Error(),
		})
		return
	}
	defer conn.Close()

	if history > 0 {
		for _, evt := range bus.History(history) {
			if !matches(evt) {
				continue
			}
			if err := writeEvent(conn, evt); err != nil {
				return
			}
		}
	}

	// The read loop only watches for the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			closeConn(conn, websocket.CloseGoingAway, "server shutting down")
			return
		case evt, ok := <-output:
			if !ok {
				closeConn(conn, websocket.CloseGoingAway, "event stream closed")
				return
			}
			if err := writeEvent(conn, evt); err != nil {
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, evt event.WatcherEvent) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(newWSEventPayload(evt))
}

func closeConn(conn *websocket.Conn, code int, reason string) {
	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}
	deadline := time.Now().Add(wsWriteTimeout)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}

// isOriginAllowed accepts same-host origins, or only the listed origins when
// any are configured. Requests without an Origin header are not browsers.
func isOriginAllowed(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	originHost := parsed.Hostname()
	if originHost == "" {
		return false
	}
	if len(allowed) > 0 {
		for _, candidate := range allowed {
			if strings.EqualFold(origin, candidate) || strings.EqualFold(originHost, candidate) {
				return true
			}
		}
		return false
	}
	requestHost := r.Host
	if host, _, err := net.SplitHostPort(requestHost); err == nil {
		requestHost = host
	}
	return strings.EqualFold(originHost, strings.Trim(requestHost, "[]"))
}
