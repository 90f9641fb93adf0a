package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"meetbell/internal/alert"
	"meetbell/internal/config"
	appLog "meetbell/internal/log"
	"meetbell/internal/model"
)

// EventReader reads the cached events.
type EventReader interface {
	Events(from, to time.Time) ([]model.CalendarEvent, error)
}

// AlertService is the alert engine surface exposed over HTTP.
type AlertService interface {
	Alerts() ([]model.ScheduledAlert, error)
	Snooze(ctx context.Context, alertID string, d time.Duration) (model.ScheduledAlert, error)
	AcknowledgeAlert(ctx context.Context, eventID string) error
}

// SyncStater reports sync bookkeeping.
type SyncStater interface {
	State() (model.SyncState, error)
}

// Deps are the daemon components the API reads from and drives.
type Deps struct {
	Events EventReader
	Alerts AlertService
	Sync   SyncStater
	// TriggerSync asks the poller for an immediate pass. Nil disables /api/sync.
	TriggerSync func()
	// ForceFullResync drops continuation tokens before a {"full": true}
	// trigger. Nil rejects full requests.
	ForceFullResync func() error
	Calendars   []string
	Now         func() time.Time
}

// Server provides the HTTP API for the running daemon.
type Server struct {
	cfg  *config.Config
	deps Deps
	mux  *http.ServeMux
	loc  *time.Location
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, deps Deps) *Server {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	loc, err := cfg.Location()
	if err != nil {
		appLog.Error("failed to load timezone; falling back to local", err, "name", cfg.Timezone)
		loc = time.Local
	}
	s := &Server{
		cfg:  cfg,
		deps: deps,
		mux:  http.NewServeMux(),
		loc:  loc,
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// An empty username or password counts as disabled.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="meetbell", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Serve listens on cfg.Listen until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.HandleFunc("GET /api/alerts", s.handleAlerts)
	s.mux.HandleFunc("POST /api/alerts/snooze", s.handleSnooze)
	s.mux.HandleFunc("POST /api/alerts/ack", s.handleAck)
	s.mux.HandleFunc("POST /api/sync", s.handleSync)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// eventsResponse is the JSON response shape for /api/events.
type eventsResponse struct {
	Events          []model.CalendarEvent `json:"events"`
	RangeStart      time.Time             `json:"range_start"`
	RangeEnd        time.Time             `json:"range_end"`
	DisplayTimeZone string                `json:"display_timezone"`
}

// handleEvents returns cached events overlapping [now, now+days).
//
// GET /api/events?days=7
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	days := parseIntDefault(r.URL.Query().Get("days"), 7)
	if days <= 0 {
		days = 7
	}

	now := s.deps.Now().In(s.loc)
	rangeEnd := now.AddDate(0, 0, days)

	events, err := s.deps.Events.Events(now, rangeEnd)
	if err != nil {
		appLog.Error("api events: read failed", err)
		writeError(w, http.StatusInternalServerError, "failed to read events")
		return
	}
	if events == nil {
		events = []model.CalendarEvent{}
	}
	writeJSON(w, http.StatusOK, eventsResponse{
		Events:          events,
		RangeStart:      now,
		RangeEnd:        rangeEnd,
		DisplayTimeZone: s.loc.String(),
	})
}

type alertsResponse struct {
	Alerts []model.ScheduledAlert `json:"alerts"`
}

func (s *Server) handleAlerts(w http.ResponseWriter, _ *http.Request) {
	alerts, err := s.deps.Alerts.Alerts()
	if err != nil {
		appLog.Error("api alerts: read failed", err)
		writeError(w, http.StatusInternalServerError, "failed to read alerts")
		return
	}
	if alerts == nil {
		alerts = []model.ScheduledAlert{}
	}
	writeJSON(w, http.StatusOK, alertsResponse{Alerts: alerts})
}

type snoozeRequest struct {
	ID      string `json:"id"`
	Seconds int    `json:"seconds"`
}

func (s *Server) handleSnooze(w http.ResponseWriter, r *http.Request) {
	var req snoozeRequest
	if err := decodeJSON(w, r, &req); err != nil || req.ID == "" {
		writeError(w, http.StatusBadRequest, "body must be {\"id\": string, \"seconds\": int}")
		return
	}
	a, err := s.deps.Alerts.Snooze(r.Context(), req.ID, time.Duration(req.Seconds)*time.Second)
	if err != nil {
		writeAlertError(w, "snooze", err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type ackRequest struct {
	EventID string `json:"event_id"`
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	var req ackRequest
	if err := decodeJSON(w, r, &req); err != nil || req.EventID == "" {
		writeError(w, http.StatusBadRequest, "body must be {\"event_id\": string}")
		return
	}
	if err := s.deps.Alerts.AcknowledgeAlert(r.Context(), req.EventID); err != nil {
		writeAlertError(w, "ack", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeAlertError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, alert.ErrAlertNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, alert.ErrInvalidSnooze):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		appLog.Error("api "+op+" failed", err)
		writeError(w, http.StatusInternalServerError, op+" failed")
	}
}

type syncRequest struct {
	Full bool `json:"full"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.deps.TriggerSync == nil {
		writeError(w, http.StatusServiceUnavailable, "sync is not running")
		return
	}
	var req syncRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "body must be empty or {\"full\": bool}")
		return
	}
	if req.Full {
		if s.deps.ForceFullResync == nil {
			writeError(w, http.StatusServiceUnavailable, "full resync is not available")
			return
		}
		if err := s.deps.ForceFullResync(); err != nil {
			appLog.Error("api sync: full resync failed", err)
			writeError(w, http.StatusInternalServerError, "failed to reset sync tokens")
			return
		}
	}
	s.deps.TriggerSync()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

type calendarStatus struct {
	ID        string `json:"id"`
	HasToken  bool   `json:"has_token"`
	LastError string `json:"last_error,omitempty"`
}

type statusResponse struct {
	LastFullSync *time.Time       `json:"last_full_sync,omitempty"`
	Calendars    []calendarStatus `json:"calendars"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st, err := s.deps.Sync.State()
	if err != nil {
		appLog.Error("api status: read failed", err)
		writeError(w, http.StatusInternalServerError, "failed to read sync state")
		return
	}

	ids := map[string]bool{}
	for _, id := range s.deps.Calendars {
		ids[id] = true
	}
	for id := range st.Tokens {
		ids[id] = true
	}
	for id := range st.LastError {
		ids[id] = true
	}

	resp := statusResponse{Calendars: make([]calendarStatus, 0, len(ids))}
	if !st.LastFullSync.IsZero() {
		t := st.LastFullSync
		resp.LastFullSync = &t
	}
	for id := range ids {
		resp.Calendars = append(resp.Calendars, calendarStatus{
			ID:        id,
			HasToken:  st.Tokens[id] != "",
			LastError: st.LastError[id],
		})
	}
	sort.Slice(resp.Calendars, func(i, j int) bool { return resp.Calendars[i].ID < resp.Calendars[j].ID })
	writeJSON(w, http.StatusOK, resp)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
