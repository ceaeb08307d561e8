package web

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"blocksync/internal/app"
	"blocksync/internal/availability"
	"blocksync/internal/config"
	appLog "blocksync/internal/log"
	"blocksync/internal/metrics"
	"blocksync/internal/reconcile"
	"blocksync/internal/sweep"
)

// Backend is what the status server reads from. *app.Runner implements it.
type Backend interface {
	LastSync() *app.InvocationReport
	LastSweep() *sweep.Report
	Free(ctx context.Context, extended bool) ([]availability.Window, error)
	ExportBlocks(ctx context.Context, w io.Writer) error
}

// Server exposes health, the last run reports, free windows, the blocks
// ICS feed and metrics.
type Server struct {
	cfg     *config.Config
	backend Backend
	metrics *metrics.Metrics
	mux     *http.ServeMux

	// Free windows need a blocker listing plus feed fetches; cache them
	// briefly per mode.
	freeMu    sync.Mutex
	freeCache map[bool]*freeCache
	now       func() time.Time
}

const freeCacheTTL = 30 * time.Second

type freeCache struct {
	resp      freeResponse
	updatedAt time.Time
}

// NewServer constructs a new Server. m may be nil.
func NewServer(cfg *config.Config, backend Backend, m *metrics.Metrics) *Server {
	s := &Server{
		cfg:       cfg,
		backend:   backend,
		metrics:   m,
		mux:       http.NewServeMux(),
		freeCache: make(map[bool]*freeCache),
		now:       time.Now,
	}
	s.registerRoutes()
	return s
}

// Handler returns the routed handler wrapped with metrics and, when
// configured, basic auth.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		h = s.basicAuthMiddleware(h)
	}
	return s.instrument(h)
}

func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty credentials disable auth.
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
			w.Header().Set("WWW-Authenticate", `Basic realm="blocksync", charset="UTF-8"`)
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

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

var knownRoutes = map[string]bool{
	"/health":     true,
	"/api/report": true,
	"/api/free":   true,
	"/blocks.ics": true,
	"/metrics":    true,
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		path := r.URL.Path
		if !knownRoutes[path] {
			path = "other"
		}
		s.metrics.ObserveHTTPRequest(r.Method, path, rec.status, time.Since(started))
	})
}

// Run serves on cfg.Listen until ctx is cancelled, then shuts down.
func (s *Server) Run(ctx context.Context) error {
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
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/report", s.handleReport)
	s.mux.HandleFunc("/api/free", s.handleFree)
	s.mux.HandleFunc("/blocks.ics", s.handleBlocks)
	s.mux.Handle("/metrics", s.metrics.Handler())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// calendarDTO adds the pass error, which the report keeps out of JSON.
type calendarDTO struct {
	*reconcile.CalendarReport
	Failure string `json:"error,omitempty"`
}

type syncDTO struct {
	DryRun    bool          `json:"dry_run"`
	Started   time.Time     `json:"started"`
	Duration  string        `json:"duration"`
	Failures  int           `json:"failures"`
	Calendars []calendarDTO `json:"calendars"`
}

type reportResponse struct {
	Sync  *syncDTO      `json:"sync"`
	Sweep *sweep.Report `json:"sweep"`
}

// handleReport returns the most recent sync and sweep reports. Either is
// null until it has run once.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	resp := reportResponse{Sweep: s.backend.LastSweep()}
	if inv := s.backend.LastSync(); inv != nil {
		dto := &syncDTO{
			DryRun:    inv.DryRun,
			Started:   inv.Started,
			Duration:  inv.Duration.String(),
			Failures:  inv.Failures(),
			Calendars: make([]calendarDTO, 0, len(inv.Calendars)),
		}
		for _, c := range inv.Calendars {
			dto.Calendars = append(dto.Calendars, calendarDTO{CalendarReport: c, Failure: c.Error()})
		}
		resp.Sync = dto
	}
	writeJSON(w, http.StatusOK, resp)
}

type windowDTO struct {
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Minutes  int       `json:"minutes"`
	Extended bool      `json:"extended"`
	Label    string    `json:"label"`
}

type freeResponse struct {
	Extended bool        `json:"extended"`
	TimeZone string      `json:"timezone"`
	Windows  []windowDTO `json:"windows"`
}

// handleFree lists free windows.
//
// GET /api/free?extended=1
func (s *Server) handleFree(w http.ResponseWriter, r *http.Request) {
	extended := parseBool(r.URL.Query().Get("extended"))

	s.freeMu.Lock()
	fc := s.freeCache[extended]
	s.freeMu.Unlock()
	if fc != nil && s.now().Sub(fc.updatedAt) < freeCacheTTL {
		writeJSON(w, http.StatusOK, fc.resp)
		return
	}

	windows, err := s.backend.Free(r.Context(), extended)
	if err != nil {
		appLog.Error("api free: computing windows failed", err)
		writeError(w, http.StatusInternalServerError, "failed to compute free windows")
		return
	}

	loc := s.cfg.Location()
	resp := freeResponse{
		Extended: extended,
		TimeZone: loc.String(),
		Windows:  make([]windowDTO, 0, len(windows)),
	}
	for _, win := range windows {
		resp.Windows = append(resp.Windows, windowDTO{
			Start:    win.Start,
			End:      win.End,
			Minutes:  int(win.Duration().Minutes()),
			Extended: win.Extended,
			Label:    availability.Format(win, loc),
		})
	}

	s.freeMu.Lock()
	s.freeCache[extended] = &freeCache{resp: resp, updatedAt: s.now()}
	s.freeMu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

// handleBlocks serves the blocker calendar as an ICS feed.
func (s *Server) handleBlocks(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := s.backend.ExportBlocks(r.Context(), &buf); err != nil {
		appLog.Error("blocks export failed", err)
		writeError(w, http.StatusInternalServerError, "failed to export blocks")
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `inline; filename="blocks.ics"`)
	_, _ = w.Write(buf.Bytes())
}

func parseBool(s string) bool {
	if s == "" {
		return false
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false
	}
	return v
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
