// Package api serves the latest report, the report history and the bridge
// status over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/underpass.report/internal/bridge"
	"github.com/banshee-data/underpass.report/internal/httputil"
	"github.com/banshee-data/underpass.report/internal/monitoring"
	"github.com/banshee-data/underpass.report/internal/report"
	"github.com/banshee-data/underpass.report/internal/sink"
)

const (
	defaultHistoryLimit = 60
	maxHistoryLimit     = 10000
)

// StatusSource is implemented by *bridge.Bridge.
type StatusSource interface {
	Status() bridge.Status
}

// HistoryReader is implemented by *db.DB.
type HistoryReader interface {
	RecentReports(ctx context.Context, n int) ([]report.Report, error)
}

type Server struct {
	status   StatusSource
	snapshot *sink.SnapshotStore
	history  HistoryReader
}

// NewServer returns a Server. history may be nil when the history database
// is disabled.
func NewServer(status StatusSource, snapshot *sink.SnapshotStore, history HistoryReader) *Server {
	return &Server{
		status:   status,
		snapshot: snapshot,
		history:  history,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// LoggingMiddleware logs method, path, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.L().Debug().
			Int("status", lrw.statusCode).
			Str("method", r.Method).
			Str("uri", r.RequestURI).
			Float64("ms", float64(time.Since(start).Nanoseconds())/1e6).
			Msg("http request")
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/reports/latest", s.showLatest)
	mux.HandleFunc("/api/reports", s.listReports)
	mux.HandleFunc("/api/status", s.showStatus)
	return mux
}

// AttachAdminRoutes adds the bridge counters to the /debug/ index.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.KVFunc("Serial link", func() any { return s.status.Status().Serial })
	debug.KVFunc("Publisher link", func() any { return s.status.Status().Publisher })
	debug.KVFunc("Frames decoded", func() any { return s.status.Status().Demux.Frames })
	debug.KVFunc("Frames discarded", func() any { return s.status.Status().Demux.Discarded() })
	debug.KVFunc("Debug lines", func() any { return s.status.Status().Demux.DebugLines })
	debug.KVFunc("Buffer drops", func() any { return s.status.Status().Demux.BufferDrops })
	debug.KVFunc("Publish failures", func() any { return s.status.Status().Sink.PublishFailures })
	debug.KVFunc("Snapshot failures", func() any { return s.status.Status().Sink.SnapshotFailures })
	debug.HandleFunc("status", "Bridge status as JSON", s.showStatus)
}

func (s *Server) showLatest(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowGet(w, r) {
		return
	}

	latest, err := s.snapshot.Read()
	var serr *sink.SerializationError
	switch {
	case errors.Is(err, fs.ErrNotExist):
		httputil.WriteJSONError(w, http.StatusNotFound, "No report received yet")
	case errors.As(err, &serr):
		// caught the file mid-write; the client polls again
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "Snapshot is being updated")
	case err != nil:
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to read snapshot: %v", err))
	default:
		httputil.WriteJSON(w, http.StatusOK, latest)
	}
}

func (s *Server) listReports(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowGet(w, r) {
		return
	}
	if s.history == nil {
		httputil.WriteJSONError(w, http.StatusNotFound, "History is disabled")
		return
	}

	limit, err := httputil.QueryInt(r, "limit", defaultHistoryLimit, maxHistoryLimit)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	reports, err := s.history.RecentReports(r.Context(), limit)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve reports: %v", err))
		return
	}
	if reports == nil {
		reports = []report.Report{}
	}
	httputil.WriteJSON(w, http.StatusOK, reports)
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowGet(w, r) {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, s.status.Status())
}
