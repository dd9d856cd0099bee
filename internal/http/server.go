package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/CyberFlameGO/ceresdb/pkg/config"
	"github.com/CyberFlameGO/ceresdb/pkg/dberrors"
	"github.com/CyberFlameGO/ceresdb/pkg/store"
	"github.com/CyberFlameGO/ceresdb/pkg/types"
	"github.com/go-chi/chi/v5"
)

const (
	contentTypeJSON        = "application/json"
	contentTypeText        = "text/plain; version=0.0.4"
	defaultHTTPPort        = 8080
	defaultShutdownTimeout = time.Second * 5
	defaultScanLimit       = 1000
	maxBodyBytes           = 32 << 20
)

type iEngine interface {
	Table(name string) (*store.Table, error)
	Tables() []string
}

type iMetricsWriter interface {
	WriteText(w io.Writer) error
}

// Server is the admin and data HTTP API over an engine.
type Server struct {
	engine     iEngine
	metrics    iMetricsWriter
	logger     *slog.Logger
	cfg        config.ServerConfig
	httpServer *http.Server
	URL        string
	addr       string
}

// NewServer creates a new server instance. metrics may be nil.
func NewServer(engine iEngine, metrics iMetricsWriter, cfg config.ServerConfig, logger *slog.Logger) *Server {
	if cfg.Port == 0 {
		cfg.Port = defaultHTTPPort
	}
	if logger == nil {
		logger = slog.Default()
	}
	port := strconv.Itoa(cfg.Port)
	return &Server{
		engine:  engine,
		metrics: metrics,
		logger:  logger.With("component", "http"),
		cfg:     cfg,
		URL:     "http://localhost:" + port,
		addr:    ":" + port,
	}
}

// Start starts the server
func (s *Server) Start() error {
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/tables", s.handleTables)

	r.Route("/tables/{table}", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Get("/segments", s.handleSegments)
		r.Get("/quarantine", s.handleQuarantine)
		r.Post("/quarantine/{id}/{action}", s.handleResolve)
		r.Post("/flush", s.handleFlush)
		r.Post("/compact", s.handleCompact)
		r.Post("/rows", s.handleWrite)
		r.Delete("/rows", s.handleDelete)
		r.Get("/rows", s.handleRows)
	})

	return r
}

func (s *Server) startHTTPServer() error {
	timeout := s.cfg.ReadHeaderTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: timeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()

	s.logger.Info("HTTP server started", "addr", s.URL)
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	s.writeJSON(w, status, NewErrorResponse(err.Error()))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrTableNotFound), errors.Is(err, dberrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dberrors.ErrInvalidArgument), errors.Is(err, dberrors.ErrSchemaMismatch):
		return http.StatusBadRequest
	case errors.Is(err, dberrors.ErrStaleWatermark):
		return http.StatusGone
	case errors.Is(err, dberrors.ErrBackpressure), errors.Is(err, dberrors.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) table(w http.ResponseWriter, r *http.Request) (*store.Table, bool) {
	t, err := s.engine.Table(chi.URLParam(r, "table"))
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	return t, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", contentTypeText)
	if s.metrics == nil {
		return
	}
	if err := s.metrics.WriteText(w); err != nil {
		s.logger.Warn("Failed to write metrics response", "error", err)
	}
}

func (s *Server) handleTables(w http.ResponseWriter, r *http.Request) {
	names := s.engine.Tables()
	stats := make([]store.Stats, 0, len(names))
	for _, name := range names {
		t, err := s.engine.Table(name)
		if err != nil {
			// closed in between
			continue
		}
		stats = append(stats, t.Stats())
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(stats))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	t, ok := s.table(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(t.Stats()))
}

func (s *Server) handleSegments(w http.ResponseWriter, r *http.Request) {
	t, ok := s.table(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(t.Segments()))
}

func (s *Server) handleQuarantine(w http.ResponseWriter, r *http.Request) {
	t, ok := s.table(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(t.Quarantined()))
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	t, ok := s.table(w, r)
	if !ok {
		return
	}

	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Invalid segment id"))
		return
	}

	var restore bool
	switch chi.URLParam(r, "action") {
	case "restore":
		restore = true
	case "drop":
	default:
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Action must be restore or drop"))
		return
	}

	if err := t.ResolveQuarantine(r.Context(), id, restore); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

// handleFlush waits for the flush unless wait=false is passed.
func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	t, ok := s.table(w, r)
	if !ok {
		return
	}

	h, err := t.Flush(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if r.URL.Query().Get("wait") != "false" {
		if err := h.Wait(r.Context()); err != nil {
			s.writeError(w, err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	t, ok := s.table(w, r)
	if !ok {
		return
	}

	res, err := t.Compact(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(res))
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	t, ok := s.table(w, r)
	if !ok {
		return
	}

	payload, err := decodeRows(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	sc := t.Schema()
	rows, err := rowsFromPayload(&sc, payload.Rows, false)
	if err != nil {
		s.writeError(w, err)
		return
	}

	seq, err := t.Write(r.Context(), rows)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSeqResponse(seq))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	t, ok := s.table(w, r)
	if !ok {
		return
	}

	payload, err := decodeRows(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	sc := t.Schema()
	keys, err := rowsFromPayload(&sc, payload.Rows, true)
	if err != nil {
		s.writeError(w, err)
		return
	}

	seq, err := t.Delete(r.Context(), keys)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSeqResponse(seq))
}

// handleRows looks up one row when every key column is given in the query
// and scans otherwise. Scans take from and to as a timestamp range, limit
// and watermark.
func (s *Server) handleRows(w http.ResponseWriter, r *http.Request) {
	t, ok := s.table(w, r)
	if !ok {
		return
	}
	sc := t.Schema()
	q := r.URL.Query()

	watermark, err := parseUint(q.Get("watermark"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	keyRow, point, err := keyFromQuery(&sc, q)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if point {
		rec, found, err := t.Get(r.Context(), keyRow, watermark)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if !found {
			s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Row not found"))
			return
		}
		s.writeJSON(w, http.StatusOK, NewDataResponse(RecordView{Seq: rec.Seq, Row: rowView(&sc, rec.Row)}))
		return
	}

	req := store.ScanRequest{ReadWatermark: watermark}
	if q.Has("from") || q.Has("to") {
		tr := types.AllTime
		if tr.Start, err = parseInt(q.Get("from"), tr.Start); err != nil {
			s.writeError(w, err)
			return
		}
		if tr.End, err = parseInt(q.Get("to"), tr.End); err != nil {
			s.writeError(w, err)
			return
		}
		req.TimeRange = &tr
	}
	limit := defaultScanLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Invalid limit"))
			return
		}
		limit = n
	}
	req.BatchSize = min(limit, 1024)

	it, err := t.Scan(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer it.Close()

	res := ScanResult{Watermark: it.Watermark(), Rows: make([]RecordView, 0)}
	for it.Next() {
		for _, rec := range it.Batch() {
			if len(res.Rows) == limit {
				res.More = true
				break
			}
			res.Rows = append(res.Rows, RecordView{Seq: rec.Seq, Row: rowView(&sc, rec.Row)})
		}
		if res.More {
			break
		}
	}
	if err := it.Err(); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(res))
}

func decodeRows(r *http.Request) (RowsPayload, error) {
	var p RowsPayload
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(&p); err != nil {
		return RowsPayload{}, fmt.Errorf("%w: %v", dberrors.ErrInvalidArgument, err)
	}
	return p, nil
}

func parseUint(v string) (uint64, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a sequence number", dberrors.ErrInvalidArgument, v)
	}
	return n, nil
}

func parseInt(v string, def int64) (int64, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a timestamp", dberrors.ErrInvalidArgument, v)
	}
	return n, nil
}
