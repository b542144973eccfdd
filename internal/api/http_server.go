package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"fintrack/internal/config"
	"fintrack/internal/metrics"
	"fintrack/internal/models"
	"fintrack/internal/offline"
	"fintrack/internal/remote"
	"fintrack/internal/service"
	"fintrack/internal/worker"

	"github.com/rs/zerolog"
)

const maxBodySize = 1 << 20

// RecordService performs record writes and reads.
type RecordService interface {
	Create(ctx context.Context, table models.Table, rec models.Record) (offline.Result, error)
	Update(ctx context.Context, table models.Table, id string, patch map[string]any) (offline.Result, error)
	Delete(ctx context.Context, table models.Table, id string) (offline.Result, error)
	List(ctx context.Context, table models.Table) ([]map[string]any, error)
}

// Syncer runs a replay pass on demand.
type Syncer interface {
	TriggerManualReplay(ctx context.Context) (worker.Report, error)
}

// OutboxCounter reports the outbox size.
type OutboxCounter interface {
	Count(ctx context.Context) (int, error)
}

// ConnectivityReporter reports the last observed connectivity state.
type ConnectivityReporter interface {
	Online() bool
}

// Deps are the collaborators served by the HTTP API.
type Deps struct {
	Records      RecordService
	Sync         Syncer
	Outbox       OutboxCounter
	Connectivity ConnectivityReporter
	Hub          *Hub
}

// collections maps URL names to remote tables.
var collections = map[string]models.Table{
	"revenues":          models.TableRevenues,
	"company-expenses":  models.TableCompanyExpenses,
	"personal-expenses": models.TablePersonalExpenses,
}

// HTTPServer exposes the record API, the sync controls, and the event stream.
type HTTPServer struct {
	cfg    config.APIConfig
	deps   Deps
	server *http.Server
	auth   *HTTPAuth
	logger *zerolog.Logger
}

func NewHTTPServer(cfg config.APIConfig, deps Deps, logger *zerolog.Logger) *HTTPServer {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	mux := http.NewServeMux()
	srv := &HTTPServer{cfg: cfg, deps: deps, logger: logger}
	srv.auth = NewHTTPAuth(cfg)

	mux.HandleFunc("GET /healthz", srv.handleHealth)
	mux.HandleFunc("POST /api/v1/sync", srv.handleSync)
	mux.HandleFunc("GET /api/v1/outbox", srv.handleOutbox)
	mux.HandleFunc("POST /api/v1/{collection}", srv.handleCreate)
	mux.HandleFunc("GET /api/v1/{collection}", srv.handleList)
	mux.HandleFunc("PATCH /api/v1/{collection}/{id}", srv.handleUpdate)
	mux.HandleFunc("DELETE /api/v1/{collection}/{id}", srv.handleDelete)
	if deps.Hub != nil {
		mux.Handle("GET /ws", deps.Hub)
	}

	handler := loggingMiddleware(logger, srv.auth.Wrap(mux))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return srv
}

// Handler returns the root handler, middleware included.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	if s.deps.Hub != nil {
		s.deps.Hub.Close()
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	table, ok := collectionTable(w, r)
	if !ok {
		return
	}

	rec, err := models.NewRecord(table)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown collection")
		return
	}
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res, err := s.deps.Records.Create(r.Context(), table, rec)
	if err != nil {
		s.writeRecordError(w, err)
		return
	}
	writeResult(w, http.StatusCreated, res)
}

func (s *HTTPServer) handleUpdate(w http.ResponseWriter, r *http.Request) {
	table, ok := collectionTable(w, r)
	if !ok {
		return
	}

	var patch map[string]any
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	decoder.UseNumber()
	if err := decoder.Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res, err := s.deps.Records.Update(r.Context(), table, r.PathValue("id"), patch)
	if err != nil {
		s.writeRecordError(w, err)
		return
	}
	writeResult(w, http.StatusOK, res)
}

func (s *HTTPServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	table, ok := collectionTable(w, r)
	if !ok {
		return
	}

	res, err := s.deps.Records.Delete(r.Context(), table, r.PathValue("id"))
	if err != nil {
		s.writeRecordError(w, err)
		return
	}
	writeResult(w, http.StatusOK, res)
}

func (s *HTTPServer) handleList(w http.ResponseWriter, r *http.Request) {
	table, ok := collectionTable(w, r)
	if !ok {
		return
	}

	rows, err := s.deps.Records.List(r.Context(), table)
	if err != nil {
		s.writeRecordError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": rows})
}

func (s *HTTPServer) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sync == nil {
		writeError(w, http.StatusServiceUnavailable, "sync is not configured")
		return
	}

	report, err := s.deps.Sync.TriggerManualReplay(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "report": report})
	case errors.Is(err, worker.ErrOperationsRemaining):
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "pending", "report": report})
	default:
		s.logger.Error().Err(err).Msg("Manual replay failed")
		writeError(w, http.StatusInternalServerError, "replay failed")
	}
}

func (s *HTTPServer) handleOutbox(w http.ResponseWriter, r *http.Request) {
	if s.deps.Outbox == nil {
		writeError(w, http.StatusServiceUnavailable, "outbox is not configured")
		return
	}

	n, err := s.deps.Outbox.Count(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Outbox count failed")
		writeError(w, http.StatusInternalServerError, "outbox unavailable")
		return
	}
	metrics.SetOutboxPending(n)

	online := true
	if s.deps.Connectivity != nil {
		online = s.deps.Connectivity.Online()
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": n, "online": online})
}

func collectionTable(w http.ResponseWriter, r *http.Request) (models.Table, bool) {
	table, ok := collections[r.PathValue("collection")]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown collection")
		return "", false
	}
	return table, true
}

func writeResult(w http.ResponseWriter, appliedStatus int, res offline.Result) {
	if res.Outcome == offline.OutcomeOfflineAccepted {
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status":       string(offline.OutcomeOfflineAccepted),
			"operation_id": res.OperationID,
		})
		return
	}
	writeJSON(w, appliedStatus, res.Record)
}

func (s *HTTPServer) writeRecordError(w http.ResponseWriter, err error) {
	var (
		apiErr  *remote.APIError
		respErr *remote.ResponseError
	)
	switch {
	case errors.Is(err, models.ErrValidation),
		errors.Is(err, models.ErrInvalidDescriptor),
		errors.Is(err, service.ErrMissingID):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &apiErr):
		status := apiErr.StatusCode
		// Upstream auth failures and server errors are ours to report as a bad gateway.
		if status == http.StatusUnauthorized || status == http.StatusForbidden || status >= 500 || status < 400 {
			status = http.StatusBadGateway
		}
		writeJSON(w, status, map[string]string{"error": apiErr.Message, "code": apiErr.Code})
	case errors.As(err, &respErr):
		s.logger.Warn().Err(err).Msg("Remote store answered with an unreadable body")
		writeError(w, http.StatusBadGateway, "unreadable response from remote store")
	case offline.IsConnectivityError(err):
		writeError(w, http.StatusServiceUnavailable, "remote store unreachable")
	default:
		s.logger.Error().Err(err).Msg("Request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func loggingMiddleware(logger *zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		endpoint := r.Pattern
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.IncHTTP(endpoint)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("dur", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets WebSocket upgrades pass through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
