package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"TrancheVault/internal/core"
	"TrancheVault/internal/event"
	"TrancheVault/internal/ingestion"
	"TrancheVault/internal/observability"
	"TrancheVault/internal/query"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// replyTimeout bounds how long a synchronous HTTP caller waits for the core.
const replyTimeout = 10 * time.Second

// HTTPServer serves the synchronous command API and the read-only query API.
// Commands are forwarded to the settlement core through the request channel
// and the handler blocks on the per-request reply.
type HTTPServer struct {
	requests     chan<- core.Request
	queries      *query.QueryService
	health       *observability.HealthChecker
	metrics      *observability.Metrics
	log          zerolog.Logger
	server       *http.Server
	replyTimeout time.Duration
}

func NewHTTPServer(
	addr string,
	requests chan<- core.Request,
	queries *query.QueryService,
	health *observability.HealthChecker,
	metrics *observability.Metrics,
) *HTTPServer {
	s := &HTTPServer{
		requests:     requests,
		queries:      queries,
		health:       health,
		metrics:      metrics,
		log:          observability.NewLogger("http"),
		replyTimeout: replyTimeout,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(replyTimeout + 5*time.Second))

	r.Get("/healthz", health.LivenessHandler)
	r.Get("/readyz", health.ReadinessHandler)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/deposits", s.handleDeposit)
		r.Post("/settlements", s.handleSettle)
		r.Post("/pools", s.handleRegisterPool)

		r.Get("/interactions/{nonce}", s.handleGetInteraction)
		r.Get("/tranches/{trancheID}", s.handleGetTranche)
		r.Get("/tranches/{trancheID}/settlements", s.handleGetSettlements)
		r.Get("/pools", s.handleListPools)
	})

	s.server = &http.Server{
		Addr:    addr,
		Handler: r,
	}
	return s
}

// ListenAndServe blocks until the server stops.
func (s *HTTPServer) ListenAndServe() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("HTTP server listening")
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// --- Command handlers ---

func (s *HTTPServer) handleDeposit(w http.ResponseWriter, r *http.Request) {
	cmd, err := s.parseCommand(r, "DepositRequested")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, ok := s.dispatch(w, cmd)
	if !ok {
		return
	}
	if resp.Err != nil {
		writeCommandError(w, resp.Err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"nonce":    uint64(resp.Deposit.Nonce),
		"units":    resp.Deposit.Units,
		"notified": resp.Deposit.Notified,
	})
}

func (s *HTTPServer) handleSettle(w http.ResponseWriter, r *http.Request) {
	cmd, err := s.parseCommand(r, "SettleRequested")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, ok := s.dispatch(w, cmd)
	if !ok {
		return
	}
	if resp.Err != nil {
		writeCommandError(w, resp.Err)
		return
	}

	body := map[string]interface{}{
		"completed": resp.Settle.Completed,
		"allocated": resp.Settle.AllocatedAmount,
	}
	if !resp.Settle.Completed {
		body["failure_kind"] = resp.Settle.FailureKind.String()
		body["reason"] = resp.Settle.Reason
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *HTTPServer) handleRegisterPool(w http.ResponseWriter, r *http.Request) {
	cmd, err := s.parseCommand(r, "PoolRegistration")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, ok := s.dispatch(w, cmd)
	if !ok {
		return
	}
	if resp.Err != nil {
		writeCommandError(w, resp.Err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"pool_id":         resp.Pool.PoolID.String(),
		"tranche_address": resp.Pool.TrancheAddress.Hex(),
		"position_asset":  resp.Pool.PositionAsset.Hex(),
		"input_asset":     resp.Pool.InputAsset.Hex(),
		"expiry":          resp.Pool.Expiry,
	})
}

// parseCommand reuses the ingestion wire format so NATS and HTTP producers
// speak the same JSON.
func (s *HTTPServer) parseCommand(r *http.Request, commandType string) (event.Command, error) {
	defer r.Body.Close()

	data, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	return ingestion.ParseRawCommand(ingestion.RawCommand{
		Subject:   "http",
		Data:      data,
		Timestamp: time.Now(),
	}, commandType)
}

// dispatch sends a command to the core and waits for its reply. Returns
// ok=false if the reply did not arrive in time (the response is written).
// The send itself races the same deadline: a full request channel must not
// stall the handler past the reply timeout.
func (s *HTTPServer) dispatch(w http.ResponseWriter, cmd event.Command) (core.Response, bool) {
	reply := make(chan core.Response, 1)
	deadline := time.NewTimer(s.replyTimeout)
	defer deadline.Stop()

	select {
	case s.requests <- core.Request{Command: cmd, Reply: reply}:
	case <-deadline.C:
		writeError(w, http.StatusGatewayTimeout, errors.New("core did not accept the command in time"))
		return core.Response{}, false
	}

	select {
	case resp := <-reply:
		return resp, true
	case <-deadline.C:
		writeError(w, http.StatusGatewayTimeout, errors.New("core did not reply in time"))
		return core.Response{}, false
	}
}

// --- Query handlers ---

func (s *HTTPServer) handleGetInteraction(w http.ResponseWriter, r *http.Request) {
	nonce, err := strconv.ParseUint(chi.URLParam(r, "nonce"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid nonce"))
		return
	}

	res, err := s.queries.GetInteraction(r.Context(), nonce)
	s.recordQuery("interaction", err)
	if err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) handleGetTranche(w http.ResponseWriter, r *http.Request) {
	res, err := s.queries.GetTranche(r.Context(), chi.URLParam(r, "trancheID"))
	s.recordQuery("tranche", err)
	if err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) handleGetSettlements(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	var beforeSeq *int64
	if v := r.URL.Query().Get("before"); v != "" {
		seq, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("invalid before cursor"))
			return
		}
		beforeSeq = &seq
	}

	res, err := s.queries.GetSettlements(r.Context(), chi.URLParam(r, "trancheID"), limit, beforeSeq)
	s.recordQuery("settlements", err)
	if err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"settlements": res})
}

func (s *HTTPServer) handleListPools(w http.ResponseWriter, r *http.Request) {
	res, err := s.queries.ListPools(r.Context())
	s.recordQuery("pools", err)
	if err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pools": res})
}

func (s *HTTPServer) recordQuery(endpoint string, err error) {
	if s.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
}

// --- Response helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeCommandError maps core abort errors to HTTP status codes.
func writeCommandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrInvalidCaller):
		writeError(w, http.StatusUnauthorized, err)
	case errors.Is(err, core.ErrDuplicateNonce),
		errors.Is(err, core.ErrAlreadyFinalised),
		errors.Is(err, core.ErrNotYetDue):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, core.ErrUnknownNonce):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, core.ErrPoolNotFound),
		errors.Is(err, core.ErrInvalidInputAsset):
		writeError(w, http.StatusUnprocessableEntity, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeQueryError(w http.ResponseWriter, err error) {
	if errors.Is(err, query.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}
