package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/felipemaragno/retryq/internal/domain"
	"github.com/felipemaragno/retryq/internal/observability"
	"github.com/felipemaragno/retryq/internal/retryq"
	"github.com/felipemaragno/retryq/internal/session"
	"github.com/felipemaragno/retryq/internal/topology"
)

const cancelTimeout = time.Second

// Scheduler is the part of a session the HTTP surface drives.
type Scheduler interface {
	Submit(ctx context.Context, req *domain.Request, cb session.Callback) error
	Stats(ctx context.Context) (session.Stats, error)
	Entries(ctx context.Context) ([]retryq.Snapshot, error)
	Signal(ctx context.Context) error
	ResetTimeouts(ctx context.Context) error
	Cancel(ctx context.Context, req *domain.Request) (bool, error)
}

// ClusterControl exposes fault injection on a simulated cluster.
type ClusterControl interface {
	Map() *topology.VBucketMap
	FailNode(server int)
	RecoverNode(server int)
	Failover(server int) error
	Publish()
}

type Handler struct {
	scheduler Scheduler
	cluster   ClusterControl
	observer  func(*domain.Response)
	logger    *slog.Logger
}

// NewHandler builds the API handler. cluster may be nil, which disables the
// fault injection routes. observer, when set, sees every response served.
func NewHandler(scheduler Scheduler, cluster ClusterControl, observer func(*domain.Response), logger *slog.Logger) *Handler {
	return &Handler{
		scheduler: scheduler,
		cluster:   cluster,
		observer:  observer,
		logger:    logger,
	}
}

type SubmitRequest struct {
	Opcode       string `json:"opcode"`
	Key          string `json:"key"`
	Value        string `json:"value,omitempty"`
	CollectionID uint32 `json:"collection_id,omitempty"`
	TimeoutMS    int64  `json:"timeout_ms,omitempty"`
}

type SubmitResponse struct {
	RequestID    string `json:"request_id"`
	Status       string `json:"status"`
	Outcome      string `json:"outcome"`
	ErrorContext string `json:"error_context,omitempty"`
	Attempts     int    `json:"attempts"`
	Server       int    `json:"server"`
	ElapsedMS    int64  `json:"elapsed_ms"`
	Value        string `json:"value,omitempty"`
}

// SubmitOperation dispatches one KV operation and waits for its single
// response.
func (h *Handler) SubmitOperation(w http.ResponseWriter, r *http.Request) {
	var body SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Key == "" || body.Opcode == "" {
		h.respondError(w, http.StatusBadRequest, "opcode and key are required")
		return
	}
	op, err := domain.ParseOpcode(body.Opcode)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	req := domain.NewRequest(op, []byte(body.Key), time.Time{})
	req.Value = []byte(body.Value)
	req.CollectionID = body.CollectionID
	if body.TimeoutMS > 0 {
		req.Timeout = time.Duration(body.TimeoutMS) * time.Millisecond
	}

	ctx := observability.ContextWithOperationID(r.Context(), req.ID)
	logger := observability.LoggerFromContext(ctx)

	done := make(chan *domain.Response, 1)
	if err := h.scheduler.Submit(ctx, req, func(resp *domain.Response) { done <- resp }); err != nil {
		if errors.Is(err, domain.ErrQueueClosed) {
			h.respondError(w, http.StatusServiceUnavailable, "session closed")
			return
		}
		logger.Error("failed to submit operation", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to submit operation")
		return
	}

	select {
	case resp := <-done:
		if h.observer != nil {
			h.observer(resp)
		}
		logger.Debug("operation completed", "status", resp.Status, "attempts", resp.Attempts)
		h.respondJSON(w, statusCodeFor(resp), SubmitResponse{
			RequestID:    resp.RequestID,
			Status:       resp.Status.String(),
			Outcome:      string(resp.Outcome),
			ErrorContext: resp.ErrorContext,
			Attempts:     resp.Attempts,
			Server:       resp.Server,
			ElapsedMS:    resp.Elapsed.Milliseconds(),
			Value:        string(resp.Value),
		})
	case <-ctx.Done():
		logger.Warn("client went away before response", "error", ctx.Err())
		cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
		defer cancel()
		if _, err := h.scheduler.Cancel(cancelCtx, req); err != nil {
			logger.Warn("failed to cancel abandoned operation", "error", err)
		}
		h.respondError(w, http.StatusGatewayTimeout, "request cancelled")
	}
}

func statusCodeFor(resp *domain.Response) int {
	switch resp.Outcome {
	case domain.OutcomeCompleted:
		return http.StatusOK
	case domain.OutcomeTimedOut:
		return http.StatusGatewayTimeout
	}
	switch resp.Status {
	case domain.StatusKeyNotFound:
		return http.StatusNotFound
	case domain.StatusKeyExists:
		return http.StatusConflict
	case domain.StatusShutdown:
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}

type QueueResponse struct {
	Stats   session.Stats     `json:"stats"`
	Entries []retryq.Snapshot `json:"entries"`
}

func (h *Handler) GetQueue(w http.ResponseWriter, r *http.Request) {
	stats, err := h.scheduler.Stats(r.Context())
	if err != nil {
		h.logger.Error("failed to get queue stats", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to get queue stats")
		return
	}
	entries, err := h.scheduler.Entries(r.Context())
	if err != nil {
		h.logger.Error("failed to get queue entries", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to get queue entries")
		return
	}
	if entries == nil {
		entries = []retryq.Snapshot{}
	}
	h.respondJSON(w, http.StatusOK, QueueResponse{Stats: stats, Entries: entries})
}

func (h *Handler) SignalQueue(w http.ResponseWriter, r *http.Request) {
	if err := h.scheduler.Signal(r.Context()); err != nil {
		h.logger.Error("failed to signal queue", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to signal queue")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) ResetTimeouts(w http.ResponseWriter, r *http.Request) {
	if err := h.scheduler.ResetTimeouts(r.Context()); err != nil {
		h.logger.Error("failed to reset timeouts", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to reset timeouts")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) GetClusterMap(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.cluster.Map())
}

// NodeAction applies fail, recover or failover to the node in the path.
func (h *Handler) NodeAction(w http.ResponseWriter, r *http.Request) {
	server, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || server < 0 || server >= len(h.cluster.Map().Servers) {
		h.respondError(w, http.StatusNotFound, "node not found")
		return
	}

	switch action := chi.URLParam(r, "action"); action {
	case "fail":
		h.cluster.FailNode(server)
	case "recover":
		h.cluster.RecoverNode(server)
	case "failover":
		if err := h.cluster.Failover(server); err != nil {
			h.logger.Error("failover failed", "error", err, "server", server)
			h.respondError(w, http.StatusInternalServerError, "failover failed")
			return
		}
	default:
		h.respondError(w, http.StatusBadRequest, "unknown action "+strconv.Quote(action))
		return
	}
	h.logger.Info("node action applied", "server", server, "action", chi.URLParam(r, "action"))
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) PublishMap(w http.ResponseWriter, r *http.Request) {
	h.cluster.Publish()
	w.WriteHeader(http.StatusAccepted)
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, errorResponse{Error: message})
}
