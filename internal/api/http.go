package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/miradorstack/mirador-remediation/internal/config"
	"github.com/miradorstack/mirador-remediation/internal/engine"
	"github.com/miradorstack/mirador-remediation/internal/incident"
	"github.com/miradorstack/mirador-remediation/internal/models"
	"github.com/miradorstack/mirador-remediation/internal/utils"
)

// maxBodyBytes bounds request bodies on every endpoint.
const maxBodyBytes = 4 << 20

// Error codes in JSON error bodies.
const (
	CodeNotFound        = "not_found"
	CodeInvalidState    = "invalid_state"
	CodeConflict        = "conflict"
	CodeInvalidArgument = "invalid_argument"
	CodeInternal        = "internal"
)

// IncidentGateway is the approval gateway as seen by transports.
type IncidentGateway interface {
	Approve(ctx context.Context, req models.ApproveRequest) (models.Incident, error)
	Reject(ctx context.Context, req models.RejectRequest) (models.Incident, error)
	Inspect(ctx context.Context, id string) (models.Incident, error)
	List(ctx context.Context, filter models.ListFilter) ([]models.Incident, error)
}

// SampleIngester accepts raw samples.
type SampleIngester interface {
	Ingest(samples []models.Sample) engine.IngestResult
}

// ThresholdSource exposes the active threshold set.
type ThresholdSource interface {
	Current() *config.ThresholdSet
}

// HTTPDeps wires the HTTP gateway. Events and Latencies are optional.
type HTTPDeps struct {
	Logger     *slog.Logger
	Gateway    IncidentGateway
	Ingester   SampleIngester
	Thresholds ThresholdSource
	Ping       func(ctx context.Context) error
	Latencies  func() map[string]utils.LatencySummary
	Events     *EventHub
}

type httpHandler struct {
	HTTPDeps
}

// ErrorBody is the JSON shape of every non-2xx response.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// NewRouter builds the HTTP gateway.
func NewRouter(deps HTTPDeps) *mux.Router {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	h := &httpHandler{HTTPDeps: deps}

	r := mux.NewRouter()
	r.Use(h.recoverPanics, h.logRequests)
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/samples", h.ingest).Methods(http.MethodPost)
	v1.HandleFunc("/sessions", h.listSessions).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}", h.inspect).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}/approve", h.approve).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}/reject", h.reject).Methods(http.MethodPost)
	v1.HandleFunc("/thresholds", h.thresholds).Methods(http.MethodGet)
	if deps.Events != nil {
		v1.HandleFunc("/events", deps.Events.ServeWS).Methods(http.MethodGet)
	}
	return r
}

// wireSample is the accepted JSON shape of a sample. The timestamp may be RFC3339 text or
// unix seconds.
type wireSample struct {
	Service   string   `json:"service"`
	Timestamp wireTime `json:"timestamp"`
	IsError   bool     `json:"is_error"`
	Level     string   `json:"level"`
	Message   string   `json:"message"`
}

type wireTime struct{ time.Time }

func (w *wireTime) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" || raw == `""` {
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		unquoted, err := strconv.Unquote(raw)
		if err != nil {
			return err
		}
		raw = unquoted
	}
	// an unparseable timestamp stays zero so the sample is dropped on its own, not the batch
	if t, err := utils.ParseTimestamp(raw); err == nil {
		w.Time = t
	}
	return nil
}

func (h *httpHandler) ingest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidArgument, "read body: "+err.Error())
		return
	}
	wire, err := decodeSamples(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidArgument, err.Error())
		return
	}
	samples := make([]models.Sample, 0, len(wire))
	for _, s := range wire {
		samples = append(samples, models.Sample{
			Service:   s.Service,
			Timestamp: s.Timestamp.Time,
			IsError:   s.IsError,
			Level:     s.Level,
			Message:   s.Message,
		})
	}
	writeJSON(w, http.StatusOK, h.Ingester.Ingest(samples))
}

// decodeSamples accepts a single sample, an array, or {"samples": [...]}.
func decodeSamples(body []byte) ([]wireSample, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, errors.New("empty body")
	}
	if trimmed[0] == '[' {
		var out []wireSample
		if err := json.Unmarshal(trimmed, &out); err != nil {
			return nil, fmt.Errorf("decode samples: %w", err)
		}
		return out, nil
	}
	var envelope struct {
		Samples []wireSample `json:"samples"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err == nil && envelope.Samples != nil {
		return envelope.Samples, nil
	}
	var single wireSample
	if err := json.Unmarshal(trimmed, &single); err != nil {
		return nil, fmt.Errorf("decode sample: %w", err)
	}
	return []wireSample{single}, nil
}

func (h *httpHandler) listSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.ListFilter{Service: q.Get("service")}
	if err := ParseState(q.Get("state"), &filter); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidArgument, err.Error())
		return
	}
	if raw := q.Get("open"); raw != "" {
		open, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, CodeInvalidArgument, "open must be a boolean")
			return
		}
		filter.OpenOnly = open
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, CodeInvalidArgument, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}

	incidents, err := h.Gateway.List(r.Context(), filter)
	if err != nil {
		h.writeGatewayError(w, r, err)
		return
	}
	if incidents == nil {
		incidents = []models.Incident{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": incidents, "count": len(incidents)})
}

func (h *httpHandler) inspect(w http.ResponseWriter, r *http.Request) {
	inc, err := h.Gateway.Inspect(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeGatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (h *httpHandler) approve(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeDecision(w, r)
	if !ok {
		return
	}
	inc, err := h.Gateway.Approve(r.Context(), models.ApproveRequest{
		IncidentID:      mux.Vars(r)["id"],
		Actor:           body.Actor,
		Note:            body.Note,
		ExpectedVersion: body.ExpectedVersion,
	})
	if err != nil {
		h.writeGatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (h *httpHandler) reject(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeDecision(w, r)
	if !ok {
		return
	}
	inc, err := h.Gateway.Reject(r.Context(), models.RejectRequest{
		IncidentID:      mux.Vars(r)["id"],
		Actor:           body.Actor,
		Note:            body.Note,
		ExpectedVersion: body.ExpectedVersion,
	})
	if err != nil {
		h.writeGatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func decodeDecision(w http.ResponseWriter, r *http.Request) (DecisionBody, bool) {
	var body DecisionBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidArgument, "decode body: "+err.Error())
		return body, false
	}
	if body.ExpectedVersion < 0 {
		writeError(w, http.StatusBadRequest, CodeInvalidArgument, "expected_version must not be negative")
		return body, false
	}
	return body, true
}

func (h *httpHandler) thresholds(w http.ResponseWriter, r *http.Request) {
	set := h.Thresholds.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"version":   set.Version,
		"source":    set.Source,
		"loaded_at": set.LoadedAt,
		"default":   set.Default,
		"services":  set.Services,
	})
}

func (h *httpHandler) health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	code := http.StatusOK
	if h.Ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Ping(ctx); err != nil {
			resp["status"] = "degraded"
			resp["store"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	if h.Thresholds != nil {
		set := h.Thresholds.Current()
		resp["thresholds_version"] = set.Version
		resp["default_threshold"] = set.Default
	}
	if h.Latencies != nil {
		resp["collaborators"] = h.Latencies()
	}
	if h.Events != nil {
		resp["event_subscribers"] = h.Events.Subscribers()
	}
	writeJSON(w, code, resp)
}

// StatusForError maps gateway errors onto HTTP status codes and error codes.
func StatusForError(err error) (int, string) {
	switch {
	case errors.Is(err, incident.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, incident.ErrConflict):
		return http.StatusConflict, CodeConflict
	case errors.Is(err, incident.ErrInvalidState):
		return http.StatusConflict, CodeInvalidState
	case errors.Is(err, incident.ErrInvalidArgument):
		return http.StatusBadRequest, CodeInvalidArgument
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

func (h *httpHandler) writeGatewayError(w http.ResponseWriter, r *http.Request, err error) {
	code, name := StatusForError(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		h.Logger.Error("gateway request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		msg = "transition not applied: store failure"
	}
	writeError(w, code, name, msg)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorBody{Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (h *httpHandler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.Logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

func (h *httpHandler) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				h.Logger.Error("http handler panic", slog.String("path", r.URL.Path), slog.Any("panic", rec))
				writeError(w, http.StatusInternalServerError, CodeInternal, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
