package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/AuralisLabs/CastKit/fanout"
	"github.com/AuralisLabs/CastKit/logger"
	"github.com/AuralisLabs/CastKit/monitor"
	"github.com/AuralisLabs/CastKit/taskerr"
	"github.com/AuralisLabs/CastKit/telemetry"
)

// bodyOverhead is the JSON envelope allowance on top of the text limit
// when bounding request bodies.
const bodyOverhead = 4096

// NewHandler builds the HTTP API around a Service.
func NewHandler(svc *Service) http.Handler {
	h := &handler{svc: svc}

	r := mux.NewRouter()
	r.HandleFunc("/api/tts/submit", h.submit).Methods(http.MethodPost)
	r.HandleFunc("/api/task/retry/{text_id}", h.retry).Methods(http.MethodPost)
	r.HandleFunc("/api/task/status/{text_id}", h.status).Methods(http.MethodGet)
	r.HandleFunc("/api/task/stream/{text_id}", h.stream).Methods(http.MethodGet)
	r.HandleFunc("/api/monitor/stats", h.stats).Methods(http.MethodGet)
	r.HandleFunc("/api/diagnose", h.diagnose).Methods(http.MethodGet)
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)

	return telemetry.TraceMiddleware(r)
}

type handler struct {
	svc *Service
}

type errorResponse struct {
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

func (h *handler) submit(w http.ResponseWriter, r *http.Request) {
	// A submission never legitimately exceeds the text cap by much; stop
	// reading before an oversized body is fully buffered.
	r.Body = http.MaxBytesReader(w, r.Body, int64(h.svc.cfg.Tasks.MaxTextChars)*4+bodyOverhead)

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, taskerr.Wrap(taskerr.KindInput, "decode submission", err))
		return
	}

	receipt, err := h.svc.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, receiptStatus(receipt.Outcome), receipt)
}

func (h *handler) retry(w http.ResponseWriter, r *http.Request) {
	receipt, err := h.svc.Retry(r.Context(), mux.Vars(r)["text_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, receiptStatus(receipt.Outcome), receipt)
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	task, err := h.svc.Task(r.Context(), mux.Vars(r)["text_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *handler) stream(w http.ResponseWriter, r *http.Request) {
	textID := mux.Vars(r)["text_id"]

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, taskerr.New(taskerr.KindInternal, "connection does not support streaming"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sent := false
	sink := fanout.SinkFunc(func(evt monitor.Event) error {
		data, err := json.Marshal(evt)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		sent = true
		return nil
	})

	err := h.svc.Stream(r.Context(), textID, sink)
	switch {
	case err == nil:
	case !sent:
		// Nothing on the wire yet; a normal error response still fits.
		writeError(w, err)
	case errors.Is(err, r.Context().Err()):
		// Subscriber disconnected.
	default:
		logger.Warn("event stream ended", "text_id", textID, "error", err)
	}
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *handler) diagnose(w http.ResponseWriter, r *http.Request) {
	d := h.svc.Diagnose(r.Context())
	status := http.StatusOK
	if !d.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, d)
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// receiptStatus maps an admission outcome to its HTTP status.
func receiptStatus(o Outcome) int {
	switch o {
	case OutcomeAccepted, OutcomeDispatched:
		return http.StatusAccepted
	case OutcomeSkipped:
		return http.StatusOK
	default:
		return http.StatusConflict
	}
}

// writeError maps the error taxonomy to user-visible responses: 400 for
// input errors, 404 for unknown ids, 503 for overload and provider
// trouble, 500 otherwise.
func writeError(w http.ResponseWriter, err error) {
	kind := taskerr.KindOf(err)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, taskerr.ErrNotFound):
		status = http.StatusNotFound
	case kind == taskerr.KindInput:
		status = http.StatusBadRequest
	case kind == taskerr.KindTransientProvider:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, errorResponse{Kind: string(kind), Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("encode response", "error", err)
	}
}
