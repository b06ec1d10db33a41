// Package email is the notification sink the worker delivers receipts and
// closure notices to. Messages are validated and logged, not delivered.
package email

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	maxSubjectLength = 200
	maxBodyBytes     = 64 << 10
)

type Handler struct {
	logger *slog.Logger
	sent   metric.Int64Counter
}

func NewHandler(logger *slog.Logger) (*Handler, error) {
	sent, err := otel.Meter("email").Int64Counter("email.messages",
		metric.WithDescription("Messages accepted or rejected by the email sink"))
	if err != nil {
		return nil, err
	}
	return &Handler{
		logger: logger,
		sent:   sent,
	}, nil
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /send", h.HandleSend)
}

type sendRequest struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type sendResponse struct {
	Status string `json:"status"`
}

func (r sendRequest) validate() string {
	addr, err := mail.ParseAddress(r.To)
	if err != nil || addr.Address != r.To {
		return "to must be a bare email address"
	}
	if strings.TrimSpace(r.Subject) == "" {
		return "subject is required"
	}
	if len(r.Subject) > maxSubjectLength {
		return "subject is too long"
	}
	if strings.TrimSpace(r.Body) == "" {
		return "body is required"
	}
	return ""
}

func (h *Handler) HandleSend(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.record(r, "invalid")
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := req.validate(); msg != "" {
		h.record(r, "invalid")
		h.writeError(w, http.StatusBadRequest, msg)
		return
	}

	h.record(r, "sent")
	h.logger.Info("email sent", "to", req.To, "subject", req.Subject)

	h.writeJSON(w, http.StatusOK, sendResponse{Status: "sent"})
}

func (h *Handler) record(r *http.Request, result string) {
	h.sent.Add(r.Context(), 1, metric.WithAttributes(attribute.String("result", result)))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
