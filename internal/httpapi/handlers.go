package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/roelfdiedericks/sigcourier/internal/bus"
	"github.com/roelfdiedericks/sigcourier/internal/courier"
	. "github.com/roelfdiedericks/sigcourier/internal/logging"
	"github.com/roelfdiedericks/sigcourier/internal/metrics"
)

// receiptResponse is the JSON shape of a delivery outcome.
type receiptResponse struct {
	Delivered bool   `json:"delivered"`
	Transport string `json:"transport,omitempty"`
	AttemptID string `json:"attempt_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// handleSend handles POST /api/send - deliver a verification message.
// The call is synchronous: the response carries the final receipt.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		L_warn("httpapi: send - wrong method", "method", r.Method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Phone   string `json:"phone"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		L_warn("httpapi: send - invalid JSON", "error", err)
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Phone == "" || req.Message == "" {
		http.Error(w, "phone and message are required", http.StatusBadRequest)
		return
	}

	L_info("httpapi: send request", "phone", courier.MaskPhone(req.Phone), "length", len(req.Message))

	rcpt := s.deliverer.SendVerificationMessage(r.Context(), req.Phone, req.Message)

	resp := receiptResponse{
		Delivered: rcpt.Delivered,
		Transport: rcpt.Transport,
		AttemptID: rcpt.AttemptID,
	}
	status := http.StatusOK
	if !rcpt.Delivered {
		status = http.StatusBadGateway
		if rcpt.Err != nil {
			resp.Error = rcpt.Err.Error()
			if errors.Is(rcpt.Err, courier.ErrInvalidInput) {
				status = http.StatusBadRequest
			}
		}
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

// handleStatus handles GET /api/status - gateway and transport status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		L_warn("httpapi: status - wrong method", "method", r.Method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	transports := map[string]any{}
	res := bus.SendCommandWithSource("channels", "status", nil, "http", "")
	if res.Success {
		if data, ok := res.Data.(map[string]any); ok {
			transports = data
		}
	}

	status := struct {
		Status       string         `json:"status"`
		Version      string         `json:"version"`
		Uptime       string         `json:"uptime"`
		Transports   map[string]any `json:"transports"`
		EventClients int            `json:"event_clients"`
	}{
		Status:       "ok",
		Version:      s.version,
		Uptime:       time.Since(s.started).Round(time.Second).String(),
		Transports:   transports,
		EventClients: s.hub.ClientCount(),
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(status)
}

// handleMetrics handles GET /api/metrics - metrics snapshot
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		L_warn("httpapi: metrics - wrong method", "method", r.Method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snapshot := metrics.GetInstance().GetSnapshot()

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(snapshot); err != nil {
		L_error("httpapi: metrics encode failed", "error", err)
	}
}

// handleHealthz handles GET /api/healthz - liveness probe
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Write([]byte(`{"status":"ok"}`))
}
