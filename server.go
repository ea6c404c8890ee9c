package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crosline/fleetd/call"
	"github.com/crosline/fleetd/modem"
	"github.com/crosline/fleetd/sms"
)

// ModemLister exposes fleet status snapshots.
type ModemLister interface {
	Modems() []modem.Info
}

// Server handles the diagnostics and control HTTP surface
type Server struct {
	Logger   *slog.Logger
	Fleet    ModemLister
	Calls    *call.Handler
	SMS      *sms.Handler
	Hub      *Hub
	Registry *prometheus.Registry
}

// ServeHTTP implements the http.Handler interface for the Server struct
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /modems", s.handleModems)
	mux.HandleFunc("GET /calls", s.handleCalls)
	mux.HandleFunc("POST /calls/dial", s.handleDial)
	mux.HandleFunc("POST /sms", s.handleSMS)
	mux.HandleFunc("GET /events", s.Hub.ServeWS)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.Registry, promhttp.HandlerOpts{}))
	mux.ServeHTTP(w, r)
}

func (s *Server) sendError(w http.ResponseWriter, message string, statusCode int) {
	if message == "" {
		w.WriteHeader(statusCode)
		return
	}

	type ErrorResponse struct {
		Message string `json:"message"`
	}
	resp := ErrorResponse{Message: message}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) sendJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

type modemView struct {
	DeviceID       string    `json:"device_id"`
	ControlPort    string    `json:"control_port"`
	AudioPort      string    `json:"audio_port,omitempty"`
	PhoneNumber    string    `json:"phone_number,omitempty"`
	Status         string    `json:"status"`
	SignalStrength int       `json:"signal_strength"`
	Registered     bool      `json:"registered"`
	LastSeen       time.Time `json:"last_seen"`
}

func (s *Server) handleModems(w http.ResponseWriter, r *http.Request) {
	infos := s.Fleet.Modems()
	views := make([]modemView, 0, len(infos))
	for _, info := range infos {
		views = append(views, modemView{
			DeviceID:       info.DeviceID,
			ControlPort:    info.ControlPort,
			AudioPort:      info.AudioPort,
			PhoneNumber:    info.PhoneNumber,
			Status:         info.Status.String(),
			SignalStrength: info.SignalStrength,
			Registered:     info.NetworkRegistered,
			LastSeen:       info.LastSeen,
		})
	}
	s.sendJSON(w, views)
}

type callView struct {
	CallID        string  `json:"call_id"`
	DeviceID      string  `json:"device_id"`
	Direction     string  `json:"direction"`
	CallerNumber  string  `json:"caller_number,omitempty"`
	CompanyNumber string  `json:"company_number,omitempty"`
	State         string  `json:"state"`
	Duration      float64 `json:"duration_seconds"`
	Turns         int     `json:"turns"`
}

func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	sessions := s.Calls.Sessions()
	views := make([]callView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, callView{
			CallID:        sess.CallID,
			DeviceID:      sess.DeviceID,
			Direction:     sess.Direction,
			CallerNumber:  sess.CallerNumber,
			CompanyNumber: sess.CompanyNumber,
			State:         sess.State.String(),
			Duration:      sess.Duration.Seconds(),
			Turns:         sess.Turns,
		})
	}
	s.sendJSON(w, views)
}

// handleDial places an outgoing call
func (s *Server) handleDial(w http.ResponseWriter, r *http.Request) {
	type DialRequest struct {
		To   string `json:"to"`
		From string `json:"from,omitempty"`
	}

	var req DialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.To == "" {
		s.sendError(w, "'to' field is required", http.StatusBadRequest)
		return
	}

	callID, err := s.Calls.Dial(r.Context(), req.To, req.From)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, call.ErrNoModem) || errors.Is(err, modem.ErrNotIdle) {
			status = http.StatusConflict
		}
		s.Logger.Error("Failed to place call", "error", err, "to", req.To)
		s.sendError(w, err.Error(), status)
		return
	}

	s.Logger.Info("Call placed", "call_id", callID, "to", req.To)
	s.sendJSON(w, map[string]string{"call_id": callID})
}

// handleSMS processes incoming HTTP POST requests to send SMS messages
func (s *Server) handleSMS(w http.ResponseWriter, r *http.Request) {
	type SMSRequest struct {
		To      string `json:"to"`
		From    string `json:"from,omitempty"`
		Message string `json:"message"`
	}

	var req SMSRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.To == "" || req.Message == "" {
		s.sendError(w, "both 'to' and 'message' fields are required", http.StatusBadRequest)
		return
	}

	deviceID, err := s.SMS.Send(r.Context(), req.From, req.To, req.Message)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, sms.ErrNoModem) {
			status = http.StatusConflict
		}
		s.Logger.Error("Failed to send SMS", "error", err, "to", req.To)
		s.sendError(w, err.Error(), status)
		return
	}

	s.Logger.Info("SMS sent successfully",
		"to", req.To, "device", deviceID, "message_length", len(req.Message))
	s.sendJSON(w, map[string]string{"device_id": deviceID})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, map[string]any{
		"status": "ok",
		"modems": len(s.Fleet.Modems()),
	})
}
