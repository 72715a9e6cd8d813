package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"i4.energy/across/espgw/netdev"
	"i4.energy/across/espgw/wifi"
)

// Server handles incoming HTTP requests for driving the ESP8266's Wi-Fi
// association and sockets
type Server struct {
	Logger *slog.Logger
	Wifi   *wifi.Controller
	Device *netdev.Device
}

// ServeHTTP implements the http.Handler interface for the Server struct
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /wifi/networks", s.handleScan)
	mux.HandleFunc("POST /wifi/connect", s.handleConnect)
	mux.HandleFunc("POST /wifi/disconnect", s.handleDisconnect)
	mux.HandleFunc("GET /wifi/connection", s.handleAssociation)
	mux.HandleFunc("GET /interface", s.handleInterface)
	mux.HandleFunc("GET /sockets", s.handleSockets)
	mux.HandleFunc("POST /send", s.handleSend)
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
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Logger.Error("Failed to encode response", "error", err)
	}
}

// statusFor maps a device error to the HTTP status reported for it.
func statusFor(err error) int {
	switch {
	case errors.Is(err, netdev.ErrTimedOut), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, netdev.ErrConnectionRefused), errors.Is(err, netdev.ErrNotConnected):
		return http.StatusBadGateway
	case errors.Is(err, netdev.ErrTooManyOpenFiles):
		return http.StatusServiceUnavailable
	case errors.Is(err, netdev.ErrProtocolNotSupported):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, msg string, err error, args ...any) {
	s.Logger.Error(msg, append([]any{"error", err, "errno", netdev.Errno(err)}, args...)...)
	s.sendError(w, err.Error(), statusFor(err))
}

// handleScan lists the access points in range
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	networks, err := s.Wifi.Scan(r.Context())
	if err != nil {
		s.fail(w, "Failed to scan", err)
		return
	}
	s.sendJSON(w, networks)
}

// handleConnect joins the access point named in the request
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	type ConnectRequest struct {
		SSID     string `json:"ssid"`
		Password string `json:"password"`
	}

	var req ConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if req.SSID == "" {
		s.sendError(w, "'ssid' field is required", http.StatusBadRequest)
		return
	}

	if err := s.Wifi.Connect(r.Context(), req.SSID, req.Password); err != nil {
		s.fail(w, "Failed to join access point", err, "ssid", req.SSID)
		return
	}

	addrs, err := s.Wifi.Addresses(r.Context())
	if err != nil {
		s.Logger.Warn("Failed to read station addresses", "error", err)
	}
	s.Logger.Info("Joined access point", "ssid", req.SSID, "ip", addrs.IP)
	s.sendJSON(w, addrs)
}

// handleDisconnect leaves the current access point
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.Wifi.Disconnect(r.Context()); err != nil {
		s.fail(w, "Failed to leave access point", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAssociation reports the access point the station is joined to
func (s *Server) handleAssociation(w http.ResponseWriter, r *http.Request) {
	association, err := s.Wifi.Association(r.Context())
	if err != nil {
		s.fail(w, "Failed to query association", err)
		return
	}
	if association == nil {
		s.sendError(w, "not associated", http.StatusNotFound)
		return
	}
	s.sendJSON(w, association)
}

// handleInterface reports the station addresses
func (s *Server) handleInterface(w http.ResponseWriter, r *http.Request) {
	addrs, err := s.Wifi.Addresses(r.Context())
	if err != nil {
		s.fail(w, "Failed to read station addresses", err)
		return
	}
	s.sendJSON(w, addrs)
}

// handleSockets reports the socket table, refreshed from the device
func (s *Server) handleSockets(w http.ResponseWriter, r *http.Request) {
	sockets, err := s.Device.Status(r.Context())
	if err != nil {
		s.fail(w, "Failed to query link status", err)
		return
	}
	s.sendJSON(w, sockets)
}

// handleSend opens a link, writes the request payload and closes it
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	type SendRequest struct {
		Network string `json:"network"`
		Address string `json:"address"`
		Port    int    `json:"port"`
		Data    string `json:"data"`
	}

	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if req.Network == "" {
		req.Network = "tcp"
	}
	if req.Address == "" || req.Port <= 0 || req.Port > 65535 {
		s.sendError(w, "'address' and a valid 'port' are required", http.StatusBadRequest)
		return
	}

	conn, err := netdev.Dial(r.Context(), s.Device, req.Network, req.Address, req.Port)
	if err != nil {
		s.fail(w, "Failed to open link", err, "address", req.Address, "port", req.Port)
		return
	}

	n, err := conn.Write([]byte(req.Data))
	if cerr := conn.Close(); cerr != nil {
		s.Logger.Warn("Failed to close link", "fd", conn.FD(), "error", cerr)
	}
	if err != nil {
		s.fail(w, "Failed to send", err, "address", req.Address, "port", req.Port)
		return
	}

	s.Logger.Info("Data sent", "address", req.Address, "port", req.Port, "bytes", n)

	type SendResponse struct {
		Bytes int `json:"bytes"`
	}
	s.sendJSON(w, SendResponse{Bytes: n})
}
