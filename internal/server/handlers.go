package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// publicKeyResponse is the body of GET /publicKey.
type publicKeyResponse struct {
	PublicKey string `json:"publicKey"`
}

// WebSocketHandler upgrades GET requests from allowed origins and registers
// the resulting client with the hub, which starts its pumps.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Info("websocket upgrade failed", zap.String("addr", r.RemoteAddr), zap.Error(err))
		return
	}

	client := NewClient(conn, s.hub, r.RemoteAddr)
	if !s.hub.registerClient(client) {
		s.logger.Info("rejecting connection during shutdown", zap.String("addr", r.RemoteAddr))
		_ = conn.Close()
	}
}

// HealthHandler reports that the server is up.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "CipherRoom server is running!")
}

// PublicKeyHandler serves the server's RSA public key as SPKI PEM.
func (s *Server) PublicKeyHandler(w http.ResponseWriter, r *http.Request) {
	s.origins.setCORSHeaders(w, r)

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodGet, http.MethodHead:
	default:
		http.Error(w, "Method not allowed.", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	body := publicKeyResponse{PublicKey: string(s.keys.PublicKeyPEM())}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("error writing public key response", zap.Error(err))
	}
}
