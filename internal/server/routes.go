package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/BioHazard786/ZoneVoice/internal/protocol"
	"github.com/BioHazard786/ZoneVoice/internal/relay"
)

// Configure the websocket upgrader
var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024, // 64 KB
	WriteBufferSize: 64 * 1024, // 64 KB

	// Participants are terminal clients, not browsers.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewMux registers every relay route on a fresh ServeMux.
func NewMux(hub *relay.Hub, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", HealthCheck)
	mux.HandleFunc("GET /zones", ServeZones(hub, logger))
	mux.HandleFunc("/ws", ServeWs(hub, logger))
	return mux
}

// HealthCheck reports that the relay process is up.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Signaling relay is healthy."))
}

// ServeZones returns an http.HandlerFunc that writes the current zone
// occupancy as JSON.
func ServeZones(hub *relay.Hub, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		zones, err := hub.Zones(r.Context())
		if err != nil {
			logger.Warn("zone snapshot failed", "error", err)
			http.Error(w, "relay unavailable", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(zones); err != nil {
			logger.Debug("writing zone snapshot failed", "error", err)
		}
	}
}

// ServeWs returns an http.HandlerFunc that upgrades the request to a
// websocket and hands the connection to the hub. The codec comes from the
// codec query parameter.
func ServeWs(hub *relay.Hub, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		codec, err := protocol.CodecByName(r.URL.Query().Get("codec"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("failed to upgrade connection", "remote", r.RemoteAddr, "error", err)
			return
		}

		client := relay.NewClient(hub, conn, codec)
		if err := hub.Accept(r.Context(), client); err != nil {
			logger.Warn("relay not accepting connections", "error", err)
			conn.Close()
			return
		}

		// Start the client's read and write pumps in separate goroutines.
		// These methods handle the client's lifecycle.
		go client.WritePump()
		go client.ReadPump()
	}
}
