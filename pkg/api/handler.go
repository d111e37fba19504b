package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/satishbabariya/meshsync/internal/monitoring"
	"github.com/satishbabariya/meshsync/internal/p2p"
	"github.com/satishbabariya/meshsync/internal/protocol"
	"github.com/satishbabariya/meshsync/internal/transfer"
	"github.com/sirupsen/logrus"
)

// NodeController is the part of the node the API manages.
type NodeController interface {
	Peers() []p2p.PeerInfo
	Pending() []p2p.PendingPeer
	Connect(peer protocol.HostPort) error
	Disconnect(peer protocol.HostPort) bool
}

// TransferLister reports in-progress downloads.
type TransferLister interface {
	Sessions() []transfer.Progress
}

// Monitor supplies health, uptime and the metrics endpoint.
type Monitor interface {
	HealthStatuses() (string, []monitoring.HealthStatus)
	Uptime() time.Duration
	Handler() http.Handler
	Metrics() *monitoring.Metrics
}

// Handler represents the HTTP API handler
type Handler struct {
	node      NodeController
	transfers TransferLister
	monitor   Monitor
	logger    *logrus.Entry
}

// NewHTTPHandler creates a new HTTP handler with all routes configured.
// The metrics endpoint is mounted at metricsPath unless it is empty.
func NewHTTPHandler(node NodeController, transfers TransferLister, monitor Monitor, metricsPath string, logger *logrus.Entry) http.Handler {
	handler := &Handler{
		node:      node,
		transfers: transfers,
		monitor:   monitor,
		logger:    logger,
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(handler.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(handler.corsMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/peers", func(r chi.Router) {
			r.Get("/", handler.getPeers)
			r.Post("/", handler.connectPeer)
			r.Delete("/{peer}", handler.disconnectPeer)
		})

		r.Get("/transfers", handler.getTransfers)
		r.Get("/health", handler.getHealth)
	})

	if metricsPath != "" {
		r.Handle(metricsPath, monitor.Handler())
	}

	r.Get("/", handler.getIndex)

	return r
}

// requestLogger logs each request and counts it by method and status
func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		h.monitor.Metrics().RecordHTTPRequest(r.Method, strconv.Itoa(status))
		h.logger.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     status,
			"duration":   time.Since(start).String(),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("HTTP request")
	})
}

// corsMiddleware adds CORS headers
func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Peer endpoints

func (h *Handler) getPeers(w http.ResponseWriter, r *http.Request) {
	peers := h.node.Peers()
	response := map[string]interface{}{
		"peers":     peers,
		"pending":   h.node.Pending(),
		"total":     len(peers),
		"timestamp": time.Now().UTC(),
	}
	h.writeJSON(w, http.StatusOK, response)
}

func (h *Handler) connectPeer(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Peer string `json:"peer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}

	peer, err := protocol.ParseHostPort(request.Peer)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	switch err := h.node.Connect(peer); {
	case errors.Is(err, p2p.ErrAlreadyConnected):
		h.writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.logger.WithField("peer", peer.String()).Info("Peer queued for connection")
	h.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"peer":      peer.String(),
		"status":    "queued",
		"timestamp": time.Now().UTC(),
	})
}

func (h *Handler) disconnectPeer(w http.ResponseWriter, r *http.Request) {
	peer, err := protocol.ParseHostPort(chi.URLParam(r, "peer"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !h.node.Disconnect(peer) {
		h.writeError(w, http.StatusNotFound, "Not connected to "+peer.String())
		return
	}

	h.logger.WithField("peer", peer.String()).Info("Peer disconnected")
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"peer":      peer.String(),
		"status":    "disconnected",
		"timestamp": time.Now().UTC(),
	})
}

// Transfer endpoints

func (h *Handler) getTransfers(w http.ResponseWriter, r *http.Request) {
	sessions := h.transfers.Sessions()
	response := map[string]interface{}{
		"transfers": sessions,
		"total":     len(sessions),
		"timestamp": time.Now().UTC(),
	}
	h.writeJSON(w, http.StatusOK, response)
}

// Health endpoints

func (h *Handler) getHealth(w http.ResponseWriter, r *http.Request) {
	overall, components := h.monitor.HealthStatuses()

	status := http.StatusOK
	if overall != monitoring.StatusHealthy {
		status = http.StatusServiceUnavailable
	}

	response := map[string]interface{}{
		"status":     overall,
		"components": components,
		"peers":      len(h.node.Peers()),
		"uptime":     h.monitor.Uptime().String(),
		"timestamp":  time.Now().UTC(),
	}
	h.writeJSON(w, status, response)
}

func (h *Handler) getIndex(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"service": "meshsync",
		"status":  "running",
		"api":     "/api/v1",
		"health":  "/api/v1/health",
	}

	h.writeJSON(w, http.StatusOK, response)
}

// Helper methods

func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if statusCode > 0 {
		w.WriteHeader(statusCode)
	}

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.WithError(err).Error("Failed to write JSON response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, statusCode int, message string) {
	h.logger.WithFields(logrus.Fields{
		"status_code": statusCode,
		"message":     message,
	}).Warn("HTTP error response")

	response := map[string]interface{}{
		"error":     true,
		"message":   message,
		"timestamp": time.Now().UTC(),
	}

	h.writeJSON(w, statusCode, response)
}
