// Package server ties the HTTP surface and the WebSocket upgrade path
// to the hub, storage, pub/sub and rate limiters.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gobwas/ws"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Dancode-188/synckit/internal/config"
	"github.com/Dancode-188/synckit/internal/hub"
	"github.com/Dancode-188/synckit/internal/metrics"
	"github.com/Dancode-188/synckit/internal/pubsub"
	"github.com/Dancode-188/synckit/internal/security"
	"github.com/Dancode-188/synckit/internal/storage"
)

// Version is reported on / and /health.
const Version = "1.0.0"

// Server owns the HTTP listener and the shutdown sequence.
type Server struct {
	cfg    *config.Config
	log    zerolog.Logger
	hub    *hub.Hub
	store  storage.Adapter
	bus    pubsub.Bus
	limits *security.Manager

	httpServer *http.Server
}

// New assembles the server. Store and bus may be nil.
func New(cfg *config.Config, log zerolog.Logger, h *hub.Hub, store storage.Adapter, bus pubsub.Bus, limits *security.Manager) *Server {
	s := &Server{
		cfg:    cfg,
		log:    log.With().Str("component", "server").Logger(),
		hub:    h,
		store:  store,
		bus:    bus,
		limits: limits,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.httpServer = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.cors(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks until the listener closes.
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.cfg.Addr()).Msg("listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown runs the ordered teardown: stop accepting, announce
// departure on the presence channel, close storage and bus, cancel the
// sweeps.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)

	s.hub.AnnounceShutdown(ctx)

	if s.store != nil {
		if derr := s.store.Disconnect(ctx); derr != nil {
			s.log.Warn().Err(derr).Msg("storage disconnect failed")
		}
	}
	if s.bus != nil {
		if derr := s.bus.Disconnect(ctx); derr != nil {
			s.log.Warn().Err(derr).Msg("bus disconnect failed")
		}
	}

	s.hub.Stop()
	s.limits.Dispose()
	return err
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "synckit-server",
		"version": Version,
		"endpoints": map[string]string{
			"websocket": "/ws",
			"health":    "/health",
			"metrics":   "/metrics",
		},
		"features": map[string]bool{
			"persistence":   s.store != nil,
			"crossInstance": s.bus != nil,
			"authRequired":  s.cfg.AuthRequired,
		},
		"stats": s.hub.Stats(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	storageStatus := "memory-only"
	if s.store != nil && s.store.IsConnected() {
		storageStatus = "connected"
	}
	pubsubStatus := "single-instance"
	if s.bus != nil && s.bus.IsConnected() {
		pubsubStatus = "connected"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UnixMilli(),
		"version":   Version,
		"storage":   storageStatus,
		"pubsub":    pubsubStatus,
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)

	if !s.limits.Connections.CanConnect(ip) {
		metrics.ConnectionRejected("connection_limit")
		http.Error(w, "Too many connections from this IP", http.StatusTooManyRequests)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		metrics.ConnectionRejected("upgrade_failed")
		s.log.Debug().Err(err).Str("ip", ip).Msg("upgrade failed")
		return
	}

	s.limits.Connections.AddConnection(ip)

	c := hub.NewConnection(uuid.NewString(), ip, conn, s.log)
	s.hub.Register(c)
	s.log.Debug().Str("connId", c.ID).Str("ip", ip).Msg("connection established")

	go c.WritePump()
	go c.ReadPump(s.hub)
}

// cors answers preflights and stamps allowed origins on every response.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowed := s.allowOrigin(origin); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowOrigin(origin string) string {
	for _, allowed := range s.cfg.CORSOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, origin) {
			return origin
		}
	}
	return ""
}

// clientIP resolves the client address behind proxies: the first
// X-Forwarded-For hop, then X-Real-IP, then the socket peer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := strings.TrimSpace(strings.Split(fwd, ",")[0])
		if first != "" {
			return first
		}
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
