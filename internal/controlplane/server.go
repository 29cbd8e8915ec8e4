package controlplane

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/bridgebase-cloud/bridgebase-go/internal/logutil"
)

// Server is the HTTP side of bridged: resolve, lease and release.
type Server struct {
	cfg   Settings
	store *Store
}

// NewServer wires the HTTP surface around cfg and store.
func NewServer(cfg Settings, store *Store) *Server {
	return &Server{cfg: cfg, store: store}
}

// Router builds the chi router for the API.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.requireBearer)
		r.Post("/gateway/resolve", s.resolveGateway)
		r.Post("/db/credentials", s.createLease)
		r.Post("/db/release", s.releaseLease)
	})

	return r
}

// StartReaper schedules the expired-lease reaper. The returned cron is
// already running; stop it on shutdown.
func (s *Server) StartReaper() *cron.Cron {
	c := cron.New()
	c.AddFunc("@every 1m", func() {
		n, err := s.store.ReapExpired(s.cfg.LeaseTTL)
		if err != nil {
			log.Printf("reaper: %v", err)
			return
		}
		if n > 0 {
			log.Printf("reaper: released %d expired leases", n)
		}
	})
	c.Start()
	return c
}

// ValidateToken checks a bearer token. With a configured secret it must be
// a valid HS256 JWT; otherwise any non-empty token passes (dev mode).
func (s *Server) ValidateToken(token string) error {
	if token == "" {
		return fmt.Errorf("empty token")
	}
	if s.cfg.JWTSecret == "" {
		return nil
	}
	_, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil {
		return fmt.Errorf("invalid token: %w", err)
	}
	return nil
}

func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == r.Header.Get("Authorization") {
			// No Bearer prefix at all.
			writeError(w, http.StatusUnauthorized, "Bearer token required")
			return
		}
		if err := s.ValidateToken(token); err != nil {
			log.Printf("auth: rejected token %s: %v", logutil.Mask(token), err)
			writeError(w, http.StatusUnauthorized, "Invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if sqlDB, err := s.store.db.DB(); err == nil {
		if err := sqlDB.Ping(); err == nil {
			dbStatus = "connected"
		}
	}
	status := "healthy"
	if dbStatus != "connected" {
		status = "unhealthy"
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   status,
		"database": dbStatus,
	})
}

func (s *Server) resolveGateway(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Region string `json:"region"`
	}
	// Body is optional context; ignore decode failures.
	json.NewDecoder(r.Body).Decode(&req)

	writeJSON(w, http.StatusOK, map[string]any{
		"host": s.cfg.AdvertisedHost,
		"port": s.cfg.AdvertisedPort,
	})
}

func (s *Server) createLease(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Database string `json:"database"`
		DBType   string `json:"db_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	username, password, err := s.store.CreateLease(req.Database, req.DBType)
	if err != nil {
		log.Printf("lease: create failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Could not create lease")
		return
	}

	host, port := s.upstreamHostPort()
	log.Printf("lease: created user=%s db_type=%s database=%s",
		username, logutil.Sanitize(req.DBType), logutil.Sanitize(req.Database))
	writeJSON(w, http.StatusOK, map[string]any{
		"username": username,
		"password": password,
		"host":     host,
		"port":     port,
	})
}

func (s *Server) releaseLease(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	released, err := s.store.ReleaseLease(req.Username)
	if err != nil {
		log.Printf("lease: release failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Could not release lease")
		return
	}
	if !released {
		writeError(w, http.StatusNotFound, "No live lease for username")
		return
	}

	log.Printf("lease: released user=%s", logutil.Sanitize(req.Username))
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

func (s *Server) upstreamHostPort() (string, int) {
	host, portStr, err := net.SplitHostPort(s.cfg.UpstreamAddr)
	if err != nil {
		return s.cfg.UpstreamAddr, 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
