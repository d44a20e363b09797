package ws

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/transit-live/tracking/internal/registry"
)

// Server exposes the tracking hub over HTTP: the /ws upgrade endpoint and an
// unauthenticated /health side-channel.
type Server struct {
	store          *registry.Store
	router         *Router
	hub            *Hub
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	startedAt      time.Time
}

func NewServer(store *registry.Store, router *Router, hub *Hub, allowedOrigins []string) *Server {
	s := &Server{
		store:          store,
		router:         router,
		hub:            hub,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		startedAt:      time.Now(),
	}

	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}

	log.Printf("client connected: %s (%s)", r.RemoteAddr, conn.RemoteAddr())
	c := s.hub.Add(conn)

	defer func() {
		// Disconnect must always run deactivation, even when the peer
		// crashed mid-update. Remove first so the departed connection is
		// not a delivery target for its own stop broadcast.
		effects := s.router.Disconnect(c.id)
		s.hub.Remove(c)
		s.hub.Apply(c.id, effects)
		log.Printf("client disconnected: %s", r.RemoteAddr)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("client %s sent malformed frame: %v", c.id, err)
			s.hub.SendTo(c.id, newEnvelope(EvError, ErrorPayload{Message: "malformed event frame"}))
			continue
		}

		s.hub.Apply(c.id, s.router.Dispatch(c.id, env))
	}
}

// HealthResponse is the /health body. ActiveBuses lists every bus ID ever
// registered this process, including deactivated ones.
type HealthResponse struct {
	Status        string   `json:"status"`
	ActiveBuses   []string `json:"activeBuses"`
	ActiveCount   int      `json:"activeCount"`
	Clients       int      `json:"clients"`
	UptimeSeconds int64    `json:"uptimeSeconds"`
	RSSBytes      uint64   `json:"rssBytes,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:        "OK",
		ActiveBuses:   s.store.AllBusIDs(),
		ActiveCount:   s.store.ActiveCount(),
		Clients:       s.hub.ClientCount(),
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}

	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := p.MemoryInfo(); err == nil {
			resp.RSSBytes = mem.RSS
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}

	return false
}

func ListenAndServe(host string, port int, mux *http.ServeMux) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	log.Printf("tracking server listening on %s", addr)
	return http.ListenAndServe(addr, mux)
}
