// Package mockserver provides an in-process collector that speaks the
// agent wire protocol, with hooks to inject failures.
package mockserver

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bc-dunia/ocmon/internal/agent"
)

// Config configures the mock collector.
type Config struct {
	Addr   string
	Logger logrus.FieldLogger
}

// DefaultConfig listens on a random loopback port.
func DefaultConfig() *Config {
	return &Config{Addr: "127.0.0.1:0"}
}

// AgentRecord is a registered agent as seen by the collector.
type AgentRecord struct {
	ID           string
	Request      agent.RegistrationRequest
	RegisteredAt time.Time
	LastSeen     time.Time
	Heartbeats   int
}

// Heartbeat is one accepted heartbeat.
type Heartbeat struct {
	AgentID  string
	At       time.Time
	Snapshot agent.MetricsSnapshot
}

// Server is the mock collector.
type Server struct {
	cfg        *Config
	log        logrus.FieldLogger
	httpServer *http.Server
	addr       string

	mu sync.Mutex
	// tokens maps sha256(token) to agent id.
	tokens     map[string]string
	agents     map[string]*AgentRecord
	heartbeats []Heartbeat
	requests   []string
	failNext   []int
}

// New creates a mock collector.
func New(cfg *Config) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	log := cfg.Logger
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		log = l
	}
	return &Server{
		cfg:    cfg,
		log:    log,
		tokens: make(map[string]string),
		agents: make(map[string]*AgentRecord),
	}
}

// StartTestServer starts a collector with defaults and returns cleanup.
func StartTestServer() (server *Server, cleanup func(), err error) {
	srv := New(nil)
	if err := srv.Start(); err != nil {
		return nil, func() {}, err
	}
	cleanup = func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Stop(ctx)
	}
	return srv, cleanup, nil
}

// Start begins serving in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", normalizeAddr(s.cfg.Addr))
	if err != nil {
		return err
	}
	s.addr = ln.Addr().String()
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		_ = s.httpServer.Serve(ln)
	}()
	return nil
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) {
	if s.httpServer == nil {
		return
	}
	_ = s.httpServer.Shutdown(ctx)
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.addr
}

// URL returns the base URL agents should use.
func (s *Server) URL() string {
	if s.addr == "" {
		return ""
	}
	return "http://" + s.addr
}

// Handler returns the collector's HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/agent/register", s.handleRegister)
	mux.HandleFunc("/api/agent/heartbeat", s.handleHeartbeat)
	return mux
}

// FailNext makes the next len(statuses) requests answer with the given
// statuses before any other processing.
func (s *Server) FailNext(statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = append(s.failNext, statuses...)
}

// RevokeAll invalidates every issued token.
func (s *Server) RevokeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = make(map[string]string)
}

// Agents returns a copy of the registered agents.
func (s *Server) Agents() []AgentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AgentRecord, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, *a)
	}
	return out
}

// Heartbeats returns a copy of the accepted heartbeats.
func (s *Server) Heartbeats() []Heartbeat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Heartbeat(nil), s.heartbeats...)
}

// Requests returns the paths of all requests in arrival order.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// intercept records the request and applies a queued failure, if any.
func (s *Server) intercept(w http.ResponseWriter, r *http.Request) bool {
	s.mu.Lock()
	s.requests = append(s.requests, r.URL.Path)
	status := 0
	if len(s.failNext) > 0 {
		status = s.failNext[0]
		s.failNext = s.failNext[1:]
	}
	s.mu.Unlock()

	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return true
	}
	if status != 0 {
		writeJSON(w, status, map[string]string{"error": "injected failure"})
		return true
	}
	return false
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if s.intercept(w, r) {
		return
	}

	var req agent.RegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	for field, v := range map[string]string{"name": req.Name, "hostname": req.Hostname, "ip": req.IP, "os": req.OS} {
		if v == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing field: " + field})
			return
		}
	}

	id := makeID("agent")
	token := makeID("ocm")
	now := time.Now()

	s.mu.Lock()
	s.agents[id] = &AgentRecord{ID: id, Request: req, RegisteredAt: now, LastSeen: now}
	s.tokens[hashToken(token)] = id
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{"agent_id": id, "name": req.Name}).Info("Agent registered")
	writeJSON(w, http.StatusOK, agent.Credentials{AgentID: id, Token: token})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if s.intercept(w, r) {
		return
	}

	token := bearerToken(r)
	s.mu.Lock()
	id, ok := s.tokens[hashToken(token)]
	s.mu.Unlock()
	if token == "" || !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	var snap agent.MetricsSnapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	now := time.Now()
	s.mu.Lock()
	if rec, ok := s.agents[id]; ok {
		rec.LastSeen = now
		rec.Heartbeats++
	}
	s.heartbeats = append(s.heartbeats, Heartbeat{AgentID: id, At: now, Snapshot: snap})
	s.mu.Unlock()

	s.log.WithField("agent_id", id).Debug("Heartbeat received")
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, prefix))
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func makeID(prefix string) string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return prefix + "_" + hex.EncodeToString(b)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func normalizeAddr(addr string) string {
	if addr == "" {
		return "127.0.0.1:0"
	}
	if strings.HasPrefix(addr, ":") {
		return "127.0.0.1" + addr
	}
	return addr
}
