// Package server is the thin HTTP/WebSocket front-end over the copilot
// core: session create/ask plus a WebSocket that streams debugger output
// and chat events as JSON.
package server

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dbgcopilot/dbgcopilot/backend"
	"github.com/dbgcopilot/dbgcopilot/core"
	"github.com/dbgcopilot/dbgcopilot/errors"
	"github.com/dbgcopilot/dbgcopilot/session"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait).
	pingPeriod = 54 * time.Second

	// Poll interval for draining pending session events to the socket.
	drainPeriod = 200 * time.Millisecond

	maxMessageSize = 1024 * 1024

	// MaxSessions bounds concurrent in-memory sessions.
	MaxSessions = 64
)

// Options configures a Server.
type Options struct {
	Addr    string
	Clients core.ClientFactory
	Prompts *core.PromptConfig
	Logger  *zap.SugaredLogger
}

// Server owns the in-memory session table and the HTTP surface.
type Server struct {
	addr    string
	clients core.ClientFactory
	prompts *core.PromptConfig
	logger  *zap.SugaredLogger

	mu       sync.RWMutex
	sessions map[string]*copilotSession

	httpServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// copilotSession serializes orchestrator access per session; one Ask runs
// at a time against a given debugger.
type copilotSession struct {
	mu    sync.Mutex
	state *session.State
	orch  *core.Orchestrator
}

func New(opts Options) (*Server, error) {
	if opts.Clients == nil {
		return nil, errors.New("server requires a client factory")
	}
	if opts.Addr == "" {
		opts.Addr = "localhost:8077"
	}
	if opts.Prompts == nil {
		loaded, err := core.LoadPromptConfig()
		if err != nil {
			loaded = core.DefaultPromptConfig()
		}
		opts.Prompts = loaded
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		addr:     opts.Addr,
		clients:  opts.Clients,
		prompts:  opts.Prompts,
		logger:   opts.Logger,
		sessions: make(map[string]*copilotSession),
		ctx:      ctx,
		cancel:   cancel,
	}
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/", s.handleSessionResource)
}

// Handler exposes the route table for tests and embedding.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Infow("Copilot server listening", "addr", s.addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains HTTP, stops socket pumps, and closes every session's
// debugger.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	err := s.httpServer.Shutdown(ctx)
	s.wg.Wait()

	s.mu.Lock()
	for id, cs := range s.sessions {
		if cs.orch.Backend != nil {
			cs.orch.Backend.Close()
		}
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	return err
}

func (s *Server) newSession() (*copilotSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sessions) >= MaxSessions {
		return nil, errors.Newf("session limit reached (%d)", MaxSessions)
	}
	state := session.New()
	cs := &copilotSession{
		state: state,
		orch:  core.NewOrchestrator(state, s.clients, s.prompts, s.logger),
	}
	s.sessions[state.SessionID] = cs
	s.logger.Infow("Session created", "session_id", state.SessionID)
	return cs, nil
}

func (s *Server) getSession(id string) *copilotSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[id]
}

func (s *Server) removeSession(id string) bool {
	s.mu.Lock()
	cs, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	if cs.orch.Backend != nil {
		cs.orch.Backend.Close()
	}
	s.logger.Infow("Session closed", "session_id", id)
	return true
}

func (s *Server) sessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// selectDebugger spawns a backend for the session, replacing any
// previous one.
func (cs *copilotSession) selectDebugger(name string, opts backend.Options) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	b, err := backend.New(name, opts)
	if err != nil {
		return err
	}
	if err := b.Initialize(); err != nil {
		b.Close()
		return err
	}
	if prev := cs.orch.Backend; prev != nil {
		prev.Close()
	}
	cs.orch.SetBackend(b)
	cs.state.Config["debugger"] = name
	if startup := backend.StartupOutput(b); startup != "" {
		cs.state.EmitDebuggerOutput(startup)
	}
	return nil
}

func (cs *copilotSession) ask(text string) string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.orch.Backend == nil {
		return "No debugger selected. Use /use gdb first."
	}
	return cs.orch.Ask(text)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  2048,
	WriteBufferSize: 2048,
	CheckOrigin:     checkOrigin,
}

// checkOrigin admits browser clients from localhost plus origin-less
// direct WebSocket clients.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return strings.HasPrefix(origin, "http://localhost") ||
		strings.HasPrefix(origin, "https://localhost") ||
		strings.HasPrefix(origin, "http://127.0.0.1")
}
