package server

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/dbgcopilot/dbgcopilot/backend"
	"github.com/dbgcopilot/dbgcopilot/core"
	"github.com/dbgcopilot/dbgcopilot/internal/version"
)

type createSessionRequest struct {
	Provider string `json:"provider,omitempty"`
	Goal     string `json:"goal,omitempty"`
}

type sessionInfo struct {
	SessionID      string `json:"session_id"`
	Debugger       string `json:"debugger,omitempty"`
	Provider       string `json:"provider,omitempty"`
	Goal           string `json:"goal,omitempty"`
	ChatlogLines   int    `json:"chatlog_lines"`
	PendingCommand string `json:"pending_command,omitempty"`
	AutoApprove    bool   `json:"auto_approve"`
}

type askRequest struct {
	Text string `json:"text"`
}

type askResponse struct {
	SessionID      string `json:"session_id"`
	Reply          string `json:"reply"`
	PendingCommand string `json:"pending_command,omitempty"`
}

type selectDebuggerRequest struct {
	Debugger   string `json:"debugger"`
	Program    string `json:"program,omitempty"`
	Classpath  string `json:"classpath,omitempty"`
	Sourcepath string `json:"sourcepath,omitempty"`
	TimeoutSec int    `json:"timeout_sec,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	info := version.Get()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"version":  info.Version,
		"commit":   info.CommitHash,
		"sessions": s.sessionCount(),
	})
}

// handleSessions serves GET (list) and POST (create) on /api/sessions.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.mu.RLock()
		infos := make([]sessionInfo, 0, len(s.sessions))
		for _, cs := range s.sessions {
			infos = append(infos, describeSession(cs))
		}
		s.mu.RUnlock()
		sort.Slice(infos, func(i, j int) bool { return infos[i].SessionID < infos[j].SessionID })
		writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": infos})

	case http.MethodPost:
		var req createSessionRequest
		if r.ContentLength > 0 && !readJSON(w, r, &req) {
			return
		}
		cs, err := s.newSession()
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		if req.Provider != "" {
			cs.state.SelectedProvider = req.Provider
			cs.state.Config["llm_provider"] = req.Provider
		}
		if req.Goal != "" {
			cs.state.Goal = req.Goal
		}
		writeJSON(w, http.StatusCreated, describeSession(cs))

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleSessionResource routes /api/sessions/{id}[/ask|/debugger|/report].
func (s *Server) handleSessionResource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.SplitN(strings.Trim(rest, "/"), "/", 2)
	id := parts[0]
	if id == "" {
		writeError(w, http.StatusNotFound, "session id required")
		return
	}
	cs := s.getSession(id)

	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	if cs == nil {
		writeError(w, http.StatusNotFound, "unknown session: "+id)
		return
	}

	switch action {
	case "":
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, describeSession(cs))
		case http.MethodDelete:
			s.removeSession(id)
			writeJSON(w, http.StatusOK, map[string]string{"closed": id})
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	case "ask":
		s.handleAsk(w, r, cs)
	case "debugger":
		s.handleSelectDebugger(w, r, cs)
	case "report":
		s.handleReport(w, r, cs)
	default:
		writeError(w, http.StatusNotFound, "unknown session action: "+action)
	}
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request, cs *copilotSession) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req askRequest
	if !readJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	reply := cs.ask(req.Text)
	writeJSON(w, http.StatusOK, askResponse{
		SessionID:      cs.state.SessionID,
		Reply:          reply,
		PendingCommand: cs.state.PendingCommand,
	})
}

func (s *Server) handleSelectDebugger(w http.ResponseWriter, r *http.Request, cs *copilotSession) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req selectDebuggerRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Debugger == "" {
		writeError(w, http.StatusBadRequest, "debugger is required")
		return
	}
	opts := backend.Options{
		Program:    req.Program,
		Classpath:  req.Classpath,
		Sourcepath: req.Sourcepath,
		Logger:     s.logger,
	}
	if req.TimeoutSec > 0 {
		opts.Timeout = time.Duration(req.TimeoutSec) * time.Second
	}
	if err := cs.selectDebugger(req.Debugger, opts); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.logger.Infow("Debugger selected",
		"session_id", cs.state.SessionID,
		"debugger", req.Debugger,
	)
	writeJSON(w, http.StatusOK, describeSession(cs))
}

// handleReport renders the session as Markdown for download.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request, cs *copilotSession) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	cs.mu.Lock()
	report := core.BuildMarkdownReport(cs.state)
	cs.mu.Unlock()
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(report))
}

func describeSession(cs *copilotSession) sessionInfo {
	st := cs.state
	return sessionInfo{
		SessionID:      st.SessionID,
		Debugger:       st.ConfigString("debugger"),
		Provider:       st.SelectedProvider,
		Goal:           st.Goal,
		ChatlogLines:   len(st.Chatlog),
		PendingCommand: st.PendingCommand,
		AutoApprove:    st.AutoAcceptCommands,
	}
}
