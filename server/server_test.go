package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbgcopilot/dbgcopilot/core"
	"github.com/dbgcopilot/dbgcopilot/llm"
)

type scriptedFactory struct {
	replies []string
	calls   int
}

func (f *scriptedFactory) CreateClient(name string, _ map[string]any) (*llm.Client, error) {
	return llm.NewClient(name, "scripted", func(string) (string, *llm.UsageRecord, error) {
		reply := "done"
		if f.calls < len(f.replies) {
			reply = f.replies[f.calls]
		}
		f.calls++
		return reply, nil, nil
	}), nil
}

type fakeDebugger struct {
	outputs map[string]string
	ran     []string
}

func (d *fakeDebugger) Name() string   { return "gdb" }
func (d *fakeDebugger) Prompt() string { return "(gdb)" }
func (d *fakeDebugger) Initialize() error {
	return nil
}
func (d *fakeDebugger) RunCommand(cmd string, _ time.Duration) string {
	d.ran = append(d.ran, cmd)
	if out, ok := d.outputs[cmd]; ok {
		return out
	}
	return "ok"
}
func (d *fakeDebugger) Close() {}

func newTestServer(t *testing.T, factory core.ClientFactory) (*Server, *httptest.Server) {
	t.Helper()
	if factory == nil {
		factory = &scriptedFactory{}
	}
	s, err := New(Options{Clients: factory, Prompts: core.DefaultPromptConfig()})
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := newTestServer(t, nil)
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	var health map[string]any
	decodeBody(t, resp, &health)
	assert.Equal(t, "ok", health["status"])
	assert.EqualValues(t, 0, health["sessions"])
}

func TestSessionLifecycle(t *testing.T) {
	s, ts := newTestServer(t, nil)

	resp := postJSON(t, ts.URL+"/api/sessions", createSessionRequest{Provider: "mock-local", Goal: "find the crash"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var info sessionInfo
	decodeBody(t, resp, &info)
	assert.NotEmpty(t, info.SessionID)
	assert.Equal(t, "mock-local", info.Provider)
	assert.Equal(t, "find the crash", info.Goal)
	assert.Equal(t, 1, s.sessionCount())

	listResp, err := http.Get(ts.URL + "/api/sessions")
	require.NoError(t, err)
	var list map[string][]sessionInfo
	decodeBody(t, listResp, &list)
	require.Len(t, list["sessions"], 1)
	assert.Equal(t, info.SessionID, list["sessions"][0].SessionID)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/sessions/"+info.SessionID, nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	delResp.Body.Close()
	assert.Equal(t, http.StatusOK, delResp.StatusCode)
	assert.Equal(t, 0, s.sessionCount())
}

func TestAskRequiresDebugger(t *testing.T) {
	s, ts := newTestServer(t, nil)
	cs, err := s.newSession()
	require.NoError(t, err)

	resp := postJSON(t, fmt.Sprintf("%s/api/sessions/%s/ask", ts.URL, cs.state.SessionID), askRequest{Text: "why?"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var answer askResponse
	decodeBody(t, resp, &answer)
	assert.Equal(t, "No debugger selected. Use /use gdb first.", answer.Reply)
}

func TestAskProposesCommand(t *testing.T) {
	factory := &scriptedFactory{replies: []string{"Check the stack. <cmd>bt</cmd>"}}
	s, ts := newTestServer(t, factory)
	cs, err := s.newSession()
	require.NoError(t, err)
	cs.orch.SetBackend(&fakeDebugger{})

	resp := postJSON(t, fmt.Sprintf("%s/api/sessions/%s/ask", ts.URL, cs.state.SessionID), askRequest{Text: "why did it crash?"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var answer askResponse
	decodeBody(t, resp, &answer)
	assert.Equal(t, "bt", answer.PendingCommand)
	assert.Contains(t, answer.Reply, "Proposed command:")
}

func TestAskValidation(t *testing.T) {
	s, ts := newTestServer(t, nil)
	cs, err := s.newSession()
	require.NoError(t, err)

	resp := postJSON(t, fmt.Sprintf("%s/api/sessions/%s/ask", ts.URL, cs.state.SessionID), askRequest{Text: "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/api/sessions/nope/ask", askRequest{Text: "hi"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestSelectDebuggerRejectsUnknown(t *testing.T) {
	s, ts := newTestServer(t, nil)
	cs, err := s.newSession()
	require.NoError(t, err)

	resp := postJSON(t, fmt.Sprintf("%s/api/sessions/%s/debugger", ts.URL, cs.state.SessionID),
		selectDebuggerRequest{Debugger: "windbg"})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, fmt.Sprintf("%s/api/sessions/%s/debugger", ts.URL, cs.state.SessionID),
		selectDebuggerRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestReportEndpoint(t *testing.T) {
	s, ts := newTestServer(t, nil)
	cs, err := s.newSession()
	require.NoError(t, err)
	cs.state.Goal = "find the crash"
	cs.state.Facts = append(cs.state.Facts, "O: segfault in parse_line")

	resp, err := http.Get(fmt.Sprintf("%s/api/sessions/%s/report", ts.URL, cs.state.SessionID))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/markdown")
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "# Debugger Copilot Report")
	assert.Contains(t, string(body), "segfault in parse_line")
}

func TestSessionLimit(t *testing.T) {
	s, _ := newTestServer(t, nil)
	for i := 0; i < MaxSessions; i++ {
		_, err := s.newSession()
		require.NoError(t, err)
	}
	_, err := s.newSession()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session limit reached")
}

func TestWebSocketStreamsEvents(t *testing.T) {
	factory := &scriptedFactory{replies: []string{"All quiet here."}}
	s, ts := newTestServer(t, factory)
	cs, err := s.newSession()
	require.NoError(t, err)
	cs.orch.SetBackend(&fakeDebugger{})

	cs.mu.Lock()
	cs.state.EmitDebuggerOutput("Reading symbols from ./a.out")
	cs.state.PushChatEvent(`{"type":"command_proposal","command":"bt"}`)
	cs.mu.Unlock()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?session=" + cs.state.SessionID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	seen := map[string]wsEvent{}
	deadline := time.Now().Add(3 * time.Second)
	for len(seen) < 2 && time.Now().Before(deadline) {
		conn.SetReadDeadline(deadline)
		var ev wsEvent
		require.NoError(t, conn.ReadJSON(&ev))
		seen[ev.Type] = ev
	}
	require.Contains(t, seen, "debugger_output")
	assert.Equal(t, "Reading symbols from ./a.out", seen["debugger_output"].Data)
	require.Contains(t, seen, "chat_event")
	var payload map[string]any
	require.NoError(t, json.Unmarshal(seen["chat_event"].Event, &payload))
	assert.Equal(t, "command_proposal", payload["type"])

	require.NoError(t, conn.WriteJSON(wsRequest{Type: "ask", Text: "anything suspicious?"}))
	var reply wsEvent
	for {
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		require.NoError(t, conn.ReadJSON(&reply))
		if reply.Type == "reply" {
			break
		}
	}
	assert.Contains(t, reply.Data, "All quiet here.")
}

func TestWebSocketUnknownSession(t *testing.T) {
	_, ts := newTestServer(t, nil)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?session=nope"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
