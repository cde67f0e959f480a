package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// wsEvent is one frame on the session socket. Data carries plain text for
// debugger_output/chat/reply frames and a serialized object for chat_event.
type wsEvent struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Data      string          `json:"data,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`
}

// wsRequest is one inbound frame: ask routes text to the orchestrator,
// ping just refreshes the read deadline.
type wsRequest struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type wsClient struct {
	server  *Server
	session *copilotSession
	conn    *websocket.Conn
	send    chan wsEvent
}

// handleWebSocket upgrades /ws?session=<id> and streams that session's
// pending debugger output and chat events as JSON frames.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("session")
	cs := s.getSession(id)
	if cs == nil {
		writeError(w, http.StatusNotFound, "unknown session: "+id)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("WebSocket upgrade failed", "error", err, "session_id", id)
		return
	}
	c := &wsClient{
		server:  s,
		session: cs,
		conn:    conn,
		send:    make(chan wsEvent, 64),
	}
	s.logger.Infow("WebSocket client connected", "session_id", id)
	s.wg.Add(2)
	go c.writePump()
	go c.readPump()
}

func (c *wsClient) readPump() {
	defer func() {
		c.server.wg.Done()
		close(c.send)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.server.logger.Warnw("WebSocket read error",
					"error", err,
					"session_id", c.session.state.SessionID,
				)
			}
			return
		}

		var req wsRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			c.server.logger.Warnw("WebSocket message unmarshal error",
				"error", err,
				"session_id", c.session.state.SessionID,
			)
			continue
		}

		switch req.Type {
		case "ask":
			reply := c.session.ask(req.Text)
			if reply != "" {
				c.enqueue(wsEvent{
					Type:      "reply",
					SessionID: c.session.state.SessionID,
					Data:      reply,
				})
			}
		case "ping":
			// Deadline already refreshed by the pong handler.
		default:
			c.server.logger.Debugw("Unknown WebSocket message type",
				"type", req.Type,
				"session_id", c.session.state.SessionID,
			)
		}
	}
}

func (c *wsClient) enqueue(ev wsEvent) {
	select {
	case c.send <- ev:
	default:
		// A stalled socket drops frames rather than blocking the session.
	}
}

func (c *wsClient) writePump() {
	pingTicker := time.NewTicker(pingPeriod)
	drainTicker := time.NewTicker(drainPeriod)
	defer func() {
		pingTicker.Stop()
		drainTicker.Stop()
		c.conn.Close()
		c.server.wg.Done()
	}()

	for {
		select {
		case <-c.server.ctx.Done():
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return

		case ev, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.writeEvent(ev); err != nil {
				return
			}

		case <-drainTicker.C:
			for _, ev := range c.drainSession() {
				if err := c.writeEvent(ev); err != nil {
					return
				}
			}

		case <-pingTicker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// drainSession converts the session's pending buffers into frames.
func (c *wsClient) drainSession() []wsEvent {
	cs := c.session
	cs.mu.Lock()
	outputs := cs.state.DrainOutputs()
	chat := cs.state.DrainChat()
	events := cs.state.DrainChatEvents()
	cs.mu.Unlock()

	id := cs.state.SessionID
	frames := make([]wsEvent, 0, len(outputs)+len(chat)+len(events))
	for _, chunk := range outputs {
		frames = append(frames, wsEvent{Type: "debugger_output", SessionID: id, Data: chunk})
	}
	for _, chunk := range chat {
		frames = append(frames, wsEvent{Type: "chat", SessionID: id, Data: chunk})
	}
	for _, payload := range events {
		frames = append(frames, wsEvent{Type: "chat_event", SessionID: id, Event: json.RawMessage(payload)})
	}
	return frames
}

func (c *wsClient) writeEvent(ev wsEvent) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(ev)
}
