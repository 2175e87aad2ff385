// internal/gateway/ws.go
// WebSocket endpoints: /ws/state streams conflated snapshots at the client's
// requested rate, /ws/feedback streams per-command ack/result events, and
// /ws/cameras relays camera frames.  Slow consumers never stall the
// publishers — state subscribers conflate to the newest snapshot and
// feedback fan-out drops rather than queues.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shaoyifei96/tidybot-agent-server/internal/logging"
)

// WebSocket timeout constants following Gorilla best practices.
const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second // must be less than wsPongWait
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The gateway runs on a trusted robot LAN; restrict upstream if not.
		return true
	},
}

// FeedbackEvent is one entry on the /ws/feedback stream.
type FeedbackEvent struct {
	T         time.Time `json:"t"`
	Subsystem string    `json:"subsystem"`
	Status    string    `json:"status"` // completed | failed | rejected | started | aborted
	Detail    string    `json:"detail,omitempty"`
}

// publishFeedback fans an event out to all feedback subscribers,
// non-blocking: a full subscriber buffer drops the event for that client.
func (s *Server) publishFeedback(subsystem, status, detail string) {
	buf, err := json.Marshal(FeedbackEvent{T: time.Now(), Subsystem: subsystem, Status: status, Detail: detail})
	if err != nil {
		return
	}
	s.fbMu.RLock()
	for ch := range s.fbSubs {
		select {
		case ch <- buf:
		default:
		}
	}
	s.fbMu.RUnlock()
}

func (s *Server) handleWSState(w http.ResponseWriter, r *http.Request) {
	hz, _ := strconv.ParseFloat(r.URL.Query().Get("hz"), 64)
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Logger().Warn("ws upgrade", zap.Error(err))
		return
	}
	untrack := s.trackConn(conn)
	defer untrack()
	defer conn.Close()

	ch, unregister := s.deps.Aggregator.Subscribe(hz)
	defer unregister()

	go wsReadLoop(conn)

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case snap, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(snap); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleWSFeedback(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Logger().Warn("ws upgrade", zap.Error(err))
		return
	}
	untrack := s.trackConn(conn)
	defer untrack()
	defer conn.Close()

	ch := make(chan []byte, 16)
	s.fbMu.Lock()
	s.fbSubs[ch] = struct{}{}
	s.fbMu.Unlock()
	defer func() {
		s.fbMu.Lock()
		delete(s.fbSubs, ch)
		s.fbMu.Unlock()
	}()

	go wsReadLoop(conn)

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case buf := <-ch:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, buf); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleWSCameras(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("camera")
	if name == "" {
		name = "base"
	}
	hz, _ := strconv.ParseFloat(r.URL.Query().Get("hz"), 64)
	if hz <= 0 {
		hz = 10
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Logger().Warn("ws upgrade", zap.Error(err))
		return
	}
	untrack := s.trackConn(conn)
	defer untrack()
	defer conn.Close()

	go wsReadLoop(conn)

	t := time.NewTicker(time.Duration(float64(time.Second) / hz))
	defer t.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-t.C:
		}
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		frame, err := s.deps.Set.Cameras.Frame(ctx, name)
		cancel()
		if err != nil {
			continue // backend down; keep the session, frames resume on reconnect
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			return
		}
	}
}

// wsReadLoop drains client frames and keeps the pong deadline fresh; the
// writer loop exits via write errors once the peer is gone.
func wsReadLoop(conn *websocket.Conn) {
	conn.SetReadLimit(1024)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
