package api

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"PrismVideo-server/workflow"
)

const (
	streamBuffer = 64
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// streamFrame is one websocket message. Type is "snapshot" for full state
// (first frame and after dropped changes) or "change" for a single mutation.
type streamFrame struct {
	Type  string         `json:"type"`
	Field workflow.Field `json:"field,omitempty"`
	State workflow.State `json:"state"`
}

// GET /v1/sessions/:id/ws
func (h *Handler) StreamSession(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.log.Warn("websocket upgrade failed", "session_id", sess.ID(), "error", err)
		return
	}
	defer conn.Close()

	log := h.log.With("session_id", sess.ID(), "remote", c.ClientIP())

	changes := make(chan workflow.Change, streamBuffer)
	var dropped atomic.Bool
	subID := sess.Subscribe(func(ch workflow.Change) {
		select {
		case changes <- ch:
		default:
			if !dropped.Swap(true) {
				log.Warn("stream client too slow, dropping changes")
			}
		}
	})
	defer sess.Unsubscribe(subID)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(f streamFrame) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(f); err != nil {
			log.Debug("stream write failed", "error", err)
			return false
		}
		return true
	}

	if !write(streamFrame{Type: "snapshot", State: sess.Snapshot()}) {
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case ch := <-changes:
			f := streamFrame{Type: "change", Field: ch.Field, State: ch.State}
			if dropped.Swap(false) {
				// Drain what is queued; the snapshot supersedes it.
				for len(changes) > 0 {
					<-changes
				}
				f = streamFrame{Type: "snapshot", State: sess.Snapshot()}
			}
			if !write(f) {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
