package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/loomstack/loom/internal/store"
	"github.com/loomstack/loom/pkg/api"
	"github.com/loomstack/loom/pkg/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	wsBufferSize   = 1024
	feedInterval   = 500 * time.Millisecond
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  wsBufferSize,
	WriteBufferSize: wsBufferSize,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleWebSocket upgrades the connection and streams the workflow's
// events in sequence order, polling the store for new appends. The feed
// closes once a terminal event has been delivered
func (s *Server) handleWebSocket(c *gin.Context) {
	id := api.WorkflowID(c.Param("workflowID"))
	if _, err := s.store.LoadWorkflow(c.Request.Context(), id); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		abortError(c, status, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", log.Error(err))
		return
	}

	feed := &eventFeed{
		server: s,
		conn:   conn,
		id:     id,
	}
	go feed.run()
}

// eventFeed is one websocket subscriber to a workflow's history
type eventFeed struct {
	server  *Server
	conn    *websocket.Conn
	id      api.WorkflowID
	lastSeq int64
}

func (f *eventFeed) run() {
	defer func() {
		_ = f.conn.Close()
	}()

	f.conn.SetReadLimit(maxMessageSize)
	_ = f.conn.SetReadDeadline(time.Now().Add(pongWait))
	f.conn.SetPongHandler(func(string) error {
		_ = f.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	closed := make(chan struct{})
	go f.readUntilClose(closed)

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	poll := time.NewTicker(feedInterval)
	defer poll.Stop()

	// deliver existing history before the first poll tick
	if done, ok := f.deliver(); done || !ok {
		return
	}

	for {
		select {
		case <-closed:
			return

		case <-poll.C:
			done, ok := f.deliver()
			if !ok {
				return
			}
			if done {
				_ = f.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = f.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(
						websocket.CloseNormalClosure, "terminal"))
				return
			}

		case <-ping.C:
			_ = f.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := f.conn.WriteMessage(
				websocket.PingMessage, nil,
			); err != nil {
				return
			}
		}
	}
}

// deliver writes all events newer than lastSeq. It reports whether a
// terminal event went out and whether the connection is still writable
func (f *eventFeed) deliver() (done, ok bool) {
	events, err := f.server.store.Events(
		context.Background(), f.id, f.lastSeq)
	if err != nil {
		f.server.logger.Error("event feed query failed",
			log.WorkflowID(f.id), log.Error(err))
		return false, true
	}
	for i := range events {
		e := &events[i]
		_ = f.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := f.conn.WriteJSON(e); err != nil {
			return false, false
		}
		f.lastSeq = e.Seq
		if e.Type.IsTerminal() {
			return true, true
		}
	}
	return false, true
}

func (f *eventFeed) readUntilClose(closed chan struct{}) {
	for {
		if _, _, err := f.conn.ReadMessage(); err != nil {
			close(closed)
			return
		}
	}
}
