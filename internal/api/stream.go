package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"SigMesh/internal/logger"
	"SigMesh/internal/notify"
	"SigMesh/internal/request"
)

const (
	// writeWait is the deadline for a single websocket write.
	writeWait = 10 * time.Second

	// pingInterval is the keep-alive ping period.
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// streamHandler builds a handler streaming one event type over a
// websocket. The optional ?from=N query sets an epoch floor: retained
// events at or above it are replayed before live ones.
func (s *Server) streamHandler(t notify.Type) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var opts []notify.SubOption

		if fromParam := r.URL.Query().Get("from"); fromParam != "" {
			from, err := strconv.ParseUint(fromParam, 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid from parameter")
				return
			}

			opts = append(opts, notify.WithEpochFloor(from))
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", "error", err)
			return
		}

		sub := s.notifier.Subscribe([]notify.Type{t}, opts...)

		s.serveSubscription(conn, sub, false)
	}
}

// handleWatchRequest handles GET /ws/requests/{id}: the current request
// snapshot, then every event for the request until it reaches a terminal
// state. Clients submit a signature over HTTP and wait here for the proof.
func (s *Server) handleWatchRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := parseRequestID(w, r)
	if !ok {
		return
	}

	if _, err := s.store.Get(id); err != nil {
		writeDomainError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	// Subscribe first, then snapshot: an event landing between the two is
	// duplicated on the stream, never lost.
	sub := s.notifier.Subscribe(
		[]notify.Type{notify.TypeSignature, notify.TypeProof, notify.TypeTerminal},
		notify.WithRequestID(id.String()),
	)

	req, err := s.store.Get(id)
	if err != nil {
		sub.Close()
		conn.Close()
		return
	}

	snapshot := notify.Event{
		Type:      "snapshot",
		Epoch:     req.Epoch,
		RequestID: id.String(),
		Payload:   req,
		Time:      time.Now().UTC(),
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(snapshot); err != nil {
		sub.Close()
		conn.Close()
		return
	}

	// An already-terminal request needs no live tail.
	if req.State.Terminal() {
		sub.Close()
	}

	s.serveSubscription(conn, sub, true)
}

// serveSubscription pumps subscription events to the websocket until the
// subscription ends or the client disconnects. With stopAtTerminal the
// connection closes cleanly after the first terminal event.
func (s *Server) serveSubscription(conn *websocket.Conn, sub *notify.Subscriber, stopAtTerminal bool) {
	defer conn.Close()
	defer sub.Close()

	// Read pump: discard client frames, detect disconnects.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				sub.Close()
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				closeCode := websocket.CloseNormalClosure
				closeText := ""

				if errors.Is(sub.Err(), notify.ErrSlowConsumer) {
					closeCode = websocket.ClosePolicyViolation
					closeText = "slow consumer"
				}

				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(closeCode, closeText), time.Now().Add(writeWait))

				return
			}

			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}

			if stopAtTerminal && ev.Type == notify.TypeTerminal {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(terminalState(ev))), time.Now().Add(writeWait))

				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// terminalState extracts the state string from a terminal event payload.
func terminalState(ev notify.Event) request.State {
	if state, ok := ev.Payload.(request.State); ok {
		return state
	}

	return ""
}
