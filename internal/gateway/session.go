package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Leftyshields/better-white-elephant-sub001/internal/broadcast"
)

const (
	pongWait   = 60 * time.Second // Time allowed to read the next pong
	pingPeriod = 30 * time.Second // Send pings at this interval (must be < pongWait)
	writeWait  = 10 * time.Second // Time allowed to write a message
	maxMsgSize = 64 * 1024        // Max inbound frame size
)

// frame is the wire envelope in both directions.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// session is one authenticated WebSocket connection. All writes go through
// the send channel and the writePump goroutine, so ping, reply, and
// broadcast writes never race.
type session struct {
	gw     *Gateway
	id     string
	userID string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	joined map[string]bool // party ids this session is subscribed to
}

// SessionID implements broadcast.Sink.
func (s *session) SessionID() string { return s.id }

// Deliver implements broadcast.Sink: it queues a broadcast frame without
// blocking. A full buffer returns false and gets the session dropped.
func (s *session) Deliver(msg broadcast.Message) bool {
	payload, err := json.Marshal(frame{Event: msg.Event, Data: msg.Data})
	if err != nil {
		slog.Error("[Gateway] Failed to marshal broadcast frame", "session_id", s.id, "error", err)
		return true
	}
	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

// DropSlow implements broadcast.Sink: the broadcaster has already removed
// the session; tear down the connection.
func (s *session) DropSlow() {
	s.gw.metrics.RecordBroadcastDrop()
	s.close()
}

// sendFrame queues a session-directed frame (reply or error), dropping it if
// the buffer is full.
func (s *session) sendFrame(event string, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		slog.Error("[Gateway] Failed to marshal frame data", "event", event, "error", err)
		return
	}
	payload, err := json.Marshal(frame{Event: event, Data: raw})
	if err != nil {
		return
	}
	select {
	case s.send <- payload:
	default:
		slog.Warn("[Gateway] Send buffer full, dropping frame", "session_id", s.id, "event", event)
	}
}

func (s *session) trackJoin(partyID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joined[partyID] = true
}

func (s *session) hasJoined(partyID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joined[partyID]
}

// close shuts the session down exactly once: unsubscribes everywhere and
// closes the connection.
func (s *session) close() {
	s.once.Do(func() {
		close(s.done)

		s.mu.Lock()
		joined := make([]string, 0, len(s.joined))
		for partyID := range s.joined {
			joined = append(joined, partyID)
		}
		s.joined = make(map[string]bool)
		s.mu.Unlock()

		for _, partyID := range joined {
			s.gw.bcast.Unsubscribe(partyID, s.id)
			s.gw.metrics.SessionUnsubscribed()
		}
		s.gw.limiter.Forget(s.id)
		s.conn.Close()
		slog.Info("[Gateway] Session disconnected", "session_id", s.id, "user_id", s.userID)
	})
}

// writePump serializes all writes to the connection.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// Drain queued messages in the same wakeup.
			n := len(s.send)
			for i := 0; i < n; i++ {
				msg := <-s.send
				if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.done:
			return
		}
	}
}

// readPump reads client frames and dispatches them. This is the only
// goroutine that reads from the connection.
func (s *session) readPump() {
	defer s.close()

	s.conn.SetReadLimit(maxMsgSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Warn("[Gateway] Read error", "session_id", s.id, "error", err)
			}
			return
		}

		var f frame
		if err := json.Unmarshal(payload, &f); err != nil {
			s.sendFrame("error", errorPayload{Message: "invalid frame", Code: "BAD_FRAME"})
			continue
		}
		s.gw.dispatch(s, f)
	}
}
