package feed

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mirocha/waveline/config"
	"go.uber.org/zap"
)

// Fallbacks when the feed config leaves a knob unset.
const (
	defaultSendBuf      = 256
	defaultWriteTimeout = 10 * time.Second
	readDeadlineS       = 60 * time.Second
	pingInterval        = 30 * time.Second // server-side WS ping
)

// Packet is the unified WS message envelope.
type Packet struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Session is one authenticated live connection. The identity is fixed
// at handshake time and never changes for the lifetime of the
// connection. A user may hold several sessions at once (multiple tabs),
// so each session carries its own id.
type Session struct {
	ID       string
	UserID   int64
	Username string

	Conn     *websocket.Conn
	SendChan chan []byte
	Done     chan struct{}

	writeTimeout time.Duration
	logger       *zap.Logger
}

// NewSession creates a Session for an already-verified identity and
// starts its write goroutine. Buffer size and write timeout come from
// the feed config; zero values fall back to the defaults.
func NewSession(userID int64, username string, conn *websocket.Conn, cfg config.FeedConfig, logger *zap.Logger) *Session {
	buf := cfg.SessionSendBuf
	if buf <= 0 {
		buf = defaultSendBuf
	}
	wt := cfg.WriteTimeout
	if wt <= 0 {
		wt = defaultWriteTimeout
	}
	s := &Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		Username:     username,
		Conn:         conn,
		SendChan:     make(chan []byte, buf),
		Done:         make(chan struct{}),
		writeTimeout: wt,
		logger:       logger,
	}
	go s.writePump()
	return s
}

// writePump drains SendChan and writes to the WebSocket connection.
// Also sends periodic WebSocket pings to detect dead connections quickly.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer s.Conn.Close()
	for {
		select {
		case data, ok := <-s.SendChan:
			if !ok {
				return
			}
			_ = s.Conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := s.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Warn("ws write error",
					zap.Int64("user_id", s.UserID),
					zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = s.Conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := s.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.Done:
			_ = s.Conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Send encodes pkt and sends it non-blocking. Drops if channel full or closed.
func (s *Session) Send(pkt *Packet) {
	if s.IsClosed() {
		return
	}
	data, err := json.Marshal(pkt)
	if err != nil {
		return
	}
	s.SendRaw(data)
}

// SendRaw sends pre-encoded bytes non-blocking. A session that closes
// mid-delivery just misses the event; the publish as a whole is never
// affected.
func (s *Session) SendRaw(data []byte) {
	if s.IsClosed() {
		return
	}
	select {
	case s.SendChan <- data:
	case <-s.Done:
		// Session closed while sending
	default:
		// Only log if not closed (to avoid spam on normal disconnect)
		if !s.IsClosed() {
			s.logger.Warn("send channel full, dropping event",
				zap.Int64("user_id", s.UserID))
		}
	}
}

// Close signals the writePump to shut down. Safe to call repeatedly.
func (s *Session) Close() {
	select {
	case <-s.Done:
	default:
		close(s.Done)
	}
}

// IsClosed returns true if the session has been closed.
func (s *Session) IsClosed() bool {
	select {
	case <-s.Done:
		return true
	default:
		return false
	}
}

// SetReadDeadline resets the WebSocket read deadline to 60 s from now.
func (s *Session) SetReadDeadline() {
	_ = s.Conn.SetReadDeadline(time.Now().Add(readDeadlineS))
}

// SendHeartbeatPong sends a pong packet in response to a client ping.
func (s *Session) SendHeartbeatPong(clientTS int64) {
	type pongPayload struct {
		ClientTS int64 `json:"client_ts"`
		ServerTS int64 `json:"server_ts"`
	}
	payload, _ := json.Marshal(pongPayload{
		ClientTS: clientTS,
		ServerTS: time.Now().UnixMilli(),
	})
	s.Send(&Packet{Type: "pong", Payload: payload})
}
