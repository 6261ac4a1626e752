package ws

import (
	"context"
	"encoding/json"

	"github.com/mirocha/waveline/feed"
)

// RegisterFeedHandlers wires the client→server message types.
func RegisterFeedHandlers(r *Router) {
	r.On("ping", handlePing)
	r.On("whoami", handleWhoami)
}

// handlePing answers an application-level heartbeat. The read deadline
// was already reset by the read pump.
func handlePing(_ context.Context, s *feed.Session, payload json.RawMessage) error {
	var req struct {
		ClientTS int64 `json:"client_ts"`
	}
	_ = json.Unmarshal(payload, &req)
	s.SendHeartbeatPong(req.ClientTS)
	return nil
}

// handleWhoami echoes back the identity the session was bound to at
// handshake time.
func handleWhoami(_ context.Context, s *feed.Session, _ json.RawMessage) error {
	payload, err := json.Marshal(map[string]interface{}{
		"user_id":    s.UserID,
		"username":   s.Username,
		"session_id": s.ID,
	})
	if err != nil {
		return err
	}
	s.Send(&feed.Packet{Type: "whoami", Payload: payload})
	return nil
}
