package dto

import "encoding/json"

// WebSocket message types.
const (
	// Client -> server.
	WSAttFrame = "att_frame"
	WSAttCfg   = "att_cfg"
	WSFunFrame = "fun_frame"

	// Server -> client.
	WSAttReady    = "att_ready"
	WSFunReady    = "fun_ready"
	WSAttResult   = "att_result"
	WSFunResult   = "fun_result"
	WSAttLog      = "att_log"
	WSAttDBUpdate = "att_db_update"
	WSError       = "error"
)

// ClientMessage is anything a client sends over the socket. Data holds
// a base64 JPEG for frame messages.
type ClientMessage struct {
	Type      string   `json:"type"`
	Data      string   `json:"data,omitempty"`
	Threshold *float64 `json:"threshold,omitempty"`
	Mark      *bool    `json:"mark,omitempty"`
}

// ServerMessage wraps every server-side reply and broadcast.
type ServerMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// ReadyPayload acknowledges a session channel with its effective
// config.
type ReadyPayload struct {
	Threshold   float64 `json:"threshold"`
	Mark        bool    `json:"mark"`
	CooldownSec int     `json:"cooldown_sec"`
}

// Encode marshals a server message, returning nil on failure (the
// caller logs).
func Encode(msgType string, payload interface{}) ([]byte, error) {
	return json.Marshal(ServerMessage{Type: msgType, Payload: payload})
}
