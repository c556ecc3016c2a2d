package router

import "encoding/json"

// ClientMessage is one frame on a chat stream.
type ClientMessage struct {
	Target  string          `json:"target"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}
