package messages

// ClientMessage represents a JSON control frame from a browser client.
// Binary frames carry raw microphone PCM and never reach this type.
type ClientMessage struct {
	Type  string `json:"type"` // "auth", "wake_detected", "ping", "status_request"
	Token string `json:"token,omitempty"`
}

// Client message types
const (
	TypeAuth          = "auth"
	TypeWakeDetected  = "wake_detected"
	TypePing          = "ping"
	TypeStatusRequest = "status_request"
)
