package messages

// Error codes
const (
	ErrCodeInvalidMessage = "INVALID_MESSAGE"
	ErrCodeAuthFailed     = "AUTH_FAILED"
	ErrCodeSessionFailed  = "SESSION_FAILED"
	ErrCodeQueueFull      = "QUEUE_FULL"
)

// Server message types
const (
	TypeAuthOK     = "auth_ok"
	TypeAuthFailed = "auth_failed"
	TypePong       = "pong"
	TypeStatus     = "status"
	TypeAudioStart = "audio_start"
	TypeAudioStop  = "audio_stop"
	TypeError      = "error"
)

// ServerMessage is a JSON control frame sent to a browser client. Audio
// leaves on binary frames, not through this type.
type ServerMessage struct {
	Type    string `json:"type"`
	Rate    int    `json:"rate,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	// status fields
	HubConnected  *bool `json:"hub_connected,omitempty"`
	Clients       *int  `json:"clients,omitempty"`
	Hubs          *int  `json:"hubs,omitempty"`
	BufferedBytes *int  `json:"buffered_bytes,omitempty"`
}

// StatusPayload is the snapshot behind a status reply.
type StatusPayload struct {
	HubConnected  bool
	Clients       int
	Hubs          int
	BufferedBytes int
}

// NewAuthOK acknowledges a successful auth challenge.
func NewAuthOK() *ServerMessage {
	return &ServerMessage{Type: TypeAuthOK}
}

// NewAuthFailed rejects an auth challenge.
func NewAuthFailed() *ServerMessage {
	return &ServerMessage{Type: TypeAuthFailed}
}

// NewPong answers a client ping.
func NewPong() *ServerMessage {
	return &ServerMessage{Type: TypePong}
}

// NewStatus creates a status snapshot reply.
func NewStatus(p StatusPayload) *ServerMessage {
	return &ServerMessage{
		Type:          TypeStatus,
		HubConnected:  &p.HubConnected,
		Clients:       &p.Clients,
		Hubs:          &p.Hubs,
		BufferedBytes: &p.BufferedBytes,
	}
}

// NewAudioStart tells clients a TTS stream is about to begin at the given
// source sample rate, so they can prepare a playback context.
func NewAudioStart(rate int) *ServerMessage {
	return &ServerMessage{Type: TypeAudioStart, Rate: rate}
}

// NewAudioStop marks the end of a TTS stream.
func NewAudioStop() *ServerMessage {
	return &ServerMessage{Type: TypeAudioStop}
}

// NewError creates an error message.
func NewError(code, message string) *ServerMessage {
	return &ServerMessage{Type: TypeError, Code: code, Message: message}
}
