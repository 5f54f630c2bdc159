package session

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/room4-2/voicebridge/messages"
	"github.com/room4-2/voicebridge/metrics"
)

// State of a client link's lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateActive
	StateClosed
)

// ErrSessionClosed is returned by queue operations on a closed or saturated
// session.
var ErrSessionClosed = errors.New("session closed")

// Relay is the audio/control capability a client session forwards into. The
// bridge implements it.
type Relay interface {
	OnMicAudio(pcm []byte)
	WakeDetected()
	Status() messages.StatusPayload
}

const (
	writeQueueSize = 256
	writeTimeout   = 10 * time.Second
	readLimit      = 512 * 1024 // 512KB max message
)

// outFrame is one queued outbound WebSocket frame: either a JSON control
// message or raw binary audio.
type outFrame struct {
	msg *messages.ServerMessage
	bin []byte
}

// ClientSession represents a single browser/audio-client connection. Binary
// frames carry raw microphone PCM toward the relay; text frames carry small
// control JSON.
type ClientSession struct {
	ID           string
	ClientConn   *websocket.Conn
	CreatedAt    time.Time
	LastActivity time.Time

	relay       Relay
	authToken   string
	authTimeout time.Duration
	log         *zap.Logger

	writeChan chan outFrame

	mu        sync.RWMutex
	state     State
	closed    bool
	CloseChan chan struct{}
}

// NewClientSession wraps an upgraded WebSocket connection. An empty authToken
// disables the auth challenge.
func NewClientSession(id string, conn *websocket.Conn, relay Relay, authToken string, authTimeout time.Duration, logger *zap.Logger) *ClientSession {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn.SetReadLimit(readLimit)

	return &ClientSession{
		ID:           id,
		ClientConn:   conn,
		CreatedAt:    time.Now(),
		LastActivity: time.Now(),
		relay:        relay,
		authToken:    authToken,
		authTimeout:  authTimeout,
		log:          logger.With(zap.String("component", "client_session"), zap.String("session", id[:8])),
		writeChan:    make(chan outFrame, writeQueueSize),
		state:        StateConnecting,
		CloseChan:    make(chan struct{}),
	}
}

// State returns the session's lifecycle state.
func (cs *ClientSession) State() State {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.state
}

func (cs *ClientSession) setState(s State) {
	cs.mu.Lock()
	cs.state = s
	cs.mu.Unlock()
}

// Start runs the auth challenge and begins the message loop. It returns once
// the session is either active or closed.
func (cs *ClientSession) Start() {
	if !cs.authenticate() {
		cs.Close()
		return
	}
	cs.setState(StateActive)
	go cs.writePump()
	go cs.handleClientMessages()
}

// authenticate runs the shared-secret challenge: the first frame must be an
// auth message with the right token, within the timeout. A miss closes the
// connection with a policy-violation code.
func (cs *ClientSession) authenticate() bool {
	if cs.authToken == "" {
		return true
	}
	cs.setState(StateAuthenticating)

	cs.ClientConn.SetReadDeadline(time.Now().Add(cs.authTimeout))
	defer cs.ClientConn.SetReadDeadline(time.Time{})

	_, raw, err := cs.ClientConn.ReadMessage()
	if err != nil {
		cs.log.Warn("authentication timed out or failed to read", zap.Error(err))
		cs.rejectAuth("authentication timeout")
		return false
	}

	var msg messages.ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Type != messages.TypeAuth || msg.Token != cs.authToken {
		cs.log.Warn("authentication rejected")
		cs.writeDirect(messages.NewAuthFailed())
		cs.rejectAuth("authentication failed")
		return false
	}

	cs.writeDirect(messages.NewAuthOK())
	return true
}

// writeDirect writes a frame synchronously. Only safe before writePump
// starts, i.e. during the auth challenge.
func (cs *ClientSession) writeDirect(msg *messages.ServerMessage) {
	cs.ClientConn.SetWriteDeadline(time.Now().Add(writeTimeout))
	cs.ClientConn.WriteJSON(msg)
}

func (cs *ClientSession) rejectAuth(reason string) {
	metrics.AuthFailures.Inc()
	cs.ClientConn.SetWriteDeadline(time.Now().Add(time.Second))
	cs.ClientConn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason))
}

func (cs *ClientSession) handleClientMessages() {
	defer cs.Close()

	for {
		select {
		case <-cs.CloseChan:
			return
		default:
			messageType, message, err := cs.ClientConn.ReadMessage()
			if err != nil {
				return
			}

			cs.mu.Lock()
			cs.LastActivity = time.Now()
			cs.mu.Unlock()

			if messageType == websocket.BinaryMessage {
				cs.relay.OnMicAudio(message)
				continue
			}

			var msg messages.ClientMessage
			if err := json.Unmarshal(message, &msg); err != nil {
				cs.queueJSON(messages.NewError(messages.ErrCodeInvalidMessage, "invalid message format"))
				continue
			}
			cs.processControlMessage(&msg)
		}
	}
}

func (cs *ClientSession) processControlMessage(msg *messages.ClientMessage) {
	switch msg.Type {
	case messages.TypeWakeDetected:
		cs.log.Info("🎤 wake word detected by client")
		cs.relay.WakeDetected()

	case messages.TypePing:
		cs.queueJSON(messages.NewPong())

	case messages.TypeStatusRequest:
		cs.queueJSON(messages.NewStatus(cs.relay.Status()))

	case messages.TypeAuth:
		// already authenticated; harmless replay
		cs.queueJSON(messages.NewAuthOK())

	default:
		cs.queueJSON(messages.NewError(messages.ErrCodeInvalidMessage, "unknown message type: "+msg.Type))
	}
}

// QueueJSON enqueues a JSON control frame (non-blocking). A session whose
// queue cannot accept the frame is closed rather than allowed to stall the
// relay to other peers.
func (cs *ClientSession) QueueJSON(msg *messages.ServerMessage) error {
	return cs.queue(outFrame{msg: msg})
}

// QueueBinary enqueues a raw audio frame (non-blocking).
func (cs *ClientSession) QueueBinary(data []byte) error {
	return cs.queue(outFrame{bin: data})
}

func (cs *ClientSession) queueJSON(msg *messages.ServerMessage) {
	cs.queue(outFrame{msg: msg})
}

func (cs *ClientSession) queue(f outFrame) error {
	cs.mu.RLock()
	closed := cs.closed
	cs.mu.RUnlock()
	if closed {
		return ErrSessionClosed
	}
	select {
	case cs.writeChan <- f:
		return nil
	default:
		cs.log.Warn("write queue saturated, dropping client")
		cs.Close()
		return ErrSessionClosed
	}
}

// writePump handles all outgoing frames in a single goroutine.
func (cs *ClientSession) writePump() {
	defer func() {
		cs.ClientConn.SetWriteDeadline(time.Now().Add(writeTimeout))
		cs.ClientConn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
	}()

	for {
		select {
		case <-cs.CloseChan:
			return
		case f := <-cs.writeChan:
			cs.ClientConn.SetWriteDeadline(time.Now().Add(writeTimeout))
			var err error
			if f.bin != nil {
				err = cs.ClientConn.WriteMessage(websocket.BinaryMessage, f.bin)
			} else {
				err = cs.ClientConn.WriteJSON(f.msg)
			}
			if err != nil {
				cs.Close()
				return
			}
		}
	}
}

// IsClosed returns whether the session is closed.
func (cs *ClientSession) IsClosed() bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.closed
}

// Close terminates the session and releases the connection. Idempotent.
func (cs *ClientSession) Close() error {
	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		return nil
	}
	cs.closed = true
	cs.state = StateClosed
	cs.mu.Unlock()

	close(cs.CloseChan)
	return cs.ClientConn.Close()
}
