package hub

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/room4-2/voicebridge/metrics"
	"github.com/room4-2/voicebridge/wyoming"
)

// State of a hub link's lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateHandshakeSent
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshakeSent:
		return "handshake_sent"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ErrLinkClosed is returned by Send on a closed or saturated link.
var ErrLinkClosed = errors.New("hub link closed")

// TTSSink receives the synthesized-speech side of a hub link. The bridge
// implements it; the link is constructed with it rather than patched after
// the fact.
type TTSSink interface {
	OnTTSStart(format wyoming.AudioFormat)
	OnTTSChunk(pcm []byte, format wyoming.AudioFormat)
	OnTTSStop()
}

const (
	writeQueueSize = 256
	writeTimeout   = 10 * time.Second
)

// ttsSession is the interval between an audio-start and its audio-stop on one
// link. At most one is open; a second audio-start replaces it (last start
// wins, no state carries over).
type ttsSession struct {
	format  wyoming.AudioFormat
	started bool // whether the sink's OnTTSStart has fired
}

// Link is one accepted connection from the voice-assistant hub. It owns the
// socket, runs the read loop through the frame codec, dispatches decoded
// events and exposes a queue-based send API.
type Link struct {
	ID       string
	conn     net.Conn
	identity wyoming.SatelliteInfo
	sink     TTSSink
	log      *zap.Logger

	writeChan chan *wyoming.Event

	mu        sync.RWMutex
	state     State
	closed    bool
	tts       *ttsSession
	CloseChan chan struct{}
	done      chan struct{}
}

// NewLink wraps an accepted hub connection. sink must not be nil; logger may
// be.
func NewLink(conn net.Conn, identity wyoming.SatelliteInfo, sink TTSSink, logger *zap.Logger) *Link {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.New().String()
	return &Link{
		ID:        id,
		conn:      conn,
		identity:  identity,
		sink:      sink,
		log:       logger.With(zap.String("component", "hub_link"), zap.String("link", id[:8])),
		writeChan: make(chan *wyoming.Event, writeQueueSize),
		state:     StateConnecting,
		CloseChan: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// State returns the link's lifecycle state.
func (l *Link) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

func (l *Link) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// Send queues an event for delivery. It fails when the link is closed or its
// queue cannot accept the frame: a peer that cannot drain its queue is
// removed rather than allowed to stall the relay.
func (l *Link) Send(ev *wyoming.Event) error {
	l.mu.RLock()
	closed := l.closed
	l.mu.RUnlock()
	if closed {
		return ErrLinkClosed
	}
	select {
	case l.writeChan <- ev:
		return nil
	default:
		l.log.Warn("write queue saturated, dropping link", zap.String("type", ev.Type))
		l.Close()
		return ErrLinkClosed
	}
}

// SendMicAudio frames raw microphone PCM at the fixed mic format.
func (l *Link) SendMicAudio(pcm []byte) error {
	return l.Send(wyoming.NewAudioChunk(wyoming.MicFormat, pcm))
}

// Run sends the handshake and processes inbound frames until the connection
// closes or ctx is cancelled. Any failure closes only this link.
func (l *Link) Run(ctx context.Context) {
	defer close(l.done)
	defer l.Close()

	go l.writePump()
	go func() {
		select {
		case <-ctx.Done():
			l.Close()
		case <-l.CloseChan:
		}
	}()

	if err := l.Send(wyoming.NewSatellite(l.identity)); err != nil {
		return
	}
	l.setState(StateHandshakeSent)
	l.log.Info("🛰️ hub connected, handshake sent", zap.String("remote", l.conn.RemoteAddr().String()))

	dec := wyoming.NewDecoder(l.conn, l.log)
	defer func() {
		metrics.HubNoiseBytes.Add(float64(dec.NoiseBytes()))
	}()
	for {
		ev, err := dec.Next()
		if err != nil {
			switch {
			case err == io.EOF:
				l.log.Info("hub closed connection")
			case errors.Is(err, wyoming.ErrTruncated):
				l.log.Warn("closing link on truncated frame", zap.Error(err))
			case l.isClosed():
				// Read unblocked by our own Close.
			default:
				l.log.Warn("closing link on read error", zap.Error(err))
			}
			return
		}
		metrics.HubFramesDecoded.Inc()
		l.setState(StateActive)
		l.dispatch(ev)
	}
}

// Done is closed when the read loop has fully unwound.
func (l *Link) Done() <-chan struct{} { return l.done }

func (l *Link) dispatch(ev *wyoming.Event) {
	// One bad frame must not take down unrelated connections; a panic during
	// dispatch is contained to this link.
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("panic dispatching hub event, closing link",
				zap.String("type", ev.Type), zap.Any("panic", r))
			l.Close()
		}
	}()

	switch ev.Type {
	case wyoming.TypePing:
		l.Send(wyoming.NewPong())

	case wyoming.TypePong:
		// keep-alive answer, nothing to do

	case wyoming.TypeDescribe:
		l.Send(wyoming.NewInfo(l.identity))

	case wyoming.TypeAudioStart:
		format := ev.Format(l.identity.SndFormat)
		l.mu.Lock()
		l.tts = &ttsSession{format: format, started: true}
		l.mu.Unlock()
		l.log.Info("🔊 TTS stream started", zap.Int("rate", format.Rate))
		l.sink.OnTTSStart(format)

	case wyoming.TypeAudioChunk, wyoming.TypeAudio:
		pcm := ev.Payload
		if len(pcm) == 0 {
			// Some hubs fall back to a hex-encoded data field.
			encoded, _ := ev.Data["data"].(string)
			if encoded == "" {
				return
			}
			decoded, err := hex.DecodeString(encoded)
			if err != nil {
				l.log.Debug("skipping chunk with bad hex fallback", zap.Error(err))
				return
			}
			pcm = decoded
		}
		session := l.currentSession(ev)
		l.sink.OnTTSChunk(pcm, ev.Format(session.format))

	case wyoming.TypeAudioStop:
		l.mu.Lock()
		had := l.tts != nil
		l.tts = nil
		l.mu.Unlock()
		if had {
			l.sink.OnTTSStop()
		}
		// The hub marks playback complete on this acknowledgment.
		l.Send(wyoming.NewPlayed())
		l.log.Info("🔊 TTS stream stopped, played sent")

	default:
		// Unknown kinds are ignored, never fatal.
		l.log.Debug("ignoring event", zap.String("type", ev.Type))
	}
}

// currentSession returns the open TTS session, opening an implicit one when
// a chunk arrives without a preceding audio-start.
func (l *Link) currentSession(ev *wyoming.Event) *ttsSession {
	l.mu.Lock()
	session := l.tts
	if session == nil {
		session = &ttsSession{format: ev.Format(l.identity.SndFormat)}
		l.tts = session
	}
	fire := !session.started
	session.started = true
	l.mu.Unlock()

	if fire {
		l.sink.OnTTSStart(session.format)
	}
	return session
}

func (l *Link) writePump() {
	enc := wyoming.NewEncoder(l.conn)
	for {
		select {
		case <-l.CloseChan:
			return
		case ev := <-l.writeChan:
			l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := enc.Encode(ev); err != nil {
				if !l.isClosed() {
					l.log.Warn("write failed, closing link", zap.Error(err))
				}
				l.Close()
				return
			}
		}
	}
}

func (l *Link) isClosed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.closed
}

// Close tears the link down. Idempotent.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.state = StateClosing
	l.mu.Unlock()

	close(l.CloseChan)
	err := l.conn.Close()
	l.setState(StateClosed)
	return err
}
