// Package bridge routes raw microphone audio from client connections to every
// hub link and synthesized-speech audio from hub links to every client,
// converting sample rates when the formats differ. It is the only component
// that knows both audio formats.
package bridge

import (
	"sync"

	"go.uber.org/zap"

	"github.com/room4-2/voicebridge/messages"
	"github.com/room4-2/voicebridge/metrics"
	"github.com/room4-2/voicebridge/wyoming"
)

// HubBroadcaster fans events out to all hub links.
type HubBroadcaster interface {
	Broadcast(ev *wyoming.Event)
	Count() int
}

// ClientBroadcaster fans frames out to all audio clients.
type ClientBroadcaster interface {
	BroadcastBinary(data []byte)
	BroadcastJSON(msg *messages.ServerMessage)
	Count() int
}

// Bridge relays audio between the two registries. It implements hub.TTSSink
// for the speech path and session.Relay for the microphone path.
type Bridge struct {
	hubs     HubBroadcaster
	clients  ClientBroadcaster
	recorder *Recorder
	log      *zap.Logger

	// client playback is fixed at the mic format's rate
	targetRate int

	mu        sync.Mutex
	resampler *Resampler
	srcRate   int
}

// New wires a bridge between the hub and client registries. recorder may be
// nil; logger may be nil.
func New(hubs HubBroadcaster, clients ClientBroadcaster, recorder *Recorder, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		hubs:       hubs,
		clients:    clients,
		recorder:   recorder,
		log:        logger.With(zap.String("component", "bridge")),
		targetRate: wyoming.MicFormat.Rate,
	}
}

// OnMicAudio forwards one chunk of fixed-format microphone PCM verbatim to
// every hub link.
func (b *Bridge) OnMicAudio(pcm []byte) {
	if err := b.recorder.Append(pcm); err != nil {
		b.log.Debug("debug recording stopped", zap.Error(err))
	}
	metrics.MicBytesRelayed.Add(float64(len(pcm)))
	b.hubs.Broadcast(wyoming.NewAudioChunk(wyoming.MicFormat, pcm))
}

// WakeDetected broadcasts a run-pipeline request to every hub link, starting
// at the ASR stage: wake-word detection already happened on the client.
func (b *Bridge) WakeDetected() {
	b.recorder.Rotate()
	b.log.Info("🎤 wake word detected, starting pipeline", zap.Int("hubs", b.hubs.Count()))
	b.hubs.Broadcast(wyoming.NewRunPipeline())
}

// Status snapshots both registries for a client status reply.
func (b *Bridge) Status() messages.StatusPayload {
	hubs := b.hubs.Count()
	return messages.StatusPayload{
		HubConnected:  hubs > 0,
		Clients:       b.clients.Count(),
		Hubs:          hubs,
		BufferedBytes: b.recorder.Size(),
	}
}

// OnTTSStart records the session's source format and tells clients to prepare
// a playback context before the first chunk arrives. Sessions are independent:
// no resampler state carries over an audio-start boundary.
func (b *Bridge) OnTTSStart(format wyoming.AudioFormat) {
	b.mu.Lock()
	b.srcRate = format.Rate
	if format.Rate == b.targetRate {
		b.resampler = nil
	} else if b.resampler == nil || b.srcRateChanged(format.Rate) {
		b.resampler = NewResampler(format.Rate, b.targetRate)
	} else {
		b.resampler.Reset()
	}
	b.mu.Unlock()

	b.clients.BroadcastJSON(messages.NewAudioStart(format.Rate))
}

// srcRateChanged reports whether the configured resampler no longer matches
// rate. Caller holds b.mu.
func (b *Bridge) srcRateChanged(rate int) bool {
	if b.resampler == nil {
		return true
	}
	up, down := b.resampler.Ratio()
	g := gcd(b.targetRate, rate)
	return up != b.targetRate/g || down != rate/g
}

// OnTTSChunk resamples one chunk of synthesized speech to the client rate and
// broadcasts it as a binary frame. Filter state persists across chunks of one
// session for seam-free audio.
func (b *Bridge) OnTTSChunk(pcm []byte, format wyoming.AudioFormat) {
	out := pcm
	b.mu.Lock()
	if format.Rate != b.targetRate {
		if b.resampler == nil || format.Rate != b.srcRate {
			// Chunk arrived without (or disagreeing with) an audio-start.
			b.resampler = NewResampler(format.Rate, b.targetRate)
			b.srcRate = format.Rate
		}
		out = pcmToBytes(b.resampler.Process(bytesToPCM(pcm)))
	}
	b.mu.Unlock()

	if len(out) == 0 {
		return
	}
	metrics.TTSBytesRelayed.Add(float64(len(out)))
	b.clients.BroadcastBinary(out)
}

// OnTTSStop drains the resampler tail and forwards the lifecycle edge to
// clients.
func (b *Bridge) OnTTSStop() {
	b.mu.Lock()
	var tail []byte
	if b.resampler != nil {
		tail = pcmToBytes(b.resampler.Flush())
		b.resampler.Reset()
	}
	b.mu.Unlock()

	if len(tail) > 0 {
		metrics.TTSBytesRelayed.Add(float64(len(tail)))
		b.clients.BroadcastBinary(tail)
	}
	b.clients.BroadcastJSON(messages.NewAudioStop())
}

// Close flushes the debug recorder.
func (b *Bridge) Close() {
	b.recorder.Close()
}
