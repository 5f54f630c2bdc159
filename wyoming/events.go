package wyoming

// Event kinds exchanged with the hub. The set is open-ended: kinds not listed
// here are preserved by the codec and ignored by dispatch.
const (
	TypePing        = "ping"
	TypePong        = "pong"
	TypeDescribe    = "describe"
	TypeInfo        = "info"
	TypeSatellite   = "satellite"
	TypeRunPipeline = "run-pipeline"
	TypeAudioStart  = "audio-start"
	TypeAudioChunk  = "audio-chunk"
	TypeAudio       = "audio"
	TypeAudioStop   = "audio-stop"
	TypePlayed      = "played"
)

// AudioFormat describes a PCM stream.
type AudioFormat struct {
	Rate     int `json:"rate"`
	Width    int `json:"width"`
	Channels int `json:"channels"`
}

// MicFormat is the fixed format of the microphone path.
var MicFormat = AudioFormat{Rate: 16000, Width: 2, Channels: 1}

// Attribution identifies the satellite implementation to the hub.
type Attribution struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// SatelliteInfo is the identity advertised in the handshake and mirrored in
// every info reply.
type SatelliteInfo struct {
	Name         string
	Area         string
	Description  string
	Version      string
	Attribution  Attribution
	Capabilities []string
	SndFormat    AudioFormat
}

// Event is one decoded frame of the hub wire protocol: a typed header, an
// optional data mapping and an optional raw binary payload.
type Event struct {
	Type    string
	Data    map[string]any
	Payload []byte

	// Extra holds top-level header fields other than type/data/data_length/
	// payload_length, so unknown shapes survive a decode/encode round trip.
	Extra map[string]any
}

// Format extracts an AudioFormat from the event's data, falling back to def
// for any missing field.
func (e *Event) Format(def AudioFormat) AudioFormat {
	f := def
	if r, ok := intValue(e.Data["rate"]); ok && r > 0 {
		f.Rate = r
	}
	if w, ok := intValue(e.Data["width"]); ok && w > 0 {
		f.Width = w
	}
	if c, ok := intValue(e.Data["channels"]); ok && c > 0 {
		f.Channels = c
	}
	return f
}

func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}

// NewPong answers a hub ping.
func NewPong() *Event { return &Event{Type: TypePong} }

// NewPlayed acknowledges the end of a TTS stream. The hub uses it to mark
// playback complete; omitting it stalls the hub's media-player state.
func NewPlayed() *Event { return &Event{Type: TypePlayed} }

// NewRunPipeline asks the hub to run a pipeline starting at ASR: wake-word
// detection already happened on the client side.
func NewRunPipeline() *Event {
	return &Event{
		Type: TypeRunPipeline,
		Data: map[string]any{
			"start_stage":    "asr",
			"end_stage":      "tts",
			"restart_on_end": false,
		},
	}
}

// NewAudioChunk frames raw PCM bytes with their format.
func NewAudioChunk(format AudioFormat, pcm []byte) *Event {
	return &Event{
		Type: TypeAudioChunk,
		Data: map[string]any{
			"rate":     format.Rate,
			"width":    format.Width,
			"channels": format.Channels,
		},
		Payload: pcm,
	}
}

// NewSatellite builds the handshake sent to the hub on connect. The identity
// fields live at the top level of the header, as the hub expects.
func NewSatellite(si SatelliteInfo) *Event {
	return &Event{
		Type: TypeSatellite,
		Extra: map[string]any{
			"name":         si.Name,
			"area":         si.Area,
			"description":  si.Description,
			"attribution":  map[string]any{"name": si.Attribution.Name, "url": si.Attribution.URL},
			"installed":    true,
			"version":      si.Version,
			"capabilities": append([]string(nil), si.Capabilities...),
			"snd_format": map[string]any{
				"rate":     si.SndFormat.Rate,
				"width":    si.SndFormat.Width,
				"channels": si.SndFormat.Channels,
			},
		},
	}
}

// NewInfo answers a describe request, mirroring the handshake identity.
// Replayable at any time: it never mutates si.
func NewInfo(si SatelliteInfo) *Event {
	attribution := map[string]any{"name": si.Attribution.Name, "url": si.Attribution.URL}
	return &Event{
		Type: TypeInfo,
		Data: map[string]any{
			"nickname":    si.Name,
			"version":     si.Version,
			"attribution": attribution,
			"installed":   true,
			"satellite": map[string]any{
				"name":         si.Name,
				"area":         si.Area,
				"description":  si.Description,
				"attribution":  attribution,
				"installed":    true,
				"version":      si.Version,
				"capabilities": append([]string(nil), si.Capabilities...),
			},
		},
	}
}
