package bridge

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/room4-2/voicebridge/messages"
	"github.com/room4-2/voicebridge/wyoming"
)

type fakeHubs struct {
	mu     sync.Mutex
	events []*wyoming.Event
	count  int
}

func (f *fakeHubs) Broadcast(ev *wyoming.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeHubs) Count() int { return f.count }

func (f *fakeHubs) all() []*wyoming.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*wyoming.Event(nil), f.events...)
}

type fakeClients struct {
	mu     sync.Mutex
	binary [][]byte
	json   []*messages.ServerMessage
	count  int
}

func (f *fakeClients) BroadcastBinary(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.binary = append(f.binary, data)
}

func (f *fakeClients) BroadcastJSON(msg *messages.ServerMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.json = append(f.json, msg)
}

func (f *fakeClients) Count() int { return f.count }

func (f *fakeClients) frames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.binary...)
}

func (f *fakeClients) controls() []*messages.ServerMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*messages.ServerMessage(nil), f.json...)
}

func newTestBridge() (*Bridge, *fakeHubs, *fakeClients) {
	hubs := &fakeHubs{}
	clients := &fakeClients{}
	return New(hubs, clients, nil, nil), hubs, clients
}

func TestMicAudioFansOutToHubs(t *testing.T) {
	b, hubs, _ := newTestBridge()

	pcm := []byte{1, 2, 3, 4}
	b.OnMicAudio(pcm)

	events := hubs.all()
	require.Len(t, events, 1)
	assert.Equal(t, wyoming.TypeAudioChunk, events[0].Type)
	assert.Equal(t, pcm, events[0].Payload)
	assert.Equal(t, wyoming.MicFormat.Rate, events[0].Data["rate"])
}

func TestWakeDetectedStartsPipeline(t *testing.T) {
	b, hubs, _ := newTestBridge()

	b.WakeDetected()
	b.WakeDetected()

	events := hubs.all()
	require.Len(t, events, 2, "each wake trigger is its own pipeline request")
	for _, ev := range events {
		assert.Equal(t, wyoming.TypeRunPipeline, ev.Type)
		assert.Equal(t, "asr", ev.Data["start_stage"])
		assert.Equal(t, "tts", ev.Data["end_stage"])
	}
}

func TestTTSStartAnnouncesSourceRate(t *testing.T) {
	b, _, clients := newTestBridge()

	b.OnTTSStart(wyoming.AudioFormat{Rate: 22050, Width: 2, Channels: 1})

	ctrl := clients.controls()
	require.Len(t, ctrl, 1)
	assert.Equal(t, messages.TypeAudioStart, ctrl[0].Type)
	assert.Equal(t, 22050, ctrl[0].Rate)
}

func TestTTSChunkPassthroughAtClientRate(t *testing.T) {
	b, _, clients := newTestBridge()
	format := wyoming.AudioFormat{Rate: 16000, Width: 2, Channels: 1}

	b.OnTTSStart(format)
	pcm := pcmToBytes([]int16{100, -100, 200, -200})
	b.OnTTSChunk(pcm, format)

	frames := clients.frames()
	require.Len(t, frames, 1)
	assert.Equal(t, pcm, frames[0], "matching rates must not touch the samples")
}

func TestTTSChunkResamplesToClientRate(t *testing.T) {
	b, _, clients := newTestBridge()
	format := wyoming.AudioFormat{Rate: 22050, Width: 2, Channels: 1}

	b.OnTTSStart(format)
	in := sineWave(440, 22050, 2205, 10000) // 100ms
	b.OnTTSChunk(pcmToBytes(in), format)
	b.OnTTSStop()

	var total int
	for _, f := range clients.frames() {
		total += len(f) / 2
	}
	// 100ms at 22050 in, roughly 100ms at 16000 out.
	assert.InDelta(t, 1600, total, 20)

	ctrl := clients.controls()
	require.Len(t, ctrl, 2)
	assert.Equal(t, messages.TypeAudioStart, ctrl[0].Type)
	assert.Equal(t, messages.TypeAudioStop, ctrl[1].Type)
}

func TestTTSChunkWithoutStartStillPlays(t *testing.T) {
	b, _, clients := newTestBridge()

	in := sineWave(440, 22050, 2205, 10000)
	b.OnTTSChunk(pcmToBytes(in), wyoming.AudioFormat{Rate: 22050, Width: 2, Channels: 1})

	assert.NotEmpty(t, clients.frames(), "a chunk with no preceding start is resampled on the fly")
}

func TestTTSSessionsAreIndependent(t *testing.T) {
	b, _, clients := newTestBridge()
	format := wyoming.AudioFormat{Rate: 22050, Width: 2, Channels: 1}
	in := pcmToBytes(sineWave(440, 22050, 4410, 10000))

	b.OnTTSStart(format)
	b.OnTTSChunk(in, format)
	b.OnTTSStop()
	firstFrames := len(clients.frames())

	b.OnTTSStart(format)
	b.OnTTSChunk(in, format)
	b.OnTTSStop()

	secondFrames := len(clients.frames()) - firstFrames
	assert.Equal(t, firstFrames, secondFrames, "no filter state carries across sessions")
}

func TestStatusSnapshotsRegistries(t *testing.T) {
	hubs := &fakeHubs{count: 2}
	clients := &fakeClients{count: 3}
	b := New(hubs, clients, nil, nil)

	status := b.Status()
	assert.True(t, status.HubConnected)
	assert.Equal(t, 3, status.Clients)
	assert.Equal(t, 2, status.Hubs)
	assert.Equal(t, 0, status.BufferedBytes)

	hubs.count = 0
	assert.False(t, b.Status().HubConnected)
}
