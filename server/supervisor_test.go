package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/room4-2/voicebridge/bridge"
	"github.com/room4-2/voicebridge/config"
	"github.com/room4-2/voicebridge/hub"
	"github.com/room4-2/voicebridge/session"
	"github.com/room4-2/voicebridge/wyoming"
)

func testConfig() *config.Config {
	return &config.Config{
		ClientHost:      "127.0.0.1",
		ClientPort:      0, // ephemeral
		HubHost:         "127.0.0.1",
		HubPort:         0,
		AllowedOrigins:  []string{"*"},
		AuthTimeout:     time.Second,
		ShutdownTimeout: time.Second,
		Name:            "test-satellite",
		Area:            "Lab",
		Description:     "end to end test",
		Version:         "0.0.1",
		SndRate:         22050,
		MaxClients:      10,
	}
}

type testServer struct {
	cfg          *config.Config
	supervisor   *Supervisor
	clientServer *ClientServer
	hubServer    *HubServer
}

func startTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := testConfig()

	registry := hub.NewRegistry(nil)
	manager := session.NewManager(session.ManagerConfig{
		MaxClients:  cfg.MaxClients,
		AuthToken:   cfg.AuthToken,
		AuthTimeout: cfg.AuthTimeout,
	}, nil)
	b := bridge.New(registry, manager, nil, nil)

	clientServer := NewClientServer(cfg, manager, b, nil, nil)
	hubServer := NewHubServer(cfg, registry, b, nil)
	supervisor := NewSupervisor(clientServer, hubServer, registry, manager, b, cfg.ShutdownTimeout, nil)

	require.NoError(t, supervisor.Start(context.Background()))
	require.Equal(t, StateRunning, supervisor.State())
	t.Cleanup(supervisor.Stop)

	return &testServer{cfg: cfg, supervisor: supervisor, clientServer: clientServer, hubServer: hubServer}
}

// dialHub connects as the voice-assistant hub and returns an encoder for
// sending frames plus a channel of decoded frames from the satellite.
func (ts *testServer) dialHub(t *testing.T) (*wyoming.Encoder, <-chan *wyoming.Event) {
	t.Helper()
	conn, err := net.Dial("tcp", ts.hubServer.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	events := make(chan *wyoming.Event, 64)
	go func() {
		dec := wyoming.NewDecoder(conn, nil)
		for {
			ev, err := dec.Next()
			if err != nil {
				close(events)
				return
			}
			events <- ev
		}
	}()
	return wyoming.NewEncoder(conn), events
}

func (ts *testServer) dialClient(t *testing.T) *websocket.Conn {
	t.Helper()
	url := fmt.Sprintf("ws://%s/ws", ts.clientServer.Addr().String())
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitHubEvent(t *testing.T, events <-chan *wyoming.Event, typ string) *wyoming.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "hub connection closed while waiting for %s", typ)
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func TestWakeTriggersOnePipelinePerHub(t *testing.T) {
	ts := startTestServer(t)

	_, hubEvents := ts.dialHub(t)
	handshake := waitHubEvent(t, hubEvents, wyoming.TypeSatellite)
	assert.Equal(t, "test-satellite", handshake.Extra["name"])

	client := ts.dialClient(t)
	require.NoError(t, client.WriteJSON(map[string]string{"type": "wake_detected"}))

	// Mic audio follows the wake; on the wire the pipeline request must come
	// first, and exactly once.
	micPCM := []byte{1, 0, 2, 0, 3, 0, 4, 0}
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, micPCM))

	pipeline := waitHubEvent(t, hubEvents, wyoming.TypeRunPipeline)
	assert.Equal(t, "asr", pipeline.Data["start_stage"])
	assert.Equal(t, "tts", pipeline.Data["end_stage"])

	chunk := waitHubEvent(t, hubEvents, wyoming.TypeAudioChunk)
	assert.Equal(t, micPCM, chunk.Payload)
	assert.EqualValues(t, 16000, chunk.Data["rate"])
}

func TestTTSStreamReachesClientResampled(t *testing.T) {
	ts := startTestServer(t)

	enc, hubEvents := ts.dialHub(t)
	waitHubEvent(t, hubEvents, wyoming.TypeSatellite)

	client := ts.dialClient(t)
	// Make sure the session is active before the hub starts talking.
	require.NoError(t, client.WriteJSON(map[string]string{"type": "ping"}))
	var pong map[string]any
	require.NoError(t, client.ReadJSON(&pong))
	require.Equal(t, "pong", pong["type"])

	format := map[string]any{"rate": 22050, "width": 2, "channels": 1}
	require.NoError(t, enc.Encode(&wyoming.Event{Type: wyoming.TypeAudioStart, Data: format}))

	chunkBytes := 3200 // 100ms at 16-bit 16kHz... at 22050 it's ~72ms
	for i := 0; i < 3; i++ {
		pcm := make([]byte, chunkBytes)
		require.NoError(t, enc.Encode(&wyoming.Event{Type: wyoming.TypeAudioChunk, Data: format, Payload: pcm}))
	}
	require.NoError(t, enc.Encode(&wyoming.Event{Type: wyoming.TypeAudioStop}))

	var sawStart bool
	var binaryFrames int
	var totalBytes int
	for {
		msgType, data, err := client.ReadMessage()
		require.NoError(t, err)
		if msgType == websocket.BinaryMessage {
			binaryFrames++
			totalBytes += len(data)
			continue
		}
		var msg map[string]any
		require.NoError(t, json.Unmarshal(data, &msg))
		if msg["type"] == "audio_start" {
			sawStart = true
			// Clients are told the source rate so they can configure playback.
			assert.EqualValues(t, 22050, msg["rate"])
			continue
		}
		if msg["type"] == "audio_stop" {
			break
		}
	}

	assert.True(t, sawStart, "audio_start must precede the stream")
	assert.GreaterOrEqual(t, binaryFrames, 3)
	// 4800 input samples at 22050 come out as ~3483 samples at 16000.
	assert.InDelta(t, 3483*2, totalBytes, 60)

	// The hub needs the playback acknowledgment.
	waitHubEvent(t, hubEvents, wyoming.TypePlayed)
}

func TestHealthEndpoint(t *testing.T) {
	ts := startTestServer(t)

	resp, err := http.Get(fmt.Sprintf("http://%s/health", ts.clientServer.Addr().String()))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := startTestServer(t)

	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", ts.clientServer.Addr().String()))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStartFailsOnOccupiedPort(t *testing.T) {
	blocker, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer blocker.Close()

	cfg := testConfig()
	cfg.ClientPort = blocker.Addr().(*net.TCPAddr).Port

	registry := hub.NewRegistry(nil)
	manager := session.NewManager(session.ManagerConfig{AuthTimeout: time.Second}, nil)
	b := bridge.New(registry, manager, nil, nil)
	supervisor := NewSupervisor(
		NewClientServer(cfg, manager, b, nil, nil),
		NewHubServer(cfg, registry, b, nil),
		registry, manager, b, cfg.ShutdownTimeout, nil)

	assert.Error(t, supervisor.Start(context.Background()))
	assert.Equal(t, StateStopped, supervisor.State())
}

func TestStopIsIdempotentAndOrdered(t *testing.T) {
	ts := startTestServer(t)

	_, hubEvents := ts.dialHub(t)
	waitHubEvent(t, hubEvents, wyoming.TypeSatellite)
	ts.dialClient(t)

	ts.supervisor.Stop()
	assert.Equal(t, StateStopped, ts.supervisor.State())
	ts.supervisor.Stop() // second call is a no-op

	require.NoError(t, ts.supervisor.Wait())

	// The hub side sees its connection drop.
	select {
	case _, ok := <-hubEvents:
		if ok {
			// Drain any frame in flight; the channel must close soon after.
			for range hubEvents {
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("hub connection survived shutdown")
	}

	// Listeners are gone: new connections are refused.
	_, err := net.DialTimeout("tcp", ts.hubServer.Addr().String(), 500*time.Millisecond)
	assert.Error(t, err)
}
