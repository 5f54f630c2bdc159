// Package metrics exposes the bridge's Prometheus collectors. Everything is
// registered on the default registry and served from the client listener's
// /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HubFramesDecoded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "voicebridge",
		Name:      "hub_frames_decoded_total",
		Help:      "Protocol frames decoded from hub connections.",
	})

	HubNoiseBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "voicebridge",
		Name:      "hub_noise_bytes_total",
		Help:      "Bytes discarded while resynchronizing hub streams.",
	})

	MicBytesRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "voicebridge",
		Name:      "mic_bytes_relayed_total",
		Help:      "Microphone PCM bytes broadcast to hub connections.",
	})

	TTSBytesRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "voicebridge",
		Name:      "tts_bytes_relayed_total",
		Help:      "Synthesized-speech PCM bytes broadcast to clients, after resampling.",
	})

	BroadcastFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voicebridge",
		Name:      "broadcast_failures_total",
		Help:      "Per-link send failures during broadcast fan-out.",
	}, []string{"registry"})

	ActiveHubLinks = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "voicebridge",
		Name:      "hub_links_active",
		Help:      "Currently connected hub links.",
	})

	ActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "voicebridge",
		Name:      "clients_active",
		Help:      "Currently connected audio clients.",
	})

	AuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "voicebridge",
		Name:      "client_auth_failures_total",
		Help:      "Client connections rejected during the auth challenge.",
	})
)
