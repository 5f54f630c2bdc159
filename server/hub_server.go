package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/room4-2/voicebridge/config"
	"github.com/room4-2/voicebridge/hub"
	"github.com/room4-2/voicebridge/wyoming"
)

// HubServer accepts connections from the voice-assistant hub on a plain TCP
// listener and hands each one to a Link. The hub dials us; we never dial out.
type HubServer struct {
	addr     string
	identity wyoming.SatelliteInfo
	registry *hub.Registry
	sink     hub.TTSSink
	log      *zap.Logger
	linkLog  *zap.Logger

	listener net.Listener

	mu      sync.Mutex
	closing bool
}

// NewHubServer builds the hub listener. The identity is advertised to every
// connection in the satellite handshake.
func NewHubServer(cfg *config.Config, registry *hub.Registry, sink hub.TTSSink, logger *zap.Logger) *HubServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HubServer{
		addr: fmt.Sprintf("%s:%d", cfg.HubHost, cfg.HubPort),
		identity: wyoming.SatelliteInfo{
			Name:        cfg.Name,
			Area:        cfg.Area,
			Description: cfg.Description,
			Version:     cfg.Version,
			Attribution: wyoming.Attribution{
				Name: "voicebridge",
				URL:  "https://github.com/room4-2/voicebridge",
			},
			Capabilities: []string{"wake", "mic", "snd"},
			SndFormat: wyoming.AudioFormat{
				Rate:     cfg.SndRate,
				Width:    2,
				Channels: 1,
			},
		},
		registry: registry,
		sink:     sink,
		log:      logger.With(zap.String("component", "hub_server")),
		linkLog:  logger,
	}
}

// Listen binds the TCP listener. Bind failures are fatal to startup.
func (s *HubServer) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("bind hub listener %s: %w", s.addr, err)
	}
	s.listener = ln
	return nil
}

// Addr returns the bound address. Only valid after Listen.
func (s *HubServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts hub connections until the listener closes. Each connection
// gets its own link goroutine; a link failure never stops the accept loop.
func (s *HubServer) Serve(ctx context.Context) error {
	s.log.Info("🚀 hub listener serving", zap.String("addr", s.listener.Addr().String()))

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.isClosing() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn("accept failed", zap.Error(err))
			continue
		}

		link := hub.NewLink(conn, s.identity, s.sink, s.linkLog)
		s.registry.Add(link)
		go func() {
			link.Run(ctx)
			s.registry.Remove(link.ID)
		}()
	}
}

// Shutdown stops accepting new hub connections. Live links are closed
// separately through the registry.
func (s *HubServer) Shutdown() error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *HubServer) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}
