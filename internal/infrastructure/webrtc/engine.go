package webrtc

import (
	"fmt"
	"time"

	"chatcall/internal/core/domain"
	"chatcall/internal/core/ports"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// EngineConfig holds transport settings shared by every peer connection.
type EngineConfig struct {
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
	// LoopbackCandidates gathers 127.0.0.1 candidates, used by tests.
	LoopbackCandidates bool
}

// DefaultEngineConfig returns pion's usual ICE timeouts.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		DisconnectedTimeout: 5 * time.Second,
		FailedTimeout:       25 * time.Second,
		KeepAliveInterval:   2 * time.Second,
	}
}

// CodecRegistrar fills a media engine with the codecs a capturer produces.
type CodecRegistrar interface {
	RegisterCodecs(m *webrtc.MediaEngine) error
}

// Engine builds peer connections from one shared webrtc.API.
type Engine struct {
	api    *webrtc.API
	stats  *TrackStats
	logger *zap.SugaredLogger
}

// NewEngine configures codecs, the default interceptor chain and ICE
// timeouts. A nil registrar registers pion's default codecs.
func NewEngine(cfg EngineConfig, registrar CodecRegistrar, logger *zap.SugaredLogger) (*Engine, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if registrar != nil {
		if err := registrar.RegisterCodecs(mediaEngine); err != nil {
			return nil, fmt.Errorf("failed to register codecs: %w", err)
		}
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAliveInterval)
	if cfg.LoopbackCandidates {
		settingEngine.SetIncludeLoopbackCandidate(true)
		settingEngine.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(settingEngine),
	)

	return &Engine{
		api:    api,
		stats:  &TrackStats{},
		logger: logger,
	}, nil
}

// NewPeerConnection creates a new WebRTC connection
func (e *Engine) NewPeerConnection(cfg domain.ICEConfig) (ports.PeerConnection, error) {
	servers := make([]webrtc.ICEServer, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		server := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		servers = append(servers, server)
	}

	pc, err := e.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:           servers,
		ICECandidatePoolSize: cfg.CandidatePoolSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	return newPeerConnection(pc, e.stats, e.logger), nil
}

// Stats returns received media counters across all peer connections.
func (e *Engine) Stats() *TrackStats {
	return e.stats
}
