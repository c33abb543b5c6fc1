package negotiation

import (
	"fmt"

	"rillcast/internal/core/ports"
	"rillcast/pkg/config"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
)

// NewPeerFactory builds one pion API shared by every link on this node:
// default codecs and interceptors (NACK, RTCP reports), the configured
// ICE servers and the UDP port range.
func NewPeerFactory(cfg *config.Config) (ports.PeerFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.WebRTC.PortRange.Min > 0 && cfg.WebRTC.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.WebRTC.PortRange.Min, cfg.WebRTC.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settingEngine),
	)

	pcConfig := webrtc.Configuration{ICEServers: ICEServers(cfg)}
	return func() (ports.PeerConnection, error) {
		pc, err := api.NewPeerConnection(pcConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create peer connection: %w", err)
		}
		return pc, nil
	}, nil
}

func ICEServers(cfg *config.Config) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(cfg.WebRTC.ICEServers))
	for _, s := range cfg.WebRTC.ICEServers {
		server := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		servers = append(servers, server)
	}
	return servers
}
