package webrtc

import "github.com/pion/webrtc/v3"

const dataChannelLabel = "NSChannel"

// DefaultSTUNConfig builds a configuration that gathers candidates through
// the given STUN servers. Each server is its own ICE server entry so a
// failing one does not hide the others.
func DefaultSTUNConfig(servers ...string) webrtc.Configuration {
	iceServers := make([]webrtc.ICEServer, 0, len(servers))
	for _, server := range servers {
		if server == "" {
			continue
		}
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{server}})
	}
	return webrtc.Configuration{
		ICEServers:         iceServers,
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
	}
}

func DefaultDataChannelConfig() *webrtc.DataChannelInit {
	ordered := true
	return &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: nil,
	}
}
