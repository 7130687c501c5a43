package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "CHAT_RELAY_ICE_SERVERS_JSON"
	envStunURLs       = "CHAT_RELAY_STUN_URLS"
	envTurnURLs       = "CHAT_RELAY_TURN_URLS"
	envTurnUsername   = "CHAT_RELAY_TURN_USERNAME"
	envTurnCredential = "CHAT_RELAY_TURN_CREDENTIAL"
)

// iceServerJSON mirrors the RTCIceServer dictionary shape browsers accept,
// so operators can paste the same JSON they hand to RTCPeerConnection.
type iceServerJSON struct {
	URLs       stringOrStringSlice `json:"urls"`
	Username   string              `json:"username,omitempty"`
	Credential string              `json:"credential,omitempty"`
}

// stringOrStringSlice accepts either "stun:..." or ["stun:...", "turn:..."].
type stringOrStringSlice []string

func (s *stringOrStringSlice) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var multi []string
	if err := json.Unmarshal(data, &multi); err != nil {
		return fmt.Errorf("urls must be a string or array of strings")
	}
	*s = multi
	return nil
}

// ParseICEServersJSON parses an RTCIceServer-style JSON array into pion's
// webrtc.ICEServer list.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var entries []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", envICEServersJSON, err)
	}

	servers := make([]webrtc.ICEServer, 0, len(entries))
	for i, e := range entries {
		if len(e.URLs) == 0 {
			return nil, fmt.Errorf("invalid %s: entry %d has no urls", envICEServersJSON, i)
		}
		for _, u := range e.URLs {
			if err := validateICEURL(u); err != nil {
				return nil, fmt.Errorf("invalid %s: entry %d: %w", envICEServersJSON, i, err)
			}
		}
		server := webrtc.ICEServer{
			URLs:     e.URLs,
			Username: e.Username,
		}
		if e.Credential != "" {
			server.Credential = e.Credential
		}
		servers = append(servers, server)
	}
	return servers, nil
}

// parseICEServersFromValues builds the ICE server list from either the JSON
// config or the convenience STUN/TURN env vars. The JSON form wins when both
// are set.
func parseICEServersFromValues(iceJSON, stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	if strings.TrimSpace(iceJSON) != "" {
		return ParseICEServersJSON(iceJSON)
	}

	var servers []webrtc.ICEServer

	if urls := splitCommaSeparated(stunURLs); len(urls) > 0 {
		for _, u := range urls {
			if err := validateICEURL(u); err != nil {
				return nil, fmt.Errorf("invalid %s: %w", envStunURLs, err)
			}
		}
		servers = append(servers, webrtc.ICEServer{URLs: urls})
	}

	if urls := splitCommaSeparated(turnURLs); len(urls) > 0 {
		for _, u := range urls {
			if err := validateICEURL(u); err != nil {
				return nil, fmt.Errorf("invalid %s: %w", envTurnURLs, err)
			}
		}
		if strings.TrimSpace(turnUsername) == "" || strings.TrimSpace(turnCredential) == "" {
			return nil, fmt.Errorf("%s and %s must both be set when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
		}
		servers = append(servers, webrtc.ICEServer{
			URLs:       urls,
			Username:   turnUsername,
			Credential: turnCredential,
		})
	}

	return servers, nil
}

func validateICEURL(u string) error {
	u = strings.TrimSpace(u)
	if u == "" {
		return fmt.Errorf("empty ICE server URL")
	}
	switch {
	case strings.HasPrefix(u, "stun:"),
		strings.HasPrefix(u, "stuns:"),
		strings.HasPrefix(u, "turn:"),
		strings.HasPrefix(u, "turns:"):
		return nil
	}
	return fmt.Errorf("ICE server URL %q must start with stun:, stuns:, turn:, or turns:", u)
}
