package httpserver

import (
	"net/http"
	"strings"

	"github.com/pion/webrtc/v4"
)

// handleICEServers serves the STUN/TURN list clients hand to
// RTCPeerConnection. When a TURN REST generator is configured, TURN entries
// get fresh ephemeral credentials on every request.
func (s *Server) handleICEServers(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.ICEConfigError(); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}

	servers := s.cfg.ICEServers
	if s.deps.Turn != nil {
		creds, err := s.deps.Turn.GenerateAnonymous()
		if err != nil {
			s.log.Error("minting TURN credentials", "error", err)
			WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "TURN credentials unavailable"})
			return
		}
		servers = withTurnCredentials(servers, creds.Username, creds.Credential)
	}
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}

	WriteJSON(w, http.StatusOK, map[string]any{"iceServers": servers})
}

// handleTurnCredentials serves raw TURN REST credentials for clients that
// assemble their own ICE configuration.
func (s *Server) handleTurnCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := s.deps.Turn.GenerateAnonymous()
	if err != nil {
		s.log.Error("minting TURN credentials", "error", err)
		WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "TURN credentials unavailable"})
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"username":   creds.Username,
		"credential": creds.Credential,
		"ttlSeconds": creds.TTLSeconds,
		"expiresAt":  creds.ExpiryUnix,
		"realm":      s.cfg.TURNREST.Realm,
	})
}

// withTurnCredentials copies the server list, overriding the credentials on
// every entry that carries a turn: or turns: URL.
func withTurnCredentials(servers []webrtc.ICEServer, username, credential string) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, len(servers))
	for i, server := range servers {
		out[i] = server
		if hasTurnURL(server) {
			out[i].Username = username
			out[i].Credential = credential
		}
	}
	return out
}

func hasTurnURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		u := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			return true
		}
	}
	return false
}
