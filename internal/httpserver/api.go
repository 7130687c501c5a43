package httpserver

import (
	"net/http"
	"strings"

	"github.com/arcline/chat-relay/internal/protocol"
)

// handleHistory serves the stored conversation between two identities,
// oldest first. Participant order in the path is irrelevant.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sender := strings.TrimSpace(r.PathValue("sender"))
	receiver := strings.TrimSpace(r.PathValue("receiver"))
	if sender == "" || receiver == "" {
		WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "sender and receiver must be non-empty"})
		return
	}

	messages, err := s.deps.Engine.History(sender, receiver)
	if err != nil {
		s.log.Error("reading conversation history", "sender", sender, "receiver", receiver, "error", err)
		WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "history unavailable"})
		return
	}
	if messages == nil {
		// Encode empty conversations as [] rather than null.
		messages = []protocol.Message{}
	}

	WriteJSON(w, http.StatusOK, map[string]any{"messages": messages})
}
