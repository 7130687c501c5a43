// Package protocol defines the JSON events exchanged over the relay's
// WebSocket. Inbound events are parsed strictly; outbound events are built by
// helpers so every producer emits the same shapes.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type EventType string

// Inbound event types.
const (
	EventAuth       EventType = "auth"
	EventJoin       EventType = "join"
	EventSend       EventType = "sendMessage"
	EventMarkRead   EventType = "markAsRead"
	EventCallUser   EventType = "call-user"
	EventMakeAnswer EventType = "make-answer"
	EventICE        EventType = "ice-candidate"
	EventRejectCall EventType = "reject-call"
	EventEndCall    EventType = "end-call"
)

// Outbound event types.
const (
	EventReceiveMessage EventType = "receiveMessage"
	EventMessageSent    EventType = "messageSent"
	EventMessageRead    EventType = "messageRead"
	EventMessageError   EventType = "messageError"
	EventCallMade       EventType = "call-made"
	EventAnswerMade     EventType = "answer-made"
	EventCallRejected   EventType = "call-rejected"
	EventCallEnded      EventType = "call-ended"
)

// Event is the inbound envelope. Which fields are meaningful depends on
// Type; Parse validates per type.
type Event struct {
	Type EventType `json:"type"`

	// join
	Identity string `json:"identity,omitempty"`

	// sendMessage
	Sender   string `json:"sender,omitempty"`
	Receiver string `json:"receiver,omitempty"`
	Content  string `json:"content,omitempty"`

	// markAsRead
	MessageID uint64 `json:"messageId,omitempty"`

	// Session negotiation. From, Offer, Answer, and Candidate are relayed
	// verbatim; the relay never interprets SDP or ICE payloads.
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// Parse decodes and validates an inbound event. Unknown top-level fields and
// unknown event types are rejected.
func Parse(data []byte) (Event, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var ev Event
	if err := dec.Decode(&ev); err != nil {
		return Event{}, fmt.Errorf("malformed event: %w", err)
	}

	if err := ev.validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

func (ev Event) validate() error {
	switch ev.Type {
	case EventJoin:
		if strings.TrimSpace(ev.Identity) == "" {
			return fmt.Errorf("join: identity must be non-empty")
		}
	case EventSend:
		if strings.TrimSpace(ev.Sender) == "" {
			return fmt.Errorf("sendMessage: sender must be non-empty")
		}
		if strings.TrimSpace(ev.Receiver) == "" {
			return fmt.Errorf("sendMessage: receiver must be non-empty")
		}
	case EventMarkRead:
		if ev.MessageID == 0 {
			return fmt.Errorf("markAsRead: messageId must be set")
		}
	case EventCallUser:
		if err := ev.requireTo(); err != nil {
			return err
		}
		if len(ev.Offer) == 0 {
			return fmt.Errorf("%s: offer must be set", ev.Type)
		}
	case EventMakeAnswer:
		if err := ev.requireTo(); err != nil {
			return err
		}
		if len(ev.Answer) == 0 {
			return fmt.Errorf("%s: answer must be set", ev.Type)
		}
	case EventICE:
		if err := ev.requireTo(); err != nil {
			return err
		}
		if len(ev.Candidate) == 0 {
			return fmt.Errorf("%s: candidate must be set", ev.Type)
		}
	case EventRejectCall, EventEndCall:
		if err := ev.requireTo(); err != nil {
			return err
		}
	case EventAuth:
		// Credential extraction happens during the connection handshake; an
		// auth event after the handshake is a client error.
	case "":
		return fmt.Errorf("event type must be set")
	default:
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
	return nil
}

func (ev Event) requireTo() error {
	if strings.TrimSpace(ev.To) == "" {
		return fmt.Errorf("%s: to must be non-empty", ev.Type)
	}
	return nil
}

// Message is the wire form of a stored chat message.
type Message struct {
	ID        uint64    `json:"id"`
	Sender    string    `json:"sender"`
	Receiver  string    `json:"receiver"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	IsRead    bool      `json:"isRead"`
}

type messageEnvelope struct {
	Type    EventType `json:"type"`
	Message Message   `json:"message"`
}

// ReceiveMessage is sent to every session of the receiver.
func ReceiveMessage(msg Message) []byte {
	return marshal(messageEnvelope{Type: EventReceiveMessage, Message: msg})
}

// MessageSent confirms persistence and delivery attempt to the sender.
func MessageSent(msg Message) []byte {
	return marshal(messageEnvelope{Type: EventMessageSent, Message: msg})
}

// MessageRead announces that a message's read flag flipped.
func MessageRead(id uint64) []byte {
	return marshal(struct {
		Type      EventType `json:"type"`
		MessageID uint64    `json:"messageId"`
	}{Type: EventMessageRead, MessageID: id})
}

// Error codes carried by messageError events.
const (
	ErrCodeStoreUnavailable = "store_unavailable"
	ErrCodeNotFound         = "not_found"
	ErrCodeBadRequest       = "bad_request"
)

// MessageError reports a failed sendMessage or markAsRead to its originator.
func MessageError(code, message string) []byte {
	type wireError struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	return marshal(struct {
		Type  EventType `json:"type"`
		Error wireError `json:"error"`
	}{Type: EventMessageError, Error: wireError{Code: code, Message: message}})
}

// Signal builds a relayed negotiation event. The payload is forwarded under
// field exactly as the caller sent it, along with the caller-declared "from"
// identity.
func Signal(outType EventType, field string, payload json.RawMessage, from string) []byte {
	m := map[string]any{
		"type": outType,
		"from": from,
	}
	if field != "" && len(payload) > 0 {
		m[field] = payload
	}
	return marshal(m)
}

func marshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// Only reachable with an unmarshalable payload, which Parse never
		// produces.
		panic(fmt.Sprintf("protocol: marshal %T: %v", v, err))
	}
	return data
}
