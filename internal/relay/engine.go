// Package relay routes chat and call negotiation events between identified
// sessions. Chat messages are persisted before any delivery attempt;
// negotiation payloads are passed through without interpretation or state.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/arcline/chat-relay/internal/config"
	"github.com/arcline/chat-relay/internal/metrics"
	"github.com/arcline/chat-relay/internal/protocol"
	"github.com/arcline/chat-relay/internal/roster"
	"github.com/arcline/chat-relay/internal/store"
)

// MessageStore is the durable message log the engine writes through.
// *store.Store satisfies it; tests inject failing fakes.
type MessageStore interface {
	Append(sender, receiver, content string) (store.Message, error)
	MarkRead(id uint64) (store.Message, error)
	History(a, b string) ([]store.Message, error)
}

// signalRoute maps an inbound negotiation event to its outbound counterpart
// and the payload field forwarded verbatim.
type signalRoute struct {
	outType protocol.EventType
	field   string
	payload func(protocol.Event) json.RawMessage
}

var signalRoutes = map[protocol.EventType]signalRoute{
	protocol.EventCallUser: {
		outType: protocol.EventCallMade,
		field:   "offer",
		payload: func(ev protocol.Event) json.RawMessage { return ev.Offer },
	},
	protocol.EventMakeAnswer: {
		outType: protocol.EventAnswerMade,
		field:   "answer",
		payload: func(ev protocol.Event) json.RawMessage { return ev.Answer },
	},
	protocol.EventICE: {
		outType: protocol.EventICE,
		field:   "candidate",
		payload: func(ev protocol.Event) json.RawMessage { return ev.Candidate },
	},
	protocol.EventRejectCall: {
		outType: protocol.EventCallRejected,
		payload: func(protocol.Event) json.RawMessage { return nil },
	},
	protocol.EventEndCall: {
		outType: protocol.EventCallEnded,
		payload: func(protocol.Event) json.RawMessage { return nil },
	},
}

// Engine executes parsed client events against the session directory and the
// message store.
type Engine struct {
	registry     *roster.Registry
	store        MessageStore
	metrics      *metrics.Metrics
	log          *slog.Logger
	receiptScope config.ReadReceiptScope
}

func NewEngine(registry *roster.Registry, msgStore MessageStore, m *metrics.Metrics, logger *slog.Logger, receiptScope config.ReadReceiptScope) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if receiptScope == "" {
		receiptScope = config.DefaultReadReceiptScope
	}
	return &Engine{
		registry:     registry,
		store:        msgStore,
		metrics:      m,
		log:          logger,
		receiptScope: receiptScope,
	}
}

// HandleConnect registers a fresh session with the directory.
func (e *Engine) HandleConnect(sess *roster.Session) {
	e.registry.Register(sess)
	e.metrics.Inc(metrics.EventSessionsOpened)
}

// HandleDisconnect removes a session. The identity stays routable as long as
// it has other live sessions.
func (e *Engine) HandleDisconnect(sess *roster.Session) {
	e.registry.Deregister(sess)
	e.metrics.Inc(metrics.EventSessionsClosed)
}

// HandleEvent dispatches one parsed event from sess. The returned error is a
// client-facing protocol violation; transient failures (store errors, absent
// peers) are handled in-band and do not error.
func (e *Engine) HandleEvent(sess *roster.Session, ev protocol.Event) error {
	switch ev.Type {
	case protocol.EventJoin:
		e.handleJoin(sess, ev)
		return nil
	case protocol.EventSend:
		e.handleSend(sess, ev)
		return nil
	case protocol.EventMarkRead:
		e.handleMarkRead(sess, ev)
		return nil
	case protocol.EventCallUser, protocol.EventMakeAnswer, protocol.EventICE,
		protocol.EventRejectCall, protocol.EventEndCall:
		e.handleSignal(sess, ev)
		return nil
	case protocol.EventAuth:
		return fmt.Errorf("auth event after handshake")
	default:
		return fmt.Errorf("unroutable event type %q", ev.Type)
	}
}

func (e *Engine) handleJoin(sess *roster.Session, ev protocol.Event) {
	e.registry.Bind(sess, ev.Identity)
	e.metrics.Inc(metrics.EventIdentitiesBound)
	e.log.Info("identity joined", "identity", ev.Identity, "session", sess.ID())
}

// handleSend persists the message, then fans it out to every session of the
// receiver and confirms to the sender. Persistence failure aborts delivery
// and reports to the sender only.
func (e *Engine) handleSend(sess *roster.Session, ev protocol.Event) {
	msg, err := e.store.Append(ev.Sender, ev.Receiver, ev.Content)
	if err != nil {
		e.metrics.Inc(metrics.EventMessageError)
		e.log.Error("persisting message", "sender", ev.Sender, "receiver", ev.Receiver, "error", err)
		sess.Enqueue(protocol.MessageError(protocol.ErrCodeStoreUnavailable, "message could not be stored"))
		return
	}
	e.metrics.Inc(metrics.EventMessagePersisted)

	wire := wireMessage(msg)
	receivers := e.registry.SessionsFor(msg.Receiver)
	if len(receivers) == 0 {
		e.metrics.Inc(metrics.EventRoutingMiss)
		e.log.Debug("receiver offline, message stored only", "receiver", msg.Receiver, "id", msg.ID)
	}
	for _, r := range receivers {
		if r.Enqueue(protocol.ReceiveMessage(wire)) {
			e.metrics.Inc(metrics.EventMessageDelivered)
		} else {
			e.metrics.Inc(metrics.EventSendQueueOverrun)
		}
	}

	sess.Enqueue(protocol.MessageSent(wire))
}

// handleMarkRead flips the read flag and announces it. Unlike delivery
// misses, failures here are surfaced to the caller: a client acting on a
// silent failure would render a message as read that never was.
func (e *Engine) handleMarkRead(sess *roster.Session, ev protocol.Event) {
	msg, err := e.store.MarkRead(ev.MessageID)
	if err != nil {
		e.metrics.Inc(metrics.EventMessageError)
		switch {
		case errors.Is(err, store.ErrNotFound):
			sess.Enqueue(protocol.MessageError(protocol.ErrCodeNotFound, fmt.Sprintf("message %d not found", ev.MessageID)))
		default:
			e.log.Error("marking message read", "id", ev.MessageID, "error", err)
			sess.Enqueue(protocol.MessageError(protocol.ErrCodeStoreUnavailable, "read state could not be updated"))
		}
		return
	}

	e.metrics.Inc(metrics.EventReadReceipt)
	receipt := protocol.MessageRead(msg.ID)

	switch e.receiptScope {
	case config.ReadReceiptScopePair:
		delivered := make(map[*roster.Session]struct{})
		for _, identity := range []string{msg.Sender, msg.Receiver} {
			for _, s := range e.registry.SessionsFor(identity) {
				if _, seen := delivered[s]; seen {
					continue
				}
				delivered[s] = struct{}{}
				s.Enqueue(receipt)
			}
		}
	default:
		e.registry.Broadcast(receipt)
	}
}

// handleSignal forwards a negotiation event to every session of the target
// identity. The "from" identity is the caller-declared one, forwarded
// verbatim. An absent target is a silent drop: negotiation is best-effort
// and the caller's ICE/answer timeouts handle the rest.
func (e *Engine) handleSignal(sess *roster.Session, ev protocol.Event) {
	route := signalRoutes[ev.Type]

	targets := e.registry.SessionsFor(ev.To)
	if len(targets) == 0 {
		e.metrics.Inc(metrics.EventSignalDropped)
		e.metrics.Inc(metrics.EventRoutingMiss)
		e.log.Debug("signal target absent", "type", ev.Type, "to", ev.To, "from", ev.From)
		return
	}

	payload := protocol.Signal(route.outType, route.field, route.payload(ev), ev.From)
	for _, tgt := range targets {
		if tgt.Enqueue(payload) {
			e.metrics.Inc(metrics.EventSignalRelayed)
		} else {
			e.metrics.Inc(metrics.EventSendQueueOverrun)
		}
	}
}

// History reads the full conversation between two identities, oldest first.
// Exposed for the REST history endpoint.
func (e *Engine) History(a, b string) ([]protocol.Message, error) {
	msgs, err := e.store.History(a, b)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.Message, len(msgs))
	for i, m := range msgs {
		out[i] = wireMessage(m)
	}
	return out, nil
}

func wireMessage(m store.Message) protocol.Message {
	return protocol.Message{
		ID:        m.ID,
		Sender:    m.Sender,
		Receiver:  m.Receiver,
		Content:   m.Content,
		Timestamp: m.Timestamp,
		IsRead:    m.IsRead,
	}
}
