package relay

import (
	"encoding/json"
	"time"
)

// Kind names the relayable event families.
type Kind string

const (
	KindMessage    Kind = "message"
	KindTyping     Kind = "typing"
	KindCallOffer  Kind = "call-offer"
	KindCallAnswer Kind = "call-answer"
	KindCallEnd    Kind = "call-end"
)

// Inbound is an event sent by an admitted connection. The set of
// implementations is closed to this package.
type Inbound interface {
	Kind() Kind
	Target() string
	inbound()
}

// PrivateMessage carries an already persisted message payload to the target.
type PrivateMessage struct {
	TargetID string
	Payload  json.RawMessage
}

// Typing mirrors the sender's typing indicator for one peer.
type Typing struct {
	TargetID string
	IsTyping bool
}

// CallOffer starts call signaling with the target.
type CallOffer struct {
	TargetID string
	Signal   json.RawMessage
	CallType string
}

// CallAnswer answers a previously received offer.
type CallAnswer struct {
	TargetID string
	Signal   json.RawMessage
}

// CallEnd hangs up a call with the target.
type CallEnd struct {
	TargetID string
}

func (PrivateMessage) Kind() Kind { return KindMessage }
func (Typing) Kind() Kind         { return KindTyping }
func (CallOffer) Kind() Kind      { return KindCallOffer }
func (CallAnswer) Kind() Kind     { return KindCallAnswer }
func (CallEnd) Kind() Kind        { return KindCallEnd }

func (e PrivateMessage) Target() string { return e.TargetID }
func (e Typing) Target() string         { return e.TargetID }
func (e CallOffer) Target() string      { return e.TargetID }
func (e CallAnswer) Target() string     { return e.TargetID }
func (e CallEnd) Target() string        { return e.TargetID }

func (PrivateMessage) inbound() {}
func (Typing) inbound()         {}
func (CallOffer) inbound()      {}
func (CallAnswer) inbound()     {}
func (CallEnd) inbound()        {}

// Outbound is an event written to a connection.
type Outbound interface {
	Name() string
	outbound()
}

type MessageDelivered struct {
	SenderID string
	Payload  json.RawMessage
}

type TypingChanged struct {
	SenderID string
	IsTyping bool
}

type PresenceChanged struct {
	UserID   string
	Status   Status
	LastSeen time.Time
}

type CallIncoming struct {
	SenderID string
	Signal   json.RawMessage
	CallType string
}

type CallAnswered struct {
	SenderID string
	Signal   json.RawMessage
}

type CallEnded struct{}

// AuthOK confirms admission of the receiving connection.
type AuthOK struct {
	UserID       string
	ConnectionID string
}

// AuthRejected is the single rejection a connection sees before it is closed.
type AuthRejected struct {
	Reason string
}

// PresenceSnapshot lists the users online at the moment a connection is admitted.
type PresenceSnapshot struct {
	Online []string
}

// Failure reports a refused client frame. Relay outcomes never produce one.
type Failure struct {
	Code    string
	Message string
}

func (MessageDelivered) Name() string { return "message-delivered" }
func (TypingChanged) Name() string    { return "typing-changed" }
func (PresenceChanged) Name() string  { return "presence-changed" }
func (CallIncoming) Name() string     { return "call-incoming" }
func (CallAnswered) Name() string     { return "call-answered" }
func (CallEnded) Name() string        { return "call-ended" }
func (AuthOK) Name() string           { return "auth-ok" }
func (AuthRejected) Name() string     { return "auth-rejected" }
func (PresenceSnapshot) Name() string { return "presence-snapshot" }
func (Failure) Name() string          { return "error" }

func (MessageDelivered) outbound() {}
func (TypingChanged) outbound()    {}
func (PresenceChanged) outbound()  {}
func (CallIncoming) outbound()     {}
func (CallAnswered) outbound()     {}
func (CallEnded) outbound()        {}
func (AuthOK) outbound()           {}
func (AuthRejected) outbound()     {}
func (PresenceSnapshot) outbound() {}
func (Failure) outbound()          {}

// Envelope is one addressed event on its way through the dispatcher.
type Envelope struct {
	Kind     Kind
	SenderID string
	TargetID string
	Event    Inbound
}

// NewEnvelope addresses an inbound event from sender to the event's target.
func NewEnvelope(senderID string, event Inbound) Envelope {
	return Envelope{
		Kind:     event.Kind(),
		SenderID: senderID,
		TargetID: event.Target(),
		Event:    event,
	}
}

// Outbound converts the envelope into the event the target's connections
// receive. Payloads and signals are passed through untouched.
func (e Envelope) Outbound() Outbound {
	switch event := e.Event.(type) {
	case PrivateMessage:
		return MessageDelivered{SenderID: e.SenderID, Payload: event.Payload}
	case Typing:
		return TypingChanged{SenderID: e.SenderID, IsTyping: event.IsTyping}
	case CallOffer:
		return CallIncoming{SenderID: e.SenderID, Signal: event.Signal, CallType: event.CallType}
	case CallAnswer:
		return CallAnswered{SenderID: e.SenderID, Signal: event.Signal}
	case CallEnd:
		return CallEnded{}
	}
	return nil
}
