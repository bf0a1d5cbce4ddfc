package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"relaychat/internal/relay"
)

// wsFrame is the JSON envelope exchanged in both directions.
type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Inbound frame types.
const (
	frameAuth           = "auth"
	framePrivateMessage = "private-message"
	frameTyping         = "typing"
	frameCallOffer      = "call-offer"
	frameCallAnswer     = "call-answer"
	frameCallEnd        = "call-end"
)

// Error codes carried by "error" frames.
const (
	codeInvalidArgument = "INVALID_ARGUMENT"
	codeUnknownType     = "UNKNOWN_TYPE"
	codeRateLimited     = "RATE_LIMITED"
	codeSelfRelay       = "SELF_RELAY"
	codeFailedState     = "FAILED_PRECONDITION"
)

var (
	errEmptyFrame   = errors.New("frame type is required")
	errUnknownFrame = errors.New("unknown frame type")
)

type authPayload struct {
	Token string `json:"token"`
}

type privateMessagePayload struct {
	TargetID string          `json:"targetId"`
	Payload  json.RawMessage `json:"payload"`
}

type typingPayload struct {
	TargetID string `json:"targetId"`
	IsTyping bool   `json:"isTyping"`
}

type callOfferPayload struct {
	TargetID string          `json:"targetId"`
	Signal   json.RawMessage `json:"signal"`
	CallType string          `json:"callType"`
}

type callAnswerPayload struct {
	TargetID string          `json:"targetId"`
	Signal   json.RawMessage `json:"signal"`
}

type callEndPayload struct {
	TargetID string `json:"targetId"`
}

type messageDeliveredPayload struct {
	SenderID string          `json:"senderId"`
	Payload  json.RawMessage `json:"payload"`
}

type typingChangedPayload struct {
	SenderID string `json:"senderId"`
	IsTyping bool   `json:"isTyping"`
}

type presenceChangedPayload struct {
	UserID   string     `json:"userId"`
	Status   string     `json:"status"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

type callIncomingPayload struct {
	SenderID string          `json:"senderId"`
	Signal   json.RawMessage `json:"signal"`
	CallType string          `json:"callType"`
}

type callAnsweredPayload struct {
	SenderID string          `json:"senderId"`
	Signal   json.RawMessage `json:"signal"`
}

type authOKPayload struct {
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId"`
}

type authRejectedPayload struct {
	Reason string `json:"reason"`
}

type presenceSnapshotPayload struct {
	Online []string `json:"online"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func decodeFrame(data []byte) (wsFrame, error) {
	var frame wsFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return wsFrame{}, fmt.Errorf("decode frame: %w", err)
	}
	frame.Type = strings.TrimSpace(frame.Type)
	if frame.Type == "" {
		return wsFrame{}, errEmptyFrame
	}
	return frame, nil
}

// decodeAuth extracts the token from an "auth" frame.
func decodeAuth(frame wsFrame) (string, error) {
	if frame.Type != frameAuth {
		return "", fmt.Errorf("expected %q frame, got %q", frameAuth, frame.Type)
	}
	var p authPayload
	if err := unmarshalPayload(frame.Payload, &p); err != nil {
		return "", err
	}
	return strings.TrimSpace(p.Token), nil
}

// decodeInbound maps a client frame onto the relay event vocabulary.
func decodeInbound(frame wsFrame) (relay.Inbound, error) {
	switch frame.Type {
	case framePrivateMessage:
		var p privateMessagePayload
		if err := unmarshalPayload(frame.Payload, &p); err != nil {
			return nil, err
		}
		if len(p.Payload) == 0 {
			return nil, errors.New("payload is required")
		}
		return relay.PrivateMessage{TargetID: strings.TrimSpace(p.TargetID), Payload: p.Payload}, nil
	case frameTyping:
		var p typingPayload
		if err := unmarshalPayload(frame.Payload, &p); err != nil {
			return nil, err
		}
		return relay.Typing{TargetID: strings.TrimSpace(p.TargetID), IsTyping: p.IsTyping}, nil
	case frameCallOffer:
		var p callOfferPayload
		if err := unmarshalPayload(frame.Payload, &p); err != nil {
			return nil, err
		}
		return relay.CallOffer{TargetID: strings.TrimSpace(p.TargetID), Signal: p.Signal, CallType: p.CallType}, nil
	case frameCallAnswer:
		var p callAnswerPayload
		if err := unmarshalPayload(frame.Payload, &p); err != nil {
			return nil, err
		}
		return relay.CallAnswer{TargetID: strings.TrimSpace(p.TargetID), Signal: p.Signal}, nil
	case frameCallEnd:
		var p callEndPayload
		if err := unmarshalPayload(frame.Payload, &p); err != nil {
			return nil, err
		}
		return relay.CallEnd{TargetID: strings.TrimSpace(p.TargetID)}, nil
	}
	return nil, fmt.Errorf("%w: %q", errUnknownFrame, frame.Type)
}

func unmarshalPayload(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return errors.New("payload is required")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

// encodeOutbound renders a server event as a frame.
func encodeOutbound(event relay.Outbound) ([]byte, error) {
	var payload any
	switch ev := event.(type) {
	case relay.MessageDelivered:
		payload = messageDeliveredPayload{SenderID: ev.SenderID, Payload: ev.Payload}
	case relay.TypingChanged:
		payload = typingChangedPayload{SenderID: ev.SenderID, IsTyping: ev.IsTyping}
	case relay.PresenceChanged:
		p := presenceChangedPayload{UserID: ev.UserID, Status: string(ev.Status)}
		if !ev.LastSeen.IsZero() {
			seen := ev.LastSeen.UTC()
			p.LastSeen = &seen
		}
		payload = p
	case relay.CallIncoming:
		payload = callIncomingPayload{SenderID: ev.SenderID, Signal: ev.Signal, CallType: ev.CallType}
	case relay.CallAnswered:
		payload = callAnsweredPayload{SenderID: ev.SenderID, Signal: ev.Signal}
	case relay.CallEnded:
		payload = struct{}{}
	case relay.AuthOK:
		payload = authOKPayload{UserID: ev.UserID, ConnectionID: ev.ConnectionID}
	case relay.AuthRejected:
		payload = authRejectedPayload{Reason: ev.Reason}
	case relay.PresenceSnapshot:
		online := ev.Online
		if online == nil {
			online = []string{}
		}
		payload = presenceSnapshotPayload{Online: online}
	case relay.Failure:
		payload = wsError{Code: ev.Code, Message: ev.Message}
	default:
		return nil, fmt.Errorf("unsupported outbound event %T", event)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wsFrame{Type: event.Name(), Payload: raw})
}

// decodeOutbound is the client-side inverse of encodeOutbound.
func decodeOutbound(data []byte) (relay.Outbound, error) {
	frame, err := decodeFrame(data)
	if err != nil {
		return nil, err
	}
	switch frame.Type {
	case relay.MessageDelivered{}.Name():
		var p messageDeliveredPayload
		if err := unmarshalPayload(frame.Payload, &p); err != nil {
			return nil, err
		}
		return relay.MessageDelivered{SenderID: p.SenderID, Payload: p.Payload}, nil
	case relay.TypingChanged{}.Name():
		var p typingChangedPayload
		if err := unmarshalPayload(frame.Payload, &p); err != nil {
			return nil, err
		}
		return relay.TypingChanged{SenderID: p.SenderID, IsTyping: p.IsTyping}, nil
	case relay.PresenceChanged{}.Name():
		var p presenceChangedPayload
		if err := unmarshalPayload(frame.Payload, &p); err != nil {
			return nil, err
		}
		ev := relay.PresenceChanged{UserID: p.UserID, Status: relay.Status(p.Status)}
		if p.LastSeen != nil {
			ev.LastSeen = *p.LastSeen
		}
		return ev, nil
	case relay.CallIncoming{}.Name():
		var p callIncomingPayload
		if err := unmarshalPayload(frame.Payload, &p); err != nil {
			return nil, err
		}
		return relay.CallIncoming{SenderID: p.SenderID, Signal: p.Signal, CallType: p.CallType}, nil
	case relay.CallAnswered{}.Name():
		var p callAnsweredPayload
		if err := unmarshalPayload(frame.Payload, &p); err != nil {
			return nil, err
		}
		return relay.CallAnswered{SenderID: p.SenderID, Signal: p.Signal}, nil
	case relay.CallEnded{}.Name():
		return relay.CallEnded{}, nil
	case relay.AuthOK{}.Name():
		var p authOKPayload
		if err := unmarshalPayload(frame.Payload, &p); err != nil {
			return nil, err
		}
		return relay.AuthOK{UserID: p.UserID, ConnectionID: p.ConnectionID}, nil
	case relay.AuthRejected{}.Name():
		var p authRejectedPayload
		if err := unmarshalPayload(frame.Payload, &p); err != nil {
			return nil, err
		}
		return relay.AuthRejected{Reason: p.Reason}, nil
	case relay.PresenceSnapshot{}.Name():
		var p presenceSnapshotPayload
		if err := unmarshalPayload(frame.Payload, &p); err != nil {
			return nil, err
		}
		return relay.PresenceSnapshot{Online: p.Online}, nil
	case relay.Failure{}.Name():
		var p wsError
		if err := unmarshalPayload(frame.Payload, &p); err != nil {
			return nil, err
		}
		return relay.Failure{Code: p.Code, Message: p.Message}, nil
	}
	return nil, fmt.Errorf("%w: %q", errUnknownFrame, frame.Type)
}

// encodeInbound builds the client frame for an event.
func encodeInbound(event relay.Inbound) ([]byte, error) {
	var (
		kind    string
		payload any
	)
	switch ev := event.(type) {
	case relay.PrivateMessage:
		kind, payload = framePrivateMessage, privateMessagePayload{TargetID: ev.TargetID, Payload: ev.Payload}
	case relay.Typing:
		kind, payload = frameTyping, typingPayload{TargetID: ev.TargetID, IsTyping: ev.IsTyping}
	case relay.CallOffer:
		kind, payload = frameCallOffer, callOfferPayload{TargetID: ev.TargetID, Signal: ev.Signal, CallType: ev.CallType}
	case relay.CallAnswer:
		kind, payload = frameCallAnswer, callAnswerPayload{TargetID: ev.TargetID, Signal: ev.Signal}
	case relay.CallEnd:
		kind, payload = frameCallEnd, callEndPayload{TargetID: ev.TargetID}
	default:
		return nil, fmt.Errorf("unsupported inbound event %T", event)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wsFrame{Type: kind, Payload: raw})
}

func encodeAuth(token string) ([]byte, error) {
	raw, err := json.Marshal(authPayload{Token: token})
	if err != nil {
		return nil, err
	}
	return json.Marshal(wsFrame{Type: frameAuth, Payload: raw})
}
