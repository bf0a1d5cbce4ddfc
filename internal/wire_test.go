package internal

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"relaychat/internal/relay"
)

func TestDecodeInbound(t *testing.T) {
	cases := []struct {
		name    string
		frame   string
		want    relay.Inbound
		wantErr bool
	}{
		{
			name:  "private message",
			frame: `{"type":"private-message","payload":{"targetId":" bob ","payload":{"text":"hi"}}}`,
			want:  relay.PrivateMessage{TargetID: "bob", Payload: json.RawMessage(`{"text":"hi"}`)},
		},
		{
			name:  "typing",
			frame: `{"type":"typing","payload":{"targetId":"bob","isTyping":true}}`,
			want:  relay.Typing{TargetID: "bob", IsTyping: true},
		},
		{
			name:  "call end",
			frame: `{"type":"call-end","payload":{"targetId":"bob"}}`,
			want:  relay.CallEnd{TargetID: "bob"},
		},
		{
			name:    "message without payload",
			frame:   `{"type":"private-message","payload":{"targetId":"bob"}}`,
			wantErr: true,
		},
		{
			name:    "missing envelope payload",
			frame:   `{"type":"typing"}`,
			wantErr: true,
		},
		{
			name:    "unknown type",
			frame:   `{"type":"join-room","payload":{}}`,
			wantErr: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			frame, err := decodeFrame([]byte(tc.frame))
			if err != nil {
				t.Fatalf("decodeFrame: %v", err)
			}
			got, err := decodeInbound(frame)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("decodeInbound: %v", err)
			}
			if got.Kind() != tc.want.Kind() || got.Target() != tc.want.Target() {
				t.Fatalf("got %+v, want %+v", got, tc.want)
			}
			if pm, ok := got.(relay.PrivateMessage); ok {
				if string(pm.Payload) != string(tc.want.(relay.PrivateMessage).Payload) {
					t.Fatalf("payload = %s", pm.Payload)
				}
			}
		})
	}
}

func TestDecodeInboundCallOffer(t *testing.T) {
	frame, err := decodeFrame([]byte(`{"type":"call-offer","payload":{"targetId":"bob","signal":{"sdp":"x"},"callType":"video"}}`))
	if err != nil {
		t.Fatalf("decodeFrame: %v", err)
	}
	got, err := decodeInbound(frame)
	if err != nil {
		t.Fatalf("decodeInbound: %v", err)
	}
	offer, ok := got.(relay.CallOffer)
	if !ok {
		t.Fatalf("expected CallOffer, got %T", got)
	}
	if offer.CallType != "video" || string(offer.Signal) != `{"sdp":"x"}` {
		t.Fatalf("unexpected offer: %+v", offer)
	}
}

func TestDecodeFrameErrors(t *testing.T) {
	if _, err := decodeFrame([]byte(`not json`)); err == nil {
		t.Fatalf("expected error for garbage")
	}
	if _, err := decodeFrame([]byte(`{"type":"  "}`)); !errors.Is(err, errEmptyFrame) {
		t.Fatalf("expected errEmptyFrame, got %v", err)
	}
	frame, _ := decodeFrame([]byte(`{"type":"nope","payload":{}}`))
	if _, err := decodeInbound(frame); !errors.Is(err, errUnknownFrame) {
		t.Fatalf("expected errUnknownFrame, got %v", err)
	}
}

func TestDecodeAuth(t *testing.T) {
	frame, err := decodeFrame([]byte(`{"type":"auth","payload":{"token":" abc "}}`))
	if err != nil {
		t.Fatalf("decodeFrame: %v", err)
	}
	token, err := decodeAuth(frame)
	if err != nil || token != "abc" {
		t.Fatalf("decodeAuth = %q, %v", token, err)
	}
	frame.Type = frameTyping
	if _, err := decodeAuth(frame); err == nil {
		t.Fatalf("expected error for non-auth frame")
	}
}

func TestEncodePresenceChanged(t *testing.T) {
	data, err := encodeOutbound(relay.PresenceChanged{UserID: "alice", Status: relay.StatusOnline})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if strings.Contains(string(data), "lastSeen") {
		t.Fatalf("online event without last-seen should omit it: %s", data)
	}
	if !strings.Contains(string(data), `"type":"presence-changed"`) {
		t.Fatalf("unexpected frame: %s", data)
	}

	seen := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	data, err = encodeOutbound(relay.PresenceChanged{UserID: "alice", Status: relay.StatusOffline, LastSeen: seen})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	ev, err := decodeOutbound(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got := ev.(relay.PresenceChanged)
	if got.Status != relay.StatusOffline || !got.LastSeen.Equal(seen) {
		t.Fatalf("unexpected event: %+v", got)
	}
}

func TestEncodeSnapshotUsesEmptyList(t *testing.T) {
	data, err := encodeOutbound(relay.PresenceSnapshot{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(string(data), `"online":[]`) {
		t.Fatalf("expected empty list, got %s", data)
	}
}

func TestEncodeInboundMatchesServerDecoder(t *testing.T) {
	data, err := encodeInbound(relay.CallAnswer{TargetID: "alice", Signal: json.RawMessage(`{"sdp":"y"}`)})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	frame, err := decodeFrame(data)
	if err != nil {
		t.Fatalf("decodeFrame: %v", err)
	}
	ev, err := decodeInbound(frame)
	if err != nil {
		t.Fatalf("decodeInbound: %v", err)
	}
	answer, ok := ev.(relay.CallAnswer)
	if !ok || answer.TargetID != "alice" || string(answer.Signal) != `{"sdp":"y"}` {
		t.Fatalf("unexpected event: %#v", ev)
	}
}
