package internal

import (
	"testing"
	"time"

	"relaychat/internal/relay"
)

func TestParseInput(t *testing.T) {
	cases := []struct {
		name    string
		input   string
		peer    string
		typing  bool
		caller  string
		check   func(t *testing.T, cmd command)
		wantErr bool
	}{
		{name: "empty", input: "   ", peer: "bob", wantErr: true},
		{name: "text without peer", input: "hi", wantErr: true},
		{name: "call without peer", input: "/call", wantErr: true},
		{name: "bad call type", input: "/call fax", peer: "bob", wantErr: true},
		{name: "unknown command", input: "/dance", peer: "bob", wantErr: true},
		{
			name: "text", input: "hello there", peer: "bob",
			check: func(t *testing.T, cmd command) {
				msg, ok := cmd.event.(relay.PrivateMessage)
				if !ok || msg.TargetID != "bob" || messageText(msg.Payload) != "hello there" {
					t.Fatalf("unexpected event: %#v", cmd.event)
				}
			},
		},
		{
			name: "typing toggles", input: "/typing", peer: "bob", typing: true,
			check: func(t *testing.T, cmd command) {
				ev, ok := cmd.event.(relay.Typing)
				if !ok || ev.IsTyping {
					t.Fatalf("expected typing off, got %#v", cmd.event)
				}
			},
		},
		{
			name: "video call", input: "/call VIDEO", peer: "bob",
			check: func(t *testing.T, cmd command) {
				ev, ok := cmd.event.(relay.CallOffer)
				if !ok || ev.CallType != "video" || ev.TargetID != "bob" {
					t.Fatalf("unexpected event: %#v", cmd.event)
				}
			},
		},
		{
			name: "answer goes to caller", input: "/answer", peer: "bob", caller: "carol",
			check: func(t *testing.T, cmd command) {
				if cmd.event.Target() != "carol" {
					t.Fatalf("answer should target the caller, got %q", cmd.event.Target())
				}
			},
		},
		{
			name: "switch peer", input: "/to carol",
			check: func(t *testing.T, cmd command) {
				if cmd.setPeer != "carol" {
					t.Fatalf("setPeer = %q", cmd.setPeer)
				}
			},
		},
		{
			name: "who defaults to peer", input: "/who", peer: "bob",
			check: func(t *testing.T, cmd command) {
				if cmd.who != "bob" {
					t.Fatalf("who = %q", cmd.who)
				}
			},
		},
		{
			name: "quit", input: "/QUIT",
			check: func(t *testing.T, cmd command) {
				if !cmd.quit {
					t.Fatalf("expected quit")
				}
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cmd, err := parseInput(tc.input, tc.peer, tc.typing, tc.caller)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", cmd)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseInput: %v", err)
			}
			tc.check(t, cmd)
		})
	}
}

func TestApplyEventTracksPresenceAndCalls(t *testing.T) {
	model := NewTUIModel("ws://localhost:8080/ws", "token-alice", "bob")
	now := time.Now()

	model.applyEvent(relay.AuthOK{UserID: "alice", ConnectionID: "c1"}, now)
	model.applyEvent(relay.PresenceSnapshot{Online: []string{"alice", "bob"}}, now)
	if model.userID != "alice" || !model.online["bob"] {
		t.Fatalf("snapshot not applied: user=%q online=%v", model.userID, model.online)
	}

	model.applyEvent(relay.TypingChanged{SenderID: "bob", IsTyping: true}, now)
	if !model.typingFrom["bob"] {
		t.Fatalf("typing indicator not shown")
	}
	model.applyEvent(relay.MessageDelivered{SenderID: "bob", Payload: []byte(`{"text":"yo"}`)}, now)
	if model.typingFrom["bob"] {
		t.Fatalf("a delivered message should clear the typing indicator")
	}
	last := model.lines[len(model.lines)-1]
	if last.from != "bob" || last.body != "yo" {
		t.Fatalf("unexpected log line: %+v", last)
	}

	model.applyEvent(relay.CallIncoming{SenderID: "bob", CallType: "audio"}, now)
	if model.caller != "bob" {
		t.Fatalf("caller = %q", model.caller)
	}
	model.applyEvent(relay.CallEnded{}, now)
	if model.caller != "" {
		t.Fatalf("call-ended should clear the caller")
	}

	seen := now.Add(-time.Minute)
	model.applyEvent(relay.PresenceChanged{UserID: "bob", Status: relay.StatusOffline, LastSeen: seen}, now)
	if model.online["bob"] || !model.lastSeen["bob"].Equal(seen) {
		t.Fatalf("offline transition not applied")
	}
	if view := model.View(); view == "" {
		t.Fatalf("empty view")
	}
}

func TestBuildPresenceURL(t *testing.T) {
	got, err := buildPresenceURL("wss://relay.example.com/ws?token=x", "bob")
	if err != nil {
		t.Fatalf("buildPresenceURL: %v", err)
	}
	if got != "https://relay.example.com/presence/bob" {
		t.Fatalf("got %q", got)
	}
	if _, err := buildPresenceURL("http://relay.example.com/ws", "bob"); err == nil {
		t.Fatalf("expected an error for a non-websocket scheme")
	}
}

func TestDialRelaySendsBearerToken(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})
	conn, err := dialRelay(env.wsURL(""), "token-alice")
	if err != nil {
		t.Fatalf("dialRelay: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ok, isOK := readEvent(t, conn).(relay.AuthOK)
	if !isOK || ok.UserID != "alice" {
		t.Fatalf("unexpected first frame: %+v", ok)
	}
}
