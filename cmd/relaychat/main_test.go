package main

import "testing"

func TestParseMode(t *testing.T) {
	cases := []struct {
		args     []string
		wantMode string
		wantRest int
	}{
		{nil, modeClient, 0},
		{[]string{"SERVER", "-addr", ":9000"}, modeServer, 2},
		{[]string{"local", "bob"}, modeLocal, 1},
		{[]string{"--version"}, modeVersion, 0},
		{[]string{"-token", "x", "bob"}, modeClient, 3},
	}
	for _, tc := range cases {
		mode, rest := parseMode(tc.args)
		if mode != tc.wantMode || len(rest) != tc.wantRest {
			t.Fatalf("parseMode(%v) = %q %v", tc.args, mode, rest)
		}
	}
}

func TestBuildWebsocketURL(t *testing.T) {
	cases := map[string]string{
		"127.0.0.1:4000": "ws://127.0.0.1:4000/ws",
		"[::]:4000":      "ws://127.0.0.1:4000/ws",
		"localhost":      "ws://localhost/ws",
	}
	for addr, want := range cases {
		if got := buildWebsocketURL(addr, "ws"); got != want {
			t.Fatalf("buildWebsocketURL(%q) = %q, want %q", addr, got, want)
		}
	}
}
