package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Outbound
	closed bool
	refuse bool
}

func (s *recordingSink) Send(event Outbound) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.refuse {
		return false
	}
	s.events = append(s.events, event)
	return true
}

func (s *recordingSink) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *recordingSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *recordingSink) presence() []PresenceChanged {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PresenceChanged
	for _, ev := range s.events {
		if p, ok := ev.(PresenceChanged); ok {
			out = append(out, p)
		}
	}
	return out
}

func (s *recordingSink) named(name string) []Outbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Outbound
	for _, ev := range s.events {
		if ev.Name() == name {
			out = append(out, ev)
		}
	}
	return out
}

type observerFunc func(PresenceEvent)

func (f observerFunc) Observe(ev PresenceEvent) { f(ev) }

// tokenVerifier accepts tokens of the form "token-<user>".
var tokenVerifier = VerifierFunc(func(_ context.Context, token string) (string, error) {
	user, ok := strings.CutPrefix(token, "token-")
	if !ok {
		return "", errors.New("bad token")
	}
	return user, nil
})

type harness struct {
	ctrl *Controller

	mu     sync.Mutex
	events []PresenceEvent
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{}
	var seq int
	var seqMu sync.Mutex
	ctrl, err := NewController(Config{
		Verifier:  tokenVerifier,
		Observers: []Observer{observerFunc(h.observe)},
		Now:       fixedClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)),
		NewID: func() string {
			seqMu.Lock()
			defer seqMu.Unlock()
			seq++
			return fmt.Sprintf("conn-%d", seq)
		},
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	h.ctrl = ctrl
	return h
}

func (h *harness) observe(ev PresenceEvent) {
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
}

func (h *harness) presenceEvents() []PresenceEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]PresenceEvent(nil), h.events...)
}

func (h *harness) connect(t *testing.T, user string) (*Connection, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	conn := h.ctrl.Open(sink)
	if err := h.ctrl.Authenticate(context.Background(), conn, "token-"+user); err != nil {
		t.Fatalf("authenticate %s: %v", user, err)
	}
	return conn, sink
}

func TestLifecycleMultiDeviceScenarios(t *testing.T) {
	h := newHarness(t)
	_, watcher := h.connect(t, "bob")

	// A connects: offline -> online, broadcast.
	conn1, _ := h.connect(t, "alice")
	rec, n := h.ctrl.PresenceOf("alice")
	if rec.Status != StatusOnline || n != 1 {
		t.Fatalf("after conn1: %+v n=%d", rec, n)
	}
	if got := watcher.presence(); len(got) != 2 || got[1].UserID != "alice" || got[1].Status != StatusOnline {
		t.Fatalf("expected online(alice) broadcast, got %+v", got)
	}

	// A connects from a second device: no broadcast.
	conn2, _ := h.connect(t, "alice")
	if got := watcher.presence(); len(got) != 2 {
		t.Fatalf("second device must not broadcast, got %+v", got)
	}

	// conn1 closes: still online, no broadcast.
	if err := h.ctrl.Close(conn1); err != nil {
		t.Fatalf("close conn1: %v", err)
	}
	if rec, n := h.ctrl.PresenceOf("alice"); rec.Status != StatusOnline || n != 1 {
		t.Fatalf("after conn1 close: %+v n=%d", rec, n)
	}
	if got := watcher.presence(); len(got) != 2 {
		t.Fatalf("non-last close must not broadcast, got %+v", got)
	}

	// conn2 closes: offline with last-seen.
	if err := h.ctrl.Close(conn2); err != nil {
		t.Fatalf("close conn2: %v", err)
	}
	got := watcher.presence()
	if len(got) != 3 || got[2].Status != StatusOffline || got[2].LastSeen.IsZero() {
		t.Fatalf("expected offline(alice) with last-seen, got %+v", got)
	}
	if conn2.State() != StateClosed {
		t.Fatalf("expected closed state, got %s", conn2.State())
	}

	events := h.presenceEvents()
	if len(events) != 3 {
		t.Fatalf("observer expected 3 events (bob online, alice online, alice offline), got %+v", events)
	}
}

func TestAdmissionSendsAuthOKAndSnapshot(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "bob")
	conn, sink := h.connect(t, "alice")

	oks := sink.named("auth-ok")
	if len(oks) != 1 {
		t.Fatalf("expected one auth-ok, got %v", oks)
	}
	ok := oks[0].(AuthOK)
	if ok.UserID != "alice" || ok.ConnectionID != conn.ID() {
		t.Fatalf("unexpected auth-ok: %+v", ok)
	}
	snaps := sink.named("presence-snapshot")
	if len(snaps) != 1 {
		t.Fatalf("expected one snapshot, got %v", snaps)
	}
	online := snaps[0].(PresenceSnapshot).Online
	if len(online) != 2 || online[0] != "alice" || online[1] != "bob" {
		t.Fatalf("unexpected snapshot: %v", online)
	}
	if conn.AuthenticatedAt().IsZero() || conn.UserID() != "alice" {
		t.Fatalf("connection not stamped: %+v", conn)
	}
}

func TestAuthenticationFailureNeverRegisters(t *testing.T) {
	h := newHarness(t)
	_, watcher := h.connect(t, "bob")

	for _, token := range []string{"", "garbage", "token-"} {
		sink := &recordingSink{}
		conn := h.ctrl.Open(sink)
		err := h.ctrl.Authenticate(context.Background(), conn, token)
		if !errors.Is(err, ErrUnauthenticated) {
			t.Fatalf("token %q: expected ErrUnauthenticated, got %v", token, err)
		}
		if conn.State() != StateClosed || !sink.isClosed() {
			t.Fatalf("token %q: connection should be closed", token)
		}
		if len(sink.named("auth-rejected")) != 1 {
			t.Fatalf("token %q: expected one rejection, got %v", token, sink.events)
		}
		if _, err := h.ctrl.Handle(context.Background(), conn, PrivateMessage{TargetID: "bob"}); !errors.Is(err, ErrInvalidState) {
			t.Fatalf("token %q: rejected connection must not relay, got %v", token, err)
		}
	}
	if got := h.ctrl.OnlineUsers(); len(got) != 1 || got[0] != "bob" {
		t.Fatalf("registry must only hold bob, got %v", got)
	}
	if got := watcher.presence(); len(got) != 1 {
		t.Fatalf("rejections must not broadcast, got %+v", got)
	}
}

func TestAuthenticateTwiceIsInvalid(t *testing.T) {
	h := newHarness(t)
	conn, _ := h.connect(t, "alice")
	if err := h.ctrl.Authenticate(context.Background(), conn, "token-alice"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestCloseDuringVerificationDoesNotAdmit(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	ctrl, err := NewController(Config{
		Verifier: VerifierFunc(func(ctx context.Context, token string) (string, error) {
			close(entered)
			<-release
			return "alice", nil
		}),
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	sink := &recordingSink{}
	conn := ctrl.Open(sink)
	done := make(chan error, 1)
	go func() { done <- ctrl.Authenticate(context.Background(), conn, "t") }()

	<-entered
	if err := ctrl.Close(conn); err != nil {
		t.Fatalf("close: %v", err)
	}
	close(release)
	if err := <-done; !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if len(ctrl.OnlineUsers()) != 0 {
		t.Fatalf("closed connection must not be registered")
	}
}

func TestConcurrentLastClosesProduceOneOffline(t *testing.T) {
	for round := 0; round < 20; round++ {
		h := newHarness(t)
		const devices = 8
		conns := make([]*Connection, devices)
		for i := range conns {
			conns[i], _ = h.connect(t, "alice")
		}

		var wg sync.WaitGroup
		for _, conn := range conns {
			wg.Add(2)
			go func(c *Connection) {
				defer wg.Done()
				h.ctrl.Close(c)
			}(conn)
			// Duplicate close events from the transport.
			go func(c *Connection) {
				defer wg.Done()
				h.ctrl.Close(c)
			}(conn)
		}
		wg.Wait()

		var offline, online int
		for _, ev := range h.presenceEvents() {
			switch ev.Status {
			case StatusOffline:
				offline++
			case StatusOnline:
				online++
			}
		}
		if online != 1 || offline != 1 {
			t.Fatalf("round %d: expected 1 online and 1 offline, got %d and %d", round, online, offline)
		}
		if rec, n := h.ctrl.PresenceOf("alice"); rec.Status != StatusOffline || n != 0 {
			t.Fatalf("round %d: unexpected final presence %+v n=%d", round, rec, n)
		}
	}
}

func TestConcurrentConnectAndCloseKeepsInvariant(t *testing.T) {
	h := newHarness(t)
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn := h.ctrl.Open(&recordingSink{})
			if err := h.ctrl.Authenticate(context.Background(), conn, "token-alice"); err != nil {
				t.Errorf("authenticate: %v", err)
			}
			if err := h.ctrl.Close(conn); err != nil {
				t.Errorf("close: %v", err)
			}
		}()
	}
	wg.Wait()

	var online, offline int
	for _, ev := range h.presenceEvents() {
		if ev.Status == StatusOnline {
			online++
		} else {
			offline++
		}
	}
	if online != offline {
		t.Fatalf("transitions must pair up: online=%d offline=%d", online, offline)
	}
	if rec, n := h.ctrl.PresenceOf("alice"); rec.Status != StatusOffline || n != 0 {
		t.Fatalf("unexpected final presence %+v n=%d", rec, n)
	}
}

func TestHandleRejectsSelfRelayAndMissingTarget(t *testing.T) {
	h := newHarness(t)
	conn, _ := h.connect(t, "alice")
	if _, err := h.ctrl.Handle(context.Background(), conn, PrivateMessage{TargetID: "alice"}); !errors.Is(err, ErrSelfRelay) {
		t.Fatalf("expected ErrSelfRelay, got %v", err)
	}
	if _, err := h.ctrl.Handle(context.Background(), conn, CallEnd{}); !errors.Is(err, ErrMissingTarget) {
		t.Fatalf("expected ErrMissingTarget, got %v", err)
	}
}

func TestMessageToOfflineTarget(t *testing.T) {
	h := newHarness(t)
	conn, _ := h.connect(t, "alice")
	res, err := h.ctrl.Handle(context.Background(), conn, PrivateMessage{TargetID: "bob", Payload: []byte(`"hi"`)})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !res.Offline || res.Delivered != 0 {
		t.Fatalf("expected target-offline, got %+v", res)
	}
}

func TestCallOfferReachesEveryTab(t *testing.T) {
	h := newHarness(t)
	caller, callerSink := h.connect(t, "alice")
	_, tab1 := h.connect(t, "bob")
	_, tab2 := h.connect(t, "bob")
	_, other := h.connect(t, "carol")

	offer := CallOffer{TargetID: "bob", Signal: []byte(`{"sdp":"x"}`), CallType: "video"}
	res, err := h.ctrl.Handle(context.Background(), caller, offer)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.Offline || res.Delivered != 2 {
		t.Fatalf("expected delivery to 2 tabs, got %+v", res)
	}
	for i, sink := range []*recordingSink{tab1, tab2} {
		got := sink.named("call-incoming")
		if len(got) != 1 {
			t.Fatalf("tab %d: expected one call-incoming, got %v", i+1, got)
		}
		in := got[0].(CallIncoming)
		if in.SenderID != "alice" || in.CallType != "video" || string(in.Signal) != `{"sdp":"x"}` {
			t.Fatalf("tab %d: unexpected event %+v", i+1, in)
		}
	}
	if len(other.named("call-incoming")) != 0 || len(callerSink.named("call-incoming")) != 0 {
		t.Fatalf("call-incoming leaked to another user")
	}
}

func TestTypingClearedWhenLastConnectionCloses(t *testing.T) {
	h := newHarness(t)
	alice1, _ := h.connect(t, "alice")
	alice2, _ := h.connect(t, "alice")
	_, bob := h.connect(t, "bob")

	if _, err := h.ctrl.Handle(context.Background(), alice1, Typing{TargetID: "bob", IsTyping: true}); err != nil {
		t.Fatalf("typing: %v", err)
	}
	h.ctrl.Close(alice1)
	if got := bob.named("typing-changed"); len(got) != 1 {
		t.Fatalf("non-last close must not clear typing, got %v", got)
	}
	h.ctrl.Close(alice2)
	got := bob.named("typing-changed")
	if len(got) != 2 {
		t.Fatalf("expected a clearing typing-changed, got %v", got)
	}
	if tc := got[1].(TypingChanged); tc.SenderID != "alice" || tc.IsTyping {
		t.Fatalf("unexpected clear event %+v", tc)
	}
}

func TestShutdownClosesEverything(t *testing.T) {
	h := newHarness(t)
	_, a := h.connect(t, "alice")
	_, b := h.connect(t, "bob")
	pending := &recordingSink{}
	h.ctrl.Open(pending)

	h.ctrl.Shutdown()
	if !a.isClosed() || !b.isClosed() || !pending.isClosed() {
		t.Fatalf("all sinks should be closed")
	}
	if len(h.ctrl.OnlineUsers()) != 0 {
		t.Fatalf("registry should be empty after shutdown")
	}

	late := h.ctrl.Open(&recordingSink{})
	if err := h.ctrl.Authenticate(context.Background(), late, "token-carol"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected admissions to be refused after shutdown, got %v", err)
	}
}

func TestNewControllerRequiresVerifier(t *testing.T) {
	if _, err := NewController(Config{}); err == nil {
		t.Fatalf("expected error without verifier")
	}
}

func TestOpenNeverReusesLiveConnectionID(t *testing.T) {
	ids := []string{"a", "a", "b"}
	var mu sync.Mutex
	ctrl, err := NewController(Config{
		Verifier: tokenVerifier,
		NewID: func() string {
			mu.Lock()
			defer mu.Unlock()
			if len(ids) == 0 {
				return "a"
			}
			id := ids[0]
			ids = ids[1:]
			return id
		},
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}

	firstSink := &recordingSink{}
	first := ctrl.Open(firstSink)
	second := ctrl.Open(&recordingSink{})
	if first.ID() != "a" || second.ID() != "b" {
		t.Fatalf("ids = %q, %q; want a, b", first.ID(), second.ID())
	}

	// The generator now only repeats "a"; Open must still hand out a fresh id.
	third := ctrl.Open(&recordingSink{})
	if third.ID() == "a" || third.ID() == "b" || third.ID() == "" {
		t.Fatalf("third connection reused id %q", third.ID())
	}
	if !ctrl.Deliver("a", CallEnded{}) || len(firstSink.named("call-ended")) != 1 {
		t.Fatalf("the original holder of id a was replaced")
	}
}

func TestPresenceOfIsConsistentUnderChurn(t *testing.T) {
	h := newHarness(t)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				conn := h.ctrl.Open(&recordingSink{})
				_ = h.ctrl.Authenticate(context.Background(), conn, "token-alice")
				_ = h.ctrl.Close(conn)
			}
		}()
	}
	for i := 0; i < 2000; i++ {
		rec, n := h.ctrl.PresenceOf("alice")
		if (rec.Status == StatusOnline) != (n > 0) {
			close(stop)
			wg.Wait()
			t.Fatalf("inconsistent presence: status=%s connections=%d", rec.Status, n)
		}
	}
	close(stop)
	wg.Wait()
}
