package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"bookbot/internal/eventbus"
	logx "bookbot/pkg/logx"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type sentMsg struct {
	dest    string
	payload Payload
}

type fakeTransport struct {
	mu         sync.Mutex
	events     chan<- Event
	connects   int
	closes     int
	connectErr error
	sendErr    error
	sent       []sentMsg
	chats      []Chat
}

func (f *fakeTransport) Connect(ctx context.Context, events chan<- Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.events = events
	return nil
}

func (f *fakeTransport) Close(ctx context.Context) error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) ListChats(ctx context.Context) ([]Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chats, nil
}

func (f *fakeTransport) SendMessage(ctx context.Context, dest string, p Payload, opt *SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentMsg{dest: dest, payload: p})
	return nil
}

func (f *fakeTransport) emit(ev Event) {
	f.mu.Lock()
	ch := f.events
	f.mu.Unlock()
	ch <- ev
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func newTestClient(t *testing.T, cfg Config) (*Client, *fakeTransport) {
	t.Helper()
	if cfg.SendRatePerSec == 0 {
		cfg.SendRatePerSec = 1000
	}
	tr := &fakeTransport{}
	c := New(cfg, tr, logx.Nop(), eventbus.New())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Close(ctx)
	})
	return c, tr
}

func waitState(t *testing.T, c *Client, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", c.State(), want)
}

func bringUp(t *testing.T, c *Client, tr *fakeTransport) {
	t.Helper()
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	tr.emit(Event{Kind: EventAuthenticated})
	tr.emit(Event{Kind: EventReady})
	waitState(t, c, Ready)
}

func TestLifecycleWithPairing(t *testing.T) {
	t.Parallel()
	c, tr := newTestClient(t, Config{})

	if c.IsReady() || c.State() != Disconnected {
		t.Fatalf("initial state: %v", c.State())
	}
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c.State() != Connecting {
		t.Fatalf("after initialize: %v", c.State())
	}

	tr.emit(Event{Kind: EventPairing, PairingCode: "ABCD-1234"})
	waitState(t, c, AwaitingPairing)
	if c.PairingCode() != "ABCD-1234" {
		t.Fatalf("pairing code: %q", c.PairingCode())
	}

	tr.emit(Event{Kind: EventAuthenticated})
	waitState(t, c, Authenticated)
	if c.IsReady() {
		t.Fatalf("authenticated is not ready")
	}

	tr.emit(Event{Kind: EventReady})
	waitState(t, c, Ready)
	if !c.IsReady() || c.PairingCode() != "" {
		t.Fatalf("ready: %+v", c.Info())
	}
}

func TestInitializeWhileConnectingIsNoop(t *testing.T) {
	t.Parallel()
	c, tr := newTestClient(t, Config{})

	if err := c.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := tr.connectCount(); n != 1 {
		t.Fatalf("connects = %d, want 1", n)
	}
}

func TestConnectErrorReturnsToDisconnected(t *testing.T) {
	t.Parallel()
	c, tr := newTestClient(t, Config{})
	tr.connectErr = errors.New("no network")

	if err := c.Initialize(context.Background()); err == nil {
		t.Fatalf("expected connect error")
	}
	if c.State() != Disconnected || c.Info().LastError == "" {
		t.Fatalf("after failed connect: %+v", c.Info())
	}
}

func TestAuthFailureRemovesCredentialsWithoutReconnect(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "auth")
	if err := os.MkdirAll(filepath.Join(dir, "session"), 0o755); err != nil {
		t.Fatal(err)
	}
	c, tr := newTestClient(t, Config{DataDir: dir, ReconnectDelay: 5 * time.Millisecond})

	if err := c.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	tr.emit(Event{Kind: EventAuthFailure, Reason: "bad token"})
	waitState(t, c, Disconnected)

	// The event is handled entirely under the client lock, so the directory
	// is gone once Disconnected is observable.
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("credentials dir still present: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if n := tr.connectCount(); n != 1 {
		t.Fatalf("auth failure must not reconnect; connects = %d", n)
	}
}

func TestUnsolicitedDisconnectSchedulesExactlyOneReconnect(t *testing.T) {
	t.Parallel()
	c, tr := newTestClient(t, Config{ReconnectDelay: 20 * time.Millisecond})
	bringUp(t, c, tr)

	tr.emit(Event{Kind: EventDisconnected, Reason: "network"})
	tr.emit(Event{Kind: EventDisconnected, Reason: "network"})
	waitState(t, c, Connecting)

	time.Sleep(60 * time.Millisecond)
	if n := tr.connectCount(); n != 2 {
		t.Fatalf("connects = %d, want 2", n)
	}
	if c.Info().Reconnects != 1 {
		t.Fatalf("reconnects = %d", c.Info().Reconnects)
	}
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	t.Parallel()
	c, tr := newTestClient(t, Config{ReconnectDelay: 40 * time.Millisecond})
	bringUp(t, c, tr)

	tr.emit(Event{Kind: EventDisconnected, Reason: "network"})
	waitState(t, c, Disconnected)
	if err := c.Disconnect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Disconnect(context.Background()); err != nil {
		t.Fatalf("disconnect must be idempotent: %v", err)
	}

	time.Sleep(80 * time.Millisecond)
	if n := tr.connectCount(); n != 1 {
		t.Fatalf("reconnect ran after disconnect; connects = %d", n)
	}
	if c.State() != Disconnected {
		t.Fatalf("state: %v", c.State())
	}
}

func TestStaleEventsAfterDisconnectAreIgnored(t *testing.T) {
	t.Parallel()
	c, tr := newTestClient(t, Config{ReconnectDelay: time.Hour})
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Disconnect(context.Background()); err != nil {
		t.Fatal(err)
	}
	tr.emit(Event{Kind: EventReady})
	tr.emit(Event{Kind: EventDisconnected})
	time.Sleep(20 * time.Millisecond)
	if c.State() != Disconnected || c.Info().Reconnects != 0 {
		t.Fatalf("stale events changed state: %+v", c.Info())
	}
}

func TestStateChangesArePublished(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	tr := &fakeTransport{}
	c := New(Config{SendRatePerSec: 100}, tr, logx.Nop(), bus)
	defer c.Close(context.Background())

	if err := c.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case e := <-events:
		st, ok := e.Data.(eventbus.SessionStateChanged)
		if e.Type != eventbus.SessionState || !ok || st.From != "disconnected" || st.To != "connecting" {
			t.Fatalf("event: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatalf("no state event published")
	}
}

func TestInitializeAfterCloseFails(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, Config{})
	if err := c.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Initialize(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("initialize after close: %v", err)
	}
}
