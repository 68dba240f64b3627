package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"wablast/internal/transport"
	"wablast/pkg/logx"
)

type fakeChannel struct {
	mu           sync.Mutex
	events       chan transport.Event
	connectErr   error
	disconnects  int
	lastConnect  context.Context
	connectCount int
}

func (f *fakeChannel) Connect(ctx context.Context) (<-chan transport.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	f.connectCount++
	f.lastConnect = ctx
	f.events = make(chan transport.Event, 8)
	return f.events, nil
}

func (f *fakeChannel) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakeChannel) SendText(ctx context.Context, phone, body string) error { return nil }

func (f *fakeChannel) emit(ev transport.Event) {
	f.mu.Lock()
	ch := f.events
	f.mu.Unlock()
	ch <- ev
}

func waitState(t *testing.T, m *Manager, want State) Status {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st := m.Status()
		if st.State == want {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", m.Status().State, want)
	return Status{}
}

func TestLinkingFlowReachesAuthenticated(t *testing.T) {
	ch := &fakeChannel{}
	m := NewManager(ch, time.Minute, logx.Nop())

	if m.Status().State != StateIdle {
		t.Fatalf("initial state = %s", m.Status().State)
	}

	id, err := m.Create(context.Background())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id == "" {
		t.Fatalf("empty session id")
	}

	ch.emit(transport.Event{Kind: transport.EventLinkCode, Code: "QR-123"})
	st := waitState(t, m, StateAwaitingLink)
	if st.LinkCode != "QR-123" {
		t.Fatalf("link code = %q", st.LinkCode)
	}

	ch.emit(transport.Event{
		Kind:     transport.EventAuthenticated,
		Identity: transport.Identity{Phone: "628111", Name: "Ops"},
	})
	st = waitState(t, m, StateAuthenticated)
	if st.LinkCode != "" {
		t.Fatalf("link code survived authentication: %q", st.LinkCode)
	}
	if st.Identity.Phone != "628111" || st.Identity.Name != "Ops" {
		t.Fatalf("identity: %+v", st.Identity)
	}
	if !m.Authenticated() {
		t.Fatalf("Authenticated() = false")
	}
}

func TestLinkWindowExpires(t *testing.T) {
	ch := &fakeChannel{}
	m := NewManager(ch, 30*time.Millisecond, logx.Nop())

	if _, err := m.Create(context.Background()); err != nil {
		t.Fatalf("create: %v", err)
	}
	ch.emit(transport.Event{Kind: transport.EventLinkCode, Code: "QR-EXP"})
	waitState(t, m, StateAwaitingLink)

	st := waitState(t, m, StateExpired)
	if st.LinkCode != "" {
		t.Fatalf("expired session still exposes link code %q", st.LinkCode)
	}
	if m.Authenticated() {
		t.Fatalf("expired session reports authenticated")
	}
}

func TestAuthenticationBeatsExpiry(t *testing.T) {
	ch := &fakeChannel{}
	m := NewManager(ch, time.Minute, logx.Nop())
	if _, err := m.Create(context.Background()); err != nil {
		t.Fatalf("create: %v", err)
	}
	ch.emit(transport.Event{Kind: transport.EventLinkCode, Code: "QR"})
	waitState(t, m, StateAwaitingLink)
	ch.emit(transport.Event{Kind: transport.EventAuthenticated, Identity: transport.Identity{Phone: "1"}})
	waitState(t, m, StateAuthenticated)

	// The expiry timer must be disarmed.
	time.Sleep(50 * time.Millisecond)
	if st := m.Status(); st.State != StateAuthenticated {
		t.Fatalf("state after dwell = %s", st.State)
	}
}

func TestCreateFailsWhenTransportUnavailable(t *testing.T) {
	ch := &fakeChannel{connectErr: errors.New("gateway down")}
	m := NewManager(ch, time.Minute, logx.Nop())

	_, err := m.Create(context.Background())
	if !errors.Is(err, ErrTransportUnavailable) {
		t.Fatalf("create: %v, want ErrTransportUnavailable", err)
	}
	if st := m.Status(); st.State != StateIdle {
		t.Fatalf("state after failed create = %s, want idle", st.State)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	ch := &fakeChannel{}
	m := NewManager(ch, time.Minute, logx.Nop())

	// Disconnect before any session is a no-op.
	if err := m.Disconnect(context.Background()); err != nil {
		t.Fatalf("disconnect idle: %v", err)
	}

	if _, err := m.Create(context.Background()); err != nil {
		t.Fatalf("create: %v", err)
	}
	ch.emit(transport.Event{Kind: transport.EventAuthenticated, Identity: transport.Identity{Phone: "1"}})
	waitState(t, m, StateAuthenticated)

	if err := m.Disconnect(context.Background()); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if st := m.Status(); st.State != StateDisconnected {
		t.Fatalf("state = %s", st.State)
	}
	if err := m.Disconnect(context.Background()); err != nil {
		t.Fatalf("second disconnect: %v", err)
	}
	ch.mu.Lock()
	n := ch.disconnects
	ch.mu.Unlock()
	if n != 1 {
		t.Fatalf("channel disconnects = %d, want 1", n)
	}
}

func TestTransportLossFiresHook(t *testing.T) {
	ch := &fakeChannel{}
	m := NewManager(ch, time.Minute, logx.Nop())

	hooked := make(chan string, 1)
	m.OnDisconnect(func(reason string) { hooked <- reason })

	if _, err := m.Create(context.Background()); err != nil {
		t.Fatalf("create: %v", err)
	}
	ch.emit(transport.Event{Kind: transport.EventAuthenticated, Identity: transport.Identity{Phone: "1"}})
	waitState(t, m, StateAuthenticated)

	ch.emit(transport.Event{Kind: transport.EventDisconnected, Reason: "device unlinked"})
	waitState(t, m, StateDisconnected)
	select {
	case reason := <-hooked:
		if reason != "device unlinked" {
			t.Fatalf("hook reason = %q", reason)
		}
	case <-time.After(time.Second):
		t.Fatalf("disconnect hook never fired")
	}
}

func TestCreateSupersedesExpired(t *testing.T) {
	ch := &fakeChannel{}
	m := NewManager(ch, 20*time.Millisecond, logx.Nop())

	if _, err := m.Create(context.Background()); err != nil {
		t.Fatalf("create: %v", err)
	}
	ch.emit(transport.Event{Kind: transport.EventLinkCode, Code: "QR-1"})
	waitState(t, m, StateExpired)

	first := m.Status().ID
	id, err := m.Create(context.Background())
	if err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if id == first {
		t.Fatalf("recreate reused session id")
	}
	if st := m.Status(); st.State != StateInitializing {
		t.Fatalf("state after recreate = %s", st.State)
	}
}
