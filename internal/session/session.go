// Package session owns the authentication lifecycle of the messaging
// channel.
//
// The machine is Idle → Initializing → AwaitingLink → Authenticated, with
// AwaitingLink expiring after a bounded window and Authenticated ending in
// Disconnected. Linking is operator-paced (a human scans the code), so the
// machine tolerates arbitrary dwell in AwaitingLink up to the expiry bound.
// Create supersedes whatever came before; from Expired or Disconnected it is
// the only way forward.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"wablast/internal/transport"
	"wablast/pkg/logx"
)

type State string

const (
	StateIdle          State = "idle"
	StateInitializing  State = "initializing"
	StateAwaitingLink  State = "awaiting_link"
	StateAuthenticated State = "authenticated"
	StateExpired       State = "expired"
	StateDisconnected  State = "disconnected"
)

// edges lists the legal event-driven transitions. Create is not in the
// table: it supersedes the machine from any state.
var edges = map[State][]State{
	StateIdle:          {StateInitializing},
	StateInitializing:  {StateAwaitingLink, StateAuthenticated, StateDisconnected},
	StateAwaitingLink:  {StateAuthenticated, StateExpired, StateDisconnected},
	StateAuthenticated: {StateDisconnected},
}

// ErrTransportUnavailable means the underlying channel could not even begin
// connecting; the session stays Idle.
var ErrTransportUnavailable = errors.New("transport unavailable")

// Status is a copy-on-read view of the machine.
type Status struct {
	ID       string
	State    State
	LinkCode string             // set only in AwaitingLink
	Identity transport.Identity // set only once Authenticated
}

type Manager struct {
	channel     transport.Channel
	linkTimeout time.Duration
	log         logx.Logger

	mu       sync.Mutex
	id       string
	state    State
	linkCode string
	identity transport.Identity

	// gen guards against events, expiry timers, and pumps of superseded
	// sessions mutating the current one.
	gen        uint64
	expiry     *time.Timer
	pumpCancel context.CancelFunc

	onDisconnect func(reason string)
}

func NewManager(channel transport.Channel, linkTimeout time.Duration, log logx.Logger) *Manager {
	if linkTimeout <= 0 {
		linkTimeout = 60 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		channel:     channel,
		linkTimeout: linkTimeout,
		log:         log,
		state:       StateIdle,
	}
}

// OnDisconnect installs a hook fired whenever the session leaves
// Authenticated for Disconnected (operator action or transport loss).
// Must be set before Create.
func (m *Manager) OnDisconnect(fn func(reason string)) {
	m.mu.Lock()
	m.onDisconnect = fn
	m.mu.Unlock()
}

// Create supersedes any prior session and starts a new one. It returns as
// soon as the channel accepts the connection attempt; authentication
// progresses asynchronously and is observed via Status.
func (m *Manager) Create(ctx context.Context) (string, error) {
	m.mu.Lock()
	m.teardownLocked()
	m.gen++
	gen := m.gen
	m.id = uuid.NewString()
	m.state = StateInitializing
	m.linkCode = ""
	m.identity = transport.Identity{}
	id := m.id
	m.mu.Unlock()

	// The pump must outlive the caller's request context; the linking flow
	// is human-paced.
	pumpCtx, cancel := context.WithCancel(context.Background())
	events, err := m.channel.Connect(pumpCtx)
	if err != nil {
		cancel()
		m.mu.Lock()
		if m.gen == gen {
			m.state = StateIdle
		}
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}

	m.mu.Lock()
	if m.gen != gen {
		// Superseded while connecting.
		m.mu.Unlock()
		cancel()
		return id, nil
	}
	m.pumpCancel = cancel
	m.mu.Unlock()

	go m.pump(gen, events)
	m.log.Info("session created", logx.String("session", id))
	return id, nil
}

// Status is a non-blocking, side-effect-free read of the machine.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		ID:       m.id,
		State:    m.state,
		LinkCode: m.linkCode,
		Identity: m.identity,
	}
}

// Authenticated reports whether a dispatch may proceed.
func (m *Manager) Authenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateAuthenticated
}

// Disconnect forces the session down. Idempotent when already disconnected
// (or never created).
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateInitializing, StateAwaitingLink, StateAuthenticated:
	default:
		m.mu.Unlock()
		return nil
	}
	m.transitionLocked(StateDisconnected)
	m.stopExpiryLocked()
	if m.pumpCancel != nil {
		m.pumpCancel()
		m.pumpCancel = nil
	}
	hook := m.onDisconnect
	m.mu.Unlock()

	err := m.channel.Disconnect(ctx)
	if hook != nil {
		hook("disconnected by operator")
	}
	return err
}

func (m *Manager) pump(gen uint64, events <-chan transport.Event) {
	for ev := range events {
		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			return
		}
		switch ev.Kind {
		case transport.EventLinkCode:
			if m.transitionLocked(StateAwaitingLink) {
				m.linkCode = ev.Code
				m.armExpiryLocked(gen)
			}
		case transport.EventAuthenticated:
			if m.transitionLocked(StateAuthenticated) {
				m.linkCode = ""
				m.identity = ev.Identity
				m.stopExpiryLocked()
				m.log.Info("session authenticated",
					logx.String("phone", ev.Identity.Phone),
					logx.String("name", ev.Identity.Name))
			}
		case transport.EventDisconnected:
			if m.transitionLocked(StateDisconnected) {
				m.linkCode = ""
				m.stopExpiryLocked()
				hook := m.onDisconnect
				m.mu.Unlock()
				if hook != nil {
					hook(ev.Reason)
				}
				continue
			}
		}
		m.mu.Unlock()
	}
}

// transitionLocked applies state→to when the edge is in the table. Illegal
// edges are ignored and logged, never fatal.
func (m *Manager) transitionLocked(to State) bool {
	for _, next := range edges[m.state] {
		if next == to {
			m.log.Debug("session transition",
				logx.String("from", string(m.state)), logx.String("to", string(to)))
			m.state = to
			return true
		}
	}
	m.log.Warn("session transition rejected",
		logx.String("from", string(m.state)), logx.String("to", string(to)))
	return false
}

func (m *Manager) armExpiryLocked(gen uint64) {
	m.stopExpiryLocked()
	m.expiry = time.AfterFunc(m.linkTimeout, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.gen != gen || m.state != StateAwaitingLink {
			return
		}
		if m.transitionLocked(StateExpired) {
			// A stale code must never be displayed.
			m.linkCode = ""
			if m.pumpCancel != nil {
				m.pumpCancel()
				m.pumpCancel = nil
			}
			m.log.Info("link window expired", logx.Duration("timeout", m.linkTimeout))
		}
	})
}

func (m *Manager) stopExpiryLocked() {
	if m.expiry != nil {
		m.expiry.Stop()
		m.expiry = nil
	}
}

// teardownLocked silently dismantles the superseded session.
func (m *Manager) teardownLocked() {
	m.stopExpiryLocked()
	if m.pumpCancel != nil {
		m.pumpCancel()
		m.pumpCancel = nil
	}
}
