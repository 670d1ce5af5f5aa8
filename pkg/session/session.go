// Package session owns the authoritative runtime state of every live
// device connection on one Gateway instance: framing, heartbeat tracking,
// the send queue, and correlated request/reply bookkeeping. No other
// component is permitted to mutate a Session directly; all access goes
// through the Manager's typed interface (see manager.go).
package session

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/wasmbed/wasmbed/pkg/protocol"
)

// State is the lifecycle state of a Session.
type State string

const (
	StateHandshaking    State = "Handshaking"
	StateAuthenticating State = "Authenticating"
	StateOpen           State = "Open"
	StateClosing        State = "Closing"
	StateClosed         State = "Closed"
)

// CloseReason is a stable, loggable reason a Session was torn down.
type CloseReason string

const (
	ReasonHeartbeatLost     CloseReason = "HeartbeatLost"
	ReasonSuperseded        CloseReason = "Superseded"
	ReasonTransportError    CloseReason = "TransportError"
	ReasonProtocolError     CloseReason = "ProtocolError"
	ReasonRequestedExplicit CloseReason = "DisconnectRequested"
	ReasonGatewayShutdown   CloseReason = "GatewayShutdown"
	ReasonDeviceInitiated   CloseReason = "DeviceInitiated"
)

// pendingRequest is one outstanding correlated request awaiting a reply.
type pendingRequest struct {
	replyCh chan pendingResult
}

type pendingResult struct {
	msg protocol.Message
	err error
}

// Snapshot is the read-only view of one Session returned by Manager.Snapshot,
// the shape the admin HTTP surface's /sessions endpoint and the Device
// Controller's reconciliation both consume.
type Snapshot struct {
	DeviceIdentity string
	State          State
	LastHeartbeat  time.Time
	QueueDepth     int
	PendingCount   int
}

// Session is one live wire connection from a Device to this Gateway. All
// mutable fields are guarded by mu; the reader and writer goroutines started
// by the Manager are the only other holders of a *Session.
type Session struct {
	DeviceIdentity string
	GatewayName    string

	conn net.Conn

	mu            sync.Mutex
	state         State
	lastHeartbeat time.Time
	pending       map[string]*pendingRequest
	closeReason   CloseReason

	sendCh    chan frameJob
	closedCh  chan struct{}
	closeOnce sync.Once

	cancel context.CancelFunc
}

type frameJob struct {
	env  protocol.Envelope
	done chan error // optional: nil for fire-and-forget sends
}

func newSession(identity, gatewayName string, conn net.Conn, queueSize int, cancel context.CancelFunc) *Session {
	return &Session{
		DeviceIdentity: identity,
		GatewayName:    gatewayName,
		conn:           conn,
		state:          StateHandshaking,
		lastHeartbeat:  time.Now(),
		pending:        make(map[string]*pendingRequest),
		sendCh:         make(chan frameJob, queueSize),
		closedCh:       make(chan struct{}),
		cancel:         cancel,
	}
}

// State returns the Session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// LastHeartbeat returns the timestamp of the most recent inbound message
// (every message counts as liveness, not only Heartbeat envelopes).
func (s *Session) LastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeat
}

func (s *Session) touchLiveness() {
	s.mu.Lock()
	s.lastHeartbeat = time.Now()
	s.mu.Unlock()
}

// snapshot returns a read-only Snapshot of the session's current state.
func (s *Session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		DeviceIdentity: s.DeviceIdentity,
		State:          s.state,
		LastHeartbeat:  s.lastHeartbeat,
		QueueDepth:     len(s.sendCh),
		PendingCount:   len(s.pending),
	}
}

// registerPending records a correlation id awaiting a reply, returning the
// channel the caller should block on.
func (s *Session) registerPending(correlationID string) chan pendingResult {
	ch := make(chan pendingResult, 1)
	s.mu.Lock()
	s.pending[correlationID] = &pendingRequest{replyCh: ch}
	s.mu.Unlock()
	return ch
}

func (s *Session) unregisterPending(correlationID string) {
	s.mu.Lock()
	delete(s.pending, correlationID)
	s.mu.Unlock()
}

// completePending resolves a pending request if one is registered for
// correlationID, returning whether a match was found.
func (s *Session) completePending(correlationID string, msg protocol.Message) bool {
	s.mu.Lock()
	pr, ok := s.pending[correlationID]
	if ok {
		delete(s.pending, correlationID)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	pr.replyCh <- pendingResult{msg: msg}
	return true
}

// failAllPending completes every outstanding pending request with err, used
// when the session closes (a request-level timeout only unregisters its own
// entry).
func (s *Session) failAllPending(err error) {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[string]*pendingRequest)
	s.mu.Unlock()
	for _, pr := range pending {
		pr.replyCh <- pendingResult{err: err}
	}
}

// readEnvelope reads exactly one framed envelope off the wire, returning
// io.EOF (or a wrapped variant) as-is so callers can distinguish an
// orderly close from other transport errors.
func (s *Session) readEnvelope() (protocol.Envelope, error) {
	return protocol.ReadEnvelope(s.conn)
}

func (s *Session) writeEnvelope(env protocol.Envelope) error {
	return protocol.WriteEnvelope(s.conn, env)
}

var _ io.Closer = (*Session)(nil)

// Close implements io.Closer by closing the underlying transport; it does
// not perform the Manager's bookkeeping (registry removal, pending
// requests) — use Manager.Close for that from outside the session's own
// goroutines.
func (s *Session) Close() error {
	return s.conn.Close()
}
