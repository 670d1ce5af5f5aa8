package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/go-logr/logr"

	"github.com/wasmbed/wasmbed/pkg/gateway/metrics"
	"github.com/wasmbed/wasmbed/pkg/protocol"
	"github.com/wasmbed/wasmbed/pkg/shared/logging"
)

var (
	ErrCapacityExceeded = errors.New("session: capacity exceeded")
	ErrDuplicateDevice  = errors.New("session: device already connected")
	ErrPolicyRejected   = errors.New("session: rejected by policy")
	ErrNotConnected     = errors.New("session: device not connected")
	ErrQueueFull        = errors.New("session: send queue full")
	ErrTimeout          = errors.New("session: request timed out")
	ErrDisconnected     = errors.New("session: session disconnected")
	ErrDraining         = errors.New("session: gateway is draining")
)

// Dispatcher is how the Manager hands an unsolicited, non-reply inbound
// message to its owner (the Gateway Server), which classifies it and
// persists consequences via the Resource Store Adapter. Dispatch must not
// block on anything but the store: it runs on the session's reader
// goroutine, and the reader must never block on application-level work per
// the concurrency model, so callers should keep store writes fast or hand
// off internally.
type Dispatcher func(ctx context.Context, identity string, msg protocol.Message)

// Config tunes the Manager's admission, queueing and liveness behavior.
type Config struct {
	Capacity       int
	QueueSize      int
	ShardCount     int
	LivenessWindow time.Duration

	// RejectDuplicates switches the duplicate-device policy from the
	// default (supersede the older session) to rejecting the new
	// connection outright. Default false: a device reconnecting after a
	// reboot or network flap must be able to reclaim its slot without
	// waiting out the liveness window on its own stale session.
	RejectDuplicates bool
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = 1024
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.LivenessWindow <= 0 {
		c.LivenessWindow = 90 * time.Second
	}
	return c
}

// Manager is the authoritative runtime state for every live device
// connection on one Gateway instance. All transport I/O for a given device
// is serialized through the Session it owns.
type Manager struct {
	cfg      Config
	registry *shardedRegistry
	metrics  *metrics.Metrics
	log      logr.Logger

	dispatch Dispatcher
	draining func() bool // Gateway phase check: Draining/Stopped reject new Sessions.

	onClosed func(identity, gatewayName string, reason CloseReason)
}

// NewManager constructs a Manager. dispatch handles unsolicited inbound
// messages; draining reports whether the owning Gateway is currently
// refusing new Sessions; onClosed is called (off the session's own
// goroutines) whenever a Session finishes tearing down, so the Gateway
// Server can update Device status.
func NewManager(cfg Config, m *metrics.Metrics, log logr.Logger, dispatch Dispatcher, draining func() bool, onClosed func(string, string, CloseReason)) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:      cfg,
		registry: newShardedRegistry(cfg.ShardCount),
		metrics:  m,
		log:      log.WithName("session-manager"),
		dispatch: dispatch,
		draining: draining,
		onClosed: onClosed,
	}
}

// Accept installs a new Session for a freshly handshaked connection. It
// enforces capacity and gateway-draining admission policy, then applies the
// duplicate-device policy: by default it closes any existing Open session
// for identity with ReasonSuperseded and admits the new one.
func (m *Manager) Accept(ctx context.Context, conn net.Conn, gatewayName, identity string) (*Session, error) {
	if m.draining != nil && m.draining() {
		m.countAccepted("rejected_draining")
		return nil, ErrDraining
	}
	if m.registry.count() >= m.cfg.Capacity {
		m.countAccepted("rejected_capacity")
		return nil, ErrCapacityExceeded
	}

	sessCtx, cancel := context.WithCancel(ctx)
	sess := newSession(identity, gatewayName, conn, m.cfg.QueueSize, cancel)
	sess.setState(StateOpen)

	prev := m.registry.swap(identity, sess)
	if prev != nil {
		if m.cfg.RejectDuplicates {
			// Undo: keep the previous session, reject the new one.
			m.registry.swap(identity, prev)
			cancel()
			m.countAccepted("rejected_duplicate")
			return nil, ErrDuplicateDevice
		}
		m.countAccepted("superseded")
		m.closeInternal(prev, ReasonSuperseded)
	} else {
		m.countAccepted("ok")
	}

	if m.metrics != nil {
		m.metrics.SessionsOpen.Set(float64(m.registry.count()))
	}

	go m.readLoop(sessCtx, sess)
	go m.writeLoop(sessCtx, sess)

	return sess, nil
}

func (m *Manager) countAccepted(outcome string) {
	if m.metrics != nil {
		m.metrics.SessionsAcceptedTotal.WithLabelValues(outcome).Inc()
	}
}

// Send enqueues an outbound message without waiting for a reply.
func (m *Manager) Send(ctx context.Context, identity string, msg protocol.Message) error {
	sess, ok := m.registry.get(identity)
	if !ok || sess.State() != StateOpen {
		return ErrNotConnected
	}
	env := protocol.NewEnvelope(msg)
	job := frameJob{env: env}
	select {
	case sess.sendCh <- job:
		return nil
	default:
		if m.metrics != nil {
			m.metrics.SendQueueFullTotal.Inc()
		}
		return ErrQueueFull
	}
}

// Request enqueues msg and blocks until a correlated reply arrives, the
// session closes, the request-level timeout elapses, or ctx is canceled.
func (m *Manager) Request(ctx context.Context, identity string, msg protocol.Message, timeout time.Duration) (protocol.Message, error) {
	sess, ok := m.registry.get(identity)
	if !ok || sess.State() != StateOpen {
		return protocol.Message{}, ErrNotConnected
	}

	correlationID := make([]byte, 16)
	if _, err := rand.Read(correlationID); err != nil {
		return protocol.Message{}, fmt.Errorf("generate correlation id: %w", err)
	}
	corrKey := hex.EncodeToString(correlationID)

	env := protocol.NewEnvelope(msg).WithCorrelation(correlationID)
	replyCh := sess.registerPending(corrKey)

	select {
	case sess.sendCh <- frameJob{env: env}:
	default:
		sess.unregisterPending(corrKey)
		if m.metrics != nil {
			m.metrics.SendQueueFullTotal.Inc()
		}
		return protocol.Message{}, ErrQueueFull
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-replyCh:
		return res.msg, res.err
	case <-timer.C:
		sess.unregisterPending(corrKey)
		if m.metrics != nil {
			m.metrics.RequestTimeoutsTotal.Inc()
		}
		return protocol.Message{}, ErrTimeout
	case <-ctx.Done():
		sess.unregisterPending(corrKey)
		return protocol.Message{}, ctx.Err()
	case <-sess.closedCh:
		return protocol.Message{}, ErrDisconnected
	}
}

// Close tears down the named device's Session with reason, idempotently.
func (m *Manager) Close(ctx context.Context, identity string, reason CloseReason) error {
	sess, ok := m.registry.get(identity)
	if !ok {
		return nil
	}
	m.closeInternal(sess, reason)
	return nil
}

// closeInternal performs the actual teardown: marks Closing, cancels the
// reader/writer, drains pending requests, and removes the registry entry.
// Safe to call more than once for the same Session (idempotent).
func (m *Manager) closeInternal(sess *Session, reason CloseReason) {
	sess.closeOnce.Do(func() {
		sess.setState(StateClosing)
		sess.mu.Lock()
		sess.closeReason = reason
		sess.mu.Unlock()

		sess.cancel()
		_ = sess.conn.Close()
		sess.failAllPending(ErrDisconnected)

		sess.setState(StateClosed)
		close(sess.closedCh)

		m.registry.removeIf(sess.DeviceIdentity, sess)

		if m.metrics != nil {
			m.metrics.SessionsClosedTotal.WithLabelValues(string(reason)).Inc()
			m.metrics.SessionsOpen.Set(float64(m.registry.count()))
		}
		if m.onClosed != nil {
			m.onClosed(sess.DeviceIdentity, sess.GatewayName, reason)
		}
	})
}

// Snapshot returns a read-only view of all current sessions.
func (m *Manager) Snapshot() []Snapshot {
	sessions := m.registry.all()
	out := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.snapshot())
	}
	return out
}

// Get returns the live session for identity, if any, for callers (the
// Gateway Server's admin handlers) that need the raw session reference.
func (m *Manager) Get(identity string) (*Session, bool) {
	return m.registry.get(identity)
}

// readLoop is the session's logical reader: it never blocks on
// application-level work. On each frame it updates liveness, resolves
// replies against pending requests, and otherwise hands the message to the
// Manager's Dispatcher.
func (m *Manager) readLoop(ctx context.Context, sess *Session) {
	livenessTimer := time.NewTimer(m.cfg.LivenessWindow)
	defer livenessTimer.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			env, err := sess.readEnvelope()
			if err != nil {
				reason := ReasonTransportError
				if errors.Is(err, io.EOF) {
					reason = ReasonDeviceInitiated
				}
				if errors.Is(err, protocol.ErrFrameTooLarge) || errors.Is(err, protocol.ErrDecodeFailed) || errors.Is(err, protocol.ErrUnknownKind) {
					reason = ReasonProtocolError
				}
				m.closeInternal(sess, reason)
				return
			}

			if !env.Version.CompatibleWith(protocol.CurrentVersion) {
				m.log.Info("rejecting incompatible protocol version", "device", sess.DeviceIdentity, "version", env.Version.String())
				_ = sess.writeEnvelope(protocol.NewEnvelope(protocol.Message{
					Kind: protocol.KindError,
					Error: &protocol.ErrorMessage{
						Code:    protocol.ErrUnsupportedVersion,
						Message: fmt.Sprintf("unsupported major version %d", env.Version.Major),
					},
				}))
				m.closeInternal(sess, ReasonProtocolError)
				return
			}

			sess.touchLiveness()
			if !livenessTimer.Stop() {
				select {
				case <-livenessTimer.C:
				default:
				}
			}
			livenessTimer.Reset(m.cfg.LivenessWindow)

			if len(env.CorrelationID) > 0 {
				key := hex.EncodeToString(env.CorrelationID)
				if sess.completePending(key, env.Message) {
					continue
				}
			}

			if m.dispatch != nil {
				m.dispatch(ctx, sess.DeviceIdentity, env.Message)
			}

			// A device-initiated Disconnect is an orderly, best-effort
			// announcement sent just before the MCU drops the socket
			// (e.g. ahead of a reboot); close now with
			// ReasonDeviceInitiated instead of waiting for the EOF that
			// follows, so status reflects the device's own intent rather
			// than a generic transport error.
			if env.Message.Kind == protocol.KindDisconnect {
				m.closeInternal(sess, ReasonDeviceInitiated)
				return
			}
		}
	}()

	select {
	case <-done:
		return
	case <-livenessTimer.C:
		fields := logging.NewFields().Component("session-manager").Resource("session", sess.DeviceIdentity)
		m.log.Info("liveness window elapsed", append(fields.KeysAndValues(), "window", m.cfg.LivenessWindow)...)
		m.closeInternal(sess, ReasonHeartbeatLost)
		<-done
	case <-ctx.Done():
		<-done
	}
}

// writeLoop is the session's logical writer: it drains the send queue in
// enqueue order, guaranteeing FIFO delivery on this Session.
func (m *Manager) writeLoop(ctx context.Context, sess *Session) {
	for {
		select {
		case job := <-sess.sendCh:
			err := sess.writeEnvelope(job.env)
			if job.done != nil {
				job.done <- err
			}
			if err != nil {
				m.closeInternal(sess, ReasonTransportError)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
