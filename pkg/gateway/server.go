package gateway

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	wasmbedv1alpha1 "github.com/wasmbed/wasmbed/api/wasmbed/v1alpha1"
	"github.com/wasmbed/wasmbed/internal/config"
	"github.com/wasmbed/wasmbed/internal/store"
	"github.com/wasmbed/wasmbed/pkg/gateway/metrics"
	"github.com/wasmbed/wasmbed/pkg/protocol"
	"github.com/wasmbed/wasmbed/pkg/session"
)

// Phase is the Gateway Server's own lifecycle, mirrored into the owning
// Gateway resource's status by the Gateway Controller.
type Phase string

const (
	PhaseInitializing Phase = "Initializing"
	PhaseReady        Phase = "Ready"
	PhaseDraining     Phase = "Draining"
	PhaseStopped      Phase = "Stopped"
)

// Server is the Gateway Server: a device-facing TCP/TLS listener and an
// operator-facing admin HTTP surface, sharing one Session Manager.
type Server struct {
	cfg     config.GatewayConfig
	store   store.Store
	metrics *metrics.Metrics
	log     logr.Logger

	pairingMode *atomic.Bool
	dispatcher  *Dispatcher
	manager     *session.Manager

	tlsConfig *tlsWatcher // nil when TLS is disabled

	phase atomic.Value // Phase

	mu       sync.Mutex
	listener net.Listener
	admin    *admin
}

// NewServer wires a Session Manager, Dispatcher and (if configured) TLS
// watcher together, ready for Run.
func NewServer(cfg config.GatewayConfig, st store.Store, m *metrics.Metrics, log logr.Logger) (*Server, error) {
	log = log.WithName("gateway-server")

	s := &Server{
		cfg:         cfg,
		store:       st,
		metrics:     m,
		log:         log,
		pairingMode: &atomic.Bool{},
	}
	s.pairingMode.Store(cfg.PairingMode.Bool())
	s.phase.Store(PhaseInitializing)

	s.dispatcher = &Dispatcher{
		Store:       st,
		GatewayName: cfg.GatewayName,
		Metrics:     m,
		Log:         log.WithName("dispatcher"),
		PairingMode: s.pairingMode,
	}

	s.manager = session.NewManager(
		session.Config{
			Capacity:       cfg.MaxSessions,
			ShardCount:     cfg.ShardCount,
			LivenessWindow: cfg.LivenessWindow,
		},
		m, log, s.dispatcher.Dispatch, s.isDraining, s.onSessionClosed,
	)
	s.dispatcher.Manager = s.manager

	if cfg.TLSEnabled() {
		w, err := newTLSWatcher(cfg.TLSCertPath, cfg.TLSKeyPath, cfg.TLSClientCAPath, log.WithName("tls-watcher"))
		if err != nil {
			return nil, fmt.Errorf("initialize TLS watcher: %w", err)
		}
		s.tlsConfig = w
	}

	s.admin = newAdmin(s)

	return s, nil
}

func (s *Server) isDraining() bool {
	return s.Phase() == PhaseDraining || s.Phase() == PhaseStopped
}

// Phase returns the server's current lifecycle phase.
func (s *Server) Phase() Phase {
	return s.phase.Load().(Phase)
}

func (s *Server) onSessionClosed(identity, gatewayName string, reason session.CloseReason) {
	name, ok := s.dispatcher.resolve(identity)
	s.dispatcher.Forget(identity)
	s.log.Info("session closed", "identity", identity, "gateway", gatewayName, "reason", reason)

	if !ok {
		return
	}
	var dev wasmbedv1alpha1.Device
	if err := s.store.Get(context.Background(), storeKey(name), &dev); err == nil {
		dev.Status.Phase = wasmbedv1alpha1.DevicePhaseDisconnected
		_ = s.store.UpdateStatus(context.Background(), &dev)
	}
}

// Run starts the device-facing listener and the admin HTTP server, and
// blocks until ctx is canceled, at which point it drains and returns.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.listen()
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.BindAddr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	if s.tlsConfig != nil {
		if err := s.tlsConfig.Watch(ctx); err != nil {
			return fmt.Errorf("start TLS watcher: %w", err)
		}
	}

	adminErrCh := make(chan error, 1)
	go func() { adminErrCh <- s.admin.run(ctx, s.cfg.AdminBindAddr) }()

	if s.tlsConfig == nil {
		s.log.Info("WARNING: no TLS material configured, serving devices over plaintext TCP")
	}

	s.phase.Store(PhaseReady)
	s.log.Info("gateway ready", "bind_addr", s.cfg.BindAddr, "admin_bind_addr", s.cfg.AdminBindAddr, "tls", s.tlsConfig != nil)

	acceptErrCh := make(chan error, 1)
	go func() { acceptErrCh <- s.acceptLoop(ctx) }()

	select {
	case <-ctx.Done():
	case err := <-acceptErrCh:
		if err != nil {
			s.log.Error(err, "accept loop exited")
		}
	}

	s.Drain(context.Background())

	select {
	case err := <-adminErrCh:
		return err
	default:
		return nil
	}
}

func (s *Server) listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.cfg.BindAddr)
	if err != nil {
		return nil, err
	}
	if s.tlsConfig == nil {
		return ln, nil
	}
	return tls.NewListener(ln, s.tlsConfig.Config()), nil
}

// Drain transitions the server to Draining, stops accepting new device
// connections, and waits up to DrainDeadline for open sessions to close on
// their own before forcing the remainder closed.
func (s *Server) Drain(ctx context.Context) {
	if s.Phase() == PhaseDraining || s.Phase() == PhaseStopped {
		return
	}
	s.phase.Store(PhaseDraining)
	s.log.Info("draining", "deadline", s.cfg.DrainDeadline)

	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}

	deadline := time.NewTimer(s.cfg.DrainDeadline)
	defer deadline.Stop()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

drainWait:
	for len(s.manager.Snapshot()) > 0 {
		select {
		case <-deadline.C:
			for _, snap := range s.manager.Snapshot() {
				_ = s.manager.Close(ctx, snap.DeviceIdentity, session.ReasonGatewayShutdown)
			}
			break drainWait
		case <-ticker.C:
		}
	}

	_ = s.admin.shutdown(ctx)
	s.phase.Store(PhaseStopped)
	s.log.Info("stopped")
}

// acceptLoop accepts device connections until the listener closes (which
// Drain triggers deliberately).
func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		s.mu.Lock()
		ln := s.listener
		s.mu.Unlock()

		conn, err := ln.Accept()
		if err != nil {
			if s.isDraining() {
				return nil
			}
			return err
		}
		go s.handleConn(ctx, conn)
	}
}

// handleConn performs identity resolution and admits the connection into
// the Session Manager. With mTLS configured, identity comes from the
// verified peer certificate; the manager's reader loop alone is sufficient
// because the first logical message is still an ordinary Enrollment that
// the Dispatcher will process normally. Without mTLS, the Gateway Server
// itself must read the first envelope to learn the device's identity from
// the enrollment payload before any Session exists to read it on the
// device's behalf — so it pre-reads that one envelope and replays it to
// the Dispatcher manually once the Session is admitted.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	identity, pending, err := s.resolveIdentity(conn)
	if err != nil {
		s.log.Info("rejecting connection: identity resolution failed", "remote", conn.RemoteAddr(), "error", err.Error())
		_ = conn.Close()
		return
	}

	if _, err := s.manager.Accept(ctx, conn, s.cfg.GatewayName, identity); err != nil {
		s.log.Info("rejecting connection", "identity", identity, "error", err.Error())
		_ = conn.Close()
		return
	}

	if pending != nil {
		s.dispatcher.Dispatch(ctx, identity, *pending)
	}
}

// resolveIdentity derives the device's identity either from a verified TLS
// client certificate, or — when mTLS is not configured — by synchronously
// reading the connection's first envelope and requiring it to be an
// Enrollment. In the second case it returns the decoded message so the
// caller can hand it to the Dispatcher once the Session exists.
func (s *Server) resolveIdentity(conn net.Conn) (string, *protocol.Message, error) {
	if tconn, ok := conn.(*tls.Conn); ok {
		if err := tconn.Handshake(); err != nil {
			return "", nil, fmt.Errorf("tls handshake: %w", err)
		}
		state := tconn.ConnectionState()
		if len(state.PeerCertificates) > 0 {
			fp, err := fingerprintPeerCertificate(state.PeerCertificates[0])
			if err != nil {
				return "", nil, err
			}
			return fp, nil, nil
		}
		// TLS configured but no client cert presented (client auth not
		// required): fall through to the enrollment pre-read below.
	}

	env, err := protocol.ReadEnvelope(conn)
	if err != nil {
		return "", nil, fmt.Errorf("read enrollment envelope: %w", err)
	}
	if env.Message.Kind != protocol.KindEnrollment || env.Message.Enrollment == nil {
		return "", nil, fmt.Errorf("expected enrollment as first message, got %q", env.Message.Kind)
	}
	fp := fingerprintPublicKey(env.Message.Enrollment.PublicKey)
	return fp, &env.Message, nil
}
