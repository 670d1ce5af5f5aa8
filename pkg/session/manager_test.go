package session

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wasmbed/wasmbed/pkg/gateway/metrics"
	"github.com/wasmbed/wasmbed/pkg/protocol"
)

func newTestRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

func TestSessionManager(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Session Manager Suite")
}

// pipeConn bundles the gateway-side and device-side ends of an in-memory
// connection so tests can act as the device without a real socket.
type pipeConn struct {
	gatewaySide net.Conn
	deviceSide  net.Conn
}

func newPipeConn() pipeConn {
	a, b := net.Pipe()
	return pipeConn{gatewaySide: a, deviceSide: b}
}

func newTestManager(cfg Config) *Manager {
	cfg.ShardCount = 2
	return NewManager(cfg, metrics.NewMetricsWithRegistry(newTestRegistry()), logr.Discard(), nil, func() bool { return false }, nil)
}

var _ = Describe("Manager", func() {
	var (
		mgr  *Manager
		ctx  context.Context
		quit context.CancelFunc
	)

	BeforeEach(func() {
		ctx, quit = context.WithCancel(context.Background())
		mgr = newTestManager(Config{QueueSize: 4, LivenessWindow: 200 * time.Millisecond})
	})

	AfterEach(func() {
		quit()
	})

	It("accepts a new session and reports it in the registry", func() {
		pc := newPipeConn()
		defer pc.deviceSide.Close()

		sess, err := mgr.Accept(ctx, pc.gatewaySide, "gw-1", "device-a")
		Expect(err).ToNot(HaveOccurred())
		Expect(sess).ToNot(BeNil())

		got, ok := mgr.Get("device-a")
		Expect(ok).To(BeTrue())
		Expect(got.DeviceIdentity).To(Equal("device-a"))
	})

	It("rejects acceptance once capacity is exhausted", func() {
		mgr = newTestManager(Config{Capacity: 1, QueueSize: 4, LivenessWindow: time.Second})

		pc1 := newPipeConn()
		defer pc1.deviceSide.Close()
		_, err := mgr.Accept(ctx, pc1.gatewaySide, "gw-1", "device-a")
		Expect(err).ToNot(HaveOccurred())

		pc2 := newPipeConn()
		defer pc2.deviceSide.Close()
		_, err = mgr.Accept(ctx, pc2.gatewaySide, "gw-1", "device-b")
		Expect(err).To(MatchError(ErrCapacityExceeded))
	})

	It("rejects new sessions while the gateway is draining", func() {
		mgr = newTestManager(Config{QueueSize: 4, LivenessWindow: time.Second})
		mgr.draining = func() bool { return true }

		pc := newPipeConn()
		defer pc.deviceSide.Close()
		_, err := mgr.Accept(ctx, pc.gatewaySide, "gw-1", "device-a")
		Expect(err).To(MatchError(ErrDraining))
	})

	It("supersedes an existing session for the same device identity by default", func() {
		pc1 := newPipeConn()
		defer pc1.deviceSide.Close()
		first, err := mgr.Accept(ctx, pc1.gatewaySide, "gw-1", "device-a")
		Expect(err).ToNot(HaveOccurred())

		pc2 := newPipeConn()
		defer pc2.deviceSide.Close()
		second, err := mgr.Accept(ctx, pc2.gatewaySide, "gw-1", "device-a")
		Expect(err).ToNot(HaveOccurred())

		Eventually(func() State { return first.State() }).Should(Equal(StateClosed))
		Expect(second.State()).To(Equal(StateOpen))

		got, ok := mgr.Get("device-a")
		Expect(ok).To(BeTrue())
		Expect(got).To(BeIdenticalTo(second))
	})

	It("rejects the new connection when configured to reject duplicates", func() {
		mgr = newTestManager(Config{QueueSize: 4, LivenessWindow: time.Second, RejectDuplicates: true})

		pc1 := newPipeConn()
		defer pc1.deviceSide.Close()
		first, err := mgr.Accept(ctx, pc1.gatewaySide, "gw-1", "device-a")
		Expect(err).ToNot(HaveOccurred())

		pc2 := newPipeConn()
		defer pc2.deviceSide.Close()
		_, err = mgr.Accept(ctx, pc2.gatewaySide, "gw-1", "device-a")
		Expect(err).To(MatchError(ErrDuplicateDevice))

		Expect(first.State()).To(Equal(StateOpen))
	})

	It("delivers a Send as a framed envelope the device can decode", func() {
		pc := newPipeConn()
		defer pc.deviceSide.Close()
		_, err := mgr.Accept(ctx, pc.gatewaySide, "gw-1", "device-a")
		Expect(err).ToNot(HaveOccurred())

		done := make(chan protocol.Envelope, 1)
		go func() {
			env, readErr := protocol.ReadEnvelope(pc.deviceSide)
			Expect(readErr).ToNot(HaveOccurred())
			done <- env
		}()

		err = mgr.Send(ctx, "device-a", protocol.Message{
			Kind: protocol.KindStop,
			Stop: &protocol.Stop{ApplicationName: "counter"},
		})
		Expect(err).ToNot(HaveOccurred())

		var env protocol.Envelope
		Eventually(done).Should(Receive(&env))
		Expect(env.Message.Kind).To(Equal(protocol.KindStop))
		Expect(env.Message.Stop.ApplicationName).To(Equal("counter"))
	})

	It("fails Send with ErrNotConnected for an unknown device", func() {
		err := mgr.Send(ctx, "ghost", protocol.Message{Kind: protocol.KindHeartbeat, Heartbeat: &protocol.Heartbeat{}})
		Expect(err).To(MatchError(ErrNotConnected))
	})

	It("reports ErrQueueFull when the outbound queue is saturated", func() {
		mgr = newTestManager(Config{QueueSize: 1, LivenessWindow: time.Second})
		pc := newPipeConn()
		defer pc.deviceSide.Close()
		_, err := mgr.Accept(ctx, pc.gatewaySide, "gw-1", "device-a")
		Expect(err).ToNot(HaveOccurred())

		// The device side never reads, so the writer goroutine blocks on the
		// wire after draining one queued frame; fill the queue past capacity.
		var lastErr error
		for i := 0; i < 8; i++ {
			lastErr = mgr.Send(ctx, "device-a", protocol.Message{Kind: protocol.KindHeartbeat, Heartbeat: &protocol.Heartbeat{}})
			if lastErr != nil {
				break
			}
		}
		Expect(lastErr).To(MatchError(ErrQueueFull))
	})

	It("resolves Request against a correlated reply", func() {
		pc := newPipeConn()
		defer pc.deviceSide.Close()
		_, err := mgr.Accept(ctx, pc.gatewaySide, "gw-1", "device-a")
		Expect(err).ToNot(HaveOccurred())

		go func() {
			env, readErr := protocol.ReadEnvelope(pc.deviceSide)
			if readErr != nil {
				return
			}
			reply := protocol.NewEnvelope(protocol.Message{
				Kind:          protocol.KindEnrollmentAck,
				EnrollmentAck: &protocol.EnrollmentAck{Success: true, DeviceName: "device-a"},
			}).WithCorrelation(env.CorrelationID)
			_ = protocol.WriteEnvelope(pc.deviceSide, reply)
		}()

		reply, err := mgr.Request(ctx, "device-a", protocol.Message{
			Kind:       protocol.KindEnrollment,
			Enrollment: &protocol.Enrollment{Architecture: "armv7"},
		}, time.Second)
		Expect(err).ToNot(HaveOccurred())
		Expect(reply.Kind).To(Equal(protocol.KindEnrollmentAck))
		Expect(reply.EnrollmentAck.Success).To(BeTrue())
	})

	It("times out a Request when no reply arrives", func() {
		pc := newPipeConn()
		defer pc.deviceSide.Close()
		_, err := mgr.Accept(ctx, pc.gatewaySide, "gw-1", "device-a")
		Expect(err).ToNot(HaveOccurred())

		go func() {
			_, _ = protocol.ReadEnvelope(pc.deviceSide) // drain, never reply
		}()

		_, err = mgr.Request(ctx, "device-a", protocol.Message{
			Kind:       protocol.KindEnrollment,
			Enrollment: &protocol.Enrollment{},
		}, 50*time.Millisecond)
		Expect(err).To(MatchError(ErrTimeout))
	})

	It("closes a session idempotently and reflects it in the registry", func() {
		pc := newPipeConn()
		defer pc.deviceSide.Close()
		sess, err := mgr.Accept(ctx, pc.gatewaySide, "gw-1", "device-a")
		Expect(err).ToNot(HaveOccurred())

		Expect(mgr.Close(ctx, "device-a", ReasonRequestedExplicit)).To(Succeed())
		Expect(mgr.Close(ctx, "device-a", ReasonRequestedExplicit)).To(Succeed())

		Expect(sess.State()).To(Equal(StateClosed))
		_, ok := mgr.Get("device-a")
		Expect(ok).To(BeFalse())
	})

	It("closes a session whose liveness window elapses with no inbound traffic", func() {
		mgr = newTestManager(Config{QueueSize: 4, LivenessWindow: 50 * time.Millisecond})
		pc := newPipeConn()
		defer pc.deviceSide.Close()

		sess, err := mgr.Accept(ctx, pc.gatewaySide, "gw-1", "device-a")
		Expect(err).ToNot(HaveOccurred())

		Eventually(func() State { return sess.State() }, time.Second, 10*time.Millisecond).Should(Equal(StateClosed))
	})

	It("dispatches an unsolicited inbound message to the configured Dispatcher", func() {
		received := make(chan protocol.Message, 1)
		mgr = NewManager(Config{QueueSize: 4, LivenessWindow: time.Second, ShardCount: 2},
			metrics.NewMetricsWithRegistry(newTestRegistry()), logr.Discard(),
			func(_ context.Context, identity string, msg protocol.Message) {
				Expect(identity).To(Equal("device-a"))
				received <- msg
			},
			func() bool { return false }, nil)

		pc := newPipeConn()
		defer pc.deviceSide.Close()
		_, err := mgr.Accept(ctx, pc.gatewaySide, "gw-1", "device-a")
		Expect(err).ToNot(HaveOccurred())

		err = protocol.WriteEnvelope(pc.deviceSide, protocol.NewEnvelope(protocol.Message{
			Kind:      protocol.KindHeartbeat,
			Heartbeat: &protocol.Heartbeat{UptimeSecs: 42},
		}))
		Expect(err).ToNot(HaveOccurred())

		var msg protocol.Message
		Eventually(received).Should(Receive(&msg))
		Expect(msg.Heartbeat.UptimeSecs).To(Equal(uint64(42)))
	})

	It("invokes onClosed with the device identity, gateway name and reason", func() {
		closedCh := make(chan CloseReason, 1)
		mgr = NewManager(Config{QueueSize: 4, LivenessWindow: time.Second, ShardCount: 2},
			metrics.NewMetricsWithRegistry(newTestRegistry()), logr.Discard(), nil,
			func() bool { return false },
			func(identity, gatewayName string, reason CloseReason) {
				Expect(identity).To(Equal("device-a"))
				Expect(gatewayName).To(Equal("gw-1"))
				closedCh <- reason
			})

		pc := newPipeConn()
		defer pc.deviceSide.Close()
		_, err := mgr.Accept(ctx, pc.gatewaySide, "gw-1", "device-a")
		Expect(err).ToNot(HaveOccurred())

		Expect(mgr.Close(ctx, "device-a", ReasonGatewayShutdown)).To(Succeed())
		Eventually(closedCh).Should(Receive(Equal(ReasonGatewayShutdown)))
	})

	It("rejects an incompatible protocol major version with an error envelope and closes", func() {
		pc := newPipeConn()
		defer pc.deviceSide.Close()
		sess, err := mgr.Accept(ctx, pc.gatewaySide, "gw-1", "device-a")
		Expect(err).ToNot(HaveOccurred())

		replyCh := make(chan protocol.Envelope, 1)
		go func() {
			env, readErr := protocol.ReadEnvelope(pc.deviceSide)
			if readErr != nil {
				return
			}
			replyCh <- env
		}()

		badVersion := protocol.NewEnvelope(protocol.Message{
			Kind:      protocol.KindHeartbeat,
			Heartbeat: &protocol.Heartbeat{},
		})
		badVersion.Version = protocol.Version{Major: protocol.CurrentVersion.Major + 1}
		Expect(protocol.WriteEnvelope(pc.deviceSide, badVersion)).To(Succeed())

		var reply protocol.Envelope
		Eventually(replyCh).Should(Receive(&reply))
		Expect(reply.Message.Kind).To(Equal(protocol.KindError))
		Expect(reply.Message.Error.Code).To(Equal(protocol.ErrUnsupportedVersion))

		Eventually(func() State { return sess.State() }).Should(Equal(StateClosed))
	})

	It("snapshots every live session", func() {
		pc1 := newPipeConn()
		defer pc1.deviceSide.Close()
		pc2 := newPipeConn()
		defer pc2.deviceSide.Close()

		_, err := mgr.Accept(ctx, pc1.gatewaySide, "gw-1", "device-a")
		Expect(err).ToNot(HaveOccurred())
		_, err = mgr.Accept(ctx, pc2.gatewaySide, "gw-1", "device-b")
		Expect(err).ToNot(HaveOccurred())

		snap := mgr.Snapshot()
		Expect(snap).To(HaveLen(2))
		names := []string{snap[0].DeviceIdentity, snap[1].DeviceIdentity}
		Expect(names).To(ConsistOf("device-a", "device-b"))
	})
})
