package gateway

import (
	"context"
	"net"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"

	wasmbedv1alpha1 "github.com/wasmbed/wasmbed/api/wasmbed/v1alpha1"
	"github.com/wasmbed/wasmbed/internal/config"
	"github.com/wasmbed/wasmbed/internal/store/storetest"
	"github.com/wasmbed/wasmbed/pkg/gateway/metrics"
	"github.com/wasmbed/wasmbed/pkg/protocol"
	"github.com/wasmbed/wasmbed/pkg/shared/logging"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

func newLifecycleServer(pairingMode bool, fake *storetest.Fake) *Server {
	cfg := config.GatewayConfig{
		GatewayName:    "gateway-test",
		LivenessWindow: time.Second,
		DrainDeadline:  100 * time.Millisecond,
		MaxSessions:    8,
	}
	if pairingMode {
		cfg.PairingMode = config.OnOff(true)
	}
	s, err := NewServer(cfg, fake, metrics.NewMetricsWithRegistry(prometheus.NewRegistry()), logging.Discard())
	Expect(err).ToNot(HaveOccurred())
	return s
}

// enroll drives the plaintext (no-mTLS) admission path: the device's first
// envelope is an Enrollment the server pre-reads to learn the identity.
func enroll(ctx context.Context, s *Server, enr *protocol.Enrollment) (deviceSide net.Conn, ack protocol.Envelope) {
	gatewaySide, devSide := net.Pipe()

	go s.handleConn(ctx, gatewaySide)

	err := protocol.WriteEnvelope(devSide, protocol.NewEnvelope(protocol.Message{
		Kind:       protocol.KindEnrollment,
		Enrollment: enr,
	}))
	Expect(err).ToNot(HaveOccurred())

	ackCh := make(chan protocol.Envelope, 1)
	go func() {
		env, readErr := protocol.ReadEnvelope(devSide)
		if readErr != nil {
			return
		}
		ackCh <- env
	}()
	Eventually(ackCh, time.Second).Should(Receive(&ack))
	return devSide, ack
}

var _ = Describe("Gateway Server lifecycle", func() {
	It("starts in Initializing", func() {
		s := newLifecycleServer(false, storetest.New())
		Expect(s.Phase()).To(Equal(PhaseInitializing))
	})

	It("drains to Stopped and refuses new sessions afterwards", func() {
		s := newLifecycleServer(false, storetest.New())
		s.phase.Store(PhaseReady)

		s.Drain(context.Background())
		Expect(s.Phase()).To(Equal(PhaseStopped))

		gatewaySide, devSide := net.Pipe()
		defer devSide.Close()
		_, err := s.manager.Accept(context.Background(), gatewaySide, "gateway-test", "fp-late")
		Expect(err).To(HaveOccurred())
	})

	It("is idempotent: draining an already-stopped server is a no-op", func() {
		s := newLifecycleServer(false, storetest.New())
		s.phase.Store(PhaseReady)
		s.Drain(context.Background())
		s.Drain(context.Background())
		Expect(s.Phase()).To(Equal(PhaseStopped))
	})
})

var _ = Describe("Gateway Server enrollment admission", func() {
	var (
		fake *storetest.Fake
		s    *Server
		ctx  context.Context
		stop context.CancelFunc
	)

	BeforeEach(func() {
		fake = storetest.New()
		ctx, stop = context.WithCancel(context.Background())
	})

	AfterEach(func() {
		stop()
	})

	It("creates a Device resource and acks a first-time enrollment with pairing on", func() {
		s = newLifecycleServer(true, fake)
		s.phase.Store(PhaseReady)

		devSide, ack := enroll(ctx, s, &protocol.Enrollment{
			Architecture:    "ARM_CORTEX_M",
			McuType:         "Mps2An385",
			PublicKey:       []byte("pk-A"),
			FirmwareVersion: "1.0.0",
			HardwareID:      "hw-001",
		})
		defer devSide.Close()

		Expect(ack.Message.Kind).To(Equal(protocol.KindEnrollmentAck))
		Expect(ack.Message.EnrollmentAck.Success).To(BeTrue())
		Expect(ack.Message.EnrollmentAck.DeviceName).To(Equal("device-hw-001"))

		var dev wasmbedv1alpha1.Device
		Expect(fake.Get(ctx, client.ObjectKey{Name: "device-hw-001"}, &dev)).To(Succeed())
		Expect(dev.Status.Phase).To(Equal(wasmbedv1alpha1.DevicePhaseEnrolled))

		Expect(s.manager.Snapshot()).To(HaveLen(1))
	})

	It("rejects a first-time enrollment with pairing off and closes the session", func() {
		s = newLifecycleServer(false, fake)
		s.phase.Store(PhaseReady)

		devSide, ack := enroll(ctx, s, &protocol.Enrollment{
			PublicKey:  []byte("pk-unknown"),
			HardwareID: "hw-999",
		})
		defer devSide.Close()

		Expect(ack.Message.Kind).To(Equal(protocol.KindEnrollmentAck))
		Expect(ack.Message.EnrollmentAck.Success).To(BeFalse())
		Expect(ack.Message.EnrollmentAck.ErrorMessage).To(ContainSubstring("NOT_PAIRED"))

		var dev wasmbedv1alpha1.Device
		Expect(fake.Get(ctx, client.ObjectKey{Name: "device-hw-999"}, &dev)).ToNot(Succeed())

		Eventually(func() int { return len(s.manager.Snapshot()) }, time.Second).Should(BeZero())
	})

	It("supersedes the prior session when the same identity reconnects", func() {
		s = newLifecycleServer(true, fake)
		s.phase.Store(PhaseReady)

		enr := &protocol.Enrollment{PublicKey: []byte("pk-A"), HardwareID: "hw-001"}

		first, ack1 := enroll(ctx, s, enr)
		defer first.Close()
		Expect(ack1.Message.EnrollmentAck.Success).To(BeTrue())

		second, ack2 := enroll(ctx, s, enr)
		defer second.Close()
		Expect(ack2.Message.EnrollmentAck.Success).To(BeTrue())

		Eventually(func() int { return len(s.manager.Snapshot()) }, time.Second).Should(Equal(1))
	})
})
