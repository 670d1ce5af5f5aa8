package gateway

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sigs.k8s.io/controller-runtime/pkg/client"

	wasmbedv1alpha1 "github.com/wasmbed/wasmbed/api/wasmbed/v1alpha1"
	"github.com/wasmbed/wasmbed/internal/store/storetest"
	"github.com/wasmbed/wasmbed/pkg/gateway/metrics"
	"github.com/wasmbed/wasmbed/pkg/protocol"
)

func newTestDispatcher(pairingMode bool, objs ...client.Object) (*Dispatcher, *storetest.Fake) {
	fake := storetest.New(objs...)
	pm := &atomic.Bool{}
	pm.Store(pairingMode)
	return &Dispatcher{
		Store:       fake,
		GatewayName: "gateway-test",
		Metrics:     metrics.NewMetricsWithRegistry(prometheus.NewRegistry()),
		Log:         logr.Discard(),
		PairingMode: pm,
	}, fake
}

func TestHandleEnrollment_PairingModeOffRejectsUnknownDevice(t *testing.T) {
	d, fake := newTestDispatcher(false)

	d.handleEnrollment(context.Background(), "fp-1", &protocol.Enrollment{
		HardwareID: "hw-001",
		PublicKey:  []byte("pubkey-1"),
		McuType:    "Mps2An385",
	})

	var dev wasmbedv1alpha1.Device
	err := fake.Get(context.Background(), client.ObjectKey{Name: "device-hw-001"}, &dev)
	assert.Error(t, err, "device should not be created when pairing mode is off")

	_, ok := d.resolve("fp-1")
	assert.False(t, ok)
}

func TestHandleEnrollment_PairingModeOnCreatesDevice(t *testing.T) {
	d, fake := newTestDispatcher(true)

	d.handleEnrollment(context.Background(), "fp-1", &protocol.Enrollment{
		HardwareID:   "hw-001",
		PublicKey:    []byte("pubkey-1"),
		Architecture: string(wasmbedv1alpha1.ArchitectureARMCortexM),
		McuType:      "Mps2An385",
	})

	var dev wasmbedv1alpha1.Device
	require.NoError(t, fake.Get(context.Background(), client.ObjectKey{Name: "device-hw-001"}, &dev))
	assert.Equal(t, wasmbedv1alpha1.DevicePhaseEnrolled, dev.Status.Phase)
	assert.Equal(t, "gateway-test", dev.Status.GatewayBinding)

	name, ok := d.resolve("fp-1")
	require.True(t, ok)
	assert.Equal(t, "device-hw-001", name)

	identity, ok := d.IdentityForDevice("device-hw-001")
	require.True(t, ok)
	assert.Equal(t, "fp-1", identity)
}

func TestHandleEnrollment_IdentityMismatchRejectsReenrollment(t *testing.T) {
	existing := &wasmbedv1alpha1.Device{}
	existing.Name = "device-hw-001"
	existing.Spec.PublicKey = []byte("original-key")

	d, fake := newTestDispatcher(false, existing)

	d.handleEnrollment(context.Background(), "fp-attacker", &protocol.Enrollment{
		HardwareID: "hw-001",
		PublicKey:  []byte("different-key"),
	})

	var dev wasmbedv1alpha1.Device
	require.NoError(t, fake.Get(context.Background(), client.ObjectKey{Name: "device-hw-001"}, &dev))
	assert.NotEqual(t, wasmbedv1alpha1.DevicePhaseEnrolled, dev.Status.Phase, "status should not advance on identity mismatch")

	_, ok := d.resolve("fp-attacker")
	assert.False(t, ok)
}

func TestHandleEnrollment_MatchingKeyReenrollsSuccessfully(t *testing.T) {
	existing := &wasmbedv1alpha1.Device{}
	existing.Name = "device-hw-001"
	existing.Spec.PublicKey = []byte("pubkey-1")

	d, fake := newTestDispatcher(false, existing)

	d.handleEnrollment(context.Background(), "fp-1", &protocol.Enrollment{
		HardwareID: "hw-001",
		PublicKey:  []byte("pubkey-1"),
	})

	var dev wasmbedv1alpha1.Device
	require.NoError(t, fake.Get(context.Background(), client.ObjectKey{Name: "device-hw-001"}, &dev))
	assert.Equal(t, wasmbedv1alpha1.DevicePhaseEnrolled, dev.Status.Phase)

	name, ok := d.resolve("fp-1")
	require.True(t, ok)
	assert.Equal(t, "device-hw-001", name)
}

func TestHandleApplicationStatus_UpdatesPerDeviceStatusAndAggregate(t *testing.T) {
	dev := &wasmbedv1alpha1.Device{}
	dev.Name = "device-hw-001"

	app := &wasmbedv1alpha1.Application{}
	app.Name = "counter-app"
	app.Spec.TargetDevices.DeviceNames = []string{"device-hw-001"}

	d, fake := newTestDispatcher(false, dev, app)
	d.remember("fp-1", "device-hw-001")

	d.handleApplicationStatus(context.Background(), "fp-1", &protocol.ApplicationStatus{
		ApplicationName: "counter-app",
		Phase:           protocol.AppPhaseRunning,
	})

	var gotApp wasmbedv1alpha1.Application
	require.NoError(t, fake.Get(context.Background(), client.ObjectKey{Name: "counter-app"}, &gotApp))
	require.Contains(t, gotApp.Status.PerDeviceStatus, "device-hw-001")
	assert.Equal(t, wasmbedv1alpha1.DeviceTargetRunning, gotApp.Status.PerDeviceStatus["device-hw-001"].Phase)
	assert.Equal(t, wasmbedv1alpha1.ApplicationAggregateRunning, gotApp.Status.Phase)

	var gotDev wasmbedv1alpha1.Device
	require.NoError(t, fake.Get(context.Background(), client.ObjectKey{Name: "device-hw-001"}, &gotDev))
	assert.Contains(t, gotDev.Status.Applications, "counter-app")
}

func TestHandleApplicationStatus_UnresolvedIdentityIsANoop(t *testing.T) {
	app := &wasmbedv1alpha1.Application{}
	app.Name = "counter-app"

	d, fake := newTestDispatcher(false, app)

	d.handleApplicationStatus(context.Background(), "fp-unknown", &protocol.ApplicationStatus{
		ApplicationName: "counter-app",
		Phase:           protocol.AppPhaseRunning,
	})

	var gotApp wasmbedv1alpha1.Application
	require.NoError(t, fake.Get(context.Background(), client.ObjectKey{Name: "counter-app"}, &gotApp))
	assert.Empty(t, gotApp.Status.PerDeviceStatus)
}

func TestForgetRemovesBothDirections(t *testing.T) {
	d, _ := newTestDispatcher(true)
	d.remember("fp-1", "device-hw-001")

	d.Forget("fp-1")

	_, ok := d.resolve("fp-1")
	assert.False(t, ok)
	_, ok = d.IdentityForDevice("device-hw-001")
	assert.False(t, ok)
}

func TestRecomputeAggregate(t *testing.T) {
	tests := []struct {
		name string
		in   map[string]wasmbedv1alpha1.DeviceStatusEntry
		want wasmbedv1alpha1.ApplicationAggregatePhase
	}{
		{
			name: "all running",
			in: map[string]wasmbedv1alpha1.DeviceStatusEntry{
				"a": {Phase: wasmbedv1alpha1.DeviceTargetRunning},
				"b": {Phase: wasmbedv1alpha1.DeviceTargetRunning},
			},
			want: wasmbedv1alpha1.ApplicationAggregateRunning,
		},
		{
			name: "all stopped",
			in: map[string]wasmbedv1alpha1.DeviceStatusEntry{
				"a": {Phase: wasmbedv1alpha1.DeviceTargetStopped},
			},
			want: wasmbedv1alpha1.ApplicationAggregateStopped,
		},
		{
			name: "all failed",
			in: map[string]wasmbedv1alpha1.DeviceStatusEntry{
				"a": {Phase: wasmbedv1alpha1.DeviceTargetFailed},
			},
			want: wasmbedv1alpha1.ApplicationAggregateFailed,
		},
		{
			name: "mixed running and failed",
			in: map[string]wasmbedv1alpha1.DeviceStatusEntry{
				"a": {Phase: wasmbedv1alpha1.DeviceTargetRunning},
				"b": {Phase: wasmbedv1alpha1.DeviceTargetFailed},
			},
			want: wasmbedv1alpha1.ApplicationAggregatePartialFailure,
		},
		{
			name: "still deploying",
			in: map[string]wasmbedv1alpha1.DeviceStatusEntry{
				"a": {Phase: wasmbedv1alpha1.DeviceTargetDeploying},
			},
			want: wasmbedv1alpha1.ApplicationAggregateDeploying,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, recomputeAggregate(tt.in))
		})
	}
}
