package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"sigs.k8s.io/controller-runtime/pkg/client"

	wasmbedv1alpha1 "github.com/wasmbed/wasmbed/api/wasmbed/v1alpha1"
	"github.com/wasmbed/wasmbed/internal/store"
	"github.com/wasmbed/wasmbed/pkg/gateway/metrics"
	"github.com/wasmbed/wasmbed/pkg/protocol"
	"github.com/wasmbed/wasmbed/pkg/session"
	wasmbederrors "github.com/wasmbed/wasmbed/pkg/shared/errors"
)

// Dispatcher implements session.Dispatcher: it classifies every
// unsolicited inbound message from a device and persists its consequence
// via the resource store. It runs on the session's reader goroutine,
// which must never block on application-level work, so every method here
// returns quickly; store calls are the one permitted exception.
type Dispatcher struct {
	Store       store.Store
	GatewayName string
	Metrics     *metrics.Metrics
	Log         logr.Logger

	// PairingMode is read on every Enrollment; toggled at runtime by the
	// admin surface's POST /admin/pairing-mode handler.
	PairingMode *atomic.Bool

	// Manager is set by the Server after construction (the Dispatcher and
	// the Manager are mutually referential: the Manager calls the
	// Dispatcher on every inbound message, and the Dispatcher calls back
	// into the Manager to reply with EnrollmentAck and, on policy
	// rejection, to close the Session).
	Manager *session.Manager

	mu       sync.Mutex
	deviceOf map[string]string // session identity (fingerprint) -> Device resource name
	identOf  map[string]string // Device resource name -> session identity (fingerprint)
}

// Forget drops a session identity's enrollment-derived device name once its
// Session has closed; wired to session.Manager's onClosed hook so the index
// never grows unbounded.
func (d *Dispatcher) Forget(identity string) {
	d.mu.Lock()
	if name, ok := d.deviceOf[identity]; ok {
		delete(d.identOf, name)
	}
	delete(d.deviceOf, identity)
	d.mu.Unlock()
}

func (d *Dispatcher) remember(identity, deviceName string) {
	d.mu.Lock()
	if d.deviceOf == nil {
		d.deviceOf = make(map[string]string)
		d.identOf = make(map[string]string)
	}
	d.deviceOf[identity] = deviceName
	d.identOf[deviceName] = identity
	d.mu.Unlock()
}

func (d *Dispatcher) resolve(identity string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	name, ok := d.deviceOf[identity]
	return name, ok
}

// IdentityForDevice returns the session identity (fingerprint) currently
// associated with a Device resource name, if that device has completed
// enrollment and its session is still tracked.
func (d *Dispatcher) IdentityForDevice(name string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	identity, ok := d.identOf[name]
	return identity, ok
}

// Dispatch is the session.Dispatcher function wired into session.NewManager.
func (d *Dispatcher) Dispatch(ctx context.Context, identity string, msg protocol.Message) {
	switch msg.Kind {
	case protocol.KindEnrollment:
		d.handleEnrollment(ctx, identity, msg.Enrollment)
	case protocol.KindHeartbeat:
		if d.Metrics != nil {
			d.Metrics.HeartbeatsTotal.Inc()
		}
	case protocol.KindApplicationStatus:
		d.handleApplicationStatus(ctx, identity, msg.ApplicationStatus)
	case protocol.KindError:
		d.Log.Info("device reported error", "device", identity,
			"code", msg.Error.Code, "message", msg.Error.Message)
	case protocol.KindDisconnect:
		d.Log.Info("device sent disconnect", "device", identity, "reason", msg.Disconnect.Reason)
	}
}

func (d *Dispatcher) deviceName(hardwareID string) string {
	return fmt.Sprintf("device-%s", hardwareID)
}

// handleEnrollment applies the enrollment policy: verify an existing
// Device's public key, auto-create one in pairing mode, or reject
// NotPaired.
func (d *Dispatcher) handleEnrollment(ctx context.Context, identity string, enr *protocol.Enrollment) {
	name := d.deviceName(enr.HardwareID)
	log := d.Log.WithValues("device", name, "identity", identity)

	var existing wasmbedv1alpha1.Device
	err := d.Store.Get(ctx, storeKey(name), &existing)

	switch {
	case err == nil:
		if !bytes.Equal(existing.Spec.PublicKey, enr.PublicKey) {
			d.reject(ctx, identity, wasmbederrors.CodeIdentityMismatch, "presented public key does not match the enrolled device")
			if d.Metrics != nil {
				d.Metrics.EnrollmentsTotal.WithLabelValues("identity_mismatch").Inc()
			}
			return
		}
		existing.Status.Phase = wasmbedv1alpha1.DevicePhaseEnrolled
		existing.Status.GatewayBinding = d.GatewayName
		if perr := d.Store.UpdateStatus(ctx, &existing); perr != nil {
			log.Error(perr, "failed to update device status on re-enrollment")
		}

	case isNotFound(err):
		if d.PairingMode == nil || !d.PairingMode.Load() {
			d.reject(ctx, identity, wasmbederrors.CodeNotPaired, "no Device resource exists and pairing mode is off")
			if d.Metrics != nil {
				d.Metrics.EnrollmentsTotal.WithLabelValues("not_paired").Inc()
			}
			return
		}
		dev := &wasmbedv1alpha1.Device{}
		dev.Name = name
		dev.Spec.PublicKey = append([]byte(nil), enr.PublicKey...)
		dev.Spec.Architecture = wasmbedv1alpha1.DeviceArchitecture(enr.Architecture)
		dev.Spec.McuType = enr.McuType
		dev.Spec.GatewayBinding = d.GatewayName
		dev.Status.Phase = wasmbedv1alpha1.DevicePhaseEnrolling
		if cerr := d.Store.Create(ctx, dev); cerr != nil {
			log.Error(cerr, "failed to create device on pairing-mode enrollment")
			d.reject(ctx, identity, wasmbederrors.CodeInternal, "failed to create device resource")
			return
		}
		dev.Status.Phase = wasmbedv1alpha1.DevicePhaseEnrolled
		dev.Status.GatewayBinding = d.GatewayName
		if uerr := d.Store.UpdateStatus(ctx, dev); uerr != nil {
			log.Error(uerr, "failed to transition newly paired device to Enrolled")
		}

	default:
		log.Error(err, "failed to look up device for enrollment")
		d.reject(ctx, identity, wasmbederrors.CodeInternal, "resource store unavailable")
		return
	}

	d.remember(identity, name)

	if d.Metrics != nil {
		d.Metrics.EnrollmentsTotal.WithLabelValues("ok").Inc()
	}
	ack := protocol.Message{
		Kind:          protocol.KindEnrollmentAck,
		EnrollmentAck: &protocol.EnrollmentAck{Success: true, DeviceName: name},
	}
	if d.Manager != nil {
		_ = d.Manager.Send(ctx, identity, ack)
	}
}

// reject sends a failed EnrollmentAck and closes the Session, per the
// policy-error handling rule: devices that fail policy are disconnected,
// not penalized at the resource layer.
func (d *Dispatcher) reject(ctx context.Context, identity string, code wasmbederrors.Code, detail string) {
	if d.Manager == nil {
		return
	}
	nack := protocol.Message{
		Kind: protocol.KindEnrollmentAck,
		EnrollmentAck: &protocol.EnrollmentAck{
			Success:      false,
			ErrorMessage: fmt.Sprintf("%s: %s", code, detail),
		},
	}
	_ = d.Manager.Send(ctx, identity, nack)
	// Give the writer a moment to flush the NACK before tearing the
	// Session down underneath it.
	time.AfterFunc(50*time.Millisecond, func() {
		_ = d.Manager.Close(context.Background(), identity, session.ReasonProtocolError)
	})
}

// handleApplicationStatus folds a device-reported application transition
// into the owning Application resource's perDeviceStatus, and mirrors the
// application name into the Device's observed Applications list.
func (d *Dispatcher) handleApplicationStatus(ctx context.Context, identity string, st *protocol.ApplicationStatus) {
	log := d.Log.WithValues("device_identity", identity, "application", st.ApplicationName)

	var app wasmbedv1alpha1.Application
	if err := d.Store.Get(ctx, storeKey(st.ApplicationName), &app); err != nil {
		log.Info("application status for unknown application", "error", err.Error())
		return
	}

	deviceName, ok := d.resolve(identity)
	if !ok {
		log.Info("application status from a session with no resolved device name")
		return
	}

	if app.Status.PerDeviceStatus == nil {
		app.Status.PerDeviceStatus = map[string]wasmbedv1alpha1.DeviceStatusEntry{}
	}
	entry := wasmbedv1alpha1.DeviceStatusEntry{Phase: wasmbedv1alpha1.DeviceTargetPhase(st.Phase)}
	if st.Phase == protocol.AppPhaseFailed {
		entry.Reason = st.ErrorDetail
	}
	app.Status.PerDeviceStatus[deviceName] = entry
	app.Status.Phase = recomputeAggregate(app.Status.PerDeviceStatus)
	if err := d.Store.UpdateStatus(ctx, &app); err != nil {
		log.Error(err, "failed to persist application status")
	}

	var dev wasmbedv1alpha1.Device
	if err := d.Store.Get(ctx, storeKey(deviceName), &dev); err == nil {
		if !containsString(dev.Status.Applications, st.ApplicationName) && st.Phase != protocol.AppPhaseStopped {
			dev.Status.Applications = append(dev.Status.Applications, st.ApplicationName)
			_ = d.Store.UpdateStatus(ctx, &dev)
		} else if st.Phase == protocol.AppPhaseStopped {
			dev.Status.Applications = removeString(dev.Status.Applications, st.ApplicationName)
			_ = d.Store.UpdateStatus(ctx, &dev)
		}
	}
}

func recomputeAggregate(perDevice map[string]wasmbedv1alpha1.DeviceStatusEntry) wasmbedv1alpha1.ApplicationAggregatePhase {
	if len(perDevice) == 0 {
		return wasmbedv1alpha1.ApplicationAggregateDeploying
	}
	running, failed, stopped := 0, 0, 0
	for _, e := range perDevice {
		switch e.Phase {
		case wasmbedv1alpha1.DeviceTargetRunning:
			running++
		case wasmbedv1alpha1.DeviceTargetFailed:
			failed++
		case wasmbedv1alpha1.DeviceTargetStopped:
			stopped++
		}
	}
	total := len(perDevice)
	switch {
	case running == total:
		return wasmbedv1alpha1.ApplicationAggregateRunning
	case stopped == total:
		return wasmbedv1alpha1.ApplicationAggregateStopped
	case failed == total:
		return wasmbedv1alpha1.ApplicationAggregateFailed
	case failed > 0 && running > 0:
		return wasmbedv1alpha1.ApplicationAggregatePartialFailure
	default:
		return wasmbedv1alpha1.ApplicationAggregateDeploying
	}
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func removeString(ss []string, s string) []string {
	out := ss[:0]
	for _, v := range ss {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

func isNotFound(err error) bool {
	var nf *store.NotFound
	return errors.As(err, &nf)
}

func storeKey(name string) client.ObjectKey {
	return client.ObjectKey{Name: name}
}
