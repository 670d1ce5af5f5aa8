// Package device implements the Device Controller: for each Device
// resource, drive its observable phase to match the protocol truth
// reported by its bound Gateway's admin surface.
package device

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/go-logr/logr"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"

	wasmbedv1alpha1 "github.com/wasmbed/wasmbed/api/wasmbed/v1alpha1"
	"github.com/wasmbed/wasmbed/internal/controller/gwresolve"
	"github.com/wasmbed/wasmbed/internal/gatewayclient"
	"github.com/wasmbed/wasmbed/internal/store"
	"github.com/wasmbed/wasmbed/pkg/identity"
)

// Config tunes the Device Controller's phase computation and retry policy.
type Config struct {
	ResyncInterval          time.Duration
	UnreachableThreshold    time.Duration
	LivenessWindow          time.Duration
	MaxConcurrentReconciles int
}

func (c Config) withDefaults() Config {
	if c.ResyncInterval <= 0 {
		c.ResyncInterval = 30 * time.Second
	}
	if c.UnreachableThreshold <= 0 {
		c.UnreachableThreshold = 5 * time.Minute
	}
	if c.LivenessWindow <= 0 {
		c.LivenessWindow = 90 * time.Second
	}
	if c.MaxConcurrentReconciles <= 0 {
		c.MaxConcurrentReconciles = 4
	}
	return c
}

// Reconciler drives Device resources through their phase machine,
// reading session truth from each Device's bound Gateway's admin surface
// instead of maintaining any state of its own — a restart
// mid-reconciliation simply re-derives the same terminal phase on its
// next pass.
type Reconciler struct {
	Store   store.Store
	Clients *gwresolve.ClientCache
	Cfg     Config
	Log     logr.Logger
}

// SetupWithManager registers the Reconciler on mgr, capping reconcile
// concurrency at a bounded per-controller worker pool; requeue backoff
// comes from the controller's rate limiter.
func (r *Reconciler) SetupWithManager(mgr manager.Manager) error {
	r.Cfg = r.Cfg.withDefaults()
	return ctrl.NewControllerManagedBy(mgr).
		For(&wasmbedv1alpha1.Device{}).
		WithOptions(controller.Options{MaxConcurrentReconciles: r.Cfg.MaxConcurrentReconciles}).
		Complete(r)
}

// Reconcile implements reconcile.Reconciler.
func (r *Reconciler) Reconcile(ctx context.Context, req reconcile.Request) (reconcile.Result, error) {
	log := r.Log.WithValues("device", req.Name)

	var dev wasmbedv1alpha1.Device
	if err := r.Store.Get(ctx, client.ObjectKey{Name: req.Name}, &dev); err != nil {
		if isNotFound(err) {
			return reconcile.Result{}, nil
		}
		return reconcile.Result{}, err
	}

	if !dev.DeletionTimestamp.IsZero() {
		return r.reconcileDeletion(ctx, &dev, log)
	}

	if !controllerutil.ContainsFinalizer(&dev, store.Finalizer) {
		err := r.retryUpdateSpec(ctx, &dev, func(d *wasmbedv1alpha1.Device) {
			controllerutil.AddFinalizer(d, store.Finalizer)
		})
		if err != nil {
			return reconcile.Result{}, err
		}
		return reconcile.Result{Requeue: true}, nil
	}

	gw, err := r.resolveGateway(ctx, &dev)
	if err != nil {
		log.Info("no gateway resolved for device yet", "error", err.Error())
		return reconcile.Result{RequeueAfter: r.Cfg.ResyncInterval}, nil
	}

	cl, err := r.Clients.For(gw)
	if err != nil {
		log.Error(err, "failed to resolve gateway admin client")
		return reconcile.Result{}, err
	}

	sessions, err := cl.Sessions(ctx)
	if err != nil {
		log.Error(err, "failed to fetch session snapshot from gateway", "gateway", gw.Name)
		return reconcile.Result{}, err // requeued with backoff by the workqueue rate limiter
	}

	var lastObserved *time.Time
	if dev.Status.LastHeartbeat != nil {
		lastObserved = &dev.Status.LastHeartbeat.Time
	}
	fingerprint := identity.Fingerprint(dev.Spec.PublicKey)
	cfg := r.Cfg.withDefaults()
	newPhase, newHeartbeat := computePhase(dev.Status.Phase, fingerprint, lastObserved, sessions, cfg.LivenessWindow, cfg.UnreachableThreshold)

	changed := false
	if newPhase != dev.Status.Phase {
		changed = true
	}
	if newHeartbeat != nil && (dev.Status.LastHeartbeat == nil || !newHeartbeat.Equal(dev.Status.LastHeartbeat.Time)) {
		changed = true
	}
	if dev.Status.GatewayBinding != gw.Name {
		changed = true
	}

	if changed {
		err := r.retryUpdateStatus(ctx, &dev, func(d *wasmbedv1alpha1.Device) {
			d.Status.Phase = newPhase
			if newHeartbeat != nil {
				t := metav1.NewTime(*newHeartbeat)
				d.Status.LastHeartbeat = &t
			}
			d.Status.GatewayBinding = gw.Name
		})
		if err != nil {
			return reconcile.Result{}, err
		}
		log.Info("device phase updated", "phase", newPhase)
	}

	return reconcile.Result{RequeueAfter: r.Cfg.ResyncInterval}, nil
}

// computePhase is the phase decision tree over a session snapshot,
// preserving the last stable phase for transitional session states
// rather than oscillating.
func computePhase(current wasmbedv1alpha1.DevicePhase, fingerprint string, lastObserved *time.Time, sessions []gatewayclient.SessionView, livenessWindow, unreachableThreshold time.Duration) (wasmbedv1alpha1.DevicePhase, *time.Time) {
	// Devices that have not yet enrolled keep their pre-enrollment phase;
	// invariant: transitions never skip Enrolling on first appearance.
	if current == "" || current == wasmbedv1alpha1.DevicePhasePending || current == wasmbedv1alpha1.DevicePhaseEnrolling {
		return current, nil
	}

	var found *gatewayclient.SessionView
	for i := range sessions {
		if sessions[i].DeviceIdentity == fingerprint {
			found = &sessions[i]
			break
		}
	}

	now := time.Now()

	if found == nil {
		// No session: Disconnected within the unreachable threshold of the
		// last observed heartbeat, Unreachable beyond it. A device that was
		// never observed heartbeating since enrollment stays Disconnected
		// (there is no baseline to measure staleness against).
		if lastObserved != nil && now.Sub(*lastObserved) > unreachableThreshold {
			return wasmbedv1alpha1.DevicePhaseUnreachable, nil
		}
		return wasmbedv1alpha1.DevicePhaseDisconnected, nil
	}

	switch found.State {
	case "Open":
		if now.Sub(found.LastHeartbeat) <= livenessWindow {
			hb := found.LastHeartbeat
			return wasmbedv1alpha1.DevicePhaseConnected, &hb
		}
		// Session reports Open but heartbeat is stale: treat like no
		// session for phase purposes; the liveness timer on the gateway
		// side will close it shortly.
		if now.Sub(found.LastHeartbeat) > unreachableThreshold {
			return wasmbedv1alpha1.DevicePhaseUnreachable, nil
		}
		return wasmbedv1alpha1.DevicePhaseDisconnected, nil
	case "Closing", "Closed":
		return wasmbedv1alpha1.DevicePhaseDisconnected, nil
	default: // Handshaking, Authenticating: transitional, preserve phase.
		return current, nil
	}
}

// resolveGateway prefers an explicit binding, falling back to the
// lowest-named Ready Gateway as the default.
func (r *Reconciler) resolveGateway(ctx context.Context, dev *wasmbedv1alpha1.Device) (*wasmbedv1alpha1.Gateway, error) {
	name := dev.Spec.GatewayBinding
	if name == "" {
		name = dev.Status.GatewayBinding
	}
	if name != "" {
		var gw wasmbedv1alpha1.Gateway
		if err := r.Store.Get(ctx, client.ObjectKey{Name: name}, &gw); err != nil {
			return nil, err
		}
		return &gw, nil
	}

	var list wasmbedv1alpha1.GatewayList
	if err := r.Store.List(ctx, &list); err != nil {
		return nil, err
	}
	var candidates []wasmbedv1alpha1.Gateway
	for _, gw := range list.Items {
		if gw.Status.Phase == wasmbedv1alpha1.GatewayPhaseReady {
			candidates = append(candidates, gw)
		}
	}
	if len(candidates) == 0 {
		return nil, errNoGatewayAvailable
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Name < candidates[j].Name })
	return &candidates[0], nil
}

// reconcileDeletion requests a disconnect from the bound gateway, waits
// for the session to drop from the snapshot, then releases the
// finalizer.
func (r *Reconciler) reconcileDeletion(ctx context.Context, dev *wasmbedv1alpha1.Device, log logr.Logger) (reconcile.Result, error) {
	if !controllerutil.ContainsFinalizer(dev, store.Finalizer) {
		return reconcile.Result{}, nil
	}

	name := dev.Status.GatewayBinding
	if name == "" {
		name = dev.Spec.GatewayBinding
	}
	if name == "" {
		// Never bound to a gateway: nothing to drain.
		return reconcile.Result{}, r.retryUpdateSpec(ctx, dev, removeFinalizer)
	}

	var gw wasmbedv1alpha1.Gateway
	if err := r.Store.Get(ctx, client.ObjectKey{Name: name}, &gw); err != nil {
		if isNotFound(err) {
			return reconcile.Result{}, r.retryUpdateSpec(ctx, dev, removeFinalizer)
		}
		return reconcile.Result{}, err
	}

	cl, err := r.Clients.For(&gw)
	if err != nil {
		return reconcile.Result{}, err
	}

	if err := cl.Disconnect(ctx, dev.Name); err != nil {
		log.Info("disconnect request failed during deletion, will retry", "error", err.Error())
	}

	sessions, err := cl.Sessions(ctx)
	if err != nil {
		return reconcile.Result{}, err
	}
	fingerprint := identity.Fingerprint(dev.Spec.PublicKey)
	for _, s := range sessions {
		if s.DeviceIdentity == fingerprint {
			// Session still present: requeue and check again shortly.
			return reconcile.Result{RequeueAfter: time.Second}, nil
		}
	}

	return reconcile.Result{}, r.retryUpdateSpec(ctx, dev, removeFinalizer)
}

func removeFinalizer(dev *wasmbedv1alpha1.Device) {
	controllerutil.RemoveFinalizer(dev, store.Finalizer)
}

// retryUpdateStatus and retryUpdateSpec handle store conflicts:
// immediately re-read, re-apply the intended mutation against the fresh
// read, and retry, at most 3 times, before giving up (the caller then
// requeues through the normal backoff path).
func (r *Reconciler) retryUpdateStatus(ctx context.Context, dev *wasmbedv1alpha1.Device, apply func(*wasmbedv1alpha1.Device)) error {
	apply(dev)
	for attempt := 0; ; attempt++ {
		err := r.Store.UpdateStatus(ctx, dev)
		if err == nil || !isConflict(err) || attempt >= 3 {
			return err
		}
		if rerr := r.Store.Get(ctx, client.ObjectKey{Name: dev.Name}, dev); rerr != nil {
			return rerr
		}
		apply(dev)
	}
}

func (r *Reconciler) retryUpdateSpec(ctx context.Context, dev *wasmbedv1alpha1.Device, apply func(*wasmbedv1alpha1.Device)) error {
	apply(dev)
	for attempt := 0; ; attempt++ {
		err := r.Store.UpdateSpec(ctx, dev)
		if err == nil || !isConflict(err) || attempt >= 3 {
			return err
		}
		if rerr := r.Store.Get(ctx, client.ObjectKey{Name: dev.Name}, dev); rerr != nil {
			return rerr
		}
		apply(dev)
	}
}

func isNotFound(err error) bool {
	var nf *store.NotFound
	return errors.As(err, &nf)
}

func isConflict(err error) bool {
	var c *store.Conflict
	return errors.As(err, &c)
}

var errNoGatewayAvailable = errors.New("device-controller: no Ready gateway available for default binding")
