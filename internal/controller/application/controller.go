// Package application implements the Application Controller: for each
// Application resource, bring the observed state of its payload on each
// target device to match the desired phase.
package application

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
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
)

// payloadConditionType records the SHA-256 of the WasmBytes this
// Application was first accepted with, so later reconciliations can
// detect and refuse a payload mutation: the payload is immutable once
// accepted, a new payload requires a new Application resource. There is
// no admission webhook in this system, so the controller is the only
// place left to enforce it, after the fact.
const payloadConditionType = "PayloadAccepted"

// Config tunes the Application Controller's concurrency and retry policy.
type Config struct {
	ResyncInterval          time.Duration
	MaxInFlight             int
	StopDeadline            time.Duration
	DeployAckTimeout        time.Duration
	StopAckTimeout          time.Duration
	MaxConcurrentReconciles int
}

func (c Config) withDefaults() Config {
	if c.ResyncInterval <= 0 {
		c.ResyncInterval = 30 * time.Second
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 8
	}
	if c.StopDeadline <= 0 {
		c.StopDeadline = 60 * time.Second
	}
	if c.DeployAckTimeout <= 0 {
		c.DeployAckTimeout = 60 * time.Second
	}
	if c.StopAckTimeout <= 0 {
		c.StopAckTimeout = 60 * time.Second
	}
	if c.MaxConcurrentReconciles <= 0 {
		c.MaxConcurrentReconciles = 4
	}
	return c
}

// Reconciler drives Application resources through the deploy/stop state
// machine.
type Reconciler struct {
	Store   store.Store
	Clients *gwresolve.ClientCache
	Cfg     Config
	Log     logr.Logger
}

// SetupWithManager registers the Reconciler on mgr.
func (r *Reconciler) SetupWithManager(mgr manager.Manager) error {
	r.Cfg = r.Cfg.withDefaults()
	return ctrl.NewControllerManagedBy(mgr).
		For(&wasmbedv1alpha1.Application{}).
		WithOptions(controller.Options{MaxConcurrentReconciles: r.Cfg.MaxConcurrentReconciles}).
		Complete(r)
}

// Reconcile implements reconcile.Reconciler.
func (r *Reconciler) Reconcile(ctx context.Context, req reconcile.Request) (reconcile.Result, error) {
	log := r.Log.WithValues("application", req.Name)

	var app wasmbedv1alpha1.Application
	if err := r.Store.Get(ctx, client.ObjectKey{Name: req.Name}, &app); err != nil {
		if isNotFound(err) {
			return reconcile.Result{}, nil
		}
		return reconcile.Result{}, err
	}

	if !app.DeletionTimestamp.IsZero() {
		return r.reconcileDeletion(ctx, &app, log)
	}

	if !controllerutil.ContainsFinalizer(&app, store.Finalizer) {
		err := r.retryUpdateSpec(ctx, &app, func(a *wasmbedv1alpha1.Application) {
			controllerutil.AddFinalizer(a, store.Finalizer)
		})
		if err != nil {
			return reconcile.Result{}, err
		}
		return reconcile.Result{Requeue: true}, nil
	}

	if rejected := r.enforcePayloadImmutability(&app); rejected {
		err := r.retryUpdateStatus(ctx, &app, func(a *wasmbedv1alpha1.Application) {
			r.enforcePayloadImmutability(a)
		})
		if err != nil {
			return reconcile.Result{}, err
		}
		log.Info("rejected payload mutation on existing application")
		return reconcile.Result{}, nil
	}

	targets, err := r.resolveTargets(ctx, &app)
	if err != nil {
		return reconcile.Result{}, err
	}

	if app.Status.PerDeviceStatus == nil {
		app.Status.PerDeviceStatus = map[string]wasmbedv1alpha1.DeviceStatusEntry{}
	}
	// A target that vanished from the resolved set is marked
	// target-missing; it stays in perDeviceStatus but is excluded from
	// the aggregate, which is computed over resolved targets only.
	for name, entry := range app.Status.PerDeviceStatus {
		if containsName(targets, name) {
			continue
		}
		if entry.Phase == wasmbedv1alpha1.DeviceTargetFailed && entry.Reason == "target-missing" {
			continue
		}
		app.Status.PerDeviceStatus[name] = wasmbedv1alpha1.DeviceStatusEntry{
			Phase:      wasmbedv1alpha1.DeviceTargetFailed,
			Reason:     "target-missing",
			ObservedAt: metav1.Now(),
		}
	}

	desired := app.Spec.DesiredPhase
	if desired == "" {
		desired = wasmbedv1alpha1.ApplicationDesiredDeployed
	}

	var toProcess []string
	for _, name := range targets {
		entry := app.Status.PerDeviceStatus[name]
		if desired == wasmbedv1alpha1.ApplicationDesiredStopped {
			if entry.Phase == wasmbedv1alpha1.DeviceTargetRunning || entry.Phase == wasmbedv1alpha1.DeviceTargetDeploying {
				toProcess = append(toProcess, name)
			}
			continue
		}
		// Deployed: idempotence rule — skip targets already Running or
		// already mid-Deploying.
		if entry.Phase == wasmbedv1alpha1.DeviceTargetRunning || entry.Phase == wasmbedv1alpha1.DeviceTargetDeploying {
			continue
		}
		toProcess = append(toProcess, name)
	}

	var mu sync.Mutex
	if len(toProcess) > 0 {
		sem := semaphore.NewWeighted(int64(r.Cfg.withDefaults().MaxInFlight))
		g, gctx := errgroup.WithContext(ctx)
		for _, name := range toProcess {
			name := name
			g.Go(func() error {
				if err := sem.Acquire(gctx, 1); err != nil {
					return nil
				}
				defer sem.Release(1)

				var entry *wasmbedv1alpha1.DeviceStatusEntry
				if desired == wasmbedv1alpha1.ApplicationDesiredStopped {
					entry = r.issueStop(gctx, &app, name, log)
				} else {
					e := r.issueDeploy(gctx, &app, name, log)
					entry = &e
				}

				if entry != nil {
					mu.Lock()
					app.Status.PerDeviceStatus[name] = *entry
					mu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait() // per-target errors are recorded in perDeviceStatus, never surfaced as a reconcile error
	}

	app.Status.Phase = computeAggregate(desired, targets, app.Status.PerDeviceStatus)

	perDevice, aggregate := app.Status.PerDeviceStatus, app.Status.Phase
	err = r.retryUpdateStatus(ctx, &app, func(a *wasmbedv1alpha1.Application) {
		r.enforcePayloadImmutability(a)
		a.Status.PerDeviceStatus = perDevice
		a.Status.Phase = aggregate
	})
	if err != nil {
		return reconcile.Result{}, err
	}

	return reconcile.Result{RequeueAfter: r.Cfg.ResyncInterval}, nil
}

// enforcePayloadImmutability records the accepted payload's hash in a
// Condition on first reconciliation, and on any later mismatch marks the
// Condition False with a rejection reason instead of processing the new
// payload.
func (r *Reconciler) enforcePayloadImmutability(app *wasmbedv1alpha1.Application) (rejected bool) {
	sum := sha256.Sum256(app.Spec.WasmBytes)
	hash := hex.EncodeToString(sum[:])

	for i, c := range app.Status.Conditions {
		if c.Type != payloadConditionType {
			continue
		}
		if c.Message == hash {
			return false
		}
		app.Status.Conditions[i].Status = metav1.ConditionFalse
		app.Status.Conditions[i].Reason = "PayloadMutationRejected"
		app.Status.Conditions[i].LastTransitionTime = metav1.Now()
		// Message intentionally left as the originally accepted hash so
		// repeated mutation attempts keep failing the same comparison.
		return true
	}

	app.Status.Conditions = append(app.Status.Conditions, metav1.Condition{
		Type:               payloadConditionType,
		Status:             metav1.ConditionTrue,
		Reason:             "Accepted",
		Message:            hash,
		LastTransitionTime: metav1.Now(),
	})
	return false
}

// resolveTargets resolves the target set: explicit names take
// precedence, otherwise the label selector is evaluated against current
// Device resources. Recomputed on every reconciliation.
func (r *Reconciler) resolveTargets(ctx context.Context, app *wasmbedv1alpha1.Application) ([]string, error) {
	if len(app.Spec.TargetDevices.DeviceNames) > 0 {
		out := make([]string, len(app.Spec.TargetDevices.DeviceNames))
		copy(out, app.Spec.TargetDevices.DeviceNames)
		return out, nil
	}
	if app.Spec.TargetDevices.Selector == nil {
		return nil, nil
	}

	var list wasmbedv1alpha1.DeviceList
	if err := r.Store.List(ctx, &list); err != nil {
		return nil, err
	}
	sel := labels.SelectorFromSet(app.Spec.TargetDevices.Selector.MatchLabels)
	var out []string
	for _, dev := range list.Items {
		if sel.Matches(labels.Set(dev.Labels)) {
			out = append(out, dev.Name)
		}
	}
	return out, nil
}

// issueDeploy runs the deploy path for one target: resolve the target's
// bound gateway, issue the deploy command, and wait for the synchronous
// ack.
func (r *Reconciler) issueDeploy(ctx context.Context, app *wasmbedv1alpha1.Application, deviceName string, log logr.Logger) wasmbedv1alpha1.DeviceStatusEntry {
	gw, err := r.deviceGateway(ctx, deviceName)
	if err != nil {
		return failedEntry(err.Error())
	}
	cl, err := r.Clients.For(gw)
	if err != nil {
		return failedEntry(err.Error())
	}

	_, err = cl.Deploy(ctx, deviceName, gatewayclient.DeployRequest{
		ApplicationName:  app.Name,
		WasmBytesBase64:  base64.StdEncoding.EncodeToString(app.Spec.WasmBytes),
		MemoryLimitBytes: 16 * 1024 * 1024,
		CPUTimeLimitMs:   1000,
		AutoRestart:      true,
		MaxRestarts:      3,
	})
	if err != nil {
		log.Info("deploy command failed", "device", deviceName, "error", err.Error())
		return failedEntry(err.Error())
	}
	// Positive ack only means the Session wrote the envelope and the
	// device acknowledged receipt; perDeviceStatus remains Deploying
	// until a later ApplicationStatus message reports Running (handled
	// by pkg/gateway's Dispatcher, not this controller).
	return wasmbedv1alpha1.DeviceStatusEntry{Phase: wasmbedv1alpha1.DeviceTargetDeploying, ObservedAt: metav1.Now()}
}

// issueStop runs the stop path for one target. The per-device status
// vocabulary has no "stopping" state, so a
// successful ack leaves the existing entry (Running or Deploying)
// untouched — nil signals "no change" to the caller — until the device's
// own ApplicationStatus message reports the terminal Stopped transition.
func (r *Reconciler) issueStop(ctx context.Context, app *wasmbedv1alpha1.Application, deviceName string, log logr.Logger) *wasmbedv1alpha1.DeviceStatusEntry {
	gw, err := r.deviceGateway(ctx, deviceName)
	if err != nil {
		e := failedEntry(err.Error())
		return &e
	}
	cl, err := r.Clients.For(gw)
	if err != nil {
		e := failedEntry(err.Error())
		return &e
	}
	if _, err := cl.Stop(ctx, deviceName, app.Name); err != nil {
		log.Info("stop command failed", "device", deviceName, "error", err.Error())
		e := failedEntry(err.Error())
		return &e
	}
	return nil
}

func failedEntry(reason string) wasmbedv1alpha1.DeviceStatusEntry {
	return wasmbedv1alpha1.DeviceStatusEntry{
		Phase:      wasmbedv1alpha1.DeviceTargetFailed,
		Reason:     reason,
		ObservedAt: metav1.Now(),
	}
}

func (r *Reconciler) deviceGateway(ctx context.Context, deviceName string) (*wasmbedv1alpha1.Gateway, error) {
	var dev wasmbedv1alpha1.Device
	if err := r.Store.Get(ctx, client.ObjectKey{Name: deviceName}, &dev); err != nil {
		return nil, err
	}
	name := dev.Status.GatewayBinding
	if name == "" {
		name = dev.Spec.GatewayBinding
	}
	if name == "" {
		return nil, errNoGatewayBound
	}
	var gw wasmbedv1alpha1.Gateway
	if err := r.Store.Get(ctx, client.ObjectKey{Name: name}, &gw); err != nil {
		return nil, err
	}
	return &gw, nil
}

// computeAggregate derives the aggregate phase, evaluated over the full
// resolved target set (not merely the entries
// present in perDeviceStatus, so a target that has not yet been issued a
// deploy still counts toward "otherwise Deploying").
func computeAggregate(desired wasmbedv1alpha1.ApplicationDesiredPhase, targets []string, perDevice map[string]wasmbedv1alpha1.DeviceStatusEntry) wasmbedv1alpha1.ApplicationAggregatePhase {
	if len(targets) == 0 {
		if desired == wasmbedv1alpha1.ApplicationDesiredStopped {
			return wasmbedv1alpha1.ApplicationAggregateStopped
		}
		return wasmbedv1alpha1.ApplicationAggregateDeploying
	}

	running, failed, stopped := 0, 0, 0
	for _, name := range targets {
		switch perDevice[name].Phase {
		case wasmbedv1alpha1.DeviceTargetRunning:
			running++
		case wasmbedv1alpha1.DeviceTargetFailed:
			failed++
		case wasmbedv1alpha1.DeviceTargetStopped:
			stopped++
		}
	}
	total := len(targets)

	if desired == wasmbedv1alpha1.ApplicationDesiredStopped && stopped == total {
		return wasmbedv1alpha1.ApplicationAggregateStopped
	}
	switch {
	case running == total:
		return wasmbedv1alpha1.ApplicationAggregateRunning
	case failed == total:
		return wasmbedv1alpha1.ApplicationAggregateFailed
	case failed > 0 && running > 0:
		return wasmbedv1alpha1.ApplicationAggregatePartialFailure
	default:
		return wasmbedv1alpha1.ApplicationAggregateDeploying
	}
}

// reconcileDeletion stops every Running/Deploying target, waits up to
// StopDeadline, then permits removal regardless of stragglers.
func (r *Reconciler) reconcileDeletion(ctx context.Context, app *wasmbedv1alpha1.Application, log logr.Logger) (reconcile.Result, error) {
	if !controllerutil.ContainsFinalizer(app, store.Finalizer) {
		return reconcile.Result{}, nil
	}

	deadline := app.DeletionTimestamp.Add(r.Cfg.withDefaults().StopDeadline)
	pastDeadline := time.Now().After(deadline)

	var pending []string
	for name, entry := range app.Status.PerDeviceStatus {
		if entry.Phase == wasmbedv1alpha1.DeviceTargetRunning || entry.Phase == wasmbedv1alpha1.DeviceTargetDeploying {
			pending = append(pending, name)
		}
	}

	if len(pending) > 0 && !pastDeadline {
		var mu sync.Mutex
		sem := semaphore.NewWeighted(int64(r.Cfg.withDefaults().MaxInFlight))
		g, gctx := errgroup.WithContext(ctx)
		for _, name := range pending {
			name := name
			g.Go(func() error {
				if err := sem.Acquire(gctx, 1); err != nil {
					return nil
				}
				defer sem.Release(1)
				if entry := r.issueStop(gctx, app, name, log); entry != nil {
					mu.Lock()
					app.Status.PerDeviceStatus[name] = *entry
					mu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()
		perDevice := app.Status.PerDeviceStatus
		err := r.retryUpdateStatus(ctx, app, func(a *wasmbedv1alpha1.Application) {
			a.Status.PerDeviceStatus = perDevice
		})
		if err != nil {
			return reconcile.Result{}, err
		}
		return reconcile.Result{RequeueAfter: time.Second}, nil
	}

	if pastDeadline && len(pending) > 0 {
		for _, name := range pending {
			log.Info("application deletion proceeding past stop deadline without device acknowledgement", "device", name)
			app.Status.PerDeviceStatus[name] = wasmbedv1alpha1.DeviceStatusEntry{
				Phase:      wasmbedv1alpha1.DeviceTargetFailed,
				Reason:     "stop-deadline-exceeded",
				ObservedAt: metav1.Now(),
			}
		}
		perDevice := app.Status.PerDeviceStatus
		err := r.retryUpdateStatus(ctx, app, func(a *wasmbedv1alpha1.Application) {
			a.Status.PerDeviceStatus = perDevice
		})
		if err != nil {
			return reconcile.Result{}, err
		}
	}

	return reconcile.Result{}, r.retryUpdateSpec(ctx, app, func(a *wasmbedv1alpha1.Application) {
		controllerutil.RemoveFinalizer(a, store.Finalizer)
	})
}

// retryUpdateStatus and retryUpdateSpec re-read and re-apply the intended
// mutation on a store conflict, at most 3 times, per the controller retry
// policy shared with the Device Controller.
func (r *Reconciler) retryUpdateStatus(ctx context.Context, app *wasmbedv1alpha1.Application, apply func(*wasmbedv1alpha1.Application)) error {
	apply(app)
	for attempt := 0; ; attempt++ {
		err := r.Store.UpdateStatus(ctx, app)
		if err == nil || !isConflict(err) || attempt >= 3 {
			return err
		}
		if rerr := r.Store.Get(ctx, client.ObjectKey{Name: app.Name}, app); rerr != nil {
			return rerr
		}
		apply(app)
	}
}

func (r *Reconciler) retryUpdateSpec(ctx context.Context, app *wasmbedv1alpha1.Application, apply func(*wasmbedv1alpha1.Application)) error {
	apply(app)
	for attempt := 0; ; attempt++ {
		err := r.Store.UpdateSpec(ctx, app)
		if err == nil || !isConflict(err) || attempt >= 3 {
			return err
		}
		if rerr := r.Store.Get(ctx, client.ObjectKey{Name: app.Name}, app); rerr != nil {
			return rerr
		}
		apply(app)
	}
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

func isNotFound(err error) bool {
	var nf *store.NotFound
	return errors.As(err, &nf)
}

func isConflict(err error) bool {
	var c *store.Conflict
	return errors.As(err, &c)
}

var errNoGatewayBound = errors.New("application-controller: target device has no gateway binding")
