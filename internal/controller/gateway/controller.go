// Package gateway implements the Gateway Controller: tracks Gateway
// resource lifecycle and surfaces the Gateway Server process's health to
// the control plane.
package gateway

import (
	"context"
	"errors"
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
	"github.com/wasmbed/wasmbed/internal/store"
)

// Config tunes the Gateway Controller's retry and drain-wait policy.
type Config struct {
	ResyncInterval          time.Duration
	DrainDeadline           time.Duration
	MaxConcurrentReconciles int
}

func (c Config) withDefaults() Config {
	if c.ResyncInterval <= 0 {
		c.ResyncInterval = 30 * time.Second
	}
	if c.DrainDeadline <= 0 {
		c.DrainDeadline = 120 * time.Second
	}
	if c.MaxConcurrentReconciles <= 0 {
		c.MaxConcurrentReconciles = 4
	}
	return c
}

// Reconciler drives Gateway resources through their phase machine,
// probing the Gateway Server process's own admin surface rather than
// maintaining any separate health model.
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
		For(&wasmbedv1alpha1.Gateway{}).
		WithOptions(controller.Options{MaxConcurrentReconciles: r.Cfg.MaxConcurrentReconciles}).
		Complete(r)
}

// Reconcile implements reconcile.Reconciler.
func (r *Reconciler) Reconcile(ctx context.Context, req reconcile.Request) (reconcile.Result, error) {
	log := r.Log.WithValues("gateway", req.Name)

	var gw wasmbedv1alpha1.Gateway
	if err := r.Store.Get(ctx, client.ObjectKey{Name: req.Name}, &gw); err != nil {
		if isNotFound(err) {
			return reconcile.Result{}, nil
		}
		return reconcile.Result{}, err
	}

	if !gw.DeletionTimestamp.IsZero() {
		return r.reconcileDeletion(ctx, &gw, log)
	}

	if !controllerutil.ContainsFinalizer(&gw, store.Finalizer) {
		err := r.retryUpdateSpec(ctx, &gw, func(g *wasmbedv1alpha1.Gateway) {
			controllerutil.AddFinalizer(g, store.Finalizer)
		})
		if err != nil {
			return reconcile.Result{}, err
		}
		return reconcile.Result{Requeue: true}, nil
	}

	cl, err := r.Clients.For(&gw)
	if err != nil {
		log.Error(err, "failed to resolve gateway admin client")
		return reconcile.Result{}, err
	}

	readyErr := cl.Ready(ctx)
	var sessionCount int32
	if readyErr == nil {
		sessions, err := cl.Sessions(ctx)
		if err != nil {
			log.Info("failed to fetch session count", "error", err.Error())
		} else {
			sessionCount = int32(len(sessions))
		}
	}

	newPhase := wasmbedv1alpha1.GatewayPhaseDegraded
	if readyErr == nil {
		newPhase = wasmbedv1alpha1.GatewayPhaseReady
	}

	changed := false
	if gw.Status.Phase != newPhase {
		gw.Status.Phase = newPhase
		changed = true
	}
	if gw.Status.CurrentSessions != sessionCount {
		gw.Status.CurrentSessions = sessionCount
		changed = true
	}
	if gw.Status.ObservedEndpoint != gw.Spec.Endpoint {
		gw.Status.ObservedEndpoint = gw.Spec.Endpoint
		changed = true
	}

	cond := metav1.Condition{
		Type:               "Ready",
		Status:             metav1.ConditionTrue,
		Reason:             "ProbeSucceeded",
		Message:            "readiness probe succeeded",
		LastTransitionTime: metav1.Now(),
	}
	if readyErr != nil {
		cond.Status = metav1.ConditionFalse
		cond.Reason = "ProbeFailed"
		cond.Message = readyErr.Error()
	}
	if setCondition(&gw.Status.Conditions, cond) {
		changed = true
	}

	if gw.Spec.Capacity > 0 && sessionCount >= gw.Spec.Capacity && newPhase == wasmbedv1alpha1.GatewayPhaseReady {
		// At capacity is still Ready (admission is the Session Manager's
		// job); Degraded is reserved for failed probes.
		log.Info("gateway at configured capacity", "capacity", gw.Spec.Capacity, "sessions", sessionCount)
	}

	if changed {
		err := r.retryUpdateStatus(ctx, &gw, func(g *wasmbedv1alpha1.Gateway) {
			g.Status.Phase = newPhase
			g.Status.CurrentSessions = sessionCount
			g.Status.ObservedEndpoint = g.Spec.Endpoint
			setCondition(&g.Status.Conditions, cond)
		})
		if err != nil {
			return reconcile.Result{}, err
		}
		log.Info("gateway status updated", "phase", newPhase, "sessions", sessionCount)
	}

	return reconcile.Result{RequeueAfter: r.Cfg.ResyncInterval}, nil
}

// reconcileDeletion waits for the Gateway to drain before permitting
// removal; it sends no drain request of its own. The Gateway
// Server process drains itself on SIGTERM/context cancellation (see
// pkg/gateway.Server.Drain); the controller's part is only to wait for
// the session count to reach zero or the drain deadline to elapse.
func (r *Reconciler) reconcileDeletion(ctx context.Context, gw *wasmbedv1alpha1.Gateway, log logr.Logger) (reconcile.Result, error) {
	if !controllerutil.ContainsFinalizer(gw, store.Finalizer) {
		return reconcile.Result{}, nil
	}

	deadline := gw.DeletionTimestamp.Add(r.Cfg.DrainDeadline)
	if time.Now().After(deadline) {
		return reconcile.Result{}, r.retryUpdateSpec(ctx, gw, removeFinalizer)
	}

	cl, err := r.Clients.For(gw)
	if err != nil {
		// Can't resolve an admin client (e.g. malformed endpoint): there
		// is nothing left to wait on, release the resource.
		return reconcile.Result{}, r.retryUpdateSpec(ctx, gw, removeFinalizer)
	}

	sessions, err := cl.Sessions(ctx)
	if err != nil {
		log.Info("gateway unreachable during drain wait, treating as drained", "error", err.Error())
		return reconcile.Result{}, r.retryUpdateSpec(ctx, gw, removeFinalizer)
	}
	if len(sessions) > 0 {
		return reconcile.Result{RequeueAfter: time.Second}, nil
	}

	return reconcile.Result{}, r.retryUpdateSpec(ctx, gw, removeFinalizer)
}

func removeFinalizer(gw *wasmbedv1alpha1.Gateway) {
	controllerutil.RemoveFinalizer(gw, store.Finalizer)
}

// setCondition upserts cond into conditions by Type, returning whether
// anything changed (so callers can skip a no-op status write).
func setCondition(conditions *[]metav1.Condition, cond metav1.Condition) bool {
	for i, c := range *conditions {
		if c.Type != cond.Type {
			continue
		}
		if c.Status == cond.Status && c.Reason == cond.Reason && c.Message == cond.Message {
			return false
		}
		(*conditions)[i] = cond
		return true
	}
	*conditions = append(*conditions, cond)
	return true
}

// retryUpdateStatus and retryUpdateSpec re-read and re-apply the intended
// mutation on a store conflict, at most 3 times, per the controller retry
// policy shared with the Device Controller.
func (r *Reconciler) retryUpdateStatus(ctx context.Context, gw *wasmbedv1alpha1.Gateway, apply func(*wasmbedv1alpha1.Gateway)) error {
	apply(gw)
	for attempt := 0; ; attempt++ {
		err := r.Store.UpdateStatus(ctx, gw)
		if err == nil || !isConflict(err) || attempt >= 3 {
			return err
		}
		if rerr := r.Store.Get(ctx, client.ObjectKey{Name: gw.Name}, gw); rerr != nil {
			return rerr
		}
		apply(gw)
	}
}

func (r *Reconciler) retryUpdateSpec(ctx context.Context, gw *wasmbedv1alpha1.Gateway, apply func(*wasmbedv1alpha1.Gateway)) error {
	apply(gw)
	for attempt := 0; ; attempt++ {
		err := r.Store.UpdateSpec(ctx, gw)
		if err == nil || !isConflict(err) || attempt >= 3 {
			return err
		}
		if rerr := r.Store.Get(ctx, client.ObjectKey{Name: gw.Name}, gw); rerr != nil {
			return rerr
		}
		apply(gw)
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
