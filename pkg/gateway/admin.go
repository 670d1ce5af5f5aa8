package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	wasmbedv1alpha1 "github.com/wasmbed/wasmbed/api/wasmbed/v1alpha1"
	"github.com/wasmbed/wasmbed/pkg/protocol"
	"github.com/wasmbed/wasmbed/pkg/session"
	wasmbederrors "github.com/wasmbed/wasmbed/pkg/shared/errors"
)

// admin is the Gateway Server's operator-facing HTTP surface: health and
// readiness probes, a session inventory, pairing-mode control, and the
// device command endpoints the Application Controller drives deploys and
// stops through.
type admin struct {
	srv      *Server
	validate *validator.Validate
	http     *http.Server
}

func newAdmin(s *Server) *admin {
	a := &admin{srv: s, validate: validator.New()}
	a.http = &http.Server{Handler: a.router()}
	return a
}

func (a *admin) router() http.Handler {
	r := chi.NewRouter()
	r.Use(a.instrument)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Get("/health", a.handleHealth)
	r.Get("/ready", a.handleReady)
	r.Get("/sessions", a.handleSessions)
	r.Get("/version", a.handleVersion)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/admin/pairing-mode", a.handlePairingMode)
	r.Post("/devices/{name}/deploy", a.handleDeploy)
	r.Post("/devices/{name}/stop", a.handleStop)
	r.Post("/devices/{name}/disconnect", a.handleDisconnect)

	return r
}

func (a *admin) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r = withRequestID(r)
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		if a.srv.metrics != nil {
			status := http.StatusText(sw.status)
			a.srv.metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			a.srv.metrics.HTTPRequestDuration.WithLabelValues(r.URL.Path, r.Method, status).Observe(time.Since(start).Seconds())
		}
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (a *admin) run(ctx context.Context, addr string) error {
	a.http.Addr = addr
	errCh := make(chan error, 1)
	go func() { errCh <- a.http.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return a.shutdown(context.Background())
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (a *admin) shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return a.http.Shutdown(ctx)
}

func (a *admin) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (a *admin) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.srv.Phase() != PhaseReady {
		writeProblem(w, r, wasmbederrors.New(wasmbederrors.CodeInternal, "gateway is %s, not Ready", a.srv.Phase()))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

func (a *admin) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"protocol_version": protocol.CurrentVersion.String(),
		"gateway_name":     a.srv.cfg.GatewayName,
	})
}

type sessionView struct {
	DeviceIdentity string    `json:"deviceIdentity"`
	State          string    `json:"state"`
	LastHeartbeat  time.Time `json:"lastHeartbeat"`
	QueueDepth     int       `json:"queueDepth"`
	PendingCount   int       `json:"pendingCount"`
}

func (a *admin) handleSessions(w http.ResponseWriter, r *http.Request) {
	snaps := a.srv.manager.Snapshot()
	out := make([]sessionView, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, sessionView{
			DeviceIdentity: s.DeviceIdentity,
			State:          string(s.State),
			LastHeartbeat:  s.LastHeartbeat,
			QueueDepth:     s.QueueDepth,
			PendingCount:   s.PendingCount,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (a *admin) handlePairingMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, r, wasmbederrors.New(wasmbederrors.CodeInternal, "invalid request body: %s", err.Error()))
		return
	}
	a.srv.pairingMode.Store(req.Enabled)
	a.srv.log.Info("pairing mode changed", "enabled", req.Enabled)
	w.WriteHeader(http.StatusNoContent)
}

type deployRequest struct {
	ApplicationName  string `json:"applicationName" validate:"required"`
	WasmBytesBase64  string `json:"wasmBytesBase64" validate:"required,base64"`
	MemoryLimitBytes uint64 `json:"memoryLimitBytes" validate:"required"`
	CPUTimeLimitMs   uint64 `json:"cpuTimeLimitMs" validate:"required"`
	AutoRestart      bool   `json:"autoRestart"`
	MaxRestarts      uint32 `json:"maxRestarts"`
}

// handleDeploy sends a Deploy message to the named device and waits for its
// correlated reply, the synchronous command path the Application Controller
// uses to drive a device target to Running.
func (a *admin) handleDeploy(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req deployRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	wasmBytes, err := base64.StdEncoding.DecodeString(req.WasmBytesBase64)
	if err != nil {
		writeProblem(w, r, wasmbederrors.New(wasmbederrors.CodeInternal, "wasmBytesBase64 is not valid base64: %s", err.Error()))
		return
	}

	identity, cerr := a.deviceIdentity(r.Context(), name)
	if cerr != nil {
		writeProblem(w, r, cerr)
		return
	}

	msg := protocol.Message{
		Kind: protocol.KindDeploy,
		Deploy: &protocol.Deploy{
			ApplicationName: req.ApplicationName,
			WasmBytes:       wasmBytes,
			Config: protocol.DeployConfig{
				MemoryLimitBytes: req.MemoryLimitBytes,
				CPUTimeLimitMs:   req.CPUTimeLimitMs,
				AutoRestart:      req.AutoRestart,
				MaxRestarts:      req.MaxRestarts,
			},
		},
	}
	a.sendCommand(w, r, identity, msg, a.srv.cfg.DeployAckTimeout)
}

type stopRequest struct {
	ApplicationName string `json:"applicationName" validate:"required"`
}

func (a *admin) handleStop(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req stopRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}

	identity, cerr := a.deviceIdentity(r.Context(), name)
	if cerr != nil {
		writeProblem(w, r, cerr)
		return
	}

	msg := protocol.Message{
		Kind: protocol.KindStop,
		Stop: &protocol.Stop{ApplicationName: req.ApplicationName},
	}
	a.sendCommand(w, r, identity, msg, a.srv.cfg.StopAckTimeout)
}

func (a *admin) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	identity, cerr := a.deviceIdentity(r.Context(), name)
	if cerr != nil {
		writeProblem(w, r, cerr)
		return
	}
	if sendErr := a.srv.manager.Send(r.Context(), identity, protocol.Message{
		Kind:       protocol.KindDisconnect,
		Disconnect: &protocol.Disconnect{Reason: "operator requested"},
	}); sendErr != nil {
		writeProblem(w, r, wasmbederrors.New(wasmbederrors.CodeNotConnected, "%s", sendErr.Error()))
		return
	}
	_ = a.srv.manager.Close(r.Context(), identity, session.ReasonRequestedExplicit)
	w.WriteHeader(http.StatusNoContent)
}

// deviceIdentity resolves a Device resource name to the session identity
// (fingerprint) its live session, if any, is keyed under. Sessions are
// keyed by the enrollment-derived fingerprint, not the resource name, so
// every admin command goes through the Dispatcher's enrollment index
// rather than the Store.
func (a *admin) deviceIdentity(ctx context.Context, name string) (string, *wasmbederrors.CodedError) {
	var dev wasmbedv1alpha1.Device
	if err := a.srv.store.Get(ctx, storeKey(name), &dev); err != nil {
		return "", wasmbederrors.New(wasmbederrors.CodeStoreNotFound, "device %q not found", name)
	}
	identity, ok := a.srv.dispatcher.IdentityForDevice(name)
	if !ok {
		return "", wasmbederrors.New(wasmbederrors.CodeNotConnected, "device %q has no open session", name)
	}
	return identity, nil
}

func (a *admin) sendCommand(w http.ResponseWriter, r *http.Request, identity string, msg protocol.Message, timeout time.Duration) {
	reply, err := a.srv.manager.Request(r.Context(), identity, msg, timeout)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrNotConnected):
			writeProblem(w, r, wasmbederrors.New(wasmbederrors.CodeNotConnected, "%s", err.Error()))
		case errors.Is(err, session.ErrQueueFull):
			writeProblem(w, r, wasmbederrors.New(wasmbederrors.CodeQueueFull, "%s", err.Error()))
		case errors.Is(err, session.ErrTimeout):
			writeProblem(w, r, wasmbederrors.New(wasmbederrors.CodeTimeout, "%s", err.Error()))
		case errors.Is(err, session.ErrDisconnected):
			writeProblem(w, r, wasmbederrors.New(wasmbederrors.CodeDisconnected, "%s", err.Error()))
		default:
			writeInternalError(w, r, err)
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"kind": reply.Kind})
}

func (a *admin) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeProblem(w, r, wasmbederrors.New(wasmbederrors.CodeInternal, "invalid request body: %s", err.Error()))
		return false
	}
	if err := a.validate.Struct(dst); err != nil {
		writeProblem(w, r, wasmbederrors.New(wasmbederrors.CodeInternal, "validation failed: %s", err.Error()))
		return false
	}
	return true
}
