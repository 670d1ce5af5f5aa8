// Package gwresolve resolves a Gateway resource to the base URL of its
// admin HTTP surface, and caches one gatewayclient.Client per Gateway name
// so the three controllers do not each open a fresh *http.Client per
// reconciliation.
//
// A Gateway resource advertises only the device-facing spec.endpoint
// (host:port of the device listener); the admin surface's address is a
// process-configuration concern. This package resolves it by a fixed
// convention instead of inventing a new CRD field: the admin port is the
// device port plus AdminPortOffset,
// mirroring the gateway process's own default pairing of BIND_ADDR=:4420
// and ADMIN_BIND_ADDR=:4421 (see internal/config.GatewayConfig).
package gwresolve

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	wasmbedv1alpha1 "github.com/wasmbed/wasmbed/api/wasmbed/v1alpha1"
	"github.com/wasmbed/wasmbed/internal/gatewayclient"
)

// DefaultAdminPortOffset is added to a Gateway's device-facing port to
// derive its admin surface's port, per this package's doc comment.
const DefaultAdminPortOffset = 1

// AdminBaseURL derives the admin HTTP surface's base URL from a Gateway
// resource's spec.endpoint.
func AdminBaseURL(gw *wasmbedv1alpha1.Gateway, portOffset int) (string, error) {
	host, portStr, err := net.SplitHostPort(gw.Spec.Endpoint)
	if err != nil {
		return "", fmt.Errorf("gateway %q: parse endpoint %q: %w", gw.Name, gw.Spec.Endpoint, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", fmt.Errorf("gateway %q: non-numeric port in endpoint %q: %w", gw.Name, gw.Spec.Endpoint, err)
	}
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, port+portOffset), nil
}

// ClientCache lazily builds and reuses one gatewayclient.Client per
// Gateway name, keyed on the resolved admin base URL so a Gateway's
// endpoint change (rare, but legal between reconciliations) invalidates
// the cached entry.
type ClientCache struct {
	PortOffset int
	Timeout    time.Duration

	mu     sync.Mutex
	byName map[string]*entry
}

type entry struct {
	baseURL string
	client  *gatewayclient.Client
}

// For returns a Client for gw's admin surface, rebuilding it if gw's
// resolved admin base URL has changed since the last call.
func (c *ClientCache) For(gw *wasmbedv1alpha1.Gateway) (*gatewayclient.Client, error) {
	offset := c.PortOffset
	if offset == 0 {
		offset = DefaultAdminPortOffset
	}
	baseURL, err := AdminBaseURL(gw, offset)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.byName == nil {
		c.byName = make(map[string]*entry)
	}
	if e, ok := c.byName[gw.Name]; ok && e.baseURL == baseURL {
		return e.client, nil
	}
	cl := gatewayclient.New(baseURL, c.Timeout)
	c.byName[gw.Name] = &entry{baseURL: baseURL, client: cl}
	return cl, nil
}

// Seed preloads the cache with cl for gw's currently-resolved admin base
// URL. A later For(gw) call with the same endpoint returns cl unchanged;
// tests use this to substitute an httptest.Server for the real admin
// surface without gw.Spec.Endpoint needing to be routable.
func (c *ClientCache) Seed(gw *wasmbedv1alpha1.Gateway, cl *gatewayclient.Client) error {
	offset := c.PortOffset
	if offset == 0 {
		offset = DefaultAdminPortOffset
	}
	baseURL, err := AdminBaseURL(gw, offset)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.byName == nil {
		c.byName = make(map[string]*entry)
	}
	c.byName[gw.Name] = &entry{baseURL: baseURL, client: cl}
	return nil
}
