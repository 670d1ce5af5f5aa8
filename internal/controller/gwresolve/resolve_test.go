package gwresolve

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wasmbedv1alpha1 "github.com/wasmbed/wasmbed/api/wasmbed/v1alpha1"
)

func TestAdminBaseURL(t *testing.T) {
	cases := []struct {
		name     string
		endpoint string
		offset   int
		want     string
		wantErr  bool
	}{
		{name: "explicit host", endpoint: "10.0.0.5:4420", offset: 1, want: "http://10.0.0.5:4421"},
		{name: "wildcard host rewritten to loopback", endpoint: "0.0.0.0:4420", offset: 1, want: "http://127.0.0.1:4421"},
		{name: "empty host rewritten to loopback", endpoint: ":4420", offset: 1, want: "http://127.0.0.1:4421"},
		{name: "custom offset", endpoint: "gw.local:9000", offset: 5, want: "http://gw.local:9005"},
		{name: "malformed endpoint", endpoint: "not-a-host-port", offset: 1, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gw := &wasmbedv1alpha1.Gateway{Spec: wasmbedv1alpha1.GatewaySpec{Endpoint: tc.endpoint}}
			gw.Name = "gw-1"
			got, err := AdminBaseURL(gw, tc.offset)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestClientCache_ReusesClientForUnchangedEndpoint(t *testing.T) {
	cache := &ClientCache{}
	gw := &wasmbedv1alpha1.Gateway{Spec: wasmbedv1alpha1.GatewaySpec{Endpoint: "10.0.0.5:4420"}}
	gw.Name = "gw-1"

	first, err := cache.For(gw)
	require.NoError(t, err)
	second, err := cache.For(gw)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestClientCache_RebuildsOnEndpointChange(t *testing.T) {
	cache := &ClientCache{}
	gw := &wasmbedv1alpha1.Gateway{Spec: wasmbedv1alpha1.GatewaySpec{Endpoint: "10.0.0.5:4420"}}
	gw.Name = "gw-1"

	first, err := cache.For(gw)
	require.NoError(t, err)

	gw.Spec.Endpoint = "10.0.0.6:4420"
	second, err := cache.For(gw)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
}
