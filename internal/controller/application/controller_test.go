package application

import (
	"testing"

	"github.com/stretchr/testify/assert"

	wasmbedv1alpha1 "github.com/wasmbed/wasmbed/api/wasmbed/v1alpha1"
)

func TestComputeAggregate(t *testing.T) {
	cases := []struct {
		name      string
		desired   wasmbedv1alpha1.ApplicationDesiredPhase
		targets   []string
		perDevice map[string]wasmbedv1alpha1.DeviceStatusEntry
		want      wasmbedv1alpha1.ApplicationAggregatePhase
	}{
		{
			name:    "no targets and desired deployed is deploying",
			desired: wasmbedv1alpha1.ApplicationDesiredDeployed,
			targets: nil,
			want:    wasmbedv1alpha1.ApplicationAggregateDeploying,
		},
		{
			name:    "no targets and desired stopped is stopped",
			desired: wasmbedv1alpha1.ApplicationDesiredStopped,
			targets: nil,
			want:    wasmbedv1alpha1.ApplicationAggregateStopped,
		},
		{
			name:    "all running is running",
			desired: wasmbedv1alpha1.ApplicationDesiredDeployed,
			targets: []string{"a", "b"},
			perDevice: map[string]wasmbedv1alpha1.DeviceStatusEntry{
				"a": {Phase: wasmbedv1alpha1.DeviceTargetRunning},
				"b": {Phase: wasmbedv1alpha1.DeviceTargetRunning},
			},
			want: wasmbedv1alpha1.ApplicationAggregateRunning,
		},
		{
			name:    "all failed is failed",
			desired: wasmbedv1alpha1.ApplicationDesiredDeployed,
			targets: []string{"a", "b"},
			perDevice: map[string]wasmbedv1alpha1.DeviceStatusEntry{
				"a": {Phase: wasmbedv1alpha1.DeviceTargetFailed},
				"b": {Phase: wasmbedv1alpha1.DeviceTargetFailed},
			},
			want: wasmbedv1alpha1.ApplicationAggregateFailed,
		},
		{
			name:    "mixed running and failed is partial failure",
			desired: wasmbedv1alpha1.ApplicationDesiredDeployed,
			targets: []string{"a", "b"},
			perDevice: map[string]wasmbedv1alpha1.DeviceStatusEntry{
				"a": {Phase: wasmbedv1alpha1.DeviceTargetRunning},
				"b": {Phase: wasmbedv1alpha1.DeviceTargetFailed},
			},
			want: wasmbedv1alpha1.ApplicationAggregatePartialFailure,
		},
		{
			name:    "one still deploying is deploying",
			desired: wasmbedv1alpha1.ApplicationDesiredDeployed,
			targets: []string{"a", "b"},
			perDevice: map[string]wasmbedv1alpha1.DeviceStatusEntry{
				"a": {Phase: wasmbedv1alpha1.DeviceTargetRunning},
				"b": {Phase: wasmbedv1alpha1.DeviceTargetDeploying},
			},
			want: wasmbedv1alpha1.ApplicationAggregateDeploying,
		},
		{
			name:    "all stopped with desired stopped is stopped",
			desired: wasmbedv1alpha1.ApplicationDesiredStopped,
			targets: []string{"a", "b"},
			perDevice: map[string]wasmbedv1alpha1.DeviceStatusEntry{
				"a": {Phase: wasmbedv1alpha1.DeviceTargetStopped},
				"b": {Phase: wasmbedv1alpha1.DeviceTargetStopped},
			},
			want: wasmbedv1alpha1.ApplicationAggregateStopped,
		},
		{
			name:    "desired stopped but one target still running is deploying",
			desired: wasmbedv1alpha1.ApplicationDesiredStopped,
			targets: []string{"a", "b"},
			perDevice: map[string]wasmbedv1alpha1.DeviceStatusEntry{
				"a": {Phase: wasmbedv1alpha1.DeviceTargetStopped},
				"b": {Phase: wasmbedv1alpha1.DeviceTargetRunning},
			},
			want: wasmbedv1alpha1.ApplicationAggregateDeploying,
		},
		{
			name:      "unresolved target counts toward neither running nor failed",
			desired:   wasmbedv1alpha1.ApplicationDesiredDeployed,
			targets:   []string{"a"},
			perDevice: map[string]wasmbedv1alpha1.DeviceStatusEntry{},
			want:      wasmbedv1alpha1.ApplicationAggregateDeploying,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := computeAggregate(tc.desired, tc.targets, tc.perDevice)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestContainsName(t *testing.T) {
	names := []string{"a", "b", "c"}
	assert.True(t, containsName(names, "b"))
	assert.False(t, containsName(names, "z"))
	assert.False(t, containsName(nil, "a"))
}
