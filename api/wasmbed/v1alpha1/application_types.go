package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
)

// ApplicationDesiredPhase is the operator-set target for an Application.
type ApplicationDesiredPhase string

const (
	ApplicationDesiredDeployed ApplicationDesiredPhase = "Deployed"
	ApplicationDesiredStopped  ApplicationDesiredPhase = "Stopped"
)

// ApplicationAggregatePhase is the derived, observed phase of an
// Application across all of its resolved targets.
type ApplicationAggregatePhase string

const (
	ApplicationAggregateDeploying      ApplicationAggregatePhase = "Deploying"
	ApplicationAggregateRunning        ApplicationAggregatePhase = "Running"
	ApplicationAggregatePartialFailure ApplicationAggregatePhase = "PartialFailure"
	ApplicationAggregateFailed         ApplicationAggregatePhase = "Failed"
	ApplicationAggregateStopped        ApplicationAggregatePhase = "Stopped"
)

// DeviceTargetPhase is the per-device status an Application tracks for
// each resolved target.
type DeviceTargetPhase string

const (
	DeviceTargetPending   DeviceTargetPhase = "Pending"
	DeviceTargetDeploying DeviceTargetPhase = "Deploying"
	DeviceTargetRunning   DeviceTargetPhase = "Running"
	DeviceTargetFailed    DeviceTargetPhase = "Failed"
	DeviceTargetStopped   DeviceTargetPhase = "Stopped"
)

// LabelSelector is a minimal matchLabels-only selector; Wasmbed does not
// need matchExpressions, so it avoids embedding the full
// metav1.LabelSelector surface.
type LabelSelector struct {
	MatchLabels map[string]string `json:"matchLabels,omitempty"`
}

// TargetDevices is a oneof: either an explicit device name list or a
// label selector evaluated against Device resources at reconciliation
// time.
type TargetDevices struct {
	DeviceNames []string       `json:"deviceNames,omitempty"`
	Selector    *LabelSelector `json:"selector,omitempty"`
}

// ApplicationSpec is the desired state of an Application. WasmBytes is
// immutable after creation: the Application Controller rejects any patch
// that attempts to change it (see the controller's enforcePayloadImmutability).
type ApplicationSpec struct {
	WasmBytes     []byte                  `json:"wasmBytes"`
	TargetDevices TargetDevices           `json:"targetDevices"`
	DesiredPhase  ApplicationDesiredPhase `json:"desiredPhase,omitempty"`
}

// DeviceStatusEntry is one target's observed status within an
// Application's perDeviceStatus map.
type DeviceStatusEntry struct {
	Phase      DeviceTargetPhase `json:"phase"`
	Reason     string            `json:"reason,omitempty"`
	ObservedAt metav1.Time       `json:"observedAt,omitempty"`
}

// ApplicationStatus is the observed state of an Application: the derived
// aggregate phase and the per-device status map.
type ApplicationStatus struct {
	Phase           ApplicationAggregatePhase    `json:"phase,omitempty"`
	PerDeviceStatus map[string]DeviceStatusEntry `json:"perDeviceStatus,omitempty"`
	Conditions      []metav1.Condition           `json:"conditions,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status

// Application represents a WASM workload targeted at one or more Devices.
type Application struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   ApplicationSpec   `json:"spec,omitempty"`
	Status ApplicationStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// ApplicationList is a list of Application resources.
type ApplicationList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Application `json:"items"`
}

// DeepCopyObject implements runtime.Object.
func (a *Application) DeepCopyObject() runtime.Object {
	if a == nil {
		return nil
	}
	out := new(Application)
	a.DeepCopyInto(out)
	return out
}

// DeepCopyInto is a deepcopy function, copying the receiver, writing into out.
func (a *Application) DeepCopyInto(out *Application) {
	*out = *a
	out.TypeMeta = a.TypeMeta
	a.ObjectMeta.DeepCopyInto(&out.ObjectMeta)
	out.Spec.WasmBytes = append([]byte(nil), a.Spec.WasmBytes...)
	out.Spec.TargetDevices.DeviceNames = append([]string(nil), a.Spec.TargetDevices.DeviceNames...)
	if a.Spec.TargetDevices.Selector != nil {
		sel := &LabelSelector{MatchLabels: make(map[string]string, len(a.Spec.TargetDevices.Selector.MatchLabels))}
		for k, v := range a.Spec.TargetDevices.Selector.MatchLabels {
			sel.MatchLabels[k] = v
		}
		out.Spec.TargetDevices.Selector = sel
	}
	if a.Status.PerDeviceStatus != nil {
		out.Status.PerDeviceStatus = make(map[string]DeviceStatusEntry, len(a.Status.PerDeviceStatus))
		for k, v := range a.Status.PerDeviceStatus {
			out.Status.PerDeviceStatus[k] = v
		}
	}
	if a.Status.Conditions != nil {
		out.Status.Conditions = make([]metav1.Condition, len(a.Status.Conditions))
		for i := range a.Status.Conditions {
			a.Status.Conditions[i].DeepCopyInto(&out.Status.Conditions[i])
		}
	}
}

// DeepCopyObject implements runtime.Object.
func (l *ApplicationList) DeepCopyObject() runtime.Object {
	if l == nil {
		return nil
	}
	out := new(ApplicationList)
	out.TypeMeta = l.TypeMeta
	l.ListMeta.DeepCopyInto(&out.ListMeta)
	if l.Items != nil {
		out.Items = make([]Application, len(l.Items))
		for i := range l.Items {
			l.Items[i].DeepCopyInto(&out.Items[i])
		}
	}
	return out
}
