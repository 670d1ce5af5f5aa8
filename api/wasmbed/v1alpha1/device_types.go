package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
)

// DevicePhase is the observable lifecycle phase of a Device.
type DevicePhase string

const (
	DevicePhasePending      DevicePhase = "Pending"
	DevicePhaseEnrolling    DevicePhase = "Enrolling"
	DevicePhaseEnrolled     DevicePhase = "Enrolled"
	DevicePhaseConnected    DevicePhase = "Connected"
	DevicePhaseDisconnected DevicePhase = "Disconnected"
	DevicePhaseUnreachable  DevicePhase = "Unreachable"
	DevicePhaseDeleting     DevicePhase = "Deleting"
)

// DeviceArchitecture is the closed set of MCU families the platform
// understands as routing metadata; the core never interprets the value
// beyond this enum.
type DeviceArchitecture string

const (
	ArchitectureARMCortexM DeviceArchitecture = "ARM_CORTEX_M"
	ArchitectureRISCV32    DeviceArchitecture = "RISCV32"
	ArchitectureXtensa     DeviceArchitecture = "XTENSA"
)

// DeviceSpec is the desired state of a Device, set by an operator or by the
// Gateway Server when pairing mode auto-creates the resource.
type DeviceSpec struct {
	// PublicKey is the base64-decoded device identity, the primary key used
	// for TLS client certificate validation or pre-shared-key lookup.
	PublicKey []byte `json:"publicKey"`

	Architecture DeviceArchitecture `json:"architecture"`
	McuType      string             `json:"mcuType"`

	// GatewayBinding is the name of the Gateway that owns this device's
	// session, if already assigned.
	GatewayBinding string `json:"gatewayBinding,omitempty"`
}

// DeviceStatus is the observed state of a Device, written only by the
// Device Controller and the Gateway Server (via the Resource Store
// Adapter).
type DeviceStatus struct {
	Phase DevicePhase `json:"phase,omitempty"`

	// LastHeartbeat is the timestamp of the most recent valid heartbeat
	// observed on this device's session.
	LastHeartbeat *metav1.Time `json:"lastHeartbeat,omitempty"`

	// GatewayBinding mirrors spec.gatewayBinding once observed, letting a
	// pairing-mode-created Device report which Gateway actually accepted
	// it even before an operator sets spec.gatewayBinding explicitly.
	GatewayBinding string `json:"gatewayBinding,omitempty"`

	// Applications is the observed-only set of Application names currently
	// deployed to this device, populated from incoming ApplicationStatus
	// messages. Devices do not own Applications; this is a plain name list.
	Applications []string `json:"applications,omitempty"`

	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status

// Device represents a single MCU enrolled with (or pending enrollment to)
// the platform.
type Device struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   DeviceSpec   `json:"spec,omitempty"`
	Status DeviceStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// DeviceList is a list of Device resources.
type DeviceList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Device `json:"items"`
}

// DeepCopyObject implements runtime.Object.
func (d *Device) DeepCopyObject() runtime.Object {
	if d == nil {
		return nil
	}
	out := new(Device)
	d.DeepCopyInto(out)
	return out
}

// DeepCopyInto is a deepcopy function, copying the receiver, writing into out.
func (d *Device) DeepCopyInto(out *Device) {
	*out = *d
	out.TypeMeta = d.TypeMeta
	d.ObjectMeta.DeepCopyInto(&out.ObjectMeta)
	out.Spec.PublicKey = append([]byte(nil), d.Spec.PublicKey...)
	if d.Status.LastHeartbeat != nil {
		out.Status.LastHeartbeat = d.Status.LastHeartbeat.DeepCopy()
	}
	out.Status.Applications = append([]string(nil), d.Status.Applications...)
	if d.Status.Conditions != nil {
		out.Status.Conditions = make([]metav1.Condition, len(d.Status.Conditions))
		for i := range d.Status.Conditions {
			d.Status.Conditions[i].DeepCopyInto(&out.Status.Conditions[i])
		}
	}
}

// DeepCopyObject implements runtime.Object.
func (l *DeviceList) DeepCopyObject() runtime.Object {
	if l == nil {
		return nil
	}
	out := new(DeviceList)
	out.TypeMeta = l.TypeMeta
	l.ListMeta.DeepCopyInto(&out.ListMeta)
	if l.Items != nil {
		out.Items = make([]Device, len(l.Items))
		for i := range l.Items {
			l.Items[i].DeepCopyInto(&out.Items[i])
		}
	}
	return out
}
