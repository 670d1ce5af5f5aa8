package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
)

// GatewayPhase is the observable lifecycle phase of a Gateway.
type GatewayPhase string

const (
	GatewayPhaseInitializing GatewayPhase = "Initializing"
	GatewayPhaseReady        GatewayPhase = "Ready"
	GatewayPhaseDegraded     GatewayPhase = "Degraded"
	GatewayPhaseDraining     GatewayPhase = "Draining"
	GatewayPhaseStopped      GatewayPhase = "Stopped"
)

// GatewaySpec is the desired state of a Gateway Server instance.
type GatewaySpec struct {
	Endpoint     string `json:"endpoint"`
	TLSSecretRef string `json:"tlsSecretRef,omitempty"`
	Capacity     int32  `json:"capacity"`
}

// GatewayStatus is the observed state of a Gateway, reconciled from its
// admin HTTP surface.
type GatewayStatus struct {
	Phase            GatewayPhase       `json:"phase,omitempty"`
	CurrentSessions  int32              `json:"currentSessions,omitempty"`
	ObservedEndpoint string             `json:"observedEndpoint,omitempty"`
	Conditions       []metav1.Condition `json:"conditions,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status

// Gateway represents one running instance of the Gateway Server.
type Gateway struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   GatewaySpec   `json:"spec,omitempty"`
	Status GatewayStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// GatewayList is a list of Gateway resources.
type GatewayList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Gateway `json:"items"`
}

// DeepCopyObject implements runtime.Object.
func (g *Gateway) DeepCopyObject() runtime.Object {
	if g == nil {
		return nil
	}
	out := new(Gateway)
	g.DeepCopyInto(out)
	return out
}

// DeepCopyInto is a deepcopy function, copying the receiver, writing into out.
func (g *Gateway) DeepCopyInto(out *Gateway) {
	*out = *g
	out.TypeMeta = g.TypeMeta
	g.ObjectMeta.DeepCopyInto(&out.ObjectMeta)
	if g.Status.Conditions != nil {
		out.Status.Conditions = make([]metav1.Condition, len(g.Status.Conditions))
		for i := range g.Status.Conditions {
			g.Status.Conditions[i].DeepCopyInto(&out.Status.Conditions[i])
		}
	}
}

// DeepCopyObject implements runtime.Object.
func (l *GatewayList) DeepCopyObject() runtime.Object {
	if l == nil {
		return nil
	}
	out := new(GatewayList)
	out.TypeMeta = l.TypeMeta
	l.ListMeta.DeepCopyInto(&out.ListMeta)
	if l.Items != nil {
		out.Items = make([]Gateway, len(l.Items))
		for i := range l.Items {
			l.Items[i].DeepCopyInto(&out.Items[i])
		}
	}
	return out
}
