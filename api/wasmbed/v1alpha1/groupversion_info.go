// Package v1alpha1 contains the Device, Application and Gateway custom
// resource kinds that make up Wasmbed's declarative API, along with their
// deepcopy and scheme-registration boilerplate.
//
// +groupName=wasmbed.io
package v1alpha1

import (
	"k8s.io/apimachinery/pkg/runtime/schema"
	"sigs.k8s.io/controller-runtime/pkg/scheme"
)

var (
	// GroupVersion is the API group/version this package's kinds register
	// under.
	GroupVersion = schema.GroupVersion{Group: "wasmbed.io", Version: "v1alpha1"}

	// SchemeBuilder accumulates the AddToScheme funcs for this package's
	// kinds, the kubebuilder/controller-runtime convention.
	SchemeBuilder = &scheme.Builder{GroupVersion: GroupVersion}

	// AddToScheme adds every kind in this package to a runtime.Scheme.
	AddToScheme = SchemeBuilder.AddToScheme
)

func init() {
	SchemeBuilder.Register(&Device{}, &DeviceList{})
	SchemeBuilder.Register(&Application{}, &ApplicationList{})
	SchemeBuilder.Register(&Gateway{}, &GatewayList{})
}
