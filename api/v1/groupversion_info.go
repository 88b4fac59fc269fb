// Copyright Contributors to the Agent Platform project

// Package v1 contains the v1 API definitions for the agents.platform group
// +kubebuilder:object:generate=true
// +groupName=agents.platform
package v1

import (
	"k8s.io/apimachinery/pkg/runtime/schema"
	"sigs.k8s.io/controller-runtime/pkg/scheme"
)

var (
	// GroupVersion is the group version used to register these objects
	GroupVersion = schema.GroupVersion{Group: "agents.platform", Version: "v1"}

	// SchemeBuilder is used to add go types to the GroupVersionKind scheme
	SchemeBuilder = &scheme.Builder{GroupVersion: GroupVersion}

	// AddToScheme adds the types in this group-version to the given scheme.
	AddToScheme = SchemeBuilder.AddToScheme
)
