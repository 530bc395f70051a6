/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package v2beta1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// CrossNamespaceObjectReference points a HelmChartTemplate at its source
// repository.
type CrossNamespaceObjectReference struct {
	// Kind of the referent, typically HelmRepository.
	// +optional
	Kind string `json:"kind,omitempty"`

	// Name of the referent.
	Name string `json:"name"`

	// Namespace of the referent, defaults to the release namespace.
	// +optional
	Namespace string `json:"namespace,omitempty"`
}

// HelmChartTemplateSpec is the chart portion of a HelmRelease spec.
type HelmChartTemplateSpec struct {
	// Chart is the name or path of the Helm chart.
	Chart string `json:"chart"`

	// Version is the semver expression or pinned version of the chart.
	// +optional
	Version string `json:"version,omitempty"`

	// SourceRef references the HelmRepository holding the chart.
	SourceRef CrossNamespaceObjectReference `json:"sourceRef"`
}

// HelmChartTemplate wraps the chart template spec the way Flux nests it.
type HelmChartTemplate struct {
	Spec HelmChartTemplateSpec `json:"spec"`
}

// HelmReleaseSpec is the subset of the Flux HelmRelease spec the operator
// reads and patches. Only spec.chart.spec.version is ever mutated.
type HelmReleaseSpec struct {
	Chart HelmChartTemplate `json:"chart"`

	// ReleaseName overrides the release name derived from the object name.
	// +optional
	ReleaseName string `json:"releaseName,omitempty"`

	// Interval at which Flux reconciles the release. Opaque to this operator.
	// +optional
	Interval metav1.Duration `json:"interval,omitempty"`
}

// HelmReleaseStatus carries the fields needed for health evaluation.
type HelmReleaseStatus struct {
	// +optional
	Conditions []metav1.Condition `json:"conditions,omitempty"`

	// LastAppliedRevision is the chart version last applied by Flux.
	// +optional
	LastAppliedRevision string `json:"lastAppliedRevision,omitempty"`

	// ObservedGeneration is the last generation reconciled by Flux.
	// +optional
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:resource:shortName=hr
// +kubebuilder:printcolumn:name="Chart",type=string,JSONPath=`.spec.chart.spec.chart`
// +kubebuilder:printcolumn:name="Version",type=string,JSONPath=`.spec.chart.spec.version`

// HelmRelease is the Flux v2 HelmRelease resource.
type HelmRelease struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   HelmReleaseSpec   `json:"spec,omitempty"`
	Status HelmReleaseStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// HelmReleaseList contains a list of HelmRelease.
type HelmReleaseList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []HelmRelease `json:"items"`
}

func init() {
	SchemeBuilder.Register(&HelmRelease{}, &HelmReleaseList{})
}
