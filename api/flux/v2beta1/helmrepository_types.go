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

// HelmRepositorySpec is the subset of the Flux source-controller
// HelmRepository spec needed to locate a chart index.
type HelmRepositorySpec struct {
	// URL of the repository: http(s) for classic index.yaml repositories,
	// oci:// for OCI registries.
	URL string `json:"url"`

	// Type is "default" or "oci". Empty means default.
	// +optional
	Type string `json:"type,omitempty"`

	// SecretRef names a secret with repository credentials.
	// +optional
	SecretRef *LocalObjectReference `json:"secretRef,omitempty"`
}

// LocalObjectReference names an object in the same namespace.
type LocalObjectReference struct {
	Name string `json:"name"`
}

// +kubebuilder:object:root=true
// +kubebuilder:printcolumn:name="URL",type=string,JSONPath=`.spec.url`

// HelmRepository is the Flux source-controller HelmRepository resource.
type HelmRepository struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec HelmRepositorySpec `json:"spec,omitempty"`
}

// +kubebuilder:object:root=true

// HelmRepositoryList contains a list of HelmRepository.
type HelmRepositoryList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []HelmRepository `json:"items"`
}

// IsOCI reports whether the repository serves charts over OCI.
func (r *HelmRepository) IsOCI() bool {
	return r.Spec.Type == "oci" || len(r.Spec.URL) > 6 && r.Spec.URL[:6] == "oci://"
}

func init() {
	SourceSchemeBuilder.Register(&HelmRepository{}, &HelmRepositoryList{})
}
