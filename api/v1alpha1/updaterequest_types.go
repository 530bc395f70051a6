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

package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// UpdatePhase is the lifecycle phase of an UpdateRequest. The phase is
// monotonic: once a request leaves Pending it never returns to it.
// +kubebuilder:validation:Enum=Pending;Completed;Rejected;Failed
type UpdatePhase string

const (
	PhasePending   UpdatePhase = "Pending"
	PhaseCompleted UpdatePhase = "Completed"
	PhaseRejected  UpdatePhase = "Rejected"
	PhaseFailed    UpdatePhase = "Failed"
)

// Terminal reports whether no further phase transitions are allowed.
func (p UpdatePhase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseRejected || p == PhaseFailed
}

// UpdateType distinguishes container image updates from Helm chart updates.
// +kubebuilder:validation:Enum=Image;HelmChart
type UpdateType string

const (
	UpdateTypeImage     UpdateType = "Image"
	UpdateTypeHelmChart UpdateType = "HelmChart"
)

// TargetRef points at the workload an UpdateRequest wants to mutate.
type TargetRef struct {
	// Kind of the target resource (Deployment, StatefulSet, DaemonSet, HelmRelease).
	Kind string `json:"kind"`

	// Namespace of the target resource.
	Namespace string `json:"namespace"`

	// Name of the target resource.
	Name string `json:"name"`
}

// UpdateRequestSpec describes the proposed mutation. It is immutable once the
// request reaches a terminal phase.
type UpdateRequestSpec struct {
	// TargetRef identifies the workload to update.
	TargetRef TargetRef `json:"targetRef"`

	// UpdateType is Image for container updates and HelmChart for chart
	// version bumps.
	// +kubebuilder:default=Image
	UpdateType UpdateType `json:"updateType,omitempty"`

	// ContainerName selects the container to patch for image updates.
	// +optional
	ContainerName string `json:"containerName,omitempty"`

	// CurrentImage is the image (or chart version) running when the request
	// was created.
	CurrentImage string `json:"currentImage"`

	// NewImage is the proposed image (or chart version).
	NewImage string `json:"newImage"`

	// PolicyKind records which policy admitted the candidate.
	PolicyKind string `json:"policyKind"`

	// Approver optionally names who is expected to act on the request.
	// +optional
	Approver string `json:"approver,omitempty"`
}

// UpdateRequestStatus tracks the approval lifecycle.
type UpdateRequestStatus struct {
	// Phase of the request. Pending until approved or rejected.
	// +kubebuilder:default=Pending
	Phase UpdatePhase `json:"phase,omitempty"`

	// CreatedAt is when the controller created the request.
	// +optional
	CreatedAt *metav1.Time `json:"createdAt,omitempty"`

	// LastUpdated advances whenever the same candidate is rediscovered while
	// the request is still pending.
	// +optional
	LastUpdated *metav1.Time `json:"lastUpdated,omitempty"`

	// ApprovedBy is the actor that approved the request.
	// +optional
	ApprovedBy string `json:"approvedBy,omitempty"`

	// ApprovedAt is when the request was approved.
	// +optional
	ApprovedAt *metav1.Time `json:"approvedAt,omitempty"`

	// RejectedBy is the actor that rejected the request.
	// +optional
	RejectedBy string `json:"rejectedBy,omitempty"`

	// RejectedAt is when the request was rejected.
	// +optional
	RejectedAt *metav1.Time `json:"rejectedAt,omitempty"`

	// RejectionReason is mandatory on rejection.
	// +optional
	RejectionReason string `json:"rejectionReason,omitempty"`

	// ErrorMessage stores the apply failure for Failed requests.
	// +optional
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:resource:shortName=ur;upd
// +kubebuilder:printcolumn:name="Target",type=string,JSONPath=`.spec.targetRef.name`
// +kubebuilder:printcolumn:name="Container",type=string,JSONPath=`.spec.containerName`
// +kubebuilder:printcolumn:name="Current",type=string,JSONPath=`.spec.currentImage`
// +kubebuilder:printcolumn:name="New",type=string,JSONPath=`.spec.newImage`
// +kubebuilder:printcolumn:name="Policy",type=string,JSONPath=`.spec.policyKind`
// +kubebuilder:printcolumn:name="Phase",type=string,JSONPath=`.status.phase`
// +kubebuilder:printcolumn:name="Age",type=date,JSONPath=`.metadata.creationTimestamp`

// UpdateRequest is a proposal to move a workload to a new image or chart
// version, optionally gated on operator approval.
type UpdateRequest struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   UpdateRequestSpec   `json:"spec,omitempty"`
	Status UpdateRequestStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// UpdateRequestList contains a list of UpdateRequest.
type UpdateRequestList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []UpdateRequest `json:"items"`
}

func init() {
	SchemeBuilder.Register(&UpdateRequest{}, &UpdateRequestList{})
}
