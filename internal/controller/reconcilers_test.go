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

package controller

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"

	fluxv2 "github.com/headwind-sh/headwind/api/flux/v2beta1"
	headwindv1alpha1 "github.com/headwind-sh/headwind/api/v1alpha1"
	"github.com/headwind-sh/headwind/internal/apply"
	"github.com/headwind-sh/headwind/internal/constants"
	"github.com/headwind-sh/headwind/internal/notifications"
	"github.com/headwind-sh/headwind/internal/policy"
)

func TestDeploymentReconcilerTracksWorkload(t *testing.T) {
	deploy := annotatedDeployment("nginx", "nginx:1.25.3", map[string]string{
		constants.PolicyAnnotation: "minor",
	})
	c := newClient(t, deploy)
	tracker := NewTracker()
	r := &DeploymentReconciler{Client: c, Recorder: record.NewFakeRecorder(8), Tracker: tracker}

	key := types.NamespacedName{Namespace: "default", Name: "nginx"}
	_, err := r.Reconcile(context.Background(), ctrl.Request{NamespacedName: key})
	require.NoError(t, err)

	w, ok := tracker.Get("Deployment", key)
	require.True(t, ok)
	assert.Equal(t, policy.KindMinor, w.Options.Policy.Kind)
	require.Len(t, w.Containers, 1)
	assert.Equal(t, "1.25.3", w.Containers[0].Image.Tag)
}

func TestDeploymentReconcilerForgetsDeleted(t *testing.T) {
	c := newClient(t)
	tracker := NewTracker()
	key := types.NamespacedName{Namespace: "default", Name: "gone"}
	tracker.Upsert(TrackedWorkload{Kind: "Deployment", Target: key})

	r := &DeploymentReconciler{Client: c, Recorder: record.NewFakeRecorder(8), Tracker: tracker}
	_, err := r.Reconcile(context.Background(), ctrl.Request{NamespacedName: key})
	require.NoError(t, err)

	_, ok := tracker.Get("Deployment", key)
	assert.False(t, ok)
}

// Invalid annotations keep the previously valid policy and emit a warning
// event.
func TestInvalidAnnotationsKeepPreviousPolicy(t *testing.T) {
	deploy := annotatedDeployment("nginx", "nginx:1.25.3", map[string]string{
		constants.PolicyAnnotation: "minor",
	})
	c := newClient(t, deploy)
	tracker := NewTracker()
	recorder := record.NewFakeRecorder(8)
	r := &DeploymentReconciler{Client: c, Recorder: recorder, Tracker: tracker}

	key := types.NamespacedName{Namespace: "default", Name: "nginx"}
	_, err := r.Reconcile(context.Background(), ctrl.Request{NamespacedName: key})
	require.NoError(t, err)

	got := getDeploy(t, c, "nginx")
	got.Annotations[constants.PolicyAnnotation] = "sometimes"
	require.NoError(t, c.Update(context.Background(), got))

	_, err = r.Reconcile(context.Background(), ctrl.Request{NamespacedName: key})
	require.NoError(t, err)

	w, ok := tracker.Get("Deployment", key)
	require.True(t, ok)
	assert.Equal(t, policy.KindMinor, w.Options.Policy.Kind, "previous valid policy must survive")

	select {
	case ev := <-recorder.Events:
		assert.Contains(t, ev, "InvalidAnnotations")
	default:
		t.Fatal("expected a warning event")
	}
}

func TestHelmReleaseReconcilerResolvesRepository(t *testing.T) {
	hr := &fluxv2.HelmRelease{
		ObjectMeta: metav1.ObjectMeta{
			Name: "redis", Namespace: "default",
			Annotations: map[string]string{constants.PolicyAnnotation: "minor"},
		},
		Spec: fluxv2.HelmReleaseSpec{
			Chart: fluxv2.HelmChartTemplate{Spec: fluxv2.HelmChartTemplateSpec{
				Chart: "redis", Version: "18.0.0",
				SourceRef: fluxv2.CrossNamespaceObjectReference{Kind: "HelmRepository", Name: "bitnami"},
			}},
		},
	}
	repo := &fluxv2.HelmRepository{
		ObjectMeta: metav1.ObjectMeta{Name: "bitnami", Namespace: "default"},
		Spec:       fluxv2.HelmRepositorySpec{URL: "https://charts.bitnami.com/bitnami"},
	}
	c := newClient(t, hr, repo)
	tracker := NewTracker()
	r := &HelmReleaseReconciler{Client: c, Recorder: record.NewFakeRecorder(8), Tracker: tracker}

	key := types.NamespacedName{Namespace: "default", Name: "redis"}
	_, err := r.Reconcile(context.Background(), ctrl.Request{NamespacedName: key})
	require.NoError(t, err)

	w, ok := tracker.Get("HelmRelease", key)
	require.True(t, ok)
	assert.Equal(t, "redis", w.Chart)
	assert.Equal(t, "18.0.0", w.ChartVersion)
	assert.Equal(t, "https://charts.bitnami.com/bitnami", w.RepoURL)
}

// An approved request that never reached a terminal phase is completed by
// the reconciler after a restart.
func TestUpdateRequestReconcilerRedrivesApproved(t *testing.T) {
	deploy := annotatedDeployment("nginx", "nginx:1.25.3", map[string]string{
		constants.PolicyAnnotation: "minor",
	})
	ur := &headwindv1alpha1.UpdateRequest{
		ObjectMeta: metav1.ObjectMeta{Name: "nginx-update-1-26-0", Namespace: "default"},
		Spec: headwindv1alpha1.UpdateRequestSpec{
			TargetRef:     headwindv1alpha1.TargetRef{Kind: "Deployment", Namespace: "default", Name: "nginx"},
			ContainerName: "nginx",
			CurrentImage:  "nginx:1.25.3",
			NewImage:      "nginx:1.26.0",
			PolicyKind:    "minor",
		},
	}
	c := newClient(t, deploy, ur)

	var stored headwindv1alpha1.UpdateRequest
	key := types.NamespacedName{Namespace: "default", Name: "nginx-update-1-26-0"}
	require.NoError(t, c.Get(context.Background(), key, &stored))
	stored.Status.Phase = headwindv1alpha1.PhasePending
	stored.Status.ApprovedBy = "alice"
	stored.Status.ApprovedAt = &metav1.Time{Time: metav1.Now().Time}
	require.NoError(t, c.Status().Update(context.Background(), &stored))

	r := &UpdateRequestReconciler{Client: c, Applier: apply.New(c), Notifier: notifications.Discard{}}
	_, err := r.Reconcile(context.Background(), ctrl.Request{NamespacedName: key})
	require.NoError(t, err)

	assert.Equal(t, "nginx:1.26.0", getDeploy(t, c, "nginx").Spec.Template.Spec.Containers[0].Image)

	require.NoError(t, c.Get(context.Background(), key, &stored))
	assert.Equal(t, headwindv1alpha1.PhaseCompleted, stored.Status.Phase)
}

// Completion is idempotent: when the workload already runs the new image,
// re-driving only flips the phase and writes no duplicate history.
func TestCompleteApprovedIdempotent(t *testing.T) {
	deploy := annotatedDeployment("nginx", "nginx:1.26.0", map[string]string{
		constants.PolicyAnnotation: "minor",
	})
	ur := &headwindv1alpha1.UpdateRequest{
		ObjectMeta: metav1.ObjectMeta{Name: "nginx-update-1-26-0", Namespace: "default"},
		Spec: headwindv1alpha1.UpdateRequestSpec{
			TargetRef:     headwindv1alpha1.TargetRef{Kind: "Deployment", Namespace: "default", Name: "nginx"},
			ContainerName: "nginx",
			CurrentImage:  "nginx:1.25.3",
			NewImage:      "nginx:1.26.0",
		},
	}
	c := newClient(t, deploy, ur)

	key := types.NamespacedName{Namespace: "default", Name: "nginx-update-1-26-0"}
	var stored headwindv1alpha1.UpdateRequest
	require.NoError(t, c.Get(context.Background(), key, &stored))
	stored.Status.Phase = headwindv1alpha1.PhasePending
	stored.Status.ApprovedBy = "alice"
	require.NoError(t, c.Status().Update(context.Background(), &stored))

	require.NoError(t, CompleteApproved(context.Background(), c, apply.New(c), notifications.Discard{}, key))

	got := getDeploy(t, c, "nginx")
	assert.Empty(t, got.Annotations[constants.UpdateHistoryAnnotation], "no history entry for a skipped apply")

	require.NoError(t, c.Get(context.Background(), key, &stored))
	assert.Equal(t, headwindv1alpha1.PhaseCompleted, stored.Status.Phase)
}
