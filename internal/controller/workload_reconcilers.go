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

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/headwind-sh/headwind/internal/image"
	"github.com/headwind-sh/headwind/internal/policy"
)

// +kubebuilder:rbac:groups=apps,resources=deployments;statefulsets;daemonsets,verbs=get;list;watch;update;patch
// +kubebuilder:rbac:groups="",resources=pods;secrets;serviceaccounts,verbs=get;list;watch
// +kubebuilder:rbac:groups="",resources=events,verbs=create;patch

// observePodWorkload parses the workload's annotations and refreshes the
// tracker entry. Invalid annotations keep the previously valid options and
// are surfaced as a warning event on the workload.
func observePodWorkload(tracker *Tracker, recorder record.EventRecorder, kind string, obj client.Object, podSpec *corev1.PodSpec) {
	target := types.NamespacedName{Namespace: obj.GetNamespace(), Name: obj.GetName()}

	opts, err := policy.ParseOptions(obj.GetAnnotations())
	if err != nil {
		if prev, ok := tracker.Get(kind, target); ok {
			opts = prev.Options
		} else {
			opts = policy.Default()
		}
		recorder.Eventf(obj, corev1.EventTypeWarning, "InvalidAnnotations",
			"keeping previous update policy: %v", err)
	}

	w := TrackedWorkload{
		Kind:               kind,
		Target:             target,
		Options:            opts,
		ServiceAccountName: podSpec.ServiceAccountName,
	}
	for _, ref := range podSpec.ImagePullSecrets {
		w.PullSecrets = append(w.PullSecrets, ref.Name)
	}
	for _, c := range podSpec.Containers {
		parsed, parseErr := image.Parse(c.Image)
		if parseErr != nil {
			continue
		}
		w.Containers = append(w.Containers, TrackedContainer{Name: c.Name, Image: parsed, Raw: c.Image})
	}
	tracker.Upsert(w)
}

// DeploymentReconciler mirrors annotated Deployments into the tracker.
type DeploymentReconciler struct {
	client.Client
	Recorder record.EventRecorder
	Tracker  *Tracker
}

func (r *DeploymentReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	var obj appsv1.Deployment
	if err := r.Get(ctx, req.NamespacedName, &obj); err != nil {
		if apierrors.IsNotFound(err) {
			r.Tracker.Forget("Deployment", req.NamespacedName)
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, err
	}
	observePodWorkload(r.Tracker, r.Recorder, "Deployment", &obj, &obj.Spec.Template.Spec)
	log.FromContext(ctx).V(1).Info("tracked deployment refreshed")
	return ctrl.Result{}, nil
}

func (r *DeploymentReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&appsv1.Deployment{}).
		Named("deployment-tracker").
		Complete(r)
}

// StatefulSetReconciler mirrors annotated StatefulSets into the tracker.
type StatefulSetReconciler struct {
	client.Client
	Recorder record.EventRecorder
	Tracker  *Tracker
}

func (r *StatefulSetReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	var obj appsv1.StatefulSet
	if err := r.Get(ctx, req.NamespacedName, &obj); err != nil {
		if apierrors.IsNotFound(err) {
			r.Tracker.Forget("StatefulSet", req.NamespacedName)
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, err
	}
	observePodWorkload(r.Tracker, r.Recorder, "StatefulSet", &obj, &obj.Spec.Template.Spec)
	return ctrl.Result{}, nil
}

func (r *StatefulSetReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&appsv1.StatefulSet{}).
		Named("statefulset-tracker").
		Complete(r)
}

// DaemonSetReconciler mirrors annotated DaemonSets into the tracker.
type DaemonSetReconciler struct {
	client.Client
	Recorder record.EventRecorder
	Tracker  *Tracker
}

func (r *DaemonSetReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	var obj appsv1.DaemonSet
	if err := r.Get(ctx, req.NamespacedName, &obj); err != nil {
		if apierrors.IsNotFound(err) {
			r.Tracker.Forget("DaemonSet", req.NamespacedName)
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, err
	}
	observePodWorkload(r.Tracker, r.Recorder, "DaemonSet", &obj, &obj.Spec.Template.Spec)
	return ctrl.Result{}, nil
}

func (r *DaemonSetReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&appsv1.DaemonSet{}).
		Named("daemonset-tracker").
		Complete(r)
}
