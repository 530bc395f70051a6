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

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	fluxv2 "github.com/headwind-sh/headwind/api/flux/v2beta1"
	"github.com/headwind-sh/headwind/internal/policy"
)

// +kubebuilder:rbac:groups=helm.toolkit.fluxcd.io,resources=helmreleases,verbs=get;list;watch;update;patch
// +kubebuilder:rbac:groups=source.toolkit.fluxcd.io,resources=helmrepositories,verbs=get;list;watch

// HelmReleaseReconciler mirrors annotated HelmReleases into the tracker,
// resolving the chart's repository URL through the release's sourceRef.
type HelmReleaseReconciler struct {
	client.Client
	Recorder record.EventRecorder
	Tracker  *Tracker
}

func (r *HelmReleaseReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	var obj fluxv2.HelmRelease
	if err := r.Get(ctx, req.NamespacedName, &obj); err != nil {
		if apierrors.IsNotFound(err) {
			r.Tracker.Forget("HelmRelease", req.NamespacedName)
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, err
	}

	opts, err := policy.ParseOptions(obj.GetAnnotations())
	if err != nil {
		if prev, ok := r.Tracker.Get("HelmRelease", req.NamespacedName); ok {
			opts = prev.Options
		} else {
			opts = policy.Default()
		}
		r.Recorder.Eventf(&obj, corev1.EventTypeWarning, "InvalidAnnotations",
			"keeping previous update policy: %v", err)
	}

	w := TrackedWorkload{
		Kind:         "HelmRelease",
		Target:       req.NamespacedName,
		Options:      opts,
		Chart:        obj.Spec.Chart.Spec.Chart,
		ChartVersion: obj.Spec.Chart.Spec.Version,
	}

	repoNS := obj.Spec.Chart.Spec.SourceRef.Namespace
	if repoNS == "" {
		repoNS = obj.Namespace
	}
	var repo fluxv2.HelmRepository
	repoKey := types.NamespacedName{Namespace: repoNS, Name: obj.Spec.Chart.Spec.SourceRef.Name}
	if err := r.Get(ctx, repoKey, &repo); err != nil {
		if !apierrors.IsNotFound(err) {
			return ctrl.Result{}, err
		}
		logger.V(1).Info("helm repository not found, chart polling disabled", "repository", repoKey.String())
	} else {
		w.RepoURL = repo.Spec.URL
		w.RepoNamespace = repoNS
		if repo.Spec.SecretRef != nil {
			w.RepoSecret = repo.Spec.SecretRef.Name
		}
	}

	r.Tracker.Upsert(w)
	return ctrl.Result{}, nil
}

func (r *HelmReleaseReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&fluxv2.HelmRelease{}).
		Named("helmrelease-tracker").
		Complete(r)
}
