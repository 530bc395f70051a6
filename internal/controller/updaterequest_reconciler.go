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
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/util/retry"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	fluxv2 "github.com/headwind-sh/headwind/api/flux/v2beta1"
	headwindv1alpha1 "github.com/headwind-sh/headwind/api/v1alpha1"
	"github.com/headwind-sh/headwind/internal/apply"
	"github.com/headwind-sh/headwind/internal/metrics"
	"github.com/headwind-sh/headwind/internal/notifications"
)

// CompleteApproved executes an approved-but-still-pending UpdateRequest:
// it applies the proposed change and moves the phase to Completed, or to
// Failed with the apply error. The apply is skipped when the target already
// runs the proposed version, which makes re-driving after a crash safe.
func CompleteApproved(ctx context.Context, c client.Client, applier *apply.Applier,
	notifier notifications.Notifier, key types.NamespacedName) error {

	var ur headwindv1alpha1.UpdateRequest
	if err := c.Get(ctx, key, &ur); err != nil {
		return client.IgnoreNotFound(err)
	}
	if ur.Status.Phase != headwindv1alpha1.PhasePending || ur.Status.ApprovedBy == "" {
		return nil
	}

	applyErr := applyRequest(ctx, c, applier, &ur)

	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		var latest headwindv1alpha1.UpdateRequest
		if getErr := c.Get(ctx, key, &latest); getErr != nil {
			return getErr
		}
		if latest.Status.Phase != headwindv1alpha1.PhasePending {
			return nil
		}
		if applyErr != nil {
			latest.Status.Phase = headwindv1alpha1.PhaseFailed
			latest.Status.ErrorMessage = applyErr.Error()
		} else {
			latest.Status.Phase = headwindv1alpha1.PhaseCompleted
		}
		return c.Status().Update(ctx, &latest)
	})
	if err != nil {
		return fmt.Errorf("updating phase of %s: %w", key, err)
	}

	spec := ur.Spec
	if applyErr != nil {
		metrics.UpdatesFailed.WithLabelValues(spec.TargetRef.Kind).Inc()
		notifier.Notify(ctx, notifications.Event{
			Type: notifications.UpdateFailed,
			Kind: spec.TargetRef.Kind, Namespace: spec.TargetRef.Namespace, Name: spec.TargetRef.Name,
			Container: spec.ContainerName, From: spec.CurrentImage, To: spec.NewImage,
			Reason: applyErr.Error(),
		})
		return nil
	}
	metrics.UpdatesApplied.WithLabelValues(spec.TargetRef.Kind).Inc()
	notifier.Notify(ctx, notifications.Event{
		Type: notifications.UpdateApproved,
		Kind: spec.TargetRef.Kind, Namespace: spec.TargetRef.Namespace, Name: spec.TargetRef.Name,
		Container: spec.ContainerName, From: spec.CurrentImage, To: spec.NewImage,
		Approver: ur.Status.ApprovedBy,
	})
	return nil
}

func applyRequest(ctx context.Context, c client.Client, applier *apply.Applier, ur *headwindv1alpha1.UpdateRequest) error {
	target := types.NamespacedName{Namespace: ur.Spec.TargetRef.Namespace, Name: ur.Spec.TargetRef.Name}

	if current, ok := currentValue(ctx, c, ur.Spec); ok && current == ur.Spec.NewImage {
		// Already applied, likely by a previous attempt that crashed before
		// the phase transition.
		return nil
	}

	return applier.Apply(ctx, apply.Update{
		Kind:      ur.Spec.TargetRef.Kind,
		Target:    target,
		Container: ur.Spec.ContainerName,
		From:      ur.Spec.CurrentImage,
		To:        ur.Spec.NewImage,
		Approver:  ur.Status.ApprovedBy,
	})
}

// currentValue reads the live image (or chart version) the request targets.
func currentValue(ctx context.Context, c client.Client, spec headwindv1alpha1.UpdateRequestSpec) (string, bool) {
	target := types.NamespacedName{Namespace: spec.TargetRef.Namespace, Name: spec.TargetRef.Name}

	readContainers := func(containers []containerView) (string, bool) {
		for _, cv := range containers {
			if cv.name == spec.ContainerName {
				return cv.image, true
			}
		}
		return "", false
	}

	switch spec.TargetRef.Kind {
	case "Deployment":
		var obj appsv1.Deployment
		if err := c.Get(ctx, target, &obj); err != nil {
			return "", false
		}
		return readContainers(viewContainers(obj.Spec.Template.Spec.Containers))
	case "StatefulSet":
		var obj appsv1.StatefulSet
		if err := c.Get(ctx, target, &obj); err != nil {
			return "", false
		}
		return readContainers(viewContainers(obj.Spec.Template.Spec.Containers))
	case "DaemonSet":
		var obj appsv1.DaemonSet
		if err := c.Get(ctx, target, &obj); err != nil {
			return "", false
		}
		return readContainers(viewContainers(obj.Spec.Template.Spec.Containers))
	case "HelmRelease":
		var obj fluxv2.HelmRelease
		if err := c.Get(ctx, target, &obj); err != nil {
			return "", false
		}
		return obj.Spec.Chart.Spec.Version, true
	}
	return "", false
}

type containerView struct {
	name  string
	image string
}

func viewContainers(containers []corev1.Container) []containerView {
	out := make([]containerView, 0, len(containers))
	for _, c := range containers {
		out = append(out, containerView{name: c.Name, image: c.Image})
	}
	return out
}

// UpdateRequestReconciler re-drives approved requests that never reached a
// terminal phase, which happens when the operator crashes between the apply
// and the status update. It also keeps the pending gauge current.
type UpdateRequestReconciler struct {
	client.Client
	Applier  *apply.Applier
	Notifier notifications.Notifier
}

func (r *UpdateRequestReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	var ur headwindv1alpha1.UpdateRequest
	if err := r.Get(ctx, req.NamespacedName, &ur); err != nil {
		if apierrors.IsNotFound(err) {
			return ctrl.Result{}, r.refreshPendingGauge(ctx)
		}
		return ctrl.Result{}, err
	}

	if ur.Status.Phase == headwindv1alpha1.PhasePending && ur.Status.ApprovedBy != "" {
		log.FromContext(ctx).Info("completing approved update request",
			"request", req.NamespacedName.String(), "approvedBy", ur.Status.ApprovedBy)
		if err := CompleteApproved(ctx, r.Client, r.Applier, r.Notifier, req.NamespacedName); err != nil {
			return ctrl.Result{}, err
		}
	}
	return ctrl.Result{}, r.refreshPendingGauge(ctx)
}

func (r *UpdateRequestReconciler) refreshPendingGauge(ctx context.Context) error {
	var list headwindv1alpha1.UpdateRequestList
	if err := r.List(ctx, &list); err != nil {
		return err
	}
	pending := 0
	for i := range list.Items {
		if list.Items[i].Status.Phase == headwindv1alpha1.PhasePending {
			pending++
		}
	}
	metrics.UpdateRequestsPending.Set(float64(pending))
	return nil
}

func (r *UpdateRequestReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&headwindv1alpha1.UpdateRequest{}).
		Named("updaterequest").
		Complete(r)
}
