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

// Package apply mutates workloads: it swaps container images and chart
// versions, records update history, and stamps the last-update annotation.
// All mutations for the same workload are serialized, so the event pipeline
// and the approval API cannot interleave writes.
package apply

import (
	"context"
	"fmt"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/util/retry"
	"sigs.k8s.io/controller-runtime/pkg/client"

	fluxv2 "github.com/headwind-sh/headwind/api/flux/v2beta1"
	"github.com/headwind-sh/headwind/internal/constants"
	"github.com/headwind-sh/headwind/internal/history"
)

// Update describes one mutation of one workload.
type Update struct {
	// Kind is Deployment, StatefulSet, DaemonSet or HelmRelease.
	Kind string

	// Target workload.
	Target types.NamespacedName

	// Container to patch; for HelmRelease this is the chart name and only
	// recorded in history.
	Container string

	// From is the image reference (or chart version) being replaced.
	From string

	// To is the new image reference (or chart version).
	To string

	// Approver names who approved the update, empty for direct applies.
	Approver string

	// Source is webhook or polling, recorded in history.
	Source string
}

// Applier performs updates against the cluster.
type Applier struct {
	client client.Client
	locks  *keyedMutex
	now    func() time.Time
}

// New builds an Applier on the given client.
func New(c client.Client) *Applier {
	return &Applier{
		client: c,
		locks:  newKeyedMutex(),
		now:    time.Now,
	}
}

// WithClock swaps the time source, for tests.
func (a *Applier) WithClock(now func() time.Time) *Applier {
	a.now = now
	return a
}

// Apply performs the update with conflict retries. The read-modify-write is
// re-run from a fresh object on every conflict, up to five attempts.
func (a *Applier) Apply(ctx context.Context, u Update) error {
	unlock := a.locks.lock(u.Kind + "/" + u.Target.String())
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, constants.ClusterPatchTimeout)
	defer cancel()

	backoff := retry.DefaultRetry
	backoff.Steps = constants.ConflictRetryAttempts

	var err error
	switch u.Kind {
	case "Deployment":
		err = retry.RetryOnConflict(backoff, func() error {
			var obj appsv1.Deployment
			if getErr := a.client.Get(ctx, u.Target, &obj); getErr != nil {
				return getErr
			}
			if mutErr := a.mutatePodWorkload(&obj.ObjectMeta, &obj.Spec.Template.Spec, u); mutErr != nil {
				return mutErr
			}
			return a.client.Update(ctx, &obj)
		})
	case "StatefulSet":
		err = retry.RetryOnConflict(backoff, func() error {
			var obj appsv1.StatefulSet
			if getErr := a.client.Get(ctx, u.Target, &obj); getErr != nil {
				return getErr
			}
			if mutErr := a.mutatePodWorkload(&obj.ObjectMeta, &obj.Spec.Template.Spec, u); mutErr != nil {
				return mutErr
			}
			return a.client.Update(ctx, &obj)
		})
	case "DaemonSet":
		err = retry.RetryOnConflict(backoff, func() error {
			var obj appsv1.DaemonSet
			if getErr := a.client.Get(ctx, u.Target, &obj); getErr != nil {
				return getErr
			}
			if mutErr := a.mutatePodWorkload(&obj.ObjectMeta, &obj.Spec.Template.Spec, u); mutErr != nil {
				return mutErr
			}
			return a.client.Update(ctx, &obj)
		})
	case "HelmRelease":
		err = retry.RetryOnConflict(backoff, func() error {
			var obj fluxv2.HelmRelease
			if getErr := a.client.Get(ctx, u.Target, &obj); getErr != nil {
				return getErr
			}
			if mutErr := a.mutateHelmRelease(&obj, u); mutErr != nil {
				return mutErr
			}
			return a.client.Update(ctx, &obj)
		})
	default:
		return fmt.Errorf("unsupported workload kind %q", u.Kind)
	}
	if err != nil {
		return fmt.Errorf("applying %s to %s %s: %w", u.To, u.Kind, u.Target, err)
	}
	return nil
}

func (a *Applier) mutatePodWorkload(meta *metav1.ObjectMeta, podSpec *corev1.PodSpec, u Update) error {
	var found *corev1.Container
	for i := range podSpec.Containers {
		if podSpec.Containers[i].Name == u.Container {
			found = &podSpec.Containers[i]
			break
		}
	}
	if found == nil {
		return fmt.Errorf("container %q not found", u.Container)
	}
	found.Image = u.To
	return a.stamp(meta, u)
}

func (a *Applier) mutateHelmRelease(obj *fluxv2.HelmRelease, u Update) error {
	obj.Spec.Chart.Spec.Version = u.To
	return a.stamp(&obj.ObjectMeta, u)
}

// stamp records the update in the workload's annotations: history prepend
// and the last-update timestamp the interval check reads.
func (a *Applier) stamp(meta *metav1.ObjectMeta, u Update) error {
	h, err := history.Decode(meta.Annotations)
	if err != nil {
		// A corrupt history annotation is replaced rather than blocking
		// updates forever.
		h = nil
	}
	now := a.now().UTC()
	h = h.Prepend(history.Entry{
		Container: u.Container,
		FromImage: u.From,
		ToImage:   u.To,
		Timestamp: now,
		Approver:  u.Approver,
		Source:    u.Source,
	})
	encoded, err := h.Encode()
	if err != nil {
		return err
	}
	if meta.Annotations == nil {
		meta.Annotations = map[string]string{}
	}
	meta.Annotations[constants.UpdateHistoryAnnotation] = encoded
	meta.Annotations[constants.LastUpdateAnnotation] = now.Format(time.RFC3339)
	return nil
}

// LastUpdate reads the last-update annotation, reporting false when the
// workload was never updated or the value is unparsable.
func LastUpdate(annotations map[string]string) (time.Time, bool) {
	raw, ok := annotations[constants.LastUpdateAnnotation]
	if !ok {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
