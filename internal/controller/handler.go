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
	"strings"
	"time"

	retrygo "github.com/avast/retry-go"
	"github.com/go-logr/logr"
	appsv1 "k8s.io/api/apps/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/util/retry"
	"sigs.k8s.io/controller-runtime/pkg/client"

	fluxv2 "github.com/headwind-sh/headwind/api/flux/v2beta1"
	headwindv1alpha1 "github.com/headwind-sh/headwind/api/v1alpha1"
	"github.com/headwind-sh/headwind/internal/apply"
	"github.com/headwind-sh/headwind/internal/constants"
	"github.com/headwind-sh/headwind/internal/events"
	"github.com/headwind-sh/headwind/internal/health"
	"github.com/headwind-sh/headwind/internal/image"
	"github.com/headwind-sh/headwind/internal/metrics"
	"github.com/headwind-sh/headwind/internal/notifications"
	"github.com/headwind-sh/headwind/internal/policy"
)

// +kubebuilder:rbac:groups=headwind.sh,resources=updaterequests,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups=headwind.sh,resources=updaterequests/status,verbs=get;update;patch

// UpdateHandler consumes image and chart events from the broker, matches
// them against tracked workloads and either applies the update directly or
// creates an UpdateRequest for approval.
type UpdateHandler struct {
	Client   client.Client
	Log      logr.Logger
	Tracker  *Tracker
	Applier  *apply.Applier
	Notifier notifications.Notifier
	Health   health.Watcher

	// now and retryDelay are swapped in tests.
	now        func() time.Time
	retryDelay time.Duration
}

// NewUpdateHandler wires the handler.
func NewUpdateHandler(c client.Client, log logr.Logger, tracker *Tracker, applier *apply.Applier,
	notifier notifications.Notifier, watcher health.Watcher) *UpdateHandler {
	return &UpdateHandler{
		Client:   c,
		Log:      log,
		Tracker:  tracker,
		Applier:  applier,
		Notifier: notifier,
		Health:   watcher,
		now:      time.Now,

		retryDelay: time.Second,
	}
}

// Register subscribes the handler to the broker.
func (h *UpdateHandler) Register(b *events.Broker) {
	b.SubscribeImages(h.HandleImage)
	b.SubscribeCharts(h.HandleChart)
}

// HandleImage fans one image event out to every tracked workload running
// that repository.
func (h *UpdateHandler) HandleImage(ctx context.Context, ev events.ImageEvent) {
	evRef, err := image.Parse(ev.Repository)
	if err != nil {
		h.Log.V(1).Info("ignoring event with unparsable repository", "repository", ev.Repository)
		return
	}

	for _, w := range h.Tracker.Snapshot() {
		if w.Chart != "" {
			continue
		}
		if w.Options.Policy.Kind == policy.KindNone || !w.Options.EventSource.Accepts(ev.Source) {
			continue
		}
		for _, c := range w.Containers {
			if !c.Image.SameRepository(evRef) {
				continue
			}
			if !w.Options.TracksImage(c.Name, c.Image.Name()) {
				continue
			}
			qualifies := w.Options.Policy.Decide(c.Image.Tag, ev.Tag)
			// A same-tag event carrying a new digest means the tag was
			// repushed; it updates regardless of the version policy.
			digestMove := !qualifies && ev.Digest != "" &&
				ev.Tag == c.Image.Tag && ev.Digest != c.Image.Digest
			if !qualifies && !digestMove {
				metrics.UpdatesRejected.WithLabelValues("policy").Inc()
				continue
			}
			to := c.Image.WithTag(ev.Tag)
			newTag := ev.Tag
			if digestMove {
				to.Digest = ev.Digest
				newTag = ev.Tag + "-" + shortDigest(ev.Digest)
			}
			start := h.now()
			h.dispatch(ctx, w, c.Name, c.Raw, to.String(), newTag, ev.Source, digestMove)
			metrics.ReconcileDuration.WithLabelValues(w.Kind).Observe(h.now().Sub(start).Seconds())
		}
	}
}

// HandleChart fans one chart event out to tracked HelmReleases of that
// chart.
func (h *UpdateHandler) HandleChart(ctx context.Context, ev events.ChartEvent) {
	for _, w := range h.Tracker.Snapshot() {
		if w.Chart == "" || w.Chart != ev.Chart {
			continue
		}
		if ev.RepositoryURL != "" && w.RepoURL != "" && ev.RepositoryURL != w.RepoURL {
			continue
		}
		if w.Options.Policy.Kind == policy.KindNone || !w.Options.EventSource.Accepts(ev.Source) {
			continue
		}
		if !w.Options.Policy.Decide(w.ChartVersion, ev.Version) {
			metrics.UpdatesRejected.WithLabelValues("policy").Inc()
			continue
		}
		start := h.now()
		h.dispatch(ctx, w, w.Chart, w.ChartVersion, ev.Version, ev.Version, ev.Source, false)
		metrics.ReconcileDuration.WithLabelValues(w.Kind).Observe(h.now().Sub(start).Seconds())
	}
}

// dispatch routes a qualifying update through approval or applies it
// directly. digestMove marks a same-tag digest change, which skips interval
// enforcement like a force update.
func (h *UpdateHandler) dispatch(ctx context.Context, w TrackedWorkload, container, from, to, newTag string, source policy.Source, digestMove bool) {
	log := h.Log.WithValues("kind", w.Kind, "target", w.Target.String(), "container", container, "from", from, "to", to)

	if w.Options.RequireApproval {
		var created bool
		err := h.withRetry(ctx, func() error {
			var opErr error
			created, opErr = h.ensureUpdateRequest(ctx, w, container, from, to, newTag)
			return opErr
		})
		if err != nil {
			log.Error(err, "abandoning update request after repeated failures",
				"attempts", constants.ReconcileRetryAttempts)
			return
		}
		if created {
			log.Info("update request created, awaiting approval")
		}
		return
	}

	// Force and digest repushes bypass interval enforcement.
	if w.Options.Policy.Kind != policy.KindForce && !digestMove {
		if last, ok := h.lastUpdate(ctx, w); ok && h.now().Sub(last) < w.Options.MinUpdateInterval {
			metrics.UpdatesSkippedInterval.Inc()
			log.V(1).Info("skipping update, minimum interval not elapsed", "lastUpdate", last)
			return
		}
	}

	h.Notifier.Notify(ctx, notifications.Event{
		Type: notifications.UpdateDetected,
		Kind: w.Kind, Namespace: w.Target.Namespace, Name: w.Target.Name,
		Container: container, From: from, To: to,
	})

	err := h.Applier.Apply(ctx, apply.Update{
		Kind:      w.Kind,
		Target:    w.Target,
		Container: container,
		From:      from,
		To:        to,
		Source:    string(source),
	})
	if err != nil {
		metrics.UpdatesFailed.WithLabelValues(w.Kind).Inc()
		log.Error(err, "failed to apply update")
		h.Notifier.Notify(ctx, notifications.Event{
			Type: notifications.UpdateFailed,
			Kind: w.Kind, Namespace: w.Target.Namespace, Name: w.Target.Name,
			Container: container, From: from, To: to, Reason: err.Error(),
		})
		return
	}

	metrics.UpdatesApplied.WithLabelValues(w.Kind).Inc()
	log.Info("update applied")
	h.Notifier.Notify(ctx, notifications.Event{
		Type: notifications.UpdateApplied,
		Kind: w.Kind, Namespace: w.Target.Namespace, Name: w.Target.Name,
		Container: container, From: from, To: to,
	})

	if w.Options.AutoRollback {
		h.Health.Watch(health.Target{
			Kind:          w.Kind,
			Name:          w.Target,
			Container:     container,
			AppliedImage:  to,
			PreviousImage: from,
			Deadline:      h.now().Add(w.Options.RollbackTimeout),
			MaxFailures:   w.Options.HealthCheckRetries,
		})
	}
}

// ensureUpdateRequest creates the deterministic UpdateRequest for the
// candidate, or refreshes lastUpdated when it already exists and is still
// pending. Terminal requests are left alone, so a rejection suppresses
// re-proposal of the same version.
func (h *UpdateHandler) ensureUpdateRequest(ctx context.Context, w TrackedWorkload, container, from, to, newTag string) (bool, error) {
	name := headwindv1alpha1.UpdateRequestName(w.Kind, w.Target.Name, container, newTag)
	key := types.NamespacedName{Namespace: w.Target.Namespace, Name: name}

	var existing headwindv1alpha1.UpdateRequest
	err := h.Client.Get(ctx, key, &existing)
	if err == nil {
		if existing.Status.Phase != headwindv1alpha1.PhasePending {
			return false, nil
		}
		return false, retry.RetryOnConflict(retry.DefaultRetry, func() error {
			var ur headwindv1alpha1.UpdateRequest
			if getErr := h.Client.Get(ctx, key, &ur); getErr != nil {
				return getErr
			}
			if ur.Status.Phase != headwindv1alpha1.PhasePending {
				return nil
			}
			ur.Status.LastUpdated = &metav1.Time{Time: h.now()}
			return h.Client.Status().Update(ctx, &ur)
		})
	}
	if !apierrors.IsNotFound(err) {
		return false, err
	}

	updateType := headwindv1alpha1.UpdateTypeImage
	if w.Kind == "HelmRelease" {
		updateType = headwindv1alpha1.UpdateTypeHelmChart
	}
	ur := &headwindv1alpha1.UpdateRequest{
		ObjectMeta: metav1.ObjectMeta{Namespace: key.Namespace, Name: key.Name},
		Spec: headwindv1alpha1.UpdateRequestSpec{
			TargetRef: headwindv1alpha1.TargetRef{
				Kind:      w.Kind,
				Namespace: w.Target.Namespace,
				Name:      w.Target.Name,
			},
			UpdateType:    updateType,
			ContainerName: container,
			CurrentImage:  from,
			NewImage:      to,
			PolicyKind:    string(w.Options.Policy.Kind),
		},
	}
	if err := h.Client.Create(ctx, ur); err != nil {
		if apierrors.IsAlreadyExists(err) {
			// Lost the race with another event for the same candidate.
			return false, nil
		}
		return false, err
	}

	now := metav1.Time{Time: h.now()}
	ur.Status.Phase = headwindv1alpha1.PhasePending
	ur.Status.CreatedAt = &now
	ur.Status.LastUpdated = &now
	if err := h.Client.Status().Update(ctx, ur); err != nil {
		return true, err
	}

	h.Notifier.Notify(ctx, notifications.Event{
		Type: notifications.ApprovalRequested,
		Kind: w.Kind, Namespace: w.Target.Namespace, Name: w.Target.Name,
		Container: container, From: from, To: to,
		RequestName: name,
	})
	h.Notifier.Notify(ctx, notifications.Event{
		Type: notifications.UpdateDetected,
		Kind: w.Kind, Namespace: w.Target.Namespace, Name: w.Target.Name,
		Container: container, From: from, To: to,
	})
	return true, nil
}

// lastUpdate reads the live last-update annotation of the workload.
func (h *UpdateHandler) lastUpdate(ctx context.Context, w TrackedWorkload) (time.Time, bool) {
	var obj client.Object
	switch w.Kind {
	case "Deployment":
		obj = &appsv1.Deployment{}
	case "StatefulSet":
		obj = &appsv1.StatefulSet{}
	case "DaemonSet":
		obj = &appsv1.DaemonSet{}
	case "HelmRelease":
		obj = &fluxv2.HelmRelease{}
	default:
		return time.Time{}, false
	}
	if err := h.Client.Get(ctx, w.Target, obj); err != nil {
		return time.Time{}, false
	}
	return apply.LastUpdate(obj.GetAnnotations())
}

// withRetry runs op with exponential backoff, giving up after five
// consecutive failures.
func (h *UpdateHandler) withRetry(ctx context.Context, op func() error) error {
	return retrygo.Do(
		op,
		retrygo.Context(ctx),
		retrygo.Attempts(uint(constants.ReconcileRetryAttempts)),
		retrygo.Delay(h.retryDelay),
		retrygo.DelayType(retrygo.BackOffDelay),
		retrygo.LastErrorOnly(true),
	)
}

// shortDigest abbreviates a sha256 digest for use in request names.
func shortDigest(d string) string {
	d = strings.TrimPrefix(d, "sha256:")
	if len(d) > 12 {
		d = d[:12]
	}
	return d
}
