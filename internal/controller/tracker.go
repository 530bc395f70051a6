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

// Package controller contains the workload reconcilers that keep the
// tracked-workload cache current, and the event handler that turns update
// events into applied updates or UpdateRequests.
package controller

import (
	"sync"

	"k8s.io/apimachinery/pkg/types"

	"github.com/headwind-sh/headwind/internal/image"
	"github.com/headwind-sh/headwind/internal/metrics"
	"github.com/headwind-sh/headwind/internal/policy"
)

// TrackedContainer is one container of a tracked pod workload.
type TrackedContainer struct {
	Name string

	// Image is the parsed current image; Raw preserves the exact string
	// from the pod spec.
	Image image.Reference
	Raw   string
}

// TrackedWorkload is the cached view of one annotated workload. Pod
// workloads populate Containers; HelmReleases populate the chart fields.
type TrackedWorkload struct {
	Kind    string
	Target  types.NamespacedName
	Options policy.Options

	Containers []TrackedContainer

	// Chart tracking for HelmReleases.
	Chart        string
	ChartVersion string
	RepoURL      string
	// RepoSecret names the HelmRepository credentials secret, in the
	// repository's namespace.
	RepoSecret    string
	RepoNamespace string

	// Pull credential sources for registry access.
	ServiceAccountName string
	PullSecrets        []string
}

// Key identifies a workload in the tracker.
func (w TrackedWorkload) Key() string {
	return w.Kind + "/" + w.Target.String()
}

// Tracker is the concurrent cache of annotated workloads, fed by the
// reconcilers and read by the event handler and the poller.
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]TrackedWorkload
}

// NewTracker builds an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{entries: map[string]TrackedWorkload{}}
}

// Upsert stores the workload and refreshes the watched gauge.
func (t *Tracker) Upsert(w TrackedWorkload) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[w.Key()] = w
	t.updateGaugeLocked(w.Kind)
}

// Forget drops a workload, typically on deletion.
func (t *Tracker) Forget(kind string, target types.NamespacedName) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, kind+"/"+target.String())
	t.updateGaugeLocked(kind)
}

// Get returns the cached entry, used to keep the previous policy when
// annotations turn invalid.
func (t *Tracker) Get(kind string, target types.NamespacedName) (TrackedWorkload, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	w, ok := t.entries[kind+"/"+target.String()]
	return w, ok
}

// Snapshot copies all entries for iteration without holding the lock.
func (t *Tracker) Snapshot() []TrackedWorkload {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]TrackedWorkload, 0, len(t.entries))
	for _, w := range t.entries {
		out = append(out, w)
	}
	return out
}

func (t *Tracker) updateGaugeLocked(kind string) {
	n := 0
	for _, w := range t.entries {
		if w.Kind == kind && w.Options.Policy.Kind != policy.KindNone {
			n++
		}
	}
	metrics.WatchedWorkloads.WithLabelValues(kind).Set(float64(n))
}
