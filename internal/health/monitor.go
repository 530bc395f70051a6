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

package health

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/types"

	"github.com/headwind-sh/headwind/internal/apply"
	"github.com/headwind-sh/headwind/internal/constants"
	"github.com/headwind-sh/headwind/internal/metrics"
	"github.com/headwind-sh/headwind/internal/notifications"
)

// Target is one update under observation.
type Target struct {
	Kind      string
	Name      types.NamespacedName
	Container string

	// AppliedImage is what was just rolled out, PreviousImage what to roll
	// back to.
	AppliedImage  string
	PreviousImage string

	// Deadline is when the workload must be healthy.
	Deadline time.Time

	// MaxFailures is the consecutive failure count that triggers a rollback
	// before the deadline.
	MaxFailures int

	failures int
}

// Watcher is the interface the controllers use to enqueue targets.
type Watcher interface {
	Watch(t Target)
}

// Monitor periodically evaluates watched targets and rolls back the ones
// that fail. It implements manager.Runnable.
type Monitor struct {
	log      logr.Logger
	checker  *Checker
	applier  *apply.Applier
	notifier notifications.Notifier

	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	targets map[string]*Target
}

// NewMonitor builds a monitor sweeping at the standard interval.
func NewMonitor(log logr.Logger, checker *Checker, applier *apply.Applier, notifier notifications.Notifier) *Monitor {
	return &Monitor{
		log:      log,
		checker:  checker,
		applier:  applier,
		notifier: notifier,
		interval: constants.HealthCheckInterval,
		now:      time.Now,
		targets:  map[string]*Target{},
	}
}

// Watch implements Watcher. Re-watching a workload replaces the previous
// observation, so only the latest update is monitored.
func (m *Monitor) Watch(t Target) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := t.Kind + "/" + t.Name.String() + "/" + t.Container
	m.targets[key] = &t
	m.log.V(1).Info("watching workload after update",
		"kind", t.Kind, "target", t.Name.String(), "container", t.Container, "image", t.AppliedImage)
}

// Start runs the sweep loop until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep evaluates every target once.
func (m *Monitor) sweep(ctx context.Context) {
	m.mu.Lock()
	keys := make([]string, 0, len(m.targets))
	for k := range m.targets {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	for _, key := range keys {
		m.mu.Lock()
		t, ok := m.targets[key]
		m.mu.Unlock()
		if !ok {
			continue
		}

		metrics.HealthChecksTotal.Inc()
		state, reason, err := m.checker.Check(ctx, t.Kind, t.Name, t.Container, t.AppliedImage)
		if err != nil {
			m.log.Error(err, "health check failed", "kind", t.Kind, "target", t.Name.String())
			continue
		}

		switch state {
		case StateHealthy:
			m.log.Info("workload healthy after update", "kind", t.Kind, "target", t.Name.String())
			m.forget(key)
			continue
		case StateFailing:
			metrics.HealthCheckFailures.Inc()
			t.failures++
			m.log.Info("workload unhealthy after update",
				"kind", t.Kind, "target", t.Name.String(), "reason", reason, "failures", t.failures)
		}

		if t.failures >= t.MaxFailures || m.now().After(t.Deadline) {
			m.rollback(ctx, t, reason)
			m.forget(key)
		}
	}
}

func (m *Monitor) rollback(ctx context.Context, t *Target, reason string) {
	if t.PreviousImage == "" {
		m.log.Info("no previous image to roll back to", "kind", t.Kind, "target", t.Name.String())
		metrics.RollbacksFailed.Inc()
		return
	}
	if reason == "" {
		reason = "health deadline exceeded"
	}
	m.log.Info("rolling back failed update",
		"kind", t.Kind, "target", t.Name.String(), "from", t.AppliedImage, "to", t.PreviousImage, "reason", reason)

	err := m.applier.Apply(ctx, apply.Update{
		Kind:      t.Kind,
		Target:    t.Name,
		Container: t.Container,
		From:      t.AppliedImage,
		To:        t.PreviousImage,
		Approver:  constants.AutoRollbackApprover,
	})
	if err != nil {
		metrics.RollbacksFailed.Inc()
		m.log.Error(err, "rollback failed", "kind", t.Kind, "target", t.Name.String())
		return
	}
	metrics.RollbacksTotal.WithLabelValues("automatic").Inc()
	m.notifier.Notify(ctx, notifications.Event{
		Type:      notifications.RollbackPerformed,
		Kind:      t.Kind,
		Namespace: t.Name.Namespace,
		Name:      t.Name.Name,
		Container: t.Container,
		From:      t.AppliedImage,
		To:        t.PreviousImage,
		Approver:  constants.AutoRollbackApprover,
		Reason:    reason,
	})
}

func (m *Monitor) forget(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.targets, key)
}

// watching reports whether any target is under observation, for tests.
func (m *Monitor) watching() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.targets)
}
