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

package notifications

import (
	"context"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-logr/logr"

	"github.com/headwind-sh/headwind/internal/metrics"
)

// Manager fans an event out to every configured sink. Notify returns
// immediately; delivery happens on a worker goroutine per call with up to
// three attempts per sink.
type Manager struct {
	log   logr.Logger
	sinks []Sink

	// sendTimeout bounds a single delivery attempt.
	sendTimeout time.Duration
}

// NewManager builds a manager over the given sinks.
func NewManager(log logr.Logger, sinks ...Sink) *Manager {
	return &Manager{
		log:         log,
		sinks:       sinks,
		sendTimeout: 10 * time.Second,
	}
}

// Notify implements Notifier.
func (m *Manager) Notify(_ context.Context, ev Event) {
	if len(m.sinks) == 0 {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	// Detached from the caller's context: an update's lifecycle must not be
	// tied to notification delivery.
	go m.deliver(context.Background(), ev)
}

func (m *Manager) deliver(ctx context.Context, ev Event) {
	for _, sink := range m.sinks {
		err := retry.Do(
			func() error {
				sendCtx, cancel := context.WithTimeout(ctx, m.sendTimeout)
				defer cancel()
				return sink.Send(sendCtx, ev)
			},
			retry.Attempts(3),
			retry.Delay(time.Second),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
		)
		if err != nil {
			metrics.NotificationsFailed.WithLabelValues(sink.Name()).Inc()
			m.log.Error(err, "notification delivery failed", "provider", sink.Name(), "event", string(ev.Type))
			continue
		}
		metrics.NotificationsSent.WithLabelValues(sink.Name()).Inc()
	}
}
