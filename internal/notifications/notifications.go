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

// Package notifications delivers update lifecycle events to external sinks.
// Delivery is fire-and-forget with a bounded retry; a failing sink never
// blocks or fails an update.
package notifications

import (
	"context"
	"fmt"
	"time"
)

// EventType enumerates the notification events.
type EventType string

const (
	UpdateDetected    EventType = "UpdateDetected"
	UpdateApplied     EventType = "UpdateApplied"
	UpdateFailed      EventType = "UpdateFailed"
	ApprovalRequested EventType = "ApprovalRequested"
	UpdateApproved    EventType = "UpdateApproved"
	UpdateRejected    EventType = "UpdateRejected"
	RollbackPerformed EventType = "RollbackPerformed"
)

// Event is one notification.
type Event struct {
	Type EventType

	// Workload coordinates.
	Kind      string
	Namespace string
	Name      string
	Container string

	// From and To are images or chart versions.
	From string
	To   string

	// Approver, for approval and rollback events.
	Approver string

	// Reason, for rejections and failures.
	Reason string

	// RequestName is the UpdateRequest name for approval events.
	RequestName string

	Timestamp time.Time
}

// Title renders a short human-readable summary line.
func (e Event) Title() string {
	target := fmt.Sprintf("%s %s/%s", e.Kind, e.Namespace, e.Name)
	switch e.Type {
	case UpdateDetected:
		return fmt.Sprintf("Update available for %s: %s -> %s", target, e.From, e.To)
	case UpdateApplied:
		return fmt.Sprintf("Updated %s: %s -> %s", target, e.From, e.To)
	case UpdateFailed:
		return fmt.Sprintf("Update failed for %s: %s", target, e.Reason)
	case ApprovalRequested:
		return fmt.Sprintf("Approval required for %s: %s -> %s", target, e.From, e.To)
	case UpdateApproved:
		return fmt.Sprintf("Update approved for %s by %s", target, e.Approver)
	case UpdateRejected:
		return fmt.Sprintf("Update rejected for %s: %s", target, e.Reason)
	case RollbackPerformed:
		return fmt.Sprintf("Rolled back %s to %s", target, e.To)
	}
	return fmt.Sprintf("%s: %s", e.Type, target)
}

// Notifier is what the rest of the operator depends on.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// Sink is one delivery backend.
type Sink interface {
	// Name identifies the provider in logs and metrics.
	Name() string

	// Send delivers the event, returning an error to trigger a retry.
	Send(ctx context.Context, ev Event) error
}

// Discard is a Notifier that drops everything, for tests and disabled
// configurations.
type Discard struct{}

func (Discard) Notify(context.Context, Event) {}
