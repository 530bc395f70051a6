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

// Package events carries update events from ingestion (webhooks, poller) to
// the workload controllers through a bounded broker.
package events

import (
	"time"

	"github.com/headwind-sh/headwind/internal/policy"
)

// ImageEvent announces a new tag or digest for an image repository.
type ImageEvent struct {
	// Repository is the full repository string, e.g. "ghcr.io/acme/api" or
	// "library/nginx".
	Repository string

	// Tag that was pushed.
	Tag string

	// Digest of the pushed manifest, when known.
	Digest string

	// Source is webhook or polling.
	Source policy.Source

	// ReceivedAt is when the event entered the system.
	ReceivedAt time.Time
}

// ChartEvent announces a new version of a Helm chart.
type ChartEvent struct {
	// Chart name as published in the repository index.
	Chart string

	// Version that became available.
	Version string

	// RepositoryURL of the Helm repository the chart came from.
	RepositoryURL string

	// Source is webhook or polling.
	Source policy.Source

	// ReceivedAt is when the event entered the system.
	ReceivedAt time.Time
}

// Event is either an ImageEvent or a ChartEvent.
type Event struct {
	Image *ImageEvent
	Chart *ChartEvent
}
