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

package policy

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/headwind-sh/headwind/internal/constants"
)

// Source tells where an update event originated.
type Source string

const (
	SourceWebhook Source = "webhook"
	SourcePoller  Source = "polling"
)

// SourceFilter restricts which event sources a workload reacts to.
type SourceFilter string

const (
	FilterWebhook SourceFilter = "webhook"
	FilterPolling SourceFilter = "polling"
	FilterBoth    SourceFilter = "both"
	FilterNone    SourceFilter = "none"
)

// Accepts reports whether events from src pass the filter.
func (f SourceFilter) Accepts(src Source) bool {
	switch f {
	case FilterBoth, "":
		return true
	case FilterNone:
		return false
	case FilterWebhook:
		return src == SourceWebhook
	case FilterPolling:
		return src == SourcePoller
	}
	return false
}

// Options is everything the headwind.sh annotations configure on a workload.
type Options struct {
	Policy Policy

	// RequireApproval routes updates through an UpdateRequest.
	RequireApproval bool

	// MinUpdateInterval is the minimum gap between applied updates.
	MinUpdateInterval time.Duration

	// PollingInterval overrides the global polling interval; zero means use
	// the global value.
	PollingInterval time.Duration

	// EventSource filters which event sources may trigger updates.
	EventSource SourceFilter

	// Images restricts tracking to the named containers or image
	// repositories; empty tracks every container.
	Images []string

	// AutoRollback enables post-update health monitoring with rollback.
	AutoRollback bool

	// RollbackTimeout is how long the workload has to become healthy.
	RollbackTimeout time.Duration

	// HealthCheckRetries is the consecutive failure count that triggers a
	// rollback.
	HealthCheckRetries int
}

// Default returns the options an unannotated workload gets: no updates,
// approval required, webhook events only.
func Default() Options {
	return Options{
		Policy:             None,
		RequireApproval:    true,
		MinUpdateInterval:  constants.DefaultMinUpdateInterval,
		EventSource:        FilterWebhook,
		RollbackTimeout:    constants.DefaultRollbackTimeout,
		HealthCheckRetries: constants.DefaultHealthCheckRetries,
	}
}

// ParseOptions reads the headwind.sh annotations into Options. On error the
// caller is expected to keep the previously valid options and surface the
// error as a status condition.
func ParseOptions(annotations map[string]string) (Options, error) {
	opts := Default()
	if len(annotations) == 0 {
		return opts, nil
	}

	var err error
	opts.Policy, err = Parse(annotations[constants.PolicyAnnotation], annotations[constants.PatternAnnotation])
	if err != nil {
		return Default(), err
	}

	if v, ok := annotations[constants.RequireApprovalAnnotation]; ok {
		opts.RequireApproval, err = strconv.ParseBool(v)
		if err != nil {
			return Default(), fmt.Errorf("parsing %s: %w", constants.RequireApprovalAnnotation, err)
		}
	}
	if v, ok := annotations[constants.MinUpdateIntervalAnnotation]; ok {
		opts.MinUpdateInterval, err = parseSeconds(constants.MinUpdateIntervalAnnotation, v)
		if err != nil {
			return Default(), err
		}
	}
	if v, ok := annotations[constants.PollingIntervalAnnotation]; ok {
		opts.PollingInterval, err = parseSeconds(constants.PollingIntervalAnnotation, v)
		if err != nil {
			return Default(), err
		}
	}
	if v, ok := annotations[constants.EventSourceAnnotation]; ok {
		f := SourceFilter(strings.ToLower(strings.TrimSpace(v)))
		switch f {
		case FilterWebhook, FilterPolling, FilterBoth, FilterNone:
			opts.EventSource = f
		default:
			return Default(), fmt.Errorf("parsing %s: unknown source %q", constants.EventSourceAnnotation, v)
		}
	}
	if v, ok := annotations[constants.ImagesAnnotation]; ok {
		opts.Images = lo.FilterMap(strings.Split(v, ","), func(s string, _ int) (string, bool) {
			s = strings.TrimSpace(s)
			return s, s != ""
		})
	}
	if v, ok := annotations[constants.AutoRollbackAnnotation]; ok {
		opts.AutoRollback, err = strconv.ParseBool(v)
		if err != nil {
			return Default(), fmt.Errorf("parsing %s: %w", constants.AutoRollbackAnnotation, err)
		}
	}
	if v, ok := annotations[constants.RollbackTimeoutAnnotation]; ok {
		opts.RollbackTimeout, err = parseSeconds(constants.RollbackTimeoutAnnotation, v)
		if err != nil {
			return Default(), err
		}
	}
	if v, ok := annotations[constants.HealthCheckRetriesAnnotation]; ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n < 1 {
			return Default(), fmt.Errorf("parsing %s: %q is not a positive integer", constants.HealthCheckRetriesAnnotation, v)
		}
		opts.HealthCheckRetries = n
	}
	return opts, nil
}

// TracksImage reports whether the options track the given container name or
// image repository. An empty images list tracks everything.
func (o Options) TracksImage(containerName, imageName string) bool {
	if len(o.Images) == 0 {
		return true
	}
	return lo.SomeBy(o.Images, func(s string) bool {
		return s == containerName || s == imageName
	})
}

func parseSeconds(key, v string) (time.Duration, error) {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("parsing %s: %q is not a non-negative integer", key, v)
	}
	return time.Duration(n) * time.Second, nil
}
