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

package v1alpha1

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

const maxNameLength = 63

// UpdateRequestName builds the deterministic name under which a proposed
// update is stored, so that re-detecting the same candidate coalesces onto
// the existing request instead of creating a duplicate.
//
// A Deployment "nginx" whose container "nginx" should move to tag 1.26.0
// yields "nginx-update-1-26-0". The container segment is only included when
// it differs from the resource name, and non-Deployment kinds are prefixed
// with their lowercase kind to keep names unique across kinds.
func UpdateRequestName(kind, resource, container, newTag string) string {
	parts := make([]string, 0, 4)
	if k := strings.ToLower(kind); k != "" && k != "deployment" {
		parts = append(parts, sanitizeNameSegment(k))
	}
	parts = append(parts, sanitizeNameSegment(resource))
	if container != "" && container != resource {
		parts = append(parts, sanitizeNameSegment(container))
	}
	parts = append(parts, "update", sanitizeNameSegment(newTag))

	name := strings.Join(parts, "-")
	if len(name) > maxNameLength {
		// Keep determinism under the DNS label limit by hashing the full name.
		sum := sha256.Sum256([]byte(name))
		suffix := fmt.Sprintf("-%x", sum[:4])
		name = name[:maxNameLength-len(suffix)] + suffix
	}
	return strings.Trim(name, "-")
}

// sanitizeNameSegment lowers a free-form segment (typically an image tag)
// into DNS label characters.
func sanitizeNameSegment(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
