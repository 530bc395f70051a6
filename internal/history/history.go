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

// Package history encodes the per-workload update history stored in the
// headwind.sh/update-history annotation. Entries are newest first and capped
// per container, so the annotation stays bounded.
package history

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/headwind-sh/headwind/internal/constants"
)

// Entry records one applied update for one container.
type Entry struct {
	// Container the update was applied to. For HelmRelease targets this is
	// the chart name.
	Container string `json:"container"`

	// FromImage is the image (or chart version) before the update.
	FromImage string `json:"fromImage"`

	// ToImage is the image (or chart version) after the update.
	ToImage string `json:"toImage"`

	// Timestamp of the apply.
	Timestamp time.Time `json:"timestamp"`

	// Approver, when the update went through an UpdateRequest or rollback.
	Approver string `json:"approver,omitempty"`

	// Source is webhook or polling.
	Source string `json:"source,omitempty"`
}

// History is the ordered list of entries, newest first.
type History []Entry

// Decode reads the history annotation. A missing annotation is an empty
// history; a malformed one is an error so callers can decide whether to
// reset it.
func Decode(annotations map[string]string) (History, error) {
	raw, ok := annotations[constants.UpdateHistoryAnnotation]
	if !ok || raw == "" {
		return nil, nil
	}
	var h History
	if err := json.Unmarshal([]byte(raw), &h); err != nil {
		return nil, fmt.Errorf("decoding %s annotation: %w", constants.UpdateHistoryAnnotation, err)
	}
	return h, nil
}

// Encode renders the history for storage in the annotation.
func (h History) Encode() (string, error) {
	b, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("encoding update history: %w", err)
	}
	return string(b), nil
}

// Prepend adds an entry at the front and trims the entry's container to the
// per-container cap. Other containers' entries are untouched.
func (h History) Prepend(e Entry) History {
	out := make(History, 0, len(h)+1)
	out = append(out, e)
	kept := 1
	for _, old := range h {
		if old.Container == e.Container {
			if kept >= constants.MaxHistoryEntriesPerContainer {
				continue
			}
			kept++
		}
		out = append(out, old)
	}
	return out
}

// Previous returns the most recent entry for the container, which carries
// the image to roll back to in FromImage.
func (h History) Previous(container string) (Entry, bool) {
	for _, e := range h {
		if e.Container == container {
			return e, true
		}
	}
	return Entry{}, false
}

// ForContainer returns the container's entries, newest first.
func (h History) ForContainer(container string) []Entry {
	var out []Entry
	for _, e := range h {
		if e.Container == container {
			out = append(out, e)
		}
	}
	return out
}

// At returns the container's entry at the given index (0 is newest), for
// manual rollback to an arbitrary point.
func (h History) At(container string, index int) (Entry, bool) {
	if index < 0 {
		return Entry{}, false
	}
	entries := h.ForContainer(container)
	if index >= len(entries) {
		return Entry{}, false
	}
	return entries[index], true
}
