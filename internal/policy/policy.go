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

// Package policy decides whether a candidate tag qualifies as an update for
// a workload, based on the headwind.sh annotations on the workload.
package policy

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/gobwas/glob"
)

// Kind enumerates the update policies a workload can opt into.
type Kind string

const (
	// KindNone disables updates. This is the default.
	KindNone Kind = "none"
	// KindPatch accepts greater patch versions within the same major.minor.
	KindPatch Kind = "patch"
	// KindMinor accepts greater minor or patch versions within the same major.
	KindMinor Kind = "minor"
	// KindMajor accepts any greater semver version.
	KindMajor Kind = "major"
	// KindAll accepts any tag different from the current one.
	KindAll Kind = "all"
	// KindGlob accepts tags matching the headwind.sh/pattern annotation.
	KindGlob Kind = "glob"
	// KindForce accepts any tag different from the current one, bypassing
	// interval enforcement.
	KindForce Kind = "force"
)

// Policy is the parsed update policy of a workload.
type Policy struct {
	Kind Kind

	// Pattern is the raw glob pattern, set for KindGlob only.
	Pattern string

	matcher glob.Glob
}

// None is the policy that never updates.
var None = Policy{Kind: KindNone}

// Parse builds a Policy from the annotation values. pattern is only
// consulted for the glob kind and must be non-empty and valid there.
func Parse(kind, pattern string) (Policy, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(kind)))
	switch k {
	case "":
		return None, nil
	case KindNone, KindPatch, KindMinor, KindMajor, KindAll, KindForce:
		return Policy{Kind: k}, nil
	case KindGlob:
		if pattern == "" {
			return None, fmt.Errorf("policy %q requires a pattern annotation", KindGlob)
		}
		m, err := glob.Compile(pattern)
		if err != nil {
			return None, fmt.Errorf("compiling pattern %q: %w", pattern, err)
		}
		return Policy{Kind: KindGlob, Pattern: pattern, matcher: m}, nil
	default:
		return None, fmt.Errorf("unknown policy %q", kind)
	}
}

// Semver reports whether the policy compares versions as semver.
func (p Policy) Semver() bool {
	switch p.Kind {
	case KindPatch, KindMinor, KindMajor:
		return true
	}
	return false
}

// Decide reports whether candidate qualifies as an update from current under
// this policy. Non-semver tags never qualify under semver policies; candidate
// pre-releases only qualify when the current version is a pre-release of the
// same major.minor.patch.
func (p Policy) Decide(current, candidate string) bool {
	if candidate == "" || candidate == current {
		return false
	}
	switch p.Kind {
	case KindNone:
		return false
	case KindForce, KindAll:
		return true
	case KindGlob:
		return p.matcher != nil && p.matcher.Match(candidate)
	}

	cur, err := semver.NewVersion(current)
	if err != nil {
		return false
	}
	cand, err := semver.NewVersion(candidate)
	if err != nil {
		return false
	}
	if cand.Prerelease() != "" {
		// Pre-release candidates only qualify while the workload is already
		// on a pre-release of the same major.minor.patch.
		if cur.Prerelease() == "" ||
			cand.Major() != cur.Major() || cand.Minor() != cur.Minor() || cand.Patch() != cur.Patch() {
			return false
		}
	}
	if !cand.GreaterThan(cur) {
		return false
	}
	switch p.Kind {
	case KindPatch:
		return cand.Major() == cur.Major() && cand.Minor() == cur.Minor()
	case KindMinor:
		return cand.Major() == cur.Major()
	case KindMajor:
		return true
	}
	return false
}

// SelectBest picks the single best qualifying candidate, or "" when none
// qualifies. Semver policies return the semver maximum. Glob, all and force
// prefer the semver maximum among qualifying candidates that parse as semver,
// and fall back to the lexicographic maximum otherwise. The returned tag is
// the original candidate string, so a v prefix survives selection.
func (p Policy) SelectBest(current string, candidates []string) string {
	var (
		bestTag string
		bestVer *semver.Version
		bestLex string
	)
	for _, c := range candidates {
		if !p.Decide(current, c) {
			continue
		}
		if v, err := semver.NewVersion(c); err == nil {
			if bestVer == nil || v.GreaterThan(bestVer) {
				bestVer, bestTag = v, c
			}
			continue
		}
		if c > bestLex {
			bestLex = c
		}
	}
	if bestTag != "" {
		return bestTag
	}
	if p.Semver() {
		return ""
	}
	return bestLex
}
