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

// Package image parses and compares container image references.
package image

import (
	"fmt"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
)

const (
	// DefaultRegistry is assumed when a reference has no registry host.
	DefaultRegistry = "docker.io"

	// DefaultTag is assumed when a reference has neither tag nor digest.
	DefaultTag = "latest"
)

// Reference is a parsed container image reference.
type Reference struct {
	// Registry host, e.g. "docker.io" or "ghcr.io".
	Registry string

	// Repository path without the registry, e.g. "library/nginx".
	Repository string

	// Tag, defaulted to "latest" when absent and no digest is set.
	Tag string

	// Digest, set when the reference pins a digest.
	Digest string
}

// Parse splits an image string into its components. Bare names such as
// "nginx" resolve to docker.io/library/nginx:latest.
func Parse(s string) (Reference, error) {
	if strings.TrimSpace(s) == "" {
		return Reference{}, fmt.Errorf("empty image reference")
	}
	ref, err := name.ParseReference(s, name.WithDefaultRegistry(DefaultRegistry), name.WithDefaultTag(DefaultTag))
	if err != nil {
		return Reference{}, fmt.Errorf("parsing image reference %q: %w", s, err)
	}

	out := Reference{
		Registry:   ref.Context().RegistryStr(),
		Repository: ref.Context().RepositoryStr(),
	}
	switch r := ref.(type) {
	case name.Tag:
		out.Tag = r.TagStr()
	case name.Digest:
		out.Digest = r.DigestStr()
		// "repo:tag@digest" keeps both parts.
		if i := strings.LastIndex(s, "@"); i > 0 {
			if j := strings.LastIndex(s[:i], ":"); j > strings.LastIndex(s[:i], "/") {
				out.Tag = s[j+1 : i]
			}
		}
	}
	return out, nil
}

// String renders the reference in canonical form, omitting the docker.io
// registry and the library/ namespace for official images.
func (r Reference) String() string {
	var b strings.Builder
	repo := r.Repository
	if r.Registry != "" && r.Registry != DefaultRegistry {
		b.WriteString(r.Registry)
		b.WriteByte('/')
	} else {
		repo = strings.TrimPrefix(repo, "library/")
	}
	b.WriteString(repo)
	if r.Tag != "" {
		b.WriteByte(':')
		b.WriteString(r.Tag)
	}
	if r.Digest != "" {
		b.WriteByte('@')
		b.WriteString(r.Digest)
	}
	return b.String()
}

// WithTag returns a copy of the reference pointing at tag, dropping any
// digest pin.
func (r Reference) WithTag(tag string) Reference {
	r.Tag = tag
	r.Digest = ""
	return r
}

// Name is the reference without tag or digest, e.g. "ghcr.io/acme/api".
func (r Reference) Name() string {
	n := r
	n.Tag = ""
	n.Digest = ""
	return n.String()
}

// SameRepository reports whether two references point at the same registry
// and repository, treating docker.io, index.docker.io and registry-1.docker.io
// as one registry and ignoring the library/ namespace.
func (r Reference) SameRepository(other Reference) bool {
	if normalizeRegistry(r.Registry) != normalizeRegistry(other.Registry) {
		return false
	}
	return normalizeRepository(r.Repository) == normalizeRepository(other.Repository)
}

// MatchesEvent reports whether an event for eventRepo (a registry/repository
// string, possibly without registry) concerns this reference.
func (r Reference) MatchesEvent(eventRepo string) bool {
	ev, err := Parse(eventRepo)
	if err != nil {
		return false
	}
	return r.SameRepository(ev)
}

func normalizeRegistry(reg string) string {
	switch reg {
	case "", "docker.io", "index.docker.io", "registry-1.docker.io", "registry.hub.docker.com":
		return DefaultRegistry
	}
	return strings.ToLower(reg)
}

func normalizeRepository(repo string) string {
	return strings.TrimPrefix(repo, "library/")
}
