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

package image

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  Reference
	}{
		{
			name:  "bare official image",
			input: "nginx",
			want:  Reference{Registry: "docker.io", Repository: "library/nginx", Tag: "latest"},
		},
		{
			name:  "official image with tag",
			input: "nginx:1.25.3",
			want:  Reference{Registry: "docker.io", Repository: "library/nginx", Tag: "1.25.3"},
		},
		{
			name:  "namespaced image",
			input: "grafana/grafana:10.2.0",
			want:  Reference{Registry: "docker.io", Repository: "grafana/grafana", Tag: "10.2.0"},
		},
		{
			name:  "custom registry",
			input: "ghcr.io/acme/api:v2.1.0",
			want:  Reference{Registry: "ghcr.io", Repository: "acme/api", Tag: "v2.1.0"},
		},
		{
			name:  "registry with port",
			input: "registry.local:5000/team/app:1.0",
			want:  Reference{Registry: "registry.local:5000", Repository: "team/app", Tag: "1.0"},
		},
		{
			name:  "digest pinned",
			input: "ghcr.io/acme/api@sha256:0000000000000000000000000000000000000000000000000000000000000000",
			want: Reference{
				Registry:   "ghcr.io",
				Repository: "acme/api",
				Digest:     "sha256:0000000000000000000000000000000000000000000000000000000000000000",
			},
		},
		{
			name:  "tag and digest",
			input: "ghcr.io/acme/api:v1.2.3@sha256:0000000000000000000000000000000000000000000000000000000000000000",
			want: Reference{
				Registry:   "ghcr.io",
				Repository: "acme/api",
				Tag:        "v1.2.3",
				Digest:     "sha256:0000000000000000000000000000000000000000000000000000000000000000",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseEmpty(t *testing.T) {
	_, err := Parse("  ")
	require.Error(t, err)
}

func TestString(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"nginx:1.25.3", "nginx:1.25.3"},
		{"docker.io/library/nginx:1.25.3", "nginx:1.25.3"},
		{"grafana/grafana:10.2.0", "grafana/grafana:10.2.0"},
		{"ghcr.io/acme/api:v2.1.0", "ghcr.io/acme/api:v2.1.0"},
	}
	for _, tt := range tests {
		ref, err := Parse(tt.input)
		require.NoError(t, err)
		assert.Equal(t, tt.want, ref.String())
	}
}

func TestWithTag(t *testing.T) {
	ref, err := Parse("ghcr.io/acme/api:v1.0.0@sha256:0000000000000000000000000000000000000000000000000000000000000000")
	require.NoError(t, err)

	next := ref.WithTag("v1.1.0")
	assert.Equal(t, "ghcr.io/acme/api:v1.1.0", next.String())
	assert.Empty(t, next.Digest)
}

func TestSameRepository(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"nginx:1.25", "library/nginx:1.26", true},
		{"nginx:1.25", "index.docker.io/library/nginx:1.26", true},
		{"nginx:1.25", "registry-1.docker.io/library/nginx", true},
		{"grafana/grafana:10.0", "grafana/grafana:11.0", true},
		{"nginx", "ghcr.io/library/nginx", false},
		{"ghcr.io/acme/api", "ghcr.io/acme/api:v9", true},
		{"ghcr.io/acme/api", "ghcr.io/acme/web", false},
	}
	for _, tt := range tests {
		a, err := Parse(tt.a)
		require.NoError(t, err)
		b, err := Parse(tt.b)
		require.NoError(t, err)
		assert.Equalf(t, tt.want, a.SameRepository(b), "%s vs %s", tt.a, tt.b)
	}
}

func TestMatchesEvent(t *testing.T) {
	ref, err := Parse("nginx:1.25.3")
	require.NoError(t, err)

	assert.True(t, ref.MatchesEvent("nginx"))
	assert.True(t, ref.MatchesEvent("library/nginx"))
	assert.False(t, ref.MatchesEvent("bitnami/nginx"))
	assert.False(t, ref.MatchesEvent(""))
}
