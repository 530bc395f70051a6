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

package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	gocache "github.com/patrickmn/go-cache"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// dockerHubAliases are the registry hosts that all mean Docker Hub in
// credential lookups.
var dockerHubAliases = map[string]struct{}{
	"docker.io":                   {},
	"index.docker.io":             {},
	"registry-1.docker.io":        {},
	"registry.hub.docker.com":     {},
	"https://index.docker.io/v1/": {},
}

// Keychain resolves registry credentials from the image pull secrets of the
// workload being updated, falling back to its service account's pull
// secrets. Parsed credentials are cached briefly so polling cycles do not
// hammer the API server.
type Keychain struct {
	client client.Client
	cache  *gocache.Cache
}

// NewKeychain builds a keychain backed by the given cluster client.
func NewKeychain(c client.Client) *Keychain {
	return &Keychain{
		client: c,
		cache:  gocache.New(5*time.Minute, 10*time.Minute),
	}
}

// ForWorkload resolves the credentials visible to a pod spec: its explicit
// imagePullSecrets plus those of its service account. Missing secrets are
// skipped rather than failing the whole lookup.
func (k *Keychain) ForWorkload(ctx context.Context, namespace string, podSpec *corev1.PodSpec) (authn.Keychain, error) {
	names := make([]string, 0, 4)
	for _, ref := range podSpec.ImagePullSecrets {
		names = append(names, ref.Name)
	}

	saName := podSpec.ServiceAccountName
	if saName == "" {
		saName = "default"
	}
	var sa corev1.ServiceAccount
	if err := k.client.Get(ctx, types.NamespacedName{Namespace: namespace, Name: saName}, &sa); err == nil {
		for _, ref := range sa.ImagePullSecrets {
			names = append(names, ref.Name)
		}
	} else if !apierrors.IsNotFound(err) {
		return nil, fmt.Errorf("getting service account %s/%s: %w", namespace, saName, err)
	}

	if len(names) == 0 {
		return staticKeychain{}, nil
	}

	key := cacheKey(namespace, names)
	if cached, ok := k.cache.Get(key); ok {
		return cached.(staticKeychain), nil
	}

	entries := map[string]authn.AuthConfig{}
	for _, name := range names {
		var secret corev1.Secret
		if err := k.client.Get(ctx, types.NamespacedName{Namespace: namespace, Name: name}, &secret); err != nil {
			if apierrors.IsNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("getting pull secret %s/%s: %w", namespace, name, err)
		}
		parsed, err := parsePullSecret(&secret)
		if err != nil {
			// A malformed secret must not block the others.
			continue
		}
		for host, cfg := range parsed {
			if _, exists := entries[normalizeHost(host)]; !exists {
				entries[normalizeHost(host)] = cfg
			}
		}
	}

	kc := staticKeychain{entries: entries}
	k.cache.Set(key, kc, gocache.DefaultExpiration)
	return kc, nil
}

// parsePullSecret reads both the modern dockerconfigjson format and the
// legacy dockercfg format.
func parsePullSecret(secret *corev1.Secret) (map[string]authn.AuthConfig, error) {
	if data, ok := secret.Data[corev1.DockerConfigJsonKey]; ok {
		var cfg struct {
			Auths map[string]authn.AuthConfig `json:"auths"`
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", corev1.DockerConfigJsonKey, err)
		}
		return cfg.Auths, nil
	}
	if data, ok := secret.Data[corev1.DockerConfigKey]; ok {
		var auths map[string]authn.AuthConfig
		if err := json.Unmarshal(data, &auths); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", corev1.DockerConfigKey, err)
		}
		return auths, nil
	}
	return nil, fmt.Errorf("secret %s/%s has no docker config key", secret.Namespace, secret.Name)
}

// staticKeychain serves credentials from a fixed host map. The zero value
// resolves everything anonymously.
type staticKeychain struct {
	entries map[string]authn.AuthConfig
}

// Resolve implements authn.Keychain.
func (s staticKeychain) Resolve(target authn.Resource) (authn.Authenticator, error) {
	host := normalizeHost(target.RegistryStr())
	if cfg, ok := s.entries[host]; ok {
		return authn.FromConfig(cfg), nil
	}
	return authn.Anonymous, nil
}

// hasCredentialsFor reports whether the keychain carries an entry for the
// registry host, used to classify 401 responses.
func (s staticKeychain) hasCredentialsFor(host string) bool {
	_, ok := s.entries[normalizeHost(host)]
	return ok
}

func normalizeHost(host string) string {
	h := strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(host, "https://"), "http://"), "/")
	if _, ok := dockerHubAliases[host]; ok {
		return "index.docker.io"
	}
	if _, ok := dockerHubAliases[h]; ok {
		return "index.docker.io"
	}
	// Strip a /v1/ style path suffix left by legacy configs.
	if i := strings.Index(h, "/"); i > 0 {
		h = h[:i]
	}
	return strings.ToLower(h)
}

func cacheKey(namespace string, names []string) string {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	return namespace + "/" + strings.Join(sorted, ",")
}
