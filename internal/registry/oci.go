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

// Package registry talks to OCI image registries and Helm chart
// repositories, with pull-secret credentials, a typed error taxonomy and
// bounded retries.
package registry

import (
	"context"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"

	"github.com/headwind-sh/headwind/internal/constants"
)

// Client is the registry surface the poller and controllers depend on.
type Client interface {
	// ListTags enumerates the tags of an image repository.
	ListTags(ctx context.Context, repository string, kc authn.Keychain) ([]string, error)

	// ResolveDigest returns the manifest digest a tagged reference points at.
	ResolveDigest(ctx context.Context, reference string, kc authn.Keychain) (string, error)
}

type credentialAware interface {
	hasCredentialsFor(host string) bool
}

// OCIClient implements Client against real registries.
type OCIClient struct{}

// NewOCIClient returns a ready Client.
func NewOCIClient() *OCIClient { return &OCIClient{} }

// ListTags enumerates the repository's tags with retry on transient
// failures.
func (c *OCIClient) ListTags(ctx context.Context, repository string, kc authn.Keychain) ([]string, error) {
	repo, err := name.NewRepository(repository, name.WithDefaultRegistry("docker.io"))
	if err != nil {
		return nil, &Error{Class: ClassMalformed, Op: "list tags", Ref: repository, Err: err}
	}

	var tags []string
	err = withRetry(ctx, func() error {
		callCtx, cancel := context.WithTimeout(ctx, constants.RegistryCallTimeout)
		defer cancel()

		tags, err = remote.List(repo, remote.WithContext(callCtx), remote.WithAuthFromKeychain(kc))
		if err != nil {
			return classify("list tags", repository, err, hasCreds(kc, repo.RegistryStr()))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tags, nil
}

// ResolveDigest fetches the digest for a tag via a HEAD request.
func (c *OCIClient) ResolveDigest(ctx context.Context, reference string, kc authn.Keychain) (string, error) {
	ref, err := name.ParseReference(reference, name.WithDefaultRegistry("docker.io"))
	if err != nil {
		return "", &Error{Class: ClassMalformed, Op: "resolve digest", Ref: reference, Err: err}
	}

	var digest string
	err = withRetry(ctx, func() error {
		callCtx, cancel := context.WithTimeout(ctx, constants.RegistryCallTimeout)
		defer cancel()

		desc, err := remote.Head(ref, remote.WithContext(callCtx), remote.WithAuthFromKeychain(kc))
		if err != nil {
			return classify("resolve digest", reference, err, hasCreds(kc, ref.Context().RegistryStr()))
		}
		digest = desc.Digest.String()
		return nil
	})
	if err != nil {
		return "", err
	}
	return digest, nil
}

func hasCreds(kc authn.Keychain, host string) bool {
	if ca, ok := kc.(credentialAware); ok {
		return ca.hasCredentialsFor(host)
	}
	return false
}
