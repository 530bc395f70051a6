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
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/go-containerregistry/pkg/authn"
	"helm.sh/helm/v3/pkg/repo"
	"sigs.k8s.io/yaml"

	"github.com/headwind-sh/headwind/internal/constants"
)

// HelmCredentials is basic auth for a classic chart repository.
type HelmCredentials struct {
	Username string
	Password string
}

// ChartLister enumerates published versions of a Helm chart.
type ChartLister interface {
	ListChartVersions(ctx context.Context, repoURL, chart string, creds *HelmCredentials, kc authn.Keychain) ([]string, error)
}

// HelmClient lists chart versions from classic index.yaml repositories and,
// for oci:// repository URLs, from OCI registries where chart versions are
// stored as tags.
type HelmClient struct {
	httpClient *http.Client
	oci        Client
}

// NewHelmClient builds a chart lister delegating OCI repositories to oci.
func NewHelmClient(oci Client) *HelmClient {
	return &HelmClient{
		httpClient: &http.Client{Timeout: constants.RegistryCallTimeout},
		oci:        oci,
	}
}

// ListChartVersions returns the chart's published versions, newest ordering
// not guaranteed.
func (c *HelmClient) ListChartVersions(ctx context.Context, repoURL, chart string, creds *HelmCredentials, kc authn.Keychain) ([]string, error) {
	if strings.HasPrefix(repoURL, "oci://") {
		repository := strings.TrimSuffix(strings.TrimPrefix(repoURL, "oci://"), "/") + "/" + chart
		return c.oci.ListTags(ctx, repository, kc)
	}

	var versions []string
	err := withRetry(ctx, func() error {
		idx, err := c.fetchIndex(ctx, repoURL, creds)
		if err != nil {
			return err
		}
		entries, ok := idx.Entries[chart]
		if !ok {
			return &Error{Class: ClassNotFound, Op: "list chart versions", Ref: chart,
				Err: fmt.Errorf("chart not present in index of %s", repoURL)}
		}
		versions = versions[:0]
		for _, cv := range entries {
			if cv != nil && cv.Version != "" {
				versions = append(versions, cv.Version)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return versions, nil
}

func (c *HelmClient) fetchIndex(ctx context.Context, repoURL string, creds *HelmCredentials) (*repo.IndexFile, error) {
	indexURL := strings.TrimSuffix(repoURL, "/") + "/index.yaml"

	callCtx, cancel := context.WithTimeout(ctx, constants.RegistryCallTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, indexURL, nil)
	if err != nil {
		return nil, &Error{Class: ClassMalformed, Op: "fetch index", Ref: repoURL, Err: err}
	}
	if creds != nil {
		req.SetBasicAuth(creds.Username, creds.Password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Class: ClassTransient, Op: "fetch index", Ref: repoURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus("fetch index", repoURL, resp.StatusCode, creds != nil)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Class: ClassTransient, Op: "fetch index", Ref: repoURL, Err: err}
	}

	idx := &repo.IndexFile{}
	if err := yaml.Unmarshal(body, idx); err != nil {
		return nil, &Error{Class: ClassMalformed, Op: "fetch index", Ref: repoURL, Err: err}
	}
	idx.SortEntries()
	return idx, nil
}
