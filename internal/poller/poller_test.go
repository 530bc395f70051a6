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

package poller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/headwind-sh/headwind/internal/config"
	"github.com/headwind-sh/headwind/internal/controller"
	"github.com/headwind-sh/headwind/internal/events"
	"github.com/headwind-sh/headwind/internal/image"
	"github.com/headwind-sh/headwind/internal/policy"
	"github.com/headwind-sh/headwind/internal/registry"
)

type fakeRegistry struct {
	mu      sync.Mutex
	tags    map[string][]string
	digests map[string]string
	listed  []string
}

func (f *fakeRegistry) ListTags(_ context.Context, repository string, _ authn.Keychain) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listed = append(f.listed, repository)
	return f.tags[repository], nil
}

func (f *fakeRegistry) ResolveDigest(_ context.Context, reference string, _ authn.Keychain) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.digests[reference], nil
}

func (f *fakeRegistry) listCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listed)
}

type fakeChartLister struct {
	mu       sync.Mutex
	versions map[string][]string
	creds    *registry.HelmCredentials
}

func (f *fakeChartLister) ListChartVersions(_ context.Context, repoURL, chart string, creds *registry.HelmCredentials, _ authn.Keychain) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creds = creds
	return f.versions[repoURL+"/"+chart], nil
}

type collected struct {
	mu     sync.Mutex
	images []events.ImageEvent
	charts []events.ChartEvent
}

func (c *collected) imageCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.images)
}

func (c *collected) chartCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.charts)
}

func newBroker(t *testing.T) (*events.Broker, *collected) {
	t.Helper()
	broker := events.NewBroker(zap.New(zap.UseDevMode(true)), 64)
	col := &collected{}
	broker.SubscribeImages(func(_ context.Context, ev events.ImageEvent) {
		col.mu.Lock()
		defer col.mu.Unlock()
		col.images = append(col.images, ev)
	})
	broker.SubscribeCharts(func(_ context.Context, ev events.ChartEvent) {
		col.mu.Lock()
		defer col.mu.Unlock()
		col.charts = append(col.charts, ev)
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = broker.Start(ctx) }()
	return broker, col
}

func newFakeClient(t *testing.T, objs ...client.Object) client.Client {
	t.Helper()
	scheme := clientgoscheme.Scheme
	return fake.NewClientBuilder().WithScheme(scheme).WithObjects(objs...).Build()
}

func trackedDeployment(t *testing.T, img string, opts policy.Options) controller.TrackedWorkload {
	return namedTrackedDeployment(t, "nginx", img, opts)
}

func namedTrackedDeployment(t *testing.T, name, img string, opts policy.Options) controller.TrackedWorkload {
	t.Helper()
	ref, err := image.Parse(img)
	require.NoError(t, err)
	return controller.TrackedWorkload{
		Kind:    "Deployment",
		Target:  types.NamespacedName{Namespace: "default", Name: name},
		Options: opts,
		Containers: []controller.TrackedContainer{
			{Name: "nginx", Image: ref, Raw: img},
		},
	}
}

func minorOptions(t *testing.T) policy.Options {
	t.Helper()
	opts := policy.Default()
	opts.EventSource = policy.FilterBoth
	p, err := policy.Parse("minor", "")
	require.NoError(t, err)
	opts.Policy = p
	return opts
}

func newPoller(t *testing.T, c client.Client, tracker *controller.Tracker,
	broker *events.Broker, reg *fakeRegistry, charts *fakeChartLister, cfg config.Config) *Poller {
	t.Helper()
	if cfg.PollingInterval == 0 {
		cfg.PollingInterval = time.Minute
	}
	cfg.PollingEnabled = true
	return New(zap.New(zap.UseDevMode(true)), c, tracker, broker,
		reg, charts, registry.NewKeychain(c), config.NewStore(cfg))
}

func TestCyclePublishesBestTag(t *testing.T) {
	tracker := controller.NewTracker()
	tracker.Upsert(trackedDeployment(t, "nginx:1.25.3", minorOptions(t)))

	reg := &fakeRegistry{tags: map[string][]string{
		"nginx": {"1.25.4", "1.26.1", "1.26.0", "2.0.0", "latest"},
	}}
	broker, col := newBroker(t)
	p := newPoller(t, newFakeClient(t), tracker, broker, reg, &fakeChartLister{}, config.Config{})

	p.Cycle(context.Background())
	require.Eventually(t, func() bool { return col.imageCount() == 1 }, time.Second, 5*time.Millisecond)

	col.mu.Lock()
	defer col.mu.Unlock()
	assert.Equal(t, "nginx", col.images[0].Repository)
	assert.Equal(t, "1.26.1", col.images[0].Tag)
	assert.Equal(t, policy.SourcePoller, col.images[0].Source)
}

func TestCycleSkipsWebhookOnlyWorkloads(t *testing.T) {
	opts := minorOptions(t)
	opts.EventSource = policy.FilterWebhook

	tracker := controller.NewTracker()
	tracker.Upsert(trackedDeployment(t, "nginx:1.25.3", opts))

	reg := &fakeRegistry{tags: map[string][]string{"nginx": {"1.26.0"}}}
	broker, _ := newBroker(t)
	p := newPoller(t, newFakeClient(t), tracker, broker, reg, &fakeChartLister{}, config.Config{})

	p.Cycle(context.Background())
	assert.Zero(t, reg.listCalls())
}

func TestCycleDisabled(t *testing.T) {
	tracker := controller.NewTracker()
	tracker.Upsert(trackedDeployment(t, "nginx:1.25.3", minorOptions(t)))

	reg := &fakeRegistry{tags: map[string][]string{"nginx": {"1.26.0"}}}
	broker, _ := newBroker(t)
	p := newPoller(t, newFakeClient(t), tracker, broker, reg, &fakeChartLister{},
		config.Config{PollingInterval: time.Minute})
	p.config.Set(config.Config{PollingEnabled: false, PollingInterval: time.Minute})

	p.Cycle(context.Background())
	assert.Zero(t, reg.listCalls())
}

func TestPerResourceIntervalOverride(t *testing.T) {
	opts := minorOptions(t)
	opts.PollingInterval = time.Minute

	tracker := controller.NewTracker()
	tracker.Upsert(trackedDeployment(t, "nginx:1.25.3", opts))

	reg := &fakeRegistry{tags: map[string][]string{"nginx": {"1.25.3"}}}
	broker, _ := newBroker(t)
	p := newPoller(t, newFakeClient(t), tracker, broker, reg, &fakeChartLister{},
		config.Config{PollingInterval: time.Hour})

	clock := time.Now()
	p.now = func() time.Time { return clock }

	p.Cycle(context.Background())
	assert.Equal(t, 1, reg.listCalls())

	// Not due yet.
	p.Cycle(context.Background())
	assert.Equal(t, 1, reg.listCalls())

	// The one-minute override wins over the one-hour global interval.
	clock = clock.Add(61 * time.Second)
	p.Cycle(context.Background())
	assert.Equal(t, 2, reg.listCalls())
}

func TestDigestDriftOnForcePolicy(t *testing.T) {
	opts := policy.Default()
	opts.EventSource = policy.FilterBoth
	forced, err := policy.Parse("force", "")
	require.NoError(t, err)
	opts.Policy = forced
	opts.PollingInterval = time.Minute

	tracker := controller.NewTracker()
	tracker.Upsert(trackedDeployment(t, "nginx:latest", opts))

	reg := &fakeRegistry{
		tags:    map[string][]string{"nginx": {"latest"}},
		digests: map[string]string{"nginx:latest": "sha256:aaa"},
	}
	broker, col := newBroker(t)
	p := newPoller(t, newFakeClient(t), tracker, broker, reg, &fakeChartLister{},
		config.Config{PollingInterval: time.Minute})

	clock := time.Now()
	p.now = func() time.Time { return clock }

	// First cycle seeds the digest cache.
	p.Cycle(context.Background())
	assert.Zero(t, col.imageCount())

	reg.mu.Lock()
	reg.digests["nginx:latest"] = "sha256:bbb"
	reg.mu.Unlock()

	clock = clock.Add(2 * time.Minute)
	p.Cycle(context.Background())
	require.Eventually(t, func() bool { return col.imageCount() == 1 }, time.Second, 5*time.Millisecond)

	col.mu.Lock()
	defer col.mu.Unlock()
	assert.Equal(t, "latest", col.images[0].Tag)
	assert.Equal(t, "sha256:bbb", col.images[0].Digest)
}

func TestDigestDriftOnSemverPolicy(t *testing.T) {
	opts := minorOptions(t)
	opts.PollingInterval = time.Minute

	tracker := controller.NewTracker()
	tracker.Upsert(trackedDeployment(t, "nginx:1.25.3", opts))

	reg := &fakeRegistry{
		tags:    map[string][]string{"nginx": {"1.25.3"}},
		digests: map[string]string{"nginx:1.25.3": "sha256:aaa"},
	}
	broker, col := newBroker(t)
	p := newPoller(t, newFakeClient(t), tracker, broker, reg, &fakeChartLister{},
		config.Config{PollingInterval: time.Minute})

	clock := time.Now()
	p.now = func() time.Time { return clock }

	p.Cycle(context.Background())
	assert.Zero(t, col.imageCount())

	reg.mu.Lock()
	reg.digests["nginx:1.25.3"] = "sha256:bbb"
	reg.mu.Unlock()

	clock = clock.Add(2 * time.Minute)
	p.Cycle(context.Background())
	require.Eventually(t, func() bool { return col.imageCount() == 1 }, time.Second, 5*time.Millisecond)

	col.mu.Lock()
	defer col.mu.Unlock()
	assert.Equal(t, "1.25.3", col.images[0].Tag)
	assert.Equal(t, "sha256:bbb", col.images[0].Digest)
}

func TestCycleListsSharedRepositoryOnce(t *testing.T) {
	tracker := controller.NewTracker()
	tracker.Upsert(namedTrackedDeployment(t, "web", "nginx:1.25.3", minorOptions(t)))
	tracker.Upsert(namedTrackedDeployment(t, "proxy", "nginx:1.25.3", minorOptions(t)))

	reg := &fakeRegistry{tags: map[string][]string{"nginx": {"1.26.0"}}}
	broker, col := newBroker(t)
	p := newPoller(t, newFakeClient(t), tracker, broker, reg, &fakeChartLister{}, config.Config{})

	p.Cycle(context.Background())
	require.Eventually(t, func() bool { return col.imageCount() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, reg.listCalls())
}

func TestChartPollingReadsRepoSecret(t *testing.T) {
	opts := minorOptions(t)
	tracker := controller.NewTracker()
	tracker.Upsert(controller.TrackedWorkload{
		Kind:          "HelmRelease",
		Target:        types.NamespacedName{Namespace: "default", Name: "redis"},
		Options:       opts,
		Chart:         "redis",
		ChartVersion:  "18.0.0",
		RepoURL:       "https://charts.example.com",
		RepoSecret:    "repo-creds",
		RepoNamespace: "flux-system",
	})

	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: "repo-creds", Namespace: "flux-system"},
		Data: map[string][]byte{
			"username": []byte("bot"),
			"password": []byte("hunter2"),
		},
	}
	charts := &fakeChartLister{versions: map[string][]string{
		"https://charts.example.com/redis": {"18.1.0", "18.0.5", "19.0.0"},
	}}
	broker, col := newBroker(t)
	p := newPoller(t, newFakeClient(t, secret), tracker, broker, &fakeRegistry{}, charts, config.Config{})

	p.Cycle(context.Background())
	require.Eventually(t, func() bool { return col.chartCount() == 1 }, time.Second, 5*time.Millisecond)

	col.mu.Lock()
	assert.Equal(t, "redis", col.charts[0].Chart)
	assert.Equal(t, "18.1.0", col.charts[0].Version)
	assert.Equal(t, "https://charts.example.com", col.charts[0].RepositoryURL)
	col.mu.Unlock()

	charts.mu.Lock()
	defer charts.mu.Unlock()
	require.NotNil(t, charts.creds)
	assert.Equal(t, "bot", charts.creds.Username)
	assert.Equal(t, "hunter2", charts.creds.Password)
}
