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

// Package poller periodically checks registries and chart repositories for
// new versions of tracked workloads and publishes what it finds on the
// event broker.
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-containerregistry/pkg/authn"
	"golang.org/x/sync/semaphore"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/headwind-sh/headwind/internal/config"
	"github.com/headwind-sh/headwind/internal/constants"
	"github.com/headwind-sh/headwind/internal/controller"
	"github.com/headwind-sh/headwind/internal/events"
	"github.com/headwind-sh/headwind/internal/metrics"
	"github.com/headwind-sh/headwind/internal/policy"
	"github.com/headwind-sh/headwind/internal/registry"
)

// tick is the scheduler granularity; per-workload intervals are enforced on
// top of it, so an override shorter than the global interval still works.
const tick = 30 * time.Second

// Poller walks the tracked workloads on an interval and turns newly
// published tags, chart versions and digest changes into broker events.
type Poller struct {
	log      logr.Logger
	client   client.Client
	tracker  *controller.Tracker
	broker   *events.Broker
	images   registry.Client
	charts   registry.ChartLister
	keychain *registry.Keychain
	config   *config.Store

	now func() time.Time

	mu         sync.Mutex
	lastPolled map[string]time.Time
	lastDigest map[string]string
}

// New wires a poller.
func New(log logr.Logger, c client.Client, tracker *controller.Tracker,
	broker *events.Broker, images registry.Client, charts registry.ChartLister,
	keychain *registry.Keychain, cfg *config.Store) *Poller {
	return &Poller{
		log:        log,
		client:     c,
		tracker:    tracker,
		broker:     broker,
		images:     images,
		charts:     charts,
		keychain:   keychain,
		config:     cfg,
		now:        time.Now,
		lastPolled: map[string]time.Time{},
		lastDigest: map[string]string{},
	}
}

// Start runs polling cycles until ctx is cancelled.
func (p *Poller) Start(ctx context.Context) error {
	p.log.Info("poller started", "interval", p.config.Get().PollingInterval)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Cycle(ctx)
		}
	}
}

// Cycle checks every due workload once. Exported so tests and a future
// on-demand endpoint can trigger a poll directly.
func (p *Poller) Cycle(ctx context.Context) {
	cfg := p.config.Get()
	if !cfg.PollingEnabled {
		return
	}

	sem := semaphore.NewWeighted(constants.PollerWorkers)
	var wg sync.WaitGroup
	now := p.now()
	cc := newCycleCache()

	for _, w := range p.tracker.Snapshot() {
		if w.Options.Policy.Kind == policy.KindNone {
			continue
		}
		if !w.Options.EventSource.Accepts(policy.SourcePoller) {
			continue
		}
		if !p.due(w, now, cfg.PollingInterval) {
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(w controller.TrackedWorkload) {
			defer wg.Done()
			defer sem.Release(1)
			p.pollWorkload(ctx, w, cc)
		}(w)
	}
	wg.Wait()
	metrics.PollingCycles.Inc()
}

// due checks and advances the workload's poll deadline.
func (p *Poller) due(w controller.TrackedWorkload, now time.Time, global time.Duration) bool {
	interval := global
	if w.Options.PollingInterval > 0 {
		interval = w.Options.PollingInterval
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	last, ok := p.lastPolled[w.Key()]
	if ok && now.Sub(last) < interval {
		return false
	}
	p.lastPolled[w.Key()] = now
	return true
}

func (p *Poller) pollWorkload(ctx context.Context, w controller.TrackedWorkload, cc *cycleCache) {
	if w.Kind == "HelmRelease" {
		p.pollChart(ctx, w)
		return
	}
	p.pollImages(ctx, w, cc)
}

func (p *Poller) pollImages(ctx context.Context, w controller.TrackedWorkload, cc *cycleCache) {
	kc, err := p.keychain.ForWorkload(ctx, w.Target.Namespace, podSpecFor(w))
	if err != nil {
		p.log.Error(err, "resolving pull credentials", "workload", w.Key())
		return
	}

	for _, c := range w.Containers {
		if !w.Options.TracksImage(c.Name, c.Image.Name()) {
			continue
		}

		tags, fetched, err := cc.listTags(ctx, p.images, c.Image.Name(), kc)
		if err != nil {
			if fetched {
				metrics.PollingErrors.WithLabelValues(string(registry.ClassOf(err))).Inc()
				p.log.Error(err, "listing tags", "repository", c.Image.Name(), "workload", w.Key())
			}
			continue
		}
		if fetched {
			metrics.PollingImagesChecked.Inc()
		}

		if best := w.Options.Policy.SelectBest(c.Image.Tag, tags); best != "" {
			metrics.PollingNewTags.Inc()
			p.broker.PublishImage(events.ImageEvent{
				Repository: c.Image.Name(),
				Tag:        best,
				Source:     policy.SourcePoller,
				ReceivedAt: p.now().UTC(),
			})
			continue
		}

		// No new version; the current tag may still have been repushed, so
		// re-resolve its digest.
		p.checkDigest(ctx, c.Image.Name(), c.Image.Tag, kc, cc)
	}
}

// checkDigest re-resolves a tag and publishes an event when the digest
// moved since the last cycle. The first resolution only seeds the cache.
func (p *Poller) checkDigest(ctx context.Context, repository, tag string, kc authn.Keychain, cc *cycleCache) {
	digest, fetched, err := cc.resolveDigest(ctx, p.images, repository, tag, kc)
	if err != nil {
		if fetched {
			metrics.PollingErrors.WithLabelValues(string(registry.ClassOf(err))).Inc()
			p.log.Error(err, "resolving digest", "repository", repository, "tag", tag)
		}
		return
	}

	key := repository + ":" + tag
	p.mu.Lock()
	previous, seen := p.lastDigest[key]
	p.lastDigest[key] = digest
	p.mu.Unlock()

	if !seen || previous == digest {
		return
	}

	metrics.PollingNewTags.Inc()
	p.log.Info("digest moved for mutable tag", "repository", repository, "tag", tag, "digest", digest)
	p.broker.PublishImage(events.ImageEvent{
		Repository: repository,
		Tag:        tag,
		Digest:     digest,
		Source:     policy.SourcePoller,
		ReceivedAt: p.now().UTC(),
	})
}

func (p *Poller) pollChart(ctx context.Context, w controller.TrackedWorkload) {
	if w.Chart == "" || w.RepoURL == "" {
		return
	}

	creds, err := p.repoCredentials(ctx, w)
	if err != nil {
		p.log.Error(err, "reading repository credentials", "workload", w.Key())
		return
	}

	kc, err := p.keychain.ForWorkload(ctx, w.Target.Namespace, podSpecFor(w))
	if err != nil {
		p.log.Error(err, "resolving pull credentials", "workload", w.Key())
		return
	}

	versions, err := p.charts.ListChartVersions(ctx, w.RepoURL, w.Chart, creds, kc)
	if err != nil {
		metrics.PollingErrors.WithLabelValues(string(registry.ClassOf(err))).Inc()
		p.log.Error(err, "listing chart versions", "chart", w.Chart, "workload", w.Key())
		return
	}
	metrics.PollingChartsChecked.Inc()

	if best := w.Options.Policy.SelectBest(w.ChartVersion, versions); best != "" {
		metrics.PollingNewTags.Inc()
		p.broker.PublishChart(events.ChartEvent{
			Chart:         w.Chart,
			Version:       best,
			RepositoryURL: w.RepoURL,
			Source:        policy.SourcePoller,
			ReceivedAt:    p.now().UTC(),
		})
	}
}

// repoCredentials reads the HelmRepository's secret, if it names one.
func (p *Poller) repoCredentials(ctx context.Context, w controller.TrackedWorkload) (*registry.HelmCredentials, error) {
	if w.RepoSecret == "" {
		return nil, nil
	}
	var secret corev1.Secret
	key := types.NamespacedName{Namespace: w.RepoNamespace, Name: w.RepoSecret}
	if err := p.client.Get(ctx, key, &secret); err != nil {
		return nil, err
	}
	return &registry.HelmCredentials{
		Username: string(secret.Data["username"]),
		Password: string(secret.Data["password"]),
	}, nil
}

// podSpecFor rebuilds the credential-relevant part of the workload's pod
// spec from the tracked snapshot.
func podSpecFor(w controller.TrackedWorkload) *corev1.PodSpec {
	spec := &corev1.PodSpec{ServiceAccountName: w.ServiceAccountName}
	for _, name := range w.PullSecrets {
		spec.ImagePullSecrets = append(spec.ImagePullSecrets, corev1.LocalObjectReference{Name: name})
	}
	return spec
}

// cycleCache memoizes registry lookups within a single cycle, so a
// repository shared by several workloads is enumerated once per cycle.
type cycleCache struct {
	mu      sync.Mutex
	tags    map[string]*tagListing
	digests map[string]*digestListing
}

type tagListing struct {
	once sync.Once
	tags []string
	err  error
}

type digestListing struct {
	once   sync.Once
	digest string
	err    error
}

func newCycleCache() *cycleCache {
	return &cycleCache{
		tags:    map[string]*tagListing{},
		digests: map[string]*digestListing{},
	}
}

// listTags returns the repository's tags, fetching them at most once per
// cycle. fetched reports whether this call performed the fetch.
func (cc *cycleCache) listTags(ctx context.Context, c registry.Client, repository string, kc authn.Keychain) (tags []string, fetched bool, err error) {
	cc.mu.Lock()
	entry, ok := cc.tags[repository]
	if !ok {
		entry = &tagListing{}
		cc.tags[repository] = entry
	}
	cc.mu.Unlock()

	entry.once.Do(func() {
		entry.tags, entry.err = c.ListTags(ctx, repository, kc)
		fetched = true
	})
	return entry.tags, fetched, entry.err
}

// resolveDigest resolves repository:tag at most once per cycle.
func (cc *cycleCache) resolveDigest(ctx context.Context, c registry.Client, repository, tag string, kc authn.Keychain) (digest string, fetched bool, err error) {
	key := repository + ":" + tag
	cc.mu.Lock()
	entry, ok := cc.digests[key]
	if !ok {
		entry = &digestListing{}
		cc.digests[key] = entry
	}
	cc.mu.Unlock()

	entry.once.Do(func() {
		entry.digest, entry.err = c.ResolveDigest(ctx, key, kc)
		fetched = true
	})
	return entry.digest, fetched, entry.err
}
