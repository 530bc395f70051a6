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

package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/headwind-sh/headwind/internal/policy"
)

func TestBrokerFanOut(t *testing.T) {
	b := NewBroker(zap.New(zap.UseDevMode(true)), 16)

	var (
		mu     sync.Mutex
		images []ImageEvent
		charts []ChartEvent
	)
	b.SubscribeImages(func(_ context.Context, ev ImageEvent) {
		mu.Lock()
		defer mu.Unlock()
		images = append(images, ev)
	})
	b.SubscribeImages(func(_ context.Context, ev ImageEvent) {
		mu.Lock()
		defer mu.Unlock()
		images = append(images, ev)
	})
	b.SubscribeCharts(func(_ context.Context, ev ChartEvent) {
		mu.Lock()
		defer mu.Unlock()
		charts = append(charts, ev)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		require.NoError(t, b.Start(ctx))
	}()

	b.PublishImage(ImageEvent{Repository: "library/nginx", Tag: "1.26.0", Source: policy.SourceWebhook})
	b.PublishChart(ChartEvent{Chart: "redis", Version: "18.0.0", Source: policy.SourcePoller})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(images) == 2 && len(charts) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "1.26.0", images[0].Tag)
	assert.Equal(t, "18.0.0", charts[0].Version)
	mu.Unlock()

	cancel()
	<-done
}

func TestBrokerDropsOldestWhenFull(t *testing.T) {
	b := NewBroker(zap.New(zap.UseDevMode(true)), 2)

	// No consumer running: fill the buffer past capacity.
	b.PublishImage(ImageEvent{Tag: "1"})
	b.PublishImage(ImageEvent{Tag: "2"})
	b.PublishImage(ImageEvent{Tag: "3"})

	var (
		mu   sync.Mutex
		tags []string
	)
	b.SubscribeImages(func(_ context.Context, ev ImageEvent) {
		mu.Lock()
		defer mu.Unlock()
		tags = append(tags, ev.Tag)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Start(ctx)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(tags) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"2", "3"}, tags)
	mu.Unlock()

	cancel()
	<-done
}

func TestBrokerPublishNeverBlocks(t *testing.T) {
	b := NewBroker(zap.New(zap.UseDevMode(true)), 1)

	doneCh := make(chan struct{})
	go func() {
		defer close(doneCh)
		for i := 0; i < 10_000; i++ {
			b.PublishImage(ImageEvent{Tag: "t"})
		}
	}()

	select {
	case <-doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked with no consumer")
	}
}
