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

	"github.com/go-logr/logr"

	"github.com/headwind-sh/headwind/internal/metrics"
)

// ImageHandler consumes image events. Handlers run on the broker goroutine
// and must not block indefinitely.
type ImageHandler func(ctx context.Context, ev ImageEvent)

// ChartHandler consumes chart events.
type ChartHandler func(ctx context.Context, ev ChartEvent)

// Broker is a bounded single-consumer fan-out. Producers never block: when
// the buffer is full the oldest event is dropped and counted. Handlers are
// invoked in publish order from one goroutine, so per-event work is
// serialized.
type Broker struct {
	log logr.Logger

	ch chan Event

	mu            sync.RWMutex
	imageHandlers []ImageHandler
	chartHandlers []ChartHandler
}

// NewBroker builds a broker with the given buffer capacity.
func NewBroker(log logr.Logger, capacity int) *Broker {
	return &Broker{
		log: log,
		ch:  make(chan Event, capacity),
	}
}

// SubscribeImages registers a handler for image events. Must be called
// before Start.
func (b *Broker) SubscribeImages(h ImageHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.imageHandlers = append(b.imageHandlers, h)
}

// SubscribeCharts registers a handler for chart events. Must be called
// before Start.
func (b *Broker) SubscribeCharts(h ChartHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chartHandlers = append(b.chartHandlers, h)
}

// PublishImage enqueues an image event, dropping the oldest buffered event
// when the buffer is full.
func (b *Broker) PublishImage(ev ImageEvent) {
	b.publish(Event{Image: &ev})
}

// PublishChart enqueues a chart event with the same overflow behavior.
func (b *Broker) PublishChart(ev ChartEvent) {
	b.publish(Event{Chart: &ev})
}

func (b *Broker) publish(ev Event) {
	for {
		select {
		case b.ch <- ev:
			return
		default:
		}
		select {
		case dropped := <-b.ch:
			metrics.EventChannelDrops.Inc()
			b.log.V(1).Info("event channel full, dropped oldest event",
				"droppedImage", dropped.Image != nil, "droppedChart", dropped.Chart != nil)
		default:
		}
	}
}

// Start runs the consume loop until ctx is cancelled. It implements
// manager.Runnable so the broker can be added to a controller-runtime
// manager.
func (b *Broker) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-b.ch:
			b.dispatch(ctx, ev)
		}
	}
}

func (b *Broker) dispatch(ctx context.Context, ev Event) {
	b.mu.RLock()
	imgs, charts := b.imageHandlers, b.chartHandlers
	b.mu.RUnlock()

	switch {
	case ev.Image != nil:
		for _, h := range imgs {
			h(ctx, *ev.Image)
		}
	case ev.Chart != nil:
		for _, h := range charts {
			h(ctx, *ev.Chart)
		}
	}
}
