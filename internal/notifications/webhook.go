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

package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WebhookSink POSTs events as JSON to a configured endpoint.
type WebhookSink struct {
	url        string
	httpClient *http.Client
}

// NewWebhookSink builds a generic webhook sink.
func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		url:        url,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookSink) Name() string { return "webhook" }

type webhookPayload struct {
	Type        string    `json:"type"`
	Title       string    `json:"title"`
	Kind        string    `json:"kind"`
	Namespace   string    `json:"namespace"`
	Name        string    `json:"name"`
	Container   string    `json:"container,omitempty"`
	From        string    `json:"from,omitempty"`
	To          string    `json:"to,omitempty"`
	Approver    string    `json:"approver,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	RequestName string    `json:"requestName,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Send implements Sink.
func (w *WebhookSink) Send(ctx context.Context, ev Event) error {
	body, err := json.Marshal(webhookPayload{
		Type:        string(ev.Type),
		Title:       ev.Title(),
		Kind:        ev.Kind,
		Namespace:   ev.Namespace,
		Name:        ev.Name,
		Container:   ev.Container,
		From:        ev.From,
		To:          ev.To,
		Approver:    ev.Approver,
		Reason:      ev.Reason,
		RequestName: ev.RequestName,
		Timestamp:   ev.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notification endpoint returned %d", resp.StatusCode)
	}
	return nil
}
