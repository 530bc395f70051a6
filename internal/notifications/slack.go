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
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// SlackSink posts events to a Slack incoming webhook.
type SlackSink struct {
	webhookURL string

	// uiURL, when set, is appended as an approval link on approval events.
	uiURL string
}

// NewSlackSink builds a Slack sink for the incoming webhook URL.
func NewSlackSink(webhookURL, uiURL string) *SlackSink {
	return &SlackSink{webhookURL: webhookURL, uiURL: uiURL}
}

func (s *SlackSink) Name() string { return "slack" }

// Send implements Sink.
func (s *SlackSink) Send(ctx context.Context, ev Event) error {
	fields := []slack.AttachmentField{
		{Title: "Workload", Value: fmt.Sprintf("%s %s/%s", ev.Kind, ev.Namespace, ev.Name), Short: true},
	}
	if ev.Container != "" {
		fields = append(fields, slack.AttachmentField{Title: "Container", Value: ev.Container, Short: true})
	}
	if ev.From != "" || ev.To != "" {
		fields = append(fields, slack.AttachmentField{
			Title: "Change", Value: fmt.Sprintf("%s → %s", ev.From, ev.To), Short: false,
		})
	}
	if ev.Approver != "" {
		fields = append(fields, slack.AttachmentField{Title: "Approver", Value: ev.Approver, Short: true})
	}
	if ev.Reason != "" {
		fields = append(fields, slack.AttachmentField{Title: "Reason", Value: ev.Reason, Short: false})
	}

	attachment := slack.Attachment{
		Color:  s.color(ev.Type),
		Title:  ev.Title(),
		Fields: fields,
	}
	if ev.Type == ApprovalRequested && s.uiURL != "" && ev.RequestName != "" {
		attachment.Actions = []slack.AttachmentAction{{
			Type: "button",
			Text: "Review",
			URL:  fmt.Sprintf("%s/updates/%s/%s", s.uiURL, ev.Namespace, ev.RequestName),
		}}
	}

	return slack.PostWebhookContext(ctx, s.webhookURL, &slack.WebhookMessage{
		Attachments: []slack.Attachment{attachment},
	})
}

func (s *SlackSink) color(t EventType) string {
	switch t {
	case UpdateApplied, UpdateApproved:
		return "good"
	case UpdateFailed, RollbackPerformed:
		return "danger"
	case ApprovalRequested, UpdateRejected:
		return "warning"
	}
	return ""
}
