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

// Package config carries the operator's environment-derived settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// AuthMode selects how the approval API identifies callers.
type AuthMode string

const (
	// AuthModeNone trusts the identity supplied in the request body.
	AuthModeNone AuthMode = "none"
	// AuthModeSimple gates the UI behind its own login form; the API still
	// takes the identity from the request body.
	AuthModeSimple AuthMode = "simple"
	// AuthModeToken gates the UI behind a shared token; the API still takes
	// the identity from the request body.
	AuthModeToken AuthMode = "token"
	// AuthModeProxy reads the identity from a trusted reverse-proxy header.
	AuthModeProxy AuthMode = "proxy"
)

// DefaultPollingInterval applies when POLLING_INTERVAL_SECONDS is unset.
const DefaultPollingInterval = 5 * time.Minute

// DefaultProxyHeader applies when UI_PROXY_HEADER is unset.
const DefaultProxyHeader = "X-Forwarded-User"

// Config is a snapshot of the operator settings.
type Config struct {
	// PollingEnabled turns the registry poller on.
	PollingEnabled bool
	// PollingInterval is the global poll cadence; workloads may override
	// it per resource via annotation.
	PollingInterval time.Duration

	// UIAuthMode and UIProxyHeader control approver identity resolution.
	UIAuthMode    AuthMode
	UIProxyHeader string
	// UIURL is the external UI base used in notification links.
	UIURL string

	// WebhookSecret signs the generic registry webhook; empty disables
	// signature verification.
	WebhookSecret string

	// Notification sinks; empty values disable the sink.
	SlackWebhookURL        string
	NotificationWebhookURL string
}

// FromEnv reads the configuration from the process environment.
func FromEnv() (Config, error) {
	cfg := Config{
		PollingInterval:        DefaultPollingInterval,
		UIAuthMode:             AuthModeNone,
		UIProxyHeader:          os.Getenv("UI_PROXY_HEADER"),
		UIURL:                  os.Getenv("UI_URL"),
		WebhookSecret:          os.Getenv("WEBHOOK_SECRET"),
		SlackWebhookURL:        os.Getenv("SLACK_WEBHOOK_URL"),
		NotificationWebhookURL: os.Getenv("NOTIFICATION_WEBHOOK_URL"),
	}

	if v := os.Getenv("POLLING_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("parsing POLLING_ENABLED %q: %w", v, err)
		}
		cfg.PollingEnabled = enabled
	}
	if v := os.Getenv("POLLING_INTERVAL_SECONDS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			return cfg, fmt.Errorf("parsing POLLING_INTERVAL_SECONDS %q: must be a positive integer", v)
		}
		cfg.PollingInterval = time.Duration(secs) * time.Second
	}
	if v := os.Getenv("UI_AUTH_MODE"); v != "" {
		switch m := AuthMode(strings.ToLower(strings.TrimSpace(v))); m {
		case AuthModeNone, AuthModeSimple, AuthModeToken, AuthModeProxy:
			cfg.UIAuthMode = m
		default:
			// Unrecognized modes fall back to open access rather than
			// refusing to start.
			cfg.UIAuthMode = AuthModeNone
		}
	}
	if cfg.UIProxyHeader == "" {
		cfg.UIProxyHeader = DefaultProxyHeader
	}
	return cfg, nil
}

// Store holds the active configuration behind an atomic pointer so HTTP
// handlers and the poller read a consistent snapshot.
type Store struct {
	current atomic.Pointer[Config]
}

// NewStore seeds a store with cfg.
func NewStore(cfg Config) *Store {
	s := &Store{}
	s.Set(cfg)
	return s
}

// Get returns the current snapshot.
func (s *Store) Get() Config {
	return *s.current.Load()
}

// Set replaces the snapshot.
func (s *Store) Set(cfg Config) {
	s.current.Store(&cfg)
}
