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

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.False(t, cfg.PollingEnabled)
	assert.Equal(t, DefaultPollingInterval, cfg.PollingInterval)
	assert.Equal(t, AuthModeNone, cfg.UIAuthMode)
	assert.Equal(t, DefaultProxyHeader, cfg.UIProxyHeader)
}

func TestFromEnvPolling(t *testing.T) {
	t.Setenv("POLLING_ENABLED", "true")
	t.Setenv("POLLING_INTERVAL_SECONDS", "60")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.True(t, cfg.PollingEnabled)
	assert.Equal(t, time.Minute, cfg.PollingInterval)
}

func TestFromEnvBadPollingInterval(t *testing.T) {
	t.Setenv("POLLING_INTERVAL_SECONDS", "zero")
	_, err := FromEnv()
	assert.Error(t, err)

	t.Setenv("POLLING_INTERVAL_SECONDS", "-5")
	_, err = FromEnv()
	assert.Error(t, err)
}

func TestFromEnvAuthModes(t *testing.T) {
	for _, mode := range []AuthMode{AuthModeNone, AuthModeSimple, AuthModeToken, AuthModeProxy} {
		t.Setenv("UI_AUTH_MODE", string(mode))
		cfg, err := FromEnv()
		require.NoError(t, err)
		assert.Equal(t, mode, cfg.UIAuthMode)
	}
}

func TestFromEnvProxyAuthDefaultsHeader(t *testing.T) {
	t.Setenv("UI_AUTH_MODE", "proxy")
	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, AuthModeProxy, cfg.UIAuthMode)
	assert.Equal(t, DefaultProxyHeader, cfg.UIProxyHeader)

	t.Setenv("UI_PROXY_HEADER", "X-Auth-Request-User")
	cfg, err = FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "X-Auth-Request-User", cfg.UIProxyHeader)
}

func TestFromEnvUnknownAuthModeFallsBack(t *testing.T) {
	t.Setenv("UI_AUTH_MODE", "oauth")
	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, AuthModeNone, cfg.UIAuthMode)
}

func TestStoreSwapsSnapshots(t *testing.T) {
	s := NewStore(Config{UIURL: "https://one"})
	assert.Equal(t, "https://one", s.Get().UIURL)

	s.Set(Config{UIURL: "https://two"})
	assert.Equal(t, "https://two", s.Get().UIURL)
}
