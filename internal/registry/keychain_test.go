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
	"encoding/base64"
	"fmt"
	"testing"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
)

type fakeResource string

func (f fakeResource) String() string      { return string(f) }
func (f fakeResource) RegistryStr() string { return string(f) }

func dockerConfigJSON(host, user, pass string) []byte {
	auth := base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
	return []byte(fmt.Sprintf(`{"auths":{"%s":{"auth":"%s"}}}`, host, auth))
}

func TestForWorkloadResolvesPullSecret(t *testing.T) {
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: "regcred", Namespace: "default"},
		Type:       corev1.SecretTypeDockerConfigJson,
		Data: map[string][]byte{
			corev1.DockerConfigJsonKey: dockerConfigJSON("ghcr.io", "bot", "s3cret"),
		},
	}
	c := fake.NewClientBuilder().WithObjects(secret).Build()

	kc, err := NewKeychain(c).ForWorkload(context.Background(), "default", &corev1.PodSpec{
		ImagePullSecrets: []corev1.LocalObjectReference{{Name: "regcred"}},
	})
	require.NoError(t, err)

	auth, err := kc.Resolve(fakeResource("ghcr.io"))
	require.NoError(t, err)
	cfg, err := auth.Authorization()
	require.NoError(t, err)
	assert.Equal(t, "bot", cfg.Username)
	assert.Equal(t, "s3cret", cfg.Password)

	anon, err := kc.Resolve(fakeResource("quay.io"))
	require.NoError(t, err)
	assert.Equal(t, authn.Anonymous, anon)
}

func TestForWorkloadServiceAccountSecrets(t *testing.T) {
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: "sa-cred", Namespace: "apps"},
		Type:       corev1.SecretTypeDockerConfigJson,
		Data: map[string][]byte{
			corev1.DockerConfigJsonKey: dockerConfigJSON("registry.local:5000", "svc", "pw"),
		},
	}
	sa := &corev1.ServiceAccount{
		ObjectMeta:       metav1.ObjectMeta{Name: "runner", Namespace: "apps"},
		ImagePullSecrets: []corev1.LocalObjectReference{{Name: "sa-cred"}},
	}
	c := fake.NewClientBuilder().WithObjects(secret, sa).Build()

	kc, err := NewKeychain(c).ForWorkload(context.Background(), "apps", &corev1.PodSpec{
		ServiceAccountName: "runner",
	})
	require.NoError(t, err)

	auth, err := kc.Resolve(fakeResource("registry.local:5000"))
	require.NoError(t, err)
	cfg, err := auth.Authorization()
	require.NoError(t, err)
	assert.Equal(t, "svc", cfg.Username)
}

func TestForWorkloadMissingSecretSkipped(t *testing.T) {
	c := fake.NewClientBuilder().Build()

	kc, err := NewKeychain(c).ForWorkload(context.Background(), "default", &corev1.PodSpec{
		ImagePullSecrets: []corev1.LocalObjectReference{{Name: "ghost"}},
	})
	require.NoError(t, err)

	auth, err := kc.Resolve(fakeResource("ghcr.io"))
	require.NoError(t, err)
	assert.Equal(t, authn.Anonymous, auth)
}

func TestDockerHubAliases(t *testing.T) {
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: "hub", Namespace: "default"},
		Type:       corev1.SecretTypeDockerConfigJson,
		Data: map[string][]byte{
			corev1.DockerConfigJsonKey: dockerConfigJSON("https://index.docker.io/v1/", "hubuser", "hubpass"),
		},
	}
	c := fake.NewClientBuilder().WithObjects(secret).Build()

	kc, err := NewKeychain(c).ForWorkload(context.Background(), "default", &corev1.PodSpec{
		ImagePullSecrets: []corev1.LocalObjectReference{{Name: "hub"}},
	})
	require.NoError(t, err)

	for _, host := range []string{"index.docker.io", "docker.io", "registry-1.docker.io"} {
		auth, err := kc.Resolve(fakeResource(host))
		require.NoError(t, err)
		cfg, err := auth.Authorization()
		require.NoError(t, err)
		assert.Equalf(t, "hubuser", cfg.Username, "host %s", host)
	}
}

func TestLegacyDockercfg(t *testing.T) {
	auth := base64.StdEncoding.EncodeToString([]byte("old:school"))
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: "legacy", Namespace: "default"},
		Type:       corev1.SecretTypeDockercfg,
		Data: map[string][]byte{
			corev1.DockerConfigKey: []byte(fmt.Sprintf(`{"quay.io":{"auth":"%s"}}`, auth)),
		},
	}
	c := fake.NewClientBuilder().WithObjects(secret).Build()

	kc, err := NewKeychain(c).ForWorkload(context.Background(), "default", &corev1.PodSpec{
		ImagePullSecrets: []corev1.LocalObjectReference{{Name: "legacy"}},
	})
	require.NoError(t, err)

	got, err := kc.Resolve(fakeResource("quay.io"))
	require.NoError(t, err)
	cfg, err := got.Authorization()
	require.NoError(t, err)
	assert.Equal(t, "old", cfg.Username)
	assert.Equal(t, "school", cfg.Password)
}
