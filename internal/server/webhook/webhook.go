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

// Package webhook ingests push notifications from container registries and
// turns them into events on the broker.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"

	"github.com/headwind-sh/headwind/internal/constants"
	"github.com/headwind-sh/headwind/internal/events"
	"github.com/headwind-sh/headwind/internal/metrics"
	"github.com/headwind-sh/headwind/internal/policy"
)

// helmConfigMediaType marks an OCI artifact as a Helm chart.
const helmConfigMediaType = "application/vnd.cncf.helm.config.v1+json"

// Server is the webhook ingress, a manager.Runnable HTTP server.
type Server struct {
	log    logr.Logger
	broker *events.Broker

	// secret returns the current shared secret for signature checks; empty
	// disables verification.
	secret func() string

	addr string
}

// NewServer builds the ingress server.
func NewServer(log logr.Logger, broker *events.Broker, secret func() string) *Server {
	return &Server{
		log:    log,
		broker: broker,
		secret: secret,
		addr:   constants.WebhookListenAddr,
	}
}

// Router builds the chi router, exposed for tests.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(constants.WebhookHandlerTimeout))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Post("/webhook/dockerhub", s.handleDockerHub)
	r.Post("/webhook/registry", s.handleRegistry)
	return r
}

// Start runs the server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info("webhook server listening", "addr", s.addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// dockerHubPayload is the Docker Hub webhook shape.
type dockerHubPayload struct {
	PushData struct {
		Tag string `json:"tag"`
	} `json:"push_data"`
	Repository struct {
		RepoName string `json:"repo_name"`
	} `json:"repository"`
}

func (s *Server) handleDockerHub(w http.ResponseWriter, r *http.Request) {
	var payload dockerHubPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("dockerhub", "bad_payload").Inc()
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	if payload.Repository.RepoName == "" || payload.PushData.Tag == "" {
		metrics.WebhookEventsTotal.WithLabelValues("dockerhub", "bad_payload").Inc()
		http.Error(w, "repository and tag are required", http.StatusBadRequest)
		return
	}

	s.broker.PublishImage(events.ImageEvent{
		Repository: payload.Repository.RepoName,
		Tag:        payload.PushData.Tag,
		Source:     policy.SourceWebhook,
		ReceivedAt: time.Now().UTC(),
	})
	metrics.WebhookEventsTotal.WithLabelValues("dockerhub", "accepted").Inc()
	s.log.V(1).Info("docker hub push received",
		"repository", payload.Repository.RepoName, "tag", payload.PushData.Tag)
	w.WriteHeader(http.StatusAccepted)
}

// registryPayload is the CNCF distribution event envelope.
type registryPayload struct {
	Events []struct {
		Action string `json:"action"`
		Target struct {
			MediaType  string `json:"mediaType"`
			Repository string `json:"repository"`
			Tag        string `json:"tag"`
			Digest     string `json:"digest"`
		} `json:"target"`
		Request struct {
			Host string `json:"host"`
		} `json:"request"`
	} `json:"events"`
}

func (s *Server) handleRegistry(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("registry", "bad_payload").Inc()
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}

	if secret := s.secret(); secret != "" {
		if !validSignature(secret, body, r.Header.Get(constants.SignatureHeader)) {
			metrics.WebhookEventsTotal.WithLabelValues("registry", "unauthorized").Inc()
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	}

	var payload registryPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("registry", "bad_payload").Inc()
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	accepted := 0
	for _, ev := range payload.Events {
		if ev.Action != "push" || ev.Target.Repository == "" || ev.Target.Tag == "" {
			continue
		}
		repo := ev.Target.Repository
		if ev.Request.Host != "" {
			repo = ev.Request.Host + "/" + repo
		}

		if ev.Target.MediaType == helmConfigMediaType {
			chart := repo
			if i := strings.LastIndex(ev.Target.Repository, "/"); i >= 0 {
				chart = ev.Target.Repository[i+1:]
			}
			s.broker.PublishChart(events.ChartEvent{
				Chart:      chart,
				Version:    ev.Target.Tag,
				Source:     policy.SourceWebhook,
				ReceivedAt: time.Now().UTC(),
			})
		} else {
			s.broker.PublishImage(events.ImageEvent{
				Repository: repo,
				Tag:        ev.Target.Tag,
				Digest:     ev.Target.Digest,
				Source:     policy.SourceWebhook,
				ReceivedAt: time.Now().UTC(),
			})
		}
		accepted++
	}
	if accepted == 0 {
		metrics.WebhookEventsTotal.WithLabelValues("registry", "bad_payload").Inc()
		http.Error(w, "no push events in payload", http.StatusBadRequest)
		return
	}

	metrics.WebhookEventsTotal.WithLabelValues("registry", "accepted").Inc()
	w.WriteHeader(http.StatusAccepted)
}

// validSignature checks the hex HMAC-SHA256 of the body against the header
// in constant time.
func validSignature(secret string, body []byte, header string) bool {
	if header == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	header = strings.TrimPrefix(header, "sha256=")
	return hmac.Equal([]byte(want), []byte(strings.ToLower(header)))
}
