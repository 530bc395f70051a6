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

// Package approval serves the HTTP API that lists, approves and rejects
// UpdateRequests and triggers manual rollbacks.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/util/retry"
	"sigs.k8s.io/controller-runtime/pkg/client"

	fluxv2 "github.com/headwind-sh/headwind/api/flux/v2beta1"
	headwindv1alpha1 "github.com/headwind-sh/headwind/api/v1alpha1"
	"github.com/headwind-sh/headwind/internal/apply"
	"github.com/headwind-sh/headwind/internal/config"
	"github.com/headwind-sh/headwind/internal/constants"
	"github.com/headwind-sh/headwind/internal/controller"
	"github.com/headwind-sh/headwind/internal/history"
	"github.com/headwind-sh/headwind/internal/metrics"
	"github.com/headwind-sh/headwind/internal/notifications"
)

// errConflict marks a phase transition that lost to a terminal phase.
var errConflict = errors.New("request is no longer pending")

// Server is the approval API, a manager.Runnable HTTP server.
type Server struct {
	log      logr.Logger
	client   client.Client
	applier  *apply.Applier
	notifier notifications.Notifier
	config   *config.Store

	addr string
}

// NewServer wires the approval API.
func NewServer(log logr.Logger, c client.Client, applier *apply.Applier,
	notifier notifications.Notifier, cfg *config.Store) *Server {
	return &Server{
		log:      log,
		client:   c,
		applier:  applier,
		notifier: notifier,
		config:   cfg,
		addr:     constants.ApprovalListenAddr,
	}
}

// Router builds the chi router, exposed for tests.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(constants.ApprovalApplyTimeout))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/updates", s.handleList)
		r.Get("/updates/{namespace}/{name}", s.handleGet)
		r.Post("/updates/{namespace}/{name}/approve", s.handleApprove)
		r.Post("/updates/{namespace}/{name}/reject", s.handleReject)
		r.Post("/rollback/{namespace}/{name}/{container}", s.handleRollback)
	})
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
	s.log.Info("approval server listening", "addr", s.addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var list headwindv1alpha1.UpdateRequestList
	opts := []client.ListOption{}
	if ns := r.URL.Query().Get("namespace"); ns != "" {
		opts = append(opts, client.InNamespace(ns))
	}
	if err := s.client.List(r.Context(), &list, opts...); err != nil {
		s.serverError(w, err)
		return
	}

	items := list.Items
	if phase := r.URL.Query().Get("phase"); phase != "" {
		filtered := items[:0]
		for _, ur := range items {
			if strings.EqualFold(string(ur.Status.Phase), phase) {
				filtered = append(filtered, ur)
			}
		}
		items = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	ur, ok := s.fetch(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ur)
}

type approveBody struct {
	Approver string `json:"approver"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	ur, ok := s.fetch(w, r)
	if !ok {
		return
	}

	var body approveBody
	_ = json.NewDecoder(r.Body).Decode(&body)
	approver := s.identity(r, body.Approver)

	key := client.ObjectKeyFromObject(ur)
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		var latest headwindv1alpha1.UpdateRequest
		if getErr := s.client.Get(r.Context(), key, &latest); getErr != nil {
			return getErr
		}
		if latest.Status.Phase != headwindv1alpha1.PhasePending || latest.Status.ApprovedBy != "" {
			return errConflict
		}
		now := metav1.Now()
		latest.Status.ApprovedBy = approver
		latest.Status.ApprovedAt = &now
		return s.client.Status().Update(r.Context(), &latest)
	})
	if errors.Is(err, errConflict) {
		http.Error(w, "request is not pending", http.StatusConflict)
		return
	}
	if err != nil {
		s.serverError(w, err)
		return
	}

	if err := controller.CompleteApproved(r.Context(), s.client, s.applier, s.notifier, key); err != nil {
		s.serverError(w, err)
		return
	}

	var final headwindv1alpha1.UpdateRequest
	if err := s.client.Get(r.Context(), key, &final); err != nil {
		s.serverError(w, err)
		return
	}
	if final.Status.Phase == headwindv1alpha1.PhaseFailed {
		// The approval was recorded but the apply failed; surface the error
		// message with a server error status.
		writeJSON(w, http.StatusInternalServerError, final)
		return
	}
	writeJSON(w, http.StatusOK, final)
}

type rejectBody struct {
	Reason     string `json:"reason"`
	RejectedBy string `json:"rejectedBy"`
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	ur, ok := s.fetch(w, r)
	if !ok {
		return
	}

	var body rejectBody
	_ = json.NewDecoder(r.Body).Decode(&body)
	if strings.TrimSpace(body.Reason) == "" {
		http.Error(w, "a rejection reason is required", http.StatusBadRequest)
		return
	}
	rejectedBy := s.identity(r, body.RejectedBy)

	key := client.ObjectKeyFromObject(ur)
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		var latest headwindv1alpha1.UpdateRequest
		if getErr := s.client.Get(r.Context(), key, &latest); getErr != nil {
			return getErr
		}
		if latest.Status.Phase != headwindv1alpha1.PhasePending || latest.Status.ApprovedBy != "" {
			return errConflict
		}
		now := metav1.Now()
		latest.Status.Phase = headwindv1alpha1.PhaseRejected
		latest.Status.RejectedBy = rejectedBy
		latest.Status.RejectedAt = &now
		latest.Status.RejectionReason = body.Reason
		return s.client.Status().Update(r.Context(), &latest)
	})
	if errors.Is(err, errConflict) {
		http.Error(w, "request is not pending", http.StatusConflict)
		return
	}
	if err != nil {
		s.serverError(w, err)
		return
	}

	metrics.UpdatesRejected.WithLabelValues("api").Inc()
	s.notifier.Notify(r.Context(), notifications.Event{
		Type:      notifications.UpdateRejected,
		Kind:      ur.Spec.TargetRef.Kind,
		Namespace: ur.Spec.TargetRef.Namespace,
		Name:      ur.Spec.TargetRef.Name,
		Container: ur.Spec.ContainerName,
		From:      ur.Spec.CurrentImage,
		To:        ur.Spec.NewImage,
		Approver:  rejectedBy,
		Reason:    body.Reason,
	})

	var final headwindv1alpha1.UpdateRequest
	if err := s.client.Get(r.Context(), key, &final); err != nil {
		s.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, final)
}

type rollbackBody struct {
	// Kind selects the workload kind, defaulting to Deployment.
	Kind string `json:"kind"`
	// Index selects the history entry to roll back to; 0 is the most
	// recent update.
	Index int    `json:"index"`
	By    string `json:"by"`
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	target := types.NamespacedName{
		Namespace: chi.URLParam(r, "namespace"),
		Name:      chi.URLParam(r, "name"),
	}
	container := chi.URLParam(r, "container")

	var body rollbackBody
	_ = json.NewDecoder(r.Body).Decode(&body)
	kind := body.Kind
	if v := r.URL.Query().Get("kind"); v != "" {
		kind = v
	}
	if kind == "" {
		kind = "Deployment"
	}

	annotations, currentImage, err := s.workloadState(r.Context(), kind, target, container)
	if err != nil {
		if apierrors.IsNotFound(err) {
			http.Error(w, "workload not found", http.StatusNotFound)
			return
		}
		s.serverError(w, err)
		return
	}

	h, err := history.Decode(annotations)
	if err != nil {
		s.serverError(w, err)
		return
	}
	entry, ok := h.At(container, body.Index)
	if !ok {
		http.Error(w, "no history entry to roll back to", http.StatusNotFound)
		return
	}

	by := s.identity(r, body.By)
	if err := s.applier.Apply(r.Context(), apply.Update{
		Kind:      kind,
		Target:    target,
		Container: container,
		From:      currentImage,
		To:        entry.FromImage,
		Approver:  by,
	}); err != nil {
		metrics.RollbacksFailed.Inc()
		s.serverError(w, err)
		return
	}

	metrics.RollbacksTotal.WithLabelValues("manual").Inc()
	s.notifier.Notify(r.Context(), notifications.Event{
		Type:      notifications.RollbackPerformed,
		Kind:      kind,
		Namespace: target.Namespace,
		Name:      target.Name,
		Container: container,
		From:      currentImage,
		To:        entry.FromImage,
		Approver:  by,
	})
	writeJSON(w, http.StatusOK, map[string]string{
		"rolledBackTo": entry.FromImage,
	})
}

// fetch loads the request from the URL, writing 404 on absence.
func (s *Server) fetch(w http.ResponseWriter, r *http.Request) (*headwindv1alpha1.UpdateRequest, bool) {
	key := types.NamespacedName{
		Namespace: chi.URLParam(r, "namespace"),
		Name:      chi.URLParam(r, "name"),
	}
	var ur headwindv1alpha1.UpdateRequest
	if err := s.client.Get(r.Context(), key, &ur); err != nil {
		if apierrors.IsNotFound(err) {
			http.Error(w, "update request not found", http.StatusNotFound)
			return nil, false
		}
		s.serverError(w, err)
		return nil, false
	}
	return &ur, true
}

// identity resolves the acting user: in proxy auth mode the trusted header
// wins, otherwise the body value, falling back to "anonymous".
func (s *Server) identity(r *http.Request, fromBody string) string {
	cfg := s.config.Get()
	if cfg.UIAuthMode == config.AuthModeProxy && cfg.UIProxyHeader != "" {
		if v := r.Header.Get(cfg.UIProxyHeader); v != "" {
			return v
		}
	}
	if fromBody != "" {
		return fromBody
	}
	return "anonymous"
}

// workloadState reads the annotations and the container's current image.
func (s *Server) workloadState(ctx context.Context, kind string, target types.NamespacedName, container string) (map[string]string, string, error) {
	switch kind {
	case "Deployment":
		var obj appsv1.Deployment
		if err := s.client.Get(ctx, target, &obj); err != nil {
			return nil, "", err
		}
		return obj.Annotations, containerImage(obj.Spec.Template.Spec.Containers, container), nil
	case "StatefulSet":
		var obj appsv1.StatefulSet
		if err := s.client.Get(ctx, target, &obj); err != nil {
			return nil, "", err
		}
		return obj.Annotations, containerImage(obj.Spec.Template.Spec.Containers, container), nil
	case "DaemonSet":
		var obj appsv1.DaemonSet
		if err := s.client.Get(ctx, target, &obj); err != nil {
			return nil, "", err
		}
		return obj.Annotations, containerImage(obj.Spec.Template.Spec.Containers, container), nil
	case "HelmRelease":
		var obj fluxv2.HelmRelease
		if err := s.client.Get(ctx, target, &obj); err != nil {
			return nil, "", err
		}
		return obj.Annotations, obj.Spec.Chart.Spec.Version, nil
	}
	return nil, "", apierrors.NewNotFound(appsv1.Resource("workloads"), kind)
}

func (s *Server) serverError(w http.ResponseWriter, err error) {
	s.log.Error(err, "approval api error")
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func containerImage(containers []corev1.Container, name string) string {
	for _, c := range containers {
		if c.Name == name {
			return c.Image
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
