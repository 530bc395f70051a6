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

// Package health watches workloads after an update and rolls them back to
// the previous image when they fail to become healthy in time.
package health

import (
	"context"
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	fluxv2 "github.com/headwind-sh/headwind/api/flux/v2beta1"
)

// State is the outcome of one health evaluation.
type State int

const (
	// StateProgressing means the rollout is neither settled nor failing.
	StateProgressing State = iota
	// StateHealthy means the workload settled on the new version.
	StateHealthy
	// StateFailing means a failure signal was observed this evaluation.
	StateFailing
)

// restartThreshold is the container restart count treated as a failure.
const restartThreshold = 5

// badWaitingReasons are container waiting states that indicate the new
// image cannot run.
var badWaitingReasons = map[string]struct{}{
	"CrashLoopBackOff":     {},
	"ImagePullBackOff":     {},
	"ErrImagePull":         {},
	"CreateContainerError": {},
}

// Checker evaluates workload health against the cluster.
type Checker struct {
	client client.Client
}

// NewChecker builds a Checker.
func NewChecker(c client.Client) *Checker {
	return &Checker{client: c}
}

// Check evaluates the workload identified by kind and target. container and
// image narrow pod inspection to the update being monitored.
func (c *Checker) Check(ctx context.Context, kind string, target types.NamespacedName, container, image string) (State, string, error) {
	switch kind {
	case "Deployment":
		var obj appsv1.Deployment
		if err := c.client.Get(ctx, target, &obj); err != nil {
			return StateProgressing, "", err
		}
		for _, cond := range obj.Status.Conditions {
			if cond.Type == appsv1.DeploymentProgressing && cond.Status == corev1.ConditionFalse &&
				cond.Reason == "ProgressDeadlineExceeded" {
				return StateFailing, "progress deadline exceeded", nil
			}
		}
		if state, reason, err := c.checkPods(ctx, target.Namespace, obj.Spec.Selector, container, image); state == StateFailing || err != nil {
			return state, reason, err
		}
		desired := int32(1)
		if obj.Spec.Replicas != nil {
			desired = *obj.Spec.Replicas
		}
		if obj.Status.UpdatedReplicas == desired && obj.Status.ReadyReplicas == desired &&
			obj.Status.ObservedGeneration >= obj.Generation {
			return StateHealthy, "", nil
		}
		return StateProgressing, "rollout in progress", nil

	case "StatefulSet":
		var obj appsv1.StatefulSet
		if err := c.client.Get(ctx, target, &obj); err != nil {
			return StateProgressing, "", err
		}
		if state, reason, err := c.checkPods(ctx, target.Namespace, obj.Spec.Selector, container, image); state == StateFailing || err != nil {
			return state, reason, err
		}
		desired := int32(1)
		if obj.Spec.Replicas != nil {
			desired = *obj.Spec.Replicas
		}
		if obj.Status.UpdatedReplicas == desired && obj.Status.ReadyReplicas == desired {
			return StateHealthy, "", nil
		}
		return StateProgressing, "rollout in progress", nil

	case "DaemonSet":
		var obj appsv1.DaemonSet
		if err := c.client.Get(ctx, target, &obj); err != nil {
			return StateProgressing, "", err
		}
		if state, reason, err := c.checkPods(ctx, target.Namespace, obj.Spec.Selector, container, image); state == StateFailing || err != nil {
			return state, reason, err
		}
		if obj.Status.DesiredNumberScheduled > 0 &&
			obj.Status.UpdatedNumberScheduled == obj.Status.DesiredNumberScheduled &&
			obj.Status.NumberReady == obj.Status.DesiredNumberScheduled {
			return StateHealthy, "", nil
		}
		return StateProgressing, "rollout in progress", nil

	case "HelmRelease":
		var obj fluxv2.HelmRelease
		if err := c.client.Get(ctx, target, &obj); err != nil {
			return StateProgressing, "", err
		}
		for _, cond := range obj.Status.Conditions {
			if cond.Type == "Ready" {
				switch cond.Status {
				case metav1.ConditionTrue:
					return StateHealthy, "", nil
				case metav1.ConditionFalse:
					return StateFailing, cond.Message, nil
				}
			}
		}
		return StateProgressing, "release not reconciled yet", nil
	}
	return StateProgressing, "", fmt.Errorf("unsupported workload kind %q", kind)
}

// checkPods inspects the pods behind the workload for failure signals on
// the updated container.
func (c *Checker) checkPods(ctx context.Context, namespace string, selector *metav1.LabelSelector, container, image string) (State, string, error) {
	if selector == nil {
		return StateProgressing, "", nil
	}
	sel, err := metav1.LabelSelectorAsSelector(selector)
	if err != nil {
		return StateProgressing, "", err
	}

	var pods corev1.PodList
	if err := c.client.List(ctx, &pods, client.InNamespace(namespace), client.MatchingLabelsSelector{Selector: sel}); err != nil {
		return StateProgressing, "", err
	}

	for i := range pods.Items {
		pod := &pods.Items[i]
		if !podRunsImage(pod, container, image) {
			// Old-revision pod still terminating.
			continue
		}
		for _, cs := range pod.Status.ContainerStatuses {
			if cs.Name != container {
				continue
			}
			if cs.State.Waiting != nil {
				if _, bad := badWaitingReasons[cs.State.Waiting.Reason]; bad {
					return StateFailing, fmt.Sprintf("pod %s: %s", pod.Name, cs.State.Waiting.Reason), nil
				}
			}
			if cs.RestartCount > restartThreshold {
				return StateFailing, fmt.Sprintf("pod %s: %d restarts", pod.Name, cs.RestartCount), nil
			}
		}
	}
	return StateProgressing, "", nil
}

func podRunsImage(pod *corev1.Pod, container, image string) bool {
	for _, c := range pod.Spec.Containers {
		if c.Name == container {
			return c.Image == image
		}
	}
	return false
}
