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

package main

import (
	"context"
	"errors"
	"flag"
	"os"

	// Import all Kubernetes client auth plugins (e.g. Azure, GCP, OIDC, etc.)
	// to ensure that exec-entrypoint and run can make use of them.
	_ "k8s.io/client-go/plugin/pkg/client/auth"

	authorizationv1 "k8s.io/api/authorization/v1"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	fluxv2 "github.com/headwind-sh/headwind/api/flux/v2beta1"
	headwindv1alpha1 "github.com/headwind-sh/headwind/api/v1alpha1"
	"github.com/headwind-sh/headwind/internal/apply"
	"github.com/headwind-sh/headwind/internal/config"
	"github.com/headwind-sh/headwind/internal/constants"
	"github.com/headwind-sh/headwind/internal/controller"
	"github.com/headwind-sh/headwind/internal/events"
	"github.com/headwind-sh/headwind/internal/health"
	"github.com/headwind-sh/headwind/internal/notifications"
	"github.com/headwind-sh/headwind/internal/poller"
	"github.com/headwind-sh/headwind/internal/registry"
	"github.com/headwind-sh/headwind/internal/server/approval"
	"github.com/headwind-sh/headwind/internal/server/webhook"
)

//nolint:gochecknoglobals // Following the kubebuilder pattern
var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(headwindv1alpha1.AddToScheme(scheme))
	utilruntime.Must(fluxv2.AddToScheme(scheme))
	utilruntime.Must(fluxv2.AddSourceToScheme(scheme))
}

func main() {
	retcode := 0
	defer func() { os.Exit(retcode) }()

	var metricsAddr string
	var probeAddr string
	var enableLeaderElection bool
	var enableHelmReleases bool
	flag.StringVar(&metricsAddr, "metrics-bind-address", constants.MetricsListenAddr,
		"The address the metric endpoint binds to.")
	flag.StringVar(&probeAddr, "health-probe-bind-address", ":8082",
		"The address the probe endpoint binds to.")
	flag.BoolVar(&enableLeaderElection, "leader-elect", false,
		"Enable leader election for controller manager. "+
			"Enabling this will ensure there is only one active controller manager.")
	flag.BoolVar(&enableHelmReleases, "enable-helm-releases", true,
		"Watch Flux HelmRelease resources. Disable on clusters without the Flux CRDs.")

	opts := zap.Options{}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()
	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))

	cfg, err := config.FromEnv()
	if err != nil {
		setupLog.Error(err, "invalid configuration")
		retcode = 1
		return
	}
	cfgStore := config.NewStore(cfg)

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), ctrl.Options{
		Scheme: scheme,
		Metrics: metricsserver.Options{
			BindAddress: metricsAddr,
		},
		HealthProbeBindAddress: probeAddr,
		LeaderElection:         enableLeaderElection,
		LeaderElectionID:       "0f9c8e2a.headwind.sh",
	})
	if err != nil {
		setupLog.Error(err, "unable to start manager")
		retcode = 1
		return
	}

	broker := events.NewBroker(ctrl.Log.WithName("events"), constants.EventChannelCapacity)
	tracker := controller.NewTracker()
	applier := apply.New(mgr.GetClient())
	notifier := buildNotifier(cfg)

	checker := health.NewChecker(mgr.GetClient())
	monitor := health.NewMonitor(ctrl.Log.WithName("health"), checker, applier, notifier)

	handler := controller.NewUpdateHandler(mgr.GetClient(), ctrl.Log.WithName("updates"),
		tracker, applier, notifier, monitor)
	handler.Register(broker)

	if err = setupReconcilers(mgr, tracker, applier, notifier, enableHelmReleases); err != nil {
		setupLog.Error(err, "unable to create controllers")
		retcode = 1
		return
	}

	if err = setupRunnables(mgr, broker, tracker, applier, notifier, monitor, cfgStore); err != nil {
		setupLog.Error(err, "unable to register runnables")
		retcode = 1
		return
	}

	if err = mgr.Add(manager.RunnableFunc(func(ctx context.Context) error {
		checkRBAC(ctx, mgr.GetClient())
		return nil
	})); err != nil {
		setupLog.Error(err, "unable to add rbac self-check")
		retcode = 1
		return
	}

	if err = setupProbes(mgr); err != nil {
		setupLog.Error(err, "unable to set up probes")
		retcode = 1
		return
	}

	setupLog.Info("starting manager")
	if err = mgr.Start(ctrl.SetupSignalHandler()); err != nil {
		setupLog.Error(err, "problem running manager")
		retcode = 1
		return
	}
}

func buildNotifier(cfg config.Config) notifications.Notifier {
	var sinks []notifications.Sink
	if cfg.SlackWebhookURL != "" {
		sinks = append(sinks, notifications.NewSlackSink(cfg.SlackWebhookURL, cfg.UIURL))
	}
	if cfg.NotificationWebhookURL != "" {
		sinks = append(sinks, notifications.NewWebhookSink(cfg.NotificationWebhookURL))
	}
	if len(sinks) == 0 {
		return notifications.Discard{}
	}
	return notifications.NewManager(ctrl.Log.WithName("notifications"), sinks...)
}

func setupReconcilers(mgr ctrl.Manager, tracker *controller.Tracker, applier *apply.Applier,
	notifier notifications.Notifier, enableHelmReleases bool) error {
	recorder := mgr.GetEventRecorderFor("headwind")

	if err := (&controller.DeploymentReconciler{
		Client:   mgr.GetClient(),
		Recorder: recorder,
		Tracker:  tracker,
	}).SetupWithManager(mgr); err != nil {
		return errors.Join(errors.New("unable to create Deployment controller"), err)
	}

	if err := (&controller.StatefulSetReconciler{
		Client:   mgr.GetClient(),
		Recorder: recorder,
		Tracker:  tracker,
	}).SetupWithManager(mgr); err != nil {
		return errors.Join(errors.New("unable to create StatefulSet controller"), err)
	}

	if err := (&controller.DaemonSetReconciler{
		Client:   mgr.GetClient(),
		Recorder: recorder,
		Tracker:  tracker,
	}).SetupWithManager(mgr); err != nil {
		return errors.Join(errors.New("unable to create DaemonSet controller"), err)
	}

	if enableHelmReleases {
		if err := (&controller.HelmReleaseReconciler{
			Client:   mgr.GetClient(),
			Recorder: recorder,
			Tracker:  tracker,
		}).SetupWithManager(mgr); err != nil {
			return errors.Join(errors.New("unable to create HelmRelease controller"), err)
		}
	}

	if err := (&controller.UpdateRequestReconciler{
		Client:   mgr.GetClient(),
		Applier:  applier,
		Notifier: notifier,
	}).SetupWithManager(mgr); err != nil {
		return errors.Join(errors.New("unable to create UpdateRequest controller"), err)
	}
	return nil
}

func setupRunnables(mgr ctrl.Manager, broker *events.Broker, tracker *controller.Tracker,
	applier *apply.Applier, notifier notifications.Notifier, monitor *health.Monitor,
	cfgStore *config.Store) error {
	if err := mgr.Add(broker); err != nil {
		return errors.Join(errors.New("unable to add event broker"), err)
	}
	if err := mgr.Add(monitor); err != nil {
		return errors.Join(errors.New("unable to add health monitor"), err)
	}

	webhookServer := webhook.NewServer(ctrl.Log.WithName("webhook"), broker,
		func() string { return cfgStore.Get().WebhookSecret })
	if err := mgr.Add(webhookServer); err != nil {
		return errors.Join(errors.New("unable to add webhook server"), err)
	}

	approvalServer := approval.NewServer(ctrl.Log.WithName("approval"), mgr.GetClient(),
		applier, notifier, cfgStore)
	if err := mgr.Add(approvalServer); err != nil {
		return errors.Join(errors.New("unable to add approval server"), err)
	}

	if cfgStore.Get().PollingEnabled {
		oci := registry.NewOCIClient()
		p := poller.New(ctrl.Log.WithName("poller"), mgr.GetClient(), tracker, broker,
			oci, registry.NewHelmClient(oci), registry.NewKeychain(mgr.GetClient()), cfgStore)
		if err := mgr.Add(p); err != nil {
			return errors.Join(errors.New("unable to add registry poller"), err)
		}
	}
	return nil
}

// checkRBAC verifies at startup that the service account can patch the
// workload kinds it manages, so missing permissions surface as a clear log
// line instead of a failed update later.
func checkRBAC(ctx context.Context, c client.Client) {
	checks := []struct {
		group    string
		resource string
	}{
		{"apps", "deployments"},
		{"apps", "statefulsets"},
		{"apps", "daemonsets"},
		{"headwind.sh", "updaterequests"},
	}
	for _, check := range checks {
		review := &authorizationv1.SelfSubjectAccessReview{
			Spec: authorizationv1.SelfSubjectAccessReviewSpec{
				ResourceAttributes: &authorizationv1.ResourceAttributes{
					Group:    check.group,
					Resource: check.resource,
					Verb:     "update",
				},
			},
		}
		if err := c.Create(ctx, review); err != nil {
			setupLog.Error(err, "rbac self-check failed", "resource", check.resource)
			continue
		}
		if !review.Status.Allowed {
			setupLog.Info("missing update permission, updates for this kind will fail",
				"group", check.group, "resource", check.resource)
		}
	}
}

func setupProbes(mgr ctrl.Manager) error {
	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		return errors.Join(errors.New("unable to set up health check"), err)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		return errors.Join(errors.New("unable to set up ready check"), err)
	}
	return nil
}
