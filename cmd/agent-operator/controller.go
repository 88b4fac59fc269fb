// Copyright Contributors to the Agent Platform project

package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	agentsv1 "github.com/5dlabs/platform-sub001/api/v1"
	"github.com/5dlabs/platform-sub001/internal/config"
	"github.com/5dlabs/platform-sub001/internal/controller"
	"github.com/5dlabs/platform-sub001/internal/server"
)

// scheme is the runtime scheme for the controllers
var scheme = runtime.NewScheme()

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(agentsv1.AddToScheme(scheme))

	rootCmd.AddCommand(controllerCmd)
}

var controllerCmd = &cobra.Command{
	Use:   "controller",
	Short: "Start the Kubernetes controllers",
	Long: `Start the DocsRun and CodeRun controllers together with the admin
HTTP server. The process exits non-zero when the operator configuration
fails validation or the cluster client cannot be constructed.

Example:
  agent-operator controller --config=/etc/agent-operator/config.yaml`,
	RunE: runController,
}

// Controller flags
var (
	configPath       string
	metricsAddr      string
	probeAddr        string
	adminAddr        string
	enableLeaderElec bool
)

func init() {
	controllerCmd.Flags().StringVar(&configPath, "config", config.DefaultConfigPath,
		"Path to the operator configuration file")
	controllerCmd.Flags().StringVar(&metricsAddr, "metrics-bind-address", ":8080",
		"The address the metrics endpoint binds to")
	controllerCmd.Flags().StringVar(&probeAddr, "health-probe-bind-address", ":8081",
		"The address the probe endpoint binds to")
	controllerCmd.Flags().StringVar(&adminAddr, "admin-address", ":8084",
		"The address the admin HTTP server binds to")
	controllerCmd.Flags().BoolVar(&enableLeaderElec, "leader-elect", false,
		"Enable leader election for controller manager")
}

func runController(cmd *cobra.Command, args []string) error {
	opts := zap.Options{
		Development: true,
	}
	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))
	setupLog := ctrl.Log.WithName("setup")

	cfg, err := config.Load(configPath)
	if err != nil {
		setupLog.Error(err, "Failed to load operator configuration", "path", configPath)
		return err
	}
	setupLog.Info("Loaded operator configuration", "path", configPath,
		"agentImage", cfg.AgentImage(), "cleanupEnabled", cfg.Cleanup.Enabled)

	restConfig, err := ctrl.GetConfig()
	if err != nil {
		return fmt.Errorf("failed to get kubeconfig: %w", err)
	}

	mgr, err := ctrl.NewManager(restConfig, ctrl.Options{
		Scheme: scheme,
		Metrics: metricsserver.Options{
			BindAddress: metricsAddr,
		},
		HealthProbeBindAddress: probeAddr,
		LeaderElection:         enableLeaderElec,
		LeaderElectionID:       "agents.platform",
	})
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}

	if err := (&controller.DocsRunReconciler{
		Client:   mgr.GetClient(),
		Scheme:   mgr.GetScheme(),
		Recorder: mgr.GetEventRecorderFor("docsrun-controller"),
		Config:   cfg,
	}).SetupWithManager(mgr); err != nil {
		return fmt.Errorf("failed to set up DocsRun controller: %w", err)
	}

	if err := (&controller.CodeRunReconciler{
		Client:   mgr.GetClient(),
		Scheme:   mgr.GetScheme(),
		Recorder: mgr.GetEventRecorderFor("coderun-controller"),
		Config:   cfg,
	}).SetupWithManager(mgr); err != nil {
		return fmt.Errorf("failed to set up CodeRun controller: %w", err)
	}

	// The admin server runs under the manager so a shutdown signal drains
	// it together with the controllers.
	admin := server.New(server.Options{Address: adminAddr}, mgr.GetClient())
	if err := mgr.Add(admin); err != nil {
		return fmt.Errorf("failed to add admin server: %w", err)
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		return fmt.Errorf("failed to set up health check: %w", err)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		return fmt.Errorf("failed to set up ready check: %w", err)
	}

	setupLog.Info("Starting manager")
	if err := mgr.Start(ctrl.SetupSignalHandler()); err != nil {
		return fmt.Errorf("manager exited: %w", err)
	}
	return nil
}
