// Command controller-manager runs the Device, Application and Gateway
// controllers on a single controller-runtime manager: one process, one
// shared client, one leader-elected manager per cluster.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	wasmbedv1alpha1 "github.com/wasmbed/wasmbed/api/wasmbed/v1alpha1"
	"github.com/wasmbed/wasmbed/internal/config"
	"github.com/wasmbed/wasmbed/internal/controller/application"
	"github.com/wasmbed/wasmbed/internal/controller/device"
	"github.com/wasmbed/wasmbed/internal/controller/gateway"
	"github.com/wasmbed/wasmbed/internal/controller/gwresolve"
	"github.com/wasmbed/wasmbed/internal/store"
	"github.com/wasmbed/wasmbed/pkg/shared/logging"
)

var scheme = runtime.NewScheme()

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(wasmbedv1alpha1.AddToScheme(scheme))
}

var (
	metricsAddr          string
	probeAddr            string
	enableLeaderElection bool

	// Version is set via -ldflags at build time.
	Version = "dev"
)

var rootCmd = &cobra.Command{
	Use:     "controller-manager",
	Short:   "Runs the Wasmbed Device, Application and Gateway controllers",
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-bind-address", "127.0.0.1:8443", "address the controller-manager's own metrics endpoint binds to")
	rootCmd.Flags().StringVar(&probeAddr, "health-probe-bind-address", ":8081", "address the health/readiness probe endpoint binds to")
	rootCmd.Flags().BoolVar(&enableLeaderElection, "leader-elect", false, "enable leader election, so only one controller-manager replica is active at a time")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadControllerManager()
	if err != nil {
		return fmt.Errorf("load controller-manager config: %w", err)
	}

	log, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	ctrl.SetLogger(log)
	setupLog := log.WithName("setup")

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), ctrl.Options{
		Scheme:                 scheme,
		Metrics:                metricsserver.Options{BindAddress: metricsAddr},
		HealthProbeBindAddress: probeAddr,
		LeaderElection:         enableLeaderElection,
		LeaderElectionID:       "wasmbed-controller-manager.wasmbed.io",
	})
	if err != nil {
		return fmt.Errorf("construct manager: %w", err)
	}

	st := store.NewKubeStore(mgr.GetClient())
	clients := &gwresolve.ClientCache{
		PortOffset: gwresolve.DefaultAdminPortOffset,
		Timeout:    cfg.RequestTimeout,
	}

	deviceReconciler := &device.Reconciler{
		Store:   st,
		Clients: clients,
		Log:     log.WithName("device-controller"),
		Cfg: device.Config{
			ResyncInterval:          cfg.ResyncInterval,
			UnreachableThreshold:    cfg.UnreachableThreshold,
			LivenessWindow:          cfg.LivenessWindow,
			MaxConcurrentReconciles: cfg.WorkersPerCtrl,
		},
	}
	if err := deviceReconciler.SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "Device")
		return err
	}

	applicationReconciler := &application.Reconciler{
		Store:   st,
		Clients: clients,
		Log:     log.WithName("application-controller"),
		Cfg: application.Config{
			ResyncInterval:          cfg.ResyncInterval,
			MaxInFlight:             cfg.MaxInFlight,
			StopDeadline:            cfg.StopDeadline,
			DeployAckTimeout:        cfg.DeployAckTimeout,
			StopAckTimeout:          cfg.StopAckTimeout,
			MaxConcurrentReconciles: cfg.WorkersPerCtrl,
		},
	}
	if err := applicationReconciler.SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "Application")
		return err
	}

	gatewayReconciler := &gateway.Reconciler{
		Store:   st,
		Clients: clients,
		Log:     log.WithName("gateway-controller"),
		Cfg: gateway.Config{
			ResyncInterval:          cfg.ResyncInterval,
			DrainDeadline:           cfg.DrainDeadline,
			MaxConcurrentReconciles: cfg.WorkersPerCtrl,
		},
	}
	if err := gatewayReconciler.SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "Gateway")
		return err
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up health check")
		return err
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up ready check")
		return err
	}

	setupLog.Info("starting controller-manager",
		"resync_interval", cfg.ResyncInterval,
		"max_in_flight", cfg.MaxInFlight,
		"workers_per_controller", cfg.WorkersPerCtrl,
	)
	if err := mgr.Start(ctrl.SetupSignalHandler()); err != nil {
		setupLog.Error(err, "problem running manager")
		return err
	}
	return nil
}
