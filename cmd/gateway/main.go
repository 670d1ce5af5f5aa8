// Command gateway runs one Gateway Server instance: the device-facing
// TCP/TLS listener and operator-facing admin HTTP surface described by
// pkg/gateway.Server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	wasmbedv1alpha1 "github.com/wasmbed/wasmbed/api/wasmbed/v1alpha1"
	"github.com/wasmbed/wasmbed/internal/config"
	"github.com/wasmbed/wasmbed/internal/store"
	"github.com/wasmbed/wasmbed/pkg/gateway"
	"github.com/wasmbed/wasmbed/pkg/gateway/metrics"
	"github.com/wasmbed/wasmbed/pkg/shared/logging"
)

// Version is set via -ldflags at build time.
var Version = "dev"

var scheme = runtime.NewScheme()

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(wasmbedv1alpha1.AddToScheme(scheme))
}

var rootCmd = &cobra.Command{
	Use:     "gateway",
	Short:   "Runs one Wasmbed Gateway Server instance",
	Version: Version,
	RunE:    run,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadGateway()
	if err != nil {
		return fmt.Errorf("load gateway config: %w", err)
	}

	log, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	ctrl.SetLogger(log)

	restCfg, err := ctrl.GetConfig()
	if err != nil {
		return fmt.Errorf("load in-cluster/kubeconfig config: %w", err)
	}
	kc, err := client.New(restCfg, client.Options{Scheme: scheme})
	if err != nil {
		return fmt.Errorf("construct kube client: %w", err)
	}
	st := store.NewKubeStore(kc)

	m := metrics.NewMetrics()

	srv, err := gateway.NewServer(*cfg, st, m, log)
	if err != nil {
		return fmt.Errorf("construct gateway server: %w", err)
	}

	log.Info("starting gateway server",
		"gateway_name", cfg.GatewayName,
		"bind_addr", cfg.BindAddr,
		"admin_bind_addr", cfg.AdminBindAddr,
		"tls_enabled", cfg.TLSEnabled(),
		"pairing_mode", cfg.PairingMode.Bool(),
	)

	return srv.Run(ctrl.SetupSignalHandler())
}
