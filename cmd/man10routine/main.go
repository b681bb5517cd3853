package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/man10server/man10routine/internal/logging"
	"github.com/man10server/man10routine/pkg/argocd"
	"github.com/man10server/man10routine/pkg/config"
	"github.com/man10server/man10routine/pkg/kube"
	_ "github.com/man10server/man10routine/pkg/metrics" // register collectors
	"github.com/man10server/man10routine/pkg/routine"
	"github.com/man10server/man10routine/pkg/shutdown"
)

var configPath string

func main() {
	logging.NewDefault()

	root := &cobra.Command{
		Use:   "man10routine",
		Short: "Daily maintenance routine for the man10 Minecraft fleet",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to the routine's YAML configuration file")
	root.MarkPersistentFlagRequired("config")

	root.AddCommand(&cobra.Command{
		Use:   "daily",
		Short: "Run the daily teardown/snapshot/relaunch routine once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaily(cmd.Context(), configPath)
		},
	})

	if err := root.ExecuteContext(context.Background()); err != nil {
		slog.Error("man10routine failed", "error", err)
		os.Exit(1)
	}
}

// runDaily wires C1–C9 together, runs the routine, and unconditionally
// finalizes before returning, per spec §4.9.
func runDaily(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	restConfig, err := loadKubeconfig()
	if err != nil {
		return fmt.Errorf("load kubeconfig: %w", err)
	}
	client, err := kube.NewClient(restConfig)
	if err != nil {
		return fmt.Errorf("build kube client: %w", err)
	}

	latch := shutdown.New(ctx)
	registry := argocd.NewRegistry(cfg.Forest, &argocd.ClientAdapter{Client: client})

	r, err := routine.Build(cfg, client, registry, latch)
	if err != nil {
		return fmt.Errorf("build task graph: %w", err)
	}

	runErr := r.Run(ctx)
	r.Finalize(ctx)

	if runErr != nil {
		return fmt.Errorf("daily routine failed: %w", runErr)
	}
	slog.Info("daily routine completed")
	return nil
}

// loadKubeconfig follows client-go's standard resolution: in-cluster config
// when running as a pod, falling back to the default kubeconfig loading
// rules (KUBECONFIG env var, then ~/.kube/config) for local/manual runs.
func loadKubeconfig() (*rest.Config, error) {
	if cfg, err := rest.InClusterConfig(); err == nil {
		return cfg, nil
	}
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	overrides := &clientcmd.ConfigOverrides{}
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, overrides).ClientConfig()
}
