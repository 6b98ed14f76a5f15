package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/efortin/vllm-fleet/pkg/kubernetes"
	"github.com/efortin/vllm-fleet/pkg/rbac"
)

const preflightTimeout = 30 * time.Second

var kubeconfigPath string

var preflightCmd = &cobra.Command{
	Use:   "preflight",
	Short: "Check that a cluster is ready to be registered",
	Long: `Check a candidate cluster with the credential that will be registered.

The check will:
- Probe the API server
- Verify the Volcano queue and job CRDs are installed and established
- Verify every RBAC permission the fleet uses is granted`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if kubeconfigPath == "" {
			return fmt.Errorf("--kubeconfig is required")
		}
		kubeconfig, err := os.ReadFile(kubeconfigPath)
		if err != nil {
			return fmt.Errorf("failed to read kubeconfig: %w", err)
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), preflightTimeout)
		defer cancel()
		if err := preflight(ctx, kubeconfig); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Cluster is ready to be registered")
		return nil
	},
}

func preflight(ctx context.Context, kubeconfig []byte) error {
	client, err := kubernetes.NewFromKubeconfig(kubeconfig)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()
	if err := client.Probe(ctx); err != nil {
		return fmt.Errorf("cluster unreachable: %w", err)
	}

	restConfig, err := clientcmd.RESTConfigFromKubeConfig(kubeconfig)
	if err != nil {
		return fmt.Errorf("failed to parse kubeconfig: %w", err)
	}
	verifier, err := rbac.NewVerifier(restConfig)
	if err != nil {
		return err
	}
	return verifier.Verify(ctx)
}

func init() {
	rootCmd.AddCommand(preflightCmd)
	preflightCmd.Flags().StringVar(&kubeconfigPath, "kubeconfig", "", "Kubeconfig of the candidate cluster")
}
