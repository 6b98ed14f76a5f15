package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/efortin/vllm-fleet/pkg/config"
)

var (
	cfgFile string
	v       = config.New()
)

var rootCmd = &cobra.Command{
	Use:   "fleet",
	Short: "Control plane for vLLM inference and training across Kubernetes clusters",
	Long: `vLLM Fleet registers Kubernetes clusters, carves them into quota-bounded
resource pools backed by Volcano queues, and deploys vLLM inference servers
and batch training jobs into those pools.

Configuration is read from flags, FLEET_* environment variables and an
optional YAML file given with --config.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the build information reported by the version command.
func SetVersion(version, commit, date string) {
	buildVersion, buildCommit, buildDate = version, commit, date
	rootCmd.Version = version
}

// loadConfig decodes and validates the configuration.
func loadConfig() (*config.Config, error) {
	c, err := config.Load(v, cfgFile)
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func bindFlag(vp *viper.Viper, key string, cmd *cobra.Command, flag string) {
	if err := vp.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format (text, json)")
	if err := v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level")); err != nil {
		panic(err)
	}
	if err := v.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format")); err != nil {
		panic(err)
	}
}
