package cmd

import (
	"os"

	"vmforge/internal/config"
	"vmforge/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfgFile        string
	deploymentName string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "vmforge",
	Short: "Declarative VM deployments",
	Long: `vmforge reconciles the machines declared in a deployment file against
cloud provider VM APIs (CloudSigma, DigitalOcean, AWS, GCP, Yandex Cloud, Hetzner)
and records their identifiers and addresses in deployment state.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $VMFORGE_CONFIG or vmforge.yaml)")
	rootCmd.PersistentFlags().StringVarP(&deploymentName, "name", "n", "", "deployment name (overrides state.deployment)")
}

// loadConfig loads the tool configuration or exits
func loadConfig() *config.Config {
	path := config.Path(cfgFile)
	cfg, err := config.Load(path)
	if err != nil {
		logging.Logger().Fatal("Failed to load config", zap.String("path", path), zap.Error(err))
	}
	if deploymentName != "" {
		cfg.State.Deployment = deploymentName
	}
	return cfg
}
