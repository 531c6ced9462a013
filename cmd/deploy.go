package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"vmforge/internal/config"
	"vmforge/internal/deployment"
	"vmforge/internal/logging"
	"vmforge/internal/machine"
	"vmforge/internal/provisioning"
	"vmforge/internal/state"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	deployFile    string
	deployInclude []string
)

// deployCmd represents the deploy command
var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Create or start the machines of a deployment",
	Long: `Reconcile every machine declared in the deployment file: create the VM if none is
recorded, start it if it is stopped, wait until it runs and record its addresses.
Machines already recorded as up are left alone. Machines are processed in file
order and the first failure stops the run.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		dep, err := deployment.Load(deployFile)
		if err != nil {
			logging.Logger().Fatal("Failed to load deployment", zap.String("file", deployFile), zap.Error(err))
		}
		if deploymentName == "" && dep.Name != "" {
			cfg.State.Deployment = dep.Name
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		store, err := state.NewStore(ctx, cfg.State)
		if err != nil {
			logging.Logger().Fatal("Failed to open state store", zap.Error(err))
		}
		defer store.Close()

		if err := deploy(ctx, cfg, dep, store, provisioning.NewOpener(cfg), deployInclude); err != nil {
			logHint(err)
			store.Close()
			logging.Logger().Fatal("Deploy failed", zap.Error(err))
		}
	},
}

func init() {
	rootCmd.AddCommand(deployCmd)

	deployCmd.Flags().StringVarP(&deployFile, "deployment", "d", "deployment.yaml", "Path to deployment YAML file")
	deployCmd.Flags().StringSliceVar(&deployInclude, "include", nil, "Only deploy these machines")
}

// deploy parses every selected definition before touching any provider, then
// reconciles the machines one at a time.
func deploy(ctx context.Context, cfg *config.Config, dep *deployment.Deployment, store machine.Store, open machine.Opener, include []string) error {
	selected, err := selectMachines(dep, include)
	if err != nil {
		return err
	}

	defns := make([]machine.Definition, 0, len(selected))
	for _, m := range selected {
		schema, err := provisioning.SchemaFor(m.TargetEnv)
		if err != nil {
			return &machine.ConfigError{Machine: m.Name, Field: "targetEnv", Reason: "unsupported", Err: err}
		}
		defn, err := machine.ParseDefinition(m, schema)
		if err != nil {
			return err
		}
		defns = append(defns, defn)
	}

	names := make([]string, 0, len(defns))
	for _, d := range defns {
		names = append(names, d.Name)
	}
	logging.Logger().Info("Deploying machines",
		zap.String("deployment", cfg.State.Deployment),
		zap.Int("count", len(defns)),
		zap.Strings("machines", logging.TruncateSlice(names, 10)))

	for _, defn := range defns {
		m := machine.New(defn.Name, store, open, provisioning.MachineOptions(cfg, defn.Type))
		err := m.Create(ctx, defn)
		if closeErr := m.Close(); closeErr != nil {
			logging.Logger().Warn("Failed to close provider session", zap.String("machine", defn.Name), zap.Error(closeErr))
		}
		if err != nil {
			return fmt.Errorf("machine %s: %w", defn.Name, err)
		}
	}

	logging.Logger().Info("Deployment complete", zap.String("deployment", cfg.State.Deployment))
	return nil
}

func selectMachines(dep *deployment.Deployment, include []string) ([]deployment.Machine, error) {
	if len(include) == 0 {
		return dep.Machines, nil
	}
	want := make(map[string]bool, len(include))
	for _, name := range include {
		if _, ok := dep.Machine(name); !ok {
			return nil, fmt.Errorf("machine %q is not declared in the deployment", name)
		}
		want[name] = true
	}
	var selected []deployment.Machine
	for _, m := range dep.Machines {
		if want[m.Name] {
			selected = append(selected, m)
		}
	}
	return selected, nil
}

// logHint adds an operator-facing hint for the typed reconciliation errors
func logHint(err error) {
	var (
		imgErr     *machine.ImageNotFoundError
		timeoutErr *machine.PollTimeoutError
		unsupErr   *machine.UnsupportedOperationError
	)
	switch {
	case errors.As(err, &imgErr):
		logging.Logger().Warn("Base image is missing; upload it or set providers.<type>.base_image",
			zap.String("provider", imgErr.Provider), zap.String("image", imgErr.Name))
	case errors.As(err, &timeoutErr):
		logging.Logger().Warn("VM did not reach the wanted state; rerun deploy to resume polling",
			zap.String("vm_id", timeoutErr.VMID), zap.String("last_state", string(timeoutErr.Last)))
	case errors.As(err, &unsupErr):
		logging.Logger().Warn("Provider cannot start stopped VMs; start it manually and rerun deploy",
			zap.String("provider", unsupErr.Provider))
	}
}
