package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"vmforge/internal/config"
	"vmforge/internal/control"
	"vmforge/internal/logging"
	"vmforge/internal/machine"
	"vmforge/internal/ssh"
	"vmforge/internal/state"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var checkCommand string

// checkCmd represents the check command
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check SSH reachability of running machines",
	Long: `Connect to every machine recorded as up with the deployment SSH key and run a
command on it. Machines without a recorded address are reported as skipped.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		store, err := state.NewStore(ctx, cfg.State)
		if err != nil {
			logging.Logger().Fatal("Failed to open state store", zap.Error(err))
		}
		defer store.Close()

		keys, err := ssh.NewKeyProvider(ctx, cfg.State, cfg.SSH)
		if err != nil {
			logging.Logger().Fatal("Failed to open key storage", zap.Error(err))
		}
		defer keys.Close()

		keyPair, err := keys.GetOrCreate(ctx)
		if err != nil {
			logging.Logger().Error("Failed to get SSH key pair", zap.Error(err))
			return
		}

		states, err := store.List(ctx)
		if err != nil {
			logging.Logger().Error("Failed to list machines", zap.Error(err))
			return
		}

		if failed := checkMachines(ctx, os.Stdout, cfg.SSH, keyPair.PrivateKey, states, control.NewController); failed > 0 {
			logging.Logger().Error("Some machines are unreachable", zap.Int("failed", failed))
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)

	checkCmd.Flags().StringVar(&checkCommand, "command", "true", "Command to run on each machine")
}

type dialFunc func(ctx context.Context, c control.Config) (control.Controller, error)

// checkMachines runs checkCommand on every UP machine and returns the number of failures
func checkMachines(ctx context.Context, out io.Writer, sshCfg config.SSHConfig, privateKey string, states []*machine.State, dial dialFunc) int {
	failed := 0
	for _, st := range states {
		if st.Status != machine.StatusUp {
			continue
		}
		host := st.SSHName()
		if host == "" {
			fmt.Fprintf(out, "%s\tSKIPPED\tno public address recorded\n", st.Name)
			continue
		}

		c, err := dial(ctx, control.Config{
			Host:        host,
			Port:        sshCfg.Port,
			User:        sshCfg.User,
			PrivateKey:  privateKey,
			Timeout:     sshCfg.Timeout,
			MachineName: st.Name,
		})
		if err != nil {
			failed++
			fmt.Fprintf(out, "%s\tFAIL\t%v\n", st.Name, err)
			continue
		}
		_, err = c.Run(ctx, checkCommand)
		if closeErr := c.Close(); closeErr != nil {
			logging.Logger().Debug("failed to close SSH connection", zap.String("machine", st.Name), zap.Error(closeErr))
		}
		if err != nil {
			failed++
			fmt.Fprintf(out, "%s\tFAIL\t%v\n", st.Name, err)
			continue
		}
		fmt.Fprintf(out, "%s\tOK\t%s\n", st.Name, host)
	}
	return failed
}
