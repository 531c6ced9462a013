package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"vmforge/internal/logging"
	"vmforge/internal/machine"
	"vmforge/internal/state"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// infoCmd represents the info command
var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show recorded machine state",
	Long:  `Print the persisted state of every machine in the deployment.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		store, err := state.NewStore(ctx, cfg.State)
		if err != nil {
			logging.Logger().Fatal("Failed to open state store", zap.Error(err))
		}
		defer store.Close()

		states, err := store.List(ctx)
		if err != nil {
			logging.Logger().Error("Failed to list machines", zap.Error(err))
			return
		}
		printStates(os.Stdout, states)
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

func printStates(out io.Writer, states []*machine.State) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTYPE\tSTATE\tREGION\tVM ID\tPUBLIC IPV4\tPRIVATE IPV4")
	for _, st := range states {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			st.ID, st.Name, dash(st.Type), st.Status, dash(st.Region), dash(st.VMID), dash(st.PublicIPv4), dash(st.PrivateIPv4))
	}
	w.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
