package cmd

import (
	"context"
	"fmt"
	"time"

	"vmforge/internal/logging"
	"vmforge/internal/ssh"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var keygenFingerprint bool

// keygenCmd represents the keygen command
var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Print the deployment SSH public key",
	Long: `Get or create the deployment SSH key pair and print its public key, ready to be
registered with a provider and referenced from providers.<type>.public_keys.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		provider, err := ssh.NewKeyProvider(ctx, cfg.State, cfg.SSH)
		if err != nil {
			logging.Logger().Fatal("Failed to open key storage", zap.Error(err))
		}
		defer provider.Close()

		keyPair, err := provider.GetOrCreate(ctx)
		if err != nil {
			logging.Logger().Error("Failed to get SSH key pair", zap.Error(err))
			return
		}

		fmt.Println(keyPair.AuthorizedKey())
		if keygenFingerprint {
			fp, err := keyPair.Fingerprint()
			if err != nil {
				logging.Logger().Error("Failed to fingerprint key", zap.Error(err))
				return
			}
			fmt.Println(fp)
		}
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)

	keygenCmd.Flags().BoolVar(&keygenFingerprint, "fingerprint", false, "Also print the SHA256 fingerprint")
}
