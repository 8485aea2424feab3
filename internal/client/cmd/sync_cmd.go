package cmd

import (
	"github.com/rudransh-shrivastava/peer-sync/internal/config"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "sync the local vault with a storage device",
	Long: `connects to the storage device through the relay, opens a direct channel and keeps
the local vault in sync with it until interrupted. Send SIGHUP to reconnect after
the retries are used up`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPeer(cmd.Context(), config.RoleClient)
	},
}

func init() {
	syncCmd.Flags().String("vault", "", "vault directory")
	syncCmd.Flags().Duration("interval", 0, "time between automatic checks")

	configKey(syncCmd.Flags(), "vault", "vault.root")
	configKey(syncCmd.Flags(), "interval", "sync.interval")
}
