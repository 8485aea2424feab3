package cmd

import (
	"github.com/rudransh-shrivastava/peer-sync/internal/config"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve a vault as the storage device",
	Long:  `registers with the relay and answers sync clients that know the device password`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPeer(cmd.Context(), config.RoleStorage)
	},
}

func init() {
	serveCmd.Flags().String("vault", "", "vault directory")
	configKey(serveCmd.Flags(), "vault", "vault.root")
}
