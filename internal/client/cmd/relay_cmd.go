package cmd

import (
	"github.com/rudransh-shrivastava/peer-sync/internal/relay"
	"github.com/spf13/cobra"
)

var relayCmd = NewRelayCommand()

// ExecuteRelay runs the relay command as a program of its own.
func ExecuteRelay() {
	root := NewRelayCommand()
	root.Use = "peer-sync-relay"
	root.SilenceUsage = true
	root.SilenceErrors = true
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	}
	commonFlags(root)
	execute(root)
}

func NewRelayCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "relay",
		Short: "run the signaling relay",
		Long:  `pairs storage devices with the clients that want to reach them and forwards their handshake messages`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := relay.NewServer(relay.Config{
				Addr:    cfg.Relay.Addr,
				Devices: cfg.Relay.Devices,
				Logger:  log,
			})
			if err != nil {
				return err
			}
			return srv.Start(cmd.Context())
		},
	}
	c.Flags().String("addr", "", "listen address")
	c.Flags().StringSlice("allow", nil, "storage device ids allowed to register, empty allows any")
	configKey(c.Flags(), "addr", "relay.addr")
	configKey(c.Flags(), "allow", "relay.devices")
	return c
}
