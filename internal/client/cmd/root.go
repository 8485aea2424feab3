package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rudransh-shrivastava/peer-sync/internal/config"
	"github.com/rudransh-shrivastava/peer-sync/internal/logger"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	v   = viper.New()
	cfg *config.Config
	log *logrus.Logger
)

var rootCmd = &cobra.Command{
	Use:           `peer-sync`,
	Short:         "peer to peer vault sync",
	Long:          `peer-sync keeps a notes vault in sync with a storage device over a direct peer connection`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
}

func init() {
	commonFlags(rootCmd)
	rootCmd.PersistentFlags().String("signal", "", "relay websocket url")
	rootCmd.PersistentFlags().StringP("device", "d", "", "storage device id")
	rootCmd.PersistentFlags().StringP("password", "p", "", "storage device password")
	rootCmd.PersistentFlags().String("journal", "", "sync journal database")

	configKey(rootCmd.PersistentFlags(), "signal", "signal.url")
	configKey(rootCmd.PersistentFlags(), "device", "device.id")
	configKey(rootCmd.PersistentFlags(), "password", "device.password")
	configKey(rootCmd.PersistentFlags(), "journal", "journal.path")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(relayCmd)
	rootCmd.AddCommand(historyCmd)
}

const configAnnotation = "config-key"

func commonFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringP("config", "c", "", "config file (default ./peer-sync.yaml or ~/.config/peer-sync)")
	cmd.PersistentFlags().String("log-level", "info", "log level")
	configKey(cmd.PersistentFlags(), "log-level", "log.level")
}

// configKey marks a flag as the override for a config key. The binding is
// made for the command that actually runs, so subcommands may share a key.
func configKey(flags *pflag.FlagSet, flag, key string) {
	if err := flags.SetAnnotation(flag, configAnnotation, []string{key}); err != nil {
		panic(err)
	}
}

func bindFlags(cmd *cobra.Command) error {
	var err error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		keys, ok := f.Annotations[configAnnotation]
		if !ok || err != nil {
			return
		}
		err = v.BindPFlag(keys[0], f)
	})
	return err
}

func loadConfig(cmd *cobra.Command) error {
	if err := bindFlags(cmd); err != nil {
		return err
	}
	path, _ := cmd.Flags().GetString("config")
	loaded, err := config.Load(v, path)
	if err != nil {
		return err
	}
	cfg = loaded
	log = logger.NewWithLevel(cfg.Log.Level)
	if used := v.ConfigFileUsed(); used != "" {
		log.WithField("file", used).Debug("Loaded config")
	}
	return nil
}

func Execute() {
	execute(rootCmd)
}

func execute(root *cobra.Command) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
