package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/ZoneVoice/internal/config"
	"github.com/BioHazard786/ZoneVoice/internal/ui"
	"github.com/BioHazard786/ZoneVoice/internal/version"
)

var (
	flagConfig    string
	flagLogFormat string
	flagZoneSize  float64
	flagServer    string
	flagCodec     string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "zonevoice",
	Short: "Proximity voice chat over a WebRTC peer mesh",
	Long: `ZoneVoice places participants in a shared 2D space divided into square zones.
Everyone in the same zone is connected peer to peer over WebRTC and hears each
other; crossing a zone boundary tears those links down and builds new ones.

Run "zonevoice serve" for the signaling relay and "zonevoice join" to take part.`,
	Version: version.Version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		ui.PrintError(err.Error())
		os.Exit(1)
	}
}

// loadConfig merges the flags that were actually given on cmd with the
// environment, config file and defaults.
func loadConfig(cmd *cobra.Command, opts config.Options) (*config.Config, error) {
	opts.ConfigFile = flagConfig
	opts.LogFormat = flagLogFormat
	opts.ServerURL = flagServer
	opts.Codec = flagCodec
	if cmd.Flags().Changed("zone-size") {
		opts.ZoneSize = &flagZoneSize
	}
	return config.Load(opts)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", "", "Log format: text or json")
	rootCmd.PersistentFlags().Float64Var(&flagZoneSize, "zone-size", config.DefaultZoneSize, "Zone edge length in world units")
	rootCmd.PersistentFlags().StringVarP(&flagServer, "server", "s", "", "Relay websocket URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&flagCodec, "codec", "", "Signaling codec: json or msgpack")
}
