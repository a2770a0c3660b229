// Speechbridge is a speech daemon that exposes speech recognition and speech
// synthesis to host applications over HTTP, gRPC and MQTT.
//
// Usage:
//
//	speechbridge serve [flags]
//	speechbridge voices
//	speechbridge say "こんにちは" --out hello.wav
//	speechbridge --config /path/to/speechbridge.yaml serve
//
// @title       speechbridge API
// @version     1.0
// @description Speech recognition and synthesis bridge: session control, voice listing, playback and file synthesis.
// @license.name MIT
// @BasePath    /
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nadzzz/speechbridge/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// app carries state shared by every subcommand.
type app struct {
	v          *viper.Viper
	configFile string
}

// load reads the configuration, with bound flags taking precedence, and
// installs the configured logger.
func (a *app) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadWith(a.v, a.configFile)
	if err != nil {
		return nil, nil, err
	}
	return cfg, config.SetupLogging(cfg.Logging), nil
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:           "speechbridge",
		Short:         "Speech recognition and synthesis bridge",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		Long: `speechbridge owns a speech recognizer (Whisper) and a speech synthesizer
(Piper) and exposes them to host applications. Results and progress are
delivered as callback events over WebSocket and MQTT.`,
	}
	root.SetVersionTemplate("speechbridge {{.Version}}\n")

	flags := root.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "path to config file (e.g. configs/speechbridge.yaml)")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("log-format", "", "log format: json, text, pretty")
	bindFlag(a.v, "logging.level", flags.Lookup("log-level"))
	bindFlag(a.v, "logging.format", flags.Lookup("log-format"))

	root.AddCommand(
		newServeCmd(a),
		newVoicesCmd(a),
		newSayCmd(a),
		newVersionCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Error already printed by cobra
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "speechbridge %s\n", version)
		},
	}
}
