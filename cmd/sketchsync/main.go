package main

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/sketchsync/cmd/sketchsync/cmds"
)

var rootCmd = &cobra.Command{
	Use:   "sketchsync",
	Short: "sketchsync keeps diagram conversations and their version history in sync",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// reinitialize the logger once --log-level has been parsed
		level := zerolog.InfoLevel
		if lvl, err := cmd.Flags().GetString("log-level"); err == nil && lvl != "" {
			if l, err := zerolog.ParseLevel(lvl); err == nil {
				level = l
			}
		}
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
		log.Logger = zerolog.New(zerolog.NewConsoleWriter()).
			With().
			Timestamp().
			Logger().
			Level(level)
		zerolog.SetGlobalLevel(level)
	},
}

func main() {
	rootCmd.PersistentFlags().String("log-level", "info", "Global log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("config", "", "Path to the config file")

	viper.SetEnvPrefix("SKETCHSYNC")
	viper.AutomaticEnv()
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))

	rootCmd.AddCommand(cmds.NewServeCommand())
	rootCmd.AddCommand(cmds.NewSyncCommand())

	err := rootCmd.Execute()
	cobra.CheckErr(err)
}
