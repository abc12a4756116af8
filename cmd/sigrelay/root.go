package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// set with -ldflags "-X main.version=..."
var version = "dev"

func newRootCmd() *cobra.Command {
	v := viper.New()
	var configFile string

	root := &cobra.Command{
		Use:           "sigrelay [command]",
		Short:         "sigrelay is a WebRTC signaling relay",
		Long:          `sigrelay assigns every websocket client an id and forwards offers, answers and ICE candidates between clients by id, so two peers can negotiate a direct WebRTC connection.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to a YAML config file")

	root.AddCommand(serveCmd(v, &configFile))
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "print the version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(version)
		},
	})
	return root
}
