package main

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "layersync",
	Short: "Layersync - collaborative layered canvas server",
	Long: `Layersync hosts shared drawing sessions. Every client edits a local copy of
the canvas and the server orders all edits into one history.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}
