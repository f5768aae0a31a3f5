package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const (
	appName    = "remotely"
	appVersion = "0.3.0"
)

var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "Resilient remote command channel",
	Long: `Remotely links distributed agents to a central controller over a
persistent connection:
  - controller: accept agent registrations and route commands to them
  - agent: connect to a controller, execute its commands, reconnect on failure
  - profile: manage saved connection profiles`,
	Version: appVersion,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().String("profiles", "", "Path to the profiles file")

	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(controllerCmd)
	rootCmd.AddCommand(profileCmd)

	rootCmd.SetVersionTemplate(fmt.Sprintf("%s v%s\n", appName, appVersion))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
