// Commands:
//
//	scan: checks every camera signature against a game executable on disk
//	config: prints the values a config file resolves to
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "sigcheck",
	Short: "Offline checks for the rally camera",
	Long: `This utility checks a game executable against the byte signatures the camera
	patches, without starting the game. Use it after a game update to find out which
	signatures no longer match before loading the camera.`,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at debug level")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
