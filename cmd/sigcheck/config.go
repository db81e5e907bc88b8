package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/dcrodman/rallycam/internal/core"
)

var configCmd = &cobra.Command{
	Use:   "config <rallycam.cfg>",
	Short: "Prints the effective settings of a config file",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		printConfig(cmd.OutOrStdout(), core.LoadConfig(args[0], newLogger()))
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func printConfig(w io.Writer, c *core.Config) {
	logFile := c.LogFilePath
	if logFile == "" {
		logFile = "(stdout)"
	}
	fmt.Fprintf(w, "blend                      = %v\n", c.Blend)
	fmt.Fprintf(w, "camera_enable_gamepad      = %s (0x%04X)\n", c.GamepadButtonName(), c.CameraEnableGamepadMask)
	fmt.Fprintf(w, "direct_input_toggle_button = %d\n", c.DirectInputToggleButton)
	fmt.Fprintf(w, "console_enabled            = %v\n", c.ConsoleEnabled)
	fmt.Fprintf(w, "log_level                  = %s\n", c.LogLevel)
	fmt.Fprintf(w, "log_file_path              = %s\n", logFile)
}
