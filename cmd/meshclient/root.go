package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "meshclient",
	Short:         "meshclient keeps an authenticated mesh session alive",
	Long:          `meshclient logs in to a mesh service and reports uptime and bandwidth until interrupted.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// exitError carries a status code out of a command.
type exitError struct {
	code int8
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

// Execute runs the root command and exits on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if exit, ok := err.(*exitError); ok && exit.code < 0 {
			os.Exit(int(-exit.code))
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Optional config file (yaml, json or toml)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: trace, debug, info, warn, error")
}
