// Command server hosts the device adapters: it loads the compiled-in and
// plugin adapters, keeps their configuration documents hot, and runs the
// lifecycle manager's health and recovery loops until interrupted.
package main

import (
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "devicehub",
		Short:         "Device adapter runtime for access control and surveillance hardware",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			// a missing .env is normal outside development
			if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
				return errors.Wrap(err, "load .env")
			}
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "host config file (default: search path)")

	root.AddCommand(newServeCmd(), newValidateCmd(), newAdaptersCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
