package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"devicehub/internal/adapter"
	"devicehub/internal/configstore"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <document.json>...",
		Short: "Check adapter configuration documents without loading them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v := configstore.NewValidator()
			out := cmd.OutOrStdout()
			invalid := 0
			for _, path := range args {
				res, err := validateDocument(v, path)
				if err != nil {
					fmt.Fprintf(out, "%s: %v\n", path, err)
					invalid++
					continue
				}
				status := "ok"
				if !res.Valid {
					status = "invalid"
					invalid++
				}
				fmt.Fprintf(out, "%s: %s\n", path, status)
				for _, e := range res.Errors {
					fmt.Fprintf(out, "  error: %s\n", e)
				}
				for _, w := range res.Warnings {
					fmt.Fprintf(out, "  warning: %s\n", w)
				}
			}
			if invalid > 0 {
				return errors.Newf("%d of %d documents invalid", invalid, len(args))
			}
			return nil
		},
	}
}

// validateDocument checks the schema and that the file is named after the
// adapter it configures, as the store requires
func validateDocument(v *configstore.Validator, path string) (adapter.ValidationResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return adapter.ValidationResult{}, errors.Wrap(err, "read")
	}
	var cfg adapter.Configuration
	if err := json.Unmarshal(data, &cfg); err != nil {
		return adapter.ValidationResult{}, errors.Wrap(err, "parse")
	}
	res := v.Validate(cfg)
	if name := strings.TrimSuffix(filepath.Base(path), ".json"); cfg.AdapterID != "" && name != cfg.AdapterID {
		res.AddError("file name %q does not match adapterId %q", filepath.Base(path), cfg.AdapterID)
	}
	return res, nil
}

func newAdaptersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "adapters",
		Short: "List the compiled-in adapters and what they support",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadHostConfig()
			if err != nil {
				return err
			}
			factories := builtinFactories(cfg.Adapters.Builtin)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tID\tVERSION\tENABLED\tDEVICE TYPES\tCOMMANDS")
			for _, info := range cfg.Adapters.Builtin.List() {
				f, ok := factories[info.Name]
				if !ok {
					continue
				}
				desc := f(zap.NewNop()).Descriptor()
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\n",
					info.Name, desc.ID, desc.Version, info.Enabled,
					strings.Join(desc.SupportedDeviceTypes, ","),
					strings.Join(desc.Capabilities.SupportedCommands, ","),
				)
			}
			for _, p := range cfg.Adapters.Plugins {
				fmt.Fprintf(w, "%s\t-\t-\ttrue\t(plugin)\t-\n", filepath.Base(p))
			}
			return w.Flush()
		},
	}
}
