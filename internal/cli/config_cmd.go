package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"tiepoint/internal/config"
	"tiepoint/internal/fitting"
)

// Version is the release string printed by "tiepoint version".
var Version = "v0.3.0-dev"

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show or validate tiepoint configuration",
	}

	var asJSON bool
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "# config file: %s\n", config.Path())
			if asJSON {
				return printJSON(out, root.cfg)
			}
			data, err := yaml.Marshal(root.cfg)
			if err != nil {
				return err
			}
			_, err = out.Write(data)
			return err
		},
	}
	showCmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON instead of YAML")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				root.log.Error("configuration validation", "status", "invalid", "error", err)
				return fmt.Errorf("invalid configuration: %w", err)
			}
			root.log.Info("configuration validation", "status", "valid")
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "tiepoint %s\n", Version)
			fmt.Fprintf(out, "Built with Go %s\n", runtime.Version())

			f, ok := root.fitter.(*fitting.Fitter)
			if !ok || f == nil {
				return
			}
			fmt.Fprintln(out, "Solvers:")
			solvers := f.Manager().Solvers()
			for _, name := range f.Manager().Names() {
				s := solvers[name]
				status := "unavailable"
				if s.IsAvailable() {
					status = "available"
				}
				fmt.Fprintf(out, "  %-20s %-10s %s\n", name, s.Model(), status)
			}
		},
	}
}
