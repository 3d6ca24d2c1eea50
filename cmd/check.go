package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/smazurov/thriftpool/internal/config"
)

// CreateCheckConfigCmd creates the check-config command.
func CreateCheckConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration file",
		Long:  `Loads the configuration file given with --config, validates it and prints the slots workers will serve.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true
			path, err := cmd.Flags().GetString("config")
			if err != nil {
				return err
			}

			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: ok (%d workers)\n", path, cfg.Workers)
			for i, slot := range cfg.Slots {
				fmt.Fprintf(out, "  [%d] %-16s %-8s %s\n", i, slot.Name, slot.Service, slot.Listener.Address())
			}
			return nil
		},
	}
}
