package cmd

import (
	"github.com/spf13/cobra"

	"github.com/smazurov/thriftpool/internal/worker"
)

// CreateWorkerCmd creates the command the master runs for every worker
// process. It expects the control stream at fd 3 and is not meant to be run
// by hand.
func CreateWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Run a worker process (started by the master)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true
			return worker.Run(cmd.Context())
		},
	}
}
