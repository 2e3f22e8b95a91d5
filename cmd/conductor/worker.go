package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Inspect workers and take them in or out of rotation",
	}
	cmd.AddCommand(
		newWorkerListCmd(),
		newWorkerSetStatusCmd(),
	)
	return cmd
}

func newWorkerListCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workers with status and utilization",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := apiClient(cmd).Workers(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd, resp)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "WORKER\tCAPABILITY\tSTATUS\tUNIT\tCOMPLETED\tUTILIZATION")
			for _, wk := range resp.Workers {
				unitID := wk.CurrentUnitID
				if unitID == "" {
					unitID = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%.0f%%\n",
					wk.ID, wk.Capability, wk.Status, unitID, wk.TasksCompleted, wk.Utilization*100)
			}
			return w.Flush()
		},
	}
	addAPIFlags(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func newWorkerSetStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set-status <worker-id> <idle|offline|error>",
		Short: "Take an idle worker out of rotation or return it",
		Example: `  conductor worker set-status lead_qualifier-2 offline
  conductor worker set-status lead_qualifier-2 idle`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := apiClient(cmd).SetWorkerStatus(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", w.ID, w.Status)
			return nil
		},
	}
	addAPIFlags(cmd)
	return cmd
}
