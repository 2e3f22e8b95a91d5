package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/conductor/internal/api"
)

const defaultAPIURL = "http://127.0.0.1:8080"

func addAPIFlags(cmd *cobra.Command) {
	url := os.Getenv("CONDUCTOR_API_URL")
	if url == "" {
		url = defaultAPIURL
	}
	cmd.Flags().String("api", url, "Conductor API base URL (env CONDUCTOR_API_URL)")
	cmd.Flags().String("token", os.Getenv("CONDUCTOR_TOKEN"), "Bearer token (env CONDUCTOR_TOKEN)")
}

func apiClient(cmd *cobra.Command) *api.Client {
	url, _ := cmd.Flags().GetString("api")
	token, _ := cmd.Flags().GetString("token")
	return api.NewClient(url, token)
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func newUnitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unit",
		Short: "Submit, inspect and cancel units on a running conductor",
	}
	cmd.AddCommand(
		newUnitSubmitCmd(),
		newUnitStatusCmd(),
		newUnitCancelCmd(),
		newUnitCapabilitiesCmd(),
	)
	return cmd
}

func newUnitSubmitCmd() *cobra.Command {
	var (
		req     api.SubmitRequest
		payload string
	)
	cmd := &cobra.Command{
		Use:   "submit <capability> <kind>",
		Short: "Queue a unit of work",
		Example: `  conductor unit submit lead_qualifier qualify --payload '{"lead_id":"L-42"}' --priority high
  conductor unit submit market_analyst cma --payload @subject.json`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Capability = args[0]
			req.Kind = args[1]
			if payload != "" {
				body, err := readPayload(payload)
				if err != nil {
					return err
				}
				req.Payload = body
			}
			resp, err := apiClient(cmd).Submit(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", resp.UnitID, resp.State)
			return nil
		},
	}
	addAPIFlags(cmd)
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload, or @file to read it from a file")
	cmd.Flags().StringVar(&req.Priority, "priority", "", "critical | high | normal | low | background")
	cmd.Flags().StringVar(&req.UnitID, "id", "", "Caller-supplied unit id")
	cmd.Flags().IntVar(&req.MaxAttempts, "max-attempts", 0, "Override the configured attempt limit")
	return cmd
}

func readPayload(arg string) (json.RawMessage, error) {
	data := []byte(arg)
	if arg[0] == '@' {
		var err error
		if data, err = os.ReadFile(arg[1:]); err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return data, nil
}

func newUnitStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <unit-id>",
		Short: "Show a unit's state, result or error",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			view, err := apiClient(cmd).Unit(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, view)
		},
	}
	addAPIFlags(cmd)
	return cmd
}

func newUnitCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <unit-id>",
		Short: "Cancel a pending unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := apiClient(cmd).Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", resp.UnitID, resp.State)
			return nil
		},
	}
	addAPIFlags(cmd)
	return cmd
}

func newUnitCapabilitiesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "capabilities",
		Short: "List capabilities and their worker counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := apiClient(cmd).Capabilities(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CAPABILITY\tROLE\tWORKERS")
			for _, c := range resp.Capabilities {
				fmt.Fprintf(w, "%s\t%s\t%d\n", c.Capability, c.Role, c.Workers)
			}
			return w.Flush()
		},
	}
	addAPIFlags(cmd)
	return cmd
}
