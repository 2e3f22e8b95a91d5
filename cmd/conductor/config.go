package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/conductor/internal/config"
	"github.com/mattjoyce/conductor/internal/unit"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate, lock and inspect configuration",
	}
	cmd.PersistentFlags().String("config", "", "Path to configuration file or directory")
	cmd.AddCommand(newConfigCheckCmd(), newConfigLockCmd(), newConfigShowCmd())
	return cmd
}

func newConfigCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Load and validate configuration, then print its fingerprint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := loadConfig(cmd, path)
			if err != nil {
				return err
			}
			fp, err := cfg.Fingerprint()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Configuration valid")
			for _, f := range cfg.Files {
				fmt.Fprintf(out, "  file: %s\n", f)
			}
			caps := cfg.Capabilities()
			for _, c := range unit.Capabilities {
				if n := caps[c]; n > 0 {
					fmt.Fprintf(out, "  workers: %-22s %d\n", c, n)
				}
			}
			fmt.Fprintf(out, "  llm: %s\n", cfg.LLM.Provider)
			fmt.Fprintf(out, "fingerprint: %s\n", fp)
			return nil
		},
	}
}

func newConfigLockCmd() *cobra.Command {
	var dryRun, verbose bool
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Write BLAKE3 checksums for every loaded config file",
		Long: `Hash the root config and every file it includes, and write a .checksums
manifest next to them. Later loads refuse files that no longer match.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			resolved, err := resolveConfigPath(cmd, path)
			if err != nil {
				return err
			}
			files, err := config.Files(resolved)
			if err != nil {
				return err
			}
			report, err := config.GenerateChecksums(files, dryRun)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if verbose || dryRun {
				for _, f := range report.Files {
					fmt.Fprintf(out, "  %s  %s\n", f.Hash, f.Path)
				}
			}
			verb := "Wrote"
			if dryRun {
				verb = "Would write"
			}
			for _, p := range report.ChecksumPaths {
				fmt.Fprintf(out, "%s %s (%d files)\n", verb, p, len(report.Files))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show hashes without writing")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "List every hashed file")
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration after defaults and includes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := loadConfig(cmd, path)
			if err != nil {
				return err
			}
			redact(cfg)

			out := cmd.OutOrStdout()
			if jsonOut {
				data, err := json.MarshalIndent(cfg, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(data))
				return nil
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Fprint(out, string(data))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

// redact masks secrets before the config is printed.
func redact(cfg *config.Config) {
	mask := func(s *string) {
		if *s != "" {
			*s = "***"
		}
	}
	mask(&cfg.LLM.APIKey)
	mask(&cfg.API.Auth.APIKey)
	for i := range cfg.API.Auth.Tokens {
		mask(&cfg.API.Auth.Tokens[i].Token)
	}
}
