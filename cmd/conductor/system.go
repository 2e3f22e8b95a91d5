package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/conductor/internal/api"
	"github.com/mattjoyce/conductor/internal/app"
	"github.com/mattjoyce/conductor/internal/archive"
	"github.com/mattjoyce/conductor/internal/events"
	"github.com/mattjoyce/conductor/internal/lock"
	"github.com/mattjoyce/conductor/internal/log"
)

func newSystemCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "system",
		Short: "Run and inspect the conductor service",
	}
	cmd.AddCommand(newSystemStartCmd(), newSystemStatusCmd(), newSystemWatchCmd())
	return cmd
}

func newSystemStartCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the orchestrator in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
			logger := log.WithComponent("main")

			pidLock, err := lock.AcquirePIDLock(cfg.Service.PIDFile)
			if err != nil {
				return fmt.Errorf("failed to acquire pid lock: %w", err)
			}
			defer func() {
				if err := pidLock.Release(); err != nil {
					logger.Warn("failed to release pid lock", "error", err)
				}
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			fp, _ := cfg.Fingerprint()
			logger.Info("conductor starting",
				"version", currentVersionInfo().Version,
				"config", cfg.Files,
				"fingerprint", fp,
				"pid", os.Getpid(),
			)

			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			return a.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to configuration file or directory")
	return cmd
}

type statusCheck struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

type statusReport struct {
	Healthy bool          `json:"healthy"`
	Checks  []statusCheck `json:"checks"`
}

func newSystemStatusCmd() *cobra.Command {
	var (
		configPath string
		jsonOut    bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check config, process lock, archive and API health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report := collectStatus(cmd, configPath)

			out := cmd.OutOrStdout()
			if jsonOut {
				data, err := json.MarshalIndent(report, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(data))
			} else {
				for _, c := range report.Checks {
					state := "OK"
					if !c.OK {
						state = "FAIL"
					}
					if c.Detail != "" {
						fmt.Fprintf(out, "%s: %s (%s)\n", c.Name, state, c.Detail)
					} else {
						fmt.Fprintf(out, "%s: %s\n", c.Name, state)
					}
				}
			}
			if !report.Healthy {
				return errors.New("system status: unhealthy")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to configuration file or directory")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func collectStatus(cmd *cobra.Command, configPath string) statusReport {
	report := statusReport{Healthy: true}
	add := func(c statusCheck) {
		report.Checks = append(report.Checks, c)
		if !c.OK {
			report.Healthy = false
		}
	}

	cfg, err := loadConfig(cmd, configPath)
	if err != nil {
		add(statusCheck{Name: "config_load", Detail: err.Error()})
		return report
	}
	add(statusCheck{Name: "config_load", OK: true, Detail: strings.Join(cfg.Files, ", ")})

	pid, running, err := lock.Holder(cfg.Service.PIDFile)
	switch {
	case err != nil:
		add(statusCheck{Name: "pid_lock", Detail: err.Error()})
	case running:
		add(statusCheck{Name: "pid_lock", OK: true, Detail: fmt.Sprintf("running, pid %d", pid)})
	default:
		add(statusCheck{Name: "pid_lock", OK: true, Detail: "not running"})
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	if cfg.Archive.Enabled {
		add(archiveCheck(ctx, cfg.Archive.Path))
	}
	if cfg.API.Enabled && running {
		add(healthzCheck(ctx, cfg.API.Listen))
	}
	return report
}

func archiveCheck(ctx context.Context, path string) statusCheck {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return statusCheck{Name: "archive", OK: true, Detail: "not created yet"}
	}
	a, err := archive.Open(ctx, path)
	if err != nil {
		return statusCheck{Name: "archive", Detail: err.Error()}
	}
	defer a.Close()
	n, err := a.Count(ctx)
	if err != nil {
		return statusCheck{Name: "archive", Detail: err.Error()}
	}
	return statusCheck{Name: "archive", OK: true, Detail: fmt.Sprintf("%d units", n)}
}

func healthzCheck(ctx context.Context, listen string) statusCheck {
	addr := listen
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/healthz", nil)
	if err != nil {
		return statusCheck{Name: "api", Detail: err.Error()}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return statusCheck{Name: "api", Detail: err.Error()}
	}
	defer resp.Body.Close()

	var body api.HealthzResponse
	_ = json.NewDecoder(resp.Body).Decode(&body)
	detail := body.Status
	if len(body.Symptoms) > 0 {
		detail += ": " + strings.Join(body.Symptoms, "; ")
	}
	return statusCheck{Name: "api", OK: resp.StatusCode == http.StatusOK, Detail: detail}
}

func newSystemWatchCmd() *cobra.Command {
	var (
		since   int64
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream lifecycle events from a running conductor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := apiClient(cmd)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			err := client.Watch(ctx, since, func(ev events.Event) error {
				if jsonOut {
					data, err := json.Marshal(ev)
					if err != nil {
						return err
					}
					fmt.Fprintln(out, string(data))
					return nil
				}
				fmt.Fprintf(out, "%6d %-16s %s\n", ev.ID, ev.Type, ev.Data)
				return nil
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	addAPIFlags(cmd)
	cmd.Flags().Int64Var(&since, "since", 0, "Resume after this event id")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print each event as a JSON line")
	return cmd
}
