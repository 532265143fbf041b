package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/famulus-dev/famulus/internal/bus"
	"github.com/famulus-dev/famulus/internal/config"
	"github.com/famulus-dev/famulus/internal/cron"
	"github.com/famulus-dev/famulus/internal/daemon"
	"github.com/famulus-dev/famulus/internal/store"
	"github.com/famulus-dev/famulus/internal/store/pg"
)

func cronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled tasks",
	}

	cmd.AddCommand(cronListCmd())
	cmd.AddCommand(cronAddCmd())
	cmd.AddCommand(cronRmCmd())

	return cmd
}

// openScheduler builds a scheduler over the same store the daemon uses.
// The CLI edits persisted jobs; a running daemon picks them up on its
// next restart, while live changes go through the schedule_task tool.
func openScheduler(cfg *config.Config) (*cron.Service, error) {
	var jobStore store.CronStore = cron.NewFileStore(
		filepath.Join(cfg.ResolvedStateDir(), "cron_jobs.json"))
	if dsn := cfg.Database.PostgresDSN; dsn != "" {
		stores, err := pg.NewPGStores(dsn)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		jobStore = stores.CronJobs
	}

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := cron.NewService(jobStore, bus.New(), quiet)
	if err := svc.Load(); err != nil {
		return nil, err
	}
	svc.StopAll()
	return svc, nil
}

// warnIfDaemonRunning notes that a live daemon keeps its armed timers
// until restart.
func warnIfDaemonRunning(cfg *config.Config) {
	pid, err := daemon.ReadPid(cfg.ResolvedStateDir())
	if err != nil || pid == 0 {
		return
	}
	if proc, err := os.FindProcess(pid); err == nil && proc.Signal(syscall.Signal(0)) == nil {
		fmt.Fprintf(os.Stderr, "Note: daemon (pid %d) is running; it reloads jobs on restart. For live changes use the schedule_task tool in chat.\n", pid)
	}
}

func cronListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scheduled tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			svc, err := openScheduler(cfg)
			if err != nil {
				return err
			}

			entries := svc.ListScheduledTasks()
			if len(entries) == 0 {
				fmt.Println("No scheduled tasks.")
				return nil
			}

			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				next := "-"
				if !e.NextRun.IsZero() {
					next = e.NextRun.Format(time.RFC3339)
				}
				enabled := "yes"
				if !e.Enabled {
					enabled = "no"
				}
				rows = append(rows, []string{
					e.ID[:8], e.Alias, e.CronExpr, enabled, next, ellipsize(e.Prompt, 48),
				})
			}
			printTable([]string{"id", "alias", "schedule", "enabled", "next run", "prompt"}, rows)
			return nil
		},
	}
}

func cronAddCmd() *cobra.Command {
	var alias string
	cmd := &cobra.Command{
		Use:   "add <cron-expr> <prompt>",
		Short: "Schedule a recurring task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			svc, err := openScheduler(cfg)
			if err != nil {
				return err
			}

			id, err := svc.ScheduleTask(args[0], args[1], alias, "")
			if err != nil {
				return err
			}
			fmt.Printf("Scheduled %s\n", id)
			warnIfDaemonRunning(cfg)
			return nil
		},
	}
	cmd.Flags().StringVarP(&alias, "alias", "a", "", "short name (default: derived from the prompt)")
	return cmd
}

func cronRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id-or-alias>",
		Short: "Delete a scheduled task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			svc, err := openScheduler(cfg)
			if err != nil {
				return err
			}

			if !svc.DeleteTask(args[0]) {
				return fmt.Errorf("no task matches %q", args[0])
			}
			fmt.Println("Deleted.")
			warnIfDaemonRunning(cfg)
			return nil
		},
	}
}
