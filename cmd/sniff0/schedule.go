package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cynexo/sniff0/pkg/client"
)

func NewScheduleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "schedule [cron-expression]",
		Aliases: []string{"sch", "sche", "sched"},
		Short:   "Manage automatic calibration schedule",
		Long: `Manage automatic calibration schedule.

The schedule command can be used in multiple ways:
  sniff0 schedule 'minute hour day month weekday' Set schedule with cron expression
  sniff0 schedule disable                         Disable the schedule
  sniff0 schedule postpone [duration]             Postpone next run
  sniff0 schedule skip                            Skip next run
  sniff0 schedule show                            Show current schedule

A scheduled run waits while the controller is busy, flow measurements run, or
a valve is open, and is given up after a while.`,
		Example: `  sniff0 schedule '0 6 * * 1-5' (At 06:00 on every weekday)
  sniff0 schedule '30 7 * * *'  (At 07:30 every day)
  sniff0 schedule '@every 4h'   (Every four hours)`,
		GroupID: gAdvanced,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// If no arguments, show the current schedule
			if len(args) == 0 {
				return runScheduleShow(cmd)
			}
			// Otherwise, treat as a cron expression to set
			return runScheduleSet(cmd, args[0])
		},
	}

	// Add subcommands
	cmd.AddCommand(
		newScheduleDisableCommand(),
		newSchedulePostponeCommand(),
		newScheduleSkipCommand(),
		newScheduleShowCommand(),
	)

	return cmd
}

func newScheduleDisableCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "disable",
		Short: "Disable the calibration schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := apiClient.DeleteSchedule(); err != nil {
				return err
			}
			cmd.Println("Calibration schedule disabled.")
			return nil
		},
	}
}

func newSchedulePostponeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "postpone [duration]",
		Short: "Postpone the next scheduled calibration run",
		Example: `  sniff0 schedule postpone      (Postpone by 1 hour)
  sniff0 schedule postpone 90m  (Postpone by 90 minutes)`,
		Long: `Postpone the next scheduled calibration run by a specified duration.
If no duration is provided, defaults to 1 hour.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := time.Hour
			if len(args) > 0 {
				parsed, err := time.ParseDuration(args[0])
				if err != nil {
					return fmt.Errorf("invalid duration %q: %w", args[0], err)
				}
				d = parsed
			}

			s, err := apiClient.PostponeSchedule(d)
			if err != nil {
				return err
			}
			cmd.Printf("Next run postponed by %s.\n", d)
			printSchedule(cmd, s)
			return nil
		},
	}
}

func newScheduleSkipCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "skip",
		Short: "Skip the next scheduled calibration run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := apiClient.SkipSchedule()
			if err != nil {
				return err
			}
			cmd.Println("Next scheduled run skipped.")
			printSchedule(cmd, s)
			return nil
		},
	}
}

func newScheduleShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the current calibration schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScheduleShow(cmd)
		},
	}
}

func runScheduleSet(cmd *cobra.Command, cronExpr string) error {
	if cronExpr == "" {
		return fmt.Errorf("cron expression cannot be empty")
	}
	s, err := apiClient.SetSchedule(cronExpr)
	if err != nil {
		return err
	}
	cmd.Println("Calibration scheduled.")
	printSchedule(cmd, s)
	return nil
}

func runScheduleShow(cmd *cobra.Command) error {
	s, err := apiClient.GetSchedule()
	if err != nil {
		return err
	}
	printSchedule(cmd, s)
	return nil
}

func printSchedule(cmd *cobra.Command, s *client.ScheduleStatus) {
	if !s.Scheduled {
		cmd.Println("Calibration schedule is not set.")
		return
	}
	cmd.Printf("Schedule: %s\n", bold("%s", s.Cron))
	cmd.Printf("Next run: %s\n", bold("%s", s.NextRun.Local().Format(time.DateTime)))
}
