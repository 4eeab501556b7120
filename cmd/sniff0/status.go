package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/cynexo/sniff0/pkg/channel"
	"github.com/cynexo/sniff0/pkg/client"
	"github.com/cynexo/sniff0/pkg/config"
)

type statusData struct {
	status   *client.Status
	schedule *client.ScheduleStatus
	config   *config.RawFileConfig
}

// fetchStatusData gathers all data required for the status command from the daemon.
func fetchStatusData() (*statusData, error) {
	status, err := apiClient.GetStatus()
	if err != nil {
		return nil, fmt.Errorf("failed to get status: %w", err)
	}

	schedule, err := apiClient.GetSchedule()
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}

	conf, err := apiClient.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to get config: %w", err)
	}

	return &statusData{status: status, schedule: schedule, config: conf}, nil
}

type statusJSON struct {
	*client.Status
	Schedule *client.ScheduleStatus `json:"schedule"`
}

func NewStatusCommand() *cobra.Command {
	asJSON := false

	cmd := &cobra.Command{
		Use:     "status",
		GroupID: gBasic,
		Short:   "Get the current status of the instrument",
		Long:    `Get the link status, channel table, and configuration.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := fetchStatusData()
			if err != nil {
				return err
			}

			if asJSON {
				b, err := json.MarshalIndent(statusJSON{Status: data.status, Schedule: data.schedule}, "", "  ")
				if err != nil {
					return err
				}
				cmd.Println(string(b))
				return nil
			}

			s := data.status
			conf := config.NewFileFromConfig(data.config, "")

			cmd.Println(bold("Link:"))
			switch {
			case !s.Connected:
				cmd.Printf("  Port: %s\n", color.RedString("not connected"))
			case s.Simulated:
				cmd.Printf("  Port: %s\n", bold("simulator"))
			default:
				cmd.Printf("  Port: %s\n", bold("%s", s.Port))
			}
			cmd.Printf("  Baud rate: %s\n", bold("%d", conf.BaudRate()))
			cmd.Printf("  Verbose echo: %s\n", bool2Text(s.Verbose))
			cmd.Println()

			cmd.Println(bold("Controller:"))
			op := "idle"
			if s.Busy {
				op = color.YellowString(s.Operation)
			}
			cmd.Printf("  Operation: %s\n", bold("%s", op))
			cmd.Printf("  Flow measurements: %s\n", bool2Text(s.Polling))
			if s.ManualCalibrationActive {
				cmd.Printf("  Manual channel: %s\n", bold("%d", s.ManualChannel))
			}
			cmd.Printf("  Ready for automatic calibration: %s\n", bool2Text(s.CanAutoCalibrate))
			cmd.Println()

			cmd.Println(bold("Channels:"))
			printChannels(cmd, s.Channels, false)
			cmd.Println()

			cmd.Println(bold("Automatic calibration:"))
			if data.schedule.Scheduled {
				cmd.Printf("  Schedule: %s\n", bold("%s", data.schedule.Cron))
				cmd.Printf("  Next run: %s\n", bold("%s", data.schedule.NextRun.Local().Format(time.DateTime)))
			} else {
				cmd.Printf("  Schedule: %s\n", bold("not set"))
			}
			cmd.Printf("  Abort sequences on send errors: %s\n", bool2Text(conf.AbortOnSendError()))
			cmd.Printf("  Allow non-root users to access the daemon: %s\n", bool2Text(conf.AllowNonRootAccess()))
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the status as JSON")

	return cmd
}

// printChannels prints one line per channel. Inactive channels without a
// flow are left out unless all is set.
func printChannels(cmd *cobra.Command, chs []channel.Snapshot, all bool) {
	shown := 0
	for _, ch := range chs {
		if !all && !ch.Active && ch.RequestedFlow == 0 && !ch.ValveOpen {
			continue
		}
		shown++

		valve := "closed"
		if ch.ValveOpen {
			valve = color.GreenString("open")
		}
		cmd.Printf("  %2d  active %s  flow %s  measured %s  %s  valve %s\n",
			ch.ID,
			bool2Text(ch.Active),
			bold("%6.2f", ch.RequestedFlow),
			bold("%6.2f", ch.MeasuredFlow),
			stateText(ch.State),
			valve,
		)
	}
	if shown == 0 {
		cmd.Println("  no channel configured, see `sniff0 channel set --help'")
	}
}

func stateText(s channel.State) string {
	switch s {
	case channel.StateCalibrating:
		return color.YellowString("%-11s", s)
	case channel.StateCalibrated:
		return color.GreenString("%-11s", s)
	default:
		return fmt.Sprintf("%-11s", s)
	}
}
