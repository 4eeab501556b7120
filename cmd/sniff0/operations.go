package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cynexo/sniff0/pkg/command"
)

func NewCalibrateCommand() *cobra.Command {
	wait := false

	cmd := &cobra.Command{
		Use:     "calibrate",
		Aliases: []string{"cali"},
		Short:   "Calibrate all active channels",
		Long: `Calibrate all active channels.

Every active channel with a flow is brought to its requested flow one after
another. All channels are reset to the Initial state first.`,
		GroupID: gBasic,
		Args:    cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ret, err := apiClient.Calibrate(wait)
			return reportOperation("calibrate", ret, err)
		},
	}

	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait until the calibration has finished")

	cmd.AddCommand(&cobra.Command{
		Use:   "stop",
		Short: "Stop a running calibration",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ret, err := apiClient.StopCalibration()
			return reportOperation("stop calibration", ret, err)
		},
	})

	return cmd
}

func NewToggleCommand() *cobra.Command {
	wait := false

	cmd := &cobra.Command{
		Use:   "toggle [channel]",
		Short: "Open or close valves",
		Long: `Open a closed valve or close an open one.

Without a channel every active channel is toggled. A single channel is also
selected for flow measurements.`,
		GroupID: gBasic,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			id := 0
			if len(args) == 1 {
				var err error
				if id, err = parseChannelArg(args[0]); err != nil {
					return err
				}
			}
			ret, err := apiClient.ToggleFlow(id, wait)
			return reportOperation("toggle flow", ret, err)
		},
	}

	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait until all valves are switched")

	return cmd
}

func NewMeasureCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "measure",
		Aliases: []string{"measurements"},
		Short:   "Start or stop periodic flow measurements",
		Long: `Start or stop periodic flow measurements.

While running, the flow of the open channel is read periodically. Calibration
is refused while measurements run.`,
		GroupID: gBasic,
		Args:    cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			running, err := apiClient.ToggleMeasurements()
			if err != nil {
				return err
			}
			if running {
				logrus.Info("flow measurements started")
			} else {
				logrus.Info("flow measurements stopped")
			}
			return nil
		},
	}
}

func NewOpenCommand() *cobra.Command {
	wait := false

	cmd := &cobra.Command{
		Use:     "open <milliseconds>",
		Short:   "Open the valves of all active channels for a time",
		GroupID: gBasic,
		Args:    cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			ms, err := parseIntArg(args, "duration")
			if err != nil {
				return err
			}
			ret, err := apiClient.OpenFor(ms, wait)
			return reportOperation("open valves", ret, err)
		},
	}

	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait until the valves are closed again")

	return cmd
}

func NewAdjustCommand() *cobra.Command {
	wait := false

	cmd := &cobra.Command{
		Use:       "adjust <channel> up|down",
		Short:     "Move a channel's stepper motor",
		Long:      `Move a channel's stepper motor by the configured number of steps.`,
		GroupID:   gAdvanced,
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"up", "down"},
		RunE: func(_ *cobra.Command, args []string) error {
			id, err := parseChannelArg(args[0])
			if err != nil {
				return err
			}
			dir := strings.ToLower(args[1])
			ret, err := apiClient.AdjustChannel(id, dir, wait)
			return reportOperation("adjust channel "+strconv.Itoa(id), ret, err)
		},
	}

	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait until the motor has moved")

	return cmd
}

func NewVerboseCommand() *cobra.Command {
	return newEnableDisableCommand(
		"verbose",
		"serial echo of the instrument",
		`Enable or disable the serial echo of the instrument.

With the echo enabled the instrument reports every step it takes, which shows
up in the console and the event stream.`,
		func() (string, error) { return apiClient.SetVerbose(true) },
		func() (string, error) { return apiClient.SetVerbose(false) },
	)
}

func NewSendCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <command> [args...]",
		Short: "Send a raw instrument command",
		Long: "Send a single instrument command, bypassing the controller.\n\n" +
			"Commands:\n" + commandHelp(),
		GroupID: gAdvanced,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			line, err := apiClient.SendCommand(args[0], args[1:]...)
			if err != nil {
				return err
			}
			cmd.Printf("sent: %s\n", line)
			return nil
		},
	}
	return cmd
}

func commandHelp() string {
	var b strings.Builder
	for _, e := range command.Entries() {
		fmt.Fprintf(&b, "  %-28s %s\n", strings.TrimSpace(e.Name+" "+e.Usage), e.Help)
	}
	return b.String()
}
