package main

import (
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cynexo/sniff0/pkg/client"
)

func NewChannelCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "channel",
		Aliases: []string{"channels", "ch"},
		Short:   "Show or configure channels",
		GroupID: gBasic,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			chs, err := apiClient.GetChannels()
			if err != nil {
				return err
			}
			printChannels(cmd, chs, true)
			return nil
		},
	}

	cmd.AddCommand(newChannelSetCommand())

	return cmd
}

func newChannelSetCommand() *cobra.Command {
	var (
		flow     float64
		active   bool
		inactive bool
	)

	cmd := &cobra.Command{
		Use:   "set <channel>",
		Short: "Set the flow or the active flag of a channel",
		Long: `Set the requested flow and/or the active flag of a channel.

Active channels take part in calibration and timed openings. A channel needs a
positive flow before it can be activated, and a zero flow deactivates it.`,
		Example: `  sniff0 channel set 3 --flow 12 --active
  sniff0 channel set 3 --inactive`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseChannelArg(args[0])
			if err != nil {
				return err
			}
			if active && inactive {
				return fmt.Errorf("--active and --inactive are mutually exclusive")
			}

			var u client.ChannelUpdate
			if cmd.Flags().Changed("flow") {
				u.Flow = &flow
			}
			if active || inactive {
				u.Active = &active
			}
			if u.Flow == nil && u.Active == nil {
				return fmt.Errorf("nothing to set, use --flow, --active or --inactive")
			}

			ch, err := apiClient.UpdateChannel(id, u)
			if err != nil {
				return err
			}

			logrus.WithFields(logrus.Fields{
				"channel": ch.ID,
				"flow":    strconv.FormatFloat(ch.RequestedFlow, 'f', 2, 64),
				"active":  ch.Active,
			}).Info("channel updated")
			return nil
		},
	}

	f := cmd.Flags()
	f.Float64Var(&flow, "flow", 0, "requested flow")
	f.BoolVar(&active, "active", false, "activate the channel")
	f.BoolVar(&inactive, "inactive", false, "deactivate the channel")

	return cmd
}
