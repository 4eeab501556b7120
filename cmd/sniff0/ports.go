package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func NewPortsCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "ports",
		Short:   "List serial ports",
		GroupID: gBasic,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := apiClient.GetPorts()
			if err != nil {
				return err
			}
			if len(list) == 0 {
				cmd.Println("no serial ports found")
				return nil
			}
			for _, p := range list {
				cmd.Printf("  %s  %s\n", bool2Text(p.Supported), p.DisplayName)
			}
			return nil
		},
	}
}

func NewPortCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "port <address>|simulator",
		Short: "Open the instrument on another port",
		Long: `Open the instrument on another port and remember it.

Use "simulator" to switch to the built-in instrument simulator.`,
		Example: `  sniff0 port /dev/ttyUSB0
  sniff0 port COM3
  sniff0 port simulator`,
		GroupID: gBasic,
		Args:    cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			address := args[0]
			if address == "simulator" {
				address = ""
			}

			if _, err := apiClient.SetPort(address); err != nil {
				return err
			}
			logrus.Infof("port switched to %s", args[0])
			return nil
		},
	}
}
