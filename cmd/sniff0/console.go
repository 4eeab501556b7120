package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/cynexo/sniff0/pkg/events"
)

func NewConsoleCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "console",
		Short: "Interactive serial console",
		Long: `Interactive serial console.

Every line received from the instrument is printed as it arrives. Typed lines
are looked up in the command table and sent to the instrument. Type h for the
list of commands and e to leave.`,
		GroupID: gAdvanced,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConsole(cmd.Context())
		},
	}
}

type console struct {
	out      io.Writer
	readLine func() (string, error)
}

func newConsole() (*console, func(), error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		sc := bufio.NewScanner(os.Stdin)
		return &console{
			out: os.Stdout,
			readLine: func() (string, error) {
				if sc.Scan() {
					return sc.Text(), nil
				}
				if err := sc.Err(); err != nil {
					return "", err
				}
				return "", io.EOF
			},
		}, func() {}, nil
	}

	old, err := term.MakeRaw(fd)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to put the terminal into raw mode: %w", err)
	}
	t := term.NewTerminal(struct {
		io.Reader
		io.Writer
	}{os.Stdin, os.Stdout}, "> ")

	return &console{out: t, readLine: t.ReadLine}, func() { _ = term.Restore(fd, old) }, nil
}

func runConsole(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c, restore, err := newConsole()
	if err != nil {
		return err
	}
	defer restore()

	if err := c.selectPort(); err != nil {
		return err
	}

	evs, err := apiClient.Events(ctx)
	if err != nil {
		return err
	}
	go func() {
		for ev := range evs {
			c.printEvent(ev)
		}
	}()

	fmt.Fprintln(c.out, "type h for help, e to exit")
	for {
		line, err := c.readLine()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "h", "help":
			fmt.Fprint(c.out, commandHelp())
			continue
		case "e", "exit", "quit":
			return nil
		}

		sent, err := apiClient.SendCommand(fields[0], fields[1:]...)
		if err != nil {
			fmt.Fprintln(c.out, color.RedString("%v", err))
			continue
		}
		fmt.Fprintln(c.out, color.CyanString("> %s", sent))
	}
}

// selectPort asks for a port when the daemon has no open link.
func (c *console) selectPort() error {
	s, err := apiClient.GetStatus()
	if err != nil {
		return err
	}
	if s.Connected {
		return nil
	}

	list, err := apiClient.GetPorts()
	if err != nil {
		return err
	}

	fmt.Fprintln(c.out, "the daemon has no open port. Available ports:")
	for i, p := range list {
		fmt.Fprintf(c.out, "  %d) %s\n", i+1, p.DisplayName)
	}
	fmt.Fprintln(c.out, "  s) simulator")
	fmt.Fprintln(c.out, "choose a port, or press enter to continue without one:")

	line, err := c.readLine()
	if err != nil {
		return err
	}
	line = strings.TrimSpace(line)

	var address string
	switch line {
	case "":
		return nil
	case "s":
	default:
		i, err := strconv.Atoi(line)
		if err != nil || i < 1 || i > len(list) {
			return fmt.Errorf("invalid choice %q", line)
		}
		address = list[i-1].ID
	}

	if _, err := apiClient.SetPort(address); err != nil {
		return err
	}
	return nil
}

func (c *console) printEvent(ev events.Event) {
	switch ev.Name {
	case events.PortData:
		if d, err := events.DecodeAs[events.PortDataEvent](ev); err == nil {
			fmt.Fprintln(c.out, d.Line)
		}
	case events.PortError:
		if d, err := events.DecodeAs[events.PortErrorEvent](ev); err == nil {
			fmt.Fprintln(c.out, color.RedString("%s failed: %s", d.Operation, d.Reason))
		}
	case events.FlowMeasured:
		if d, err := events.DecodeAs[events.FlowMeasuredEvent](ev); err == nil {
			fmt.Fprintf(c.out, "channel %d flow %.2f\n", d.Channel, d.Flow)
		}
	case events.ControllerBusy:
		if d, err := events.DecodeAs[events.ControllerBusyEvent](ev); err == nil {
			switch {
			case d.Busy:
				fmt.Fprintln(c.out, color.YellowString("%s started", d.Operation))
			case d.Error != "":
				fmt.Fprintln(c.out, color.RedString("%s failed: %s", d.Operation, d.Error))
			default:
				fmt.Fprintln(c.out, color.GreenString("%s finished", d.Operation))
			}
		}
	case events.ChannelChanged:
		// The channel table is shown by `sniff0 status'.
	default:
		fmt.Fprintf(c.out, "%s %s\n", ev.Name, ev.Data)
	}
}
