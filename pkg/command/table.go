package command

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrUnknownCommand is returned by Build for names missing from the table.
var ErrUnknownCommand = errors.New("unknown command")

// Entry is one operator-facing command: a short name, its argument usage and
// a builder that turns textual arguments into a command line.
type Entry struct {
	Name    string
	Usage   string
	Help    string
	minArgs int
	maxArgs int
	build   func(args []string) (string, error)
}

func (e Entry) Build(args []string) (string, error) {
	if len(args) < e.minArgs || len(args) > e.maxArgs {
		return "", fmt.Errorf("%w: %s expects %s", ErrInvalidArgument, e.Name, e.describeArgs())
	}
	return e.build(args)
}

func (e Entry) describeArgs() string {
	if e.Usage == "" {
		return "no arguments"
	}
	return e.Usage
}

var table = []Entry{
	{Name: "verbose", Usage: "on|off", Help: "toggle the serial echo", minArgs: 1, maxArgs: 1,
		build: switched(SetVerbose)},
	{Name: "lcd", Usage: "on|off", Help: "toggle echo to the LCD", minArgs: 1, maxArgs: 1,
		build: switched(SetVerboseLCD)},
	{Name: "ca-channel", Usage: "<channel>", Help: "set the clean-air channel", minArgs: 1, maxArgs: 1,
		build: func(a []string) (string, error) {
			id, err := parseInt(a[0], "channel")
			if err != nil {
				return "", err
			}
			return SetCAChannel(id)
		}},
	{Name: "valves", Usage: "open|close", Help: "open or close all solenoid valves", minArgs: 1, maxArgs: 1,
		build: switched(SetAllSolenoidValves)},
	{Name: "flow", Usage: "<channel>:<flow> [<channel>:<flow>...]", Help: "calibrate channels to the given flows", minArgs: 1, maxArgs: MaxChannelID,
		build: func(a []string) (string, error) {
			flows, err := ParseChannelFlows(a)
			if err != nil {
				return "", err
			}
			return SetFlow(flows)
		}},
	{Name: "manual-flow", Usage: "<channel>", Help: "start the continuous flow read loop", minArgs: 1, maxArgs: 1,
		build: func(a []string) (string, error) {
			id, err := parseInt(a[0], "channel")
			if err != nil {
				return "", err
			}
			return ManualFlow(id)
		}},
	{Name: "stop", Help: "interrupt calibration or the manual flow loop",
		build: func([]string) (string, error) { return StopCalibration(), nil }},
	{Name: "test-delay", Usage: "<channel>", Help: "measure the pressure-front delay of a channel", minArgs: 1, maxArgs: 1,
		build: func(a []string) (string, error) {
			id, err := parseInt(a[0], "channel")
			if err != nil {
				return "", err
			}
			return TestDelay(id)
		}},
	{Name: "channel", Usage: "<channel>", Help: "select the active channel", minArgs: 1, maxArgs: 1,
		build: func(a []string) (string, error) {
			id, err := parseInt(a[0], "channel")
			if err != nil {
				return "", err
			}
			return SetChannel(id)
		}},
	{Name: "read", Help: "read the flow of the active channel",
		build: func([]string) (string, error) { return ReadFlow(), nil }},
	{Name: "valve", Usage: "open|close [trigger]", Help: "open or close the active channel's valve", minArgs: 1, maxArgs: 2,
		build: func(a []string) (string, error) {
			open, err := parseSwitch(a[0])
			if err != nil {
				return "", err
			}
			trigger, err := parseOptional(a, 1, "trigger")
			if err != nil {
				return "", err
			}
			return SetValve(open, trigger), nil
		}},
	{Name: "direction", Usage: "open|close", Help: "set the stepper motor direction", minArgs: 1, maxArgs: 1,
		build: switched(SetMotorDirection)},
	{Name: "steps", Usage: "<count>", Help: "run the stepper motor", minArgs: 1, maxArgs: 1,
		build: func(a []string) (string, error) {
			n, err := parseInt(a[0], "count")
			if err != nil {
				return "", err
			}
			return RunMotorSteps(n)
		}},
	{Name: "open", Usage: "<ms> [trigger]", Help: "open the active channel's valve for ms milliseconds", minArgs: 1, maxArgs: 2,
		build: timedOpen(OpenValve)},
	{Name: "open-cf-off", Usage: "<ms> [trigger]", Help: "timed open with the constant flow disabled", minArgs: 1, maxArgs: 2,
		build: timedOpen(OpenValveWithoutConstantFlow)},
	{Name: "open-ca-off", Usage: "<ms> [trigger]", Help: "timed open with the clean-air channel disabled", minArgs: 1, maxArgs: 2,
		build: timedOpen(OpenValveWithoutCleanAir)},
	{Name: "trigger-delay", Usage: "<ms>", Help: "set the trigger out delay", minArgs: 1, maxArgs: 1,
		build: func(a []string) (string, error) {
			ms, err := parseInt(a[0], "delay")
			if err != nil {
				return "", err
			}
			return SetTriggerOutDelay(ms)
		}},
	{Name: "trigger-duration", Usage: "<ms>", Help: "set the trigger out duration", minArgs: 1, maxArgs: 1,
		build: func(a []string) (string, error) {
			ms, err := parseInt(a[0], "duration")
			if err != nil {
				return "", err
			}
			return SetTriggerOutDuration(ms)
		}},
	{Name: "out-trigger", Help: "test the trigger out port",
		build: func([]string) (string, error) { return OutTrigger(), nil }},
	{Name: "in-trigger", Help: "wait up to 10 s for a trigger in",
		build: func([]string) (string, error) { return InTrigger(), nil }},
	{Name: "loop-trigger", Help: "test trigger out looped back into trigger in",
		build: func([]string) (string, error) { return LoopTrigger(), nil }},
	{Name: "inhale", Usage: "<channel> <duration> <delay> [second]", Help: "open on the inhale trigger, then sound", minArgs: 3, maxArgs: 4,
		build: gated(OpenValveOnInhale)},
	{Name: "exhale", Usage: "<channel> <duration> <delay> [second]", Help: "open on the exhale trigger, then sound", minArgs: 3, maxArgs: 4,
		build: gated(OpenValveOnExhale)},
	{Name: "sound-valve", Usage: "<channel> <duration> <delay> [second]", Help: "sound first, then open the valve", minArgs: 3, maxArgs: 4,
		build: gated(OpenValveAfterSound)},
	{Name: "valve-sound", Usage: "<channel> <duration> <delay> [second]", Help: "open the valve first, then sound", minArgs: 3, maxArgs: 4,
		build: gated(OpenValveThenSound)},
}

// Entries returns the command table in display order.
func Entries() []Entry {
	out := make([]Entry, len(table))
	copy(out, table)
	return out
}

func Lookup(name string) (Entry, bool) {
	for _, e := range table {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// Build looks name up in the table and builds its command line.
func Build(name string, args []string) (string, error) {
	e, ok := Lookup(name)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
	return e.Build(args)
}

// ParseChannelFlows parses "id:flow" pairs, each given separately or joined
// with ';'.
func ParseChannelFlows(args []string) ([]ChannelFlow, error) {
	var flows []ChannelFlow
	for _, arg := range args {
		for _, pair := range strings.Split(arg, ";") {
			if pair == "" {
				continue
			}
			idStr, flowStr, ok := strings.Cut(pair, ":")
			if !ok {
				return nil, fmt.Errorf("%w: expected <channel>:<flow>, got %q", ErrInvalidArgument, pair)
			}
			id, err := parseInt(idStr, "channel")
			if err != nil {
				return nil, err
			}
			flow, err := strconv.ParseFloat(flowStr, 64)
			if err != nil || math.IsNaN(flow) || math.IsInf(flow, 0) {
				return nil, fmt.Errorf("%w: invalid flow %q", ErrInvalidArgument, flowStr)
			}
			flows = append(flows, ChannelFlow{ID: id, Flow: flow})
		}
	}
	return flows, nil
}

func switched(fn func(bool) string) func([]string) (string, error) {
	return func(a []string) (string, error) {
		on, err := parseSwitch(a[0])
		if err != nil {
			return "", err
		}
		return fn(on), nil
	}
}

func timedOpen(fn func(int, bool) (string, error)) func([]string) (string, error) {
	return func(a []string) (string, error) {
		ms, err := parseInt(a[0], "duration")
		if err != nil {
			return "", err
		}
		trigger, err := parseOptional(a, 1, "trigger")
		if err != nil {
			return "", err
		}
		return fn(ms, trigger)
	}
}

func gated(fn func(int, int, int, bool) (string, error)) func([]string) (string, error) {
	return func(a []string) (string, error) {
		id, err := parseInt(a[0], "channel")
		if err != nil {
			return "", err
		}
		duration, err := parseInt(a[1], "duration")
		if err != nil {
			return "", err
		}
		delay, err := parseInt(a[2], "delay")
		if err != nil {
			return "", err
		}
		second, err := parseOptional(a, 3, "second")
		if err != nil {
			return "", err
		}
		return fn(id, duration, delay, second)
	}
}

func parseInt(s, name string) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s %q", ErrInvalidArgument, name, s)
	}
	return v, nil
}

func parseSwitch(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "1", "on", "open", "true", "yes":
		return true, nil
	case "0", "off", "close", "closed", "false", "no":
		return false, nil
	}
	return false, fmt.Errorf("%w: expected on|off or open|close, got %q", ErrInvalidArgument, s)
}

func parseOptional(args []string, i int, word string) (bool, error) {
	if len(args) <= i {
		return false, nil
	}
	if args[i] != word {
		return false, fmt.Errorf("%w: expected %q, got %q", ErrInvalidArgument, word, args[i])
	}
	return true, nil
}
