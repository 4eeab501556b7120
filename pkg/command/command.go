// Package command builds the ASCII command lines understood by the Sniff-0
// firmware and recognizes the reply lines the controller correlates against.
//
// Every builder is pure. Builders that take a channel id or a numeric
// parameter validate it first and return ErrInvalidArgument, so nothing out of
// range ever reaches the wire.
package command

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	MinChannelID = 1
	MaxChannelID = 13
)

// ErrInvalidArgument is returned when a channel id or numeric parameter is
// outside of what the firmware accepts.
var ErrInvalidArgument = errors.New("invalid argument")

// ChannelFlow is one id:flow pair of a setFlow request.
type ChannelFlow struct {
	ID   int     `json:"id"`
	Flow float64 `json:"flow"`
}

func checkChannel(id int) error {
	if id < MinChannelID || id > MaxChannelID {
		return fmt.Errorf("%w: channel must be in the range %d..%d, got %d", ErrInvalidArgument, MinChannelID, MaxChannelID, id)
	}
	return nil
}

func checkMillis(name string, ms int) error {
	if ms < 0 {
		return fmt.Errorf("%w: %s must not be negative, got %d", ErrInvalidArgument, name, ms)
	}
	return nil
}

func flag(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatFlow(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// SetVerbose controls the serial echo.
func SetVerbose(verbose bool) string {
	return fmt.Sprintf("setVerbose %d", flag(verbose))
}

// SetVerboseLCD controls echo to the LCD. The firmware flag is inverted.
func SetVerboseLCD(verbose bool) string {
	return fmt.Sprintf("setExperiment %d", flag(!verbose))
}

// SetCAChannel designates the clean-air channel. Like every channel builder
// it rejects 0. OpenValveWithoutCleanAir opens a valve without clean air.
func SetCAChannel(id int) (string, error) {
	if err := checkChannel(id); err != nil {
		return "", err
	}
	return fmt.Sprintf("setCAChannel %d", id), nil
}

func SetAllSolenoidValves(open bool) string {
	if open {
		return "enableAllValves"
	}
	return "disableAllValves"
}

// SetFlow requests closed-loop calibration of every listed channel. Channels
// are calibrated by the firmware in the order given.
func SetFlow(flows []ChannelFlow) (string, error) {
	if len(flows) == 0 {
		return "", fmt.Errorf("%w: at least one channel flow is required", ErrInvalidArgument)
	}

	pairs := make([]string, 0, len(flows))
	for _, f := range flows {
		if err := checkChannel(f.ID); err != nil {
			return "", err
		}
		if f.Flow <= 0 || math.IsNaN(f.Flow) || math.IsInf(f.Flow, 0) {
			return "", fmt.Errorf("%w: flow of channel %d must be positive, got %v", ErrInvalidArgument, f.ID, f.Flow)
		}
		pairs = append(pairs, fmt.Sprintf("%d:%s", f.ID, formatFlow(f.Flow)))
	}

	return "setFlow " + strings.Join(pairs, ";"), nil
}

// ManualFlow starts the firmware's continuous flow read loop on a channel.
// It is ended by StopCalibration.
func ManualFlow(id int) (string, error) {
	if err := checkChannel(id); err != nil {
		return "", err
	}
	return fmt.Sprintf("manualFlow %d", id), nil
}

// StopCalibration interrupts an in-progress convergence loop.
func StopCalibration() string {
	return "stopCalibration"
}

// TestDelay measures the delay between opening a channel's valve and the
// detection of the pressure front after the subject manifold.
func TestDelay(id int) (string, error) {
	if err := checkChannel(id); err != nil {
		return "", err
	}
	return fmt.Sprintf("testDelay %d", id), nil
}

// SetChannel selects the channel used implicitly by the following commands.
func SetChannel(id int) (string, error) {
	if err := checkChannel(id); err != nil {
		return "", err
	}
	return fmt.Sprintf("setChannel %d", id), nil
}

func ReadFlow() string {
	return "readFlow"
}

// SetValve opens or closes the valve of the selected channel, optionally
// emitting a trigger out.
func SetValve(open, triggerOut bool) string {
	trigger := ""
	if triggerOut {
		trigger = "Tout"
	}
	return fmt.Sprintf("set%sValve %d", trigger, flag(open))
}

func SetMotorDirection(toOpen bool) string {
	return fmt.Sprintf("setDirection %d", flag(toOpen))
}

// RunMotorSteps moves the stepper of the selected channel. Keep counts small
// (5-10) unless larger moves are known to be safe.
func RunMotorSteps(count int) (string, error) {
	if count < 1 {
		return "", fmt.Errorf("%w: step count must be at least 1, got %d", ErrInvalidArgument, count)
	}
	return fmt.Sprintf("steps %d", count), nil
}

func triggerPrefix(onTrigger bool) string {
	if onTrigger {
		return "T"
	}
	return ""
}

// OpenValve opens the selected channel's valve for ms milliseconds. With
// onTrigger the firmware waits for a trigger in first.
func OpenValve(ms int, onTrigger bool) (string, error) {
	if err := checkMillis("duration", ms); err != nil {
		return "", err
	}
	return fmt.Sprintf("open%sValveTimed %d", triggerPrefix(onTrigger), ms), nil
}

// OpenValveWithoutConstantFlow is OpenValve with the constant flow channel
// disabled for the duration of the delivery.
func OpenValveWithoutConstantFlow(ms int, onTrigger bool) (string, error) {
	if err := checkMillis("duration", ms); err != nil {
		return "", err
	}
	return fmt.Sprintf("%sCfOffOpenValveTimed %d", triggerPrefix(onTrigger), ms), nil
}

// OpenValveWithoutCleanAir is OpenValve with the clean-air channel disabled
// for the duration of the delivery.
func OpenValveWithoutCleanAir(ms int, onTrigger bool) (string, error) {
	if err := checkMillis("duration", ms); err != nil {
		return "", err
	}
	return fmt.Sprintf("%sCaOffOpenValveTimed %d", triggerPrefix(onTrigger), ms), nil
}

func SetTriggerOutDelay(ms int) (string, error) {
	if err := checkMillis("delay", ms); err != nil {
		return "", err
	}
	return fmt.Sprintf("setTriggerOutDelay %d", ms), nil
}

func SetTriggerOutDuration(ms int) (string, error) {
	if err := checkMillis("duration", ms); err != nil {
		return "", err
	}
	return fmt.Sprintf("setTriggerOutDuration %d", ms), nil
}

func OutTrigger() string  { return "outTrigger" }
func InTrigger() string   { return "inTrigger" }
func LoopTrigger() string { return "loopTrigger" }

func breathGated(kind string, id, duration, delay int, secondTrigger bool) (string, error) {
	if err := checkChannel(id); err != nil {
		return "", err
	}
	if err := checkMillis("duration", duration); err != nil {
		return "", err
	}
	if err := checkMillis("delay", delay); err != nil {
		return "", err
	}

	second := ""
	if secondTrigger {
		second = "ta_"
	}
	return fmt.Sprintf("Tb_%s%s %d %d %d", second, kind, id, duration, delay), nil
}

// OpenValveOnInhale waits for the breath module trigger, opens the valve of
// channel id for duration ms and requests the sound after delay ms.
func OpenValveOnInhale(id, duration, delay int, secondTrigger bool) (string, error) {
	return breathGated("in_breathSound", id, duration, delay, secondTrigger)
}

// OpenValveOnExhale is OpenValveOnInhale gated on the exhale trigger.
func OpenValveOnExhale(id, duration, delay int, secondTrigger bool) (string, error) {
	return breathGated("out_breathSound", id, duration, delay, secondTrigger)
}

// OpenValveAfterSound emits the sound trigger first and opens the valve after
// delay ms.
func OpenValveAfterSound(id, duration, delay int, secondTrigger bool) (string, error) {
	return breathGated("soundValve", id, duration, delay, secondTrigger)
}

// OpenValveThenSound opens the valve first and emits the sound trigger after
// delay ms.
func OpenValveThenSound(id, duration, delay int, secondTrigger bool) (string, error) {
	return breathGated("valveSound", id, duration, delay, secondTrigger)
}
