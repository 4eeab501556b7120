package config

import "time"

type Config interface {
	// Port is the serial port of the instrument. Empty selects the simulator.
	Port() string
	BaudRate() int
	Channels() int
	ControllerFlows() string
	MotorAdjustmentSteps() int
	CommandDelay() time.Duration
	PollInterval() time.Duration
	StepTimeout() time.Duration
	AbortOnSendError() bool
	CalibrationCron() string
	AllowNonRootAccess() bool

	SetPort(string)
	SetControllerFlows(string)
	SetMotorAdjustmentSteps(int)
	SetCalibrationCron(string)
	SetAbortOnSendError(bool)
	SetAllowNonRootAccess(bool)

	// Load reads the configuration from the source.
	Load() error
	// Save saves the configuration to the source.
	Save() error
}
