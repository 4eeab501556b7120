package config

import (
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/cynexo/sniff0/pkg/utils/ptr"
)

var (
	defaultFileConfig = &RawFileConfig{
		Port:                 ptr.To(""),
		BaudRate:             ptr.To(9600),
		Channels:             ptr.To(13),
		ControllerFlows:      ptr.To(""),
		MotorAdjustmentSteps: ptr.To(10),
		CommandDelayMs:       ptr.To(100),
		PollIntervalMs:       ptr.To(500),
		StepTimeoutSeconds:   ptr.To(30),
		AbortOnSendError:     ptr.To(false),
		// Automatic calibration is off unless a schedule is set.
		CalibrationCron:    ptr.To(""),
		AllowNonRootAccess: ptr.To(false),
	}
)

var _ Config = &File{}

type File struct {
	c        *RawFileConfig
	mu       *sync.RWMutex
	filepath string
}

func NewFile(configPath string) (*File, error) {
	f := &File{
		filepath: configPath,
		mu:       &sync.RWMutex{},
	}
	err := f.Load()
	if err != nil {
		return nil, err
	}

	return f, nil
}

func NewFileFromConfig(c *RawFileConfig, configPath string) *File {
	if c == nil {
		c = &RawFileConfig{}
	}

	f := &File{
		c:        c,
		mu:       &sync.RWMutex{},
		filepath: configPath,
	}

	return f
}

type RawFileConfig struct {
	Port                 *string `json:"port,omitempty"`
	BaudRate             *int    `json:"baudRate,omitempty"`
	Channels             *int    `json:"channels,omitempty"`
	ControllerFlows      *string `json:"controllerFlows,omitempty"`
	MotorAdjustmentSteps *int    `json:"motorAdjustmentSteps,omitempty"`
	CommandDelayMs       *int    `json:"commandDelayMs,omitempty"`
	PollIntervalMs       *int    `json:"pollIntervalMs,omitempty"`
	StepTimeoutSeconds   *int    `json:"stepTimeoutSeconds,omitempty"`
	AbortOnSendError     *bool   `json:"abortOnSendError,omitempty"`
	CalibrationCron      *string `json:"calibrationCron,omitempty"`
	AllowNonRootAccess   *bool   `json:"allowNonRootAccess,omitempty"`
}

func NewRawFileConfigFromConfig(c Config) (*RawFileConfig, error) {
	if c == nil {
		return nil, pkgerrors.New("config is nil")
	}

	rawConfig := &RawFileConfig{
		Port:                 ptr.To(c.Port()),
		BaudRate:             ptr.To(c.BaudRate()),
		Channels:             ptr.To(c.Channels()),
		ControllerFlows:      ptr.To(c.ControllerFlows()),
		MotorAdjustmentSteps: ptr.To(c.MotorAdjustmentSteps()),
		CommandDelayMs:       ptr.To(int(c.CommandDelay() / time.Millisecond)),
		PollIntervalMs:       ptr.To(int(c.PollInterval() / time.Millisecond)),
		StepTimeoutSeconds:   ptr.To(int(c.StepTimeout() / time.Second)),
		AbortOnSendError:     ptr.To(c.AbortOnSendError()),
		CalibrationCron:      ptr.To(c.CalibrationCron()),
		AllowNonRootAccess:   ptr.To(c.AllowNonRootAccess()),
	}

	return rawConfig, nil
}

// value returns the field selected by field, or its default when unset.
func value[T any](f *File, field func(*RawFileConfig) *T) T {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return ptr.Deref(field(f.c), *field(defaultFileConfig))
}

func (f *File) set(fn func(*RawFileConfig)) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f.c)
}

func (f *File) Port() string {
	return value(f, func(c *RawFileConfig) *string { return c.Port })
}

func (f *File) BaudRate() int {
	return value(f, func(c *RawFileConfig) *int { return c.BaudRate })
}

// Channels is the number of physical channels, clamped to 1..13.
func (f *File) Channels() int {
	n := value(f, func(c *RawFileConfig) *int { return c.Channels })
	if n < 1 || n > *defaultFileConfig.Channels {
		return *defaultFileConfig.Channels
	}
	return n
}

// ControllerFlows is the JSON array of persisted channel records.
func (f *File) ControllerFlows() string {
	return value(f, func(c *RawFileConfig) *string { return c.ControllerFlows })
}

func (f *File) MotorAdjustmentSteps() int {
	return value(f, func(c *RawFileConfig) *int { return c.MotorAdjustmentSteps })
}

func (f *File) CommandDelay() time.Duration {
	return time.Duration(value(f, func(c *RawFileConfig) *int { return c.CommandDelayMs })) * time.Millisecond
}

func (f *File) PollInterval() time.Duration {
	return time.Duration(value(f, func(c *RawFileConfig) *int { return c.PollIntervalMs })) * time.Millisecond
}

func (f *File) StepTimeout() time.Duration {
	return time.Duration(value(f, func(c *RawFileConfig) *int { return c.StepTimeoutSeconds })) * time.Second
}

func (f *File) AbortOnSendError() bool {
	return value(f, func(c *RawFileConfig) *bool { return c.AbortOnSendError })
}

func (f *File) CalibrationCron() string {
	return value(f, func(c *RawFileConfig) *string { return c.CalibrationCron })
}

func (f *File) AllowNonRootAccess() bool {
	return value(f, func(c *RawFileConfig) *bool { return c.AllowNonRootAccess })
}

func (f *File) SetPort(s string) {
	f.set(func(c *RawFileConfig) { c.Port = &s })
}

func (f *File) SetControllerFlows(s string) {
	f.set(func(c *RawFileConfig) { c.ControllerFlows = &s })
}

func (f *File) SetMotorAdjustmentSteps(i int) {
	if i < 1 {
		panic("motor adjustment steps must be positive")
	}
	f.set(func(c *RawFileConfig) { c.MotorAdjustmentSteps = &i })
}

func (f *File) SetCalibrationCron(s string) {
	f.set(func(c *RawFileConfig) { c.CalibrationCron = &s })
}

func (f *File) SetAbortOnSendError(b bool) {
	f.set(func(c *RawFileConfig) { c.AbortOnSendError = &b })
}

func (f *File) SetAllowNonRootAccess(b bool) {
	f.set(func(c *RawFileConfig) { c.AllowNonRootAccess = &b })
}

func (f *File) Load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	fp, err := os.Open(f.filepath)
	if err != nil {
		if os.IsNotExist(err) {
			// If the file does not exist, return the empty config.
			// Do not make f.c a nil.
			f.c = &RawFileConfig{}
			return nil
		}
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	// An empty file is a valid, empty config, which json.Decoder would
	// reject.
	b, err := io.ReadAll(fp)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to read file %s", f.filepath)
	}

	if strings.TrimSpace(string(b)) == "" {
		f.c = &RawFileConfig{}
		return nil
	}

	conf := RawFileConfig{}
	err = json.Unmarshal(b, &conf)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to unmarshal config from file %s", f.filepath)
	}
	f.c = &conf

	return nil
}

func (f *File) Save() error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.c == nil {
		return pkgerrors.New("config is nil")
	}

	fp, err := os.OpenFile(f.filepath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	enc := json.NewEncoder(fp)
	enc.SetIndent("", "  ")
	err = enc.Encode(f.c)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to encode config to file %s", f.filepath)
	}

	return nil
}

func (f *File) LogrusFields() logrus.Fields {
	if f.c == nil {
		panic("config is nil")
	}

	return logrus.Fields{
		"port":                 f.Port(),
		"baudRate":             f.BaudRate(),
		"channels":             f.Channels(),
		"motorAdjustmentSteps": f.MotorAdjustmentSteps(),
		"commandDelay":         f.CommandDelay(),
		"pollInterval":         f.PollInterval(),
		"stepTimeout":          f.StepTimeout(),
		"abortOnSendError":     f.AbortOnSendError(),
		"calibrationCron":      f.CalibrationCron(),
		"allowNonRootAccess":   f.AllowNonRootAccess(),
	}
}
