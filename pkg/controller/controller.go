// Package controller sequences multi-step instrument operations: automatic
// calibration, manual flow toggling, flow polling, timed openings and motor
// adjustment. It owns the channel records and is the only writer of their
// state.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cynexo/sniff0/pkg/channel"
	"github.com/cynexo/sniff0/pkg/command"
	"github.com/cynexo/sniff0/pkg/events"
)

// AllChannels addresses every active channel in ToggleFlow.
const AllChannels = 0

const defaultMotorAdjustmentSteps = 10

var (
	ErrBusy                  = errors.New("another operation is in progress")
	ErrTimeout               = errors.New("timed out waiting for the instrument")
	ErrFlowPollingActive     = errors.New("flow polling is active")
	ErrCalibrationInProgress = errors.New("calibration is in progress")
	ErrUnknownChannel        = errors.New("unknown channel")
	ErrClosed                = errors.New("controller is closed")
)

// Transport is the line transport the controller drives. *port.Port
// satisfies it.
type Transport interface {
	Send(command string) error
	AddDataHandler(fn func(line string)) (remove func())
	Close() error
}

// Settings is the store holding the persisted channel records and the motor
// adjustment step count. *config.File satisfies it.
type Settings interface {
	ControllerFlows() string
	SetControllerFlows(string)
	MotorAdjustmentSteps() int
	Save() error
}

type Publisher interface {
	Publish(name string, payload any)
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, any) {}

// Direction of a motor adjustment. Up opens the channel further.
type Direction int

const (
	Down Direction = iota
	Up
)

func (d Direction) String() string {
	if d == Up {
		return "up"
	}
	return "down"
}

// ParseDirection accepts "up" and "down".
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "up":
		return Up, nil
	case "down":
		return Down, nil
	}
	return Down, fmt.Errorf("%w: direction must be up or down, got %q", command.ErrInvalidArgument, s)
}

// Status is a consistent view of the controller.
type Status struct {
	Busy                    bool               `json:"busy"`
	Operation               string             `json:"operation,omitempty"`
	Polling                 bool               `json:"polling"`
	Verbose                 bool               `json:"verbose"`
	CanAutoCalibrate        bool               `json:"canAutoCalibrate"`
	ManualCalibrationActive bool               `json:"manualCalibrationActive"`
	ManualChannel           int                `json:"manualChannel,omitempty"`
	Channels                []channel.Snapshot `json:"channels"`
}

type Controller struct {
	transport Transport
	settings  Settings
	opts      options

	// ctx is cancelled by Close and ends every sequence.
	ctx    context.Context
	cancel context.CancelFunc

	removeHandler func()

	mu            sync.Mutex
	channels      []*channel.Channel
	op            *Operation
	poll          *poller
	manualChannel int
	verbose       bool
	closed        bool

	exMu sync.Mutex
	ex   *exchange
}

// New creates the channel records, restores their persisted flows and
// subscribes to the transport.
func New(t Transport, s Settings, opts ...Option) *Controller {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	c := &Controller{
		transport: t,
		settings:  s,
		opts:      o,
		channels:  make([]*channel.Channel, o.channelCount),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	for i := range c.channels {
		c.channels[i] = channel.New(i + 1)
	}
	c.loadState()

	c.removeHandler = t.AddDataHandler(c.handleLine)

	return c
}

func (c *Controller) loadState() {
	if c.settings == nil {
		return
	}
	records, err := channel.Decode(c.settings.ControllerFlows())
	if err != nil {
		// A corrupt record is dropped, the channels start inactive.
		logrus.WithError(err).Warn("ignoring persisted channel states")
		return
	}
	for i, r := range records {
		if i >= len(c.channels) {
			break
		}
		c.channels[i].Restore(r)
	}
	logrus.WithField("channels", len(records)).Debug("channel states restored")
}

func (c *Controller) saveState() error {
	if c.settings == nil {
		return nil
	}
	c.mu.Lock()
	s, err := channel.Encode(c.channels)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.settings.SetControllerFlows(s)
	return c.settings.Save()
}

// Close stops everything the controller runs, persists the channel records
// and closes the transport. It is idempotent.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	op := c.op
	p := c.poll
	c.poll = nil
	c.mu.Unlock()

	c.removeHandler()

	c.cancel()
	if op != nil {
		<-op.Done()
	}
	if p != nil {
		p.stop()
	}

	var errs []error
	if err := c.saveState(); err != nil {
		logrus.WithError(err).Error("failed to save channel states")
		errs = append(errs, err)
	}
	if err := c.transport.Close(); err != nil {
		errs = append(errs, err)
	}

	logrus.Debug("controller closed")
	return errors.Join(errs...)
}

func (c *Controller) channelByID(id int) (*channel.Channel, error) {
	if id < 1 || id > len(c.channels) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownChannel, id)
	}
	return c.channels[id-1], nil
}

// update applies fn to channel id under the lock and publishes the result.
func (c *Controller) update(id int, fn func(ch *channel.Channel)) {
	c.mu.Lock()
	ch, err := c.channelByID(id)
	if err != nil {
		c.mu.Unlock()
		return
	}
	fn(ch)
	snap := ch.Snapshot()
	c.mu.Unlock()

	c.publishChannel(snap)
}

func (c *Controller) publishChannel(s channel.Snapshot) {
	c.opts.publisher.Publish(events.ChannelChanged, events.ChannelChangedEvent{
		Snapshot: s,
		Ts:       time.Now().Unix(),
	})
}

// SetVerbose switches the instrument's verbose replies.
func (c *Controller) SetVerbose(verbose bool) error {
	if err := c.transport.Send(command.SetVerbose(verbose)); err != nil {
		return err
	}
	c.mu.Lock()
	c.verbose = verbose
	c.mu.Unlock()
	return nil
}

// SetChannelActive marks a channel for calibration and timed openings. A
// channel without a flow cannot be activated.
func (c *Controller) SetChannelActive(id int, active bool) error {
	c.mu.Lock()
	ch, err := c.channelByID(id)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if active && ch.RequestedFlow() <= 0 {
		c.mu.Unlock()
		return fmt.Errorf("%w: channel %d has no flow", command.ErrInvalidArgument, id)
	}
	ch.SetActive(active)
	snap := ch.Snapshot()
	c.mu.Unlock()

	c.publishChannel(snap)
	return nil
}

// SetChannelFlow sets the requested flow of a channel. It fails with
// ErrBusy while the channel is being calibrated.
func (c *Controller) SetChannelFlow(id int, flow float64) error {
	c.mu.Lock()
	ch, err := c.channelByID(id)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if !ch.EditableFlow() {
		c.mu.Unlock()
		return fmt.Errorf("%w: flow of channel %d is locked", ErrBusy, id)
	}
	if err := ch.SetRequestedFlow(flow); err != nil {
		c.mu.Unlock()
		return err
	}
	snap := ch.Snapshot()
	c.mu.Unlock()

	c.publishChannel(snap)
	return nil
}

// StopCalibration interrupts the instrument's convergence loop and cancels
// a running calibration. Other operations keep running.
func (c *Controller) StopCalibration() error {
	err := c.transport.Send(command.StopCalibration())

	c.mu.Lock()
	op := c.op
	c.mu.Unlock()
	if op != nil && op.Name() == opCalibrate {
		op.Cancel()
	}
	return err
}

// Send writes a raw command line.
func (c *Controller) Send(line string) error {
	return c.transport.Send(line)
}

func (c *Controller) Channels() []channel.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotsLocked()
}

func (c *Controller) snapshotsLocked() []channel.Snapshot {
	out := make([]channel.Snapshot, 0, len(c.channels))
	for _, ch := range c.channels {
		out = append(out, ch.Snapshot())
	}
	return out
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Status{
		Busy:                    c.op != nil,
		Polling:                 c.poll != nil,
		Verbose:                 c.verbose,
		CanAutoCalibrate:        c.canAutoCalibrateLocked(),
		ManualCalibrationActive: c.manualChannel != 0,
		ManualChannel:           c.manualChannel,
		Channels:                c.snapshotsLocked(),
	}
	if c.op != nil {
		s.Operation = c.op.Name()
	}
	return s
}

func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.op != nil
}

func (c *Controller) Polling() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.poll != nil
}

// CanAutoCalibrate reports whether some channel is active and no valve is
// open.
func (c *Controller) CanAutoCalibrate() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canAutoCalibrateLocked()
}

func (c *Controller) canAutoCalibrateLocked() bool {
	anyActive := false
	for _, ch := range c.channels {
		if ch.ValveOpen() {
			return false
		}
		anyActive = anyActive || ch.Active()
	}
	return anyActive
}

// IsManualCalibrationActive reports whether a single channel was opened
// through ToggleFlow.
func (c *Controller) IsManualCalibrationActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.manualChannel != 0
}

func (c *Controller) motorAdjustmentSteps() int {
	if c.settings == nil {
		return defaultMotorAdjustmentSteps
	}
	if n := c.settings.MotorAdjustmentSteps(); n > 0 {
		return n
	}
	return defaultMotorAdjustmentSteps
}
