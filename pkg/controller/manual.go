package controller

import (
	"context"
	"time"

	"github.com/cynexo/sniff0/pkg/channel"
	"github.com/cynexo/sniff0/pkg/command"
)

// ToggleFlow opens or closes channel id, or every active channel for
// AllChannels. Toggling a single channel enters or leaves manual calibration
// mode for it.
func (c *Controller) ToggleFlow(ctx context.Context, id int) (*Operation, error) {
	var ids []int

	prepare := func() error {
		if id == AllChannels {
			ids = c.activeIDsLocked()
			return nil
		}
		if _, err := c.channelByID(id); err != nil {
			return err
		}
		ids = []int{id}
		return nil
	}

	return c.start(ctx, "toggle", prepare, func(seq *sequence) error {
		for _, chID := range ids {
			setChannel, err := command.SetChannel(chID)
			if err != nil {
				return err
			}

			var open bool
			c.update(chID, func(ch *channel.Channel) {
				ch.ToggleFlowState()
				open = ch.ValveOpen()
			})
			if id != AllChannels {
				c.setManualChannel(chID, open)
			}
			seq.log.WithField("channel", chID).WithField("open", open).Debug("toggling flow")

			if err := seq.pause(); err != nil {
				return err
			}
			if err := seq.send(setChannel); err != nil {
				return err
			}
			if err := seq.pause(); err != nil {
				return err
			}
			if err := seq.send(command.SetValve(open, false)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *Controller) setManualChannel(id int, open bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case open:
		c.manualChannel = id
	case c.manualChannel == id:
		c.manualChannel = 0
	}
}

func (c *Controller) activeIDsLocked() []int {
	var ids []int
	for _, ch := range c.channels {
		if ch.Active() {
			ids = append(ids, ch.ID())
		}
	}
	return ids
}

// OpenFor opens every active channel for ms milliseconds, one after the
// other. Valves that were already open are left open.
func (c *Controller) OpenFor(ctx context.Context, ms int) (*Operation, error) {
	openCmd, err := command.OpenValve(ms, false)
	if err != nil {
		return nil, err
	}

	var ids []int
	prepare := func() error {
		ids = c.activeIDsLocked()
		return nil
	}

	return c.start(ctx, "open-for", prepare, func(seq *sequence) error {
		for _, id := range ids {
			if err := c.openChannelFor(seq, id, openCmd, time.Duration(ms)*time.Millisecond); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *Controller) openChannelFor(seq *sequence, id int, openCmd string, d time.Duration) error {
	setChannel, err := command.SetChannel(id)
	if err != nil {
		return err
	}

	opened := false
	c.update(id, func(ch *channel.Channel) {
		if !ch.ValveOpen() {
			ch.ToggleFlowState()
			opened = true
		}
	})
	if opened {
		defer c.update(id, func(ch *channel.Channel) {
			if ch.ValveOpen() {
				ch.ToggleFlowState()
			}
		})
	}

	if err := seq.pause(); err != nil {
		return err
	}
	if err := seq.send(setChannel); err != nil {
		return err
	}
	if err := seq.pause(); err != nil {
		return err
	}
	if err := seq.send(openCmd); err != nil {
		return err
	}
	// The instrument closes the valve by itself.
	return sleep(seq.ctx, d)
}

// AdjustChannel moves the stepper of channel id by the configured number of
// steps. Calibration state is not touched.
func (c *Controller) AdjustChannel(ctx context.Context, id int, dir Direction) (*Operation, error) {
	var setChannel, steps string

	prepare := func() error {
		if _, err := c.channelByID(id); err != nil {
			return err
		}
		var err error
		if setChannel, err = command.SetChannel(id); err != nil {
			return err
		}
		steps, err = command.RunMotorSteps(c.motorAdjustmentSteps())
		return err
	}

	return c.start(ctx, "adjust", prepare, func(seq *sequence) error {
		seq.log.WithField("channel", id).WithField("direction", dir).Debug("adjusting channel")

		if err := seq.send(setChannel); err != nil {
			return err
		}
		if err := seq.pause(); err != nil {
			return err
		}
		if err := seq.send(command.SetMotorDirection(dir == Up)); err != nil {
			return err
		}
		if err := seq.pause(); err != nil {
			return err
		}
		return seq.send(steps)
	})
}
