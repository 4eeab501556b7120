package controller

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cynexo/sniff0/pkg/channel"
	"github.com/cynexo/sniff0/pkg/command"
	"github.com/cynexo/sniff0/pkg/events"
)

// Calibrate resets every channel to StateInitial and lets the instrument
// converge all active channels with a flow, in channel order. Each channel
// goes to StateCalibrating on "enable Channel" and to StateCalibrated on
// "Value in range". With no qualifying channel the returned operation
// completes without sending anything.
func (c *Controller) Calibrate(ctx context.Context) (*Operation, error) {
	var (
		ex    *exchange
		ids   []int
		cmd   string
		reset []channel.Snapshot
	)

	prepare := func() error {
		var err error
		ex, err = c.claimExchange(ownerCalibration)
		if err != nil {
			return err
		}

		var flows []command.ChannelFlow
		for _, ch := range c.channels {
			ch.SetState(channel.StateInitial)
			if ch.Qualifies() {
				ids = append(ids, ch.ID())
				flows = append(flows, command.ChannelFlow{ID: ch.ID(), Flow: ch.RequestedFlow()})
				ch.SetEditableFlow(false)
			}
			reset = append(reset, ch.Snapshot())
		}

		if len(flows) > 0 {
			cmd, err = command.SetFlow(flows)
			if err != nil {
				c.unlockFlows(ids)
				c.releaseExchange(ex)
				return err
			}
		}
		return nil
	}

	return c.start(ctx, opCalibrate, prepare, func(seq *sequence) error {
		defer c.releaseExchange(ex)
		defer c.unlockFlowsAndPublish(ids)

		for _, s := range reset {
			c.publishChannel(s)
		}
		if len(ids) == 0 {
			seq.log.Info("no active channel with a flow, nothing to calibrate")
			return nil
		}

		seq.log.WithField("channels", ids).Info("calibrating")

		// The only command of the sequence: nothing else happens if it fails.
		if err := c.transport.Send(cmd); err != nil {
			return err
		}

		for _, id := range ids {
			if err := c.calibrateChannel(seq, ex, id); err != nil {
				if errors.Is(err, ErrTimeout) {
					if sendErr := c.transport.Send(command.StopCalibration()); sendErr != nil {
						seq.log.WithError(sendErr).Warn("failed to stop calibration")
					}
				}
				return err
			}
		}

		seq.log.Info("calibration finished")
		return nil
	})
}

func (c *Controller) calibrateChannel(seq *sequence, ex *exchange, id int) error {
	log := seq.log.WithField("channel", id)
	timeout := c.opts.stepTimeout

	err := await(seq.ctx, ex, timeout, func(r command.Reply) bool {
		return r.Kind == command.ReplyChannelEnabled && (r.Channel == 0 || r.Channel == id)
	})
	if err != nil {
		log.WithError(err).Warn("channel was not enabled")
		return err
	}

	c.update(id, func(ch *channel.Channel) { ch.SetState(channel.StateCalibrating) })
	log.Debug("channel calibrating")

	err = await(seq.ctx, ex, timeout, func(r command.Reply) bool {
		switch r.Kind {
		case command.ReplyMeasuredFlow:
			if r.HasValue {
				c.recordMeasurement(id, r.Value)
			}
		case command.ReplyValueInRange:
			return true
		}
		return false
	})
	if err != nil {
		log.WithError(err).Warn("channel did not converge")
		c.update(id, func(ch *channel.Channel) {
			if ch.State() == channel.StateCalibrating {
				ch.SetState(channel.StateInitial)
			}
		})
		return err
	}

	c.update(id, func(ch *channel.Channel) { ch.SetState(channel.StateCalibrated) })
	log.Info("channel calibrated")
	return nil
}

func (c *Controller) recordMeasurement(id int, v float64) {
	c.update(id, func(ch *channel.Channel) { ch.SetMeasuredFlow(v) })
	c.opts.publisher.Publish(events.FlowMeasured, events.FlowMeasuredEvent{
		Channel: id,
		Flow:    v,
		Ts:      time.Now().Unix(),
	})
	logrus.WithFields(logrus.Fields{"channel": id, "flow": v}).Trace("flow measured")
}

// unlockFlows must be called with c.mu held.
func (c *Controller) unlockFlows(ids []int) {
	for _, id := range ids {
		if ch, err := c.channelByID(id); err == nil {
			ch.SetEditableFlow(true)
		}
	}
}

func (c *Controller) unlockFlowsAndPublish(ids []int) {
	for _, id := range ids {
		c.update(id, func(ch *channel.Channel) { ch.SetEditableFlow(true) })
	}
}

// RunCalibration is Calibrate followed by Wait.
func (c *Controller) RunCalibration(ctx context.Context) error {
	op, err := c.Calibrate(ctx)
	if err != nil {
		return err
	}
	return op.Wait()
}
