package controller

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cynexo/sniff0/pkg/channel"
	"github.com/cynexo/sniff0/pkg/command"
	"github.com/cynexo/sniff0/pkg/events"
)

type poller struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (p *poller) stop() {
	p.cancel()
	<-p.done
}

// ToggleFlowMeasurements starts the flow poller, or stops it if it runs, and
// returns whether it runs afterwards. While any valve is open the poller
// sends readFlow every poll interval and writes the reading into the manual
// calibration channel.
func (c *Controller) ToggleFlowMeasurements() (bool, error) {
	c.mu.Lock()
	if p := c.poll; p != nil {
		c.poll = nil
		c.mu.Unlock()

		p.stop()
		logrus.Debug("flow polling stopped")
		return false, nil
	}
	if c.closed {
		c.mu.Unlock()
		return false, ErrClosed
	}

	ex, err := c.claimExchange(ownerPoller)
	if err != nil {
		c.mu.Unlock()
		return false, err
	}

	ctx, cancel := context.WithCancel(c.ctx)
	p := &poller{cancel: cancel, done: make(chan struct{})}
	c.poll = p
	c.mu.Unlock()

	go c.runPoller(ctx, ex, p)

	logrus.WithField("interval", c.opts.pollInterval).Debug("flow polling started")
	return true, nil
}

func (c *Controller) runPoller(ctx context.Context, ex *exchange, p *poller) {
	defer close(p.done)
	defer c.releaseExchange(ex)

	ticker := time.NewTicker(c.opts.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.anyValveOpen() {
				continue
			}
			if err := c.transport.Send(command.ReadFlow()); err != nil {
				logrus.WithError(err).Warn("failed to request flow")
			}
		case r := <-ex.replies:
			if r.Kind != command.ReplyFlow || !r.HasValue {
				continue
			}
			c.recordPolledFlow(r.Value)
		}
	}
}

func (c *Controller) anyValveOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.channels {
		if ch.ValveOpen() {
			return true
		}
	}
	return false
}

func (c *Controller) recordPolledFlow(v float64) {
	c.mu.Lock()
	id := c.manualChannel
	c.mu.Unlock()

	if id != 0 {
		c.update(id, func(ch *channel.Channel) { ch.SetMeasuredFlow(v) })
	}
	c.opts.publisher.Publish(events.FlowMeasured, events.FlowMeasuredEvent{
		Channel: id,
		Flow:    v,
		Ts:      time.Now().Unix(),
	})
}
