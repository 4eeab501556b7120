package controller

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cynexo/sniff0/pkg/command"
)

const exchangeBuffer = 64

type exchangeOwner int

const (
	ownerCalibration exchangeOwner = iota + 1
	ownerPoller
)

// exchange is the single consumer of parsed replies. Calibration and flow
// polling each hold it while they run, so they never run together.
type exchange struct {
	owner   exchangeOwner
	replies chan command.Reply
}

func (c *Controller) claimExchange(owner exchangeOwner) (*exchange, error) {
	c.exMu.Lock()
	defer c.exMu.Unlock()

	if c.ex != nil {
		if c.ex.owner == ownerPoller {
			return nil, ErrFlowPollingActive
		}
		return nil, ErrCalibrationInProgress
	}

	c.ex = &exchange{
		owner:   owner,
		replies: make(chan command.Reply, exchangeBuffer),
	}
	return c.ex, nil
}

func (c *Controller) releaseExchange(ex *exchange) {
	c.exMu.Lock()
	defer c.exMu.Unlock()
	if c.ex == ex {
		c.ex = nil
	}
}

// handleLine runs on the transport's reader goroutine. It only forwards
// recognized replies to the current consumer and never touches channels.
func (c *Controller) handleLine(line string) {
	r := command.Parse(line)
	if r.Kind == command.ReplyUnknown {
		return
	}

	c.exMu.Lock()
	ex := c.ex
	c.exMu.Unlock()
	if ex == nil {
		return
	}

	select {
	case ex.replies <- r:
	default:
		logrus.WithField("line", r.Line).Warn("reply consumer is lagging, reply dropped")
	}
}

// await reads replies until accept returns true. It fails with ErrTimeout
// after timeout.
func await(ctx context.Context, ex *exchange, timeout time.Duration, accept func(command.Reply) bool) error {
	t := time.NewTimer(timeout)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return ErrTimeout
		case r := <-ex.replies:
			if accept(r) {
				return nil
			}
		}
	}
}
