package controller

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cynexo/sniff0/pkg/events"
)

const opCalibrate = "calibrate"

// Operation is a running sequence.
type Operation struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (o *Operation) Name() string { return o.name }

// Done is closed when the sequence has ended.
func (o *Operation) Done() <-chan struct{} { return o.done }

// Wait blocks until the sequence ended and returns its error.
func (o *Operation) Wait() error {
	<-o.done
	return o.err
}

// Err returns the sequence's error, or nil while it is still running.
func (o *Operation) Err() error {
	select {
	case <-o.done:
		return o.err
	default:
		return nil
	}
}

// Cancel asks the sequence to stop at its next step boundary.
func (o *Operation) Cancel() { o.cancel() }

// start claims the busy flag and runs body on its own goroutine. prepare runs
// under the controller lock before anything is sent; an error from it is
// returned as is and nothing runs.
func (c *Controller) start(ctx context.Context, name string, prepare func() error, body func(seq *sequence) error) (*Operation, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.op != nil {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	if prepare != nil {
		if err := prepare(); err != nil {
			c.mu.Unlock()
			return nil, err
		}
	}

	opCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.ctx, cancel)

	op := &Operation{
		name:   name,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.op = op
	c.mu.Unlock()

	log := logrus.WithField("operation", name)
	log.Debug("operation started")
	c.publishBusy(op, true, nil)

	go func() {
		seq := &sequence{c: c, ctx: opCtx, log: log}
		err := seq.result(body(seq))

		stop()
		cancel()

		c.mu.Lock()
		c.op = nil
		op.err = err
		close(op.done)
		c.mu.Unlock()

		if err != nil {
			log.WithError(err).Warn("operation failed")
		} else {
			log.Debug("operation finished")
		}
		c.publishBusy(op, false, err)
	}()

	return op, nil
}

func (c *Controller) publishBusy(op *Operation, busy bool, err error) {
	ev := events.ControllerBusyEvent{
		Busy:      busy,
		Operation: op.name,
		Ts:        time.Now().Unix(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	c.opts.publisher.Publish(events.ControllerBusy, ev)
}

// sequence sends the scripted commands of one operation.
type sequence struct {
	c        *Controller
	ctx      context.Context
	log      *logrus.Entry
	firstErr error
}

// send writes cmd unless the sequence was cancelled. Under BestEffort a send
// failure is remembered and nil is returned.
func (s *sequence) send(cmd string) error {
	if err := s.ctx.Err(); err != nil {
		return err
	}

	err := s.c.transport.Send(cmd)
	if err == nil {
		return nil
	}

	s.log.WithError(err).WithField("command", cmd).Warn("failed to send command")
	if s.firstErr == nil {
		s.firstErr = err
	}
	if s.c.opts.policy == AbortOnError {
		return err
	}
	return nil
}

// pause waits the command delay.
func (s *sequence) pause() error {
	return sleep(s.ctx, s.c.opts.commandDelay)
}

func (s *sequence) result(err error) error {
	if err != nil {
		return err
	}
	return s.firstErr
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
