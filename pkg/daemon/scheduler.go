package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const (
	defaultLeadDuration     = time.Minute * 5 // notice given before a scheduled run
	defaultPreCheckMaxTimes = 30
	defaultPreCheckInterval = time.Second * 10
)

// TaskFunc is the scheduled job. ctx is cancelled when the scheduler stops.
type TaskFunc func(ctx context.Context) error

// Scheduler runs Task on a cron schedule. OnUpcoming is called Lead before
// each run. When PreCheck fails the run is retried every PreCheckInterval,
// at most PreCheckMaxTimes, and then given up until the next scheduled time.
type Scheduler struct {
	OnUpcoming func(at time.Time)
	OnError    func(err error)
	Task       TaskFunc
	PreCheck   func() error

	Lead             time.Duration
	PreCheckInterval time.Duration
	PreCheckMaxTimes int

	parser cron.Parser

	mu       sync.Mutex
	expr     string
	schedule cron.Schedule
	nextRun  time.Time
	running  bool

	wakeCh chan struct{}
	stopCh chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

func NewScheduler(task TaskFunc, preCheck func() error, onUpcoming func(time.Time), onError func(error)) *Scheduler {
	if task == nil {
		panic("task function cannot be nil")
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		OnUpcoming:       onUpcoming,
		OnError:          onError,
		Task:             task,
		PreCheck:         preCheck,
		Lead:             defaultLeadDuration,
		PreCheckInterval: defaultPreCheckInterval,
		PreCheckMaxTimes: defaultPreCheckMaxTimes,
		parser:           cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		wakeCh:           make(chan struct{}, 1),
		stopCh:           make(chan struct{}),
		ctx:              ctx,
		cancel:           cancel,
	}
}

// Stop ends the scheduler and cancels a running task.
func (s *Scheduler) Stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	s.cancel()
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	go s.run()
}

// Validate reports whether cronExpr can be scheduled.
func (s *Scheduler) Validate(cronExpr string) error {
	_, err := s.parser.Parse(cronExpr)
	return err
}

// Schedule replaces the schedule and returns the next run time.
func (s *Scheduler) Schedule(cronExpr string) (time.Time, error) {
	sh, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}

	s.mu.Lock()
	s.expr = cronExpr
	s.schedule = sh
	s.nextRun = sh.Next(time.Now())
	next := s.nextRun
	s.mu.Unlock()

	s.wake()
	return next, nil
}

// Unschedule removes the schedule. A running task is not interrupted.
func (s *Scheduler) Unschedule() {
	s.mu.Lock()
	s.expr = ""
	s.schedule = nil
	s.nextRun = time.Time{}
	s.mu.Unlock()

	s.wake()
}

// Postpone moves the next run by d. The postponed run must stay before the
// one after it.
func (s *Scheduler) Postpone(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("postpone duration must be positive")
	}

	s.mu.Lock()
	if s.schedule == nil || s.nextRun.IsZero() {
		s.mu.Unlock()
		return fmt.Errorf("no active schedule to postpone")
	}
	pp := s.nextRun.Add(d).Truncate(time.Second)
	if !pp.Before(s.schedule.Next(s.nextRun).Truncate(time.Second)) {
		s.mu.Unlock()
		return fmt.Errorf("postpone duration too long")
	}
	s.nextRun = pp
	s.mu.Unlock()

	s.wake()
	return nil
}

// Skip skips the next scheduled run.
func (s *Scheduler) Skip() error {
	s.mu.Lock()
	if s.schedule == nil || s.nextRun.IsZero() {
		s.mu.Unlock()
		return fmt.Errorf("no active schedule to skip")
	}
	s.nextRun = s.schedule.Next(s.nextRun)
	s.mu.Unlock()

	s.wake()
	return nil
}

func (s *Scheduler) Status() (expr string, nextRun time.Time, running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expr, s.nextRun, s.running
}

func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		logrus.Debug("scheduler stopped")
	}()

	logrus.Debug("scheduler started")

	for {
		if stop := s.waitNextRun(); stop {
			return
		}
	}
}

// waitNextRun handles one scheduled run, or returns early when the schedule
// changed. It reports whether the scheduler was stopped.
func (s *Scheduler) waitNextRun() (stopped bool) {
	nextRun := s.snapshot()

	var timerC <-chan time.Time
	timer := time.NewTimer(0)
	defer timer.Stop()
	if !timer.Stop() {
		<-timer.C
	}
	if !nextRun.IsZero() {
		timer.Reset(nonNegative(time.Until(nextRun) - s.Lead))
		timerC = timer.C
	}

	notified := false
	attempts := 0
	var lastPreCheckErr error

	for {
		select {
		case <-s.stopCh:
			return true
		case <-s.wakeCh:
			return false
		case <-timerC:
		}

		if !notified {
			notified = true
			logrus.Debugf("upcoming scheduled calibration at %s", nextRun.Format(time.DateTime))
			s.notifyUpcoming(nextRun)
			timer.Reset(nonNegative(time.Until(nextRun)))
			continue
		}

		if s.PreCheck != nil {
			if err := s.PreCheck(); err != nil {
				if lastPreCheckErr == nil || err.Error() != lastPreCheckErr.Error() {
					lastPreCheckErr = err
					s.notifyError(fmt.Errorf("precheck failed: %w", err))
				}

				attempts++
				if attempts <= s.PreCheckMaxTimes {
					logrus.Debugf("precheck failed (%d/%d): %v; retrying in %s", attempts, s.PreCheckMaxTimes, err, s.PreCheckInterval)
					timer.Reset(s.PreCheckInterval)
					continue
				}

				logrus.Warnf("giving up scheduled calibration at %s: %v", nextRun.Format(time.DateTime), err)
				s.advance(nextRun)
				return false
			}
		}

		logrus.Infof("running scheduled calibration planned at %s", nextRun.Format(time.DateTime))
		go func() {
			if err := s.Task(s.ctx); err != nil {
				s.notifyError(fmt.Errorf("task failed: %w", err))
			}
		}()
		s.advance(nextRun)
		return false
	}
}

func (s *Scheduler) snapshot() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun
}

// advance moves past ran unless the schedule was changed meanwhile.
func (s *Scheduler) advance(ran time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schedule == nil || !s.nextRun.Equal(ran) {
		return
	}
	s.nextRun = s.schedule.Next(ran)
}

func (s *Scheduler) notifyUpcoming(at time.Time) {
	if s.OnUpcoming == nil {
		return
	}
	go s.OnUpcoming(at)
}

func (s *Scheduler) notifyError(err error) {
	if s.OnError == nil {
		return
	}
	go s.OnError(err)
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
