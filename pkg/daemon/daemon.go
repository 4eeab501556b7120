package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	ginlogrus "github.com/toorop/gin-logrus"

	"github.com/cynexo/sniff0/pkg/config"
	"github.com/cynexo/sniff0/pkg/controller"
	"github.com/cynexo/sniff0/pkg/events"
	"github.com/cynexo/sniff0/pkg/port"
	"github.com/cynexo/sniff0/pkg/ports"
)

// Daemon owns the instrument link and the controller, and serves them over
// HTTP.
type Daemon struct {
	conf  *config.File
	port  *port.Port
	ctrl  *controller.Controller
	hub   *events.EventHub
	sched *Scheduler

	listPorts func() ([]ports.Port, error)
}

// New opens the configured port and builds the controller. A port that
// cannot be opened is logged and left closed, it can be opened later via
// the API.
func New(conf *config.File, portOpts ...port.Option) *Daemon {
	d := &Daemon{
		conf:      conf,
		hub:       events.NewEventHub(),
		listPorts: ports.List,
	}

	d.port = port.New(append([]port.Option{port.WithBaudRate(conf.BaudRate())}, portOpts...)...)
	d.port.AddDataHandler(func(line string) {
		d.hub.Publish(events.PortData, events.PortDataEvent{Line: line, Ts: time.Now().Unix()})
	})
	d.port.AddErrorHandler(func(r port.Result) {
		d.hub.Publish(events.PortError, events.PortErrorEvent{
			Operation: r.Operation,
			Code:      int(r.Code),
			Reason:    r.Reason,
			Ts:        time.Now().Unix(),
		})
	})

	if err := d.port.Open(conf.Port()); err != nil {
		logrus.WithError(err).WithField("port", conf.Port()).Error("failed to open port")
	}

	policy := controller.BestEffort
	if conf.AbortOnSendError() {
		policy = controller.AbortOnError
	}
	d.ctrl = controller.New(d.port, conf,
		controller.WithChannels(conf.Channels()),
		controller.WithCommandDelay(conf.CommandDelay()),
		controller.WithPollInterval(conf.PollInterval()),
		controller.WithStepTimeout(conf.StepTimeout()),
		controller.WithSendPolicy(policy),
		controller.WithPublisher(d.hub),
	)

	d.sched = NewScheduler(d.scheduledCalibration, d.calibrationPreCheck, d.onCalibrationUpcoming, d.onCalibrationFailed)
	if expr := conf.CalibrationCron(); expr != "" {
		if _, err := d.sched.Schedule(expr); err != nil {
			logrus.WithError(err).WithField("cron", expr).Error("ignoring invalid calibration schedule")
		}
	}

	return d
}

func (d *Daemon) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(ginlogrus.Logger(logrus.StandardLogger()), gin.Recovery())

	router.GET("/status", d.getStatus)
	router.GET("/channels", d.getChannels)
	router.PUT("/channels/:id", d.putChannel)
	router.POST("/calibrate", d.postCalibrate)
	router.POST("/toggle", d.postToggle)
	router.POST("/measurements", d.postMeasurements)
	router.POST("/open-for", d.postOpenFor)
	router.POST("/adjust", d.postAdjust)
	router.POST("/stop-calibration", d.postStopCalibration)
	router.PUT("/verbose", d.putVerbose)
	router.POST("/command", d.postCommand)
	router.GET("/ports", d.getPorts)
	router.PUT("/port", d.putPort)
	router.GET("/events", d.getEvents)
	router.GET("/config", d.getConfig)
	router.GET("/schedule", d.getSchedule)
	router.PUT("/schedule", d.putSchedule)
	router.DELETE("/schedule", d.deleteSchedule)
	router.POST("/schedule/skip", d.postScheduleSkip)
	router.POST("/schedule/postpone", d.postSchedulePostpone)
	router.GET("/version", getVersion)

	return router
}

// Close stops the scheduler, shuts the controller down, which persists the
// channel records and closes the port, and ends all event streams.
func (d *Daemon) Close() error {
	d.sched.Stop()
	err := d.ctrl.Close()
	d.hub.Close()
	return err
}

// reload applies a re-read config file. Port and timing changes need a
// restart.
func (d *Daemon) reload() error {
	if err := d.conf.Load(); err != nil {
		return err
	}

	if expr := d.conf.CalibrationCron(); expr != "" {
		if _, err := d.sched.Schedule(expr); err != nil {
			return fmt.Errorf("invalid calibration schedule %q: %w", expr, err)
		}
	} else {
		d.sched.Unschedule()
	}
	return nil
}

func Run(configPath string, unixSocketPath string, allowNonRoot bool) error {
	conf, err := config.NewFile(configPath)
	if err != nil {
		logrus.Fatalf("failed to parse config during startup: %v", err)
	}
	logrus.WithFields(conf.LogrusFields()).Infof("config loaded")

	d := New(conf)
	router := d.Router()
	d.sched.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher := ports.NewWatcher(ports.DefaultWatchInterval, d.onPortInserted, d.onPortRemoved)
	go watcher.Run(ctx)

	// Receive SIGHUP to reload config
	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGHUP)
		for range sigc {
			if err := d.reload(); err != nil {
				logrus.Errorf("failed to reload config: %v", err)
				continue
			}
			logrus.WithFields(conf.LogrusFields()).Infof("config reloaded")
		}
	}()

	srv := &http.Server{
		Handler: router,
	}

	// A stale socket from a crashed daemon would make Listen fail.
	if err := os.Remove(unixSocketPath); err != nil && !os.IsNotExist(err) {
		logrus.WithError(err).Warn("failed to remove stale socket")
	}

	l, err := net.Listen("unix", unixSocketPath)
	if err != nil {
		logrus.Fatal(err)
	}

	if conf.AllowNonRootAccess() || allowNonRoot {
		logrus.Infof("non-root access is allowed, changing permissions of %s to 0777", unixSocketPath)
		err = os.Chmod(unixSocketPath, 0777)
		if err != nil {
			logrus.Fatal(err)
		}
	}

	go func() {
		logrus.Infof("http server listening on %s", l.Addr().String())
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatal(err)
		}
	}()

	// Handle common process-killing signals, so we can gracefully shut down:
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigc
	logrus.Infof("caught signal \"%s\": shutting down.", sig)

	// Event streams never end on their own.
	d.hub.Close()

	logrus.Info("shutting down http server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = srv.Shutdown(shutdownCtx)
	if err != nil {
		logrus.Errorf("failed to shutdown http server: %v", err)
	}
	shutdownCancel()

	cancel()

	logrus.Info("closing controller")
	if err := d.Close(); err != nil {
		logrus.Errorf("failed to close controller: %v", err)
	}

	logrus.Info("exiting")
	return nil
}

func (d *Daemon) onPortInserted(p ports.Port) {
	d.hub.Publish(events.PortInserted, events.PortPresenceEvent{ID: p.ID, DisplayName: p.DisplayName, Ts: time.Now().Unix()})
}

func (d *Daemon) onPortRemoved(p ports.Port) {
	d.hub.Publish(events.PortRemoved, events.PortPresenceEvent{ID: p.ID, DisplayName: p.DisplayName, Ts: time.Now().Unix()})
}
