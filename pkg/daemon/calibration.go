package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cynexo/sniff0/pkg/controller"
	"github.com/cynexo/sniff0/pkg/events"
)

var errCannotAutoCalibrate = errors.New("no active channel, or a valve is open")

func (d *Daemon) scheduledCalibration(ctx context.Context) error {
	logrus.WithField("operation", "scheduled-calibration").Info("starting scheduled calibration")
	return d.ctrl.RunCalibration(ctx)
}

// calibrationPreCheck holds a scheduled run back while the instrument is
// unavailable or in manual use.
func (d *Daemon) calibrationPreCheck() error {
	switch {
	case !d.port.IsOpen():
		return fmt.Errorf("port %q is not open", d.port.Address())
	case d.ctrl.Busy():
		return controller.ErrBusy
	case d.ctrl.Polling():
		return controller.ErrFlowPollingActive
	case !d.ctrl.CanAutoCalibrate():
		return errCannotAutoCalibrate
	}
	return nil
}

func (d *Daemon) onCalibrationUpcoming(at time.Time) {
	d.hub.Publish(events.CalibrationUpcoming, events.CalibrationUpcomingEvent{
		At:      at.Unix(),
		Message: fmt.Sprintf("automatic calibration at %s", at.Format(time.DateTime)),
		Ts:      time.Now().Unix(),
	})
}

func (d *Daemon) onCalibrationFailed(err error) {
	logrus.WithError(err).Warn("scheduled calibration failed")
	d.hub.Publish(events.CalibrationFailed, events.CalibrationFailedEvent{
		Reason: err.Error(),
		Ts:     time.Now().Unix(),
	})
}
