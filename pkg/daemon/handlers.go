package daemon

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/cynexo/sniff0/pkg/client"
	"github.com/cynexo/sniff0/pkg/command"
	"github.com/cynexo/sniff0/pkg/config"
	"github.com/cynexo/sniff0/pkg/controller"
	"github.com/cynexo/sniff0/pkg/port"
	"github.com/cynexo/sniff0/pkg/version"
)

func (d *Daemon) getConfig(c *gin.Context) {
	fc, err := config.NewRawFileConfigFromConfig(d.conf)
	if err != nil {
		_ = c.AbortWithError(http.StatusInternalServerError, err)
		return
	}
	c.IndentedJSON(http.StatusOK, fc)
}

func (d *Daemon) getStatus(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, client.Status{
		Status:    d.ctrl.Status(),
		Port:      d.port.Address(),
		Connected: d.port.IsOpen(),
		Simulated: d.port.IsSimulated(),
	})
}

func (d *Daemon) getChannels(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, d.ctrl.Channels())
}

func (d *Daemon) putChannel(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		abort(c, http.StatusBadRequest, fmt.Errorf("invalid channel id %q", c.Param("id")))
		return
	}

	var u client.ChannelUpdate
	if err := c.BindJSON(&u); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	if u.Flow == nil && u.Active == nil {
		abort(c, http.StatusBadRequest, fmt.Errorf("nothing to update"))
		return
	}

	// Flow first, so a channel can be given a flow and activated at once.
	if u.Flow != nil {
		if err := d.ctrl.SetChannelFlow(id, *u.Flow); err != nil {
			abortFor(c, err)
			return
		}
	}
	if u.Active != nil {
		if err := d.ctrl.SetChannelActive(id, *u.Active); err != nil {
			abortFor(c, err)
			return
		}
	}

	logrus.WithField("channel", id).Infof("channel updated")
	c.IndentedJSON(http.StatusOK, d.ctrl.Channels()[id-1])
}

// respondOperation answers 202 right away, or waits for the operation when
// the query has wait=true. A client going away does not cancel it.
func respondOperation(c *gin.Context, op *controller.Operation, err error) {
	if err != nil {
		abortFor(c, err)
		return
	}

	if wait, _ := strconv.ParseBool(c.Query("wait")); !wait {
		c.IndentedJSON(http.StatusAccepted, op.Name()+" started")
		return
	}

	if err := op.Wait(); err != nil {
		abortFor(c, err)
		return
	}
	c.IndentedJSON(http.StatusOK, op.Name()+" finished")
}

func (d *Daemon) postCalibrate(c *gin.Context) {
	op, err := d.ctrl.Calibrate(context.Background())
	respondOperation(c, op, err)
}

func (d *Daemon) postToggle(c *gin.Context) {
	id := controller.AllChannels
	if s := c.Query("channel"); s != "" {
		var err error
		if id, err = strconv.Atoi(s); err != nil {
			abort(c, http.StatusBadRequest, fmt.Errorf("invalid channel %q", s))
			return
		}
	}

	op, err := d.ctrl.ToggleFlow(context.Background(), id)
	respondOperation(c, op, err)
}

func (d *Daemon) postMeasurements(c *gin.Context) {
	running, err := d.ctrl.ToggleFlowMeasurements()
	if err != nil {
		abortFor(c, err)
		return
	}
	logrus.Infof("flow polling running: %t", running)
	c.IndentedJSON(http.StatusOK, running)
}

func (d *Daemon) postOpenFor(c *gin.Context) {
	var ms int
	if err := c.BindJSON(&ms); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	op, err := d.ctrl.OpenFor(context.Background(), ms)
	respondOperation(c, op, err)
}

func (d *Daemon) postAdjust(c *gin.Context) {
	var req client.AdjustRequest
	if err := c.BindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	dir, err := controller.ParseDirection(req.Direction)
	if err != nil {
		abortFor(c, err)
		return
	}

	op, err := d.ctrl.AdjustChannel(context.Background(), req.Channel, dir)
	respondOperation(c, op, err)
}

func (d *Daemon) postStopCalibration(c *gin.Context) {
	if err := d.ctrl.StopCalibration(); err != nil {
		abortFor(c, err)
		return
	}
	c.IndentedJSON(http.StatusOK, "ok")
}

func (d *Daemon) putVerbose(c *gin.Context) {
	var v bool
	if err := c.BindJSON(&v); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	if err := d.ctrl.SetVerbose(v); err != nil {
		abortFor(c, err)
		return
	}

	logrus.Infof("set verbose to %t", v)
	c.IndentedJSON(http.StatusCreated, "ok")
}

// postCommand builds a command from the command table and sends it as is.
func (d *Daemon) postCommand(c *gin.Context) {
	var req client.CommandRequest
	if err := c.BindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	line, err := command.Build(req.Name, req.Args)
	if err != nil {
		abortFor(c, err)
		return
	}

	if err := d.ctrl.Send(line); err != nil {
		abortFor(c, err)
		return
	}
	c.IndentedJSON(http.StatusOK, line)
}

func (d *Daemon) getPorts(c *gin.Context) {
	list, err := d.listPorts()
	if err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	c.IndentedJSON(http.StatusOK, list)
}

// putPort reopens the link on another port and remembers it. An empty
// address selects the simulator.
func (d *Daemon) putPort(c *gin.Context) {
	var address string
	if err := c.BindJSON(&address); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	if err := d.port.Open(address); err != nil {
		code := http.StatusInternalServerError
		if port.CodeOf(err) == port.OpenFailed {
			code = http.StatusBadRequest
		}
		abort(c, code, err)
		return
	}

	d.conf.SetPort(address)
	if err := d.conf.Save(); err != nil {
		logrus.Errorf("saveConfig failed: %v", err)
		abort(c, http.StatusInternalServerError, err)
		return
	}

	c.IndentedJSON(http.StatusCreated, "ok")
}

// getEvents streams hub events as server-sent events until the client goes
// away or the hub is closed.
func (d *Daemon) getEvents(c *gin.Context) {
	ch := d.hub.Subscribe()
	defer d.hub.Unsubscribe(ch)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	// Clients wait for the headers before reading events.
	c.Status(http.StatusOK)
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(ev.Name, string(ev.Data))
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (d *Daemon) scheduleStatus() client.ScheduleStatus {
	expr, next, _ := d.sched.Status()
	return client.ScheduleStatus{
		Cron:      expr,
		NextRun:   next,
		Scheduled: expr != "",
	}
}

func (d *Daemon) getSchedule(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, d.scheduleStatus())
}

func (d *Daemon) putSchedule(c *gin.Context) {
	var expr string
	if err := c.BindJSON(&expr); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	next, err := d.sched.Schedule(expr)
	if err != nil {
		abort(c, http.StatusBadRequest, fmt.Errorf("invalid cron expression %q: %w", expr, err))
		return
	}

	d.conf.SetCalibrationCron(expr)
	if err := d.conf.Save(); err != nil {
		logrus.Errorf("saveConfig failed: %v", err)
		abort(c, http.StatusInternalServerError, err)
		return
	}

	logrus.Infof("automatic calibration scheduled, next run at %s", next.Format(time.DateTime))
	c.IndentedJSON(http.StatusCreated, d.scheduleStatus())
}

func (d *Daemon) deleteSchedule(c *gin.Context) {
	d.sched.Unschedule()

	d.conf.SetCalibrationCron("")
	if err := d.conf.Save(); err != nil {
		logrus.Errorf("saveConfig failed: %v", err)
		abort(c, http.StatusInternalServerError, err)
		return
	}

	logrus.Info("automatic calibration unscheduled")
	c.IndentedJSON(http.StatusOK, "ok")
}

func (d *Daemon) postScheduleSkip(c *gin.Context) {
	if err := d.sched.Skip(); err != nil {
		abort(c, http.StatusConflict, err)
		return
	}
	c.IndentedJSON(http.StatusOK, d.scheduleStatus())
}

func (d *Daemon) postSchedulePostpone(c *gin.Context) {
	var s string
	if err := c.BindJSON(&s); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	if err := d.sched.Postpone(dur); err != nil {
		abort(c, http.StatusConflict, err)
		return
	}
	c.IndentedJSON(http.StatusOK, d.scheduleStatus())
}

func getVersion(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, version.Version)
}
