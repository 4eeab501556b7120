package client

import (
	"encoding/json"
	"net/url"
	"strconv"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/cynexo/sniff0/pkg/channel"
	"github.com/cynexo/sniff0/pkg/config"
	"github.com/cynexo/sniff0/pkg/ports"
)

func (c *Client) GetStatus() (*Status, error) {
	ret, err := c.Get("/status")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get status")
	}

	var s Status
	if err := json.Unmarshal([]byte(ret), &s); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal status")
	}
	return &s, nil
}

func (c *Client) GetChannels() ([]channel.Snapshot, error) {
	ret, err := c.Get("/channels")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get channels")
	}

	var chs []channel.Snapshot
	if err := json.Unmarshal([]byte(ret), &chs); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal channels")
	}
	return chs, nil
}

// UpdateChannel changes the flow and/or the active flag of channel id.
func (c *Client) UpdateChannel(id int, u ChannelUpdate) (*channel.Snapshot, error) {
	payload, err := json.Marshal(u)
	if err != nil {
		return nil, err
	}

	ret, err := c.Put("/channels/"+strconv.Itoa(id), string(payload))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to update channel %d", id)
	}

	var ch channel.Snapshot
	if err := json.Unmarshal([]byte(ret), &ch); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal channel")
	}
	return &ch, nil
}

// Calibrate starts a calibration run. With wait the call returns when the
// run has finished.
func (c *Client) Calibrate(wait bool) (string, error) {
	return c.operation("/calibrate", nil, wait, "")
}

// ToggleFlow toggles the valve of channel id, or of every active channel when
// id is 0.
func (c *Client) ToggleFlow(id int, wait bool) (string, error) {
	q := url.Values{}
	if id != 0 {
		q.Set("channel", strconv.Itoa(id))
	}
	return c.operation("/toggle", q, wait, "")
}

func (c *Client) OpenFor(ms int, wait bool) (string, error) {
	return c.operation("/open-for", nil, wait, strconv.Itoa(ms))
}

func (c *Client) AdjustChannel(id int, direction string, wait bool) (string, error) {
	payload, err := json.Marshal(AdjustRequest{Channel: id, Direction: direction})
	if err != nil {
		return "", err
	}
	return c.operation("/adjust", nil, wait, string(payload))
}

func (c *Client) StopCalibration() (string, error) {
	ret, err := c.Post("/stop-calibration", "")
	return unquote(ret), err
}

// ToggleMeasurements starts or stops flow polling and reports whether it is
// running afterwards.
func (c *Client) ToggleMeasurements() (bool, error) {
	ret, err := c.Post("/measurements", "")
	if err != nil {
		return false, pkgerrors.Wrapf(err, "failed to toggle flow measurements")
	}
	return parseBoolResponse(ret)
}

func (c *Client) SetVerbose(enabled bool) (string, error) {
	return c.Put("/verbose", strconv.FormatBool(enabled))
}

// SendCommand sends an entry of the command table and returns the line that
// was written to the instrument.
func (c *Client) SendCommand(name string, args ...string) (string, error) {
	payload, err := json.Marshal(CommandRequest{Name: name, Args: args})
	if err != nil {
		return "", err
	}

	ret, err := c.Post("/command", string(payload))
	if err != nil {
		return "", pkgerrors.Wrapf(err, "failed to send %s", name)
	}
	return unquote(ret), nil
}

func (c *Client) GetPorts() ([]ports.Port, error) {
	ret, err := c.Get("/ports")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to list ports")
	}

	var list []ports.Port
	if err := json.Unmarshal([]byte(ret), &list); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal ports")
	}
	return list, nil
}

// SetPort reopens the daemon's link on address. An empty address selects the
// simulator.
func (c *Client) SetPort(address string) (string, error) {
	payload, err := json.Marshal(address)
	if err != nil {
		return "", err
	}
	return c.Put("/port", string(payload))
}

func (c *Client) GetConfig() (*config.RawFileConfig, error) {
	ret, err := c.Get("/config")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get config")
	}

	var conf config.RawFileConfig
	if err := json.Unmarshal([]byte(ret), &conf); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal config")
	}

	return &conf, nil
}

func (c *Client) GetSchedule() (*ScheduleStatus, error) {
	ret, err := c.Get("/schedule")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get schedule")
	}
	return parseSchedule(ret)
}

func (c *Client) SetSchedule(cronExpr string) (*ScheduleStatus, error) {
	payload, err := json.Marshal(cronExpr)
	if err != nil {
		return nil, err
	}

	ret, err := c.Put("/schedule", string(payload))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to set schedule")
	}
	return parseSchedule(ret)
}

func (c *Client) DeleteSchedule() (string, error) {
	return c.Delete("/schedule")
}

func (c *Client) SkipSchedule() (*ScheduleStatus, error) {
	ret, err := c.Post("/schedule/skip", "")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to skip the next calibration")
	}
	return parseSchedule(ret)
}

func (c *Client) PostponeSchedule(d time.Duration) (*ScheduleStatus, error) {
	payload, err := json.Marshal(d.String())
	if err != nil {
		return nil, err
	}

	ret, err := c.Post("/schedule/postpone", string(payload))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to postpone the next calibration")
	}
	return parseSchedule(ret)
}

func (c *Client) GetVersion() (string, error) {
	ret, err := c.Get("/version")
	if err != nil {
		return "", pkgerrors.Wrapf(err, "failed to get version")
	}
	return unquote(ret), nil
}

func (c *Client) operation(path string, q url.Values, wait bool, data string) (string, error) {
	if q == nil {
		q = url.Values{}
	}
	if wait {
		q.Set("wait", "true")
	}
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	ret, err := c.Post(path, data)
	return unquote(ret), err
}

func parseSchedule(ret string) (*ScheduleStatus, error) {
	var s ScheduleStatus
	if err := json.Unmarshal([]byte(ret), &s); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal schedule")
	}
	return &s, nil
}

func parseBoolResponse(resp string) (bool, error) {
	switch resp {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, pkgerrors.Errorf("unexpected response: %s", resp)
	}
}
