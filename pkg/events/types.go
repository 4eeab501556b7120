package events

import (
	"encoding/json"

	"github.com/cynexo/sniff0/pkg/channel"
)

// Event name constants
const (
	ChannelChanged      = "channel.changed"
	FlowMeasured        = "flow.measured"
	ControllerBusy      = "controller.busy"
	PortData            = "port.data"
	PortError           = "port.error"
	PortInserted        = "port.inserted"
	PortRemoved         = "port.removed"
	CalibrationUpcoming = "calibration.upcoming"
	CalibrationFailed   = "calibration.failed"
)

// Event is a generic SSE event from daemon.
type Event struct {
	Name string          // SSE event name
	Data json.RawMessage // Raw JSON payload
}

// ChannelChangedEvent is the typed payload for channel.changed.
type ChannelChangedEvent struct {
	channel.Snapshot
	Ts int64 `json:"ts"`
}

// FlowMeasuredEvent is the typed payload for flow.measured. Channel is 0
// when the reading is not attributed to a single channel.
type FlowMeasuredEvent struct {
	Channel int     `json:"channel"`
	Flow    float64 `json:"flow"`
	Ts      int64   `json:"ts"`
}

type ControllerBusyEvent struct {
	Busy      bool   `json:"busy"`
	Operation string `json:"operation,omitempty"`
	Error     string `json:"error,omitempty"`
	Ts        int64  `json:"ts"`
}

// PortDataEvent carries one raw line received from the instrument.
type PortDataEvent struct {
	Line string `json:"line"`
	Ts   int64  `json:"ts"`
}

type PortErrorEvent struct {
	Operation string `json:"operation"`
	Code      int    `json:"code"`
	Reason    string `json:"reason"`
	Ts        int64  `json:"ts"`
}

// PortPresenceEvent is the payload for port.inserted and port.removed.
type PortPresenceEvent struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Ts          int64  `json:"ts"`
}

// CalibrationUpcomingEvent is the typed payload for calibration.upcoming.
type CalibrationUpcomingEvent struct {
	At      int64  `json:"at"`
	Message string `json:"message,omitempty"`
	Ts      int64  `json:"ts"`
}

type CalibrationFailedEvent struct {
	Reason string `json:"reason"`
	Ts     int64  `json:"ts"`
}

// DecodeAs decodes the event payload into the caller-specified generic type T.
// It ignores the event name and simply unmarshals Data into T. If Data is empty,
// it returns the zero value of T with a nil error.
//
// Example:
//
//	payload, err := events.DecodeAs[events.FlowMeasuredEvent](ev)
//	if err != nil { /* handle */ }
//	fmt.Println(payload.Channel, payload.Flow)
func DecodeAs[T any](e Event) (T, error) {
	var zero T
	if len(e.Data) == 0 {
		return zero, nil
	}
	var v T
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return zero, err
	}
	return v, nil
}
