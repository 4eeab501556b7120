package channel

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/cynexo/sniff0/pkg/command"
)

// State defines the calibration progress of a channel.
type State string

const (
	StateInitial     State = "Initial"
	StateCalibrating State = "Calibrating"
	StateCalibrated  State = "Calibrated"
)

// Channel is not safe for concurrent use. The controller serializes access.
type Channel struct {
	id            int
	active        bool
	requestedFlow float64
	measuredFlow  float64
	state         State
	valveOpen     bool
	editableFlow  bool
	// hasCalibrated stays set for the process lifetime once the channel
	// reached StateCalibrated.
	hasCalibrated bool
}

func New(id int) *Channel {
	return &Channel{
		id:           id,
		state:        StateInitial,
		editableFlow: true,
	}
}

func (c *Channel) ID() int                { return c.id }
func (c *Channel) Active() bool           { return c.active }
func (c *Channel) RequestedFlow() float64 { return c.requestedFlow }
func (c *Channel) MeasuredFlow() float64  { return c.measuredFlow }
func (c *Channel) State() State           { return c.state }
func (c *Channel) ValveOpen() bool        { return c.valveOpen }
func (c *Channel) EditableFlow() bool     { return c.editableFlow }
func (c *Channel) HasCalibrated() bool    { return c.hasCalibrated }

// SetState assigns s unconditionally.
func (c *Channel) SetState(s State) {
	c.state = s
	if s == StateCalibrated {
		c.hasCalibrated = true
	}
}

// ToggleFlowState opens a closed valve, or closes an open one. Closing
// restores StateCalibrated if the channel was ever calibrated, StateInitial
// otherwise. Every manual open/close must go through here.
func (c *Channel) ToggleFlowState() {
	if !c.valveOpen {
		c.valveOpen = true
		return
	}

	c.valveOpen = false
	if c.hasCalibrated {
		c.state = StateCalibrated
	} else {
		c.state = StateInitial
	}
}

// SetRequestedFlow sets the target flow. A zero flow deactivates the channel.
func (c *Channel) SetRequestedFlow(f float64) error {
	if f < 0 {
		return fmt.Errorf("%w: flow of channel %d must not be negative, got %v", command.ErrInvalidArgument, c.id, f)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("%w: flow of channel %d must be finite, got %v", command.ErrInvalidArgument, c.id, f)
	}
	c.requestedFlow = f
	if f == 0 {
		c.active = false
	}
	return nil
}

func (c *Channel) SetActive(active bool)     { c.active = active }
func (c *Channel) SetMeasuredFlow(f float64) { c.measuredFlow = f }
func (c *Channel) SetEditableFlow(e bool)    { c.editableFlow = e }

// Qualifies reports whether the channel takes part in automatic calibration.
func (c *Channel) Qualifies() bool {
	return c.active && c.requestedFlow > 0
}

// Snapshot is a copy of a channel's observable state.
type Snapshot struct {
	ID            int     `json:"id"`
	Active        bool    `json:"active"`
	RequestedFlow float64 `json:"requestedFlow"`
	MeasuredFlow  float64 `json:"measuredFlow"`
	State         State   `json:"state"`
	ValveOpen     bool    `json:"valveOpen"`
	EditableFlow  bool    `json:"editableFlow"`
}

func (c *Channel) Snapshot() Snapshot {
	return Snapshot{
		ID:            c.id,
		Active:        c.active,
		RequestedFlow: c.requestedFlow,
		MeasuredFlow:  c.measuredFlow,
		State:         c.state,
		ValveOpen:     c.valveOpen,
		EditableFlow:  c.editableFlow,
	}
}

// Persisted is the per-channel record kept in the settings store.
type Persisted struct {
	Active bool    `json:"active"`
	Flow   float64 `json:"flow"`
}

// Decode parses the persisted JSON array. An empty string yields no records.
func Decode(s string) ([]Persisted, error) {
	if s == "" {
		return nil, nil
	}
	var out []Persisted
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("failed to decode channel states: %w", err)
	}
	return out, nil
}

// Encode returns the JSON array stored in the settings store.
func Encode(channels []*Channel) (string, error) {
	out := make([]Persisted, 0, len(channels))
	for _, c := range channels {
		out = append(out, Persisted{Active: c.active, Flow: c.requestedFlow})
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("failed to encode channel states: %w", err)
	}
	return string(b), nil
}

// Restore applies a persisted record. Activating never changes the flow, and
// a zero flow keeps the channel inactive.
func (c *Channel) Restore(p Persisted) {
	if p.Flow >= 0 {
		c.requestedFlow = p.Flow
	}
	c.active = p.Active && c.requestedFlow > 0
}
