package client

import (
	"time"

	"github.com/cynexo/sniff0/pkg/controller"
)

// Status is the response of GET /status.
type Status struct {
	controller.Status
	Port      string `json:"port"`
	Connected bool   `json:"connected"`
	Simulated bool   `json:"simulated"`
}

// ChannelUpdate is the body of PUT /channels/:id. Nil fields are unchanged.
type ChannelUpdate struct {
	Active *bool    `json:"active,omitempty"`
	Flow   *float64 `json:"flow,omitempty"`
}

type AdjustRequest struct {
	Channel   int    `json:"channel"`
	Direction string `json:"direction"`
}

// CommandRequest names an entry of the command table.
type CommandRequest struct {
	Name string   `json:"name"`
	Args []string `json:"args"`
}

type ScheduleStatus struct {
	Cron      string    `json:"cron"`
	NextRun   time.Time `json:"nextRun,omitempty"`
	Scheduled bool      `json:"scheduled"`
}
