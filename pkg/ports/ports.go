// Package ports lists the serial ports of the host and reports ports that
// appear or disappear.
package ports

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial/enumerator"

	"github.com/cynexo/sniff0/pkg/port"
)

const DefaultWatchInterval = 2 * time.Second

// Port describes one serial port. Supported is false for names the
// transport refuses to open.
type Port struct {
	ID           string `json:"id"`
	DisplayName  string `json:"displayName"`
	USB          bool   `json:"usb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serialNumber,omitempty"`
	Supported    bool   `json:"supported"`
}

// listDetailed is replaced in tests.
var listDetailed = enumerator.GetDetailedPortsList

// List returns the serial ports sorted by ID.
func List() ([]Port, error) {
	details, err := listDetailed()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}

	out := make([]Port, 0, len(details))
	for _, d := range details {
		if d == nil || d.Name == "" {
			continue
		}
		out = append(out, Port{
			ID:           d.Name,
			DisplayName:  displayName(d),
			USB:          d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
			Supported:    port.ValidAddress(d.Name),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func displayName(d *enumerator.PortDetails) string {
	switch {
	case d.Product != "":
		return fmt.Sprintf("%s (%s)", d.Product, d.Name)
	case d.IsUSB:
		return fmt.Sprintf("USB serial device %s:%s (%s)", d.VID, d.PID, d.Name)
	default:
		return d.Name
	}
}

// Watcher polls the port list and reports changes. Ports present at the
// first poll are not reported.
type Watcher struct {
	interval time.Duration
	list     func() ([]Port, error)
	inserted func(Port)
	removed  func(Port)
	known    map[string]Port
}

func NewWatcher(interval time.Duration, inserted, removed func(Port)) *Watcher {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	if inserted == nil {
		inserted = func(Port) {}
	}
	if removed == nil {
		removed = func(Port) {}
	}
	return &Watcher{
		interval: interval,
		list:     List,
		inserted: inserted,
		removed:  removed,
	}
}

// Run polls until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	w.poll()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *Watcher) poll() {
	current, err := w.list()
	if err != nil {
		logrus.WithError(err).Debug("failed to poll serial ports")
		return
	}

	next := make(map[string]Port, len(current))
	for _, p := range current {
		next[p.ID] = p
	}

	if w.known != nil {
		for _, p := range current {
			if _, ok := w.known[p.ID]; !ok {
				logrus.WithField("port", p.ID).Info("serial port inserted")
				w.inserted(p)
			}
		}
		for id, p := range w.known {
			if _, ok := next[id]; !ok {
				logrus.WithField("port", id).Info("serial port removed")
				w.removed(p)
			}
		}
	}

	w.known = next
}
