package command

import (
	"math"
	"strconv"
	"strings"
)

// ReplyKind is the orchestration-relevant meaning of a reply line.
type ReplyKind int

const (
	ReplyUnknown ReplyKind = iota
	// ReplyChannelEnabled is emitted when the firmware starts calibrating a channel.
	ReplyChannelEnabled
	// ReplyValueInRange is emitted when a channel's flow converged.
	ReplyValueInRange
	// ReplyMeasuredFlow is an intermediate reading of the convergence loop.
	ReplyMeasuredFlow
	// ReplyFlow is the answer to readFlow.
	ReplyFlow
)

const (
	MarkerChannelEnabled = "enable Channel"
	MarkerValueInRange   = "Value in range"
	MarkerMeasuredFlow   = "Measured Flow"
	MarkerFirstMeasured  = "measured ="
	MarkerFlow           = "Flow:"
	markerFlowSpace      = "Flow "
)

func (k ReplyKind) String() string {
	switch k {
	case ReplyChannelEnabled:
		return "ChannelEnabled"
	case ReplyValueInRange:
		return "ValueInRange"
	case ReplyMeasuredFlow:
		return "MeasuredFlow"
	case ReplyFlow:
		return "Flow"
	default:
		return "Unknown"
	}
}

// Reply is a parsed reply line. Channel is 0 when the line names no channel.
// HasValue is false when the numeric field is missing or malformed.
type Reply struct {
	Kind     ReplyKind
	Line     string
	Channel  int
	Value    float64
	HasValue bool
}

// Parse recognizes a reply line by prefix. Unrecognized lines yield
// ReplyUnknown; they are still valid output of the instrument.
func Parse(line string) Reply {
	line = strings.TrimSpace(line)
	r := Reply{Kind: ReplyUnknown, Line: line}

	switch {
	case strings.HasPrefix(line, MarkerChannelEnabled):
		r.Kind = ReplyChannelEnabled
		if v, ok := firstNumber(line[len(MarkerChannelEnabled):]); ok && v == float64(int(v)) {
			r.Channel = int(v)
		}
	case strings.HasPrefix(line, MarkerValueInRange):
		r.Kind = ReplyValueInRange
	case strings.HasPrefix(line, MarkerMeasuredFlow):
		r.Kind = ReplyMeasuredFlow
		r.Value, r.HasValue = firstNumber(line[len(MarkerMeasuredFlow):])
	case strings.HasPrefix(line, MarkerFirstMeasured):
		// First reading of a setFlow check, printed before the Measured Flow loop.
		r.Kind = ReplyMeasuredFlow
		r.Value, r.HasValue = firstNumber(line[len(MarkerFirstMeasured):])
	case strings.HasPrefix(line, MarkerFlow), strings.HasPrefix(line, markerFlowSpace):
		r.Kind = ReplyFlow
		r.Value, r.HasValue = firstNumber(line[len(MarkerFlow):])
	}

	return r
}

func firstNumber(s string) (float64, bool) {
	for _, tok := range strings.Fields(s) {
		tok = strings.Trim(tok, ":=,;")
		if tok == "" {
			continue
		}
		if v, err := strconv.ParseFloat(tok, 64); err == nil && !math.IsNaN(v) && !math.IsInf(v, 0) {
			return v, true
		}
	}
	return 0, false
}
