package controller

import (
	"time"

	"github.com/cynexo/sniff0/pkg/command"
)

// SendPolicy decides what a sequence does when a command cannot be sent.
type SendPolicy int

const (
	// BestEffort logs the failure, keeps going and reports the first error
	// when the sequence ends.
	BestEffort SendPolicy = iota
	// AbortOnError ends the sequence at the first failed send.
	AbortOnError
)

func (p SendPolicy) String() string {
	if p == AbortOnError {
		return "abort-on-error"
	}
	return "best-effort"
}

const (
	DefaultCommandDelay = 100 * time.Millisecond
	DefaultPollInterval = 500 * time.Millisecond
	DefaultStepTimeout  = 30 * time.Second
)

type options struct {
	channelCount int
	commandDelay time.Duration
	pollInterval time.Duration
	stepTimeout  time.Duration
	policy       SendPolicy
	publisher    Publisher
}

func defaultOptions() options {
	return options{
		channelCount: command.MaxChannelID,
		commandDelay: DefaultCommandDelay,
		pollInterval: DefaultPollInterval,
		stepTimeout:  DefaultStepTimeout,
		policy:       BestEffort,
		publisher:    nopPublisher{},
	}
}

type Option func(*options)

// WithChannels sets the number of physical channels. Values outside
// 1..command.MaxChannelID are ignored.
func WithChannels(n int) Option {
	return func(o *options) {
		if n >= command.MinChannelID && n <= command.MaxChannelID {
			o.channelCount = n
		}
	}
}

// WithCommandDelay sets the pause between consecutive commands of a sequence.
func WithCommandDelay(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.commandDelay = d
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithStepTimeout bounds every wait for an instrument reply.
func WithStepTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.stepTimeout = d
		}
	}
}

func WithSendPolicy(p SendPolicy) Option {
	return func(o *options) { o.policy = p }
}

// WithPublisher sets where change notifications go, usually an
// *events.EventHub.
func WithPublisher(p Publisher) Option {
	return func(o *options) {
		if p != nil {
			o.publisher = p
		}
	}
}
