package controller

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cynexo/sniff0/pkg/channel"
	"github.com/cynexo/sniff0/pkg/command"
	"github.com/cynexo/sniff0/pkg/events"
	"github.com/cynexo/sniff0/pkg/port"
	"github.com/cynexo/sniff0/pkg/simulator"
)

type fakeSettings struct {
	mu    sync.Mutex
	flows string
	steps int
	saved int
}

func (s *fakeSettings) ControllerFlows() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flows
}

func (s *fakeSettings) SetControllerFlows(v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows = v
}

func (s *fakeSettings) MotorAdjustmentSteps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.steps
}

func (s *fakeSettings) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved++
	return nil
}

type sent struct {
	cmd string
	at  time.Time
	err error
}

// fakeTransport records every send and can answer with reply lines.
type fakeTransport struct {
	mu       sync.Mutex
	sent     []sent
	fail     map[string]error
	respond  func(cmd string) []string
	handlers map[int]func(string)
	nextID   int
	closed   int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		fail:     map[string]error{},
		handlers: map[int]func(string){},
	}
}

func (f *fakeTransport) Send(cmd string) error {
	f.mu.Lock()
	err := f.fail[cmd]
	f.sent = append(f.sent, sent{cmd: cmd, at: time.Now(), err: err})
	respond := f.respond
	var handlers []func(string)
	for _, h := range f.handlers {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()

	if err != nil {
		return err
	}
	if respond != nil {
		for _, line := range respond(cmd) {
			for _, h := range handlers {
				h(line)
			}
		}
	}
	return nil
}

func (f *fakeTransport) AddDataHandler(fn func(string)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.handlers[id] = fn
	return func() {
		f.mu.Lock()
		delete(f.handlers, id)
		f.mu.Unlock()
	}
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

// attempted lists every command passed to Send, failed ones included.
func (f *fakeTransport) attempted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.sent {
		out = append(out, s.cmd)
	}
	return out
}

func (f *fakeTransport) sends() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sent...)
}

func (f *fakeTransport) handlerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

type recorded struct {
	name    string
	payload any
}

type recorder struct {
	mu     sync.Mutex
	events []recorded
}

func (r *recorder) Publish(name string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recorded{name: name, payload: payload})
}

type transition struct {
	id    int
	state channel.State
}

// transitions returns the state changes carried by channel.changed events.
func (r *recorder) transitions() []transition {
	r.mu.Lock()
	defer r.mu.Unlock()

	last := map[int]channel.State{}
	var out []transition
	for _, e := range r.events {
		ev, ok := e.payload.(events.ChannelChangedEvent)
		if !ok {
			continue
		}
		prev, seen := last[ev.ID]
		if !seen {
			prev = channel.StateInitial
		}
		if ev.State != prev {
			out = append(out, transition{id: ev.ID, state: ev.State})
		}
		last[ev.ID] = ev.State
	}
	return out
}

// fixedSource makes rand.Float64 return roughly f.
type fixedSource float64

func (f fixedSource) Int63() int64 { return int64(float64(f) * (1 << 63)) }
func (f fixedSource) Seed(int64)   {}

func newFakeController(t *testing.T, opts ...Option) (*Controller, *fakeTransport, *fakeSettings) {
	t.Helper()
	tr := newFakeTransport()
	s := &fakeSettings{}
	c := New(tr, s, append([]Option{WithCommandDelay(0), WithStepTimeout(2 * time.Second)}, opts...)...)
	t.Cleanup(func() { _ = c.Close() })
	return c, tr, s
}

func newSimController(t *testing.T, opts ...Option) (*Controller, *simulator.Simulator) {
	t.Helper()
	return newSimControllerWithSource(t, fixedSource(0.99), opts...)
}

// newSimControllerWithSource drives the simulator's perturbation from src.
func newSimControllerWithSource(t *testing.T, src rand.Source, opts ...Option) (*Controller, *simulator.Simulator) {
	t.Helper()

	var sim *simulator.Simulator
	p := port.New(port.WithSimulator(func() io.ReadWriteCloser {
		sim = simulator.New(
			simulator.WithDelays(simulator.Delays{}),
			simulator.WithRand(rand.New(src)),
		)
		return sim
	}))
	require.NoError(t, p.Open(""))

	c := New(p, &fakeSettings{}, append([]Option{WithCommandDelay(0), WithStepTimeout(5 * time.Second)}, opts...)...)
	t.Cleanup(func() { _ = c.Close() })
	return c, sim
}

func activate(t *testing.T, c *Controller, id int, flow float64) {
	t.Helper()
	require.NoError(t, c.SetChannelFlow(id, flow))
	require.NoError(t, c.SetChannelActive(id, true))
}

func snapshot(t *testing.T, c *Controller, id int) channel.Snapshot {
	t.Helper()
	chs := c.Channels()
	require.GreaterOrEqual(t, len(chs), id)
	return chs[id-1]
}

func TestCalibrateWithSimulator(t *testing.T) {
	c, sim := newSimController(t)
	activate(t, c, 3, 12)

	require.NoError(t, c.RunCalibration(context.Background()))

	ch := snapshot(t, c, 3)
	assert.Equal(t, channel.StateCalibrated, ch.State)
	assert.InDelta(t, 12, ch.MeasuredFlow, 0.1)
	assert.True(t, ch.EditableFlow)
	assert.Eventually(t, func() bool { return sim.Flow(3) == ch.MeasuredFlow }, 2*time.Second, 5*time.Millisecond,
		"the instrument keeps the last measured flow")

	for _, other := range c.Channels() {
		if other.ID != 3 {
			assert.Equal(t, channel.StateInitial, other.State, "channel %d", other.ID)
		}
	}
	assert.False(t, c.Busy())
}

func TestCalibrateRecordsFirstReadingInRange(t *testing.T) {
	rec := &recorder{}
	// 12 + 0.1*0.4 is already in range, so no Measured Flow line follows.
	c, sim := newSimControllerWithSource(t, fixedSource(0.1), WithPublisher(rec))
	activate(t, c, 3, 12)

	require.NoError(t, c.RunCalibration(context.Background()))

	ch := snapshot(t, c, 3)
	assert.Equal(t, channel.StateCalibrated, ch.State)
	assert.InDelta(t, 12.04, ch.MeasuredFlow, 1e-9)
	assert.Eventually(t, func() bool { return sim.Flow(3) == ch.MeasuredFlow }, 2*time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	var measured []events.FlowMeasuredEvent
	for _, e := range rec.events {
		if ev, ok := e.payload.(events.FlowMeasuredEvent); ok {
			measured = append(measured, ev)
		}
	}
	require.Len(t, measured, 1)
	assert.Equal(t, 3, measured[0].Channel)
	assert.InDelta(t, 12.04, measured[0].Flow, 1e-9)
}

func TestCalibrateTransitionsInOrder(t *testing.T) {
	rec := &recorder{}
	c, _ := newSimController(t, WithPublisher(rec))
	activate(t, c, 5, 3)
	activate(t, c, 1, 7.5)

	require.NoError(t, c.RunCalibration(context.Background()))

	assert.Equal(t, []transition{
		{1, channel.StateCalibrating},
		{1, channel.StateCalibrated},
		{5, channel.StateCalibrating},
		{5, channel.StateCalibrated},
	}, rec.transitions())
}

func TestCalibrateResetsAllChannels(t *testing.T) {
	c, tr, _ := newFakeController(t)
	tr.respond = func(cmd string) []string {
		if strings.HasPrefix(cmd, "setFlow") {
			return []string{"enable Channel 2", "Value in range"}
		}
		return nil
	}
	activate(t, c, 2, 1)
	require.NoError(t, c.RunCalibration(context.Background()))
	require.Equal(t, channel.StateCalibrated, snapshot(t, c, 2).State)

	require.NoError(t, c.SetChannelActive(2, false))
	require.NoError(t, c.RunCalibration(context.Background()))
	assert.Equal(t, channel.StateInitial, snapshot(t, c, 2).State)
	assert.Equal(t, []string{"setFlow 2:1"}, tr.attempted(), "nothing is sent without qualifying channels")
}

func TestCalibrateIgnoresForeignReplies(t *testing.T) {
	c, tr, _ := newFakeController(t)
	tr.respond = func(cmd string) []string {
		if cmd != "setFlow 3:12" {
			return nil
		}
		return []string{
			"enable Channel 7",
			"Value in range",
			"Measured Flow 99",
			"enable Channel 3",
			"Measured Flow 12.31",
			"Measured Flow n/a",
			"Flow:  4.00000",
			"Measured Flow 11.95",
			"Value in range",
		}
	}
	activate(t, c, 3, 12)

	require.NoError(t, c.RunCalibration(context.Background()))

	ch := snapshot(t, c, 3)
	assert.Equal(t, channel.StateCalibrated, ch.State)
	assert.Equal(t, 11.95, ch.MeasuredFlow)
}

func TestCalibrateTimeout(t *testing.T) {
	c, tr, _ := newFakeController(t, WithStepTimeout(50*time.Millisecond))
	tr.respond = func(cmd string) []string {
		if strings.HasPrefix(cmd, "setFlow") {
			return []string{"enable Channel 3"}
		}
		return nil
	}
	activate(t, c, 3, 12)

	err := c.RunCalibration(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)

	ch := snapshot(t, c, 3)
	assert.Equal(t, channel.StateInitial, ch.State)
	assert.True(t, ch.EditableFlow)
	assert.Equal(t, []string{"setFlow 3:12", "stopCalibration"}, tr.attempted())
}

func TestCalibrateSendFailure(t *testing.T) {
	c, tr, _ := newFakeController(t)
	tr.fail["setFlow 3:12"] = port.Result{Operation: "COM setFlow 3:12", Code: port.AccessFailed, Reason: "gone"}
	activate(t, c, 3, 12)

	err := c.RunCalibration(context.Background())
	assert.Equal(t, port.AccessFailed, port.CodeOf(err))
	assert.Equal(t, channel.StateInitial, snapshot(t, c, 3).State)

	running, err := c.ToggleFlowMeasurements()
	require.NoError(t, err, "the reply slot is released")
	assert.True(t, running)
}

func TestStopCalibrationCancels(t *testing.T) {
	c, tr, _ := newFakeController(t, WithStepTimeout(time.Minute))
	activate(t, c, 3, 12)

	op, err := c.Calibrate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "calibrate", op.Name())

	assert.ErrorIs(t, c.SetChannelFlow(3, 5), ErrBusy, "flow is locked while calibrating")
	_, err = c.ToggleFlowMeasurements()
	assert.ErrorIs(t, err, ErrCalibrationInProgress)
	assert.Nil(t, op.Err())

	require.NoError(t, c.StopCalibration())
	assert.ErrorIs(t, op.Wait(), context.Canceled)
	assert.Contains(t, tr.attempted(), "stopCalibration")
	assert.Equal(t, channel.StateInitial, snapshot(t, c, 3).State)
	assert.NoError(t, c.SetChannelFlow(3, 5))
}

func TestStopCalibrationLeavesToggleRunning(t *testing.T) {
	c, tr, _ := newFakeController(t, WithCommandDelay(100*time.Millisecond))

	op, err := c.ToggleFlow(context.Background(), 5)
	require.NoError(t, err)
	require.NoError(t, c.StopCalibration())

	require.NoError(t, op.Wait())
	assert.Equal(t, []string{"stopCalibration", "setChannel 5", "setValve 1"}, tr.attempted())
	assert.True(t, snapshot(t, c, 5).ValveOpen)
}

func TestCalibrateRefusedWhilePolling(t *testing.T) {
	c, _, _ := newFakeController(t)

	running, err := c.ToggleFlowMeasurements()
	require.NoError(t, err)
	require.True(t, running)
	assert.True(t, c.Polling())

	_, err = c.Calibrate(context.Background())
	assert.ErrorIs(t, err, ErrFlowPollingActive)

	running, err = c.ToggleFlowMeasurements()
	require.NoError(t, err)
	assert.False(t, running)

	assert.NoError(t, c.RunCalibration(context.Background()))
}

func TestBusy(t *testing.T) {
	c, _, _ := newFakeController(t, WithCommandDelay(200*time.Millisecond))
	activate(t, c, 3, 12)

	op, err := c.ToggleFlow(context.Background(), 3)
	require.NoError(t, err)
	assert.True(t, c.Busy())
	assert.Equal(t, "toggle", c.Status().Operation)

	_, err = c.Calibrate(context.Background())
	assert.ErrorIs(t, err, ErrBusy)
	_, err = c.AdjustChannel(context.Background(), 3, Up)
	assert.ErrorIs(t, err, ErrBusy)

	require.NoError(t, op.Wait())
	assert.False(t, c.Busy())
}

func TestToggleFlowSequence(t *testing.T) {
	const delay = 20 * time.Millisecond
	c, tr, _ := newFakeController(t, WithCommandDelay(delay))
	activate(t, c, 3, 12)
	require.True(t, c.CanAutoCalibrate())

	start := time.Now()
	op, err := c.ToggleFlow(context.Background(), 3)
	require.NoError(t, err)
	require.NoError(t, op.Wait())

	s := tr.sends()
	require.Len(t, s, 2)
	assert.Equal(t, "setChannel 3", s[0].cmd)
	assert.Equal(t, "setValve 1", s[1].cmd)
	assert.GreaterOrEqual(t, s[0].at.Sub(start), delay)
	assert.GreaterOrEqual(t, s[1].at.Sub(s[0].at), delay)

	assert.True(t, snapshot(t, c, 3).ValveOpen)
	assert.True(t, c.IsManualCalibrationActive())
	assert.Equal(t, 3, c.Status().ManualChannel)
	assert.False(t, c.CanAutoCalibrate())

	op, err = c.ToggleFlow(context.Background(), 3)
	require.NoError(t, err)
	require.NoError(t, op.Wait())

	assert.Equal(t, "setValve 0", tr.attempted()[3])
	assert.False(t, snapshot(t, c, 3).ValveOpen)
	assert.False(t, c.IsManualCalibrationActive())
	assert.True(t, c.CanAutoCalibrate())
}

func TestToggleAllActiveChannels(t *testing.T) {
	c, tr, _ := newFakeController(t)
	activate(t, c, 4, 1)
	activate(t, c, 2, 1)

	op, err := c.ToggleFlow(context.Background(), AllChannels)
	require.NoError(t, err)
	require.NoError(t, op.Wait())

	assert.Equal(t, []string{"setChannel 2", "setValve 1", "setChannel 4", "setValve 1"}, tr.attempted())
	assert.False(t, c.IsManualCalibrationActive())
	assert.True(t, snapshot(t, c, 2).ValveOpen)
	assert.True(t, snapshot(t, c, 4).ValveOpen)
}

func TestUnknownChannel(t *testing.T) {
	c, tr, _ := newFakeController(t, WithChannels(8))

	for _, id := range []int{-1, 9, 14} {
		_, err := c.ToggleFlow(context.Background(), id)
		assert.ErrorIs(t, err, ErrUnknownChannel, "toggle %d", id)
		_, err = c.AdjustChannel(context.Background(), id, Down)
		assert.ErrorIs(t, err, ErrUnknownChannel, "adjust %d", id)
		assert.ErrorIs(t, c.SetChannelFlow(id, 1), ErrUnknownChannel)
	}
	assert.Len(t, c.Channels(), 8)
	assert.Empty(t, tr.attempted())
}

func TestSetChannelActive(t *testing.T) {
	c, _, _ := newFakeController(t)

	assert.ErrorIs(t, c.SetChannelActive(1, true), command.ErrInvalidArgument, "no flow")
	activate(t, c, 1, 2)
	assert.ErrorIs(t, c.SetChannelFlow(1, -1), command.ErrInvalidArgument)

	require.NoError(t, c.SetChannelFlow(1, 0))
	assert.False(t, snapshot(t, c, 1).Active, "zero flow deactivates")
}

func TestSendPolicy(t *testing.T) {
	failure := errors.New("write failed")

	tests := []struct {
		name   string
		policy SendPolicy
		want   []string
	}{
		{"best effort", BestEffort, []string{"setChannel 3", "setValve 1"}},
		{"abort on error", AbortOnError, []string{"setChannel 3"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, tr, _ := newFakeController(t, WithSendPolicy(tt.policy))
			tr.fail["setChannel 3"] = failure

			op, err := c.ToggleFlow(context.Background(), 3)
			require.NoError(t, err)
			assert.ErrorIs(t, op.Wait(), failure)
			assert.Equal(t, tt.want, tr.attempted())
		})
	}
}

func TestAdjustChannel(t *testing.T) {
	c, tr, s := newFakeController(t)
	s.steps = 25

	op, err := c.AdjustChannel(context.Background(), 4, Up)
	require.NoError(t, err)
	require.NoError(t, op.Wait())

	s.mu.Lock()
	s.steps = 0
	s.mu.Unlock()

	op, err = c.AdjustChannel(context.Background(), 4, Down)
	require.NoError(t, err)
	require.NoError(t, op.Wait())

	assert.Equal(t, []string{
		"setChannel 4", "setDirection 1", "steps 25",
		"setChannel 4", "setDirection 0", "steps 10",
	}, tr.attempted())
	assert.Equal(t, channel.StateInitial, snapshot(t, c, 4).State)
}

func TestOpenFor(t *testing.T) {
	c, tr, _ := newFakeController(t)
	activate(t, c, 1, 1)
	activate(t, c, 2, 1)

	_, err := c.OpenFor(context.Background(), -1)
	assert.ErrorIs(t, err, command.ErrInvalidArgument)

	op, err := c.OpenFor(context.Background(), 5)
	require.NoError(t, err)
	require.NoError(t, op.Wait())

	assert.Equal(t, []string{"setChannel 1", "openValveTimed 5", "setChannel 2", "openValveTimed 5"}, tr.attempted())
	assert.False(t, snapshot(t, c, 1).ValveOpen)
	assert.False(t, snapshot(t, c, 2).ValveOpen)
}

func TestFlowPollingWithSimulator(t *testing.T) {
	rec := &recorder{}
	c, sim := newSimController(t, WithPollInterval(10*time.Millisecond), WithPublisher(rec))
	sim.SetFlow(4, 2)
	activate(t, c, 4, 2)

	op, err := c.ToggleFlow(context.Background(), 4)
	require.NoError(t, err)
	require.NoError(t, op.Wait())
	require.Eventually(t, func() bool { return sim.ValveOpen(4) }, 2*time.Second, 5*time.Millisecond)

	running, err := c.ToggleFlowMeasurements()
	require.NoError(t, err)
	require.True(t, running)

	assert.Eventually(t, func() bool {
		return c.Channels()[3].MeasuredFlow == 2
	}, 2*time.Second, 5*time.Millisecond)

	running, err = c.ToggleFlowMeasurements()
	require.NoError(t, err)
	assert.False(t, running)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	found := false
	for _, e := range rec.events {
		if ev, ok := e.payload.(events.FlowMeasuredEvent); ok && e.name == events.FlowMeasured {
			found = found || (ev.Channel == 4 && ev.Flow == 2)
		}
	}
	assert.True(t, found)
}

func TestPollerIdleWhileValvesClosed(t *testing.T) {
	c, tr, _ := newFakeController(t, WithPollInterval(5*time.Millisecond))

	_, err := c.ToggleFlowMeasurements()
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	_, err = c.ToggleFlowMeasurements()
	require.NoError(t, err)

	assert.Empty(t, tr.attempted())
}

func TestLoadState(t *testing.T) {
	tr := newFakeTransport()
	s := &fakeSettings{flows: `[{"active":true,"flow":2.5},{"active":true,"flow":0},{"active":false,"flow":4}]`}
	c := New(tr, s)
	defer c.Close()

	chs := c.Channels()
	assert.True(t, chs[0].Active)
	assert.Equal(t, 2.5, chs[0].RequestedFlow)
	assert.False(t, chs[1].Active)
	assert.False(t, chs[2].Active)
	assert.Equal(t, 4.0, chs[2].RequestedFlow)

	corrupt := New(newFakeTransport(), &fakeSettings{flows: "{"})
	defer corrupt.Close()
	for _, ch := range corrupt.Channels() {
		assert.False(t, ch.Active)
	}
}

func TestCloseCancelsAndPersists(t *testing.T) {
	tr := newFakeTransport()
	s := &fakeSettings{}
	c := New(tr, s, WithChannels(3), WithStepTimeout(time.Minute))
	activate(t, c, 2, 7.5)

	op, err := c.Calibrate(context.Background())
	require.NoError(t, err)

	require.NoError(t, c.Close())
	assert.ErrorIs(t, op.Wait(), context.Canceled)

	assert.JSONEq(t, `[{"active":false,"flow":0},{"active":true,"flow":7.5},{"active":false,"flow":0}]`, s.flows)
	assert.Equal(t, 1, s.saved)
	assert.Equal(t, 1, tr.closed)
	assert.Zero(t, tr.handlerCount())

	require.NoError(t, c.Close())
	assert.Equal(t, 1, tr.closed)

	_, err = c.Calibrate(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	_, err = c.ToggleFlowMeasurements()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNonFiniteFlowRejected(t *testing.T) {
	tr := newFakeTransport()
	s := &fakeSettings{}
	c := New(tr, s, WithChannels(3))
	activate(t, c, 2, 7.5)

	for _, f := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		assert.ErrorIs(t, c.SetChannelFlow(2, f), command.ErrInvalidArgument, "flow %v", f)
	}
	assert.Equal(t, 7.5, snapshot(t, c, 2).RequestedFlow)

	require.NoError(t, c.Close())
	assert.Equal(t, 1, s.saved)
	assert.JSONEq(t, `[{"active":false,"flow":0},{"active":true,"flow":7.5},{"active":false,"flow":0}]`, s.flows)
}

func TestParseDirection(t *testing.T) {
	d, err := ParseDirection("up")
	require.NoError(t, err)
	assert.Equal(t, Up, d)

	d, err = ParseDirection("down")
	require.NoError(t, err)
	assert.Equal(t, Down, d)

	_, err = ParseDirection("left")
	assert.ErrorIs(t, err, command.ErrInvalidArgument)
}
