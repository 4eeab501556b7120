// Package simulator emulates the Sniff-0 firmware behind the same byte stream
// a serial port would provide. Commands written to it are interpreted like
// the device does and produce the same reply grammar, including the
// closed-loop flow convergence of setFlow.
package simulator

import (
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	channelCount = 14 // ids 0..13, 0 is unused by the controller

	// Tolerance is the absolute flow error at which convergence stops.
	Tolerance = 0.1
	// CorrectionStep is the flow change of one convergence iteration.
	CorrectionStep = 0.15
	// MaxPerturbation bounds the random offset of the first measurement.
	MaxPerturbation = 0.4
	// FlowPerMotorStep is the flow change of a single stepper step.
	FlowPerMotorStep = 0.015
)

var ErrClosed = errors.New("simulator closed")

// Delays are the artificial processing latencies of the firmware.
type Delays struct {
	// Short precedes the reply of simple commands.
	Short time.Duration
	// Step separates the lines of the setFlow sequence.
	Step time.Duration
	// Settle precedes every flow measurement.
	Settle time.Duration
}

func DefaultDelays() Delays {
	return Delays{
		Short:  50 * time.Millisecond,
		Step:   100 * time.Millisecond,
		Settle: 500 * time.Millisecond,
	}
}

type record struct {
	open bool
	flow float64
}

type Option func(*Simulator)

func WithDelays(d Delays) Option {
	return func(s *Simulator) { s.delays = d }
}

// WithRand makes the measurement perturbation reproducible.
func WithRand(r *rand.Rand) Option {
	return func(s *Simulator) { s.rnd = r }
}

// Simulator implements io.ReadWriteCloser. Read returns CRLF-terminated
// reply lines, Write accepts CR or LF terminated commands.
type Simulator struct {
	delays Delays

	mu       sync.Mutex
	channels [channelCount]record
	current  int
	verbose  bool
	toOpen   bool
	rnd      *rand.Rand

	interrupt atomic.Bool

	writeMu sync.Mutex
	inbuf   []byte
	cmds    chan string

	readMu  sync.Mutex
	pending []byte
	out     chan string

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func New(opts ...Option) *Simulator {
	s := &Simulator{
		delays: DefaultDelays(),
		toOpen: true,
		cmds:   make(chan string, 32),
		out:    make(chan string, 256),
		closed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rnd == nil {
		s.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	s.wg.Add(1)
	go s.work()

	return s
}

func (s *Simulator) Read(p []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	if len(s.pending) == 0 {
		select {
		case line := <-s.out:
			s.pending = []byte(line + "\r\n")
		case <-s.closed:
			return 0, io.EOF
		}
	}

	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *Simulator) Write(p []byte) (int, error) {
	if s.isClosed() {
		return 0, ErrClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.inbuf = append(s.inbuf, p...)
	for {
		i := strings.IndexAny(string(s.inbuf), "\r\n")
		if i < 0 {
			break
		}
		cmd := strings.TrimSpace(string(s.inbuf[:i]))
		s.inbuf = s.inbuf[i+1:]
		if cmd == "" {
			continue
		}
		if err := s.dispatch(cmd); err != nil {
			return 0, err
		}
	}

	return len(p), nil
}

func (s *Simulator) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
	s.wg.Wait()
	return nil
}

// Flow returns the committed flow of channel id.
func (s *Simulator) Flow(id int) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 0 || id >= channelCount {
		return 0
	}
	return s.channels[id].flow
}

func (s *Simulator) ValveOpen(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 0 || id >= channelCount {
		return false
	}
	return s.channels[id].open
}

// SetFlow presets the flow of channel id.
func (s *Simulator) SetFlow(id int, flow float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id >= 0 && id < channelCount {
		s.channels[id].flow = flow
	}
}

func (s *Simulator) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// dispatch handles stopCalibration out of band, since it must reach a running
// convergence loop. Everything else is processed in order by the worker.
func (s *Simulator) dispatch(cmd string) error {
	logrus.WithField("command", cmd).Trace("simulator received command")

	if strings.HasPrefix(cmd, "stopCalibration") {
		s.interrupt.Store(true)
		s.emit("recived command stopCalibration")
		return nil
	}

	select {
	case s.cmds <- cmd:
		return nil
	case <-s.closed:
		return ErrClosed
	}
}

func (s *Simulator) work() {
	defer s.wg.Done()
	for {
		select {
		case cmd := <-s.cmds:
			s.handle(cmd)
		case <-s.closed:
			return
		}
	}
}

func (s *Simulator) handle(cmd string) {
	fields := strings.Fields(cmd)
	name := fields[0]
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	switch name {
	case "setVerbose":
		s.mu.Lock()
		s.verbose = arg == "1"
		verbose := s.verbose
		s.mu.Unlock()
		if verbose {
			s.emit("Verbose mode ON")
		} else {
			s.emit("recived command setVerbose")
		}
		return
	case "readFlow":
		s.emit(fmt.Sprintf("Flow:  %.5f", s.openFlow()))
		return
	}

	s.emit("--> " + name)

	switch name {
	case "setFlow":
		s.respondToSetFlow(arg)
	case "setChannel":
		s.respondToSetChannel(arg)
	case "setValve", "setToutValve":
		s.respondToSetValve(arg)
	case "openValveTimed", "openTValveTimed":
		s.respondToOpenValve(arg)
	case "setDirection":
		s.respondToSetDirection(arg)
	case "steps":
		s.respondToRunMotor(arg)
	case "enableAllValves", "disableAllValves":
		s.respondToAllValves(name == "enableAllValves")
	case "manualFlow":
		s.respondToManualFlow(arg)
	}
}

func (s *Simulator) respondToSetFlow(params string) {
	s.interrupt.Store(false)

	s.sleep(s.delays.Step)
	s.emit("parameters=" + params)

	for _, pair := range strings.Split(params, ";") {
		id, target, err := parseChannelFlow(pair)
		if err != nil {
			s.emit("invalid parameter " + pair)
			continue
		}

		s.mu.Lock()
		measured := round2(target + s.rnd.Float64()*MaxPerturbation)
		s.mu.Unlock()

		s.sleep(s.delays.Step)
		s.emit(fmt.Sprintf("enable Channel %d", id))
		s.sleep(s.delays.Step)
		s.emit(fmt.Sprintf("enable Valve %d", id))
		s.sleep(s.delays.Step)
		s.emit("recived command setFlow")
		s.sleep(s.delays.Step)
		s.emit(fmt.Sprintf("target = %.2f", target))
		s.sleep(s.delays.Settle)
		s.emit(fmt.Sprintf("measured = %.2f", measured))
		s.sleep(s.delays.Step)
		s.emit(fmt.Sprintf("checking flow %d", id))

		for !s.interrupt.Load() && !s.isClosed() {
			if !inRange(measured, target) {
				measured = nextMeasurement(measured, target)

				s.sleep(s.delays.Step)
				s.emit(fmt.Sprintf("Target Flow %.2f", target))
				s.sleep(s.delays.Settle)
				s.emit(fmt.Sprintf("Measured Flow %.2f", measured))
			}

			if inRange(measured, target) {
				s.sleep(s.delays.Step)
				s.emit("Value in range")
				break
			}

			s.sleep(s.delays.Step)
			s.emit(fmt.Sprintf("Steps to move %.0f", math.Abs(measured-target)*100))
			s.sleep(s.delays.Step)
			s.emit("Closing Valve")
			s.sleep(s.delays.Step)
			s.emit("moving motors")
			s.sleep(s.delays.Settle)
			s.emit("stop move")
		}

		s.mu.Lock()
		s.channels[id].flow = measured
		s.mu.Unlock()

		s.sleep(s.delays.Step)
		s.emit(fmt.Sprintf("Checking Stability ch. %d", id))
		s.sleep(s.delays.Step)
		s.emit("target: " + strconv.FormatFloat(target, 'f', -1, 64))

		if s.interrupt.Load() {
			break
		}
	}
}

func (s *Simulator) respondToSetChannel(arg string) {
	if id, err := strconv.Atoi(arg); err == nil && id >= 0 && id < channelCount {
		s.mu.Lock()
		s.current = id
		s.mu.Unlock()
	}

	s.sleep(s.delays.Short)
	s.emit("channel=" + arg)
}

func (s *Simulator) respondToSetValve(arg string) {
	s.setCurrentOpen(arg == "1")

	s.sleep(s.delays.Short)
	s.emit("valve state = " + arg)
	s.sleep(s.delays.Short)
	if arg == "0" {
		s.emit("Close")
	} else {
		s.emit("Open")
	}
}

func (s *Simulator) respondToOpenValve(arg string) {
	s.sleep(s.delays.Short)
	s.emit("open Valve Timed = " + arg)

	ms, err := strconv.Atoi(arg)
	if err != nil {
		return
	}

	s.setCurrentOpen(true)
	s.sleep(s.delays.Short)
	s.emit("Open")

	s.sleep(time.Duration(ms) * time.Millisecond)
	s.emit("Close")
	s.setCurrentOpen(false)
}

func (s *Simulator) respondToSetDirection(arg string) {
	s.mu.Lock()
	s.toOpen = arg == "1"
	s.mu.Unlock()

	s.sleep(s.delays.Short)
	s.emit("direction" + arg)
}

func (s *Simulator) respondToRunMotor(arg string) {
	if count, err := strconv.Atoi(arg); err == nil {
		s.mu.Lock()
		change := FlowPerMotorStep * float64(count)
		if !s.toOpen {
			change = -change
		}
		s.channels[s.current].flow += change
		s.mu.Unlock()
	}

	s.sleep(s.delays.Short)
	s.emit("steps=" + arg)
}

func (s *Simulator) respondToAllValves(open bool) {
	s.mu.Lock()
	for i := 1; i < channelCount; i++ {
		s.channels[i].open = open
	}
	s.mu.Unlock()

	s.sleep(s.delays.Short)
	if open {
		s.emit("all valves = 1")
	} else {
		s.emit("all valves = 0")
	}
}

// respondToManualFlow reports the selected channel's flow until
// stopCalibration arrives.
func (s *Simulator) respondToManualFlow(arg string) {
	id, err := strconv.Atoi(arg)
	if err != nil || id < 0 || id >= channelCount {
		s.emit("invalid parameter " + arg)
		return
	}

	s.interrupt.Store(false)
	s.mu.Lock()
	s.current = id
	s.mu.Unlock()

	interval := s.delays.Settle
	if interval <= 0 {
		interval = time.Millisecond
	}
	for !s.interrupt.Load() && !s.isClosed() {
		s.sleep(interval)
		s.emit(fmt.Sprintf("Flow:  %.5f", s.Flow(id)))
	}
}

func (s *Simulator) setCurrentOpen(open bool) {
	s.mu.Lock()
	s.channels[s.current].open = open
	s.mu.Unlock()
}

func (s *Simulator) openFlow() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sum float64
	for _, ch := range s.channels {
		if ch.open {
			sum += ch.flow
		}
	}
	return sum
}

func (s *Simulator) emit(line string) {
	select {
	case s.out <- line:
	case <-s.closed:
	}
}

func (s *Simulator) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-s.closed:
	}
}

func parseChannelFlow(pair string) (int, float64, error) {
	idStr, flowStr, ok := strings.Cut(pair, ":")
	if !ok {
		return 0, 0, fmt.Errorf("missing ':' in %q", pair)
	}
	id, err := strconv.Atoi(idStr)
	if err != nil || id < 0 || id >= channelCount {
		return 0, 0, fmt.Errorf("invalid channel %q", idStr)
	}
	flow, err := strconv.ParseFloat(flowStr, 64)
	if err != nil || math.IsNaN(flow) || math.IsInf(flow, 0) {
		return 0, 0, fmt.Errorf("invalid flow %q", flowStr)
	}
	return id, flow, nil
}

// nextMeasurement moves measured one correction step towards target.
func nextMeasurement(measured, target float64) float64 {
	if measured > target {
		return round2(measured - CorrectionStep)
	}
	return round2(measured + CorrectionStep)
}

func inRange(measured, target float64) bool {
	return math.Abs(measured-target) < Tolerance
}

// round2 keeps the simulated value equal to what is reported with %.2f.
func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
