// Package port is the line-oriented transport to the instrument. A Port owns
// either a serial link or an in-process simulator, publishes every received
// line to the registered data handlers, and writes CR-terminated commands.
package port

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/cynexo/sniff0/pkg/simulator"
)

const lineTerminator = "\r"

type Option func(*Port)

func WithBaudRate(baud int) Option {
	return func(p *Port) { p.baudRate = baud }
}

// WithOpener replaces the serial port opener.
func WithOpener(o Opener) Option {
	return func(p *Port) { p.opener = o }
}

// WithSimulator sets the link used when Open is called with an empty address.
func WithSimulator(newSim func() io.ReadWriteCloser) Option {
	return func(p *Port) { p.newSimulator = newSim }
}

type session struct {
	address   string
	simulated bool
	link      io.ReadWriteCloser
	closing   atomic.Bool
	done      chan struct{}
}

type Port struct {
	baudRate     int
	opener       Opener
	newSimulator func() io.ReadWriteCloser

	// openMu serializes Open and Close so only one link is ever live.
	openMu sync.Mutex

	mu   sync.Mutex
	sess *session

	writeMu sync.Mutex

	handlersMu    sync.RWMutex
	nextHandlerID int
	dataHandlers  map[int]func(line string)
	errorHandlers map[int]func(r Result)
}

func New(opts ...Option) *Port {
	p := &Port{
		baudRate: DefaultBaudRate,
		opener:   OpenSerial,
		newSimulator: func() io.ReadWriteCloser {
			return simulator.New()
		},
		dataHandlers:  map[int]func(string){},
		errorHandlers: map[int]func(Result){},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Open connects to address, or to the simulator when address is empty. An
// already open link is closed first. Like Close, it must not be called from
// a data or error handler.
func (p *Port) Open(address string) error {
	if address != "" && !ValidAddress(address) {
		return Result{Operation: "COM open", Code: OpenFailed, Reason: fmt.Sprintf("invalid port name %q", address)}
	}

	p.openMu.Lock()
	defer p.openMu.Unlock()

	if err := p.closeLocked(); err != nil {
		logrus.WithError(err).Warn("failed to close previous link")
	}

	s := &session{
		address:   address,
		simulated: address == "",
		done:      make(chan struct{}),
	}

	if s.simulated {
		s.link = p.newSimulator()
	} else {
		link, err := p.opener(address, p.baudRate)
		if err != nil {
			return Result{Operation: "COM open", Code: OpenFailed, Reason: err.Error()}
		}
		s.link = link
	}

	p.mu.Lock()
	p.sess = s
	p.mu.Unlock()

	go p.readLoop(s)

	logrus.WithFields(logrus.Fields{
		"port":      address,
		"simulated": s.simulated,
		"baudRate":  p.baudRate,
	}).Info("port opened")

	return nil
}

// Close stops the reader and releases the link. It is safe to call on a
// closed port. It must not be called from a data or error handler.
func (p *Port) Close() error {
	p.openMu.Lock()
	defer p.openMu.Unlock()
	return p.closeLocked()
}

func (p *Port) closeLocked() error {
	p.mu.Lock()
	s := p.sess
	p.sess = nil
	p.mu.Unlock()

	if s == nil {
		return nil
	}

	s.closing.Store(true)
	err := s.link.Close()
	<-s.done

	logrus.WithField("port", s.address).Info("port closed")

	if err != nil {
		return Result{Operation: "COM close", Code: AccessFailed, Reason: err.Error()}
	}
	return nil
}

// Send writes command followed by the line terminator in a single write.
func (p *Port) Send(command string) error {
	p.mu.Lock()
	s := p.sess
	p.mu.Unlock()

	op := "COM " + command
	if s == nil {
		return Result{Operation: op, Code: NotReady, Reason: "port is not open"}
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if _, err := io.WriteString(s.link, command+lineTerminator); err != nil {
		return Result{Operation: op, Code: AccessFailed, Reason: "failed to write to the port: " + err.Error()}
	}

	logrus.WithField("command", command).Debug("sent")
	return nil
}

func (p *Port) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sess != nil
}

func (p *Port) Address() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sess == nil {
		return ""
	}
	return p.sess.address
}

func (p *Port) IsSimulated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sess != nil && p.sess.simulated
}

// AddDataHandler registers fn for every received line. Handlers run on the
// reader goroutine and must not block. The returned func unregisters fn.
func (p *Port) AddDataHandler(fn func(line string)) (remove func()) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()

	id := p.nextHandlerID
	p.nextHandlerID++
	p.dataHandlers[id] = fn

	return func() {
		p.handlersMu.Lock()
		delete(p.dataHandlers, id)
		p.handlersMu.Unlock()
	}
}

// AddErrorHandler registers fn for link faults detected by the reader.
func (p *Port) AddErrorHandler(fn func(r Result)) (remove func()) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()

	id := p.nextHandlerID
	p.nextHandlerID++
	p.errorHandlers[id] = fn

	return func() {
		p.handlersMu.Lock()
		delete(p.errorHandlers, id)
		p.handlersMu.Unlock()
	}
}

func (p *Port) readLoop(s *session) {
	defer close(s.done)

	sc := bufio.NewScanner(s.link)
	sc.Split(scanLines)

	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		logrus.WithField("line", line).Trace("received")
		p.publishData(line)
	}

	if s.closing.Load() {
		return
	}

	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	// No reconnect. The link stays registered until Close.
	logrus.WithError(err).WithField("port", s.address).Error("reader stopped")
	p.publishError(Result{Operation: "COM read", Code: AccessFailed, Reason: err.Error()})
}

func (p *Port) publishData(line string) {
	p.handlersMu.RLock()
	handlers := make([]func(string), 0, len(p.dataHandlers))
	for _, h := range p.dataHandlers {
		handlers = append(handlers, h)
	}
	p.handlersMu.RUnlock()

	for _, h := range handlers {
		h(line)
	}
}

func (p *Port) publishError(r Result) {
	p.handlersMu.RLock()
	handlers := make([]func(Result), 0, len(p.errorHandlers))
	for _, h := range p.errorHandlers {
		handlers = append(handlers, h)
	}
	p.handlersMu.RUnlock()

	for _, h := range handlers {
		h(r)
	}
}

// scanLines splits on CR or LF. Empty tokens between CR and LF are skipped by
// the caller.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
