package supervisor

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/zgsm-ai/tunnel-starter/internal/tunnel"
)

// Event is emitted when a supervised process exits without Terminate having
// been requested. Err carries the wait error when the child exited non-zero.
type Event struct {
	HandleID uint64
	Key      tunnel.Key
	Err      error
}

const (
	eventBuffer  = 64
	adoptedProbe = 500 * time.Millisecond
	// grace after SIGKILL before giving up on the reaper
	killGrace = 200 * time.Millisecond
)

type handle struct {
	id      uint64
	key     tunnel.Key
	pid     int
	adopted bool

	mu            sync.Mutex
	stopRequested bool

	// closed by the watch goroutine once the process is gone
	waitDone chan struct{}
	waitErr  error

	outCloser io.WriteCloser
	errCloser io.WriteCloser
}

func (h *handle) setStopRequested() {
	h.mu.Lock()
	h.stopRequested = true
	h.mu.Unlock()
}

func (h *handle) stopWasRequested() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopRequested
}

func (h *handle) closeWriters() {
	if h.outCloser != nil {
		_ = h.outCloser.Close()
	}
	if h.errCloser != nil {
		_ = h.errCloser.Close()
	}
}

// Supervisor launches tunnel child processes, watches them for unexpected
// exit, and terminates them on request. It is the only component that touches
// the OS process; everyone else holds an opaque handle ID.
type Supervisor struct {
	mu      sync.Mutex
	handles map[uint64]*handle
	nextID  uint64
	events  chan Event
	closed  bool
}

func New() *Supervisor {
	return &Supervisor{
		handles: make(map[uint64]*handle),
		events:  make(chan Event, eventBuffer),
	}
}

// Events exposes crash notifications. A single consumer is expected.
func (s *Supervisor) Events() <-chan Event { return s.events }

// LaunchSpec describes the child to start. Stdout/Stderr may be nil in which
// case the child's output goes to the null device.
type LaunchSpec struct {
	Key     tunnel.Key
	Command string
	WorkDir string
	Env     []string
	Stdout  io.WriteCloser
	Stderr  io.WriteCloser
}

// Launch starts the child in its own process group and attaches a reaper
// goroutine. It returns the opaque handle and the child PID.
func (s *Supervisor) Launch(spec LaunchSpec) (uint64, int, error) {
	cmd := shellCommand(spec.Command)
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	setProcessGroup(cmd)

	if spec.Stdout != nil {
		cmd.Stdout = spec.Stdout
	} else {
		cmd.Stdout, _ = os.OpenFile(os.DevNull, os.O_RDWR, 0)
	}
	if spec.Stderr != nil {
		cmd.Stderr = spec.Stderr
	} else {
		cmd.Stderr, _ = os.OpenFile(os.DevNull, os.O_RDWR, 0)
	}

	if err := cmd.Start(); err != nil {
		if spec.Stdout != nil {
			_ = spec.Stdout.Close()
		}
		if spec.Stderr != nil {
			_ = spec.Stderr.Close()
		}
		return 0, 0, fmt.Errorf("%w: start %s: %v", tunnel.ErrProcess, spec.Key, err)
	}

	h := &handle{
		key:       spec.Key,
		pid:       cmd.Process.Pid,
		waitDone:  make(chan struct{}),
		outCloser: spec.Stdout,
		errCloser: spec.Stderr,
	}
	s.register(h)

	go func() {
		err := cmd.Wait()
		h.mu.Lock()
		h.waitErr = err
		h.mu.Unlock()
		h.closeWriters()
		close(h.waitDone)
		if !h.stopWasRequested() {
			s.emit(Event{HandleID: h.id, Key: h.key, Err: err})
		}
	}()
	return h.id, h.pid, nil
}

// Adopt attaches to an already-running process discovered during recovery.
// The returned handle is watched by a liveness poller instead of cmd.Wait.
// Returns false when the PID is not alive.
func (s *Supervisor) Adopt(key tunnel.Key, pid int) (uint64, bool) {
	if pid <= 0 || !alive(pid) {
		return 0, false
	}
	h := &handle{
		key:      key,
		pid:      pid,
		adopted:  true,
		waitDone: make(chan struct{}),
	}
	s.register(h)

	go func() {
		for alive(pid) {
			time.Sleep(adoptedProbe)
		}
		close(h.waitDone)
		if !h.stopWasRequested() {
			s.emit(Event{HandleID: h.id, Key: h.key, Err: fmt.Errorf("adopted process %d exited", pid)})
		}
	}()
	return h.id, true
}

// Terminate sends SIGTERM to the handle's process group, escalating to
// SIGKILL after timeout. It returns tunnel.ErrTimeout when the process
// survives the escalation window.
func (s *Supervisor) Terminate(handleID uint64, timeout time.Duration) error {
	h := s.lookup(handleID)
	if h == nil {
		return nil
	}
	h.setStopRequested()

	select {
	case <-h.waitDone:
		s.drop(handleID)
		return nil
	default:
	}

	_ = terminateGroup(h.pid)
	select {
	case <-h.waitDone:
		s.drop(handleID)
		return nil
	case <-time.After(timeout):
	}

	_ = killGroup(h.pid)
	select {
	case <-h.waitDone:
		s.drop(handleID)
		return nil
	case <-time.After(killGrace):
		s.drop(handleID)
		return fmt.Errorf("%w: process group %d did not exit within %s", tunnel.ErrTimeout, h.pid, timeout)
	}
}

// Alive probes the handle's process without affecting it.
func (s *Supervisor) Alive(handleID uint64) bool {
	h := s.lookup(handleID)
	if h == nil {
		return false
	}
	select {
	case <-h.waitDone:
		return false
	default:
		return alive(h.pid)
	}
}

// Release forgets a handle whose exit has already been handled.
func (s *Supervisor) Release(handleID uint64) { s.drop(handleID) }

// Close stops emitting events. Running children are left alone; the manager
// decides during shutdown whether to terminate them first.
func (s *Supervisor) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

func (s *Supervisor) register(h *handle) {
	s.mu.Lock()
	s.nextID++
	h.id = s.nextID
	s.handles[h.id] = h
	s.mu.Unlock()
}

func (s *Supervisor) lookup(id uint64) *handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[id]
}

func (s *Supervisor) drop(id uint64) {
	s.mu.Lock()
	delete(s.handles, id)
	s.mu.Unlock()
}

func (s *Supervisor) emit(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- e:
	default:
	}
}
