package process

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"

	"github.com/sudocode-ai/sudocode/common"
)

// Supervisor spawns and tracks agent child processes.
type Supervisor struct {
	logger *logrus.Entry

	mu        sync.Mutex
	active    map[string]*Handle // id -> handle
	pool      map[string]*Handle // fingerprint -> released resume-capable handle
	nextID    int
	closed    bool
	killGrace time.Duration
}

// NewSupervisor creates a supervisor. killGrace is how long Shutdown waits
// between SIGTERM and SIGKILL.
func NewSupervisor(logger *logrus.Entry, killGrace time.Duration) *Supervisor {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if killGrace <= 0 {
		killGrace = 5 * time.Second
	}
	return &Supervisor{
		logger:    logger.WithField("component", "process-supervisor"),
		active:    make(map[string]*Handle),
		pool:      make(map[string]*Handle),
		killGrace: killGrace,
	}
}

// Acquire returns a handle for the given configuration. A pooled process is
// reused only when the configuration is resume-capable and its fingerprint
// matches; otherwise a fresh child is spawned.
func (s *Supervisor) Acquire(cfg Config) (*Handle, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, common.NewError(common.KindInternal, "SUPERVISOR_CLOSED",
			"process supervisor is shut down")
	}
	if cfg.ResumeCapable {
		if h, ok := s.pool[cfg.Fingerprint()]; ok {
			delete(s.pool, cfg.Fingerprint())
			h.released = false
			s.active[h.id] = h
			s.mu.Unlock()
			s.logger.WithField("process_id", h.id).Debug("Reusing pooled process")
			return h, nil
		}
	}
	s.nextID++
	id := fmt.Sprintf("proc-%d", s.nextID)
	s.mu.Unlock()

	h, err := s.spawn(id, cfg)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.active[id] = h
	s.mu.Unlock()
	s.logger.WithFields(logrus.Fields{
		"process_id": id,
		"executable": cfg.Executable,
		"mode":       cfg.Mode,
	}).Info("Spawned agent process")
	return h, nil
}

// spawn starts the child and wires its streams per the configured mode.
func (s *Supervisor) spawn(id string, cfg Config) (*Handle, error) {
	cmd := exec.Command(cfg.Executable, cfg.Args...)
	cmd.Dir = cfg.WorkDir
	cmd.Env = append(os.Environ(), cfg.Env...)

	h := &Handle{
		id:        id,
		cfg:       cfg,
		cmd:       cmd,
		spawnedAt: time.Now(),
		exited:    make(chan struct{}),
	}
	h.lastActivity = h.spawnedAt

	switch cfg.Mode {
	case ModePTY:
		rows, cols := cfg.Rows, cfg.Cols
		if rows == 0 {
			rows = 24
		}
		if cols == 0 {
			cols = 80
		}
		ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
		if err != nil {
			return nil, spawnError(cfg, err)
		}
		h.ptmx = ptmx
		h.stdout = ptmx
		h.stdin = ptmx
	default:
		// Pipes are created by hand rather than through cmd.StdoutPipe so
		// that the reaper's Wait never closes a stream the normalizer is
		// still draining.
		stdinR, stdinW, err := os.Pipe()
		if err != nil {
			return nil, spawnError(cfg, err)
		}
		stdoutR, stdoutW, err := os.Pipe()
		if err != nil {
			stdinR.Close()
			stdinW.Close()
			return nil, spawnError(cfg, err)
		}
		stderrR, stderrW, err := os.Pipe()
		if err != nil {
			stdinR.Close()
			stdinW.Close()
			stdoutR.Close()
			stdoutW.Close()
			return nil, spawnError(cfg, err)
		}
		cmd.Stdin = stdinR
		cmd.Stdout = stdoutW
		cmd.Stderr = stderrW
		h.stdin = stdinW
		h.stdout = stdoutR
		h.stderr = stderrR
		if err := cmd.Start(); err != nil {
			for _, f := range []*os.File{stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW} {
				f.Close()
			}
			return nil, spawnError(cfg, err)
		}
		// Close the child's ends in the parent so readers see EOF on exit.
		stdinR.Close()
		stdoutW.Close()
		stderrW.Close()
	}

	go s.reap(h)
	return h, nil
}

// reap waits for the child, records its exit state, and fires callbacks.
func (s *Supervisor) reap(h *Handle) {
	err := h.cmd.Wait()

	code := 0
	signal := ""
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
				signal = status.Signal().String()
				if code < 0 {
					code = 128 + int(status.Signal())
				}
			}
		} else {
			code = -1
		}
	}

	h.mu.Lock()
	h.exitCode = &code
	h.exitSignal = signal
	callbacks := h.onExit
	h.onExit = nil
	h.mu.Unlock()
	close(h.exited)

	if h.ptmx != nil {
		h.ptmx.Close()
	}

	for _, fn := range callbacks {
		fn(code, signal)
	}

	s.mu.Lock()
	delete(s.active, h.id)
	if s.pool[h.cfg.Fingerprint()] == h {
		delete(s.pool, h.cfg.Fingerprint())
	}
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"process_id": h.id,
		"exit_code":  code,
		"signal":     signal,
	}).Debug("Agent process exited")
}

// Release returns a handle to the pool (resume-capable, still running) or
// terminates it. Idempotent.
func (s *Supervisor) Release(h *Handle) {
	if h == nil {
		return
	}
	s.mu.Lock()
	if h.released {
		s.mu.Unlock()
		return
	}
	h.released = true
	delete(s.active, h.id)

	h.mu.Lock()
	running := h.exitCode == nil
	h.mu.Unlock()

	if running && h.cfg.ResumeCapable && !s.closed {
		s.pool[h.cfg.Fingerprint()] = h
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if running {
		s.terminate(h)
	}
}

// terminate sends SIGTERM, escalating to SIGKILL after the grace period.
func (s *Supervisor) terminate(h *Handle) {
	_ = h.Kill(syscall.SIGTERM)
	select {
	case <-h.exited:
		return
	case <-time.After(s.killGrace):
	}
	_ = h.Kill(syscall.SIGKILL)
	<-h.exited
}

// Shutdown terminates every tracked process with SIGTERM then SIGKILL
// after the grace period. Idempotent.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	var all []*Handle
	for _, h := range s.active {
		all = append(all, h)
	}
	for _, h := range s.pool {
		all = append(all, h)
	}
	s.active = make(map[string]*Handle)
	s.pool = make(map[string]*Handle)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range all {
		h.mu.Lock()
		running := h.exitCode == nil
		h.mu.Unlock()
		if !running {
			continue
		}
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			s.terminate(h)
		}(h)
	}
	wg.Wait()
	s.logger.WithField("terminated", len(all)).Info("Process supervisor shut down")
}

// ActiveCount returns the number of tracked running processes.
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}
