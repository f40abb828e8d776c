package monitor

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	osexec "os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/ANonABento/clanker-spanker/marker"
)

// EventKind distinguishes supervisor events.
type EventKind int

const (
	// EventOutput is one captured line, marker or not.
	EventOutput EventKind = iota

	// EventMarker is a line that parsed as a progress marker.
	EventMarker

	// EventExited is the final event for a process. It is delivered
	// exactly once, after all output events.
	EventExited
)

// Event is what a Supervisor reports to its owner. Output and marker
// events arrive in stdout order; the exit event arrives last.
type Event struct {
	MonitorID string
	Kind      EventKind

	// EventOutput
	Line   string
	Stderr bool

	// EventMarker
	Marker marker.Marker

	// EventExited
	ExitCode int
	ExitErr  error
	// Terminal is the last terminal marker seen on stdout, nil when the
	// process produced none.
	Terminal *marker.Marker
}

// Supervisor runs one loop process, scans its stdout for marker lines, and
// reports everything it sees through a single callback. The callback is
// invoked from the supervisor's goroutines; the owner serializes.
type Supervisor struct {
	monitorID string
	command   string
	args      []string
	dir       string
	env       []string
	onEvent   func(Event)
	log       *slog.Logger

	mu       sync.Mutex
	cmd      *osexec.Cmd
	started  bool
	stopped  bool
	waitDone chan struct{}

	// terminal tracks the last terminal marker on stdout. Guarded by mu;
	// written by the stdout reader, read by the exit watcher after the
	// reader finishes.
	terminal *marker.Marker
}

// NewSupervisor prepares a supervisor for one loop invocation. Nothing
// runs until Start.
func NewSupervisor(monitorID, command string, args []string, onEvent func(Event), log *slog.Logger) *Supervisor {
	return &Supervisor{
		monitorID: monitorID,
		command:   command,
		args:      args,
		onEvent:   onEvent,
		log:       log.With("monitorID", monitorID),
		waitDone:  make(chan struct{}),
	}
}

// SetDir sets the process working directory.
func (s *Supervisor) SetDir(dir string) { s.dir = dir }

// SetEnv appends extra environment variables to the inherited environment.
func (s *Supervisor) SetEnv(env []string) { s.env = env }

// PID returns the process ID, or 0 before Start.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Done is closed after the exit event has been delivered.
func (s *Supervisor) Done() <-chan struct{} { return s.waitDone }

// Start launches the process and begins streaming events. The process is
// placed in its own process group so Stop can take down its whole subtree.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("supervisor already started")
	}

	cmd := osexec.Command(s.command, s.args...)
	cmd.Dir = s.dir
	cmd.Env = append(os.Environ(), s.env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start loop process: %w", err)
	}

	s.cmd = cmd
	s.started = true
	s.log.Info("loop process started", "pid", cmd.Process.Pid, "command", s.command)

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		s.readStdout(stdout)
	}()
	go func() {
		defer readers.Done()
		s.drainStderr(stderr)
	}()
	go s.watchExit(&readers)

	return nil
}

// readStdout scans stdout line by line. Every line becomes an output
// event; full-line markers additionally become marker events. A marker
// embedded in a longer line is plain text, not progress.
func (s *Supervisor) readStdout(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		s.onEvent(Event{MonitorID: s.monitorID, Kind: EventOutput, Line: line})

		if m, ok := marker.Parse(line); ok {
			if m.IsTerminal() {
				s.mu.Lock()
				s.terminal = &m
				s.mu.Unlock()
			}
			s.onEvent(Event{MonitorID: s.monitorID, Kind: EventMarker, Marker: m})
		}
	}
	if err := scanner.Err(); err != nil {
		s.log.Warn("stdout read error", "error", err)
	}
}

// drainStderr keeps the pipe from filling up and surfaces diagnostics as
// tagged output lines.
func (s *Supervisor) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		s.log.Debug("loop stderr", "line", line)
		s.onEvent(Event{
			MonitorID: s.monitorID,
			Kind:      EventOutput,
			Line:      "[stderr] " + line,
			Stderr:    true,
		})
	}
}

// watchExit waits for the process and delivers the exit event once both
// readers have drained, so no output arrives after it. The readers must
// finish first: Wait closes the pipes, and calling it with reads still in
// flight can truncate the buffered tail, losing the terminal marker. The
// readers hit EOF when the process exits, so waiting on them cannot hang.
func (s *Supervisor) watchExit(readers *sync.WaitGroup) {
	readers.Wait()
	err := s.cmd.Wait()

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*osexec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	s.mu.Lock()
	terminal := s.terminal
	s.mu.Unlock()

	s.log.Info("loop process exited", "exitCode", exitCode)
	s.onEvent(Event{
		MonitorID: s.monitorID,
		Kind:      EventExited,
		ExitCode:  exitCode,
		ExitErr:   err,
		Terminal:  terminal,
	})
	close(s.waitDone)
}

// Stop kills the process group with SIGKILL. It returns once the exit
// event has been delivered or the timeout elapses. Stopping a finished
// supervisor is a no-op.
func (s *Supervisor) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	pid := 0
	if s.cmd.Process != nil {
		pid = s.cmd.Process.Pid
	}
	s.mu.Unlock()

	select {
	case <-s.waitDone:
		return nil
	default:
	}

	if pid > 0 {
		// Negative pid addresses the whole process group, taking any
		// children the loop spawned down with it.
		if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
			s.log.Warn("failed to kill process group, killing process only", "error", err)
			if err := s.cmd.Process.Kill(); err != nil {
				return fmt.Errorf("failed to kill loop process: %w", err)
			}
		}
	}

	select {
	case <-s.waitDone:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timed out waiting for loop process to exit")
	}
}
