// Package monitor supervises clanker-loop processes: one monitor per pull
// request, a registry enforcing that, and the event plumbing that turns
// process output into persisted state transitions.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ANonABento/clanker-spanker/logger"
	"github.com/ANonABento/clanker-spanker/loop"
	"github.com/ANonABento/clanker-spanker/marker"
	"github.com/ANonABento/clanker-spanker/store"
)

var (
	// ErrAlreadyMonitoring means the PR already has a non-terminal monitor.
	ErrAlreadyMonitoring = errors.New("pull request is already being monitored")

	// ErrNotActive means the monitor exists but is already terminal.
	ErrNotActive = errors.New("monitor is not active")
)

const stopTimeout = 10 * time.Second

// Process is a running loop process as the manager sees it. The real
// implementation is Supervisor; tests substitute their own.
type Process interface {
	PID() int
	Stop(timeout time.Duration) error
	Done() <-chan struct{}
}

// Launcher starts a loop process and wires its events to onEvent. It
// exists so tests can run monitors without spawning real processes.
type Launcher func(monitorID, command string, args []string, dir string, onEvent func(Event), log *slog.Logger) (Process, error)

func launchSupervisor(monitorID, command string, args []string, dir string, onEvent func(Event), log *slog.Logger) (Process, error) {
	sup := NewSupervisor(monitorID, command, args, onEvent, log)
	sup.SetDir(dir)
	if err := sup.Start(); err != nil {
		return nil, err
	}
	return sup, nil
}

// StartOptions configures one monitor. Zero MaxIterations and
// IntervalMinutes fall back to the manager defaults.
type StartOptions struct {
	Repo            string
	Number          int
	MaxIterations   int
	IntervalMinutes int
}

// ManagerConfig wires a Manager's collaborators.
type ManagerConfig struct {
	Store  store.Store
	Sink   *OutputSink
	Logger *slog.Logger

	// LoopCommand is the binary to run per monitor, "clanker-loop" by
	// default.
	LoopCommand string

	DefaultMaxIterations   int
	DefaultIntervalMinutes int

	// CloneResolver maps a repo to a local working directory. Optional;
	// without it the loop runs in the daemon's working directory.
	CloneResolver loop.CloneResolver

	// Launcher overrides process creation (for testing).
	Launcher Launcher
}

type activeMonitor struct {
	record        *store.Monitor
	proc          Process
	stopRequested bool
}

// Manager owns the monitor registry. All registry and record mutation goes
// through one mutex, which is what makes concurrent starts for the same PR
// resolve to exactly one winner.
type Manager struct {
	store    store.Store
	sink     *OutputSink
	log      *slog.Logger
	launch   Launcher
	loopCmd  string
	resolver loop.CloneResolver

	defaultMaxIterations int
	defaultInterval      int

	mu          sync.Mutex
	active      map[string]*activeMonitor // by monitor ID
	byPR        map[string]string         // prRef -> monitor ID
	watchers    map[int]chan *store.Monitor
	nextWatcher int
}

// NewManager creates a Manager from cfg. Store, Sink and Logger are
// required.
func NewManager(cfg ManagerConfig) *Manager {
	launch := cfg.Launcher
	if launch == nil {
		launch = launchSupervisor
	}
	loopCmd := cfg.LoopCommand
	if loopCmd == "" {
		loopCmd = "clanker-loop"
	}
	return &Manager{
		store:                cfg.Store,
		sink:                 cfg.Sink,
		log:                  cfg.Logger.With("component", "manager"),
		launch:               launch,
		loopCmd:              loopCmd,
		resolver:             cfg.CloneResolver,
		defaultMaxIterations: cfg.DefaultMaxIterations,
		defaultInterval:      cfg.DefaultIntervalMinutes,
		active:               make(map[string]*activeMonitor),
		byPR:                 make(map[string]string),
		watchers:             make(map[int]chan *store.Monitor),
	}
}

// Reconcile fails every monitor the database still believes is active.
// Call once at daemon startup, before any Start: those processes did not
// survive the previous daemon.
func (m *Manager) Reconcile(ctx context.Context) (int, error) {
	n, err := m.store.MarkOrphans(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.log.Info("marked orphaned monitors as failed", "count", n)
	}
	return n, nil
}

// Start launches a monitor for the given PR. At most one non-terminal
// monitor may exist per PR; a second start returns ErrAlreadyMonitoring
// with no side effects.
func (m *Manager) Start(ctx context.Context, opts StartOptions) (*store.Monitor, error) {
	if opts.Repo == "" || opts.Number <= 0 {
		return nil, fmt.Errorf("invalid monitor target %q #%d", opts.Repo, opts.Number)
	}
	maxIterations := opts.MaxIterations
	if maxIterations <= 0 {
		maxIterations = m.defaultMaxIterations
	}
	interval := opts.IntervalMinutes
	if interval <= 0 {
		interval = m.defaultInterval
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	prRef := fmt.Sprintf("%s#%d", opts.Repo, opts.Number)
	if _, exists := m.byPR[prRef]; exists {
		return nil, ErrAlreadyMonitoring
	}
	// The registry is empty after a restart; the database is the longer
	// memory.
	existing, err := m.store.ActiveForPR(ctx, opts.Repo, opts.Number)
	if err != nil {
		return nil, fmt.Errorf("failed to check for active monitor: %w", err)
	}
	if existing != nil {
		return nil, ErrAlreadyMonitoring
	}

	id := uuid.New().String()
	logFile, err := logger.LoopLogPath(id)
	if err != nil {
		m.log.Warn("failed to resolve loop log path", "error", err)
		logFile = ""
	}
	// Seed a schedule estimate; the first iteration marker replaces it.
	now := time.Now()
	firstCheck := now.Add(time.Duration(interval) * time.Minute)
	record := &store.Monitor{
		ID:              id,
		Repo:            opts.Repo,
		Number:          opts.Number,
		Status:          store.StatusRunning,
		MaxIterations:   maxIterations,
		IntervalMinutes: interval,
		LogFile:         logFile,
		StartedAt:       now,
		NextCheckAt:     &firstCheck,
	}

	if err := m.store.Insert(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to persist monitor: %w", err)
	}

	dir := ""
	if m.resolver != nil {
		if path, ok := m.resolver.Resolve(ctx, opts.Repo); ok {
			dir = path
		} else {
			m.log.Warn("no local clone found for repo", "repo", opts.Repo)
		}
	}

	args := []string{
		"-repo", opts.Repo,
		"-pr", strconv.Itoa(opts.Number),
		"-max-iterations", strconv.Itoa(maxIterations),
		"-interval", strconv.Itoa(interval),
		"-log-file", record.LogFile,
	}
	proc, err := m.launch(record.ID, m.loopCmd, args, dir, m.handleEvent, m.log)
	if err != nil {
		now := time.Now()
		record.Status = store.StatusFailed
		record.ExitReason = store.ExitProcessError
		record.EndedAt = &now
		if uerr := m.store.Update(ctx, record); uerr != nil {
			m.log.Error("failed to persist launch failure", "error", uerr)
		}
		return nil, fmt.Errorf("failed to launch loop process: %w", err)
	}

	record.PID = proc.PID()
	if err := m.store.Update(ctx, record); err != nil {
		m.log.Error("failed to persist loop pid", "error", err)
	}

	m.active[record.ID] = &activeMonitor{record: record, proc: proc}
	m.byPR[prRef] = record.ID
	m.log.Info("monitor started",
		"monitorID", record.ID, "pr", prRef, "pid", record.PID,
		"maxIterations", maxIterations, "intervalMinutes", interval)
	m.publishLocked(record)

	return snapshot(record), nil
}

// Stop kills an active monitor. The resulting terminal state is
// stopped/user_stopped no matter what the process manages to print on the
// way down.
func (m *Manager) Stop(ctx context.Context, id string) error {
	m.mu.Lock()
	am, ok := m.active[id]
	if !ok {
		m.mu.Unlock()
		record, err := m.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if record.Status.Terminal() {
			return ErrNotActive
		}
		// Non-terminal in the database but not in the registry: an
		// orphan Reconcile has not seen yet.
		return ErrNotActive
	}
	am.stopRequested = true
	proc := am.proc
	m.mu.Unlock()

	m.log.Info("stopping monitor", "monitorID", id)
	return proc.Stop(stopTimeout)
}

// Get returns the monitor with the given ID.
func (m *Manager) Get(ctx context.Context, id string) (*store.Monitor, error) {
	m.mu.Lock()
	if am, ok := m.active[id]; ok {
		rec := snapshot(am.record)
		m.mu.Unlock()
		return rec, nil
	}
	m.mu.Unlock()
	return m.store.Get(ctx, id)
}

// GetActiveForPR returns the non-terminal monitor for the PR, or nil.
func (m *Manager) GetActiveForPR(ctx context.Context, repo string, number int) (*store.Monitor, error) {
	m.mu.Lock()
	prRef := fmt.Sprintf("%s#%d", repo, number)
	if id, ok := m.byPR[prRef]; ok {
		rec := snapshot(m.active[id].record)
		m.mu.Unlock()
		return rec, nil
	}
	m.mu.Unlock()
	return m.store.ActiveForPR(ctx, repo, number)
}

// List returns monitors matching the filter.
func (m *Manager) List(ctx context.Context, filter store.ListFilter) ([]*store.Monitor, error) {
	return m.store.List(ctx, filter)
}

// Output returns retained output lines, optionally for one monitor.
func (m *Manager) Output(monitorID string) []OutputLine {
	return m.sink.Lines(monitorID)
}

// Watch returns a channel receiving a snapshot after every persisted state
// change, and a cancel function. Slow watchers lose updates.
func (m *Manager) Watch() (<-chan *store.Monitor, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextWatcher
	m.nextWatcher++
	ch := make(chan *store.Monitor, 16)
	m.watchers[id] = ch

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if w, ok := m.watchers[id]; ok {
			delete(m.watchers, id)
			close(w)
		}
	}
	return ch, cancel
}

// StopAll stops every active monitor, for daemon shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Stop(ctx, id); err != nil {
			m.log.Warn("failed to stop monitor during shutdown", "monitorID", id, "error", err)
		}
	}
}

// handleEvent is the supervisor callback. It serializes through the
// registry mutex, persists the change, and only then publishes it.
func (m *Manager) handleEvent(ev Event) {
	if ev.Kind == EventOutput {
		m.sink.Append(OutputLine{
			MonitorID: ev.MonitorID,
			Text:      ev.Line,
			Stderr:    ev.Stderr,
			Time:      time.Now(),
		})
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	am, ok := m.active[ev.MonitorID]
	if !ok {
		// Late event for a monitor that already went terminal. Output
		// was captured above; state stays put.
		return
	}

	switch ev.Kind {
	case EventMarker:
		if am.record.Status.Terminal() {
			return
		}
		if !m.applyMarker(am.record, ev.Marker) {
			return
		}
	case EventExited:
		m.applyExit(am, ev)
		prRef := am.record.PRRef()
		delete(m.active, ev.MonitorID)
		delete(m.byPR, prRef)
	}

	if err := m.store.Update(context.Background(), am.record); err != nil {
		m.log.Error("failed to persist monitor state", "monitorID", ev.MonitorID, "error", err)
	}
	m.publishLocked(am.record)
}

// applyMarker folds a progress marker into the record. Returns false for
// markers that change nothing. Malformed payloads on known tags are
// dropped; the raw line already went to the output sink.
func (m *Manager) applyMarker(record *store.Monitor, mk marker.Marker) bool {
	now := time.Now()
	switch mk.Tag {
	case marker.TagIteration:
		n, _, err := mk.Pair()
		if err != nil {
			m.log.Debug("malformed iteration marker", "payload", mk.Payload)
			return false
		}
		record.Iteration = n
		record.Status = store.StatusRunning
		record.LastCheckAt = &now
		record.NextCheckAt = nil
	case marker.TagSleeping:
		mins, err := mk.Int()
		if err != nil {
			m.log.Debug("malformed sleeping marker", "payload", mk.Payload)
			return false
		}
		next := now.Add(time.Duration(mins) * time.Minute)
		record.Status = store.StatusSleeping
		record.NextCheckAt = &next
	case marker.TagCIStatus, marker.TagCIWait:
		// Informational only. A sleeping monitor stays sleeping; only
		// an iteration marker wakes it.
		record.LastCheckAt = &now
	case marker.TagCommentsFound:
		n, err := mk.Int()
		if err != nil {
			m.log.Debug("malformed comments marker", "payload", mk.Payload)
			return false
		}
		record.CommentsFixed += n
		record.LastCheckAt = &now
	case marker.TagStatus:
		// Terminal classification happens on exit, not on the marker
		// itself: a process can print clean and then crash.
		record.LastCheckAt = &now
	default:
		// Unknown tag, forward-compatible: visible in output, no state
		// effect.
		return false
	}
	return true
}

// applyExit classifies the terminal state. A user stop wins outright;
// otherwise the terminal marker decides, and its absence is a process
// error regardless of exit code.
func (m *Manager) applyExit(am *activeMonitor, ev Event) {
	now := time.Now()
	record := am.record
	record.PID = 0
	record.EndedAt = &now
	record.NextCheckAt = nil

	switch {
	case am.stopRequested:
		record.Status = store.StatusStopped
		record.ExitReason = store.ExitUserStopped
	case ev.Terminal != nil && ev.Terminal.Payload == marker.StatusClean:
		record.Status = store.StatusCompleted
		record.ExitReason = store.ExitPRClean
	case ev.Terminal != nil && ev.Terminal.Payload == marker.StatusMaxIterations:
		record.Status = store.StatusCompleted
		record.ExitReason = store.ExitMaxIterations
	default:
		record.Status = store.StatusFailed
		record.ExitReason = store.ExitProcessError
	}

	m.log.Info("monitor finished",
		"monitorID", record.ID, "pr", record.PRRef(),
		"status", record.Status, "exitReason", record.ExitReason,
		"exitCode", ev.ExitCode, "iteration", record.Iteration)
}

// publishLocked fans a snapshot out to watchers. Callers hold m.mu; the
// store write has already happened.
func (m *Manager) publishLocked(record *store.Monitor) {
	snap := snapshot(record)
	for _, ch := range m.watchers {
		select {
		case ch <- snap:
		default:
		}
	}
}

// snapshot copies a record so callers cannot mutate registry state.
func snapshot(record *store.Monitor) *store.Monitor {
	out := *record
	if record.LastCheckAt != nil {
		t := *record.LastCheckAt
		out.LastCheckAt = &t
	}
	if record.NextCheckAt != nil {
		t := *record.NextCheckAt
		out.NextCheckAt = &t
	}
	if record.EndedAt != nil {
		t := *record.EndedAt
		out.EndedAt = &t
	}
	return &out
}
