// Package procs supervises the agent subprocesses spawned on behalf
// of the LLM agent. The Tracker owns the happy path (we spawned it, we
// own it); the Reaper owns the unhappy path (a prior crash leaked
// something). The two share the kill sequence but nothing else.
package procs

import (
	"errors"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"
)

// DefaultGracefulTimeout is how long Terminate waits after the polite
// signal before escalating to a force kill.
const DefaultGracefulTimeout = 5 * time.Second

// forceWait is the additional wait after a force kill before the
// final liveness probe.
const forceWait = 2 * time.Second

// probeInterval is the poll interval while waiting for a process to die.
const probeInterval = 50 * time.Millisecond

// TrackedProcess is one registered agent subprocess. In-memory only;
// a restart forgets these, which is exactly what the Reaper is for.
type TrackedProcess struct {
	Handle      *os.Process
	PID         int
	SessionDBID int64
	SpawnedAt   time.Time
	Command     string
}

// Tracker is the in-process registry of spawned agent subprocesses,
// keyed by session db id. One per service instance.
type Tracker struct {
	mu     sync.Mutex
	procs  map[int64]*TrackedProcess
	logger *slog.Logger
}

// NewTracker creates an empty tracker.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		procs:  make(map[int64]*TrackedProcess),
		logger: logger.With("component", "proctracker"),
	}
}

// Register records a spawned process for a session. Idempotent
// overwrite: a new spawn for the same session replaces the old record.
// A watcher goroutine removes the record when the process exits.
func (t *Tracker) Register(sessionDBID int64, handle *os.Process, command string) {
	rec := &TrackedProcess{
		Handle:      handle,
		PID:         handle.Pid,
		SessionDBID: sessionDBID,
		SpawnedAt:   time.Now(),
		Command:     command,
	}

	t.mu.Lock()
	t.procs[sessionDBID] = rec
	t.mu.Unlock()

	t.logger.Debug("registered process", "session", sessionDBID, "pid", rec.PID)

	go func() {
		_, _ = handle.Wait()
		t.removeIfCurrent(sessionDBID, rec.PID)
	}()
}

// removeIfCurrent drops the record for a session only if it still
// refers to the given pid. A re-registered session keeps its new record.
func (t *Tracker) removeIfCurrent(sessionDBID int64, pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.procs[sessionDBID]; ok && rec.PID == pid {
		delete(t.procs, sessionDBID)
		t.logger.Debug("process exited", "session", sessionDBID, "pid", pid)
	}
}

// Terminate stops the tracked process for a session: polite signal,
// graceful wait, force kill, short wait, then a liveness probe.
// Returns whether the pid is gone afterwards. A session with no
// tracked process returns true.
func (t *Tracker) Terminate(sessionDBID int64, gracefulTimeout time.Duration) bool {
	t.mu.Lock()
	rec, ok := t.procs[sessionDBID]
	if ok {
		delete(t.procs, sessionDBID)
	}
	t.mu.Unlock()

	if !ok {
		return true
	}

	dead := KillProcess(rec.PID, gracefulTimeout)
	if dead {
		t.logger.Info("terminated process", "session", sessionDBID, "pid", rec.PID)
	} else {
		t.logger.Warn("process survived termination", "session", sessionDBID, "pid", rec.PID)
	}
	return dead
}

// TerminateAll is the best-effort bulk shutdown invoked on service
// stop. Returns counts of terminated and surviving processes.
func (t *Tracker) TerminateAll() (terminated, failed int) {
	t.mu.Lock()
	sessions := make([]int64, 0, len(t.procs))
	for id := range t.procs {
		sessions = append(sessions, id)
	}
	t.mu.Unlock()

	for _, id := range sessions {
		if t.Terminate(id, DefaultGracefulTimeout) {
			terminated++
		} else {
			failed++
		}
	}
	return terminated, failed
}

// Count returns the number of tracked processes.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.procs)
}

// TrackedPIDs returns the set of pids currently tracked. Read-only
// snapshot for the reaper's exclusion check.
func (t *Tracker) TrackedPIDs() map[int]bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	pids := make(map[int]bool, len(t.procs))
	for _, rec := range t.procs {
		pids[rec.PID] = true
	}
	return pids
}

// KillProcess runs the polite-then-forceful sequence against a pid and
// reports whether it is gone. Shared by the tracker and the reaper.
func KillProcess(pid int, gracefulTimeout time.Duration) bool {
	if gracefulTimeout <= 0 {
		gracefulTimeout = DefaultGracefulTimeout
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		// Windows returns an error for missing pids.
		return true
	}

	_ = proc.Signal(syscall.SIGTERM)
	if waitDead(pid, gracefulTimeout) {
		return true
	}

	_ = proc.Kill()
	if waitDead(pid, forceWait) {
		return true
	}

	return VerifyDead(pid)
}

// waitDead polls the liveness probe until the pid is gone or the
// timeout elapses.
func waitDead(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if VerifyDead(pid) {
			return true
		}
		time.Sleep(probeInterval)
	}
	return VerifyDead(pid)
}

// VerifyDead probes a pid with the zero-impact signal. "No such
// process" counts as dead; a permission error means something is alive
// at that pid.
func VerifyDead(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return true
	}

	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH) {
		return true
	}
	// EPERM: alive but owned by someone else.
	if errors.Is(err, syscall.EPERM) {
		return false
	}
	return true
}
