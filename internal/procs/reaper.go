package procs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Reaper defaults.
const (
	DefaultScanInterval = 5 * time.Minute
	DefaultMaxAge       = 30 * time.Minute
)

// ProcessInfo is one host process as seen by the enumerator.
type ProcessInfo struct {
	PID     int
	Age     time.Duration
	Command string
}

// Lister enumerates host processes. Swappable for tests.
type Lister func(ctx context.Context) ([]ProcessInfo, error)

// ScanResult holds the counts from one scan (or, via Totals, the
// running sums since start).
type ScanResult struct {
	Found  int `json:"found"`
	Killed int `json:"killed"`
	Failed int `json:"failed"`
}

// ReaperConfig controls the orphan scan.
type ReaperConfig struct {
	// Interval between scans. Default: 5 minutes.
	Interval time.Duration
	// MaxAge below which a matching process is left alone. Orphans are
	// possible because subprocesses may outlive their parent on crash;
	// the age filter prevents killing healthy short-lived agents.
	// Default: 30 minutes.
	MaxAge time.Duration
	// Signature is the command-line substring that identifies agent
	// subprocesses.
	Signature string
	// GracefulTimeout for the polite phase of each kill.
	GracefulTimeout time.Duration
}

func (c *ReaperConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultScanInterval
	}
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	if c.GracefulTimeout <= 0 {
		c.GracefulTimeout = DefaultGracefulTimeout
	}
}

// Reaper periodically finds and kills agent subprocesses that the
// tracker does not know about and that exceed the age threshold.
type Reaper struct {
	tracker *Tracker
	config  ReaperConfig
	list    Lister
	logger  *slog.Logger

	mu     sync.Mutex
	totals ScanResult

	cancel context.CancelFunc
	done   chan struct{}
}

// NewReaper creates a reaper over the host process table. Call Start
// to begin scanning.
func NewReaper(tracker *Tracker, cfg ReaperConfig, logger *slog.Logger) *Reaper {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		tracker: tracker,
		config:  cfg,
		list:    hostProcesses,
		logger:  logger.With("component", "reaper"),
		done:    make(chan struct{}),
	}
}

// Start begins the periodic scan loop.
func (r *Reaper) Start(ctx context.Context) {
	scanCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	go r.run(scanCtx)
}

// Stop cancels the loop and waits for it to exit.
func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	<-r.done
}

func (r *Reaper) run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			r.Scan(ctx)
		}
	}
}

// Scan runs one orphan sweep and returns its counts.
func (r *Reaper) Scan(ctx context.Context) ScanResult {
	var result ScanResult

	procs, err := r.list(ctx)
	if err != nil {
		r.logger.Warn("process enumeration failed", "error", err)
		return result
	}

	tracked := r.tracker.TrackedPIDs()
	self := os.Getpid()

	for _, p := range procs {
		if !strings.Contains(p.Command, r.config.Signature) {
			continue
		}
		if p.PID == self || tracked[p.PID] {
			continue
		}
		if p.Age < r.config.MaxAge {
			continue
		}

		result.Found++
		if KillProcess(p.PID, r.config.GracefulTimeout) {
			result.Killed++
			r.logger.Info("killed orphaned process",
				"pid", p.PID,
				"age", p.Age.Truncate(time.Second),
			)
		} else {
			result.Failed++
			r.logger.Warn("failed to kill orphaned process", "pid", p.PID)
		}
	}

	r.mu.Lock()
	r.totals.Found += result.Found
	r.totals.Killed += result.Killed
	r.totals.Failed += result.Failed
	r.mu.Unlock()

	return result
}

// Totals returns the running counts since start.
func (r *Reaper) Totals() ScanResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totals
}

// SetLister overrides process enumeration. Test hook.
func (r *Reaper) SetLister(l Lister) {
	r.list = l
}

// hostProcesses enumerates processes on the host: ps with etime on
// unix-likes, a CIM query on windows.
func hostProcesses(ctx context.Context) ([]ProcessInfo, error) {
	if runtime.GOOS == "windows" {
		return windowsProcesses(ctx)
	}
	return unixProcesses(ctx)
}

func unixProcesses(ctx context.Context) ([]ProcessInfo, error) {
	out, err := exec.CommandContext(ctx, "ps", "-axo", "pid=,etime=,command=").Output()
	if err != nil {
		return nil, fmt.Errorf("ps: %w", err)
	}

	var procs []ProcessInfo
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		age, err := ParseEtime(fields[1])
		if err != nil {
			continue
		}
		procs = append(procs, ProcessInfo{
			PID:     pid,
			Age:     age,
			Command: strings.Join(fields[2:], " "),
		})
	}
	return procs, nil
}

func windowsProcesses(ctx context.Context) ([]ProcessInfo, error) {
	// Emit pid|ageSeconds|commandline per process; computing the age in
	// PowerShell sidesteps locale-dependent date formats.
	script := `Get-CimInstance Win32_Process | ForEach-Object { ` +
		`'{0}|{1}|{2}' -f $_.ProcessId, [int]((Get-Date) - $_.CreationDate).TotalSeconds, $_.CommandLine }`
	out, err := exec.CommandContext(ctx, "powershell", "-NoProfile", "-Command", script).Output()
	if err != nil {
		return nil, fmt.Errorf("powershell: %w", err)
	}

	var procs []ProcessInfo
	for _, line := range strings.Split(string(out), "\n") {
		parts := strings.SplitN(strings.TrimSpace(line), "|", 3)
		if len(parts) < 3 {
			continue
		}
		pid, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}
		secs, err := strconv.Atoi(parts[1])
		if err != nil {
			continue
		}
		procs = append(procs, ProcessInfo{
			PID:     pid,
			Age:     time.Duration(secs) * time.Second,
			Command: parts[2],
		})
	}
	return procs, nil
}

// ParseEtime parses the composite [[DD-]HH:]MM:SS elapsed-time format
// produced by ps.
func ParseEtime(s string) (time.Duration, error) {
	var days int
	if i := strings.Index(s, "-"); i >= 0 {
		d, err := strconv.Atoi(s[:i])
		if err != nil {
			return 0, fmt.Errorf("parse etime %q: %w", s, err)
		}
		days = d
		s = s[i+1:]
	}

	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("parse etime %q: unexpected format", s)
	}

	var hours, mins, secs int
	var err error
	idx := 0
	if len(parts) == 3 {
		if hours, err = strconv.Atoi(parts[0]); err != nil {
			return 0, fmt.Errorf("parse etime %q: %w", s, err)
		}
		idx = 1
	}
	if mins, err = strconv.Atoi(parts[idx]); err != nil {
		return 0, fmt.Errorf("parse etime %q: %w", s, err)
	}
	if secs, err = strconv.Atoi(parts[idx+1]); err != nil {
		return 0, fmt.Errorf("parse etime %q: %w", s, err)
	}

	return time.Duration(days)*24*time.Hour +
		time.Duration(hours)*time.Hour +
		time.Duration(mins)*time.Minute +
		time.Duration(secs)*time.Second, nil
}
