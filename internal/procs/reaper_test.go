package procs

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestParseEtime(t *testing.T) {
	cases := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"00:42", 42 * time.Second, false},
		{"05:30", 5*time.Minute + 30*time.Second, false},
		{"01:02:03", time.Hour + 2*time.Minute + 3*time.Second, false},
		{"2-03:04:05", 51*time.Hour + 4*time.Minute + 5*time.Second, false},
		{"10-00:00:01", 240*time.Hour + time.Second, false},
		{"42", 0, true},
		{"", 0, true},
		{"aa:bb", 0, true},
		{"1:2:3:4", 0, true},
	}

	for _, tc := range cases {
		got, err := ParseEtime(tc.in)
		if tc.wantErr != (err != nil) {
			t.Errorf("ParseEtime(%q) err = %v", tc.in, err)
			continue
		}
		if !tc.wantErr && got != tc.want {
			t.Errorf("ParseEtime(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

// fakeLister returns a fixed process list.
func fakeLister(procs []ProcessInfo) Lister {
	return func(context.Context) ([]ProcessInfo, error) {
		return procs, nil
	}
}

// deadPID is comfortably above the default pid_max, so the kill
// sequence reports success immediately.
const deadPID = 4194200

func newTestReaper(tracker *Tracker, procs []ProcessInfo) *Reaper {
	r := NewReaper(tracker, ReaperConfig{
		MaxAge:          30 * time.Minute,
		Signature:       "claude",
		GracefulTimeout: 50 * time.Millisecond,
	}, nil)
	r.SetLister(fakeLister(procs))
	return r
}

func TestScan_KillsOldOrphans(t *testing.T) {
	tracker := NewTracker(nil)
	r := newTestReaper(tracker, []ProcessInfo{
		{PID: deadPID, Age: time.Hour, Command: "claude --resume abc"},
	})

	result := r.Scan(context.Background())
	if result.Found != 1 || result.Killed != 1 || result.Failed != 0 {
		t.Errorf("result = %+v", result)
	}
}

func TestScan_SignatureFilter(t *testing.T) {
	tracker := NewTracker(nil)
	r := newTestReaper(tracker, []ProcessInfo{
		{PID: deadPID, Age: time.Hour, Command: "nginx -g daemon"},
		{PID: deadPID + 1, Age: time.Hour, Command: "/usr/bin/vim notes.md"},
	})

	result := r.Scan(context.Background())
	if result.Found != 0 {
		t.Errorf("unrelated processes matched: %+v", result)
	}
}

func TestScan_AgeFilter(t *testing.T) {
	tracker := NewTracker(nil)
	r := newTestReaper(tracker, []ProcessInfo{
		{PID: deadPID, Age: 5 * time.Minute, Command: "claude --resume abc"},
	})

	result := r.Scan(context.Background())
	if result.Found != 0 {
		t.Errorf("young process was targeted: %+v", result)
	}
}

func TestScan_ExcludesTrackedAndSelf(t *testing.T) {
	tracker := NewTracker(nil)
	proc := spawnSleeper(t)
	tracker.Register(1, proc, "claude agent")

	r := newTestReaper(tracker, []ProcessInfo{
		{PID: proc.Pid, Age: time.Hour, Command: "claude agent"},
		{PID: os.Getpid(), Age: time.Hour, Command: "claude-memd test harness"},
	})

	result := r.Scan(context.Background())
	if result.Found != 0 {
		t.Errorf("tracked or self process was targeted: %+v", result)
	}
	if VerifyDead(proc.Pid) {
		t.Error("tracked process was killed")
	}
	if tracker.Count() != 1 {
		t.Errorf("tracker count = %d, want 1", tracker.Count())
	}
}

func TestScan_TotalsAccumulate(t *testing.T) {
	tracker := NewTracker(nil)
	r := newTestReaper(tracker, []ProcessInfo{
		{PID: deadPID, Age: time.Hour, Command: "claude --resume abc"},
	})

	r.Scan(context.Background())
	r.Scan(context.Background())

	totals := r.Totals()
	if totals.Found != 2 || totals.Killed != 2 {
		t.Errorf("totals = %+v", totals)
	}
}

func TestReaper_StartStop(t *testing.T) {
	tracker := NewTracker(nil)
	r := NewReaper(tracker, ReaperConfig{
		Interval:  10 * time.Millisecond,
		Signature: "claude",
	}, nil)
	r.SetLister(fakeLister(nil))

	r.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	r.Stop()
}
