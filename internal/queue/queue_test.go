package queue

import (
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/claude-memd/internal/storage"
)

func newTestQueue(t *testing.T) (*Queue, *sql.DB) {
	t.Helper()
	db, err := storage.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	q, err := New(db, 3)
	if err != nil {
		t.Fatal(err)
	}
	return q, db
}

func insertEvent(t *testing.T, q *Queue, sessionDBID int64, toolName string) int64 {
	t.Helper()
	id, err := q.InsertToolEvent(&ToolEvent{
		SessionDBID:      sessionDBID,
		ContentSessionID: "content-1",
		ToolName:         toolName,
		ToolInput:        `{"path":"main.go"}`,
		ToolResponse:     "file contents",
		CWD:              "/work",
		PromptNumber:     1,
		Project:          "myproject",
	})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestInsertToolEvent(t *testing.T) {
	q, _ := newTestQueue(t)

	id := insertEvent(t, q, 1, "Read")

	ev, err := q.GetToolEvent(id)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Status != StatusPending {
		t.Errorf("status = %q, want pending", ev.Status)
	}
	if ev.RetryCount != 0 {
		t.Errorf("retry_count = %d, want 0", ev.RetryCount)
	}
	if ev.CreatedAt == 0 {
		t.Error("created_at not set")
	}
	if ev.ObservationID != 0 {
		t.Errorf("observation_id = %d, want 0", ev.ObservationID)
	}
}

func TestInsertToolEvent_TruncatesResponse(t *testing.T) {
	q, _ := newTestQueue(t)

	big := strings.Repeat("x", ToolResponseMaxBytes+500)
	id, err := q.InsertToolEvent(&ToolEvent{
		SessionDBID:      1,
		ContentSessionID: "content-1",
		ToolName:         "Bash",
		ToolResponse:     big,
	})
	if err != nil {
		t.Fatal(err)
	}

	ev, err := q.GetToolEvent(id)
	if err != nil {
		t.Fatal(err)
	}
	want := ToolResponseMaxBytes + len(TruncationMarker)
	if len(ev.ToolResponse) != want {
		t.Errorf("stored response length = %d, want %d", len(ev.ToolResponse), want)
	}
	if !strings.HasSuffix(ev.ToolResponse, TruncationMarker) {
		t.Error("truncated response missing marker")
	}

	// At the boundary nothing is cut.
	exact := strings.Repeat("y", ToolResponseMaxBytes)
	id2, err := q.InsertToolEvent(&ToolEvent{
		SessionDBID:      1,
		ContentSessionID: "content-1",
		ToolName:         "Bash",
		ToolResponse:     exact,
	})
	if err != nil {
		t.Fatal(err)
	}
	ev2, err := q.GetToolEvent(id2)
	if err != nil {
		t.Fatal(err)
	}
	if len(ev2.ToolResponse) != ToolResponseMaxBytes {
		t.Errorf("boundary response length = %d, want %d", len(ev2.ToolResponse), ToolResponseMaxBytes)
	}
}

func TestClaimToolEvents_OldestFirstDisjoint(t *testing.T) {
	q, _ := newTestQueue(t)

	var ids []int64
	for i := 0; i < 5; i++ {
		ids = append(ids, insertEvent(t, q, 1, "Read"))
	}

	first, err := q.ClaimToolEvents(3)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 3 {
		t.Fatalf("claimed %d events, want 3", len(first))
	}
	for i, ev := range first {
		if ev.ID != ids[i] {
			t.Errorf("claim order: got id %d at position %d, want %d", ev.ID, i, ids[i])
		}
		if ev.Status != StatusSummarizing {
			t.Errorf("claimed event %d status = %q, want summarizing", ev.ID, ev.Status)
		}
	}

	second, err := q.ClaimToolEvents(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 2 {
		t.Fatalf("second claim got %d events, want 2", len(second))
	}
	claimed := make(map[int64]bool)
	for _, ev := range first {
		claimed[ev.ID] = true
	}
	for _, ev := range second {
		if claimed[ev.ID] {
			t.Errorf("event %d claimed twice", ev.ID)
		}
	}
}

func TestClaimToolEvents_ConcurrentClaimsDisjoint(t *testing.T) {
	q, _ := newTestQueue(t)

	for i := 0; i < 100; i++ {
		insertEvent(t, q, 1, "Read")
	}

	// Two claimants racing over the same pending set must never hand
	// out the same row twice: select and flip run in one transaction.
	const claimants = 2
	results := make([][]*ToolEvent, claimants)
	errs := make([]error, claimants)

	var wg sync.WaitGroup
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = q.ClaimToolEvents(10)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("claimant %d: %v", i, err)
		}
	}

	seen := make(map[int64]bool)
	total := 0
	for i, events := range results {
		for _, ev := range events {
			if seen[ev.ID] {
				t.Errorf("event %d claimed by more than one claimant", ev.ID)
			}
			seen[ev.ID] = true
		}
		total += len(results[i])
	}
	if total != 20 || len(seen) != 20 {
		t.Errorf("claimed %d rows across claimants (%d distinct), want 20 distinct", total, len(seen))
	}
}

func TestClaimToolEvents_Empty(t *testing.T) {
	q, _ := newTestQueue(t)

	events, err := q.ClaimToolEvents(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Errorf("claimed %d events from empty queue", len(events))
	}
}

func TestMarkToolEventCompleted(t *testing.T) {
	q, _ := newTestQueue(t)

	id := insertEvent(t, q, 1, "Read")
	if _, err := q.ClaimToolEvents(1); err != nil {
		t.Fatal(err)
	}

	if err := q.MarkToolEventCompleted(id, 42); err != nil {
		t.Fatal(err)
	}

	ev, err := q.GetToolEvent(id)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Status != StatusCompleted {
		t.Errorf("status = %q, want completed", ev.Status)
	}
	if ev.ObservationID != 42 {
		t.Errorf("observation_id = %d, want 42", ev.ObservationID)
	}
	if ev.SummarizedAt == 0 {
		t.Error("summarized_at not set")
	}
}

func TestMarkToolEventFailed_RetryBudget(t *testing.T) {
	q, _ := newTestQueue(t)

	id := insertEvent(t, q, 1, "Read")

	// First two failures revert to pending; the third exhausts the budget.
	for attempt := 1; attempt <= 3; attempt++ {
		if _, err := q.ClaimToolEvents(1); err != nil {
			t.Fatal(err)
		}
		if err := q.MarkToolEventFailed(id, "llm unavailable"); err != nil {
			t.Fatal(err)
		}

		ev, err := q.GetToolEvent(id)
		if err != nil {
			t.Fatal(err)
		}
		if ev.RetryCount != attempt {
			t.Errorf("attempt %d: retry_count = %d", attempt, ev.RetryCount)
		}
		want := StatusPending
		if attempt == 3 {
			want = StatusFailed
		}
		if ev.Status != want {
			t.Errorf("attempt %d: status = %q, want %q", attempt, ev.Status, want)
		}
		if ev.ErrorMessage != "llm unavailable" {
			t.Errorf("attempt %d: error_message = %q", attempt, ev.ErrorMessage)
		}
	}

	// Terminal: never claimed again.
	events, err := q.ClaimToolEvents(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Errorf("failed event was re-claimed")
	}
}

func TestReleaseStuckToolEvents(t *testing.T) {
	q, db := newTestQueue(t)

	id := insertEvent(t, q, 1, "Read")
	if _, err := q.ClaimToolEvents(1); err != nil {
		t.Fatal(err)
	}

	// A fresh claim is not stuck yet.
	n, err := q.ReleaseStuckToolEvents(5 * time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("released %d fresh rows", n)
	}

	// Age the row past the threshold.
	old := time.Now().Add(-10 * time.Minute).UnixMilli()
	if _, err := db.Exec(`UPDATE raw_tool_events SET created_at = ? WHERE id = ?`, old, id); err != nil {
		t.Fatal(err)
	}

	n, err = q.ReleaseStuckToolEvents(5 * time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("released %d rows, want 1", n)
	}

	ev, err := q.GetToolEvent(id)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Status != StatusPending {
		t.Errorf("status = %q, want pending", ev.Status)
	}
	if ev.RetryCount != 0 {
		t.Errorf("stall release changed retry_count to %d", ev.RetryCount)
	}
}

func TestReleaseStuckToolEvents_StartupReleasesAll(t *testing.T) {
	q, db := newTestQueue(t)

	id := insertEvent(t, q, 1, "Read")
	if _, err := q.ClaimToolEvents(1); err != nil {
		t.Fatal(err)
	}

	// Simulate rows left over from a previous process: created in the past.
	old := time.Now().Add(-time.Second).UnixMilli()
	if _, err := db.Exec(`UPDATE raw_tool_events SET created_at = ? WHERE id = ?`, old, id); err != nil {
		t.Fatal(err)
	}

	n, err := q.ReleaseStuckToolEvents(0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("startup release freed %d rows, want 1", n)
	}
}

func TestDeleteCompletedToolEvents(t *testing.T) {
	q, _ := newTestQueue(t)

	done := insertEvent(t, q, 1, "Read")
	pending := insertEvent(t, q, 1, "Write")

	if _, err := q.ClaimToolEvents(1); err != nil {
		t.Fatal(err)
	}
	if err := q.MarkToolEventCompleted(done, 1); err != nil {
		t.Fatal(err)
	}

	n, err := q.DeleteCompletedToolEvents(time.Now().Add(time.Minute).UnixMilli())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("deleted %d rows, want 1", n)
	}

	if _, err := q.GetToolEvent(done); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("completed row still present, err = %v", err)
	}
	if _, err := q.GetToolEvent(pending); err != nil {
		t.Errorf("pending row was deleted: %v", err)
	}
}

func TestInsertSummaryRequest_DuplicateGuard(t *testing.T) {
	q, _ := newTestQueue(t)

	req := &SummaryRequest{
		SessionDBID:      7,
		ContentSessionID: "content-7",
		Project:          "myproject",
		UserPrompt:       "fix the bug",
	}

	id, err := q.InsertSummaryRequest(req)
	if err != nil {
		t.Fatal(err)
	}

	// Second insert while the first is pending.
	if _, err := q.InsertSummaryRequest(req); !errors.Is(err, ErrDuplicateSummaryPending) {
		t.Errorf("duplicate insert err = %v, want ErrDuplicateSummaryPending", err)
	}

	// Still blocked while summarizing.
	if _, err := q.ClaimSummaryRequests(1); err != nil {
		t.Fatal(err)
	}
	if _, err := q.InsertSummaryRequest(req); !errors.Is(err, ErrDuplicateSummaryPending) {
		t.Errorf("insert during summarizing err = %v, want ErrDuplicateSummaryPending", err)
	}

	// A different session is unaffected.
	other := &SummaryRequest{SessionDBID: 8, ContentSessionID: "content-8"}
	if _, err := q.InsertSummaryRequest(other); err != nil {
		t.Errorf("unrelated session blocked: %v", err)
	}

	// Completion clears the way for the next turn.
	if err := q.MarkSummaryCompleted(id, 99); err != nil {
		t.Fatal(err)
	}
	if _, err := q.InsertSummaryRequest(req); err != nil {
		t.Errorf("insert after completion failed: %v", err)
	}
}

func TestMarkSummaryFailed_RetryBudget(t *testing.T) {
	q, _ := newTestQueue(t)

	id, err := q.InsertSummaryRequest(&SummaryRequest{
		SessionDBID:      1,
		ContentSessionID: "content-1",
	})
	if err != nil {
		t.Fatal(err)
	}

	for attempt := 1; attempt <= 3; attempt++ {
		if _, err := q.ClaimSummaryRequests(1); err != nil {
			t.Fatal(err)
		}
		if err := q.MarkSummaryFailed(id, "parse failure"); err != nil {
			t.Fatal(err)
		}
	}

	r, err := q.GetSummaryRequest(id)
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != StatusFailed {
		t.Errorf("status = %q, want failed", r.Status)
	}
	if r.RetryCount != 3 {
		t.Errorf("retry_count = %d, want 3", r.RetryCount)
	}
}

func TestSummaryRequest_NullMemorySessionID(t *testing.T) {
	q, _ := newTestQueue(t)

	id, err := q.InsertSummaryRequest(&SummaryRequest{
		SessionDBID:      1,
		ContentSessionID: "content-1",
	})
	if err != nil {
		t.Fatal(err)
	}

	r, err := q.GetSummaryRequest(id)
	if err != nil {
		t.Fatal(err)
	}
	if r.MemorySessionID != "" {
		t.Errorf("memory_session_id = %q, want empty", r.MemorySessionID)
	}
}

func TestStats(t *testing.T) {
	q, _ := newTestQueue(t)

	a := insertEvent(t, q, 1, "Read")
	insertEvent(t, q, 1, "Write")
	b := insertEvent(t, q, 2, "Bash")

	if _, err := q.ClaimToolEvents(1); err != nil {
		t.Fatal(err)
	}
	if err := q.MarkToolEventCompleted(a, 1); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if err := q.MarkToolEventFailed(b, "boom"); err != nil {
			t.Fatal(err)
		}
	}

	s, err := q.ToolEventStats()
	if err != nil {
		t.Fatal(err)
	}
	if s.Pending != 1 || s.Completed != 1 || s.Failed != 1 || s.Summarizing != 0 {
		t.Errorf("stats = %+v", s)
	}
}
