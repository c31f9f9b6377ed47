package sessions

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/nugget/claude-memd/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := New(db)
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func TestInitSession_Idempotent(t *testing.T) {
	store := newTestStore(t)

	first, err := store.InitSession("content-abc", "myproject", "fix the parser")
	if err != nil {
		t.Fatal(err)
	}
	if first.ID == 0 {
		t.Fatal("session id not assigned")
	}
	if _, err := uuid.Parse(first.MemorySessionID); err != nil {
		t.Errorf("memory session id %q is not a UUID: %v", first.MemorySessionID, err)
	}

	second, err := store.InitSession("content-abc", "myproject", "fix the parser")
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Errorf("re-init assigned new id %d, want %d", second.ID, first.ID)
	}
	if second.MemorySessionID != first.MemorySessionID {
		t.Error("re-init rotated the memory session id")
	}
}

func TestGetSession_NotFound(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.GetSessionByID(999); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if _, err := store.GetSessionByContentID("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStoreObservations_OrderAndRoundtrip(t *testing.T) {
	store := newTestStore(t)

	sess, err := store.InitSession("content-abc", "myproject", "")
	if err != nil {
		t.Fatal(err)
	}

	obs := []Observation{
		{
			Type:          "discovery",
			Title:         "Queue uses status column as lease",
			Facts:         []string{"pending rows are unclaimed", "summarizing rows are leased"},
			Concepts:      []string{"queue", "sqlite"},
			FilesRead:     []string{"internal/queue/queue.go"},
			FilesModified: nil,
		},
		{
			Type:  "bugfix",
			Title: "Stall release skipped fresh rows",
		},
	}

	result, err := store.StoreObservations(sess.MemorySessionID, "myproject", obs, nil, 3, 120)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.ObservationIDs) != 2 {
		t.Fatalf("got %d ids, want 2", len(result.ObservationIDs))
	}
	if result.ObservationIDs[0] >= result.ObservationIDs[1] {
		t.Error("ids not in input order")
	}
	if result.SummaryID != 0 {
		t.Errorf("summary id = %d with no summary", result.SummaryID)
	}

	got, err := store.GetObservation(result.ObservationIDs[0])
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != obs[0].Title {
		t.Errorf("title = %q", got.Title)
	}
	if len(got.Facts) != 2 || got.Facts[1] != "summarizing rows are leased" {
		t.Errorf("facts = %v", got.Facts)
	}
	if len(got.FilesModified) != 0 {
		t.Errorf("files_modified = %v, want empty", got.FilesModified)
	}
}

func TestStoreObservations_WithSummary(t *testing.T) {
	store := newTestStore(t)

	sess, err := store.InitSession("content-abc", "myproject", "")
	if err != nil {
		t.Fatal(err)
	}

	sum := &Summary{
		Request:   "add retry budget to the queue",
		Completed: "retry counter and failed bucket implemented",
	}

	result, err := store.StoreObservations(sess.MemorySessionID, "myproject", nil, sum, 0, 80)
	if err != nil {
		t.Fatal(err)
	}
	if result.SummaryID == 0 {
		t.Error("summary id not assigned")
	}
	if len(result.ObservationIDs) != 0 {
		t.Errorf("observation ids = %v, want none", result.ObservationIDs)
	}
}

func TestGetRecentObservations(t *testing.T) {
	store := newTestStore(t)

	sess, err := store.InitSession("content-abc", "myproject", "")
	if err != nil {
		t.Fatal(err)
	}

	titles := []string{"first", "second", "third"}
	for _, title := range titles {
		_, err := store.StoreObservations(sess.MemorySessionID, "myproject",
			[]Observation{{Type: "discovery", Title: title}}, nil, 0, 0)
		if err != nil {
			t.Fatal(err)
		}
	}

	// A different project must not leak in.
	_, err = store.StoreObservations(sess.MemorySessionID, "otherproject",
		[]Observation{{Type: "discovery", Title: "elsewhere"}}, nil, 0, 0)
	if err != nil {
		t.Fatal(err)
	}

	recent, err := store.GetRecentObservations("myproject", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 {
		t.Fatalf("got %d observations, want 2", len(recent))
	}
	if recent[0].Text != "third" || recent[1].Text != "second" {
		t.Errorf("order = [%s, %s], want newest first", recent[0].Text, recent[1].Text)
	}
	if recent[0].Type != "discovery" {
		t.Errorf("type = %q", recent[0].Type)
	}
}

func TestGetObservation_NotFound(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.GetObservation(12345); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
