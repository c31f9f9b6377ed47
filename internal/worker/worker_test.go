package worker

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/claude-memd/internal/llm"
	"github.com/nugget/claude-memd/internal/queue"
	"github.com/nugget/claude-memd/internal/sessions"
	"github.com/nugget/claude-memd/internal/storage"
)

// mockClient returns a canned response and counts calls.
type mockClient struct {
	calls   atomic.Int64
	content string
	tokens  int
}

func (m *mockClient) Complete(_ context.Context, _ llm.Request) (*llm.Response, error) {
	m.calls.Add(1)
	return &llm.Response{Content: m.content, TotalTokens: m.tokens}, nil
}

// failingClient always returns an error.
type failingClient struct {
	calls atomic.Int64
}

func (m *failingClient) Complete(_ context.Context, _ llm.Request) (*llm.Response, error) {
	m.calls.Add(1)
	return nil, fmt.Errorf("llm unavailable")
}

const cannedObservation = `<observation>
<type>discovery</type>
<title>Found the config loader</title>
<facts><fact>defaults apply when no file exists</fact></facts>
</observation>`

const cannedSummary = `<summary>
<request>wire up the config loader</request>
<completed>loader reads yaml with env expansion</completed>
</summary>`

type testEnv struct {
	db    *sql.DB
	queue *queue.Queue
	store *sessions.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := storage.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	q, err := queue.New(db, 3)
	if err != nil {
		t.Fatal(err)
	}
	store, err := sessions.New(db)
	if err != nil {
		t.Fatal(err)
	}
	return &testEnv{db: db, queue: q, store: store}
}

func (e *testEnv) initSession(t *testing.T) *sessions.Session {
	t.Helper()
	sess, err := e.store.InitSession("content-1", "myproject", "do the thing")
	if err != nil {
		t.Fatal(err)
	}
	return sess
}

func (e *testEnv) insertEvent(t *testing.T, sessionDBID int64) int64 {
	t.Helper()
	id, err := e.queue.InsertToolEvent(&queue.ToolEvent{
		SessionDBID:      sessionDBID,
		ContentSessionID: "content-1",
		ToolName:         "Read",
		ToolInput:        `{"path":"config.go"}`,
		ToolResponse:     "package config",
		CWD:              "/work",
		PromptNumber:     2,
		Project:          "myproject",
	})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}
