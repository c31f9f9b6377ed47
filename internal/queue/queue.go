// Package queue implements the durable raw-event queue. Hooks append
// rows on the latency-critical intake path; background workers claim,
// summarize, and mark them. The lease is encoded as a status column:
// a row in "summarizing" belongs to exactly one worker until it is
// marked, fails, or stalls out and is released.
package queue

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Row status lifecycle: pending → summarizing → completed | failed,
// with summarizing → pending on retry or stall release.
const (
	StatusPending     = "pending"
	StatusSummarizing = "summarizing"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
)

// ToolResponseMaxBytes caps stored tool responses so a single chatty
// tool cannot blow up row size. Oversized responses are cut at this
// boundary and tagged with TruncationMarker.
const ToolResponseMaxBytes = 50_000

// TruncationMarker is appended to truncated tool responses.
const TruncationMarker = "\n\n[... output truncated ...]"

// DefaultMaxRetries is the per-row retry budget.
const DefaultMaxRetries = 3

// ErrDuplicateSummaryPending is returned by InsertSummaryRequest when
// the session already has a request in flight. One summary per turn;
// the hook treats this as success.
var ErrDuplicateSummaryPending = errors.New("summary request already pending for session")

// ToolEvent is one raw tool invocation captured verbatim from a hook.
type ToolEvent struct {
	ID               int64
	SessionDBID      int64
	ContentSessionID string
	ToolName         string
	ToolInput        string // serialized payload, opaque to the queue
	ToolResponse     string // serialized payload, truncated at ToolResponseMaxBytes
	CWD              string
	PromptNumber     int
	Project          string
	Status           string
	RetryCount       int
	CreatedAt        int64 // epoch milliseconds
	SummarizedAt     int64
	ObservationID    int64 // 0 until completed; may stay 0 ("intentionally dropped")
	ErrorMessage     string
}

// SummaryRequest is one end-of-turn session summary request.
type SummaryRequest struct {
	ID                   int64
	SessionDBID          int64
	ContentSessionID     string
	MemorySessionID      string // denormalized; may be stale, re-fetched at materialization
	Project              string
	UserPrompt           string
	LastAssistantMessage string
	Status               string
	RetryCount           int
	CreatedAt            int64
	SummarizedAt         int64
	SummaryID            int64
	ErrorMessage         string
}

// Stats holds per-status row counts for one table.
type Stats struct {
	Pending     int `json:"pending"`
	Summarizing int `json:"summarizing"`
	Completed   int `json:"completed"`
	Failed      int `json:"failed"`
}

// Queue is the SQLite-backed durable event queue.
type Queue struct {
	db         *sql.DB
	maxRetries int
}

// New attaches the queue tables to db and returns the queue.
// maxRetries <= 0 selects DefaultMaxRetries.
func New(db *sql.DB, maxRetries int) (*Queue, error) {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	q := &Queue{db: db, maxRetries: maxRetries}
	if err := q.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return q, nil
}

func (q *Queue) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS raw_tool_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_db_id INTEGER NOT NULL,
		content_session_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		tool_input TEXT,
		tool_response TEXT,
		cwd TEXT,
		prompt_number INTEGER NOT NULL DEFAULT 0,
		project TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		retry_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		summarized_at INTEGER,
		observation_id INTEGER,
		error_message TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_raw_tool_events_status ON raw_tool_events(status, created_at);
	CREATE INDEX IF NOT EXISTS idx_raw_tool_events_session ON raw_tool_events(session_db_id);

	CREATE TABLE IF NOT EXISTS raw_summary_requests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_db_id INTEGER NOT NULL,
		content_session_id TEXT NOT NULL,
		memory_session_id TEXT,
		project TEXT,
		user_prompt TEXT,
		last_assistant_message TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		retry_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		summarized_at INTEGER,
		summary_id INTEGER,
		error_message TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_raw_summary_requests_status ON raw_summary_requests(status, created_at);
	CREATE INDEX IF NOT EXISTS idx_raw_summary_requests_session ON raw_summary_requests(session_db_id);
	`

	_, err := q.db.Exec(schema)
	return err
}

// MaxRetries returns the configured retry budget.
func (q *Queue) MaxRetries() int {
	return q.maxRetries
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// truncateResponse cuts s at ToolResponseMaxBytes and appends the marker.
func truncateResponse(s string) string {
	if len(s) <= ToolResponseMaxBytes {
		return s
	}
	return s[:ToolResponseMaxBytes] + TruncationMarker
}

// InsertToolEvent appends a raw tool event with status pending and
// retry_count 0. This is the hook hot path: one local transactional
// write, no network.
func (q *Queue) InsertToolEvent(ev *ToolEvent) (int64, error) {
	res, err := q.db.Exec(`
		INSERT INTO raw_tool_events
			(session_db_id, content_session_id, tool_name, tool_input, tool_response,
			 cwd, prompt_number, project, status, retry_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'pending', 0, ?)
	`, ev.SessionDBID, ev.ContentSessionID, ev.ToolName, ev.ToolInput,
		truncateResponse(ev.ToolResponse), ev.CWD, ev.PromptNumber, ev.Project, nowMillis())
	if err != nil {
		return 0, fmt.Errorf("insert tool event: %w", err)
	}
	return res.LastInsertId()
}

// InsertSummaryRequest appends a summary request, enforcing the
// one-in-flight-per-session invariant. Returns
// ErrDuplicateSummaryPending when the session already has a row in
// pending or summarizing.
func (q *Queue) InsertSummaryRequest(req *SummaryRequest) (int64, error) {
	tx, err := q.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var active int
	err = tx.QueryRow(`
		SELECT COUNT(*) FROM raw_summary_requests
		WHERE session_db_id = ? AND status IN ('pending', 'summarizing')
	`, req.SessionDBID).Scan(&active)
	if err != nil {
		return 0, fmt.Errorf("check pending summary: %w", err)
	}
	if active > 0 {
		return 0, ErrDuplicateSummaryPending
	}

	var memorySessionID any
	if req.MemorySessionID != "" {
		memorySessionID = req.MemorySessionID
	} // else NULL — looked up at materialization time

	res, err := tx.Exec(`
		INSERT INTO raw_summary_requests
			(session_db_id, content_session_id, memory_session_id, project,
			 user_prompt, last_assistant_message, status, retry_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 'pending', 0, ?)
	`, req.SessionDBID, req.ContentSessionID, memorySessionID, req.Project,
		req.UserPrompt, req.LastAssistantMessage, nowMillis())
	if err != nil {
		return 0, fmt.Errorf("insert summary request: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

// ClaimToolEvents atomically flips up to limit pending rows, oldest
// first, to summarizing and returns them. Two concurrent claims never
// overlap: select and update run in one transaction.
func (q *Queue) ClaimToolEvents(limit int) ([]*ToolEvent, error) {
	tx, err := q.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(`
		SELECT id, session_db_id, content_session_id, tool_name, tool_input,
		       tool_response, cwd, prompt_number, project, status, retry_count,
		       created_at, summarized_at, observation_id, error_message
		FROM raw_tool_events
		WHERE status = 'pending'
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("select pending: %w", err)
	}

	var events []*ToolEvent
	for rows.Next() {
		ev, err := scanToolEvent(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		events = append(events, ev)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(events) == 0 {
		return nil, tx.Commit()
	}

	for _, ev := range events {
		if _, err := tx.Exec(`
			UPDATE raw_tool_events SET status = 'summarizing' WHERE id = ?
		`, ev.ID); err != nil {
			return nil, fmt.Errorf("claim event %d: %w", ev.ID, err)
		}
		ev.Status = StatusSummarizing
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return events, nil
}

// ClaimSummaryRequests is the summary-table analog of ClaimToolEvents.
func (q *Queue) ClaimSummaryRequests(limit int) ([]*SummaryRequest, error) {
	tx, err := q.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(`
		SELECT id, session_db_id, content_session_id, memory_session_id, project,
		       user_prompt, last_assistant_message, status, retry_count,
		       created_at, summarized_at, summary_id, error_message
		FROM raw_summary_requests
		WHERE status = 'pending'
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("select pending: %w", err)
	}

	var reqs []*SummaryRequest
	for rows.Next() {
		r, err := scanSummaryRequest(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		reqs = append(reqs, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(reqs) == 0 {
		return nil, tx.Commit()
	}

	for _, r := range reqs {
		if _, err := tx.Exec(`
			UPDATE raw_summary_requests SET status = 'summarizing' WHERE id = ?
		`, r.ID); err != nil {
			return nil, fmt.Errorf("claim request %d: %w", r.ID, err)
		}
		r.Status = StatusSummarizing
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return reqs, nil
}

// MarkToolEventCompleted marks a claimed row completed. observationID
// 0 means the LLM produced no observation for it; the row is still
// terminal and never re-claimed.
func (q *Queue) MarkToolEventCompleted(id, observationID int64) error {
	_, err := q.db.Exec(`
		UPDATE raw_tool_events
		SET status = 'completed', summarized_at = ?, observation_id = ?, error_message = NULL
		WHERE id = ?
	`, nowMillis(), observationID, id)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return nil
}

// MarkToolEventFailed records a failure. The retry counter is
// incremented; until it reaches the budget the row reverts to pending
// and will be claimed again. At the budget the row lands in failed,
// terminally, with the last error preserved.
func (q *Queue) MarkToolEventFailed(id int64, errMsg string) error {
	return q.markFailed("raw_tool_events", id, errMsg)
}

// MarkSummaryCompleted marks a summary request completed.
func (q *Queue) MarkSummaryCompleted(id, summaryID int64) error {
	_, err := q.db.Exec(`
		UPDATE raw_summary_requests
		SET status = 'completed', summarized_at = ?, summary_id = ?, error_message = NULL
		WHERE id = ?
	`, nowMillis(), summaryID, id)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return nil
}

// MarkSummaryFailed records a summary request failure under the same
// retry policy as MarkToolEventFailed.
func (q *Queue) MarkSummaryFailed(id int64, errMsg string) error {
	return q.markFailed("raw_summary_requests", id, errMsg)
}

func (q *Queue) markFailed(table string, id int64, errMsg string) error {
	tx, err := q.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var retries int
	err = tx.QueryRow(
		`SELECT retry_count FROM `+table+` WHERE id = ?`, id,
	).Scan(&retries)
	if err != nil {
		return fmt.Errorf("read retry count: %w", err)
	}

	retries++
	status := StatusPending
	if retries >= q.maxRetries {
		status = StatusFailed
	}

	_, err = tx.Exec(
		`UPDATE `+table+` SET status = ?, retry_count = ?, error_message = ? WHERE id = ?`,
		status, retries, errMsg, id)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}

	return tx.Commit()
}

// ReleaseStuckToolEvents reverts summarizing rows older than olderThan
// back to pending without touching retry_count. Crash recovery: a
// long-held lease is presumed dead. olderThan 0 releases everything.
func (q *Queue) ReleaseStuckToolEvents(olderThan time.Duration) (int64, error) {
	return q.releaseStuck("raw_tool_events", olderThan)
}

// ReleaseStuckSummaryRequests is the summary-table analog.
func (q *Queue) ReleaseStuckSummaryRequests(olderThan time.Duration) (int64, error) {
	return q.releaseStuck("raw_summary_requests", olderThan)
}

func (q *Queue) releaseStuck(table string, olderThan time.Duration) (int64, error) {
	cutoff := nowMillis() - olderThan.Milliseconds()
	res, err := q.db.Exec(
		`UPDATE `+table+` SET status = 'pending' WHERE status = 'summarizing' AND created_at < ?`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("release stuck: %w", err)
	}
	return res.RowsAffected()
}

// DeleteCompletedToolEvents garbage-collects completed rows whose
// summarized_at is before cutoff (epoch milliseconds).
func (q *Queue) DeleteCompletedToolEvents(cutoff int64) (int64, error) {
	res, err := q.db.Exec(`
		DELETE FROM raw_tool_events
		WHERE status = 'completed' AND summarized_at < ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete completed: %w", err)
	}
	return res.RowsAffected()
}

// DeleteCompletedSummaryRequests is the summary-table analog.
func (q *Queue) DeleteCompletedSummaryRequests(cutoff int64) (int64, error) {
	res, err := q.db.Exec(`
		DELETE FROM raw_summary_requests
		WHERE status = 'completed' AND summarized_at < ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete completed: %w", err)
	}
	return res.RowsAffected()
}

// GetToolEvent retrieves one row by id. Mostly useful for tests and
// the stats surface.
func (q *Queue) GetToolEvent(id int64) (*ToolEvent, error) {
	rows, err := q.db.Query(`
		SELECT id, session_db_id, content_session_id, tool_name, tool_input,
		       tool_response, cwd, prompt_number, project, status, retry_count,
		       created_at, summarized_at, observation_id, error_message
		FROM raw_tool_events WHERE id = ?
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, sql.ErrNoRows
	}
	return scanToolEvent(rows)
}

// GetSummaryRequest retrieves one summary request by id.
func (q *Queue) GetSummaryRequest(id int64) (*SummaryRequest, error) {
	rows, err := q.db.Query(`
		SELECT id, session_db_id, content_session_id, memory_session_id, project,
		       user_prompt, last_assistant_message, status, retry_count,
		       created_at, summarized_at, summary_id, error_message
		FROM raw_summary_requests WHERE id = ?
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, sql.ErrNoRows
	}
	return scanSummaryRequest(rows)
}

// ToolEventStats returns per-status counts for the tool event table.
func (q *Queue) ToolEventStats() (Stats, error) {
	return q.stats("raw_tool_events")
}

// SummaryRequestStats returns per-status counts for the summary table.
func (q *Queue) SummaryRequestStats() (Stats, error) {
	return q.stats("raw_summary_requests")
}

func (q *Queue) stats(table string) (Stats, error) {
	var s Stats
	rows, err := q.db.Query(`SELECT status, COUNT(*) FROM ` + table + ` GROUP BY status`)
	if err != nil {
		return s, fmt.Errorf("stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return s, err
		}
		switch status {
		case StatusPending:
			s.Pending = count
		case StatusSummarizing:
			s.Summarizing = count
		case StatusCompleted:
			s.Completed = count
		case StatusFailed:
			s.Failed = count
		}
	}
	return s, rows.Err()
}

func scanToolEvent(rows *sql.Rows) (*ToolEvent, error) {
	var ev ToolEvent
	var toolInput, toolResponse, cwd, project, errMsg sql.NullString
	var summarizedAt, observationID sql.NullInt64

	err := rows.Scan(&ev.ID, &ev.SessionDBID, &ev.ContentSessionID, &ev.ToolName,
		&toolInput, &toolResponse, &cwd, &ev.PromptNumber, &project,
		&ev.Status, &ev.RetryCount, &ev.CreatedAt, &summarizedAt,
		&observationID, &errMsg)
	if err != nil {
		return nil, fmt.Errorf("scan tool event: %w", err)
	}

	ev.ToolInput = toolInput.String
	ev.ToolResponse = toolResponse.String
	ev.CWD = cwd.String
	ev.Project = project.String
	ev.SummarizedAt = summarizedAt.Int64
	ev.ObservationID = observationID.Int64
	ev.ErrorMessage = errMsg.String
	return &ev, nil
}

func scanSummaryRequest(rows *sql.Rows) (*SummaryRequest, error) {
	var r SummaryRequest
	var memorySessionID, project, userPrompt, lastMsg, errMsg sql.NullString
	var summarizedAt, summaryID sql.NullInt64

	err := rows.Scan(&r.ID, &r.SessionDBID, &r.ContentSessionID, &memorySessionID,
		&project, &userPrompt, &lastMsg, &r.Status, &r.RetryCount,
		&r.CreatedAt, &summarizedAt, &summaryID, &errMsg)
	if err != nil {
		return nil, fmt.Errorf("scan summary request: %w", err)
	}

	r.MemorySessionID = memorySessionID.String
	r.Project = project.String
	r.UserPrompt = userPrompt.String
	r.LastAssistantMessage = lastMsg.String
	r.SummarizedAt = summarizedAt.Int64
	r.SummaryID = summaryID.Int64
	r.ErrorMessage = errMsg.String
	return &r, nil
}
