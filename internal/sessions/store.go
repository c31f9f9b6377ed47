// Package sessions persists memory sessions and their materialized
// records: observations derived from raw tool events and end-of-turn
// session summaries. The workers write here once summarization
// succeeds; the queue keeps only the link (observation_id/summary_id).
package sessions

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a session lookup misses.
var ErrNotFound = errors.New("session not found")

// Session is one content session registered by the init hook.
type Session struct {
	ID               int64
	ContentSessionID string
	MemorySessionID  string
	Project          string
	Prompt           string
	CreatedAt        time.Time
}

// Observation is a structured record derived from one or more raw
// tool events.
type Observation struct {
	ID            int64    `json:"id,omitempty"`
	Type          string   `json:"type"`
	Title         string   `json:"title"`
	Subtitle      string   `json:"subtitle,omitempty"`
	Facts         []string `json:"facts,omitempty"`
	Narrative     string   `json:"narrative,omitempty"`
	Concepts      []string `json:"concepts,omitempty"`
	FilesRead     []string `json:"files_read,omitempty"`
	FilesModified []string `json:"files_modified,omitempty"`
}

// Summary is a structured end-of-turn record for one user turn.
type Summary struct {
	ID           int64  `json:"id,omitempty"`
	Request      string `json:"request"`
	Investigated string `json:"investigated,omitempty"`
	Learned      string `json:"learned,omitempty"`
	Completed    string `json:"completed,omitempty"`
	NextSteps    string `json:"next_steps,omitempty"`
	Notes        string `json:"notes,omitempty"`
}

// RecentObservation is the reduced view used as advisory prompt context.
type RecentObservation struct {
	Type string
	Text string
}

// StoreResult carries the ids assigned by StoreObservations, in the
// order the observations were given.
type StoreResult struct {
	ObservationIDs []int64
	SummaryID      int64
}

// Store is the SQLite-backed session store.
type Store struct {
	db *sql.DB
}

// New attaches the session tables to db and returns the store.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		content_session_id TEXT NOT NULL UNIQUE,
		memory_session_id TEXT NOT NULL,
		project TEXT,
		prompt TEXT,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_memory ON sessions(memory_session_id);

	CREATE TABLE IF NOT EXISTS observations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		memory_session_id TEXT NOT NULL,
		project TEXT,
		type TEXT NOT NULL,
		title TEXT NOT NULL,
		subtitle TEXT,
		facts TEXT,
		narrative TEXT,
		concepts TEXT,
		files_read TEXT,
		files_modified TEXT,
		prompt_number INTEGER NOT NULL DEFAULT 0,
		discovery_tokens INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_observations_project ON observations(project, created_at);
	CREATE INDEX IF NOT EXISTS idx_observations_session ON observations(memory_session_id);

	CREATE TABLE IF NOT EXISTS session_summaries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		memory_session_id TEXT NOT NULL,
		project TEXT,
		request TEXT NOT NULL,
		investigated TEXT,
		learned TEXT,
		completed TEXT,
		next_steps TEXT,
		notes TEXT,
		prompt_number INTEGER NOT NULL DEFAULT 0,
		discovery_tokens INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_session_summaries_session ON session_summaries(memory_session_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// NewID generates a new UUIDv7, falling back to v4.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// InitSession registers a content session, assigning a memory session
// id on first sight. Idempotent: re-initializing an existing content
// session returns the existing record.
func (s *Store) InitSession(contentSessionID, project, prompt string) (*Session, error) {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO sessions (content_session_id, memory_session_id, project, prompt, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, contentSessionID, NewID(), project, prompt, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("init session: %w", err)
	}

	return s.GetSessionByContentID(contentSessionID)
}

// GetSessionByID retrieves a session by its database id.
func (s *Store) GetSessionByID(id int64) (*Session, error) {
	row := s.db.QueryRow(`
		SELECT id, content_session_id, memory_session_id, project, prompt, created_at
		FROM sessions WHERE id = ?
	`, id)
	return scanSession(row)
}

// GetSessionByContentID retrieves a session by the opaque token used
// at the HTTP boundary.
func (s *Store) GetSessionByContentID(contentSessionID string) (*Session, error) {
	row := s.db.QueryRow(`
		SELECT id, content_session_id, memory_session_id, project, prompt, created_at
		FROM sessions WHERE content_session_id = ?
	`, contentSessionID)
	return scanSession(row)
}

func scanSession(row *sql.Row) (*Session, error) {
	var sess Session
	var project, prompt sql.NullString
	err := row.Scan(&sess.ID, &sess.ContentSessionID, &sess.MemorySessionID,
		&project, &prompt, &sess.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.Project = project.String
	sess.Prompt = prompt.String
	return &sess, nil
}

// StoreObservations persists a batch of observations, and optionally a
// summary, in one transaction. Returns the assigned ids in input
// order. discoveryTokens is the total token count the LLM reported for
// the call that produced this batch.
func (s *Store) StoreObservations(memorySessionID, project string, observations []Observation, summary *Summary, promptNumber, discoveryTokens int) (*StoreResult, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	result := &StoreResult{}

	for _, obs := range observations {
		res, err := tx.Exec(`
			INSERT INTO observations
				(memory_session_id, project, type, title, subtitle, facts, narrative,
				 concepts, files_read, files_modified, prompt_number, discovery_tokens, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, memorySessionID, project, obs.Type, obs.Title, obs.Subtitle,
			marshalList(obs.Facts), obs.Narrative, marshalList(obs.Concepts),
			marshalList(obs.FilesRead), marshalList(obs.FilesModified),
			promptNumber, discoveryTokens, now)
		if err != nil {
			return nil, fmt.Errorf("insert observation: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		result.ObservationIDs = append(result.ObservationIDs, id)
	}

	if summary != nil {
		res, err := tx.Exec(`
			INSERT INTO session_summaries
				(memory_session_id, project, request, investigated, learned,
				 completed, next_steps, notes, prompt_number, discovery_tokens, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, memorySessionID, project, summary.Request, summary.Investigated,
			summary.Learned, summary.Completed, summary.NextSteps, summary.Notes,
			promptNumber, discoveryTokens, now)
		if err != nil {
			return nil, fmt.Errorf("insert summary: %w", err)
		}
		result.SummaryID, err = res.LastInsertId()
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return result, nil
}

// GetRecentObservations returns up to limit of the most recent
// observations for a project, newest first, reduced to type + title.
// Used only as advisory prompt context.
func (s *Store) GetRecentObservations(project string, limit int) ([]RecentObservation, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.Query(`
		SELECT type, title FROM observations
		WHERE project = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, project, limit)
	if err != nil {
		return nil, fmt.Errorf("recent observations: %w", err)
	}
	defer rows.Close()

	var recent []RecentObservation
	for rows.Next() {
		var r RecentObservation
		if err := rows.Scan(&r.Type, &r.Text); err != nil {
			return nil, err
		}
		recent = append(recent, r)
	}
	return recent, rows.Err()
}

// GetObservation retrieves one observation by id.
func (s *Store) GetObservation(id int64) (*Observation, error) {
	row := s.db.QueryRow(`
		SELECT id, type, title, subtitle, facts, narrative, concepts, files_read, files_modified
		FROM observations WHERE id = ?
	`, id)

	var obs Observation
	var subtitle, facts, narrative, concepts, filesRead, filesModified sql.NullString
	err := row.Scan(&obs.ID, &obs.Type, &obs.Title, &subtitle, &facts,
		&narrative, &concepts, &filesRead, &filesModified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan observation: %w", err)
	}

	obs.Subtitle = subtitle.String
	obs.Narrative = narrative.String
	obs.Facts = unmarshalList(facts.String)
	obs.Concepts = unmarshalList(concepts.String)
	obs.FilesRead = unmarshalList(filesRead.String)
	obs.FilesModified = unmarshalList(filesModified.String)
	return &obs, nil
}

// marshalList serializes a string list as JSON for storage. Empty
// lists store as NULL-ish empty string to keep rows compact.
func marshalList(items []string) string {
	if len(items) == 0 {
		return ""
	}
	data, err := json.Marshal(items)
	if err != nil {
		return ""
	}
	return string(data)
}

func unmarshalList(s string) []string {
	if s == "" {
		return nil
	}
	var items []string
	if err := json.Unmarshal([]byte(s), &items); err != nil {
		return nil
	}
	return items
}
