package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/claude-memd/internal/llm"
	"github.com/nugget/claude-memd/internal/parser"
	"github.com/nugget/claude-memd/internal/prompts"
	"github.com/nugget/claude-memd/internal/queue"
	"github.com/nugget/claude-memd/internal/sessions"
)

// recentContextLimit is how many prior observations are offered as
// advisory context in the summary prompt.
const recentContextLimit = 10

// SummaryConfig controls the session-summary worker.
type SummaryConfig struct {
	// Tick is the poll interval. Default: 10 seconds.
	Tick time.Duration
	// BatchSize is the max requests claimed per tick. Default: 5.
	BatchSize int
	// StallThreshold mirrors EventsConfig. Default: 5 minutes.
	StallThreshold time.Duration
	// Retention mirrors EventsConfig. Default: 1 hour.
	Retention time.Duration
}

func (c *SummaryConfig) applyDefaults() {
	if c.Tick <= 0 {
		c.Tick = 10 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 5
	}
	if c.StallThreshold <= 0 {
		c.StallThreshold = 5 * time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = time.Hour
	}
}

// SummaryWorker polls the summary-request queue and materializes one
// session summary per request. Requests are processed individually;
// each already pertains to exactly one session.
type SummaryWorker struct {
	queue  *queue.Queue
	store  *sessions.Store
	client llm.Client
	mode   *prompts.Mode
	logger *slog.Logger
	config SummaryConfig

	ticks  int
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSummaryWorker creates the worker. Call Start to begin processing.
func NewSummaryWorker(q *queue.Queue, store *sessions.Store, client llm.Client, mode *prompts.Mode, logger *slog.Logger, cfg SummaryConfig) *SummaryWorker {
	cfg.applyDefaults()
	if mode == nil {
		mode = prompts.DefaultMode()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SummaryWorker{
		queue:  q,
		store:  store,
		client: client,
		mode:   mode,
		logger: logger.With("component", "summary-worker"),
		config: cfg,
		done:   make(chan struct{}),
	}
}

// Start begins the worker loop, releasing any in-flight requests left
// over from a prior run.
func (w *SummaryWorker) Start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	go w.run(workerCtx)
}

// Stop cancels the worker and waits for its goroutine to exit.
func (w *SummaryWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	<-w.done
}

func (w *SummaryWorker) run(ctx context.Context) {
	defer close(w.done)

	released, err := w.queue.ReleaseStuckSummaryRequests(0)
	if err != nil {
		w.logger.Error("startup release failed", "error", err)
	} else if released > 0 {
		w.logger.Warn("released in-flight summary requests from prior run", "count", released)
	}

	ticker := time.NewTicker(w.config.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("summary worker stopped")
			return
		case <-ticker.C:
			w.tick(ctx)
			drainTicker(ticker.C)
		}
	}
}

func (w *SummaryWorker) tick(ctx context.Context) {
	w.ticks++

	if w.ticks%cleanupEveryTicks == 0 {
		cutoff := time.Now().Add(-w.config.Retention).UnixMilli()
		if n, err := w.queue.DeleteCompletedSummaryRequests(cutoff); err != nil {
			w.logger.Warn("cleanup failed", "error", err)
		} else if n > 0 {
			w.logger.Debug("cleaned up completed requests", "count", n)
		}
	}

	if w.ticks%releaseEveryTicks == 0 {
		if n, err := w.queue.ReleaseStuckSummaryRequests(w.config.StallThreshold); err != nil {
			w.logger.Warn("stall release failed", "error", err)
		} else if n > 0 {
			w.logger.Warn("released stalled requests", "count", n)
		}
	}

	reqs, err := w.queue.ClaimSummaryRequests(w.config.BatchSize)
	if err != nil {
		w.logger.Error("claim failed", "error", err)
		return
	}

	for _, req := range reqs {
		if ctx.Err() != nil {
			return
		}
		if err := w.processRequest(ctx, req); err != nil {
			w.logger.Error("tick aborted", "request", req.ID, "error", err)
			return
		}
	}
}

// processRequest materializes one summary. The memory session id is
// always re-fetched from the authoritative session record; the
// denormalized copy on the request may be stale.
func (w *SummaryWorker) processRequest(ctx context.Context, req *queue.SummaryRequest) error {
	sess, err := w.store.GetSessionByID(req.SessionDBID)
	if err != nil {
		// Missing session fails the request; a storage failure aborts
		// the tick without touching the retry budget.
		if errors.Is(err, sessions.ErrNotFound) {
			if markErr := w.queue.MarkSummaryFailed(req.ID,
				fmt.Sprintf("session %d not found", req.SessionDBID)); markErr != nil {
				w.logger.Error("mark failed errored", "request", req.ID, "error", markErr)
			}
			return nil
		}
		return fmt.Errorf("load session %d: %w", req.SessionDBID, err)
	}
	if sess.MemorySessionID == "" {
		if markErr := w.queue.MarkSummaryFailed(req.ID,
			fmt.Sprintf("session %d has no memory session id", req.SessionDBID)); markErr != nil {
			w.logger.Error("mark failed errored", "request", req.ID, "error", markErr)
		}
		return nil
	}

	// Context is advisory: a fetch failure is silently ignored.
	recent, err := w.store.GetRecentObservations(req.Project, recentContextLimit)
	if err != nil {
		recent = nil
	}

	prompt := prompts.SummaryPrompt(w.mode, req, recent)

	resp, err := w.client.Complete(ctx, llm.Request{Prompt: prompt, MaxTokens: summaryMaxTokens})
	if err != nil {
		w.logger.Warn("LLM call failed", "request", req.ID, "error", err)
		if markErr := w.queue.MarkSummaryFailed(req.ID, err.Error()); markErr != nil {
			w.logger.Error("mark failed errored", "request", req.ID, "error", markErr)
		}
		return nil
	}

	sum := parser.ParseSummary(resp.Content, req.SessionDBID)
	if sum == nil {
		if markErr := w.queue.MarkSummaryFailed(req.ID, "Failed to parse summary from LLM response"); markErr != nil {
			w.logger.Error("mark failed errored", "request", req.ID, "error", markErr)
		}
		return nil
	}

	result, err := w.store.StoreObservations(sess.MemorySessionID, sess.Project,
		nil, sum, 0, resp.TotalTokens)
	if err != nil {
		return fmt.Errorf("store summary: %w", err)
	}

	if err := w.queue.MarkSummaryCompleted(req.ID, result.SummaryID); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}

	w.logger.Info("summarized session",
		"request", req.ID,
		"session", req.SessionDBID,
		"tokens", resp.TotalTokens,
	)
	return nil
}
