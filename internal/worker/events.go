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

// EventsConfig controls the tool-event summarizer worker.
type EventsConfig struct {
	// Tick is the poll interval. Default: 10 seconds.
	Tick time.Duration
	// BatchSize is the max events claimed per tick. Default: 10.
	BatchSize int
	// StallThreshold is the age after which a summarizing row is
	// presumed abandoned. Default: 5 minutes.
	StallThreshold time.Duration
	// Retention is how long completed rows are kept. Default: 1 hour.
	Retention time.Duration
}

func (c *EventsConfig) applyDefaults() {
	if c.Tick <= 0 {
		c.Tick = 10 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.StallThreshold <= 0 {
		c.StallThreshold = 5 * time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = time.Hour
	}
}

// EventsWorker polls the tool-event queue, groups claimed events by
// session, and turns each group into observations via one LLM call.
type EventsWorker struct {
	queue  *queue.Queue
	store  *sessions.Store
	client llm.Client
	mode   *prompts.Mode
	logger *slog.Logger
	config EventsConfig

	ticks  int
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEventsWorker creates the worker. Call Start to begin processing.
func NewEventsWorker(q *queue.Queue, store *sessions.Store, client llm.Client, mode *prompts.Mode, logger *slog.Logger, cfg EventsConfig) *EventsWorker {
	cfg.applyDefaults()
	if mode == nil {
		mode = prompts.DefaultMode()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EventsWorker{
		queue:  q,
		store:  store,
		client: client,
		mode:   mode,
		logger: logger.With("component", "events-worker"),
		config: cfg,
		done:   make(chan struct{}),
	}
}

// Start begins the worker loop. On startup every summarizing row is
// released back to pending: anything in flight when the previous
// process died belongs to no one now.
func (w *EventsWorker) Start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	go w.run(workerCtx)
}

// Stop cancels the worker and waits for its goroutine to exit. A tick
// in progress completes first; a live LLM call runs out its deadline.
func (w *EventsWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	<-w.done
}

func (w *EventsWorker) run(ctx context.Context) {
	defer close(w.done)

	released, err := w.queue.ReleaseStuckToolEvents(0)
	if err != nil {
		w.logger.Error("startup release failed", "error", err)
	} else if released > 0 {
		w.logger.Warn("released in-flight events from prior run", "count", released)
	}

	ticker := time.NewTicker(w.config.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("events worker stopped")
			return
		case <-ticker.C:
			w.tick(ctx)
			drainTicker(ticker.C)
		}
	}
}

// tick runs one claim-summarize-mark cycle plus periodic housekeeping.
func (w *EventsWorker) tick(ctx context.Context) {
	w.ticks++

	if w.ticks%cleanupEveryTicks == 0 {
		cutoff := time.Now().Add(-w.config.Retention).UnixMilli()
		if n, err := w.queue.DeleteCompletedToolEvents(cutoff); err != nil {
			w.logger.Warn("cleanup failed", "error", err)
		} else if n > 0 {
			w.logger.Debug("cleaned up completed events", "count", n)
		}
	}

	if w.ticks%releaseEveryTicks == 0 {
		if n, err := w.queue.ReleaseStuckToolEvents(w.config.StallThreshold); err != nil {
			w.logger.Warn("stall release failed", "error", err)
		} else if n > 0 {
			w.logger.Warn("released stalled events", "count", n)
		}
	}

	events, err := w.queue.ClaimToolEvents(w.config.BatchSize)
	if err != nil {
		w.logger.Error("claim failed", "error", err)
		return
	}
	if len(events) == 0 {
		return
	}

	w.logger.Debug("claimed events", "count", len(events))

	// Group by session: LLM context should be coherent; cross-session
	// observations are meaningless.
	var order []int64
	groups := make(map[int64][]*queue.ToolEvent)
	for _, ev := range events {
		if _, seen := groups[ev.SessionDBID]; !seen {
			order = append(order, ev.SessionDBID)
		}
		groups[ev.SessionDBID] = append(groups[ev.SessionDBID], ev)
	}

	for _, sessionID := range order {
		if ctx.Err() != nil {
			return
		}
		if err := w.processGroup(ctx, sessionID, groups[sessionID]); err != nil {
			// Storage failure: abort the tick, leave the remaining
			// claimed rows in summarizing for the stall release.
			w.logger.Error("tick aborted", "session", sessionID, "error", err)
			return
		}
	}
}

// processGroup summarizes one per-session sub-batch. LLM and
// materialization failures fail every event in the group (queue retry
// budget applies); only storage failures return an error.
func (w *EventsWorker) processGroup(ctx context.Context, sessionID int64, events []*queue.ToolEvent) error {
	sess, err := w.store.GetSessionByID(sessionID)
	if err != nil {
		// A session that truly does not exist is the group's problem; a
		// storage failure is not, and must not burn the retry budget.
		if errors.Is(err, sessions.ErrNotFound) {
			w.failGroup(events, fmt.Sprintf("session %d not found", sessionID))
			return nil
		}
		return fmt.Errorf("load session %d: %w", sessionID, err)
	}
	if sess.MemorySessionID == "" {
		w.failGroup(events, fmt.Sprintf("session %d has no memory session id", sessionID))
		return nil
	}

	prompt := prompts.ObservationPrompt(w.mode, sess.Project, events)

	resp, err := w.client.Complete(ctx, llm.Request{Prompt: prompt, MaxTokens: eventMaxTokens})
	if err != nil {
		w.logger.Warn("LLM call failed",
			"session", sessionID,
			"events", len(events),
			"error", err,
		)
		w.failGroup(events, err.Error())
		return nil
	}

	observations := parser.ParseObservations(resp.Content, events[0].ContentSessionID)
	if len(observations) == 0 {
		// Valid outcome: the model judged nothing worth remembering.
		for _, ev := range events {
			if err := w.queue.MarkToolEventCompleted(ev.ID, 0); err != nil {
				return fmt.Errorf("mark completed: %w", err)
			}
		}
		w.logger.Debug("no observations produced", "session", sessionID, "events", len(events))
		return nil
	}

	result, err := w.store.StoreObservations(sess.MemorySessionID, sess.Project,
		observations, nil, events[len(events)-1].PromptNumber, resp.TotalTokens)
	if err != nil {
		return fmt.Errorf("store observations: %w", err)
	}

	// Events outnumbering observations reuse the last observation id;
	// multi-event compression makes the link informational only.
	for i, ev := range events {
		obsID := result.ObservationIDs[len(result.ObservationIDs)-1]
		if i < len(result.ObservationIDs) {
			obsID = result.ObservationIDs[i]
		}
		if err := w.queue.MarkToolEventCompleted(ev.ID, obsID); err != nil {
			return fmt.Errorf("mark completed: %w", err)
		}
	}

	w.logger.Info("summarized events",
		"session", sessionID,
		"events", len(events),
		"observations", len(observations),
		"tokens", resp.TotalTokens,
	)
	return nil
}

func (w *EventsWorker) failGroup(events []*queue.ToolEvent, msg string) {
	for _, ev := range events {
		if err := w.queue.MarkToolEventFailed(ev.ID, msg); err != nil {
			w.logger.Error("mark failed errored", "event", ev.ID, "error", err)
		}
	}
}
