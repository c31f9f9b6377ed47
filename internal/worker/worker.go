// Package worker runs the background summarization loops. Each worker
// is a single serial loop on a timer: claim a batch from the durable
// queue, call the LLM, persist the materialized records, mark the raw
// rows. All retry policy lives in the queue's markFailed; the workers
// never retry an LLM call themselves.
package worker

import "time"

// Max output token budgets per call type.
const (
	eventMaxTokens   = 4096
	summaryMaxTokens = 2048
)

// Housekeeping cadence, in ticks.
const (
	cleanupEveryTicks = 100
	releaseEveryTicks = 30
)

// drainTicker discards a tick that queued up while the previous one
// was being processed. Ticks are skipped, not queued.
func drainTicker(c <-chan time.Time) {
	select {
	case <-c:
	default:
	}
}
