// Package parser extracts structured observations and session
// summaries from LLM responses. The model is asked for XML-shaped
// output but routinely produces unescaped ampersands, bare angle
// brackets inside code snippets, and commentary around the blocks, so
// this is a lenient tag scanner rather than an XML decoder. Both entry
// points are pure and total: malformed input yields fewer blocks,
// never an error.
package parser

import (
	"strings"

	"github.com/nugget/claude-memd/internal/sessions"
)

// ParseObservations extracts zero or more <observation> blocks from
// content. Blocks without a title are dropped; a missing type defaults
// to "discovery". Zero observations is a valid outcome.
func ParseObservations(content, contentSessionID string) []sessions.Observation {
	var observations []sessions.Observation

	for _, block := range extractBlocks(content, "observation") {
		obs := sessions.Observation{
			Type:          extractTag(block, "type"),
			Title:         extractTag(block, "title"),
			Subtitle:      extractTag(block, "subtitle"),
			Narrative:     extractTag(block, "narrative"),
			Facts:         extractList(block, "facts", "fact"),
			Concepts:      extractList(block, "concepts", "concept"),
			FilesRead:     extractList(block, "files_read", "file"),
			FilesModified: extractList(block, "files_modified", "file"),
		}
		if obs.Title == "" {
			continue
		}
		if obs.Type == "" {
			obs.Type = "discovery"
		}
		observations = append(observations, obs)
	}

	return observations
}

// ParseSummary extracts the first <summary> block from content.
// Returns nil when no block is present or every field is empty.
func ParseSummary(content string, sessionDBID int64) *sessions.Summary {
	blocks := extractBlocks(content, "summary")
	if len(blocks) == 0 {
		return nil
	}

	block := blocks[0]
	sum := &sessions.Summary{
		Request:      extractTag(block, "request"),
		Investigated: extractTag(block, "investigated"),
		Learned:      extractTag(block, "learned"),
		Completed:    extractTag(block, "completed"),
		NextSteps:    extractTag(block, "next_steps"),
		Notes:        extractTag(block, "notes"),
	}

	if sum.Request == "" && sum.Investigated == "" && sum.Learned == "" &&
		sum.Completed == "" && sum.NextSteps == "" && sum.Notes == "" {
		return nil
	}
	return sum
}

// extractBlocks returns the inner text of every <tag>...</tag> pair,
// in document order. Unclosed trailing tags are ignored.
func extractBlocks(s, tag string) []string {
	open := "<" + tag + ">"
	close := "</" + tag + ">"

	var blocks []string
	for {
		start := strings.Index(s, open)
		if start == -1 {
			break
		}
		rest := s[start+len(open):]
		end := strings.Index(rest, close)
		if end == -1 {
			break
		}
		blocks = append(blocks, rest[:end])
		s = rest[end+len(close):]
	}
	return blocks
}

// extractTag returns the trimmed inner text of the first <tag> pair in
// block, or "" when absent.
func extractTag(block, tag string) string {
	inner := extractBlocks(block, tag)
	if len(inner) == 0 {
		return ""
	}
	return strings.TrimSpace(inner[0])
}

// extractList returns the trimmed, non-empty <item> entries inside the
// first <container> block.
func extractList(block, container, item string) []string {
	outer := extractBlocks(block, container)
	if len(outer) == 0 {
		return nil
	}

	var items []string
	for _, inner := range extractBlocks(outer[0], item) {
		if v := strings.TrimSpace(inner); v != "" {
			items = append(items, v)
		}
	}
	return items
}
