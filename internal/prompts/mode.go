// Package prompts builds the LLM prompts used by the summarization
// workers. A Mode bundles the system-level preamble and the
// observation types the model is allowed to emit; the workers treat it
// as an opaque source of prompt strings.
package prompts

import "strings"

// Mode is a named configuration bundle of prompt fragments.
type Mode struct {
	Name             string
	Preamble         string
	SummaryPreamble  string
	ObservationTypes []string
}

const defaultPreamble = `You are a memory compressor for a coding assistant. You receive raw tool
events from a coding session and distill them into observations worth
remembering across sessions.

Emit zero or more <observation> blocks. Only record things that would
help on a future day: decisions, discoveries, bug causes, how a
subsystem works, changes made. Routine file reads with no insight
deserve no observation at all. Each block:

<observation>
  <type>one of: %TYPES%</type>
  <title>short headline</title>
  <subtitle>optional one-line elaboration</subtitle>
  <facts>
    <fact>one atomic fact</fact>
  </facts>
  <narrative>optional short prose account</narrative>
  <concepts>
    <concept>lowercase topic tag</concept>
  </concepts>
  <files_read><file>path</file></files_read>
  <files_modified><file>path</file></files_modified>
</observation>

Base everything on what actually happened in the events. Do not invent
file paths or outcomes.`

const defaultSummaryPreamble = `You are summarizing one completed user turn of a coding session. Produce
exactly one <summary> block:

<summary>
  <request>what the user asked for</request>
  <investigated>what was examined</investigated>
  <learned>what was learned</learned>
  <completed>what was finished</completed>
  <next_steps>what remains</next_steps>
  <notes>anything else worth carrying forward</notes>
</summary>

Base the summary on the prompt and response provided. Leave a tag empty
rather than inventing content.`

// DefaultMode returns the built-in mode used when no custom mode is
// configured.
func DefaultMode() *Mode {
	return &Mode{
		Name:            "default",
		Preamble:        defaultPreamble,
		SummaryPreamble: defaultSummaryPreamble,
		ObservationTypes: []string{
			"decision", "discovery", "bugfix", "change", "refactor", "research",
		},
	}
}

// preamble returns the observation preamble with the allowed types
// substituted in.
func (m *Mode) preamble() string {
	return strings.ReplaceAll(m.Preamble, "%TYPES%", strings.Join(m.ObservationTypes, ", "))
}
