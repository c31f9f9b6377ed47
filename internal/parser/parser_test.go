package parser

import "testing"

const sampleObservation = `
Here are the observations from this batch:

<observation>
  <type>bugfix</type>
  <title>Fixed stall release cutoff</title>
  <subtitle>Threshold compared against wrong column</subtitle>
  <facts>
    <fact>release used summarized_at instead of created_at</fact>
    <fact>fresh rows were released immediately</fact>
  </facts>
  <narrative>The release query compared the wrong timestamp.</narrative>
  <concepts>
    <concept>queue</concept>
    <concept>crash-recovery</concept>
  </concepts>
  <files_read><file>internal/queue/queue.go</file></files_read>
  <files_modified><file>internal/queue/queue.go</file></files_modified>
</observation>

That covers everything notable.
`

func TestParseObservations_Full(t *testing.T) {
	obs := ParseObservations(sampleObservation, "content-1")
	if len(obs) != 1 {
		t.Fatalf("got %d observations, want 1", len(obs))
	}

	o := obs[0]
	if o.Type != "bugfix" {
		t.Errorf("type = %q", o.Type)
	}
	if o.Title != "Fixed stall release cutoff" {
		t.Errorf("title = %q", o.Title)
	}
	if o.Subtitle != "Threshold compared against wrong column" {
		t.Errorf("subtitle = %q", o.Subtitle)
	}
	if len(o.Facts) != 2 || o.Facts[0] != "release used summarized_at instead of created_at" {
		t.Errorf("facts = %v", o.Facts)
	}
	if len(o.Concepts) != 2 || o.Concepts[1] != "crash-recovery" {
		t.Errorf("concepts = %v", o.Concepts)
	}
	if len(o.FilesRead) != 1 || o.FilesRead[0] != "internal/queue/queue.go" {
		t.Errorf("files_read = %v", o.FilesRead)
	}
	if len(o.FilesModified) != 1 {
		t.Errorf("files_modified = %v", o.FilesModified)
	}
}

func TestParseObservations_MultipleBlocks(t *testing.T) {
	content := `<observation><title>first</title></observation>
some commentary between blocks
<observation><title>second</title><type>decision</type></observation>`

	obs := ParseObservations(content, "content-1")
	if len(obs) != 2 {
		t.Fatalf("got %d observations, want 2", len(obs))
	}
	if obs[0].Title != "first" || obs[1].Title != "second" {
		t.Errorf("titles = %q, %q", obs[0].Title, obs[1].Title)
	}
	if obs[1].Type != "decision" {
		t.Errorf("type = %q", obs[1].Type)
	}
}

func TestParseObservations_DefaultsAndDrops(t *testing.T) {
	// Missing type defaults to discovery; missing title drops the block.
	content := `<observation><title>kept</title></observation>
<observation><type>bugfix</type><narrative>no title here</narrative></observation>`

	obs := ParseObservations(content, "content-1")
	if len(obs) != 1 {
		t.Fatalf("got %d observations, want 1", len(obs))
	}
	if obs[0].Type != "discovery" {
		t.Errorf("default type = %q, want discovery", obs[0].Type)
	}
}

func TestParseObservations_LenientInput(t *testing.T) {
	// Raw ampersands and bare angle brackets would break an XML decoder.
	content := `<observation>
<title>Parser handles a < b && c > d</title>
<facts><fact>code & markup mix freely</fact></facts>
</observation>`

	obs := ParseObservations(content, "content-1")
	if len(obs) != 1 {
		t.Fatalf("got %d observations, want 1", len(obs))
	}
	if obs[0].Title != "Parser handles a < b && c > d" {
		t.Errorf("title = %q", obs[0].Title)
	}
}

func TestParseObservations_Empty(t *testing.T) {
	for _, content := range []string{
		"",
		"No observations worth recording.",
		"<observation><title>unclosed",
	} {
		if obs := ParseObservations(content, "content-1"); len(obs) != 0 {
			t.Errorf("content %q produced %d observations", content, len(obs))
		}
	}
}

func TestParseSummary(t *testing.T) {
	content := `<summary>
  <request>add a retry budget</request>
  <investigated>queue mark paths</investigated>
  <learned>failures revert to pending until budget</learned>
  <completed>budget implemented</completed>
  <next_steps>wire stats endpoint</next_steps>
  <notes>stall release leaves retry_count alone</notes>
</summary>`

	sum := ParseSummary(content, 1)
	if sum == nil {
		t.Fatal("got nil summary")
	}
	if sum.Request != "add a retry budget" {
		t.Errorf("request = %q", sum.Request)
	}
	if sum.NextSteps != "wire stats endpoint" {
		t.Errorf("next_steps = %q", sum.NextSteps)
	}
	if sum.Notes != "stall release leaves retry_count alone" {
		t.Errorf("notes = %q", sum.Notes)
	}
}

func TestParseSummary_PartialFields(t *testing.T) {
	sum := ParseSummary("<summary><request>just this</request></summary>", 1)
	if sum == nil {
		t.Fatal("got nil summary")
	}
	if sum.Request != "just this" || sum.Learned != "" {
		t.Errorf("summary = %+v", sum)
	}
}

func TestParseSummary_Nil(t *testing.T) {
	for _, content := range []string{
		"",
		"I could not produce a summary.",
		"<summary></summary>",
		"<summary><request></request><notes>  </notes></summary>",
	} {
		if sum := ParseSummary(content, 1); sum != nil {
			t.Errorf("content %q produced summary %+v", content, sum)
		}
	}
}

func TestParseSummary_FirstBlockWins(t *testing.T) {
	content := `<summary><request>first</request></summary>
<summary><request>second</request></summary>`

	sum := ParseSummary(content, 1)
	if sum == nil || sum.Request != "first" {
		t.Errorf("summary = %+v, want first block", sum)
	}
}
