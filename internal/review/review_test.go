package review

import (
	"encoding/json"
	"math"
	"testing"
)

func TestParse_SurroundingTextAndEmbeddedBraces(t *testing.T) {
	t.Parallel()
	raw := "Reviewer notes before JSON.\n{\"score\": \"0.75\", \"needs_revision\": \"false\", \"feedback\": \"Looks good {mostly}\"}\nClosing thoughts."

	fb := Parse(raw)

	if math.Abs(fb.Score-0.75) > 1e-9 {
		t.Fatalf("score=%v, want 0.75", fb.Score)
	}
	if fb.NeedsRevision {
		t.Fatalf("needs_revision=true, want false")
	}
	if fb.Feedback != "Looks good {mostly}" {
		t.Fatalf("feedback=%q", fb.Feedback)
	}
	if fb.ChineseSummary != "" {
		t.Fatalf("chinese_summary=%q, want empty", fb.ChineseSummary)
	}
}

func TestParse_ReturnsFirstJSONObject(t *testing.T) {
	t.Parallel()
	raw := `Preface text. {"score": 0.2, "needs_revision": false, "feedback": "first"}` +
		` {"score": 1.0, "needs_revision": false, "feedback": "second"}`

	fb := Parse(raw)

	if math.Abs(fb.Score-0.2) > 1e-9 {
		t.Fatalf("score=%v, want 0.2", fb.Score)
	}
	if fb.Feedback != "first" {
		t.Fatalf("feedback=%q, want first", fb.Feedback)
	}
}

func TestParse_PureProseFallsBack(t *testing.T) {
	t.Parallel()
	raw := "The reviewer responded with unstructured text."

	fb := Parse(raw)

	if fb.Score != 0.0 {
		t.Fatalf("score=%v, want 0", fb.Score)
	}
	if !fb.NeedsRevision {
		t.Fatalf("needs_revision=false, want true")
	}
	if fb.Feedback != raw {
		t.Fatalf("feedback=%q, want raw input", fb.Feedback)
	}
}

func TestParse_EmptyInputUsesSentinel(t *testing.T) {
	t.Parallel()
	fb := Parse("   ")
	if fb.Feedback != missingFeedbackSentinel {
		t.Fatalf("feedback=%q, want sentinel", fb.Feedback)
	}
	if !fb.NeedsRevision {
		t.Fatalf("needs_revision=false, want true")
	}
}

func TestParse_NeedsRevisionCoercion(t *testing.T) {
	t.Parallel()
	cases := []struct {
		value any
		want  bool
	}{
		{"false", false},
		{"False", false},
		{"no", false},
		{"0", false},
		{"off", false},
		{float64(0), false},
		{float64(1), true},
		{"yes", true},
		{"on", true},
		{true, true},
	}
	for _, tc := range cases {
		payload, err := json.Marshal(map[string]any{
			"score":          0.1,
			"needs_revision": tc.value,
			"feedback":       "placeholder",
		})
		if err != nil {
			t.Fatal(err)
		}
		fb := Parse(string(payload))
		if fb.NeedsRevision != tc.want {
			t.Fatalf("value=%v: needs_revision=%t, want %t", tc.value, fb.NeedsRevision, tc.want)
		}
	}
}

func TestParse_ScoreClamping(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw  string
		want float64
	}{
		{`{"score": 1.7, "needs_revision": false}`, 1.0},
		{`{"score": -0.3, "needs_revision": false}`, 0.0},
		{`{"score": "not a number", "needs_revision": false}`, 0.0},
		{`{"needs_revision": false}`, 0.0},
	}
	for _, tc := range cases {
		fb := Parse(tc.raw)
		if fb.Score != tc.want {
			t.Fatalf("raw=%s: score=%v, want %v", tc.raw, fb.Score, tc.want)
		}
	}
}

func TestParse_ChineseSummaryPassthrough(t *testing.T) {
	t.Parallel()
	fb := Parse(`{"score": 0.9, "needs_revision": false, "feedback": "ok", "chinese_summary": "覆盖核心步骤"}`)
	if fb.ChineseSummary != "覆盖核心步骤" {
		t.Fatalf("chinese_summary=%q", fb.ChineseSummary)
	}
}

func TestParse_EscapedQuotesInsideStrings(t *testing.T) {
	t.Parallel()
	fb := Parse(`{"score": 0.5, "needs_revision": false, "feedback": "quoted \"brace {\" inside"}`)
	if fb.Feedback != `quoted "brace {" inside` {
		t.Fatalf("feedback=%q", fb.Feedback)
	}
}
