package ledger

import (
	"path/filepath"
	"testing"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "run.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestLedger_RecordAndSummary(t *testing.T) {
	l := openTestLedger(t)

	entries := []Entry{
		{RunName: "run-a", Scenario: "terminal", ScenarioID: "terminal/1", UUID: "u1", Status: "accepted", Score: 0.9},
		{RunName: "run-a", Scenario: "terminal", ScenarioID: "terminal/2", Status: "rejected", Detail: "low score", Score: 0.4},
		{RunName: "run-a", Scenario: "telecom", ScenarioID: "telecom/1", UUID: "u2", Status: "accepted", Score: 0.8},
		{RunName: "run-b", Scenario: "telecom", ScenarioID: "telecom/9", Status: "failed", Detail: "endpoint 503"},
	}
	for _, e := range entries {
		if err := l.Record(e); err != nil {
			t.Fatal(err)
		}
	}

	summary, err := l.Summary("run-a")
	if err != nil {
		t.Fatal(err)
	}
	if summary["accepted"] != 2 || summary["rejected"] != 1 {
		t.Fatalf("summary=%v", summary)
	}
	if _, ok := summary["failed"]; ok {
		t.Fatalf("run-b outcome leaked into run-a summary: %v", summary)
	}

	uuids, err := l.Accepted("run-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(uuids) != 2 || uuids[0] != "u1" || uuids[1] != "u2" {
		t.Fatalf("accepted uuids=%v", uuids)
	}
}

func TestLedger_RejectsInvalidStatus(t *testing.T) {
	l := openTestLedger(t)
	if err := l.Record(Entry{RunName: "r", Scenario: "s", Status: "maybe"}); err == nil {
		t.Fatalf("invalid status must be rejected")
	}
}
