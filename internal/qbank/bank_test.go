package qbank

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func writeBank(t *testing.T, lines []string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bank.jsonl")
	content := ""
	for _, line := range lines {
		content += line + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestOpen_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := Open(filepath.Join(t.TempDir(), "absent.jsonl"), 1); err == nil {
		t.Fatalf("expected error for missing corpus")
	}
}

func TestOpen_EmptyCorpus(t *testing.T) {
	t.Parallel()
	path := writeBank(t, []string{"", "not json at all", "{broken"})
	if _, err := Open(path, 1); err == nil {
		t.Fatalf("expected error for corpus with zero parseable records")
	}
}

func TestOpen_SkipsMalformedLines(t *testing.T) {
	t.Parallel()
	path := writeBank(t, []string{
		`{"id": "a", "issue": "outage"}`,
		"{broken",
		`{"id": "b", "issue": "latency"}`,
	})
	b, err := Open(path, 1)
	if err != nil {
		t.Fatal(err)
	}
	if b.Len() != 2 {
		t.Fatalf("len=%d, want 2", b.Len())
	}
}

func TestSample_NoFingerprintRepeatsWithinCorpus(t *testing.T) {
	t.Parallel()
	lines := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		lines = append(lines, fmt.Sprintf(`{"id": "case-%d", "issue": "issue-%d", "customer_tier": "gold"}`, i, i))
	}
	b, err := Open(writeBank(t, lines), 42)
	if err != nil {
		t.Fatal(err)
	}

	seen := make(map[string]struct{})
	for i := 0; i < 20; i++ {
		payload := b.Sample()
		fp := Entry{Payload: payload}.Fingerprint()
		if _, dup := seen[fp]; dup {
			t.Fatalf("duplicate fingerprint %q at draw %d", fp, i)
		}
		seen[fp] = struct{}{}
	}
}

func TestSample_FallsBackAfterExhaustion(t *testing.T) {
	t.Parallel()
	lines := []string{
		`{"id": "a", "issue": "outage", "customer_tier": "gold"}`,
		`{"id": "b", "issue": "latency", "customer_tier": "silver"}`,
	}
	b, err := Open(writeBank(t, lines), 7)
	if err != nil {
		t.Fatal(err)
	}

	// Drain all unique fingerprints, then keep sampling; the bank must keep
	// returning records instead of blocking or failing.
	for i := 0; i < 10; i++ {
		if payload := b.Sample(); payload == nil {
			t.Fatalf("draw %d returned nil payload", i)
		}
	}
}

func TestSample_RefillAvoidsKnownFingerprints(t *testing.T) {
	t.Parallel()
	// Two records share a fingerprint, one is distinct. Draws 1 and 2 must
	// produce the two unique fingerprints.
	lines := []string{
		`{"id": "a", "issue": "outage", "customer_tier": "gold"}`,
		`{"id": "b", "issue": "outage", "customer_tier": "gold"}`,
		`{"id": "c", "issue": "latency", "customer_tier": "gold"}`,
	}
	b, err := Open(writeBank(t, lines), 3)
	if err != nil {
		t.Fatal(err)
	}
	first := Entry{Payload: b.Sample()}.Fingerprint()
	second := Entry{Payload: b.Sample()}.Fingerprint()
	if first == second {
		t.Fatalf("first two draws share fingerprint %q", first)
	}
}

func TestFingerprint_FallsBackToUID(t *testing.T) {
	t.Parallel()
	entry := Entry{UID: "uid-9", Payload: map[string]any{"task": "no issue field"}}
	if fp := entry.Fingerprint(); fp != "uid-9" {
		t.Fatalf("fingerprint=%q, want uid-9", fp)
	}
}

func TestPreview_DoesNotConsume(t *testing.T) {
	t.Parallel()
	lines := []string{
		`{"id": "a", "issue": "outage"}`,
		`{"id": "b", "issue": "latency"}`,
		`{"id": "c", "issue": "billing"}`,
	}
	b, err := Open(writeBank(t, lines), 5)
	if err != nil {
		t.Fatal(err)
	}
	got := b.Preview(2)
	if len(got) != 2 {
		t.Fatalf("preview returned %d entries, want 2", len(got))
	}
	if b.Remaining() != 3 {
		t.Fatalf("remaining=%d after preview, want 3", b.Remaining())
	}
}
