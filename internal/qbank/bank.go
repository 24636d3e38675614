// Package qbank loads pre-generated scenario cases from a line-delimited
// corpus and serves them without repeats within a run.
package qbank

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
)

// Entry is one case from the corpus, keyed by a stable uid and a normalized
// fingerprint used for duplicate detection.
type Entry struct {
	UID     string
	Payload map[string]any
}

// Fingerprint is a normalized composite key (issue + customer tier). Cases
// regenerated with cosmetic differences still collide here, which is the
// point. Falls back to the uid when the composite is empty.
func (e Entry) Fingerprint() string {
	issue, _ := e.Payload["issue"].(string)
	tier, _ := e.Payload["customer_tier"].(string)
	key := strings.ToLower(strings.TrimSpace(issue + "|" + tier))
	if key == "|" || key == "" {
		return e.UID
	}
	return key
}

// Bank is an in-memory question bank. Not safe for concurrent use; callers
// serialize access (the pipeline holds a per-scenario lock while sampling).
type Bank struct {
	entries   []Entry
	rng       *rand.Rand
	available []int
	usedFP    map[string]struct{}
}

// Open reads the corpus at path. Missing files and corpora with zero
// parseable records are load-time errors; malformed lines are skipped.
func Open(path string, seed int64) (*Bank, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open question bank: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var data map[string]any
		if err := json.Unmarshal([]byte(line), &data); err != nil {
			continue
		}
		entries = append(entries, Entry{UID: entryUID(data, len(entries)), Payload: data})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read question bank %s: %w", path, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("question bank at %s is empty", path)
	}

	b := &Bank{
		entries: entries,
		rng:     rand.New(rand.NewSource(seed)),
		usedFP:  make(map[string]struct{}),
	}
	b.refill()
	return b, nil
}

func entryUID(data map[string]any, index int) string {
	for _, key := range []string{"id", "uid", "issue"} {
		switch v := data[key].(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return strconv.Itoa(index)
}

// Len returns the corpus size.
func (b *Bank) Len() int { return len(b.entries) }

// Remaining returns how many entries are left in the current draw pool.
func (b *Bank) Remaining() int { return len(b.available) }

func (b *Bank) refill() {
	b.available = make([]int, len(b.entries))
	for i := range b.entries {
		b.available[i] = i
	}
}

// Sample returns a case whose fingerprint has not been used this run. When
// the draw pool empties it is refilled from the full corpus; fingerprint
// de-duplication still applies until every fingerprint is exhausted, after
// which any record may be returned.
func (b *Bank) Sample() map[string]any {
	if len(b.available) == 0 {
		b.refill()
	}

	for retries := len(b.available); retries > 0 && len(b.available) > 0; retries-- {
		pos := b.rng.Intn(len(b.available))
		index := b.available[pos]
		b.available = append(b.available[:pos], b.available[pos+1:]...)
		entry := b.entries[index]
		fp := entry.Fingerprint()
		if _, used := b.usedFP[fp]; used {
			continue
		}
		b.usedFP[fp] = struct{}{}
		return entry.Payload
	}

	// Every fingerprint has been seen; fall back to any record.
	return b.entries[b.rng.Intn(len(b.entries))].Payload
}

// Preview returns up to count random entries for inspection, without
// affecting the draw pool or fingerprint history.
func (b *Bank) Preview(count int) []map[string]any {
	if count > len(b.entries) {
		count = len(b.entries)
	}
	perm := b.rng.Perm(len(b.entries))
	out := make([]map[string]any, 0, count)
	for _, idx := range perm[:count] {
		out = append(out, b.entries[idx].Payload)
	}
	return out
}
