// Package storage persists accepted training records as sharded dataset
// files under a per-run export directory.
package storage

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Record is the storage-side view of a serialized episode: the marshaled
// JSON line plus the fields the columnar format needs individually.
type Record struct {
	UUID    string
	Subset  string
	Payload json.RawMessage
}

// Summary reports what a writer produced over its lifetime.
type Summary struct {
	Records int
	Shards  int
	Dir     string
}

// Writer accumulates records and flushes them into shard files named
// shard-00000, shard-00001, ... A shard closes when it reaches ShardSize
// records or when the next record would push it past the byte budget.
// Writer is not safe for concurrent use; the scheduler is its only caller.
type Writer struct {
	dir         string
	format      string
	shardSize   int
	targetBytes int

	pending      []Record
	pendingBytes int
	shardIndex   int
	total        int
	finalized    bool
}

// NewWriter creates the export directory and returns a writer for it.
func NewWriter(dir, format string, shardSize, targetShardBytes int) (*Writer, error) {
	if shardSize <= 0 {
		return nil, fmt.Errorf("shard size must be positive, got %d", shardSize)
	}
	if targetShardBytes <= 0 {
		return nil, fmt.Errorf("target shard bytes must be positive, got %d", targetShardBytes)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}
	return &Writer{
		dir:         dir,
		format:      format,
		shardSize:   shardSize,
		targetBytes: targetShardBytes,
	}, nil
}

// Add buffers one record. A full shard is flushed before the record that
// would overflow it, so a single oversized record still lands in a shard of
// its own rather than failing.
func (w *Writer) Add(rec Record) error {
	if w.finalized {
		return fmt.Errorf("writer already finalized")
	}
	size := len(rec.Payload) + 1 // trailing newline
	if len(w.pending) > 0 && w.pendingBytes+size > w.targetBytes {
		if err := w.flush(); err != nil {
			return err
		}
	}
	w.pending = append(w.pending, rec)
	w.pendingBytes += size
	w.total++
	if len(w.pending) >= w.shardSize {
		return w.flush()
	}
	return nil
}

// Finalize flushes the remaining buffer and returns totals. The writer
// cannot be reused afterwards.
func (w *Writer) Finalize() (Summary, error) {
	if w.finalized {
		return Summary{}, fmt.Errorf("writer already finalized")
	}
	w.finalized = true
	if len(w.pending) > 0 {
		if err := w.flush(); err != nil {
			return Summary{}, err
		}
	}
	return Summary{Records: w.total, Shards: w.shardIndex, Dir: w.dir}, nil
}

func (w *Writer) flush() error {
	if len(w.pending) == 0 {
		return nil
	}
	name := fmt.Sprintf("shard-%05d.%s", w.shardIndex, w.format)
	path := filepath.Join(w.dir, name)

	var err error
	switch w.format {
	case "jsonl":
		err = writeJSONL(path, w.pending)
	case "csv":
		err = writeCSV(path, w.pending)
	default:
		err = fmt.Errorf("unsupported output format %q", w.format)
	}
	if err != nil {
		return fmt.Errorf("write shard %s: %w", name, err)
	}

	w.shardIndex++
	w.pending = nil
	w.pendingBytes = 0
	return nil
}

func writeJSONL(path string, records []Record) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if _, err := f.Write(rec.Payload); err != nil {
			f.Close()
			return err
		}
		if _, err := f.Write([]byte{'\n'}); err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}

// writeCSV emits a columnar shard with the identifying columns split out and
// the full record kept as a JSON payload column.
func writeCSV(path string, records []Record) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(f)
	if err := cw.Write([]string{"uuid", "subset", "payload_bytes", "payload"}); err != nil {
		f.Close()
		return err
	}
	for _, rec := range records {
		row := []string{rec.UUID, rec.Subset, strconv.Itoa(len(rec.Payload)), string(rec.Payload)}
		if err := cw.Write(row); err != nil {
			f.Close()
			return err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
