package deployer

import (
	"sort"
	"sync"
	"time"
)

// Stream identifies which child stream a log line was read from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// TimestampLayout is the prefix format stamped on every captured line, both
// in the ring and in the persisted output blobs. Sub-second precision is kept
// in Line.At for ordering but not written into the prefix.
const TimestampLayout = "2006-01-02 15:04:05"

// Line is one captured log line. Text already carries the timestamp prefix.
type Line struct {
	At     time.Time
	Stream Stream
	Text   string
}

// Ring is the in-memory ordered log buffer owned by a Runner for the lifetime
// of its deployment. The runner's two stream readers append concurrently;
// log subscribers hold a read-only cursor (an index into the buffer) and poll
// for growth. Entries are only ever appended, never mutated, so a cursor
// stays valid for the lifetime of the ring.
type Ring struct {
	mu    sync.RWMutex
	lines []Line
}

// NewRing returns an empty ring.
func NewRing() *Ring {
	return &Ring{}
}

// Append stamps text with the current time and adds it to the ring.
func (r *Ring) Append(stream Stream, text string) {
	now := time.Now()
	line := Line{
		At:     now,
		Stream: stream,
		Text:   "[" + now.Format(TimestampLayout) + "] " + text,
	}

	r.mu.Lock()
	r.lines = append(r.lines, line)
	r.mu.Unlock()
}

// Len returns the current number of lines.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.lines)
}

// Since returns a copy of the lines appended at or after cursor.
func (r *Ring) Since(cursor int) []Line {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cursor >= len(r.lines) {
		return nil
	}
	out := make([]Line, len(r.lines)-cursor)
	copy(out, r.lines[cursor:])
	return out
}

// Snapshot returns a copy of all lines.
func (r *Ring) Snapshot() []Line {
	return r.Since(0)
}

// SortByTime stable-sorts lines by timestamp. Within one stream the reader
// appends in production order and timestamps are monotone, so stability
// preserves per-stream order; across streams the merge is a best effort
// because timestamps are assigned at read time.
func SortByTime(lines []Line) {
	sort.SliceStable(lines, func(i, j int) bool {
		return lines[i].At.Before(lines[j].At)
	})
}
