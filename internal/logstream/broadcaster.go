// Package logstream delivers the ordered log stream of a deployment to any
// number of concurrent subscribers over server-sent events.
//
// A live deployment is served from its runner's in-memory ring: the current
// contents are replayed sorted by timestamp, then the subscriber polls the
// ring for growth every 500ms until the deployment reaches a terminal
// status. A finished deployment is reconstructed from the persisted stdout
// and stderr blobs by parsing the timestamp prefix of each line and merging
// the two streams stably by time.
//
// Subscribers never block the producer: each holds only a cursor into the
// ring, and a disconnected subscriber simply stops polling.
package logstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pushbot-io/pushbot/internal/db"
	"github.com/pushbot-io/pushbot/internal/deployer"
	"github.com/pushbot-io/pushbot/internal/repositories"
)

// pollInterval is how often a live subscriber checks the ring for new lines
// and the deployment row for a terminal status.
const pollInterval = 500 * time.Millisecond

// linePrefix matches the timestamp stamped on every captured line.
// Fractional seconds are accepted for compatibility with blobs that carry
// them, though the runner persists whole seconds only.
var linePrefix = regexp.MustCompile(`^\[(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}(?:\.\d{1,3})?)\]`)

// RunnerSource resolves the live runner of a deployment, if any.
// Implemented by the scheduler.
type RunnerSource interface {
	Runner(deploymentID uint) *deployer.Runner
}

// event is one SSE payload.
type event struct {
	Type     string `json:"type"` // "stdout", "stderr", or "status"
	Line     string `json:"line,omitempty"`
	Status   string `json:"status,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
}

// Broadcaster serves log streams for live and finished deployments.
type Broadcaster struct {
	runners     RunnerSource
	deployments repositories.DeploymentRepository
	logger      *zap.Logger
}

// New creates a Broadcaster.
func New(runners RunnerSource, deployments repositories.DeploymentRepository, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		runners:     runners,
		deployments: deployments,
		logger:      logger.Named("logstream"),
	}
}

// ServeSSE streams the log of the deployment to w until the deployment is
// terminal or ctx is cancelled. The caller has already resolved the
// deployment row; it is used to pick the live or replay path.
func (b *Broadcaster) ServeSSE(ctx context.Context, w http.ResponseWriter, d *db.Deployment) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("logstream: response writer does not support flushing")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	// Tell buffering reverse proxies (nginx) to pass events through.
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if runner := b.runners.Runner(d.ID); runner != nil {
		return b.streamLive(ctx, w, flusher, d.ID, runner)
	}
	return b.replay(ctx, w, flusher, d)
}

// streamLive replays the ring's current contents and then follows growth
// until the deployment row turns terminal.
func (b *Broadcaster) streamLive(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, deploymentID uint, runner *deployer.Runner) error {
	ring := runner.Ring()

	snapshot := ring.Snapshot()
	deployer.SortByTime(snapshot)
	for _, line := range snapshot {
		if err := writeEvent(w, flusher, lineEvent(line)); err != nil {
			return err
		}
	}
	cursor := len(snapshot)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Subscriber went away; nothing to clean up beyond the cursor.
			return nil
		case <-ticker.C:
		}

		fresh := ring.Since(cursor)
		if len(fresh) > 0 {
			cursor += len(fresh)
			deployer.SortByTime(fresh)
			for _, line := range fresh {
				if err := writeEvent(w, flusher, lineEvent(line)); err != nil {
					return err
				}
			}
		}

		current, err := b.deployments.GetByID(ctx, deploymentID)
		if err != nil {
			return fmt.Errorf("logstream: reload deployment: %w", err)
		}
		if db.IsTerminal(current.Status) {
			// Drain whatever arrived between the last poll and finalization.
			if tail := ring.Since(cursor); len(tail) > 0 {
				deployer.SortByTime(tail)
				for _, line := range tail {
					if err := writeEvent(w, flusher, lineEvent(line)); err != nil {
						return err
					}
				}
			}
			return writeEvent(w, flusher, statusEvent(current))
		}
	}
}

// replay reconstructs the ordered stream from the persisted blobs.
func (b *Broadcaster) replay(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, d *db.Deployment) error {
	lines := append(
		parseBlob(d.Stdout, deployer.StreamStdout),
		parseBlob(d.Stderr, deployer.StreamStderr)...,
	)
	// Stable: per-stream order is preserved for lines within the same second.
	sort.SliceStable(lines, func(i, j int) bool {
		return lines[i].At.Before(lines[j].At)
	})

	for _, line := range lines {
		if ctx.Err() != nil {
			return nil
		}
		if err := writeEvent(w, flusher, lineEvent(line)); err != nil {
			return err
		}
	}
	return writeEvent(w, flusher, statusEvent(d))
}

// parseBlob splits a persisted output blob into lines with recovered
// timestamps. A line without the prefix keeps the zero time so it sorts
// before everything else, stably.
func parseBlob(blob string, stream deployer.Stream) []deployer.Line {
	if blob == "" {
		return nil
	}

	var lines []deployer.Line
	for _, text := range strings.Split(blob, "\n") {
		if strings.TrimSpace(text) == "" {
			continue
		}
		lines = append(lines, deployer.Line{
			At:     parseLineTime(text),
			Stream: stream,
			Text:   text,
		})
	}
	return lines
}

// parseLineTime recovers the timestamp from a persisted line prefix.
func parseLineTime(text string) time.Time {
	m := linePrefix.FindStringSubmatch(text)
	if m == nil {
		return time.Time{}
	}

	layout := deployer.TimestampLayout
	if i := strings.IndexByte(m[1], '.'); i >= 0 {
		// The layout's fractional digit count must match the prefix exactly.
		layout += "." + strings.Repeat("0", len(m[1])-i-1)
	}
	t, err := time.ParseInLocation(layout, m[1], time.Local)
	if err != nil {
		return time.Time{}
	}
	return t
}

func lineEvent(line deployer.Line) event {
	return event{Type: string(line.Stream), Line: line.Text}
}

func statusEvent(d *db.Deployment) event {
	return event{Type: "status", Status: d.Status, ExitCode: d.ExitCode}
}

// writeEvent frames one SSE event and flushes it immediately so subscribers
// see lines as they are produced.
func writeEvent(w http.ResponseWriter, flusher http.Flusher, ev event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("logstream: marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
