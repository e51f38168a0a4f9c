// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package profiler is the append-only per-run event sink, with two export
// surfaces: a JSON event file named <prefix>_<timestamp>.json and
// process-wide Prometheus metrics.
//
// The Prometheus registry is process-global and write-once (promauto
// registration at package init), so it needs no explicit lifecycle.
package profiler

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"k8s.io/klog/v2"
)

var (
	nodeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "modelrt",
		Name:      "node_duration_seconds",
		Help:      "Wall-clock duration of individual kernel dispatches.",
		Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 12),
	}, []string{"op", "provider"})

	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modelrt",
		Name:      "runs_total",
		Help:      "Completed session runs by outcome.",
	}, []string{"status"})
)

// CountRun increments the per-outcome run counter ("ok", "error",
// "cancelled").
func CountRun(status string) { runsTotal.WithLabelValues(status).Inc() }

// Event is one profiler record.
type Event struct {
	Name     string         `json:"name"`
	Category string         `json:"cat"`
	RunTag   string         `json:"run_tag,omitempty"`
	StartUS  int64          `json:"ts"`
	DurUS    int64          `json:"dur"`
	Args     map[string]any `json:"args,omitempty"`
}

// Profiler collects events for one session. Safe for concurrent use.
type Profiler struct {
	prefix    string
	sessionID string

	mu     sync.Mutex
	events []Event
}

// New returns a Profiler whose output files carry the given prefix.
func New(prefix string) *Profiler {
	return &Profiler{prefix: prefix, sessionID: uuid.NewString()}
}

// SessionID returns the unique id stamped on this profiler's output.
func (p *Profiler) SessionID() string { return p.sessionID }

// RecordNode appends a kernel-dispatch event and feeds the Prometheus
// histogram.
func (p *Profiler) RecordNode(nodeName, op, provider, runTag string, start time.Time, dur time.Duration) {
	if p == nil {
		return
	}
	nodeDuration.WithLabelValues(op, provider).Observe(dur.Seconds())
	p.append(Event{
		Name:     nodeName,
		Category: op,
		RunTag:   runTag,
		StartUS:  start.UnixMicro(),
		DurUS:    dur.Microseconds(),
		Args:     map[string]any{"provider": provider},
	})
}

// RecordRun appends a whole-run event, including a human-readable account
// of the activation memory the run moved.
func (p *Profiler) RecordRun(runTag string, start time.Time, dur time.Duration, activationBytes uint64, status string) {
	if p == nil {
		return
	}
	p.append(Event{
		Name:     "run",
		Category: "session",
		RunTag:   runTag,
		StartUS:  start.UnixMicro(),
		DurUS:    dur.Microseconds(),
		Args: map[string]any{
			"status":            status,
			"activation_memory": humanize.IBytes(activationBytes),
		},
	})
}

func (p *Profiler) append(e Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

// Events returns a snapshot of the recorded events.
func (p *Profiler) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// WriteJSON writes the collected events to <prefix>_<timestamp>.json in
// dir ("." when empty) and returns the file path.
func (p *Profiler) WriteJSON(dir string) (string, error) {
	if dir == "" {
		dir = "."
	}
	name := p.prefix + "_" + strconv.FormatInt(time.Now().Unix(), 10) + ".json"
	path := filepath.Join(dir, name)

	payload := struct {
		SessionID string  `json:"session_id"`
		Events    []Event `json:"events"`
	}{SessionID: p.sessionID, Events: p.Events()}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", errors.WithMessage(err, "profiler: marshal failed")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", errors.WithMessagef(err, "profiler: writing %s", path)
	}
	klog.V(1).Infof("profiler: wrote %d event(s) to %s", len(payload.Events), path)
	return path, nil
}
