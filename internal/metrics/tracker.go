// Package metrics tracks per (provider, model) outcome counters and ranks
// models for selection and failover.
package metrics

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// minCallsForRank excludes models with too little signal from ranking.
const minCallsForRank = 3

// latencyWeight is the alpha in score = success_rate - alpha*normalised_latency.
const latencyWeight = 0.3

// ModelRef identifies a model on a provider.
type ModelRef struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

func (r ModelRef) String() string { return r.Provider + "/" + r.Model }

// Metric holds raw counters for one (provider, model).
type Metric struct {
	Successes      int64 `json:"successes"`
	Failures       int64 `json:"failures"`
	TotalLatencyNs int64 `json:"total_latency_ns"`
	Calls          int64 `json:"calls"`
}

// SuccessRate is Successes over Calls; 0 with no calls.
func (m Metric) SuccessRate() float64 {
	if m.Calls == 0 {
		return 0
	}
	return float64(m.Successes) / float64(m.Calls)
}

// MeanLatency is the average call latency; 0 with no calls.
func (m Metric) MeanLatency() time.Duration {
	if m.Calls == 0 {
		return 0
	}
	return time.Duration(m.TotalLatencyNs / m.Calls)
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu     sync.Mutex
	models map[ModelRef]*Metric
	path   string
	logger *slog.Logger
	dirty  bool
}

// New creates a Tracker persisting to path (e.g. data/model_metrics.json) and
// loads any prior state.
func New(path string, logger *slog.Logger) *Tracker {
	t := &Tracker{
		models: make(map[ModelRef]*Metric),
		path:   path,
		logger: logger.With("component", "metrics"),
	}
	t.load()
	return t
}

// Record registers one cycle outcome.
func (t *Tracker) Record(provider, model string, success bool, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ref := ModelRef{Provider: provider, Model: model}
	m, ok := t.models[ref]
	if !ok {
		m = &Metric{}
		t.models[ref] = m
	}
	m.Calls++
	m.TotalLatencyNs += latency.Nanoseconds()
	if success {
		m.Successes++
	} else {
		m.Failures++
	}
	t.dirty = true
}

// Get returns a copy of the metric for one model.
func (t *Tracker) Get(provider, model string) (Metric, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.models[ModelRef{Provider: provider, Model: model}]
	if !ok {
		return Metric{}, false
	}
	return *m, true
}

// Rank orders the given models best-first by
// success_rate - latencyWeight*normalised_latency. Models with fewer than
// minCallsForRank recorded calls keep their input order and sort after all
// ranked models (unknown is worse than measured-good, better than guessing).
func (t *Tracker) Rank(models []ModelRef) []ModelRef {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Normalise latency against the slowest ranked candidate.
	var maxLatency float64
	for _, ref := range models {
		if m, ok := t.models[ref]; ok && m.Calls >= minCallsForRank {
			if l := float64(m.MeanLatency()); l > maxLatency {
				maxLatency = l
			}
		}
	}

	type scored struct {
		ref    ModelRef
		score  float64
		ranked bool
		pos    int
	}
	out := make([]scored, 0, len(models))
	for i, ref := range models {
		s := scored{ref: ref, pos: i}
		if m, ok := t.models[ref]; ok && m.Calls >= minCallsForRank {
			s.ranked = true
			s.score = m.SuccessRate()
			if maxLatency > 0 {
				s.score -= latencyWeight * float64(m.MeanLatency()) / maxLatency
			}
		}
		out = append(out, s)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ranked != out[j].ranked {
			return out[i].ranked
		}
		if !out[i].ranked {
			return out[i].pos < out[j].pos
		}
		return out[i].score > out[j].score
	})

	ranked := make([]ModelRef, len(out))
	for i, s := range out {
		ranked[i] = s.ref
	}
	return ranked
}

// persisted is the on-disk shape, keyed "provider/model".
type persisted map[string]Metric

// Flush writes current counters via write-temp + atomic rename. A clean
// tracker is a no-op.
func (t *Tracker) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.dirty {
		return nil
	}
	p := make(persisted, len(t.models))
	for ref, m := range t.models {
		p[ref.String()] = *m
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(t.path), 0750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	if err := os.Rename(tmp, t.path); err != nil {
		return fmt.Errorf("rename metrics: %w", err)
	}
	t.dirty = false
	return nil
}

func (t *Tracker) load() {
	data, err := os.ReadFile(t.path)
	if err != nil {
		return
	}
	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		t.logger.Warn("ignoring corrupt metrics file", "path", t.path, "error", err)
		return
	}
	for key, m := range p {
		provider, model, ok := splitKey(key)
		if !ok {
			continue
		}
		metric := m
		t.models[ModelRef{Provider: provider, Model: model}] = &metric
	}
	t.logger.Info("model metrics loaded", "models", len(t.models))
}

// splitKey splits "provider/model"; the model part may itself contain slashes
// (e.g. openrouter ids), so only the first separator counts.
func splitKey(key string) (provider, model string, ok bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i], key[i+1:], true
		}
	}
	return "", "", false
}
