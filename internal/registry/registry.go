// Package registry discovers reachable providers and their models and
// applies the configured tier filter.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/convene-ai/convene/internal/config"
	"github.com/convene-ai/convene/internal/metrics"
	"github.com/convene-ai/convene/internal/provider"
)

// probeTimeout bounds each provider's model enumeration during refresh.
const probeTimeout = 10 * time.Second

// Entry describes one registered provider and its discovery traits.
type Entry struct {
	Provider provider.Provider
	// FreeMarker marks free models by id substring when pricing is absent.
	FreeMarker string
	// Local marks on-machine providers (always free, preferred in failover).
	Local bool
}

type providerState struct {
	entry     Entry
	reachable bool
	models    map[string]provider.ModelInfo
}

// Registry is safe for concurrent use; Refresh serialises internally.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*providerState
	tier      config.Tier
	logger    *slog.Logger
	sf        singleflight.Group
}

// New creates an empty registry with the given tier filter.
func New(tier config.Tier, logger *slog.Logger) *Registry {
	return &Registry{
		providers: make(map[string]*providerState),
		tier:      tier,
		logger:    logger.With("component", "model-registry"),
	}
}

// Register adds a provider before the first Refresh.
func (r *Registry) Register(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[e.Provider.Name()] = &providerState{entry: e}
}

// Provider returns the adapter registered under name.
func (r *Registry) Provider(name string) (provider.Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.providers[name]
	if !ok {
		return nil, false
	}
	return st.entry.Provider, true
}

// IsLocal reports whether name is a local provider.
func (r *Registry) IsLocal(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.providers[name]
	return ok && st.entry.Local
}

// Refresh probes every provider and rebuilds the model table. Concurrent
// callers share a single probe run. Idempotent.
func (r *Registry) Refresh(ctx context.Context) error {
	_, err, _ := r.sf.Do("refresh", func() (any, error) {
		r.refresh(ctx)
		return nil, nil
	})
	return err
}

func (r *Registry) refresh(ctx context.Context) {
	r.mu.RLock()
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	r.mu.RUnlock()

	for _, name := range names {
		r.mu.RLock()
		st := r.providers[name]
		p := st.entry.Provider
		marker := st.entry.FreeMarker
		local := st.entry.Local
		r.mu.RUnlock()

		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		models, err := p.ListModels(probeCtx)
		cancel()

		r.mu.Lock()
		if err != nil {
			st.reachable = false
			st.models = nil
			r.mu.Unlock()
			r.logger.Warn("provider unreachable", "provider", name, "error", err)
			continue
		}
		st.reachable = true
		st.models = make(map[string]provider.ModelInfo, len(models))
		kept := 0
		for _, m := range models {
			if r.tier == config.TierFree && !r.isFree(m, marker, local) {
				continue
			}
			st.models[m.ID] = m
			kept++
		}
		r.mu.Unlock()
		r.logger.Info("provider probed", "provider", name, "models", kept, "tier", string(r.tier))
	}
}

// isFree applies the FREE tier rule: local providers are free; otherwise the
// model must declare zero pricing, and when the provider uses a free marker
// its id must carry it.
func (r *Registry) isFree(m provider.ModelInfo, marker string, local bool) bool {
	if local {
		return true
	}
	if !m.Free() {
		return false
	}
	if marker != "" && !strings.Contains(m.ID, marker) {
		return false
	}
	return true
}

// IsFree reports whether (provider, model) is costless: local providers
// always, remote models when they pass the free rule.
func (r *Registry) IsFree(providerName, model string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.providers[providerName]
	if !ok {
		return false
	}
	if st.entry.Local {
		return true
	}
	m, ok := st.models[model]
	if !ok {
		return false
	}
	return r.isFree(m, st.entry.FreeMarker, st.entry.Local)
}

// IsReachable reports whether the provider answered its last probe.
func (r *Registry) IsReachable(providerName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.providers[providerName]
	return ok && st.reachable
}

// IsAvailable reports whether (provider, model) passed the last probe and
// the tier filter.
func (r *Registry) IsAvailable(providerName, model string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.providers[providerName]
	if !ok || !st.reachable {
		return false
	}
	_, ok = st.models[model]
	return ok
}

// ListAvailable returns every available (provider, model) pair, sorted by
// provider then model id for stable output. Duplicated model ids across
// providers are kept; callers disambiguate by provider.
func (r *Registry) ListAvailable() []metrics.ModelRef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var refs []metrics.ModelRef
	for name, st := range r.providers {
		if !st.reachable {
			continue
		}
		for id := range st.models {
			refs = append(refs, metrics.ModelRef{Provider: name, Model: id})
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Provider != refs[j].Provider {
			return refs[i].Provider < refs[j].Provider
		}
		return refs[i].Model < refs[j].Model
	})
	return refs
}
