// Package keyring manages provider API keys: round-robin handout, quarantine
// on auth/rate-limit failures, and quarantine persistence across restarts.
package keyring

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
)

// ErrNoKey is returned when every key for a provider is quarantined (or the
// provider has no keys configured at all).
var ErrNoKey = errors.New("keyring: no usable key")

// Default quarantine durations per failure class.
const (
	RateLimitQuarantine = time.Hour
	AuthQuarantine      = 24 * time.Hour
)

// Lease identifies a handed-out key so callers can quarantine exactly the key
// they used.
type Lease struct {
	Provider string
	index    int
}

type keySlot struct {
	key         string
	fingerprint string
	until       time.Time // zero when active
}

type providerKeys struct {
	slots []keySlot
	next  int // round-robin cursor
}

// Manager is safe for concurrent use.
type Manager struct {
	mu        sync.Mutex
	providers map[string]*providerKeys
	path      string
	logger    *slog.Logger
	now       func() time.Time
}

// quarantineEntry is the persisted form; raw keys never hit disk.
type quarantineEntry struct {
	Provider       string `json:"provider"`
	KeyFingerprint string `json:"key_fingerprint"`
	UntilEpoch     int64  `json:"until_epoch"`
}

// New creates a Manager persisting quarantine state to path
// (e.g. data/key_quarantine.json). Existing still-active quarantines are
// restored.
func New(path string, logger *slog.Logger) *Manager {
	m := &Manager{
		providers: make(map[string]*providerKeys),
		path:      path,
		logger:    logger.With("component", "keyring"),
		now:       time.Now,
	}
	return m
}

// SetKeys registers the ordered key list for a provider, then re-applies any
// persisted quarantines matching the key fingerprints.
func (m *Manager) SetKeys(provider string, keys []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pk := &providerKeys{}
	for _, k := range keys {
		pk.slots = append(pk.slots, keySlot{key: k, fingerprint: Fingerprint(k)})
	}
	m.providers[provider] = pk
	m.restoreLocked(provider)
}

// Acquire returns the next non-quarantined key for provider using round-robin
// order, together with a lease for later quarantine.
func (m *Manager) Acquire(provider string) (string, Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pk, ok := m.providers[provider]
	if !ok || len(pk.slots) == 0 {
		return "", Lease{}, fmt.Errorf("%w for provider %s", ErrNoKey, provider)
	}

	now := m.now()
	for i := 0; i < len(pk.slots); i++ {
		idx := (pk.next + i) % len(pk.slots)
		slot := &pk.slots[idx]
		if !slot.until.IsZero() && now.Before(slot.until) {
			continue
		}
		slot.until = time.Time{}
		pk.next = (idx + 1) % len(pk.slots)
		return slot.key, Lease{Provider: provider, index: idx}, nil
	}
	return "", Lease{}, fmt.Errorf("%w for provider %s (all quarantined)", ErrNoKey, provider)
}

// Quarantine marks the leased key unusable until now+d. Deadlines never move
// backwards: an existing later deadline wins.
func (m *Manager) Quarantine(lease Lease, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pk, ok := m.providers[lease.Provider]
	if !ok || lease.index >= len(pk.slots) {
		return
	}
	slot := &pk.slots[lease.index]
	until := m.now().Add(d)
	if until.After(slot.until) {
		slot.until = until
	}
	m.logger.Warn("key quarantined",
		"provider", lease.Provider,
		"fingerprint", slot.fingerprint,
		"until", slot.until,
	)
	if err := m.persistLocked(); err != nil {
		m.logger.Error("persist quarantine state", "error", err)
	}
}

// ActiveKeys reports how many keys are currently usable for provider.
func (m *Manager) ActiveKeys(provider string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	pk, ok := m.providers[provider]
	if !ok {
		return 0
	}
	now := m.now()
	n := 0
	for _, s := range pk.slots {
		if s.until.IsZero() || !now.Before(s.until) {
			n++
		}
	}
	return n
}

// persistLocked writes all active quarantines via write-temp + atomic rename.
func (m *Manager) persistLocked() error {
	var entries []quarantineEntry
	now := m.now()
	for name, pk := range m.providers {
		for _, s := range pk.slots {
			if !s.until.IsZero() && now.Before(s.until) {
				entries = append(entries, quarantineEntry{
					Provider:       name,
					KeyFingerprint: s.fingerprint,
					UntilEpoch:     s.until.Unix(),
				})
			}
		}
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal quarantine state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		return fmt.Errorf("write quarantine state: %w", err)
	}
	return os.Rename(tmp, m.path)
}

// restoreLocked re-applies persisted quarantines for one provider's keys.
func (m *Manager) restoreLocked(provider string) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return // no prior state
	}
	var entries []quarantineEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		m.logger.Warn("ignoring corrupt quarantine file", "path", m.path, "error", err)
		return
	}

	pk := m.providers[provider]
	now := m.now()
	for _, e := range entries {
		if e.Provider != provider {
			continue
		}
		until := time.Unix(e.UntilEpoch, 0)
		if !now.Before(until) {
			continue
		}
		for i := range pk.slots {
			if pk.slots[i].fingerprint == e.KeyFingerprint && until.After(pk.slots[i].until) {
				pk.slots[i].until = until
				m.logger.Info("restored key quarantine",
					"provider", provider,
					"fingerprint", e.KeyFingerprint,
					"until", until,
				)
			}
		}
	}
}

// Fingerprint returns a short stable identifier for a key, safe to persist.
func Fingerprint(key string) string {
	sum := blake2b.Sum256([]byte(key))
	return hex.EncodeToString(sum[:8])
}
