package keyring

import (
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.Default()
}

func TestAcquireRoundRobin(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "q.json"), testLogger())
	m.SetKeys("openrouter", []string{"k1", "k2", "k3"})

	var got []string
	for i := 0; i < 6; i++ {
		k, _, err := m.Acquire("openrouter")
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		got = append(got, k)
	}
	want := []string{"k1", "k2", "k3", "k1", "k2", "k3"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("acquire %d: got %s, want %s", i, got[i], want[i])
		}
	}
}

func TestAcquireNoKeys(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "q.json"), testLogger())
	if _, _, err := m.Acquire("nope"); !errors.Is(err, ErrNoKey) {
		t.Fatalf("expected ErrNoKey, got %v", err)
	}
}

func TestQuarantineSkipsKey(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "q.json"), testLogger())
	m.SetKeys("openai", []string{"a", "b"})

	_, lease, err := m.Acquire("openai") // hands out "a"
	if err != nil {
		t.Fatal(err)
	}
	m.Quarantine(lease, RateLimitQuarantine)

	for i := 0; i < 3; i++ {
		k, _, err := m.Acquire("openai")
		if err != nil {
			t.Fatal(err)
		}
		if k != "b" {
			t.Fatalf("expected only b while a quarantined, got %s", k)
		}
	}
	if n := m.ActiveKeys("openai"); n != 1 {
		t.Errorf("expected 1 active key, got %d", n)
	}
}

func TestQuarantineAllKeys(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "q.json"), testLogger())
	m.SetKeys("openai", []string{"only"})

	_, lease, _ := m.Acquire("openai")
	m.Quarantine(lease, AuthQuarantine)

	if _, _, err := m.Acquire("openai"); !errors.Is(err, ErrNoKey) {
		t.Fatalf("expected ErrNoKey with all keys quarantined, got %v", err)
	}
}

func TestQuarantineExpires(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "q.json"), testLogger())
	now := time.Now()
	m.now = func() time.Time { return now }
	m.SetKeys("p", []string{"a"})

	_, lease, _ := m.Acquire("p")
	m.Quarantine(lease, time.Hour)

	if _, _, err := m.Acquire("p"); err == nil {
		t.Fatal("expected quarantined key to be withheld")
	}

	now = now.Add(time.Hour + time.Second)
	if _, _, err := m.Acquire("p"); err != nil {
		t.Fatalf("expected key back after expiry, got %v", err)
	}
}

func TestQuarantineDeadlineNeverShrinks(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "q.json"), testLogger())
	now := time.Now()
	m.now = func() time.Time { return now }
	m.SetKeys("p", []string{"a"})

	_, lease, _ := m.Acquire("p")
	m.Quarantine(lease, 24*time.Hour)
	m.Quarantine(lease, time.Hour) // shorter; must not shorten deadline

	now = now.Add(2 * time.Hour)
	if _, _, err := m.Acquire("p"); err == nil {
		t.Fatal("24h quarantine must survive a later 1h quarantine")
	}
}

func TestQuarantineSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "q.json")

	m1 := New(path, testLogger())
	m1.SetKeys("openrouter", []string{"k1", "k2"})
	_, lease, _ := m1.Acquire("openrouter")
	m1.Quarantine(lease, 24*time.Hour)

	// Fresh manager simulating process restart.
	m2 := New(path, testLogger())
	m2.SetKeys("openrouter", []string{"k1", "k2"})

	k, _, err := m2.Acquire("openrouter")
	if err != nil {
		t.Fatal(err)
	}
	if k != "k2" {
		t.Fatalf("expected restored quarantine to skip k1, got %s", k)
	}
	if n := m2.ActiveKeys("openrouter"); n != 1 {
		t.Errorf("expected 1 active key after restore, got %d", n)
	}
}

func TestFingerprintStableAndOpaque(t *testing.T) {
	a := Fingerprint("sk-secret")
	if a != Fingerprint("sk-secret") {
		t.Error("fingerprint must be deterministic")
	}
	if a == "sk-secret" || len(a) != 16 {
		t.Errorf("unexpected fingerprint %q", a)
	}
}
