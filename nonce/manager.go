// Package nonce implements the ACME anti-replay nonce store: a
// bounded, TTL-expiring map from nonce value to the account kid it was
// issued to (or an anonymous sentinel), guarded by a single mutex.
// Mirrors original_source/vism_acme/util/nonce.py's NonceManager.
package nonce

import (
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"
)

// Anonymous is the sentinel account binding for a nonce issued before
// any account is known (e.g. from GET /new-nonce).
const Anonymous = ""

type entry struct {
	account string
	expires time.Time
}

// Manager is a bounded, mutex-guarded nonce pool.
type Manager struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	entries  map[string]entry
	order    []string // insertion order, for capacity eviction
	now      func() time.Time
}

// New builds a Manager with the given TTL and maximum size. A zero
// capacity means unbounded.
func New(ttl time.Duration, capacity int) *Manager {
	return &Manager{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]entry),
		now:      time.Now,
	}
}

// New issues and stores a fresh nonce, optionally bound to account
// (Anonymous if not yet known), mirroring new_nonce.
func (m *Manager) New(account string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	tok := base64.RawURLEncoding.EncodeToString(buf)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictExpiredLocked()
	if m.capacity > 0 && len(m.entries) >= m.capacity {
		m.evictOldestLocked()
	}
	m.entries[tok] = entry{account: account, expires: m.now().Add(m.ttl)}
	m.order = append(m.order, tok)
	return tok, nil
}

// Pop validates and consumes a nonce exactly once: it must exist,
// not be expired, and be bound either to account or to Anonymous.
// On success the entry is removed; on failure nothing is removed
// except an entry found expired,
// matching the spec's exactly-once-pop invariant.
func (m *Manager) Pop(nonceVal, account string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[nonceVal]
	if !ok {
		return false
	}
	if m.now().After(e.expires) {
		delete(m.entries, nonceVal)
		return false
	}
	if e.account != Anonymous && e.account != account {
		return false
	}
	delete(m.entries, nonceVal)
	return true
}

func (m *Manager) evictExpiredLocked() {
	now := m.now()
	for k, e := range m.entries {
		if now.After(e.expires) {
			delete(m.entries, k)
		}
	}
	// Keep the insertion-order slice from outliving its entries:
	// popped and expired keys are spliced out here, so an unbounded
	// manager doesn't grow order forever.
	kept := m.order[:0]
	for _, k := range m.order {
		if _, ok := m.entries[k]; ok {
			kept = append(kept, k)
		}
	}
	m.order = kept
}

func (m *Manager) evictOldestLocked() {
	for len(m.order) > 0 {
		oldest := m.order[0]
		m.order = m.order[1:]
		if _, ok := m.entries[oldest]; ok {
			delete(m.entries, oldest)
			return
		}
	}
}
