package replay

import (
	"context"
	"sync"
	"time"

	"github.com/cwrk-planet/presence-service/internal/store"
)

// MemoryStore is a single-process nonce cache. Expired entries are dropped
// lazily on every Remember call that passes the sweep interval.
type MemoryStore struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	lastSweep time.Time
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[string]time.Time), now: time.Now}
}

func (m *MemoryStore) Remember(_ context.Context, nonce string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if now.Sub(m.lastSweep) >= ttl {
		for k, exp := range m.seen {
			if !now.Before(exp) {
				delete(m.seen, k)
			}
		}
		m.lastSweep = now
	}

	if exp, ok := m.seen[nonce]; ok && now.Before(exp) {
		return false, nil
	}
	m.seen[nonce] = now.Add(ttl)
	return true, nil
}

func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}

// FastStore keeps nonces in the shared fast store so every instance sees
// every nonce.
type FastStore struct {
	fast store.FastStore
}

func NewFastStore(fast store.FastStore) *FastStore {
	return &FastStore{fast: fast}
}

func (f *FastStore) Remember(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	res := f.fast.SetNX(ctx, store.NonceKey(nonce), time.Now().UTC().Format(time.RFC3339), ttl)
	if !res.OK() {
		return false, res.Err
	}
	return res.Value, nil
}
