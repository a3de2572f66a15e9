package hub

import "sync"

// connTable enforces the per-user concurrent-connection cap. Exceeding the
// cap rejects the new connection; existing connections are never evicted.
type connTable struct {
	mu      sync.Mutex
	limit   int
	perUser map[string]int
}

func newConnTable(limit int) *connTable {
	if limit <= 0 {
		limit = defaultMaxConnsPerUser
	}
	return &connTable{limit: limit, perUser: make(map[string]int)}
}

func (t *connTable) acquire(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.perUser[userID] >= t.limit {
		return false
	}
	t.perUser[userID]++
	return true
}

func (t *connTable) release(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := t.perUser[userID]; n <= 1 {
		delete(t.perUser, userID)
	} else {
		t.perUser[userID] = n - 1
	}
}

func (t *connTable) count(userID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.perUser[userID]
}
