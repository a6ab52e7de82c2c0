package auth

import (
	"sync"
	"time"
)

// RevocationList holds the ids of access tokens revoked before their natural
// expiry. An entry is kept only until that expiry; Sweep drops the rest.
type RevocationList struct {
	mu      sync.RWMutex
	entries map[string]time.Time
}

func NewRevocationList() *RevocationList {
	return &RevocationList{entries: make(map[string]time.Time)}
}

func (l *RevocationList) Revoke(jti string, expiresAt time.Time) {
	if jti == "" {
		return
	}
	l.mu.Lock()
	l.entries[jti] = expiresAt
	l.mu.Unlock()
}

func (l *RevocationList) IsRevoked(jti string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.entries[jti]
	return ok
}

// Sweep forgets revocations whose tokens have expired by now and returns how
// many were removed.
func (l *RevocationList) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for jti, exp := range l.entries {
		if now.After(exp) {
			delete(l.entries, jti)
			removed++
		}
	}
	return removed
}

func (l *RevocationList) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
