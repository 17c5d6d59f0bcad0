package tunnel

import (
	"context"
	"time"
)

// Expire closes and drops every open tunnel past its expiration threshold
// (mgr.rs: expire_holds / ExpirationInfo), a single sweep rather than a
// ticking goroutine so callers control their own scheduling.
func (m *Manager) Expire() {
	now := time.Now()

	m.mu.Lock()
	var dead []*openEntry
	for id, e := range m.open {
		if e.shouldExpire(now, m.timing) {
			dead = append(dead, e)
			delete(m.open, id)
		}
	}
	m.mu.Unlock()

	for _, e := range dead {
		e.tunnel.Close()
	}
}

// RunExpiryLoop calls Expire on every tick until ctx is cancelled, matching
// the background sweep cmd/tor-client/main.go ran for descriptor refresh.
func (m *Manager) RunExpiryLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Expire()
		}
	}
}
