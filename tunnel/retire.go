package tunnel

// Retire removes tun from the open set and closes it immediately, for
// callers that detect a tunnel has gone bad out of band (e.g. a stream on it
// failed with a circuit-level error) rather than through normal expiry
// (mgr.rs: retire_tunnel).
func (m *Manager) Retire(tun *Tunnel) {
	m.mu.Lock()
	for id, e := range m.open {
		if e.tunnel == tun {
			delete(m.open, id)
		}
	}
	m.mu.Unlock()
	tun.Close()
}

// RetireAll empties both the open and pending sets, for a configuration
// change that invalidates every existing tunnel (new path policy, changed
// guard set, changed circuit parameters) and requires a fresh pool
// (mgr.rs: retire_all_tunnels). Builds still in flight for entries dropped
// from pending are not aborted here; buildAndRegister observes its entry is
// gone when it finishes and discards the built tunnel instead of opening it
// (invariant I2).
func (m *Manager) RetireAll() {
	m.mu.Lock()
	open := make([]*Tunnel, 0, len(m.open))
	for id, e := range m.open {
		open = append(open, e.tunnel)
		delete(m.open, id)
	}
	for id := range m.pending {
		delete(m.pending, id)
	}
	m.mu.Unlock()

	for _, tun := range open {
		tun.Close()
	}
}
