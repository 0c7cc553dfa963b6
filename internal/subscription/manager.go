// Package subscription implements the two-layer subscription structure:
// a mutex-guarded system-of-record plus an atomically-swapped
// read-optimized cache, so that the hot log() path never takes a lock.
package subscription

import (
	"sync"
	"sync/atomic"

	"github.com/foxglove/foxglove-sdk-sub001/internal/channel"
)

// Sink is the minimal identity the subscription manager needs to track.
// It deliberately does not depend on package sink to avoid an import
// cycle; callers pass their concrete sink.Sink, which satisfies this.
type Sink interface {
	ID() uint64
}

// cache is the read-optimized, precomputed view. Every mutation builds a
// fresh cache and publishes it with a single atomic pointer swap;
// readers only ever dereference the current snapshot, so get_subscribers
// never blocks on the write mutex.
type cache struct {
	global     []Sink
	perChannel map[channel.ID][]Sink
}

// Manager tracks which sinks receive messages from which channels.
type Manager struct {
	mu sync.Mutex

	// system of record
	global     map[uint64]Sink
	perChannel map[channel.ID]map[uint64]Sink

	cur atomic.Pointer[cache]
}

// NewManager returns an empty subscription manager.
func NewManager() *Manager {
	m := &Manager{
		global:     make(map[uint64]Sink),
		perChannel: make(map[channel.ID]map[uint64]Sink),
	}
	m.cur.Store(&cache{perChannel: make(map[channel.ID][]Sink)})
	return m
}

// SubscribeGlobal registers s to receive every channel's messages.
func (m *Manager) SubscribeGlobal(s Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.global[s.ID()] = s
	m.rebuildLocked()
}

// SubscribeChannels registers s to receive messages on each of channels.
func (m *Manager) SubscribeChannels(s Sink, channels []channel.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range channels {
		subs, ok := m.perChannel[c]
		if !ok {
			subs = make(map[uint64]Sink)
			m.perChannel[c] = subs
		}
		subs[s.ID()] = s
	}
	m.rebuildLocked()
}

// UnsubscribeChannels removes s from each of channels. s's global
// subscription, if any, is untouched.
func (m *Manager) UnsubscribeChannels(s Sink, channels []channel.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range channels {
		if subs, ok := m.perChannel[c]; ok {
			delete(subs, s.ID())
			if len(subs) == 0 {
				delete(m.perChannel, c)
			}
		}
	}
	m.rebuildLocked()
}

// RemoveSubscriber drops s from every global and per-channel
// subscription. Intended for sink removal / session teardown.
func (m *Manager) RemoveSubscriber(sinkID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.global, sinkID)
	for c, subs := range m.perChannel {
		delete(subs, sinkID)
		if len(subs) == 0 {
			delete(m.perChannel, c)
		}
	}
	m.rebuildLocked()
}

// Clear removes every subscription.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.global = make(map[uint64]Sink)
	m.perChannel = make(map[channel.ID]map[uint64]Sink)
	m.rebuildLocked()
}

// rebuildLocked recomputes the read cache from the system of record and
// publishes it with an atomic swap. Must be called with mu held.
func (m *Manager) rebuildLocked() {
	next := &cache{
		perChannel: make(map[channel.ID][]Sink, len(m.perChannel)),
	}
	next.global = make([]Sink, 0, len(m.global))
	for _, s := range m.global {
		next.global = append(next.global, s)
	}

	for c, subs := range m.perChannel {
		union := make([]Sink, 0, len(subs)+len(m.global))
		seen := make(map[uint64]struct{}, len(subs)+len(m.global))
		for id, s := range subs {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			union = append(union, s)
		}
		for id, s := range m.global {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			union = append(union, s)
		}
		next.perChannel[c] = union
	}

	m.cur.Store(next)
}

// GetSubscribers returns the union of global and per-channel subscribers
// for c, with no duplicates. It performs a single atomic load and map
// lookup; it never blocks on the write mutex. Channels with only global
// subscribers are absent from the per-channel map, so the global list is
// returned directly.
func (m *Manager) GetSubscribers(c channel.ID) []Sink {
	snap := m.cur.Load()
	if subs, ok := snap.perChannel[c]; ok {
		return subs
	}
	return snap.global
}
