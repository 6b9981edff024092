package discovery

import (
	"sync"
	"sync/atomic"

	"clipnotes/metrics"
	"clipnotes/models"
)

// Registry is the observable set of currently known peers, unique by PeerID.
//
// Only the Browser's event consumer mutates it. Readers get copies through
// Snapshot or Subscribe and never see a partially applied change.
type Registry struct {
	current atomic.Pointer[[]models.PeerDevice]

	subMu  sync.Mutex
	subs   map[int]chan []models.PeerDevice
	nextID int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	r := &Registry{subs: make(map[int]chan []models.PeerDevice)}
	empty := []models.PeerDevice{}
	r.current.Store(&empty)
	return r
}

// Snapshot returns a copy of the current peer list.
func (r *Registry) Snapshot() []models.PeerDevice {
	return clonePeers(*r.current.Load())
}

// Lookup returns the peer with the given id.
func (r *Registry) Lookup(peerID string) (models.PeerDevice, bool) {
	for _, peer := range *r.current.Load() {
		if peer.PeerID == peerID {
			return peer, true
		}
	}
	return models.PeerDevice{}, false
}

// Subscribe returns a channel that receives the current snapshot right away
// and a fresh snapshot after every change. Only the latest snapshot is kept
// for slow readers. The returned func unsubscribes and closes the channel.
func (r *Registry) Subscribe() (<-chan []models.PeerDevice, func()) {
	ch := make(chan []models.PeerDevice, 1)

	r.subMu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = ch
	ch <- r.Snapshot()
	r.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.subMu.Lock()
			delete(r.subs, id)
			close(ch)
			r.subMu.Unlock()
		})
	}
}

// upsert adds peer or replaces the entry with the same PeerID.
func (r *Registry) upsert(peer models.PeerDevice) {
	prev := *r.current.Load()
	next := make([]models.PeerDevice, 0, len(prev)+1)
	replaced := false
	for _, existing := range prev {
		if existing.PeerID == peer.PeerID {
			if existing == peer {
				return
			}
			if !replaced {
				next = append(next, peer)
				replaced = true
			}
			continue
		}
		next = append(next, existing)
	}
	if !replaced {
		next = append(next, peer)
	}
	r.publish(next)
}

// remove drops the entry with peerID. It reports whether anything changed.
func (r *Registry) remove(peerID string) bool {
	prev := *r.current.Load()
	next := make([]models.PeerDevice, 0, len(prev))
	for _, existing := range prev {
		if existing.PeerID != peerID {
			next = append(next, existing)
		}
	}
	if len(next) == len(prev) {
		return false
	}
	r.publish(next)
	return true
}

// clear empties the registry.
func (r *Registry) clear() {
	if len(*r.current.Load()) == 0 {
		return
	}
	r.publish([]models.PeerDevice{})
}

func (r *Registry) publish(next []models.PeerDevice) {
	r.current.Store(&next)
	metrics.DiscoveredPeers.Set(float64(len(next)))

	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subs {
		select {
		case <-ch:
		default:
		}
		ch <- clonePeers(next)
	}
}

func clonePeers(in []models.PeerDevice) []models.PeerDevice {
	out := make([]models.PeerDevice, len(in))
	copy(out, in)
	return out
}
