package registry

import (
    "net"
    "net/netip"
    "sort"
    "sync"
    "time"

    "go.uber.org/zap"

    "rircd/pkg/event"
)

// Handle addresses one live connection actor. The only capability it
// grants is sending commands to that actor.
type Handle struct {
    ID       string
    Peer     netip.AddrPort
    Local    net.Addr
    Since    time.Time
    Commands chan<- event.ConnCommandEnvelope
}

// Store maps peer addresses to connection handles. Listener actors write on
// accept, the endpoint removes on close; lookups and listings share the
// read lock.
type Store struct {
    mu    sync.RWMutex
    conns map[netip.AddrPort]Handle
    log   *zap.Logger

    onChange func(n int)
}

func NewStore(log *zap.Logger) *Store {
    if log == nil { log = zap.L() }
    return &Store{conns: make(map[netip.AddrPort]Handle), log: log.Named("registry")}
}

// OnChange installs a hook called with the entry count after every
// mutation, while the write lock is held. Install it before the store is
// shared.
func (s *Store) OnChange(fn func(n int)) { s.onChange = fn }

// Register stores h under its peer address. When an entry for that address
// already exists it is superseded: h replaces it and the old handle is
// returned so the caller can retire the displaced actor.
func (s *Store) Register(h Handle) (old Handle, replaced bool) {
    s.mu.Lock()
    defer s.mu.Unlock()
    old, replaced = s.conns[h.Peer]
    s.conns[h.Peer] = h
    if replaced {
        s.log.Info("peer address superseded", zap.String("peer", h.Peer.String()),
            zap.String("old_conn", old.ID), zap.String("conn_id", h.ID))
    }
    s.changed()
    return old, replaced
}

// Remove deletes the entry for peer only if it still belongs to connection
// id, so a superseded actor cannot evict its successor.
func (s *Store) Remove(peer netip.AddrPort, id string) bool {
    s.mu.Lock()
    defer s.mu.Unlock()
    h, ok := s.conns[peer]
    if !ok || h.ID != id { return false }
    delete(s.conns, peer)
    s.changed()
    return true
}

// Lookup returns the handle registered for peer.
func (s *Store) Lookup(peer netip.AddrPort) (Handle, bool) {
    s.mu.RLock()
    defer s.mu.RUnlock()
    h, ok := s.conns[peer]
    return h, ok
}

// Len returns the number of live entries.
func (s *Store) Len() int {
    s.mu.RLock(); defer s.mu.RUnlock()
    return len(s.conns)
}

// Peers lists registered peer addresses in a stable order.
func (s *Store) Peers() []netip.AddrPort {
    s.mu.RLock()
    out := make([]netip.AddrPort, 0, len(s.conns))
    for p := range s.conns { out = append(out, p) }
    s.mu.RUnlock()
    sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
    return out
}

// Handles returns a snapshot of every handle, ordered by peer address.
func (s *Store) Handles() []Handle {
    s.mu.RLock()
    out := make([]Handle, 0, len(s.conns))
    for _, h := range s.conns { out = append(out, h) }
    s.mu.RUnlock()
    sort.Slice(out, func(i, j int) bool { return out[i].Peer.Compare(out[j].Peer) < 0 })
    return out
}

func (s *Store) changed() {
    if s.onChange != nil { s.onChange(len(s.conns)) }
}
