// Package registry tracks ephemeral, in-memory presence state: the set of
// live authenticated connections and the channel-membership map. Neither
// map is the authority for persisted data; both exist purely to answer
// "who is online, and where" for fan-out and user_list queries.
package registry

import "sync"

// Peer is the narrow surface the registry needs from a connection in order
// to address it during fan-out. internal/server's connection type
// implements this interface.
type Peer interface {
	Username() string
	CurrentChannel() string
	Send(v any) error
	Close() error
}

// Registry holds the live-connections map and the channel-membership map,
// each guarded by its own mutex with short critical sections: snapshot
// under lock, act after release.
type Registry struct {
	connMu sync.RWMutex
	conns  map[string]Peer // username -> peer

	chanMu   sync.Mutex
	channels map[string]map[string]struct{} // channel name -> set of usernames
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		conns:    make(map[string]Peer),
		channels: make(map[string]map[string]struct{}),
	}
}

// Register adds or replaces the live connection for username.
func (r *Registry) Register(p Peer) {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	r.conns[p.Username()] = p
}

// Unregister removes username from the live-connections map, but only if
// the currently-registered peer is the same instance passed in (guards
// against a stale goroutine clobbering a newer connection for the same
// username).
func (r *Registry) Unregister(p Peer) {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if existing, ok := r.conns[p.Username()]; ok && existing == p {
		delete(r.conns, p.Username())
	}
}

// Lookup returns the live peer for username (case-sensitive; callers
// resolve case-insensitivity before calling, matching storage's username
// normalization).
func (r *Registry) Lookup(username string) (Peer, bool) {
	r.connMu.RLock()
	defer r.connMu.RUnlock()
	p, ok := r.conns[username]
	return p, ok
}

// All returns a snapshot slice of every live peer.
func (r *Registry) All() []Peer {
	r.connMu.RLock()
	defer r.connMu.RUnlock()
	out := make([]Peer, 0, len(r.conns))
	for _, p := range r.conns {
		out = append(out, p)
	}
	return out
}

// InChannel returns a snapshot slice of every live peer whose current
// channel equals name.
func (r *Registry) InChannel(name string) []Peer {
	r.connMu.RLock()
	defer r.connMu.RUnlock()
	out := make([]Peer, 0)
	for _, p := range r.conns {
		if p.CurrentChannel() == name {
			out = append(out, p)
		}
	}
	return out
}

// Join adds username to channel's membership set, first removing it from
// any other channel it currently occupies (exclusivity invariant). Returns
// the previous channel name, if any, so the caller can broadcast user_left
// there.
func (r *Registry) Join(username, channel string) (previous string, hadPrevious bool) {
	r.chanMu.Lock()
	defer r.chanMu.Unlock()

	for name, members := range r.channels {
		if name == channel {
			continue
		}
		if _, ok := members[username]; ok {
			delete(members, username)
			if len(members) == 0 {
				delete(r.channels, name)
			}
			previous, hadPrevious = name, true
			break
		}
	}

	members, ok := r.channels[channel]
	if !ok {
		members = make(map[string]struct{})
		r.channels[channel] = members
	}
	members[username] = struct{}{}
	return previous, hadPrevious
}

// Leave removes username from channel's membership set if present, pruning
// the channel entry if it becomes empty. Returns whether the username was
// actually a member.
func (r *Registry) Leave(username, channel string) bool {
	r.chanMu.Lock()
	defer r.chanMu.Unlock()
	members, ok := r.channels[channel]
	if !ok {
		return false
	}
	if _, ok := members[username]; !ok {
		return false
	}
	delete(members, username)
	if len(members) == 0 {
		delete(r.channels, channel)
	}
	return true
}

// Members returns a snapshot of usernames currently joined to channel.
func (r *Registry) Members(channel string) []string {
	r.chanMu.Lock()
	defer r.chanMu.Unlock()
	members, ok := r.channels[channel]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(members))
	for u := range members {
		out = append(out, u)
	}
	return out
}
