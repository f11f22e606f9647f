package server

import "chatserver/internal/registry"

// broadcastChannel delivers v to every peer currently joined to channel.
// It is grounded on the teacher's hub.broadcastToRoom: snapshot the
// membership set under the registry's lock, then send outside it so a
// slow peer's write never blocks the registry or the other recipients.
func (s *Server) broadcastChannel(channel string, v any) {
	s.broadcastChannelExcept(nil, channel, v)
}

// broadcastChannelExcept is broadcastChannel but skips the given
// connection (used when a connection must not receive an echo of its own
// join or leave; chat messages go through broadcastChannel so the sender
// gets the authoritative echo).
func (s *Server) broadcastChannelExcept(except *Connection, channel string, v any) {
	for _, p := range s.Reg.InChannel(channel) {
		if except != nil && p == registry.Peer(except) {
			continue
		}
		s.sendOrDrop(p, v)
	}
}

// broadcastGlobal delivers v to every live connection regardless of
// channel, used for status_change and channel_created announcements.
func (s *Server) broadcastGlobal(v any) {
	s.broadcastGlobalExcept(nil, v)
}

func (s *Server) broadcastGlobalExcept(except *Connection, v any) {
	for _, p := range s.Reg.All() {
		if except != nil && p == registry.Peer(except) {
			continue
		}
		s.sendOrDrop(p, v)
	}
}

// sendOrDrop writes v to p and, on failure, triggers that peer's cleanup.
// A failing send during fan-out must never abort delivery to the
// remaining recipients (spec.md §5).
func (s *Server) sendOrDrop(p registry.Peer, v any) {
	if err := p.Send(v); err != nil {
		s.dropPeer(p)
	}
}

// dropPeer runs cleanup for a peer observed to be dead during fan-out.
// Only *Connection peers participate in the handler's own cleanup path;
// other Peer implementations (test fakes) are simply closed.
func (s *Server) dropPeer(p registry.Peer) {
	if conn, ok := p.(*Connection); ok {
		s.cleanup(conn)
		return
	}
	_ = p.Close()
}
