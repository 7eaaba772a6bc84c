package syncstate

import (
	"github.com/rs/zerolog"

	"github.com/example/shared-note/internal/document"
	"github.com/example/shared-note/internal/types"
)

// State is the lifecycle position of a session.
type State int32

const (
	StateAttaching State = iota
	StateSyncing
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAttaching:
		return "attaching"
	case StateSyncing:
		return "syncing"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is the protocol state of one peer attached to one document. It is
// owned by the event loop and never touched from other goroutines.
type Session struct {
	peer   document.Peer
	doc    *document.Document
	state  State
	logger zerolog.Logger

	// awareness clients announced over this connection
	clients map[types.ClientID]struct{}
}

func newSession(peer document.Peer, doc *document.Document, logger zerolog.Logger) *Session {
	return &Session{
		peer:    peer,
		doc:     doc,
		state:   StateAttaching,
		logger:  logger,
		clients: make(map[types.ClientID]struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

// Document returns the document the session relays for.
func (s *Session) Document() *document.Document { return s.doc }

func (s *Session) transition(next State) {
	if s.state == next || s.state == StateClosed {
		return
	}
	s.logger.Debug().Str("from", s.state.String()).Str("to", next.String()).Msg("session state changed")
	s.state = next
}

func (s *Session) send(frame []byte) {
	if err := s.peer.Send(frame); err != nil {
		s.logger.Debug().Err(err).Msg("send to peer failed")
	}
}

func (s *Session) control(clients []types.ClientID) {
	for _, c := range clients {
		s.clients[c] = struct{}{}
	}
}

func (s *Session) release(clients []types.ClientID) {
	for _, c := range clients {
		delete(s.clients, c)
	}
}

func (s *Session) controlled() []types.ClientID {
	out := make([]types.ClientID, 0, len(s.clients))
	for c := range s.clients {
		out = append(out, c)
	}
	return out
}
