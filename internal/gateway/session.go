package gateway

import (
	"sync"

	"github.com/google/uuid"
)

type sessionState int

const (
	stateConnecting sessionState = iota
	stateAuthenticating
	stateAuthenticated
)

const outboundBufferSize = 32

// Session is one live duplex connection. The transport drains Outbound and
// feeds inbound envelopes to the gateway; identity is fixed at authentication
// and never derived from later client input.
type Session struct {
	id string

	mu        sync.Mutex
	state     sessionState
	identity  Identity
	documents map[string]struct{}
	outbound  chan OutboundMessage
	closed    bool
}

func newSession() *Session {
	return &Session{
		id:        uuid.NewString(),
		state:     stateConnecting,
		documents: make(map[string]struct{}),
		outbound:  make(chan OutboundMessage, outboundBufferSize),
	}
}

// ID returns the opaque connection identifier, unique per live channel.
func (s *Session) ID() string {
	return s.id
}

// Identity returns the authenticated identity, zero until authentication.
func (s *Session) Identity() Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Outbound exposes the delivery stream the transport writes to the wire.
// The channel is closed when the session disconnects.
func (s *Session) Outbound() <-chan OutboundMessage {
	return s.outbound
}

// Enqueue queues a message for delivery without blocking. A slow consumer
// drops the message rather than stalling the room.
func (s *Session) Enqueue(message OutboundMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.outbound <- message:
		return true
	default:
		return false
	}
}

func (s *Session) currentState() sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state sessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) authenticate(identity Identity) {
	s.mu.Lock()
	s.identity = identity
	s.state = stateAuthenticated
	s.mu.Unlock()
}

func (s *Session) trackJoin(documentID string) {
	s.mu.Lock()
	s.documents[documentID] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) trackLeave(documentID string) {
	s.mu.Lock()
	delete(s.documents, documentID)
	s.mu.Unlock()
}

func (s *Session) joinedDocuments() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	documents := make([]string, 0, len(s.documents))
	for documentID := range s.documents {
		documents = append(documents, documentID)
	}
	return documents
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.outbound)
}
