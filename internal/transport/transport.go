// Package transport moves signed messages between instances. Every exchange
// is a request answered by exactly one reply.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/ssd-technologies/confluence/internal/identity"
)

var (
	// ErrPeerUnavailable is returned when a peer cannot be reached.
	ErrPeerUnavailable = errors.New("transport: peer unavailable")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transport: closed")
)

// Peer addresses a remote instance.
type Peer struct {
	ID       identity.InstanceID
	Endpoint string
}

// Handler answers an inbound request. Returning an error sends an ERROR reply.
type Handler func(ctx context.Context, msg *Message) (*Message, error)

// Transport sends requests and serves inbound ones.
type Transport interface {
	// Request sends msg to peer and waits for its reply. An ERROR reply is
	// returned as a *RemoteError.
	Request(ctx context.Context, peer Peer, msg *Message) (*Message, error)
	// Handle installs the handler for inbound requests.
	Handle(h Handler)
	Close() error
}

// KeyLookup returns the known public key of an instance.
type KeyLookup func(id identity.InstanceID) ([]byte, bool)

// RemoteError is an error reported by the remote handler.
type RemoteError struct {
	Peer    identity.InstanceID
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %s", e.Peer, e.Message)
}

// IsTransient reports whether err is worth one retry: the peer could not be
// reached or did not answer in time, as opposed to answering with an error.
func IsTransient(err error) bool {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return false
	}
	return errors.Is(err, ErrPeerUnavailable) || errors.Is(err, context.DeadlineExceeded)
}

func errorReply(req *Message, err error) *Message {
	reply, _ := req.Reply(MsgError, ErrorPayload{Error: err.Error()})
	return reply
}

func asRemoteError(peer identity.InstanceID, reply *Message) error {
	if reply.Type != MsgError {
		return nil
	}
	var p ErrorPayload
	if err := reply.Decode(&p); err != nil {
		return &RemoteError{Peer: peer, Message: "undecodable error reply"}
	}
	return &RemoteError{Peer: peer, Message: p.Error}
}

// authenticate verifies an inbound message. Senders with a known key must
// sign with it; unknown senders must at least be self-consistent.
func authenticate(msg *Message, keys KeyLookup) error {
	if keys != nil {
		if pub, ok := keys(msg.Sender.Instance); ok && len(pub) > 0 {
			return msg.Verify(pub)
		}
	}
	return msg.VerifySelf()
}
