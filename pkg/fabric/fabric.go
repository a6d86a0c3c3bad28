package fabric

import (
	"context"

	"github.com/taskwire/taskwire/pkg/comm"
)

// AnySource matches a message from any rank.
const AnySource = -1

// Message is one tagged frame between ranks. Payloads are opaque to
// the fabric; the codec and comm records give them meaning.
type Message struct {
	Src  int
	Tag  comm.Tag
	Data []byte
}

// Endpoint is one rank's attachment to the message fabric. Messages
// between a pair of ranks are FIFO per tag. Receives match on source
// and tag set, buffering anything else, which is what lets the sync
// handshake service inbound syncs while a reply wait is in progress.
//
// An Endpoint is owned by a single goroutine; Send may be called from
// that goroutine only.
type Endpoint interface {
	// Rank returns this endpoint's rank.
	Rank() int

	// Send delivers a frame to dst. It does not block on the receiver.
	Send(dst int, tag comm.Tag, data []byte) error

	// Recv blocks until a message from src (or AnySource) with one of
	// the given tags arrives.
	Recv(ctx context.Context, src int, tags ...comm.Tag) (Message, error)

	// Poll is the non-blocking probe: it returns the next matching
	// message if one is already pending.
	Poll(src int, tags ...comm.Tag) (Message, bool)

	// Close detaches the endpoint. Blocked receives return an error.
	Close() error
}

// Fabric connects a fixed set of ranks.
type Fabric interface {
	// Endpoint attaches rank to the fabric. Each rank attaches once.
	Endpoint(rank int) (Endpoint, error)

	// Size returns the number of ranks.
	Size() int

	// Close tears down the fabric.
	Close() error
}
