package fabric

import (
	"context"
	"fmt"
	"sync"

	"github.com/taskwire/taskwire/pkg/comm"
)

// mailbox is the receive side shared by all fabric implementations:
// pending messages in arrival order plus blocked receivers. Matching
// is by (source, tag set); unmatched messages stay buffered, so
// selective receives never reorder a pairwise channel.
type mailbox struct {
	mu      sync.Mutex
	pending []Message
	waiters []*waiter
	closed  bool
}

type waiter struct {
	src  int
	tags []comm.Tag
	ch   chan Message
}

func newMailbox() *mailbox {
	return &mailbox{}
}

func matches(m Message, src int, tags []comm.Tag) bool {
	if src != AnySource && m.Src != src {
		return false
	}
	for _, t := range tags {
		if m.Tag == t {
			return true
		}
	}
	return false
}

// deliver hands a message to a blocked receiver or buffers it.
func (mb *mailbox) deliver(m Message) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return fmt.Errorf("endpoint closed")
	}
	for i, w := range mb.waiters {
		if matches(m, w.src, w.tags) {
			mb.waiters = append(mb.waiters[:i], mb.waiters[i+1:]...)
			w.ch <- m
			return nil
		}
	}
	mb.pending = append(mb.pending, m)
	return nil
}

// poll returns the oldest pending match without blocking.
func (mb *mailbox) poll(src int, tags []comm.Tag) (Message, bool) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	for i, m := range mb.pending {
		if matches(m, src, tags) {
			mb.pending = append(mb.pending[:i], mb.pending[i+1:]...)
			return m, true
		}
	}
	return Message{}, false
}

// recv blocks until a match arrives or ctx is done.
func (mb *mailbox) recv(ctx context.Context, src int, tags []comm.Tag) (Message, error) {
	mb.mu.Lock()
	if mb.closed {
		mb.mu.Unlock()
		return Message{}, fmt.Errorf("endpoint closed")
	}
	for i, m := range mb.pending {
		if matches(m, src, tags) {
			mb.pending = append(mb.pending[:i], mb.pending[i+1:]...)
			mb.mu.Unlock()
			return m, nil
		}
	}
	w := &waiter{src: src, tags: tags, ch: make(chan Message, 1)}
	mb.waiters = append(mb.waiters, w)
	mb.mu.Unlock()

	select {
	case m, ok := <-w.ch:
		if !ok {
			return Message{}, fmt.Errorf("endpoint closed")
		}
		return m, nil
	case <-ctx.Done():
		mb.mu.Lock()
		for i, other := range mb.waiters {
			if other == w {
				mb.waiters = append(mb.waiters[:i], mb.waiters[i+1:]...)
				break
			}
		}
		mb.mu.Unlock()
		// A delivery may have raced the cancellation.
		select {
		case m, ok := <-w.ch:
			if ok {
				return m, nil
			}
		default:
		}
		return Message{}, ctx.Err()
	}
}

func (mb *mailbox) close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.closed = true
	for _, w := range mb.waiters {
		close(w.ch)
	}
	mb.waiters = nil
}
