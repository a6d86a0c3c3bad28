package fabric

import (
	"context"
	"fmt"

	"github.com/taskwire/taskwire/pkg/comm"
)

// ChannelFabric connects ranks inside one process. It backs the
// single-binary run mode and the test harness.
type ChannelFabric struct {
	boxes []*mailbox
}

// NewChannel builds an in-process fabric for size ranks.
func NewChannel(size int) *ChannelFabric {
	boxes := make([]*mailbox, size)
	for i := range boxes {
		boxes[i] = newMailbox()
	}
	return &ChannelFabric{boxes: boxes}
}

// Size returns the number of ranks.
func (f *ChannelFabric) Size() int { return len(f.boxes) }

// Endpoint attaches a rank.
func (f *ChannelFabric) Endpoint(rank int) (Endpoint, error) {
	if rank < 0 || rank >= len(f.boxes) {
		return nil, fmt.Errorf("rank %d outside fabric of size %d", rank, len(f.boxes))
	}
	return &channelEndpoint{fabric: f, rank: rank, box: f.boxes[rank]}, nil
}

// Close tears down all endpoints.
func (f *ChannelFabric) Close() error {
	for _, b := range f.boxes {
		b.close()
	}
	return nil
}

type channelEndpoint struct {
	fabric *ChannelFabric
	rank   int
	box    *mailbox
}

func (e *channelEndpoint) Rank() int { return e.rank }

func (e *channelEndpoint) Send(dst int, tag comm.Tag, data []byte) error {
	if dst < 0 || dst >= len(e.fabric.boxes) {
		return fmt.Errorf("send to rank %d outside fabric of size %d", dst, len(e.fabric.boxes))
	}
	return e.fabric.boxes[dst].deliver(Message{Src: e.rank, Tag: tag, Data: data})
}

func (e *channelEndpoint) Recv(ctx context.Context, src int, tags ...comm.Tag) (Message, error) {
	return e.box.recv(ctx, src, tags)
}

func (e *channelEndpoint) Poll(src int, tags ...comm.Tag) (Message, bool) {
	return e.box.poll(src, tags)
}

func (e *channelEndpoint) Close() error {
	e.box.close()
	return nil
}
