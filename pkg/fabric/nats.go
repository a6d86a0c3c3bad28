package fabric

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/taskwire/taskwire/pkg/comm"
)

// frame header: src rank and tag, little-endian.
const natsHeaderLen = 8

// NATSFabric runs the rank mesh over a NATS server, one subject per
// rank. A fresh cluster id namespaces the subjects so frames from an
// earlier run can never leak into a new one.
type NATSFabric struct {
	conn      *nats.Conn
	ownConn   bool
	clusterID string
	size      int
}

// NATSOptions configures a NATS-backed fabric.
type NATSOptions struct {
	// URL of the NATS server; nats.DefaultURL if empty.
	URL string
	// ClusterID namespaces subjects. All ranks of one run must share
	// it; leave empty on the rank that mints it and distribute the
	// value out of band.
	ClusterID string
	// Conn reuses an existing connection instead of dialing.
	Conn *nats.Conn
}

// NewNATS connects a fabric of size ranks over NATS.
func NewNATS(size int, opts NATSOptions) (*NATSFabric, error) {
	clusterID := opts.ClusterID
	if clusterID == "" {
		clusterID = uuid.NewString()
	}
	conn := opts.Conn
	ownConn := false
	if conn == nil {
		url := opts.URL
		if url == "" {
			url = nats.DefaultURL
		}
		var err error
		conn, err = nats.Connect(url, nats.Name(fmt.Sprintf("taskwire-%s", clusterID)))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
		}
		ownConn = true
	}
	return &NATSFabric{conn: conn, ownConn: ownConn, clusterID: clusterID, size: size}, nil
}

// ClusterID returns the namespace shared by this run's ranks.
func (f *NATSFabric) ClusterID() string { return f.clusterID }

// Size returns the number of ranks.
func (f *NATSFabric) Size() int { return f.size }

func (f *NATSFabric) subject(rank int) string {
	return fmt.Sprintf("taskwire.%s.%d", f.clusterID, rank)
}

// Endpoint subscribes the rank's subject and attaches a mailbox.
func (f *NATSFabric) Endpoint(rank int) (Endpoint, error) {
	if rank < 0 || rank >= f.size {
		return nil, fmt.Errorf("rank %d outside fabric of size %d", rank, f.size)
	}
	box := newMailbox()
	sub, err := f.conn.Subscribe(f.subject(rank), func(msg *nats.Msg) {
		if len(msg.Data) < natsHeaderLen {
			return
		}
		src := int(int32(binary.LittleEndian.Uint32(msg.Data)))
		tag := comm.Tag(int32(binary.LittleEndian.Uint32(msg.Data[4:])))
		data := append([]byte(nil), msg.Data[natsHeaderLen:]...)
		_ = box.deliver(Message{Src: src, Tag: tag, Data: data})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe rank %d: %w", rank, err)
	}
	return &natsEndpoint{fabric: f, rank: rank, box: box, sub: sub}, nil
}

// Close drops the connection when this fabric owns it.
func (f *NATSFabric) Close() error {
	if f.ownConn {
		f.conn.Close()
	}
	return nil
}

type natsEndpoint struct {
	fabric *NATSFabric
	rank   int
	box    *mailbox
	sub    *nats.Subscription
}

func (e *natsEndpoint) Rank() int { return e.rank }

func (e *natsEndpoint) Send(dst int, tag comm.Tag, data []byte) error {
	if dst < 0 || dst >= e.fabric.size {
		return fmt.Errorf("send to rank %d outside fabric of size %d", dst, e.fabric.size)
	}
	frame := make([]byte, natsHeaderLen+len(data))
	binary.LittleEndian.PutUint32(frame, uint32(int32(e.rank)))
	binary.LittleEndian.PutUint32(frame[4:], uint32(int32(tag)))
	copy(frame[natsHeaderLen:], data)
	if err := e.fabric.conn.Publish(e.fabric.subject(dst), frame); err != nil {
		return fmt.Errorf("failed to publish to rank %d: %w", dst, err)
	}
	return nil
}

func (e *natsEndpoint) Recv(ctx context.Context, src int, tags ...comm.Tag) (Message, error) {
	return e.box.recv(ctx, src, tags)
}

func (e *natsEndpoint) Poll(src int, tags ...comm.Tag) (Message, bool) {
	return e.box.poll(src, tags)
}

func (e *natsEndpoint) Close() error {
	err := e.sub.Unsubscribe()
	e.box.close()
	return err
}
