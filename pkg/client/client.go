package client

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/taskwire/taskwire/pkg/comm"
	"github.com/taskwire/taskwire/pkg/fabric"
	"github.com/taskwire/taskwire/pkg/layout"
	"github.com/taskwire/taskwire/pkg/log"
	"github.com/taskwire/taskwire/pkg/types"
)

// Client is a worker's stub into the cluster. Every operation builds
// a packed header, sends it to the responsible server, waits for the
// reply, and applies any attached notification work before returning.
//
// A Client is owned by a single worker goroutine.
type Client struct {
	layout layout.Layout
	rank   int
	ep     fabric.Endpoint
	server int

	logger zerolog.Logger
}

// New attaches a client for the given worker rank. The worker's home
// server is fixed by rank-modulo affinity.
func New(l layout.Layout, rank int, ep fabric.Endpoint) *Client {
	return &Client{
		layout: l,
		rank:   rank,
		ep:     ep,
		server: l.WorkerServer(rank),
		logger: log.WithRank(rank),
	}
}

// Rank returns the worker's rank.
func (c *Client) Rank() int { return c.rank }

// HomeServer returns the server handling this worker's task traffic.
func (c *Client) HomeServer() int { return c.server }

// Locate returns the server rank owning a datum id.
func (c *Client) Locate(id types.ID) (int, error) {
	if id < 0 {
		return 0, types.Statusf(types.ErrInvalid, "negative id %d", id)
	}
	return c.layout.ShardOwner(id)
}

// call does one header/reply round trip.
func (c *Client) call(ctx context.Context, dst int, tag comm.Tag, req []byte, replyTag comm.Tag) (fabric.Message, error) {
	if err := c.ep.Send(dst, tag, req); err != nil {
		return fabric.Message{}, err
	}
	return c.ep.Recv(ctx, dst, replyTag)
}

// dataServer routes a data op: the owning shard for a concrete id,
// the home server otherwise.
func (c *Client) dataServer(id types.ID) (int, error) {
	if id == types.NullID {
		return c.server, nil
	}
	return c.Locate(id)
}

func statusErr(s types.Status, op string, id types.ID) error {
	if s == types.StatusOK {
		return nil
	}
	return types.Statusf(s, "%s <%d>", op, id)
}

// receiveNotifs pulls the batch frame announced by a reply's counts
// and applies it.
func (c *Client) receiveNotifs(ctx context.Context, src int, counts comm.NotifCounts) error {
	if counts.Total() == 0 {
		return nil
	}
	msg, err := c.ep.Recv(ctx, src, comm.TagResponse)
	if err != nil {
		return err
	}
	var batch comm.NotifBatch
	if err := batch.Decode(msg.Data); err != nil {
		return err
	}
	return c.applyBatch(ctx, &batch)
}

// applyBatch processes returned notification work before the client
// resumes: notifications become targeted control puts, references are
// stored to their datum, refcount work is routed to the owning shard.
func (c *Client) applyBatch(ctx context.Context, batch *comm.NotifBatch) error {
	c.logger.Trace().
		Int("close", len(batch.Close)).
		Int("insert", len(batch.Insert)).
		Int("references", len(batch.References)).
		Int("refcounts", len(batch.Refcounts)).
		Msg("applying notification work")
	for _, t := range batch.Close {
		if err := c.notifPut(ctx, int(t.Rank), t.ID, t.Sub); err != nil {
			return err
		}
	}
	for _, t := range batch.Insert {
		if err := c.notifPut(ctx, int(t.Rank), t.ID, t.Sub); err != nil {
			return err
		}
	}
	for _, ref := range batch.References {
		err := c.StorePacked(ctx, ref.Ref, "", ref.ValueType, ref.Value,
			types.WriteRefc, types.NoRefc)
		if err != nil {
			return err
		}
	}
	for _, rc := range batch.Refcounts {
		if err := c.RefcountIncr(ctx, rc.ID, rc.Change); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) notifPut(ctx context.Context, target int, id types.ID, sub string) error {
	return c.Put(ctx, PutSpec{
		Type:        comm.ControlWorkType,
		Priority:    comm.NotifPriority,
		Answer:      types.NullRank,
		Target:      target,
		Parallelism: 1,
		Payload:     comm.NotifTaskPayload(id, sub),
	})
}

// Close detaches the client from the fabric.
func (c *Client) Close() error {
	return c.ep.Close()
}
