package client

import (
	"context"

	"github.com/taskwire/taskwire/pkg/comm"
	"github.com/taskwire/taskwire/pkg/fabric"
	"github.com/taskwire/taskwire/pkg/types"
)

// PutSpec describes one task submission.
type PutSpec struct {
	Type        int
	Priority    int
	Answer      int
	Target      int // types.AnyRank or a worker rank
	Parallelism int
	Payload     []byte
}

// Task is one unit of work received by a worker.
type Task struct {
	Type        int
	Answer      int
	Parallelism int
	// Ranks is the parallel gang this worker belongs to; empty for
	// single tasks.
	Ranks   []int
	Payload []byte
}

// Put submits a task. Targeted tasks go to the target's home server,
// untargeted ones to the putter's.
func (c *Client) Put(ctx context.Context, spec PutSpec) error {
	if spec.Parallelism < 1 {
		spec.Parallelism = 1
	}
	dst := c.server
	if spec.Target != types.AnyRank {
		if !c.layout.IsWorker(spec.Target) {
			return types.Statusf(types.ErrInvalid, "put target %d", spec.Target)
		}
		if spec.Parallelism > 1 {
			return types.Statusf(types.ErrInvalid, "targeted parallel put")
		}
		dst = c.layout.WorkerServer(spec.Target)
	}
	req := comm.PutReq{
		Type:        int32(spec.Type),
		Priority:    int32(spec.Priority),
		Putter:      int32(c.rank),
		Answer:      int32(spec.Answer),
		Target:      int32(spec.Target),
		Parallelism: int32(spec.Parallelism),
		Payload:     spec.Payload,
	}
	msg, err := c.call(ctx, dst, comm.TagPut, req.Encode(), comm.TagResponsePut)
	if err != nil {
		return err
	}
	var resp comm.PutResp
	if err := resp.Decode(msg.Data); err != nil {
		return err
	}
	if resp.Status != types.StatusOK {
		return types.Statusf(resp.Status, "put of type %d", spec.Type)
	}
	return nil
}

// PutRule submits a task that is released only once every datum in
// waitIDs has closed.
func (c *Client) PutRule(ctx context.Context, spec PutSpec, waitIDs []types.ID) error {
	if len(waitIDs) == 0 {
		return c.Put(ctx, spec)
	}
	if spec.Parallelism < 1 {
		spec.Parallelism = 1
	}
	dst := c.server
	if spec.Target != types.AnyRank {
		if !c.layout.IsWorker(spec.Target) {
			return types.Statusf(types.ErrInvalid, "put target %d", spec.Target)
		}
		dst = c.layout.WorkerServer(spec.Target)
	}
	req := comm.PutRuleReq{
		Put: comm.PutReq{
			Type:        int32(spec.Type),
			Priority:    int32(spec.Priority),
			Putter:      int32(c.rank),
			Answer:      int32(spec.Answer),
			Target:      int32(spec.Target),
			Parallelism: int32(spec.Parallelism),
			Payload:     spec.Payload,
		},
		WaitIDs: waitIDs,
	}
	msg, err := c.call(ctx, dst, comm.TagPutRule, req.Encode(), comm.TagResponsePut)
	if err != nil {
		return err
	}
	var resp comm.PutResp
	if err := resp.Decode(msg.Data); err != nil {
		return err
	}
	if resp.Status != types.StatusOK {
		return types.Statusf(resp.Status, "put rule of type %d", spec.Type)
	}
	return nil
}

// Get blocks until a task of the given type is dispatched to this
// worker. At cluster shutdown it returns an ErrShutdown status error.
func (c *Client) Get(ctx context.Context, wtype int) (*Task, error) {
	req := comm.GetReq{Type: int32(wtype)}
	if err := c.ep.Send(c.server, comm.TagGet, req.Encode()); err != nil {
		return nil, err
	}
	return c.awaitTask(ctx)
}

// Iget asks for a task without parking: ok is false when nothing of
// that type was queued.
func (c *Client) Iget(ctx context.Context, wtype int) (task *Task, ok bool, err error) {
	req := comm.GetReq{Type: int32(wtype)}
	msg, err := c.call(ctx, c.server, comm.TagIget, req.Encode(), comm.TagResponseGet)
	if err != nil {
		return nil, false, err
	}
	var resp comm.GetResp
	if err := resp.Decode(msg.Data); err != nil {
		return nil, false, err
	}
	switch resp.Status {
	case types.StatusDone:
		return nil, false, nil
	case types.StatusOK:
		t, err := c.receiveWork(ctx, &resp)
		if err != nil {
			return nil, false, err
		}
		return t, true, nil
	}
	return nil, false, types.Statusf(resp.Status, "iget of type %d", wtype)
}

// awaitTask receives the dispatch record and then the payload frame.
func (c *Client) awaitTask(ctx context.Context) (*Task, error) {
	msg, err := c.ep.Recv(ctx, fabric.AnySource, comm.TagResponseGet)
	if err != nil {
		return nil, err
	}
	var resp comm.GetResp
	if err := resp.Decode(msg.Data); err != nil {
		return nil, err
	}
	if resp.Status != types.StatusOK {
		return nil, types.Statusf(resp.Status, "get")
	}
	return c.receiveWork(ctx, &resp)
}

func (c *Client) receiveWork(ctx context.Context, resp *comm.GetResp) (*Task, error) {
	msg, err := c.ep.Recv(ctx, int(resp.PayloadSource), comm.TagWork)
	if err != nil {
		return nil, err
	}
	var frame comm.WorkFrame
	if err := frame.Decode(msg.Data); err != nil {
		return nil, err
	}
	t := &Task{
		Type:        int(resp.Type),
		Answer:      int(resp.Answer),
		Parallelism: int(resp.Parallelism),
		Payload:     frame.Payload,
	}
	for _, r := range frame.Ranks {
		t.Ranks = append(t.Ranks, int(r))
	}
	return t, nil
}
