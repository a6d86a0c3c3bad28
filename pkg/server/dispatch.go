package server

import (
	"context"

	"github.com/taskwire/taskwire/pkg/comm"
	"github.com/taskwire/taskwire/pkg/fabric"
	"github.com/taskwire/taskwire/pkg/metrics"
	"github.com/taskwire/taskwire/pkg/types"
	"github.com/taskwire/taskwire/pkg/workqueue"
)

func (s *Server) handlePut(ctx context.Context, msg fabric.Message) error {
	var req comm.PutReq
	if err := req.Decode(msg.Data); err != nil {
		return err
	}

	// A control put targeted at this server rank is a rule trigger
	// from the shard owning an awaited datum.
	if int(req.Target) == s.rank {
		return s.ruleNotification(msg.Src, &req)
	}

	resp := comm.PutResp{}
	if req.Parallelism < 1 ||
		int(req.Type) < 0 || int(req.Type) >= s.opts.WorkTypes ||
		len(req.Payload) > types.PayloadMax {
		resp.Status = types.ErrInvalid
		return s.reply(msg.Src, comm.TagResponsePut, resp.Encode())
	}
	if req.Target != types.AnyRank && !s.layout.IsWorker(int(req.Target)) {
		resp.Status = types.ErrInvalid
		return s.reply(msg.Src, comm.TagResponsePut, resp.Encode())
	}

	u := &workqueue.Unit{
		Type:        int(req.Type),
		Putter:      int(req.Putter),
		Priority:    int(req.Priority),
		Answer:      int(req.Answer),
		Target:      int(req.Target),
		Parallelism: int(req.Parallelism),
		Payload:     req.Payload,
	}

	// Acknowledge before dispatching so the putter is never held up by
	// the receiving worker.
	if err := s.reply(msg.Src, comm.TagResponsePut, resp.Encode()); err != nil {
		return err
	}
	return s.acceptWork(u)
}

// acceptWork matches a unit against parked requests or queues it.
func (s *Server) acceptWork(u *workqueue.Unit) error {
	if u.Parallelism > 1 {
		s.wq.Add(u)
		return s.tryParallel()
	}
	if u.Targeted() {
		if s.rq.MatchTarget(u.Target, u.Type) {
			if metrics.Enabled() {
				metrics.TasksDispatched.WithLabelValues("targeted").Inc()
			}
			return s.dispatch(u.Target, u, nil)
		}
		s.wq.Add(u)
		return nil
	}
	if rank, ok := s.rq.MatchType(u.Type); ok {
		if metrics.Enabled() {
			metrics.TasksDispatched.WithLabelValues("matched").Inc()
		}
		return s.dispatch(rank, u, nil)
	}
	s.wq.Add(u)
	return nil
}

func (s *Server) handleGet(msg fabric.Message, blocking bool) error {
	var req comm.GetReq
	if err := req.Decode(msg.Data); err != nil {
		return err
	}
	wtype := int(req.Type)
	if wtype < 0 || wtype >= s.opts.WorkTypes {
		resp := comm.GetResp{Status: types.ErrInvalid}
		return s.reply(msg.Src, comm.TagResponseGet, resp.Encode())
	}
	if s.shuttingDown {
		s.releaseWorker(msg.Src)
		return nil
	}

	if u, ok := s.wq.Get(msg.Src, wtype); ok {
		if metrics.Enabled() {
			metrics.TasksDispatched.WithLabelValues("immediate").Inc()
		}
		return s.dispatch(msg.Src, u, nil)
	}

	if !blocking {
		resp := comm.GetResp{Status: types.StatusDone}
		return s.reply(msg.Src, comm.TagResponseGet, resp.Encode())
	}

	s.rq.Add(msg.Src, wtype)
	// A parked worker may complete a parallel gang.
	return s.tryParallel()
}

// tryParallel releases parallel units whose gang can now be formed.
func (s *Server) tryParallel() error {
	for {
		u, ranks, ok := s.wq.PopParallel(func(u *workqueue.Unit) ([]int, bool) {
			return s.rq.ParallelReserve(u.Type, u.Parallelism)
		})
		if !ok {
			return nil
		}
		if metrics.Enabled() {
			metrics.TasksDispatched.WithLabelValues("parallel").Inc()
		}
		for _, rank := range ranks {
			if err := s.dispatch(rank, u, ranks); err != nil {
				return err
			}
		}
	}
}

// dispatch sends a task to a worker: the reply record first, then the
// payload frame. ranks carries the gang for parallel tasks.
func (s *Server) dispatch(rank int, u *workqueue.Unit, ranks []int) error {
	resp := comm.GetResp{
		Status:        types.StatusOK,
		Length:        int32(len(u.Payload)),
		Answer:        int32(u.Answer),
		Type:          int32(u.Type),
		PayloadSource: int32(s.rank),
		Parallelism:   int32(u.Parallelism),
	}
	if err := s.ep.Send(rank, comm.TagResponseGet, resp.Encode()); err != nil {
		return err
	}
	frame := comm.WorkFrame{Payload: u.Payload}
	for _, r := range ranks {
		frame.Ranks = append(frame.Ranks, int32(r))
	}
	return s.ep.Send(rank, comm.TagWork, frame.Encode())
}
