package server

import (
	"context"
	"strconv"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/taskwire/taskwire/pkg/comm"
	"github.com/taskwire/taskwire/pkg/fabric"
	"github.com/taskwire/taskwire/pkg/types"
	"github.com/taskwire/taskwire/pkg/workqueue"
)

// A rule is a put released only once every awaited datum has closed.
// The server subscribes to each id with its own rank as the listener;
// the resulting close notifications come back either directly (local
// shard) or as control puts targeted at this server rank.
type rule struct {
	unit    *workqueue.Unit
	waiting mapset.Set[types.ID]
}

func (s *Server) handlePutRule(ctx context.Context, msg fabric.Message) error {
	var req comm.PutRuleReq
	if err := req.Decode(msg.Data); err != nil {
		return err
	}

	resp := comm.PutResp{}
	if req.Put.Parallelism < 1 ||
		int(req.Put.Type) < 0 || int(req.Put.Type) >= s.opts.WorkTypes ||
		len(req.Put.Payload) > types.PayloadMax {
		resp.Status = types.ErrInvalid
		return s.reply(msg.Src, comm.TagResponsePut, resp.Encode())
	}

	u := &workqueue.Unit{
		Type:        int(req.Put.Type),
		Putter:      int(req.Put.Putter),
		Priority:    int(req.Put.Priority),
		Answer:      int(req.Put.Answer),
		Target:      int(req.Put.Target),
		Parallelism: int(req.Put.Parallelism),
		Payload:     req.Put.Payload,
	}
	r := &rule{unit: u, waiting: mapset.NewThreadUnsafeSet[types.ID]()}

	for _, id := range req.WaitIDs {
		if r.waiting.Contains(id) {
			continue
		}
		subscribed, err := s.subscribeSelf(ctx, id)
		if err != nil {
			resp.Status = types.Code(err)
			return s.reply(msg.Src, comm.TagResponsePut, resp.Encode())
		}
		if subscribed {
			r.waiting.Add(id)
			s.ruleWaiters[id] = append(s.ruleWaiters[id], r)
		}
	}

	if err := s.reply(msg.Src, comm.TagResponsePut, resp.Encode()); err != nil {
		return err
	}
	if r.waiting.Cardinality() == 0 {
		return s.acceptWork(u)
	}
	s.rules++
	return nil
}

// subscribeSelf registers this server rank as a close listener on id,
// locally or at the owning shard.
func (s *Server) subscribeSelf(ctx context.Context, id types.ID) (bool, error) {
	owner, err := s.layout.ShardOwner(id)
	if err != nil {
		return false, err
	}
	if owner == s.rank {
		return s.store.Subscribe(id, "", s.rank)
	}
	hdr := &comm.SyncReq{Mode: comm.SyncRequest}
	if err := s.sync(ctx, owner, hdr, true); err != nil {
		return false, err
	}
	req := comm.IDSubReq{ID: id}
	if err := s.ep.Send(owner, comm.TagSubscribe, req.Encode()); err != nil {
		return false, err
	}
	msg, err := s.ep.Recv(ctx, owner, comm.TagResponse)
	if err != nil {
		return false, err
	}
	var resp comm.BoolResp
	if err := resp.Decode(msg.Data); err != nil {
		return false, err
	}
	if resp.Status != types.StatusOK {
		return false, types.Statusf(resp.Status, "rule subscribe <%d>", id)
	}
	return resp.Result, nil
}

// ruleClosed records that an awaited datum closed and releases every
// rule whose wait set drained.
func (s *Server) ruleClosed(id types.ID) error {
	waiters := s.ruleWaiters[id]
	if len(waiters) == 0 {
		return nil
	}
	delete(s.ruleWaiters, id)
	for _, r := range waiters {
		r.waiting.Remove(id)
		if r.waiting.Cardinality() == 0 {
			s.rules--
			if err := s.acceptWork(r.unit); err != nil {
				return err
			}
		}
	}
	return nil
}

// ruleNotification handles a close notification that arrived as a
// control put targeted at this server rank.
func (s *Server) ruleNotification(src int, req *comm.PutReq) error {
	resp := comm.PutResp{}
	fields := strings.Fields(string(req.Payload))
	if len(fields) < 2 || fields[0] != "close" {
		resp.Status = types.ErrInvalid
		return s.reply(src, comm.TagResponsePut, resp.Encode())
	}
	id, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		resp.Status = types.ErrNumberFormat
		return s.reply(src, comm.TagResponsePut, resp.Encode())
	}
	if err := s.reply(src, comm.TagResponsePut, resp.Encode()); err != nil {
		return err
	}
	return s.ruleClosed(types.ID(id))
}
