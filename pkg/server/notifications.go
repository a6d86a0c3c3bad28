package server

import (
	"context"

	"github.com/taskwire/taskwire/pkg/comm"
	"github.com/taskwire/taskwire/pkg/metrics"
	"github.com/taskwire/taskwire/pkg/notify"
	"github.com/taskwire/taskwire/pkg/store"
	"github.com/taskwire/taskwire/pkg/types"
	"github.com/taskwire/taskwire/pkg/workqueue"
)

// routeNotifications delivers the close and insert targets of a
// batch. Each becomes a control task targeted at the subscriber's
// rank: enqueued directly when that rank is homed here, otherwise
// synced to the peer server and put there.
func (s *Server) routeNotifications(ctx context.Context, batch *notify.Batch) error {
	for _, t := range batch.Close {
		if metrics.Enabled() {
			metrics.NotificationsTotal.WithLabelValues("close").Inc()
		}
		if err := s.deliver(ctx, t); err != nil {
			return err
		}
	}
	batch.Close = nil
	for _, t := range batch.Insert {
		if metrics.Enabled() {
			metrics.NotificationsTotal.WithLabelValues("insert").Inc()
		}
		if err := s.deliver(ctx, t); err != nil {
			return err
		}
	}
	batch.Insert = nil
	return nil
}

// deliver routes one wakeup. Remote delivery needs a sync; while one
// is already in flight the work is deferred to the next maintenance
// pass, since syncs do not nest.
func (s *Server) deliver(ctx context.Context, t notify.Target) error {
	if t.Rank == s.rank {
		// Our own rule listener on a local datum.
		return s.ruleClosed(t.ID)
	}
	home := s.layout.WorkerServer(t.Rank)
	if home == s.rank {
		u := &workqueue.Unit{
			Type:        ControlWorkType,
			Putter:      s.rank,
			Priority:    comm.NotifPriority,
			Answer:      types.NullRank,
			Target:      t.Rank,
			Parallelism: 1,
			Payload:     comm.NotifTaskPayload(t.ID, t.Sub),
		}
		return s.acceptWork(u)
	}
	if s.syncInProgress {
		s.deferred.Close = append(s.deferred.Close, t)
		return nil
	}
	return s.remotePut(ctx, home, t.Rank, comm.NotifTaskPayload(t.ID, t.Sub))
}

// applyServerBatch fully applies a batch with no client to hand it
// to: wakeups are routed, references and refcount work are applied
// locally or pushed to the owning shard over a sync.
func (s *Server) applyServerBatch(ctx context.Context, batch *notify.Batch) error {
	if err := s.routeNotifications(ctx, batch); err != nil {
		return err
	}
	for _, ref := range batch.References {
		owner, err := s.layout.ShardOwner(ref.Ref)
		if err != nil {
			return err
		}
		switch {
		case owner == s.rank:
			nested := &notify.Batch{}
			err := s.store.Store(ref.Ref, "", ref.ValueType, ref.Value,
				types.WriteRefc, types.NoRefc, nested)
			if err != nil {
				return err
			}
			if err := s.applyServerBatch(ctx, nested); err != nil {
				return err
			}
		case s.syncInProgress:
			s.deferred.References = append(s.deferred.References, ref)
		default:
			req := comm.StoreReq{
				ID: ref.Ref, Type: ref.ValueType, Decr: types.WriteRefc, Payload: ref.Value,
			}
			if err := s.remoteData(ctx, owner, comm.TagStoreHeader, req.Encode()); err != nil {
				return err
			}
		}
	}
	batch.References = nil
	for _, rc := range batch.Refcounts {
		owner, err := s.layout.ShardOwner(rc.ID)
		if err != nil {
			return err
		}
		switch {
		case owner == s.rank:
			nested := &notify.Batch{}
			if _, _, err := s.store.RefcountIncr(rc.ID, rc.Change, store.NoScavenge, nested); err != nil {
				return err
			}
			if err := s.applyServerBatch(ctx, nested); err != nil {
				return err
			}
		case s.syncInProgress:
			s.deferred.Refcounts = append(s.deferred.Refcounts, rc)
		default:
			req := comm.RefcountReq{ID: rc.ID, Change: rc.Change}
			if err := s.remoteData(ctx, owner, comm.TagRefcountIncr, req.Encode()); err != nil {
				return err
			}
		}
	}
	batch.Refcounts = nil
	return nil
}

// flushDeferred applies notification work that was parked while a
// sync was in flight.
func (s *Server) flushDeferred(ctx context.Context) {
	if s.syncInProgress || s.deferred.Empty() {
		return
	}
	batch := s.deferred
	s.deferred = notify.Batch{}
	for _, t := range batch.Close {
		if err := s.deliver(ctx, t); err != nil {
			s.logger.Error().Err(err).Int("worker", t.Rank).Msg("deferred notification failed")
		}
	}
	batch.Close = nil
	rest := &notify.Batch{References: batch.References, Refcounts: batch.Refcounts}
	if err := s.applyServerBatch(ctx, rest); err != nil {
		s.logger.Error().Err(err).Msg("deferred notification work failed")
	}
}

// remoteData syncs with a peer and performs one data RPC there,
// applying any notification work the peer hands back.
func (s *Server) remoteData(ctx context.Context, peer int, tag comm.Tag, req []byte) error {
	hdr := &comm.SyncReq{Mode: comm.SyncRequest}
	if err := s.sync(ctx, peer, hdr, true); err != nil {
		return err
	}
	if err := s.ep.Send(peer, tag, req); err != nil {
		return err
	}
	msg, err := s.ep.Recv(ctx, peer, comm.TagResponse)
	if err != nil {
		return err
	}
	var resp comm.StoreResp
	if err := resp.Decode(msg.Data); err != nil {
		return err
	}
	if resp.Status != types.StatusOK {
		return types.Statusf(resp.Status, "remote %s on server %d", tag, peer)
	}
	if resp.Notifs.Total() > 0 {
		frame, err := s.ep.Recv(ctx, peer, comm.TagResponse)
		if err != nil {
			return err
		}
		var wire comm.NotifBatch
		if err := wire.Decode(frame.Data); err != nil {
			return err
		}
		return s.applyServerBatch(ctx, wire.Batch())
	}
	return nil
}

// remotePut syncs with a peer server and puts a control task there.
func (s *Server) remotePut(ctx context.Context, peer, target int, payload []byte) error {
	hdr := &comm.SyncReq{Mode: comm.SyncRequest}
	if err := s.sync(ctx, peer, hdr, true); err != nil {
		return err
	}
	req := comm.PutReq{
		Type:        ControlWorkType,
		Priority:    comm.NotifPriority,
		Putter:      int32(s.rank),
		Answer:      int32(types.NullRank),
		Target:      int32(target),
		Parallelism: 1,
		Payload:     payload,
	}
	if err := s.ep.Send(peer, comm.TagPut, req.Encode()); err != nil {
		return err
	}
	msg, err := s.ep.Recv(ctx, peer, comm.TagResponsePut)
	if err != nil {
		return err
	}
	var resp comm.PutResp
	if err := resp.Decode(msg.Data); err != nil {
		return err
	}
	if resp.Status != types.StatusOK {
		return types.Statusf(resp.Status, "notification put to server %d", peer)
	}
	return nil
}
