package server

import (
	"context"

	"github.com/taskwire/taskwire/pkg/comm"
	"github.com/taskwire/taskwire/pkg/fabric"
	"github.com/taskwire/taskwire/pkg/metrics"
	"github.com/taskwire/taskwire/pkg/notify"
	"github.com/taskwire/taskwire/pkg/store"
	"github.com/taskwire/taskwire/pkg/types"
)

// handle classifies a probed message and runs its handler. Handlers
// perform the operation, emit the reply and any notification work, and
// return to the loop.
func (s *Server) handle(ctx context.Context, msg fabric.Message) error {
	if metrics.Enabled() {
		metrics.RequestsTotal.WithLabelValues(msg.Tag.String()).Inc()
	}
	switch msg.Tag {
	case comm.TagPut:
		return s.handlePut(ctx, msg)
	case comm.TagPutRule:
		return s.handlePutRule(ctx, msg)
	case comm.TagGet:
		return s.handleGet(msg, true)
	case comm.TagIget:
		return s.handleGet(msg, false)
	case comm.TagCreateHeader:
		return s.handleCreate(msg)
	case comm.TagMulticreate:
		return s.handleMulticreate(msg)
	case comm.TagExists:
		return s.handleExists(msg)
	case comm.TagStoreHeader:
		return s.handleStore(ctx, msg)
	case comm.TagRetrieve:
		return s.handleRetrieve(ctx, msg)
	case comm.TagEnumerate:
		return s.handleEnumerate(ctx, msg)
	case comm.TagSubscribe:
		return s.handleSubscribe(msg)
	case comm.TagPermanent:
		return s.handlePermanent(msg)
	case comm.TagRefcountIncr:
		return s.handleRefcountIncr(ctx, msg)
	case comm.TagInsertAtomic:
		return s.handleInsertAtomic(msg)
	case comm.TagUnique:
		return s.handleUnique(msg)
	case comm.TagTypeof:
		return s.handleTypeof(msg)
	case comm.TagContainerTypeof:
		return s.handleContainerTypeof(msg)
	case comm.TagContainerReference:
		return s.handleContainerReference(msg)
	case comm.TagContainerSize:
		return s.handleContainerSize(ctx, msg)
	case comm.TagLock:
		return s.handleLock(msg)
	case comm.TagUnlock:
		return s.handleUnlock(msg)
	case comm.TagSyncRequest:
		return s.handleSyncRequest(ctx, msg)
	case comm.TagCheckIdle:
		return s.handleCheckIdle(msg)
	case comm.TagShutdownServer:
		s.shutdown()
		return nil
	case comm.TagFail:
		var req comm.FailReq
		if err := req.Decode(msg.Data); err != nil {
			return err
		}
		s.failCode = int(req.Code)
		s.shutdown()
		return nil
	}
	return types.Statusf(types.ErrInvalid, "unexpected tag %s from %d", msg.Tag, msg.Src)
}

// reply sends a record back to the requester.
func (s *Server) reply(dst int, tag comm.Tag, data []byte) error {
	return s.ep.Send(dst, tag, data)
}

// finishWithNotifs completes an operation that produced notification
// work. The reply goes out first, its counts block describing the
// client's share of the batch (pending references and remote refcount
// work, sent as a follow-up frame); the server then routes the close
// and insert wakeups itself. Notifications are thus always delivered
// after the store's client reply.
func (s *Server) finishWithNotifs(ctx context.Context, dst int, tag comm.Tag,
	reply func(counts comm.NotifCounts) []byte, batch *notify.Batch) error {

	rest := &notify.Batch{
		References: batch.References,
		Refcounts:  batch.Refcounts,
	}
	if err := s.ep.Send(dst, tag, reply(comm.CountsOf(rest.Counts()))); err != nil {
		return err
	}
	if !rest.Empty() {
		wire := comm.BatchOf(rest)
		if err := s.ep.Send(dst, comm.TagResponse, wire.Encode()); err != nil {
			return err
		}
	}
	return s.routeNotifications(ctx, batch)
}

func (s *Server) handleCreate(msg fabric.Message) error {
	var req comm.CreateReq
	if err := req.Decode(msg.Data); err != nil {
		return err
	}
	resp := comm.CreateResp{ID: req.ID}
	if req.ID == types.NullID {
		id, err := s.store.Unique()
		if err != nil {
			resp.Status = types.Code(err)
			return s.reply(msg.Src, comm.TagResponse, resp.Encode())
		}
		resp.ID = id
	}
	if err := s.store.Create(resp.ID, req.Type, req.Extra, req.Props); err != nil {
		s.logger.Debug().Err(err).Int64("id", int64(resp.ID)).Msg("create rejected")
		resp.Status = types.Code(err)
	}
	return s.reply(msg.Src, comm.TagResponse, resp.Encode())
}

func (s *Server) handleMulticreate(msg fabric.Message) error {
	var req comm.MulticreateReq
	if err := req.Decode(msg.Data); err != nil {
		return err
	}
	resp := comm.MulticreateResp{IDs: make([]types.ID, 0, len(req.Specs))}
	for _, spec := range req.Specs {
		id := spec.ID
		if id == types.NullID {
			minted, err := s.store.Unique()
			if err != nil {
				resp.IDs = append(resp.IDs, types.NullID)
				continue
			}
			id = minted
		}
		if err := s.store.Create(id, spec.Type, spec.Extra, spec.Props); err != nil {
			s.logger.Debug().Err(err).Int64("id", int64(id)).Msg("multicreate entry rejected")
			resp.IDs = append(resp.IDs, types.NullID)
			continue
		}
		resp.IDs = append(resp.IDs, id)
	}
	return s.reply(msg.Src, comm.TagResponse, resp.Encode())
}

func (s *Server) handleExists(msg fabric.Message) error {
	var req comm.IDSubReq
	if err := req.Decode(msg.Data); err != nil {
		return err
	}
	result, err := s.store.Exists(req.ID, req.Sub)
	resp := comm.BoolResp{Status: types.Code(err), Result: result}
	return s.reply(msg.Src, comm.TagResponse, resp.Encode())
}

func (s *Server) handleStore(ctx context.Context, msg fabric.Message) error {
	var req comm.StoreReq
	if err := req.Decode(msg.Data); err != nil {
		return err
	}
	batch := &notify.Batch{}
	err := s.store.Store(req.ID, req.Sub, req.Type, req.Payload, req.Decr, req.StoreRefc, batch)
	if err != nil {
		s.logger.Debug().Err(err).Int64("id", int64(req.ID)).Msg("store rejected")
		resp := comm.StoreResp{Status: types.Code(err)}
		return s.reply(msg.Src, comm.TagResponse, resp.Encode())
	}
	return s.finishWithNotifs(ctx, msg.Src, comm.TagResponse, func(counts comm.NotifCounts) []byte {
		resp := comm.StoreResp{Status: types.StatusOK, Notifs: counts}
		return resp.Encode()
	}, batch)
}

func (s *Server) handleRetrieve(ctx context.Context, msg fabric.Message) error {
	var req comm.RetrieveReq
	if err := req.Decode(msg.Data); err != nil {
		return err
	}
	batch := &notify.Batch{}
	t, payload, err := s.store.Retrieve(req.ID, req.Sub, req.Refc, nil, batch)
	if err != nil {
		resp := comm.RetrieveResp{Status: types.Code(err)}
		return s.reply(msg.Src, comm.TagResponse, resp.Encode())
	}
	return s.finishWithNotifs(ctx, msg.Src, comm.TagResponse, func(counts comm.NotifCounts) []byte {
		resp := comm.RetrieveResp{Status: types.StatusOK, Type: t, Payload: payload, Notifs: counts}
		return resp.Encode()
	}, batch)
}

func (s *Server) handleEnumerate(ctx context.Context, msg fabric.Message) error {
	var req comm.EnumerateReq
	if err := req.Decode(msg.Data); err != nil {
		return err
	}
	batch := &notify.Batch{}
	data, actual, keyType, valType, err := s.store.Enumerate(
		req.ID, int(req.Count), int(req.Offset), req.RequestKeys, req.RequestVals,
		req.Decr, nil, batch)
	if err != nil {
		resp := comm.EnumerateResp{Status: types.Code(err)}
		return s.reply(msg.Src, comm.TagResponse, resp.Encode())
	}
	return s.finishWithNotifs(ctx, msg.Src, comm.TagResponse, func(counts comm.NotifCounts) []byte {
		resp := comm.EnumerateResp{
			Status:  types.StatusOK,
			Records: int32(actual),
			KeyType: keyType,
			ValType: valType,
			Data:    data,
			Notifs:  counts,
		}
		return resp.Encode()
	}, batch)
}

func (s *Server) handleSubscribe(msg fabric.Message) error {
	var req comm.IDSubReq
	if err := req.Decode(msg.Data); err != nil {
		return err
	}
	subscribed, err := s.store.Subscribe(req.ID, req.Sub, msg.Src)
	resp := comm.BoolResp{Status: types.Code(err), Result: subscribed}
	return s.reply(msg.Src, comm.TagResponse, resp.Encode())
}

func (s *Server) handlePermanent(msg fabric.Message) error {
	var req comm.IDSubReq
	if err := req.Decode(msg.Data); err != nil {
		return err
	}
	err := s.store.Permanent(req.ID)
	resp := comm.BoolResp{Status: types.Code(err), Result: err == nil}
	return s.reply(msg.Src, comm.TagResponse, resp.Encode())
}

func (s *Server) handleRefcountIncr(ctx context.Context, msg fabric.Message) error {
	var req comm.RefcountReq
	if err := req.Decode(msg.Data); err != nil {
		return err
	}
	batch := &notify.Batch{}
	_, _, err := s.store.RefcountIncr(req.ID, req.Change, store.NoScavenge, batch)
	if err != nil {
		s.logger.Debug().Err(err).Int64("id", int64(req.ID)).Msg("refcount change rejected")
		resp := comm.StoreResp{Status: types.Code(err)}
		return s.reply(msg.Src, comm.TagResponse, resp.Encode())
	}
	return s.finishWithNotifs(ctx, msg.Src, comm.TagResponse, func(counts comm.NotifCounts) []byte {
		resp := comm.StoreResp{Status: types.StatusOK, Notifs: counts}
		return resp.Encode()
	}, batch)
}

func (s *Server) handleInsertAtomic(msg fabric.Message) error {
	var req comm.InsertAtomicReq
	if err := req.Decode(msg.Data); err != nil {
		return err
	}
	created, present, value, valueType, err := s.store.InsertAtomic(req.ID, req.Sub, req.ReturnValue, nil)
	resp := comm.InsertAtomicResp{
		Status:       types.Code(err),
		Created:      created,
		ValuePresent: present,
		ValueType:    valueType,
		Value:        value,
	}
	return s.reply(msg.Src, comm.TagResponse, resp.Encode())
}

func (s *Server) handleUnique(msg fabric.Message) error {
	id, err := s.store.Unique()
	resp := comm.CodeIDResp{Status: types.Code(err), ID: id}
	return s.reply(msg.Src, comm.TagResponse, resp.Encode())
}

func (s *Server) handleTypeof(msg fabric.Message) error {
	var req comm.IDSubReq
	if err := req.Decode(msg.Data); err != nil {
		return err
	}
	t, err := s.store.Typeof(req.ID)
	resp := comm.TypeResp{Status: types.Code(err), Type: t}
	return s.reply(msg.Src, comm.TagResponse, resp.Encode())
}

func (s *Server) handleContainerTypeof(msg fabric.Message) error {
	var req comm.IDSubReq
	if err := req.Decode(msg.Data); err != nil {
		return err
	}
	keyType, valType, err := s.store.ContainerTypeof(req.ID)
	resp := comm.TypeResp{Status: types.Code(err), Type: keyType, ValType: valType}
	return s.reply(msg.Src, comm.TagResponse, resp.Encode())
}

func (s *Server) handleContainerReference(msg fabric.Message) error {
	var req comm.ContainerRefReq
	if err := req.Decode(msg.Data); err != nil {
		return err
	}
	value, found, err := s.store.ContainerReference(req.ID, req.Sub, req.Ref, req.RefType, nil)
	resp := comm.ContainerRefResp{
		Status: types.Code(err),
		Found:  found,
		Type:   req.RefType,
		Value:  value,
	}
	return s.reply(msg.Src, comm.TagResponse, resp.Encode())
}

func (s *Server) handleContainerSize(ctx context.Context, msg fabric.Message) error {
	var req comm.SizeReq
	if err := req.Decode(msg.Data); err != nil {
		return err
	}
	size, err := s.store.ContainerSize(req.ID)
	if err == nil && !req.Decr.IsNull() {
		batch := &notify.Batch{}
		if _, _, rcErr := s.store.RefcountIncr(req.ID, req.Decr.Negate(), store.NoScavenge, batch); rcErr != nil {
			err = rcErr
		} else if applyErr := s.applyServerBatch(ctx, batch); applyErr != nil {
			return applyErr
		}
	}
	resp := comm.SizeResp{Status: types.Code(err), Size: int32(size)}
	return s.reply(msg.Src, comm.TagResponse, resp.Encode())
}

func (s *Server) handleLock(msg fabric.Message) error {
	var req comm.LockReq
	if err := req.Decode(msg.Data); err != nil {
		return err
	}
	acquired, err := s.store.Lock(req.ID, int(req.Rank))
	resp := comm.BoolResp{Status: types.Code(err), Result: acquired}
	return s.reply(msg.Src, comm.TagResponse, resp.Encode())
}

func (s *Server) handleUnlock(msg fabric.Message) error {
	var req comm.IDSubReq
	if err := req.Decode(msg.Data); err != nil {
		return err
	}
	err := s.store.Unlock(req.ID)
	resp := comm.BoolResp{Status: types.Code(err), Result: err == nil}
	return s.reply(msg.Src, comm.TagResponse, resp.Encode())
}

func (s *Server) handleCheckIdle(msg fabric.Message) error {
	var req comm.CheckIdleReq
	if err := req.Decode(msg.Data); err != nil {
		return err
	}
	counts := s.wq.TypeCounts()
	workCounts := make([]int32, len(counts))
	for i, c := range counts {
		workCounts[i] = int32(c)
	}
	reqCounts := make([]int32, s.opts.WorkTypes)
	for wtype := 0; wtype < s.opts.WorkTypes; wtype++ {
		reqCounts[wtype] = int32(s.rq.CountType(wtype))
	}
	resp := comm.CheckIdleResp{
		Attempt:       req.Attempt,
		Idle:          s.localIdle(),
		WorkCounts:    workCounts,
		RequestCounts: reqCounts,
	}
	return s.reply(msg.Src, comm.TagResponseIdle, resp.Encode())
}
