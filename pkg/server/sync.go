package server

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/taskwire/taskwire/pkg/comm"
	"github.com/taskwire/taskwire/pkg/fabric"
	"github.com/taskwire/taskwire/pkg/metrics"
	"github.com/taskwire/taskwire/pkg/types"
)

// errSyncRejected reports that the target turned the sync down; the
// caller backs off before trying again.
var errSyncRejected = errors.New("sync rejected")

const (
	syncBackoffBase = 100 * time.Microsecond
	syncBackoffMax  = 20 * time.Millisecond
)

// sync rendezvouses with a peer server. While waiting for the reply it
// services inbound sync requests from higher-ranked servers inline and
// buffers lower-ranked ones (rejecting past the buffer cap); this
// rank-order rule is what prevents sync cycles from deadlocking.
//
// With retry set, rejections are retried with a bounded backoff;
// otherwise the first rejection returns errSyncRejected.
func (s *Server) sync(ctx context.Context, target int, hdr *comm.SyncReq, retry bool) error {
	if s.syncInProgress {
		return types.Statusf(types.ErrInvalid, "nested sync to %d", target)
	}
	s.syncInProgress = true
	defer func() { s.syncInProgress = false }()

	data := hdr.Encode()
	if err := s.ep.Send(target, comm.TagSyncRequest, data); err != nil {
		return err
	}

	backoff := syncBackoffBase
	for {
		msg, err := s.ep.Recv(ctx, fabric.AnySource,
			comm.TagSyncResponse, comm.TagSyncRequest, comm.TagShutdownServer)
		if err != nil {
			return err
		}
		switch msg.Tag {
		case comm.TagSyncResponse:
			if msg.Src != target {
				// Stale response from an aborted earlier sync.
				continue
			}
			var resp comm.SyncResp
			if err := resp.Decode(msg.Data); err != nil {
				return err
			}
			if resp.Accepted {
				return nil
			}
			if !retry {
				return errSyncRejected
			}
			sleepJitter(backoff)
			if backoff *= 2; backoff > syncBackoffMax {
				backoff = syncBackoffMax
			}
			if err := s.ep.Send(target, comm.TagSyncRequest, data); err != nil {
				return err
			}

		case comm.TagSyncRequest:
			var req comm.SyncReq
			if err := req.Decode(msg.Data); err != nil {
				return err
			}
			if err := s.interruptSync(ctx, msg.Src, req); err != nil {
				return err
			}

		case comm.TagShutdownServer:
			s.shutdown()
			return types.Statusf(types.ErrShutdown, "shutdown during sync with %d", target)
		}
	}
}

// interruptSync handles a sync request arriving while our own sync is
// in flight. Higher ranks are served inline so a cycle of waiting
// servers always has someone who yields; lower ranks are deferred or
// rejected.
func (s *Server) interruptSync(ctx context.Context, src int, req comm.SyncReq) error {
	if src > s.rank {
		return s.serveSync(ctx, src, req)
	}
	if len(s.pending) < maxPendingSyncs {
		s.pending = append(s.pending, pendingSync{src: src, req: req})
		return nil
	}
	return s.rejectSync(src)
}

// servePending drains syncs deferred during an outbound sync.
func (s *Server) servePending(ctx context.Context) {
	for len(s.pending) > 0 {
		p := s.pending[0]
		s.pending = s.pending[1:]
		if err := s.serveSync(ctx, p.src, p.req); err != nil {
			s.logger.Error().Err(err).Int("peer", p.src).Msg("deferred sync failed")
		}
	}
}

// handleSyncRequest accepts a sync probed by the main loop.
func (s *Server) handleSyncRequest(ctx context.Context, msg fabric.Message) error {
	var req comm.SyncReq
	if err := req.Decode(msg.Data); err != nil {
		return err
	}
	return s.serveSync(ctx, msg.Src, req)
}

// serveSync accepts a peer's rendezvous and serves its one operation.
func (s *Server) serveSync(ctx context.Context, src int, req comm.SyncReq) error {
	accept := comm.SyncResp{Accepted: true}
	if err := s.ep.Send(src, comm.TagSyncResponse, accept.Encode()); err != nil {
		return err
	}
	if metrics.Enabled() {
		metrics.SyncsServed.Inc()
	}

	switch req.Mode {
	case comm.SyncRequest:
		msg, err := s.ep.Recv(ctx, src,
			comm.TagPut, comm.TagStoreHeader, comm.TagRefcountIncr, comm.TagSubscribe)
		if err != nil {
			return err
		}
		return s.handle(ctx, msg)
	case comm.SyncSteal:
		return s.serveSteal(src, req)
	}
	return types.Statusf(types.ErrInvalid, "sync mode %d from %d", req.Mode, src)
}

func (s *Server) rejectSync(src int) error {
	reject := comm.SyncResp{}
	return s.ep.Send(src, comm.TagSyncResponse, reject.Encode())
}

// sleepJitter sleeps for d plus up to 50% jitter.
func sleepJitter(d time.Duration) {
	time.Sleep(d + time.Duration(rand.Int63n(int64(d)/2+1)))
}
