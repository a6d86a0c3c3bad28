package server

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/taskwire/taskwire/pkg/comm"
	"github.com/taskwire/taskwire/pkg/metrics"
	"github.com/taskwire/taskwire/pkg/workqueue"
)

const (
	stealBackoffBase = 1 * time.Millisecond
	stealBackoffMax  = 250 * time.Millisecond
	stealBatchUnits  = 16
)

// maybeSteal initiates the steal protocol when this server has parked
// requests it cannot satisfy and no queued work. Only one outstanding
// sync at a time; rejections back off exponentially with jitter.
func (s *Server) maybeSteal(ctx context.Context) {
	if s.layout.Servers < 2 || s.shuttingDown {
		return
	}
	if s.wq.Size() > 0 || s.rq.Size() == 0 {
		return
	}
	if time.Now().Before(s.nextSteal) {
		return
	}

	target := s.nextStealTarget()
	counts := s.wq.TypeCounts()
	hdr := &comm.SyncReq{
		Mode:           comm.SyncSteal,
		StealBudget:    int32(s.opts.StealBudget),
		WorkTypeCounts: make([]int32, len(counts)),
	}
	for i, c := range counts {
		hdr.WorkTypeCounts[i] = int32(c)
	}

	if metrics.Enabled() {
		metrics.StealAttempts.Inc()
	}
	err := s.sync(ctx, target, hdr, false)
	if err != nil {
		if errors.Is(err, errSyncRejected) {
			if metrics.Enabled() {
				metrics.StealRejections.Inc()
			}
			s.stealFailed()
		}
		return
	}

	timer := metrics.NewTimer()
	received, err := s.receiveStolen(ctx, target)
	if err != nil {
		s.logger.Error().Err(err).Int("target", target).Msg("steal transfer failed")
		s.stealFailed()
		return
	}
	if received == 0 {
		s.stealFailed()
		return
	}
	s.stealBackoff = 0
	s.nextSteal = time.Time{}
	s.logger.Debug().
		Int("count", received).
		Int("target", target).
		Dur("elapsed", timer.Duration()).
		Msg("steal complete")
}

// nextStealTarget round-robins over the other servers.
func (s *Server) nextStealTarget() int {
	for {
		s.stealTarget = (s.stealTarget + 1) % s.layout.Servers
		target := s.layout.ServerRank(s.stealTarget)
		if target != s.rank {
			return target
		}
	}
}

func (s *Server) stealFailed() {
	if s.stealBackoff == 0 {
		s.stealBackoff = stealBackoffBase
	} else if s.stealBackoff *= 2; s.stealBackoff > stealBackoffMax {
		s.stealBackoff = stealBackoffMax
	}
	jitter := time.Duration(rand.Int63n(int64(s.stealBackoff)/2 + 1))
	s.nextSteal = time.Now().Add(s.stealBackoff + jitter)
}

// receiveStolen pulls batches from the accepting target until the
// last marker, re-homing each unit locally.
func (s *Server) receiveStolen(ctx context.Context, target int) (int, error) {
	received := 0
	for {
		msg, err := s.ep.Recv(ctx, target, comm.TagResponseSteal)
		if err != nil {
			return received, err
		}
		var resp comm.StealResp
		if err := resp.Decode(msg.Data); err != nil {
			return received, err
		}
		for i := range resp.Units {
			su := &resp.Units[i]
			u := &workqueue.Unit{
				ID:          su.ID,
				Type:        int(su.Type),
				Putter:      s.rank, // re-derived on arrival
				Priority:    int(su.Priority),
				Answer:      int(su.Answer),
				Target:      int(su.Target),
				Parallelism: int(su.Parallelism),
				Payload:     su.Payload,
			}
			if err := s.acceptWork(u); err != nil {
				return received, err
			}
			received++
			if metrics.Enabled() {
				metrics.UnitsStolen.Inc()
			}
		}
		if resp.Last {
			return received, nil
		}
	}
}

// serveSteal is the target side: select surplus work against the
// caller's per-type counts and stream it in batches ending with the
// last marker.
func (s *Server) serveSteal(src int, req comm.SyncReq) error {
	callerCounts := make([]int, len(req.WorkTypeCounts))
	for i, c := range req.WorkTypeCounts {
		callerCounts[i] = int(c)
	}
	units := s.wq.Steal(int(req.StealBudget), callerCounts)

	for start := 0; ; start += stealBatchUnits {
		end := start + stealBatchUnits
		if end > len(units) {
			end = len(units)
		}
		resp := comm.StealResp{Last: end == len(units)}
		for _, u := range units[start:end] {
			resp.Units = append(resp.Units, comm.StolenUnit{
				ID:          u.ID,
				Type:        int32(u.Type),
				Priority:    int32(u.Priority),
				Answer:      int32(u.Answer),
				Target:      int32(u.Target),
				Parallelism: int32(u.Parallelism),
				Payload:     u.Payload,
			})
		}
		if err := s.ep.Send(src, comm.TagResponseSteal, resp.Encode()); err != nil {
			return err
		}
		if resp.Last {
			return nil
		}
	}
}
