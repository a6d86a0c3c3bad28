package server

import (
	"context"
	"time"

	"github.com/taskwire/taskwire/pkg/comm"
	"github.com/taskwire/taskwire/pkg/fabric"
)

// idleCheckInterval paces the master's cluster-wide idle polls.
const idleCheckInterval = 50 * time.Millisecond

// masterIdleCheck runs on the master only: when locally idle, poll
// every peer at the current attempt number. When all servers agree
// the cluster is quiescent, broadcast shutdown.
func (s *Server) masterIdleCheck(ctx context.Context) {
	if s.shuttingDown || !s.localIdle() {
		return
	}
	if time.Now().Before(s.nextIdle) {
		return
	}
	s.nextIdle = time.Now().Add(idleCheckInterval)
	s.idleAttempt++

	if s.allPeersIdle(ctx) {
		s.broadcastShutdown()
	}
}

func (s *Server) allPeersIdle(ctx context.Context) bool {
	req := comm.CheckIdleReq{Attempt: s.idleAttempt}
	for i := 0; i < s.layout.Servers; i++ {
		peer := s.layout.ServerRank(i)
		if peer == s.rank {
			continue
		}
		if err := s.ep.Send(peer, comm.TagCheckIdle, req.Encode()); err != nil {
			s.logger.Error().Err(err).Int("peer", peer).Msg("idle check send failed")
			return false
		}
		resp, err := s.recvIdleResp(ctx, peer)
		if err != nil {
			return false
		}
		if !resp.Idle {
			return false
		}
		for _, c := range resp.WorkCounts {
			if c != 0 {
				return false
			}
		}
	}
	return true
}

// recvIdleResp waits for a peer's idle report. A sync arriving during
// the wait is served and fails the poll: the requester may be the very
// peer being polled, blocked in its sync loop where it cannot answer,
// and in any case a syncing cluster is not idle.
func (s *Server) recvIdleResp(ctx context.Context, peer int) (comm.CheckIdleResp, error) {
	for {
		msg, err := s.ep.Recv(ctx, fabric.AnySource,
			comm.TagResponseIdle, comm.TagSyncRequest)
		if err != nil {
			return comm.CheckIdleResp{}, err
		}
		switch msg.Tag {
		case comm.TagResponseIdle:
			if msg.Src != peer {
				// Stale response from an earlier exchange; ignore.
				continue
			}
			var resp comm.CheckIdleResp
			if err := resp.Decode(msg.Data); err != nil {
				return comm.CheckIdleResp{}, err
			}
			if resp.Attempt != s.idleAttempt {
				// Answer to an aborted earlier poll.
				continue
			}
			return resp, nil
		case comm.TagSyncRequest:
			var req comm.SyncReq
			if err := req.Decode(msg.Data); err != nil {
				return comm.CheckIdleResp{}, err
			}
			if err := s.serveSync(ctx, msg.Src, req); err != nil {
				return comm.CheckIdleResp{}, err
			}
			return comm.CheckIdleResp{Idle: false}, nil
		}
	}
}

// broadcastShutdown tells every server to stop; each releases its own
// parked workers.
func (s *Server) broadcastShutdown() {
	s.logger.Info().Int64("attempt", s.idleAttempt).Msg("cluster idle, broadcasting shutdown")
	for i := 0; i < s.layout.Servers; i++ {
		peer := s.layout.ServerRank(i)
		if peer == s.rank {
			continue
		}
		if err := s.ep.Send(peer, comm.TagShutdownServer, nil); err != nil {
			s.logger.Error().Err(err).Int("peer", peer).Msg("shutdown send failed")
		}
	}
	s.shutdown()
}
