package server

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/taskwire/taskwire/pkg/comm"
	"github.com/taskwire/taskwire/pkg/fabric"
	"github.com/taskwire/taskwire/pkg/layout"
	"github.com/taskwire/taskwire/pkg/metrics"
	"github.com/taskwire/taskwire/pkg/notify"
	"github.com/taskwire/taskwire/pkg/requestqueue"
	"github.com/taskwire/taskwire/pkg/store"
	"github.com/taskwire/taskwire/pkg/types"
	"github.com/taskwire/taskwire/pkg/workqueue"
)

// ControlWorkType is the work type of notification tasks.
const ControlWorkType = comm.ControlWorkType

// pollInterval bounds one blocking probe so idle maintenance (steal,
// idle detection) gets a chance to run.
const pollInterval = 20 * time.Millisecond

// maxPendingSyncs bounds the deferred inbound sync buffer; further
// requests are rejected, forcing the peer to back off and retry.
const maxPendingSyncs = 64

// Options configures one server.
type Options struct {
	WorkTypes       int
	ReadRefcEnabled bool
	ReportLeaks     bool
	StealBudget     int // bytes of work taken per steal, 0 for default
	Logger          zerolog.Logger
}

// pendingSync is a buffered inbound sync to serve once the in-flight
// outbound sync completes.
type pendingSync struct {
	src int
	req comm.SyncReq
}

// Server owns one shard of the datum space and one slice of the
// worker pool. It is a single cooperative actor: the event loop
// services one message at a time, and all state below is confined to
// that loop.
type Server struct {
	layout layout.Layout
	rank   int
	opts   Options

	ep    fabric.Endpoint
	store *store.Store
	wq    *workqueue.Queue
	rq    *requestqueue.Queue

	myWorkers int

	// sync state machine: Idle / WaitingReply, plus the bounded buffer
	// of deferred inbound syncs.
	syncInProgress bool
	pending        []pendingSync

	// deferred holds notification work that needed a sync while one
	// was already in flight; flushed between probes.
	deferred notify.Batch

	// rule engine: puts waiting for datums to close.
	rules       int
	ruleWaiters map[types.ID][]*rule

	// steal backoff
	stealTarget  int
	stealBackoff time.Duration
	nextSteal    time.Time

	// idle detection (master only)
	idleAttempt int64
	nextIdle    time.Time

	shuttingDown bool
	failCode     int

	logger zerolog.Logger
}

// New builds a server for the given rank.
func New(l layout.Layout, rank int, ep fabric.Endpoint, opts Options) *Server {
	if opts.WorkTypes < 1 {
		opts.WorkTypes = 1
	}
	if opts.StealBudget <= 0 {
		opts.StealBudget = 1 << 20
	}
	logger := opts.Logger.With().Int("rank", rank).Logger()

	s := &Server{
		layout:      l,
		rank:        rank,
		opts:        opts,
		ep:          ep,
		wq:          workqueue.New(opts.WorkTypes, logger),
		rq:          requestqueue.New(),
		myWorkers:   l.ServerWorkerCount(rank),
		ruleWaiters: make(map[types.ID][]*rule),
		logger:      logger,
	}
	s.store = store.New(l, rank, store.Options{
		ReadRefcEnabled: opts.ReadRefcEnabled,
		Logger:          logger,
	})
	return s
}

// Store exposes the shard store, e.g. for system datum setup before
// the loop starts.
func (s *Server) Store() *store.Store { return s.store }

// IsMaster reports whether this server drives idle detection.
func (s *Server) IsMaster() bool { return s.rank == s.layout.Master() }

// inboundTags is everything the main probe accepts.
var inboundTags = []comm.Tag{
	comm.TagPut, comm.TagPutRule, comm.TagGet, comm.TagIget,
	comm.TagCreateHeader, comm.TagMulticreate, comm.TagExists,
	comm.TagStoreHeader, comm.TagRetrieve, comm.TagEnumerate,
	comm.TagSubscribe, comm.TagPermanent, comm.TagRefcountIncr,
	comm.TagInsertAtomic, comm.TagUnique, comm.TagTypeof,
	comm.TagContainerTypeof, comm.TagContainerReference, comm.TagContainerSize,
	comm.TagLock, comm.TagUnlock,
	comm.TagSyncRequest, comm.TagCheckIdle,
	comm.TagShutdownServer, comm.TagFail,
}

// Run drives the event loop until shutdown. Each iteration does one
// bounded probe, dispatches the message, then runs idle maintenance.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info().
		Int("workers", s.myWorkers).
		Int("work_types", s.opts.WorkTypes).
		Msg("server loop started")

	for !s.shuttingDown {
		probeCtx, cancel := context.WithTimeout(ctx, pollInterval)
		msg, err := s.ep.Recv(probeCtx, fabric.AnySource, inboundTags...)
		cancel()
		switch {
		case err == nil:
			if err := s.handle(ctx, msg); err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				s.logger.Error().Err(err).Stringer("tag", msg.Tag).Msg("handler failed")
			}
		case errors.Is(err, context.DeadlineExceeded):
			// Probe idle; fall through to maintenance.
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			return err
		}

		s.servePending(ctx)
		s.maintain(ctx)
	}

	if s.opts.ReportLeaks {
		s.store.ReportLeaks()
	}
	s.logger.Info().Msg("server loop finished")
	if s.failCode != 0 {
		return types.Statusf(types.ErrUnknown, "fail code %d", s.failCode)
	}
	return nil
}

// maintain runs between probes: steal when starved, idle detection on
// the master.
func (s *Server) maintain(ctx context.Context) {
	if s.shuttingDown {
		return
	}
	s.flushDeferred(ctx)
	s.maybeSteal(ctx)
	if s.IsMaster() {
		s.masterIdleCheck(ctx)
	}
	if metrics.Enabled() {
		s.recordGauges()
	}
}

func (s *Server) recordGauges() {
	metrics.WorkersParked.Set(float64(s.rq.Size()))
	metrics.DatumsLive.Set(float64(s.store.Size()))
	for wtype, n := range s.wq.TypeCounts() {
		metrics.WorkQueued.WithLabelValues(typeLabel(wtype)).Set(float64(n))
	}
}

// localIdle is this server's contribution to idle detection: no queued
// work, no sync in flight, and every one of its workers parked.
func (s *Server) localIdle() bool {
	return s.wq.Size() == 0 &&
		s.rules == 0 &&
		!s.syncInProgress &&
		len(s.pending) == 0 &&
		s.deferred.Empty() &&
		s.rq.Size() == s.myWorkers
}

// shutdown releases parked workers and stops the loop at the next
// probe boundary.
func (s *Server) shutdown() {
	if s.shuttingDown {
		return
	}
	s.shuttingDown = true
	for _, rank := range s.rq.Ranks() {
		s.releaseWorker(rank)
	}
	s.logger.Info().Msg("shutting down")
}

// releaseWorker unblocks a parked worker with a shutdown status.
func (s *Server) releaseWorker(rank int) {
	resp := comm.GetResp{Status: types.ErrShutdown}
	if err := s.ep.Send(rank, comm.TagResponseGet, resp.Encode()); err != nil {
		s.logger.Error().Err(err).Int("worker", rank).Msg("failed to release worker")
	}
}

func typeLabel(wtype int) string {
	if wtype == ControlWorkType {
		return "control"
	}
	return "t" + strconv.Itoa(wtype)
}
