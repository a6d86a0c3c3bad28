package layout

import "github.com/taskwire/taskwire/pkg/types"

// Layout describes the fixed partition of ranks into workers and
// servers. Ranks 0..Workers-1 are workers; the Servers server ranks
// come after them. All placement math depends only on this struct, so
// shard placement is stable for a given configuration.
type Layout struct {
	Workers int
	Servers int
}

// New validates and builds a layout.
func New(workers, servers int) (Layout, error) {
	if workers < 1 || servers < 1 {
		return Layout{}, types.Statusf(types.ErrInvalid,
			"layout requires at least one worker and one server, got %d/%d",
			workers, servers)
	}
	return Layout{Workers: workers, Servers: servers}, nil
}

// Size returns the total number of ranks.
func (l Layout) Size() int { return l.Workers + l.Servers }

// IsServer reports whether rank is a server rank.
func (l Layout) IsServer(rank int) bool { return rank >= l.Workers }

// IsWorker reports whether rank is a worker rank.
func (l Layout) IsWorker(rank int) bool { return rank >= 0 && rank < l.Workers }

// Master returns the master server rank.
func (l Layout) Master() int { return l.Workers }

// ServerIndex returns the 0-based index of a server rank.
func (l Layout) ServerIndex(rank int) int { return rank - l.Workers }

// ServerRank returns the rank of the i'th server.
func (l Layout) ServerRank(index int) int { return l.Workers + index }

// WorkerServer returns the server rank owning a worker, assigned by
// rank-modulo affinity.
func (l Layout) WorkerServer(rank int) int {
	if l.IsServer(rank) {
		return rank
	}
	return l.Workers + rank%l.Servers
}

// WorkerIndex returns a dense per-server index for one of this
// server's workers.
func (l Layout) WorkerIndex(workerRank int) int { return workerRank / l.Servers }

// ServerWorkerCount returns how many workers map to the given server.
func (l Layout) ServerWorkerCount(serverRank int) int {
	idx := l.ServerIndex(serverRank)
	n := l.Workers / l.Servers
	if idx < l.Workers%l.Servers {
		n++
	}
	return n
}

// ShardOwner returns the server rank owning a datum id. User ids are
// positive; negative ids are system-reserved and hash the same way on
// their magnitude. NullID has no owner.
func (l Layout) ShardOwner(id types.ID) (int, error) {
	if id == types.NullID {
		return 0, types.Statusf(types.ErrNullID, "no shard for null id")
	}
	v := int64(id)
	if v < 0 {
		v = -v
	}
	return l.Workers + int((v-1)%int64(l.Servers)), nil
}

// OwnsID reports whether the given server rank owns the datum id.
func (l Layout) OwnsID(serverRank int, id types.ID) bool {
	owner, err := l.ShardOwner(id)
	return err == nil && owner == serverRank
}
