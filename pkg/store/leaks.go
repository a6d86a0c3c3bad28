package store

import (
	"sort"

	"github.com/taskwire/taskwire/pkg/types"
)

// ReportLeaks logs every datum still alive, with its type and counts.
// Permanent data is expected to survive and is logged at debug level
// only.
func (s *Store) ReportLeaks() {
	ids := make([]types.ID, 0, len(s.data))
	for id := range s.data {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		d := s.data[id]
		ev := s.logger.Warn()
		if d.permanent {
			ev.Discard()
			ev = s.logger.Debug()
		}
		ev.Int64("id", int64(id)).
			Stringer("type", d.dtype).
			Int("read", d.readRefcount).
			Int("write", d.writeRefcount).
			Bool("permanent", d.permanent).
			Uint32("symbol", uint32(d.symbol)).
			Msg("datum alive at shutdown")
	}
}
