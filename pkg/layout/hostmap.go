package layout

import (
	"sort"

	"github.com/rs/zerolog"
	"github.com/taskwire/taskwire/pkg/types"
)

// HostmapMode controls whether the rank-to-host table is maintained.
type HostmapMode string

const (
	HostmapEnabled  HostmapMode = "enabled"
	HostmapLeaders  HostmapMode = "leaders"
	HostmapDisabled HostmapMode = "disabled"
)

// Hostmap maps hostnames to the ranks running there. In leaders mode
// only the lowest rank per host is retained.
type Hostmap struct {
	mode  HostmapMode
	hosts map[string][]int
}

// NewHostmap builds the table from rank-indexed hostnames.
func NewHostmap(mode HostmapMode, hostnames []string) *Hostmap {
	h := &Hostmap{mode: mode, hosts: make(map[string][]int)}
	if mode == HostmapDisabled {
		return h
	}
	for rank, name := range hostnames {
		h.hosts[name] = append(h.hosts[name], rank)
	}
	if mode == HostmapLeaders {
		for name, ranks := range h.hosts {
			sort.Ints(ranks)
			h.hosts[name] = ranks[:1]
		}
	}
	return h
}

// Mode returns the configured mode.
func (h *Hostmap) Mode() HostmapMode { return h.mode }

// Lookup returns up to max ranks on the given host.
func (h *Hostmap) Lookup(host string, max int) ([]int, error) {
	if h.mode == HostmapDisabled {
		return nil, types.Statusf(types.ErrInvalid, "hostmap is disabled")
	}
	ranks, ok := h.hosts[host]
	if !ok {
		return nil, types.Statusf(types.ErrNotFound, "host %q", host)
	}
	if max >= 0 && len(ranks) > max {
		ranks = ranks[:max]
	}
	return append([]int(nil), ranks...), nil
}

// Stats returns the host count and the longest hostname length.
func (h *Hostmap) Stats() (count, nameMax int) {
	for name := range h.hosts {
		count++
		if len(name) > nameMax {
			nameMax = len(name)
		}
	}
	return count, nameMax
}

// Hosts returns all hostnames in sorted order.
func (h *Hostmap) Hosts() []string {
	names := make([]string, 0, len(h.hosts))
	for name := range h.hosts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ReportRanks logs the rank-to-host assignment at startup when the
// debug-ranks option is on.
func ReportRanks(logger zerolog.Logger, hostnames []string) {
	for rank, name := range hostnames {
		logger.Info().Int("rank", rank).Str("host", name).Msg("rank placement")
	}
}
