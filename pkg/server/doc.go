/*
Package server runs the single-threaded event loop that owns one
shard of the datum store, one slice of the worker pool, and this
server's work and request queues.

# Event loop

Each iteration performs one bounded probe across the full inbound tag
set, dispatches the message to its handler, then runs maintenance:
deferred notification work, the steal protocol when starved, and (on
the master) cluster idle detection.

# Task matching

A put is matched immediately against parked requests: the targeted
index first for tasks pinned to a worker, then the per-type index by
priority with FIFO tie-break. Parallel tasks wait until a full gang of
workers can be reserved atomically from the request queue.

# Sync

Servers talk to each other through a rendezvous: a sync request is
answered with accept or reject before the actual operation flows.
While waiting for its own sync reply a server services inbound syncs
from higher-ranked peers inline and defers lower-ranked ones into a
bounded buffer, rejecting beyond the cap. The rank order breaks every
possible wait cycle.

# Shutdown

The master polls peers with check-idle attempts once it is locally
idle. When every server reports an empty work queue, a fully parked
worker set and no sync in flight, shutdown is broadcast and each
server releases its parked workers.
*/
package server
