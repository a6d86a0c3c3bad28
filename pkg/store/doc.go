/*
Package store implements one server's shard of the datum space: a map
from 64-bit ids to typed single-assignment values, each carrying a
read and a write reference count.

# Lifetimes

A datum exists while either count is positive. The write count
reaching zero closes the datum: no further stores are accepted and
close listeners are drained into the notification batch. Both counts
reaching zero destroys it, recursively releasing one read reference
per datum referenced from inside the stored value. Permanent data
ignores read-count changes and is never collected.

# Subscriptions

Two tables keyed by (id, subscript) drive the dataflow coupling:
index listeners are worker ranks awaiting the presence of a container
entry, index references are datum ids to be assigned the entry's value
once it appears. Each (id, subscript) with pending index references
holds exactly one read reference on the container for the entire
reference set; the reference is released when the entry is stored.
Index listeners hold no reference on the container.

# Concurrency

A Store is confined to its server's event loop goroutine. There is no
locking here; cross-shard effects are expressed as entries in a
notify.Batch that the server routes.
*/
package store
