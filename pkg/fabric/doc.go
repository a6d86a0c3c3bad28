// Package fabric is the message transport between ranks: tagged
// frames, FIFO per pairwise channel, with receive matching by source
// and tag set. The channel implementation connects ranks inside one
// process; the NATS implementation meshes separate processes through
// a broker, namespaced by a per-run cluster id.
package fabric
