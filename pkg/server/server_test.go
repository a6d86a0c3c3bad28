package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskwire/taskwire/pkg/client"
	"github.com/taskwire/taskwire/pkg/codec"
	"github.com/taskwire/taskwire/pkg/fabric"
	"github.com/taskwire/taskwire/pkg/layout"
	"github.com/taskwire/taskwire/pkg/types"
	"golang.org/x/sync/errgroup"
)

const testTimeout = 10 * time.Second

// cluster runs servers over an in-process fabric; workers are driven
// directly by the test through client stubs.
type cluster struct {
	t       *testing.T
	l       layout.Layout
	fab     *fabric.ChannelFabric
	clients []*client.Client
	cancel  context.CancelFunc
	group   *errgroup.Group
}

func startCluster(t *testing.T, workers, servers int) *cluster {
	t.Helper()
	l, err := layout.New(workers, servers)
	require.NoError(t, err)

	fab := fabric.NewChannel(l.Size())
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < servers; i++ {
		rank := l.ServerRank(i)
		ep, err := fab.Endpoint(rank)
		require.NoError(t, err)
		srv := New(l, rank, ep, Options{WorkTypes: 2, ReadRefcEnabled: true})
		g.Go(func() error { return srv.Run(ctx) })
	}

	clients := make([]*client.Client, workers)
	for rank := 0; rank < workers; rank++ {
		ep, err := fab.Endpoint(rank)
		require.NoError(t, err)
		clients[rank] = client.New(l, rank, ep)
	}

	c := &cluster{t: t, l: l, fab: fab, clients: clients, cancel: cancel, group: g}
	t.Cleanup(c.stop)
	return c
}

// stop cancels the servers; context errors from the forced stop are
// expected.
func (c *cluster) stop() {
	c.cancel()
	_ = c.group.Wait()
	c.fab.Close()
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

func TestSimpleFuture(t *testing.T) {
	// A subscriber is woken by a close notification once the future is
	// assigned, reads the value, and the datum is destroyed.
	c := startCluster(t, 3, 3)
	ctx := ctxT(t)
	w0, w1 := c.clients[0], c.clients[1]

	id, err := w0.Create(ctx, 1, types.TypeInteger, types.TypeExtra{},
		types.CreateProps{ReadRefcount: 1, WriteRefcount: 1})
	require.NoError(t, err)
	require.Equal(t, types.ID(1), id)

	subscribed, err := w1.Subscribe(ctx, 1, "")
	require.NoError(t, err)
	require.True(t, subscribed)

	// Park the subscriber before the store happens.
	taskCh := make(chan *client.Task, 1)
	errCh := make(chan error, 1)
	go func() {
		task, err := w1.Get(ctx, 0)
		if err != nil {
			errCh <- err
			return
		}
		taskCh <- task
	}()

	require.NoError(t, w0.Store(ctx, 1, "", codec.Integer(42), types.WriteRefc))

	select {
	case task := <-taskCh:
		assert.Equal(t, "close 1", string(task.Payload))
	case err := <-errCh:
		t.Fatalf("subscriber get failed: %v", err)
	case <-ctx.Done():
		t.Fatal("close notification never arrived")
	}

	v, dt, err := w1.Retrieve(ctx, 1, "", types.RetrieveReadRefc)
	require.NoError(t, err)
	assert.Equal(t, types.TypeInteger, dt)
	assert.Equal(t, codec.Integer(42), v)

	// Both counts reached zero: the datum is gone.
	_, _, err = w1.Retrieve(ctx, 1, "", types.RetrieveNoRefc)
	assert.True(t, types.IsStatus(err, types.ErrNotFound))
}

func TestContainerEntryNotification(t *testing.T) {
	c := startCluster(t, 3, 3)
	ctx := ctxT(t)
	w0, w1 := c.clients[0], c.clients[1]

	_, err := w0.CreateContainer(ctx, 2, types.TypeString, types.TypeInteger,
		types.CreateProps{ReadRefcount: 2, WriteRefcount: 1})
	require.NoError(t, err)

	subscribed, err := w1.Subscribe(ctx, 2, "k")
	require.NoError(t, err)
	require.True(t, subscribed)

	taskCh := make(chan *client.Task, 1)
	go func() {
		if task, err := w1.Get(ctx, 0); err == nil {
			taskCh <- task
		}
	}()

	require.NoError(t, w0.Store(ctx, 2, "k", codec.Integer(7), types.NoRefc))

	select {
	case task := <-taskCh:
		assert.Equal(t, "close 2 k", string(task.Payload))
	case <-ctx.Done():
		t.Fatal("insert notification never arrived")
	}

	v, _, err := w1.Retrieve(ctx, 2, "k", types.RetrieveNoRefc)
	require.NoError(t, err)
	assert.Equal(t, codec.Integer(7), v)
}

func TestContainerReferenceResolution(t *testing.T) {
	// Ids 3, 4 and 5 land on three different shards, so reference
	// fulfillment exercises the cross-server notification work.
	c := startCluster(t, 3, 3)
	ctx := ctxT(t)
	w0, w1 := c.clients[0], c.clients[1]

	_, err := w0.CreateInteger(ctx, 3, types.CreateProps{ReadRefcount: 2, WriteRefcount: 1})
	require.NoError(t, err)
	_, err = w0.CreateContainer(ctx, 4, types.TypeString, types.TypeRef,
		types.CreateProps{ReadRefcount: 2, WriteRefcount: 1})
	require.NoError(t, err)
	_, err = w0.CreateRef(ctx, 5, types.CreateProps{ReadRefcount: 1, WriteRefcount: 1})
	require.NoError(t, err)

	_, found, err := w1.ContainerReference(ctx, 4, "x", 5, types.TypeRef)
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, w0.Store(ctx, 4, "x", codec.Ref(3), types.NoRefc))

	// Id 5 received the stored value.
	v, dt, err := w1.Retrieve(ctx, 5, "", types.RetrieveNoRefc)
	require.NoError(t, err)
	assert.Equal(t, types.TypeRef, dt)
	assert.Equal(t, codec.Ref(3), v)

	// Id 3 holds one extra read refcount on behalf of the reference:
	// read was 2 at creation, so a decrement by 3 is only legal after
	// the increment.
	require.NoError(t, w1.RefcountIncr(ctx, 3, types.Refcounts{Read: -3}))
	ok, err := w1.Exists(ctx, 3, "")
	require.NoError(t, err)
	assert.False(t, ok, "id 3 is unset but alive; exists reports unset")
	_, err = w1.Typeof(ctx, 3)
	assert.NoError(t, err, "id 3 must still be alive through its write refcount")
}

func TestParallelGang(t *testing.T) {
	// Four workers park on one server; a parallelism-3 task forms a
	// gang of exactly three, the fourth stays parked.
	c := startCluster(t, 5, 1)
	ctx := ctxT(t)

	type result struct {
		rank int
		task *client.Task
	}
	results := make(chan result, 4)
	for rank := 0; rank < 4; rank++ {
		rank := rank
		go func() {
			if task, err := c.clients[rank].Get(ctx, 1); err == nil {
				results <- result{rank: rank, task: task}
			}
		}()
	}

	// Give the four workers a moment to park.
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, c.clients[4].Put(ctx, client.PutSpec{
		Type:        1,
		Target:      types.AnyRank,
		Answer:      types.NullRank,
		Parallelism: 3,
		Payload:     []byte("gang work"),
	}))

	var gang []result
	for len(gang) < 3 {
		select {
		case r := <-results:
			gang = append(gang, r)
		case <-ctx.Done():
			t.Fatalf("gang incomplete: %d of 3 dispatched", len(gang))
		}
	}

	ranks := gang[0].task.Ranks
	require.Len(t, ranks, 3)
	for _, r := range gang {
		assert.Equal(t, 3, r.task.Parallelism)
		assert.Equal(t, ranks, r.task.Ranks, "every member sees the same group")
		assert.Contains(t, ranks, r.rank)
	}

	// The fourth worker is still parked.
	select {
	case r := <-results:
		t.Fatalf("unexpected dispatch to rank %d", r.rank)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStealRedistributesWork(t *testing.T) {
	// Server A holds all the work; B has two starved workers. B must
	// steal and dispatch both.
	c := startCluster(t, 4, 2)
	ctx := ctxT(t)
	w0 := c.clients[0] // homed on server A (rank 4)

	for i := 0; i < 10; i++ {
		require.NoError(t, w0.Put(ctx, client.PutSpec{
			Type:        1,
			Target:      types.AnyRank,
			Answer:      types.NullRank,
			Parallelism: 1,
			Payload:     []byte("stealable"),
		}))
	}

	// Workers 1 and 3 are homed on server B (rank 5).
	got := make(chan int, 2)
	for _, rank := range []int{1, 3} {
		rank := rank
		go func() {
			if task, err := c.clients[rank].Get(ctx, 1); err == nil {
				if string(task.Payload) == "stealable" {
					got <- rank
				}
			}
		}()
	}

	received := map[int]bool{}
	for len(received) < 2 {
		select {
		case rank := <-got:
			received[rank] = true
		case <-ctx.Done():
			t.Fatalf("stolen work never reached both workers: %v", received)
		}
	}
}

func TestRefcountGCEndToEnd(t *testing.T) {
	c := startCluster(t, 3, 3)
	ctx := ctxT(t)
	w0 := c.clients[0]

	_, err := w0.CreateString(ctx, 6, types.CreateProps{ReadRefcount: 1, WriteRefcount: 1})
	require.NoError(t, err)
	require.NoError(t, w0.Store(ctx, 6, "", codec.String("hi"), types.WriteRefc))
	require.NoError(t, w0.RefcountIncr(ctx, 6, types.Refcounts{Read: -1}))

	_, _, err = w0.Retrieve(ctx, 6, "", types.RetrieveNoRefc)
	assert.True(t, types.IsStatus(err, types.ErrNotFound))
}

func TestTargetedPutReachesOnlyTarget(t *testing.T) {
	c := startCluster(t, 3, 3)
	ctx := ctxT(t)
	w0, w1 := c.clients[0], c.clients[1]

	require.NoError(t, w0.Put(ctx, client.PutSpec{
		Type:        1,
		Target:      1,
		Answer:      types.NullRank,
		Parallelism: 1,
		Payload:     []byte("for worker 1"),
	}))

	// Worker 2 shares the task type but must not receive the task.
	_, ok, err := c.clients[2].Iget(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	task, err := w1.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "for worker 1", string(task.Payload))
}

func TestIgetReturnsNothing(t *testing.T) {
	c := startCluster(t, 3, 3)
	ctx := ctxT(t)

	_, ok, err := c.clients[0].Iget(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMulticreateAssignsIDs(t *testing.T) {
	c := startCluster(t, 3, 3)
	ctx := ctxT(t)

	ids, err := c.clients[0].Multicreate(ctx, []types.CreateSpec{
		{Type: types.TypeInteger, Props: types.DefaultCreateProps()},
		{Type: types.TypeString, Props: types.DefaultCreateProps()},
	})
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.NotEqual(t, types.NullID, ids[0])
	assert.NotEqual(t, types.NullID, ids[1])
	assert.NotEqual(t, ids[0], ids[1])

	dt, err := c.clients[0].Typeof(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, types.TypeString, dt)
}

func TestPriorityOrderAcrossGets(t *testing.T) {
	c := startCluster(t, 3, 3)
	ctx := ctxT(t)
	w0 := c.clients[0]

	for _, p := range []struct {
		prio    int
		payload string
	}{{0, "low"}, {9, "high"}, {5, "mid"}} {
		require.NoError(t, w0.Put(ctx, client.PutSpec{
			Type:        1,
			Priority:    p.prio,
			Target:      0, // back to ourselves
			Answer:      types.NullRank,
			Parallelism: 1,
			Payload:     []byte(p.payload),
		}))
	}

	var order []string
	for i := 0; i < 3; i++ {
		task, err := w0.Get(ctx, 1)
		require.NoError(t, err)
		order = append(order, string(task.Payload))
	}
	assert.Equal(t, []string{"high", "mid", "low"}, order)
}

func TestPutRuleReleasesAfterClose(t *testing.T) {
	// A rule waiting on two datums (on two different shards) releases
	// its task only when both have closed.
	c := startCluster(t, 3, 3)
	ctx := ctxT(t)
	w0, w2 := c.clients[0], c.clients[2]

	_, err := w0.CreateInteger(ctx, 1, types.CreateProps{ReadRefcount: 1, WriteRefcount: 1})
	require.NoError(t, err)
	_, err = w0.CreateInteger(ctx, 2, types.CreateProps{ReadRefcount: 1, WriteRefcount: 1})
	require.NoError(t, err)

	require.NoError(t, w2.PutRule(ctx, client.PutSpec{
		Type:        1,
		Target:      0,
		Answer:      types.NullRank,
		Parallelism: 1,
		Payload:     []byte("after both"),
	}, []types.ID{1, 2}))

	// Neither datum closed yet: nothing to run.
	_, ok, err := w0.Iget(ctx, 1)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, w2.Store(ctx, 1, "", codec.Integer(1), types.WriteRefc))
	_, ok, err = w0.Iget(ctx, 1)
	require.NoError(t, err)
	require.False(t, ok, "one of two datums closed must not release the rule")

	require.NoError(t, w2.Store(ctx, 2, "", codec.Integer(2), types.WriteRefc))

	task, err := w0.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "after both", string(task.Payload))
}

func TestClusterIdleShutdown(t *testing.T) {
	// With every worker parked and no work anywhere, the master
	// detects quiescence and releases the whole cluster.
	l, err := layout.New(2, 2)
	require.NoError(t, err)
	fab := fabric.NewChannel(l.Size())
	defer fab.Close()

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 2; i++ {
		rank := l.ServerRank(i)
		ep, err := fab.Endpoint(rank)
		require.NoError(t, err)
		srv := New(l, rank, ep, Options{WorkTypes: 2, ReadRefcEnabled: true})
		g.Go(func() error { return srv.Run(ctx) })
	}

	workerErrs := make(chan error, 2)
	for rank := 0; rank < 2; rank++ {
		ep, err := fab.Endpoint(rank)
		require.NoError(t, err)
		cl := client.New(l, rank, ep)
		go func() {
			_, err := cl.Get(context.Background(), 1)
			workerErrs <- err
		}()
	}

	for i := 0; i < 2; i++ {
		select {
		case err := <-workerErrs:
			assert.True(t, types.IsStatus(err, types.ErrShutdown),
				"parked workers must be released with SHUTDOWN, got %v", err)
		case <-time.After(testTimeout):
			t.Fatal("cluster never shut down")
		}
	}
	require.NoError(t, g.Wait(), "servers must exit cleanly after shutdown")
}

func TestEnumerateContainer(t *testing.T) {
	c := startCluster(t, 3, 3)
	ctx := ctxT(t)
	w0 := c.clients[0]

	_, err := w0.CreateContainer(ctx, 1, types.TypeString, types.TypeInteger,
		types.CreateProps{ReadRefcount: 1, WriteRefcount: 1})
	require.NoError(t, err)
	for i, key := range []string{"x", "y", "z"} {
		require.NoError(t, w0.Store(ctx, 1, key, codec.Integer(i), types.NoRefc))
	}

	size, err := w0.ContainerSize(ctx, 1, types.NoRefc)
	require.NoError(t, err)
	assert.Equal(t, 3, size)

	res, err := w0.Enumerate(ctx, 1, -1, 0, true, true, types.NoRefc)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Records)
	assert.Equal(t, types.TypeString, res.KeyType)
	assert.Equal(t, types.TypeInteger, res.ValType)

	keys, vals, err := res.DecodeEntries(true, true)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"x", "y", "z"}, keys)
	require.Len(t, vals, 3)

	// Same slice again: stable order.
	res2, err := w0.Enumerate(ctx, 1, -1, 0, true, true, types.NoRefc)
	require.NoError(t, err)
	keys2, _, err := res2.DecodeEntries(true, true)
	require.NoError(t, err)
	assert.Equal(t, keys, keys2)
}

func TestInsertAtomicEndToEnd(t *testing.T) {
	c := startCluster(t, 3, 3)
	ctx := ctxT(t)
	w0, w1 := c.clients[0], c.clients[1]

	_, err := w0.CreateContainer(ctx, 1, types.TypeString, types.TypeInteger,
		types.CreateProps{ReadRefcount: 1, WriteRefcount: 1})
	require.NoError(t, err)

	created, _, err := w0.InsertAtomic(ctx, 1, "slot", false)
	require.NoError(t, err)
	assert.True(t, created)

	// The reservation holder may fill the slot without a double write.
	require.NoError(t, w0.Store(ctx, 1, "slot", codec.Integer(11), types.NoRefc))

	created, value, err := w1.InsertAtomic(ctx, 1, "slot", true)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, codec.Integer(11), value)
}

func TestSubscribeAfterCloseReturnsFalse(t *testing.T) {
	c := startCluster(t, 3, 3)
	ctx := ctxT(t)
	w0 := c.clients[0]

	_, err := w0.CreateInteger(ctx, 1, types.CreateProps{ReadRefcount: 1, WriteRefcount: 1})
	require.NoError(t, err)
	require.NoError(t, w0.Store(ctx, 1, "", codec.Integer(1), types.WriteRefc))

	subscribed, err := w0.Subscribe(ctx, 1, "")
	require.NoError(t, err)
	assert.False(t, subscribed, "closed datum must not accept subscribers")
}

func TestLockRoundTrip(t *testing.T) {
	c := startCluster(t, 3, 3)
	ctx := ctxT(t)
	w0, w1 := c.clients[0], c.clients[1]

	_, err := w0.CreateInteger(ctx, 1, types.CreateProps{ReadRefcount: 1, WriteRefcount: 1})
	require.NoError(t, err)

	acquired, err := w0.Lock(ctx, 1)
	require.NoError(t, err)
	assert.True(t, acquired)

	acquired, err = w1.Lock(ctx, 1)
	require.NoError(t, err)
	assert.False(t, acquired, "second lock reports retry")

	require.NoError(t, w0.Unlock(ctx, 1))
	acquired, err = w1.Lock(ctx, 1)
	require.NoError(t, err)
	assert.True(t, acquired)
}
