package fabric

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskwire/taskwire/pkg/comm"
)

func TestSendRecv(t *testing.T) {
	f := NewChannel(2)
	defer f.Close()

	a, err := f.Endpoint(0)
	require.NoError(t, err)
	b, err := f.Endpoint(1)
	require.NoError(t, err)

	require.NoError(t, a.Send(1, comm.TagPut, []byte("hello")))

	msg, err := b.Recv(context.Background(), AnySource, comm.TagPut)
	require.NoError(t, err)
	assert.Equal(t, 0, msg.Src)
	assert.Equal(t, comm.TagPut, msg.Tag)
	assert.Equal(t, "hello", string(msg.Data))
}

func TestFIFOPerChannel(t *testing.T) {
	f := NewChannel(2)
	defer f.Close()

	a, _ := f.Endpoint(0)
	b, _ := f.Endpoint(1)

	for i := byte(0); i < 10; i++ {
		require.NoError(t, a.Send(1, comm.TagWork, []byte{i}))
	}
	for i := byte(0); i < 10; i++ {
		msg, err := b.Recv(context.Background(), 0, comm.TagWork)
		require.NoError(t, err)
		assert.Equal(t, i, msg.Data[0])
	}
}

func TestSelectiveRecvBuffersOtherTags(t *testing.T) {
	f := NewChannel(2)
	defer f.Close()

	a, _ := f.Endpoint(0)
	b, _ := f.Endpoint(1)

	require.NoError(t, a.Send(1, comm.TagPut, []byte("put")))
	require.NoError(t, a.Send(1, comm.TagSyncRequest, []byte("sync")))

	// Selective receive takes the sync first; the put stays buffered.
	msg, err := b.Recv(context.Background(), AnySource, comm.TagSyncRequest)
	require.NoError(t, err)
	assert.Equal(t, "sync", string(msg.Data))

	msg, err = b.Recv(context.Background(), AnySource, comm.TagPut)
	require.NoError(t, err)
	assert.Equal(t, "put", string(msg.Data))
}

func TestRecvFiltersSource(t *testing.T) {
	f := NewChannel(3)
	defer f.Close()

	a, _ := f.Endpoint(0)
	b, _ := f.Endpoint(1)
	c, _ := f.Endpoint(2)

	require.NoError(t, a.Send(2, comm.TagResponse, []byte("from-0")))
	require.NoError(t, b.Send(2, comm.TagResponse, []byte("from-1")))

	msg, err := c.Recv(context.Background(), 1, comm.TagResponse)
	require.NoError(t, err)
	assert.Equal(t, "from-1", string(msg.Data))

	msg, err = c.Recv(context.Background(), 0, comm.TagResponse)
	require.NoError(t, err)
	assert.Equal(t, "from-0", string(msg.Data))
}

func TestPollNonBlocking(t *testing.T) {
	f := NewChannel(2)
	defer f.Close()

	a, _ := f.Endpoint(0)
	b, _ := f.Endpoint(1)

	_, ok := b.Poll(AnySource, comm.TagPut)
	assert.False(t, ok)

	require.NoError(t, a.Send(1, comm.TagPut, nil))
	msg, ok := b.Poll(AnySource, comm.TagPut)
	require.True(t, ok)
	assert.Equal(t, 0, msg.Src)
}

func TestRecvBlocksUntilDelivery(t *testing.T) {
	f := NewChannel(2)
	defer f.Close()

	a, _ := f.Endpoint(0)
	b, _ := f.Endpoint(1)

	done := make(chan Message, 1)
	go func() {
		msg, err := b.Recv(context.Background(), AnySource, comm.TagWork)
		if err == nil {
			done <- msg
		}
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, a.Send(1, comm.TagWork, []byte("late")))

	select {
	case msg := <-done:
		assert.Equal(t, "late", string(msg.Data))
	case <-time.After(time.Second):
		t.Fatal("blocked receive never completed")
	}
}

func TestRecvContextCancel(t *testing.T) {
	f := NewChannel(1)
	defer f.Close()

	a, _ := f.Endpoint(0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := a.Recv(ctx, AnySource, comm.TagPut)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSendOutOfRange(t *testing.T) {
	f := NewChannel(1)
	defer f.Close()
	a, _ := f.Endpoint(0)
	assert.Error(t, a.Send(5, comm.TagPut, nil))
}
