package comm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskwire/taskwire/pkg/notify"
	"github.com/taskwire/taskwire/pkg/types"
)

func TestPutReqRoundTrip(t *testing.T) {
	req := PutReq{
		Type: 1, Priority: -2, Putter: 0, Answer: types.NullRank,
		Target: types.AnyRank, Parallelism: 3, Payload: []byte("payload"),
	}
	var got PutReq
	require.NoError(t, got.Decode(req.Encode()))
	assert.Equal(t, req.Priority, got.Priority)
	assert.Equal(t, req.Target, got.Target)
	assert.Equal(t, req.Payload, got.Payload)
}

func TestStoreReqRoundTrip(t *testing.T) {
	req := StoreReq{
		ID:        7,
		Type:      types.TypeContainer,
		Decr:      types.Refcounts{Read: 1, Write: 2},
		StoreRefc: types.ReadRefc,
		Sub:       "key",
		Payload:   []byte{1, 2, 3},
	}
	var got StoreReq
	require.NoError(t, got.Decode(req.Encode()))
	assert.Equal(t, req, got)
}

func TestCreateReqCarriesTypeExtra(t *testing.T) {
	req := CreateReq{
		ID:    9,
		Type:  types.TypeContainer,
		Extra: types.ContainerExtra(types.TypeString, types.TypeRef),
		Props: types.CreateProps{ReadRefcount: 2, WriteRefcount: 1, Permanent: true, Symbol: 77},
	}
	var got CreateReq
	require.NoError(t, got.Decode(req.Encode()))
	assert.Equal(t, req, got)
}

func TestSyncReqCarriesTypeCounts(t *testing.T) {
	req := SyncReq{Mode: SyncSteal, StealBudget: 4096, WorkTypeCounts: []int32{3, 0, 9}}
	var got SyncReq
	require.NoError(t, got.Decode(req.Encode()))
	assert.Equal(t, req, got)
}

func TestStealRespRoundTrip(t *testing.T) {
	resp := StealResp{
		Last: true,
		Units: []StolenUnit{
			{ID: 11, Type: 1, Priority: 5, Answer: types.NullRank, Target: types.AnyRank,
				Parallelism: 1, Payload: []byte("work")},
			{ID: 12, Type: 0, Target: 2, Parallelism: 1, Payload: nil},
		},
	}
	var got StealResp
	require.NoError(t, got.Decode(resp.Encode()))
	require.Len(t, got.Units, 2)
	assert.True(t, got.Last)
	assert.Equal(t, resp.Units[0].Payload, got.Units[0].Payload)
	assert.Equal(t, resp.Units[1].ID, got.Units[1].ID)
}

func TestNotifBatchRoundTrip(t *testing.T) {
	batch := &notify.Batch{}
	batch.AddClose(1, 5)
	batch.AddInsert(2, 6, "sub")
	batch.AddReference(7, types.TypeInteger, []byte{9, 0, 0, 0, 0, 0, 0, 0})
	batch.AddRefcount(8, types.Refcounts{Read: -1})

	wire := BatchOf(batch)
	var got NotifBatch
	require.NoError(t, got.Decode(wire.Encode()))

	back := got.Batch()
	assert.Equal(t, batch.Close, back.Close)
	assert.Equal(t, batch.Insert, back.Insert)
	assert.Equal(t, batch.References, back.References)
	assert.Equal(t, batch.Refcounts, back.Refcounts)

	counts := CountsOf(batch.Counts())
	assert.Equal(t, 4, counts.Total())
}

func TestDecodeTruncatedRecord(t *testing.T) {
	req := StoreReq{ID: 1, Type: types.TypeInteger, Payload: []byte("x")}
	data := req.Encode()
	var got StoreReq
	err := got.Decode(data[:len(data)-3])
	assert.True(t, types.IsStatus(err, types.ErrInvalid))
}

func TestNotifTaskPayload(t *testing.T) {
	assert.Equal(t, "close 5", string(NotifTaskPayload(5, "")))
	assert.Equal(t, "close 5 k", string(NotifTaskPayload(5, "k")))
}
