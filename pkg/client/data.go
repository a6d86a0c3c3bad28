package client

import (
	"context"

	"github.com/taskwire/taskwire/pkg/codec"
	"github.com/taskwire/taskwire/pkg/comm"
	"github.com/taskwire/taskwire/pkg/types"
)

// Create declares a datum. With NullID the server mints a fresh id,
// returned to the caller.
func (c *Client) Create(ctx context.Context, id types.ID, t types.DataType,
	extra types.TypeExtra, props types.CreateProps) (types.ID, error) {

	if id < 0 {
		return types.NullID, types.Statusf(types.ErrInvalid, "negative id %d", id)
	}
	dst, err := c.dataServer(id)
	if err != nil {
		return types.NullID, err
	}
	req := comm.CreateReq{ID: id, Type: t, Extra: extra, Props: props}
	msg, err := c.call(ctx, dst, comm.TagCreateHeader, req.Encode(), comm.TagResponse)
	if err != nil {
		return types.NullID, err
	}
	var resp comm.CreateResp
	if err := resp.Decode(msg.Data); err != nil {
		return types.NullID, err
	}
	return resp.ID, statusErr(resp.Status, "create", resp.ID)
}

// Typed create helpers.

func (c *Client) CreateInteger(ctx context.Context, id types.ID, props types.CreateProps) (types.ID, error) {
	return c.Create(ctx, id, types.TypeInteger, types.TypeExtra{}, props)
}

func (c *Client) CreateFloat(ctx context.Context, id types.ID, props types.CreateProps) (types.ID, error) {
	return c.Create(ctx, id, types.TypeFloat, types.TypeExtra{}, props)
}

func (c *Client) CreateString(ctx context.Context, id types.ID, props types.CreateProps) (types.ID, error) {
	return c.Create(ctx, id, types.TypeString, types.TypeExtra{}, props)
}

func (c *Client) CreateBlob(ctx context.Context, id types.ID, props types.CreateProps) (types.ID, error) {
	return c.Create(ctx, id, types.TypeBlob, types.TypeExtra{}, props)
}

func (c *Client) CreateRef(ctx context.Context, id types.ID, props types.CreateProps) (types.ID, error) {
	return c.Create(ctx, id, types.TypeRef, types.TypeExtra{}, props)
}

func (c *Client) CreateContainer(ctx context.Context, id types.ID, keyType, valType types.DataType,
	props types.CreateProps) (types.ID, error) {
	return c.Create(ctx, id, types.TypeContainer, types.ContainerExtra(keyType, valType), props)
}

func (c *Client) CreateMultiset(ctx context.Context, id types.ID, elemType types.DataType,
	props types.CreateProps) (types.ID, error) {
	return c.Create(ctx, id, types.TypeMultiset, types.MultisetExtra(elemType), props)
}

// Multicreate declares a batch of datums in one round trip and
// returns the assigned ids in order.
func (c *Client) Multicreate(ctx context.Context, specs []types.CreateSpec) ([]types.ID, error) {
	req := comm.MulticreateReq{Specs: make([]comm.CreateReq, len(specs))}
	for i, spec := range specs {
		req.Specs[i] = comm.CreateReq{ID: spec.ID, Type: spec.Type, Extra: spec.Extra, Props: spec.Props}
	}
	msg, err := c.call(ctx, c.server, comm.TagMulticreate, req.Encode(), comm.TagResponse)
	if err != nil {
		return nil, err
	}
	var resp comm.MulticreateResp
	if err := resp.Decode(msg.Data); err != nil {
		return nil, err
	}
	for _, id := range resp.IDs {
		if id == types.NullID {
			return resp.IDs, types.Statusf(types.ErrInvalid, "multicreate entry rejected")
		}
	}
	return resp.IDs, nil
}

// Exists reports whether a datum or container entry holds a value.
func (c *Client) Exists(ctx context.Context, id types.ID, sub string) (bool, error) {
	dst, err := c.dataServer(id)
	if err != nil {
		return false, err
	}
	req := comm.IDSubReq{ID: id, Sub: sub}
	msg, err := c.call(ctx, dst, comm.TagExists, req.Encode(), comm.TagResponse)
	if err != nil {
		return false, err
	}
	var resp comm.BoolResp
	if err := resp.Decode(msg.Data); err != nil {
		return false, err
	}
	return resp.Result, statusErr(resp.Status, "exists", id)
}

// Store packs and assigns a value.
func (c *Client) Store(ctx context.Context, id types.ID, sub string, v codec.Value,
	decr types.Refcounts) error {

	payload, err := codec.Pack(v)
	if err != nil {
		return err
	}
	return c.StorePacked(ctx, id, sub, v.Type(), payload, decr, types.NoRefc)
}

// StorePacked assigns an already packed value. storeRefc carries the
// refcount future readers take on referands embedded in the payload.
func (c *Client) StorePacked(ctx context.Context, id types.ID, sub string, t types.DataType,
	payload []byte, decr types.Refcounts, storeRefc types.Refcounts) error {

	dst, err := c.dataServer(id)
	if err != nil {
		return err
	}
	req := comm.StoreReq{ID: id, Type: t, Decr: decr, StoreRefc: storeRefc, Sub: sub, Payload: payload}
	msg, err := c.call(ctx, dst, comm.TagStoreHeader, req.Encode(), comm.TagResponse)
	if err != nil {
		return err
	}
	var resp comm.StoreResp
	if err := resp.Decode(msg.Data); err != nil {
		return err
	}
	if resp.Status != types.StatusOK {
		return statusErr(resp.Status, "store", id)
	}
	return c.receiveNotifs(ctx, dst, resp.Notifs)
}

// Retrieve fetches and unpacks a value, applying the requested
// refcount side effects.
func (c *Client) Retrieve(ctx context.Context, id types.ID, sub string,
	refc types.RetrieveRefc) (codec.Value, types.DataType, error) {

	dst, err := c.dataServer(id)
	if err != nil {
		return nil, types.TypeNull, err
	}
	req := comm.RetrieveReq{ID: id, Refc: refc, Sub: sub}
	msg, err := c.call(ctx, dst, comm.TagRetrieve, req.Encode(), comm.TagResponse)
	if err != nil {
		return nil, types.TypeNull, err
	}
	var resp comm.RetrieveResp
	if err := resp.Decode(msg.Data); err != nil {
		return nil, types.TypeNull, err
	}
	if resp.Status != types.StatusOK {
		return nil, types.TypeNull, statusErr(resp.Status, "retrieve", id)
	}
	if err := c.receiveNotifs(ctx, dst, resp.Notifs); err != nil {
		return nil, types.TypeNull, err
	}
	v, err := codec.Unpack(resp.Type, resp.Payload)
	if err != nil {
		return nil, types.TypeNull, err
	}
	return v, resp.Type, nil
}

// EnumerateResult is one slice of container or multiset entries. The
// data layout matches the codec's entry framing; DecodeEntries walks
// it.
type EnumerateResult struct {
	Records int
	KeyType types.DataType
	ValType types.DataType
	Data    []byte
}

// Enumerate fetches a stable slice of entries. count < 0 means to the
// end.
func (c *Client) Enumerate(ctx context.Context, id types.ID, count, offset int,
	requestKeys, requestVals bool, decr types.Refcounts) (*EnumerateResult, error) {

	dst, err := c.dataServer(id)
	if err != nil {
		return nil, err
	}
	req := comm.EnumerateReq{
		ID: id, Count: int32(count), Offset: int32(offset),
		RequestKeys: requestKeys, RequestVals: requestVals, Decr: decr,
	}
	msg, err := c.call(ctx, dst, comm.TagEnumerate, req.Encode(), comm.TagResponse)
	if err != nil {
		return nil, err
	}
	var resp comm.EnumerateResp
	if err := resp.Decode(msg.Data); err != nil {
		return nil, err
	}
	if resp.Status != types.StatusOK {
		return nil, statusErr(resp.Status, "enumerate", id)
	}
	if err := c.receiveNotifs(ctx, dst, resp.Notifs); err != nil {
		return nil, err
	}
	return &EnumerateResult{
		Records: int(resp.Records),
		KeyType: resp.KeyType,
		ValType: resp.ValType,
		Data:    resp.Data,
	}, nil
}

// DecodeEntries unpacks the enumerate payload into keys and values,
// depending on what was requested.
func (r *EnumerateResult) DecodeEntries(withKeys, withVals bool) (keys []string, vals []codec.Value, err error) {
	pos := 0
	for i := 0; i < r.Records; i++ {
		if withKeys {
			entry, next, err := codec.UnpackEntry(types.TypeNull, r.Data, pos)
			if err != nil {
				return nil, nil, err
			}
			keys = append(keys, string(entry))
			pos = next
		}
		if withVals {
			entry, next, err := codec.UnpackEntry(r.ValType, r.Data, pos)
			if err != nil {
				return nil, nil, err
			}
			v, err := codec.Unpack(r.ValType, entry)
			if err != nil {
				return nil, nil, err
			}
			vals = append(vals, v)
			pos = next
		}
	}
	return keys, vals, nil
}

// Subscribe registers for a close (or subscript-insert) notification.
// subscribed is false when the event already happened.
func (c *Client) Subscribe(ctx context.Context, id types.ID, sub string) (bool, error) {
	dst, err := c.dataServer(id)
	if err != nil {
		return false, err
	}
	req := comm.IDSubReq{ID: id, Sub: sub}
	msg, err := c.call(ctx, dst, comm.TagSubscribe, req.Encode(), comm.TagResponse)
	if err != nil {
		return false, err
	}
	var resp comm.BoolResp
	if err := resp.Decode(msg.Data); err != nil {
		return false, err
	}
	return resp.Result, statusErr(resp.Status, "subscribe", id)
}

// RefcountIncr applies a refcount change to a datum.
func (c *Client) RefcountIncr(ctx context.Context, id types.ID, change types.Refcounts) error {
	dst, err := c.dataServer(id)
	if err != nil {
		return err
	}
	req := comm.RefcountReq{ID: id, Change: change}
	msg, err := c.call(ctx, dst, comm.TagRefcountIncr, req.Encode(), comm.TagResponse)
	if err != nil {
		return err
	}
	var resp comm.StoreResp
	if err := resp.Decode(msg.Data); err != nil {
		return err
	}
	if resp.Status != types.StatusOK {
		return statusErr(resp.Status, "refcount", id)
	}
	return c.receiveNotifs(ctx, dst, resp.Notifs)
}

// InsertAtomic reserves a container slot; when the slot is already
// linked and returnValue is set, the existing value comes back.
func (c *Client) InsertAtomic(ctx context.Context, id types.ID, sub string,
	returnValue bool) (created bool, value codec.Value, err error) {

	dst, err := c.dataServer(id)
	if err != nil {
		return false, nil, err
	}
	req := comm.InsertAtomicReq{ID: id, Sub: sub, ReturnValue: returnValue}
	msg, err := c.call(ctx, dst, comm.TagInsertAtomic, req.Encode(), comm.TagResponse)
	if err != nil {
		return false, nil, err
	}
	var resp comm.InsertAtomicResp
	if err := resp.Decode(msg.Data); err != nil {
		return false, nil, err
	}
	if resp.Status != types.StatusOK {
		return false, nil, statusErr(resp.Status, "insert_atomic", id)
	}
	if returnValue && resp.ValuePresent {
		v, err := codec.Unpack(resp.ValueType, resp.Value)
		if err != nil {
			return false, nil, err
		}
		return resp.Created, v, nil
	}
	return resp.Created, nil, nil
}

// Unique mints a fresh id from the home server's stride.
func (c *Client) Unique(ctx context.Context) (types.ID, error) {
	msg, err := c.call(ctx, c.server, comm.TagUnique, nil, comm.TagResponse)
	if err != nil {
		return types.NullID, err
	}
	var resp comm.CodeIDResp
	if err := resp.Decode(msg.Data); err != nil {
		return types.NullID, err
	}
	return resp.ID, statusErr(resp.Status, "unique", resp.ID)
}

// Typeof returns a datum's declared type.
func (c *Client) Typeof(ctx context.Context, id types.ID) (types.DataType, error) {
	dst, err := c.dataServer(id)
	if err != nil {
		return types.TypeNull, err
	}
	req := comm.IDSubReq{ID: id}
	msg, err := c.call(ctx, dst, comm.TagTypeof, req.Encode(), comm.TagResponse)
	if err != nil {
		return types.TypeNull, err
	}
	var resp comm.TypeResp
	if err := resp.Decode(msg.Data); err != nil {
		return types.TypeNull, err
	}
	return resp.Type, statusErr(resp.Status, "typeof", id)
}

// ContainerTypeof returns a container's key and value types.
func (c *Client) ContainerTypeof(ctx context.Context, id types.ID) (key, val types.DataType, err error) {
	dst, err := c.dataServer(id)
	if err != nil {
		return types.TypeNull, types.TypeNull, err
	}
	req := comm.IDSubReq{ID: id}
	msg, err := c.call(ctx, dst, comm.TagContainerTypeof, req.Encode(), comm.TagResponse)
	if err != nil {
		return types.TypeNull, types.TypeNull, err
	}
	var resp comm.TypeResp
	if err := resp.Decode(msg.Data); err != nil {
		return types.TypeNull, types.TypeNull, err
	}
	return resp.Type, resp.ValType, statusErr(resp.Status, "container_typeof", id)
}

// ContainerReference asks for container[sub] to be assigned to the
// ref datum once present; when the entry is already there the value is
// returned and no subscription happens.
func (c *Client) ContainerReference(ctx context.Context, id types.ID, sub string,
	ref types.ID, refType types.DataType) (codec.Value, bool, error) {

	dst, err := c.dataServer(id)
	if err != nil {
		return nil, false, err
	}
	req := comm.ContainerRefReq{ID: id, Ref: ref, RefType: refType, Sub: sub}
	msg, err := c.call(ctx, dst, comm.TagContainerReference, req.Encode(), comm.TagResponse)
	if err != nil {
		return nil, false, err
	}
	var resp comm.ContainerRefResp
	if err := resp.Decode(msg.Data); err != nil {
		return nil, false, err
	}
	if resp.Status != types.StatusOK {
		return nil, false, statusErr(resp.Status, "container_reference", id)
	}
	if !resp.Found {
		return nil, false, nil
	}
	v, err := codec.Unpack(resp.Type, resp.Value)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// ContainerSize returns the member count of a container or multiset.
func (c *Client) ContainerSize(ctx context.Context, id types.ID, decr types.Refcounts) (int, error) {
	dst, err := c.dataServer(id)
	if err != nil {
		return 0, err
	}
	req := comm.SizeReq{ID: id, Decr: decr}
	msg, err := c.call(ctx, dst, comm.TagContainerSize, req.Encode(), comm.TagResponse)
	if err != nil {
		return 0, err
	}
	var resp comm.SizeResp
	if err := resp.Decode(msg.Data); err != nil {
		return 0, err
	}
	return int(resp.Size), statusErr(resp.Status, "container_size", id)
}

// Lock tries to take the per-id application lock; acquired is false
// when another rank holds it and the caller should retry.
func (c *Client) Lock(ctx context.Context, id types.ID) (bool, error) {
	dst, err := c.dataServer(id)
	if err != nil {
		return false, err
	}
	req := comm.LockReq{ID: id, Rank: int32(c.rank)}
	msg, err := c.call(ctx, dst, comm.TagLock, req.Encode(), comm.TagResponse)
	if err != nil {
		return false, err
	}
	var resp comm.BoolResp
	if err := resp.Decode(msg.Data); err != nil {
		return false, err
	}
	return resp.Result, statusErr(resp.Status, "lock", id)
}

// Unlock releases the per-id lock.
func (c *Client) Unlock(ctx context.Context, id types.ID) error {
	dst, err := c.dataServer(id)
	if err != nil {
		return err
	}
	req := comm.IDSubReq{ID: id}
	msg, err := c.call(ctx, dst, comm.TagUnlock, req.Encode(), comm.TagResponse)
	if err != nil {
		return err
	}
	var resp comm.BoolResp
	if err := resp.Decode(msg.Data); err != nil {
		return err
	}
	return statusErr(resp.Status, "unlock", id)
}

// Permanent excludes a datum from garbage collection.
func (c *Client) Permanent(ctx context.Context, id types.ID) error {
	dst, err := c.dataServer(id)
	if err != nil {
		return err
	}
	req := comm.IDSubReq{ID: id}
	msg, err := c.call(ctx, dst, comm.TagPermanent, req.Encode(), comm.TagResponse)
	if err != nil {
		return err
	}
	var resp comm.BoolResp
	if err := resp.Decode(msg.Data); err != nil {
		return err
	}
	return statusErr(resp.Status, "permanent", id)
}
