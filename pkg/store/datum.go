package store

import (
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/taskwire/taskwire/pkg/codec"
	"github.com/taskwire/taskwire/pkg/types"
)

// datum is one stored single-assignment value with its two reference
// counts. A datum ceases to exist when both counts reach zero, unless
// it is permanent.
type datum struct {
	dtype types.DataType

	// set is false until the scalar value is first written. Container
	// and multiset shells count as set from creation.
	set       bool
	permanent bool

	readRefcount  int
	writeRefcount int

	value  codec.Value
	symbol types.Symbol

	// listeners are worker ranks awaiting the close of this datum.
	listeners mapset.Set[int]
}

func newDatum(t types.DataType, props types.CreateProps) *datum {
	return &datum{
		dtype:         t,
		readRefcount:  props.ReadRefcount,
		writeRefcount: props.WriteRefcount,
		permanent:     props.Permanent,
		symbol:        props.Symbol,
		listeners:     mapset.NewThreadUnsafeSet[int](),
	}
}

// closed reports whether the datum can no longer be written.
func (d *datum) closed() bool { return d.writeRefcount == 0 }
