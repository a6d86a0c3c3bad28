package codec

import "github.com/taskwire/taskwire/pkg/types"

// StructRegistry maps declared struct type ids to their field layouts.
// Struct payloads are self-describing; the registry validates that
// stored structs match the declared layout for their datum.
type StructRegistry struct {
	layouts map[int][]types.DataType
}

// NewStructRegistry returns an empty registry.
func NewStructRegistry() *StructRegistry {
	return &StructRegistry{layouts: make(map[int][]types.DataType)}
}

// Declare registers a struct type. Redeclaring an id with a different
// layout is an error.
func (r *StructRegistry) Declare(structType int, fields []types.DataType) error {
	if structType < 0 {
		return types.Statusf(types.ErrInvalid, "struct type %d", structType)
	}
	if existing, ok := r.layouts[structType]; ok {
		if len(existing) != len(fields) {
			return types.Statusf(types.ErrInvalid,
				"struct type %d redeclared with %d fields, had %d",
				structType, len(fields), len(existing))
		}
		for i := range existing {
			if existing[i] != fields[i] {
				return types.Statusf(types.ErrInvalid,
					"struct type %d field %d redeclared as %s, had %s",
					structType, i, fields[i], existing[i])
			}
		}
		return nil
	}
	r.layouts[structType] = append([]types.DataType(nil), fields...)
	return nil
}

// FieldTypes returns the declared layout for a struct type.
func (r *StructRegistry) FieldTypes(structType int) ([]types.DataType, error) {
	layout, ok := r.layouts[structType]
	if !ok {
		return nil, types.Statusf(types.ErrNotFound, "struct type %d not declared", structType)
	}
	return layout, nil
}

// Validate checks a struct value against its declared layout, if any.
func (r *StructRegistry) Validate(s *Struct) error {
	layout, ok := r.layouts[s.StructType]
	if !ok {
		return nil
	}
	if len(layout) != len(s.Fields) {
		return types.Statusf(types.ErrType,
			"struct type %d has %d fields, expected %d",
			s.StructType, len(s.Fields), len(layout))
	}
	for i, f := range s.Fields {
		if f.FieldType != layout[i] {
			return types.Statusf(types.ErrType,
				"struct type %d field %d is %s, expected %s",
				s.StructType, i, f.FieldType, layout[i])
		}
	}
	return nil
}
