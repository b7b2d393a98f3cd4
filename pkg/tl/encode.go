package tl

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Bool constructor ids
const (
	BoolTrue  uint32 = 0x997275b5
	BoolFalse uint32 = 0xbc799737
)

// maxBytesLen is the largest length a 3-byte prefix can describe
const maxBytesLen = 1<<24 - 1

// Serialize encodes fields according to the named schema. A boxed value is
// prefixed with its 4-byte constructor id.
func (r *Registry) Serialize(name string, fields Object, boxed bool) ([]byte, error) {
	s, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown type %s", ErrSchemaMismatch, name)
	}
	e := &encoder{reg: r}
	if err := e.writeSchema(s, fields, boxed); err != nil {
		return nil, err
	}
	return e.buf, nil
}

// SerializeObject encodes a boxed object named by its TypeKey
func (r *Registry) SerializeObject(obj Object) ([]byte, error) {
	name := obj.Type()
	if name == "" {
		return nil, fmt.Errorf("%w: object has no %s", ErrSchemaMismatch, TypeKey)
	}
	return r.Serialize(name, obj, true)
}

type encoder struct {
	reg *Registry
	buf []byte
}

func (e *encoder) u32(v uint32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
}

func (e *encoder) u64(v uint64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
}

func (e *encoder) writeSchema(s *Schema, fields Object, boxed bool) error {
	if boxed {
		e.u32(s.ID)
	}
	for i := range s.Fields {
		f := &s.Fields[i]
		if f.Optional() {
			flags, err := flagValue(fields, f.FlagField)
			if err != nil {
				return fmt.Errorf("%s.%s: %w", s.Name, f.Name, err)
			}
			if flags&(1<<f.FlagBit) == 0 {
				continue
			}
		}

		v, ok := fields[f.Name]
		if !ok {
			if f.ref.kind == kindTrue {
				continue
			}
			return fmt.Errorf("%w: %s.%s is missing", ErrSchemaMismatch, s.Name, f.Name)
		}
		if err := e.writeValue(f.ref, v); err != nil {
			return fmt.Errorf("%s.%s: %w", s.Name, f.Name, err)
		}
	}
	return nil
}

func (e *encoder) writeValue(ref *typeRef, v any) error {
	switch ref.kind {
	case kindInt:
		n, ok := asInt64(v)
		if !ok || n < math.MinInt32 || n > math.MaxUint32 {
			return mismatch("int", v)
		}
		e.u32(uint32(n))
	case kindNat:
		n, ok := asInt64(v)
		if !ok || n < 0 || n > math.MaxUint32 {
			return mismatch("#", v)
		}
		e.u32(uint32(n))
	case kindLong:
		n, ok := asInt64(v)
		if !ok {
			if u, isU := v.(uint64); isU {
				n, ok = int64(u), true
			}
		}
		if !ok {
			return mismatch("long", v)
		}
		e.u64(uint64(n))
	case kindDouble:
		f, ok := v.(float64)
		if !ok {
			return mismatch("double", v)
		}
		e.u64(math.Float64bits(f))
	case kindInt128:
		return e.writeFixed(v, 16)
	case kindInt256:
		return e.writeFixed(v, 32)
	case kindBool:
		b, ok := v.(bool)
		if !ok {
			return mismatch("Bool", v)
		}
		if b {
			e.u32(BoolTrue)
		} else {
			e.u32(BoolFalse)
		}
	case kindTrue:
		// presence is carried by the flag bit only
	case kindBytes:
		switch val := v.(type) {
		case []byte:
			return e.writeBytes(val)
		case string:
			return e.writeBytes([]byte(val))
		case Object:
			inner, err := e.reg.SerializeObject(val)
			if err != nil {
				return err
			}
			return e.writeBytes(inner)
		default:
			return mismatch("bytes", v)
		}
	case kindString:
		switch val := v.(type) {
		case string:
			return e.writeBytes([]byte(val))
		case []byte:
			return e.writeBytes(val)
		default:
			return mismatch("string", v)
		}
	case kindVector:
		return e.writeVector(ref.elem, v)
	case kindObject:
		return e.writeObject(ref, v)
	}
	return nil
}

// writeFixed writes an int128/int256 as a byte-reversed block
func (e *encoder) writeFixed(v any, size int) error {
	var raw []byte
	switch val := v.(type) {
	case []byte:
		raw = val
	case [16]byte:
		raw = val[:]
	case [32]byte:
		raw = val[:]
	default:
		return mismatch(fmt.Sprintf("int%d", size*8), v)
	}
	if len(raw) != size {
		return fmt.Errorf("%w: int%d needs %d bytes, got %d", ErrSchemaMismatch, size*8, size, len(raw))
	}
	for i := size - 1; i >= 0; i-- {
		e.buf = append(e.buf, raw[i])
	}
	return nil
}

// writeBytes writes a length prefix, the data and zero padding to a 4-byte boundary
func (e *encoder) writeBytes(data []byte) error {
	n := len(data)
	if n > maxBytesLen {
		return fmt.Errorf("%w: bytes value of %d exceeds %d", ErrSchemaMismatch, n, maxBytesLen)
	}
	prefix := 1
	if n <= 253 {
		e.buf = append(e.buf, byte(n))
	} else {
		prefix = 4
		e.buf = append(e.buf, 0xfe, byte(n), byte(n>>8), byte(n>>16))
	}
	e.buf = append(e.buf, data...)
	if pad := (prefix + n) % 4; pad != 0 {
		e.buf = append(e.buf, make([]byte, 4-pad)...)
	}
	return nil
}

func (e *encoder) writeVector(elem *typeRef, v any) error {
	var items []any
	switch val := v.(type) {
	case []any:
		items = val
	case []Object:
		items = make([]any, len(val))
		for i := range val {
			items[i] = val[i]
		}
	case [][]byte:
		items = make([]any, len(val))
		for i := range val {
			items[i] = val[i]
		}
	case []int32:
		items = make([]any, len(val))
		for i := range val {
			items[i] = val[i]
		}
	case []int64:
		items = make([]any, len(val))
		for i := range val {
			items[i] = val[i]
		}
	case []string:
		items = make([]any, len(val))
		for i := range val {
			items[i] = val[i]
		}
	default:
		return mismatch("vector", v)
	}

	e.u32(uint32(len(items)))
	for i, item := range items {
		if err := e.writeValue(elem, item); err != nil {
			return fmt.Errorf("[%d]: %w", i, err)
		}
	}
	return nil
}

func (e *encoder) writeObject(ref *typeRef, v any) error {
	switch val := v.(type) {
	case []byte:
		// already serialized
		e.buf = append(e.buf, val...)
		return nil
	case Object:
		if ref.bare {
			s, ok := e.reg.byName[ref.name]
			if !ok {
				return fmt.Errorf("%w: unknown type %s", ErrSchemaMismatch, ref.name)
			}
			return e.writeSchema(s, val, false)
		}
		s, err := e.reg.resolveClass(ref.name, val)
		if err != nil {
			return err
		}
		return e.writeSchema(s, val, true)
	default:
		return mismatch(ref.name, v)
	}
}

func flagValue(fields Object, name string) (uint32, error) {
	v, ok := fields[name]
	if !ok {
		return 0, fmt.Errorf("%w: flag field %s is missing", ErrSchemaMismatch, name)
	}
	n, ok := asInt64(v)
	if !ok {
		return 0, mismatch("#", v)
	}
	return uint32(n), nil
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	}
	return 0, false
}

func mismatch(want string, got any) error {
	return fmt.Errorf("%w: expected %s, got %T", ErrSchemaMismatch, want, got)
}
