package tl

import (
	"encoding/binary"
	"fmt"
	"math"
)

// maxVectorLen bounds vector counts so a corrupt count cannot force a huge allocation
const maxVectorLen = 1 << 20

// Deserialize decodes one value from data and reports how many bytes it
// consumed. A boxed value is looked up by its constructor id; a bare value
// is decoded with the named schema.
//
// An unknown constructor id at the top level is not an error: the raw bytes
// are returned as []byte so newer peers do not break older ones. Truncated or
// malformed input fails with ErrTruncated or ErrSchemaMismatch.
func (r *Registry) Deserialize(data []byte, boxed bool, name string) (any, int, error) {
	d := &decoder{reg: r, data: data}

	var s *Schema
	if boxed {
		id, err := d.u32()
		if err != nil {
			return nil, 0, err
		}
		var ok bool
		if s, ok = r.byID[id]; !ok {
			return append([]byte(nil), data...), len(data), nil
		}
	} else {
		var ok bool
		if s, ok = r.byName[name]; !ok {
			return nil, 0, fmt.Errorf("%w: unknown type %s", ErrSchemaMismatch, name)
		}
	}

	obj, err := d.readSchema(s)
	if err != nil {
		return nil, 0, err
	}
	return obj, d.off, nil
}

// DeserializeObject decodes a boxed object and requires a known constructor
func (r *Registry) DeserializeObject(data []byte) (Object, int, error) {
	v, n, err := r.Deserialize(data, true, "")
	if err != nil {
		return nil, 0, err
	}
	obj, ok := v.(Object)
	if !ok {
		if len(data) >= 4 {
			return nil, 0, fmt.Errorf("%w: %08x", ErrUnknownConstructor, binary.LittleEndian.Uint32(data))
		}
		return nil, 0, ErrUnknownConstructor
	}
	return obj, n, nil
}

type decoder struct {
	reg  *Registry
	data []byte
	off  int
}

func (d *decoder) take(n int) ([]byte, error) {
	if n < 0 || len(d.data)-d.off < n {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrTruncated, n, d.off, len(d.data)-d.off)
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b, nil
}

func (d *decoder) u32() (uint32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (d *decoder) u64() (uint64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (d *decoder) readSchema(s *Schema) (Object, error) {
	obj := Object{TypeKey: s.Name}
	for i := range s.Fields {
		f := &s.Fields[i]
		if f.Optional() {
			flags, err := flagValue(obj, f.FlagField)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", s.Name, f.Name, err)
			}
			if flags&(1<<f.FlagBit) == 0 {
				continue
			}
		}

		v, err := d.readValue(s, f, f.ref)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", s.Name, f.Name, err)
		}
		obj[f.Name] = v
	}
	return obj, nil
}

func (d *decoder) readValue(s *Schema, f *Field, ref *typeRef) (any, error) {
	switch ref.kind {
	case kindInt:
		v, err := d.u32()
		return int32(v), err
	case kindNat:
		return d.u32()
	case kindLong:
		v, err := d.u64()
		return int64(v), err
	case kindDouble:
		v, err := d.u64()
		return math.Float64frombits(v), err
	case kindInt128:
		return d.readFixed(16)
	case kindInt256:
		return d.readFixed(32)
	case kindBool:
		v, err := d.u32()
		if err != nil {
			return nil, err
		}
		switch v {
		case BoolTrue:
			return true, nil
		case BoolFalse:
			return false, nil
		}
		return nil, fmt.Errorf("%w: bad Bool constructor %08x", ErrSchemaMismatch, v)
	case kindTrue:
		return true, nil
	case kindBytes:
		b, err := d.readBytes()
		if err != nil {
			return nil, err
		}
		return d.maybeNested(s, f, b), nil
	case kindString:
		b, err := d.readBytes()
		return string(b), err
	case kindVector:
		return d.readVector(s, f, ref.elem)
	case kindObject:
		return d.readObject(ref)
	}
	return nil, fmt.Errorf("%w: unsupported type", ErrSchemaMismatch)
}

// readFixed reads a byte-reversed int128/int256 block
func (d *decoder) readFixed(size int) ([]byte, error) {
	b, err := d.take(size)
	if err != nil {
		return nil, err
	}
	out := make([]byte, size)
	for i := range b {
		out[size-1-i] = b[i]
	}
	return out, nil
}

func (d *decoder) readBytes() ([]byte, error) {
	first, err := d.take(1)
	if err != nil {
		return nil, err
	}
	n, prefix := int(first[0]), 1
	switch {
	case first[0] == 0xfe:
		ext, err := d.take(3)
		if err != nil {
			return nil, err
		}
		n = int(ext[0]) | int(ext[1])<<8 | int(ext[2])<<16
		if n < 254 {
			return nil, fmt.Errorf("%w: long length prefix for %d bytes", ErrSchemaMismatch, n)
		}
		prefix = 4
	case first[0] == 0xff:
		return nil, fmt.Errorf("%w: unsupported length prefix 0xff", ErrSchemaMismatch)
	}

	data, err := d.take(n)
	if err != nil {
		return nil, err
	}
	if pad := (prefix + n) % 4; pad != 0 {
		padding, err := d.take(4 - pad)
		if err != nil {
			return nil, err
		}
		for _, b := range padding {
			if b != 0 {
				return nil, fmt.Errorf("%w: non-zero bytes padding", ErrSchemaMismatch)
			}
		}
	}
	out := make([]byte, n)
	copy(out, data)
	return out, nil
}

// maybeNested returns a nested object when b is exactly one known boxed
// value and the field is eligible; otherwise b itself.
func (d *decoder) maybeNested(s *Schema, f *Field, b []byte) any {
	if !d.reg.autoDecode || len(b) < 4 || d.reg.Untouchable(s.Name, f.Name) {
		return b
	}
	if _, ok := d.reg.byID[binary.LittleEndian.Uint32(b)]; !ok {
		return b
	}
	v, n, err := d.reg.Deserialize(b, true, "")
	if err != nil || n != len(b) {
		return b
	}
	if obj, ok := v.(Object); ok {
		return obj
	}
	return b
}

func (d *decoder) readVector(s *Schema, f *Field, elem *typeRef) ([]any, error) {
	count, err := d.u32()
	if err != nil {
		return nil, err
	}
	if count > maxVectorLen || int(count) > len(d.data)-d.off {
		// every element takes at least one byte except true, which never appears in vectors
		return nil, fmt.Errorf("%w: vector of %d elements with %d bytes left", ErrTruncated, count, len(d.data)-d.off)
	}
	items := make([]any, 0, count)
	for i := uint32(0); i < count; i++ {
		v, err := d.readValue(s, f, elem)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		items = append(items, v)
	}
	return items, nil
}

func (d *decoder) readObject(ref *typeRef) (Object, error) {
	if ref.bare {
		s, ok := d.reg.byName[ref.name]
		if !ok {
			return nil, fmt.Errorf("%w: unknown type %s", ErrSchemaMismatch, ref.name)
		}
		return d.readSchema(s)
	}
	id, err := d.u32()
	if err != nil {
		return nil, err
	}
	s, ok := d.reg.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %08x in %s", ErrUnknownConstructor, id, ref.name)
	}
	return d.readSchema(s)
}
