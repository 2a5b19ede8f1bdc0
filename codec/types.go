package codec

import (
	"fmt"
	"math"
	"reflect"
	"sync"
	"time"
)

// Formatter packs and unpacks values of one registered type.
type Formatter struct {
	Pack   func(w *Writer, v any) error
	Unpack func(r *Reader) (any, error)
}

// Registry maps value types to formatters. reflect.Type is used only as the
// lookup key; values are never inspected through reflection.
type Registry struct {
	mu         sync.RWMutex
	formatters map[reflect.Type]Formatter
}

// Default holds the built-in formatters and anything registered against it.
var Default = NewRegistry()

// NewRegistry returns a registry preloaded with the built-in value types.
func NewRegistry() *Registry {
	reg := &Registry{formatters: make(map[reflect.Type]Formatter)}
	registerBuiltins(reg)
	return reg
}

// TypeOf returns the declared type token for T.
func TypeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// Register installs typed pack/unpack functions for T, replacing any previous
// formatter for the same type.
func Register[T any](reg *Registry, pack func(w *Writer, v T), unpack func(r *Reader) T) {
	f := Formatter{
		Pack: func(w *Writer, v any) error {
			pack(w, v.(T))
			return w.Err()
		},
		Unpack: func(r *Reader) (any, error) {
			v := unpack(r)
			return v, r.Err()
		},
	}
	reg.mu.Lock()
	reg.formatters[TypeOf[T]()] = f
	reg.mu.Unlock()
}

// Has reports whether a formatter is registered for t.
func (reg *Registry) Has(t reflect.Type) bool {
	_, ok := reg.lookup(t)
	return ok
}

func (reg *Registry) lookup(t reflect.Type) (Formatter, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	f, ok := reg.formatters[t]
	return f, ok
}

func (reg *Registry) pack(w *Writer, v any, declared reflect.Type) error {
	if declared == nil {
		return fmt.Errorf("%w: no declared type", ErrSerialization)
	}
	f, ok := reg.lookup(declared)
	if !ok {
		return fmt.Errorf("%w: no formatter for %s", ErrSerialization, declared)
	}
	if v == nil || reflect.TypeOf(v) != declared {
		return fmt.Errorf("%w: value of type %T is not %s", ErrSerialization, v, declared)
	}
	return f.Pack(w, v)
}

func (reg *Registry) unpack(r *Reader, declared reflect.Type) (any, error) {
	if declared == nil {
		return nil, fmt.Errorf("%w: no declared type", ErrSerialization)
	}
	f, ok := reg.lookup(declared)
	if !ok {
		return nil, fmt.Errorf("%w: no formatter for %s", ErrSerialization, declared)
	}
	return f.Unpack(r)
}

// Pack serializes a single value of the declared type.
func Pack(reg *Registry, v any, declared reflect.Type) ([]byte, error) {
	w := NewWriter(reg)
	w.PutValue(v, declared)
	return w.Bytes()
}

// Unpack deserializes a single value of the declared type. The whole input
// must be consumed.
func Unpack(reg *Registry, data []byte, declared reflect.Type) (any, error) {
	r := NewReader(data, reg)
	v := r.ReadValue(declared)
	if err := r.Done(); err != nil {
		return nil, err
	}
	return v, nil
}

// PackTuple serializes an argument tuple.
func PackTuple(reg *Registry, t Tuple) ([]byte, error) {
	w := NewWriter(reg)
	w.PutTuple(t)
	return w.Bytes()
}

// UnpackTuple deserializes data into t, rejecting trailing bytes.
func UnpackTuple(reg *Registry, data []byte, t TupleUnmarshaler) error {
	r := NewReader(data, reg)
	r.ReadTuple(t)
	return r.Done()
}

func registerBuiltins(reg *Registry) {
	Register(reg, func(w *Writer, v bool) { w.PutBool(v) }, func(r *Reader) bool { return r.ReadBool() })
	Register(reg, func(w *Writer, v int) { w.PutInt64(int64(v)) }, func(r *Reader) int { return int(r.readInt("int", math.MinInt, math.MaxInt)) })
	Register(reg, func(w *Writer, v int8) { w.PutInt8(v) }, func(r *Reader) int8 { return r.ReadInt8() })
	Register(reg, func(w *Writer, v int16) { w.PutInt16(v) }, func(r *Reader) int16 { return r.ReadInt16() })
	Register(reg, func(w *Writer, v int32) { w.PutInt32(v) }, func(r *Reader) int32 { return r.ReadInt32() })
	Register(reg, func(w *Writer, v int64) { w.PutInt64(v) }, func(r *Reader) int64 { return r.ReadInt64() })
	Register(reg, func(w *Writer, v uint) { w.PutUint64(uint64(v)) }, func(r *Reader) uint { return uint(r.readUint("uint", math.MaxUint)) })
	Register(reg, func(w *Writer, v uint8) { w.PutUint8(v) }, func(r *Reader) uint8 { return r.ReadUint8() })
	Register(reg, func(w *Writer, v uint16) { w.PutUint16(v) }, func(r *Reader) uint16 { return r.ReadUint16() })
	Register(reg, func(w *Writer, v uint32) { w.PutUint32(v) }, func(r *Reader) uint32 { return r.ReadUint32() })
	Register(reg, func(w *Writer, v uint64) { w.PutUint64(v) }, func(r *Reader) uint64 { return r.ReadUint64() })
	Register(reg, func(w *Writer, v float32) { w.PutFloat32(v) }, func(r *Reader) float32 { return r.ReadFloat32() })
	Register(reg, func(w *Writer, v float64) { w.PutFloat64(v) }, func(r *Reader) float64 { return r.ReadFloat64() })
	Register(reg, func(w *Writer, v string) { w.PutString(v) }, func(r *Reader) string { return r.ReadString() })
	Register(reg, func(w *Writer, v []byte) { w.PutBlob(v) }, func(r *Reader) []byte { return r.ReadBlob() })
	Register(reg, func(w *Writer, v time.Duration) { w.PutInt64(int64(v)) }, func(r *Reader) time.Duration {
		return time.Duration(r.ReadInt64())
	})
	Register(reg,
		func(w *Writer, v []string) {
			w.PutLen(len(v))
			for _, s := range v {
				w.PutString(s)
			}
		},
		func(r *Reader) []string {
			n := r.ReadLen()
			out := make([]string, 0, n)
			for i := 0; i < n && r.Err() == nil; i++ {
				out = append(out, r.ReadString())
			}
			return out
		})
}
