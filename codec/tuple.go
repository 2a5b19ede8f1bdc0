package codec

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"reflect"

	"github.com/Joy-less/RemSend-sub000/message"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// Tuple is implemented by argument structs that can pack themselves.
type Tuple interface {
	MarshalTuple(w *Writer) error
}

// TupleUnmarshaler is implemented by pointers to argument structs.
type TupleUnmarshaler interface {
	UnmarshalTuple(r *Reader) error
}

// Empty is the zero-argument tuple. It packs to a zero-length payload.
type Empty struct{}

func (Empty) MarshalTuple(*Writer) error    { return nil }
func (*Empty) UnmarshalTuple(*Reader) error { return nil }

// Writer appends tuple elements. The first error is sticky: later writes are
// no-ops and Err reports it.
type Writer struct {
	buf   bytes.Buffer
	enc   *msgpack.Encoder
	types *Registry
	err   error
}

// NewWriter returns a Writer resolving registered value types through types.
// A nil registry falls back to Default.
func NewWriter(types *Registry) *Writer {
	if types == nil {
		types = Default
	}
	w := &Writer{types: types}
	w.enc = msgpack.NewEncoder(&w.buf)
	w.enc.SetSortMapKeys(true)
	return w
}

func (w *Writer) Err() error { return w.err }

// Bytes returns the packed tuple, or the sticky error.
func (w *Writer) Bytes() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	return w.buf.Bytes(), nil
}

func (w *Writer) fail(err error) {
	if err == nil || w.err != nil {
		return
	}
	if !errors.Is(err, ErrSerialization) {
		err = fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	w.err = err
}

func (w *Writer) PutBool(v bool) {
	if w.err == nil {
		w.fail(w.enc.EncodeBool(v))
	}
}

func (w *Writer) PutInt8(v int8) {
	if w.err == nil {
		w.fail(w.enc.EncodeInt(int64(v)))
	}
}

func (w *Writer) PutInt16(v int16) {
	if w.err == nil {
		w.fail(w.enc.EncodeInt(int64(v)))
	}
}

func (w *Writer) PutInt32(v int32) {
	if w.err == nil {
		w.fail(w.enc.EncodeInt(int64(v)))
	}
}

func (w *Writer) PutInt64(v int64) {
	if w.err == nil {
		w.fail(w.enc.EncodeInt(v))
	}
}

func (w *Writer) PutUint8(v uint8) {
	if w.err == nil {
		w.fail(w.enc.EncodeUint(uint64(v)))
	}
}

func (w *Writer) PutUint16(v uint16) {
	if w.err == nil {
		w.fail(w.enc.EncodeUint(uint64(v)))
	}
}

func (w *Writer) PutUint32(v uint32) {
	if w.err == nil {
		w.fail(w.enc.EncodeUint(uint64(v)))
	}
}

func (w *Writer) PutUint64(v uint64) {
	if w.err == nil {
		w.fail(w.enc.EncodeUint(v))
	}
}

func (w *Writer) PutFloat32(v float32) {
	if w.err == nil {
		w.fail(w.enc.EncodeFloat32(v))
	}
}

func (w *Writer) PutFloat64(v float64) {
	if w.err == nil {
		w.fail(w.enc.EncodeFloat64(v))
	}
}

func (w *Writer) PutString(v string) {
	if w.err == nil {
		w.fail(w.enc.EncodeString(v))
	}
}

func (w *Writer) PutBlob(v []byte) {
	if w.err == nil {
		w.fail(w.enc.EncodeBytes(v))
	}
}

// PutLen writes a collection length ahead of its elements.
func (w *Writer) PutLen(n int) {
	if w.err == nil {
		w.fail(w.enc.EncodeArrayLen(n))
	}
}

func (w *Writer) PutCorrelation(id message.CorrelationID) {
	w.PutUint64(uint64(id))
}

// PutTuple appends the elements of a nested tuple.
func (w *Writer) PutTuple(t Tuple) {
	if w.err == nil {
		w.fail(t.MarshalTuple(w))
	}
}

// PutValue packs v using the formatter registered for declared.
func (w *Writer) PutValue(v any, declared reflect.Type) {
	if w.err != nil {
		return
	}
	w.fail(w.types.pack(w, v, declared))
}

// Reader consumes tuple elements in declaration order. Like Writer, the
// first error is sticky and later reads return zero values.
type Reader struct {
	src   *bytes.Reader
	dec   *msgpack.Decoder
	types *Registry
	err   error
}

func NewReader(data []byte, types *Registry) *Reader {
	if types == nil {
		types = Default
	}
	src := bytes.NewReader(data)
	return &Reader{src: src, dec: msgpack.NewDecoder(src), types: types}
}

func (r *Reader) Err() error { return r.err }

// Rest returns the unread bytes without consuming them.
func (r *Reader) Rest() []byte {
	rest := make([]byte, r.src.Len())
	pos := int64(r.src.Size()) - int64(r.src.Len())
	r.src.ReadAt(rest, pos)
	return rest
}

// Done reports an error if the tuple failed to decode or left trailing bytes.
func (r *Reader) Done() error {
	if r.err != nil {
		return r.err
	}
	if n := r.src.Len(); n != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrSerialization, n)
	}
	return nil
}

func (r *Reader) fail(err error) {
	if err == nil || r.err != nil {
		return
	}
	if !errors.Is(err, ErrSerialization) {
		err = fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	r.err = err
}

func (r *Reader) ReadBool() bool {
	if r.err != nil {
		return false
	}
	v, err := r.dec.DecodeBool()
	r.fail(err)
	return v
}

func (r *Reader) ReadInt8() int8 {
	return int8(r.readInt("int8", math.MinInt8, math.MaxInt8))
}

func (r *Reader) ReadInt16() int16 {
	return int16(r.readInt("int16", math.MinInt16, math.MaxInt16))
}

func (r *Reader) ReadInt32() int32 {
	return int32(r.readInt("int32", math.MinInt32, math.MaxInt32))
}

func (r *Reader) ReadInt64() int64 {
	return r.readInt("int64", math.MinInt64, math.MaxInt64)
}

func (r *Reader) ReadUint8() uint8 {
	return uint8(r.readUint("uint8", math.MaxUint8))
}

func (r *Reader) ReadUint16() uint16 {
	return uint16(r.readUint("uint16", math.MaxUint16))
}

func (r *Reader) ReadUint32() uint32 {
	return uint32(r.readUint("uint32", math.MaxUint32))
}

func (r *Reader) ReadUint64() uint64 {
	return r.readUint("uint64", math.MaxUint64)
}

// readInt decodes an integer of any msgpack width and fails unless it lies
// in [min, max]. The decoder's narrow helpers truncate silently.
func (r *Reader) readInt(name string, min, max int64) int64 {
	if r.err != nil {
		return 0
	}
	c, err := r.dec.PeekCode()
	if err != nil {
		r.fail(err)
		return 0
	}
	if c == msgpcode.Uint64 {
		u, err := r.dec.DecodeUint64()
		if err != nil {
			r.fail(err)
			return 0
		}
		if u > uint64(max) {
			r.fail(fmt.Errorf("%d overflows %s", u, name))
			return 0
		}
		return int64(u)
	}
	v, err := r.dec.DecodeInt64()
	if err != nil {
		r.fail(err)
		return 0
	}
	if v < min || v > max {
		r.fail(fmt.Errorf("%d overflows %s", v, name))
		return 0
	}
	return v
}

// readUint is readInt for unsigned targets; negative values are rejected.
func (r *Reader) readUint(name string, max uint64) uint64 {
	if r.err != nil {
		return 0
	}
	c, err := r.dec.PeekCode()
	if err != nil {
		r.fail(err)
		return 0
	}
	var v uint64
	if c == msgpcode.Uint64 {
		v, err = r.dec.DecodeUint64()
		if err != nil {
			r.fail(err)
			return 0
		}
	} else {
		n, err := r.dec.DecodeInt64()
		if err != nil {
			r.fail(err)
			return 0
		}
		if n < 0 {
			r.fail(fmt.Errorf("%d overflows %s", n, name))
			return 0
		}
		v = uint64(n)
	}
	if v > max {
		r.fail(fmt.Errorf("%d overflows %s", v, name))
		return 0
	}
	return v
}

func (r *Reader) ReadFloat32() float32 {
	if r.err != nil {
		return 0
	}
	v, err := r.dec.DecodeFloat32()
	r.fail(err)
	return v
}

func (r *Reader) ReadFloat64() float64 {
	if r.err != nil {
		return 0
	}
	v, err := r.dec.DecodeFloat64()
	r.fail(err)
	return v
}

func (r *Reader) ReadString() string {
	if r.err != nil {
		return ""
	}
	v, err := r.dec.DecodeString()
	r.fail(err)
	return v
}

func (r *Reader) ReadBlob() []byte {
	if r.err != nil {
		return nil
	}
	v, err := r.dec.DecodeBytes()
	r.fail(err)
	return v
}

// ReadLen reads a collection length written by Writer.PutLen.
func (r *Reader) ReadLen() int {
	if r.err != nil {
		return 0
	}
	n, err := r.dec.DecodeArrayLen()
	r.fail(err)
	if n < 0 {
		return 0
	}
	if n > r.src.Len() {
		// Every element takes at least one byte.
		r.fail(fmt.Errorf("length %d exceeds remaining %d bytes", n, r.src.Len()))
		return 0
	}
	return n
}

func (r *Reader) ReadCorrelation() message.CorrelationID {
	return message.CorrelationID(r.ReadUint64())
}

// ReadTuple decodes a nested tuple into t.
func (r *Reader) ReadTuple(t TupleUnmarshaler) {
	if r.err == nil {
		r.fail(t.UnmarshalTuple(r))
	}
}

// ReadValue unpacks a value of the declared type using its registered formatter.
func (r *Reader) ReadValue(declared reflect.Type) any {
	if r.err != nil {
		return nil
	}
	v, err := r.types.unpack(r, declared)
	r.fail(err)
	return v
}
