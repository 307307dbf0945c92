// Package mu is a small tag-driven marshaler/unmarshaler for TPM 2.0 wire
// structures, grounded on the teacher's use of github.com/canonical/go-tpm2/mu
// (mu.DetermineTPMKind, mu.MustMarshalToWriter, mu.Raw in paramcrypt.go and
// policyutil/auth.go). It replaces hand-written binary.Write/Read call
// sequences per field with reflection over struct tags, which is the
// marshaling idiom the whole retrieved pack uses for TPM types.
//
// Supported kinds, determined by DetermineTPMKind:
//   - fixed-width integers (uint8/16/32/64) - marshaled big-endian
//   - byte slices ([]byte and named byte-slice types such as tpm2.Digest) -
//     marshaled as TPMKindSized: a 2-byte big-endian length prefix followed
//     by the bytes, unless wrapped in Raw
//   - slices of any other element type - marshaled as TPMKindList: a 4-byte
//     big-endian count prefix followed by each element, unless wrapped in Raw
//   - structs - marshaled field by field in declaration order
//
// A field or top-level value wrapped in Raw is marshaled with no size/count
// prefix at all; this is used for values whose length is implied by context
// (e.g. a digest being hashed, not stored on the wire).
//
// Unmarshal handles the same kinds except TPMKindList: unmarshaling a slice
// of a non-byte element type returns an error.
package mu

import (
	"encoding/binary"
	"fmt"
	"io"
	"reflect"
)

// TPMKind classifies how a Go value is represented on the wire.
type TPMKind int

const (
	TPMKindPrimitive TPMKind = iota
	TPMKindSized
	TPMKindList
	TPMKindStruct
	TPMKindRaw
)

// Raw wraps a value to suppress the length/count prefix that would
// otherwise be written for it, matching mu.Raw in the teacher corpus.
type Raw struct {
	Value interface{}
}

// DetermineTPMKind classifies how v will be marshaled.
func DetermineTPMKind(v interface{}) TPMKind {
	if _, ok := v.(Raw); ok {
		return TPMKindRaw
	}
	rv := reflect.ValueOf(v)
	return determineKind(rv.Type())
}

func determineKind(t reflect.Type) TPMKind {
	switch t.Kind() {
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return TPMKindSized
		}
		return TPMKindList
	case reflect.Struct:
		return TPMKindStruct
	default:
		return TPMKindPrimitive
	}
}

// MarshalToBytes marshals each of vs in sequence and returns the
// concatenated bytes.
func MarshalToBytes(vs ...interface{}) ([]byte, error) {
	var buf []byte
	w := &byteWriter{&buf}
	for _, v := range vs {
		if err := Marshal(w, v); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// MustMarshalToWriter marshals each of vs to w, panicking on error; an error
// here can only mean an unmarshalable Go value was passed, a programmer
// error. Nothing in this repository calls it.
func MustMarshalToWriter(w io.Writer, vs ...interface{}) {
	for _, v := range vs {
		if err := Marshal(w, v); err != nil {
			panic(err)
		}
	}
}

type byteWriter struct {
	buf *[]byte
}

func (w *byteWriter) Write(p []byte) (int, error) {
	*w.buf = append(*w.buf, p...)
	return len(p), nil
}

// Marshal writes v to w according to the rules documented on the package.
func Marshal(w io.Writer, v interface{}) error {
	if raw, ok := v.(Raw); ok {
		return marshalValue(w, reflect.ValueOf(raw.Value), TPMKindRaw)
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr {
		rv = rv.Elem()
	}
	return marshalValue(w, rv, determineKind(rv.Type()))
}

func marshalValue(w io.Writer, rv reflect.Value, kind TPMKind) error {
	switch kind {
	case TPMKindPrimitive:
		switch rv.Kind() {
		case reflect.Uint8:
			_, err := w.Write([]byte{byte(rv.Uint())})
			return err
		case reflect.Uint16:
			var b [2]byte
			binary.BigEndian.PutUint16(b[:], uint16(rv.Uint()))
			_, err := w.Write(b[:])
			return err
		case reflect.Uint32:
			var b [4]byte
			binary.BigEndian.PutUint32(b[:], uint32(rv.Uint()))
			_, err := w.Write(b[:])
			return err
		case reflect.Uint64:
			var b [8]byte
			binary.BigEndian.PutUint64(b[:], rv.Uint())
			_, err := w.Write(b[:])
			return err
		case reflect.Int32:
			var b [4]byte
			binary.BigEndian.PutUint32(b[:], uint32(rv.Int()))
			_, err := w.Write(b[:])
			return err
		default:
			return fmt.Errorf("mu: unsupported primitive kind %s", rv.Kind())
		}
	case TPMKindSized:
		data := rv.Bytes()
		var szb [2]byte
		binary.BigEndian.PutUint16(szb[:], uint16(len(data)))
		if _, err := w.Write(szb[:]); err != nil {
			return err
		}
		_, err := w.Write(data)
		return err
	case TPMKindRaw:
		if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
			_, err := w.Write(rv.Bytes())
			return err
		}
		return marshalValue(w, rv, determineKind(rv.Type()))
	case TPMKindList:
		var cb [4]byte
		binary.BigEndian.PutUint32(cb[:], uint32(rv.Len()))
		if _, err := w.Write(cb[:]); err != nil {
			return err
		}
		for i := 0; i < rv.Len(); i++ {
			elem := rv.Index(i)
			if err := marshalValue(w, elem, determineKind(elem.Type())); err != nil {
				return err
			}
		}
		return nil
	case TPMKindStruct:
		for i := 0; i < rv.NumField(); i++ {
			f := rv.Field(i)
			if rv.Type().Field(i).Tag.Get("tpm2") == "raw" {
				if err := marshalValue(w, f, TPMKindRaw); err != nil {
					return err
				}
				continue
			}
			if err := marshalValue(w, f, determineKind(f.Type())); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("mu: unhandled kind %d", kind)
	}
}

// UnmarshalFromBytes unmarshals b in sequence into each of vs (which must be
// pointers), returning the number of bytes consumed.
func UnmarshalFromBytes(b []byte, vs ...interface{}) (int, error) {
	r := &byteReader{b: b}
	for _, v := range vs {
		if err := Unmarshal(r, v); err != nil {
			return r.off, err
		}
	}
	return r.off, nil
}

type byteReader struct {
	b   []byte
	off int
}

func (r *byteReader) Read(p []byte) (int, error) {
	n := copy(p, r.b[r.off:])
	r.off += n
	if n < len(p) {
		return n, io.ErrUnexpectedEOF
	}
	return n, nil
}

// UnmarshalFromReader unmarshals a sequence of values from r into vs.
func UnmarshalFromReader(r io.Reader, vs ...interface{}) error {
	for _, v := range vs {
		if err := Unmarshal(r, v); err != nil {
			return err
		}
	}
	return nil
}

// Unmarshal reads a single value from r into v, which must be a pointer.
func Unmarshal(r io.Reader, v interface{}) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr {
		return fmt.Errorf("mu: Unmarshal requires a pointer, got %T", v)
	}
	elem := rv.Elem()
	return unmarshalValue(r, elem, determineKind(elem.Type()))
}

func unmarshalValue(r io.Reader, rv reflect.Value, kind TPMKind) error {
	switch kind {
	case TPMKindPrimitive:
		switch rv.Kind() {
		case reflect.Uint8:
			var b [1]byte
			if _, err := io.ReadFull(r, b[:]); err != nil {
				return err
			}
			rv.SetUint(uint64(b[0]))
			return nil
		case reflect.Uint16:
			var b [2]byte
			if _, err := io.ReadFull(r, b[:]); err != nil {
				return err
			}
			rv.SetUint(uint64(binary.BigEndian.Uint16(b[:])))
			return nil
		case reflect.Uint32:
			var b [4]byte
			if _, err := io.ReadFull(r, b[:]); err != nil {
				return err
			}
			rv.SetUint(uint64(binary.BigEndian.Uint32(b[:])))
			return nil
		case reflect.Uint64:
			var b [8]byte
			if _, err := io.ReadFull(r, b[:]); err != nil {
				return err
			}
			rv.SetUint(binary.BigEndian.Uint64(b[:]))
			return nil
		case reflect.Int32:
			var b [4]byte
			if _, err := io.ReadFull(r, b[:]); err != nil {
				return err
			}
			rv.SetInt(int64(int32(binary.BigEndian.Uint32(b[:]))))
			return nil
		default:
			return fmt.Errorf("mu: unsupported primitive kind %s", rv.Kind())
		}
	case TPMKindSized:
		var szb [2]byte
		if _, err := io.ReadFull(r, szb[:]); err != nil {
			return err
		}
		sz := binary.BigEndian.Uint16(szb[:])
		data := make([]byte, sz)
		if sz > 0 {
			if _, err := io.ReadFull(r, data); err != nil {
				return err
			}
		}
		rv.SetBytes(data)
		return nil
	case TPMKindStruct:
		for i := 0; i < rv.NumField(); i++ {
			f := rv.Field(i)
			if rv.Type().Field(i).Tag.Get("tpm2") == "raw" {
				if err := unmarshalValue(r, f, TPMKindRaw); err != nil {
					return err
				}
				continue
			}
			if err := unmarshalValue(r, f, determineKind(f.Type())); err != nil {
				return err
			}
		}
		return nil
	case TPMKindRaw:
		return fmt.Errorf("mu: cannot unmarshal a raw value without a known length")
	default:
		return fmt.Errorf("mu: unhandled kind %d", kind)
	}
}
