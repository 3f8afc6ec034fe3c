package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
	"sort"
)

// bareMarshal and bareUnmarshal implement the subset of the BARE (Binary
// Application Record Encoding, https://baremessages.org) primitives needed
// by this runtime's queue/event/state payloads: uint/int varints, bool,
// f64, string, data (byte slices), lists, and structs (maps with string
// keys, keys sorted for determinism since BARE structs are positional and
// Go maps have no canonical order).
//
// No BARE library is available anywhere in the retrieved example pack, so
// unlike the json and cbor codecs this one is necessarily hand-rolled; see
// DESIGN.md for the full justification.

func bareMarshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, reflect.ValueOf(v)); err != nil {
		return nil, fmt.Errorf("bare: marshal: %w", err)
	}
	return buf.Bytes(), nil
}

func bareUnmarshal(data []byte, v any) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return fmt.Errorf("bare: unmarshal: destination must be a non-nil pointer")
	}
	r := bytes.NewReader(data)
	return decodeValue(r, rv.Elem())
}

func encodeUvarint(buf *bytes.Buffer, u uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], u)
	buf.Write(tmp[:n])
}

func decodeUvarint(r *bytes.Reader) (uint64, error) {
	return binary.ReadUvarint(r)
}

func encodeValue(buf *bytes.Buffer, v reflect.Value) error {
	if !v.IsValid() {
		buf.WriteByte(0) // null/absent marker
		return nil
	}
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			buf.WriteByte(0)
			return nil
		}
		buf.WriteByte(1)
		return encodeValue(buf, v.Elem())
	case reflect.Bool:
		if v.Bool() {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		encodeUvarint(buf, zigzag(v.Int()))
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		encodeUvarint(buf, v.Uint())
		return nil
	case reflect.Float32, reflect.Float64:
		var bits [8]byte
		binary.LittleEndian.PutUint64(bits[:], math.Float64bits(v.Float()))
		buf.Write(bits[:])
		return nil
	case reflect.String:
		s := v.String()
		encodeUvarint(buf, uint64(len(s)))
		buf.WriteString(s)
		return nil
	case reflect.Slice, reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b := v.Bytes()
			encodeUvarint(buf, uint64(len(b)))
			buf.Write(b)
			return nil
		}
		encodeUvarint(buf, uint64(v.Len()))
		for i := 0; i < v.Len(); i++ {
			if err := encodeValue(buf, v.Index(i)); err != nil {
				return err
			}
		}
		return nil
	case reflect.Map:
		keys := v.MapKeys()
		sort.Slice(keys, func(i, j int) bool { return fmt.Sprint(keys[i].Interface()) < fmt.Sprint(keys[j].Interface()) })
		encodeUvarint(buf, uint64(len(keys)))
		for _, k := range keys {
			if err := encodeValue(buf, k); err != nil {
				return err
			}
			if err := encodeValue(buf, v.MapIndex(k)); err != nil {
				return err
			}
		}
		return nil
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if f.PkgPath != "" { // unexported
				continue
			}
			if err := encodeValue(buf, v.Field(i)); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("bare: unsupported kind %s", v.Kind())
	}
}

func zigzag(n int64) uint64 {
	return uint64((n << 1) ^ (n >> 63))
}

func unzigzag(u uint64) int64 {
	return int64(u>>1) ^ -int64(u&1)
}

func decodeValue(r *bytes.Reader, v reflect.Value) error {
	if !v.CanSet() {
		return fmt.Errorf("bare: cannot set value of kind %s", v.Kind())
	}
	switch v.Kind() {
	case reflect.Ptr:
		tag, err := r.ReadByte()
		if err != nil {
			return err
		}
		if tag == 0 {
			v.Set(reflect.Zero(v.Type()))
			return nil
		}
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		return decodeValue(r, v.Elem())
	case reflect.Bool:
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		v.SetBool(b != 0)
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		u, err := decodeUvarint(r)
		if err != nil {
			return err
		}
		v.SetInt(unzigzag(u))
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := decodeUvarint(r)
		if err != nil {
			return err
		}
		v.SetUint(u)
		return nil
	case reflect.Float32, reflect.Float64:
		var bits [8]byte
		if _, err := r.Read(bits[:]); err != nil {
			return err
		}
		v.SetFloat(math.Float64frombits(binary.LittleEndian.Uint64(bits[:])))
		return nil
	case reflect.String:
		n, err := decodeUvarint(r)
		if err != nil {
			return err
		}
		b := make([]byte, n)
		if _, err := readFull(r, b); err != nil {
			return err
		}
		v.SetString(string(b))
		return nil
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			n, err := decodeUvarint(r)
			if err != nil {
				return err
			}
			b := make([]byte, n)
			if _, err := readFull(r, b); err != nil {
				return err
			}
			v.SetBytes(b)
			return nil
		}
		n, err := decodeUvarint(r)
		if err != nil {
			return err
		}
		out := reflect.MakeSlice(v.Type(), int(n), int(n))
		for i := 0; i < int(n); i++ {
			if err := decodeValue(r, out.Index(i)); err != nil {
				return err
			}
		}
		v.Set(out)
		return nil
	case reflect.Map:
		n, err := decodeUvarint(r)
		if err != nil {
			return err
		}
		out := reflect.MakeMapWithSize(v.Type(), int(n))
		for i := 0; i < int(n); i++ {
			kv := reflect.New(v.Type().Key()).Elem()
			if err := decodeValue(r, kv); err != nil {
				return err
			}
			vv := reflect.New(v.Type().Elem()).Elem()
			if err := decodeValue(r, vv); err != nil {
				return err
			}
			out.SetMapIndex(kv, vv)
		}
		v.Set(out)
		return nil
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if f.PkgPath != "" {
				continue
			}
			if err := decodeValue(r, v.Field(i)); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("bare: unsupported kind %s", v.Kind())
	}
}

func readFull(r *bytes.Reader, b []byte) (int, error) {
	n := 0
	for n < len(b) {
		m, err := r.Read(b[n:])
		n += m
		if err != nil {
			return n, err
		}
		if m == 0 {
			return n, fmt.Errorf("bare: short read")
		}
	}
	return n, nil
}
