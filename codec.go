package dstc

import (
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
)

// maxDynamicLen is the largest blob a dynamic field can carry.
const maxDynamicLen = math.MaxUint16

// Encode packs args according to f. Formats containing callback fields need
// a registry to mint identities; use (*Registry).Encode for those.
func Encode(f *Format, args ...any) ([]byte, error) {
	payload, _, err := encodeArgs(f, args, nil)
	return payload, err
}

// Decode unpacks payload according to f without a registry. Callback fields
// decode to handles that are not bound to any transport.
func Decode(f *Format, payload []byte) ([]any, error) {
	return decodeArgs(f, payload, func(ref uint64) *RemoteCallback {
		return &RemoteCallback{ref: ref}
	})
}

// encodeArgs walks the format, consuming one argument per field. It returns
// the identities minted for callback fields so the caller can cancel them if
// the payload never reaches the transport. On error every identity minted
// during this call has already been cancelled.
func encodeArgs(f *Format, args []any, callbacks *CallbackRegistry) ([]byte, []uint64, error) {
	if len(args) != len(f.Fields) {
		return nil, nil, fmt.Errorf("%w: format %q has %d fields, got %d arguments",
			ErrArityMismatch, f.source, len(f.Fields), len(args))
	}

	size := 0
	for _, field := range f.Fields {
		size += field.Width()
	}
	buf := make([]byte, 0, size)

	var minted []uint64
	fail := func(index int, field Field, err error) ([]byte, []uint64, error) {
		for _, ref := range minted {
			callbacks.Cancel(ref)
		}
		return nil, nil, &FieldError{Index: index, Field: field, Err: err}
	}

	for i, field := range f.Fields {
		arg := args[i]
		var err error
		switch field.Kind {
		case FieldScalar:
			buf, err = appendScalarField(buf, field, arg)
		case FieldDynamic:
			buf, err = appendDynamic(buf, arg)
		case FieldCallback:
			var ref uint64
			ref, err = mintCallback(callbacks, arg)
			if err == nil {
				minted = append(minted, ref)
				buf = binary.LittleEndian.AppendUint64(buf, ref)
			}
		}
		if err != nil {
			return fail(i, field, err)
		}
	}

	return buf, minted, nil
}

func mintCallback(callbacks *CallbackRegistry, arg any) (uint64, error) {
	if callbacks == nil {
		return 0, fmt.Errorf("%w: callback fields need a registry", ErrEncode)
	}

	var cb Callback
	switch v := arg.(type) {
	case Callback:
		cb = v
	case *Callback:
		if v == nil {
			return 0, fmt.Errorf("%w: nil callback", ErrEncode)
		}
		cb = *v
	default:
		return 0, fmt.Errorf("%w: expected Callback, got %T", ErrEncode, arg)
	}
	if cb.Func == nil {
		return 0, fmt.Errorf("%w: callback has no function", ErrEncode)
	}

	format, err := ParseFormat(cb.Format)
	if err != nil {
		return 0, err
	}

	ref, err := callbacks.mint()
	if err != nil {
		return 0, err
	}
	if err := callbacks.Register(ref, format, cb.Func); err != nil {
		return 0, err
	}
	return ref, nil
}

func appendDynamic(buf []byte, arg any) ([]byte, error) {
	var data []byte
	switch v := arg.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return nil, fmt.Errorf("%w: dynamic field expects []byte or string, got %T", ErrEncode, arg)
	}
	if len(data) > maxDynamicLen {
		return nil, fmt.Errorf("%w: dynamic data is %d bytes, limit is %d", ErrEncode, len(data), maxDynamicLen)
	}
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(data)))
	return append(buf, data...), nil
}

func appendScalarField(buf []byte, field Field, arg any) ([]byte, error) {
	if field.Type == 's' {
		return appendFixedString(buf, field.Count, arg)
	}
	if field.Count == 1 {
		return appendScalar(buf, field.Type, reflect.ValueOf(arg))
	}

	// 'c' repeated takes a byte string as well as a slice
	if field.Type == 'c' {
		if s, ok := arg.(string); ok {
			arg = []byte(s)
		}
	}

	v := reflect.ValueOf(arg)
	if v.Kind() != reflect.Slice && v.Kind() != reflect.Array {
		return nil, fmt.Errorf("%w: %d%c expects a sequence, got %T", ErrEncode, field.Count, field.Type, arg)
	}
	if v.Len() != field.Count {
		return nil, fmt.Errorf("%w: %d%c expects %d elements, got %d",
			ErrEncode, field.Count, field.Type, field.Count, v.Len())
	}
	var err error
	for i := 0; i < v.Len(); i++ {
		if buf, err = appendScalar(buf, field.Type, v.Index(i)); err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
	}
	return buf, nil
}

func appendFixedString(buf []byte, size int, arg any) ([]byte, error) {
	var data []byte
	switch v := arg.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return nil, fmt.Errorf("%w: %ds expects []byte or string, got %T", ErrEncode, size, arg)
	}
	if len(data) > size {
		return nil, fmt.Errorf("%w: %d bytes do not fit in %ds", ErrEncode, len(data), size)
	}
	buf = append(buf, data...)
	for i := len(data); i < size; i++ {
		buf = append(buf, 0)
	}
	return buf, nil
}

func appendScalar(buf []byte, typ byte, v reflect.Value) ([]byte, error) {
	// Elements of []any arrive wrapped in an interface
	if v.Kind() == reflect.Interface && !v.IsNil() {
		v = v.Elem()
	}
	if !v.IsValid() {
		return nil, fmt.Errorf("%w: nil value for %c", ErrEncode, typ)
	}

	switch typ {
	case 'c':
		if v.Kind() == reflect.String {
			if v.Len() != 1 {
				return nil, fmt.Errorf("%w: c expects a single byte, got %d-byte string", ErrEncode, v.Len())
			}
			return append(buf, v.String()[0]), nil
		}
		n, err := toUnsigned(v, math.MaxUint8)
		if err != nil {
			return nil, err
		}
		return append(buf, byte(n)), nil
	case '?':
		if v.Kind() != reflect.Bool {
			return nil, fmt.Errorf("%w: ? expects bool, got %s", ErrEncode, v.Type())
		}
		if v.Bool() {
			return append(buf, 1), nil
		}
		return append(buf, 0), nil
	case 'b':
		n, err := toSigned(v, math.MinInt8, math.MaxInt8)
		if err != nil {
			return nil, err
		}
		return append(buf, byte(int8(n))), nil
	case 'B':
		n, err := toUnsigned(v, math.MaxUint8)
		if err != nil {
			return nil, err
		}
		return append(buf, byte(n)), nil
	case 'h':
		n, err := toSigned(v, math.MinInt16, math.MaxInt16)
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.AppendUint16(buf, uint16(int16(n))), nil
	case 'H':
		n, err := toUnsigned(v, math.MaxUint16)
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.AppendUint16(buf, uint16(n)), nil
	case 'i', 'l':
		n, err := toSigned(v, math.MinInt32, math.MaxInt32)
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.AppendUint32(buf, uint32(int32(n))), nil
	case 'I', 'L':
		n, err := toUnsigned(v, math.MaxUint32)
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.AppendUint32(buf, uint32(n)), nil
	case 'q':
		n, err := toSigned(v, math.MinInt64, math.MaxInt64)
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.AppendUint64(buf, uint64(n)), nil
	case 'Q':
		n, err := toUnsigned(v, math.MaxUint64)
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.AppendUint64(buf, n), nil
	case 'f':
		x, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		if !math.IsInf(x, 0) && !math.IsNaN(x) && math.Abs(x) > math.MaxFloat32 {
			return nil, fmt.Errorf("%w: %v overflows float32", ErrEncode, x)
		}
		return binary.LittleEndian.AppendUint32(buf, math.Float32bits(float32(x))), nil
	case 'd':
		x, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.AppendUint64(buf, math.Float64bits(x)), nil
	}
	return nil, fmt.Errorf("%w: unsupported type character %q", ErrEncode, typ)
}

func toSigned(v reflect.Value, lo, hi int64) (int64, error) {
	var n int64
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n = v.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := v.Uint()
		if u > math.MaxInt64 {
			return 0, fmt.Errorf("%w: %d out of range [%d, %d]", ErrEncode, u, lo, hi)
		}
		n = int64(u)
	default:
		return 0, fmt.Errorf("%w: expected integer, got %s", ErrEncode, v.Type())
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("%w: %d out of range [%d, %d]", ErrEncode, n, lo, hi)
	}
	return n, nil
}

func toUnsigned(v reflect.Value, hi uint64) (uint64, error) {
	var n uint64
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i := v.Int()
		if i < 0 {
			return 0, fmt.Errorf("%w: %d out of range [0, %d]", ErrEncode, i, hi)
		}
		n = uint64(i)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		n = v.Uint()
	default:
		return 0, fmt.Errorf("%w: expected integer, got %s", ErrEncode, v.Type())
	}
	if n > hi {
		return 0, fmt.Errorf("%w: %d out of range [0, %d]", ErrEncode, n, hi)
	}
	return n, nil
}

func toFloat(v reflect.Value) (float64, error) {
	switch v.Kind() {
	case reflect.Float32, reflect.Float64:
		return v.Float(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return float64(v.Uint()), nil
	}
	return 0, fmt.Errorf("%w: expected number, got %s", ErrEncode, v.Type())
}

// decodeArgs mirrors encodeArgs. bind turns a wire callback identity into the
// handle handed to the server function.
func decodeArgs(f *Format, payload []byte, bind func(ref uint64) *RemoteCallback) ([]any, error) {
	args := make([]any, 0, len(f.Fields))
	off := 0

	truncated := func(index int, want int) error {
		return &DecodeError{
			Offset: off,
			Field:  index,
			Err:    fmt.Errorf("%w: need %d bytes, have %d", ErrTruncatedPayload, want, len(payload)-off),
		}
	}

	for i, field := range f.Fields {
		switch field.Kind {
		case FieldScalar:
			width := field.Width()
			if len(payload)-off < width {
				return nil, truncated(i, width)
			}
			args = append(args, decodeScalarField(field, payload[off:off+width]))
			off += width
		case FieldDynamic:
			if len(payload)-off < 2 {
				return nil, truncated(i, 2)
			}
			n := int(binary.LittleEndian.Uint16(payload[off:]))
			if len(payload)-off-2 < n {
				return nil, truncated(i, 2+n)
			}
			data := make([]byte, n)
			copy(data, payload[off+2:off+2+n])
			args = append(args, data)
			off += 2 + n
		case FieldCallback:
			if len(payload)-off < 8 {
				return nil, truncated(i, 8)
			}
			args = append(args, bind(binary.LittleEndian.Uint64(payload[off:])))
			off += 8
		}
	}

	if off != len(payload) {
		return nil, &DecodeError{
			Offset: off,
			Field:  -1,
			Err:    fmt.Errorf("%w: %d bytes left over", ErrTrailingBytes, len(payload)-off),
		}
	}
	return args, nil
}

// decodeScalarField returns a single value for Count == 1 and a typed slice
// otherwise. 's' always yields one []byte of exactly Count bytes.
func decodeScalarField(field Field, data []byte) any {
	if field.Type == 's' || (field.Type == 'c' && field.Count > 1) {
		out := make([]byte, len(data))
		copy(out, data)
		return out
	}
	if field.Count == 1 {
		return decodeScalar(field.Type, data)
	}

	switch field.Type {
	case 'b':
		return decodeSlice(data, field.Count, 1, func(b []byte) int8 { return int8(b[0]) })
	case 'B':
		return decodeSlice(data, field.Count, 1, func(b []byte) uint8 { return b[0] })
	case '?':
		return decodeSlice(data, field.Count, 1, func(b []byte) bool { return b[0] != 0 })
	case 'h':
		return decodeSlice(data, field.Count, 2, func(b []byte) int16 { return int16(binary.LittleEndian.Uint16(b)) })
	case 'H':
		return decodeSlice(data, field.Count, 2, binary.LittleEndian.Uint16)
	case 'i', 'l':
		return decodeSlice(data, field.Count, 4, func(b []byte) int32 { return int32(binary.LittleEndian.Uint32(b)) })
	case 'I', 'L':
		return decodeSlice(data, field.Count, 4, binary.LittleEndian.Uint32)
	case 'q':
		return decodeSlice(data, field.Count, 8, func(b []byte) int64 { return int64(binary.LittleEndian.Uint64(b)) })
	case 'Q':
		return decodeSlice(data, field.Count, 8, binary.LittleEndian.Uint64)
	case 'f':
		return decodeSlice(data, field.Count, 4, func(b []byte) float32 {
			return math.Float32frombits(binary.LittleEndian.Uint32(b))
		})
	case 'd':
		return decodeSlice(data, field.Count, 8, func(b []byte) float64 {
			return math.Float64frombits(binary.LittleEndian.Uint64(b))
		})
	}
	return nil
}

func decodeSlice[T any](data []byte, count, width int, conv func([]byte) T) []T {
	out := make([]T, count)
	for i := range out {
		out[i] = conv(data[i*width : (i+1)*width])
	}
	return out
}

func decodeScalar(typ byte, b []byte) any {
	switch typ {
	case 'c', 'B':
		return b[0]
	case 'b':
		return int8(b[0])
	case '?':
		return b[0] != 0
	case 'h':
		return int16(binary.LittleEndian.Uint16(b))
	case 'H':
		return binary.LittleEndian.Uint16(b)
	case 'i', 'l':
		return int32(binary.LittleEndian.Uint32(b))
	case 'I', 'L':
		return binary.LittleEndian.Uint32(b)
	case 'q':
		return int64(binary.LittleEndian.Uint64(b))
	case 'Q':
		return binary.LittleEndian.Uint64(b)
	case 'f':
		return math.Float32frombits(binary.LittleEndian.Uint32(b))
	case 'd':
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	}
	return nil
}
