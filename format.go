package dstc

import (
	"fmt"
	"strings"
)

// FieldKind tells the codec how a field is laid out on the wire.
type FieldKind uint8

const (
	FieldScalar   FieldKind = iota // fixed width, Count elements of Type
	FieldDynamic                   // uint16 length prefix, then raw bytes
	FieldCallback                  // uint64 callback identity
)

func (k FieldKind) String() string {
	switch k {
	case FieldScalar:
		return "scalar"
	case FieldDynamic:
		return "dynamic"
	case FieldCallback:
		return "callback"
	}
	return fmt.Sprintf("FieldKind(%d)", uint8(k))
}

const (
	dynamicMarker  = '#'
	callbackMarker = '&'

	// maxFieldCount bounds repeat counts so a single field always fits in a
	// packet payload length.
	maxFieldCount = 0xFFFF
)

// byteOrderMarkers are accepted as the first character and ignored. The wire
// is always little-endian.
const byteOrderMarkers = "@=<>!"

// scalarWidths maps each scalar type character to its wire width.
var scalarWidths = map[byte]int{
	'c': 1,
	'b': 1,
	'B': 1,
	'?': 1,
	'h': 2,
	'H': 2,
	'i': 4,
	'I': 4,
	'l': 4,
	'L': 4,
	'q': 8,
	'Q': 8,
	'f': 4,
	'd': 8,
	's': 1,
}

// Field is one parsed token of a format string.
type Field struct {
	Kind  FieldKind
	Type  byte // scalar type character, zero for dynamic and callback fields
	Count int  // repeat count, 1 for dynamic and callback fields
}

// Width returns the number of wire bytes the field occupies, not counting
// the data of a dynamic field.
func (f Field) Width() int {
	switch f.Kind {
	case FieldDynamic:
		return 2
	case FieldCallback:
		return 8
	}
	return scalarWidths[f.Type] * f.Count
}

func (f Field) String() string {
	switch f.Kind {
	case FieldDynamic:
		return string(dynamicMarker)
	case FieldCallback:
		return string(callbackMarker)
	}
	if f.Count == 1 {
		return string(f.Type)
	}
	return fmt.Sprintf("%d%c", f.Count, f.Type)
}

// Format is the parsed, immutable shape of one function's arguments.
type Format struct {
	source string
	Fields []Field
}

// String returns the format string the Format was parsed from.
func (f *Format) String() string {
	return f.source
}

// HasCallback reports whether any field carries a callback reference.
func (f *Format) HasCallback() bool {
	for _, field := range f.Fields {
		if field.Kind == FieldCallback {
			return true
		}
	}
	return false
}

// ParseFormat parses a format string such as "i&", "#4i" or "<32s#3i".
//
// Grammar, left to right without backtracking: an optional byte-order marker,
// then tokens '#' (dynamic), '&' (callback) or <digits>?<type> (scalar).
func ParseFormat(s string) (*Format, error) {
	malformed := func(pos int, reason string) error {
		return &FormatError{Format: s, Pos: pos, Reason: reason}
	}

	if s == "" {
		return nil, malformed(0, "empty format")
	}

	pos := 0
	if strings.IndexByte(byteOrderMarkers, s[0]) >= 0 {
		pos++
	}
	if pos == len(s) {
		return nil, malformed(pos, "no fields after byte-order marker")
	}

	format := &Format{source: s}
	for pos < len(s) {
		start := pos
		switch s[pos] {
		case dynamicMarker:
			format.Fields = append(format.Fields, Field{Kind: FieldDynamic, Count: 1})
			pos++
			continue
		case callbackMarker:
			format.Fields = append(format.Fields, Field{Kind: FieldCallback, Count: 1})
			pos++
			continue
		}

		count := 1
		if isDigit(s[pos]) {
			count = 0
			for pos < len(s) && isDigit(s[pos]) {
				count = count*10 + int(s[pos]-'0')
				if count > maxFieldCount {
					return nil, malformed(start, fmt.Sprintf("repeat count exceeds %d", maxFieldCount))
				}
				pos++
			}
			if pos == len(s) {
				return nil, malformed(start, "repeat count not followed by a type character")
			}
			if count == 0 {
				return nil, malformed(start, "repeat count must be at least 1")
			}
		}

		typ := s[pos]
		if _, ok := scalarWidths[typ]; !ok {
			return nil, malformed(pos, fmt.Sprintf("unknown type character %q", typ))
		}
		format.Fields = append(format.Fields, Field{Kind: FieldScalar, Type: typ, Count: count})
		pos++
	}

	return format, nil
}

// MustParseFormat is like ParseFormat but panics on error. It is meant for
// package-level variables holding constant formats.
func MustParseFormat(s string) *Format {
	f, err := ParseFormat(s)
	if err != nil {
		panic(err)
	}
	return f
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
