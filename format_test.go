package dstc

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFormat(t *testing.T) {
	t.Run("scalar, callback and dynamic tokens", func(t *testing.T) {
		f, err := ParseFormat("i&")
		require.NoError(t, err)
		want := []Field{
			{Kind: FieldScalar, Type: 'i', Count: 1},
			{Kind: FieldCallback, Count: 1},
		}
		if diff := cmp.Diff(want, f.Fields); diff != "" {
			t.Errorf("fields mismatch (-want +got):\n%s", diff)
		}
		assert.True(t, f.HasCallback())
		assert.Equal(t, "i&", f.String())
	})

	t.Run("repeat counts", func(t *testing.T) {
		f, err := ParseFormat("#4i32s")
		require.NoError(t, err)
		want := []Field{
			{Kind: FieldDynamic, Count: 1},
			{Kind: FieldScalar, Type: 'i', Count: 4},
			{Kind: FieldScalar, Type: 's', Count: 32},
		}
		if diff := cmp.Diff(want, f.Fields); diff != "" {
			t.Errorf("fields mismatch (-want +got):\n%s", diff)
		}
		assert.False(t, f.HasCallback())
	})

	t.Run("byte order marker is ignored", func(t *testing.T) {
		for _, marker := range []string{"@", "=", "<", ">", "!"} {
			f, err := ParseFormat(marker + "hH")
			require.NoError(t, err, marker)
			assert.Len(t, f.Fields, 2, marker)
		}
	})

	t.Run("every scalar type character", func(t *testing.T) {
		f, err := ParseFormat("cbB?hHiIlLqQfds")
		require.NoError(t, err)
		assert.Len(t, f.Fields, 15)
		widths := 0
		for _, field := range f.Fields {
			widths += field.Width()
		}
		assert.Equal(t, 1+1+1+1+2+2+4+4+4+4+8+8+4+8+1, widths)
	})

	t.Run("maximum repeat count", func(t *testing.T) {
		f, err := ParseFormat("65535B")
		require.NoError(t, err)
		assert.Equal(t, 65535, f.Fields[0].Count)
	})
}

func TestParseFormat_Malformed(t *testing.T) {
	cases := []struct {
		name   string
		format string
		pos    int
	}{
		{"empty string", "", 0},
		{"only a byte order marker", "<", 1},
		{"unknown character", "iz", 1},
		{"digits without type", "i12", 1},
		{"zero count", "0i", 0},
		{"count too large", "65536i", 0},
		{"count before marker", "3#", 1},
		{"whitespace", "i i", 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f, err := ParseFormat(tc.format)
			assert.Nil(t, f)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedFormat))

			var ferr *FormatError
			require.ErrorAs(t, err, &ferr)
			assert.Equal(t, tc.format, ferr.Format)
			assert.Equal(t, tc.pos, ferr.Pos)
		})
	}
}

func TestMustParseFormat(t *testing.T) {
	t.Run("returns the parsed format", func(t *testing.T) {
		f := MustParseFormat("q")
		assert.Equal(t, byte('q'), f.Fields[0].Type)
	})

	t.Run("panics on a malformed format", func(t *testing.T) {
		assert.Panics(t, func() { MustParseFormat("x") })
	})
}

func TestField_String(t *testing.T) {
	f := MustParseFormat("#&i3d")
	var got []string
	for _, field := range f.Fields {
		got = append(got, field.String())
	}
	assert.Equal(t, []string{"#", "&", "i", "3d"}, got)
	assert.Equal(t, "dynamic", FieldDynamic.String())
}
