package ranged

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRange(t *testing.T) {
	cases := []struct {
		header string
		size   int64
		want   Window
	}{
		{header: "bytes=3-7", size: 10, want: Window{Start: 3, End: 8}},
		{header: "bytes=-4", size: 10, want: Window{Start: 6, End: 10}},
		{header: "bytes=5-", size: 10, want: Window{Start: 5, End: 10}},
		{header: " Bytes=0-99 ", size: 10, want: Window{Start: 0, End: 10}},
	}
	for _, tc := range cases {
		got, err := ParseRange(tc.header, tc.size)
		require.NoError(t, err, tc.header)
		assert.Equal(t, tc.want, got, tc.header)
	}
}

func TestParseRangeRejectsOtherForms(t *testing.T) {
	for _, header := range []string{"", "items=0-1", "bytes=-", "bytes=0-1,4-5", "bytes=a-b", "bytes=7-3"} {
		_, err := ParseRange(header, 10)
		assert.ErrorIs(t, err, ErrMalformedRange, header)
	}
}

func TestParseRangeUnsatisfiable(t *testing.T) {
	for _, header := range []string{"bytes=-11", "bytes=10-", "bytes=12-20"} {
		_, err := ParseRange(header, 10)
		assert.ErrorIs(t, err, ErrUnsatisfiable, header)
	}
}
