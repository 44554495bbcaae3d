package scan

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScannerReadLine(t *testing.T) {
	s := New([]byte("GET / HTTP/1.1\r\nHost: x\r\n"))

	line, err := s.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "GET / HTTP/1.1", string(line))
	require.Equal(t, 16, s.Offset())

	line, err = s.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "Host: x", string(line))
	require.Zero(t, s.Remaining())

	_, err = s.ReadLine()
	require.ErrorIs(t, err, ErrTruncated)
}

func TestScannerTruncatedLeavesCursor(t *testing.T) {
	s := New([]byte("partial line"))
	_, err := s.ReadLine()
	require.ErrorIs(t, err, ErrTruncated)
	require.Zero(t, s.Offset())

	_, err = s.ReadN(100)
	require.ErrorIs(t, err, ErrTruncated)
	require.Zero(t, s.Offset())

	require.ErrorIs(t, s.Advance(-1), ErrTruncated)
}

func TestScannerReadNAliasesInput(t *testing.T) {
	buf := []byte("abcdef")
	s := New(buf)
	b, err := s.ReadN(3)
	require.NoError(t, err)
	buf[0] = 'z'
	require.Equal(t, "zbc", string(b))

	c, err := s.Peek()
	require.NoError(t, err)
	require.Equal(t, byte('d'), c)
	require.Equal(t, "def", string(s.Rest()))
}

func TestScannerExpect(t *testing.T) {
	tests := []struct {
		in     string
		lit    string
		ok     bool
		trunc  bool
		offset int
	}{
		{"HTTP/1.1", "HTTP/", true, false, 5},
		{"HTT", "HTTP/", false, true, 0},
		{"FTP/1", "HTTP/", false, false, 0},
		{"", "\r\n", false, true, 0},
	}

	for _, tt := range tests {
		s := New([]byte(tt.in))
		ok, err := s.Expect([]byte(tt.lit))
		if tt.trunc {
			require.ErrorIs(t, err, ErrTruncated, tt.in)
		} else {
			require.NoError(t, err, tt.in)
		}
		require.Equal(t, tt.ok, ok, tt.in)
		require.Equal(t, tt.offset, s.Offset(), tt.in)
	}
}

func TestScannerIndexByteWithin(t *testing.T) {
	s := New([]byte("method target"))
	require.Equal(t, 6, s.IndexByteWithin(' ', 16))
	require.Equal(t, -1, s.IndexByteWithin(' ', 4))
	require.Equal(t, -1, s.IndexByteWithin('?', -1))
}
