package h264

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func aud() []byte   { return []byte{0x00, 0x00, 0x00, 0x01, 0x09, 0xf0} }
func sps() []byte   { return []byte{0x00, 0x00, 0x00, 0x01, 0x67, 0x42, 0x00, 0x1e} }
func slice() []byte { return []byte{0x00, 0x00, 0x01, 0x65, 0x88, 0x84, 0x21, 0xff} }

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, part := range parts {
		out = append(out, part...)
	}
	return out
}

func TestSplitAtAccessUnitDelimiters(t *testing.T) {
	ctx := context.Background()

	au1 := concat(aud(), sps(), slice())
	au2 := concat(aud(), slice())
	au3 := concat(aud(), slice())

	s, err := NewAccessUnitSource(ctx, bytes.NewReader(concat(au1, au2, au3)))
	require.NoError(t, err)

	for _, expected := range [][]byte{au1, au2, au3} {
		unit, err := s.NextUnit(ctx)
		require.NoError(t, err)
		require.Equal(t, expected, unit.Data)
		require.Empty(t, unit.CodecData)
	}

	_, err = s.NextUnit(ctx)
	require.ErrorIs(t, err, io.EOF)
}

func TestLeadingDataBeforeFirstDelimiter(t *testing.T) {
	ctx := context.Background()

	head := concat(sps(), slice())
	au2 := concat(aud(), slice())

	s, err := NewAccessUnitSource(ctx, bytes.NewReader(concat(head, au2)))
	require.NoError(t, err)

	unit, err := s.NextUnit(ctx)
	require.NoError(t, err)
	require.Equal(t, head, unit.Data)

	unit, err = s.NextUnit(ctx)
	require.NoError(t, err)
	require.Equal(t, au2, unit.Data)

	_, err = s.NextUnit(ctx)
	require.ErrorIs(t, err, io.EOF)
}

func TestEmptyInput(t *testing.T) {
	ctx := context.Background()

	s, err := NewAccessUnitSource(ctx, bytes.NewReader(nil))
	require.NoError(t, err)

	_, err = s.NextUnit(ctx)
	require.ErrorIs(t, err, io.EOF)
}

func TestThreeByteStartCodeDelimiter(t *testing.T) {
	ctx := context.Background()

	au1 := concat([]byte{0x00, 0x00, 0x01, 0x09, 0xf0}, slice())
	au2 := concat([]byte{0x00, 0x00, 0x01, 0x09, 0xf0}, slice())

	s, err := NewAccessUnitSource(ctx, bytes.NewReader(concat(au1, au2)))
	require.NoError(t, err)

	unit, err := s.NextUnit(ctx)
	require.NoError(t, err)
	require.Equal(t, au1, unit.Data)

	unit, err = s.NextUnit(ctx)
	require.NoError(t, err)
	require.Equal(t, au2, unit.Data)
}
