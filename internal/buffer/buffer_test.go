package buffer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBufferReadWrite(t *testing.T) {
	b := New(nil)
	require.Zero(t, b.Len())

	b.AppendByte(1)
	b.AppendUint16(0x0203)
	b.AppendUint32(0x04050607)
	b.AppendUint64(0x08090a0b0c0d0e0f)
	b.AppendString("hello")
	require.EqualValues(t, 1+2+4+8+5, b.Len())

	n, err := b.ReadByte()
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	n16, err := b.ReadUint16()
	require.NoError(t, err)
	require.EqualValues(t, 0x0203, n16)

	n32, err := b.ReadUint32()
	require.NoError(t, err)
	require.EqualValues(t, 0x04050607, n32)

	n64, err := b.ReadUint64()
	require.NoError(t, err)
	require.EqualValues(t, uint64(0x08090a0b0c0d0e0f), n64)

	require.Equal(t, "hello", string(b.Bytes()))
}

func TestBufferReadPastEnd(t *testing.T) {
	b := New([]byte{1, 2})

	_, err := b.ReadUint32()
	require.Error(t, err)

	// failed reads don't consume
	require.Equal(t, 2, b.Len())

	require.False(t, b.Skip(3))
	require.True(t, b.Skip(2))
	require.Zero(t, b.Len())

	_, err = b.ReadByte()
	require.Error(t, err)
}

func TestBufferNext(t *testing.T) {
	b := New([]byte{1, 2, 3, 4})

	buf, ok := b.Next(2)
	require.True(t, ok)
	require.Equal(t, []byte{1, 2}, buf)

	// asking for more than available returns the remainder and false
	buf, ok = b.Next(10)
	require.False(t, ok)
	require.Equal(t, []byte{3, 4}, buf)
	require.Zero(t, b.Len())
}

func TestBufferDetachReset(t *testing.T) {
	b := New(nil)
	b.Append([]byte("abcdef"))
	require.True(t, b.Skip(2))

	detached := b.Detach()
	require.Equal(t, "cdef", string(detached))
	require.Zero(t, b.Len())

	b.AppendString("xyz")
	require.Equal(t, 3, b.Len())
	b.Reset()
	require.Zero(t, b.Len())
}

func TestBufferReclaim(t *testing.T) {
	b := New(nil)
	b.AppendString("abcdef")
	require.True(t, b.Skip(4))

	b.Reclaim()
	require.Equal(t, 2, b.Len())
	require.Equal(t, 2, b.Size())
	require.Equal(t, "ef", string(b.Bytes()))
}

func TestBufferPeekByte(t *testing.T) {
	b := New([]byte{42})

	n, err := b.PeekByte()
	require.NoError(t, err)
	require.EqualValues(t, 42, n)
	require.Equal(t, 1, b.Len())

	require.True(t, b.Skip(1))
	_, err = b.PeekByte()
	require.Error(t, err)
}
