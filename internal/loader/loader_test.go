//go:build linux || darwin || freebsd

package loader

import (
	"encoding/binary"
	"errors"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"udfhost/internal/errs"
	"udfhost/internal/types"
	"udfhost/internal/wire"
)

func TestWordForPrimitives(t *testing.T) {
	w, buf, err := wordFor(types.Int64Value(-7))
	require.NoError(t, err)
	assert.Nil(t, buf)
	assert.Equal(t, int64(-7), int64(w))

	w, buf, err = wordFor(types.Int32Value(-7))
	require.NoError(t, err)
	assert.Nil(t, buf)
	assert.Equal(t, int32(-7), int32(uint32(w)))
}

func TestWordForEncodedPointsIntoBuffer(t *testing.T) {
	w, buf, err := wordFor(types.TextValue("hello"))
	require.NoError(t, err)
	require.NotNil(t, buf)
	assert.Equal(t, uintptr(unsafe.Pointer(&buf[0])), w)

	// The word points at a well-formed packed buffer.
	got, err := wire.Decode(types.Text, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", got)
}

func TestWordForKindMismatch(t *testing.T) {
	_, _, err := wordFor(types.Value{Kind: types.Int64, V: "not an int"})
	require.Error(t, err)

	var re *errs.RuntimeError
	assert.True(t, errors.As(err, &re))
}

func TestReadPackedRoundTrip(t *testing.T) {
	packed, err := wire.Encode(types.Text, "round trip")
	require.NoError(t, err)

	out, err := readPacked(uintptr(unsafe.Pointer(&packed[0])))
	require.NoError(t, err)
	assert.Equal(t, packed, out)
}

func TestReadPackedNilPointerIsCorrupted(t *testing.T) {
	_, err := readPacked(0)
	require.Error(t, err)

	var re *errs.RuntimeError
	require.True(t, errors.As(err, &re))
	assert.True(t, re.Corrupted)
}

func TestReadPackedImplausibleLength(t *testing.T) {
	var prefix [wire.PrefixSize]byte
	binary.LittleEndian.PutUint64(prefix[:], uint64(maxPacked)+1)

	_, err := readPacked(uintptr(unsafe.Pointer(&prefix[0])))
	require.Error(t, err)

	var re *errs.RuntimeError
	require.True(t, errors.As(err, &re))
	assert.True(t, re.Corrupted)
}
