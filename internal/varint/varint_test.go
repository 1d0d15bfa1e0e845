package varint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	values := []uint32{0, 0xFE, 0xFF, 0x100, 0xFFFE, 0xFFFF, 0x10000, 0xFFFFFFFF}
	for _, v := range values {
		encoded := Encode(nil, v)
		assert.Equal(t, Size(v), len(encoded))
		decoded, consumed, err := Decode(encoded)
		require.NoError(t, err)
		assert.Equal(t, len(encoded), consumed)
		assert.Equal(t, v, decoded)
	}
}

func TestEncodingForm(t *testing.T) {
	assert.Equal(t, []byte{0x05}, Encode(nil, 5))
	assert.Equal(t, []byte{0xFF, 0x01, 0x00}, Encode(nil, 0x100))
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0x00, 0x01, 0x00, 0x00}, Encode(nil, 0x10000))
}

func TestDecodeTruncated(t *testing.T) {
	_, _, err := Decode(nil)
	assert.ErrorIs(t, err, ErrTruncated)

	_, _, err = Decode([]byte{0xFF, 0x01})
	assert.ErrorIs(t, err, ErrTruncated)

	_, _, err = Decode([]byte{0xFF, 0xFF, 0xFF, 0x00, 0x00})
	assert.ErrorIs(t, err, ErrTruncated)
}
