package cowdb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBitfield48RoundTrip(t *testing.T) {
	cases := []uint64{0, 1, 255, 1 << 20, (1 << 48) - 1}
	for _, v := range cases {
		buf := make([]byte, 6)
		put48(buf, v)
		require.Equal(t, v, get48(buf))
	}
}

func TestBitfield16And32RoundTrip(t *testing.T) {
	buf16 := make([]byte, 2)
	put16(buf16, 0xBEEF)
	require.Equal(t, uint16(0xBEEF), get16(buf16))

	buf32 := make([]byte, 4)
	put32(buf32, 0xDEADBEEF)
	require.Equal(t, uint32(0xDEADBEEF), get32(buf32))
}

func TestBitfieldKVLenRoundTrip(t *testing.T) {
	cases := []struct{ klen, vlen uint32 }{
		{0, 0},
		{1, 1},
		{4095, (1 << 28) - 1},
		{100, 200},
	}
	for _, c := range cases {
		buf := make([]byte, 5)
		putKVLen(buf, c.klen, c.vlen)
		klen, vlen := getKVLen(buf)
		require.Equal(t, c.klen, klen)
		require.Equal(t, c.vlen, vlen)
	}
}
