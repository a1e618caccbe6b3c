package devclient

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusRequestForm(t *testing.T) {
	req := newStatusRequest()
	require.Len(t, req, 64)
	for i := 0; i < 64; i += 4 {
		assert.Equal(t, uint32(0x200000f1), binary.BigEndian.Uint32(req[i:]))
	}
}

func TestResendRequestForm(t *testing.T) {
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, newResendRequest())
}

func goodStatusReply(nbuffers uint32, nextid uint16) []byte {
	data := make([]byte, 16)
	binary.BigEndian.PutUint32(data[0:], 0x200000f1)
	binary.BigEndian.PutUint32(data[4:], 1500)
	binary.BigEndian.PutUint32(data[8:], nbuffers)
	data[12] = 0x20
	binary.BigEndian.PutUint16(data[13:], nextid)
	data[15] = 0xf0
	return data
}

func TestParseStatus(t *testing.T) {
	st, err := parseStatus(goodStatusReply(16, 0x1234))
	require.NoError(t, err)
	assert.Equal(t, uint32(16), st.nbuffers)
	assert.Equal(t, uint16(0x1234), st.nextid)

	// Trailing bytes are allowed.
	long := append(goodStatusReply(4, 7), make([]byte, 48)...)
	st, err = parseStatus(long)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), st.nbuffers)
	assert.Equal(t, uint16(7), st.nextid)
}

func TestParseStatusMalformed(t *testing.T) {
	cases := map[string][]byte{
		"short":       goodStatusReply(16, 1)[:12],
		"bad magic":   append([]byte{0x20, 0x00, 0x00, 0xf0}, goodStatusReply(16, 1)[4:]...),
		"bad framing": func() []byte { d := goodStatusReply(16, 1); d[12] = 0x00; return d }(),
		"bad trailer": func() []byte { d := goodStatusReply(16, 1); d[15] = 0x00; return d }(),
		"empty":       {},
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := parseStatus(data)
			assert.Error(t, err)
		})
	}
}
