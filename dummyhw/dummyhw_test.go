package dummyhw

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransactionHeaderRoundTrip(t *testing.T) {
	for _, order := range []binary.ByteOrder{binary.BigEndian, binary.LittleEndian} {
		th := transactionHeader{version: 2, id: 0x5ab, words: 7, tid: write, code: request}
		var b [4]byte
		th.encode(b[:], order)
		got := transactionHeader{}
		require.NoError(t, got.decode(b[:], order))
		assert.Equal(t, th, got, "order %v", order)
	}
}

func testHardware() *Hardware {
	return &Hardware{regs: make(map[uint32]uint32), nextID: 1}
}

func TestExecuteReadWrite(t *testing.T) {
	h := testHardware()
	h.regs[0x100] = 0x11
	h.regs[0x101] = 0x22

	// Two-word incrementing read.
	reply := h.execute(ReadRequest(0x100, 2)[4:], binary.BigEndian)
	require.Len(t, reply, 12)
	th := transactionHeader{}
	require.NoError(t, th.decode(reply, binary.BigEndian))
	assert.Equal(t, success, th.code)
	assert.Equal(t, uint8(2), th.words)
	assert.Equal(t, uint32(0x11), binary.BigEndian.Uint32(reply[4:]))
	assert.Equal(t, uint32(0x22), binary.BigEndian.Uint32(reply[8:]))

	// Write then read back.
	reply = h.execute(WriteRequest(0x200, []uint32{0xabcd, 0xef01})[4:], binary.BigEndian)
	require.Len(t, reply, 4)
	require.NoError(t, th.decode(reply, binary.BigEndian))
	assert.Equal(t, success, th.code)
	assert.Equal(t, uint32(0xabcd), h.regs[0x200])
	assert.Equal(t, uint32(0xef01), h.regs[0x201])
}

func TestExecuteRMW(t *testing.T) {
	h := testHardware()
	h.regs[0x10] = 0xff00

	body := make([]byte, 16)
	th := transactionHeader{version: 2, words: 1, tid: rmwbits, code: request}
	th.encode(body, binary.BigEndian)
	binary.BigEndian.PutUint32(body[4:], 0x10)
	binary.BigEndian.PutUint32(body[8:], 0x0f00)  // and
	binary.BigEndian.PutUint32(body[12:], 0x0011) // or
	reply := h.execute(body, binary.BigEndian)
	require.Len(t, reply, 8)
	assert.Equal(t, uint32(0xff00), binary.BigEndian.Uint32(reply[4:]), "rmw returns the previous value")
	assert.Equal(t, uint32(0x0f11), h.regs[0x10])

	body = make([]byte, 12)
	th.tid = rmwsum
	th.encode(body, binary.BigEndian)
	binary.BigEndian.PutUint32(body[4:], 0x10)
	binary.BigEndian.PutUint32(body[8:], 3)
	reply = h.execute(body, binary.BigEndian)
	require.Len(t, reply, 8)
	assert.Equal(t, uint32(0x0f11), binary.BigEndian.Uint32(reply[4:]))
	assert.Equal(t, uint32(0x0f14), h.regs[0x10])
}

func TestExecuteTruncated(t *testing.T) {
	h := testHardware()
	body := ReadRequest(0x100, 1)[4:8] // header without the address word
	reply := h.execute(body, binary.BigEndian)
	require.Len(t, reply, 4)
	th := transactionHeader{}
	require.NoError(t, th.decode(reply, binary.BigEndian))
	assert.Equal(t, badHeader, th.code)
}

func TestStatusReplyOnWire(t *testing.T) {
	hw, err := NewAny(nil)
	require.NoError(t, err)
	hw.Start()
	defer hw.Stop()
	hw.SetNextID(0x42)

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()

	req := make([]byte, 64)
	for i := 0; i < 64; i += 4 {
		binary.BigEndian.PutUint32(req[i:], statusMagic)
	}
	_, err = conn.WriteToUDP(req, &net.UDPAddr{IP: hw.IP(), Port: hw.Port() + 1})
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 128)
	n, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, 16)
	assert.Equal(t, statusMagic, binary.BigEndian.Uint32(buf[0:4]))
	assert.Equal(t, byte(0x20), buf[12])
	assert.Equal(t, uint16(0x42), binary.BigEndian.Uint16(buf[13:15]))
	assert.Equal(t, byte(0xf0), buf[15])
}

func TestOutOfOrderIDDropped(t *testing.T) {
	hw, err := NewAny(nil)
	require.NoError(t, err)
	hw.Start()
	defer hw.Stop()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()

	req := ReadRequest(0x0, 1)
	req[1], req[2] = 0x00, 0x07 // target expects id 1
	_, err = conn.WriteToUDP(req, &net.UDPAddr{IP: hw.IP(), Port: hw.Port()})
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, 128)
	_, _, err = conn.ReadFromUDP(buf)
	assert.Error(t, err, "out-of-order packet must not be answered")
}
