package devclient

import (
	"encoding/binary"
	"fmt"
)

// IPbus protocol versions observable in a packet header.
type Version uint8

const (
	VersionUnknown Version = iota
	Version13
	Version20
)

func (v Version) String() string {
	switch v {
	case Version20:
		return "2.0"
	case Version13:
		return "1.3"
	}
	return "unknown"
}

// Packet types carried in the low nibble of the type byte.
type packetType uint8

const (
	control packetType = 0x0
	status  packetType = 0x1
	resend  packetType = 0x2
)

const (
	version20byte = uint8(0x20) // version nibble 2, reserved nibble 0
	boq           = uint8(0xf0) // byte order qualifier
	v13type       = uint8(0xf8)
)

// packetHeader is the decoded form of the 4-byte IPbus packet header.
// order is nil when the endianness could not be inferred; idset is
// false for v1.3 and unrecognised headers, which carry no packet id.
type packetHeader struct {
	version Version
	pid     uint16
	idset   bool
	ptype   packetType
	order   binary.ByteOrder
}

// parseHeader classifies the first four bytes of a packet. It never
// fails: headers it does not recognise come back with VersionUnknown
// so that the caller can pass the packet through untouched.
func parseHeader(data []byte) packetHeader {
	h := packetHeader{}
	if len(data) < 4 {
		return h
	}
	switch {
	case data[0] == version20byte && data[3]&boq == boq:
		h.version = Version20
		h.pid = uint16(data[1])<<8 | uint16(data[2])
		h.idset = true
		h.ptype = packetType(data[3] & 0x0f)
		h.order = binary.BigEndian
	case data[3] == version20byte && data[0]&boq == boq:
		h.version = Version20
		h.pid = uint16(data[2])<<8 | uint16(data[1])
		h.idset = true
		h.ptype = packetType(data[0] & 0x0f)
		h.order = binary.LittleEndian
	case data[0]&boq == 0x10 && data[3] == v13type:
		h.version = Version13
		h.order = binary.BigEndian
	case data[3]&boq == 0x10 && data[0] == v13type:
		h.version = Version13
		h.order = binary.LittleEndian
	}
	return h
}

// stampID writes id into the packet id field of req in place,
// preserving the endianness observed in its header. Only v2.0 requests
// are stamped; anything else passes through unmodified and the
// returned header reports what was seen.
func stampID(req []byte, id uint16) (packetHeader, error) {
	h := parseHeader(req)
	if h.version != Version20 {
		return h, nil
	}
	if id == 0 {
		return h, fmt.Errorf("packet id 0 is reserved")
	}
	if h.order == binary.BigEndian {
		req[1] = uint8(id >> 8)
		req[2] = uint8(id & 0x00ff)
	} else {
		req[2] = uint8(id >> 8)
		req[1] = uint8(id & 0x00ff)
	}
	h.pid = id
	return h, nil
}

// incrementID steps a v2 packet id, wrapping 0xffff to 1 since id 0
// is reserved.
func incrementID(id uint16) uint16 {
	if id == 0xffff {
		return 1
	}
	return id + 1
}

// decrementID steps a v2 packet id backwards, wrapping 1 to 0xffff.
func decrementID(id uint16) uint16 {
	if id <= 1 {
		return 0xffff
	}
	return id - 1
}
