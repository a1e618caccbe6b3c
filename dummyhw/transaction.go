package dummyhw

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Transaction types.
type typeID uint8

const (
	read        typeID = 0x0
	write       typeID = 0x1
	readnoninc  typeID = 0x2
	writenoninc typeID = 0x3
	rmwbits     typeID = 0x4
	rmwsum      typeID = 0x5
)

// Information codes.
type infoCode uint8

const (
	success      infoCode = 0x0
	badHeader    infoCode = 0x1
	busReadError infoCode = 0x4
	request      infoCode = 0xf
)

type transactionHeader struct {
	version uint8
	id      uint16 // 12 bits on the wire
	words   uint8
	tid     typeID
	code    infoCode
}

func (th *transactionHeader) decode(data []byte, order binary.ByteOrder) error {
	if len(data) < 4 {
		return errors.New("transaction header must be four bytes")
	}
	if order == binary.BigEndian {
		th.version = data[0] >> 4
		th.id = uint16(data[0]&0x0f)<<8 | uint16(data[1])
		th.words = data[2]
		th.tid = typeID(data[3] >> 4)
		th.code = infoCode(data[3] & 0x0f)
	} else {
		th.version = data[3] >> 4
		th.id = uint16(data[3]&0x0f)<<8 | uint16(data[2])
		th.words = data[1]
		th.tid = typeID(data[0] >> 4)
		th.code = infoCode(data[0] & 0x0f)
	}
	return nil
}

func (th transactionHeader) encode(data []byte, order binary.ByteOrder) {
	if order == binary.BigEndian {
		data[0] = th.version<<4 | uint8(th.id>>8)&0x0f
		data[1] = uint8(th.id & 0xff)
		data[2] = th.words
		data[3] = uint8(th.tid)<<4 | uint8(th.code)
	} else {
		data[3] = th.version<<4 | uint8(th.id>>8)&0x0f
		data[2] = uint8(th.id & 0xff)
		data[1] = th.words
		data[0] = uint8(th.tid)<<4 | uint8(th.code)
	}
}

// execute runs the transactions in body against the register space and
// returns the reply body. Register state is assumed locked by the
// caller. A transaction it cannot parse ends the reply with a bad
// header code.
func (h *Hardware) execute(body []byte, order binary.ByteOrder) []byte {
	reply := make([]byte, 0, len(body)+64)
	word := func(v uint32) {
		var b [4]byte
		order.PutUint32(b[:], v)
		reply = append(reply, b[:]...)
	}
	header := func(th transactionHeader, words uint8, code infoCode) {
		th.words = words
		th.code = code
		var b [4]byte
		th.encode(b[:], order)
		reply = append(reply, b[:]...)
	}
	for len(body) >= 4 {
		th := transactionHeader{}
		th.decode(body, order)
		body = body[4:]
		if th.code != request {
			header(th, 0, badHeader)
			break
		}
		switch th.tid {
		case read, readnoninc:
			if len(body) < 4 {
				header(th, 0, badHeader)
				return reply
			}
			addr := order.Uint32(body)
			body = body[4:]
			header(th, th.words, success)
			for i := uint8(0); i < th.words; i++ {
				word(h.regs[addr])
				if th.tid == read {
					addr++
				}
			}
		case write, writenoninc:
			need := 4 + 4*int(th.words)
			if len(body) < need {
				header(th, 0, badHeader)
				return reply
			}
			addr := order.Uint32(body)
			body = body[4:]
			for i := uint8(0); i < th.words; i++ {
				h.regs[addr] = order.Uint32(body)
				body = body[4:]
				if th.tid == write {
					addr++
				}
			}
			header(th, 0, success)
		case rmwbits:
			if len(body) < 12 {
				header(th, 0, badHeader)
				return reply
			}
			addr := order.Uint32(body)
			and := order.Uint32(body[4:])
			or := order.Uint32(body[8:])
			body = body[12:]
			prev := h.regs[addr]
			h.regs[addr] = (prev & and) | or
			header(th, 1, success)
			word(prev)
		case rmwsum:
			if len(body) < 8 {
				header(th, 0, badHeader)
				return reply
			}
			addr := order.Uint32(body)
			addend := order.Uint32(body[4:])
			body = body[8:]
			prev := h.regs[addr]
			h.regs[addr] = prev + addend
			header(th, 1, success)
			word(prev)
		default:
			header(th, 0, badHeader)
			return reply
		}
	}
	return reply
}

// ReadRequest builds a big-endian v2.0 control packet holding a single
// read transaction. The packet id is left zero for the device client
// to stamp.
func ReadRequest(addr uint32, words uint8) []byte {
	th := transactionHeader{version: 2, id: 0, words: words, tid: read, code: request}
	data := make([]byte, 12)
	data[0] = 0x20
	data[3] = 0xf0
	th.encode(data[4:], binary.BigEndian)
	binary.BigEndian.PutUint32(data[8:], addr)
	return data
}

// WriteRequest builds a big-endian v2.0 control packet holding a
// single write transaction.
func WriteRequest(addr uint32, vals []uint32) []byte {
	th := transactionHeader{version: 2, id: 0, words: uint8(len(vals)), tid: write, code: request}
	data := make([]byte, 12+4*len(vals))
	data[0] = 0x20
	data[3] = 0xf0
	th.encode(data[4:], binary.BigEndian)
	binary.BigEndian.PutUint32(data[8:], addr)
	for i, v := range vals {
		binary.BigEndian.PutUint32(data[12+4*i:], v)
	}
	return data
}
