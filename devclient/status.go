package devclient

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// Status channel wire forms. The request is sixteen repeated words so
// that targets behind links which eat short frames still see it; the
// reply leads with the same magic word.
const (
	statusMagic   = uint32(0x200000f1)
	statusReqLen  = 64
	statusRepLen  = 16
	resendRequest = uint32(0xdeadbeef)
)

func newStatusRequest() []byte {
	data := make([]byte, statusReqLen)
	for i := 0; i < statusReqLen; i += 4 {
		binary.BigEndian.PutUint32(data[i:], statusMagic)
	}
	return data
}

func newResendRequest() []byte {
	data := make([]byte, 4)
	binary.BigEndian.PutUint32(data, resendRequest)
	return data
}

// targetStatus is the slice of the status reply the recovery policy
// needs: how many reply buffers the target keeps and which packet id
// it expects next.
type targetStatus struct {
	nbuffers uint32
	nextid   uint16
}

// parseStatus checks the fixed layout of a status reply: the magic
// word, four ignored bytes, the buffer count, then the next expected
// id framed by the 0x20/0xf0 marker bytes. Trailing bytes are allowed.
func parseStatus(data []byte) (targetStatus, error) {
	st := targetStatus{}
	if len(data) < statusRepLen {
		return st, errors.Errorf("status reply too short: %d bytes", len(data))
	}
	if binary.BigEndian.Uint32(data[0:4]) != statusMagic {
		return st, errors.Errorf("bad status magic: 0x%x", data[0:4])
	}
	st.nbuffers = binary.BigEndian.Uint32(data[8:12])
	if data[12] != version20byte || data[15] != boq {
		return st, errors.Errorf("bad next id framing: 0x%x", data[12:16])
	}
	st.nextid = binary.BigEndian.Uint16(data[13:15])
	return st, nil
}

// Status is a target's status-port report.
type Status struct {
	// NrBuffers is the depth of the target's reply history.
	NrBuffers uint32
	// NextID is the packet id the target expects next.
	NextID uint16
}

// Probe queries the status port of ip:port from a throwaway socket,
// outside any device client. Useful for diagnostics; device clients
// run their own probes on their own socket.
func Probe(ip net.IP, port uint16, cfg Config) (Status, error) {
	cfg = cfg.withDefaults()
	ip4 := ip.To4()
	if ip4 == nil {
		return Status{}, errors.Errorf("probe: %v is not an IPv4 address", ip)
	}
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return Status{}, errors.Wrap(err, "probe: opening socket")
	}
	defer conn.Close()
	dst := &net.UDPAddr{IP: ip4, Port: int(port) + 1}
	req := newStatusRequest()
	buf := make([]byte, readBufferSize)
	for attempt := 0; attempt < cfg.StatusAttempts; attempt++ {
		if _, err := conn.WriteToUDP(req, dst); err != nil {
			return Status{}, errors.Wrapf(err, "probe %v:%d", ip4, port)
		}
		conn.SetReadDeadline(time.Now().Add(cfg.Timeout))
		for {
			n, raddr, err := conn.ReadFromUDP(buf)
			if err != nil {
				break
			}
			if !fromPort(raddr, dst) {
				continue
			}
			st, err := parseStatus(buf[:n])
			if err != nil {
				return Status{}, errors.Wrapf(ErrMalformedStatus, "probe %v:%d: %v", ip4, port, err)
			}
			return Status{NrBuffers: st.nbuffers, NextID: st.nextid}, nil
		}
	}
	return Status{}, errors.Wrapf(ErrStatusTimeout, "probe %v:%d", ip4, port)
}

// probeStatus queries the target's status port synchronously. It
// retransmits the query up to the configured attempt budget, waiting
// Timeout for each reply, and fails with ErrStatusTimeout once the
// budget is spent. A reply of the wrong shape fails immediately with
// ErrMalformedStatus.
//
// The prober runs inside the actor and drains the shared datagram
// channel; anything not from the status port is dropped while it runs.
func (c *Client) probeStatus() (targetStatus, error) {
	req := newStatusRequest()
	for attempt := 0; attempt < c.cfg.StatusAttempts; attempt++ {
		if _, err := c.conn.WriteToUDP(req, c.statusAddr); err != nil {
			level.Error(c.logger).Log("op", "probeStatus", "error", err, "msg", "failed to send status request")
			return targetStatus{}, ErrStatusTimeout
		}
		c.stats.sent(c.target, "status")
		timer := time.NewTimer(c.cfg.Timeout)
	wait:
		for {
			select {
			case dg, ok := <-c.datagrams:
				if !ok {
					timer.Stop()
					return targetStatus{}, ErrStatusTimeout
				}
				c.stats.received(c.target)
				if !fromPort(dg.raddr, c.statusAddr) {
					level.Debug(c.logger).Log("op", "probeStatus", "from", dg.raddr, "msg", "dropping non-status datagram during probe")
					continue
				}
				timer.Stop()
				st, err := parseStatus(dg.data)
				if err != nil {
					level.Warn(c.logger).Log("op", "probeStatus", "error", err)
					return targetStatus{}, ErrMalformedStatus
				}
				return st, nil
			case <-timer.C:
				break wait
			}
		}
	}
	level.Warn(c.logger).Log("op", "probeStatus", "attempts", c.cfg.StatusAttempts, "msg", "status port unresponsive")
	return targetStatus{}, ErrStatusTimeout
}
