// Package dummyhw runs an in-process IPbus 2.0 dummy target for tests
// and benches. It serves the control, status and resend ports of a
// real register-access board, keeps a 32-bit register space, and can
// drop traffic on demand so that loss recovery is exercisable without
// real hardware.
package dummyhw

import (
	"encoding/binary"
	"net"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const (
	statusMagic   = uint32(0x200000f1)
	resendRequest = uint32(0xdeadbeef)

	defaultBuffers = 16
)

// Hardware is one dummy target. The base port carries control
// traffic; status and resend listen on the two ports above it.
type Hardware struct {
	logger  log.Logger
	port    int
	control *net.UDPConn
	status  *net.UDPConn
	resend  *net.UDPConn

	mu           sync.Mutex
	regs         map[uint32]uint32
	nextID       uint16
	nbuffers     uint32
	lastReply    []byte
	lastRaddr    *net.UDPAddr
	dropRequests int
	dropReplies  int
	muteStatus   int
}

// New binds the three target ports at base port. Serving starts with
// Run.
func New(port int, logger log.Logger) (*Hardware, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	h := &Hardware{
		logger:   log.With(logger, "dummyhw", port),
		port:     port,
		regs:     make(map[uint32]uint32),
		nextID:   1,
		nbuffers: defaultBuffers,
	}
	conns := make([]*net.UDPConn, 3)
	for i := range conns {
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port + i})
		if err != nil {
			for _, c := range conns[:i] {
				c.Close()
			}
			return nil, errors.Wrapf(err, "dummy hardware: binding port %d", port+i)
		}
		conns[i] = conn
	}
	h.control, h.status, h.resend = conns[0], conns[1], conns[2]
	return h, nil
}

// NewAny picks a free base port with two free ports above it. Used by
// tests which cannot claim a fixed port.
func NewAny(logger log.Logger) (*Hardware, error) {
	for attempt := 0; attempt < 16; attempt++ {
		probe, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
		if err != nil {
			return nil, err
		}
		port := probe.LocalAddr().(*net.UDPAddr).Port
		probe.Close()
		if port+2 > 0xffff {
			continue
		}
		h, err := New(port, logger)
		if err == nil {
			return h, nil
		}
	}
	return nil, errors.New("dummy hardware: no free port triple found")
}

// Port returns the control port.
func (h *Hardware) Port() int { return h.port }

// IP returns the loopback address the target is bound to.
func (h *Hardware) IP() net.IP { return net.IPv4(127, 0, 0, 1) }

// Run serves all three ports until Stop closes them.
func (h *Hardware) Run() error {
	var g errgroup.Group
	g.Go(h.serveControl)
	g.Go(h.serveStatus)
	g.Go(h.serveResend)
	return g.Wait()
}

// Start serves in the background.
func (h *Hardware) Start() {
	go func() {
		if err := h.Run(); err != nil {
			level.Error(h.logger).Log("op", "run", "error", err)
		}
	}()
}

// Stop closes the target's sockets; Run returns afterwards.
func (h *Hardware) Stop() {
	h.control.Close()
	h.status.Close()
	h.resend.Close()
}

// Poke sets a register directly, bypassing the wire.
func (h *Hardware) Poke(addr, val uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.regs[addr] = val
}

// Peek reads a register directly, bypassing the wire.
func (h *Hardware) Peek(addr uint32) uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.regs[addr]
}

// SetNextID forces the packet id the target expects next.
func (h *Hardware) SetNextID(id uint16) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID = id
}

// DropRequests makes the target silently discard the next n control
// requests, as if they were lost on the wire.
func (h *Hardware) DropRequests(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropRequests = n
}

// DropReplies makes the target process the next n control requests but
// discard the replies instead of sending them.
func (h *Hardware) DropReplies(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropReplies = n
}

// MuteStatus makes the target ignore the next n status queries.
func (h *Hardware) MuteStatus(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.muteStatus = n
}

func (h *Hardware) serveControl() error {
	buf := make([]byte, 1500)
	for {
		n, raddr, err := h.control.ReadFromUDP(buf)
		if err != nil {
			return nil
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		h.handleControl(data, raddr)
	}
}

func (h *Hardware) handleControl(data []byte, raddr *net.UDPAddr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dropRequests > 0 {
		h.dropRequests--
		level.Debug(h.logger).Log("op", "control", "msg", "dropping request")
		return
	}
	if len(data) < 4 {
		return
	}
	var order binary.ByteOrder
	var pid uint16
	switch {
	case data[0] == 0x20 && data[3]&0xf0 == 0xf0:
		order = binary.BigEndian
		pid = uint16(data[1])<<8 | uint16(data[2])
	case data[3] == 0x20 && data[0]&0xf0 == 0xf0:
		order = binary.LittleEndian
		pid = uint16(data[2])<<8 | uint16(data[1])
	default:
		level.Debug(h.logger).Log("op", "control", "msg", "ignoring non-2.0 packet")
		return
	}
	// Out-of-order ids are dropped like real hardware would; id 0
	// marks non-reliable traffic and is answered without advancing.
	if pid != 0 && pid != h.nextID {
		level.Debug(h.logger).Log("op", "control", "id", pid, "expected", h.nextID, "msg", "dropping out-of-order packet")
		return
	}
	reply := make([]byte, 4, 1500)
	copy(reply, data[:4])
	reply = append(reply, h.execute(data[4:], order)...)
	if pid != 0 {
		if h.nextID == 0xffff {
			h.nextID = 1
		} else {
			h.nextID++
		}
	}
	h.lastReply = reply
	h.lastRaddr = raddr
	if h.dropReplies > 0 {
		h.dropReplies--
		level.Debug(h.logger).Log("op", "control", "id", pid, "msg", "dropping reply")
		return
	}
	h.control.WriteToUDP(reply, raddr)
}

func (h *Hardware) serveStatus() error {
	buf := make([]byte, 1500)
	for {
		n, raddr, err := h.status.ReadFromUDP(buf)
		if err != nil {
			return nil
		}
		if n < 4 || binary.BigEndian.Uint32(buf[:4]) != statusMagic {
			level.Debug(h.logger).Log("op", "status", "msg", "ignoring malformed status request")
			continue
		}
		h.mu.Lock()
		if h.muteStatus > 0 {
			h.muteStatus--
			h.mu.Unlock()
			level.Debug(h.logger).Log("op", "status", "msg", "muting status request")
			continue
		}
		reply := make([]byte, 16)
		binary.BigEndian.PutUint32(reply[0:], statusMagic)
		binary.BigEndian.PutUint32(reply[4:], 1500)
		binary.BigEndian.PutUint32(reply[8:], h.nbuffers)
		reply[12] = 0x20
		binary.BigEndian.PutUint16(reply[13:], h.nextID)
		reply[15] = 0xf0
		h.mu.Unlock()
		h.status.WriteToUDP(reply, raddr)
	}
}

func (h *Hardware) serveResend() error {
	buf := make([]byte, 64)
	for {
		n, _, err := h.resend.ReadFromUDP(buf)
		if err != nil {
			return nil
		}
		if n < 4 || binary.BigEndian.Uint32(buf[:4]) != resendRequest {
			level.Debug(h.logger).Log("op", "resend", "msg", "ignoring malformed resend request")
			continue
		}
		h.mu.Lock()
		reply, raddr := h.lastReply, h.lastRaddr
		h.mu.Unlock()
		if reply == nil {
			level.Debug(h.logger).Log("op", "resend", "msg", "no reply in history")
			continue
		}
		// Retransmissions originate from the control port, like the
		// original reply did.
		h.control.WriteToUDP(reply, raddr)
	}
}
