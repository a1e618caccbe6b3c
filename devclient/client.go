// Package devclient implements the ControlHub device client: the
// per-target agent which mediates all IPbus 2.0 UDP traffic between
// software clients and one register-access board. Each client owns a
// single socket, services requests one at a time in arrival order,
// stamps outgoing packet ids, and recovers lost datagrams through the
// target's status and resend ports.
package devclient

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

type request struct {
	data []byte
	resp chan<- Response
}

type datagram struct {
	data  []byte
	raddr *net.UDPAddr
}

// inFlight is the single outstanding exchange. origHeader keeps the
// four header bytes the requester submitted, so the reply can be
// returned with the caller's header rather than the stamped one.
type inFlight struct {
	origHeader [4]byte
	packet     []byte
	sentID     uint16
	sent       time.Time
	retries    int
	resp       chan<- Response
	v2         bool
}

// Client is the device client actor for one (IPv4, UDP port) target.
// All session state is owned by the run goroutine; the exported
// methods only post events to its mailbox.
type Client struct {
	addr   uint32
	port   uint16
	target string

	conn        *net.UDPConn
	controlAddr *net.UDPAddr
	statusAddr  *net.UDPAddr
	resendAddr  *net.UDPAddr

	cfg    Config
	logger log.Logger
	stats  *metrics

	requests  chan request
	datagrams chan datagram
	stop      chan struct{}

	// Actor state below, touched only inside run().
	version Version
	nextID  uint16
	idKnown bool
	queue   []request
	flight  *inFlight
	timer   *time.Timer
}

// New starts a device client for the target at ip:port. The client
// binds an ephemeral UDP socket and fails fast if it cannot; it then
// lives until Stop or process exit.
func New(ip net.IP, port uint16, cfg Config, logger log.Logger) (*Client, error) {
	ip4 := ip.To4()
	if ip4 == nil {
		return nil, errors.Errorf("device client: %v is not an IPv4 address", ip)
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	target := fmt.Sprintf("%v:%d", ip4, port)
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return nil, errors.Wrapf(err, "device client %s: opening socket", target)
	}
	c := &Client{
		addr:        binary.BigEndian.Uint32(ip4),
		port:        port,
		target:      target,
		conn:        conn,
		controlAddr: &net.UDPAddr{IP: ip4, Port: int(port)},
		statusAddr:  &net.UDPAddr{IP: ip4, Port: int(port) + 1},
		resendAddr:  &net.UDPAddr{IP: ip4, Port: int(port) + 2},
		cfg:         cfg.withDefaults(),
		logger:      log.With(logger, "target", target),
		stats:       stats,
		requests:    make(chan request, 64),
		datagrams:   make(chan datagram, 64),
		stop:        make(chan struct{}),
		timer:       time.NewTimer(time.Hour),
	}
	if !c.timer.Stop() {
		<-c.timer.C
	}
	c.stats.newTarget(target)
	level.Info(c.logger).Log("op", "start", "laddr", conn.LocalAddr(), "msg", "device client started")
	go c.receive()
	go c.run()
	return c, nil
}

// Target returns the dotted-quad ip:port this client serves.
func (c *Client) Target() string { return c.target }

// Enqueue submits an IPbus request for the target. It returns
// immediately; the reply or error is delivered asynchronously to resp,
// which should be buffered. Requests from one caller are serviced in
// submission order.
func (c *Client) Enqueue(data []byte, resp chan<- Response) error {
	select {
	case <-c.stop:
		return errors.Errorf("device client %s is stopped", c.target)
	default:
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case c.requests <- request{data: buf, resp: resp}:
		return nil
	case <-c.stop:
		return errors.Errorf("device client %s is stopped", c.target)
	}
}

// Stop shuts the client down, releasing its socket and dropping any
// queued or in-flight requests without further notification.
func (c *Client) Stop() {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
}

// receive feeds every datagram arriving on the socket to the actor.
// It exits when the socket is closed.
func (c *Client) receive() {
	for {
		buf := make([]byte, readBufferSize)
		n, raddr, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			close(c.datagrams)
			return
		}
		c.datagrams <- datagram{data: buf[:n], raddr: raddr}
	}
}

// run is the actor loop: exactly one event at a time, no locks.
func (c *Client) run() {
	for {
		select {
		case <-c.stop:
			c.conn.Close()
			level.Info(c.logger).Log("op", "stop", "dropped", len(c.queue), "msg", "device client stopped")
			return
		case req := <-c.requests:
			c.queue = append(c.queue, req)
			c.stats.queued(c.target, len(c.queue))
			if c.flight == nil {
				c.serviceNext()
			}
		case dg, ok := <-c.datagrams:
			if !ok {
				return
			}
			c.stats.received(c.target)
			c.handleReply(dg)
		case <-c.timer.C:
			c.handleTimeout()
		}
	}
}

// serviceNext pops the queue head and puts it on the wire.
func (c *Client) serviceNext() {
	req := c.queue[0]
	c.queue = c.queue[1:]
	c.stats.queued(c.target, len(c.queue))

	hdr := parseHeader(req.data)
	if hdr.version == Version20 && !c.idKnown {
		// First v2 exchange on this session: the hardware dictates
		// the starting id.
		st, err := c.probeStatus()
		if err != nil {
			c.version = VersionUnknown
			c.idKnown = false
			c.stats.failed(c.target, failCode(err))
			c.deliver(req.resp, failCode(err), nil)
			return
		}
		id := st.nextid
		if id == 0 {
			id = 1
		}
		c.nextID = id
		c.idKnown = true
		level.Debug(c.logger).Log("op", "service", "nextid", id, "msg", "learned next expected id from target")
	}

	fl := &inFlight{packet: req.data, resp: req.resp}
	copy(fl.origHeader[:], req.data)
	if hdr.version == Version20 {
		if _, err := stampID(req.data, c.nextID); err != nil {
			// Unreachable while the wrap rules hold; fail rather
			// than send a mis-stamped packet.
			level.Error(c.logger).Log("op", "service", "error", err)
			c.stats.failed(c.target, CodeControlTimeout)
			c.deliver(req.resp, CodeControlTimeout, nil)
			return
		}
		fl.v2 = true
		fl.sentID = c.nextID
		c.version = Version20
		c.nextID = incrementID(c.nextID)
	}

	if _, err := c.conn.WriteToUDP(fl.packet, c.controlAddr); err != nil {
		level.Error(c.logger).Log("op", "service", "error", err, "msg", "control send failed")
		c.stats.failed(c.target, CodeControlTimeout)
		c.deliver(req.resp, CodeControlTimeout, nil)
		return
	}
	c.stats.sent(c.target, "control")
	fl.sent = time.Now()
	c.flight = fl
	c.armTimer(c.cfg.Timeout)
}

// handleReply resolves the in-flight exchange with a datagram from the
// control port. Datagrams that arrive while nothing is in flight, or
// from any address other than the control port, are dropped. The
// reply's packet id is not checked: at most one reply is expected.
func (c *Client) handleReply(dg datagram) {
	if c.flight == nil || !fromPort(dg.raddr, c.controlAddr) {
		level.Debug(c.logger).Log("op", "reply", "from", dg.raddr, "msg", "dropping stray datagram")
		return
	}
	fl := c.flight
	c.flight = nil
	c.stopTimer()

	payload := dg.data
	if fl.v2 {
		body := []byte{}
		if len(dg.data) > 4 {
			body = dg.data[4:]
		}
		payload = append(fl.origHeader[:0:0], fl.origHeader[:]...)
		payload = append(payload, body...)
	}
	c.deliver(fl.resp, CodeSuccess, payload)
	if len(c.queue) > 0 {
		c.serviceNext()
	}
}

// handleTimeout runs the recovery policy on the in-flight exchange.
func (c *Client) handleTimeout() {
	fl := c.flight
	if fl == nil {
		return
	}
	if !fl.v2 {
		// No status-assisted recovery without packet ids.
		c.fail(CodeControlTimeout)
		return
	}
	if fl.retries >= maxRetries {
		level.Warn(c.logger).Log("op", "recover", "id", fl.sentID, "retries", fl.retries, "elapsed", time.Since(fl.sent), "msg", "retry budget spent")
		c.fail(CodeControlTimeout)
		return
	}

	st, err := c.probeStatus()
	if err != nil {
		c.fail(failCode(err))
		return
	}
	switch st.nextid {
	case fl.sentID:
		// The target never saw our request: send the saved bytes again.
		level.Info(c.logger).Log("op", "recover", "id", fl.sentID, "branch", "request_lost")
		c.stats.recovered(c.target, "request_lost")
		if _, err := c.conn.WriteToUDP(fl.packet, c.controlAddr); err != nil {
			level.Error(c.logger).Log("op", "recover", "error", err, "msg", "control resend failed")
			c.fail(CodeControlTimeout)
			return
		}
		c.stats.sent(c.target, "control")
	case incrementID(fl.sentID):
		// The target got the request but its reply was lost: ask it
		// to retransmit from its reply history.
		level.Info(c.logger).Log("op", "recover", "id", fl.sentID, "branch", "reply_lost")
		c.stats.recovered(c.target, "reply_lost")
		if _, err := c.conn.WriteToUDP(newResendRequest(), c.resendAddr); err != nil {
			level.Error(c.logger).Log("op", "recover", "error", err, "msg", "resend request failed")
			c.fail(CodeControlTimeout)
			return
		}
		c.stats.sent(c.target, "resend")
	default:
		level.Warn(c.logger).Log("op", "recover", "id", fl.sentID, "nextexpd", st.nextid, "msg", "status reply matches neither recovery branch")
		c.fail(CodeMalformedStatus)
		return
	}
	fl.retries++
	fl.sent = time.Now()
	c.armTimer(c.cfg.Timeout)
}

// fail resolves the in-flight exchange with an error code. The queue
// is left as is: the next Enqueue starts the next exchange.
func (c *Client) fail(code uint16) {
	fl := c.flight
	c.flight = nil
	c.stopTimer()
	c.stats.failed(c.target, code)
	c.deliver(fl.resp, code, nil)
}

func (c *Client) deliver(resp chan<- Response, code uint16, payload []byte) {
	resp <- Response{
		Tag:  ResponseTag,
		Addr: c.addr,
		Port: c.port,
		Code: code,
		Data: payload,
		Err:  codeError(code),
	}
}

func (c *Client) armTimer(d time.Duration) {
	c.stopTimer()
	c.timer.Reset(d)
}

func (c *Client) stopTimer() {
	if !c.timer.Stop() {
		select {
		case <-c.timer.C:
		default:
		}
	}
}

func failCode(err error) uint16 {
	if errors.Is(err, ErrMalformedStatus) {
		return CodeMalformedStatus
	}
	return CodeStatusTimeout
}

func fromPort(raddr, want *net.UDPAddr) bool {
	return raddr != nil && raddr.Port == want.Port && raddr.IP.Equal(want.IP)
}
