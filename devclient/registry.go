package devclient

import (
	"fmt"
	"net"
	"sync"

	"github.com/go-kit/log"
)

// Registry maps (IPv4, UDP port) to a running device client, spawning
// one on first use. A registry holds exactly one client per target;
// lookups are safe for concurrent use.
type Registry struct {
	cfg    Config
	logger log.Logger

	mu      sync.Mutex
	clients map[string]*Client
}

// NewRegistry returns an empty registry whose clients share cfg and
// logger.
func NewRegistry(cfg Config, logger log.Logger) *Registry {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Registry{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[string]*Client),
	}
}

// Client returns the device client for ip:port, starting it if this is
// the target's first use. A socket-open failure is returned to the
// caller and nothing is cached.
func (r *Registry) Client(ip net.IP, port uint16) (*Client, error) {
	key := fmt.Sprintf("%v:%d", ip, port)
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[key]; ok {
		return c, nil
	}
	c, err := New(ip, port, r.cfg, r.logger)
	if err != nil {
		return nil, err
	}
	r.clients[key] = c
	return c, nil
}

// Enqueue routes a request to the target's client, spawning it on
// first use, and submits it. The reply or error is delivered
// asynchronously to resp.
func (r *Registry) Enqueue(ip net.IP, port uint16, data []byte, resp chan<- Response) error {
	c, err := r.Client(ip, port)
	if err != nil {
		return err
	}
	return c.Enqueue(data, resp)
}

// Stop shuts down every client the registry has spawned.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.clients {
		c.Stop()
	}
	r.clients = make(map[string]*Client)
}
