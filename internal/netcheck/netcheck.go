// Package netcheck answers "is the network reachable" cheaply enough to be
// asked after every failed download.
package netcheck

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	defaultTimeout = 2 * time.Second
	defaultTTL     = 5 * time.Second
)

type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Checker probes a TCP address and caches the answer for a short while.
type Checker struct {
	addr    string
	timeout time.Duration
	ttl     time.Duration
	dial    DialFunc
	now     func() time.Time

	// probes collapses concurrent dials once the cached answer expires
	probes  singleflight.Group
	mu      sync.Mutex
	checked time.Time
	online  bool
}

// New returns a Checker for addr (host:port). An empty addr disables probing
// and reports online.
func New(addr string, timeout, ttl time.Duration) *Checker {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	dialer := &net.Dialer{}
	return &Checker{
		addr:    addr,
		timeout: timeout,
		ttl:     ttl,
		dial:    dialer.DialContext,
		now:     time.Now,
	}
}

func (c *Checker) Online() bool {
	if c.addr == "" {
		return true
	}
	c.mu.Lock()
	if !c.checked.IsZero() && c.now().Sub(c.checked) < c.ttl {
		online := c.online
		c.mu.Unlock()
		return online
	}
	c.mu.Unlock()

	v, _, _ := c.probes.Do(c.addr, func() (any, error) {
		return c.probe(), nil
	})
	return v.(bool)
}

// probe dials addr without holding mu and records the answer.
func (c *Checker) probe() bool {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	conn, err := c.dial(ctx, "tcp", c.addr)
	online := err == nil
	if online {
		_ = conn.Close()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if online != c.online || c.checked.IsZero() {
		log.Info().Str("addr", c.addr).Bool("online", online).Msg("connectivity changed")
	}
	c.online = online
	c.checked = c.now()
	return online
}
