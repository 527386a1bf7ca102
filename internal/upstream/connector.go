// Package upstream manages outbound connections to origin servers, either
// direct or chained through a configured upstream proxy.
package upstream

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrUnreachable marks dial and connect-timeout failures. These are
// recorded on the exchange and never retried by the proxy itself.
var ErrUnreachable = errors.New("upstream: unreachable")

type Config struct {
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
	// ProxyAddr, when set, chains every dial through CONNECT on this
	// host:port instead of dialing the origin directly.
	ProxyAddr   string
	InsecureTLS bool
}

type idleConn struct {
	conn    net.Conn
	expires time.Time
}

// Connector dials origins and keeps a small pool of reusable connections
// keyed by scheme://host:port. A connection comes back to the pool only
// when its last exchange ended cleanly.
type Connector struct {
	mu    sync.Mutex
	idle  map[string][]idleConn
	cfg   Config
	proxy string
	log   *zerolog.Logger
}

func NewConnector(cfg Config, log *zerolog.Logger) *Connector {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	return &Connector{
		idle:  make(map[string][]idleConn),
		cfg:   cfg,
		proxy: cfg.ProxyAddr,
		log:   log,
	}
}

// SetProxy switches the upstream proxy at runtime; empty means direct.
// In-pool connections dialed through the old route are dropped.
func (c *Connector) SetProxy(addr string) {
	c.mu.Lock()
	c.proxy = addr
	for key, conns := range c.idle {
		for _, ic := range conns {
			_ = ic.conn.Close()
		}
		delete(c.idle, key)
	}
	c.mu.Unlock()
}

func (c *Connector) Proxy() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proxy
}

func key(scheme, hostport string) string { return scheme + "://" + hostport }

// Dial returns a plaintext connection to hostport, pooled when available.
func (c *Connector) Dial(ctx context.Context, hostport string) (net.Conn, error) {
	if conn := c.takeIdle(key("http", hostport)); conn != nil {
		return conn, nil
	}
	return c.dialRaw(ctx, hostport)
}

// DialTLS returns a TLS connection to hostport with the handshake already
// completed against serverName.
func (c *Connector) DialTLS(ctx context.Context, hostport, serverName string) (*tls.Conn, error) {
	if conn := c.takeIdle(key("https", hostport)); conn != nil {
		if tc, ok := conn.(*tls.Conn); ok {
			return tc, nil
		}
		_ = conn.Close()
	}
	raw, err := c.dialRaw(ctx, hostport)
	if err != nil {
		return nil, err
	}
	tc := tls.Client(raw, &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: c.cfg.InsecureTLS,
	})
	if err := tc.HandshakeContext(ctx); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("upstream: tls handshake with %s: %w", hostport, err)
	}
	return tc, nil
}

func (c *Connector) dialRaw(ctx context.Context, hostport string) (net.Conn, error) {
	proxy := c.Proxy()
	d := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	if proxy == "" {
		conn, err := d.DialContext(ctx, "tcp", hostport)
		if err != nil {
			return nil, fmt.Errorf("%w: dial %s: %v", ErrUnreachable, hostport, err)
		}
		return conn, nil
	}
	conn, err := d.DialContext(ctx, "tcp", proxy)
	if err != nil {
		return nil, fmt.Errorf("%w: dial proxy %s: %v", ErrUnreachable, proxy, err)
	}
	if err := c.connectThrough(conn, hostport); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// connectThrough issues a CONNECT on an established proxy connection and
// consumes the response, leaving the conn as a raw tunnel to hostport.
func (c *Connector) connectThrough(conn net.Conn, hostport string) error {
	deadline := time.Now().Add(c.cfg.ConnectTimeout)
	_ = conn.SetDeadline(deadline)
	defer conn.SetDeadline(time.Time{})

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: hostport},
		Host:   hostport,
		Header: make(http.Header),
	}
	if err := req.Write(conn); err != nil {
		return fmt.Errorf("%w: connect via proxy: %v", ErrUnreachable, err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		return fmt.Errorf("%w: connect via proxy: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: proxy refused CONNECT %s: %s", ErrUnreachable, hostport, resp.Status)
	}
	return nil
}

// Release hands a connection back after an exchange. Only clean endings
// (response fully framed, no Connection: close) are poolable.
func (c *Connector) Release(scheme, hostport string, conn net.Conn, clean bool) {
	if !clean {
		_ = conn.Close()
		return
	}
	k := key(scheme, hostport)
	c.mu.Lock()
	c.idle[k] = append(c.idle[k], idleConn{conn: conn, expires: time.Now().Add(c.cfg.IdleTimeout)})
	c.mu.Unlock()
}

func (c *Connector) takeIdle(k string) net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	conns := c.idle[k]
	for len(conns) > 0 {
		// take from the tail: most recently parked, least likely stale
		ic := conns[len(conns)-1]
		conns = conns[:len(conns)-1]
		if now.After(ic.expires) {
			_ = ic.conn.Close()
			continue
		}
		c.idle[k] = conns
		return ic.conn
	}
	delete(c.idle, k)
	return nil
}

// Close drops every pooled connection.
func (c *Connector) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, conns := range c.idle {
		for _, ic := range conns {
			_ = ic.conn.Close()
		}
		delete(c.idle, k)
	}
}
