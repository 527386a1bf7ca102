package upstream

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

// acceptCounter listens and counts accepted connections.
func acceptCounter(t *testing.T) (net.Listener, *atomic.Int64) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	var accepted atomic.Int64
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			accepted.Add(1)
			go func() {
				buf := make([]byte, 1024)
				for {
					if _, err := conn.Read(buf); err != nil {
						_ = conn.Close()
						return
					}
				}
			}()
		}
	}()
	return ln, &accepted
}

// waitAccepted gives the accept goroutine time to observe connections the
// dialer has already completed: the kernel finishes the TCP handshake
// before Accept returns, so the counter can lag the client-side dial.
func waitAccepted(a *atomic.Int64, want int64) {
	deadline := time.Now().Add(2 * time.Second)
	for a.Load() < want && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
}

func TestDialAndPoolReuse(t *testing.T) {
	ln, accepted := acceptCounter(t)
	c := NewConnector(Config{}, testLogger())
	defer c.Close()

	ctx := context.Background()
	hostport := ln.Addr().String()

	conn, err := c.Dial(ctx, hostport)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	c.Release("http", hostport, conn, true)

	reused, err := c.Dial(ctx, hostport)
	if err != nil {
		t.Fatalf("Dial (pooled): %v", err)
	}
	defer reused.Close()
	if got := accepted.Load(); got != 1 {
		t.Fatalf("accepted = %d, want 1 (second dial must reuse)", got)
	}
}

func TestDirtyConnIsNotPooled(t *testing.T) {
	ln, accepted := acceptCounter(t)
	c := NewConnector(Config{}, testLogger())
	defer c.Close()

	ctx := context.Background()
	hostport := ln.Addr().String()

	conn, err := c.Dial(ctx, hostport)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	c.Release("http", hostport, conn, false)

	second, err := c.Dial(ctx, hostport)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer second.Close()
	waitAccepted(accepted, 2)
	if got := accepted.Load(); got != 2 {
		t.Fatalf("accepted = %d, want 2 (dirty conn must not be reused)", got)
	}
}

func TestIdleExpiry(t *testing.T) {
	ln, accepted := acceptCounter(t)
	c := NewConnector(Config{IdleTimeout: 20 * time.Millisecond}, testLogger())
	defer c.Close()

	ctx := context.Background()
	hostport := ln.Addr().String()

	conn, err := c.Dial(ctx, hostport)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	c.Release("http", hostport, conn, true)
	time.Sleep(50 * time.Millisecond)

	fresh, err := c.Dial(ctx, hostport)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer fresh.Close()
	waitAccepted(accepted, 2)
	if got := accepted.Load(); got != 2 {
		t.Fatalf("accepted = %d, want 2 (expired conn must be redialed)", got)
	}
}

func TestDialUnreachable(t *testing.T) {
	c := NewConnector(Config{ConnectTimeout: 200 * time.Millisecond}, testLogger())
	defer c.Close()

	// grab a port and close it so nothing listens there
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	hostport := ln.Addr().String()
	_ = ln.Close()

	_, err = c.Dial(context.Background(), hostport)
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("err = %v, want ErrUnreachable", err)
	}
}

func TestDialThroughProxy(t *testing.T) {
	// minimal CONNECT-accepting proxy that echoes tunneled bytes
	proxyLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer proxyLn.Close()
	var sawConnect atomic.Value
	go func() {
		conn, err := proxyLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		req, err := http.ReadRequest(bufio.NewReader(conn))
		if err != nil || req.Method != http.MethodConnect {
			return
		}
		sawConnect.Store(req.Host)
		_, _ = conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
		buf := make([]byte, 256)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			if _, err := conn.Write(buf[:n]); err != nil {
				return
			}
		}
	}()

	c := NewConnector(Config{ProxyAddr: proxyLn.Addr().String()}, testLogger())
	defer c.Close()

	conn, err := c.Dial(context.Background(), "origin.test:80")
	if err != nil {
		t.Fatalf("Dial through proxy: %v", err)
	}
	defer conn.Close()
	if got := sawConnect.Load(); got != "origin.test:80" {
		t.Fatalf("proxy saw CONNECT %v, want origin.test:80", got)
	}

	// conn is a raw tunnel now
	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("tunnel write: %v", err)
	}
	buf := make([]byte, 4)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(buf); err != nil {
		t.Fatalf("tunnel read: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("tunnel echoed %q", buf)
	}
}

func TestProxyRefusesConnect(t *testing.T) {
	proxyLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer proxyLn.Close()
	go func() {
		conn, err := proxyLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if _, err := http.ReadRequest(bufio.NewReader(conn)); err != nil {
			return
		}
		_, _ = conn.Write([]byte("HTTP/1.1 403 Forbidden\r\nContent-Length: 0\r\n\r\n"))
	}()

	c := NewConnector(Config{ProxyAddr: proxyLn.Addr().String()}, testLogger())
	defer c.Close()

	_, err = c.Dial(context.Background(), "origin.test:80")
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("err = %v, want ErrUnreachable", err)
	}
}

func TestSetProxyDropsPool(t *testing.T) {
	ln, accepted := acceptCounter(t)
	c := NewConnector(Config{}, testLogger())
	defer c.Close()

	ctx := context.Background()
	hostport := ln.Addr().String()
	conn, err := c.Dial(ctx, hostport)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	c.Release("http", hostport, conn, true)

	c.SetProxy("")
	if got := c.Proxy(); got != "" {
		t.Fatalf("Proxy() = %q", got)
	}

	fresh, err := c.Dial(ctx, hostport)
	if err != nil {
		t.Fatalf("Dial after SetProxy: %v", err)
	}
	defer fresh.Close()
	waitAccepted(accepted, 2)
	if got := accepted.Load(); got != 2 {
		t.Fatalf("accepted = %d, want 2 (pool must drop on route change)", got)
	}
}
