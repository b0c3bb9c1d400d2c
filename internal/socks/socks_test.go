package socks

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/velabrowser/h3net/internal/telemetry"
)

// scriptedProxy runs fn against the proxy side of a pipe and returns a
// client whose DialContext hands back the other side.
func scriptedProxy(t *testing.T, c *Client, fn func(conn net.Conn)) *Client {
	t.Helper()
	clientSide, proxySide := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer proxySide.Close()
		fn(proxySide)
	}()
	t.Cleanup(func() {
		clientSide.Close()
		<-done
	})
	c.ProxyAddr = "proxy.test:1080"
	c.DialContext = func(context.Context, string, string) (net.Conn, error) {
		return clientSide, nil
	}
	return c
}

func readN(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Errorf("proxy read: %v", err)
	}
	return buf
}

func TestSOCKS5ConnectDomain(t *testing.T) {
	var gotConnect []byte
	c := scriptedProxy(t, &Client{Version: SOCKS5}, func(conn net.Conn) {
		greeting := readN(t, conn, 3)
		if greeting[0] != 5 || greeting[2] != methodNoAuth {
			t.Errorf("greeting = %x", greeting)
		}
		conn.Write([]byte{5, methodNoAuth})

		head := readN(t, conn, 5)
		gotConnect = head
		hostLen := int(head[4])
		rest := readN(t, conn, hostLen+2)
		gotConnect = append(gotConnect, rest...)

		// Success, bound to 0.0.0.0:0.
		conn.Write([]byte{5, 0, 0, atypIPv4, 0, 0, 0, 0, 0, 0})
	})

	conn, err := c.Dial(context.Background(), "example.com", 443)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	want := []byte{5, cmdConnect, 0, atypDomain, byte(len("example.com"))}
	want = append(want, "example.com"...)
	want = append(want, 0x01, 0xBB)
	if !bytes.Equal(gotConnect, want) {
		t.Errorf("CONNECT = %x, want %x", gotConnect, want)
	}
}

func TestSOCKS5AuthSuccess(t *testing.T) {
	c := scriptedProxy(t, &Client{Version: SOCKS5, Auth: &Auth{Username: "user", Password: "pass"}}, func(conn net.Conn) {
		readN(t, conn, 4) // version, nmethods, 2 methods
		conn.Write([]byte{5, methodUserPass})

		hdr := readN(t, conn, 2)
		if hdr[0] != userPassVersion || hdr[1] != 4 {
			t.Errorf("auth header = %x", hdr)
		}
		user := readN(t, conn, 4)
		plen := readN(t, conn, 1)
		pass := readN(t, conn, int(plen[0]))
		if string(user) != "user" || string(pass) != "pass" {
			t.Errorf("credentials = %q/%q", user, pass)
		}
		conn.Write([]byte{userPassVersion, 0})

		readN(t, conn, 4+4+2) // CONNECT with IPv4 target
		conn.Write([]byte{5, 0, 0, atypIPv4, 0, 0, 0, 0, 0, 0})
	})

	conn, err := c.Dial(context.Background(), "192.0.2.7", 80)
	if err != nil {
		t.Fatal(err)
	}
	conn.Close()
}

func TestSOCKS5AuthFailureSendsNoConnect(t *testing.T) {
	afterAuth := make(chan []byte, 1)
	c := scriptedProxy(t, &Client{Version: SOCKS5, Auth: &Auth{Username: "user", Password: "bad"}}, func(conn net.Conn) {
		readN(t, conn, 4)
		conn.Write([]byte{5, methodUserPass})
		hdr := readN(t, conn, 2)
		readN(t, conn, int(hdr[1]))
		plen := readN(t, conn, 1)
		readN(t, conn, int(plen[0]))
		// Refuse the credentials.
		conn.Write([]byte{userPassVersion, 1})

		// The client must close without sending CONNECT.
		buf := make([]byte, 16)
		n, _ := conn.Read(buf)
		afterAuth <- buf[:n]
	})

	_, err := c.Dial(context.Background(), "example.com", 443)
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("got %v, want ErrAuthFailed", err)
	}
	select {
	case extra := <-afterAuth:
		if len(extra) != 0 {
			t.Errorf("client sent %x after failed auth", extra)
		}
	case <-time.After(time.Second):
		t.Error("proxy still waiting for the socket to close")
	}
}

func TestSOCKS5ReplyCodeMapping(t *testing.T) {
	tests := []struct {
		code byte
		msg  string
	}{
		{1, "general failure"},
		{3, "network unreachable"},
		{5, "connection refused"},
		{8, "address type not supported"},
	}
	for _, tc := range tests {
		c := scriptedProxy(t, &Client{Version: SOCKS5}, func(conn net.Conn) {
			readN(t, conn, 3)
			conn.Write([]byte{5, methodNoAuth})
			readN(t, conn, 4+4+2)
			conn.Write([]byte{5, tc.code, 0, atypIPv4, 0, 0, 0, 0, 0, 0})
		})
		_, err := c.Dial(context.Background(), "192.0.2.1", 80)
		var re *ReplyError
		if !errors.As(err, &re) {
			t.Fatalf("code %d: got %v, want *ReplyError", tc.code, err)
		}
		if re.Message != tc.msg {
			t.Errorf("code %d: message %q, want %q", tc.code, re.Message, tc.msg)
		}
	}
}

func TestSOCKS4Connect(t *testing.T) {
	c := scriptedProxy(t, &Client{Version: SOCKS4, UserID: "vela"}, func(conn net.Conn) {
		req := readN(t, conn, 2+2+4)
		if req[0] != socks4Version || req[1] != cmdConnect {
			t.Errorf("request head = %x", req)
		}
		if !bytes.Equal(req[4:8], []byte{192, 0, 2, 9}) {
			t.Errorf("DST IP = %v", req[4:8])
		}
		// Drain the NUL-terminated ident.
		one := make([]byte, 1)
		for {
			if _, err := conn.Read(one); err != nil || one[0] == 0 {
				break
			}
		}
		conn.Write([]byte{socks4ReplyVersion, socks4Granted, 0, 0, 0, 0, 0, 0})
	})

	conn, err := c.Dial(context.Background(), "192.0.2.9", 8080)
	if err != nil {
		t.Fatal(err)
	}
	conn.Close()
}

func TestSOCKS4aHostname(t *testing.T) {
	gotHost := make(chan string, 1)
	c := scriptedProxy(t, &Client{Version: SOCKS4a}, func(conn net.Conn) {
		req := readN(t, conn, 2+2+4)
		if !bytes.Equal(req[4:8], []byte{0, 0, 0, 1}) {
			t.Errorf("4a marker IP = %v, want 0.0.0.1", req[4:8])
		}
		readN(t, conn, 1) // empty ident NUL
		var host []byte
		one := make([]byte, 1)
		for {
			if _, err := conn.Read(one); err != nil || one[0] == 0 {
				break
			}
			host = append(host, one[0])
		}
		gotHost <- string(host)
		conn.Write([]byte{socks4ReplyVersion, socks4Granted, 0, 0, 0, 0, 0, 0})
	})

	conn, err := c.Dial(context.Background(), "example.com", 443)
	if err != nil {
		t.Fatal(err)
	}
	conn.Close()
	if h := <-gotHost; h != "example.com" {
		t.Errorf("tunnelled hostname = %q", h)
	}
}

func TestSOCKS4Rejected(t *testing.T) {
	c := scriptedProxy(t, &Client{Version: SOCKS4}, func(conn net.Conn) {
		readN(t, conn, 2+2+4+1)
		conn.Write([]byte{socks4ReplyVersion, socks4Rejected, 0, 0, 0, 0, 0, 0})
	})
	_, err := c.Dial(context.Background(), "192.0.2.9", 80)
	var re *ReplyError
	if !errors.As(err, &re) || re.Code != socks4Rejected {
		t.Fatalf("got %v, want rejection ReplyError", err)
	}
}

func TestSOCKS4RefusesHostnameWithout4a(t *testing.T) {
	c := scriptedProxy(t, &Client{Version: SOCKS4}, func(conn net.Conn) {
		io.Copy(io.Discard, conn)
	})
	if _, err := c.Dial(context.Background(), "example.com", 443); err == nil {
		t.Fatal("SOCKS4 accepted a hostname target")
	}
}

// closeCounterConn counts Close calls for pool eviction tests.
type closeCounterConn struct {
	net.Conn
	closed *int
}

func (c *closeCounterConn) Close() error {
	*c.closed++
	if c.Conn != nil {
		return c.Conn.Close()
	}
	return nil
}

func TestPoolEvictsAndClosesOverCap(t *testing.T) {
	p, err := NewPool(&Client{Version: SOCKS5}, 2, telemetry.NewDiscardLogger())
	if err != nil {
		t.Fatal(err)
	}
	closes := make([]int, 3)
	for i := 0; i < 3; i++ {
		p.Put("host", uint16(9000+i), &closeCounterConn{closed: &closes[i]})
	}
	if p.Len() != 2 {
		t.Fatalf("pool holds %d, want 2", p.Len())
	}
	if closes[0] != 1 {
		t.Error("evicted tunnel was not closed")
	}
	if closes[1] != 0 || closes[2] != 0 {
		t.Error("retained tunnels were closed")
	}
}

func TestPoolReuse(t *testing.T) {
	p, err := NewPool(&Client{Version: SOCKS5}, 2, telemetry.NewDiscardLogger())
	if err != nil {
		t.Fatal(err)
	}
	closed := 0
	conn := &closeCounterConn{closed: &closed}
	p.Put("example.com", 443, conn)

	got, err := p.Get(context.Background(), "example.com", 443)
	if err != nil {
		t.Fatal(err)
	}
	if got != net.Conn(conn) {
		t.Error("pool did not hand back the idle tunnel")
	}
	if p.Len() != 0 {
		t.Error("tunnel still pooled while in use")
	}
}
