// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package connmgr

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/netip"
	"time"

	"testing"

	"github.com/stretchr/testify/require"
)

// virtualPipe is a net.Conn with true half-close semantics (unlike
// net.Pipe, whose Close tears down both directions at once), so tests can
// exercise the relay's EOF-propagation behaviour the way a real TCP socket
// would.
type virtualPipe struct {
	r *io.PipeReader
	w *io.PipeWriter
}

// newVirtualPipePair returns two ends of a duplex, independently
// half-closable connection.
func newVirtualPipePair() (*virtualPipe, *virtualPipe) {
	aToB_r, aToB_w := io.Pipe()
	bToA_r, bToA_w := io.Pipe()
	a := &virtualPipe{r: bToA_r, w: aToB_w}
	b := &virtualPipe{r: aToB_r, w: bToA_w}
	return a, b
}

func (p *virtualPipe) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *virtualPipe) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *virtualPipe) Close() error {
	p.r.Close()
	p.w.Close()
	return nil
}
func (p *virtualPipe) CloseRead() error                 { return p.r.Close() }
func (p *virtualPipe) CloseWrite() error                { return p.w.Close() }
func (p *virtualPipe) LocalAddr() net.Addr              { return dummyAddr{} }
func (p *virtualPipe) RemoteAddr() net.Addr             { return dummyAddr{} }
func (p *virtualPipe) SetDeadline(time.Time) error      { return nil }
func (p *virtualPipe) SetReadDeadline(time.Time) error  { return nil }
func (p *virtualPipe) SetWriteDeadline(time.Time) error { return nil }

type dummyAddr struct{}

func (dummyAddr) Network() string { return "virtual" }
func (dummyAddr) String() string  { return "virtual" }

// startEchoProxy runs a minimal CONNECT proxy: it accepts one connection,
// completes the handshake with a 200, then echoes everything it receives
// back to the sender until EOF.
func startEchoProxy(t *testing.T) (addr string, port uint16) {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil || line == "\r\n" {
				break
			}
		}
		conn.Write([]byte("HTTP/1.1 200 Connection established\r\n\r\n"))
		io.Copy(conn, r)
	}()

	tcpAddr := ln.Addr().(*net.TCPAddr)
	return tcpAddr.IP.String(), uint16(tcpAddr.Port)
}

func TestHandleRelaysBytesRoundTrip(t *testing.T) {
	proxyIP, proxyPort := startEchoProxy(t)

	mgr := New(Params{
		ProxyIPs:         []string{proxyIP},
		ProxyPort:        proxyPort,
		ConnectTimeout:   2 * time.Second,
		HandshakeTimeout: 2 * time.Second,
		GracePeriod:      2 * time.Second,
	}, nil)

	virtual, testSide := newVirtualPipePair()
	origDst := netip.MustParseAddrPort("93.184.216.34:443")

	done := make(chan struct{})
	go func() {
		mgr.Handle(context.Background(), virtual, origDst)
		close(done)
	}()

	payload := []byte("hello through the tunnel")
	go func() {
		testSide.Write(payload)
		testSide.CloseWrite()
	}()

	echoed, err := io.ReadAll(testSide)
	require.NoError(t, err)
	require.Equal(t, payload, echoed)

	testSide.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Handle did not return after both sides closed")
	}
}

func TestHandleCountsConnectFailureWithoutCrashing(t *testing.T) {
	mgr := New(Params{
		ProxyIPs:         []string{"127.0.0.1"},
		ProxyPort:        1, // nothing listens here
		ConnectTimeout:   200 * time.Millisecond,
		HandshakeTimeout: 200 * time.Millisecond,
		GracePeriod:      time.Second,
	}, nil)

	virtual, testSide := newVirtualPipePair()
	defer testSide.Close()

	done := make(chan struct{})
	go func() {
		mgr.Handle(context.Background(), virtual, netip.MustParseAddrPort("10.0.0.1:80"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Handle should return promptly on CONNECT failure")
	}
	require.Equal(t, int64(1), mgr.failures.Refused.Load())
}
