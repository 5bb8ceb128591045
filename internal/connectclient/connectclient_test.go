// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package connectclient

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"grimm.is/tunwall/internal/errors"
)

func listenLoopback(t *testing.T) (net.Listener, string, uint16) {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	addr := ln.Addr().(*net.TCPAddr)
	return ln, addr.IP.String(), uint16(addr.Port)
}

func TestConnectRequestLineAndHost(t *testing.T) {
	ln, ip, port := listenLoopback(t)

	reqCh := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		var lines strings.Builder
		for {
			line, err := r.ReadString('\n')
			lines.WriteString(line)
			if err != nil || line == "\r\n" {
				break
			}
		}
		reqCh <- lines.String()
		conn.Write([]byte("HTTP/1.1 200 Connection established\r\nX: y\r\n\r\nDATA"))
	}()

	conn, leftover, err := Connect(ip, port, "example.com", 443, Credentials{Username: "u", Password: "p"}, Options{
		ConnectTimeout:   2 * time.Second,
		HandshakeTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	defer conn.Close()

	require.Equal(t, "DATA", string(leftover))

	req := <-reqCh
	require.Equal(t, "CONNECT example.com:443 HTTP/1.1\r\n"+
		"Host: example.com:443\r\n"+
		"Proxy-Authorization: Basic dTpw\r\n"+
		"\r\n", req)
}

func TestConnectNoCredsOmitsAuthHeader(t *testing.T) {
	ln, ip, port := listenLoopback(t)

	reqCh := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		var lines strings.Builder
		for {
			line, err := r.ReadString('\n')
			lines.WriteString(line)
			if err != nil || line == "\r\n" {
				break
			}
		}
		reqCh <- lines.String()
		conn.Write([]byte("HTTP/1.1 200 OK\r\n\r\n"))
	}()

	conn, leftover, err := Connect(ip, port, "10.0.0.5", 80, Credentials{}, Options{
		ConnectTimeout:   2 * time.Second,
		HandshakeTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	defer conn.Close()
	require.Empty(t, leftover)

	req := <-reqCh
	require.Equal(t, "CONNECT 10.0.0.5:80 HTTP/1.1\r\nHost: 10.0.0.5:80\r\n\r\n", req)
}

func TestConnectNonSuccessStatusIsHTTPError(t *testing.T) {
	ln, ip, port := listenLoopback(t)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		bufio.NewReader(conn).ReadString('\n')
		conn.Write([]byte("HTTP/1.1 407 Proxy Authentication Required\r\n\r\n"))
	}()

	_, _, err := Connect(ip, port, "example.com", 443, Credentials{}, Options{
		ConnectTimeout:   2 * time.Second,
		HandshakeTimeout: 2 * time.Second,
	})
	require.Error(t, err)
	require.Equal(t, errors.KindConnectHTTPError, errors.GetKind(err))
	require.Contains(t, err.Error(), "407")
}

func TestConnectRefusedWhenNothingListening(t *testing.T) {
	_, _, err := Connect("127.0.0.1", 1, "example.com", 443, Credentials{}, Options{
		ConnectTimeout:   500 * time.Millisecond,
		HandshakeTimeout: 500 * time.Millisecond,
	})
	require.Error(t, err)
	require.Equal(t, errors.KindConnectRefused, errors.GetKind(err))
}
