// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

// Package connectclient performs the HTTP/1.1 CONNECT handshake against the
// upstream proxy: dial a marked socket, send the CONNECT request line plus
// optional Basic auth, and hand back a connected stream together with any
// bytes the proxy sent before the caller started reading.
package connectclient

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"grimm.is/tunwall/internal/errors"
)

// Credentials carries the optional Basic auth username/password.
type Credentials struct {
	Username string
	Password string
}

// Options tunes a single CONNECT attempt.
type Options struct {
	// SOMark is set on the dialed socket via SO_MARK before connect(2), so
	// both the OUTPUT mark rule (a no-op here) and the killswitch's
	// "allow meta mark == proxy_mark" branch admit this socket.
	SOMark uint32
	// ConnectTimeout bounds the TCP dial to the proxy.
	ConnectTimeout time.Duration
	// HandshakeTimeout bounds reading the CONNECT response head.
	HandshakeTimeout time.Duration
}

const maxResponseHead = 8192
const bodySnippetLen = 256

// Connect dials proxyIP:proxyPort, issues "CONNECT targetHost:targetPort
// HTTP/1.1", and returns the resulting byte stream plus any bytes already
// buffered past the blank line terminating the response head. Callers must
// prepend leftover to whatever they next read from the returned conn.
func Connect(proxyIP string, proxyPort uint16, targetHost string, targetPort uint16, creds Credentials, opts Options) (net.Conn, []byte, error) {
	dialer := &net.Dialer{Timeout: opts.ConnectTimeout}
	if opts.SOMark != 0 {
		dialer.Control = func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			if err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, int(opts.SOMark))
			}); err != nil {
				return err
			}
			return sockErr
		}
	}

	addr := net.JoinHostPort(proxyIP, strconv.Itoa(int(proxyPort)))
	conn, err := dialer.Dial("tcp4", addr)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil, nil, errors.Wrapf(err, errors.KindConnectTimeout, "dial proxy %s", addr)
		}
		return nil, nil, errors.Wrapf(err, errors.KindConnectRefused, "dial proxy %s", addr)
	}

	if opts.HandshakeTimeout > 0 {
		conn.SetDeadline(time.Now().Add(opts.HandshakeTimeout))
	}

	req := buildRequest(targetHost, targetPort, creds)
	if _, err := conn.Write([]byte(req)); err != nil {
		conn.Close()
		return nil, nil, errors.Wrapf(err, errors.KindConnectMalformed, "write CONNECT request to %s", addr)
	}

	leftover, err := readResponseHead(conn, targetHost, targetPort)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}

	conn.SetDeadline(time.Time{})
	return conn, leftover, nil
}

// buildRequest renders the request line, a mandatory Host header, and an
// optional Proxy-Authorization header when creds carries a username,
// terminated by a blank line.
func buildRequest(host string, port uint16, creds Credentials) string {
	hostport := fmt.Sprintf("%s:%d", host, port)
	var sb strings.Builder
	fmt.Fprintf(&sb, "CONNECT %s HTTP/1.1\r\n", hostport)
	fmt.Fprintf(&sb, "Host: %s\r\n", hostport)
	if creds.Username != "" {
		token := base64.StdEncoding.EncodeToString([]byte(creds.Username + ":" + creds.Password))
		fmt.Fprintf(&sb, "Proxy-Authorization: Basic %s\r\n", token)
	}
	sb.WriteString("\r\n")
	return sb.String()
}

// readResponseHead reads the status line and headers up to the terminating
// CRLFCRLF, validates a 2xx status, and returns whatever was already read
// into the buffer past that boundary (the handshake's leftover bytes).
func readResponseHead(conn net.Conn, targetHost string, targetPort uint16) ([]byte, error) {
	r := bufio.NewReader(conn)

	statusLine, err := r.ReadString('\n')
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindConnectMalformed, "read CONNECT status line for %s:%d", targetHost, targetPort)
	}
	status, err := parseStatusLine(statusLine)
	if err != nil {
		return nil, err
	}

	var headBuf bytes.Buffer
	headBuf.WriteString(statusLine)
	for {
		if headBuf.Len() > maxResponseHead {
			return nil, errors.Errorf(errors.KindConnectMalformed, "CONNECT response head exceeds %d bytes", maxResponseHead)
		}
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, errors.Wrapf(err, errors.KindConnectMalformed, "read CONNECT headers for %s:%d", targetHost, targetPort)
		}
		headBuf.WriteString(line)
		if line == "\r\n" || line == "\n" {
			break
		}
	}

	if status < 200 || status >= 300 {
		body := make([]byte, bodySnippetLen)
		n, _ := r.Read(body)
		return nil, errors.Errorf(errors.KindConnectHTTPError, "connect-http-error(%d, %q)", status, string(body[:n]))
	}

	// Whatever bufio.Reader has buffered beyond the blank line is the
	// leftover the caller must prepend to its own subsequent reads.
	n := r.Buffered()
	if n == 0 {
		return nil, nil
	}
	leftover := make([]byte, n)
	if _, err := r.Read(leftover); err != nil {
		return nil, errors.Wrap(err, errors.KindConnectMalformed, "drain CONNECT response buffer")
	}
	return leftover, nil
}

// parseStatusLine extracts the numeric status code from "HTTP/1.1 200 ...".
func parseStatusLine(line string) (int, error) {
	fields := strings.SplitN(strings.TrimRight(line, "\r\n"), " ", 3)
	if len(fields) < 2 {
		return 0, errors.Errorf(errors.KindConnectMalformed, "malformed CONNECT status line %q", line)
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, errors.Wrapf(err, errors.KindConnectMalformed, "malformed CONNECT status code in %q", line)
	}
	return code, nil
}
