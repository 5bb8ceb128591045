// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

// Package connmgr is the connection manager: for every accepted virtual
// flow it opens a CONNECT tunnel to the upstream proxy on a marked socket
// and relays bytes bidirectionally until either side (or a global
// shutdown) closes it.
package connmgr

import (
	"context"
	"io"
	"math/rand/v2"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/tunwall/internal/connectclient"
	"grimm.is/tunwall/internal/errors"
	"grimm.is/tunwall/internal/logging"
)

// VirtualConn is the half of a flow already terminated by the userspace
// TCP/IP stack (the *gonet.TCPConn in netstack.Flow.Conn satisfies this,
// including CloseRead/CloseWrite for half-close propagation).
type VirtualConn interface {
	net.Conn
	CloseRead() error
	CloseWrite() error
}

// Params configures one Manager for the lifetime of a single `up` run.
type Params struct {
	ProxyIPs         []string
	ProxyPort        uint16
	ProxyMark        uint32
	Credentials      connectclient.Credentials
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	// GracePeriod bounds how long a flow's pumps are given to finish after
	// cancellation or a relay error before both connections are closed
	// outright.
	GracePeriod time.Duration
}

// flow is one arena entry. Index-stable: pump goroutines carry only the
// int handle, never a pointer to flow itself, preferring arena+index over
// strong cross-references so the registry can be walked and mutated
// concurrently without pointer-lifetime headaches.
type flow struct {
	id       int
	origDst  netip.AddrPort
	virtual  VirtualConn
	upstream net.Conn
	cancel   context.CancelFunc
	bytesIn  atomic.Int64 // upstream -> virtual
	bytesOut atomic.Int64 // virtual -> upstream
}

// Stats is a point-in-time snapshot of one flow's byte counters.
type Stats struct {
	ID       int
	Dst      netip.AddrPort
	BytesIn  int64
	BytesOut int64
}

// FailureCounters tallies per-flow CONNECT outcomes; never fatal to the
// process — per-flow errors are absorbed at the connection manager.
type FailureCounters struct {
	Refused   atomic.Int64
	Timeout   atomic.Int64
	HTTPError atomic.Int64
	Malformed atomic.Int64
}

// Manager owns the flow registry and hands each accepted virtual stream a
// CONNECT tunnel plus two byte pumps.
type Manager struct {
	params Params
	logger *logging.Logger

	mu       sync.Mutex
	flows    map[int]*flow
	nextID   int
	wg       sync.WaitGroup
	failures FailureCounters
}

// New returns a Manager. logger defaults to the package default if nil.
func New(p Params, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	if p.GracePeriod == 0 {
		p.GracePeriod = time.Second
	}
	return &Manager{
		params: p,
		logger: logger.WithComponent("connmgr"),
		flows:  make(map[int]*flow),
	}
}

// Handle takes ownership of virtual (an accepted stream whose original
// destination was origDst) and runs its whole lifecycle: opening the
// CONNECT tunnel, relaying bytes, and removing the flow from the registry
// on completion. It returns once the flow is fully torn down; callers run
// it in its own goroutine per accepted flow.
func (m *Manager) Handle(ctx context.Context, virtual VirtualConn, origDst netip.AddrPort) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	f := &flow{origDst: origDst, virtual: virtual, cancel: cancel}
	m.register(f)
	defer m.unregister(f)

	proxyIP := m.pickProxyIP()
	upstream, leftover, err := connectclient.Connect(
		proxyIP, m.params.ProxyPort,
		origDst.Addr().String(), origDst.Port(),
		m.params.Credentials,
		connectclient.Options{
			SOMark:           m.params.ProxyMark,
			ConnectTimeout:   m.params.ConnectTimeout,
			HandshakeTimeout: m.params.HandshakeTimeout,
		},
	)
	if err != nil {
		m.countFailure(err)
		m.logger.Debug("CONNECT failed", "dst", origDst, "error", err)
		virtual.Close()
		return
	}
	f.upstream = upstream
	defer upstream.Close()
	defer virtual.Close()

	if len(leftover) > 0 {
		if _, err := virtual.Write(leftover); err != nil {
			m.logger.Debug("failed writing CONNECT leftover to virtual stream", "dst", origDst, "error", err)
			return
		}
	}

	m.relay(ctx, f)
}

// pickProxyIP chooses one of the configured proxy IPs at random, spreading
// load across a resolved name's A records.
func (m *Manager) pickProxyIP() string {
	ips := m.params.ProxyIPs
	if len(ips) == 1 {
		return ips[0]
	}
	return ips[rand.IntN(len(ips))]
}

// relay runs the two unidirectional byte pumps and waits for both to finish.
// EOF in one direction is propagated as a half-close while the other pump
// keeps running; a read/write error in either pump, or cancellation of ctx,
// gives the pumps GracePeriod to finish before both connections are closed.
func (m *Manager) relay(ctx context.Context, f *flow) {
	failed := make(chan struct{})
	var once sync.Once
	fail := func() { once.Do(func() { close(failed) }) }

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		n, err := io.Copy(writerOnly{f.upstream}, f.virtual)
		f.bytesOut.Add(n)
		if err != nil {
			fail()
		}
		f.virtual.CloseRead()
		closeWrite(f.upstream)
	}()
	go func() {
		defer wg.Done()
		n, err := io.Copy(writerOnly{f.virtual}, f.upstream)
		f.bytesIn.Add(n)
		if err != nil {
			fail()
		}
		f.virtual.CloseWrite()
		closeRead(f.upstream)
	}()

	waitCh := make(chan struct{})
	go func() { wg.Wait(); close(waitCh) }()
	select {
	case <-waitCh:
		return
	case <-failed:
	case <-ctx.Done():
	}

	select {
	case <-waitCh:
	case <-time.After(m.params.GracePeriod):
		f.virtual.Close()
		f.upstream.Close()
		<-waitCh
	}
}

func (m *Manager) register(f *flow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	f.id = m.nextID
	m.flows[f.id] = f
	m.wg.Add(1)
}

func (m *Manager) unregister(f *flow) {
	m.mu.Lock()
	delete(m.flows, f.id)
	m.mu.Unlock()
	m.wg.Done()
}

func (m *Manager) countFailure(err error) {
	switch errors.GetKind(err) {
	case errors.KindConnectRefused:
		m.failures.Refused.Add(1)
	case errors.KindConnectTimeout:
		m.failures.Timeout.Add(1)
	case errors.KindConnectHTTPError:
		m.failures.HTTPError.Add(1)
	case errors.KindConnectMalformed:
		m.failures.Malformed.Add(1)
	}
}

// Stats returns a snapshot of every currently active flow's byte counters.
func (m *Manager) Stats() []Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Stats, 0, len(m.flows))
	for _, f := range m.flows {
		out = append(out, Stats{
			ID:       f.id,
			Dst:      f.origDst,
			BytesIn:  f.bytesIn.Load(),
			BytesOut: f.bytesOut.Load(),
		})
	}
	return out
}

// Shutdown cancels every active flow's context and waits, with no timeout of
// its own, for all Handle calls to return; a relaying flow's connections are
// closed at most GracePeriod after cancellation.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	for _, f := range m.flows {
		f.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

type writerOnly struct{ w io.Writer }

func (w writerOnly) Write(p []byte) (int, error) { return w.w.Write(p) }

// closeWrite half-closes c's write side when it supports it, else closes it
// entirely (matches the upstream connection's *net.TCPConn.CloseWrite).
func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
		return
	}
	c.Close()
}

func closeRead(c net.Conn) {
	if cr, ok := c.(interface{ CloseRead() error }); ok {
		cr.CloseRead()
		return
	}
	c.Close()
}
