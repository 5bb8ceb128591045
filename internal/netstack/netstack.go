// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

// Package netstack wraps gVisor's TCP/IP stack over the TUN device,
// reassembling TCP flows from raw IPv4 packets. The NIC runs in promiscuous
// + spoofing mode so it accepts SYNs for any destination address, not just
// ones assigned to the interface — transparent listening is a hard
// requirement here rather than something to simulate.
package netstack

import (
	"context"
	"net/netip"
	"sync"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/waiter"

	"grimm.is/tunwall/internal/errors"
	"grimm.is/tunwall/internal/logging"
)

const (
	nicID                            = 1
	channelQueueLen                  = 512
	tcpReceiveBufferSize             = 0 // 0 means gVisor picks a default
	maxInFlightTCPConnectionAttempts = 1024
	acceptBacklog                    = 256
)

// Packet is the one-packet-at-a-time raw IPv4 I/O primitive the stack pumps
// against. *tundev.Device satisfies this without netstack importing it,
// keeping the dependency pointed at the interface rather than the concrete
// wireguard-go-backed type.
type Packet interface {
	ReadPacket() ([]byte, error)
	WritePacket(pkt []byte) error
}

// Flow is one accepted TCP stream together with the five-tuple it arrived
// on — in particular OrigDst, the destination the application actually
// dialed before policy routing steered it onto the TUN.
type Flow struct {
	Conn    *gonet.TCPConn
	OrigDst netip.AddrPort
	OrigSrc netip.AddrPort
}

// Stack reassembles TCP flows from the packets read off a TUN device and
// hands each accepted one to the connection manager via Accept.
type Stack struct {
	ns       *stack.Stack
	ep       *channel.Endpoint
	dev      Packet
	mtu      int
	logger   *logging.Logger
	accepted chan *Flow

	wg sync.WaitGroup
}

// New builds the gVisor stack, attaches it to dev via a channel endpoint,
// assigns gatewayAddr (the address the virtual stack answers as), and arms
// a TCP forwarder that accepts connections for any destination.
func New(dev Packet, gatewayAddr netip.Addr, mtu int, logger *logging.Logger) (*Stack, error) {
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	logger = logger.WithComponent("netstack")

	ep := channel.New(channelQueueLen, uint32(mtu), "")
	ns := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol},
	})

	if err := ns.CreateNIC(nicID, ep); err != nil {
		return nil, errors.Errorf(errors.KindStackFault, "create NIC: %s", err)
	}
	// Promiscuous + spoofing together give "accept a SYN for any
	// destination, reply from any source" — transparent listening,
	// rather than simulating it by rewriting headers against the
	// interface's own address.
	if err := ns.SetPromiscuousMode(nicID, true); err != nil {
		return nil, errors.Errorf(errors.KindStackFault, "set promiscuous mode: %s", err)
	}
	if err := ns.SetSpoofing(nicID, true); err != nil {
		return nil, errors.Errorf(errors.KindStackFault, "set spoofing: %s", err)
	}

	addr := tcpip.AddrFromSlice(gatewayAddr.AsSlice())
	protoAddr := tcpip.ProtocolAddress{
		AddressWithPrefix: addr.WithPrefix(),
		Protocol:          ipv4.ProtocolNumber,
	}
	if err := ns.AddProtocolAddress(nicID, protoAddr, stack.AddressProperties{}); err != nil {
		return nil, errors.Errorf(errors.KindStackFault, "assign gateway address: %s", err)
	}

	ns.SetRouteTable([]tcpip.Route{{
		Destination: header.IPv4EmptySubnet,
		NIC:         nicID,
	}})

	s := &Stack{
		ns:       ns,
		ep:       ep,
		dev:      dev,
		mtu:      mtu,
		logger:   logger,
		accepted: make(chan *Flow, acceptBacklog),
	}

	fwd := tcp.NewForwarder(ns, tcpReceiveBufferSize, maxInFlightTCPConnectionAttempts, s.handleTCP)
	ns.SetTransportProtocolHandler(tcp.ProtocolNumber, fwd.HandlePacket)

	return s, nil
}

// handleTCP completes the gVisor-side handshake for every inbound SYN the
// forwarder hands it and publishes the resulting stream to Accept, tagged
// with the original five-tuple. A SYN whose endpoint cannot be created is
// answered with a TCP reset; a flow that arrives while the accept backlog is
// full is closed and dropped.
func (s *Stack) handleTCP(req *tcp.ForwarderRequest) {
	id := req.ID()

	var wq waiter.Queue
	ep, err := req.CreateEndpoint(&wq)
	if err != nil {
		s.logger.Debug("refusing inbound TCP", "error", err)
		req.Complete(true)
		return
	}
	req.Complete(false)
	ep.SocketOptions().SetKeepAlive(true)

	conn := gonet.NewTCPConn(&wq, ep)
	flow := &Flow{
		Conn:    conn,
		OrigDst: netip.AddrPortFrom(addrFromTCPIP(id.LocalAddress), id.LocalPort),
		OrigSrc: netip.AddrPortFrom(addrFromTCPIP(id.RemoteAddress), id.RemotePort),
	}

	select {
	case s.accepted <- flow:
	default:
		s.logger.Warn("accept backlog full, dropping flow", "dst", flow.OrigDst)
		conn.Close()
	}
}

// Accept blocks until the next accepted flow is available, or ctx is
// canceled, or the stack has been torn down.
func (s *Stack) Accept(ctx context.Context) (*Flow, error) {
	select {
	case f, ok := <-s.accepted:
		if !ok {
			return nil, errors.New(errors.KindStackFault, "netstack accept channel closed")
		}
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run pumps packets between dev and the gVisor link endpoint until ctx is
// canceled, then tears the endpoint and stack down. It blocks; callers run
// it in its own goroutine. Internally it runs one TUN-reader task and one
// TUN-writer task concurrently.
func (s *Stack) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.pumpTUNToStack(gctx) })
	g.Go(func() error { return s.pumpStackToTUN(gctx) })

	<-gctx.Done()
	s.ep.Close()

	err := g.Wait()
	s.wg.Wait()
	close(s.accepted)
	s.ns.Destroy()
	if err != nil && ctx.Err() == nil {
		return errors.Wrap(err, errors.KindStackFault, "netstack pump failed")
	}
	return nil
}

// pumpTUNToStack reads raw IPv4 datagrams off the TUN and injects them into
// the link endpoint as inbound packets. It also sniffs SYNs purely for
// telemetry: a minimal IPv4+TCP header parser used only for logging.
func (s *Stack) pumpTUNToStack(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		pkt, err := s.dev.ReadPacket()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, errors.KindTunIOFailed, "read from TUN")
		}
		if len(pkt) == 0 {
			continue
		}
		if src, dst, ok := sniffSYN(pkt); ok {
			s.logger.Debug("new flow SYN observed", "src", src, "dst", dst)
		}

		pb := stack.NewPacketBuffer(stack.PacketBufferOptions{
			Payload: buffer.MakeWithData(pkt),
		})
		s.ep.InjectInbound(header.IPv4ProtocolNumber, pb)
		pb.DecRef()
	}
}

// pumpStackToTUN drains the link endpoint's egress queue and writes each
// packet back out the TUN.
func (s *Stack) pumpStackToTUN(ctx context.Context) error {
	for {
		pb := s.ep.ReadContext(ctx)
		if pb.IsNil() {
			return ctx.Err()
		}
		var buf []byte
		for _, v := range pb.AsSlices() {
			buf = append(buf, v...)
		}
		pb.DecRef()
		if err := s.dev.WritePacket(buf); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, errors.KindTunIOFailed, "write to TUN")
		}
	}
}

func addrFromTCPIP(a tcpip.Address) netip.Addr {
	addr, _ := netip.AddrFromSlice(a.AsSlice())
	return addr
}

// sniffSYN parses just enough of an IPv4+TCP header to report a new flow
// for logging; it never affects correctness, which rests entirely on the
// gVisor stack above.
func sniffSYN(pkt []byte) (src, dst netip.AddrPort, ok bool) {
	if len(pkt) < 20 || pkt[0]>>4 != 4 {
		return netip.AddrPort{}, netip.AddrPort{}, false
	}
	ihl := int(pkt[0]&0x0f) * 4
	if ihl < 20 || len(pkt) < ihl+20 {
		return netip.AddrPort{}, netip.AddrPort{}, false
	}
	if pkt[9] != 6 { // protocol != TCP
		return netip.AddrPort{}, netip.AddrPort{}, false
	}
	tcpHdr := pkt[ihl:]
	flags := tcpHdr[13]
	const synFlag, ackFlag = 0x02, 0x10
	if flags&synFlag == 0 || flags&ackFlag != 0 {
		return netip.AddrPort{}, netip.AddrPort{}, false
	}
	srcIP, _ := netip.AddrFromSlice(pkt[12:16])
	dstIP, _ := netip.AddrFromSlice(pkt[16:20])
	srcPort := uint16(tcpHdr[0])<<8 | uint16(tcpHdr[1])
	dstPort := uint16(tcpHdr[2])<<8 | uint16(tcpHdr[3])
	return netip.AddrPortFrom(srcIP, srcPort), netip.AddrPortFrom(dstIP, dstPort), true
}
