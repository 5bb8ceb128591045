// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

// Package tundev opens a virtual L3 interface and reads/writes raw IPv4
// packets asynchronously.
package tundev

import (
	wgtun "golang.zx2c4.com/wireguard/tun"

	"grimm.is/tunwall/internal/errors"
)

const packetOffset = 0 // no virtio-net header on a plain Linux TUN fd

// Device wraps a wireguard-go TUN device, exposing a simple one-packet-at-a-
// time Read/Write on top of its batched interface (teacher pattern: wrap a
// batched third-party I/O primitive behind a small interface the rest of the
// codebase can use without knowing about batching).
type Device struct {
	dev        wgtun.Device
	name       string
	mtu        int
	readBufs   [][]byte
	readSizes  []int
	writeBufs  [][]byte
}

// Open creates (or attaches to) a TUN interface named name with the given MTU.
func Open(name string, mtu int) (*Device, error) {
	dev, err := wgtun.CreateTUN(name, mtu)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindTunOpenFailed, "create TUN %s", name)
	}
	actualName, err := dev.Name()
	if err != nil {
		dev.Close()
		return nil, errors.Wrap(err, errors.KindTunOpenFailed, "read back TUN name")
	}

	batch := dev.BatchSize()
	if batch < 1 {
		batch = 1
	}
	bufSize := mtu + 256 // headroom matching other wireguard-go TUN consumers
	readBufs := make([][]byte, batch)
	for i := range readBufs {
		readBufs[i] = make([]byte, bufSize)
	}

	return &Device{
		dev:       dev,
		name:      actualName,
		mtu:       mtu,
		readBufs:  readBufs,
		readSizes: make([]int, batch),
		writeBufs: make([][]byte, 1),
	}, nil
}

// Name returns the interface name the kernel actually assigned.
func (d *Device) Name() string { return d.name }

// ReadPacket blocks for the next inbound IPv4 datagram and returns a copy of
// its bytes (safe to retain past the next ReadPacket call).
func (d *Device) ReadPacket() ([]byte, error) {
	n, err := d.dev.Read(d.readBufs, d.readSizes, packetOffset)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindTunIOFailed, "read from TUN")
	}
	if n == 0 {
		return nil, nil
	}
	size := d.readSizes[0]
	out := make([]byte, size)
	copy(out, d.readBufs[0][packetOffset:packetOffset+size])
	return out, nil
}

// WritePacket writes one IPv4 datagram back out the TUN.
func (d *Device) WritePacket(pkt []byte) error {
	d.writeBufs[0] = pkt
	if _, err := d.dev.Write(d.writeBufs, packetOffset); err != nil {
		return errors.Wrap(err, errors.KindTunIOFailed, "write to TUN")
	}
	return nil
}

// Close releases the TUN file descriptor. The kernel removes the interface
// once the last reference to it (this fd) closes.
func (d *Device) Close() error {
	if err := d.dev.Close(); err != nil {
		return errors.Wrap(err, errors.KindTunIOFailed, "close TUN")
	}
	return nil
}
