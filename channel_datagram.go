// Copyright 2025 CloudWeGo Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build linux
// +build linux

package udspoll

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// DatagramChannel is a datagram socket. It is unconnected and unbound when
// opened, Connect restricts its traffic to one peer.
type DatagramChannel struct {
	ioChannel
	bound bool
	peer  *UnixAddr // under stateMu
}

// OpenDatagramChannel creates an unconnected datagram channel in blocking mode.
func OpenDatagramChannel() (*DatagramChannel, error) {
	conn, err := openSocket(unix.SOCK_DGRAM)
	if err != nil {
		return nil, err
	}
	d := &DatagramChannel{}
	ch, err := newChannel(d, conn, OpRead|OpWrite)
	if err != nil {
		return nil, err
	}
	d.ioChannel = ioChannel{channel: ch}
	return d, nil
}

// DatagramPair returns two datagram channels connected to each other.
// Their peers are unnamed, so they talk through Read and Write.
func DatagramPair() (a, b *DatagramChannel, err error) {
	fa, fb, err := getSysFdPairs(unix.SOCK_DGRAM)
	if err != nil {
		return nil, nil, Exception(err, "when socketpair")
	}
	if a, err = newPairedDatagram(fa); err != nil {
		_ = unix.Close(fb)
		return nil, nil, err
	}
	if b, err = newPairedDatagram(fb); err != nil {
		a.Close()
		return nil, nil, err
	}
	return a, b, nil
}

func newPairedDatagram(fd int) (*DatagramChannel, error) {
	conn, err := wrapSocket(fd)
	if err != nil {
		return nil, err
	}
	d := &DatagramChannel{peer: &UnixAddr{}}
	ch, err := newChannel(d, conn, OpRead|OpWrite)
	if err != nil {
		return nil, err
	}
	d.ioChannel = ioChannel{channel: ch}
	return d, nil
}

// Bind binds the channel to addr, once.
func (d *DatagramChannel) Bind(addr *UnixAddr) error {
	sa, err := addr.sockaddr()
	if err != nil {
		return err
	}
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	switch {
	case d.isClosed():
		return Exception(ErrChannelClosed, "when bind")
	case d.bound:
		return Exception(ErrAlreadyBound, addr.Path)
	}
	if err = d.conn.Bind(sa); err != nil {
		return ioException(err, "bind "+addr.Path)
	}
	d.bound = true
	d.localAddr = addr
	return nil
}

// Connect restricts sending and receiving to addr.
func (d *DatagramChannel) Connect(addr *UnixAddr) error {
	sa, err := addr.sockaddr()
	if err != nil {
		return err
	}
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	switch {
	case d.isClosed():
		return Exception(ErrChannelClosed, "when connect")
	case d.peer != nil:
		return Exception(ErrAlreadyConnected, addr.Path)
	}
	err = d.doControl("connect", func(fd int) error {
		return unix.Connect(fd, sa)
	})
	if err != nil {
		return errnoException(err, "connect "+addr.Path)
	}
	d.peer = addr
	return nil
}

// Disconnect dissolves the association made by Connect, it's a no-op when not connected.
func (d *DatagramChannel) Disconnect() error {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	switch {
	case d.isClosed():
		return Exception(ErrChannelClosed, "when disconnect")
	case d.peer == nil:
		return nil
	}
	err := d.doControl("disconnect", connectUnspec)
	if err != nil {
		return errnoException(err, "disconnect")
	}
	d.peer = nil
	return nil
}

func (d *DatagramChannel) IsConnected() bool {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.peer != nil
}

// RemoteAddr returns the connected peer, or nil.
func (d *DatagramChannel) RemoteAddr() (*UnixAddr, error) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	if d.isClosed() {
		return nil, Exception(ErrChannelClosed, "when remote addr")
	}
	return d.peer, nil
}

// Send sends the remaining bytes of b as one datagram to target and advances
// the position of b. A connected channel only accepts its peer as target.
// It returns 0 and a nil error when a non-blocking send would block.
func (d *DatagramChannel) Send(b *ByteBuffer, target *UnixAddr) (n int, err error) {
	d.stateMu.Lock()
	closed, peer := d.isClosed(), d.peer
	d.stateMu.Unlock()
	switch {
	case closed:
		return 0, Exception(ErrChannelClosed, "when send")
	case peer != nil && !peer.Equal(target):
		return 0, Exception(ErrTargetMismatch, fmt.Sprintf("target=%s peer=%s", target, peer))
	}
	sa, err := target.sockaddr()
	if err != nil {
		return 0, err
	}
	p := b.Bytes()
	d.wmu.Lock()
	defer d.wmu.Unlock()
	err = d.doWrite("sendto", func(fd int) error {
		return sysSendto(fd, p, 0, sa)
	})
	if isWouldBlock(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errnoException(err, "sendto "+target.Path)
	}
	b.skip(len(p))
	return len(p), nil
}

// Receive reads one datagram into the free room of b and returns its sender,
// which has an empty Path when the sender is unnamed. Bytes beyond the room of
// b are discarded. It returns nil and a nil error when a non-blocking receive
// would block.
func (d *DatagramChannel) Receive(b *ByteBuffer) (sender *UnixAddr, err error) {
	if d.isClosed() {
		return nil, Exception(ErrChannelClosed, "when receive")
	}
	p := b.Bytes()
	var n int
	var from unix.Sockaddr
	d.rmu.Lock()
	defer d.rmu.Unlock()
	err = d.doRead("recvfrom", func(fd int) (err error) {
		n, from, err = unix.Recvfrom(fd, p, 0)
		return err
	})
	if isWouldBlock(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errnoException(err, "recvfrom")
	}
	b.skip(n)
	return addrFromSockaddr(from), nil
}

func (d *DatagramChannel) checkConnected(op string) error {
	switch {
	case d.isClosed():
		return Exception(ErrChannelClosed, "when "+op)
	case !d.IsConnected():
		return Exception(ErrNotYetConnected, "when "+op)
	}
	return nil
}

// Read reads one datagram from the connected peer.
func (d *DatagramChannel) Read(p []byte) (n int, err error) {
	if err = d.checkConnected("read"); err != nil {
		return 0, err
	}
	return d.read(p)
}

// Write sends p as one datagram to the connected peer.
func (d *DatagramChannel) Write(p []byte) (n int, err error) {
	if err = d.checkConnected("write"); err != nil {
		return 0, err
	}
	return d.write(p)
}

// ReadBuffers scatters one datagram from the connected peer over bufs.
func (d *DatagramChannel) ReadBuffers(bufs []*ByteBuffer) (n int64, err error) {
	if err = d.checkConnected("read"); err != nil {
		return 0, err
	}
	v := acquireIOVec()
	defer releaseIOVec(v)
	return d.readBuffers(v, bufs)
}

// WriteBuffers gathers bufs into one datagram to the connected peer.
func (d *DatagramChannel) WriteBuffers(bufs []*ByteBuffer) (n int64, err error) {
	if err = d.checkConnected("write"); err != nil {
		return 0, err
	}
	v := acquireIOVec()
	defer releaseIOVec(v)
	return d.writeBuffers(v, bufs)
}

func (d *DatagramChannel) String() string {
	return fmt.Sprintf("DatagramChannel[fd=%d]", d.fd)
}
