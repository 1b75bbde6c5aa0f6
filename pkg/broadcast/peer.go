// Package broadcast implements the peer registry and fan-out fabric: every
// connected player is a Peer in a Registry, and a Fabric delivers packets to
// some or all of them while isolating a write failure on one peer from
// every other peer's delivery.
package broadcast

import (
	"io"
	"sync"
)

// Peer is one connected player's registry entry: a stable protocol id, the
// socket to write to, and the small bit of session metadata the broadcast
// fabric and command layer need without reaching back into pkg/session.
type Peer struct {
	ID int8

	writeMu sync.Mutex
	conn    io.WriteCloser

	metaMu        sync.RWMutex
	username      string
	authenticated bool
}

func newPeer(id int8, conn io.WriteCloser) *Peer {
	return &Peer{ID: id, conn: conn}
}

// Write sends pkt on the peer's socket. Writes from different goroutines
// (the peer's own handler and concurrent broadcasts) are serialized so a
// packet is never split by an interleaved write.
func (p *Peer) Write(pkt []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err := p.conn.Write(pkt)
	return err
}

// Close closes the underlying connection. Safe to call more than once.
func (p *Peer) Close() error {
	return p.conn.Close()
}

// Username returns the peer's chosen name, or "" before the handshake names
// it.
func (p *Peer) Username() string {
	p.metaMu.RLock()
	defer p.metaMu.RUnlock()
	return p.username
}

// SetUsername records the name the peer handshook with.
func (p *Peer) SetUsername(name string) {
	p.metaMu.Lock()
	p.username = name
	p.metaMu.Unlock()
}

// Authenticated reports whether the peer has completed /login or /register.
func (p *Peer) Authenticated() bool {
	p.metaMu.RLock()
	defer p.metaMu.RUnlock()
	return p.authenticated
}

// SetAuthenticated marks the peer as having passed the auth gate.
func (p *Peer) SetAuthenticated(v bool) {
	p.metaMu.Lock()
	p.authenticated = v
	p.metaMu.Unlock()
}
