// Package session drives one peer's connection through the Greet ->
// Streaming -> Play -> Terminating state machine and enforces the Play
// loop's policy checks. It is the one package that wires pkg/protocol,
// pkg/world, pkg/broadcast, and pkg/command together.
package session

import (
	"bufio"
	"bytes"
	"context"
	"log"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/StoreStation/rleclassic/pkg/broadcast"
	"github.com/StoreStation/rleclassic/pkg/classicerr"
	"github.com/StoreStation/rleclassic/pkg/command"
	"github.com/StoreStation/rleclassic/pkg/config"
	"github.com/StoreStation/rleclassic/pkg/protocol"
	"github.com/StoreStation/rleclassic/pkg/world"
)

type connState int

const (
	stateGreet connState = iota
	stateStreaming
	statePlay
	stateTerminating
)

const (
	protocolVersion   = 7
	handshakeDeadline = 30 * time.Second
)

// Conn owns one peer's socket and state for the life of the connection. It
// is constructed fresh per accepted TCP connection and run to completion on
// its own goroutine. Every outbound packet, including the handshake reply
// and the level stream, is written through the registered Peer so that a
// concurrent broadcast from another connection can never interleave with
// this connection's own writes: both paths serialize on the same
// per-peer mutex.
type Conn struct {
	nc net.Conn

	registry *broadcast.Registry
	fabric   *broadcast.Fabric
	store    *world.Store
	dispatch *command.Dispatcher
	cfg      config.Config

	peer  *broadcast.Peer
	state connState

	editWindowStart time.Time
	editCount       int
	moveWindowStart time.Time
	moveCount       int
}

// New constructs a Conn for an accepted socket. The peer is not registered
// until the handshake succeeds.
func New(nc net.Conn, registry *broadcast.Registry, fabric *broadcast.Fabric, store *world.Store, dispatch *command.Dispatcher, cfg config.Config) *Conn {
	return &Conn{
		nc:       nc,
		registry: registry,
		fabric:   fabric,
		store:    store,
		dispatch: dispatch,
		cfg:      cfg,
		state:    stateGreet,
	}
}

// Serve runs the connection to completion: handshake, level stream, play
// loop, teardown. It always returns after the socket is closed.
func (c *Conn) Serve(ctx context.Context) {
	defer c.terminate()

	if err := c.greet(); err != nil {
		log.Printf("[session] handshake failed from %s: %v", c.nc.RemoteAddr(), err)
		return
	}
	c.state = stateStreaming

	if err := c.stream(ctx); err != nil {
		log.Printf("[session] %s: level stream failed: %v", c.peer.Username(), err)
		return
	}
	c.state = statePlay

	c.play(ctx)
}

func (c *Conn) greet() error {
	c.nc.SetReadDeadline(time.Now().Add(handshakeDeadline))
	defer c.nc.SetReadDeadline(time.Time{})

	id, err := protocol.ReadPacketID(c.nc)
	if err != nil {
		return err
	}
	if id != protocol.IDHandshake {
		return errors.Wrapf(classicerr.ErrProtocol, "expected handshake, got 0x%02x", id)
	}
	hs, err := protocol.ReadHandshake(c.nc)
	if err != nil {
		return err
	}

	peer, err := c.registry.Join(c.nc)
	if err != nil {
		return errors.Wrap(err, "registry full")
	}
	peer.SetUsername(hs.Name)
	c.peer = peer

	reply := marshal(func(w *bufio.Writer) error {
		if err := protocol.WriteUint8(w, protocol.IDHandshake); err != nil {
			return err
		}
		if err := protocol.WriteHandshake(w, protocol.Handshake{
			Version:  protocolVersion,
			Name:     c.cfg.ServerName,
			KeyMOTD:  c.cfg.MOTD,
			UserType: 0,
		}); err != nil {
			return err
		}
		return protocol.WriteLevelInit(w)
	})
	return c.peer.Write(reply)
}

func (c *Conn) stream(ctx context.Context) error {
	if err := c.store.StreamGzipped(ctx, c, protocol.ChunkDataLen); err != nil {
		return err
	}

	d := c.store.Dims
	sx, sy, sz := c.store.SpawnPoint()
	name := c.peer.Username()

	finalizeAndSelf := marshal(func(w *bufio.Writer) error {
		if err := protocol.WriteLevelFinalize(w, int16(d.X), int16(d.Y), int16(d.Z)); err != nil {
			return err
		}
		self := protocol.SpawnPlayer{PeerID: protocol.SelfID, Name: name, X: sx, Y: sy, Z: sz}
		return protocol.WriteSpawnPlayer(w, self)
	})
	if err := c.peer.Write(finalizeAndSelf); err != nil {
		return err
	}

	others := protocol.SpawnPlayer{PeerID: c.peer.ID, Name: name, X: sx, Y: sy, Z: sz}
	pkt := marshal(func(w *bufio.Writer) error { return protocol.WriteSpawnPlayer(w, others) })
	c.fabric.Broadcast(pkt, c.peer)

	for _, other := range c.registry.Snapshot() {
		if other == c.peer {
			continue
		}
		sp := protocol.SpawnPlayer{PeerID: other.ID, Name: other.Username(), X: sx, Y: sy, Z: sz}
		existing := marshal(func(w *bufio.Writer) error { return protocol.WriteSpawnPlayer(w, sp) })
		if err := c.fabric.Send(c.peer, existing); err != nil {
			return err
		}
	}

	join := marshal(func(w *bufio.Writer) error {
		return protocol.WriteMessage(w, protocol.Message{SenderID: protocol.SystemSender, Text: "&e" + name + " joined the game"})
	})
	c.fabric.Broadcast(join, nil)
	return nil
}

// WriteChunk implements world.ChunkSink by writing a 0x03 packet through
// the registered peer, keeping every chunk serialized with any concurrent
// broadcast the same way ordinary Play-state packets are.
func (c *Conn) WriteChunk(ctx context.Context, data []byte, pct int) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	pkt := marshal(func(w *bufio.Writer) error { return protocol.WriteLevelChunk(w, data, byte(pct)) })
	return c.peer.Write(pkt)
}

func (c *Conn) terminate() {
	c.state = stateTerminating
	if c.peer != nil {
		c.registry.Leave(c.peer)
		despawn := marshal(func(w *bufio.Writer) error { return protocol.WriteDespawn(w, c.peer.ID) })
		c.fabric.Broadcast(despawn, nil)

		if name := c.peer.Username(); name != "" {
			leave := marshal(func(w *bufio.Writer) error {
				return protocol.WriteMessage(w, protocol.Message{SenderID: protocol.SystemSender, Text: "&e" + name + " left the game"})
			})
			c.fabric.Broadcast(leave, nil)
		}
	}
	c.nc.Close()
}

// marshal renders a write callback into a standalone byte slice suitable
// for fan-out through the broadcast fabric, which writes pre-built packets
// rather than calling back into pkg/protocol per peer.
func marshal(write func(w *bufio.Writer) error) []byte {
	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	if err := write(bw); err != nil {
		return nil
	}
	bw.Flush()
	return buf.Bytes()
}
