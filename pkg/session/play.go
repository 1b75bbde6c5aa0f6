package session

import (
	"bufio"
	"context"
	"log"
	"strings"
	"time"

	"github.com/StoreStation/rleclassic/pkg/classicerr"
	"github.com/StoreStation/rleclassic/pkg/command"
	"github.com/StoreStation/rleclassic/pkg/protocol"
)

// play runs the Play-state loop: block until a packet id arrives, validate
// it against the whitelist, enforce the fixed-window rate policies, and
// dispatch. Any read failure or policy kick ends the loop, letting Serve's
// deferred terminate run the despawn/leave cleanup.
func (c *Conn) play(ctx context.Context) {
	c.editWindowStart = time.Now()
	c.moveWindowStart = time.Now()

	advisory := marshal(func(w *bufio.Writer) error {
		return protocol.WriteMessage(w, protocol.Message{
			SenderID: protocol.SystemSender,
			Text:     "&ePlease /login <password> or /register <password>",
		})
	})
	c.fabric.Send(c.peer, advisory)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		id, err := protocol.ReadPacketID(c.nc)
		if err != nil {
			return
		}
		if err := protocol.ValidatePlayID(id); err != nil {
			c.kick("Invalid packet sequence detected.")
			return
		}

		var handleErr error
		switch id {
		case protocol.IDSetBlock:
			handleErr = c.handleSetBlock()
		case protocol.IDPosOrient:
			handleErr = c.handlePosOrient()
		case protocol.IDMessage:
			handleErr = c.handleMessage()
		case protocol.IDHandshake:
			// A repeated handshake is legal on the wire but carries
			// nothing the server needs a second time; read it off the
			// stream and drop it.
			_, handleErr = protocol.ReadHandshake(c.nc)
		default:
			log.Printf("[session] %s: unexpected packet 0x%02x", c.peer.Username(), id)
		}
		if handleErr != nil {
			return
		}
	}
}

func (c *Conn) handleSetBlock() error {
	sb, err := protocol.ReadSetBlock(c.nc)
	if err != nil {
		return err
	}

	if c.recordEdit() {
		reason := "Triggered Anti Grief. Slow down!"
		c.kick(reason)
		return classicerr.NewPolicy(reason)
	}

	block := byte(0)
	if sb.Mode == 1 {
		block = sb.Block
	}
	if _, ok := c.store.ApplyEdit(int(sb.X), int(sb.Y), int(sb.Z), block); !ok {
		return nil
	}

	update := marshal(func(w *bufio.Writer) error {
		return protocol.WriteBlockUpdate(w, sb.X, sb.Y, sb.Z, block)
	})
	c.fabric.Broadcast(update, nil)
	return nil
}

func (c *Conn) handlePosOrient() error {
	po, err := protocol.ReadPositionOrientation(c.nc)
	if err != nil {
		return err
	}

	if c.recordMove() {
		reason := "Triggered Packet Spam"
		c.kick(reason)
		return classicerr.NewPolicy(reason)
	}

	if !c.peer.Authenticated() {
		sx, sy, sz := c.store.SpawnPoint()
		teleport := protocol.PositionOrientation{PeerID: protocol.SelfID, X: sx, Y: sy, Z: sz}
		pkt := marshal(func(w *bufio.Writer) error { return protocol.WritePositionOrientation(w, teleport) })
		return c.fabric.Send(c.peer, pkt)
	}

	broadcastPos := protocol.PositionOrientation{
		PeerID: c.peer.ID,
		X:      po.X, Y: po.Y, Z: po.Z,
		Yaw: po.Yaw, Pitch: po.Pitch,
	}
	pkt := marshal(func(w *bufio.Writer) error { return protocol.WritePositionOrientation(w, broadcastPos) })
	c.fabric.Broadcast(pkt, c.peer)
	return nil
}

func (c *Conn) handleMessage() error {
	msg, err := protocol.ReadMessage(c.nc)
	if err != nil {
		return err
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return nil
	}

	if !c.peer.Authenticated() && !strings.HasPrefix(text, "/login") && !strings.HasPrefix(text, "/register") {
		return c.fabric.Send(c.peer, marshal(func(w *bufio.Writer) error {
			return protocol.WriteMessage(w, protocol.Message{SenderID: protocol.SystemSender, Text: "&cLogin to chat!"})
		}))
	}

	if command.IsCommand(text) {
		c.dispatch.Dispatch(c.peer, text)
		return nil
	}

	line := "&f<" + c.peer.Username() + "> " + text
	pkt := marshal(func(w *bufio.Writer) error {
		return protocol.WriteMessage(w, protocol.Message{SenderID: protocol.SystemSender, Text: line})
	})
	c.fabric.Broadcast(pkt, nil)
	return nil
}

// kick sends a 0x0e disconnect to this peer. The caller is responsible for
// ending the play loop; Serve's deferred terminate() handles the rest.
func (c *Conn) kick(reason string) {
	disc := marshal(func(w *bufio.Writer) error {
		return protocol.WriteDisconnect(w, "Kicked for reason: "+reason)
	})
	c.peer.Write(disc)
}

// recordEdit advances the 1-second anti-grief window and reports whether
// this edit put the peer over the configured threshold. The window is
// fixed, not rolling: it restarts once a full second has passed since it
// opened, so edits on either side of a restart are counted separately.
func (c *Conn) recordEdit() bool {
	now := time.Now()
	if now.Sub(c.editWindowStart) >= time.Second {
		c.editWindowStart = now
		c.editCount = 0
	}
	c.editCount++
	return c.editCount > c.cfg.AntiGriefPerSecond
}

// recordMove advances the 30-second move-spam window and reports whether
// this movement put the peer over the configured threshold. Like
// recordEdit, the window is fixed rather than rolling.
func (c *Conn) recordMove() bool {
	now := time.Now()
	if now.Sub(c.moveWindowStart) >= 30*time.Second {
		c.moveWindowStart = now
		c.moveCount = 0
	}
	c.moveCount++
	return c.moveCount > c.cfg.MoveSpamPer30Sec
}
