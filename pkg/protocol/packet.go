package protocol

import (
	"io"

	"github.com/pkg/errors"

	"github.com/StoreStation/rleclassic/pkg/classicerr"
)

// Packet ids, per the Classic 0.30 packet table.
const (
	IDHandshake   byte = 0x00
	IDLevelInit   byte = 0x02
	IDLevelChunk  byte = 0x03
	IDLevelFinal  byte = 0x04
	IDSetBlock    byte = 0x05 // client -> server
	IDBlockUpdate byte = 0x06 // server -> client
	IDSpawnPlayer byte = 0x07
	IDPosOrient   byte = 0x08
	IDDespawn     byte = 0x0c
	IDMessage     byte = 0x0d
	IDDisconnect  byte = 0x0e
)

// SelfID is the wire sentinel meaning "the recipient's own player" in a
// SpawnPlayer or PositionOrientation packet.
const SelfID int8 = -1

// SystemSender is the sender id the server uses for its own chat lines.
const SystemSender int8 = -1 // encoded on the wire as 0xFF (int8(-1) == 0xFF)

// InboundWhitelist is the set of packet ids a client may legally send once
// in the Play state. A repeated handshake (0x00) is tolerated and ignored;
// any id outside this set is a protocol error.
var InboundWhitelist = map[byte]bool{
	IDHandshake: true,
	IDSetBlock:  true,
	IDPosOrient: true,
	IDMessage:   true,
}

// Handshake is both the client's initial greeting and the server's
// identification reply (0x00); the four fields have the same layout in
// both directions.
type Handshake struct {
	Version  byte
	Name     string // server name when outbound, player name when inbound
	KeyMOTD  string // verify_key when inbound, MOTD when outbound
	UserType byte
}

func ReadHandshake(r io.Reader) (Handshake, error) {
	var h Handshake
	var err error
	if h.Version, err = ReadUint8(r); err != nil {
		return h, err
	}
	if h.Name, err = ReadString64(r); err != nil {
		return h, err
	}
	if h.KeyMOTD, err = ReadString64(r); err != nil {
		return h, err
	}
	if h.UserType, err = ReadUint8(r); err != nil {
		return h, err
	}
	return h, nil
}

// WriteHandshake writes the four handshake fields only; unlike the other
// Write* functions it does not write the 0x00 id byte, which the caller
// writes first.
func WriteHandshake(w io.Writer, h Handshake) error {
	if err := WriteUint8(w, h.Version); err != nil {
		return err
	}
	if err := WriteString64(w, h.Name); err != nil {
		return err
	}
	if err := WriteString64(w, h.KeyMOTD); err != nil {
		return err
	}
	return WriteUint8(w, h.UserType)
}

// WriteLevelInit writes the 0x02 level-initialize packet (id only).
func WriteLevelInit(w io.Writer) error {
	return WriteUint8(w, IDLevelInit)
}

// LevelChunk is one piece of the gzipped level payload (0x03).
type LevelChunk struct {
	Len     uint16
	Data    [ChunkDataLen]byte
	Percent byte
}

func WriteLevelChunk(w io.Writer, data []byte, percent byte) error {
	if len(data) > ChunkDataLen {
		return classicerr.ErrOversize
	}
	if err := WriteUint8(w, IDLevelChunk); err != nil {
		return err
	}
	if err := WriteUint16(w, uint16(len(data))); err != nil {
		return err
	}
	if err := WriteChunkData(w, data); err != nil {
		return err
	}
	return WriteUint8(w, percent)
}

// LevelFinalize is the 0x04 packet carrying world dimensions.
type LevelFinalize struct {
	X, Y, Z int16
}

func WriteLevelFinalize(w io.Writer, x, y, z int16) error {
	if err := WriteUint8(w, IDLevelFinal); err != nil {
		return err
	}
	if err := WriteInt16(w, x); err != nil {
		return err
	}
	if err := WriteInt16(w, y); err != nil {
		return err
	}
	return WriteInt16(w, z)
}

// SetBlock is the client's 0x05 block-edit request.
type SetBlock struct {
	X, Y, Z int16
	Mode    byte // 1 = place, 0 = destroy
	Block   byte
}

func ReadSetBlock(r io.Reader) (SetBlock, error) {
	var p SetBlock
	var err error
	if p.X, err = ReadInt16(r); err != nil {
		return p, err
	}
	if p.Y, err = ReadInt16(r); err != nil {
		return p, err
	}
	if p.Z, err = ReadInt16(r); err != nil {
		return p, err
	}
	if p.Mode, err = ReadUint8(r); err != nil {
		return p, err
	}
	if p.Block, err = ReadUint8(r); err != nil {
		return p, err
	}
	return p, nil
}

// WriteBlockUpdate writes the server's 0x06 broadcast of a block change.
func WriteBlockUpdate(w io.Writer, x, y, z int16, block byte) error {
	if err := WriteUint8(w, IDBlockUpdate); err != nil {
		return err
	}
	if err := WriteInt16(w, x); err != nil {
		return err
	}
	if err := WriteInt16(w, y); err != nil {
		return err
	}
	if err := WriteInt16(w, z); err != nil {
		return err
	}
	return WriteUint8(w, block)
}

// SpawnPlayer is the 0x07 packet announcing a player to a peer.
type SpawnPlayer struct {
	PeerID     int8
	Name       string
	X, Y, Z    int16
	Yaw, Pitch byte
}

func WriteSpawnPlayer(w io.Writer, p SpawnPlayer) error {
	if err := WriteUint8(w, IDSpawnPlayer); err != nil {
		return err
	}
	if err := WriteInt8(w, p.PeerID); err != nil {
		return err
	}
	if err := WriteString64(w, p.Name); err != nil {
		return err
	}
	if err := WriteInt16(w, p.X); err != nil {
		return err
	}
	if err := WriteInt16(w, p.Y); err != nil {
		return err
	}
	if err := WriteInt16(w, p.Z); err != nil {
		return err
	}
	if err := WriteUint8(w, p.Yaw); err != nil {
		return err
	}
	return WriteUint8(w, p.Pitch)
}

// PositionOrientation is the 0x08 packet, sent by both client and server.
type PositionOrientation struct {
	PeerID     int8
	X, Y, Z    int16
	Yaw, Pitch byte
}

// ReadPositionOrientation reads the field layout following the id byte.
// The client-sent peer id carries no meaning and is ignored by callers.
func ReadPositionOrientation(r io.Reader) (PositionOrientation, error) {
	var p PositionOrientation
	var err error
	if p.PeerID, err = ReadInt8(r); err != nil {
		return p, err
	}
	if p.X, err = ReadInt16(r); err != nil {
		return p, err
	}
	if p.Y, err = ReadInt16(r); err != nil {
		return p, err
	}
	if p.Z, err = ReadInt16(r); err != nil {
		return p, err
	}
	if p.Yaw, err = ReadUint8(r); err != nil {
		return p, err
	}
	if p.Pitch, err = ReadUint8(r); err != nil {
		return p, err
	}
	return p, nil
}

func WritePositionOrientation(w io.Writer, p PositionOrientation) error {
	if err := WriteUint8(w, IDPosOrient); err != nil {
		return err
	}
	if err := WriteInt8(w, p.PeerID); err != nil {
		return err
	}
	if err := WriteInt16(w, p.X); err != nil {
		return err
	}
	if err := WriteInt16(w, p.Y); err != nil {
		return err
	}
	if err := WriteInt16(w, p.Z); err != nil {
		return err
	}
	if err := WriteUint8(w, p.Yaw); err != nil {
		return err
	}
	return WriteUint8(w, p.Pitch)
}

// WriteDespawn writes the 0x0c despawn packet.
func WriteDespawn(w io.Writer, peerID int8) error {
	if err := WriteUint8(w, IDDespawn); err != nil {
		return err
	}
	return WriteInt8(w, peerID)
}

// Message is the 0x0d chat packet, sent by both client and server.
type Message struct {
	SenderID int8
	Text     string
}

func ReadMessage(r io.Reader) (Message, error) {
	var m Message
	var err error
	if m.SenderID, err = ReadInt8(r); err != nil {
		return m, err
	}
	if m.Text, err = ReadString64(r); err != nil {
		return m, err
	}
	return m, nil
}

func WriteMessage(w io.Writer, m Message) error {
	if err := WriteUint8(w, IDMessage); err != nil {
		return err
	}
	if err := WriteInt8(w, m.SenderID); err != nil {
		return err
	}
	return WriteString64(w, m.Text)
}

// WriteDisconnect writes the 0x0e disconnect packet with a reason string.
func WriteDisconnect(w io.Writer, reason string) error {
	if err := WriteUint8(w, IDDisconnect); err != nil {
		return err
	}
	return WriteString64(w, reason)
}

// ReadPacketID reads the single leading id byte of an inbound packet.
// Callers validate it against the Play-state whitelist separately.
func ReadPacketID(r io.Reader) (byte, error) {
	id, err := ReadUint8(r)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// ValidatePlayID fails with classicerr.ErrProtocol unless id is one of the
// packet ids a client may send while in Play.
func ValidatePlayID(id byte) error {
	if !InboundWhitelist[id] {
		return errors.Wrapf(classicerr.ErrProtocol, "disallowed packet id 0x%02x", id)
	}
	return nil
}
