// Package protocol implements the Minecraft Classic 0.30 wire format: a
// small set of fixed-layout, big-endian packets exchanged over a single
// TCP stream. Every packet is framed by its one-byte id followed by a
// fixed number of fields. There is no length prefix, so the reader must
// know the shape of every id it accepts.
package protocol

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/StoreStation/rleclassic/pkg/classicerr"
)

// StringLen is the fixed width of every string field on the wire.
const StringLen = 64

// ChunkDataLen is the fixed width of the data field inside a LevelChunk
// packet (0x03).
const ChunkDataLen = 1024

// ReadUint8 reads a single unsigned byte.
func ReadUint8(r io.Reader) (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, errors.Wrap(classicerr.ErrProtocol, err.Error())
	}
	return buf[0], nil
}

// WriteUint8 writes a single unsigned byte.
func WriteUint8(w io.Writer, v byte) error {
	_, err := w.Write([]byte{v})
	return err
}

// ReadInt8 reads a signed byte (used for peer ids, where -1 is the "self"
// sentinel).
func ReadInt8(r io.Reader) (int8, error) {
	b, err := ReadUint8(r)
	return int8(b), err
}

// WriteInt8 writes a signed byte.
func WriteInt8(w io.Writer, v int8) error {
	return WriteUint8(w, byte(v))
}

// ReadInt16 reads a big-endian signed 16-bit integer.
func ReadInt16(r io.Reader) (int16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, errors.Wrap(classicerr.ErrProtocol, err.Error())
	}
	return int16(binary.BigEndian.Uint16(buf[:])), nil
}

// WriteInt16 writes a big-endian signed 16-bit integer.
func WriteInt16(w io.Writer, v int16) error {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], uint16(v))
	_, err := w.Write(buf[:])
	return err
}

// ReadUint16 reads a big-endian unsigned 16-bit integer.
func ReadUint16(r io.Reader) (uint16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, errors.Wrap(classicerr.ErrProtocol, err.Error())
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}

// WriteUint16 writes a big-endian unsigned 16-bit integer.
func WriteUint16(w io.Writer, v uint16) error {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

// ReadString64 reads a fixed 64-byte ASCII field and trims its trailing
// space padding.
func ReadString64(r io.Reader) (string, error) {
	var buf [StringLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return "", errors.Wrap(classicerr.ErrProtocol, err.Error())
	}
	end := StringLen
	for end > 0 && buf[end-1] == ' ' {
		end--
	}
	return string(buf[:end]), nil
}

// WriteString64 writes s as a fixed 64-byte ASCII field, truncating and
// space-padding as needed.
func WriteString64(w io.Writer, s string) error {
	var buf [StringLen]byte
	for i := range buf {
		buf[i] = ' '
	}
	copy(buf[:], s)
	_, err := w.Write(buf[:])
	return err
}

// ReadChunkData reads the fixed 1024-byte data field of a LevelChunk
// packet.
func ReadChunkData(r io.Reader) ([ChunkDataLen]byte, error) {
	var buf [ChunkDataLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return buf, errors.Wrap(classicerr.ErrProtocol, err.Error())
	}
	return buf, nil
}

// WriteChunkData writes data as a zero-padded 1024-byte field. It is an
// error to pass more than ChunkDataLen bytes.
func WriteChunkData(w io.Writer, data []byte) error {
	if len(data) > ChunkDataLen {
		return classicerr.ErrOversize
	}
	var buf [ChunkDataLen]byte
	copy(buf[:], data)
	_, err := w.Write(buf[:])
	return err
}
