// File: protocol/message.go
// Author: momentics <momentics@gmail.com>
//
// Wire framing for the position-sync protocol. Every message is a one-byte
// type followed by a type-specific payload. All integers are little-endian,
// unpadded.
//
// Server to client:
//
//	0 SNAPSHOT   u32 count, then count u32 player ids
//	1 JOINED     u32 id (rebased for the recipient)
//	2 LEFT       u32 id (rebased for the recipient)
//	3 POSITIONS  (s32 x, s32 y, s32 z) per mirrored peer, recipient id order
//
// Client to server:
//
//	0 UPDATE_POS s32 x, s32 y, s32 z

package protocol

import "encoding/binary"

const (
	// server -> client
	MsgSnapshot  byte = 0
	MsgJoined    byte = 1
	MsgLeft      byte = 2
	MsgPositions byte = 3

	// client -> server
	MsgUpdatePos byte = 0
)

// Position is a player position in fixed-point world units.
type Position struct {
	X, Y, Z int32
}

const (
	// PositionLen is the encoded size of one Position.
	PositionLen = 12
	// UpdatePosLen is the payload size of an UPDATE_POS message.
	UpdatePosLen = PositionLen
	// MaxServerMessageLen bounds any single message the server can receive;
	// the server reader only ever sees UPDATE_POS. Client-bound SNAPSHOT and
	// POSITIONS frames are variable-length and bounded by the live player
	// count instead.
	MaxServerMessageLen = 1 + UpdatePosLen
)

// PutPosition encodes p into b, which must be at least PositionLen long.
func PutPosition(b []byte, p Position) {
	binary.LittleEndian.PutUint32(b[0:4], uint32(p.X))
	binary.LittleEndian.PutUint32(b[4:8], uint32(p.Y))
	binary.LittleEndian.PutUint32(b[8:12], uint32(p.Z))
}

// GetPosition decodes a Position from b, which must be at least PositionLen
// long.
func GetPosition(b []byte) Position {
	return Position{
		X: int32(binary.LittleEndian.Uint32(b[0:4])),
		Y: int32(binary.LittleEndian.Uint32(b[4:8])),
		Z: int32(binary.LittleEndian.Uint32(b[8:12])),
	}
}

// AppendUpdatePos appends a full UPDATE_POS frame to dst.
func AppendUpdatePos(dst []byte, p Position) []byte {
	var buf [PositionLen]byte
	PutPosition(buf[:], p)
	dst = append(dst, MsgUpdatePos)
	return append(dst, buf[:]...)
}

// AppendJoined appends a full JOINED frame to dst.
func AppendJoined(dst []byte, id uint32) []byte {
	dst = append(dst, MsgJoined)
	return binary.LittleEndian.AppendUint32(dst, id)
}

// AppendLeft appends a full LEFT frame to dst.
func AppendLeft(dst []byte, id uint32) []byte {
	dst = append(dst, MsgLeft)
	return binary.LittleEndian.AppendUint32(dst, id)
}

// AppendSnapshot appends a full SNAPSHOT frame naming ids to dst.
func AppendSnapshot(dst []byte, ids []uint32) []byte {
	dst = append(dst, MsgSnapshot)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(ids)))
	for _, id := range ids {
		dst = binary.LittleEndian.AppendUint32(dst, id)
	}
	return dst
}

// RebaseID maps a canonical peer id into a recipient's id space: every id is
// shifted down past the recipient's own, so each client sees the others
// densely numbered as if its own id were removed.
func RebaseID(id, recipient uint32) uint32 {
	if recipient < id {
		return id - 1
	}
	return id
}
