package protocol_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/netplay/protocol"
)

func TestPositionRoundTrip(t *testing.T) {
	p := protocol.Position{X: 1, Y: -2, Z: 1 << 30}
	var buf [protocol.PositionLen]byte
	protocol.PutPosition(buf[:], p)
	assert.Equal(t, p, protocol.GetPosition(buf[:]))
}

func TestUpdatePosWireLayout(t *testing.T) {
	frame := protocol.AppendUpdatePos(nil, protocol.Position{X: 1, Y: 2, Z: 3})
	require.Len(t, frame, 1+protocol.UpdatePosLen)
	assert.Equal(t, protocol.MsgUpdatePos, frame[0])
	// little-endian, unpadded
	assert.Equal(t, []byte{1, 0, 0, 0, 2, 0, 0, 0, 3, 0, 0, 0}, frame[1:])
}

func TestSnapshotEmpty(t *testing.T) {
	frame := protocol.AppendSnapshot(nil, nil)
	assert.Equal(t, []byte{protocol.MsgSnapshot, 0, 0, 0, 0}, frame)
}

func TestSnapshotIDs(t *testing.T) {
	frame := protocol.AppendSnapshot(nil, []uint32{3, 7})
	require.Len(t, frame, 1+4+8)
	assert.Equal(t, protocol.MsgSnapshot, frame[0])
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(frame[1:]))
	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(frame[5:]))
	assert.Equal(t, uint32(7), binary.LittleEndian.Uint32(frame[9:]))
}

func TestJoinedLeftFrames(t *testing.T) {
	j := protocol.AppendJoined(nil, 5)
	assert.Equal(t, []byte{protocol.MsgJoined, 5, 0, 0, 0}, j)
	l := protocol.AppendLeft(nil, 5)
	assert.Equal(t, []byte{protocol.MsgLeft, 5, 0, 0, 0}, l)
}

func TestRebaseID(t *testing.T) {
	// ids above the recipient's own shift down by one
	assert.Equal(t, uint32(0), protocol.RebaseID(1, 0))
	assert.Equal(t, uint32(1), protocol.RebaseID(2, 0))
	// ids below the recipient are unchanged
	assert.Equal(t, uint32(0), protocol.RebaseID(0, 1))
	assert.Equal(t, uint32(1), protocol.RebaseID(1, 2))
}
