//go:build linux

package server_test

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/momentics/netplay/config"
	"github.com/momentics/netplay/protocol"
	"github.com/momentics/netplay/reactor"
	"github.com/momentics/netplay/server"
)

func startServer(t *testing.T, threads int) (*server.Server, int) {
	t.Helper()
	cfg := config.ServerDefault()
	cfg.Port = 0 // kernel-assigned
	cfg.ReactorThreads = threads
	r, err := reactor.New(cfg.ReactorThreads, zerolog.Nop())
	require.NoError(t, err)
	srv, err := server.New(cfg, r, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = r.Close()
		_ = srv.Close()
	})
	return srv, srv.Port()
}

// wireClient speaks the protocol directly over a TCP connection, tracking
// the mirrored peer count so POSITIONS frames can be sized.
type wireClient struct {
	t      *testing.T
	conn   net.Conn
	mirror int
}

func dialWire(t *testing.T, port int) *wireClient {
	t.Helper()
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &wireClient{t: t, conn: conn}
}

// readFrame reads one server frame, updating the mirror on membership
// messages exactly as a real client would.
func (w *wireClient) readFrame() (byte, []byte) {
	w.t.Helper()
	require.NoError(w.t, w.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var tb [1]byte
	_, err := io.ReadFull(w.conn, tb[:])
	require.NoError(w.t, err)
	switch tb[0] {
	case protocol.MsgSnapshot:
		var cnt [4]byte
		_, err := io.ReadFull(w.conn, cnt[:])
		require.NoError(w.t, err)
		n := int(binary.LittleEndian.Uint32(cnt[:]))
		ids := make([]byte, 4*n)
		_, err = io.ReadFull(w.conn, ids)
		require.NoError(w.t, err)
		w.mirror += n
		return tb[0], append(cnt[:], ids...)
	case protocol.MsgJoined:
		payload := make([]byte, 4)
		_, err := io.ReadFull(w.conn, payload)
		require.NoError(w.t, err)
		w.mirror++
		return tb[0], payload
	case protocol.MsgLeft:
		payload := make([]byte, 4)
		_, err := io.ReadFull(w.conn, payload)
		require.NoError(w.t, err)
		w.mirror--
		return tb[0], payload
	case protocol.MsgPositions:
		payload := make([]byte, protocol.PositionLen*w.mirror)
		_, err := io.ReadFull(w.conn, payload)
		require.NoError(w.t, err)
		return tb[0], payload
	default:
		w.t.Fatalf("unknown frame type %d", tb[0])
		return 0, nil
	}
}

// readFrameSkippingPositions returns the next non-POSITIONS frame.
func (w *wireClient) readFrameSkippingPositions() (byte, []byte) {
	w.t.Helper()
	for {
		mt, payload := w.readFrame()
		if mt != protocol.MsgPositions {
			return mt, payload
		}
	}
}

func (w *wireClient) expectSnapshot(ids ...uint32) {
	w.t.Helper()
	mt, payload := w.readFrame()
	require.Equal(w.t, protocol.MsgSnapshot, mt)
	require.Equal(w.t, uint32(len(ids)), binary.LittleEndian.Uint32(payload))
	for i, id := range ids {
		assert.Equal(w.t, id, binary.LittleEndian.Uint32(payload[4+4*i:]))
	}
}

func TestFirstPlayerGetsEmptySnapshot(t *testing.T) {
	_, port := startServer(t, 2)
	a := dialWire(t, port)
	a.expectSnapshot()
}

func TestTwoPlayerJoinSequence(t *testing.T) {
	_, port := startServer(t, 2)

	a := dialWire(t, port)
	a.expectSnapshot()

	b := dialWire(t, port)
	// the second player's snapshot names the first by canonical id
	b.expectSnapshot(0)

	// the first player learns of the join in its own id space:
	// new id 1 rebased for recipient 0 is 0
	mt, payload := a.readFrameSkippingPositions()
	require.Equal(t, protocol.MsgJoined, mt)
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(payload))
}

func TestPositionUpdateEcho(t *testing.T) {
	_, port := startServer(t, 2)

	a := dialWire(t, port)
	a.expectSnapshot()
	b := dialWire(t, port)
	b.expectSnapshot(0)

	want := protocol.Position{X: 1, Y: 2, Z: 3}
	_, err := a.conn.Write(protocol.AppendUpdatePos(nil, want))
	require.NoError(t, err)

	// after the next broadcast tick B's only peer carries A's position
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mt, payload := b.readFrame()
		if mt != protocol.MsgPositions || len(payload) < protocol.PositionLen {
			continue
		}
		if got := protocol.GetPosition(payload); got == want {
			return
		}
	}
	t.Fatal("broadcast never carried the updated position")
}

func TestBroadcastPayloadSizeMatchesPeerCount(t *testing.T) {
	_, port := startServer(t, 2)

	a := dialWire(t, port)
	a.expectSnapshot()
	// alone, the POSITIONS payload is empty
	mt, payload := a.readFrame()
	require.Equal(t, protocol.MsgPositions, mt)
	assert.Empty(t, payload)

	b := dialWire(t, port)
	b.expectSnapshot(0)
	mt, _ = a.readFrameSkippingPositions()
	require.Equal(t, protocol.MsgJoined, mt)

	// now every POSITIONS frame carries exactly one triple
	mt, payload = a.readFrame()
	require.Equal(t, protocol.MsgPositions, mt)
	assert.Len(t, payload, protocol.PositionLen)
	mt, payload = b.readFrame()
	require.Equal(t, protocol.MsgPositions, mt)
	assert.Len(t, payload, protocol.PositionLen)
}

func TestDisconnectNotifiesSurvivors(t *testing.T) {
	srv, port := startServer(t, 2)

	a := dialWire(t, port)
	a.expectSnapshot()
	b := dialWire(t, port)
	b.expectSnapshot(0)

	require.NoError(t, a.conn.Close())

	// B hears that player 0 left; its own id 1 rebases the departed to 0
	mt, payload := b.readFrameSkippingPositions()
	require.Equal(t, protocol.MsgLeft, mt)
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(payload))

	// subsequent broadcasts are empty again
	mt, payload = b.readFrame()
	require.Equal(t, protocol.MsgPositions, mt)
	assert.Empty(t, payload)

	require.Eventually(t, func() bool { return srv.PlayerCount() == 1 },
		time.Second, time.Millisecond)
}

func TestSlotReuseAfterDisconnect(t *testing.T) {
	_, port := startServer(t, 2)

	a := dialWire(t, port)
	a.expectSnapshot()
	b := dialWire(t, port)
	b.expectSnapshot(0)

	require.NoError(t, a.conn.Close())
	mt, _ := b.readFrameSkippingPositions()
	require.Equal(t, protocol.MsgLeft, mt)

	// the freed slot 0 is handed to the next join; B (id 1) sees it unshifted
	c := dialWire(t, port)
	c.expectSnapshot(1)
	mt, payload := b.readFrameSkippingPositions()
	require.Equal(t, protocol.MsgJoined, mt)
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(payload))
}

func TestPartialUpdateAssembledAcrossSegments(t *testing.T) {
	_, port := startServer(t, 2)

	a := dialWire(t, port)
	a.expectSnapshot()
	b := dialWire(t, port)
	b.expectSnapshot(0)

	want := protocol.Position{X: 9, Y: 8, Z: 7}
	update := protocol.AppendUpdatePos(nil, want)
	_, err := a.conn.Write(update[:5])
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	_, err = a.conn.Write(update[5:])
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mt, payload := b.readFrame()
		if mt != protocol.MsgPositions || len(payload) < protocol.PositionLen {
			continue
		}
		if got := protocol.GetPosition(payload); got == want {
			return
		}
	}
	t.Fatal("split update never reached the peer")
}

func TestUnknownMessageTypeDropsConnection(t *testing.T) {
	srv, port := startServer(t, 2)

	a := dialWire(t, port)
	a.expectSnapshot()
	require.Eventually(t, func() bool { return srv.PlayerCount() == 1 },
		time.Second, time.Millisecond)

	_, err := a.conn.Write([]byte{0x7f, 0, 0, 0})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return srv.PlayerCount() == 0 },
		2*time.Second, time.Millisecond)
}

func TestConcurrentJoins(t *testing.T) {
	srv, port := startServer(t, 4)

	const clients = 8
	var g errgroup.Group
	for i := 0; i < clients; i++ {
		g.Go(func() error {
			conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
			if err != nil {
				return err
			}
			t.Cleanup(func() { _ = conn.Close() })
			// every snapshot must be self-consistent: the advertised count
			// matches the id list length
			if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
				return err
			}
			head := make([]byte, 5)
			if _, err := io.ReadFull(conn, head); err != nil {
				return err
			}
			if head[0] != protocol.MsgSnapshot {
				return fmt.Errorf("first frame type = %d, want snapshot", head[0])
			}
			n := int(binary.LittleEndian.Uint32(head[1:]))
			if n >= clients {
				return fmt.Errorf("snapshot count %d out of range", n)
			}
			ids := make([]byte, 4*n)
			_, err = io.ReadFull(conn, ids)
			return err
		})
	}
	require.NoError(t, g.Wait())
	require.Eventually(t, func() bool { return srv.PlayerCount() == clients },
		2*time.Second, time.Millisecond)
}
