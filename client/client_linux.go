//go:build linux

// File: client/client_linux.go
// Author: momentics <momentics@gmail.com>
//
// Client session core: dials the server, mirrors the other players' ids and
// positions, and reports the local camera position on a periodic timer. The
// rendering side is abstracted behind Camera; peer positions flow back to it
// through the Peers visitor.

package client

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/momentics/netplay/config"
	"github.com/momentics/netplay/holey"
	"github.com/momentics/netplay/protocol"
	"github.com/momentics/netplay/reactor"
	"github.com/momentics/netplay/transport"
)

const initialMirrorCap = 5

// Camera is the rendering collaborator: a thread-safe source of the local
// player's position.
type Camera interface {
	CurrentPosition() protocol.Position
}

// Client maintains the connection to the server and the mirror of the other
// players, indexed by server-assigned id.
type Client struct {
	cfg  config.Config
	r    *reactor.Reactor
	log  zerolog.Logger
	cam  Camera
	sock *transport.Socket

	// mu guards the mirror: membership and positions. The read handler
	// writes it, the rendering side reads it through Peers.
	mu    sync.Mutex
	peers holey.Sparse[protocol.Position]

	closed   atomic.Bool
	done     chan struct{}
	doneOnce sync.Once
}

// Dial connects synchronously, makes the socket non-blocking, registers it
// for reads and hangup, and starts the position-update timer.
func Dial(cfg config.Config, r *reactor.Reactor, cam Camera, log zerolog.Logger) (*Client, error) {
	ip := net.ParseIP(cfg.ServerAddr).To4()
	if ip == nil {
		return nil, fmt.Errorf("server addr %q is not IPv4", cfg.ServerAddr)
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	sa := &unix.SockaddrInet4{Port: cfg.Port}
	copy(sa.Addr[:], ip)
	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("connect %s:%d: %w", cfg.ServerAddr, cfg.Port, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set nonblock: %w", err)
	}

	c := &Client{
		cfg:  cfg,
		r:    r,
		log:  log.With().Str("component", "client").Logger(),
		cam:  cam,
		done: make(chan struct{}),
	}
	// register with an empty mask so no event can fire before c.sock is set,
	// then enable reads and hangup
	sock, err := transport.NewSocket(r, fd, 0,
		reactor.FdReaction{Fn: serverReady, State: c},
		protocol.MaxServerMessageLen, cfg.MaxMessagesPerRead)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	c.sock = sock
	if err := sock.SetEventMask(transport.DefaultSocketEvents); err != nil {
		_ = sock.Close()
		return nil, err
	}
	if err := r.AddTimer(cfg.PositionUpdateInterval(), reactor.TimerReaction{Fn: sendPosition, State: c}); err != nil {
		return nil, err
	}
	c.log.Info().Str("addr", cfg.ServerAddr).Int("port", cfg.Port).Msg("connected")
	return c, nil
}

// Done is closed when the server connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// PeerCount reports the mirrored player count.
func (c *Client) PeerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peers.Len()
}

// Peers visits the mirrored players in ascending id order while holding the
// mirror mutex. The rendering loop uses this for its per-frame read.
func (c *Client) Peers(f func(id int, pos protocol.Position)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peers.ForEach(func(_, id int, p *protocol.Position) {
		f(id, *p)
	})
}

// serverReady is the FD reaction of the server socket.
func serverReady(state any, events uint32, ctx reactor.Ctx) {
	c := state.(*Client)
	if c.closed.Load() {
		return
	}
	if events&reactor.EventHangup != 0 {
		c.disconnected(ctx)
		return
	}
	if events&reactor.EventRead != 0 {
		c.sock.ReadMessages(c.handleMessage, func() {
			c.disconnected(ctx)
		})
	}
	if events&reactor.EventWrite != 0 && !c.closed.Load() {
		c.sock.HandleWritable()
	}
}

// disconnected runs on the socket's owning reactor thread. End-of-stream is
// terminal for the client.
func (c *Client) disconnected(ctx reactor.Ctx) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.log.Error().Msg("server closed the connection")
	_ = c.sock.Close()
	c.r.RemoveFd(ctx, c.sock.Handle().Slot, c.sock.Fd())
	c.doneOnce.Do(func() { close(c.done) })
}

// handleMessage decodes one server message. Returns the payload length
// consumed, or -1 when the buffer does not yet hold the whole message.
func (c *Client) handleMessage(msgType byte, payload []byte) int {
	switch msgType {
	case protocol.MsgSnapshot:
		if len(payload) < 4 {
			return -1
		}
		n := int(binary.LittleEndian.Uint32(payload))
		if len(payload) < 4+4*n {
			return -1
		}
		c.mu.Lock()
		c.peers.Allocate(initialMirrorCap)
		for i := 0; i < n; i++ {
			id := int(binary.LittleEndian.Uint32(payload[4+4*i:]))
			c.peers.Put(id, protocol.Position{})
		}
		c.mu.Unlock()
		c.log.Info().Int("count", n).Msg("received player snapshot")
		return 4 + 4*n

	case protocol.MsgJoined:
		if len(payload) < 4 {
			return -1
		}
		id := int(binary.LittleEndian.Uint32(payload))
		c.mu.Lock()
		c.peers.Put(id, protocol.Position{})
		c.mu.Unlock()
		c.log.Info().Int("peer", id).Msg("player joined")
		return 4

	case protocol.MsgLeft:
		if len(payload) < 4 {
			return -1
		}
		id := int(binary.LittleEndian.Uint32(payload))
		c.mu.Lock()
		c.peers.Remove(id)
		c.mu.Unlock()
		c.log.Info().Int("peer", id).Msg("player left")
		return 4

	case protocol.MsgPositions:
		c.mu.Lock()
		msgLen := protocol.PositionLen * c.peers.Len()
		if len(payload) < msgLen {
			c.mu.Unlock()
			return -1
		}
		c.peers.ForEach(func(dense, _ int, p *protocol.Position) {
			*p = protocol.GetPosition(payload[dense*protocol.PositionLen:])
		})
		c.mu.Unlock()
		return msgLen

	default:
		// an unknown type means the stream is unrecoverable
		c.log.Fatal().Uint8("type", msgType).Msg("unknown server message type")
		return -1
	}
}

// sendPosition is the position-update timer reaction.
func sendPosition(state any, _ reactor.Ctx) {
	c := state.(*Client)
	if c.closed.Load() {
		return
	}
	c.sock.ScheduleWrite(protocol.AppendUpdatePos(nil, c.cam.CurrentPosition()))
}
