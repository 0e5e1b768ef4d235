//go:build linux

// File: server/server_linux.go
// Author: momentics <momentics@gmail.com>
//
// Server session core: a non-blocking TCP listener on the reactor, the
// mutex-guarded player table, and the periodic position broadcast.

package server

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/momentics/netplay/config"
	"github.com/momentics/netplay/holey"
	"github.com/momentics/netplay/protocol"
	"github.com/momentics/netplay/reactor"
	"github.com/momentics/netplay/transport"
)

const initialPlayerCap = 5

// Player is one connected session: its socket and its last reported
// position. The position is guarded by the server's player mutex.
type Player struct {
	Sock *transport.Socket
	Pos  protocol.Position
}

// Server owns the listening socket and the player table. A player's slot in
// the table is its canonical id on the wire.
type Server struct {
	cfg      config.Config
	r        *reactor.Reactor
	log      zerolog.Logger
	listenFd int

	// mu guards players, the Position inside every live record, and all
	// table iteration during broadcast.
	mu      sync.Mutex
	players *holey.Table[*Player]
}

// playerCtx is the reaction state of one player socket. It carries the id
// rather than a pointer so the record is re-looked-up under the mutex on
// every invocation; dropped makes teardown idempotent within the owning
// thread.
type playerCtx struct {
	srv     *Server
	id      int
	dropped bool
}

// New binds and listens, registers the accept reaction and the broadcast
// timer, and returns the running server.
func New(cfg config.Config, r *reactor.Reactor, log zerolog.Logger) (*Server, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setsockopt SO_REUSEPORT: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: cfg.Port}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind port %d: %w", cfg.Port, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set nonblock: %w", err)
	}
	if err := unix.Listen(fd, cfg.ListenBacklog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen: %w", err)
	}
	s := &Server{
		cfg:      cfg,
		r:        r,
		log:      log.With().Str("component", "server").Logger(),
		listenFd: fd,
		players:  holey.New[*Player](initialPlayerCap),
	}
	if _, err := r.AddFd(fd, reactor.EventRead, reactor.FdReaction{Fn: acceptReady, State: s}); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := r.AddTimer(cfg.PositionUpdateInterval(), reactor.TimerReaction{Fn: broadcastPositions, State: s}); err != nil {
		unix.Close(fd)
		return nil, err
	}
	s.log.Info().Int("port", s.Port()).Int("backlog", cfg.ListenBacklog).Msg("listening")
	return s, nil
}

// Port reports the bound port, which differs from the configured one when
// that was 0.
func (s *Server) Port() int {
	sa, err := unix.Getsockname(s.listenFd)
	if err != nil {
		return s.cfg.Port
	}
	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		return in4.Port
	}
	return s.cfg.Port
}

// PlayerCount reports the live session count.
func (s *Server) PlayerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.players.Len()
}

// Close shuts the listener and every player socket. Call after the reactor
// has stopped dispatching.
func (s *Server) Close() error {
	err := unix.Close(s.listenFd)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.players.ForEach(func(_, _ int, p **Player) {
		_ = (*p).Sock.Close()
	})
	return err
}

// acceptReady runs on the listener's reactor thread. It accepts one
// connection, registers its socket with an empty event mask, inserts the
// player record, sends the snapshot and join notices, and only then enables
// reads. Registering before the insert keeps the player-table mutex out of
// the cross-thread registration lock; the empty mask keeps events away until
// the record is visible.
func acceptReady(state any, _ uint32, _ reactor.Ctx) {
	s := state.(*Server)
	var nfd int
	var sa unix.Sockaddr
	for {
		var err error
		nfd, sa, err = unix.Accept(s.listenFd)
		if err == nil {
			break
		}
		if err == unix.EINTR {
			s.log.Debug().Msg("accept interrupted, retrying")
			continue
		}
		if err == unix.EAGAIN {
			return
		}
		s.log.Error().Err(err).Msg("accept failed")
		return
	}
	if err := unix.SetNonblock(nfd, true); err != nil {
		s.log.Error().Err(err).Msg("set nonblock on accepted fd")
		unix.Close(nfd)
		return
	}
	_ = unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	pc := &playerCtx{srv: s}
	sock, err := transport.NewSocket(s.r, nfd, 0,
		reactor.FdReaction{Fn: playerReady, State: pc},
		protocol.MaxServerMessageLen, s.cfg.MaxMessagesPerRead)
	if err != nil {
		s.log.Error().Err(err).Msg("register accepted fd")
		unix.Close(nfd)
		return
	}

	s.mu.Lock()
	id := s.players.Insert(func(int) *Player {
		return &Player{Sock: sock}
	})
	pc.id = id
	// snapshot of everyone else, canonical ids
	ids := make([]uint32, 0, s.players.Len()-1)
	s.players.ForEach(func(_, slot int, _ **Player) {
		if slot != id {
			ids = append(ids, uint32(slot))
		}
	})
	sock.ScheduleWrite(protocol.AppendSnapshot(nil, ids))
	// tell everyone else, in their own id space
	s.players.ForEach(func(_, slot int, p **Player) {
		if slot == id {
			return
		}
		(*p).Sock.ScheduleWrite(protocol.AppendJoined(nil, protocol.RebaseID(uint32(id), uint32(slot))))
	})
	s.mu.Unlock()

	if err := sock.SetEventMask(transport.DefaultSocketEvents); err != nil {
		s.log.Error().Err(err).Int("player", id).Msg("enable events")
	}
	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		s.log.Info().Int("player", id).
			Str("addr", fmt.Sprintf("%d.%d.%d.%d", in4.Addr[0], in4.Addr[1], in4.Addr[2], in4.Addr[3])).
			Msg("player connected")
	} else {
		s.log.Info().Int("player", id).Msg("player connected")
	}
}
