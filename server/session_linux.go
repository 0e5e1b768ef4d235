//go:build linux

// File: server/session_linux.go
// Author: momentics <momentics@gmail.com>
//
// Per-player readiness handling and the periodic position broadcast.

package server

import (
	"github.com/momentics/netplay/protocol"
	"github.com/momentics/netplay/reactor"
)

// playerReady is the FD reaction of every player socket. Hangup and
// end-of-stream tear the session down; readable bytes are framed as
// UPDATE_POS messages; writable drains the socket's queued bytes.
func playerReady(state any, events uint32, ctx reactor.Ctx) {
	pc := state.(*playerCtx)
	if pc.dropped {
		return
	}
	s := pc.srv
	s.mu.Lock()
	p := *s.players.Get(pc.id)
	s.mu.Unlock()

	if events&reactor.EventHangup != 0 {
		s.dropPlayer(ctx, pc, p)
		return
	}
	if events&reactor.EventRead != 0 {
		violated := false
		p.Sock.ReadMessages(
			func(msgType byte, payload []byte) int {
				// the only client->server message is UPDATE_POS
				if msgType != protocol.MsgUpdatePos {
					violated = true
					return len(payload) // swallow the rest, then drop below
				}
				if len(payload) < protocol.UpdatePosLen {
					return -1
				}
				s.mu.Lock()
				p.Pos = protocol.GetPosition(payload)
				s.mu.Unlock()
				return protocol.UpdatePosLen
			},
			func() {
				s.dropPlayer(ctx, pc, p)
			},
		)
		if violated && !pc.dropped {
			s.log.Warn().Int("player", pc.id).Msg("unknown message type, dropping connection")
			s.dropPlayer(ctx, pc, p)
		}
	}
	if events&reactor.EventWrite != 0 && !pc.dropped {
		p.Sock.HandleWritable()
	}
}

// dropPlayer closes the socket, removes the reaction from the owning thread,
// removes the record, and tells every survivor who left. Idempotent per
// session; always runs on the socket's owning reactor thread.
func (s *Server) dropPlayer(ctx reactor.Ctx, pc *playerCtx, p *Player) {
	if pc.dropped {
		return
	}
	pc.dropped = true
	s.log.Info().Int("player", pc.id).Msg("player disconnected")
	_ = p.Sock.Close()
	s.r.RemoveFd(ctx, p.Sock.Handle().Slot, p.Sock.Fd())
	s.mu.Lock()
	s.players.Remove(pc.id)
	s.players.ForEach(func(_, slot int, op **Player) {
		(*op).Sock.ScheduleWrite(protocol.AppendLeft(nil, protocol.RebaseID(uint32(pc.id), uint32(slot))))
	})
	s.mu.Unlock()
}

// broadcastPositions is the broadcast timer reaction. One buffer is reused
// across recipients: its payload region is rewritten per recipient with the
// positions of all other players in that recipient's id order, which is safe
// because ScheduleWrite either finishes the write inline or copies before
// returning.
func broadcastPositions(state any, _ reactor.Ctx) {
	s := state.(*Server)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.players.Len()
	if n < 1 {
		return
	}
	buf := make([]byte, 1+protocol.PositionLen*(n-1))
	buf[0] = protocol.MsgPositions
	s.players.ForEach(func(_, recipient int, rp **Player) {
		passedSelf := false
		s.players.ForEach(func(dense, slot int, p **Player) {
			if slot == recipient {
				passedSelf = true
				return
			}
			i := dense
			if passedSelf {
				i--
			}
			protocol.PutPosition(buf[1+i*protocol.PositionLen:], (*p).Pos)
		})
		(*rp).Sock.ScheduleWrite(buf)
	})
}
