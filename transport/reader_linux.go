//go:build linux

// File: transport/reader_linux.go
// Author: momentics <momentics@gmail.com>
//
// Read-side framing loop: slurps the fd until it would block, slicing the
// byte stream into type-prefixed messages. The handler owns per-type layout
// knowledge and reports each payload's length, so the loop itself never
// interprets payload bytes.

package transport

import "golang.org/x/sys/unix"

// MessageHandler is called once per decoded message with the one-byte type
// and the remaining buffered bytes. It returns the payload length it
// consumed, or -1 when the buffer does not yet hold the whole message.
type MessageHandler func(msgType byte, payload []byte) int

// EndOfStream is called when the peer has closed or reset the connection.
type EndOfStream func()

// ReadMessages reads until the fd would block, invoking handle for every
// complete message and eos on end-of-stream or connection reset. A trailing
// incomplete message is kept, type byte included, for the next call. Must be
// invoked from the socket's own reactor callback.
func (s *Socket) ReadMessages(handle MessageHandler, eos EndOfStream) {
	for {
		// room for one more read chunk past the carried-over suffix
		have := len(s.rbuf)
		if cap(s.rbuf) < have+s.readChunk {
			grown := make([]byte, have, have+s.readChunk)
			copy(grown, s.rbuf)
			s.rbuf = grown
		}
		n, err := unix.Read(s.fd, s.rbuf[have:have+s.readChunk])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return
		}
		if n == 0 || err == unix.ECONNRESET {
			eos()
			return
		}
		if err != nil {
			eos()
			return
		}
		s.rbuf = s.rbuf[:have+n]

		scan := 0
		for {
			remaining := len(s.rbuf) - scan
			if remaining < 1 {
				break
			}
			msgType := s.rbuf[scan]
			consumed := handle(msgType, s.rbuf[scan+1:])
			if consumed < 0 {
				break // incomplete, wait for more bytes
			}
			scan += 1 + consumed
		}
		// keep the incomplete suffix at the buffer head
		left := copy(s.rbuf, s.rbuf[scan:])
		s.rbuf = s.rbuf[:left]
	}
}
