// Package console implements the wire framing of the remote control
// socket: a 4-byte big-endian length prefix followed by that many
// payload bytes, one frame per command or response. Grounded on
// original_source/console.py's BufSocket, whose _st_readlen/
// _st_readdata/buf_recv/buf_send state machine and prepare_send
// implement exactly this framing over a UNIX-domain socket.
//
// Only the framing is in scope here — BufSocket.unwrap/wrap's Python
// pickle payload and REPL's exec-a-command-string semantics are a
// collaborator concern (an operator-supplied command dispatcher), not
// reproduced by this package.
package console

import (
	"encoding/binary"
	"fmt"
	"io"
)

const maxFrameLen = 64 << 20 // 64MiB, a generous sanity ceiling on a malformed length prefix

// ReadFrame reads one length-prefixed frame from r, matching
// BufSocket's ST_READLEN -> ST_READDATA transition.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameLen {
		return nil, fmt.Errorf("console: frame length %d exceeds %d byte ceiling", n, maxFrameLen)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("console: short frame body: %w", err)
	}
	return payload, nil
}

// WriteFrame writes payload as one length-prefixed frame to w,
// matching BufSocket.prepare_send's pack_into('>L', ...) header.
func WriteFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
