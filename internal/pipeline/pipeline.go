// Package pipeline implements the outbound coalescing buffer (C3) that
// sits between the command encoder and the USB transport. The encoder
// never talks to the transport directly; it only ever appends bytes
// here and asks for a flush in one of the four wire modes.
package pipeline

import (
	"fmt"

	"dwire/internal/transport"
)

const capacity = 128

// Pipeline owns the single outbound buffer shared by a session. It is
// not safe for concurrent use — the whole system is single-threaded
// cooperative (one adapter, one session, one in-flight transfer).
type Pipeline struct {
	adapter *transport.Adapter
	buf     [capacity]byte
	length  int
}

// New wraps a transport adapter with an empty outbound buffer.
func New(adapter *transport.Adapter) *Pipeline {
	return &Pipeline{adapter: adapter}
}

// Len reports the number of bytes currently buffered.
func (p *Pipeline) Len() int { return p.length }

// Send appends bytes to the outbound buffer. When the append would
// exceed the 128-byte capacity, the payload is sliced into 128-byte
// chunks that are flushed immediately with mode 4 (no read expected)
// until between 1 and 128 bytes remain buffered — a non-empty residue
// always survives so a subsequent read is guaranteed at least one byte
// to transmit before the line turns around.
func (p *Pipeline) Send(data []byte) error {
	for len(data) > 0 {
		room := capacity - p.length
		if len(data) <= room {
			copy(p.buf[p.length:], data)
			p.length += len(data)
			return nil
		}

		copy(p.buf[p.length:], data[:room])
		p.length = capacity
		data = data[room:]

		// The buffer is now full. If more data remains, it must be
		// flushed to make room — but only down to the point where a
		// non-empty residue remains, per the read-precondition
		// invariant. When an exact multiple of 128 remains to send and
		// more is still forthcoming, flush the full 128 now so the
		// loop can continue to deposit the remainder.
		if len(data) > 0 {
			if err := p.Flush(transport.ModeSendOnly); err != nil {
				return err
			}
		}
	}
	return nil
}

// Flush dispatches the buffered bytes with the given mode and resets
// the cursor. A no-op on an empty buffer.
func (p *Pipeline) Flush(mode uint16) error {
	if p.length == 0 {
		return nil
	}
	payload := make([]byte, p.length)
	copy(payload, p.buf[:p.length])
	if err := p.adapter.Send(mode, payload, transport.SendRetry); err != nil {
		return fmt.Errorf("flush(mode=%d): %w", mode, err)
	}
	p.length = 0
	return nil
}

// Receive flushes the buffer in send-then-read mode (0x14) — which
// guarantees at least one outbound byte accompanies the transaction —
// then polls for n inbound bytes. n must not exceed 128.
func (p *Pipeline) Receive(n int) ([]byte, error) {
	if n > capacity {
		return nil, fmt.Errorf("receive: n=%d exceeds maximum transfer size %d", n, capacity)
	}
	if p.length == 0 {
		return nil, fmt.Errorf("receive: no outbound bytes buffered, read precondition violated")
	}
	if err := p.Flush(transport.ModeSendReceive); err != nil {
		return nil, err
	}
	return p.adapter.Receive(n, transport.ReadRetry)
}

// Sync flushes with mode 0x24 (send, then capture pulse widths) and
// reruns clock recovery. Used after opcodes that leave the line in an
// auto-baud state, such as after single-step of SPM or after reset.
// Any bytes in flight at the time of the call are guaranteed delivered
// and the adapter reprogrammed before Sync returns.
func (p *Pipeline) Sync() (int, error) {
	if err := p.Flush(transport.ModeSendCapture); err != nil {
		return 0, err
	}
	return p.adapter.Sync()
}

// Wait flushes with mode 0x0C. The adapter then blocks on the wire
// until the target drops back into break (it hit a breakpoint or a
// halted instruction). The caller does not read a response here — it
// must later poll ReachedBreakpoint.
func (p *Pipeline) Wait() error {
	return p.Flush(transport.ModeSendWait)
}
