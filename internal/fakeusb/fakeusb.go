// Package fakeusb provides a scriptable fake of transport.Control for unit
// tests across the session/encoder/pipeline/transport packages, so
// protocol-level behavior and end-to-end scenarios can be asserted
// against a recorded byte trace without real USB hardware.
package fakeusb

import "sync"

// OutCall records one OUT transfer: the operation mode and the payload
// bytes offered to the adapter.
type OutCall struct {
	Mode    uint16
	Payload []byte
}

// Control is a fake transport.Control. OUT calls are recorded in order;
// IN calls are served from a FIFO queue of canned responses. Both can be
// overridden with hook functions to simulate busy/short transfers.
type Control struct {
	mu sync.Mutex

	Calls []OutCall
	queue [][]byte

	// OutHook, if set, is consulted for every ControlOut call instead of
	// the default "always accept" behavior. Returning (-1, nil) simulates
	// an adapter-busy status.
	OutHook func(mode uint16, payload []byte) (int, error)
	// InHook, if set, is consulted for every ControlIn call instead of
	// draining the queue.
	InHook func(buf []byte) (int, error)

	closed bool
}

// New returns an empty fake adapter.
func New() *Control { return &Control{} }

// QueueIn enqueues one canned IN response. Each ControlIn call drains the
// next entry in FIFO order.
func (c *Control) QueueIn(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(c.queue, data)
}

// ControlOut implements transport.Control.
func (c *Control) ControlOut(mode uint16, payload []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cp := make([]byte, len(payload))
	copy(cp, payload)
	c.Calls = append(c.Calls, OutCall{Mode: mode, Payload: cp})

	if c.OutHook != nil {
		return c.OutHook(mode, cp)
	}
	return len(payload), nil
}

// ControlIn implements transport.Control.
func (c *Control) ControlIn(buf []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.InHook != nil {
		return c.InHook(buf)
	}
	if len(c.queue) == 0 {
		return 0, nil
	}
	next := c.queue[0]
	c.queue = c.queue[1:]
	n := copy(buf, next)
	return n, nil
}

// Close implements transport.Control.
func (c *Control) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed reports whether Close was called.
func (c *Control) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// SentBytes concatenates the payloads of every recorded OUT call, in
// order, regardless of mode — the end-to-end wire trace a test asserts
// against.
func (c *Control) SentBytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []byte
	for _, call := range c.Calls {
		out = append(out, call.Payload...)
	}
	return out
}

// CallsWithMode filters recorded calls by operation mode.
func (c *Control) CallsWithMode(mode uint16) []OutCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []OutCall
	for _, call := range c.Calls {
		if call.Mode == mode {
			out = append(out, call)
		}
	}
	return out
}
