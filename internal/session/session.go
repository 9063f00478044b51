// Package session implements the debugWIRE connect/reset/trace/go/disable
// state machine (C5): the cached Y/Z shadow registers, the program
// counter and breakpoint, and the signature-driven device sizing that
// ties the command encoder to a specific connected part.
package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dwire/internal/characteristics"
	"dwire/internal/encoder"
	"dwire/internal/pipeline"
	"dwire/internal/transport"
)

// ErrUnknownSignature is fatal: the connected part's signature is not in
// the characteristics table, so its flash/RAM/DWDR layout is unknown.
type ErrUnknownSignature struct {
	Signature uint16
}

func (e *ErrUnknownSignature) Error() string {
	return fmt.Sprintf("session: unrecognised device signature 0x%04X", e.Signature)
}

// Stats counts session activity. A session updates its own stats field
// in place as it works; Stats() hands callers a plain value copy taken
// at call time. There is no internal lock: the session is single-
// threaded cooperative (one command in flight at a time, see the
// package doc), so a copy taken between calls is always consistent.
type Stats struct {
	ConnectCount   int
	BreakAndSyncs  int
	BytesSent      int
	BytesReceived  int
	LastBaud       int
	LastConnectErr error
}

// Session owns the one USB handle and the mutable state debugWIRE
// clobbers across commands: the cached Y/Z registers, PC, BP, and the
// device characteristics resolved from the target's signature.
type Session struct {
	adapter   *transport.Adapter
	pipe      *pipeline.Pipeline
	encoder   *encoder.Encoder
	log       *logrus.Entry
	sessionID string

	DeviceType  int // index into characteristics table, -1 if unresolved
	Signature   uint16
	PC          int // byte address
	BP          int // byte address, -1 means "no breakpoint"
	TimerEnable bool

	stats Stats
}

// NoBreakpoint is the BP sentinel meaning "no breakpoint set".
const NoBreakpoint = -1

// New wires a session on top of an already-opened transport adapter.
func New(adapter *transport.Adapter, log *logrus.Entry) *Session {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	id := uuid.NewString()
	pipe := pipeline.New(adapter)
	return &Session{
		adapter:   adapter,
		pipe:      pipe,
		encoder:   encoder.New(pipe),
		log:       log.WithField("session", id),
		sessionID: id,
		DeviceType:  -1,
		BP:          NoBreakpoint,
	}
}

// SessionID returns the correlation ID attached to this session's log
// lines.
func (s *Session) SessionID() string { return s.sessionID }

// Stats returns an unsynchronized snapshot of the running counters.
func (s *Session) Stats() Stats { return s.stats }

// Connect opens the session end to end: break-and-sync, read the
// target signature, resolve its characteristics, then Reconnect to
// seed PC and the shadow registers.
func (s *Session) Connect() error {
	baud, err := s.adapter.BreakAndSync()
	if err != nil {
		s.stats.LastConnectErr = err
		return fmt.Errorf("connect: %w", err)
	}
	s.stats.BreakAndSyncs++
	s.stats.LastBaud = baud
	s.log.WithField("baud", baud).Info("synchronized with target")

	if err := s.pipe.Send([]byte{0xF3}); err != nil {
		return fmt.Errorf("connect: request signature: %w", err)
	}
	sigBytes, err := s.pipe.Receive(2)
	if err != nil {
		return fmt.Errorf("connect: read signature: %w", err)
	}
	signature := uint16(sigBytes[0])<<8 | uint16(sigBytes[1])
	s.Signature = signature

	index, err := characteristics.Lookup(signature)
	if err != nil {
		s.stats.LastConnectErr = err
		return &ErrUnknownSignature{Signature: signature}
	}
	s.DeviceType = index
	dev := characteristics.At(index)
	s.encoder.Configure(dev.DWDRAddr)
	s.log.WithFields(logrus.Fields{"signature": fmt.Sprintf("0x%04X", signature), "device": dev.Name}).
		Info("device recognised")

	s.stats.ConnectCount++
	return s.Reconnect()
}

// Reconnect re-reads PC and refreshes the Y/Z shadow after any
// auto-baud resync.
func (s *Session) Reconnect() error {
	if err := s.pipe.Send([]byte{0xF0}); err != nil {
		return fmt.Errorf("reconnect: request PC: %w", err)
	}
	wBytes, err := s.pipe.Receive(2)
	if err != nil {
		return fmt.Errorf("reconnect: read PC: %w", err)
	}
	w := int(wBytes[0])<<8 | int(wBytes[1])

	flashSize := characteristics.At(s.DeviceType).FlashSize
	s.PC = (2 * (w - 1)) % flashSize
	if s.PC < 0 {
		s.PC += flashSize
	}

	regs, err := s.encoder.GetRegs(28, 4)
	if err != nil {
		return fmt.Errorf("reconnect: refresh Y/Z: %w", err)
	}
	var shadow [4]byte
	copy(shadow[:], regs)
	s.encoder.SetShadow(shadow)
	return nil
}

// Reset issues a target-side debugWIRE reset, resyncs the clock, and
// reconnects.
func (s *Session) Reset() error {
	if err := s.pipe.Send([]byte{0x07}); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	if _, err := s.pipe.Sync(); err != nil {
		return fmt.Errorf("reset: sync: %w", err)
	}
	return s.Reconnect()
}

// Disable permanently relinquishes debugWIRE on the target; the reset
// pin reverts to normal behavior. No further commands are valid on
// this session afterward.
func (s *Session) Disable() error {
	if err := s.pipe.Send([]byte{0x06}); err != nil {
		return fmt.Errorf("disable: %w", err)
	}
	return s.pipe.Flush(transport.ModeSendReceive)
}

// Trace executes a single instruction at the current PC.
func (s *Session) Trace() error {
	if err := s.encoder.SetRegs(28, shadowSlice(s.encoder.Shadow())); err != nil {
		return fmt.Errorf("trace: restore Y/Z: %w", err)
	}
	if err := s.encoder.SetPC(s.PC / 2); err != nil {
		return fmt.Errorf("trace: set PC: %w", err)
	}
	if err := s.pipe.Send([]byte{0x60, 0x31}); err != nil {
		return fmt.Errorf("trace: single step: %w", err)
	}
	if _, err := s.pipe.Sync(); err != nil {
		return fmt.Errorf("trace: sync: %w", err)
	}
	return s.Reconnect()
}

// Go restores Y/Z, sets PC (and BP if one is armed), sets the
// execution context appropriate to TimerEnable, and resumes execution.
// The call returns once the adapter has accepted the resume sequence;
// callers must poll ReachedBreakpoint to learn when the target halts.
func (s *Session) Go() error {
	if err := s.encoder.SetRegs(28, shadowSlice(s.encoder.Shadow())); err != nil {
		return fmt.Errorf("go: restore Y/Z: %w", err)
	}
	if err := s.encoder.SetPC(s.PC / 2); err != nil {
		return fmt.Errorf("go: set PC: %w", err)
	}

	if s.BP < 0 {
		ctx := byte(0x60)
		if s.TimerEnable {
			ctx = 0x40
		}
		if err := s.pipe.Send([]byte{ctx}); err != nil {
			return fmt.Errorf("go: set context: %w", err)
		}
	} else {
		if err := s.encoder.SetBP(s.BP / 2); err != nil {
			return fmt.Errorf("go: set breakpoint: %w", err)
		}
		ctx := byte(0x61)
		if s.TimerEnable {
			ctx = 0x41
		}
		if err := s.pipe.Send([]byte{ctx}); err != nil {
			return fmt.Errorf("go: set context: %w", err)
		}
	}

	if err := s.pipe.Send([]byte{0x30}); err != nil {
		return fmt.Errorf("go: continue: %w", err)
	}
	return s.pipe.Wait()
}

// ReachedBreakpoint polls for the target having dropped back into
// break (hit a breakpoint or halted instruction). Callers issue Go,
// then poll this until it returns true, then typically Reconnect. A
// single poll coming back empty means the target is still running, not
// a transport failure, so this uses Adapter.Poll rather than Receive —
// a target that takes longer than one retry budget to reach its
// breakpoint must not cost the caller its session.
func (s *Session) ReachedBreakpoint() (bool, error) {
	status, buf, err := s.adapter.Poll(10)
	if err != nil {
		return false, fmt.Errorf("reached breakpoint: %w", err)
	}
	if status <= 0 {
		return false, nil
	}
	return buf[0] != 0, nil
}

// shadowSlice copies a fixed [4]byte shadow into a slice SetRegs can
// consume, since encoder.SetRegs needs a length-4 bulk write (not the
// ≤3 per-byte path) to exercise the same wire form Reconnect expects.
func shadowSlice(r [4]byte) []byte {
	return []byte{r[0], r[1], r[2], r[3]}
}

// -- Host-side API passthroughs ------------------------------------------

// Send appends bytes to the outbound pipeline.
func (s *Session) Send(data []byte) error {
	err := s.pipe.Send(data)
	if err == nil {
		s.stats.BytesSent += len(data)
	}
	return err
}

// Flush dispatches the outbound buffer with the default read-back mode.
func (s *Session) Flush() error { return s.pipe.Flush(transport.ModeSendReceive) }

// Receive flushes and reads n bytes back.
func (s *Session) Receive(n int) ([]byte, error) {
	data, err := s.pipe.Receive(n)
	if err == nil {
		s.stats.BytesReceived += len(data)
	}
	return data, err
}

// ReadByte reads a single byte.
func (s *Session) ReadByte() (byte, error) {
	buf, err := s.pipe.Receive(1)
	if err != nil {
		return 0, err
	}
	return buf[0], nil
}

// ReadWord reads a big-endian 16-bit word.
func (s *Session) ReadWord() (uint16, error) {
	buf, err := s.pipe.Receive(2)
	if err != nil {
		return 0, err
	}
	return uint16(buf[0])<<8 | uint16(buf[1]), nil
}

// Sync flushes in capture mode and reruns clock recovery.
func (s *Session) Sync() (int, error) {
	baud, err := s.pipe.Sync()
	if err == nil {
		s.stats.LastBaud = baud
	}
	return baud, err
}

// GetRegs reads count register bytes starting at first.
func (s *Session) GetRegs(first, count int) ([]byte, error) { return s.encoder.GetRegs(first, count) }

// SetReg writes a single register.
func (s *Session) SetReg(reg int, val byte) error { return s.encoder.SetReg(reg, val) }

// SetRegs writes a run of registers starting at first.
func (s *Session) SetRegs(first int, regs []byte) error { return s.encoder.SetRegs(first, regs) }

// ReadAddr reads length bytes of data-space memory starting at addr.
func (s *Session) ReadAddr(addr, length int) ([]byte, error) { return s.encoder.ReadAddr(addr, length) }

// WriteAddr writes buf into data-space memory starting at addr.
func (s *Session) WriteAddr(addr int, buf []byte) error { return s.encoder.WriteAddr(addr, buf) }

// SetPC programs the word-address program counter directly (no
// halving — callers holding a byte address should divide by 2 first,
// matching the session's own PC field convention).
func (s *Session) SetPC(wordAddr int) error { return s.encoder.SetPC(wordAddr) }

// SetBP programs the word-address breakpoint register directly.
func (s *Session) SetBP(wordAddr int) error { return s.encoder.SetBP(wordAddr) }

// Inst injects a raw 16-bit AVR instruction.
func (s *Session) Inst(opcode uint16) error { return s.encoder.Inst(opcode) }

// In synthesizes "IN reg, ioreg".
func (s *Session) In(reg, ioreg int) error { return s.encoder.In(reg, ioreg) }

// Out synthesizes "OUT ioreg, reg".
func (s *Session) Out(ioreg, reg int) error { return s.encoder.Out(ioreg, reg) }

// Close releases the underlying USB handle.
func (s *Session) Close() error { return s.adapter.Close() }

// waitSettle is used by callers that poll ReachedBreakpoint in a loop;
// kept here rather than in the caller so the polling interval is one
// tunable, not duplicated across cmd/dwire subcommands.
const waitSettle = 10 * time.Millisecond

// WaitSettle returns the recommended interval between ReachedBreakpoint
// polls.
func WaitSettle() time.Duration { return waitSettle }
