// Package encoder composes debugWIRE byte sequences and synthesized AVR
// instructions from higher-level operations: PC/BP control, instruction
// injection, register-file access, and data-area (SRAM + I/O) access. It
// never talks to the USB transport directly — every byte it produces is
// handed to a pipeline.Pipeline.
package encoder

import (
	"fmt"

	"dwire/internal/pipeline"
)

// shadowFirst is the lowest register-file address the encoder caches
// rather than reading/writing over the wire: Y-low, Y-high, Z-low,
// Z-high (registers 28-31), which debugWIRE's repeating instructions
// use internally and therefore destroy.
const shadowFirst = 28
const shadowCount = 4

// Encoder turns data-model operations into debugWIRE opcodes. It owns
// the shadow cache of registers 28-31 (Y/Z) since those are clobbered
// by the protocol itself and must never be read or written over the
// wire by the bulk-transfer paths.
type Encoder struct {
	pipe *pipeline.Pipeline

	// ioAddr is the I/O-space address of DWDR, the operand used directly
	// by the IN/OUT instruction encodings. dataAddr is the same register
	// viewed as a data-space address (ioAddr+32), the form compared
	// against addr in the data-area access paths.
	ioAddr   int
	dataAddr int

	shadow [shadowCount]byte
}

// New creates an encoder with no DWDR address configured yet; call
// Configure once the target signature has been resolved.
func New(pipe *pipeline.Pipeline) *Encoder {
	return &Encoder{pipe: pipe}
}

// Configure sets the DWDR I/O address for the connected device, resolved
// from the device characteristics table after signature lookup.
func (e *Encoder) Configure(dwdrIOAddr int) {
	e.ioAddr = dwdrIOAddr
	e.dataAddr = dwdrIOAddr + 32
}

// Shadow returns the cached values of registers 28-31 (Y-low, Y-high,
// Z-low, Z-high).
func (e *Encoder) Shadow() [shadowCount]byte { return e.shadow }

// SetShadow overwrites the cached register values, e.g. after GetRegs
// refreshes them from the target.
func (e *Encoder) SetShadow(r [shadowCount]byte) { e.shadow = r }

// SetPC emits the control-register write for the program counter. pc is
// a word address; callers holding a byte address must halve it first.
func (e *Encoder) SetPC(pc int) error {
	return e.pipe.Send([]byte{0xD0, hi(pc) | 0x10, lo(pc)})
}

// SetBP emits the control-register write for the breakpoint register.
// bp is a word address.
func (e *Encoder) SetBP(bp int) error {
	return e.pipe.Send([]byte{0xD1, hi(bp) | 0x10, lo(bp)})
}

// Inst loads a 16-bit AVR instruction into the instruction register and
// executes it.
func (e *Encoder) Inst(opcode uint16) error {
	return e.pipe.Send([]byte{0xD2, byte(opcode >> 8), byte(opcode), 0x23})
}

// inEncode synthesizes "IN reg, ioreg": move a byte from I/O space into
// a CPU register.
func inEncode(reg, ioreg int) uint16 {
	return 0xB000 | (uint16(ioreg<<5) & 0x600) | (uint16(reg<<4) & 0x01F0) | (uint16(ioreg) & 0x000F)
}

// outEncode synthesizes "OUT ioreg, reg": move a byte from a CPU
// register into I/O space.
func outEncode(reg, ioreg int) uint16 {
	return 0xB800 | (uint16(ioreg<<5) & 0x600) | (uint16(reg<<4) & 0x01F0) | (uint16(ioreg) & 0x000F)
}

// In injects "IN reg, ioreg".
func (e *Encoder) In(reg, ioreg int) error {
	return e.Inst(inEncode(reg, ioreg))
}

// Out injects "OUT ioreg, reg".
func (e *Encoder) Out(ioreg, reg int) error {
	return e.Inst(outEncode(reg, ioreg))
}

func hi(w int) byte { return byte((w >> 8) & 0xFF) }
func lo(w int) byte { return byte(w & 0xFF) }

// GetRegs reads count bytes starting at register first. A single
// register is read with a synthesized OUT through DWDR; more than one
// uses the bulk register-read loop (C2 01).
func (e *Encoder) GetRegs(first, count int) ([]byte, error) {
	if count == 1 {
		if err := e.Out(e.ioAddr, first); err != nil {
			return nil, err
		}
	} else {
		if err := e.SetPC(first); err != nil {
			return nil, err
		}
		if err := e.SetBP(first + count); err != nil {
			return nil, err
		}
		if err := e.pipe.Send([]byte{0x66, 0xC2, 0x01, 0x20}); err != nil {
			return nil, err
		}
	}
	return e.pipe.Receive(count)
}

// SetReg writes a single register's value via a synthesized IN through
// DWDR followed by the literal inbound byte.
func (e *Encoder) SetReg(reg int, val byte) error {
	if err := e.In(reg, e.ioAddr); err != nil {
		return err
	}
	return e.pipe.Send([]byte{val})
}

// SetRegs writes count bytes starting at register first. Three or
// fewer registers are written with individual SetReg calls (fewer wire
// bytes than the bulk framing); more use the bulk register-write loop
// (C2 05). Any of registers 28-31 in the written range also have their
// shadow cache entries updated to the written values.
func (e *Encoder) SetRegs(first int, regs []byte) error {
	for i, v := range regs {
		if r := first + i; r >= shadowFirst && r < shadowFirst+shadowCount {
			e.shadow[r-shadowFirst] = v
		}
	}
	return e.setRegs(first, regs)
}

// setRegs is SetRegs without the shadow update, for scratch use of
// registers 28-31 (such as loading Z) that must not disturb the cache.
func (e *Encoder) setRegs(first int, regs []byte) error {
	if len(regs) <= 3 {
		for i, v := range regs {
			if err := e.SetReg(first+i, v); err != nil {
				return err
			}
		}
		return nil
	}

	if err := e.SetPC(first); err != nil {
		return err
	}
	if err := e.SetBP(first + len(regs)); err != nil {
		return err
	}
	if err := e.pipe.Send([]byte{0x66, 0xC2, 0x05, 0x20}); err != nil {
		return err
	}
	return e.pipe.Send(regs)
}

// SetZ loads the 16-bit Z pointer (registers 30-31) with the SetRegs
// wire sequence, leaving the shadow cache of Z untouched.
func (e *Encoder) SetZ(z uint16) error {
	return e.setRegs(30, []byte{byte(z), byte(z >> 8)})
}

// UnsafeReadAddr reads length bytes starting at data-space address addr
// with the bulk SRAM read loop (C2 00), without any of ReadAddr's
// hazard skipping. Callers must ensure [addr, addr+length) avoids
// registers 28-31 and DWDR.
func (e *Encoder) UnsafeReadAddr(addr, length int) ([]byte, error) {
	if err := e.SetZ(uint16(addr)); err != nil {
		return nil, err
	}
	if err := e.SetPC(0); err != nil {
		return nil, err
	}
	if err := e.SetBP(2 * length); err != nil {
		return nil, err
	}
	if err := e.pipe.Send([]byte{0x66, 0xC2, 0x00, 0x20}); err != nil {
		return nil, err
	}
	return e.pipe.Receive(length)
}

// ReadAddr reads length bytes starting at data-space address addr,
// splicing around the protocol-hazardous registers 28-31 (returned
// from the shadow cache) and DWDR (returned as 0, since debugWIRE
// offers no way to read it without clobbering it), and chunking
// anything beyond DWDR into ≤128-byte transfers.
func (e *Encoder) ReadAddr(addr, length int) ([]byte, error) {
	out := make([]byte, 0, length)

	// Range before the shadowed registers.
	if n := min(length, shadowFirst-addr); n > 0 {
		chunk, err := e.UnsafeReadAddr(addr, n)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
		addr += n
		length -= n
	}

	// Shadowed registers 28-31: served from cache, no wire traffic.
	for addr >= shadowFirst && addr <= shadowFirst+shadowCount-1 && length > 0 {
		out = append(out, e.shadow[addr-shadowFirst])
		addr++
		length--
	}

	// Range from 32 up to (but not including) DWDR.
	if n := min(length, e.dataAddr-addr); n > 0 {
		chunk, err := e.UnsafeReadAddr(addr, n)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
		addr += n
		length -= n
	}

	// DWDR itself: a dummy zero, since reading it would clobber it.
	if length > 0 && addr == e.dataAddr {
		out = append(out, 0)
		addr++
		length--
	}

	// Everything beyond DWDR, chunked to the 128-byte transfer limit.
	for length > 128 {
		chunk, err := e.UnsafeReadAddr(addr, 128)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
		addr += 128
		length -= 128
	}
	if length > 0 {
		chunk, err := e.UnsafeReadAddr(addr, length)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}

	return out, nil
}

// WriteAddr writes buf starting at data-space address addr, one byte
// at a time so that registers 28-31 and DWDR can be skipped
// individually: 28-31 are updated in the shadow cache and advance Z
// without a wire write; DWDR is skipped entirely (and Z advanced).
func (e *Encoder) WriteAddr(addr int, buf []byte) error {
	if err := e.SetZ(uint16(addr)); err != nil {
		return err
	}
	if err := e.SetBP(3); err != nil {
		return err
	}
	if err := e.pipe.Send([]byte{0x66, 0xC2, 0x04}); err != nil {
		return err
	}

	limit := addr + len(buf)
	for i := 0; addr < limit; i++ {
		if addr < shadowFirst || (addr > shadowFirst+shadowCount-1 && addr != e.dataAddr) {
			if err := e.SetPC(1); err != nil {
				return err
			}
			if err := e.pipe.Send([]byte{0x20, buf[i]}); err != nil {
				return err
			}
		} else {
			if addr >= shadowFirst && addr <= shadowFirst+shadowCount-1 {
				e.shadow[addr-shadowFirst] = buf[i]
			}
			if err := e.SetZ(uint16(addr + 1)); err != nil {
				return err
			}
		}
		addr++
	}
	return nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// DecodeInstruction is the inverse of inEncode/outEncode, used by tests
// to assert the instruction-encoding round trip. It recognizes only the
// IN/OUT forms this package emits.
func DecodeInstruction(opcode uint16) (op string, reg, ioreg int, err error) {
	ioreg = int((opcode>>5)&0x30) | int(opcode&0x000F)
	reg = int((opcode >> 4) & 0x001F)
	switch opcode & 0xF800 {
	case 0xB000:
		return "IN", reg, ioreg, nil
	case 0xB800:
		return "OUT", reg, ioreg, nil
	default:
		return "", 0, 0, fmt.Errorf("not an IN/OUT encoding: 0x%04X", opcode)
	}
}
