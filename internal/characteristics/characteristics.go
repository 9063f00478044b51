// Package characteristics holds the per-signature device table that the
// debugWIRE session consults to size SRAM/flash and locate the DWDR I/O
// register. The table is immutable; the session stores the resolved index
// into it, not a pointer, so the table layout can evolve independently of
// the session that uses it (see DESIGN.md).
package characteristics

import "fmt"

// Device describes the handful of facts the session needs about a part
// once its signature has been read off the wire.
type Device struct {
	Signature uint16
	Name      string
	FlashSize int // bytes
	RAMSize   int // bytes, SRAM only (register file and I/O space excluded)
	DWDRAddr  int // I/O-space address of the debugWIRE data register
}

// DWDRReg returns the data-space address (I/O address + 32) of DWDR, where
// it appears in the data area that package encoder reads and writes.
func (d Device) DWDRReg() int { return d.DWDRAddr + 32 }

// table lists the classic debugWIRE-capable parts. Unrecognised signatures
// are fatal per spec (UnknownSignature); this module does not attempt to
// be an exhaustive AVR parts database.
var table = []Device{
	{Signature: 0x9007, Name: "ATtiny13", FlashSize: 1024, RAMSize: 64, DWDRAddr: 0x1E},
	{Signature: 0x920B, Name: "ATtiny85", FlashSize: 8192, RAMSize: 512, DWDRAddr: 0x1E},
	{Signature: 0x9205, Name: "ATtiny45", FlashSize: 4096, RAMSize: 256, DWDRAddr: 0x1E},
	{Signature: 0x9215, Name: "ATmega8", FlashSize: 8192, RAMSize: 1024, DWDRAddr: 0x1F},
	{Signature: 0x9406, Name: "ATmega88", FlashSize: 8192, RAMSize: 1024, DWDRAddr: 0x1F},
	{Signature: 0x9413, Name: "ATmega168", FlashSize: 16384, RAMSize: 1024, DWDRAddr: 0x1F},
	{Signature: 0x950F, Name: "ATmega328", FlashSize: 32768, RAMSize: 2048, DWDRAddr: 0x1F},
	{Signature: 0x930A, Name: "ATmega328P", FlashSize: 32768, RAMSize: 2048, DWDRAddr: 0x1F},
}

// ErrUnknownSignature is returned by Lookup when the signature does not
// match any entry in the table.
type ErrUnknownSignature struct {
	Signature uint16
}

func (e *ErrUnknownSignature) Error() string {
	return fmt.Sprintf("unrecognised device signature: 0x%04X", e.Signature)
}

// Lookup resolves a 16-bit signature to its table index, mirroring
// SetSizes/Characteristics[signature] in the original debugWIRE host code.
func Lookup(signature uint16) (int, error) {
	for i, d := range table {
		if d.Signature == signature {
			return i, nil
		}
	}
	return -1, &ErrUnknownSignature{Signature: signature}
}

// At returns the device at the given table index, as resolved by Lookup.
func At(index int) Device {
	return table[index]
}
