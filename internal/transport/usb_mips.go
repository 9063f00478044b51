//go:build mips || mipsle

package transport

import "fmt"

// USBControl is unavailable on mips/mipsle: gousb depends on cgo bindings
// to libusb that are not built for these architectures.
type USBControl struct{}

// OpenUSB always fails on mips/mipsle builds.
func OpenUSB() (*USBControl, error) {
	return nil, fmt.Errorf("debugWIRE USB transport unavailable on this architecture (gousb requires cgo+libusb)")
}

func (u *USBControl) ControlOut(mode uint16, payload []byte) (int, error) { return 0, fmt.Errorf("unavailable") }
func (u *USBControl) ControlIn(buf []byte) (int, error)                   { return 0, fmt.Errorf("unavailable") }
func (u *USBControl) Close() error                                        { return nil }
