//go:build !mips && !mipsle

package transport

import (
	"fmt"

	"github.com/google/gousb"
)

// Adapter USB identity.
const (
	VendorID  gousb.ID = 0x1781
	ProductID gousb.ID = 0x0C9F
)

// USBControl implements Control against a real adapter over libusb via
// gousb, mirroring the single vendor control request the original
// littleWire firmware exposes: bRequest 60, wValue selects the operation
// mode, wIndex always 0. Unlike bulk-endpoint device access, every
// exchange here is a single EP0 control transfer — there are no bulk
// endpoints to claim.
type USBControl struct {
	ctx    *gousb.Context
	device *gousb.Device
}

// OpenUSB opens the first attached debugWIRE adapter matching VendorID/ProductID.
func OpenUSB() (*USBControl, error) {
	ctx := gousb.NewContext()

	device, err := ctx.OpenDeviceWithVIDPID(VendorID, ProductID)
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("open debugWIRE adapter: %w", err)
	}
	if device == nil {
		ctx.Close()
		return nil, fmt.Errorf("debugWIRE adapter not found (VID:%s PID:%s)", VendorID, ProductID)
	}

	device.ControlTimeout = usbTimeout

	return &USBControl{ctx: ctx, device: device}, nil
}

// ControlOut sends bRequest 60, direction OUT, type Vendor, recipient
// Device, wValue=mode, wIndex=0.
func (u *USBControl) ControlOut(mode uint16, payload []byte) (int, error) {
	return u.device.Control(
		gousb.ControlOut|gousb.ControlVendor|gousb.ControlDevice,
		vendorRequest,
		mode,
		0,
		payload,
	)
}

// ControlIn issues bRequest 60, direction IN, type Vendor, recipient
// Device, wValue=ModeReadBack, wIndex=0, reading into buf.
func (u *USBControl) ControlIn(buf []byte) (int, error) {
	return u.device.Control(
		gousb.ControlIn|gousb.ControlVendor|gousb.ControlDevice,
		vendorRequest,
		ModeReadBack,
		0,
		buf,
	)
}

// Close releases the device handle and the libusb context.
func (u *USBControl) Close() error {
	var errDev, errCtx error
	if u.device != nil {
		errDev = u.device.Close()
		u.device = nil
	}
	if u.ctx != nil {
		errCtx = u.ctx.Close()
		u.ctx = nil
	}
	if errDev != nil {
		return errDev
	}
	return errCtx
}
