// Package transport drives the vendor-specific USB control channel to the
// debugWIRE USB adapter (C1) and the auto-baud clock-recovery handshake
// that rides on top of it (C2). It knows nothing about debugWIRE opcodes;
// it only ships bytes, reads bytes back, and measures pulse widths.
package transport

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Operation modes selected by the wValue field of the vendor control
// request (bRequest = 60).
const (
	ModeSetDivisor   uint16 = 2    // OUT: program adapter bit-time divisor (2-byte payload)
	ModeSendOnly     uint16 = 4    // OUT: send bytes, no read expected
	ModeSendWait     uint16 = 0x0C // OUT: send bytes, then wait for line-state change
	ModeSendReceive  uint16 = 0x14 // OUT: send bytes, then read back inbound bytes
	ModeSendCapture  uint16 = 0x24 // OUT: send bytes, then capture following pulse widths
	ModeBreakCapture uint16 = 33   // OUT: force break, capture pulse widths of 0x55 reply
	ModeReadBack     uint16 = 0    // IN: read back the last captured buffer
)

const (
	vendorRequest = 60
	usbTimeout    = 5 * time.Second
	settleDelay   = 3 * time.Millisecond
)

// RetryPolicy parameterizes a retry loop's attempt budget and backoff so
// hosts may substitute faster policies in tests.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// Default retry policies named by the call sites that use them.
var (
	SendRetry          = RetryPolicy{MaxAttempts: 50, Backoff: 20 * time.Millisecond}
	ReadRetry          = RetryPolicy{MaxAttempts: 50, Backoff: 20 * time.Millisecond}
	ClockRecoveryRetry = RetryPolicy{MaxAttempts: 5, Backoff: 20 * time.Millisecond}
)

// ErrTransportFailed is raised when a retry budget is exhausted on either
// an OUT or an IN transfer. The adapter is permanently unusable afterward.
type ErrTransportFailed struct {
	Operation  string
	LastStatus int
}

func (e *ErrTransportFailed) Error() string {
	return fmt.Sprintf("transport: %s failed, last status %d", e.Operation, e.LastStatus)
}

// ErrShortWrite is raised when the adapter accepted fewer bytes than were
// offered to it on a successful (status > 0) OUT transfer.
type ErrShortWrite struct {
	Operation string
	Requested int
	Sent      int
}

func (e *ErrShortWrite) Error() string {
	return fmt.Sprintf("transport: %s short write, requested %d sent %d", e.Operation, e.Requested, e.Sent)
}

// ErrShortRead is raised when the adapter returned fewer bytes than were
// requested on a successful (status > 0) IN transfer — treated as an
// error rather than returning undefined trailing bytes.
type ErrShortRead struct {
	Operation string
	Requested int
	Got       int
}

func (e *ErrShortRead) Error() string {
	return fmt.Sprintf("transport: %s short read, requested %d got %d", e.Operation, e.Requested, e.Got)
}

// Control is the single primitive the USB adapter exposes: one vendor
// control request (bRequest 60), IN or OUT depending on dir, selecting an
// operation mode via wValue, wIndex always 0.
type Control interface {
	// ControlOut issues an OUT transfer of bRequest 60 with the given
	// wValue and payload, within usbTimeout, and returns the number of
	// bytes the adapter accepted (or a negative/zero status on failure,
	// mirroring usb_control_msg's return convention).
	ControlOut(mode uint16, payload []byte) (int, error)
	// ControlIn issues an IN transfer of bRequest 60, wValue 0 (mode
	// ModeReadBack), reading up to len(buf) bytes into buf, and returns
	// the number of bytes read.
	ControlIn(buf []byte) (int, error)
	// Close releases the underlying USB handle. Idempotent.
	Close() error
}

// Adapter is the retrying wrapper around a Control implementation. It owns
// no debugWIRE protocol knowledge, only the USB-level retry/backoff/settle
// contract.
type Adapter struct {
	ctl Control
	log *logrus.Entry

	// cyclesPerPulse is the most recent device-cycle measurement of the
	// target's bit-cell duration, set by Recover and consumed when
	// programming the adapter's bit-time divisor.
	cyclesPerPulse uint32

	failed bool
}

// New wraps a Control implementation (real USB, or a fake for tests).
func New(ctl Control, log *logrus.Entry) *Adapter {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Adapter{ctl: ctl, log: log.WithField("component", "transport")}
}

// Failed reports whether a prior transport call exhausted its retry
// budget. Once true the adapter is unusable.
func (a *Adapter) Failed() bool { return a.failed }

// CyclesPerPulse returns the last clock-recovery measurement.
func (a *Adapter) CyclesPerPulse() uint32 { return a.cyclesPerPulse }

// Send issues an OUT transfer in the given mode, retrying on status <= 0
// up to policy.MaxAttempts with policy.Backoff between attempts. A
// successful transfer that accepted fewer bytes than offered is an
// ErrShortWrite. On success with a non-empty payload, Send sleeps
// settleDelay before returning so the adapter has begun shifting the data
// onto the wire before it is next interrogated.
func (a *Adapter) Send(mode uint16, payload []byte, policy RetryPolicy) error {
	if a.failed {
		return &ErrTransportFailed{Operation: "send(closed)", LastStatus: -1}
	}

	var status int
	var err error
	attempts := 0
	for {
		attempts++
		status, err = a.ctl.ControlOut(mode, payload)
		success := status >= 0 && (len(payload) == 0 || status > 0)
		if success {
			break
		}
		if attempts >= policy.MaxAttempts {
			a.failed = true
			a.log.WithFields(logrus.Fields{"mode": mode, "attempts": attempts, "status": status}).
				Error("send retry budget exhausted")
			a.ctl.Close()
			return &ErrTransportFailed{Operation: fmt.Sprintf("send(mode=%d)", mode), LastStatus: status}
		}
		a.log.WithFields(logrus.Fields{"mode": mode, "attempt": attempts, "status": status, "err": err}).
			Debug("send busy, retrying")
		time.Sleep(policy.Backoff)
	}

	if status >= 0 && status < len(payload) {
		return &ErrShortWrite{Operation: fmt.Sprintf("send(mode=%d)", mode), Requested: len(payload), Sent: status}
	}

	if len(payload) > 0 {
		time.Sleep(settleDelay)
	}
	return nil
}

// Receive issues a mode-0 IN transfer, retrying on status <= 0 up to
// policy.MaxAttempts. A successful transfer returning fewer than n bytes
// is an ErrShortRead.
func (a *Adapter) Receive(n int, policy RetryPolicy) ([]byte, error) {
	if a.failed {
		return nil, &ErrTransportFailed{Operation: "receive(closed)", LastStatus: -1}
	}

	status, buf, attempts, _ := a.pollIn(n, policy)
	if status <= 0 {
		a.failed = true
		a.log.WithFields(logrus.Fields{"n": n, "attempts": attempts, "status": status}).
			Error("receive retry budget exhausted")
		a.ctl.Close()
		return nil, &ErrTransportFailed{Operation: "receive", LastStatus: status}
	}

	if status < n {
		return nil, &ErrShortRead{Operation: "receive", Requested: n, Got: status}
	}
	return buf[:status], nil
}

// Poll issues a single non-fatal IN transfer: callers that treat a
// status<=0 result as "nothing to report yet" rather than a transport
// failure use this instead of Receive. A zero or negative status never
// sets a.failed or closes the handle — it's handed back to the caller
// to interpret (e.g. ReachedBreakpoint treats it as "still running").
func (a *Adapter) Poll(n int) (status int, buf []byte, err error) {
	if a.failed {
		return 0, nil, &ErrTransportFailed{Operation: "poll(closed)", LastStatus: -1}
	}
	status, buf, _, err = a.pollIn(n, RetryPolicy{MaxAttempts: 1})
	return status, buf, err
}

// pollIn is the shared low-level IN-transfer retry loop: it polls
// ControlIn up to policy.MaxAttempts times at policy.Backoff intervals
// while status <= 0, and returns whatever it last saw without touching
// a.failed. Receive wraps this with the "exhausted budget is fatal"
// contract; Poll and clock recovery's sample poll do not — running out
// of attempts there just means "nothing ready yet" or "try another
// break", not "the USB link is broken".
func (a *Adapter) pollIn(n int, policy RetryPolicy) (status int, buf []byte, attempts int, err error) {
	buf = make([]byte, n)
	for {
		attempts++
		status, err = a.ctl.ControlIn(buf)
		if status > 0 {
			return status, buf, attempts, err
		}
		if attempts >= policy.MaxAttempts {
			return status, buf, attempts, err
		}
		a.log.WithFields(logrus.Fields{"n": n, "attempt": attempts, "status": status, "err": err}).
			Debug("poll busy, retrying")
		time.Sleep(policy.Backoff)
	}
}

// Close releases the underlying USB handle.
func (a *Adapter) Close() error {
	a.failed = true
	return a.ctl.Close()
}
