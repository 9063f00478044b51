package transport

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	breakSettleDelay = 120 * time.Millisecond
	pulseSampleCount = 9  // last 9 pulse-width measurements used to derive the bit time
	minCapturedBytes = 18 // 9 little-endian uint16 samples
	maxBreakAttempts = 25
)

// ErrSyncFailed is raised when BreakAndSync exhausts its attempt budget
// without capturing a valid pulse-width sample.
type ErrSyncFailed struct {
	Attempts int
}

func (e *ErrSyncFailed) Error() string {
	return fmt.Sprintf("clock recovery: no valid pulse samples after %d break attempts", e.Attempts)
}

// Recover polls the adapter for the pulse widths it captured following a
// break (or a sync-triggering flush), derives cyclesPerPulse and
// dwBitTime from them, and programs the adapter's bit-time divisor. It
// does not itself issue the break — callers (BreakAndSync, or a sync
// flush) are responsible for that.
//
// Returns the reported baud rate on success.
func (a *Adapter) Recover() (int, error) {
	if a.failed {
		return 0, &ErrTransportFailed{Operation: "recover(closed)", LastStatus: -1}
	}

	status, raw, attempts, err := a.pollIn(64, ClockRecoveryRetry)
	if status <= 0 {
		return 0, fmt.Errorf("read pulse widths: status %d after %d attempts: %w", status, attempts, err)
	}
	if status < minCapturedBytes {
		return 0, fmt.Errorf("read pulse widths: only %d bytes captured, need %d", status, minCapturedBytes)
	}
	raw = raw[:status]

	measurementCount := len(raw) / 2
	samples := make([]uint16, measurementCount)
	for i := range samples {
		samples[i] = binary.LittleEndian.Uint16(raw[2*i : 2*i+2])
	}

	// Use the last 9 samples. Intermediate products (6*sum of nine 16-bit
	// samples) need a wider accumulator than any individual measurement,
	// so sum into an explicit 32-bit unsigned accumulator.
	var sum uint32
	for _, s := range samples[measurementCount-pulseSampleCount:] {
		sum += uint32(s)
	}

	cyclesPerPulse := (6*sum)/pulseSampleCount + 8
	a.cyclesPerPulse = cyclesPerPulse

	dwBitTime := uint16((cyclesPerPulse - 8) / 4)
	divisor := make([]byte, 2)
	binary.LittleEndian.PutUint16(divisor, dwBitTime)

	if err := a.Send(ModeSetDivisor, divisor, SendRetry); err != nil {
		return 0, fmt.Errorf("program bit-time divisor: %w", err)
	}

	baud := int(16_500_000 / cyclesPerPulse)
	a.log.WithFields(logrus.Fields{
		"cyclesPerPulse": cyclesPerPulse,
		"dwBitTime":      dwBitTime,
		"baud":           baud,
	}).Info("clock recovery complete")
	return baud, nil
}

// BreakAndSync forces a break, lets the adapter capture the target's
// 0x55 reply, and recovers the bit time from it. Retries the whole
// break+recover cycle up to 25 times before giving up.
func (a *Adapter) BreakAndSync() (int, error) {
	for attempt := 1; attempt <= maxBreakAttempts; attempt++ {
		if err := a.Send(ModeBreakCapture, nil, SendRetry); err != nil {
			continue
		}
		time.Sleep(breakSettleDelay)

		baud, err := a.Recover()
		if err == nil {
			a.log.WithField("attempt", attempt).Info("debugWIRE break and sync succeeded")
			return baud, nil
		}
		a.log.WithFields(logrus.Fields{"attempt": attempt, "err": err}).Debug("break and sync attempt failed")
	}
	return 0, &ErrSyncFailed{Attempts: maxBreakAttempts}
}

// Sync is used after opcodes that leave the line in an auto-baud state.
// The caller (package pipeline) is responsible for flushing the buffer
// with ModeSendCapture before calling Sync; Sync itself only re-runs
// clock recovery.
func (a *Adapter) Sync() (int, error) {
	baud, err := a.Recover()
	if err != nil {
		return 0, fmt.Errorf("sync: %w", err)
	}
	return baud, nil
}
