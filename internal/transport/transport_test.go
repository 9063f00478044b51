package transport

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"dwire/internal/fakeusb"
)

func pulseFrame(value uint16, n int) []byte {
	buf := make([]byte, 2*n)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(buf[2*i:2*i+2], value)
	}
	return buf
}

func TestRecoverComputesCyclesPerPulse(t *testing.T) {
	ctl := fakeusb.New()
	ctl.QueueIn(pulseFrame(82, 9)) // 9 pulses of 82 cycles each
	a := New(ctl, nil)

	baud, err := a.Recover()
	require.NoError(t, err)
	require.Equal(t, uint32(500), a.CyclesPerPulse())
	require.Equal(t, 33000, baud)

	divisorCalls := ctl.CallsWithMode(ModeSetDivisor)
	require.Len(t, divisorCalls, 1)
	require.Equal(t, []byte{0x7B, 0x00}, divisorCalls[0].Payload)
}

func TestRecoverUsesLastNineSamples(t *testing.T) {
	ctl := fakeusb.New()
	// 11 samples; only the last 9 (all value 82) should be used. The
	// first two garbage samples must not affect the result.
	frame := append(pulseFrame(9999, 2), pulseFrame(82, 9)...)
	ctl.QueueIn(frame)
	a := New(ctl, nil)

	_, err := a.Recover()
	require.NoError(t, err)
	require.Equal(t, uint32(500), a.CyclesPerPulse())
}

func TestRecoverInsufficientSamplesIsNotFatal(t *testing.T) {
	ctl := fakeusb.New()
	ctl.QueueIn(pulseFrame(82, 3)) // only 6 bytes, below the 18-byte minimum

	a := New(ctl, nil)
	_, err := a.Recover()
	require.Error(t, err)
	require.False(t, a.Failed(), "insufficient-sample recovery must not kill the transport")
	require.False(t, ctl.Closed())
}

func TestBreakAndSyncRetriesUntilSamplesArrive(t *testing.T) {
	ctl := fakeusb.New()
	// Every poll of the first break attempt (ClockRecoveryRetry's full
	// budget) starves; the second break attempt succeeds.
	a := New(ctl, nil)

	attempt := 0
	ctl.InHook = func(buf []byte) (int, error) {
		attempt++
		if attempt <= ClockRecoveryRetry.MaxAttempts {
			return 0, nil
		}
		data := pulseFrame(82, 9)
		return copy(buf, data), nil
	}

	baud, err := a.BreakAndSync()
	require.NoError(t, err)
	require.Equal(t, 33000, baud)

	breakCalls := ctl.CallsWithMode(ModeBreakCapture)
	require.GreaterOrEqual(t, len(breakCalls), 2)
}

func TestSendRetriesOnBusyThenSucceeds(t *testing.T) {
	ctl := fakeusb.New()
	calls := 0
	ctl.OutHook = func(mode uint16, payload []byte) (int, error) {
		calls++
		if calls < 3 {
			return 0, nil
		}
		return len(payload), nil
	}
	a := New(ctl, nil)

	err := a.Send(ModeSendOnly, []byte{0x01, 0x02}, RetryPolicy{MaxAttempts: 5, Backoff: 0})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestSendExhaustsRetryBudgetAndClosesTransport(t *testing.T) {
	ctl := fakeusb.New()
	ctl.OutHook = func(mode uint16, payload []byte) (int, error) { return 0, nil }
	a := New(ctl, nil)

	err := a.Send(ModeSendOnly, []byte{0x01}, RetryPolicy{MaxAttempts: 3, Backoff: 0})
	require.Error(t, err)
	var failed *ErrTransportFailed
	require.ErrorAs(t, err, &failed)
	require.True(t, a.Failed())
	require.True(t, ctl.Closed())

	// The adapter is now permanently unusable.
	err = a.Send(ModeSendOnly, []byte{0x01}, RetryPolicy{MaxAttempts: 3, Backoff: 0})
	require.Error(t, err)
}

func TestSendShortWrite(t *testing.T) {
	ctl := fakeusb.New()
	ctl.OutHook = func(mode uint16, payload []byte) (int, error) { return len(payload) - 1, nil }
	a := New(ctl, nil)

	err := a.Send(ModeSendOnly, []byte{0x01, 0x02, 0x03}, RetryPolicy{MaxAttempts: 3, Backoff: 0})
	require.Error(t, err)
	var short *ErrShortWrite
	require.ErrorAs(t, err, &short)
}

func TestReceiveShortReadIsAnError(t *testing.T) {
	ctl := fakeusb.New()
	ctl.QueueIn([]byte{0x01, 0x02}) // only 2 bytes when 4 are requested
	a := New(ctl, nil)

	_, err := a.Receive(4, RetryPolicy{MaxAttempts: 3, Backoff: 0})
	require.Error(t, err)
	var short *ErrShortRead
	require.ErrorAs(t, err, &short)
	require.False(t, a.Failed(), "a short (but non-zero) read is a protocol error, not a transport failure")
}

func TestBreakAndSyncGivesUpAfterMaxAttempts(t *testing.T) {
	ctl := fakeusb.New()
	ctl.InHook = func(buf []byte) (int, error) { return 0, nil }
	a := New(ctl, nil)

	_, err := a.BreakAndSync()
	require.Error(t, err)
	var syncFailed *ErrSyncFailed
	require.ErrorAs(t, err, &syncFailed)
	require.Equal(t, maxBreakAttempts, syncFailed.Attempts)
}
