package session

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"dwire/internal/fakeusb"
	"dwire/internal/transport"
)

func pulseFrame(value uint16, n int) []byte {
	buf := make([]byte, 2*n)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(buf[2*i:2*i+2], value)
	}
	return buf
}

func TestConnectComputesBaudAndDivisor(t *testing.T) {
	ctl := fakeusb.New()
	// 0x1E93 is not in the characteristics table in this suite's
	// fixture set, so use a known signature instead.
	ctl.QueueIn(pulseFrame(82, 9))
	ctl.QueueIn([]byte{0x95, 0x0F}) // ATmega328
	ctl.QueueIn([]byte{0x00, 0x01})
	ctl.QueueIn([]byte{0, 0, 0, 0})

	a := transport.New(ctl, nil)
	s := New(a, nil)
	require.NoError(t, s.Connect())

	divisorCalls := ctl.CallsWithMode(transport.ModeSetDivisor)
	require.Len(t, divisorCalls, 1)
	require.Equal(t, []byte{0x7B, 0x00}, divisorCalls[0].Payload)
	require.Equal(t, 33000, s.Stats().LastBaud)
}

func TestConnectStoresSignatureAndResolvesDevice(t *testing.T) {
	ctl := fakeusb.New()
	ctl.QueueIn(pulseFrame(82, 9))
	ctl.QueueIn([]byte{0x95, 0x0F}) // ATmega328
	ctl.QueueIn([]byte{0x00, 0x01})
	ctl.QueueIn([]byte{0, 0, 0, 0})

	a := transport.New(ctl, nil)
	s := New(a, nil)
	require.NoError(t, s.Connect())

	require.Equal(t, uint16(0x950F), s.Signature)
	require.GreaterOrEqual(t, s.DeviceType, 0)
}

func TestConnectUnknownSignatureIsFatal(t *testing.T) {
	ctl := fakeusb.New()
	ctl.QueueIn(pulseFrame(82, 9))
	ctl.QueueIn([]byte{0xFF, 0xFF})

	a := transport.New(ctl, nil)
	s := New(a, nil)
	err := s.Connect()
	require.Error(t, err)
	var unknown *ErrUnknownSignature
	require.ErrorAs(t, err, &unknown)
}

func TestGoWithBreakpointAndTimersEnabled(t *testing.T) {
	ctl := fakeusb.New()
	ctl.QueueIn(pulseFrame(82, 9))
	ctl.QueueIn([]byte{0x95, 0x0F})
	ctl.QueueIn([]byte{0x00, 0x01})
	ctl.QueueIn([]byte{0, 0, 0, 0})

	a := transport.New(ctl, nil)
	s := New(a, nil)
	require.NoError(t, s.Connect())

	ctl.Calls = nil // only inspect the Go() trace itself

	s.BP = 0x0200
	s.PC = 0x0100
	s.TimerEnable = true
	require.NoError(t, s.Go())

	// The pipeline coalesces the whole sequence into the single Wait flush.
	trace := string(ctl.SentBytes())

	require.Contains(t, trace, string([]byte{0xD0, 0x10, 0x80})) // SetPC(PC/2 = 0x0080)
	require.Contains(t, trace, string([]byte{0xD1, 0x11, 0x00})) // SetBP(BP/2 = 0x0100)
	require.Contains(t, trace, string([]byte{0x41}))
	require.Contains(t, trace, string([]byte{0x30}))
}

func TestDisableEmitsSingleByteAndFlushes(t *testing.T) {
	ctl := fakeusb.New()
	s := New(transport.New(ctl, nil), nil)

	require.NoError(t, s.Disable())

	calls := ctl.CallsWithMode(transport.ModeSendReceive)
	require.Len(t, calls, 1)
	require.Equal(t, []byte{0x06}, calls[0].Payload)
}

func TestReadFourSRAMBytesAt0x60(t *testing.T) {
	ctl := fakeusb.New()
	s := newConnectedSessionWithKnownDevice(t, ctl)
	ctl.Calls = nil

	ctl.QueueIn([]byte{0xAA, 0xBB, 0xCC, 0xDD})
	data, err := s.ReadAddr(0x60, 4)
	require.NoError(t, err)
	require.Equal(t, []byte{0xAA, 0xBB, 0xCC, 0xDD}, data)

	// The read's commands travel coalesced in the flush that precedes it.
	trace := string(ctl.SentBytes())
	require.Contains(t, trace, string([]byte{0xD0, 0x10, 0x00})) // SetPC(0)
	require.Contains(t, trace, string([]byte{0xD1, 0x10, 0x08})) // SetBP(8) = 2*4
	require.Contains(t, trace, string([]byte{0x66, 0xC2, 0x00, 0x20}))
}

// newConnectedSessionWithKnownDevice connects using ATmega328's
// signature so DWDR addressing is well-defined for data-area tests.
func newConnectedSessionWithKnownDevice(t *testing.T, ctl *fakeusb.Control) *Session {
	t.Helper()
	ctl.QueueIn(pulseFrame(82, 9))
	ctl.QueueIn([]byte{0x95, 0x0F})
	ctl.QueueIn([]byte{0x00, 0x01})
	ctl.QueueIn([]byte{0, 0, 0, 0})

	a := transport.New(ctl, nil)
	s := New(a, nil)
	require.NoError(t, s.Connect())
	return s
}
