package pipeline

import (
	"testing"

	"github.com/stretchr/testify/require"

	"dwire/internal/fakeusb"
	"dwire/internal/transport"
)

func newPipeline() (*Pipeline, *fakeusb.Control) {
	ctl := fakeusb.New()
	a := transport.New(ctl, nil)
	return New(a), ctl
}

func TestSendSmallPayloadStaysBuffered(t *testing.T) {
	p, ctl := newPipeline()
	require.NoError(t, p.Send(make([]byte, 100)))
	require.Equal(t, 100, p.Len())
	require.Empty(t, ctl.Calls)
}

func TestSendChunksOverCapacity(t *testing.T) {
	p, ctl := newPipeline()
	require.NoError(t, p.Send(make([]byte, 300)))

	sendOnly := ctl.CallsWithMode(transport.ModeSendOnly)
	require.Len(t, sendOnly, 2)
	require.Equal(t, 44, p.Len())
}

func TestSendExactMultipleLeavesFullResidue(t *testing.T) {
	p, ctl := newPipeline()
	require.NoError(t, p.Send(make([]byte, 256)))

	sendOnly := ctl.CallsWithMode(transport.ModeSendOnly)
	require.Len(t, sendOnly, 1)
	require.Equal(t, 128, p.Len())
}

func TestBufferNeverExceedsCapacity(t *testing.T) {
	p, _ := newPipeline()
	for i := 0; i < 50; i++ {
		require.NoError(t, p.Send(make([]byte, 7)))
		require.GreaterOrEqual(t, p.Len(), 0)
		require.LessOrEqual(t, p.Len(), capacity)
	}
}

func TestReceiveRequiresBufferedBytes(t *testing.T) {
	p, _ := newPipeline()
	_, err := p.Receive(4)
	require.Error(t, err)
}

func TestReceiveFlushesWithSendReceiveMode(t *testing.T) {
	p, ctl := newPipeline()
	ctl.QueueIn([]byte{0xAA, 0xBB, 0xCC, 0xDD})

	require.NoError(t, p.Send([]byte{0xF3}))
	data, err := p.Receive(4)
	require.NoError(t, err)
	require.Equal(t, []byte{0xAA, 0xBB, 0xCC, 0xDD}, data)

	calls := ctl.CallsWithMode(transport.ModeSendReceive)
	require.Len(t, calls, 1)
	require.NotEmpty(t, calls[0].Payload, "every mode-0x14 transport must carry at least one outbound byte")
	require.Equal(t, 0, p.Len())
}

func TestDisableFlushesExactSingleByte(t *testing.T) {
	p, ctl := newPipeline()
	require.NoError(t, p.Send([]byte{0x06}))
	require.NoError(t, p.Flush(transport.ModeSendReceive))

	calls := ctl.CallsWithMode(transport.ModeSendReceive)
	require.Len(t, calls, 1)
	require.Equal(t, []byte{0x06}, calls[0].Payload)
}

func TestWaitFlushesSendWaitMode(t *testing.T) {
	p, ctl := newPipeline()
	require.NoError(t, p.Send([]byte{0x30}))
	require.NoError(t, p.Wait())

	calls := ctl.CallsWithMode(transport.ModeSendWait)
	require.Len(t, calls, 1)
	require.Equal(t, []byte{0x30}, calls[0].Payload)
	require.Equal(t, 0, p.Len())
}

func TestFlushOnEmptyBufferIsNoop(t *testing.T) {
	p, ctl := newPipeline()
	require.NoError(t, p.Flush(transport.ModeSendOnly))
	require.Empty(t, ctl.Calls)
}
