package characteristics

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLookupKnownSignature(t *testing.T) {
	idx, err := Lookup(0x950F)
	require.NoError(t, err)
	dev := At(idx)
	require.Equal(t, "ATmega328", dev.Name)
	require.Equal(t, 32768, dev.FlashSize)
	require.Equal(t, 0x1F, dev.DWDRAddr)
	require.Equal(t, 0x1F+32, dev.DWDRReg())
}

func TestLookupUnknownSignature(t *testing.T) {
	_, err := Lookup(0xFFFF)
	require.Error(t, err)
	var notFound *ErrUnknownSignature
	require.ErrorAs(t, err, &notFound)
	require.Equal(t, uint16(0xFFFF), notFound.Signature)
}
