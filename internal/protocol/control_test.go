package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClipboardRoundTrip(t *testing.T) {
	text := []byte("hello clipboard")
	encoded := EncodeClipboardData(text)
	m, body, err := DecodeMessage(encoded)
	require.NoError(t, err)
	require.Equal(t, MagicClipboardData, m)
	decoded, err := DecodeClipboardData(body)
	require.NoError(t, err)
	require.Equal(t, text, decoded)
}

func TestClipboardRejectsOversized(t *testing.T) {
	body := make([]byte, 4)
	var big uint32 = MaxClipboardBytes + 1
	body[0], body[1], body[2], body[3] = byte(big), byte(big>>8), byte(big>>16), byte(big>>24)
	_, err := DecodeClipboardData(body)
	require.Error(t, err)
}

func TestCodecSetRejectsOutOfRange(t *testing.T) {
	_, err := DecodeCodecSet([]byte{7})
	require.Error(t, err)
}

func TestFPSSetDecode(t *testing.T) {
	body := []byte{60, 0, FPSModeFollowHost}
	f, err := DecodeFPSSet(body)
	require.NoError(t, err)
	require.Equal(t, uint16(60), f.FPS)
	require.Equal(t, FPSModeFollowHost, f.Mode)
}

func TestDecodeInputEventUnknownMagicIgnored(t *testing.T) {
	ev, err := DecodeInputEvent([]byte("ZZZZ"))
	require.NoError(t, err)
	require.Nil(t, ev)
}

func TestDecodeInputEventTruncatedDropped(t *testing.T) {
	_, err := DecodeInputEvent(append(MagicMoveAbs[:], 0, 1))
	require.ErrorIs(t, err, ErrTruncated)
}
