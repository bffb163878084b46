package encoder

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slipstream-rtc/server/internal/core"
)

func TestComputeRateControl(t *testing.T) {
	rc := ComputeRateControl(1920, 1080, 60)
	require.Greater(t, rc.BitrateBPS, uint64(0))
	require.Equal(t, rc.BitrateBPS*2, rc.MaxBPS)
	require.Equal(t, rc.BitrateBPS*2, rc.BufferSize)
}

func TestCapabilitiesBitmap(t *testing.T) {
	require.Equal(t, uint8(CapAV1|CapH265|CapH264), Capabilities(core.VendorA))
	require.Equal(t, uint8(0), Capabilities(core.EncoderVendor(99)))
}

func TestProbeOrdersPreferredVendorFirst(t *testing.T) {
	order := Probe(core.VendorB, core.CodecH264)
	require.Equal(t, core.VendorB, order[0])
	require.Len(t, order, 3)
}

func annexBNALU(naluType byte, payload ...byte) []byte {
	out := []byte{0x00, 0x00, 0x00, 0x01, naluType & 0x1F}
	return append(out, payload...)
}

func TestResolveKeyframeDetectsIDRInBitstream(t *testing.T) {
	e := &Encoder{codec: core.CodecH264}

	data := annexBNALU(7, 0x64, 0x00, 0x1f) // SPS
	data = append(data, annexBNALU(8, 0xce)...)
	data = append(data, annexBNALU(5, 0x88, 0x84)...) // IDR slice

	require.True(t, e.resolveKeyframe(data, false))
}

func TestResolveKeyframeFallsBackWithoutIDR(t *testing.T) {
	e := &Encoder{codec: core.CodecH264}

	data := annexBNALU(1, 0x88, 0x84) // non-IDR slice

	require.False(t, e.resolveKeyframe(data, false))
	require.True(t, e.resolveKeyframe(data, true))
}

func TestResolveKeyframeTrustsForceKeyForAV1(t *testing.T) {
	e := &Encoder{codec: core.CodecAV1}
	require.True(t, e.resolveKeyframe([]byte{0xff, 0xff}, true))
	require.False(t, e.resolveKeyframe([]byte{0xff, 0xff}, false))
}

func annexBNALUH265(naluType byte, payload ...byte) []byte {
	out := []byte{0x00, 0x00, 0x00, 0x01, (naluType & 0x3F) << 1, 0x01}
	return append(out, payload...)
}

func TestResolveKeyframeDetectsIDRInH265Bitstream(t *testing.T) {
	e := &Encoder{codec: core.CodecH265}

	data := annexBNALUH265(33, 0x01, 0x02)                 // SPS
	data = append(data, annexBNALUH265(34, 0x01)...)       // PPS
	data = append(data, annexBNALUH265(19, 0x01, 0x02)...) // IDR_W_RADL

	require.True(t, e.resolveKeyframe(data, false))
}

func TestTuningArgsDifferPerVendor(t *testing.T) {
	a := &Encoder{vendor: core.VendorA, codec: core.CodecH264}
	require.Equal(t, []string{"-preset", "ultra-low-latency", "-cq", "23"}, a.tuningArgs())

	b := &Encoder{vendor: core.VendorB, codec: core.CodecH264}
	require.Equal(t, []string{"-preset", "ultra-fast", "-global_quality", "23", "-low_power", "1"}, b.tuningArgs())

	c := &Encoder{vendor: core.VendorC, codec: core.CodecH264}
	require.Equal(t, []string{"-q:v", "23", "-realtime", "1"}, c.tuningArgs())

	require.NotEqual(t, a.tuningArgs(), b.tuningArgs())
	require.NotEqual(t, b.tuningArgs(), c.tuningArgs())
}

func TestFfmpegArgsIncludeVendorTuning(t *testing.T) {
	e := &Encoder{
		vendor: core.VendorB,
		codec:  core.CodecH264,
		width:  1920,
		height: 1080,
		fps:    60,
		rc:     ComputeRateControl(1920, 1080, 60),
	}
	args := e.ffmpegArgs()
	require.Contains(t, args, "-global_quality")
	require.Contains(t, args, "-low_power")
}

func TestResolveKeyframeFallsBackWithoutIDRInH265Bitstream(t *testing.T) {
	e := &Encoder{codec: core.CodecH265}

	data := annexBNALUH265(1, 0x01, 0x02) // non-IDR trailing slice

	require.False(t, e.resolveKeyframe(data, false))
	require.True(t, e.resolveKeyframe(data, true))
}
