package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slipstream-rtc/server/internal/core"
)

func TestChunkFrameReconstructsOriginalBytes(t *testing.T) {
	data := make([]byte, 6000)
	for i := range data {
		data[i] = byte(i % 251)
	}
	frame := &core.EncodedFrame{Data: data, IsKeyframe: true, TimestampNS: 42, EncodeUS: 7}

	packets, err := ChunkFrame(1, frame, 1380)
	require.NoError(t, err)

	var dataChunks [][]byte
	for _, p := range packets {
		if p.Header.PacketType == PacketTypeData {
			dataChunks = append(dataChunks, p.Payload)
		}
	}
	require.Equal(t, 5, len(dataChunks))
	require.True(t, bytes.Equal(data, ReassembleFrame(dataChunks)))
}

func TestFECRecoversMissingChunk(t *testing.T) {
	data := make([]byte, 6000)
	for i := range data {
		data[i] = byte(i % 251)
	}
	frame := &core.EncodedFrame{Data: data, IsKeyframe: true}

	packets, err := ChunkFrame(1, frame, 1380)
	require.NoError(t, err)

	var dataChunks [][]byte
	var parity []byte
	for _, p := range packets {
		switch p.Header.PacketType {
		case PacketTypeData:
			dataChunks = append(dataChunks, p.Payload)
		case PacketTypeFEC:
			parity = p.Payload
		}
	}
	require.NotNil(t, parity)

	missing := dataChunks[2]
	survivors := [][]byte{dataChunks[0], dataChunks[1], dataChunks[3]}
	recovered := RecoverChunk(parity, survivors)
	require.True(t, bytes.Equal(missing, recovered[:len(missing)]))
}

func TestChunkFrameRejectsEmptyFrame(t *testing.T) {
	_, err := ChunkFrame(1, &core.EncodedFrame{}, 1380)
	require.ErrorIs(t, err, ErrEmptyFrame)
}

func TestPacketHeaderRoundTrip(t *testing.T) {
	h := PacketHeader{
		TimestampNS: 123456, EncodeUS: 789, FrameID: 7,
		TotalSize: 4096, ChunkIndex: 2, TotalChunks: 5,
		ChunkBytes: 1024, DataChunkSize: 1380,
		FrameType: FrameTypeKey, PacketType: PacketTypeData, FECGroupSize: 4,
	}
	decoded, ok := DecodePacketHeader(h.Encode())
	require.True(t, ok)
	require.Equal(t, h, decoded)
}

func TestMagicsAreLiteralASCII(t *testing.T) {
	require.Equal(t, "PNGP", string(MagicPing[:]))
	require.Equal(t, "AUDI", string(MagicAudioData[:]))
	require.Equal(t, "MICD", string(MagicMicData[:]))
	require.Equal(t, "SREV", string(MagicVersion[:]))
}
