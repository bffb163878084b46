package protocol

import (
	"errors"

	"github.com/slipstream-rtc/server/internal/core"
)

// ErrFrameTooLarge is returned when an encoded frame would require
// more than 65535 chunks.
var ErrFrameTooLarge = errors.New("protocol: frame requires too many chunks")

// ErrEmptyFrame is returned for a zero-length encoded frame.
var ErrEmptyFrame = errors.New("protocol: empty frame")

// Packet is one on-wire video packet: header plus payload.
type Packet struct {
	Header  PacketHeader
	Payload []byte
}

// ChunkFrame splits an encoded frame into chunkSize data chunks and
// appends one XOR-parity packet per complete FECGroupSize group, per
// §4.6 "Video framing". chunkSize <= 0 uses DataChunkSize.
func ChunkFrame(frameID uint32, frame *core.EncodedFrame, chunkSize int) ([]Packet, error) {
	if chunkSize <= 0 {
		chunkSize = DataChunkSize
	}
	size := len(frame.Data)
	if size == 0 {
		return nil, ErrEmptyFrame
	}
	nchunks := (size + chunkSize - 1) / chunkSize
	if nchunks > 65535 {
		return nil, ErrFrameTooLarge
	}

	frameType := FrameTypeDelta
	if frame.IsKeyframe {
		frameType = FrameTypeKey
	}

	packets := make([]Packet, 0, nchunks+nchunks/FECGroupSize+1)
	var group [][]byte

	flushGroup := func(groupIndex int) {
		if len(group) < FECGroupSize {
			return
		}
		parity := xorChunks(group, chunkSize)
		packets = append(packets, Packet{
			Header: PacketHeader{
				TimestampNS:   frame.TimestampNS,
				EncodeUS:      frame.EncodeUS,
				FrameID:       frameID,
				TotalSize:     uint32(size),
				ChunkIndex:    uint16(groupIndex),
				TotalChunks:   uint16(nchunks),
				ChunkBytes:    uint16(len(parity)),
				DataChunkSize: uint16(chunkSize),
				FrameType:     frameType,
				PacketType:    PacketTypeFEC,
				FECGroupSize:  FECGroupSize,
			},
			Payload: parity,
		})
		group = nil
	}

	for i := 0; i < nchunks; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > size {
			end = size
		}
		chunk := frame.Data[start:end]
		packets = append(packets, Packet{
			Header: PacketHeader{
				TimestampNS:   frame.TimestampNS,
				EncodeUS:      frame.EncodeUS,
				FrameID:       frameID,
				TotalSize:     uint32(size),
				ChunkIndex:    uint16(i),
				TotalChunks:   uint16(nchunks),
				ChunkBytes:    uint16(len(chunk)),
				DataChunkSize: uint16(chunkSize),
				FrameType:     frameType,
				PacketType:    PacketTypeData,
				FECGroupSize:  FECGroupSize,
			},
			Payload: chunk,
		})
		group = append(group, chunk)
		if len(group) == FECGroupSize {
			flushGroup(i / FECGroupSize)
		}
	}
	return packets, nil
}

func xorChunks(chunks [][]byte, width int) []byte {
	out := make([]byte, width)
	for _, c := range chunks {
		for i, b := range c {
			out[i] ^= b
		}
	}
	return out
}

// ReassembleFrame concatenates data packets in chunk_index order. It
// does not itself perform FEC recovery; callers missing a chunk use
// RecoverChunk first.
func ReassembleFrame(dataChunks [][]byte) []byte {
	out := make([]byte, 0)
	for _, c := range dataChunks {
		out = append(out, c...)
	}
	return out
}

// RecoverChunk reconstructs a missing chunk from the XOR parity and
// the other three chunks in its FEC group (§8 FEC reconstruction
// invariant).
func RecoverChunk(parity []byte, survivors [][]byte) []byte {
	all := make([][]byte, 0, len(survivors)+1)
	all = append(all, survivors...)
	all = append(all, parity)
	return xorChunks(all, len(parity))
}
