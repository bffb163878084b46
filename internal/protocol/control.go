package protocol

import (
	"encoding/binary"
	"errors"

	"github.com/slipstream-rtc/server/internal/core"
)

// ErrTruncated is returned by decoders when a message is shorter than
// its fixed payload size.
var ErrTruncated = errors.New("protocol: truncated message")

// ErrUnknownMagic is returned when a message's magic tag is not
// recognized on its channel.
var ErrUnknownMagic = errors.New("protocol: unknown magic")

func readMagic(buf []byte) (Magic, []byte, bool) {
	if len(buf) < 4 {
		return Magic{}, nil, false
	}
	var m Magic
	copy(m[:], buf[:4])
	return m, buf[4:], true
}

// PingPayload is the 12-byte body of an inbound PING.
type PingPayload struct {
	Nonce [12]byte
}

// DecodePing extracts the echo nonce from an inbound PING message
// (magic already consumed).
func DecodePing(body []byte) (PingPayload, error) {
	if len(body) < 12 {
		return PingPayload{}, ErrTruncated
	}
	var p PingPayload
	copy(p.Nonce[:], body[:12])
	return p, nil
}

// EncodePingEcho builds the 20-byte echo-plus-host-timestamp reply.
func EncodePingEcho(nonce [12]byte, hostTimestampNS int64) []byte {
	buf := make([]byte, 4+12+8)
	copy(buf[0:4], MagicPing[:])
	copy(buf[4:16], nonce[:])
	binary.LittleEndian.PutUint64(buf[16:24], uint64(hostTimestampNS))
	return buf
}

// FPSSetMode values.
const (
	FPSModeExplicit uint8 = 0
	FPSModeFollowHost uint8 = 1
)

type FPSSet struct {
	FPS  uint16
	Mode uint8
}

func DecodeFPSSet(body []byte) (FPSSet, error) {
	if len(body) < 3 {
		return FPSSet{}, ErrTruncated
	}
	return FPSSet{FPS: binary.LittleEndian.Uint16(body[0:2]), Mode: body[2]}, nil
}

func EncodeFPSAck(fps uint16, mode uint8) []byte {
	buf := make([]byte, 4+3)
	copy(buf[0:4], MagicFPSAck[:])
	binary.LittleEndian.PutUint16(buf[4:6], fps)
	buf[6] = mode
	return buf
}

func DecodeCodecSet(body []byte) (core.Codec, error) {
	if len(body) < 1 {
		return 0, ErrTruncated
	}
	c := body[0]
	if c > 2 {
		return 0, errors.New("protocol: codec value out of range")
	}
	return core.Codec(c), nil
}

func EncodeCodecAck(c core.Codec) []byte {
	buf := make([]byte, 4+1)
	copy(buf[0:4], MagicCodecAck[:])
	buf[4] = uint8(c)
	return buf
}

func DecodeMonitorSet(body []byte) (uint8, error) {
	if len(body) < 1 {
		return 0, ErrTruncated
	}
	return body[0], nil
}

// MaxClipboardBytes is the round-trip cap on clipboard payloads.
const MaxClipboardBytes = 1 << 20

func DecodeClipboardData(body []byte) ([]byte, error) {
	if len(body) < 4 {
		return nil, ErrTruncated
	}
	n := binary.LittleEndian.Uint32(body[0:4])
	if n > MaxClipboardBytes {
		return nil, errors.New("protocol: clipboard payload too large")
	}
	if uint32(len(body)-4) < n {
		return nil, ErrTruncated
	}
	out := make([]byte, n)
	copy(out, body[4:4+n])
	return out, nil
}

func EncodeClipboardData(text []byte) []byte {
	buf := make([]byte, 4+4+len(text))
	copy(buf[0:4], MagicClipboardData[:])
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(text)))
	copy(buf[8:], text)
	return buf
}

func DecodeBoolFlag(body []byte) (bool, error) {
	if len(body) < 1 {
		return false, ErrTruncated
	}
	return body[0] != 0, nil
}

func EncodeHostInfo(hostFPS uint16) []byte {
	buf := make([]byte, 4+2)
	copy(buf[0:4], MagicHostInfo[:])
	binary.LittleEndian.PutUint16(buf[4:6], hostFPS)
	return buf
}

func EncodeCodecCaps(bitmap uint8) []byte {
	buf := make([]byte, 4+1)
	copy(buf[0:4], MagicCodecCaps[:])
	buf[4] = bitmap
	return buf
}

func EncodeVersion(version string) []byte {
	if len(version) > 255 {
		version = version[:255]
	}
	buf := make([]byte, 4+1+len(version))
	copy(buf[0:4], MagicVersion[:])
	buf[4] = uint8(len(version))
	copy(buf[5:], version)
	return buf
}

func EncodeKicked() []byte {
	buf := make([]byte, 4)
	copy(buf, MagicKicked[:])
	return buf
}

func EncodeCursorShape(kind CursorKind) []byte {
	buf := make([]byte, 4+1)
	copy(buf[0:4], MagicCursorShape[:])
	buf[4] = uint8(kind)
	return buf
}

// EncodeMonitorList builds MONITOR_LIST: count, current index, then
// per-monitor index/w/h/hz/primary/name-len/name.
func EncodeMonitorList(monitors []core.Monitor, current uint8) []byte {
	buf := make([]byte, 0, 6+len(monitors)*16)
	buf = append(buf, MagicMonitorList[:]...)
	buf = append(buf, uint8(len(monitors)), current)
	for _, m := range monitors {
		name := m.FriendlyName
		if len(name) > 63 {
			name = name[:63]
		}
		entry := make([]byte, 1+2+2+2+1+1+len(name))
		entry[0] = uint8(m.Index)
		binary.LittleEndian.PutUint16(entry[1:3], uint16(m.Width))
		binary.LittleEndian.PutUint16(entry[3:5], uint16(m.Height))
		binary.LittleEndian.PutUint16(entry[5:7], uint16(m.RefreshHz))
		if m.Primary {
			entry[7] = 1
		}
		entry[8] = uint8(len(name))
		copy(entry[9:], name)
		buf = append(buf, entry...)
	}
	return buf
}

// CursorKind enumerates the classified OS cursor shapes reported over
// CURSOR_SHAPE, matching the original cursor-type enum.
type CursorKind uint8

const (
	CursorDefault CursorKind = iota
	CursorText
	CursorPointer
	CursorWait
	CursorProgress
	CursorCrosshair
	CursorMove
	CursorResizeEW
	CursorResizeNS
	CursorResizeNWSE
	CursorResizeNESW
	CursorNotAllowed
	CursorHelp
	CursorNone
	CursorCustom CursorKind = 255
)

// DecodeMessage splits a raw control-channel message into its magic
// and body, for dispatch.
func DecodeMessage(buf []byte) (Magic, []byte, error) {
	m, rest, ok := readMagic(buf)
	if !ok {
		return Magic{}, nil, ErrTruncated
	}
	return m, rest, nil
}
