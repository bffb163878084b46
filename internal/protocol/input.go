package protocol

import (
	"encoding/binary"
	"math"
)

// Input-channel magics. The spec leaves these unspecified beyond
// "one of five variants, distinguished by magic, truncated messages
// dropped, unknown magics ignored" — these follow the same literal
// ASCII-tag convention as the control channel.
var (
	MagicMoveAbs = magic("MOVA")
	MagicMoveRel = magic("MOVR")
	MagicButton  = magic("BTN0")
	MagicWheel   = magic("WHL0")
	MagicKey     = magic("KEY0")
)

type MoveAbsEvent struct {
	NX, NY float32 // normalized [0,1]
}

type MoveRelEvent struct {
	DX, DY int16
}

type ButtonEvent struct {
	Code uint8
	Down bool
}

type WheelEvent struct {
	DX, DY int16
}

type KeyEvent struct {
	Keycode  uint16
	Scancode uint16
	Down     bool
}

// InputEvent is the decoded variant of one input-channel message.
type InputEvent struct {
	MoveAbs *MoveAbsEvent
	MoveRel *MoveRelEvent
	Button  *ButtonEvent
	Wheel   *WheelEvent
	Key     *KeyEvent
}

// DecodeInputEvent parses one input-channel message. It returns
// (nil, nil) for an unknown magic (ignored) and (nil, err) for a
// truncated payload of a known magic (dropped).
func DecodeInputEvent(buf []byte) (*InputEvent, error) {
	m, body, ok := readMagic(buf)
	if !ok {
		return nil, nil
	}
	switch m {
	case MagicMoveAbs:
		if len(body) < 8 {
			return nil, ErrTruncated
		}
		nx := math.Float32frombits(binary.LittleEndian.Uint32(body[0:4]))
		ny := math.Float32frombits(binary.LittleEndian.Uint32(body[4:8]))
		return &InputEvent{MoveAbs: &MoveAbsEvent{NX: nx, NY: ny}}, nil
	case MagicMoveRel:
		if len(body) < 4 {
			return nil, ErrTruncated
		}
		return &InputEvent{MoveRel: &MoveRelEvent{
			DX: int16(binary.LittleEndian.Uint16(body[0:2])),
			DY: int16(binary.LittleEndian.Uint16(body[2:4])),
		}}, nil
	case MagicButton:
		if len(body) < 2 {
			return nil, ErrTruncated
		}
		return &InputEvent{Button: &ButtonEvent{Code: body[0], Down: body[1] != 0}}, nil
	case MagicWheel:
		if len(body) < 4 {
			return nil, ErrTruncated
		}
		return &InputEvent{Wheel: &WheelEvent{
			DX: int16(binary.LittleEndian.Uint16(body[0:2])),
			DY: int16(binary.LittleEndian.Uint16(body[2:4])),
		}}, nil
	case MagicKey:
		if len(body) < 5 {
			return nil, ErrTruncated
		}
		return &InputEvent{Key: &KeyEvent{
			Keycode:  binary.LittleEndian.Uint16(body[0:2]),
			Scancode: binary.LittleEndian.Uint16(body[2:4]),
			Down:     body[4] != 0,
		}}, nil
	default:
		return nil, nil
	}
}
