package protocol

// MaxAudioPacketBytes caps an individual Opus payload on the audio
// channel.
const MaxAudioPacketBytes = 4000

// EncodeAudioPacket builds one audio-channel packet: header + Opus
// bytes.
func EncodeAudioPacket(timestampNS int64, samples uint16, opus []byte) []byte {
	h := AudioPacketHeader{Magic: MagicAudioData, TimestampNS: timestampNS, Samples: samples, DataLen: uint16(len(opus))}
	buf := h.Encode()
	return append(buf, opus...)
}

// EncodeMicPacket builds one mic-channel packet: header + Opus bytes.
func EncodeMicPacket(timestampNS int64, samples uint16, opus []byte) []byte {
	h := MicPacketHeader{Magic: MagicMicData, TimestampNS: timestampNS, Samples: samples, DataLen: uint16(len(opus))}
	buf := h.Encode()
	return append(buf, opus...)
}

// DecodeAudioPacket validates and splits an audio/mic-channel packet
// into its header and Opus payload.
func DecodeAudioPacket(buf []byte) (AudioPacketHeader, []byte, bool) {
	h, ok := DecodeAudioPacketHeader(buf)
	if !ok {
		return AudioPacketHeader{}, nil, false
	}
	rest := buf[AudioPacketHeaderSize:]
	if uint16(len(rest)) < h.DataLen {
		return AudioPacketHeader{}, nil, false
	}
	return h, rest[:h.DataLen], true
}
