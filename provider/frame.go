// Package provider implements the bidirectional streaming protocol for the
// upstream TTS service.
//
// Every WebSocket binary message carries exactly one frame: a 4-byte packed
// header, a 4-byte big-endian payload length, then the payload. The client
// opens a session, streams dialogue turns, and collects audio chunks until
// the provider reports a final status.
package provider

import (
	"encoding/binary"
	"fmt"
)

// Frame types.
const (
	TypeSessionStart byte = 0x1
	TypeTurnText     byte = 0x2
	TypeAudioChunk   byte = 0xB
	TypeStatus       byte = 0xF
)

// Serialization methods.
const (
	SerializationRaw  byte = 0x0
	SerializationJSON byte = 0x1
)

// FlagLastTurn marks the final TurnText frame of a session.
const FlagLastTurn byte = 0x01

// StatusFinal is the status code signaling successful end of stream.
const StatusFinal = 0

const (
	protocolVersion byte = 0x1
	compressionNone byte = 0x0

	// frameHeaderLen covers the packed header and the payload length word.
	frameHeaderLen = 8

	// maxPayloadLen rejects absurd length words before allocation.
	maxPayloadLen = 16 << 20
)

// Frame is one protocol message in either direction.
type Frame struct {
	Type          byte
	Flags         byte
	Serialization byte
	Payload       []byte
}

// IsLast reports whether the last-turn flag is set.
func (f Frame) IsLast() bool {
	return f.Flags&FlagLastTurn != 0
}

// EncodeFrame packs f into wire form.
//
// Header layout, most significant bits first:
//
//	byte 0: version (4 bits) | type (4 bits)
//	byte 1: flags
//	byte 2: serialization (4 bits) | compression (4 bits)
//	byte 3: reserved
//	bytes 4-7: payload length, big-endian
func EncodeFrame(f Frame) []byte {
	buf := make([]byte, frameHeaderLen+len(f.Payload))
	buf[0] = protocolVersion<<4 | f.Type&0x0F
	buf[1] = f.Flags
	buf[2] = f.Serialization<<4 | compressionNone
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(f.Payload)))
	copy(buf[frameHeaderLen:], f.Payload)
	return buf
}

// DecodeFrame parses one wire message. The payload slice aliases data.
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) < frameHeaderLen {
		return Frame{}, fmt.Errorf("frame too short: %d bytes", len(data))
	}
	if v := data[0] >> 4; v != protocolVersion {
		return Frame{}, fmt.Errorf("unsupported protocol version %d", v)
	}
	if c := data[2] & 0x0F; c != compressionNone {
		return Frame{}, fmt.Errorf("unsupported compression method %d", c)
	}

	n := binary.BigEndian.Uint32(data[4:8])
	if n > maxPayloadLen {
		return Frame{}, fmt.Errorf("payload length %d exceeds limit", n)
	}
	if int(n) != len(data)-frameHeaderLen {
		return Frame{}, fmt.Errorf("payload length %d does not match %d remaining bytes",
			n, len(data)-frameHeaderLen)
	}

	return Frame{
		Type:          data[0] & 0x0F,
		Flags:         data[1],
		Serialization: data[2] >> 4,
		Payload:       data[frameHeaderLen:],
	}, nil
}

// SessionStartPayload opens a session: which voice reads each speaker and
// the desired output format. Map keys are decimal speaker ids.
type SessionStartPayload struct {
	SessionID string            `json:"session_id"`
	Voices    map[string]string `json:"voices"`
	Format    FormatPayload     `json:"format"`
}

// FormatPayload selects the audio output encoding.
type FormatPayload struct {
	Codec      string `json:"codec"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

// TurnTextPayload carries one dialogue turn.
type TurnTextPayload struct {
	SpeakerID int    `json:"speaker_id"`
	Text      string `json:"text"`
}

// StatusPayload is the provider's canonical status shape. Deployments that
// nest the code elsewhere configure a status_code_path expression instead.
type StatusPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}
