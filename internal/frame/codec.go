// Package frame implements the controller wire framing: a 4-byte little-endian
// length header followed by exactly that many bytes of UTF-8 JSON.
package frame

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// HeaderSize is the length of the frame header in bytes.
const HeaderSize = 4

var (
	ErrShortHeader  = errors.New("frame: header shorter than 4 bytes")
	ErrShortPayload = errors.New("frame: payload shorter than declared length")
)

// Encode serializes payload to JSON and prepends the length header.
func Encode(payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode frame payload: %w", err)
	}
	return EncodeRaw(body), nil
}

// EncodeRaw prepends the length header to an already serialized body.
func EncodeRaw(body []byte) []byte {
	buf := make([]byte, HeaderSize+len(body))
	binary.LittleEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[HeaderSize:], body)
	return buf
}

// DecodeHeader returns the payload length declared by the first four bytes of b.
func DecodeHeader(b []byte) (uint32, error) {
	if len(b) < HeaderSize {
		return 0, ErrShortHeader
	}
	return binary.LittleEndian.Uint32(b[:HeaderSize]), nil
}

// ExtractPayload returns the payload of a fully received frame. Bytes past the
// declared length are not part of this frame and are ignored.
func ExtractPayload(frame []byte) ([]byte, error) {
	n, err := DecodeHeader(frame)
	if err != nil {
		return nil, err
	}
	if uint64(len(frame)-HeaderSize) < uint64(n) {
		return nil, fmt.Errorf("%w: declared %d, have %d", ErrShortPayload, n, len(frame)-HeaderSize)
	}
	return frame[HeaderSize : HeaderSize+int(n)], nil
}

// DecodePayload unmarshals a frame payload into v.
func DecodePayload(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode frame payload: %w", err)
	}
	return nil
}
