// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrPayloadTooLarge is returned by Decode when a frame declares a payload
// length beyond the configured ceiling, the protocol's guard against a
// peer forcing an unbounded allocation.
var ErrPayloadTooLarge = errors.New("wire: payload length exceeds ceiling")

// ErrDescTooLong is returned by Encode when Desc does not fit DescSize bytes.
var ErrDescTooLong = errors.New("wire: desc exceeds 256 bytes")

// DefaultPayloadCeiling bounds payload_len when the caller supplies no
// explicit ceiling to Decode.
const DefaultPayloadCeiling = 64 << 20 // 64 MiB

// Encode serializes f into its wire representation: header, then payload.
func Encode(f Frame) ([]byte, error) {
	if len(f.Desc) > DescSize {
		return nil, ErrDescTooLong
	}

	buf := make([]byte, HeaderSize+len(f.Payload))
	buf[0] = byte(f.Type)
	binary.LittleEndian.PutUint32(buf[1:5], uint32(f.GroupID))
	binary.LittleEndian.PutUint32(buf[5:9], uint32(f.RunID))
	copy(buf[9:9+DescSize], f.Desc) // remainder stays zero (zero-padded)
	binary.LittleEndian.PutUint64(buf[9+DescSize:9+DescSize+8], uint64(len(f.Payload)))
	copy(buf[HeaderSize:], f.Payload)

	return buf, nil
}

// Decode reads exactly one frame from r: HeaderSize bytes of header, then
// exactly payload_len bytes of payload. ceiling caps the accepted
// payload_len; pass 0 to use DefaultPayloadCeiling.
func Decode(r io.Reader, ceiling int64) (Frame, error) {
	if ceiling <= 0 {
		ceiling = DefaultPayloadCeiling
	}

	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return Frame{}, err
	}

	var f Frame
	f.Type = FrameType(header[0])
	f.GroupID = int32(binary.LittleEndian.Uint32(header[1:5]))
	f.RunID = int32(binary.LittleEndian.Uint32(header[5:9]))
	f.Desc = decodeDesc(header[9 : 9+DescSize])
	payloadLen := int64(binary.LittleEndian.Uint64(header[9+DescSize : 9+DescSize+8]))

	if payloadLen < 0 {
		return Frame{}, fmt.Errorf("%w: negative payload length %d", ErrPayloadTooLarge, payloadLen)
	}
	if payloadLen > ceiling {
		return Frame{}, ErrPayloadTooLarge
	}

	if payloadLen > 0 {
		f.Payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return Frame{}, err
		}
	}

	return f, nil
}

// decodeDesc trims the trailing zero padding from a fixed-width desc field.
func decodeDesc(b []byte) string {
	i := 0
	for i < len(b) && b[i] != 0 {
		i++
	}
	return string(b[:i])
}
