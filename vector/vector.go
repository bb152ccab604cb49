// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package vector encodes and decodes the two binary payload shapes the
// Panther wire protocol transports: ordered name lists (schema
// negotiation) and packed float64 parameter/observation vectors.
package vector

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeNames serializes an ordered list of names as u32 count followed by,
// for each name, a u32 length and its UTF-8 bytes.
func EncodeNames(names []string) []byte {
	size := 4
	for _, n := range names {
		size += 4 + len(n)
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(names)))
	off := 4
	for _, n := range names {
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(n)))
		off += 4
		off += copy(buf[off:], n)
	}
	return buf
}

// DecodeNames parses the payload produced by EncodeNames.
func DecodeNames(b []byte) ([]string, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("vector: name list payload too short: %d bytes", len(b))
	}
	count := binary.LittleEndian.Uint32(b[0:4])
	names := make([]string, 0, count)
	off := 4
	for i := uint32(0); i < count; i++ {
		if off+4 > len(b) {
			return nil, fmt.Errorf("vector: truncated name list at entry %d", i)
		}
		l := int(binary.LittleEndian.Uint32(b[off : off+4]))
		off += 4
		if off+l > len(b) {
			return nil, fmt.Errorf("vector: truncated name list at entry %d", i)
		}
		names = append(names, string(b[off:off+l]))
		off += l
	}
	return names, nil
}

// EncodeValues packs an ordered slice of float64 values little-endian.
func EncodeValues(values []float64) []byte {
	buf := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(buf[i*8:i*8+8], math.Float64bits(v))
	}
	return buf
}

// DecodeValues unpacks a payload produced by EncodeValues into n ordered
// float64 values.
func DecodeValues(b []byte, n int) ([]float64, error) {
	if len(b) != 8*n {
		return nil, fmt.Errorf("vector: expected %d packed float64 values (%d bytes), got %d bytes", n, 8*n, len(b))
	}
	values := make([]float64, n)
	for i := range values {
		values[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8 : i*8+8]))
	}
	return values, nil
}

// Vector is an ordered (name, value) pair list where the name list is fixed
// for the lifetime of a session and only values travel on most frames.
type Vector struct {
	Names  []string
	Values []float64
}

// Get returns the value associated with name and whether it was found.
func (v Vector) Get(name string) (float64, bool) {
	for i, n := range v.Names {
		if n == name {
			return v.Values[i], true
		}
	}
	return 0, false
}

// EncodeRunFinishedPayload builds the RUN_FINISHED payload: packed
// parameters, packed observations, then a trailing f64 duration in seconds.
func EncodeRunFinishedPayload(parameters, observations []float64, durationSeconds float64) []byte {
	buf := make([]byte, 0, 8*(len(parameters)+len(observations)+1))
	buf = append(buf, EncodeValues(parameters)...)
	buf = append(buf, EncodeValues(observations)...)
	tail := make([]byte, 8)
	binary.LittleEndian.PutUint64(tail, math.Float64bits(durationSeconds))
	return append(buf, tail...)
}

// DecodeRunFinishedPayload reverses EncodeRunFinishedPayload given the
// number of parameters and observations negotiated for the session.
func DecodeRunFinishedPayload(b []byte, numPars, numObs int) (parameters, observations []float64, durationSeconds float64, err error) {
	want := 8 * (numPars + numObs + 1)
	if len(b) != want {
		return nil, nil, 0, fmt.Errorf("vector: RUN_FINISHED payload expected %d bytes, got %d", want, len(b))
	}
	parameters, err = DecodeValues(b[:8*numPars], numPars)
	if err != nil {
		return nil, nil, 0, err
	}
	observations, err = DecodeValues(b[8*numPars:8*(numPars+numObs)], numObs)
	if err != nil {
		return nil, nil, 0, err
	}
	durationSeconds = math.Float64frombits(binary.LittleEndian.Uint64(b[8*(numPars+numObs):]))
	return parameters, observations, durationSeconds, nil
}
