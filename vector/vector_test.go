// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package vector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNameListRoundTrip(t *testing.T) {
	names := []string{"hk1", "hk2", "rch"}
	enc := EncodeNames(names)
	got, err := DecodeNames(enc)
	require.NoError(t, err)
	assert.Equal(t, names, got)
}

func TestEmptyNameListRoundTrip(t *testing.T) {
	enc := EncodeNames(nil)
	got, err := DecodeNames(enc)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestValuesRoundTrip(t *testing.T) {
	values := []float64{1.5, 2.5, -3.25, 0}
	enc := EncodeValues(values)
	got, err := DecodeValues(enc, len(values))
	require.NoError(t, err)
	assert.Equal(t, values, got)
}

func TestDecodeValuesWrongLength(t *testing.T) {
	_, err := DecodeValues(make([]byte, 10), 2)
	assert.Error(t, err)
}

func TestRunFinishedPayloadRoundTrip(t *testing.T) {
	pars := []float64{1.5, 2.5}
	obs := []float64{10.0, 20.0}
	payload := EncodeRunFinishedPayload(pars, obs, 3.75)

	gotPars, gotObs, dur, err := DecodeRunFinishedPayload(payload, len(pars), len(obs))
	require.NoError(t, err)
	assert.Equal(t, pars, gotPars)
	assert.Equal(t, obs, gotObs)
	assert.Equal(t, 3.75, dur)
}

func TestVectorGet(t *testing.T) {
	v := Vector{Names: []string{"a", "b"}, Values: []float64{1, 2}}
	val, ok := v.Get("b")
	assert.True(t, ok)
	assert.Equal(t, 2.0, val)

	_, ok = v.Get("missing")
	assert.False(t, ok)
}
