package acomms

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestMessageEncode(t *testing.T) {
	var m = NewMessage("CACYC", 1, 0, 1, 2, false, 3)

	assert.Equal(t, "$CACYC,1,0,1,2,0,3*5A\r\n", string(m.Encode()))
	assert.Equal(t, "$CACYC,1,0,1,2,0,3", m.String())

	assert.Equal(t, "$CCCFQ,SRC*3A\r\n", string(NewMessage("CCCFQ", "SRC").Encode()))
}

func TestParseMessage(t *testing.T) {
	var m, err = ParseMessage("$CACFG,SRC,1*33\r\n")
	require.NoError(t, err)
	assert.Equal(t, "CACFG", m.Type)
	assert.Equal(t, []string{"SRC", "1"}, m.Params)

	var n, intErr = m.IntParam(1)
	require.NoError(t, intErr)
	assert.Equal(t, 1, n)

	assert.Equal(t, "", m.Param(5))

	_, intErr = m.IntParam(0)
	require.ErrorIs(t, intErr, ErrMalformed)
}

func TestParseMessageChecksum(t *testing.T) {
	var _, err = ParseMessage("$CACFG,SRC,1*34")
	require.ErrorIs(t, err, ErrChecksum)

	_, err = ParseMessage("$CACFG,SRC,1*ZZ")
	require.ErrorIs(t, err, ErrMalformed)

	// No checksum at all is accepted.
	var m, noSumErr = ParseMessage("$CACFG,SRC,1")
	require.NoError(t, noSumErr)
	assert.Equal(t, "CACFG", m.Type)
}

func TestParseMessageGarbage(t *testing.T) {
	for _, line := range []string{"", "CACFG,SRC,1", "$", "$,1,2"} {
		var _, err = ParseMessage(line)
		require.ErrorIs(t, err, ErrMalformed, "line %q", line)
	}

	// Noise before the '$' is skipped.
	var m, err = ParseMessage("\x00\x00$CATXF,0")
	require.NoError(t, err)
	assert.Equal(t, "CATXF", m.Type)
}

func TestMessageRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var field = rapid.StringMatching(`[A-Za-z0-9_. ]{0,12}`)

		var m = Message{
			Type:   rapid.StringMatching(`[A-Z]{5}`).Draw(t, "type"),
			Params: rapid.SliceOfN(field, 1, 8).Draw(t, "params"),
		}

		var got, err = ParseMessage(string(m.Encode()))
		require.NoError(t, err)
		assert.Equal(t, m, got)
	})
}

func TestHexPayload(t *testing.T) {
	assert.Equal(t, "00FF1A", hexFromData([]byte{0x00, 0xFF, 0x1A}))

	var data, err = dataFromHex("00ff1a")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0xFF, 0x1A}, data)

	_, err = dataFromHex("0G")
	require.ErrorIs(t, err, ErrMalformed)
}
