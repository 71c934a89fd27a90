package hash_test

import (
	"strings"
	"testing"

	"github.com/nixcore/nixd/pkg/hash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromHexRoundTrip(t *testing.T) {
	h := hash.HashString("hello world")

	roundTripped, err := hash.FromHex(h.ToHex())
	require.NoError(t, err)
	assert.True(t, h.Equal(roundTripped))
}

func TestFromHexWrongLength(t *testing.T) {
	_, err := hash.FromHex("abcd")
	assert.Error(t, err)
}

func TestCompressHashDeterministicAndSized(t *testing.T) {
	h := hash.HashString("some string")

	c1 := hash.CompressHash(h.Bytes(), 20)
	c2 := hash.CompressHash(h.Bytes(), 20)

	assert.Equal(t, 20, len(c1.Bytes()))
	assert.True(t, c1.Equal(c2))
}

func TestCompressHashFoldsByModulus(t *testing.T) {
	in := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	out := hash.CompressHash(in, 3)

	want := []byte{0x01 ^ 0x04, 0x02 ^ 0x05, 0x03 ^ 0x06}
	assert.Equal(t, want, out.Bytes())
}

func TestBase32Alphabet(t *testing.T) {
	h := hash.HashString("x")
	enc := h.ToBase32()

	for _, forbidden := range []string{"e", "o", "t", "u"} {
		assert.False(t, strings.Contains(enc, forbidden))
	}
}

func TestBase32RoundTrip(t *testing.T) {
	h := hash.HashString("round trip me")
	enc := h.ToBase32()

	decoded, err := hash.DecodeBase32(enc, len(h.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, h.Bytes(), decoded)
}

func TestSQLStringRoundTrip(t *testing.T) {
	h := hash.HashString("persisted")
	s := h.SQLString()

	parsed, err := hash.Parse(s)
	require.NoError(t, err)
	assert.True(t, h.Equal(parsed))
}

func TestParseEmptyIsNone(t *testing.T) {
	parsed, err := hash.Parse("")
	require.NoError(t, err)
	assert.True(t, parsed.IsNone())
}

func TestParseRejectsUnknownAlgorithm(t *testing.T) {
	_, err := hash.Parse("md5:abcd")
	assert.Error(t, err)
}

func TestBlake3Variant(t *testing.T) {
	h := hash.HashBytesBlake3([]byte("blake3 input"))
	assert.Equal(t, hash.BLAKE3, h.Algo())
	assert.Equal(t, 32, len(h.Bytes()))

	parsed, err := hash.Parse(h.SQLString())
	require.NoError(t, err)
	assert.True(t, h.Equal(parsed))
}
