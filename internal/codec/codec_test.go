package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestEncodeDecodeRoundTripNone(t *testing.T) {
	c, err := New(testKey(), CompressNone, 0)
	require.NoError(t, err)

	plaintext := []byte("the quick brown fox jumps over the lazy dog")
	encoded, err := c.Encode(42, plaintext)
	require.NoError(t, err)

	decoded, err := c.Decode(42, encoded)
	require.NoError(t, err)
	require.True(t, bytes.Equal(decoded, plaintext))
}

func TestEncodeDecodeRoundTripZlib(t *testing.T) {
	c, err := New(testKey(), CompressZlib, 6)
	require.NoError(t, err)

	plaintext := bytes.Repeat([]byte("abcdefgh"), 4096)
	encoded, err := c.Encode(7, plaintext)
	require.NoError(t, err)
	require.Less(t, len(encoded), len(plaintext))

	decoded, err := c.Decode(7, encoded)
	require.NoError(t, err)
	require.True(t, bytes.Equal(decoded, plaintext))
}

func TestDecodeWrongObjIDFails(t *testing.T) {
	c, err := New(testKey(), CompressNone, 0)
	require.NoError(t, err)

	encoded, err := c.Encode(1, []byte("data"))
	require.NoError(t, err)

	_, err = c.Decode(2, encoded)
	require.Error(t, err)
}

func TestDecodeTamperedCiphertextFailsAuthentication(t *testing.T) {
	c, err := New(testKey(), CompressNone, 0)
	require.NoError(t, err)

	encoded, err := c.Encode(1, []byte("data"))
	require.NoError(t, err)
	encoded[len(encoded)-1] ^= 0xFF

	_, err = c.Decode(1, encoded)
	require.Error(t, err)
}

func TestNewRejectsUnsupportedCompression(t *testing.T) {
	_, err := New(testKey(), CompressBzip2, 0)
	require.Error(t, err)

	_, err = New(testKey(), CompressLZMA, 0)
	require.Error(t, err)
}

func TestNewRejectsBadKeySize(t *testing.T) {
	_, err := New([]byte("short"), CompressNone, 0)
	require.Error(t, err)
}

func TestParseCompressionAlgorithm(t *testing.T) {
	cases := map[string]CompressionAlgorithm{
		"none": CompressNone,
		"":     CompressNone,
		"zlib": CompressZlib,
		"bzip2": CompressBzip2,
		"lzma": CompressLZMA,
	}
	for input, want := range cases {
		got, err := ParseCompressionAlgorithm(input)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	_, err := ParseCompressionAlgorithm("gzip")
	require.Error(t, err)
}

func TestHashIsDeterministic(t *testing.T) {
	a := Hash([]byte("hello"))
	b := Hash([]byte("hello"))
	require.Equal(t, a, b)

	c := Hash([]byte("hellp"))
	require.NotEqual(t, a, c)
}
