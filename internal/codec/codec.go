// Package codec implements the on-the-wire object format for data
// blocks and metadata snapshots: compression followed by authenticated
// encryption, framed with the header layout named in the backend
// object namespace design.
//
// Header layout: magic(5) | version(1) | obj_id(8) | alg(1) |
// nonce(24) | ct_len(8) | ciphertext | auth_tag(16). The nonce field
// is 24 bytes and version is 2, widened from the 16-byte field that a
// CTR-mode cipher would need, because encryption here is
// XChaCha20-Poly1305, whose nonce is 24 bytes.
package codec

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	klauszlib "github.com/klauspost/compress/zlib"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	s3errors "github.com/s3ql-go/s3ql/pkg/errors"
)

// Magic is the fixed 5-byte prefix of every encoded object.
var Magic = [5]byte{'S', '3', 'Q', 'L', 0x02}

// Version is the object format version this build writes. Version 1
// is the width the original project used for its AES-CTR/HMAC
// construction (16-byte nonce); version 2 is s3ql-go's
// XChaCha20-Poly1305 rendering with a 24-byte nonce.
const Version = 2

const (
	nonceSize   = chacha20poly1305.NonceSizeX
	tagSize     = chacha20poly1305.Overhead
	headerFixed = 5 + 1 + 8 + 1 // magic + version + obj_id + alg
	hkdfInfoTag = "s3ql-go.object.enc.v2"
)

// CompressionAlgorithm names an object's compression scheme.
type CompressionAlgorithm byte

const (
	CompressNone CompressionAlgorithm = iota
	CompressZlib
	CompressBzip2
	CompressLZMA
)

// ParseCompressionAlgorithm maps a configuration string to its wire code.
func ParseCompressionAlgorithm(name string) (CompressionAlgorithm, error) {
	switch name {
	case "none", "":
		return CompressNone, nil
	case "zlib":
		return CompressZlib, nil
	case "bzip2":
		return CompressBzip2, nil
	case "lzma":
		return CompressLZMA, nil
	default:
		return 0, s3errors.New(s3errors.ErrCodeInvalidArgument, "codec", "ParseCompressionAlgorithm", "unknown compression algorithm: "+name)
	}
}

func (a CompressionAlgorithm) String() string {
	switch a {
	case CompressNone:
		return "none"
	case CompressZlib:
		return "zlib"
	case CompressBzip2:
		return "bzip2"
	case CompressLZMA:
		return "lzma"
	default:
		return "unknown"
	}
}

// Codec derives per-object keys from a master key and performs
// compress-then-encrypt / decrypt-then-decompress round trips.
type Codec struct {
	masterKey        []byte
	compression      CompressionAlgorithm
	compressionLevel int
}

// New builds a Codec. masterKey must be exactly 32 bytes (the fs_uuid
// derived filesystem key, per §4.2).
func New(masterKey []byte, compression CompressionAlgorithm, level int) (*Codec, error) {
	if len(masterKey) != chacha20poly1305.KeySize {
		return nil, s3errors.New(s3errors.ErrCodeInvalidArgument, "codec", "New", fmt.Sprintf("master key must be %d bytes", chacha20poly1305.KeySize))
	}
	if compression == CompressBzip2 || compression == CompressLZMA {
		return nil, s3errors.New(s3errors.ErrCodeUnsupported, "codec", "New", compression.String()+" has no pure-Go encoder available")
	}
	return &Codec{masterKey: masterKey, compression: compression, compressionLevel: level}, nil
}

// deriveObjectKey derives a per-object subkey via HKDF-SHA256 from the
// master key, with the object ID in the HKDF info input (the salt is
// empty) so that no two objects ever share a key even under nonce
// reuse. Dedup hashing uses BLAKE3
// separately (see Hash); HKDF here stays on SHA-256.
func (c *Codec) deriveObjectKey(objID uint64) ([]byte, error) {
	var objIDBytes [8]byte
	binary.BigEndian.PutUint64(objIDBytes[:], objID)
	info := append([]byte(hkdfInfoTag), objIDBytes[:]...)
	kdf := hkdf.New(sha256.New, c.masterKey, nil, info)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, s3errors.Wrap(s3errors.ErrCodeCorruption, "codec", "deriveObjectKey", err)
	}
	return key, nil
}

// Encode compresses then encrypts plaintext for storage under objID,
// returning the full framed object ready for a backend Put.
func (c *Codec) Encode(objID uint64, plaintext []byte) ([]byte, error) {
	compressed, err := c.compress(plaintext)
	if err != nil {
		return nil, err
	}

	key, err := c.deriveObjectKey(objID)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, s3errors.Wrap(s3errors.ErrCodeCorruption, "codec", "Encode", err)
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, s3errors.Wrap(s3errors.ErrCodeCorruption, "codec", "Encode", err)
	}

	header := c.buildHeader(objID, nonce)
	ciphertext := aead.Seal(nil, nonce[:], compressed, header)

	out := make([]byte, 0, len(header)+8+len(ciphertext))
	out = append(out, header...)
	var ctLen [8]byte
	binary.BigEndian.PutUint64(ctLen[:], uint64(len(ciphertext)))
	out = append(out, ctLen[:]...)
	out = append(out, ciphertext...)
	return out, nil
}

func (c *Codec) buildHeader(objID uint64, nonce [nonceSize]byte) []byte {
	header := make([]byte, 0, headerFixed+nonceSize)
	header = append(header, Magic[:]...)
	header = append(header, Version)
	var objIDBytes [8]byte
	binary.BigEndian.PutUint64(objIDBytes[:], objID)
	header = append(header, objIDBytes[:]...)
	header = append(header, byte(c.compression))
	header = append(header, nonce[:]...)
	return header
}

// Decode authenticates and decrypts an encoded object, verifying the
// header matches the expected objID before returning the plaintext.
func (c *Codec) Decode(expectedObjID uint64, encoded []byte) ([]byte, error) {
	if len(encoded) < headerFixed+nonceSize+8+tagSize {
		return nil, s3errors.New(s3errors.ErrCodeCorruption, "codec", "Decode", "object shorter than minimum header+tag size")
	}
	if !bytes.Equal(encoded[:5], Magic[:]) {
		return nil, s3errors.New(s3errors.ErrCodeCorruption, "codec", "Decode", "bad magic")
	}
	version := encoded[5]
	if version != Version {
		return nil, s3errors.New(s3errors.ErrCodeVersionMismatch, "codec", "Decode", fmt.Sprintf("object format version %d not supported", version))
	}
	objID := binary.BigEndian.Uint64(encoded[6:14])
	if objID != expectedObjID {
		return nil, s3errors.New(s3errors.ErrCodeCorruption, "codec", "Decode", "object ID in header does not match request")
	}
	alg := CompressionAlgorithm(encoded[14])

	off := headerFixed
	var nonce [nonceSize]byte
	copy(nonce[:], encoded[off:off+nonceSize])
	off += nonceSize

	ctLen := binary.BigEndian.Uint64(encoded[off : off+8])
	off += 8
	if uint64(len(encoded)-off) != ctLen {
		return nil, s3errors.New(s3errors.ErrCodeCorruption, "codec", "Decode", "ciphertext length mismatch")
	}
	ciphertext := encoded[off:]
	header := encoded[:headerFixed+nonceSize]

	key, err := c.deriveObjectKey(objID)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, s3errors.Wrap(s3errors.ErrCodeCorruption, "codec", "Decode", err)
	}
	compressed, err := aead.Open(nil, nonce[:], ciphertext, header)
	if err != nil {
		return nil, s3errors.Wrap(s3errors.ErrCodeChecksumMismatch, "codec", "Decode", err)
	}

	return decompress(alg, compressed)
}

func (c *Codec) compress(plaintext []byte) ([]byte, error) {
	switch c.compression {
	case CompressNone:
		return plaintext, nil
	case CompressZlib:
		var buf bytes.Buffer
		level := c.compressionLevel
		if level == 0 {
			level = klauszlib.DefaultCompression
		}
		w, err := klauszlib.NewWriterLevel(&buf, level)
		if err != nil {
			return nil, s3errors.Wrap(s3errors.ErrCodeCorruption, "codec", "compress", err)
		}
		if _, err := w.Write(plaintext); err != nil {
			return nil, s3errors.Wrap(s3errors.ErrCodeCorruption, "codec", "compress", err)
		}
		if err := w.Close(); err != nil {
			return nil, s3errors.Wrap(s3errors.ErrCodeCorruption, "codec", "compress", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, s3errors.New(s3errors.ErrCodeUnsupported, "codec", "compress", c.compression.String())
	}
}

func decompress(alg CompressionAlgorithm, data []byte) ([]byte, error) {
	switch alg {
	case CompressNone:
		return data, nil
	case CompressZlib:
		r, err := klauszlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, s3errors.Wrap(s3errors.ErrCodeCorruption, "codec", "decompress", err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, s3errors.Wrap(s3errors.ErrCodeCorruption, "codec", "decompress", err)
		}
		return out, nil
	default:
		return nil, s3errors.New(s3errors.ErrCodeUnsupported, "codec", "decompress", alg.String())
	}
}

// Hash computes the BLAKE3-256 digest of plaintext, used for block
// dedup and object integrity verification (§4.2, §4.9).
func Hash(plaintext []byte) [32]byte {
	return blake3.Sum256(plaintext)
}
