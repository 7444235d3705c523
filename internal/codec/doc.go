/*
Package codec implements the object wire format: compress, then
authenticate-and-encrypt, framed with a fixed header.

Encryption is XChaCha20-Poly1305 (golang.org/x/crypto/chacha20poly1305)
with a per-object key derived from the filesystem's master key via
HKDF-SHA256 (golang.org/x/crypto/hkdf), with the object ID in the HKDF
info input so no two objects ever share a key. The header (magic, version, object
ID, compression algorithm, nonce) is passed as AEAD associated data,
so tampering with any header field breaks authentication even though
those fields are not themselves encrypted.

Compression is none or zlib (github.com/klauspost/compress/zlib).
bzip2 and lzma are recognized as configuration values but New rejects
them as unsupported: no pure-Go encoder for either exists in this
stack.

Block deduplication and integrity checks use BLAKE3-256
(github.com/zeebo/blake3) digests of plaintext, computed by Hash.
*/
package codec
