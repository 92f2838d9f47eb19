// Package byteutil provides the fixed-width and variable-length byte
// encoding primitives that the Stratum and peer-wire protocols are built
// on: little/big-endian integer packing, Bitcoin CompactSize ("varint")
// encoding, double-SHA256, and the byte-order reversals that Stratum and
// the block header format both depend on.
package byteutil

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
)

// PackUint32LE packs n into 4 little-endian bytes.
func PackUint32LE(n uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, n)
	return buf
}

// PackUint32BE packs n into 4 big-endian bytes.
func PackUint32BE(n uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, n)
	return buf
}

// PackInt32BE packs n into 4 big-endian bytes.
func PackInt32BE(n int32) []byte {
	return PackUint32BE(uint32(n))
}

// PackInt64LE packs n into 8 little-endian bytes.
func PackInt64LE(n int64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(n))
	return buf
}

// PackUint64LE packs n into 8 little-endian bytes.
func PackUint64LE(n uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, n)
	return buf
}

// VarIntBuffer encodes n as a Bitcoin CompactSize integer.
func VarIntBuffer(n uint64) []byte {
	switch {
	case n < 0xfd:
		return []byte{byte(n)}
	case n < 0x10000:
		buf := make([]byte, 3)
		buf[0] = 0xfd
		binary.LittleEndian.PutUint16(buf[1:], uint16(n))
		return buf
	case n < 0x100000000:
		buf := make([]byte, 5)
		buf[0] = 0xfe
		binary.LittleEndian.PutUint32(buf[1:], uint32(n))
		return buf
	default:
		buf := make([]byte, 9)
		buf[0] = 0xff
		binary.LittleEndian.PutUint64(buf[1:], n)
		return buf
	}
}

// VarStringBuffer encodes s as varint(len) ‖ utf8(s).
func VarStringBuffer(s string) []byte {
	raw := []byte(s)
	buf := make([]byte, 0, len(raw)+9)
	buf = append(buf, VarIntBuffer(uint64(len(raw)))...)
	buf = append(buf, raw...)
	return buf
}

// Sha256d computes SHA-256(SHA-256(data)).
func Sha256d(buf []byte) []byte {
	first := sha256.Sum256(buf)
	second := sha256.Sum256(first[:])
	return second[:]
}

// ReverseByteOrder treats buf as an array of 4-byte words and reverses the
// byte order within each word, leaving word order unchanged. Used for the
// Stratum prevHash quirk.
func ReverseByteOrder(buf []byte) []byte {
	out := make([]byte, len(buf))
	copy(out, buf)
	for i := 0; i+4 <= len(out); i += 4 {
		out[i], out[i+1], out[i+2], out[i+3] = out[i+3], out[i+2], out[i+1], out[i]
	}
	return out
}

// ReverseBuffer returns buf with its byte order fully reversed.
func ReverseBuffer(buf []byte) []byte {
	n := len(buf)
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = buf[n-1-i]
	}
	return out
}

// Uint256BufferFromHash decodes a hex-encoded hash and fully reverses it,
// yielding Bitcoin's internal (txid display) byte order.
func Uint256BufferFromHash(hexHash string) ([]byte, error) {
	raw, err := hex.DecodeString(hexHash)
	if err != nil {
		return nil, fmt.Errorf("decode hash hex: %w", err)
	}
	return ReverseBuffer(raw), nil
}

// BignumFromBitsHex expands the 4-byte compact "bits" representation
// (exponent, mantissa) into a 256-bit target: mantissa * 256^(exp-3).
func BignumFromBitsHex(bitsHex string) (*big.Int, error) {
	raw, err := hex.DecodeString(bitsHex)
	if err != nil {
		return nil, fmt.Errorf("decode bits hex: %w", err)
	}
	if len(raw) != 4 {
		return nil, fmt.Errorf("bits must be 4 bytes, got %d", len(raw))
	}
	return BignumFromBits(binary.BigEndian.Uint32(raw)), nil
}

// BignumFromBits expands a compact "bits" integer into a 256-bit target.
func BignumFromBits(bits uint32) *big.Int {
	exponent := bits >> 24
	mantissa := new(big.Int).SetUint64(uint64(bits & 0x007fffff))

	if exponent <= 3 {
		shift := uint((3 - exponent) * 8)
		return new(big.Int).Rsh(mantissa, shift)
	}

	shift := uint((exponent - 3) * 8)
	return new(big.Int).Lsh(mantissa, shift)
}
