// Package coinbase builds the generation (coinbase) transaction around a
// fixed-size extranonce placeholder, split into a prefix and suffix so the
// full transaction is prefix ‖ extranonce1 ‖ extranonce2 ‖ suffix.
package coinbase

import (
	"github.com/stratumforge/corepool/internal/byteutil"
)

// Recipient is one transaction output the generation transaction pays.
type Recipient struct {
	Script []byte
	Value  int64
}

// Config parameterizes coinbase construction. Coin-specific layout flags
// (witness commitment, masternode/superblock outputs) are threaded in as
// data rather than hard-coded, since the transaction-builder subsystem
// that owns them is external to this core.
type Config struct {
	ExtraNonce1Size   int
	ExtraNonce2Size   int
	PoolSignature     string
	Recipients        []Recipient
	WitnessCommitment []byte
}

// Build constructs (prefix, suffix) for a generation transaction at the
// given block height and coinbase value, per the §4.C layout: version,
// single null input, coinbase script up to the extranonce placeholder in
// the prefix; the remainder of the script, sequence, outputs, and
// locktime in the suffix.
func Build(cfg Config, height int64, scriptSigExtra []byte) (prefix, suffix []byte) {
	extranonceSize := cfg.ExtraNonce1Size + cfg.ExtraNonce2Size

	heightScript := encodeHeightScript(height)

	var sigScriptPrefix []byte
	sigScriptPrefix = append(sigScriptPrefix, heightScript...)
	sigScriptPrefix = append(sigScriptPrefix, scriptSigExtra...)

	var sigScriptSuffix []byte
	if cfg.PoolSignature != "" {
		sig := []byte(cfg.PoolSignature)
		sigScriptSuffix = append(sigScriptSuffix, sig...)
	}

	scriptLen := len(sigScriptPrefix) + extranonceSize + len(sigScriptSuffix)

	prefix = append(prefix, byteutil.PackUint32LE(1)...) // tx version
	prefix = append(prefix, byteutil.VarIntBuffer(1)...) // input count
	prefix = append(prefix, make([]byte, 32)...)         // null prevout hash
	prefix = append(prefix, 0xff, 0xff, 0xff, 0xff)       // null prevout index
	prefix = append(prefix, byteutil.VarIntBuffer(uint64(scriptLen))...)
	prefix = append(prefix, sigScriptPrefix...)

	suffix = append(suffix, sigScriptSuffix...)
	suffix = append(suffix, 0xff, 0xff, 0xff, 0xff) // sequence

	outputCount := uint64(len(cfg.Recipients))
	if len(cfg.WitnessCommitment) > 0 {
		outputCount++
	}
	suffix = append(suffix, byteutil.VarIntBuffer(outputCount)...)
	for _, r := range cfg.Recipients {
		suffix = append(suffix, byteutil.PackInt64LE(r.Value)...)
		suffix = append(suffix, byteutil.VarIntBuffer(uint64(len(r.Script)))...)
		suffix = append(suffix, r.Script...)
	}

	if len(cfg.WitnessCommitment) > 0 {
		suffix = append(suffix, byteutil.PackInt64LE(0)...)
		suffix = append(suffix, byteutil.VarIntBuffer(uint64(len(cfg.WitnessCommitment)))...)
		suffix = append(suffix, cfg.WitnessCommitment...)
	}

	suffix = append(suffix, byteutil.PackUint32LE(0)...) // locktime

	return prefix, suffix
}

// encodeHeightScript encodes the block height as a BIP34 minimal push: a
// single OP_N opcode for heights under 17, otherwise a length-prefixed
// little-endian minimal encoding.
func encodeHeightScript(height int64) []byte {
	if height >= 1 && height <= 16 {
		return []byte{byte(0x50 + height)}
	}
	if height == 0 {
		return []byte{0x00}
	}

	var data []byte
	h := height
	for h > 0 {
		data = append(data, byte(h&0xff))
		h >>= 8
	}
	// If the high bit of the last byte is set, append a zero byte so the
	// value is not misread as negative (standard BIP34 minimal encoding).
	if data[len(data)-1]&0x80 != 0 {
		data = append(data, 0x00)
	}

	out := make([]byte, 0, len(data)+1)
	out = append(out, byte(len(data)))
	out = append(out, data...)
	return out
}

// Serialize returns the full generation transaction for the given
// extranonces: prefix ‖ extranonce1 ‖ extranonce2 ‖ suffix.
func Serialize(prefix, suffix, extraNonce1, extraNonce2 []byte) []byte {
	out := make([]byte, 0, len(prefix)+len(extraNonce1)+len(extraNonce2)+len(suffix))
	out = append(out, prefix...)
	out = append(out, extraNonce1...)
	out = append(out, extraNonce2...)
	out = append(out, suffix...)
	return out
}
