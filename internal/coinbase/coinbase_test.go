package coinbase

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSplitsAtExtraNoncePlaceholder(t *testing.T) {
	cfg := Config{
		ExtraNonce1Size: 4,
		ExtraNonce2Size: 4,
		PoolSignature:   "/pool/",
		Recipients: []Recipient{
			{Script: []byte{0x76, 0xa9, 0x14}, Value: 5000000000},
		},
	}

	prefix, suffix := Build(cfg, 650000, nil)
	require.NotEmpty(t, prefix)
	require.NotEmpty(t, suffix)

	e1 := []byte{0x01, 0x02, 0x03, 0x04}
	e2 := []byte{0x05, 0x06, 0x07, 0x08}
	full := Serialize(prefix, suffix, e1, e2)

	assert.Equal(t, append(append(append(append([]byte{}, prefix...), e1...), e2...), suffix...), full)
}

func TestEncodeHeightScriptLowHeights(t *testing.T) {
	assert.Equal(t, []byte{0x51}, encodeHeightScript(1))
	assert.Equal(t, []byte{0x60}, encodeHeightScript(16))
}

func TestEncodeHeightScriptLargerHeight(t *testing.T) {
	script := encodeHeightScript(650000)
	// length byte + minimal little-endian encoding
	assert.Equal(t, byte(len(script)-1), script[0])
}

func TestBuildCountsWitnessCommitmentOutput(t *testing.T) {
	cfg := Config{
		ExtraNonce1Size: 4,
		ExtraNonce2Size: 4,
		Recipients: []Recipient{
			{Script: []byte{0x76, 0xa9, 0x14}, Value: 4000000000},
			{Script: []byte{0x76, 0xa9, 0x15}, Value: 1000000000},
		},
		WitnessCommitment: []byte{0xaa, 0xbb, 0xcc, 0xdd},
	}

	_, suffix := Build(cfg, 650000, nil)

	// suffix starts with: sequence (4 bytes), then the output-count varint.
	require.Greater(t, len(suffix), 5)
	assert.Equal(t, byte(len(cfg.Recipients)+1), suffix[4])
}

func TestBuildOutputCountWithoutWitnessCommitment(t *testing.T) {
	cfg := Config{
		ExtraNonce1Size: 4,
		ExtraNonce2Size: 4,
		Recipients: []Recipient{
			{Script: []byte{0x76, 0xa9, 0x14}, Value: 5000000000},
		},
	}

	_, suffix := Build(cfg, 650000, nil)
	assert.Equal(t, byte(len(cfg.Recipients)), suffix[4])
}
