// Package template implements the block template engine: coinbase
// construction, Merkle branch derivation, header/block serialization, and
// submission de-duplication for a single mining job.
package template

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"

	"github.com/stratumforge/corepool/internal/byteutil"
	"github.com/stratumforge/corepool/internal/coinbase"
	"github.com/stratumforge/corepool/internal/merkle"
)

// diff1 is the SHA-256d reference target used to compute a template's
// human-facing network difficulty.
var diff1 = byteutil.BignumFromBits(0x1d00ffff)

// RewardType selects the trailing byte appended to a serialized block.
type RewardType string

const (
	RewardPOW RewardType = "POW"
	RewardPOS RewardType = "POS"
)

// RpcTransaction is one transaction from the node's block template.
type RpcTransaction struct {
	Data []byte
	TxID string
	Hash string
}

// MasternodePayments carries coin-specific masternode/superblock vote data.
type MasternodePayments struct {
	Votes [][]byte
}

// RpcData is the externally sourced block template input (§3).
type RpcData struct {
	PreviousBlockHash  string
	Bits               string
	CurTime            uint32
	Version            uint32
	Target             string // optional explicit 256-bit hex target
	Transactions       []RpcTransaction
	MasternodePayments *MasternodePayments
	Reward             RewardType
}

// BlockTemplate holds one mining job: target/difficulty, Merkle branch,
// coinbase halves, and the serializers/assembler built around them.
type BlockTemplate struct {
	JobID string

	target     *big.Int
	difficulty float64

	prevHashReversed string

	transactionData []byte
	merkleBranch    [][]byte

	coinbasePrefix []byte
	coinbaseSuffix []byte

	version uint32
	bits    string
	curTime uint32
	reward  RewardType
	txCount int

	voteData []byte

	mu      sync.Mutex
	submits map[string]struct{}

	jobParamsOnce sync.Once
	jobParams     []interface{}
}

// New constructs an immutable BlockTemplate from an RpcData and a coinbase
// configuration. jobID must be unique per template within the server's
// lifetime.
func New(jobID string, rpc RpcData, cbCfg coinbase.Config, extraScriptSig []byte, height int64) (*BlockTemplate, error) {
	target, err := resolveTarget(rpc)
	if err != nil {
		return nil, err
	}
	if target.Sign() <= 0 {
		return nil, fmt.Errorf("template: target must be > 0")
	}

	difficulty := roundTo9(new(big.Float).Quo(
		new(big.Float).SetInt(diff1),
		new(big.Float).SetInt(target),
	))
	if difficulty <= 0 {
		return nil, fmt.Errorf("template: difficulty must be > 0")
	}

	prevHashBytes, err := hex.DecodeString(rpc.PreviousBlockHash)
	if err != nil {
		return nil, fmt.Errorf("template: invalid prevhash: %w", err)
	}
	prevHashReversed := hex.EncodeToString(byteutil.ReverseByteOrder(prevHashBytes))

	txHashes := make([][]byte, 1, len(rpc.Transactions)+1)
	txHashes[0] = nil
	var txData []byte
	for _, tx := range rpc.Transactions {
		h := tx.Hash
		if h == "" {
			h = tx.TxID
		}
		hb, err := byteutil.Uint256BufferFromHash(h)
		if err != nil {
			return nil, fmt.Errorf("template: invalid tx hash %q: %w", h, err)
		}
		txHashes = append(txHashes, hb)
		txData = append(txData, tx.Data...)
	}
	branch := merkle.Steps(txHashes)

	wantBranchLen := ceilLog2(len(txHashes))
	if len(branch) != wantBranchLen {
		return nil, fmt.Errorf("template: merkle branch length %d, want %d", len(branch), wantBranchLen)
	}

	prefix, suffix := coinbase.Build(cbCfg, height, extraScriptSig)

	var voteData []byte
	if rpc.MasternodePayments != nil {
		voteData = append(voteData, byteutil.VarIntBuffer(uint64(len(rpc.MasternodePayments.Votes)))...)
		for _, v := range rpc.MasternodePayments.Votes {
			voteData = append(voteData, v...)
		}
	}

	reward := rpc.Reward
	if reward == "" {
		reward = RewardPOW
	}

	return &BlockTemplate{
		JobID:            jobID,
		target:           target,
		difficulty:       difficulty,
		prevHashReversed: prevHashReversed,
		transactionData:  txData,
		merkleBranch:     branch,
		coinbasePrefix:   prefix,
		coinbaseSuffix:   suffix,
		version:          rpc.Version,
		bits:             rpc.Bits,
		curTime:          rpc.CurTime,
		reward:           reward,
		txCount:          len(rpc.Transactions),
		voteData:         voteData,
		submits:          make(map[string]struct{}),
	}, nil
}

func resolveTarget(rpc RpcData) (*big.Int, error) {
	if rpc.Target != "" {
		raw, err := hex.DecodeString(rpc.Target)
		if err != nil {
			return nil, fmt.Errorf("template: invalid explicit target: %w", err)
		}
		return new(big.Int).SetBytes(raw), nil
	}
	return byteutil.BignumFromBitsHex(rpc.Bits)
}

func roundTo9(f *big.Float) float64 {
	v, _ := f.Float64()
	const scale = 1e9
	return float64(int64(v*scale+sign(v)*0.5)) / scale
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}

// ceilLog2 returns ceil(log2(n)) for n >= 1.
func ceilLog2(n int) int {
	if n <= 1 {
		return 0
	}
	result := 0
	v := 1
	for v < n {
		v <<= 1
		result++
	}
	return result
}

// Target returns the template's 256-bit target.
func (bt *BlockTemplate) Target() *big.Int { return new(big.Int).Set(bt.target) }

// Difficulty returns the template's network difficulty.
func (bt *BlockTemplate) Difficulty() float64 { return bt.difficulty }

// PrevHashReversed returns the word-reversed previous block hash hex.
func (bt *BlockTemplate) PrevHashReversed() string { return bt.prevHashReversed }

// CurTime returns the template's block time, as supplied by the node.
func (bt *BlockTemplate) CurTime() uint32 { return bt.curTime }

// MerkleBranch returns the Merkle branch a miner's coinbase hash must be
// folded against to recompute the block's Merkle root.
func (bt *BlockTemplate) MerkleBranch() [][]byte { return bt.merkleBranch }

// SerializeCoinbase returns prefix ‖ e1 ‖ e2 ‖ suffix.
func (bt *BlockTemplate) SerializeCoinbase(e1, e2 []byte) []byte {
	return coinbase.Serialize(bt.coinbasePrefix, bt.coinbaseSuffix, e1, e2)
}

// SerializeHeader assembles the 80-byte block header. nTimeHex and
// nonceHex are hex strings as supplied over Stratum; merkleRootHex is the
// Merkle root in hash-output byte order and lands in the header unchanged.
// The header is built in reversed field order and then byte-reversed as a
// whole, yielding version‖prevHash‖merkleRoot‖nTime‖bits‖nonce on the wire.
func (bt *BlockTemplate) SerializeHeader(merkleRootHex, nTimeHex, nonceHex string) ([]byte, error) {
	nonce, err := hex.DecodeString(nonceHex)
	if err != nil || len(nonce) != 4 {
		return nil, fmt.Errorf("template: invalid nonce %q", nonceHex)
	}
	bits, err := hex.DecodeString(bt.bits)
	if err != nil || len(bits) != 4 {
		return nil, fmt.Errorf("template: invalid bits %q", bt.bits)
	}
	nTime, err := hex.DecodeString(nTimeHex)
	if err != nil || len(nTime) != 4 {
		return nil, fmt.Errorf("template: invalid ntime %q", nTimeHex)
	}
	merkleRoot, err := hex.DecodeString(merkleRootHex)
	if err != nil || len(merkleRoot) != 32 {
		return nil, fmt.Errorf("template: invalid merkle root %q", merkleRootHex)
	}
	prevHash, err := hex.DecodeString(bt.prevHashReversed)
	if err != nil || len(prevHash) != 32 {
		return nil, fmt.Errorf("template: invalid prevhash")
	}
	// Undo the Stratum word swap to get the node's display-order prevhash.
	prevHash = byteutil.ReverseByteOrder(prevHash)

	// Assemble in reversed field order; the whole buffer is then
	// byte-reversed once, which both reorders the fields and turns each
	// big-endian/display-order field into its on-wire byte order. The
	// Merkle root is already in on-wire order, so it is pre-reversed here.
	reversed := make([]byte, 0, 80)
	reversed = append(reversed, nonce...)
	reversed = append(reversed, bits...)
	reversed = append(reversed, nTime...)
	reversed = append(reversed, byteutil.ReverseBuffer(merkleRoot)...)
	reversed = append(reversed, prevHash...)
	reversed = append(reversed, byteutil.PackUint32BE(bt.version)...)

	return byteutil.ReverseBuffer(reversed), nil
}

// SerializeBlock assembles the full block: header ‖ varint(txCount+1) ‖
// coinbase ‖ transactionData ‖ voteData ‖ (POS trailing zero byte).
func (bt *BlockTemplate) SerializeBlock(header, coinbaseTx []byte) []byte {
	out := make([]byte, 0, len(header)+len(coinbaseTx)+len(bt.transactionData)+len(bt.voteData)+10)
	out = append(out, header...)
	out = append(out, byteutil.VarIntBuffer(uint64(bt.txCount+1))...)
	out = append(out, coinbaseTx...)
	out = append(out, bt.transactionData...)
	out = append(out, bt.voteData...)
	if bt.reward == RewardPOS {
		out = append(out, 0x00)
	}
	return out
}

// RegisterSubmit fingerprints (e1, e2, nTime, nonce) and returns true if
// this is the first time the tuple has been seen for this template.
func (bt *BlockTemplate) RegisterSubmit(e1, e2, nTime, nonce string) bool {
	key := e1 + ":" + e2 + ":" + nTime + ":" + nonce

	bt.mu.Lock()
	defer bt.mu.Unlock()

	if _, seen := bt.submits[key]; seen {
		return false
	}
	bt.submits[key] = struct{}{}
	return true
}

// GetJobParams returns the cached 9-tuple broadcast as mining.notify
// params: [jobId, prevHashReversed, coinbasePrefixHex, coinbaseSuffixHex,
// merkleBranchHex, versionHex, bitsHex, curtimeHex, cleanJobs].
func (bt *BlockTemplate) GetJobParams() []interface{} {
	bt.jobParamsOnce.Do(func() {
		branchHex := make([]string, len(bt.merkleBranch))
		for i, b := range bt.merkleBranch {
			branchHex[i] = hex.EncodeToString(b)
		}
		bt.jobParams = []interface{}{
			bt.JobID,
			bt.prevHashReversed,
			hex.EncodeToString(bt.coinbasePrefix),
			hex.EncodeToString(bt.coinbaseSuffix),
			branchHex,
			hex.EncodeToString(byteutil.PackUint32BE(bt.version)),
			bt.bits,
			hex.EncodeToString(byteutil.PackUint32BE(bt.curTime)),
			true,
		}
	})
	return bt.jobParams
}
