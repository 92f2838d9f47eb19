package host

import (
	"context"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stratumforge/corepool/internal/byteutil"
	"github.com/stratumforge/corepool/internal/coinbase"
	"github.com/stratumforge/corepool/internal/stratum"
	"github.com/stratumforge/corepool/internal/template"
	"github.com/stratumforge/corepool/internal/vardiff"
)

func newTestHost() *Host {
	vd := vardiff.New(vardiff.Config{
		MinDifficulty:   0.001,
		MaxDifficulty:   1e6,
		TargetShareTime: 10 * time.Second,
		RetargetTime:    90 * time.Second,
		VariancePercent: 30,
	})
	return New(Config{InitialDifficulty: 1.0}, zap.NewNop(), nil, nil, vd, nil)
}

func buildTestTemplate(t *testing.T, jobID string) *template.BlockTemplate {
	t.Helper()
	rpc := template.RpcData{
		PreviousBlockHash: strings.Repeat("ab", 32),
		Bits:              "1d00ffff",
		CurTime:           1700000000,
		Version:           1,
	}
	cbCfg := coinbase.Config{
		ExtraNonce1Size: 4,
		ExtraNonce2Size: 4,
		Recipients: []coinbase.Recipient{
			{Script: []byte{0x76, 0xa9, 0x14}, Value: 5000000000},
		},
	}
	bt, err := template.New(jobID, rpc, cbCfg, nil, 100)
	require.NoError(t, err)
	return bt
}

func TestAuthorizeRegistersWorkerAndReturnsDifficulty(t *testing.T) {
	h := newTestHost()
	result, err := h.Authorize(context.Background(), "worker.1", "x", "1.2.3.4:5000")
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, 1.0, result.InitialDifficulty)
}

func TestAuthorizeRejectsEmptyUsername(t *testing.T) {
	h := newTestHost()
	result, err := h.Authorize(context.Background(), "", "x", "1.2.3.4:5000")
	require.NoError(t, err)
	assert.False(t, result.Valid)
}

func TestHandleShareRejectsUnknownJob(t *testing.T) {
	h := newTestHost()
	result, err := h.HandleShare(context.Background(), stratum.Share{JobID: "nope"})
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, "job not found", result.RejectReason)
}

func TestHandleShareRejectsDuplicateSubmission(t *testing.T) {
	h := newTestHost()
	bt := buildTestTemplate(t, "job1")
	h.SetActiveTemplate(bt)

	share := stratum.Share{
		WorkerName:  "worker.1",
		JobID:       "job1",
		ExtraNonce1: "aabbccdd",
		ExtraNonce2: "00000001",
		NTime:       hex.EncodeToString(byteutil.PackUint32BE(bt.CurTime())),
		Nonce:       "00000000",
		Difficulty:  0.0000001,
		SubmittedAt: time.Now(),
	}

	first, err := h.HandleShare(context.Background(), share)
	require.NoError(t, err)
	_ = first // may be valid or low-difficulty depending on random header hash

	second, err := h.HandleShare(context.Background(), share)
	require.NoError(t, err)
	assert.False(t, second.Valid)
	assert.Equal(t, "duplicate share", second.RejectReason)
}

func TestHandleShareRejectsStaleNTime(t *testing.T) {
	h := newTestHost()
	bt := buildTestTemplate(t, "job1")
	h.SetActiveTemplate(bt)

	share := stratum.Share{
		WorkerName:  "worker.1",
		JobID:       "job1",
		ExtraNonce1: "aabbccdd",
		ExtraNonce2: "00000001",
		NTime:       hex.EncodeToString(byteutil.PackUint32BE(bt.CurTime() + 10000)),
		Nonce:       "00000000",
		Difficulty:  1,
		SubmittedAt: time.Now(),
	}

	result, err := h.HandleShare(context.Background(), share)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, "invalid ntime", result.RejectReason)
}

func TestCurrentJobParamsNilBeforeFirstTemplate(t *testing.T) {
	h := newTestHost()
	assert.Nil(t, h.CurrentJobParams())
}

func TestSetActiveTemplatePublishesUpdate(t *testing.T) {
	h := newTestHost()
	bt := buildTestTemplate(t, "job1")
	h.SetActiveTemplate(bt)

	select {
	case params := <-h.Subscribe():
		assert.Equal(t, "job1", params[0])
	case <-time.After(time.Second):
		t.Fatal("expected job update")
	}
}
