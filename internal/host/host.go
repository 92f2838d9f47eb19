// Package host adapts the pool's persistence and worker-accounting
// backend into the injected Authorizer/ShareHandler/JobFeed interfaces
// that internal/stratum and internal/stratumserver depend on. It is the
// concrete, runnable default that cmd/stratumd wires in; the core
// protocol packages never import it.
package host

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/stratumforge/corepool/internal/byteutil"
	"github.com/stratumforge/corepool/internal/merkle"
	"github.com/stratumforge/corepool/internal/storage"
	"github.com/stratumforge/corepool/internal/stratum"
	"github.com/stratumforge/corepool/internal/template"
	"github.com/stratumforge/corepool/internal/vardiff"
)

var (
	activeWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "host_active_workers",
		Help: "Number of currently registered workers.",
	})
	workerHashrate = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "host_worker_hashrate",
		Help: "Estimated hashrate per worker.",
	}, []string{"worker"})
)

func init() {
	prometheus.MustRegister(activeWorkers, workerHashrate)
}

// maxRecentTemplates bounds how many superseded templates a late share can
// still be validated against, beyond the currently active one.
const maxRecentTemplates = 4

// ntimeSlack is the allowed drift between a submitted ntime and the
// template's own curtime, matching the teacher's +/- 10 minute window.
const ntimeSlack = 600

// HashValidator computes a share's proof-of-work hash from an assembled
// block header. Hash-algorithm dispatch is left external to this package
// so one pool core can back multiple coin families without a rebuild; New
// falls back to SHA256d (DefaultHashValidator) when none is supplied.
type HashValidator interface {
	Hash(header []byte) []byte
}

type sha256dValidator struct{}

func (sha256dValidator) Hash(header []byte) []byte { return byteutil.Sha256d(header) }

// DefaultHashValidator is the SHA256d proof-of-work hasher used by New
// when no HashValidator is supplied.
var DefaultHashValidator HashValidator = sha256dValidator{}

// Config parameterizes a Host.
type Config struct {
	InitialDifficulty float64
}

type workerState struct {
	diff *vardiff.WorkerState

	mu            sync.Mutex
	address       string
	validShares   int64
	invalidShares int64
	staleShares   int64
	lastShareAt   time.Time
}

// Host is the worker-registry and share-accounting backend shared by
// every Stratum session: worker registration and lookup, duplicate-share
// damping, VarDiff bookkeeping, and the durable share/block ledger.
type Host struct {
	cfg    Config
	logger *zap.Logger

	redis    *storage.RedisClient
	postgres *storage.PostgresClient
	varDiff  *vardiff.VarDiff
	hash     HashValidator

	workers sync.Map // string(workerName) -> *workerState

	templateMu      sync.RWMutex
	activeTemplate  *template.BlockTemplate
	recentTemplates []*template.BlockTemplate

	jobUpdates chan []interface{}
}

// New constructs a Host. redis/postgres may be nil in tests; a nil store
// is treated as best-effort and its failures are only logged.
func New(cfg Config, logger *zap.Logger, redis *storage.RedisClient, postgres *storage.PostgresClient, vd *vardiff.VarDiff, hash HashValidator) *Host {
	if cfg.InitialDifficulty <= 0 {
		cfg.InitialDifficulty = 1.0
	}
	if hash == nil {
		hash = DefaultHashValidator
	}
	return &Host{
		cfg:        cfg,
		logger:     logger.Named("host"),
		redis:      redis,
		postgres:   postgres,
		varDiff:    vd,
		hash:       hash,
		jobUpdates: make(chan []interface{}, 1),
	}
}

// SetActiveTemplate installs bt as the job offered to newly authorized
// and already-connected sessions, keeping a bounded history so shares
// against the immediately preceding job(s) still validate.
func (h *Host) SetActiveTemplate(bt *template.BlockTemplate) {
	h.templateMu.Lock()
	h.activeTemplate = bt
	h.recentTemplates = append(h.recentTemplates, bt)
	if len(h.recentTemplates) > maxRecentTemplates {
		h.recentTemplates = h.recentTemplates[len(h.recentTemplates)-maxRecentTemplates:]
	}
	h.templateMu.Unlock()

	h.publishJobUpdate(bt.GetJobParams())
}

func (h *Host) publishJobUpdate(params []interface{}) {
	select {
	case h.jobUpdates <- params:
		return
	default:
	}
	select {
	case <-h.jobUpdates:
	default:
	}
	select {
	case h.jobUpdates <- params:
	default:
	}
}

func (h *Host) lookupTemplate(jobID string) *template.BlockTemplate {
	h.templateMu.RLock()
	defer h.templateMu.RUnlock()
	for i := len(h.recentTemplates) - 1; i >= 0; i-- {
		if h.recentTemplates[i].JobID == jobID {
			return h.recentTemplates[i]
		}
	}
	return nil
}

// CurrentJobParams satisfies stratum.JobSource and stratumserver.JobFeed.
func (h *Host) CurrentJobParams() []interface{} {
	h.templateMu.RLock()
	defer h.templateMu.RUnlock()
	if h.activeTemplate == nil {
		return nil
	}
	return h.activeTemplate.GetJobParams()
}

// Subscribe satisfies stratumserver.JobFeed.
func (h *Host) Subscribe() <-chan []interface{} { return h.jobUpdates }

// Authorize satisfies stratum.Authorizer: it registers the worker (or
// updates its recorded address) and returns its current VarDiff
// difficulty as the session's starting difficulty.
func (h *Host) Authorize(ctx context.Context, username, password, remoteAddr string) (stratum.AuthResult, error) {
	if username == "" {
		return stratum.AuthResult{Valid: false}, nil
	}
	ws := h.registerWorker(ctx, username, remoteAddr)
	return stratum.AuthResult{Valid: true, InitialDifficulty: ws.diff.CurrentDifficulty()}, nil
}

func (h *Host) registerWorker(ctx context.Context, name, remoteAddr string) *workerState {
	if existing, ok := h.workers.Load(name); ok {
		ws := existing.(*workerState)
		ws.mu.Lock()
		ws.address = remoteAddr
		ws.mu.Unlock()
		return ws
	}

	ws := &workerState{diff: vardiff.NewWorkerState(h.cfg.InitialDifficulty), address: remoteAddr}
	actual, loaded := h.workers.LoadOrStore(name, ws)
	if loaded {
		return actual.(*workerState)
	}
	activeWorkers.Inc()

	if h.redis != nil {
		if err := h.redis.AddOnlineWorker(ctx, name); err != nil {
			h.logger.Warn("failed to register worker in redis", zap.String("worker", name), zap.Error(err))
		}
	}
	if h.postgres != nil {
		now := time.Now()
		if err := h.postgres.UpsertWorker(ctx, &storage.Worker{
			Name:        name,
			Address:     remoteAddr,
			FirstSeenAt: now,
			LastSeenAt:  now,
		}); err != nil {
			h.logger.Warn("failed to register worker in postgres", zap.String("worker", name), zap.Error(err))
		}
	}
	return ws
}

// Disconnect retires a worker's in-memory state. Neither cmd/stratumd nor
// internal/stratumserver calls it; session EventDisconnected events are
// not forwarded to the host.
func (h *Host) Disconnect(ctx context.Context, name string) {
	if v, ok := h.workers.LoadAndDelete(name); ok {
		ws := v.(*workerState)
		activeWorkers.Dec()
		if h.redis != nil {
			if err := h.redis.RemoveOnlineWorker(ctx, name); err != nil {
				h.logger.Warn("failed to remove worker from redis", zap.String("worker", name), zap.Error(err))
			}
		}
		if h.postgres != nil {
			ws.mu.Lock()
			lastSeen := ws.lastShareAt
			ws.mu.Unlock()
			if lastSeen.IsZero() {
				lastSeen = time.Now()
			}
			if err := h.postgres.UpdateWorkerLastSeen(ctx, name, lastSeen); err != nil {
				h.logger.Warn("failed to update worker last seen", zap.String("worker", name), zap.Error(err))
			}
		}
	}
}

// HandleShare satisfies stratum.ShareHandler: job/ntime validation,
// duplicate-submission damping, header assembly via the matching
// BlockTemplate, and proof-of-work comparison through the injected
// HashValidator.
func (h *Host) HandleShare(ctx context.Context, s stratum.Share) (stratum.ShareResult, error) {
	bt := h.lookupTemplate(s.JobID)
	if bt == nil {
		h.reject(ctx, s, "job not found")
		return stratum.ShareResult{Valid: false, RejectReason: "job not found"}, nil
	}

	if !validNTime(s.NTime, bt.CurTime()) {
		h.reject(ctx, s, "invalid ntime")
		return stratum.ShareResult{Valid: false, RejectReason: "invalid ntime"}, nil
	}

	if !bt.RegisterSubmit(s.ExtraNonce1, s.ExtraNonce2, s.NTime, s.Nonce) {
		h.reject(ctx, s, "duplicate share")
		return stratum.ShareResult{Valid: false, RejectReason: "duplicate share"}, nil
	}

	if h.redis != nil {
		dupKey := fmt.Sprintf("%s:%s:%s:%s", s.JobID, s.ExtraNonce2, s.NTime, s.Nonce)
		dup, err := h.redis.CheckDuplicateShare(ctx, dupKey)
		if err != nil {
			h.logger.Warn("duplicate check failed", zap.Error(err))
		} else if dup {
			h.reject(ctx, s, "duplicate share")
			return stratum.ShareResult{Valid: false, RejectReason: "duplicate share"}, nil
		}
	}

	e1, err1 := hex.DecodeString(s.ExtraNonce1)
	e2, err2 := hex.DecodeString(s.ExtraNonce2)
	if err1 != nil || err2 != nil {
		h.reject(ctx, s, "invalid share data")
		return stratum.ShareResult{Valid: false, RejectReason: "invalid share data"}, nil
	}

	coinbaseTx := bt.SerializeCoinbase(e1, e2)
	coinbaseHash := byteutil.Sha256d(coinbaseTx)
	merkleRoot := merkle.Root(coinbaseHash, bt.MerkleBranch())

	header, err := bt.SerializeHeader(hex.EncodeToString(merkleRoot), s.NTime, s.Nonce)
	if err != nil {
		h.reject(ctx, s, "invalid share data")
		return stratum.ShareResult{Valid: false, RejectReason: "invalid share data"}, nil
	}

	hash := h.hash.Hash(header)
	shareDiff := vardiff.ShareDifficulty(hash)

	if shareDiff < s.Difficulty {
		reason := fmt.Sprintf("low difficulty share: %.4f < %.4f", shareDiff, s.Difficulty)
		h.reject(ctx, s, reason)
		return stratum.ShareResult{Valid: false, RejectReason: reason}, nil
	}

	ws := h.workerStateFor(s.WorkerName)
	ws.mu.Lock()
	ws.validShares++
	ws.lastShareAt = s.SubmittedAt
	ws.mu.Unlock()
	ws.diff.RecordShare(s.SubmittedAt)
	h.updateHashrate(s.WorkerName, ws)

	blockFound := shareDiff >= bt.Difficulty()
	blockHashHex := ""
	if blockFound {
		blockHashHex = hex.EncodeToString(byteutil.ReverseBuffer(hash))
		h.logger.Info("block found",
			zap.String("hash", blockHashHex),
			zap.String("worker", s.WorkerName),
			zap.Float64("share_diff", shareDiff),
			zap.Float64("network_diff", bt.Difficulty()),
		)
		go h.recordBlock(context.Background(), s, bt, blockHashHex)
	}

	if h.redis != nil {
		go h.redis.IncrementWorkerShares(context.Background(), s.WorkerName, true)
	}
	go h.recordShare(context.Background(), s, shareDiff, true, blockFound, blockHashHex, "")

	return stratum.ShareResult{Valid: true, BlockFound: blockFound}, nil
}

func (h *Host) reject(ctx context.Context, s stratum.Share, reason string) {
	ws := h.workerStateFor(s.WorkerName)
	ws.mu.Lock()
	ws.invalidShares++
	ws.mu.Unlock()
	if h.redis != nil {
		go h.redis.IncrementWorkerShares(context.Background(), s.WorkerName, false)
	}
	go h.recordShare(context.Background(), s, 0, false, false, "", reason)
}

func (h *Host) workerStateFor(name string) *workerState {
	if v, ok := h.workers.Load(name); ok {
		return v.(*workerState)
	}
	ws := &workerState{diff: vardiff.NewWorkerState(h.cfg.InitialDifficulty)}
	actual, _ := h.workers.LoadOrStore(name, ws)
	return actual.(*workerState)
}

// updateHashrate reports a difficulty-derived hashrate estimate.
// vardiff.WorkerState keeps its share-time history private, so this is a
// coarser instantaneous figure rather than the teacher's moving average
// over actual share intervals.
func (h *Host) updateHashrate(name string, ws *workerState) {
	workerHashrate.WithLabelValues(name).Set(ws.diff.CurrentDifficulty() * 4294967296.0)
}

func (h *Host) recordShare(ctx context.Context, s stratum.Share, shareDiff float64, valid, isBlock bool, blockHash, rejectReason string) {
	if h.postgres == nil {
		return
	}
	if err := h.postgres.InsertShare(ctx, &storage.Share{
		WorkerName:   s.WorkerName,
		JobID:        s.JobID,
		Difficulty:   s.Difficulty,
		ShareDiff:    shareDiff,
		Valid:        valid,
		IsBlock:      isBlock,
		BlockHash:    blockHash,
		RejectReason: rejectReason,
		IPAddress:    s.RemoteAddr,
		SubmittedAt:  s.SubmittedAt,
	}); err != nil {
		h.logger.Error("failed to insert share", zap.Error(err))
	}
}

func (h *Host) recordBlock(ctx context.Context, s stratum.Share, bt *template.BlockTemplate, blockHash string) {
	if h.postgres == nil {
		return
	}
	if err := h.postgres.InsertBlock(ctx, &storage.Block{
		Hash:       blockHash,
		WorkerName: s.WorkerName,
		Difficulty: bt.Difficulty(),
		FoundAt:    time.Now(),
		Confirmed:  false,
	}); err != nil {
		h.logger.Error("failed to insert block", zap.Error(err))
	}
}

// CheckVarDiff retargets a worker's difficulty if its share cadence has
// drifted enough from the target, returning the new difficulty and true
// when a change was applied; the host binary's maintenance loop polls
// this per worker on the VarDiff retarget cadence.
func (h *Host) CheckVarDiff(name string) (float64, bool) {
	v, ok := h.workers.Load(name)
	if !ok {
		return 0, false
	}
	ws := v.(*workerState)
	if !h.varDiff.ShouldRetarget(ws.diff) {
		return 0, false
	}
	newDiff, changed := h.varDiff.Retarget(ws.diff)
	if !changed {
		return 0, false
	}
	if h.redis != nil {
		go h.redis.SetWorkerDifficulty(context.Background(), name, newDiff)
	}
	return newDiff, true
}

// WorkerNames returns every currently registered worker name, for the
// host binary's VarDiff maintenance loop to iterate.
func (h *Host) WorkerNames() []string {
	var names []string
	h.workers.Range(func(key, _ interface{}) bool {
		names = append(names, key.(string))
		return true
	})
	return names
}

func validNTime(ntimeHex string, jobCurTime uint32) bool {
	raw, err := hex.DecodeString(ntimeHex)
	if err != nil || len(raw) != 4 {
		return false
	}
	shareTime := uint32(raw[0])<<24 | uint32(raw[1])<<16 | uint32(raw[2])<<8 | uint32(raw[3])
	min := jobCurTime - ntimeSlack
	max := jobCurTime + ntimeSlack
	return shareTime >= min && shareTime <= max
}
