// Package stratum implements a single Stratum v1 mining session: the
// line-framed JSON transport, the subscribe/authorize/submit state
// machine, and the staged difficulty handshake. Authorization and share
// validation are delegated to injected interfaces so this package stays
// free of storage, accounting, and hash-algorithm concerns.
package stratum

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// maxLineBytes bounds a single Stratum line; connections that exceed it
// without a newline are treated as flooding and dropped.
const maxLineBytes = 10 * 1024

// ErrFloodLimitExceeded is returned by the read loop when a client sends
// more than maxLineBytes without a line terminator.
var ErrFloodLimitExceeded = errors.New("stratum: line exceeds flood limit")

// errTCPProxyHeader is published alongside EventTCPProxyError when proxy
// mode is enabled but the connection's first line isn't a PROXY header.
var errTCPProxyHeader = errors.New("stratum: expected PROXY protocol header")

// JSON-RPC error codes used in Stratum responses.
const (
	ErrParseError         = -32700
	ErrInvalidRequest     = -32600
	ErrMethodNotFound     = -32601
	ErrInvalidParams      = -32602
	ErrInternalError      = -32603
	ErrJobNotFound        = 21
	ErrDuplicateShare     = 22
	ErrLowDifficultyShare = 23
	ErrUnauthorized       = 24
	ErrNotSubscribed      = 25
)

// State is a session's position in the subscribe/authorize/submit
// handshake.
type State int32

const (
	StateConnected State = iota
	StateSubscribed
	StateAuthorized
	StateDisconnected
)

// AuthResult is returned by Authorizer.Authorize.
type AuthResult struct {
	Valid             bool
	InitialDifficulty float64
}

// Authorizer validates mining.authorize credentials against the host's
// worker store.
type Authorizer interface {
	Authorize(ctx context.Context, username, password, remoteAddr string) (AuthResult, error)
}

// Share is a mining.submit normalized into the fields a ShareHandler
// needs; hash-algorithm dispatch and difficulty validation are the
// handler's responsibility, not this package's.
type Share struct {
	WorkerName  string
	JobID       string
	ExtraNonce1 string
	ExtraNonce2 string
	NTime       string
	Nonce       string
	Difficulty  float64
	SubmittedAt time.Time
	RemoteAddr  string
}

// ShareResult is returned by ShareHandler.HandleShare.
type ShareResult struct {
	Valid        bool
	RejectReason string
	BlockFound   bool
}

// ShareHandler validates a submitted share and reports whether it formed
// a valid block.
type ShareHandler interface {
	HandleShare(ctx context.Context, s Share) (ShareResult, error)
}

// JobSource supplies the currently active job's broadcast parameters.
type JobSource interface {
	CurrentJobParams() []interface{}
}

// BanChecker reports whether a remote address is currently banned. It is
// consulted once a connection's real address is known (after PROXY
// header resolution, if proxy mode is on).
type BanChecker interface {
	IsBanned(addr string) bool
}

// EventType enumerates the events a Session publishes on its event
// channel for the server/host to observe.
type EventType int

const (
	EventSubscribed EventType = iota
	EventAuthorized
	EventAuthorizeFailed
	EventShareAccepted
	EventShareRejected
	EventBlockFound
	EventDisconnected
	EventError
	EventTCPProxyError
	EventMalformedMessage
	EventBanTriggered
)

// Event is one occurrence published by a Session.
type Event struct {
	Type       EventType
	WorkerName string
	RemoteAddr string
	Err        error
}

// Config parameterizes a Session.
type Config struct {
	ExtraNonce1       string
	ExtraNonce2Size   int
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	SubscriptionID    string
	TCPProxyProtocol  bool
	BanChecker        BanChecker
	BanningEnabled    bool
	BanCheckThreshold int
	BanInvalidPercent float64
}

// Session is one client's Stratum connection.
type Session struct {
	id     string
	conn   net.Conn
	cfg    Config
	logger *zap.Logger

	authorizer   Authorizer
	shareHandler ShareHandler
	jobs         JobSource

	state      int32
	workerName atomic.Value // string

	remoteAddrMu       sync.Mutex
	remoteAddrOverride string

	difficultyMu       sync.Mutex
	difficulty         float64
	previousDifficulty float64
	nextDifficulty     *float64

	validShares   int64
	invalidShares int64

	reader    *bufio.Reader
	writeMu   sync.Mutex
	closeChan chan struct{}
	closeOnce sync.Once

	events chan Event
}

// New constructs a Session over conn. events is drained by the caller;
// New does not start the read loop — call Handle to do that.
func New(conn net.Conn, cfg Config, logger *zap.Logger, authz Authorizer, sh ShareHandler, jobs JobSource, events chan Event) *Session {
	id := uuid.New().String()[:8]
	s := &Session{
		id:           id,
		conn:         conn,
		cfg:          cfg,
		logger:       logger.Named("stratum").With(zap.String("session", id)),
		authorizer:   authz,
		shareHandler: sh,
		jobs:         jobs,
		difficulty:   1.0,
		reader:       bufio.NewReaderSize(conn, maxLineBytes+1),
		closeChan:    make(chan struct{}),
		events:       events,
	}
	s.workerName.Store("")
	return s
}

// ID returns the session's internal identifier (distinct from the
// protocol-level subscription ID).
func (s *Session) ID() string { return s.id }

// WorkerName returns the authorized worker name, or "" before
// authorization.
func (s *Session) WorkerName() string { return s.workerName.Load().(string) }

// State returns the session's current handshake state.
func (s *Session) State() State { return State(atomic.LoadInt32(&s.state)) }

// ValidShares and InvalidShares report the per-session counters that the
// session's own ban check evaluates.
func (s *Session) ValidShares() int64   { return atomic.LoadInt64(&s.validShares) }
func (s *Session) InvalidShares() int64 { return atomic.LoadInt64(&s.invalidShares) }

// PreviousDifficulty returns the difficulty this session was at before
// its most recent set_difficulty push.
func (s *Session) PreviousDifficulty() float64 {
	s.difficultyMu.Lock()
	defer s.difficultyMu.Unlock()
	return s.previousDifficulty
}

// remoteAddr returns the connection's address, or the PROXY-protocol
// source address once one has been resolved.
func (s *Session) remoteAddr() string {
	s.remoteAddrMu.Lock()
	defer s.remoteAddrMu.Unlock()
	if s.remoteAddrOverride != "" {
		return s.remoteAddrOverride
	}
	return s.conn.RemoteAddr().String()
}

// Handle runs the session's read loop until the connection closes, the
// context is cancelled, or a fatal protocol error occurs.
func (s *Session) Handle(ctx context.Context) error {
	defer s.Close()

	if err := s.consumeProxyHeader(ctx); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		if errors.Is(err, ErrFloodLimitExceeded) {
			s.publish(Event{Type: EventError, Err: err})
			return err
		}
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closeChan:
			return nil
		default:
		}

		if s.cfg.ReadTimeout > 0 {
			s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}

		line, err := s.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, ErrFloodLimitExceeded) {
				s.publish(Event{Type: EventError, Err: err})
				return err
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return nil
			}
			return err
		}

		if len(line) == 0 {
			continue
		}

		if err := s.handleMessage(ctx, line); err != nil {
			s.logger.Debug("failed to handle message", zap.Error(err))
		}
	}
}

// readLine reads up to and including the next newline, enforcing
// maxLineBytes across partial reads so a client cannot flood the
// connection with a single unterminated line.
func (s *Session) readLine() (string, error) {
	var buf []byte
	for {
		chunk, err := s.reader.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > maxLineBytes {
			return "", ErrFloodLimitExceeded
		}
		if err == nil {
			return string(buf), nil
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return "", err
	}
}

// consumeProxyHeader reads the connection's first line and applies the
// PROXY protocol handling: when proxy mode is on, a line starting with
// "PROXY" supplies the real client address (its third token); a line
// that doesn't is reported via EventTCPProxyError. Either way the
// resolved address is then checked against BanChecker. When proxy mode
// is off, a PROXY-looking first line is discarded silently (a
// misconfigured upstream proxy shouldn't surface a parse error); any
// other first line is handled as the session's first protocol message.
func (s *Session) consumeProxyHeader(ctx context.Context) error {
	if s.cfg.ReadTimeout > 0 {
		s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	}
	line, err := s.readLine()
	if err != nil {
		return err
	}
	trimmed := strings.TrimRight(line, "\r\n")
	looksLikeProxy := strings.HasPrefix(trimmed, "PROXY")

	if !s.cfg.TCPProxyProtocol {
		if looksLikeProxy {
			return nil
		}
		return s.handleMessage(ctx, line)
	}

	if looksLikeProxy {
		if fields := strings.Fields(trimmed); len(fields) >= 3 {
			s.remoteAddrMu.Lock()
			s.remoteAddrOverride = fields[2]
			s.remoteAddrMu.Unlock()
		}
	} else {
		s.publish(Event{Type: EventTCPProxyError, Err: errTCPProxyHeader})
	}

	if s.cfg.BanChecker != nil && s.cfg.BanChecker.IsBanned(s.remoteAddr()) {
		s.publish(Event{Type: EventBanTriggered, RemoteAddr: s.remoteAddr()})
		s.Close()
		return nil
	}

	if !looksLikeProxy {
		return s.handleMessage(ctx, line)
	}
	return nil
}

type request struct {
	ID     interface{}     `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func (s *Session) handleMessage(ctx context.Context, line string) error {
	var req request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		s.publish(Event{Type: EventMalformedMessage, Err: err})
		s.Close()
		return err
	}

	switch req.Method {
	case "mining.subscribe":
		return s.handleSubscribe(req)
	case "mining.authorize":
		return s.handleAuthorize(ctx, req)
	case "mining.submit":
		return s.handleSubmit(ctx, req)
	case "mining.extranonce.subscribe":
		return s.sendResult(req.ID, true)
	case "mining.get_transactions":
		return s.send(map[string]interface{}{"id": req.ID, "result": []interface{}{}, "error": true})
	default:
		return s.sendError(req.ID, ErrMethodNotFound, "method not found")
	}
}

func (s *Session) handleSubscribe(req request) error {
	atomic.StoreInt32(&s.state, int32(StateSubscribed))

	subscriptions := [][]interface{}{
		{"mining.set_difficulty", s.cfg.SubscriptionID},
		{"mining.notify", s.cfg.SubscriptionID},
	}
	result := []interface{}{subscriptions, s.cfg.ExtraNonce1, s.cfg.ExtraNonce2Size}

	if err := s.sendResult(req.ID, result); err != nil {
		return err
	}
	s.publish(Event{Type: EventSubscribed})
	return nil
}

func (s *Session) handleAuthorize(ctx context.Context, req request) error {
	if s.State() < StateSubscribed {
		return s.sendError(req.ID, ErrNotSubscribed, "not subscribed")
	}

	var params []interface{}
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params) < 1 {
		return s.sendError(req.ID, ErrInvalidParams, "invalid params")
	}
	username, _ := params[0].(string)
	password := ""
	if len(params) > 1 {
		password, _ = params[1].(string)
	}
	if username == "" {
		return s.sendError(req.ID, ErrInvalidParams, "invalid username")
	}

	result, err := s.authorizer.Authorize(ctx, username, password, s.remoteAddr())
	if err != nil || !result.Valid {
		s.publish(Event{Type: EventAuthorizeFailed, WorkerName: username, Err: err})
		return s.sendResult(req.ID, false)
	}

	s.workerName.Store(username)
	atomic.StoreInt32(&s.state, int32(StateAuthorized))

	if err := s.sendResult(req.ID, true); err != nil {
		return err
	}
	if err := s.sendDifficulty(result.InitialDifficulty); err != nil {
		return err
	}
	s.publish(Event{Type: EventAuthorized, WorkerName: username})

	if s.jobs != nil {
		if params := s.jobs.CurrentJobParams(); params != nil {
			return s.sendNotification("mining.notify", params)
		}
	}
	return nil
}

func (s *Session) handleSubmit(ctx context.Context, req request) error {
	if s.State() < StateAuthorized {
		return s.sendError(req.ID, ErrUnauthorized, "not authorized")
	}

	var params []interface{}
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params) < 5 {
		return s.sendError(req.ID, ErrInvalidParams, "invalid params")
	}
	workerName, _ := params[0].(string)
	jobID, _ := params[1].(string)
	extranonce2, _ := params[2].(string)
	ntime, _ := params[3].(string)
	nonce, _ := params[4].(string)

	s.difficultyMu.Lock()
	diff := s.difficulty
	s.difficultyMu.Unlock()

	share := Share{
		WorkerName:  workerName,
		JobID:       jobID,
		ExtraNonce1: s.cfg.ExtraNonce1,
		ExtraNonce2: extranonce2,
		NTime:       ntime,
		Nonce:       nonce,
		Difficulty:  diff,
		SubmittedAt: time.Now(),
		RemoteAddr:  s.remoteAddr(),
	}

	result, err := s.shareHandler.HandleShare(ctx, share)
	if err != nil {
		return s.sendError(req.ID, ErrInternalError, "internal error")
	}

	if !result.Valid {
		atomic.AddInt64(&s.invalidShares, 1)
		s.publish(Event{Type: EventShareRejected, WorkerName: workerName})
		if s.overBanThreshold() {
			s.triggerBan(workerName)
			return nil
		}
		return s.sendError(req.ID, ErrLowDifficultyShare, result.RejectReason)
	}

	atomic.AddInt64(&s.validShares, 1)
	s.publish(Event{Type: EventShareAccepted, WorkerName: workerName})
	if result.BlockFound {
		s.publish(Event{Type: EventBlockFound, WorkerName: workerName})
	}
	if s.overBanThreshold() {
		s.triggerBan(workerName)
		return nil
	}

	return s.sendResult(req.ID, true)
}

// overBanThreshold reports whether this session's share history has
// crossed the configured invalid-share ratio, per §8.5 ban scenarios.
func (s *Session) overBanThreshold() bool {
	if !s.cfg.BanningEnabled || s.cfg.BanCheckThreshold <= 0 {
		return false
	}
	valid := atomic.LoadInt64(&s.validShares)
	invalid := atomic.LoadInt64(&s.invalidShares)
	total := valid + invalid
	if total < int64(s.cfg.BanCheckThreshold) || invalid == 0 {
		return false
	}
	return float64(invalid)/float64(total) >= s.cfg.BanInvalidPercent
}

// triggerBan publishes EventBanTriggered and destroys the socket without
// replying to the share that tripped the threshold.
func (s *Session) triggerBan(workerName string) {
	s.publish(Event{Type: EventBanTriggered, WorkerName: workerName, RemoteAddr: s.remoteAddr()})
	s.Close()
}

// EnqueueDifficulty stages a new difficulty without sending it; the next
// SendJob writes it as mining.set_difficulty ahead of that job's notify,
// rather than interrupting an in-progress submit/notify exchange.
func (s *Session) EnqueueDifficulty(diff float64) {
	s.difficultyMu.Lock()
	s.nextDifficulty = &diff
	s.difficultyMu.Unlock()
}

func (s *Session) flushPendingDifficulty() error {
	s.difficultyMu.Lock()
	next := s.nextDifficulty
	s.nextDifficulty = nil
	s.difficultyMu.Unlock()

	if next == nil {
		return nil
	}
	return s.sendDifficulty(*next)
}

// SendJob pushes a mining.notify to the client, provided it is
// authorized; otherwise it is a no-op (a not-yet-authorized client has
// nothing to do with a job). Any difficulty staged by EnqueueDifficulty
// is flushed first, so a client never sees a job before the
// set_difficulty that applies to it.
func (s *Session) SendJob(params []interface{}) error {
	if s.State() < StateAuthorized {
		return nil
	}
	if err := s.flushPendingDifficulty(); err != nil {
		return err
	}
	return s.sendNotification("mining.notify", params)
}

// sendDifficulty is a no-op when diff already matches the session's
// current difficulty; otherwise it demotes the current difficulty to
// previousDifficulty before pushing the new one.
func (s *Session) sendDifficulty(diff float64) error {
	s.difficultyMu.Lock()
	if diff == s.difficulty {
		s.difficultyMu.Unlock()
		return nil
	}
	s.previousDifficulty = s.difficulty
	s.difficulty = diff
	s.difficultyMu.Unlock()
	return s.sendNotification("mining.set_difficulty", []interface{}{diff})
}

func (s *Session) sendResult(id interface{}, result interface{}) error {
	return s.send(map[string]interface{}{"id": id, "result": result, "error": nil})
}

func (s *Session) sendError(id interface{}, code int, message string) error {
	return s.send(map[string]interface{}{"id": id, "result": nil, "error": []interface{}{code, message, nil}})
}

func (s *Session) sendNotification(method string, params interface{}) error {
	return s.send(map[string]interface{}{"id": nil, "method": method, "params": params})
}

func (s *Session) send(msg interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("stratum: marshal: %w", err)
	}
	data = append(data, '\n')

	if s.cfg.WriteTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	_, err = s.conn.Write(data)
	return err
}

// Close closes the underlying connection, idempotently.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		atomic.StoreInt32(&s.state, int32(StateDisconnected))
		close(s.closeChan)
		s.conn.Close()
		s.publish(Event{Type: EventDisconnected, WorkerName: s.WorkerName()})
	})
}

func (s *Session) publish(e Event) {
	if s.events == nil {
		return
	}
	select {
	case s.events <- e:
	default:
	}
}
