// Package stratumserver listens on one or more TCP ports and hosts a
// stratum.Session per connection: subscription-ID assignment, job
// broadcast, and per-IP banning live here, above the single-session
// protocol machine in internal/stratum.
package stratumserver

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/stratumforge/corepool/internal/stratum"
)

var (
	activeConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stratumserver_active_connections",
		Help: "Number of active Stratum connections.",
	})
	totalConnections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stratumserver_total_connections",
		Help: "Total Stratum connections accepted.",
	})
	bannedIPs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stratumserver_banned_ips",
		Help: "Number of currently banned IP addresses.",
	})
)

func init() {
	prometheus.MustRegister(activeConnections, totalConnections, bannedIPs)
}

// subscriptionIDSeed is the fixed prefix spec.md mandates for generated
// subscription IDs; the counter is added to it and allowed to wrap at
// the uint64 boundary.
const subscriptionIDSeed uint64 = 0xdeadbeefcafebabe

// PortConfig is the per-listen-port configuration (its own starting
// difficulty, in the common case of differently-tuned ports for
// different hash rates).
type PortConfig struct {
	Difficulty float64
}

// BanningConfig controls the per-IP ban sweep.
type BanningConfig struct {
	Enabled        bool
	Time           time.Duration
	PurgeInterval  time.Duration
	CheckThreshold int
	InvalidPercent float64
}

// Config parameterizes a Server.
type Config struct {
	Ports                 map[int]PortConfig
	ConnectionTimeout     time.Duration
	JobRebroadcastTimeout time.Duration
	TCPProxyProtocol      bool
	Banning               BanningConfig
}

// JobFeed supplies both the currently active job and a channel of
// updates to broadcast as they occur.
type JobFeed interface {
	stratum.JobSource
	Subscribe() <-chan []interface{}
}

// EventType enumerates server-level occurrences.
type EventType int

const (
	EventStarted EventType = iota
	EventClientConnected
	EventClientDisconnected
	EventBroadcastTimeout
	EventKickedBannedIP
	EventForgaveBannedIP
)

// Event is one server-level occurrence.
type Event struct {
	Type       EventType
	RemoteAddr string
	Err        error
}

type banEntry struct {
	bannedAt time.Time
}

// Server hosts Stratum sessions across one or more listening ports.
type Server struct {
	cfg    Config
	logger *zap.Logger

	authorizer   stratum.Authorizer
	shareHandler stratum.ShareHandler
	jobs         JobFeed

	listeners []net.Listener
	sessions  sync.Map // string(id) -> *stratum.Session
	bans      sync.Map // remoteIP -> banEntry

	subCounter uint64

	events        chan Event
	sessionEvents chan stratum.Event

	shutdown int32
	wg       sync.WaitGroup
}

// New constructs a Server. events is drained by the caller to observe
// server-level occurrences (started, client connect/disconnect, bans).
func New(cfg Config, logger *zap.Logger, authz stratum.Authorizer, sh stratum.ShareHandler, jobs JobFeed, events chan Event) *Server {
	return &Server{
		cfg:           cfg,
		logger:        logger.Named("stratumserver"),
		authorizer:    authz,
		shareHandler:  sh,
		jobs:          jobs,
		events:        events,
		sessionEvents: make(chan stratum.Event, 256),
	}
}

// Start listens on every configured port and blocks until ctx is
// cancelled or a listener fails irrecoverably.
func (s *Server) Start(ctx context.Context) error {
	if len(s.cfg.Ports) == 0 {
		return fmt.Errorf("stratumserver: no ports configured")
	}

	for port, pc := range s.cfg.Ports {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			return fmt.Errorf("stratumserver: listen :%d: %w", port, err)
		}
		s.listeners = append(s.listeners, ln)

		s.wg.Add(1)
		go s.acceptLoop(ctx, ln, port, pc)
	}

	go s.broadcastJobs(ctx)
	go s.drainSessionEvents(ctx)
	if s.cfg.Banning.Enabled {
		go s.banSweepLoop(ctx)
	}

	s.publish(Event{Type: EventStarted})
	<-ctx.Done()
	return s.Shutdown(context.Background())
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, port int, pc PortConfig) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if atomic.LoadInt32(&s.shutdown) == 1 {
				return
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
			s.logger.Error("accept failed", zap.Int("port", port), zap.Error(err))
			continue
		}

		ip := remoteIP(conn)
		if s.isBanned(ip) {
			s.publish(Event{Type: EventKickedBannedIP, RemoteAddr: ip})
			conn.Close()
			continue
		}

		totalConnections.Inc()
		activeConnections.Inc()
		s.wg.Add(1)
		go s.handleConn(ctx, conn, pc)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn, pc PortConfig) {
	defer s.wg.Done()
	defer activeConnections.Dec()

	scfg := stratum.Config{
		ExtraNonce1:       fmt.Sprintf("%08x", atomic.AddUint64(&s.subCounter, 1)),
		ExtraNonce2Size:   4,
		ReadTimeout:       s.cfg.ConnectionTimeout,
		WriteTimeout:      s.cfg.ConnectionTimeout,
		SubscriptionID:    s.nextSubscriptionID(),
		TCPProxyProtocol:  s.cfg.TCPProxyProtocol,
		BanChecker:        s,
		BanningEnabled:    s.cfg.Banning.Enabled,
		BanCheckThreshold: s.cfg.Banning.CheckThreshold,
		BanInvalidPercent: s.cfg.Banning.InvalidPercent,
	}
	if pc.Difficulty > 0 {
		// The port's Difficulty is not passed on: the session starts at
		// whatever difficulty the Authorizer returns.
		_ = pc.Difficulty
	}

	session := stratum.New(conn, scfg, s.logger, s.authorizer, s.shareHandler, s.jobs, s.sessionEvents)

	s.sessions.Store(session.ID(), session)
	defer s.sessions.Delete(session.ID())

	ip := remoteIP(conn)
	s.publish(Event{Type: EventClientConnected, RemoteAddr: ip})
	defer s.publish(Event{Type: EventClientDisconnected, RemoteAddr: ip})

	if err := session.Handle(ctx); err != nil {
		s.logger.Debug("session ended", zap.String("session", session.ID()), zap.Error(err))
	}
}

// IsBanned implements stratum.BanChecker, so a Session can re-check a
// PROXY-resolved address against the same ban list acceptLoop enforces.
func (s *Server) IsBanned(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	return s.isBanned(host)
}

// nextSubscriptionID returns the next deadbeefcafebabe-prefixed
// subscription ID, wrapping naturally at the uint64 boundary.
func (s *Server) nextSubscriptionID() string {
	v := atomic.AddUint64(&s.subCounter, 1)
	return fmt.Sprintf("%016x", subscriptionIDSeed+v)
}

// broadcastJobs pushes every job-feed update to every connected,
// authorized session. If no update arrives within JobRebroadcastTimeout,
// it republishes the current job and emits EventBroadcastTimeout so the
// host can notice a stalled template source.
func (s *Server) broadcastJobs(ctx context.Context) {
	if s.jobs == nil {
		return
	}
	updates := s.jobs.Subscribe()

	timeout := s.cfg.JobRebroadcastTimeout
	if timeout <= 0 {
		timeout = 55 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	broadcast := func(params []interface{}) {
		s.sessions.Range(func(_, value interface{}) bool {
			sess := value.(*stratum.Session)
			if err := sess.SendJob(params); err != nil {
				s.logger.Debug("failed to send job", zap.String("session", sess.ID()), zap.Error(err))
			}
			return true
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case params, ok := <-updates:
			if !ok {
				return
			}
			broadcast(params)
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(timeout)
		case <-timer.C:
			s.publish(Event{Type: EventBroadcastTimeout})
			if params := s.jobs.CurrentJobParams(); params != nil {
				broadcast(params)
			}
			timer.Reset(timeout)
		}
	}
}

// drainSessionEvents keeps the session event channel from filling up and
// reconciles the server-wide ban list whenever a session bans itself
// mid-stream (stratum.EventBanTriggered), so later connections from the
// same address are rejected in acceptLoop without re-crossing the
// threshold.
func (s *Server) drainSessionEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-s.sessionEvents:
			if !ok {
				return
			}
			if e.Type == stratum.EventBanTriggered && e.RemoteAddr != "" {
				// Key the ban by bare IP, as acceptLoop looks it up.
				ip := e.RemoteAddr
				if host, _, err := net.SplitHostPort(ip); err == nil {
					ip = host
				}
				if _, alreadyBanned := s.bans.LoadOrStore(ip, banEntry{bannedAt: time.Now()}); !alreadyBanned {
					bannedIPs.Inc()
				}
				s.publish(Event{Type: EventKickedBannedIP, RemoteAddr: ip})
			}
		}
	}
}

func (s *Server) isBanned(ip string) bool {
	v, ok := s.bans.Load(ip)
	if !ok {
		return false
	}
	entry := v.(banEntry)
	if s.cfg.Banning.Time > 0 && time.Since(entry.bannedAt) > s.cfg.Banning.Time {
		s.bans.Delete(ip)
		bannedIPs.Dec()
		return false
	}
	return true
}

// banSweepLoop periodically purges expired bans, emitting
// EventForgaveBannedIP for each one.
func (s *Server) banSweepLoop(ctx context.Context) {
	interval := s.cfg.Banning.PurgeInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.bans.Range(func(key, value interface{}) bool {
				ip := key.(string)
				entry := value.(banEntry)
				if time.Since(entry.bannedAt) > s.cfg.Banning.Time {
					s.bans.Delete(ip)
					bannedIPs.Dec()
					s.publish(Event{Type: EventForgaveBannedIP, RemoteAddr: ip})
				}
				return true
			})
		}
	}
}

// Shutdown closes every listener and every active session.
func (s *Server) Shutdown(ctx context.Context) error {
	atomic.StoreInt32(&s.shutdown, 1)
	for _, ln := range s.listeners {
		ln.Close()
	}
	s.sessions.Range(func(_, value interface{}) bool {
		value.(*stratum.Session).Close()
		return true
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return nil
}

func (s *Server) publish(e Event) {
	if s.events == nil {
		return
	}
	select {
	case s.events <- e:
	default:
	}
}

func remoteIP(conn net.Conn) string {
	addr := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return strings.TrimSpace(addr)
}
