package stratumserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stratumforge/corepool/internal/stratum"
)

type fakeAuthorizer struct{}

func (fakeAuthorizer) Authorize(ctx context.Context, username, password, remoteAddr string) (stratum.AuthResult, error) {
	return stratum.AuthResult{Valid: true, InitialDifficulty: 32}, nil
}

type fakeShareHandler struct{}

func (fakeShareHandler) HandleShare(ctx context.Context, s stratum.Share) (stratum.ShareResult, error) {
	return stratum.ShareResult{Valid: true}, nil
}

type fakeJobFeed struct {
	params []interface{}
	ch     chan []interface{}
}

func newFakeJobFeed() *fakeJobFeed {
	return &fakeJobFeed{params: []interface{}{"job1"}, ch: make(chan []interface{}, 1)}
}
func (f *fakeJobFeed) CurrentJobParams() []interface{}    { return f.params }
func (f *fakeJobFeed) Subscribe() <-chan []interface{} { return f.ch }

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestNextSubscriptionIDWrapsAtSeed(t *testing.T) {
	s := &Server{}
	id1 := s.nextSubscriptionID()
	id2 := s.nextSubscriptionID()
	assert.Len(t, id1, 16)
	assert.NotEqual(t, id1, id2)
}

func TestAcceptAndHandshake(t *testing.T) {
	port := freePort(t)
	events := make(chan Event, 16)
	srv := New(Config{
		Ports:             map[int]PortConfig{port: {Difficulty: 32}},
		ConnectionTimeout: 5 * time.Second,
	}, zap.NewNop(), fakeAuthorizer{}, fakeShareHandler{}, newFakeJobFeed(), events)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Start(ctx)

	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NoError(t, err)
	defer conn.Close()

	req, _ := json.Marshal(map[string]interface{}{"id": 1, "method": "mining.subscribe", "params": []interface{}{}})
	_, err = conn.Write(append(req, '\n'))
	require.NoError(t, err)

	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	require.NoError(t, err)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(line), &resp))
	assert.Equal(t, float64(1), resp["id"])
	require.NotNil(t, resp["result"])
}

func TestBanThenSweepForgives(t *testing.T) {
	srv := &Server{
		cfg: Config{Banning: BanningConfig{
			Enabled:        true,
			Time:           10 * time.Millisecond,
			CheckThreshold: 5,
			InvalidPercent: 0.5,
		}},
		events: make(chan Event, 16),
	}

	srv.bans.Store("1.2.3.4", banEntry{bannedAt: time.Now()})
	assert.True(t, srv.isBanned("1.2.3.4"))

	time.Sleep(20 * time.Millisecond)
	assert.False(t, srv.isBanned("1.2.3.4"))
}

func TestDrainSessionEventsRecordsBanTrigger(t *testing.T) {
	srv := &Server{
		cfg:           Config{Banning: BanningConfig{Enabled: true, Time: time.Minute}},
		events:        make(chan Event, 16),
		sessionEvents: make(chan stratum.Event, 16),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.drainSessionEvents(ctx)

	srv.sessionEvents <- stratum.Event{Type: stratum.EventBanTriggered, RemoteAddr: "5.6.7.8"}

	require.Eventually(t, func() bool {
		return srv.isBanned("5.6.7.8")
	}, time.Second, 5*time.Millisecond)
}
