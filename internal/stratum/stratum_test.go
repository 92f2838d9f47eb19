package stratum

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeAuthorizer struct {
	valid bool
	diff  float64
}

func (f *fakeAuthorizer) Authorize(ctx context.Context, username, password, remoteAddr string) (AuthResult, error) {
	return AuthResult{Valid: f.valid, InitialDifficulty: f.diff}, nil
}

type fakeShareHandler struct {
	result ShareResult
}

func (f *fakeShareHandler) HandleShare(ctx context.Context, s Share) (ShareResult, error) {
	return f.result, nil
}

type fakeJobSource struct {
	params []interface{}
}

func (f *fakeJobSource) CurrentJobParams() []interface{} { return f.params }

func newTestSession(t *testing.T, authz Authorizer, sh ShareHandler) (*Session, net.Conn, chan Event) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	events := make(chan Event, 16)
	cfg := Config{
		ExtraNonce1:     "aabbccdd",
		ExtraNonce2Size: 4,
		SubscriptionID:  "deadbeef00000001",
	}
	s := New(serverConn, cfg, zap.NewNop(), authz, sh, &fakeJobSource{}, events)
	return s, clientConn, events
}

func writeLine(t *testing.T, conn net.Conn, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	data = append(data, '\n')
	_, err = conn.Write(data)
	require.NoError(t, err)
}

func readLine(t *testing.T, conn net.Conn) map[string]interface{} {
	t.Helper()
	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	var v map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(line), &v))
	return v
}

func TestSubscribeAuthorizeSubmitHandshake(t *testing.T) {
	s, client, events := newTestSession(t, &fakeAuthorizer{valid: true, diff: 64}, &fakeShareHandler{result: ShareResult{Valid: true}})

	go s.Handle(context.Background())
	defer s.Close()

	writeLine(t, client, map[string]interface{}{"id": 1, "method": "mining.subscribe", "params": []interface{}{}})
	resp := readLine(t, client)
	assert.Equal(t, float64(1), resp["id"])
	require.NotNil(t, resp["result"])

	writeLine(t, client, map[string]interface{}{"id": 2, "method": "mining.authorize", "params": []interface{}{"worker.1", "x"}})
	authResp := readLine(t, client)
	assert.Equal(t, true, authResp["result"])

	diffNotif := readLine(t, client)
	assert.Equal(t, "mining.set_difficulty", diffNotif["method"])

	writeLine(t, client, map[string]interface{}{"id": 3, "method": "mining.submit", "params": []interface{}{"worker.1", "job1", "00000001", "5f000000", "00000000"}})
	submitResp := readLine(t, client)
	assert.Equal(t, true, submitResp["result"])

	select {
	case e := <-events:
		assert.Equal(t, EventSubscribed, e.Type)
	case <-time.After(time.Second):
		t.Fatal("no subscribed event")
	}
}

func TestAuthorizeFailsWhenNotSubscribed(t *testing.T) {
	s, client, _ := newTestSession(t, &fakeAuthorizer{valid: true, diff: 1}, &fakeShareHandler{})
	go s.Handle(context.Background())
	defer s.Close()

	writeLine(t, client, map[string]interface{}{"id": 1, "method": "mining.authorize", "params": []interface{}{"worker.1", "x"}})
	resp := readLine(t, client)
	errArr, ok := resp["error"].([]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(ErrNotSubscribed), errArr[0])
}

func TestFloodGuardDropsOversizedLine(t *testing.T) {
	s, client, events := newTestSession(t, &fakeAuthorizer{valid: true, diff: 1}, &fakeShareHandler{})
	done := make(chan struct{})
	go func() {
		s.Handle(context.Background())
		close(done)
	}()
	defer s.Close()

	big := strings.Repeat("a", maxLineBytes+1)
	_, err := client.Write([]byte(big))
	require.NoError(t, err)

	select {
	case e := <-events:
		assert.Equal(t, EventError, e.Type)
		assert.ErrorIs(t, e.Err, ErrFloodLimitExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("expected flood error event")
	}
}

func TestRejectedShareIncrementsInvalidCounter(t *testing.T) {
	s, client, _ := newTestSession(t, &fakeAuthorizer{valid: true, diff: 1}, &fakeShareHandler{result: ShareResult{Valid: false, RejectReason: "low difficulty"}})
	go s.Handle(context.Background())
	defer s.Close()

	writeLine(t, client, map[string]interface{}{"id": 1, "method": "mining.subscribe", "params": []interface{}{}})
	readLine(t, client)
	writeLine(t, client, map[string]interface{}{"id": 2, "method": "mining.authorize", "params": []interface{}{"worker.1", "x"}})
	readLine(t, client)
	readLine(t, client)

	writeLine(t, client, map[string]interface{}{"id": 3, "method": "mining.submit", "params": []interface{}{"worker.1", "job1", "00000001", "5f000000", "00000000"}})
	resp := readLine(t, client)
	errArr, ok := resp["error"].([]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(ErrLowDifficultyShare), errArr[0])

	require.Eventually(t, func() bool { return s.InvalidShares() == 1 }, time.Second, 10*time.Millisecond)
}

func TestSendDifficultyNoOpWhenUnchanged(t *testing.T) {
	s, client, _ := newTestSession(t, &fakeAuthorizer{valid: true, diff: 32}, &fakeShareHandler{})
	go s.Handle(context.Background())
	defer s.Close()

	writeLine(t, client, map[string]interface{}{"id": 1, "method": "mining.subscribe", "params": []interface{}{}})
	readLine(t, client)
	writeLine(t, client, map[string]interface{}{"id": 2, "method": "mining.authorize", "params": []interface{}{"worker.1", "x"}})
	readLine(t, client)
	diffNotif := readLine(t, client)
	assert.Equal(t, []interface{}{float64(32)}, diffNotif["params"])

	require.NoError(t, s.sendDifficulty(32))

	// net.Pipe is unbuffered, so the write must run while the client reads.
	errCh := make(chan error, 1)
	go func() { errCh <- s.sendDifficulty(64) }()
	notif2 := readLine(t, client)
	require.NoError(t, <-errCh)
	assert.Equal(t, "mining.set_difficulty", notif2["method"])
	assert.Equal(t, []interface{}{float64(64)}, notif2["params"])
	assert.Equal(t, float64(32), s.PreviousDifficulty())
}

func TestSendJobFlushesPendingDifficultyFirst(t *testing.T) {
	s, client, _ := newTestSession(t, &fakeAuthorizer{valid: true, diff: 16}, &fakeShareHandler{})
	go s.Handle(context.Background())
	defer s.Close()

	writeLine(t, client, map[string]interface{}{"id": 1, "method": "mining.subscribe", "params": []interface{}{}})
	readLine(t, client)
	writeLine(t, client, map[string]interface{}{"id": 2, "method": "mining.authorize", "params": []interface{}{"worker.1", "x"}})
	readLine(t, client)
	readLine(t, client) // initial set_difficulty

	s.EnqueueDifficulty(48)
	// net.Pipe is unbuffered, so the writes must run while the client reads.
	errCh := make(chan error, 1)
	go func() { errCh <- s.SendJob([]interface{}{"job1"}) }()

	first := readLine(t, client)
	assert.Equal(t, "mining.set_difficulty", first["method"])
	assert.Equal(t, []interface{}{float64(48)}, first["params"])

	second := readLine(t, client)
	assert.Equal(t, "mining.notify", second["method"])
	require.NoError(t, <-errCh)
}

func TestGetTransactionsReturnsEmptyErrorTuple(t *testing.T) {
	s, client, _ := newTestSession(t, &fakeAuthorizer{valid: true, diff: 1}, &fakeShareHandler{})
	go s.Handle(context.Background())
	defer s.Close()

	writeLine(t, client, map[string]interface{}{"id": 7, "method": "mining.get_transactions", "params": []interface{}{}})
	resp := readLine(t, client)
	assert.Equal(t, float64(7), resp["id"])
	assert.Equal(t, true, resp["error"])
	assert.Equal(t, []interface{}{}, resp["result"])
}

func TestMalformedMessageClosesSocket(t *testing.T) {
	s, client, events := newTestSession(t, &fakeAuthorizer{valid: true, diff: 1}, &fakeShareHandler{})
	go s.Handle(context.Background())
	defer s.Close()

	_, err := client.Write([]byte("not json\n"))
	require.NoError(t, err)

	select {
	case e := <-events:
		assert.Equal(t, EventMalformedMessage, e.Type)
	case <-time.After(time.Second):
		t.Fatal("expected malformed message event")
	}

	require.Eventually(t, func() bool { return s.State() == StateDisconnected }, time.Second, 10*time.Millisecond)
}

type fakeBanChecker struct{ banned map[string]bool }

func (f *fakeBanChecker) IsBanned(addr string) bool { return f.banned[addr] }

func TestProxyProtocolResolvesRemoteAddrAndChecksBan(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	events := make(chan Event, 16)
	banChecker := &fakeBanChecker{banned: map[string]bool{"9.9.9.9": true}}
	cfg := Config{
		ExtraNonce1:       "aabbccdd",
		ExtraNonce2Size:   4,
		SubscriptionID:    "deadbeef00000002",
		TCPProxyProtocol:  true,
		BanChecker:        banChecker,
		BanningEnabled:    true,
		BanCheckThreshold: 1,
	}
	s := New(serverConn, cfg, zap.NewNop(), &fakeAuthorizer{valid: true, diff: 1}, &fakeShareHandler{}, &fakeJobSource{}, events)

	go s.Handle(context.Background())
	defer s.Close()

	_, err := clientConn.Write([]byte("PROXY TCP4 9.9.9.9 10.0.0.1 1234 5678\r\n"))
	require.NoError(t, err)

	select {
	case e := <-events:
		assert.Equal(t, EventBanTriggered, e.Type)
		assert.Equal(t, "9.9.9.9", e.RemoteAddr)
	case <-time.After(time.Second):
		t.Fatal("expected ban-triggered event")
	}

	require.Eventually(t, func() bool { return s.State() == StateDisconnected }, time.Second, 10*time.Millisecond)
}

func TestProxyProtocolMissingHeaderEmitsError(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	events := make(chan Event, 16)
	cfg := Config{
		ExtraNonce1:      "aabbccdd",
		ExtraNonce2Size:  4,
		SubscriptionID:   "deadbeef00000003",
		TCPProxyProtocol: true,
	}
	s := New(serverConn, cfg, zap.NewNop(), &fakeAuthorizer{valid: true, diff: 1}, &fakeShareHandler{}, &fakeJobSource{}, events)

	go s.Handle(context.Background())
	defer s.Close()

	writeLine(t, clientConn, map[string]interface{}{"id": 1, "method": "mining.subscribe", "params": []interface{}{}})

	select {
	case e := <-events:
		assert.Equal(t, EventTCPProxyError, e.Type)
	case <-time.After(time.Second):
		t.Fatal("expected tcp proxy error event")
	}
}

func TestProxyLookingLineDiscardedWhenProxyModeOff(t *testing.T) {
	s, client, _ := newTestSession(t, &fakeAuthorizer{valid: true, diff: 1}, &fakeShareHandler{})
	go s.Handle(context.Background())
	defer s.Close()

	_, err := client.Write([]byte("PROXY TCP4 9.9.9.9 10.0.0.1 1234 5678\r\n"))
	require.NoError(t, err)

	writeLine(t, client, map[string]interface{}{"id": 1, "method": "mining.subscribe", "params": []interface{}{}})
	resp := readLine(t, client)
	assert.Equal(t, float64(1), resp["id"])
	require.NotNil(t, resp["result"])
}

func TestMidSessionBanTriggerClosesSocketWithoutReply(t *testing.T) {
	s, client, events := newTestSession(t, &fakeAuthorizer{valid: true, diff: 1}, &fakeShareHandler{result: ShareResult{Valid: false, RejectReason: "low difficulty"}})
	s.cfg.BanningEnabled = true
	s.cfg.BanCheckThreshold = 1
	s.cfg.BanInvalidPercent = 0.5

	go s.Handle(context.Background())
	defer s.Close()

	writeLine(t, client, map[string]interface{}{"id": 1, "method": "mining.subscribe", "params": []interface{}{}})
	readLine(t, client)
	writeLine(t, client, map[string]interface{}{"id": 2, "method": "mining.authorize", "params": []interface{}{"worker.1", "x"}})
	readLine(t, client)
	readLine(t, client)
	<-events // subscribed
	<-events // authorized

	writeLine(t, client, map[string]interface{}{"id": 3, "method": "mining.submit", "params": []interface{}{"worker.1", "job1", "00000001", "5f000000", "00000000"}})

	select {
	case e := <-events:
		if e.Type == EventShareRejected {
			select {
			case e2 := <-events:
				assert.Equal(t, EventBanTriggered, e2.Type)
			case <-time.After(time.Second):
				t.Fatal("expected ban-triggered event after rejection")
			}
		} else {
			assert.Equal(t, EventBanTriggered, e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("expected ban-related event")
	}

	require.Eventually(t, func() bool { return s.State() == StateDisconnected }, time.Second, 10*time.Millisecond)
}
