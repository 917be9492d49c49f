package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"jetx/internal/config"
	"jetx/internal/game"
	"jetx/internal/wager"
	"jetx/internal/wallet"
)

type fakeHealth struct{ status map[string]string }

func (f fakeHealth) Health() map[string]string { return f.status }

func up() fakeHealth   { return fakeHealth{status: map[string]string{"status": "up"}} }
func down() fakeHealth { return fakeHealth{status: map[string]string{"status": "down"}} }

type fakeSessions struct {
	fakeHealth
	mu       sync.Mutex
	players  map[string]*game.Player
	bound    map[string]string
	released []string
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		fakeHealth: up(),
		players:    map[string]*game.Player{},
		bound:      map[string]string{},
	}
}

func (f *fakeSessions) SetPlayer(_ context.Context, p *game.Player) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.players[p.SessionID] = p
	return nil
}

func (f *fakeSessions) BindSession(_ context.Context, identity, sessionID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev := f.bound[identity]
	f.bound[identity] = sessionID
	if prev == sessionID {
		return "", nil
	}
	return prev, nil
}

func (f *fakeSessions) ReleaseSession(_ context.Context, identity, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bound[identity] == sessionID {
		delete(f.bound, identity)
	}
	f.released = append(f.released, sessionID)
	return nil
}

type fakeRounds struct {
	round   game.RoundState
	history []game.HistoryEntry
}

func (f *fakeRounds) Current() game.RoundState { return f.round }
func (f *fakeRounds) History() []game.HistoryEntry { return f.history }
func (f *fakeRounds) RecentMultipliers() []string { return []string{"1.50", "3.20"} }
func (f *fakeRounds) Check() (game.HealthStatus, time.Duration) { return game.HealthOK, time.Second }

type fakeWagers struct {
	mu           sync.Mutex
	places       []wager.PlaceRequest
	cashouts     []wager.CashOutRequest
	cancels      []wager.CancelRequest
	disconnected []string
	notified     []error
	err          error
}

func (f *fakeWagers) Place(_ context.Context, req wager.PlaceRequest) (wager.Wager, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.places = append(f.places, req)
	return wager.Wager{}, f.err
}

func (f *fakeWagers) CashOut(_ context.Context, req wager.CashOutRequest) (*wager.Settlement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cashouts = append(f.cashouts, req)
	return nil, f.err
}

func (f *fakeWagers) Cancel(_ context.Context, req wager.CancelRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, req)
	return f.err
}

func (f *fakeWagers) Disconnect(_ context.Context, sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, sessionID)
}

func (f *fakeWagers) GameStatus() wager.GameStatus { return wager.GameStatus{RoundID: 7} }

func (f *fakeWagers) Notify(_ string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, err)
}

func (f *fakeWagers) LastRoundBets() int { return 3 }

var errBadToken = errors.New("bad token")

type fakeUsers struct{}

func (fakeUsers) UserDetail(_ context.Context, token string) (*wallet.UserDetail, error) {
	if token != "good" {
		return nil, errBadToken
	}
	return &wallet.UserDetail{UserID: "u1", OperatorID: "op", Name: "alice", Balance: decimal.NewFromInt(1000)}, nil
}

type fakeConn struct {
	mu     sync.Mutex
	writes chan []byte
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{writes: make(chan []byte, 64)}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.writes <- data
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// events drains messages until one of type last arrives.
func (c *fakeConn) events(t *testing.T, last string) []game.WSMessage {
	t.Helper()
	var out []game.WSMessage
	for {
		select {
		case data := <-c.writes:
			var msg game.WSMessage
			require.NoError(t, json.Unmarshal(data, &msg))
			out = append(out, msg)
			if msg.Type == last {
				return out
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", last)
			return nil
		}
	}
}

type testServer struct {
	*FiberServer
	sessions *fakeSessions
	rounds   *fakeRounds
	wagers   *fakeWagers
}

func newTestServer(t *testing.T, db fakeHealth) *testServer {
	t.Helper()
	logger := log.NewWithOptions(io.Discard, log.Options{Level: log.DebugLevel})
	ts := &testServer{
		sessions: newFakeSessions(),
		rounds:   &fakeRounds{},
		wagers:   &fakeWagers{},
	}
	ts.FiberServer = New(Deps{
		Config: config.Default(),
		DB:     db,
		Cache:  ts.sessions,
		Hub:    game.NewHub(logger),
		Rounds: ts.rounds,
		Health: ts.rounds,
		Wagers: ts.wagers,
		Users:  fakeUsers{},
		Logger: logger,
	})
	ts.RegisterFiberRoutes()
	return ts
}
