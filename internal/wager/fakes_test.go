package wager

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/shopspring/decimal"

	"jetx/internal/config"
	"jetx/internal/game"
	"jetx/internal/wallet"
)

type fakeWallet struct {
	mu        sync.Mutex
	debits    []wallet.Transaction
	credits   []wallet.Transaction
	debitErr  map[string]error // by bet id
	creditErr error
	gate      *debitGate
}

// debitGate parks every debit call until release is closed.
type debitGate struct {
	entered chan string
	release chan struct{}
}

func (g *debitGate) wait(t *testing.T) string {
	t.Helper()
	select {
	case id := <-g.entered:
		return id
	case <-time.After(time.Second):
		t.Fatal("debit never reached the wallet")
		return ""
	}
}

func (w *fakeWallet) holdDebits() *debitGate {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.gate = &debitGate{entered: make(chan string, 8), release: make(chan struct{})}
	return w.gate
}

func (w *fakeWallet) Debit(_ context.Context, _ string, txn wallet.Transaction) error {
	w.mu.Lock()
	w.debits = append(w.debits, txn)
	err, gate := w.debitErr[txn.BetID], w.gate
	w.mu.Unlock()

	if gate != nil {
		gate.entered <- txn.BetID
		<-gate.release
	}
	return err
}

func (w *fakeWallet) Credit(_ context.Context, _ string, txn wallet.Transaction) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.credits = append(w.credits, txn)
	return w.creditErr
}

func (w *fakeWallet) counts() (debits, credits int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.debits), len(w.credits)
}

type fakeSessions struct {
	mu      sync.Mutex
	players map[string]*game.Player
	deleted []string
}

func (s *fakeSessions) GetPlayer(_ context.Context, id string) (*game.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.players[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *fakeSessions) SetPlayer(_ context.Context, p *game.Player) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.players[p.SessionID] = &cp
	return nil
}

func (s *fakeSessions) DeletePlayer(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.players, id)
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *fakeSessions) balance(id string) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.players[id]; ok {
		return p.Balance
	}
	return decimal.Zero
}

type fakeStore struct {
	mu          sync.Mutex
	bets        []BetRecord
	settlements []Settlement
	stats       []RoundStats
	failBets    int // upcoming InsertBets calls that fail
}

var errStoreDown = errors.New("store unavailable")

func (s *fakeStore) InsertBets(_ context.Context, bets []BetRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failBets > 0 {
		s.failBets--
		return errStoreDown
	}
	s.bets = append(s.bets, bets...)
	return nil
}

func (s *fakeStore) betIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, b := range s.bets {
		out = append(out, b.BetID)
	}
	return out
}

func (s *fakeStore) InsertSettlements(_ context.Context, settlements []Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settlements = append(s.settlements, settlements...)
	return nil
}

func (s *fakeStore) InsertRoundStats(_ context.Context, stats RoundStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = append(s.stats, stats)
	return nil
}

type fakeRounds struct {
	mu    sync.Mutex
	round game.RoundState
}

func (r *fakeRounds) Current() game.RoundState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.round
}

func (r *fakeRounds) set(fn func(*game.RoundState)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.round)
}

type sent struct {
	session string
	event   string
	data    any
}

type fakeHub struct {
	mu           sync.Mutex
	broadcasts   []sent
	direct       []sent
	disconnected []string
}

func (h *fakeHub) Broadcast(event string, data any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcasts = append(h.broadcasts, sent{event: event, data: data})
}

func (h *fakeHub) SendTo(session, event string, data any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.direct = append(h.direct, sent{session: session, event: event, data: data})
}

func (h *fakeHub) Disconnect(session string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnected = append(h.disconnected, session)
}

func (h *fakeHub) sentTo(session, event string) []any {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []any
	for _, s := range h.direct {
		if s.session == session && s.event == event {
			out = append(out, s.data)
		}
	}
	return out
}

func (h *fakeHub) broadcasted(event string) []any {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []any
	for _, s := range h.broadcasts {
		if s.event == event {
			out = append(out, s.data)
		}
	}
	return out
}

const testRound = int64(1700000000000)

type fixture struct {
	m        *Manager
	clock    *quartz.Mock
	rounds   *fakeRounds
	wallet   *fakeWallet
	sessions *fakeSessions
	store    *fakeStore
	hub      *fakeHub
	seeds    *game.SeedCollector
}

func newFixture(t *testing.T, mode config.DebitMode) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.DebitMode = mode

	clock := quartz.NewMock(t)
	f := &fixture{
		clock:    clock,
		rounds:   &fakeRounds{round: game.RoundState{RoundID: testRound, Phase: game.PhaseBetting, StartedAt: clock.Now(), OngoingMultiplier: 1}},
		wallet:   &fakeWallet{debitErr: map[string]error{}},
		sessions: &fakeSessions{players: map[string]*game.Player{}},
		store:    &fakeStore{},
		hub:      &fakeHub{},
		seeds:    game.NewSeedCollector(cfg.MinClientSeeds),
	}
	f.m = NewManager(cfg, Deps{
		Clock:    clock,
		Rounds:   f.rounds,
		Hub:      f.hub,
		Seeds:    f.seeds,
		Wallet:   f.wallet,
		Sessions: f.sessions,
		Store:    f.store,
		Logger:   log.NewWithOptions(io.Discard, log.Options{Level: log.ErrorLevel}),
	})
	return f
}

func (f *fixture) addPlayer(session, user string, balance int64) *game.Player {
	p := game.NewPlayer(session, user, "op", "Player "+user, "token-"+user, "jetx", "10.0.0.1", decimal.NewFromInt(balance))
	f.sessions.SetPlayer(context.Background(), p)
	return p
}

func (f *fixture) place(t *testing.T, session string, stake int64, auto float64) Wager {
	t.Helper()
	w, err := f.m.Place(context.Background(), PlaceRequest{
		SessionID:   session,
		RoundID:     testRound,
		Amount:      decimal.NewFromInt(stake),
		AutoCashout: auto,
	})
	if err != nil {
		t.Fatalf("Place(%s) failed: %v", session, err)
	}
	return w
}

// startClimb flushes deferred debits and moves the round into the climb.
func (f *fixture) startClimb(ceiling, final float64) {
	f.rounds.set(func(r *game.RoundState) { r.Phase = game.PhaseWebhookSettle; r.FinalMultiplier = final })
	f.m.FlushPending(context.Background(), f.rounds.Current())
	f.climbTo(ceiling)
}

func (f *fixture) climbTo(ceiling float64) {
	f.rounds.set(func(r *game.RoundState) { r.Phase = game.PhaseClimb; r.OngoingMultiplier = ceiling })
}

func (f *fixture) crash() game.RoundState {
	f.rounds.set(func(r *game.RoundState) { r.Phase = game.PhaseCrashed })
	return f.rounds.Current()
}
