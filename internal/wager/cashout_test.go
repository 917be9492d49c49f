package wager

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jetx/internal/config"
	"jetx/internal/game"
	"jetx/internal/wallet"
)

func TestCashOut_Manual(t *testing.T) {
	f := newFixture(t, config.DebitDeferred)
	f.addPlayer("s1", "alice", 1000)
	w := f.place(t, "s1", 100, 0)
	f.startClimb(2.5, 10)

	s, err := f.m.CashOut(context.Background(), CashOutRequest{SessionID: "s1", BetID: w.BetID, Multiplier: 2})
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, OutcomeWin, s.Outcome)
	assert.Equal(t, 2.0, s.Multiplier)
	assert.Equal(t, "200.00", s.Payout.StringFixed(2))

	_, credits := f.wallet.counts()
	require.Equal(t, 1, credits)
	credit := f.wallet.credits[0]
	assert.Equal(t, wallet.TxnCredit, credit.TxnType)
	assert.Equal(t, "200.00", credit.Amount)
	assert.Equal(t, w.DebitTxn.TxnID, credit.TxnRefID)

	assert.True(t, decimal.NewFromInt(1100).Equal(f.sessions.balance("s1")))
	require.Len(t, f.hub.broadcasted(game.EventCashout), 1)
	assert.Len(t, f.hub.sentTo("s1", game.EventSingleCashout), 1)
}

func TestCashOut_Idempotent(t *testing.T) {
	f := newFixture(t, config.DebitDeferred)
	f.addPlayer("s1", "alice", 1000)
	w := f.place(t, "s1", 100, 0)
	f.startClimb(3, 10)

	req := CashOutRequest{SessionID: "s1", BetID: w.BetID, Multiplier: 1.5}
	first, err := f.m.CashOut(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := f.m.CashOut(context.Background(), req)
	assert.NoError(t, err)
	assert.Nil(t, second)

	_, credits := f.wallet.counts()
	assert.Equal(t, 1, credits)
	assert.Len(t, f.m.Settlements(), 1)
}

func TestCashOut_ConcurrentDuplicates(t *testing.T) {
	f := newFixture(t, config.DebitDeferred)
	f.addPlayer("s1", "alice", 1000)
	f.addPlayer("s2", "alice", 1000) // reconnect race: same identity, new session
	w := f.place(t, "s1", 100, 0)
	f.startClimb(3, 10)

	var wg sync.WaitGroup
	settled := make(chan *Settlement, 40)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			session := "s1"
			if i%2 == 1 {
				session = "s2"
			}
			s, err := f.m.CashOut(context.Background(), CashOutRequest{SessionID: session, BetID: w.BetID, Multiplier: 2})
			assert.NoError(t, err)
			settled <- s
		}(i)
	}
	wg.Wait()
	close(settled)

	n := 0
	for s := range settled {
		if s != nil {
			n++
		}
	}
	assert.Equal(t, 1, n)
	_, credits := f.wallet.counts()
	assert.Equal(t, 1, credits)
	assert.Len(t, f.m.Settlements(), 1)
}

func TestCashOut_AutomaticAboveCeilingRejected(t *testing.T) {
	f := newFixture(t, config.DebitDeferred)
	f.addPlayer("s1", "alice", 1000)
	w := f.place(t, "s1", 100, 0)
	f.startClimb(2.5, 10)

	s, err := f.m.CashOut(context.Background(), CashOutRequest{SessionID: "s1", BetID: w.BetID, Multiplier: 3, Automatic: true})
	assert.ErrorIs(t, err, ErrCheatMultiplier)
	assert.Nil(t, s)

	_, open := f.m.OpenWager(w.BetID)
	assert.True(t, open, "rejected cash out leaves the wager open")
	_, credits := f.wallet.counts()
	assert.Zero(t, credits)
}

func TestCashOut_ManualAboveCeilingClamped(t *testing.T) {
	f := newFixture(t, config.DebitDeferred)
	f.addPlayer("s1", "alice", 1000)
	w := f.place(t, "s1", 100, 0)
	f.startClimb(2.5, 10)

	s, err := f.m.CashOut(context.Background(), CashOutRequest{SessionID: "s1", BetID: w.BetID, Multiplier: 3})
	require.NoError(t, err)
	assert.Equal(t, 2.5, s.Multiplier)
	assert.Equal(t, "250.00", s.Payout.StringFixed(2))
}

func TestEffectiveMultiplier(t *testing.T) {
	w := &Wager{AutoCashout: 2}
	tests := []struct {
		name    string
		req     CashOutRequest
		ceiling float64
		want    float64
		wantErr error
	}{
		{"declared auto reached", CashOutRequest{Multiplier: 2.3, AutoCashout: 2, Automatic: true}, 2.5, 2, nil},
		{"declared auto mismatch uses request", CashOutRequest{Multiplier: 2.3, AutoCashout: 1.8}, 2.5, 2.3, nil},
		{"declared auto not reached", CashOutRequest{Multiplier: 1.9, AutoCashout: 2}, 1.9, 1.9, nil},
		{"automatic above ceiling", CashOutRequest{Multiplier: 2.6, Automatic: true}, 2.5, 0, ErrCheatMultiplier},
		{"manual above ceiling", CashOutRequest{Multiplier: 2.6}, 2.5, 2.5, nil},
		{"below one", CashOutRequest{Multiplier: 0.5}, 2.5, 0, ErrCheatMultiplier},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := effectiveMultiplier(w, tt.req, tt.ceiling)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCashOut_Rejections(t *testing.T) {
	f := newFixture(t, config.DebitDeferred)
	f.addPlayer("s1", "alice", 1000)
	f.addPlayer("s2", "bob", 1000)
	w := f.place(t, "s1", 100, 0)

	_, err := f.m.CashOut(context.Background(), CashOutRequest{SessionID: "s1", BetID: w.BetID, Multiplier: 1})
	assert.ErrorIs(t, err, ErrCashoutClosed, "not climbing yet")

	f.startClimb(2, 10)

	_, err = f.m.CashOut(context.Background(), CashOutRequest{SessionID: "s2", BetID: w.BetID, Multiplier: 1.5})
	assert.ErrorIs(t, err, ErrBetNotFound, "someone else's bet")

	_, err = f.m.CashOut(context.Background(), CashOutRequest{SessionID: "s1", BetID: "b:1:2:3", Multiplier: 1.5})
	assert.ErrorIs(t, err, ErrInvalidBetID)

	_, err = f.m.CashOut(context.Background(), CashOutRequest{SessionID: "s1", BetID: "b:1700000000000:55:alice:op:0", Multiplier: 1.5})
	assert.ErrorIs(t, err, ErrBetNotFound)

	f.crash()
	_, err = f.m.CashOut(context.Background(), CashOutRequest{SessionID: "s1", BetID: w.BetID, Multiplier: 1.5})
	assert.ErrorIs(t, err, ErrCashoutClosed, "crashed")
}

func TestCashOut_CreditFailureStillSettles(t *testing.T) {
	f := newFixture(t, config.DebitDeferred)
	f.addPlayer("s1", "alice", 1000)
	w := f.place(t, "s1", 100, 0)
	f.startClimb(2, 10)
	f.wallet.creditErr = wallet.ErrUnavailable

	s, err := f.m.CashOut(context.Background(), CashOutRequest{SessionID: "s1", BetID: w.BetID, Multiplier: 2})
	require.NoError(t, err)
	require.NotNil(t, s)

	assert.True(t, decimal.NewFromInt(900).Equal(f.sessions.balance("s1")), "cached balance not credited")
	assert.Len(t, f.m.Settlements(), 1)

	again, err := f.m.CashOut(context.Background(), CashOutRequest{SessionID: "s1", BetID: w.BetID, Multiplier: 2})
	assert.NoError(t, err)
	assert.Nil(t, again, "no second credit attempt")
	_, credits := f.wallet.counts()
	assert.Equal(t, 1, credits)
}

func TestCashOut_PayoutCapped(t *testing.T) {
	f := newFixture(t, config.DebitDeferred)
	f.m.cfg.MaxCashout = decimal.NewFromInt(150)
	f.addPlayer("s1", "alice", 1000)
	w := f.place(t, "s1", 100, 0)
	f.startClimb(5, 10)

	s, err := f.m.CashOut(context.Background(), CashOutRequest{SessionID: "s1", BetID: w.BetID, Multiplier: 4})
	require.NoError(t, err)
	assert.Equal(t, "150.00", s.Payout.StringFixed(2))
}

func TestTriggerAutoCashouts(t *testing.T) {
	f := newFixture(t, config.DebitDeferred)
	f.addPlayer("s1", "alice", 1000)
	f.addPlayer("s2", "bob", 1000)
	reached := f.place(t, "s1", 100, 1.5)
	later := f.place(t, "s2", 100, 3)
	f.startClimb(1.5, 10)

	f.m.TriggerAutoCashouts(context.Background(), f.rounds.Current())
	f.m.TriggerAutoCashouts(context.Background(), f.rounds.Current())
	f.m.auto.Wait()

	settlements := f.m.Settlements()
	require.Len(t, settlements, 1)
	assert.Equal(t, reached.BetID, settlements[0].BetID)
	assert.Equal(t, "150.00", settlements[0].Payout.StringFixed(2))

	_, open := f.m.OpenWager(later.BetID)
	assert.True(t, open)
	_, credits := f.wallet.counts()
	assert.Equal(t, 1, credits)
}
