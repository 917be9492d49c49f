package wager

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"jetx/internal/game"
	"jetx/internal/metrics"
)

// SettleRound resolves every wager still open at the crash. Wagers whose
// auto threshold was reached go through the cash-out path; the rest lose.
// Settlements and statistics are then persisted and round state is reset.
func (m *Manager) SettleRound(ctx context.Context, round game.RoundState) error {
	// Auto cash-outs started during the climb must land before the loss pass.
	m.auto.Wait()

	m.mu.Lock()
	var open []*Wager
	for _, w := range m.open {
		if w.ID.RoundID == round.RoundID {
			open = append(open, w)
		}
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, w := range open {
		g.Go(func() error {
			if w.AutoCashout > 0 && w.AutoCashout <= round.FinalMultiplier {
				if _, err := m.forceCashOut(ctx, w.Identity, w.BetID, w.AutoCashout); err != nil {
					m.failedCashout.Error("Auto cash out at settlement failed", "bet_id", w.BetID, "err", err)
				}
				return nil
			}
			m.settleLoss(ctx, w.Identity, w.BetID, round)
			return nil
		})
	}
	g.Wait()

	// Bet rows go in before the settlements that reference them.
	var errs []error
	if err := m.persistBets(ctx, round.RoundID); err != nil {
		errs = append(errs, err)
	}

	m.mu.Lock()
	var settlements []Settlement
	for _, s := range m.settlements {
		if s.RoundID == round.RoundID {
			settlements = append(settlements, s)
		}
	}
	m.mu.Unlock()

	if len(settlements) > 0 {
		if err := m.store.InsertSettlements(ctx, settlements); err != nil {
			errs = append(errs, fmt.Errorf("insert settlements: %w", err))
		}
	}
	stats := ComputeStats(round, settlements)
	if err := m.store.InsertRoundStats(ctx, stats); err != nil {
		errs = append(errs, fmt.Errorf("insert round stats: %w", err))
	}

	m.reset(round.RoundID, len(settlements))
	m.settleLog.Info("Round settled",
		"round", round.RoundID,
		"multiplier", game.FormatMultiplier(round.FinalMultiplier),
		"bets", stats.TotalBets,
		"wins", stats.Wins,
		"stake", stats.TotalStake.StringFixed(2),
		"payout", stats.TotalPayout.StringFixed(2),
	)
	return errors.Join(errs...)
}

func (m *Manager) settleLoss(ctx context.Context, identity, betID string, round game.RoundState) {
	release, err := m.locks.Acquire(ctx, identity)
	if err != nil {
		return
	}
	defer release()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, done := m.cashedOut[betID]; done {
		return
	}
	w, ok := m.open[betID]
	if !ok {
		return
	}
	delete(m.open, betID)
	if m.byIdentity[w.Identity] == betID {
		delete(m.byIdentity, w.Identity)
	}
	if w.Debit != DebitConfirmed {
		// Never debited: there is nothing to settle.
		m.settleLog.Warn("Dropping unconfirmed wager at crash", "bet_id", betID, "debit", w.Debit)
		return
	}
	m.cashedOut[betID] = struct{}{}
	m.settlements = append(m.settlements, Settlement{
		BetID:       w.BetID,
		RoundID:     w.ID.RoundID,
		SessionID:   w.SessionID,
		UserID:      w.ID.UserID,
		OperatorID:  w.ID.OperatorID,
		Name:        w.Name,
		Image:       w.Image,
		Stake:       w.Stake,
		AutoCashout: w.AutoCashout,
		Multiplier:  round.FinalMultiplier,
		Payout:      decimal.Zero,
		Outcome:     OutcomeLoss,
		SettledAt:   m.clock.Now(),
	})
	metrics.Settlements.WithLabelValues(string(OutcomeLoss)).Inc()
}

func (m *Manager) reset(roundID int64, settled int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, w := range m.open {
		if w.ID.RoundID <= roundID {
			delete(m.open, id)
			if m.byIdentity[w.Identity] == id {
				delete(m.byIdentity, w.Identity)
			}
		}
	}
	for id, r := range m.unpersisted {
		if r.RoundID < roundID {
			m.settleLog.Error("Giving up on bet row", "bet", r)
			delete(m.unpersisted, id)
		}
	}
	m.settlements = nil
	m.cashedOut = make(map[string]struct{})
	m.lastRoundBets = settled
}

// ComputeStats aggregates a round's settlements.
func ComputeStats(round game.RoundState, settlements []Settlement) RoundStats {
	stats := RoundStats{
		RoundID:      round.RoundID,
		Multiplier:   round.FinalMultiplier,
		TotalPlayers: round.TotalPlayers,
		TotalBets:    len(settlements),
		TotalStake:   decimal.Zero,
		TotalPayout:  decimal.Zero,
		BiggestWin:   decimal.Zero,
		BiggestLoss:  decimal.Zero,
	}
	for _, s := range settlements {
		stats.TotalStake = stats.TotalStake.Add(s.Stake)
		stats.TotalPayout = stats.TotalPayout.Add(s.Payout)
		switch s.Outcome {
		case OutcomeWin:
			stats.Wins++
			if won := s.Payout.Sub(s.Stake); won.GreaterThan(stats.BiggestWin) {
				stats.BiggestWin = won
				stats.BiggestWinner = s.BetID
			}
		case OutcomeLoss:
			stats.Losses++
			if s.Stake.GreaterThan(stats.BiggestLoss) {
				stats.BiggestLoss = s.Stake
				stats.BiggestLoser = s.BetID
			}
		}
	}
	stats.Profit = stats.TotalStake.Sub(stats.TotalPayout)
	return stats
}
