package wager

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"jetx/internal/game"
	"jetx/internal/metrics"
	"jetx/internal/wallet"
)

// FlushPending closes betting for the round and sends every deferred debit.
// All calls run concurrently and each outcome is applied on its own: a
// confirmed bet is persisted, a rejected one is rolled back and the player
// told why. Debits are not retried; bet rows that fail to store here are
// written again at settlement.
func (m *Manager) FlushPending(ctx context.Context, round game.RoundState) {
	m.mu.Lock()
	m.closedRound = round.RoundID
	var pending []*Wager
	for _, w := range m.open {
		if w.ID.RoundID == round.RoundID && w.Debit == DebitPending {
			w.Debit = DebitInFlight
			pending = append(pending, w)
		}
	}
	m.mu.Unlock()

	if len(pending) > 0 {
		results := make([]error, len(pending))
		var g errgroup.Group
		for i, w := range pending {
			g.Go(func() error {
				results[i] = m.wallet.Debit(ctx, w.Token, w.DebitTxn)
				metrics.WalletCalls.WithLabelValues("debit", metrics.WalletResult(results[i])).Inc()
				return nil
			})
		}
		g.Wait()

		var resolve errgroup.Group
		for i, w := range pending {
			resolve.Go(func() error {
				m.resolveDebit(ctx, w, results[i])
				return nil
			})
		}
		resolve.Wait()
		m.logger.Info("Deferred debits resolved", "round", round.RoundID, "count", len(pending))
	}

	if err := m.persistBets(ctx, round.RoundID); err != nil {
		m.settleLog.Warn("Bets not persisted, retrying at settlement", "round", round.RoundID, "err", err)
	}
}

func (m *Manager) resolveDebit(ctx context.Context, w *Wager, debitErr error) {
	release, err := m.locks.Acquire(context.WithoutCancel(ctx), w.Identity)
	if err != nil {
		return
	}
	defer release()

	if debitErr == nil {
		m.mu.Lock()
		m.confirm(w)
		cancelled, detached := w.CancelRequested, w.Detached
		w.CancelRequested = false
		m.mu.Unlock()

		switch {
		case cancelled:
			m.refundCancelled(context.WithoutCancel(ctx), w)
		case detached:
			m.scheduleRefundCashOut(ctx, w)
		}
		return
	}

	m.failedBet.Error("Deferred debit failed, rolling back", "bet_id", w.BetID, "txn", w.DebitTxn, "err", debitErr)
	m.drop(w.BetID)
	m.refundCache(ctx, w)
	m.hub.Broadcast(game.EventBet, CancelEvent{BetID: w.BetID, Action: "cancel"})
	if errors.Is(debitErr, wallet.ErrSessionExpired) {
		m.logout(ctx, w.SessionID)
		return
	}
	m.hub.SendTo(w.SessionID, game.EventBetError, "Bet cancelled by upstream: "+debitErr.Error())
}

// refundCancelled honours a cancel that arrived while the debit was in
// flight: the now debited stake is returned through a 1.00 cash-out. The
// caller holds the owner's identity lock.
func (m *Manager) refundCancelled(ctx context.Context, w *Wager) {
	m.seeds.Remove(w.Identity)
	_, err := m.cashOutLocked(ctx, w.BetID, func(*Wager, game.RoundState) (float64, error) {
		return game.MIN_MULTIPLIER, nil
	})
	if err != nil {
		m.failedCancel.Error("Refund of cancelled bet failed", "bet_id", w.BetID, "err", err)
		return
	}
	m.betLog.Info("Bet cancelled after debit, stake returned", "bet_id", w.BetID)
}

// persistBets writes the queued rows of confirmed bets up to roundID. Rows
// leave the queue only once stored, so a failed write is retried by the
// next call even after the wager itself has been settled.
func (m *Manager) persistBets(ctx context.Context, roundID int64) error {
	m.mu.Lock()
	var records []BetRecord
	for _, r := range m.unpersisted {
		if r.RoundID <= roundID {
			records = append(records, r)
		}
	}
	m.mu.Unlock()

	if len(records) == 0 {
		return nil
	}
	if err := m.store.InsertBets(ctx, records); err != nil {
		m.settleLog.Error("Failed to persist bets", "round", roundID, "count", len(records), "err", err)
		return fmt.Errorf("insert bets: %w", err)
	}
	m.mu.Lock()
	for _, r := range records {
		delete(m.unpersisted, r.BetID)
	}
	m.mu.Unlock()
	return nil
}

// scheduleRefundCashOut settles a disconnected player's confirmed wager at
// 1.00 after a short delay, returning the stake.
func (m *Manager) scheduleRefundCashOut(ctx context.Context, w *Wager) {
	identity, betID := w.Identity, w.BetID
	m.clock.AfterFunc(m.cfg.DisconnectCashoutDelay, func() {
		if _, err := m.forceCashOut(context.WithoutCancel(ctx), identity, betID, game.MIN_MULTIPLIER); err != nil {
			m.failedCashout.Error("Disconnect refund failed", "bet_id", betID, "err", err)
		}
	}, "wager", "disconnect")
}
