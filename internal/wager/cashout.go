package wager

import (
	"context"
	"fmt"

	"jetx/internal/game"
	"jetx/internal/metrics"
	"jetx/internal/wallet"
)

// CashOut settles a player's wager at the requested multiplier. A bet id that
// was already cashed out this round is a no-op returning (nil, nil).
func (m *Manager) CashOut(ctx context.Context, req CashOutRequest) (*Settlement, error) {
	s, err := m.cashOutRequest(ctx, req)
	if err != nil {
		metrics.BetsRejected.WithLabelValues("cashout", Reason(err)).Inc()
		m.failedCashout.Error("Cash out rejected", "req", req, "reason", err)
	}
	return s, err
}

func (m *Manager) cashOutRequest(ctx context.Context, req CashOutRequest) (*Settlement, error) {
	id, err := ParseBetID(req.BetID)
	if err != nil {
		return nil, err
	}
	player, err := m.player(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if id.Identity() != player.Identity() {
		return nil, ErrBetNotFound
	}

	release, err := m.locks.Acquire(ctx, id.Identity())
	if err != nil {
		return nil, err
	}
	defer release()

	return m.cashOutLocked(ctx, id.String(), func(w *Wager, round game.RoundState) (float64, error) {
		if round.Phase != game.PhaseClimb || round.RoundID != w.ID.RoundID {
			return 0, ErrCashoutClosed
		}
		return effectiveMultiplier(w, req, round.OngoingMultiplier)
	})
}

// effectiveMultiplier picks the multiplier a client cash-out settles at. The
// declared auto threshold wins when it matches and has been reached.
// Automatic requests above the ceiling are rejected; manual ones are clamped.
func effectiveMultiplier(w *Wager, req CashOutRequest, ceiling float64) (float64, error) {
	mult := game.RoundMultiplier(req.Multiplier)
	if w.AutoCashout > 0 && game.RoundMultiplier(req.AutoCashout) == w.AutoCashout && w.AutoCashout <= ceiling {
		mult = w.AutoCashout
	}
	if mult > ceiling {
		if req.Automatic {
			return 0, fmt.Errorf("%w: %.2f > %.2f", ErrCheatMultiplier, mult, ceiling)
		}
		mult = ceiling
	}
	if mult < game.MIN_MULTIPLIER {
		return 0, fmt.Errorf("%w: %.2f", ErrCheatMultiplier, mult)
	}
	return mult, nil
}

// forceCashOut settles a wager at an explicit multiplier on the server's
// behalf (auto threshold reached, disconnect). It takes the owner's lock, so
// it serializes with client requests for the same bet.
func (m *Manager) forceCashOut(ctx context.Context, identity, betID string, mult float64) (*Settlement, error) {
	release, err := m.locks.Acquire(ctx, identity)
	if err != nil {
		return nil, err
	}
	defer release()

	return m.cashOutLocked(ctx, betID, func(*Wager, game.RoundState) (float64, error) {
		return mult, nil
	})
}

// cashOutLocked must run under the wager owner's identity lock. The wager is
// marked settled before the credit call; a failed credit is logged for
// reconciliation and leaves the cached balance untouched.
func (m *Manager) cashOutLocked(ctx context.Context, betID string, pick func(*Wager, game.RoundState) (float64, error)) (*Settlement, error) {
	round := m.rounds.Current()

	m.mu.Lock()
	if _, done := m.cashedOut[betID]; done {
		m.mu.Unlock()
		m.cashoutLog.Debug("Duplicate cash out ignored", "bet_id", betID)
		return nil, nil
	}
	w, ok := m.open[betID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrBetNotFound
	}
	if w.Debit != DebitConfirmed {
		m.mu.Unlock()
		return nil, ErrCashoutClosed
	}
	mult, err := pick(w, round)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}

	s := Settlement{
		BetID:       w.BetID,
		RoundID:     w.ID.RoundID,
		SessionID:   w.SessionID,
		UserID:      w.ID.UserID,
		OperatorID:  w.ID.OperatorID,
		Name:        w.Name,
		Image:       w.Image,
		Stake:       w.Stake,
		AutoCashout: w.AutoCashout,
		Multiplier:  mult,
		Payout:      payout(w.Stake, mult, m.cfg.MaxCashout),
		Outcome:     OutcomeWin,
		SettledAt:   m.clock.Now(),
	}
	credit := wallet.CreditTxn(s.RoundID, s.Payout, s.UserID, w.GameID, w.IP, w.DebitTxn.TxnID)
	s.CreditTxnID = credit.TxnID

	delete(m.open, betID)
	if m.byIdentity[w.Identity] == betID {
		delete(m.byIdentity, w.Identity)
	}
	m.cashedOut[betID] = struct{}{}
	m.settlements = append(m.settlements, s)
	m.mu.Unlock()

	metrics.Settlements.WithLabelValues(string(OutcomeWin)).Inc()
	metrics.PayoutTotal.Add(s.Payout.InexactFloat64())

	err = m.wallet.Credit(ctx, w.Token, credit)
	metrics.WalletCalls.WithLabelValues("credit", metrics.WalletResult(err)).Inc()
	if err != nil {
		m.failedCashout.Error("Credit failed, settlement kept", "settlement", s, "txn", credit, "err", err)
	} else {
		m.creditCache(ctx, w, s)
	}

	m.cashoutLog.Info("Cashed out", "bet_id", s.BetID, "multiplier", game.FormatMultiplier(mult), "payout", s.Payout.StringFixed(2))
	m.hub.SendTo(w.SessionID, game.EventSingleCashout, m.playerCashouts(w.Identity, round.Phase))
	m.hub.Broadcast(game.EventCashout, s.Public(round.Phase))
	return &s, nil
}

func (m *Manager) creditCache(ctx context.Context, w *Wager, s Settlement) {
	player, err := m.sessions.GetPlayer(ctx, w.SessionID)
	if err != nil || player == nil {
		return
	}
	player.Balance = player.Balance.Add(s.Payout)
	if err := m.sessions.SetPlayer(ctx, player); err != nil {
		m.failedCashout.Error("Balance cache update failed", "bet_id", s.BetID, "err", err)
		return
	}
	m.hub.SendTo(w.SessionID, game.EventInfo, player.Info())
}

func (m *Manager) playerCashouts(identity string, phase game.Phase) []PublicCashout {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PublicCashout
	for _, s := range m.settlements {
		if s.Outcome == OutcomeWin && s.OperatorID+":"+s.UserID == identity {
			out = append(out, s.Public(phase))
		}
	}
	return out
}

// TriggerAutoCashouts starts a cash-out for every confirmed wager whose
// threshold the climb has reached. It never blocks the caller.
func (m *Manager) TriggerAutoCashouts(ctx context.Context, round game.RoundState) {
	m.mu.Lock()
	var due []*Wager
	for _, w := range m.open {
		if w.autoTriggered || w.Debit != DebitConfirmed || w.ID.RoundID != round.RoundID {
			continue
		}
		if w.AutoCashout > 0 && w.AutoCashout <= round.OngoingMultiplier {
			w.autoTriggered = true
			due = append(due, w)
		}
	}
	m.mu.Unlock()

	for _, w := range due {
		m.auto.Add(1)
		go func(identity, betID string, mult float64) {
			defer m.auto.Done()
			if _, err := m.forceCashOut(ctx, identity, betID, mult); err != nil {
				m.failedCashout.Error("Auto cash out failed", "bet_id", betID, "err", err)
			}
		}(w.Identity, w.BetID, w.AutoCashout)
	}
}
