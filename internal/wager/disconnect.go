package wager

import (
	"context"

	"jetx/internal/game"
)

// Disconnect resolves a departed session's wagers according to the phase:
//
//	CLIMB           cash out now at min(ceiling, auto threshold)
//	BETTING         drop bets not yet debited; refund confirmed ones at 1.00
//	WEBHOOK_SETTLE  refund at 1.00 once the debit is confirmed
//	CRASHED         nothing; settlement owns the wager
//
// The session's cached player is removed after a short delay.
func (m *Manager) Disconnect(ctx context.Context, sessionID string) {
	round := m.rounds.Current()

	m.mu.Lock()
	var mine []*Wager
	for _, w := range m.open {
		if w.SessionID == sessionID {
			mine = append(mine, w)
		}
	}
	m.mu.Unlock()

	for _, w := range mine {
		m.disconnectWager(ctx, w, round)
	}

	m.clock.AfterFunc(m.cfg.SessionCleanupDelay, func() {
		if err := m.sessions.DeletePlayer(context.WithoutCancel(ctx), sessionID); err != nil {
			m.logger.Error("Failed to drop session", "session", sessionID, "err", err)
		}
	}, "wager", "cleanup")
}

func (m *Manager) disconnectWager(ctx context.Context, w *Wager, round game.RoundState) {
	if round.Phase == game.PhaseClimb && w.ID.RoundID == round.RoundID {
		mult := round.OngoingMultiplier
		if w.AutoCashout > 0 && w.AutoCashout < mult {
			mult = w.AutoCashout
		}
		if _, err := m.forceCashOut(ctx, w.Identity, w.BetID, mult); err != nil {
			m.failedCashout.Error("Disconnect cash out failed", "bet_id", w.BetID, "err", err)
		}
		return
	}
	if round.Phase == game.PhaseCrashed {
		return
	}

	release, err := m.locks.Acquire(ctx, w.Identity)
	if err != nil {
		return
	}
	defer release()

	m.mu.Lock()
	if _, ok := m.open[w.BetID]; !ok {
		m.mu.Unlock()
		return
	}
	w.Detached = true
	state, flushed := w.Debit, m.closedRound == w.ID.RoundID
	m.mu.Unlock()

	switch {
	case state == DebitPending && !flushed:
		m.drop(w.BetID)
		m.seeds.Remove(w.Identity)
		m.hub.Broadcast(game.EventBet, CancelEvent{BetID: w.BetID, Action: "cancel"})
		m.betLog.Info("Discarded bet of disconnected player", "bet_id", w.BetID)
	case state == DebitConfirmed:
		m.scheduleRefundCashOut(ctx, w)
	default:
		// Debit still outstanding; resolveDebit schedules the refund.
	}
}
