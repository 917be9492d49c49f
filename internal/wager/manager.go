package wager

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/shopspring/decimal"

	"jetx/internal/config"
	"jetx/internal/game"
	"jetx/internal/metrics"
	"jetx/internal/wallet"
)

// Manager is the wager session manager. Every operation on a player's wagers
// runs under that player's identity lock; the mutex only guards the maps.
type Manager struct {
	cfg      config.Config
	clock    quartz.Clock
	rounds   game.RoundSource
	hub      game.Publisher
	seeds    SeedSink
	wallet   Wallet
	sessions Sessions
	store    Store
	locks    *KeyedLock

	logger        *log.Logger
	betLog        *log.Logger
	cashoutLog    *log.Logger
	settleLog     *log.Logger
	failedBet     *log.Logger
	failedCashout *log.Logger
	failedCancel  *log.Logger

	mu            sync.Mutex
	open          map[string]*Wager
	byIdentity    map[string]string
	settlements   []Settlement
	cashedOut     map[string]struct{}
	unpersisted   map[string]BetRecord
	closedRound   int64
	lastRoundBets int
	auto          sync.WaitGroup
}

type Deps struct {
	Clock    quartz.Clock
	Rounds   game.RoundSource
	Hub      game.Publisher
	Seeds    SeedSink
	Wallet   Wallet
	Sessions Sessions
	Store    Store
	Logger   *log.Logger
}

func NewManager(cfg config.Config, deps Deps) *Manager {
	return &Manager{
		cfg:           cfg,
		clock:         deps.Clock,
		rounds:        deps.Rounds,
		hub:           deps.Hub,
		seeds:         deps.Seeds,
		wallet:        deps.Wallet,
		sessions:      deps.Sessions,
		store:         deps.Store,
		locks:         NewKeyedLock(),
		logger:        deps.Logger,
		betLog:        deps.Logger.WithPrefix("BET"),
		cashoutLog:    deps.Logger.WithPrefix("CASHOUT"),
		settleLog:     deps.Logger.WithPrefix("SETTLE"),
		failedBet:     deps.Logger.WithPrefix("FAILED_BET"),
		failedCashout: deps.Logger.WithPrefix("FAILED_CASHOUT"),
		failedCancel:  deps.Logger.WithPrefix("FAILED_CANCEL"),
		open:          make(map[string]*Wager),
		byIdentity:    make(map[string]string),
		cashedOut:     make(map[string]struct{}),
		unpersisted:   make(map[string]BetRecord),
	}
}

// Place validates and records a bet. In immediate debit mode the wallet is
// debited before the bet becomes visible; in deferred mode the debit waits
// for FlushPending.
func (m *Manager) Place(ctx context.Context, req PlaceRequest) (Wager, error) {
	w, err := m.place(ctx, req)
	if err != nil {
		metrics.BetsRejected.WithLabelValues("bet", Reason(err)).Inc()
		m.failedBet.Error("Bet rejected", "req", req, "reason", err)
		return Wager{}, err
	}
	return w, nil
}

func (m *Manager) place(ctx context.Context, req PlaceRequest) (Wager, error) {
	round := m.rounds.Current()
	if req.RoundID != round.RoundID {
		return Wager{}, ErrInvalidRound
	}
	if round.Phase != game.PhaseBetting || m.clock.Since(round.StartedAt) > m.cfg.BetStaleAfter {
		return Wager{}, ErrBettingClosed
	}
	if req.Amount.LessThan(m.cfg.MinBetAmount) || req.Amount.GreaterThan(m.cfg.MaxBetAmount) {
		return Wager{}, fmt.Errorf("%w: %s", ErrInvalidAmount, req.Amount)
	}
	if req.AutoCashout != 0 && (req.AutoCashout < 1.01 || req.AutoCashout > game.MAX_MULTIPLIER) {
		return Wager{}, fmt.Errorf("%w: auto cashout %.2f", ErrInvalidAmount, req.AutoCashout)
	}

	player, err := m.player(ctx, req.SessionID)
	if err != nil {
		return Wager{}, err
	}
	release, err := m.locks.Acquire(ctx, player.Identity())
	if err != nil {
		return Wager{}, err
	}
	defer release()

	// The balance may have moved while we waited for the lock.
	if player, err = m.player(ctx, req.SessionID); err != nil {
		return Wager{}, err
	}
	if player.Balance.LessThan(req.Amount) {
		return Wager{}, ErrInsufficientBalance
	}

	id := BetID{
		RoundID:    req.RoundID,
		Stake:      req.Amount,
		UserID:     player.UserID,
		OperatorID: player.OperatorID,
		Nonce:      req.Button,
	}
	w := &Wager{
		ID:          id,
		BetID:       id.String(),
		SessionID:   player.SessionID,
		Identity:    player.Identity(),
		Name:        player.Name,
		Image:       player.Image,
		Token:       player.Token,
		IP:          player.IP,
		GameID:      player.GameID,
		Stake:       req.Amount,
		AutoCashout: game.RoundMultiplier(req.AutoCashout),
		PlacedAt:    m.clock.Now(),
		DebitTxn:    wallet.DebitTxn(req.RoundID, req.Amount, player.UserID, player.GameID, player.IP, id.String(), player.SessionID),
	}
	immediate := m.cfg.DebitMode == config.DebitImmediate
	if immediate {
		w.Debit = DebitInFlight
	}

	if err := m.reserve(w); err != nil {
		return Wager{}, err
	}

	if immediate {
		err := m.wallet.Debit(ctx, w.Token, w.DebitTxn)
		metrics.WalletCalls.WithLabelValues("debit", metrics.WalletResult(err)).Inc()
		if err != nil {
			m.drop(w.BetID)
			return Wager{}, fmt.Errorf("debit: %w", err)
		}
		m.mu.Lock()
		m.confirm(w)
		m.mu.Unlock()
	}

	player.Balance = player.Balance.Sub(req.Amount)
	if err := m.sessions.SetPlayer(ctx, player); err != nil {
		m.failedBet.Error("Balance cache update failed", "bet_id", w.BetID, "err", err)
	}

	seed := req.ClientSeed
	if seed == "" {
		seed = game.GenerateClientSeed()
	}
	m.seeds.Add(w.Identity, seed)

	metrics.BetsPlaced.Inc()
	metrics.StakeTotal.Add(req.Amount.InexactFloat64())
	m.betLog.Info("Bet placed", "bet_id", w.BetID, "session", w.SessionID, "auto", w.AutoCashout, "debit", m.cfg.DebitMode)

	m.hub.Broadcast(game.EventBet, w.Public())
	m.hub.SendTo(player.SessionID, game.EventInfo, player.Info())

	m.mu.Lock()
	defer m.mu.Unlock()
	return *w, nil
}

// reserve registers w unless the identity already has a bet this round or the
// round's pending debits have already been flushed.
func (m *Manager) reserve(w *Wager) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closedRound == w.ID.RoundID {
		return ErrBettingClosed
	}
	if existing, ok := m.byIdentity[w.Identity]; ok {
		if ow := m.open[existing]; ow != nil && ow.ID.RoundID == w.ID.RoundID {
			return ErrDuplicateBet
		}
	}
	for _, s := range m.settlements {
		if s.BetID == w.BetID {
			return ErrDuplicateBet
		}
	}
	m.open[w.BetID] = w
	m.byIdentity[w.Identity] = w.BetID
	return nil
}

// drop removes an open wager without settling it.
func (m *Manager) drop(betID string) *Wager {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.open[betID]
	if !ok {
		return nil
	}
	delete(m.open, betID)
	if m.byIdentity[w.Identity] == betID {
		delete(m.byIdentity, w.Identity)
	}
	return w
}

// confirm marks w debited and queues its bet row. Callers hold m.mu.
func (m *Manager) confirm(w *Wager) {
	w.Debit = DebitConfirmed
	m.unpersisted[w.BetID] = w.record()
}

// Cancel withdraws a bet during the betting window. Bets whose debit has not
// been sent are removed and refunded in the cache only. A bet whose debit is
// in flight is marked, and the stake is returned once the debit confirms.
func (m *Manager) Cancel(ctx context.Context, req CancelRequest) error {
	err := m.cancel(ctx, req)
	if err != nil {
		metrics.BetsRejected.WithLabelValues("cancel", Reason(err)).Inc()
		m.failedCancel.Error("Cancel rejected", "req", req, "reason", err)
	}
	return err
}

func (m *Manager) cancel(ctx context.Context, req CancelRequest) error {
	id, err := ParseBetID(req.BetID)
	if err != nil {
		return err
	}
	player, err := m.player(ctx, req.SessionID)
	if err != nil {
		return err
	}
	if id.Identity() != player.Identity() {
		return ErrBetNotFound
	}
	release, err := m.locks.Acquire(ctx, player.Identity())
	if err != nil {
		return err
	}
	defer release()

	round := m.rounds.Current()
	m.mu.Lock()
	w, ok := m.open[req.BetID]
	switch {
	case !ok:
		m.mu.Unlock()
		return ErrBetNotFound
	case w.Debit == DebitInFlight && round.RoundID == w.ID.RoundID &&
		(round.Phase == game.PhaseBetting || round.Phase == game.PhaseWebhookSettle):
		w.CancelRequested = true
		m.mu.Unlock()
		m.betLog.Info("Cancel deferred until debit resolves", "bet_id", req.BetID)
		return nil
	case round.Phase != game.PhaseBetting || round.RoundID != w.ID.RoundID || m.closedRound == round.RoundID:
		m.mu.Unlock()
		return ErrCancelClosed
	case w.Debit == DebitConfirmed:
		m.mu.Unlock()
		return ErrCancelClosed
	}
	m.mu.Unlock()

	m.drop(req.BetID)
	m.seeds.Remove(w.Identity)
	m.refundCache(ctx, w)
	m.hub.Broadcast(game.EventBet, CancelEvent{BetID: w.BetID, Action: "cancel"})
	m.betLog.Info("Bet cancelled", "bet_id", w.BetID)
	return nil
}

// refundCache returns a never-debited stake to the cached balance.
func (m *Manager) refundCache(ctx context.Context, w *Wager) {
	player, err := m.sessions.GetPlayer(ctx, w.SessionID)
	if err != nil || player == nil {
		return
	}
	player.Balance = player.Balance.Add(w.Stake)
	if err := m.sessions.SetPlayer(ctx, player); err != nil {
		m.failedCancel.Error("Balance cache refund failed", "bet_id", w.BetID, "err", err)
		return
	}
	m.hub.SendTo(w.SessionID, game.EventInfo, player.Info())
}

func (m *Manager) player(ctx context.Context, sessionID string) (*game.Player, error) {
	p, err := m.sessions.GetPlayer(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load player: %w", err)
	}
	if p == nil {
		return nil, ErrPlayerNotFound
	}
	return p, nil
}

// GameStatus lists the current round's open bets and cash-outs.
func (m *Manager) GameStatus() GameStatus {
	round := m.rounds.Current()
	m.mu.Lock()
	defer m.mu.Unlock()

	status := GameStatus{RoundID: round.RoundID, Bets: []PublicBet{}, Cashouts: []PublicCashout{}}
	for _, w := range m.open {
		status.Bets = append(status.Bets, w.Public())
	}
	for _, s := range m.settlements {
		if s.Outcome == OutcomeWin {
			status.Bets = append(status.Bets, PublicBet{BetID: s.BetID, MaxAutoCashout: formatAuto(s.AutoCashout), Name: game.MaskName(s.Name), Image: s.Image})
			status.Cashouts = append(status.Cashouts, s.Public(round.Phase))
		}
	}
	return status
}

// OpenWager returns the open wager of a bet id.
func (m *Manager) OpenWager(betID string) (Wager, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.open[betID]
	if !ok {
		return Wager{}, false
	}
	return *w, true
}

// Settlements returns this round's settlements so far.
func (m *Manager) Settlements() []Settlement {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Settlement(nil), m.settlements...)
}

// LastRoundBets is the number of wagers settled in the previous round.
func (m *Manager) LastRoundBets() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRoundBets
}

// Notify reports a failed operation to the player.
func (m *Manager) Notify(sessionID string, err error) {
	if errors.Is(err, wallet.ErrSessionExpired) {
		m.logout(context.Background(), sessionID)
		return
	}
	m.hub.SendTo(sessionID, game.EventBetError, err.Error())
}

func (m *Manager) logout(ctx context.Context, sessionID string) {
	if err := m.sessions.DeletePlayer(ctx, sessionID); err != nil {
		m.logger.Error("Failed to drop expired session", "session", sessionID, "err", err)
	}
	m.hub.SendTo(sessionID, game.EventLogout, "Session expired")
	m.hub.Disconnect(sessionID)
}

func payout(stake decimal.Decimal, multiplier float64, ceiling decimal.Decimal) decimal.Decimal {
	amount := stake.Mul(decimal.NewFromFloat(multiplier))
	if amount.GreaterThan(ceiling) {
		amount = ceiling
	}
	return amount.Round(2)
}
