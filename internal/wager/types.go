package wager

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"jetx/internal/game"
	"jetx/internal/wallet"
)

// Wallet moves money on the operator side.
type Wallet interface {
	Debit(ctx context.Context, token string, txn wallet.Transaction) error
	Credit(ctx context.Context, token string, txn wallet.Transaction) error
}

// Sessions is the player cache keyed by connection session. GetPlayer
// returns (nil, nil) for an unknown session.
type Sessions interface {
	GetPlayer(ctx context.Context, sessionID string) (*game.Player, error)
	SetPlayer(ctx context.Context, player *game.Player) error
	DeletePlayer(ctx context.Context, sessionID string) error
}

// Store persists finished wager data in batches.
type Store interface {
	InsertBets(ctx context.Context, bets []BetRecord) error
	InsertSettlements(ctx context.Context, settlements []Settlement) error
	InsertRoundStats(ctx context.Context, stats RoundStats) error
}

// SeedSink receives client seeds for the round being bet on.
type SeedSink interface {
	Add(participant, seed string)
	Remove(participant string)
}

// DebitState tracks the operator debit behind a wager.
type DebitState int

const (
	// DebitPending: accepted optimistically, not sent to the wallet yet.
	DebitPending DebitState = iota
	// DebitInFlight: the wallet call is running.
	DebitInFlight
	DebitConfirmed
)

func (s DebitState) String() string {
	switch s {
	case DebitPending:
		return "pending"
	case DebitInFlight:
		return "in_flight"
	default:
		return "confirmed"
	}
}

// Wager is an open bet. It is only mutated under the manager's mutex by a
// caller holding the owner's identity lock.
type Wager struct {
	ID          BetID
	BetID       string
	SessionID   string
	Identity    string
	Name        string
	Image       int
	Token       string
	IP          string
	GameID      string
	Stake       decimal.Decimal
	AutoCashout float64
	PlacedAt    time.Time

	Debit           DebitState
	DebitTxn        wallet.Transaction
	Detached        bool
	CancelRequested bool
	autoTriggered   bool
}

// Public is the sanitized broadcast form of a new bet.
func (w Wager) Public() PublicBet {
	return PublicBet{
		BetID:          w.BetID,
		MaxAutoCashout: formatAuto(w.AutoCashout),
		Name:           game.MaskName(w.Name),
		Image:          w.Image,
	}
}

func (w Wager) record() BetRecord {
	return BetRecord{
		BetID:       w.BetID,
		RoundID:     w.ID.RoundID,
		UserID:      w.ID.UserID,
		OperatorID:  w.ID.OperatorID,
		Stake:       w.Stake,
		AutoCashout: w.AutoCashout,
		DebitTxnID:  w.DebitTxn.TxnID,
		PlacedAt:    w.PlacedAt,
	}
}

// BetRecord is the persisted row of a confirmed bet.
type BetRecord struct {
	BetID       string
	RoundID     int64
	UserID      string
	OperatorID  string
	Stake       decimal.Decimal
	AutoCashout float64
	DebitTxnID  string
	PlacedAt    time.Time
}

type Outcome string

const (
	OutcomeWin  Outcome = "win"
	OutcomeLoss Outcome = "loss"
)

// Settlement is the terminal record of a wager.
type Settlement struct {
	BetID       string
	RoundID     int64
	SessionID   string
	UserID      string
	OperatorID  string
	Name        string
	Image       int
	Stake       decimal.Decimal
	AutoCashout float64
	Multiplier  float64
	Payout      decimal.Decimal
	Outcome     Outcome
	CreditTxnID string
	SettledAt   time.Time
}

// Public is the sanitized broadcast form of a cash-out.
func (s Settlement) Public(phase game.Phase) PublicCashout {
	return PublicCashout{
		BetID:          s.BetID,
		MaxAutoCashout: formatAuto(s.AutoCashout),
		MaxMult:        game.FormatMultiplier(s.Multiplier),
		PlaneStatus:    phase.Code(),
		FinalAmount:    s.Payout.StringFixed(2),
	}
}

// RoundStats aggregates one round's settlements.
type RoundStats struct {
	RoundID       int64
	Multiplier    float64
	TotalPlayers  int
	TotalBets     int
	Wins          int
	Losses        int
	TotalStake    decimal.Decimal
	TotalPayout   decimal.Decimal
	Profit        decimal.Decimal
	BiggestWin    decimal.Decimal
	BiggestWinner string
	BiggestLoss   decimal.Decimal
	BiggestLoser  string
}

type PublicBet struct {
	BetID          string `json:"bet_id"`
	MaxAutoCashout string `json:"maxAutoCashout"`
	Name           string `json:"name"`
	Image          int    `json:"image"`
}

type PublicCashout struct {
	BetID          string `json:"bet_id"`
	MaxAutoCashout string `json:"maxAutoCashout"`
	MaxMult        string `json:"max_mult"`
	PlaneStatus    int    `json:"plane_status"`
	FinalAmount    string `json:"final_amount"`
}

type CancelEvent struct {
	BetID  string `json:"bet_id"`
	Action string `json:"action"`
}

// GameStatus is the round's public wager state, sent on connect and on RC.
type GameStatus struct {
	RoundID  int64           `json:"round_id"`
	Bets     []PublicBet     `json:"bets"`
	Cashouts []PublicCashout `json:"cashouts"`
}

type PlaceRequest struct {
	SessionID   string
	RoundID     int64
	Amount      decimal.Decimal
	AutoCashout float64
	Button      int
	ClientSeed  string
}

type CashOutRequest struct {
	SessionID   string
	BetID       string
	Multiplier  float64
	AutoCashout float64
	Automatic   bool
}

type CancelRequest struct {
	SessionID string
	BetID     string
}

func formatAuto(m float64) string {
	if m <= 0 {
		return "0.00"
	}
	return game.FormatMultiplier(m)
}
