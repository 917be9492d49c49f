package wager

import (
	"errors"

	"jetx/internal/wallet"
)

// Validation and protocol errors. The messages are sent to players in betError.
var (
	ErrInvalidRound        = errors.New("invalid round")
	ErrBettingClosed       = errors.New("betting window closed")
	ErrInvalidAmount       = errors.New("invalid bet amount")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrDuplicateBet        = errors.New("bet already placed for this round")
	ErrBetNotFound         = errors.New("bet not found")
	ErrCashoutClosed       = errors.New("cash out is not allowed now")
	ErrCheatMultiplier     = errors.New("requested multiplier is above the current multiplier")
	ErrInvalidBetID        = errors.New("invalid bet id")
	ErrPlayerNotFound      = errors.New("player details not found")
	ErrCancelClosed        = errors.New("bet can no longer be cancelled")
)

// Reason is a short metrics label for err.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRound):
		return "invalid_round"
	case errors.Is(err, ErrBettingClosed):
		return "betting_closed"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrDuplicateBet):
		return "duplicate"
	case errors.Is(err, ErrBetNotFound):
		return "not_found"
	case errors.Is(err, ErrCashoutClosed):
		return "cashout_closed"
	case errors.Is(err, ErrCheatMultiplier):
		return "cheat"
	case errors.Is(err, ErrInvalidBetID):
		return "invalid_bet_id"
	case errors.Is(err, ErrPlayerNotFound):
		return "player_not_found"
	case errors.Is(err, ErrCancelClosed):
		return "cancel_closed"
	case errors.Is(err, wallet.ErrSessionExpired):
		return "session_expired"
	case errors.Is(err, wallet.ErrRejected), errors.Is(err, wallet.ErrUnavailable):
		return "wallet"
	default:
		return "internal"
	}
}
