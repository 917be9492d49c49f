package wager

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	BET_ID_PREFIX = "b"
	BET_ID_FIELDS = 6
)

// BetID is the wire identifier prefix:roundId:stake:userId:operatorId:nonce.
// User and operator ids are query-escaped, so they never contain ':'.
type BetID struct {
	RoundID    int64
	Stake      decimal.Decimal
	UserID     string
	OperatorID string
	Nonce      int
}

func (b BetID) String() string {
	return fmt.Sprintf("%s:%d:%s:%s:%s:%d", BET_ID_PREFIX, b.RoundID, b.Stake.String(), b.UserID, b.OperatorID, b.Nonce)
}

// Identity is the lock key of the bet's owner.
func (b BetID) Identity() string {
	return b.OperatorID + ":" + b.UserID
}

// ParseBetID is the exact inverse of String; any other shape is rejected.
func ParseBetID(s string) (BetID, error) {
	return ParseBetIDParts(strings.Split(s, ":"))
}

// ParseBetIDParts parses a bet id already split on ':'.
func ParseBetIDParts(parts []string) (BetID, error) {
	if len(parts) != BET_ID_FIELDS || parts[0] != BET_ID_PREFIX {
		return BetID{}, ErrInvalidBetID
	}
	roundID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || roundID <= 0 {
		return BetID{}, fmt.Errorf("%w: round %q", ErrInvalidBetID, parts[1])
	}
	stake, err := decimal.NewFromString(parts[2])
	if err != nil || !stake.IsPositive() || stake.String() != parts[2] {
		return BetID{}, fmt.Errorf("%w: stake %q", ErrInvalidBetID, parts[2])
	}
	if parts[3] == "" || parts[4] == "" {
		return BetID{}, fmt.Errorf("%w: missing owner", ErrInvalidBetID)
	}
	nonce, err := strconv.Atoi(parts[5])
	if err != nil || nonce < 0 {
		return BetID{}, fmt.Errorf("%w: nonce %q", ErrInvalidBetID, parts[5])
	}
	return BetID{
		RoundID:    roundID,
		Stake:      stake,
		UserID:     parts[3],
		OperatorID: parts[4],
		Nonce:      nonce,
	}, nil
}
