package server

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"jetx/internal/wager"
)

// Op is an inbound socket operation code.
type Op string

const (
	OpPlaceBet Op = "PB"
	OpCashOut  Op = "CO"
	OpCancel   Op = "CB"
	OpRecall   Op = "RC"

	// BET_PREFIX optionally precedes bet operations: BT:PB:...
	BET_PREFIX = "BT"
)

var (
	ErrUnknownMessage   = errors.New("unknown message")
	ErrMalformedMessage = errors.New("malformed message")
)

// Command is a parsed inbound message; only the request matching Op is set.
type Command struct {
	Op      Op
	Place   wager.PlaceRequest
	CashOut wager.CashOutRequest
	Cancel  wager.CancelRequest
}

// ParseMessage decodes one colon-delimited socket message:
//
//	PB:<roundId>:<autoCashout>:<amount>:<button>[:<clientSeed>]
//	CO:<multiplier>:<autoCashout>:<isAuto>:<betId>
//	CB:<betId>
//	RC
//
// Bet operations may carry a leading BT: segment.
func ParseMessage(sessionID, raw string) (Command, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) > 1 && parts[0] == BET_PREFIX {
		parts = parts[1:]
	}
	op, args := Op(parts[0]), parts[1:]

	switch op {
	case OpPlaceBet:
		req, err := parsePlace(args)
		if err != nil {
			return Command{}, err
		}
		req.SessionID = sessionID
		return Command{Op: op, Place: req}, nil
	case OpCashOut:
		req, err := parseCashOut(args)
		if err != nil {
			return Command{}, err
		}
		req.SessionID = sessionID
		return Command{Op: op, CashOut: req}, nil
	case OpCancel:
		if len(args) == 0 || args[0] == "" {
			return Command{}, fmt.Errorf("%w: cancel needs a bet id", ErrMalformedMessage)
		}
		return Command{Op: op, Cancel: wager.CancelRequest{SessionID: sessionID, BetID: strings.Join(args, ":")}}, nil
	case OpRecall:
		return Command{Op: op}, nil
	}
	return Command{}, fmt.Errorf("%w: %q", ErrUnknownMessage, parts[0])
}

func parsePlace(args []string) (wager.PlaceRequest, error) {
	if len(args) < 4 {
		return wager.PlaceRequest{}, fmt.Errorf("%w: bet needs 4 fields, got %d", ErrMalformedMessage, len(args))
	}
	roundID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return wager.PlaceRequest{}, fmt.Errorf("%w: round id %q", ErrMalformedMessage, args[0])
	}
	auto, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return wager.PlaceRequest{}, fmt.Errorf("%w: auto cashout %q", ErrMalformedMessage, args[1])
	}
	amount, err := decimal.NewFromString(args[2])
	if err != nil {
		return wager.PlaceRequest{}, fmt.Errorf("%w: amount %q", ErrMalformedMessage, args[2])
	}
	button, err := strconv.Atoi(args[3])
	if err != nil {
		return wager.PlaceRequest{}, fmt.Errorf("%w: button %q", ErrMalformedMessage, args[3])
	}
	req := wager.PlaceRequest{
		RoundID:     roundID,
		AutoCashout: auto,
		Amount:      amount,
		Button:      button,
	}
	if len(args) > 4 {
		req.ClientSeed = strings.Join(args[4:], ":")
	}
	return req, nil
}

func parseCashOut(args []string) (wager.CashOutRequest, error) {
	if len(args) < 4 {
		return wager.CashOutRequest{}, fmt.Errorf("%w: cashout needs 4 fields, got %d", ErrMalformedMessage, len(args))
	}
	mult, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return wager.CashOutRequest{}, fmt.Errorf("%w: multiplier %q", ErrMalformedMessage, args[0])
	}
	auto, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return wager.CashOutRequest{}, fmt.Errorf("%w: auto cashout %q", ErrMalformedMessage, args[1])
	}
	return wager.CashOutRequest{
		Multiplier:  mult,
		AutoCashout: auto,
		Automatic:   args[2] == "1",
		BetID:       strings.Join(args[3:], ":"),
	}, nil
}
