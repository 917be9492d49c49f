package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	BALANCE_PATH     = "/service/operator/user/balance/v2"
	USER_DETAIL_PATH = "/service/user/detail"

	// SESSION_EXPIRED_MSG is how the operator reports a dead token.
	SESSION_EXPIRED_MSG = "Invalid Token or session timed out"
)

var (
	ErrSessionExpired = errors.New("wallet: session expired")
	ErrRejected       = errors.New("wallet: transaction rejected")
	ErrUnavailable    = errors.New("wallet: operator unavailable")
)

type TxnType int

const (
	TxnDebit  TxnType = 0
	TxnCredit TxnType = 1
)

func (t TxnType) String() string {
	if t == TxnCredit {
		return "CREDIT"
	}
	return "DEBIT"
}

// Transaction is the balance webhook body.
type Transaction struct {
	Amount      string  `json:"amount"`
	TxnID       string  `json:"txn_id"`
	IP          string  `json:"ip"`
	GameID      string  `json:"game_id"`
	UserID      string  `json:"user_id"`
	Description string  `json:"description"`
	TxnType     TxnType `json:"txn_type"`
	BetID       string  `json:"bet_id,omitempty"`
	SocketID    string  `json:"socket_id,omitempty"`
	TxnRefID    string  `json:"txn_ref_id,omitempty"`
}

// NewTxnID returns a time-ordered transaction id.
func NewTxnID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// DebitTxn builds the debit for a bet. userID is the escaped id carried in bet
// ids; the operator receives it unescaped.
func DebitTxn(roundID int64, stake decimal.Decimal, userID, gameID, ip, betID, socketID string) Transaction {
	amount := stake.StringFixed(2)
	return Transaction{
		Amount:      amount,
		TxnID:       NewTxnID(),
		IP:          ip,
		GameID:      gameID,
		UserID:      unescape(userID),
		Description: fmt.Sprintf("%s debited for JetX game for Round %d", amount, roundID),
		TxnType:     TxnDebit,
		BetID:       betID,
		SocketID:    socketID,
	}
}

// CreditTxn builds the payout credit referencing the original debit.
func CreditTxn(roundID int64, payout decimal.Decimal, userID, gameID, ip, debitTxnID string) Transaction {
	amount := payout.StringFixed(2)
	return Transaction{
		Amount:      amount,
		TxnID:       NewTxnID(),
		IP:          ip,
		GameID:      gameID,
		UserID:      unescape(userID),
		Description: fmt.Sprintf("%s credited for JetX game for Round %d", amount, roundID),
		TxnType:     TxnCredit,
		TxnRefID:    debitTxnID,
	}
}

func unescape(id string) string {
	if u, err := url.QueryUnescape(id); err == nil {
		return u
	}
	return id
}

// UserDetail is the operator's view of a player.
type UserDetail struct {
	UserID     string          `json:"user_id"`
	OperatorID string          `json:"operatorId"`
	Name       string          `json:"name"`
	Balance    decimal.Decimal `json:"balance"`
}

type response struct {
	Status bool        `json:"status"`
	Msg    string      `json:"msg"`
	User   *UserDetail `json:"user,omitempty"`
}

type Client struct {
	baseURL string
	timeout time.Duration
	logger  *log.Logger
	failed  *log.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger *log.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		timeout: timeout,
		logger:  logger.WithPrefix("WEBHOOK"),
		failed:  logger.WithPrefix("FAILED_WALLET"),
	}
}

func (c *Client) Debit(ctx context.Context, token string, txn Transaction) error {
	txn.TxnType = TxnDebit
	return c.post(ctx, token, txn)
}

func (c *Client) Credit(ctx context.Context, token string, txn Transaction) error {
	txn.TxnType = TxnCredit
	return c.post(ctx, token, txn)
}

func (c *Client) post(ctx context.Context, token string, txn Transaction) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	agent := fiber.Post(c.baseURL + BALANCE_PATH)
	agent.Set("token", token)
	agent.JSON(txn)
	agent.Timeout(c.timeout)
	if err := agent.Parse(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	code, body, errs := agent.Bytes()
	if len(errs) > 0 {
		c.failed.Error("Webhook call failed", "type", txn.TxnType, "txn", txn, "err", errs[0])
		return fmt.Errorf("%w: %v", ErrUnavailable, errs[0])
	}
	if code >= 200 && code < 300 {
		c.logger.Debug("Webhook accepted", "type", txn.TxnType, "txn_id", txn.TxnID, "amount", txn.Amount)
		return nil
	}

	var res response
	_ = json.Unmarshal(body, &res)
	c.failed.Error("Webhook rejected", "type", txn.TxnType, "txn", txn, "status", code, "msg", res.Msg)
	if res.Msg == SESSION_EXPIRED_MSG {
		return ErrSessionExpired
	}
	return fmt.Errorf("%w: status %d: %s", ErrRejected, code, res.Msg)
}

// UserDetail resolves the player behind a token.
func (c *Client) UserDetail(ctx context.Context, token string) (*UserDetail, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	agent := fiber.Get(c.baseURL + USER_DETAIL_PATH)
	agent.Set("token", token)
	agent.Timeout(c.timeout)
	if err := agent.Parse(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	code, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, errs[0])
	}

	var res response
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("%w: decode user detail: %v", ErrRejected, err)
	}
	if code < 200 || code >= 300 {
		if res.Msg == SESSION_EXPIRED_MSG {
			return nil, ErrSessionExpired
		}
		return nil, fmt.Errorf("%w: status %d: %s", ErrRejected, code, res.Msg)
	}
	if res.User == nil {
		return nil, fmt.Errorf("%w: no user in response", ErrRejected)
	}
	return res.User, nil
}
