package game

import (
	"fmt"
	"math"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

// Outbound event names on the real-time channel.
const (
	EventPlane         = "plane"
	EventBet           = "bet"
	EventCashout       = "cashout"
	EventSingleCashout = "singleCashout"
	EventInfo          = "info"
	EventBetError      = "betError"
	EventLogout        = "logout"
	EventHistory       = "history"
	EventMaxOdds       = "maxOdds"
	EventBetCount      = "betCount"
	EventPlayerCount   = "playerCount"
	EventGameStatus    = "game_status"
	EventCommitment    = "commitment"
)

// Phase is the round lifecycle state.
type Phase int

const (
	PhaseBetting Phase = iota
	PhaseWebhookSettle
	PhaseClimb
	PhaseCrashed
)

func (p Phase) String() string {
	switch p {
	case PhaseBetting:
		return "BETTING"
	case PhaseWebhookSettle:
		return "WEBHOOK_SETTLE"
	case PhaseClimb:
		return "CLIMB"
	case PhaseCrashed:
		return "CRASHED"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Code is the phase digit carried in plane events. Betting and the webhook
// settle window share code 0.
func (p Phase) Code() int {
	switch p {
	case PhaseClimb:
		return 1
	case PhaseCrashed:
		return 2
	default:
		return 0
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// RoundState is a read snapshot of the live round.
type RoundState struct {
	RoundID           int64     `json:"round_id"`
	Phase             Phase     `json:"phase"`
	OngoingMultiplier float64   `json:"ongoing_multiplier"`
	FinalMultiplier   float64   `json:"-"` // Hidden until crash
	Commitment        string    `json:"commitment"`
	StartedAt         time.Time `json:"started_at"`
	TotalPlayers      int       `json:"total_players"`
}

// Public returns the snapshot with the final multiplier disclosed once the
// round has crashed.
func (r RoundState) Public() map[string]any {
	out := map[string]any{
		"round_id":           r.RoundID,
		"phase":              r.Phase.String(),
		"ongoing_multiplier": r.OngoingMultiplier,
		"commitment":         r.Commitment,
		"started_at":         r.StartedAt,
		"total_players":      r.TotalPlayers,
	}
	if r.Phase == PhaseCrashed {
		out["final_multiplier"] = r.FinalMultiplier
	}
	return out
}

// Player is the cached per-connection player record.
type Player struct {
	SessionID  string          `json:"session_id"`
	UserID     string          `json:"user_id"` // query-escaped
	OperatorID string          `json:"operator_id"`
	Name       string          `json:"name"`
	Image      int             `json:"image"`
	Token      string          `json:"token"`
	GameID     string          `json:"game_id"`
	IP         string          `json:"ip"`
	Balance    decimal.Decimal `json:"balance"`
}

// NewPlayer builds a player record from operator data, escaping identifiers
// so they are safe inside colon-delimited bet ids.
func NewPlayer(sessionID, userID, operatorID, name, token, gameID, ip string, balance decimal.Decimal) *Player {
	p := &Player{
		SessionID:  sessionID,
		UserID:     url.QueryEscape(userID),
		OperatorID: url.QueryEscape(operatorID),
		Name:       name,
		Token:      token,
		GameID:     gameID,
		IP:         ip,
		Balance:    balance,
	}
	p.Image = AvatarIndex(p.Identity())
	return p
}

// Identity is the operator-scoped player key used for locking and the
// single-session index.
func (p Player) Identity() string {
	return p.OperatorID + ":" + p.UserID
}

// Info is the private balance payload.
func (p Player) Info() PlayerInfo {
	return PlayerInfo{
		ID:         p.UserID,
		Name:       p.Name,
		Balance:    p.Balance.StringFixed(2),
		Image:      p.Image,
		OperatorID: p.OperatorID,
	}
}

type PlayerInfo struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Balance    string `json:"balance"`
	Image      int    `json:"image"`
	OperatorID string `json:"operator_id"`
}

// AvatarIndex maps an identity onto one of ten avatar images.
func AvatarIndex(id string) int {
	sum := 0
	for _, r := range id {
		sum += int(r)
	}
	return sum % 10
}

// HistoryEntry discloses a finished round so anyone can recompute its crash point.
type HistoryEntry struct {
	RoundID     int64        `json:"round_id"`
	Time        time.Time    `json:"time"`
	StartDelay  int          `json:"start_delay"`
	EndDelay    int          `json:"end_delay"`
	MaxMult     float64      `json:"max_mult"`
	ServerSeed  string       `json:"server_seed"`
	Digest      string       `json:"digest"`
	ClientSeeds []ClientSeed `json:"client_seeds"`
}

// RoundRecord is the persisted round metadata row.
type RoundRecord struct {
	HistoryEntry
	TotalPlayers int
}

type WSMessage struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// PlaneMessage formats a plane tick as roundId:value:phaseCode.
func PlaneMessage(roundID int64, value string, phase Phase) string {
	return fmt.Sprintf("%d:%s:%d", roundID, value, phase.Code())
}

// RoundMultiplier rounds to the two decimals shown to clients.
func RoundMultiplier(m float64) float64 {
	return math.Round(m*100) / 100
}

// ClimbMultiplier is the two-decimal value shown for a climb step. It rounds
// down and stays at least one cent under the crash point.
func ClimbMultiplier(value, final float64) float64 {
	shown := math.Floor(value*100+1e-6) / 100
	return math.Max(MIN_MULTIPLIER, math.Min(shown, RoundMultiplier(final-0.01)))
}

// FormatMultiplier renders a multiplier with two decimals.
func FormatMultiplier(m float64) string {
	return fmt.Sprintf("%.2f", m)
}
