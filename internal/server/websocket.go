package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"

	"jetx/internal/game"
)

const (
	SESSION_TAKEN_MSG  = "User logged in from other source."
	INVALID_PLAYER_MSG = "Invalid Player Details"
)

var errMissingToken = errors.New("missing token")

func (s *FiberServer) gameWebSocketHandler(conn *websocket.Conn) {
	ctx := context.Background()
	sessionID := uuid.NewString()
	ip, _ := conn.Locals("ip").(string)

	player, err := s.openSession(ctx, conn, sessionID, conn.Query("token"), conn.Query("game_id", s.cfg.GameID), ip)
	if err != nil {
		s.wsLog.Warn("Connection refused", "session", sessionID, "ip", ip, "err", err)
		if msg, mErr := json.Marshal(game.WSMessage{Type: game.EventBetError, Data: INVALID_PLAYER_MSG}); mErr == nil {
			conn.WriteMessage(websocket.TextMessage, msg)
		}
		conn.Close()
		return
	}
	defer s.closeSession(ctx, conn, player)

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			s.wsLog.Debug("Read ended", "session", sessionID, "err", err)
			return
		}
		if messageType == websocket.TextMessage {
			s.handleMessage(ctx, sessionID, string(message))
		}
	}
}

// openSession resolves the player behind token, caches it, registers conn
// and evicts any older session of the same identity.
func (s *FiberServer) openSession(ctx context.Context, conn game.Conn, sessionID, token, gameID, ip string) (*game.Player, error) {
	if token == "" {
		return nil, errMissingToken
	}
	detail, err := s.users.UserDetail(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("resolve user: %w", err)
	}

	player := game.NewPlayer(sessionID, detail.UserID, detail.OperatorID, detail.Name, token, gameID, ip, detail.Balance)
	if err := s.cache.SetPlayer(ctx, player); err != nil {
		return nil, fmt.Errorf("cache player: %w", err)
	}
	s.hub.RegisterClient(conn, sessionID)

	prev, err := s.cache.BindSession(ctx, player.Identity(), sessionID)
	switch {
	case err != nil:
		s.wsLog.Error("Single-session bind failed", "identity", player.Identity(), "err", err)
	case prev != "":
		s.wsLog.Info("Evicting older session", "identity", player.Identity(), "old", prev, "new", sessionID)
		s.hub.SendTo(prev, game.EventBetError, SESSION_TAKEN_MSG)
		s.hub.Disconnect(prev)
	}

	s.sendInitialState(player)
	return player, nil
}

func (s *FiberServer) sendInitialState(p *game.Player) {
	round := s.rounds.Current()
	s.hub.SendTo(p.SessionID, game.EventInfo, p.Info())
	s.hub.SendTo(p.SessionID, game.EventBetCount, s.wagers.LastRoundBets())
	s.hub.SendTo(p.SessionID, game.EventMaxOdds, s.rounds.RecentMultipliers())
	s.hub.SendTo(p.SessionID, game.EventHistory, s.rounds.History())
	if round.Commitment != "" {
		s.hub.SendTo(p.SessionID, game.EventCommitment, map[string]any{"round_id": round.RoundID, "commitment": round.Commitment})
	}
	s.hub.SendTo(p.SessionID, game.EventGameStatus, s.wagers.GameStatus())
}

// handleMessage runs one inbound message to completion, so a session's
// operations reach the wager manager in the order they were sent.
func (s *FiberServer) handleMessage(ctx context.Context, sessionID, raw string) {
	cmd, err := ParseMessage(sessionID, raw)
	if err != nil {
		s.wsLog.Warn("Unhandled message", "session", sessionID, "raw", raw, "err", err)
		s.wagers.Notify(sessionID, err)
		return
	}

	switch cmd.Op {
	case OpPlaceBet:
		_, err = s.wagers.Place(ctx, cmd.Place)
	case OpCashOut:
		_, err = s.wagers.CashOut(ctx, cmd.CashOut)
	case OpCancel:
		err = s.wagers.Cancel(ctx, cmd.Cancel)
	case OpRecall:
		s.hub.SendTo(sessionID, game.EventGameStatus, s.wagers.GameStatus())
	}
	if err != nil {
		s.wagers.Notify(sessionID, err)
	}
}

func (s *FiberServer) closeSession(ctx context.Context, conn game.Conn, p *game.Player) {
	s.hub.UnregisterClient(conn, p.SessionID)
	s.wagers.Disconnect(ctx, p.SessionID)
	if err := s.cache.ReleaseSession(ctx, p.Identity(), p.SessionID); err != nil {
		s.wsLog.Error("Release session failed", "session", p.SessionID, "err", err)
	}
}
