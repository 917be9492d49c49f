package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"jetx/internal/config"
	"jetx/internal/game"
	"jetx/internal/wager"
)

// BATCH_SIZE caps the statements queued per round trip.
const BATCH_SIZE = 50

// Service persists rounds and their wagers.
type Service interface {
	Health() map[string]string
	Close()

	InsertRound(ctx context.Context, round game.RoundRecord) error
	InsertBets(ctx context.Context, bets []wager.BetRecord) error
	InsertSettlements(ctx context.Context, settlements []wager.Settlement) error
	InsertRoundStats(ctx context.Context, stats wager.RoundStats) error
	RecentRounds(ctx context.Context, n int) ([]game.HistoryEntry, error)

	Pool() *pgxpool.Pool
}

type service struct {
	pool   *pgxpool.Pool
	logger *log.Logger
}

// ConnString builds the pgx URL from config.
func ConnString(cfg config.Config) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.DBUsername, cfg.DBPassword),
		Host:   cfg.DBHost + ":" + cfg.DBPort,
		Path:   cfg.DBDatabase,
	}
	q := url.Values{}
	q.Set("sslmode", "disable")
	q.Set("search_path", cfg.DBSchema)
	u.RawQuery = q.Encode()
	return u.String()
}

func New(ctx context.Context, cfg config.Config, logger *log.Logger) (Service, error) {
	poolCfg, err := pgxpool.ParseConfig(ConnString(cfg))
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	poolCfg.MaxConns = 20
	poolCfg.MinConns = 2
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &service{pool: pool, logger: logger.WithPrefix("DB")}
	s.logger.Info("Connected to database", "host", cfg.DBHost, "database", cfg.DBDatabase)
	return s, nil
}

func (s *service) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *service) Health() map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	stats := make(map[string]string)

	if err := s.pool.Ping(ctx); err != nil {
		stats["status"] = "down"
		stats["error"] = fmt.Sprintf("db down: %v", err)
		return stats
	}

	stats["status"] = "up"
	stats["message"] = "It's healthy"

	st := s.pool.Stat()
	stats["total_conns"] = strconv.Itoa(int(st.TotalConns()))
	stats["idle_conns"] = strconv.Itoa(int(st.IdleConns()))
	stats["acquired_conns"] = strconv.Itoa(int(st.AcquiredConns()))
	stats["max_conns"] = strconv.Itoa(int(st.MaxConns()))

	if st.AcquiredConns() > st.MaxConns()*9/10 {
		stats["message"] = "The database is experiencing heavy load."
	}
	return stats
}

func (s *service) Close() {
	s.logger.Info("Disconnected from database")
	s.pool.Close()
}

func (s *service) InsertRound(ctx context.Context, r game.RoundRecord) error {
	seeds, err := json.Marshal(r.ClientSeeds)
	if err != nil {
		return fmt.Errorf("encode client seeds: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO rounds (round_id, max_mult, server_seed, digest, client_seeds, start_delay, end_delay, total_players, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (round_id) DO NOTHING`,
		r.RoundID, r.MaxMult, r.ServerSeed, r.Digest, seeds, r.StartDelay, r.EndDelay, r.TotalPlayers, r.Time,
	)
	if err != nil {
		return fmt.Errorf("insert round %d: %w", r.RoundID, err)
	}
	return nil
}

func (s *service) InsertBets(ctx context.Context, bets []wager.BetRecord) error {
	const q = `
		INSERT INTO bets (bet_id, round_id, user_id, operator_id, stake, auto_cashout, debit_txn_id, placed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (bet_id) DO NOTHING`
	return sendChunked(ctx, s.pool, len(bets), func(b *pgx.Batch, i int) {
		r := bets[i]
		b.Queue(q, r.BetID, r.RoundID, r.UserID, r.OperatorID, r.Stake, r.AutoCashout, r.DebitTxnID, r.PlacedAt)
	})
}

func (s *service) InsertSettlements(ctx context.Context, settlements []wager.Settlement) error {
	const q = `
		INSERT INTO settlements (bet_id, round_id, user_id, operator_id, stake, auto_cashout, multiplier, payout, outcome, credit_txn_id, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11)
		ON CONFLICT (bet_id) DO NOTHING`
	return sendChunked(ctx, s.pool, len(settlements), func(b *pgx.Batch, i int) {
		r := settlements[i]
		b.Queue(q, r.BetID, r.RoundID, r.UserID, r.OperatorID, r.Stake, r.AutoCashout, r.Multiplier, r.Payout, string(r.Outcome), r.CreditTxnID, r.SettledAt)
	})
}

func (s *service) InsertRoundStats(ctx context.Context, st wager.RoundStats) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO round_stats (round_id, multiplier, total_players, total_bets, wins, losses,
			total_stake, total_payout, profit, biggest_win, biggest_winner, biggest_loss, biggest_loser)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''), $12, NULLIF($13, ''))
		ON CONFLICT (round_id) DO NOTHING`,
		st.RoundID, st.Multiplier, st.TotalPlayers, st.TotalBets, st.Wins, st.Losses,
		st.TotalStake, st.TotalPayout, st.Profit, st.BiggestWin, st.BiggestWinner, st.BiggestLoss, st.BiggestLoser,
	)
	if err != nil {
		return fmt.Errorf("insert round stats %d: %w", st.RoundID, err)
	}
	return nil
}

// RecentRounds returns the last n rounds, newest first.
func (s *service) RecentRounds(ctx context.Context, n int) ([]game.HistoryEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT round_id, max_mult, server_seed, digest, client_seeds, start_delay, end_delay, ended_at
		FROM rounds
		ORDER BY round_id DESC
		LIMIT $1`, n)
	if err != nil {
		return nil, fmt.Errorf("query recent rounds: %w", err)
	}
	defer rows.Close()

	var out []game.HistoryEntry
	for rows.Next() {
		var (
			h     game.HistoryEntry
			seeds []byte
		)
		if err := rows.Scan(&h.RoundID, &h.MaxMult, &h.ServerSeed, &h.Digest, &seeds, &h.StartDelay, &h.EndDelay, &h.Time); err != nil {
			return nil, fmt.Errorf("scan round: %w", err)
		}
		if err := json.Unmarshal(seeds, &h.ClientSeeds); err != nil {
			return nil, fmt.Errorf("decode client seeds of round %d: %w", h.RoundID, err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// sendChunked queues n statements in batches of BATCH_SIZE.
func sendChunked(ctx context.Context, pool *pgxpool.Pool, n int, queue func(*pgx.Batch, int)) error {
	var errs []error
	for start := 0; start < n; start += BATCH_SIZE {
		end := min(start+BATCH_SIZE, n)
		batch := &pgx.Batch{}
		for i := start; i < end; i++ {
			queue(batch, i)
		}
		br := pool.SendBatch(ctx, batch)
		for i := start; i < end; i++ {
			if _, err := br.Exec(); err != nil {
				errs = append(errs, fmt.Errorf("batch row %d: %w", i, err))
			}
		}
		if err := br.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
