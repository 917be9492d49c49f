package game

import (
	"context"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"

	"jetx/internal/config"
)

const HEALTH_CHECK_INTERVAL = time.Second

type HealthStatus int

const (
	HealthOK HealthStatus = iota
	HealthWarn
	HealthFatal
)

func (s HealthStatus) String() string {
	switch s {
	case HealthWarn:
		return "warn"
	case HealthFatal:
		return "fatal"
	default:
		return "ok"
	}
}

// RoundSource exposes the live round snapshot.
type RoundSource interface {
	Current() RoundState
}

// HealthMonitor aborts the process when the round clock stops advancing.
// Payouts computed against a stuck round cannot be trusted, so there is no
// recovery path.
type HealthMonitor struct {
	rounds        RoundSource
	clock         quartz.Clock
	bettingLimit  time.Duration
	warnAfter     time.Duration
	roundLimit    time.Duration
	exit          func(code int)
	logger        *log.Logger
	lastWarnRound int64
}

func NewHealthMonitor(cfg config.Config, rounds RoundSource, clock quartz.Clock, logger *log.Logger) *HealthMonitor {
	return &HealthMonitor{
		rounds:       rounds,
		clock:        clock,
		bettingLimit: cfg.HealthBettingTimeout,
		warnAfter:    cfg.HealthWarnAfter,
		roundLimit:   cfg.HealthRoundTimeout,
		exit:         os.Exit,
		logger:       logger.WithPrefix("HEALTH"),
	}
}

// SetExit replaces the process exit hook.
func (m *HealthMonitor) SetExit(fn func(code int)) {
	m.exit = fn
}

// Check classifies the current round's elapsed time.
func (m *HealthMonitor) Check() (HealthStatus, time.Duration) {
	round := m.rounds.Current()
	if round.StartedAt.IsZero() {
		return HealthOK, 0
	}
	elapsed := m.clock.Since(round.StartedAt)

	switch {
	case elapsed > m.roundLimit:
		return HealthFatal, elapsed
	case (round.Phase == PhaseBetting || round.Phase == PhaseWebhookSettle) && elapsed > m.bettingLimit:
		return HealthFatal, elapsed
	case elapsed > m.warnAfter:
		return HealthWarn, elapsed
	}
	return HealthOK, elapsed
}

// Run checks once per interval until ctx is cancelled.
func (m *HealthMonitor) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(HEALTH_CHECK_INTERVAL, "health", "check")
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.evaluate()
		}
	}
}

func (m *HealthMonitor) evaluate() {
	status, elapsed := m.Check()
	round := m.rounds.Current()

	switch status {
	case HealthFatal:
		m.logger.Error("Round stalled, terminating", "round", round.RoundID, "phase", round.Phase, "elapsed", elapsed)
		m.exit(1)
	case HealthWarn:
		if m.lastWarnRound != round.RoundID {
			m.lastWarnRound = round.RoundID
			m.logger.Warn("Round running long", "round", round.RoundID, "phase", round.Phase, "elapsed", elapsed)
		}
	}
}
