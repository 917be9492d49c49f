package game

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"

	"jetx/internal/config"
	"jetx/internal/metrics"
)

// Settler is the wager side of the round: the Engine calls it at the phase
// boundaries it owns.
type Settler interface {
	// FlushPending resolves deferred wallet confirmations when betting closes.
	FlushPending(ctx context.Context, round RoundState)
	// TriggerAutoCashouts cashes out wagers whose threshold the climb has reached.
	// It must not block the tick.
	TriggerAutoCashouts(ctx context.Context, round RoundState)
	// SettleRound resolves every still-open wager once the round has crashed.
	SettleRound(ctx context.Context, round RoundState) error
	// LastRoundBets is the number of wagers settled in the previous round.
	LastRoundBets() int
}

// RoundStore persists finished rounds.
type RoundStore interface {
	InsertRound(ctx context.Context, round RoundRecord) error
}

// HistoryStore keeps the bounded recent-round list shared with other nodes.
type HistoryStore interface {
	PushHistory(ctx context.Context, entry HistoryEntry, size int) error
}

// ClientCounter reports connected clients.
type ClientCounter interface {
	GetClientCount() int
}

// Engine is the round state machine. It is the only writer of the current
// round; everything else reads snapshots through Current.
type Engine struct {
	cfg     config.Config
	clock   quartz.Clock
	hub     Publisher
	seeds   *SeedCollector
	gen     *Generator
	settler Settler
	rounds  RoundStore
	history HistoryStore
	clients ClientCounter
	logger  *log.Logger

	mu          sync.RWMutex
	current     RoundState
	fairness    FairnessResult
	recent      []HistoryEntry
	lastRoundID int64
}

type EngineDeps struct {
	Clock   quartz.Clock
	Hub     Publisher
	Seeds   *SeedCollector
	Settler Settler
	Rounds  RoundStore
	History HistoryStore
	Clients ClientCounter
	Logger  *log.Logger
}

func NewEngine(cfg config.Config, deps EngineDeps) *Engine {
	return &Engine{
		cfg:   cfg,
		clock: deps.Clock,
		hub:   deps.Hub,
		seeds: deps.Seeds,
		gen: NewGenerator(GeneratorConfig{
			Modulus:           cfg.HouseEdgeModulus,
			RerollProbability: cfg.RerollProbability,
			RerollThreshold:   cfg.RerollThreshold,
			MaxRerolls:        cfg.MaxRerolls,
		}),
		settler: deps.Settler,
		rounds:  deps.Rounds,
		history: deps.History,
		clients: deps.Clients,
		logger:  deps.Logger.WithPrefix("GAME"),
	}
}

// SetSettler wires the wager manager, which itself needs the Engine as its
// round source.
func (e *Engine) SetSettler(s Settler) {
	e.settler = s
}

// Current returns a snapshot of the live round.
func (e *Engine) Current() RoundState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.current
}

// History returns the most recent rounds, newest first.
func (e *Engine) History() []HistoryEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]HistoryEntry(nil), e.recent...)
}

// RecentMultipliers is the maxOdds payload.
func (e *Engine) RecentMultipliers() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, len(e.recent))
	for i, h := range e.recent {
		out[i] = FormatMultiplier(h.MaxMult)
	}
	return out
}

// LoadHistory seeds the recent list, newest first, e.g. from the database at startup.
func (e *Engine) LoadHistory(entries []HistoryEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(entries) > e.cfg.HistorySize {
		entries = entries[:e.cfg.HistorySize]
	}
	e.recent = append([]HistoryEntry(nil), entries...)
}

// Run drives rounds back to back until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("Round engine started")
	for {
		if err := e.RunRound(ctx); err != nil {
			if ctx.Err() != nil {
				e.logger.Info("Round engine stopped")
				return ctx.Err()
			}
			e.logger.Error("Round failed", "err", err)
		}
	}
}

// RunRound runs one BETTING -> WEBHOOK_SETTLE -> CLIMB -> CRASHED cycle. Only
// context cancellation ends it early; every other failure is logged and the
// round carries on to its end.
func (e *Engine) RunRound(ctx context.Context) error {
	serverSeed := GenerateServerSeed()
	round := e.startBetting(serverSeed)

	for tick := 1; tick <= e.cfg.BettingTicks; tick++ {
		e.hub.Broadcast(EventPlane, PlaneMessage(round.RoundID, fmt.Sprint(tick), PhaseBetting))
		if err := e.sleep(ctx, e.cfg.BettingTick); err != nil {
			return err
		}
	}

	round = e.enterWebhookSettle(serverSeed)
	e.step("flush pending", func() { e.settler.FlushPending(ctx, round) })
	if err := e.sleep(ctx, e.cfg.WebhookSettleDelay); err != nil {
		return err
	}

	if err := e.climb(ctx); err != nil {
		return err
	}

	round = e.setPhase(PhaseCrashed)
	e.logger.Info("Round crashed", "round", round.RoundID, "multiplier", FormatMultiplier(round.FinalMultiplier))
	crashed := PlaneMessage(round.RoundID, FormatMultiplier(round.FinalMultiplier), PhaseCrashed)
	for tick := 0; tick < e.cfg.CrashTicks; tick++ {
		if tick == e.cfg.SettleAtTick {
			e.step("settle round", func() {
				if err := e.settler.SettleRound(ctx, round); err != nil {
					e.logger.Error("Settlement incomplete", "round", round.RoundID, "err", err)
				}
			})
		}
		e.hub.Broadcast(EventPlane, crashed)
		if err := e.sleep(ctx, e.cfg.CrashTick); err != nil {
			return err
		}
	}

	e.step("finish round", func() { e.finishRound(ctx, round) })
	return nil
}

func (e *Engine) startBetting(serverSeed string) RoundState {
	now := e.clock.Now()
	commitment := HashCommitment(serverSeed)

	e.mu.Lock()
	id := now.UnixMilli()
	if id <= e.lastRoundID {
		id = e.lastRoundID + 1
	}
	e.lastRoundID = id
	e.current = RoundState{
		RoundID:           id,
		Phase:             PhaseBetting,
		OngoingMultiplier: MIN_MULTIPLIER,
		Commitment:        commitment,
		StartedAt:         now,
		TotalPlayers:      e.clients.GetClientCount(),
	}
	e.fairness = FairnessResult{}
	round := e.current
	e.mu.Unlock()
	metrics.SetPhase(PhaseBetting.String())
	metrics.OngoingMultiplier.Set(MIN_MULTIPLIER)

	e.logger.Info("Round started", "round", id, "commitment", commitment[:16]+"...")
	e.step("announce round", func() {
		e.hub.Broadcast(EventBetCount, e.settler.LastRoundBets())
		e.hub.Broadcast(EventMaxOdds, e.RecentMultipliers())
		e.hub.Broadcast(EventCommitment, map[string]any{"round_id": id, "commitment": commitment})
	})
	return round
}

func (e *Engine) enterWebhookSettle(serverSeed string) RoundState {
	seeds := e.seeds.Consume()
	result := e.gen.Generate(serverSeed, seeds)

	e.mu.Lock()
	e.current.Phase = PhaseWebhookSettle
	e.current.FinalMultiplier = result.Multiplier
	e.fairness = result
	round := e.current
	e.mu.Unlock()
	metrics.SetPhase(PhaseWebhookSettle.String())

	e.logger.Debug("Crash point generated", "round", round.RoundID, "attempts", result.Attempts)
	e.hub.Broadcast(EventPlane, PlaneMessage(round.RoundID, "PROCESSING", PhaseWebhookSettle))
	return round
}

func (e *Engine) climb(ctx context.Context) error {
	round := e.setPhase(PhaseClimb)
	for value := MIN_MULTIPLIER; value < round.FinalMultiplier; value = e.grow(value) {
		ongoing := ClimbMultiplier(value, round.FinalMultiplier)

		e.mu.Lock()
		e.current.OngoingMultiplier = ongoing
		round = e.current
		e.mu.Unlock()
		metrics.OngoingMultiplier.Set(ongoing)

		e.hub.Broadcast(EventPlane, PlaneMessage(round.RoundID, FormatMultiplier(ongoing), PhaseClimb))
		e.step("auto cashouts", func() { e.settler.TriggerAutoCashouts(ctx, round) })

		if err := e.sleep(ctx, e.cfg.ClimbTick); err != nil {
			return err
		}
	}
	return nil
}

// grow advances the multiplier by the band it currently sits in.
func (e *Engine) grow(value float64) float64 {
	return Grow(e.cfg.Bands, value)
}

// Grow applies the first band whose upper bound is above value; a band with
// Below <= 0 is open-ended.
func Grow(bands []config.GrowthBand, value float64) float64 {
	for _, b := range bands {
		if b.Below > 0 && value >= b.Below {
			continue
		}
		next := value + b.Step
		if b.Factor > 0 {
			next *= b.Factor
		}
		if next <= value {
			next = value + 0.01
		}
		return next
	}
	return value + 0.01
}

func (e *Engine) finishRound(ctx context.Context, round RoundState) {
	e.mu.RLock()
	fairness := e.fairness
	e.mu.RUnlock()

	entry := HistoryEntry{
		RoundID:     round.RoundID,
		Time:        e.clock.Now(),
		StartDelay:  e.cfg.BettingTicks,
		EndDelay:    e.cfg.CrashTicks,
		MaxMult:     round.FinalMultiplier,
		ServerSeed:  fairness.ServerSeed,
		Digest:      fairness.Digest,
		ClientSeeds: fairness.ClientSeeds,
	}

	e.mu.Lock()
	e.recent = append([]HistoryEntry{entry}, e.recent...)
	if len(e.recent) > e.cfg.HistorySize {
		e.recent = e.recent[:e.cfg.HistorySize]
	}
	e.mu.Unlock()

	// Seeds that arrived after the crash point was drawn belong to no round.
	e.seeds.Clear()
	e.hub.Broadcast(EventHistory, entry)
	metrics.RoundsTotal.Inc()
	metrics.CrashMultiplier.Observe(round.FinalMultiplier)

	if e.history != nil {
		if err := e.history.PushHistory(ctx, entry, e.cfg.HistorySize); err != nil {
			e.logger.Error("Failed to cache history", "round", round.RoundID, "err", err)
		}
	}
	if e.rounds != nil {
		record := RoundRecord{HistoryEntry: entry, TotalPlayers: round.TotalPlayers}
		if err := e.rounds.InsertRound(ctx, record); err != nil {
			e.logger.Error("Failed to persist round", "round", round.RoundID, "err", err)
		}
	}
	e.logger.Info("Round ended", "round", round.RoundID, "multiplier", FormatMultiplier(round.FinalMultiplier))
}

func (e *Engine) setPhase(p Phase) RoundState {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.current.Phase = p
	if p == PhaseCrashed {
		e.current.OngoingMultiplier = e.current.FinalMultiplier
		metrics.OngoingMultiplier.Set(e.current.FinalMultiplier)
	}
	metrics.SetPhase(p.String())
	return e.current
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := e.clock.NewTimer(d, "engine", "sleep")
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// step runs one unit of tick work; a panic is logged instead of killing the loop.
func (e *Engine) step(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Round step panicked", "step", name, "panic", r)
		}
	}()
	fn()
}
