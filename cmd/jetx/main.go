package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/jackc/pgx/v5/stdlib"
	_ "github.com/joho/godotenv/autoload"
	"golang.org/x/sync/errgroup"

	"jetx/internal/cache"
	"jetx/internal/config"
	"jetx/internal/database"
	"jetx/internal/game"
	"jetx/internal/server"
	"jetx/internal/wager"
	"jetx/internal/wallet"
)

var cli struct {
	LogLevel string `help:"Log level: debug, info, warn or error (overrides LOG_LEVEL)"`

	Serve  ServeCmd  `cmd:"" default:"1" help:"Run the round engine and the player socket server"`
	Verify VerifyCmd `cmd:"" help:"Recompute a round's crash point from its disclosed seeds"`
}

type ServeCmd struct {
	Port          int  `help:"HTTP port (overrides PORT)"`
	SkipMigration bool `help:"Do not apply pending database migrations on start"`
}

type VerifyCmd struct {
	ServerSeed  string   `help:"Disclosed server seed" required:""`
	ClientSeeds []string `help:"Client seed values in disclosure order" sep:","`
	Modulus     uint64   `help:"House edge modulus (defaults to HOUSE_EDGE_MODULUS)"`
	Multiplier  float64  `help:"Claimed crash multiplier to check"`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("jetx"),
		kong.Description("Multiplayer crash game server"),
		kong.UsageOnError(),
	)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		ctx.Exit(1)
	}
	if cli.LogLevel != "" {
		cfg.LogLevel = cli.LogLevel
	}

	ctx.FatalIfErrorf(ctx.Run(cfg, newLogger(cfg)))
}

func newLogger(cfg config.Config) *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	})
	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	switch cfg.LogFormat {
	case "json":
		logger.SetFormatter(log.JSONFormatter)
	case "logfmt":
		logger.SetFormatter(log.LogfmtFormatter)
	}
	return logger
}

func (c *ServeCmd) Run(cfg config.Config, logger *log.Logger) error {
	if c.Port > 0 {
		cfg.Port = c.Port
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if !c.SkipMigration {
		if err := database.RunMigrations(stdlib.OpenDBFromPool(db.Pool())); err != nil {
			return err
		}
	}

	sessions, err := cache.New(cfg, logger)
	if err != nil {
		return err
	}
	defer sessions.Close()

	clock := quartz.NewReal()
	hub := game.NewHub(logger)
	seeds := game.NewSeedCollector(cfg.MinClientSeeds)
	wallets := wallet.NewClient(cfg.WalletBaseURL, cfg.WalletTimeout, logger)

	engine := game.NewEngine(cfg, game.EngineDeps{
		Clock:   clock,
		Hub:     hub,
		Seeds:   seeds,
		Rounds:  db,
		History: sessions,
		Clients: hub,
		Logger:  logger,
	})
	wagers := wager.NewManager(cfg, wager.Deps{
		Clock:    clock,
		Rounds:   engine,
		Hub:      hub,
		Seeds:    seeds,
		Wallet:   wallets,
		Sessions: sessions,
		Store:    db,
		Logger:   logger,
	})
	engine.SetSettler(wagers)
	engine.LoadHistory(loadHistory(ctx, cfg, db, sessions, logger))

	monitor := game.NewHealthMonitor(cfg, engine, clock, logger)

	app := server.New(server.Deps{
		Config: cfg,
		DB:     db,
		Cache:  sessions,
		Hub:    hub,
		Rounds: engine,
		Health: monitor,
		Wagers: wagers,
		Users:  wallets,
		Logger: logger,
	})
	app.RegisterFiberRoutes()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		hub.RunPlayerCount(gctx, clock, time.Second)
		return nil
	})
	g.Go(func() error {
		monitor.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return engine.Run(gctx)
	})
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.Port)
		logger.Info("Listening", "addr", addr, "debit_mode", cfg.DebitMode)
		return app.Listen(addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		return app.Shutdown()
	})

	err = g.Wait()
	if ctx.Err() != nil {
		logger.Info("Server exited properly")
		return nil
	}
	return err
}

// loadHistory prefers the durable round table and falls back to the shared cache.
func loadHistory(ctx context.Context, cfg config.Config, db database.Service, sessions cache.Service, logger *log.Logger) []game.HistoryEntry {
	entries, err := db.RecentRounds(ctx, cfg.HistorySize)
	if err == nil && len(entries) > 0 {
		return entries
	}
	if err != nil {
		logger.Warn("Loading history from database failed", "err", err)
	}
	entries, err = sessions.History(ctx, cfg.HistorySize)
	if err != nil {
		logger.Warn("Loading history from cache failed", "err", err)
		return nil
	}
	return entries
}

func (c *VerifyCmd) Run(cfg config.Config) error {
	modulus := c.Modulus
	if modulus == 0 {
		modulus = cfg.HouseEdgeModulus
	}
	result := game.Recompute(c.ServerSeed, c.ClientSeeds, modulus)

	fmt.Printf("server seed:  %s\n", result.ServerSeed)
	fmt.Printf("client seeds: %s\n", strings.Join(c.ClientSeeds, ","))
	fmt.Printf("digest:       %s\n", result.Digest)
	fmt.Printf("multiplier:   %s\n", game.FormatMultiplier(result.Multiplier))
	if c.Multiplier > 0 {
		if result.Multiplier != game.RoundMultiplier(c.Multiplier) {
			return fmt.Errorf("claimed multiplier %s does not match", game.FormatMultiplier(c.Multiplier))
		}
		fmt.Println("claimed multiplier matches")
	}
	return nil
}
