package server

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"jetx/internal/config"
	"jetx/internal/game"
	"jetx/internal/metrics"
	"jetx/internal/wager"
	"jetx/internal/wallet"
)

// HealthChecker reports a backing service's status.
type HealthChecker interface {
	Health() map[string]string
}

// SessionStore is the part of the player cache the socket layer uses.
type SessionStore interface {
	HealthChecker
	SetPlayer(ctx context.Context, p *game.Player) error
	BindSession(ctx context.Context, identity, sessionID string) (string, error)
	ReleaseSession(ctx context.Context, identity, sessionID string) error
}

// Rounds is the read side of the round engine.
type Rounds interface {
	Current() game.RoundState
	History() []game.HistoryEntry
	RecentMultipliers() []string
}

// RoundHealth reports whether the round clock is on time.
type RoundHealth interface {
	Check() (game.HealthStatus, time.Duration)
}

// Wagers is the wager manager as seen by the socket layer.
type Wagers interface {
	Place(ctx context.Context, req wager.PlaceRequest) (wager.Wager, error)
	CashOut(ctx context.Context, req wager.CashOutRequest) (*wager.Settlement, error)
	Cancel(ctx context.Context, req wager.CancelRequest) error
	Disconnect(ctx context.Context, sessionID string)
	GameStatus() wager.GameStatus
	Notify(sessionID string, err error)
	LastRoundBets() int
}

// UserResolver looks up the operator's player behind a token.
type UserResolver interface {
	UserDetail(ctx context.Context, token string) (*wallet.UserDetail, error)
}

type Deps struct {
	Config config.Config
	DB     HealthChecker
	Cache  SessionStore
	Hub    *game.Hub
	Rounds Rounds
	Health RoundHealth
	Wagers Wagers
	Users  UserResolver
	Logger *log.Logger
}

type FiberServer struct {
	*fiber.App

	cfg      config.Config
	db       HealthChecker
	cache    SessionStore
	hub      *game.Hub
	rounds   Rounds
	health   RoundHealth
	wagers   Wagers
	users    UserResolver
	validate *validator.Validate
	logger   *log.Logger
	wsLog    *log.Logger
}

func New(deps Deps) *FiberServer {
	server := &FiberServer{
		App: fiber.New(fiber.Config{
			ServerHeader:          "jetx",
			AppName:               "jetx",
			ReadTimeout:           10 * time.Second,
			WriteTimeout:          10 * time.Second,
			IdleTimeout:           120 * time.Second,
			StrictRouting:         false,
			DisableStartupMessage: true,
		}),

		cfg:      deps.Config,
		db:       deps.DB,
		cache:    deps.Cache,
		hub:      deps.Hub,
		rounds:   deps.Rounds,
		health:   deps.Health,
		wagers:   deps.Wagers,
		users:    deps.Users,
		validate: validator.New(),
		logger:   deps.Logger.WithPrefix("SERVER"),
		wsLog:    deps.Logger.WithPrefix("WS"),
	}

	server.App.Use(recover.New())
	server.App.Use(metrics.Middleware)
	server.App.Use(limiter.New(limiter.Config{
		Max:        100,
		Expiration: 1 * time.Minute,
		Next: func(c *fiber.Ctx) bool {
			return c.Path() == "/ws" || c.Path() == "/metrics"
		},
	}))

	return server
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *FiberServer) Shutdown() error {
	s.logger.Info("Shutting down...")
	return s.App.ShutdownWithTimeout(10 * time.Second)
}
