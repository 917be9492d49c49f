package server

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"jetx/internal/game"
)

func (s *FiberServer) healthHandler(c *fiber.Ctx) error {
	round := s.rounds.Current()
	status, elapsed := s.health.Check()
	db, cache := s.db.Health(), s.cache.Health()

	health := fiber.Map{
		"database": db,
		"cache":    cache,
		"game": fiber.Map{
			"status":            status.String(),
			"round_id":          round.RoundID,
			"phase":             round.Phase.String(),
			"elapsed":           elapsed.String(),
			"connected_clients": s.hub.GetClientCount(),
		},
	}

	code := fiber.StatusOK
	if db["status"] != "up" || cache["status"] != "up" || status == game.HealthFatal {
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(health)
}

// roundHandler returns the live round; the crash point is only disclosed
// once the round has crashed.
func (s *FiberServer) roundHandler(c *fiber.Ctx) error {
	round := s.rounds.Current()
	if round.RoundID == 0 {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "No active game round",
		})
	}
	return c.JSON(round.Public())
}

func (s *FiberServer) historyHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"history": s.rounds.History(),
	})
}

type verifyRequest struct {
	ServerSeed  string  `query:"server_seed" validate:"required,max=256"`
	ClientSeeds string  `query:"client_seeds" validate:"max=4096"`
	Multiplier  float64 `query:"multiplier" validate:"omitempty,gte=1"`
}

// verifyHandler recomputes a crash point from disclosed seeds.
func (s *FiberServer) verifyHandler(c *fiber.Ctx) error {
	var req verifyRequest
	if err := c.QueryParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid query",
		})
	}
	if err := s.validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	var seeds []string
	if req.ClientSeeds != "" {
		seeds = strings.Split(req.ClientSeeds, ",")
	}
	result := game.Recompute(req.ServerSeed, seeds, s.cfg.HouseEdgeModulus)

	resp := fiber.Map{
		"server_seed":  result.ServerSeed,
		"client_seeds": seeds,
		"digest":       result.Digest,
		"multiplier":   game.FormatMultiplier(result.Multiplier),
	}
	if req.Multiplier > 0 {
		resp["valid"] = result.Multiplier == game.RoundMultiplier(req.Multiplier)
	}
	return c.JSON(resp)
}
