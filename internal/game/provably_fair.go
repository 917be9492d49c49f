package game

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	mrand "math/rand/v2"
	"strconv"
	"strings"
)

const (
	MIN_MULTIPLIER = 1.00
	MAX_MULTIPLIER = 100000.00

	// DIGEST_PREFIX_LEN hex characters (52 bits) of the digest feed the crash formula.
	DIGEST_PREFIX_LEN = 13
)

// ClientSeed is one participant-supplied (or synthesized) seed.
type ClientSeed struct {
	Participant string `json:"participant"`
	Seed        string `json:"seed"`
}

// FairnessResult is everything needed to verify a round's crash point.
type FairnessResult struct {
	ServerSeed  string       `json:"server_seed"`
	ClientSeeds []ClientSeed `json:"client_seeds"`
	Digest      string       `json:"digest"`
	Multiplier  float64      `json:"multiplier"`
	Attempts    int          `json:"attempts"`
}

// GeneratorConfig holds the RTP-shaping policy values.
type GeneratorConfig struct {
	Modulus           uint64
	RerollProbability float64
	RerollThreshold   float64
	MaxRerolls        int
}

// Generator turns a server secret and a seed set into a crash multiplier.
type Generator struct {
	cfg   GeneratorConfig
	roll  func() float64
	index func(n int) int
}

func NewGenerator(cfg GeneratorConfig) *Generator {
	if cfg.MaxRerolls < 1 {
		cfg.MaxRerolls = 1
	}
	return &Generator{
		cfg:   cfg,
		roll:  mrand.Float64,
		index: mrand.IntN,
	}
}

// Generate computes the crash point. Results at or above the reroll threshold
// are re-rolled with the configured probability by replacing one client seed;
// once MaxRerolls attempts are used the lowest attempt wins.
func (g *Generator) Generate(serverSeed string, seeds []ClientSeed) FairnessResult {
	current := append([]ClientSeed(nil), seeds...)
	attempts := make([]FairnessResult, 0, g.cfg.MaxRerolls)

	for i := 0; i < g.cfg.MaxRerolls; i++ {
		digest := Digest(serverSeed, current)
		res := FairnessResult{
			ServerSeed:  serverSeed,
			ClientSeeds: current,
			Digest:      digest,
			Multiplier:  CrashPoint(digest, g.cfg.Modulus),
			Attempts:    i + 1,
		}
		if res.Multiplier < g.cfg.RerollThreshold || g.roll() >= g.cfg.RerollProbability {
			return res
		}
		attempts = append(attempts, res)
		current = g.replaceSeed(current)
	}

	lowest := attempts[0]
	for _, a := range attempts[1:] {
		if a.Multiplier < lowest.Multiplier {
			lowest = a
		}
	}
	lowest.Attempts = len(attempts)
	return lowest
}

func (g *Generator) replaceSeed(seeds []ClientSeed) []ClientSeed {
	next := append([]ClientSeed(nil), seeds...)
	if len(next) == 0 {
		return []ClientSeed{{Participant: AnonymousParticipant(), Seed: GenerateClientSeed()}}
	}
	next[g.index(len(next))] = ClientSeed{Participant: AnonymousParticipant(), Seed: GenerateClientSeed()}
	return next
}

// CombineSeeds concatenates the server seed with the client seeds in order.
func CombineSeeds(serverSeed string, seeds []ClientSeed) string {
	var b strings.Builder
	b.WriteString(serverSeed)
	for _, s := range seeds {
		b.WriteString(s.Seed)
	}
	return b.String()
}

// Digest is the hex SHA-512 of the combined seeds.
func Digest(serverSeed string, seeds []ClientSeed) string {
	sum := sha512.Sum512([]byte(CombineSeeds(serverSeed, seeds)))
	return hex.EncodeToString(sum[:])
}

// CrashPoint maps a digest onto a multiplier. One in modulus digests is an
// instant 1.00 crash; the rest follow floor(100 * 2^52 / (h+1)) / 100.
func CrashPoint(digest string, modulus uint64) float64 {
	if len(digest) < DIGEST_PREFIX_LEN {
		return MIN_MULTIPLIER
	}
	h, err := strconv.ParseUint(digest[:DIGEST_PREFIX_LEN], 16, 64)
	if err != nil {
		return MIN_MULTIPLIER
	}
	if modulus > 0 && h%modulus == 0 {
		return MIN_MULTIPLIER
	}

	cents := (uint64(100) << 52) / (h + 1)
	mult := float64(cents) / 100
	if mult < MIN_MULTIPLIER {
		return MIN_MULTIPLIER
	}
	if mult > MAX_MULTIPLIER {
		return MAX_MULTIPLIER
	}
	return mult
}

// VerifyRound recomputes the crash point from disclosed seeds.
func VerifyRound(serverSeed string, seeds []ClientSeed, modulus uint64, claimedMultiplier float64) bool {
	return CrashPoint(Digest(serverSeed, seeds), modulus) == RoundMultiplier(claimedMultiplier)
}

// Recompute rebuilds a round's digest and crash point from its disclosed
// server seed and client seed values, in disclosure order.
func Recompute(serverSeed string, seedValues []string, modulus uint64) FairnessResult {
	seeds := make([]ClientSeed, len(seedValues))
	for i, v := range seedValues {
		seeds[i] = ClientSeed{Seed: v}
	}
	digest := Digest(serverSeed, seeds)
	return FairnessResult{
		ServerSeed:  serverSeed,
		ClientSeeds: seeds,
		Digest:      digest,
		Multiplier:  CrashPoint(digest, modulus),
		Attempts:    1,
	}
}

// GenerateServerSeed creates a fresh per-round secret.
func GenerateServerSeed() string {
	return randomHex(16)
}

// GenerateClientSeed creates a synthetic client seed.
func GenerateClientSeed() string {
	return randomHex(8)
}

// HashCommitment creates a SHA256 hash of the seed for commitment
func HashCommitment(seed string) string {
	h := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(h[:])
}

const anonymousAlpha = "abcdefghijklmnopqrstuvwxyz"

// AnonymousParticipant names a synthesized placeholder seed, e.g. "k***4".
func AnonymousParticipant() string {
	return string(anonymousAlpha[mrand.IntN(len(anonymousAlpha))]) + "***" + strconv.Itoa(mrand.IntN(10))
}

func randomHex(n int) string {
	b := make([]byte, n)
	rand.Read(b)
	return hex.EncodeToString(b)
}
