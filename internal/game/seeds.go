package game

import (
	"sort"
	"sync"
)

// SeedCollector accumulates client seeds for the upcoming round.
type SeedCollector struct {
	mu      sync.Mutex
	seeds   map[string]string
	minimum int
}

func NewSeedCollector(minimum int) *SeedCollector {
	return &SeedCollector{
		seeds:   make(map[string]string),
		minimum: minimum,
	}
}

// Add records a participant's seed; a later seed from the same participant
// replaces the earlier one.
func (c *SeedCollector) Add(participant, seed string) {
	if participant == "" || seed == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seeds[participant] = seed
}

// Remove forgets a participant whose bet was withdrawn.
func (c *SeedCollector) Remove(participant string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.seeds, participant)
}

func (c *SeedCollector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seeds)
}

// Consume tops the set up with anonymous seeds until the minimum is met,
// returns it ordered by participant and clears the collector.
func (c *SeedCollector) Consume() []ClientSeed {
	c.mu.Lock()
	defer c.mu.Unlock()

	for len(c.seeds) < c.minimum {
		name := AnonymousParticipant()
		if _, taken := c.seeds[name]; taken {
			continue
		}
		c.seeds[name] = GenerateClientSeed()
	}

	out := make([]ClientSeed, 0, len(c.seeds))
	for p, s := range c.seeds {
		out = append(out, ClientSeed{Participant: p, Seed: s})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Participant < out[j].Participant })

	c.seeds = make(map[string]string)
	return out
}

// Clear drops seeds that arrived too late for the current round.
func (c *SeedCollector) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seeds = make(map[string]string)
}

// MaskName hides most of a display name for public seed disclosure.
func MaskName(name string) string {
	r := []rune(name)
	switch len(r) {
	case 0:
		return AnonymousParticipant()
	case 1, 2:
		return string(r[0]) + "***"
	default:
		return string(r[0]) + "***" + string(r[len(r)-1])
	}
}
