// Package snapshot builds randomized item-count snapshots.
package snapshot

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"

	"github.com/mcdev12/autotracker/go/internal/tracker/catalog"
)

// TypeItemCounts is the only message type the feed sends.
const TypeItemCounts = "item_counts"

// ItemCount is the simulated count of a single catalog item.
type ItemCount struct {
	Item  string `json:"item"`
	Count int    `json:"count"`
}

// Snapshot is one complete simulated inventory, in catalog order.
type Snapshot struct {
	Type   string      `json:"type"`
	Counts []ItemCount `json:"counts"`
}

// Generate draws one count per catalog entry, uniformly from [0, MaxCount].
// The catalog must already be validated.
func Generate(cat catalog.Catalog, rng *rand.Rand) Snapshot {
	counts := make([]ItemCount, len(cat))
	for i, e := range cat {
		// Uint64N keeps MaxCount == math.MaxInt from overflowing the bound.
		counts[i] = ItemCount{Item: e.Name, Count: int(rng.Uint64N(uint64(e.MaxCount) + 1))}
	}
	return Snapshot{Type: TypeItemCounts, Counts: counts}
}

// Encode serializes a snapshot into its wire form.
func Encode(s Snapshot) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return data, nil
}

// Generator pairs a catalog with a private random source.
// It is not safe for concurrent use; each session owns its own.
type Generator struct {
	catalog catalog.Catalog
	rng     *rand.Rand
}

// NewGenerator returns a Generator with an independently seeded source.
func NewGenerator(cat catalog.Catalog) *Generator {
	return &Generator{
		catalog: cat,
		rng:     rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

// NewSeededGenerator returns a Generator whose output is reproducible for a given seed.
func NewSeededGenerator(cat catalog.Catalog, seed uint64) *Generator {
	return &Generator{
		catalog: cat,
		rng:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

func (g *Generator) Generate() Snapshot {
	return Generate(g.catalog, g.rng)
}
