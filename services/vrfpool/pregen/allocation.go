package pregen

import (
	"math"
	"sort"

	"github.com/R3E-Network/vrfpool/internal/proof"
)

// ComputeAllocation expands per-game targets into batch items. Each subtype
// receives ceil(target / len(subtypes)) items. Game types are emitted by
// descending priority and, within a type, subtypes are interleaved in
// catalog order so a truncated tail cuts every subtype evenly.
func ComputeAllocation(targets map[proof.GameType]int, subtypes proof.Catalog) []proof.BatchItem {
	var items []proof.BatchItem
	for _, g := range proof.ByPriority(gameTypesOf(targets)) {
		subs := subtypes[g]
		if len(subs) == 0 || targets[g] <= 0 {
			continue
		}
		perSubType := ceilDiv(targets[g], len(subs))
		items = append(items, expand(g, subs, perSubType)...)
	}
	return items
}

// proportionalAllocation spreads shortfall across types by their target share
// and truncates the result to exactly shortfall items.
func proportionalAllocation(shortfall int, types []proof.GameType, targets map[proof.GameType]int, subtypes proof.Catalog) []proof.BatchItem {
	if shortfall <= 0 {
		return nil
	}
	sum := 0
	for _, g := range types {
		if len(subtypes[g]) > 0 {
			sum += targets[g]
		}
	}
	if sum <= 0 {
		return nil
	}

	perType := make(map[proof.GameType]int, len(types))
	for _, g := range types {
		if len(subtypes[g]) == 0 || targets[g] <= 0 {
			continue
		}
		perType[g] = ceilDiv(targets[g]*shortfall, sum)
	}

	items := ComputeAllocation(perType, subtypes)
	if len(items) > shortfall {
		items = items[:shortfall]
	}
	return items
}

// shortfallAllocation requests exactly shortfalls[g] items for each type,
// interleaved across its subtypes. Types are emitted by descending priority.
func shortfallAllocation(shortfalls map[proof.GameType]int, subtypes proof.Catalog) []proof.BatchItem {
	var items []proof.BatchItem
	for _, g := range proof.ByPriority(gameTypesOf(shortfalls)) {
		n, subs := shortfalls[g], subtypes[g]
		if n <= 0 || len(subs) == 0 {
			continue
		}
		items = append(items, expand(g, subs, ceilDiv(n, len(subs)))[:n]...)
	}
	return items
}

// distribute splits total across game types by weight. Weights need not sum
// to 100; rounding remainders go to the highest priority types.
func distribute(total int, weights map[proof.GameType]float64) map[proof.GameType]int {
	out := make(map[proof.GameType]int, len(weights))
	var sum float64
	for _, w := range weights {
		if w > 0 {
			sum += w
		}
	}
	if total <= 0 || sum == 0 {
		return out
	}

	assigned := 0
	types := proof.ByPriority(weightTypes(weights))
	for _, g := range types {
		if weights[g] <= 0 {
			continue
		}
		n := int(math.Floor(float64(total) * weights[g] / sum))
		out[g] = n
		assigned += n
	}
	for i := 0; assigned < total && len(types) > 0; i++ {
		g := types[i%len(types)]
		if weights[g] <= 0 {
			continue
		}
		out[g]++
		assigned++
	}
	return out
}

func expand(g proof.GameType, subs []string, perSubType int) []proof.BatchItem {
	items := make([]proof.BatchItem, 0, perSubType*len(subs))
	for round := 0; round < perSubType; round++ {
		for _, sub := range subs {
			items = append(items, proof.BatchItem{GameType: g, GameSubType: sub})
		}
	}
	return items
}

// chunk splits items into slices of at most size.
func chunk(items []proof.BatchItem, size int) [][]proof.BatchItem {
	var out [][]proof.BatchItem
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

func gameTypesOf(targets map[proof.GameType]int) []proof.GameType {
	out := make([]proof.GameType, 0, len(targets))
	for g := range targets {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func weightTypes(weights map[proof.GameType]float64) []proof.GameType {
	out := make([]proof.GameType, 0, len(weights))
	for g := range weights {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
