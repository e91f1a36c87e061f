package sim

import (
	"github.com/cockroachdb/errors"

	"github.com/memlab/memsim/memutils/region"
)

// Strategy selects which free region satisfies a contiguous allocation request.
type Strategy uint32

const (
	// StrategyFirstFit picks the suitable free region with the lowest offset.
	StrategyFirstFit Strategy = iota
	// StrategyBestFit picks the smallest suitable free region to minimize the leftover
	// fragment, ties broken by lowest offset.
	StrategyBestFit
	// StrategyWorstFit picks the largest suitable free region so that the leftover
	// fragment stays usable, ties broken by lowest offset.
	StrategyWorstFit
)

var strategyMapping = map[Strategy]string{
	StrategyFirstFit: "firstFit",
	StrategyBestFit:  "bestFit",
	StrategyWorstFit: "worstFit",
}

func (s Strategy) String() string {
	return strategyMapping[s]
}

// ParseStrategy maps a strategy's serialized name back to its value.
func ParseStrategy(name string) (Strategy, error) {
	for strategy, str := range strategyMapping {
		if str == name {
			return strategy, nil
		}
	}

	return 0, errors.Errorf("unknown fit strategy %q", name)
}

// chooseCandidate applies a fit strategy to a non-empty candidate list. Candidates arrive
// in ascending offset order, so keeping the first minimum or maximum encountered gives
// every strategy the same tie-break: lowest offset wins.
func chooseCandidate(candidates []region.Candidate, strategy Strategy) region.Candidate {
	chosen := candidates[0]

	switch strategy {
	case StrategyBestFit:
		for _, c := range candidates[1:] {
			if c.Region.Size < chosen.Region.Size {
				chosen = c
			}
		}
	case StrategyWorstFit:
		for _, c := range candidates[1:] {
			if c.Region.Size > chosen.Region.Size {
				chosen = c
			}
		}
	}

	return chosen
}
