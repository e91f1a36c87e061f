package sim

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/memlab/memsim/memutils"
	"github.com/memlab/memsim/memutils/region"
)

// Scheme is the surface every memory-management scheme exposes uniformly. Allocation
// signatures differ per scheme (a strategy for contiguous, nothing for paging, a segment
// size list for segmentation) and live on the concrete allocators.
type Scheme interface {
	// Name returns the scheme's identifier as it appears in serialized state and routes.
	Name() string
	// Deallocate releases every claim held by the provided process and reports whether
	// the process existed. Deallocating an unknown or already-removed process is a
	// silent no-op, never an error.
	Deallocate(id region.ProcessID) bool
	// Validate performs internal consistency checks on the scheme's state.
	Validate() error
	// StateJson populates a json object with the scheme's full current state.
	StateJson(obj *jwriter.ObjectState)
	// BuildStateString returns the scheme's full current state as a JSON document.
	BuildStateString() string
	// AddDetailedStatistics sums the scheme's usage into the provided accumulator.
	AddDetailedStatistics(stats *memutils.DetailedStatistics)
}

func buildStateString(s Scheme) string {
	writer := jwriter.NewWriter()
	obj := writer.Object()
	s.StateJson(&obj)
	obj.End()

	return string(writer.Bytes())
}
