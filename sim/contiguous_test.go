package sim_test

import (
	"io"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/memlab/memsim/memutils"
	"github.com/memlab/memsim/memutils/region"
	"github.com/memlab/memsim/sim"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

func newTestState(t *testing.T) *sim.SimulationState {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard))
	return sim.New(logger, sim.CreateOptions{})
}

func TestContiguousAllocateDeallocateScenario(t *testing.T) {
	state := newTestState(t)
	alloc := state.Contiguous()
	alloc.Reset(1024)

	require.Equal(t, []region.Region{
		{Offset: 0, Size: 1024, Status: region.StatusFree, Owner: region.NoProcess},
	}, alloc.Regions())

	id, err := alloc.Allocate(300, sim.StrategyFirstFit)
	require.NoError(t, err)
	require.NoError(t, alloc.Validate())
	require.Equal(t, region.ProcessID(0), id)

	require.Equal(t, []region.Region{
		{Offset: 0, Size: 300, Status: region.StatusAllocated, Owner: 0},
		{Offset: 300, Size: 724, Status: region.StatusFree, Owner: region.NoProcess},
	}, alloc.Regions())
	require.Equal(t, []sim.ContiguousProcess{
		{ID: 0, Size: 300, Start: 0},
	}, alloc.Processes())

	require.True(t, alloc.Deallocate(id))
	require.NoError(t, alloc.Validate())
	require.Equal(t, []region.Region{
		{Offset: 0, Size: 1024, Status: region.StatusFree, Owner: region.NoProcess},
	}, alloc.Regions())
	require.Empty(t, alloc.Processes())
}

// fragmentTo70 leaves free regions of 10, 30, and 20 bytes at ascending offsets and
// nothing else free.
func fragmentTo70(t *testing.T, alloc *sim.ContiguousAllocator) {
	t.Helper()
	alloc.Reset(70)

	sizes := []int{10, 5, 30, 5, 20}
	ids := make([]region.ProcessID, len(sizes))
	for i, size := range sizes {
		id, err := alloc.Allocate(size, sim.StrategyFirstFit)
		require.NoError(t, err)
		ids[i] = id
	}

	require.True(t, alloc.Deallocate(ids[0]))
	require.True(t, alloc.Deallocate(ids[2]))
	require.True(t, alloc.Deallocate(ids[4]))
	require.NoError(t, alloc.Validate())
}

func TestFirstFitPicksLowestOffset(t *testing.T) {
	state := newTestState(t)
	alloc := state.Contiguous()
	fragmentTo70(t, alloc)

	id, err := alloc.Allocate(10, sim.StrategyFirstFit)
	require.NoError(t, err)

	processes := alloc.Processes()
	require.Equal(t, sim.ContiguousProcess{ID: id, Size: 10, Start: 0}, processes[len(processes)-1])
}

func TestBestFitPrefersExactMatch(t *testing.T) {
	state := newTestState(t)
	alloc := state.Contiguous()
	fragmentTo70(t, alloc)

	id, err := alloc.Allocate(10, sim.StrategyBestFit)
	require.NoError(t, err)

	processes := alloc.Processes()
	require.Equal(t, sim.ContiguousProcess{ID: id, Size: 10, Start: 0}, processes[len(processes)-1])
}

func TestBestFitPicksSmallestSufficientRegion(t *testing.T) {
	state := newTestState(t)
	alloc := state.Contiguous()
	fragmentTo70(t, alloc)

	// 15 does not fit the 10-byte hole; the 20-byte hole at offset 50 is the tightest.
	id, err := alloc.Allocate(15, sim.StrategyBestFit)
	require.NoError(t, err)

	processes := alloc.Processes()
	require.Equal(t, sim.ContiguousProcess{ID: id, Size: 15, Start: 50}, processes[len(processes)-1])
}

func TestWorstFitPicksLargestRegion(t *testing.T) {
	state := newTestState(t)
	alloc := state.Contiguous()
	fragmentTo70(t, alloc)

	id, err := alloc.Allocate(10, sim.StrategyWorstFit)
	require.NoError(t, err)

	processes := alloc.Processes()
	require.Equal(t, sim.ContiguousProcess{ID: id, Size: 10, Start: 15}, processes[len(processes)-1])
}

func TestTieBreakLowestOffsetWins(t *testing.T) {
	state := newTestState(t)
	alloc := state.Contiguous()
	alloc.Reset(50)

	// Three identical 10-byte holes at offsets 0, 20, and 40.
	sizes := []int{10, 10, 10, 10, 10}
	ids := make([]region.ProcessID, len(sizes))
	for i, size := range sizes {
		id, err := alloc.Allocate(size, sim.StrategyFirstFit)
		require.NoError(t, err)
		ids[i] = id
	}
	require.True(t, alloc.Deallocate(ids[0]))
	require.True(t, alloc.Deallocate(ids[2]))
	require.True(t, alloc.Deallocate(ids[4]))

	bestID, err := alloc.Allocate(10, sim.StrategyBestFit)
	require.NoError(t, err)
	worstID, err := alloc.Allocate(5, sim.StrategyWorstFit)
	require.NoError(t, err)

	var bestStart, worstStart int
	for _, p := range alloc.Processes() {
		if p.ID == bestID {
			bestStart = p.Start
		}
		if p.ID == worstID {
			worstStart = p.Start
		}
	}
	require.Equal(t, 0, bestStart)
	require.Equal(t, 20, worstStart)
}

func TestContiguousInsufficientMemory(t *testing.T) {
	state := newTestState(t)
	alloc := state.Contiguous()
	alloc.Reset(100)

	before := alloc.Regions()

	_, err := alloc.Allocate(101, sim.StrategyFirstFit)
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.ErrInsufficientMemory))
	require.Equal(t, before, alloc.Regions())
	require.Empty(t, alloc.Processes())
	require.NoError(t, alloc.Validate())
}

func TestContiguousDeallocateUnknownIsNoOp(t *testing.T) {
	state := newTestState(t)
	alloc := state.Contiguous()

	_, err := alloc.Allocate(100, sim.StrategyFirstFit)
	require.NoError(t, err)
	before := alloc.Regions()

	require.False(t, alloc.Deallocate(42))
	require.Equal(t, before, alloc.Regions())

	// Deallocating twice only removes the process once.
	require.True(t, alloc.Deallocate(0))
	require.False(t, alloc.Deallocate(0))
	require.NoError(t, alloc.Validate())
}

func TestContiguousProcessIDsAreNeverReused(t *testing.T) {
	state := newTestState(t)
	alloc := state.Contiguous()

	id0, err := alloc.Allocate(10, sim.StrategyFirstFit)
	require.NoError(t, err)
	require.True(t, alloc.Deallocate(id0))

	id1, err := alloc.Allocate(10, sim.StrategyFirstFit)
	require.NoError(t, err)
	require.Equal(t, region.ProcessID(1), id1)

	alloc.Reset(1024)
	id2, err := alloc.Allocate(10, sim.StrategyFirstFit)
	require.NoError(t, err)
	require.Equal(t, region.ProcessID(0), id2)
}

func TestContiguousConcurrentAllocations(t *testing.T) {
	state := newTestState(t)
	alloc := state.Contiguous()
	alloc.Reset(10000)

	errs := make(chan error, 100)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				id, err := alloc.Allocate(10, sim.StrategyFirstFit)
				if err != nil {
					errs <- err
					return
				}
				alloc.Deallocate(id)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.NoError(t, alloc.Validate())
	require.Empty(t, alloc.Processes())
	require.Equal(t, []region.Region{
		{Offset: 0, Size: 10000, Status: region.StatusFree, Owner: region.NoProcess},
	}, alloc.Regions())
}
