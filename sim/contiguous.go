package sim

import (
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/memlab/memsim/memutils"
	"github.com/memlab/memsim/memutils/region"
	"github.com/memlab/memsim/sim/internal/utils"
	"golang.org/x/exp/slog"
)

// ContiguousProcess records one process's claim on a single contiguous region.
type ContiguousProcess struct {
	ID    region.ProcessID
	Size  int
	Start int
}

// ContiguousAllocator places each process in one contiguous region of a block map, using
// a caller-selected fit strategy, and merges freed regions back together on deallocate.
type ContiguousAllocator struct {
	mutex  utils.OptionalRWMutex
	logger *slog.Logger

	blockMap      *region.BlockMap
	processes     *swiss.Map[region.ProcessID, *ContiguousProcess]
	nextProcessID region.ProcessID
}

func newContiguousAllocator(logger *slog.Logger, totalSize int, useMutex bool) *ContiguousAllocator {
	return &ContiguousAllocator{
		mutex:     utils.OptionalRWMutex{UseMutex: useMutex},
		logger:    logger,
		blockMap:  region.NewBlockMap(totalSize),
		processes: swiss.NewMap[region.ProcessID, *ContiguousProcess](8),
	}
}

// Name returns the scheme's identifier as it appears in serialized state and routes.
func (a *ContiguousAllocator) Name() string { return "contiguous" }

// Allocate places a new process of the provided size using the provided fit strategy and
// returns its id. It returns an error wrapping memutils.ErrInsufficientMemory, with no
// state change, when no free region is large enough.
func (a *ContiguousAllocator) Allocate(size int, strategy Strategy) (region.ProcessID, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	candidates := a.blockMap.FindCandidates(size)
	if len(candidates) == 0 {
		return 0, errors.Wrapf(memutils.ErrInsufficientMemory, "no free region can hold %d bytes", size)
	}

	chosen := chooseCandidate(candidates, strategy)
	start, err := a.blockMap.SplitAndAllocate(chosen.Index, size, a.nextProcessID)
	if err != nil {
		return 0, err
	}

	id := a.nextProcessID
	a.nextProcessID++
	a.processes.Put(id, &ContiguousProcess{ID: id, Size: size, Start: start})

	a.logger.Debug("allocated contiguous process",
		slog.Int("processId", int(id)),
		slog.Int("size", size),
		slog.Int("start", start),
		slog.String("strategy", strategy.String()),
	)

	memutils.DebugValidate(a)
	return id, nil
}

// Deallocate releases the provided process's region, coalescing it with free neighbors,
// and reports whether the process existed.
func (a *ContiguousAllocator) Deallocate(id region.ProcessID) bool {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	_, ok := a.processes.Get(id)
	if !ok {
		return false
	}

	a.processes.Delete(id)
	a.blockMap.FreeByOwner(id)

	a.logger.Debug("deallocated contiguous process", slog.Int("processId", int(id)))

	memutils.DebugValidate(a)
	return true
}

// Reset replaces the block map with a single free region of totalSize bytes, clears the
// process registry, and restarts the id counter at 0.
func (a *ContiguousAllocator) Reset(totalSize int) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.blockMap = region.NewBlockMap(totalSize)
	a.processes = swiss.NewMap[region.ProcessID, *ContiguousProcess](8)
	a.nextProcessID = 0

	a.logger.Debug("reset contiguous scheme", slog.Int("memorySize", totalSize))

	memutils.DebugValidate(a)
}

// TotalSize returns the size in bytes of the managed span.
func (a *ContiguousAllocator) TotalSize() int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.blockMap.TotalSize()
}

// Regions returns a copy of the current memory layout in ascending offset order.
func (a *ContiguousAllocator) Regions() []region.Region {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.blockMap.Regions()
}

// Processes returns a copy of the live process registry in ascending id order.
func (a *ContiguousAllocator) Processes() []ContiguousProcess {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.processList()
}

func (a *ContiguousAllocator) processList() []ContiguousProcess {
	processes := make([]ContiguousProcess, 0, a.processes.Count())
	a.processes.Iter(func(_ region.ProcessID, p *ContiguousProcess) bool {
		processes = append(processes, *p)
		return false
	})
	sort.Slice(processes, func(i, j int) bool { return processes[i].ID < processes[j].ID })

	return processes
}

// Validate performs internal consistency checks on the allocator and its block map.
func (a *ContiguousAllocator) Validate() error {
	err := a.blockMap.Validate()
	if err != nil {
		return err
	}

	var allocatedRegions int
	err = a.blockMap.VisitRegions(func(_ int, r region.Region) error {
		if !r.IsFree() {
			allocatedRegions++
		}
		return nil
	})
	if err != nil {
		return err
	}

	if allocatedRegions != a.processes.Count() {
		return errors.Errorf("the block map holds %d allocated regions, but the registry holds %d processes", allocatedRegions, a.processes.Count())
	}

	var validateErr error
	a.processes.Iter(func(id region.ProcessID, p *ContiguousProcess) bool {
		if id >= a.nextProcessID {
			validateErr = errors.Errorf("process %d is registered, but the id counter is only %d", id, a.nextProcessID)
			return true
		}

		found := false
		_ = a.blockMap.VisitRegions(func(_ int, r region.Region) error {
			if !r.IsFree() && r.Owner == id && r.Offset == p.Start && r.Size == p.Size {
				found = true
			}
			return nil
		})
		if !found {
			validateErr = errors.Errorf("process %d claims %d bytes at offset %d, but no matching region exists", id, p.Size, p.Start)
			return true
		}

		return false
	})

	return validateErr
}

// AddDetailedStatistics sums this scheme's usage into the provided accumulator.
func (a *ContiguousAllocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	stats.ProcessCount += a.processes.Count()
	a.blockMap.AddDetailedStatistics(stats)
}

// StateJson populates a json object with the scheme's full current state.
func (a *ContiguousAllocator) StateJson(obj *jwriter.ObjectState) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	obj.Name("memory_size").Int(a.blockMap.TotalSize())

	memory := obj.Name("memory").Array()
	a.blockMap.RegionsJson(&memory)
	memory.End()

	processes := obj.Name("processes").Array()
	for _, p := range a.processList() {
		procObj := processes.Object()
		procObj.Name("id").Int(int(p.ID))
		procObj.Name("size").Int(p.Size)
		procObj.Name("start").Int(p.Start)
		procObj.End()
	}
	processes.End()

	obj.Name("process_id_counter").Int(int(a.nextProcessID))
}

// BuildStateString returns the scheme's full current state as a JSON document.
func (a *ContiguousAllocator) BuildStateString() string {
	return buildStateString(a)
}
