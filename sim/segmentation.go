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

// Segment is one independently based-and-limited region of a segmented process's address
// space.
type Segment struct {
	Index int
	Base  int
	Limit int
}

// SegmentationProcess records one process's segments. Either all of a process's segments
// are placed or none are.
type SegmentationProcess struct {
	ID       region.ProcessID
	Segments []Segment
}

// SegmentAllocator places each process as a list of segments, best-fit one at a time,
// with all-or-nothing semantics: the whole list is placed against a scratch copy of the
// block map and committed only if every segment fit.
type SegmentAllocator struct {
	mutex  utils.OptionalRWMutex
	logger *slog.Logger

	blockMap      *region.BlockMap
	processes     *swiss.Map[region.ProcessID, *SegmentationProcess]
	nextProcessID region.ProcessID
}

func newSegmentAllocator(logger *slog.Logger, totalSize int, useMutex bool) *SegmentAllocator {
	return &SegmentAllocator{
		mutex:     utils.OptionalRWMutex{UseMutex: useMutex},
		logger:    logger,
		blockMap:  region.NewBlockMap(totalSize),
		processes: swiss.NewMap[region.ProcessID, *SegmentationProcess](8),
	}
}

// Name returns the scheme's identifier as it appears in serialized state and routes.
func (a *SegmentAllocator) Name() string { return "segmentation" }

// Allocate places a new process whose segments have the provided sizes, in order, and
// returns its id. Each segment is placed best-fit, ties broken by lowest offset. If any
// segment cannot be placed the whole allocation is abandoned with no state change, and
// the returned error wraps memutils.ErrInsufficientMemory and names the first size that
// failed.
func (a *SegmentAllocator) Allocate(segmentSizes []int) (region.ProcessID, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	id := a.nextProcessID
	scratch := a.blockMap.Clone()
	segments := make([]Segment, 0, len(segmentSizes))

	for i, size := range segmentSizes {
		candidates := scratch.FindCandidates(size)
		if len(candidates) == 0 {
			return 0, errors.Wrapf(memutils.ErrInsufficientMemory, "no free region can hold a segment of %d bytes", size)
		}

		chosen := chooseCandidate(candidates, StrategyBestFit)
		base, err := scratch.SplitAndAllocate(chosen.Index, size, id)
		if err != nil {
			return 0, err
		}

		segments = append(segments, Segment{Index: i, Base: base, Limit: size})
	}

	// Every segment fit, so the scratch copy becomes the real layout.
	a.blockMap = scratch
	a.nextProcessID++
	a.processes.Put(id, &SegmentationProcess{ID: id, Segments: segments})

	a.logger.Debug("allocated segmented process",
		slog.Int("processId", int(id)),
		slog.Int("segments", len(segments)),
	)

	memutils.DebugValidate(a)
	return id, nil
}

// Deallocate releases every segment of the provided process, each identified by its
// exact base and limit, coalescing after each free, and reports whether the process
// existed.
func (a *SegmentAllocator) Deallocate(id region.ProcessID) bool {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	process, ok := a.processes.Get(id)
	if !ok {
		return false
	}

	a.processes.Delete(id)
	for _, segment := range process.Segments {
		a.blockMap.FreeRange(segment.Base, segment.Limit)
	}

	a.logger.Debug("deallocated segmented process", slog.Int("processId", int(id)))

	memutils.DebugValidate(a)
	return true
}

// Reset replaces the block map with a single free region of totalSize bytes, clears the
// process registry, and restarts the id counter at 0.
func (a *SegmentAllocator) Reset(totalSize int) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.blockMap = region.NewBlockMap(totalSize)
	a.processes = swiss.NewMap[region.ProcessID, *SegmentationProcess](8)
	a.nextProcessID = 0

	a.logger.Debug("reset segmentation scheme", slog.Int("memorySize", totalSize))

	memutils.DebugValidate(a)
}

// TotalSize returns the size in bytes of the managed span.
func (a *SegmentAllocator) TotalSize() int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.blockMap.TotalSize()
}

// Regions returns a copy of the current memory layout in ascending offset order.
func (a *SegmentAllocator) Regions() []region.Region {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.blockMap.Regions()
}

// Processes returns a copy of the live process registry in ascending id order.
func (a *SegmentAllocator) Processes() []SegmentationProcess {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.processList()
}

func (a *SegmentAllocator) processList() []SegmentationProcess {
	processes := make([]SegmentationProcess, 0, a.processes.Count())
	a.processes.Iter(func(_ region.ProcessID, p *SegmentationProcess) bool {
		processes = append(processes, *p)
		return false
	})
	sort.Slice(processes, func(i, j int) bool { return processes[i].ID < processes[j].ID })

	return processes
}

// Validate performs internal consistency checks on the allocator and its block map.
func (a *SegmentAllocator) Validate() error {
	err := a.blockMap.Validate()
	if err != nil {
		return err
	}

	var allocatedRegions, claimedSegments int
	err = a.blockMap.VisitRegions(func(_ int, r region.Region) error {
		if !r.IsFree() {
			allocatedRegions++
		}
		return nil
	})
	if err != nil {
		return err
	}

	var validateErr error
	a.processes.Iter(func(id region.ProcessID, p *SegmentationProcess) bool {
		if id >= a.nextProcessID {
			validateErr = errors.Errorf("process %d is registered, but the id counter is only %d", id, a.nextProcessID)
			return true
		}

		for _, segment := range p.Segments {
			claimedSegments++

			found := false
			_ = a.blockMap.VisitRegions(func(_ int, r region.Region) error {
				if !r.IsFree() && r.Offset == segment.Base && r.Size == segment.Limit {
					found = true
				}
				return nil
			})
			if !found {
				validateErr = errors.Errorf("process %d claims a segment of %d bytes at offset %d, but no matching region exists", id, segment.Limit, segment.Base)
				return true
			}
		}

		return false
	})
	if validateErr != nil {
		return validateErr
	}

	if allocatedRegions != claimedSegments {
		return errors.Errorf("the block map holds %d allocated regions, but the registry claims %d segments", allocatedRegions, claimedSegments)
	}

	return nil
}

// AddDetailedStatistics sums this scheme's usage into the provided accumulator.
func (a *SegmentAllocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	stats.ProcessCount += a.processes.Count()
	a.blockMap.AddDetailedStatistics(stats)
}

// StateJson populates a json object with the scheme's full current state.
func (a *SegmentAllocator) StateJson(obj *jwriter.ObjectState) {
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

		segments := procObj.Name("segments").Array()
		for _, segment := range p.Segments {
			segmentObj := segments.Object()
			segmentObj.Name("id").Int(segment.Index)
			segmentObj.Name("size").Int(segment.Limit)
			segmentObj.Name("base").Int(segment.Base)
			segmentObj.Name("limit").Int(segment.Limit)
			segmentObj.End()
		}
		segments.End()

		procObj.End()
	}
	processes.End()

	obj.Name("process_id_counter").Int(int(a.nextProcessID))
}

// BuildStateString returns the scheme's full current state as a JSON document.
func (a *SegmentAllocator) BuildStateString() string {
	return buildStateString(a)
}
