package sim

import (
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/memlab/memsim/memutils"
	"github.com/memlab/memsim/memutils/frame"
	"github.com/memlab/memsim/memutils/region"
	"github.com/memlab/memsim/sim/internal/utils"
	"golang.org/x/exp/slog"
)

// PageMapping maps one logical page of a process to the physical frame holding it.
type PageMapping struct {
	Page  int
	Frame int
}

// PagingProcess records one process's size and its page table.
type PagingProcess struct {
	ID        region.ProcessID
	Size      int
	PageTable []PageMapping
}

// PagingAllocator slices each process into fixed-size pages and places them in the
// lowest-indexed free frames of a frame table. Frames are atomic units, so paging never
// suffers external fragmentation and no fit strategy applies.
type PagingAllocator struct {
	mutex  utils.OptionalRWMutex
	logger *slog.Logger

	table         *frame.Table
	processes     *swiss.Map[region.ProcessID, *PagingProcess]
	nextProcessID region.ProcessID
}

func newPagingAllocator(logger *slog.Logger, totalSize int, frameSize int, useMutex bool) *PagingAllocator {
	return &PagingAllocator{
		mutex:     utils.OptionalRWMutex{UseMutex: useMutex},
		logger:    logger,
		table:     frame.NewTable(totalSize, frameSize),
		processes: swiss.NewMap[region.ProcessID, *PagingProcess](8),
	}
}

// Name returns the scheme's identifier as it appears in serialized state and routes.
func (a *PagingAllocator) Name() string { return "paging" }

// Allocate places a new process of the provided size, assigning its pages to the
// lowest-indexed free frames in ascending order, and returns its id. It returns an error
// wrapping memutils.ErrInsufficientFrames, with no state change, when fewer free frames
// remain than the process needs.
func (a *PagingAllocator) Allocate(size int) (region.ProcessID, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.table.FrameSize() < 1 {
		return 0, errors.Wrapf(memutils.ErrInsufficientFrames, "the frame table is empty")
	}

	pagesNeeded := memutils.CeilDiv(size, a.table.FrameSize())
	freeIndices := a.table.FreeIndices()
	if pagesNeeded > len(freeIndices) {
		return 0, errors.Wrapf(memutils.ErrInsufficientFrames, "%d pages needed, but only %d frames are free", pagesNeeded, len(freeIndices))
	}

	id := a.nextProcessID
	pageTable := make([]PageMapping, pagesNeeded)
	for page := 0; page < pagesNeeded; page++ {
		frameIndex := freeIndices[page]
		err := a.table.Claim(frameIndex, id, page)
		if err != nil {
			// FreeIndices just reported these frames free, so a failed claim means the
			// table is corrupt.
			panic(err)
		}
		pageTable[page] = PageMapping{Page: page, Frame: frameIndex}
	}

	a.nextProcessID++
	a.processes.Put(id, &PagingProcess{ID: id, Size: size, PageTable: pageTable})

	a.logger.Debug("allocated paged process",
		slog.Int("processId", int(id)),
		slog.Int("size", size),
		slog.Int("pages", pagesNeeded),
	)

	memutils.DebugValidate(a)
	return id, nil
}

// Deallocate releases every frame in the provided process's page table and reports
// whether the process existed. Freed frames are not merged with anything.
func (a *PagingAllocator) Deallocate(id region.ProcessID) bool {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	process, ok := a.processes.Get(id)
	if !ok {
		return false
	}

	for _, mapping := range process.PageTable {
		err := a.table.Release(mapping.Frame)
		if err != nil {
			panic(err)
		}
	}
	a.processes.Delete(id)

	a.logger.Debug("deallocated paged process", slog.Int("processId", int(id)))

	memutils.DebugValidate(a)
	return true
}

// Reset rebuilds the frame table all-free with the provided geometry, clears the process
// registry, and restarts the id counter at 0. A non-positive frame size produces a valid
// zero-frame table.
func (a *PagingAllocator) Reset(totalSize int, frameSize int) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.table = frame.NewTable(totalSize, frameSize)
	a.processes = swiss.NewMap[region.ProcessID, *PagingProcess](8)
	a.nextProcessID = 0

	a.logger.Debug("reset paging scheme",
		slog.Int("memorySize", totalSize),
		slog.Int("pageSize", frameSize),
	)

	memutils.DebugValidate(a)
}

// TotalSize returns the size in bytes of the managed span.
func (a *PagingAllocator) TotalSize() int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.table.TotalSize()
}

// FrameSize returns the frame size in bytes of the managed span.
func (a *PagingAllocator) FrameSize() int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.table.FrameSize()
}

// Frames returns a copy of the frame table in index order.
func (a *PagingAllocator) Frames() []frame.Frame {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.table.Frames()
}

// Processes returns a copy of the live process registry in ascending id order.
func (a *PagingAllocator) Processes() []PagingProcess {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.processList()
}

func (a *PagingAllocator) processList() []PagingProcess {
	processes := make([]PagingProcess, 0, a.processes.Count())
	a.processes.Iter(func(_ region.ProcessID, p *PagingProcess) bool {
		processes = append(processes, *p)
		return false
	})
	sort.Slice(processes, func(i, j int) bool { return processes[i].ID < processes[j].ID })

	return processes
}

// Validate performs internal consistency checks on the allocator and its frame table.
func (a *PagingAllocator) Validate() error {
	err := a.table.Validate()
	if err != nil {
		return err
	}

	claimed := make(map[int]bool)
	var validateErr error
	a.processes.Iter(func(id region.ProcessID, p *PagingProcess) bool {
		if id >= a.nextProcessID {
			validateErr = errors.Errorf("process %d is registered, but the id counter is only %d", id, a.nextProcessID)
			return true
		}

		if a.table.FrameSize() > 0 && len(p.PageTable) != memutils.CeilDiv(p.Size, a.table.FrameSize()) {
			validateErr = errors.Errorf("process %d holds %d pages for %d bytes at %d bytes per frame", id, len(p.PageTable), p.Size, a.table.FrameSize())
			return true
		}

		frames := a.table.Frames()
		for _, mapping := range p.PageTable {
			if mapping.Frame < 0 || mapping.Frame >= len(frames) {
				validateErr = errors.Errorf("process %d maps page %d to out-of-range frame %d", id, mapping.Page, mapping.Frame)
				return true
			}
			if claimed[mapping.Frame] {
				validateErr = errors.Errorf("frame %d appears in more than one page table", mapping.Frame)
				return true
			}
			claimed[mapping.Frame] = true

			f := frames[mapping.Frame]
			if f.IsFree() || f.Owner != id || f.Page != mapping.Page {
				validateErr = errors.Errorf("process %d maps page %d to frame %d, but the frame does not agree", id, mapping.Page, mapping.Frame)
				return true
			}
		}

		return false
	})
	if validateErr != nil {
		return validateErr
	}

	if allocated := a.table.Len() - a.table.FreeCount(); allocated != len(claimed) {
		return errors.Errorf("the table holds %d allocated frames, but the page tables claim %d", allocated, len(claimed))
	}

	return nil
}

// AddDetailedStatistics sums this scheme's usage into the provided accumulator.
func (a *PagingAllocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	stats.ProcessCount += a.processes.Count()
	a.table.AddDetailedStatistics(stats)
}

// StateJson populates a json object with the scheme's full current state.
func (a *PagingAllocator) StateJson(obj *jwriter.ObjectState) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	obj.Name("memory_size").Int(a.table.TotalSize())
	obj.Name("page_size").Int(a.table.FrameSize())

	frames := obj.Name("frames").Array()
	a.table.FramesJson(&frames)
	frames.End()

	processes := obj.Name("processes").Array()
	for _, p := range a.processList() {
		procObj := processes.Object()
		procObj.Name("id").Int(int(p.ID))
		procObj.Name("size").Int(p.Size)

		pageTable := procObj.Name("pageTable").Array()
		for _, mapping := range p.PageTable {
			mappingObj := pageTable.Object()
			mappingObj.Name("page").Int(mapping.Page)
			mappingObj.Name("frame").Int(mapping.Frame)
			mappingObj.End()
		}
		pageTable.End()

		procObj.End()
	}
	processes.End()

	obj.Name("process_id_counter").Int(int(a.nextProcessID))
}

// BuildStateString returns the scheme's full current state as a JSON document.
func (a *PagingAllocator) BuildStateString() string {
	return buildStateString(a)
}
